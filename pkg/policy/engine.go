package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/cel-go/cel"

	"github.com/aegnix/abi/pkg/capability"
)

// Action distinguishes the two sides of the bus.
type Action string

const (
	ActionPublish   Action = "publish"
	ActionSubscribe Action = "subscribe"
)

// Denial codes. They map to the error taxonomy at the API layer.
const (
	CodeUnknownSubject = "UnknownSubject"
	CodeNotAuthorized  = "NotAuthorized"
	CodeGuardRejected  = "GuardRejected"
)

// Decision is the outcome of one authorization check.
type Decision struct {
	Allowed bool
	Code    string
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(code, reason string) Decision {
	return Decision{Code: code, Reason: reason}
}

// CapabilitySource supplies the dynamic grants. Implemented by
// capability.Store.
type CapabilitySource interface {
	List(ctx context.Context) ([]capability.Record, error)
}

// Snapshot is an immutable, fully-resolved view of static plus dynamic
// policy. Decisions read one snapshot for their whole evaluation, so a
// concurrent rebuild can never produce a half-old half-new answer.
type Snapshot struct {
	doc     *Document
	dynamic map[string]capability.Record
}

// Engine answers authorization questions against the current snapshot.
type Engine struct {
	loader  *Loader
	caps    CapabilitySource
	log     *slog.Logger
	current atomic.Pointer[Snapshot]
}

// NewEngine builds the engine and its first snapshot. The loader's
// OnChange hook and the capability store's OnChange hook should both call
// Rebuild.
func NewEngine(loader *Loader, caps CapabilitySource, log *slog.Logger) (*Engine, error) {
	e := &Engine{loader: loader, caps: caps, log: log}
	if err := e.Rebuild(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// Rebuild recomputes the snapshot from the current static document and
// capability table, then swaps it in atomically.
func (e *Engine) Rebuild(ctx context.Context) error {
	recs, err := e.caps.List(ctx)
	if err != nil {
		return fmt.Errorf("policy: rebuild: %w", err)
	}
	dynamic := make(map[string]capability.Record, len(recs))
	for _, r := range recs {
		dynamic[r.AEID] = r
	}
	snap := &Snapshot{doc: e.loader.Current(), dynamic: dynamic}
	e.current.Store(snap)
	e.log.Debug("policy snapshot rebuilt", "version", snap.doc.Version, "dynamic", len(dynamic))
	return nil
}

// Decide reports whether aeID may perform action on subject. roles are
// the AE's keyring roles; labels ride on the envelope being checked (nil
// for subscribe checks).
//
// Order: a subject named by neither the static document nor any dynamic
// declaration is UnknownSubject. Otherwise static membership is checked
// first (its guard included), then role grants, then the AE's own
// dynamic declaration; no match is NotAuthorized.
func (e *Engine) Decide(aeID string, action Action, subject string, roles, labels []string) Decision {
	snap := e.current.Load()
	if snap == nil {
		return deny(CodeNotAuthorized, "policy not loaded")
	}

	key, rule, hasRule := snap.doc.lookup(subject)
	if !hasRule && !snap.doc.KnowsSubject(subject) && !snap.dynamicNames(subject) {
		return deny(CodeUnknownSubject, fmt.Sprintf("subject %s is not known to policy", subject))
	}

	if hasRule && containsAE(pick(action, rule.Pubs, rule.Subs), aeID) {
		if prg, ok := snap.doc.guards[key]; ok {
			ok, err := evalGuard(prg, aeID, labels)
			if err != nil {
				e.log.Warn("guard evaluation failed", "ae_id", aeID, "subject", subject, "error", err)
				return deny(CodeGuardRejected, "guard evaluation failed")
			}
			if !ok {
				return deny(CodeGuardRejected, "guard rejected emission")
			}
		}
		return allow()
	}

	for _, rg := range snap.roleGrants(roles) {
		if anyMatches(pick(action, rg.Pubs, rg.Subs), subject) {
			return allow()
		}
	}

	if dyn, ok := snap.dynamic[aeID]; ok && anyMatches(pick(action, dyn.Publishes, dyn.Subscribes), subject) {
		return allow()
	}

	return deny(CodeNotAuthorized, fmt.Sprintf("%s may not %s %s", aeID, action, subject))
}

// dynamicNames reports whether any AE's declaration mentions subject in
// either direction. Used only for the unknown-subject gate; the allow
// path still requires the acting AE's own declaration.
func (s *Snapshot) dynamicNames(subject string) bool {
	for _, rec := range s.dynamic {
		if anyMatches(rec.Publishes, subject) || anyMatches(rec.Subscribes, subject) {
			return true
		}
	}
	return false
}

func (s *Snapshot) roleGrants(roles []string) []RoleGrant {
	var out []RoleGrant
	for _, r := range roles {
		if g, ok := s.doc.Roles[r]; ok {
			out = append(out, g)
		}
	}
	return out
}

func pick(action Action, pubs, subs []string) []string {
	if action == ActionPublish {
		return pubs
	}
	return subs
}

func evalGuard(prg cel.Program, producer string, labels []string) (bool, error) {
	if labels == nil {
		labels = []string{}
	}
	out, _, err := prg.Eval(map[string]any{
		"producer": producer,
		"labels":   labels,
	})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard returned %T, want bool", out.Value())
	}
	return b, nil
}
