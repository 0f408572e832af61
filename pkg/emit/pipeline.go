// Package emit runs the verified-emission pipeline: every envelope that
// reaches the bus has passed grant, identity, trust, policy, and
// signature checks, in that order, with the denial audited at the stage
// that refused it.
package emit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aegnix/abi/pkg/audit"
	"github.com/aegnix/abi/pkg/auth"
	"github.com/aegnix/abi/pkg/bus"
	"github.com/aegnix/abi/pkg/envelope"
	"github.com/aegnix/abi/pkg/keyring"
	"github.com/aegnix/abi/pkg/policy"
	"github.com/aegnix/abi/pkg/session"
)

// Denial is a refused emission. It carries the HTTP status the API layer
// should answer with; Reason is safe to return to the caller.
type Denial struct {
	Status int
	Code   string
	Reason string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("emit denied (%s): %s", d.Code, d.Reason)
}

// Denial codes beyond the policy ones.
const (
	CodeUnauthenticated = "Unauthenticated"
	CodeBadRequest      = "BadRequest"
	CodeSubjectMismatch = "SubjectMismatch"
	CodeNotTrusted      = "NotTrusted"
	CodeBadSignature    = "BadSignature"
)

// Accepted is the acknowledgment for a published emission.
type Accepted struct {
	Digest    string    `json:"digest"`
	Delivered int       `json:"delivered"`
	TS        time.Time `json:"ts"`
}

// Pipeline wires the stages together.
type Pipeline struct {
	keys    *keyring.Store
	engine  *policy.Engine
	bus     *bus.Bus
	audit   *audit.Logger
	runtime *session.Registry
	log     *slog.Logger
	now     func() time.Time
}

// New builds the pipeline. runtime may be nil when liveness tracking is
// disabled.
func New(keys *keyring.Store, engine *policy.Engine, b *bus.Bus, auditLog *audit.Logger, runtime *session.Registry, log *slog.Logger) *Pipeline {
	return &Pipeline{
		keys:    keys,
		engine:  engine,
		bus:     b,
		audit:   auditLog,
		runtime: runtime,
		log:     log,
		now:     time.Now,
	}
}

// Emit validates rawBody as a signed envelope from principal and, if
// every stage passes, publishes it. The returned error is a *Denial for
// policy-visible refusals; any other error is an internal fault.
//
// Stage order is fixed. A denial at stage N means stages after N did not
// run: a signature is never checked for an unauthorized subject, and
// nothing reaches the bus before the signature verifies.
func (p *Pipeline) Emit(ctx context.Context, principal *auth.Principal, rawBody []byte) (*Accepted, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 1. Session grant.
	if principal == nil {
		return nil, p.deny(ctx, "", "", http.StatusUnauthorized, CodeUnauthenticated, "missing or invalid session grant")
	}

	// 2. Envelope shape.
	env, err := envelope.Parse(rawBody)
	if err != nil {
		return nil, p.deny(ctx, principal.AEID, "", http.StatusBadRequest, CodeBadRequest, err.Error())
	}

	// 3. Producer identity must match the authenticated subject.
	if env.Producer != principal.AEID {
		reason := fmt.Sprintf("producer %q does not match authenticated subject %q", env.Producer, principal.AEID)
		return nil, p.deny(ctx, principal.AEID, env.Subject, http.StatusForbidden, CodeSubjectMismatch, reason)
	}

	// 4. Trust standing.
	rec, err := p.keys.Get(ctx, env.Producer)
	if err != nil {
		return nil, p.deny(ctx, principal.AEID, env.Subject, http.StatusUnauthorized, CodeNotTrusted, "producer not registered")
	}
	if !rec.Trusted(p.now()) {
		return nil, p.deny(ctx, principal.AEID, env.Subject, http.StatusUnauthorized, CodeNotTrusted, "producer not trusted")
	}

	// 5. Publish authorization.
	d := p.engine.Decide(env.Producer, policy.ActionPublish, env.Subject, rec.Roles, env.Labels)
	if !d.Allowed {
		return nil, p.deny(ctx, principal.AEID, env.Subject, http.StatusForbidden, d.Code, d.Reason)
	}

	// 6. Signature, checked only after authorization so the keyring's
	// public key is consulted for legitimate traffic shapes only.
	ok, err := env.VerifySignature(rec.PubKey)
	if err != nil {
		return nil, fmt.Errorf("emit: verify: %w", err)
	}
	if !ok {
		return nil, p.deny(ctx, principal.AEID, env.Subject, http.StatusUnauthorized, CodeBadSignature, "envelope signature invalid")
	}

	digest, err := env.Digest()
	if err != nil {
		return nil, fmt.Errorf("emit: digest: %w", err)
	}

	// 7. A caller that has gone away gets nothing published on its behalf.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 8. Publish.
	delivered := p.bus.Publish(env.Subject, env)

	// 9. Audit the acceptance. This is the one stage whose failure turns
	// an already-published emission into an error response; the publish
	// is not unwound, the caller must treat the ack as unconfirmed.
	if err := p.audit.Append(ctx, audit.Record{
		Actor:    env.Producer,
		Action:   audit.ActionEmitAccepted,
		Subject:  env.Subject,
		Digest:   digest,
		Decision: audit.DecisionAccepted,
	}); err != nil {
		return nil, fmt.Errorf("emit: audit refused acceptance: %w", err)
	}

	// 10. Liveness and ack.
	if p.runtime != nil {
		p.runtime.Touch(env.Producer, principal.Profile)
	}
	p.log.Debug("emission accepted", "producer", env.Producer, "subject", env.Subject, "digest", digest, "delivered", delivered)
	return &Accepted{Digest: digest, Delivered: delivered, TS: p.now().UTC()}, nil
}

// Authorize checks a subscribe request without touching the bus, so the
// API layer can refuse an SSE stream before committing to it.
func (p *Pipeline) Authorize(ctx context.Context, principal *auth.Principal, action policy.Action, subject string) *Denial {
	if principal == nil {
		return &Denial{Status: http.StatusUnauthorized, Code: CodeUnauthenticated, Reason: "missing or invalid session grant"}
	}
	rec, err := p.keys.Get(ctx, principal.AEID)
	if err != nil {
		return &Denial{Status: http.StatusUnauthorized, Code: CodeNotTrusted, Reason: "subscriber not registered"}
	}
	if !rec.Trusted(p.now()) {
		return &Denial{Status: http.StatusUnauthorized, Code: CodeNotTrusted, Reason: "subscriber not trusted"}
	}
	if d := p.engine.Decide(principal.AEID, action, subject, rec.Roles, nil); !d.Allowed {
		return &Denial{Status: http.StatusForbidden, Code: d.Code, Reason: d.Reason}
	}
	return nil
}

func (p *Pipeline) deny(ctx context.Context, actor, subject string, status int, code, reason string) *Denial {
	if actor == "" {
		actor = "anonymous"
	}
	_ = p.audit.Append(ctx, audit.Record{
		Actor:    actor,
		Action:   audit.ActionEmitDenied,
		Subject:  subject,
		Decision: audit.DecisionDenied,
		Reason:   fmt.Sprintf("%s: %s", code, reason),
	})
	return &Denial{Status: status, Code: code, Reason: reason}
}
