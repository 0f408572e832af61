// Package audit implements the append-only, non-repudiable record of every
// admission, policy, and emission decision the gateway makes.
//
// Records are written one per line as RFC 8785 canonical JSON so that two
// audit files produced by different builds diff cleanly. A record for a
// state-changing action is flushed to disk before the API response returns;
// if the append fails, the state change itself is refused.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Action names recorded in the log. Stable strings: external tooling keys
// off them.
const (
	ActionChallengeIssued  = "admission.challenge"
	ActionAdmissionVerify  = "admission.verified"
	ActionAdmissionDenied  = "admission.denied"
	ActionKeyringUpsert    = "keyring.upsert"
	ActionKeyringRevoked   = "keyring.revoked"
	ActionKeyringStatus    = "keyring.status"
	ActionCapabilityUpdate = "capability.updated"
	ActionEmitAccepted     = "emit.accepted"
	ActionEmitDenied       = "emit.denied"
	ActionSubscribeOpened  = "subscribe.opened"
	ActionSubscribeDenied  = "subscribe.denied"
	ActionPolicyReloaded   = "policy.reloaded"
	ActionPolicyReloadFail = "policy.reload_failed"
)

// Decision values.
const (
	DecisionAccepted = "accepted"
	DecisionDenied   = "denied"
	DecisionApplied  = "applied"
)

// ActorSystem is the actor recorded for gateway-initiated events.
const ActorSystem = "system"

// Record is one audit line.
type Record struct {
	ID       string    `json:"id"`
	TS       time.Time `json:"ts"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	Subject  string    `json:"subject,omitempty"`
	Digest   string    `json:"digest,omitempty"`
	Decision string    `json:"decision"`
	Reason   string    `json:"reason,omitempty"`
}

// Logger appends records to a single file. Writes are serialized and synced.
type Logger struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// Open creates or appends to the audit file at path.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Logger{f: f, path: path}, nil
}

// Path returns the backing file path.
func (l *Logger) Path() string { return l.path }

// Append writes one record and syncs the file. The record's ID and TS are
// filled in if empty. A non-nil error means the record is NOT durable and
// the caller must refuse the action it documents.
func (l *Logger) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.TS.IsZero() {
		rec.TS = time.Now().UTC()
	}
	rec.TS = rec.TS.UTC()

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	line, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("audit: canonicalize: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	return nil
}

// Close releases the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
