// Package keyring persists AE identities: public key, role set, trust
// state, and optional expiry. It is the single source of truth for "is this
// principal allowed to exist on the mesh at all".
//
// Trust transitions are monotonic (untrusted → trusted) except for
// operator-issued revocation. A revoked or expired record is never usable
// for verification; callers treat both as not-trusted.
package keyring

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aegnix/abi/pkg/audit"
	"github.com/aegnix/abi/pkg/database"
)

// Status is the trust state of a keyring record.
type Status string

const (
	StatusUntrusted Status = "untrusted"
	StatusTrusted   Status = "trusted"
	StatusRevoked   Status = "revoked"
)

var (
	ErrNotFound       = errors.New("keyring: record not found")
	ErrTrustDowngrade = errors.New("keyring: upsert would lower trust state")
)

// Record is one AE identity.
type Record struct {
	AEID      string     `json:"ae_id"`
	PubKey    []byte     `json:"pubkey"`
	Roles     []string   `json:"roles"`
	Status    Status     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Trusted reports whether the record may be used for verification at t.
func (r *Record) Trusted(t time.Time) bool {
	if r.Status != StatusTrusted {
		return false
	}
	if r.ExpiresAt != nil && !t.Before(*r.ExpiresAt) {
		return false
	}
	return true
}

// Store is the durable keyring. Writes are serialized through a single
// mutex; reads go straight to the database and see committed rows only.
type Store struct {
	mu    sync.Mutex
	db    *database.DB
	audit *audit.Logger
	now   func() time.Time
}

// New creates a Store and runs migrations.
func New(db *database.DB, auditLog *audit.Logger) (*Store, error) {
	s := &Store{db: db, audit: auditLog, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const query = `
	CREATE TABLE IF NOT EXISTS keyring (
		ae_id      TEXT PRIMARY KEY,
		pubkey     TEXT NOT NULL,
		roles      TEXT NOT NULL DEFAULT '[]',
		status     TEXT NOT NULL DEFAULT 'untrusted',
		expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("keyring: migrate: %w", err)
	}
	return nil
}

// Upsert inserts or updates a record. The existing trust state is preserved
// unless privileged is set; a non-privileged upsert that would lower trust
// fails with ErrTrustDowngrade. Every successful mutation is audited before
// it commits; if the audit append fails the mutation is rolled back.
func (s *Store) Upsert(ctx context.Context, actor string, rec Record, privileged bool) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	existing, err := s.get(ctx, rec.AEID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	status := rec.Status
	if status == "" {
		status = StatusUntrusted
	}
	if existing != nil {
		if !privileged {
			status = existing.Status
		} else if rank(status) < rank(existing.Status) && status != StatusRevoked {
			return nil, ErrTrustDowngrade
		}
	}

	rolesJSON, err := json.Marshal(rec.Roles)
	if err != nil {
		return nil, fmt.Errorf("keyring: encode roles: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("keyring: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := now
	if existing != nil {
		created = existing.CreatedAt
	}
	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO keyring (ae_id, pubkey, roles, status, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ae_id) DO UPDATE SET
			pubkey = excluded.pubkey,
			roles = excluded.roles,
			status = excluded.status,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`),
		rec.AEID, encodeKey(rec.PubKey), string(rolesJSON), string(status),
		encodeExpiry(rec.ExpiresAt), created.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("keyring: upsert %s: %w", rec.AEID, err)
	}

	if err := s.audit.Append(ctx, audit.Record{
		Actor:    actor,
		Action:   audit.ActionKeyringUpsert,
		Subject:  rec.AEID,
		Decision: audit.DecisionApplied,
		Reason:   "status=" + string(status),
	}); err != nil {
		return nil, fmt.Errorf("keyring: audit refused upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("keyring: commit: %w", err)
	}

	return s.get(ctx, rec.AEID)
}

// SetStatus transitions a record's trust state. Lowering trust is an
// operator action: only revocation is accepted as a downgrade.
func (s *Store) SetStatus(ctx context.Context, actor, aeID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.get(ctx, aeID)
	if err != nil {
		return err
	}
	if rank(status) < rank(existing.Status) && status != StatusRevoked {
		return ErrTrustDowngrade
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("keyring: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		s.db.Rebind(`UPDATE keyring SET status = ?, updated_at = ? WHERE ae_id = ?`),
		string(status), s.now().UTC().Format(time.RFC3339Nano), aeID)
	if err != nil {
		return fmt.Errorf("keyring: set status %s: %w", aeID, err)
	}

	action := audit.ActionKeyringStatus
	if status == StatusRevoked {
		action = audit.ActionKeyringRevoked
	}
	if err := s.audit.Append(ctx, audit.Record{
		Actor:    actor,
		Action:   action,
		Subject:  aeID,
		Decision: audit.DecisionApplied,
		Reason:   "status=" + string(status),
	}); err != nil {
		return fmt.Errorf("keyring: audit refused status change: %w", err)
	}
	return tx.Commit()
}

// Get returns the record for aeID or ErrNotFound.
func (s *Store) Get(ctx context.Context, aeID string) (*Record, error) {
	return s.get(ctx, aeID)
}

func (s *Store) get(ctx context.Context, aeID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT ae_id, pubkey, roles, status, expires_at, created_at, updated_at
		FROM keyring WHERE ae_id = ?`), aeID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// List returns all records ordered by ae_id.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ae_id, pubkey, roles, status, expires_at, created_at, updated_at
		FROM keyring ORDER BY ae_id`)
	if err != nil {
		return nil, fmt.Errorf("keyring: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// rank orders trust states for monotonicity checks.
func rank(s Status) int {
	switch s {
	case StatusUntrusted:
		return 0
	case StatusTrusted:
		return 1
	case StatusRevoked:
		return 2
	default:
		return -1
	}
}
