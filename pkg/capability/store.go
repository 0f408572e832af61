// Package capability persists the dynamic publish/subscribe grants an AE
// declares at registration time. Grants here extend the static policy;
// they never override a static deny for another subject.
package capability

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

// ErrNotFound is returned when no capability row exists for an AE.
var ErrNotFound = errors.New("capability: not found")

// Record is one AE's declared capability set. Meta is opaque to the
// gateway and returned verbatim.
type Record struct {
	AEID       string                     `json:"ae_id"`
	Publishes  []string                   `json:"publishes"`
	Subscribes []string                   `json:"subscribes"`
	Meta       map[string]json.RawMessage `json:"meta,omitempty"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

const migration = `
CREATE TABLE IF NOT EXISTS capabilities (
    ae_id      TEXT PRIMARY KEY,
    publishes  TEXT NOT NULL,
    subscribes TEXT NOT NULL,
    meta       TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

// Store is the SQL-backed capability table.
type Store struct {
	db    *database.DB
	audit *audit.Logger
	now   func() time.Time

	mu       sync.Mutex
	onChange []func()
}

// New runs the migration and returns the store.
func New(db *database.DB, auditLog *audit.Logger) (*Store, error) {
	if _, err := db.Exec(migration); err != nil {
		return nil, fmt.Errorf("capability: migrate: %w", err)
	}
	return &Store{db: db, audit: auditLog, now: time.Now}, nil
}

// OnChange registers fn to run synchronously after every successful write,
// before the write returns. The policy engine hooks here so a capability
// update is visible to the next authorization decision.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Put replaces the capability set for rec.AEID. The write is audited
// before commit; an audit failure refuses the change.
func (s *Store) Put(ctx context.Context, actor string, rec Record) (*Record, error) {
	pubs, err := json.Marshal(emptyIfNil(rec.Publishes))
	if err != nil {
		return nil, fmt.Errorf("capability: encode publishes: %w", err)
	}
	subs, err := json.Marshal(emptyIfNil(rec.Subscribes))
	if err != nil {
		return nil, fmt.Errorf("capability: encode subscribes: %w", err)
	}
	meta, err := json.Marshal(rec.Meta)
	if err != nil {
		return nil, fmt.Errorf("capability: encode meta: %w", err)
	}
	rec.UpdatedAt = s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("capability: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO capabilities (ae_id, publishes, subscribes, meta, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (ae_id) DO UPDATE SET
		    publishes = excluded.publishes,
		    subscribes = excluded.subscribes,
		    meta = excluded.meta,
		    updated_at = excluded.updated_at`),
		rec.AEID, string(pubs), string(subs), string(meta), rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("capability: upsert %s: %w", rec.AEID, err)
	}

	if err := s.audit.Append(ctx, audit.Record{
		Actor:    actor,
		Action:   audit.ActionCapabilityUpdate,
		Subject:  rec.AEID,
		Decision: audit.DecisionApplied,
	}); err != nil {
		return nil, fmt.Errorf("capability: audit refused update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("capability: commit: %w", err)
	}

	s.fireChange()
	return &rec, nil
}

// Get returns the capability set for aeID.
func (s *Store) Get(ctx context.Context, aeID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT ae_id, publishes, subscribes, meta, updated_at
		FROM capabilities WHERE ae_id = ?`), aeID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("capability: get %s: %w", aeID, err)
	}
	return rec, nil
}

// List returns every capability record ordered by ae_id.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ae_id, publishes, subscribes, meta, updated_at
		FROM capabilities ORDER BY ae_id`)
	if err != nil {
		return nil, fmt.Errorf("capability: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("capability: scan: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("capability: iterate: %w", err)
	}
	return out, nil
}

// Delete removes the capability set for aeID, used when a key is revoked
// so stale grants cannot linger past the revocation.
func (s *Store) Delete(ctx context.Context, actor, aeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("capability: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM capabilities WHERE ae_id = ?`), aeID)
	if err != nil {
		return fmt.Errorf("capability: delete %s: %w", aeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := s.audit.Append(ctx, audit.Record{
		Actor:    actor,
		Action:   audit.ActionCapabilityUpdate,
		Subject:  aeID,
		Decision: audit.DecisionApplied,
		Reason:   "deleted",
	}); err != nil {
		return fmt.Errorf("capability: audit refused delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("capability: commit: %w", err)
	}

	s.fireChange()
	return nil
}

func (s *Store) fireChange() {
	s.mu.Lock()
	hooks := make([]func(), len(s.onChange))
	copy(hooks, s.onChange)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var pubs, subs, meta string
	if err := s.Scan(&rec.AEID, &pubs, &subs, &meta, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(pubs), &rec.Publishes); err != nil {
		return nil, fmt.Errorf("decode publishes: %w", err)
	}
	if err := json.Unmarshal([]byte(subs), &rec.Subscribes); err != nil {
		return nil, fmt.Errorf("decode subscribes: %w", err)
	}
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &rec.Meta); err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}
	}
	return &rec, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
