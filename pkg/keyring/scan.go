package keyring

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		aeID, pubkey, roles, status string
		expiresAt                   sql.NullString
		createdAt, updatedAt        string
	)
	if err := row.Scan(&aeID, &pubkey, &roles, &status, &expiresAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	rec := &Record{AEID: aeID, Status: Status(status)}

	raw, err := base64.StdEncoding.DecodeString(pubkey)
	if err != nil {
		return nil, fmt.Errorf("keyring: decode pubkey for %s: %w", aeID, err)
	}
	rec.PubKey = raw

	if err := json.Unmarshal([]byte(roles), &rec.Roles); err != nil {
		return nil, fmt.Errorf("keyring: decode roles for %s: %w", aeID, err)
	}

	if expiresAt.Valid && expiresAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("keyring: decode expiry for %s: %w", aeID, err)
		}
		rec.ExpiresAt = &t
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("keyring: decode created_at for %s: %w", aeID, err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("keyring: decode updated_at for %s: %w", aeID, err)
	}
	return rec, nil
}

func encodeKey(pub []byte) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func encodeExpiry(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
