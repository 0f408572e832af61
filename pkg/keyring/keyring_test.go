package keyring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aegnix/abi/pkg/audit"
	"github.com/aegnix/abi/pkg/crypto"
	"github.com/aegnix/abi/pkg/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(database.DriverSQLite, filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log, err := audit.Open(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	s, err := New(db, log)
	require.NoError(t, err)
	return s
}

func testKey(t *testing.T) []byte {
	t.Helper()
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	return signer.PublicKey()
}

func TestUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := testKey(t)

	rec, err := s.Upsert(ctx, "admin", Record{
		AEID:   "pub_ae",
		PubKey: key,
		Roles:  []string{"producer"},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, StatusUntrusted, rec.Status)
	assert.Equal(t, key, rec.PubKey)
	assert.Equal(t, []string{"producer"}, rec.Roles)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertPreservesTrustForUnprivileged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := testKey(t)

	_, err := s.Upsert(ctx, "admin", Record{AEID: "pub_ae", PubKey: key}, true)
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, "system", "pub_ae", StatusTrusted))

	// Unprivileged re-enroll keeps trusted even though it asks for untrusted.
	rec, err := s.Upsert(ctx, "pub_ae", Record{AEID: "pub_ae", PubKey: key, Status: StatusUntrusted}, false)
	require.NoError(t, err)
	assert.Equal(t, StatusTrusted, rec.Status)
}

func TestPrivilegedDowngradeRefused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "admin", Record{AEID: "pub_ae", PubKey: testKey(t)}, true)
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, "system", "pub_ae", StatusTrusted))

	_, err = s.Upsert(ctx, "admin", Record{AEID: "pub_ae", PubKey: testKey(t), Status: StatusUntrusted}, true)
	assert.ErrorIs(t, err, ErrTrustDowngrade)

	err = s.SetStatus(ctx, "admin", "pub_ae", StatusUntrusted)
	assert.ErrorIs(t, err, ErrTrustDowngrade)
}

func TestRevocationIsAlwaysAllowed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "admin", Record{AEID: "pub_ae", PubKey: testKey(t)}, true)
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, "system", "pub_ae", StatusTrusted))
	require.NoError(t, s.SetStatus(ctx, "admin", "pub_ae", StatusRevoked))

	rec, err := s.Get(ctx, "pub_ae")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, rec.Status)
	assert.False(t, rec.Trusted(time.Now()))

	// A revoked record stays revoked: re-trusting is refused.
	err = s.SetStatus(ctx, "admin", "pub_ae", StatusTrusted)
	assert.ErrorIs(t, err, ErrTrustDowngrade)
}

func TestExpiredRecordNotTrusted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	_, err := s.Upsert(ctx, "admin", Record{
		AEID:      "old_ae",
		PubKey:    testKey(t),
		Status:    StatusTrusted,
		ExpiresAt: &past,
	}, true)
	require.NoError(t, err)

	rec, err := s.Get(ctx, "old_ae")
	require.NoError(t, err)
	assert.Equal(t, StatusTrusted, rec.Status)
	assert.False(t, rec.Trusted(time.Now()))
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b_ae", "a_ae"} {
		_, err := s.Upsert(ctx, "admin", Record{AEID: id, PubKey: testKey(t)}, true)
		require.NoError(t, err)
	}

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a_ae", recs[0].AEID)
	assert.Equal(t, "b_ae", recs[1].AEID)
}

func TestMutationsAreAudited(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "admin", Record{AEID: "pub_ae", PubKey: testKey(t)}, true)
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, "admin", "pub_ae", StatusRevoked))

	lines, err := s.audit.Tail(10)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], audit.ActionKeyringUpsert)
	assert.Contains(t, lines[1], audit.ActionKeyringRevoked)
}
