package capability

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aegnix/abi/pkg/audit"
	"github.com/aegnix/abi/pkg/database"
)

func setup(t *testing.T) (*Store, *audit.Logger) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(database.DriverSQLite, filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log, err := audit.Open(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	store, err := New(db, log)
	require.NoError(t, err)
	return store, log
}

func TestPutGetRoundTrip(t *testing.T) {
	store, _ := setup(t)
	ctx := context.Background()

	meta := map[string]json.RawMessage{"region": json.RawMessage(`"eu-west"`)}
	_, err := store.Put(ctx, "pub_ae", Record{
		AEID:      "pub_ae",
		Publishes: []string{"telemetry.cpu"},
		Meta:      meta,
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "pub_ae")
	require.NoError(t, err)
	assert.Equal(t, []string{"telemetry.cpu"}, got.Publishes)
	assert.Empty(t, got.Subscribes)
	// Meta comes back verbatim.
	assert.JSONEq(t, `"eu-west"`, string(got.Meta["region"]))
}

func TestPutReplacesWholeSet(t *testing.T) {
	store, _ := setup(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "pub_ae", Record{AEID: "pub_ae", Publishes: []string{"a", "b"}})
	require.NoError(t, err)
	_, err = store.Put(ctx, "pub_ae", Record{AEID: "pub_ae", Publishes: []string{"c"}})
	require.NoError(t, err)

	got, err := store.Get(ctx, "pub_ae")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, got.Publishes)
}

func TestGetMissing(t *testing.T) {
	store, _ := setup(t)
	_, err := store.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesGrants(t *testing.T) {
	store, _ := setup(t)
	ctx := context.Background()

	_, err := store.Put(ctx, "pub_ae", Record{AEID: "pub_ae", Subscribes: []string{"alerts"}})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "admin", "pub_ae"))

	_, err = store.Get(ctx, "pub_ae")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.Delete(ctx, "admin", "pub_ae"), ErrNotFound)
}

func TestOnChangeFiresSynchronously(t *testing.T) {
	store, _ := setup(t)
	ctx := context.Background()

	fired := 0
	store.OnChange(func() { fired++ })

	_, err := store.Put(ctx, "pub_ae", Record{AEID: "pub_ae"})
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	require.NoError(t, store.Delete(ctx, "admin", "pub_ae"))
	assert.Equal(t, 2, fired)
}

func TestWritesAudited(t *testing.T) {
	store, log := setup(t)
	_, err := store.Put(context.Background(), "pub_ae", Record{AEID: "pub_ae"})
	require.NoError(t, err)

	lines, err := log.Tail(10)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], audit.ActionCapabilityUpdate)
}

func TestListOrdered(t *testing.T) {
	store, _ := setup(t)
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha"} {
		_, err := store.Put(ctx, id, Record{AEID: id})
		require.NoError(t, err)
	}

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].AEID)
	assert.Equal(t, "zeta", all[1].AEID)
}
