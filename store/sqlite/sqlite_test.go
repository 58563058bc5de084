package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/academy-ledger/docstore"
	"github.com/warp/academy-ledger/docstore/storetest"
	"github.com/warp/academy-ledger/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLite_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) docstore.Store { return newTestStore(t) })
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	// GIVEN: A file database with one counter
	dbPath := filepath.Join(t.TempDir(), "academy.db")
	ctx := context.Background()

	store, err := sqlite.New(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, docstore.Create("counters/clientId", docstore.Data{"value": 7})))
	require.NoError(t, store.Close())

	// WHEN: Reopening it
	store, err = sqlite.New(dbPath)
	require.NoError(t, err)
	defer store.Close()

	// THEN: The document and its version survive
	doc, err := store.Get(ctx, "counters/clientId")
	require.NoError(t, err)
	assert.Equal(t, float64(7), doc.Data["value"])
	assert.Equal(t, int64(1), doc.Version)
}

func TestSQLite_QueryTypeGuard(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	col := docstore.Path("tenants/t1/branches/b1/enrollments")

	require.NoError(t, store.Commit(ctx,
		docstore.Set(col.Child("e1"), docstore.Data{"classId": "10", "status": "active"}),
		docstore.Set(col.Child("e2"), docstore.Data{"classId": 10, "status": "active"}),
		docstore.Set(col.Child("e3"), docstore.Data{"classId": "10", "status": "canceled"}),
	))

	docs, err := store.Query(ctx, docstore.In(col,
		docstore.Where("classId", docstore.OpEq, "10"),
		docstore.Where("status", docstore.OpEq, "active"),
	))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "e1", docs[0].Path.ID())
}

func TestSQLite_Reset(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Commit(ctx, docstore.Set("counters/a", docstore.Data{"value": 1})))

	require.NoError(t, store.Reset(ctx))

	_, err := store.Get(ctx, "counters/a")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}
