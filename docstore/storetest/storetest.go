// Package storetest is a conformance suite every docstore.Store backend runs
// from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/academy-ledger/docstore"
)

// Run executes the suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) docstore.Store) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("SetOverwrites", func(t *testing.T) { testSetOverwrites(t, newStore(t)) })
	t.Run("MergeKeepsFields", func(t *testing.T) { testMergeKeepsFields(t, newStore(t)) })
	t.Run("CreateOnce", func(t *testing.T) { testCreateOnce(t, newStore(t)) })
	t.Run("UpdateVersionGuard", func(t *testing.T) { testUpdateVersionGuard(t, newStore(t)) })
	t.Run("CommitIsAtomic", func(t *testing.T) { testCommitIsAtomic(t, newStore(t)) })
	t.Run("QueryCollection", func(t *testing.T) { testQueryCollection(t, newStore(t)) })
	t.Run("QueryGroup", func(t *testing.T) { testQueryGroup(t, newStore(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
}

var branch = docstore.Partition{TenantID: "t1", BranchID: "b1"}

func testGetMissing(t *testing.T, s docstore.Store) {
	_, err := s.Get(context.Background(), branch.Doc("sessions", "nope"))
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func testSetOverwrites(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	path := branch.Doc("operationalSummary", "expirations")

	require.NoError(t, s.Commit(ctx, docstore.Set(path, docstore.Data{"items": []any{"a"}, "stale": true})))
	require.NoError(t, s.Commit(ctx, docstore.Set(path, docstore.Data{"items": []any{}})))

	doc, err := s.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)
	assert.Equal(t, []any{}, doc.Data["items"])
	_, hasStale := doc.Data["stale"]
	assert.False(t, hasStale, "set must not merge")
}

func testMergeKeepsFields(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	path := branch.Doc("sessions", "s1")

	require.NoError(t, s.Commit(ctx, docstore.Merge(path, docstore.Data{"classId": "c1", "capacity": 10})))
	require.NoError(t, s.Commit(ctx, docstore.Merge(path, docstore.Data{"attendanceRecorded": true})))

	doc, err := s.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "c1", doc.Data["classId"])
	assert.Equal(t, float64(10), doc.Data["capacity"])
	assert.Equal(t, true, doc.Data["attendanceRecorded"])
}

func testCreateOnce(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	path := docstore.Path("counters/clientId")

	require.NoError(t, s.Commit(ctx, docstore.Create(path, docstore.Data{"value": 1})))
	err := s.Commit(ctx, docstore.Create(path, docstore.Data{"value": 1}))
	assert.ErrorIs(t, err, docstore.ErrAlreadyExists)
	assert.True(t, docstore.IsConflict(err))
}

func testUpdateVersionGuard(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	path := docstore.Path("counters/k")

	err := s.Commit(ctx, docstore.Update(path, 1, docstore.Data{"value": 1}))
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	require.NoError(t, s.Commit(ctx, docstore.Create(path, docstore.Data{"value": 1, "key": "k"})))
	doc, err := s.Get(ctx, path)
	require.NoError(t, err)

	require.NoError(t, s.Commit(ctx, docstore.Update(path, doc.Version, docstore.Data{"value": 2})))

	// Second writer still holds the old version.
	err = s.Commit(ctx, docstore.Update(path, doc.Version, docstore.Data{"value": 99}))
	assert.ErrorIs(t, err, docstore.ErrConflict)

	doc, err = s.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, float64(2), doc.Data["value"])
	assert.Equal(t, "k", doc.Data["key"], "update merges")
}

func testCommitIsAtomic(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	existing := branch.Doc("receivables", "r1")
	fresh := branch.Doc("transactions", "tx1")
	require.NoError(t, s.Commit(ctx, docstore.Create(existing, docstore.Data{"pending": "100"})))

	// Stale version on r1: the transaction must not be created either.
	err := s.Commit(ctx,
		docstore.Update(existing, 42, docstore.Data{"pending": "0"}),
		docstore.Create(fresh, docstore.Data{"amount": "100"}),
	)
	require.Error(t, err)

	_, err = s.Get(ctx, fresh)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	doc, err := s.Get(ctx, existing)
	require.NoError(t, err)
	assert.Equal(t, "100", doc.Data["pending"])
}

func testQueryCollection(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	sessions := branch.Collection("sessions")
	other := docstore.Partition{TenantID: "t1", BranchID: "b2"}

	require.NoError(t, s.Commit(ctx,
		docstore.Set(sessions.Child("s1"), docstore.Data{"sessionDate": "2024-03-01", "capacity": 5}),
		docstore.Set(sessions.Child("s2"), docstore.Data{"sessionDate": "2024-03-01", "capacity": 20}),
		docstore.Set(sessions.Child("s3"), docstore.Data{"sessionDate": "2024-03-02", "capacity": 5}),
		docstore.Set(other.Doc("sessions", "s4"), docstore.Data{"sessionDate": "2024-03-01"}),
		docstore.Set(sessions.Child("s1").Child("attendance", "a1"), docstore.Data{"sessionDate": "2024-03-01"}),
	))

	docs, err := s.Query(ctx, docstore.In(sessions, docstore.Where("sessionDate", docstore.OpEq, "2024-03-01")))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "s1", docs[0].Path.ID())
	assert.Equal(t, "s2", docs[1].Path.ID())

	docs, err = s.Query(ctx, docstore.In(sessions,
		docstore.Where("sessionDate", docstore.OpEq, "2024-03-01"),
		docstore.Where("capacity", docstore.OpGte, 10),
	))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "s2", docs[0].Path.ID())

	// Filters on a missing field never match.
	docs, err = s.Query(ctx, docstore.In(sessions, docstore.Where("attendanceRecorded", docstore.OpEq, false)))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func testQueryGroup(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	var writes []docstore.Write
	for _, tenant := range []string{"t1", "t2"} {
		for _, b := range []string{"b1", "b2"} {
			p := docstore.Partition{TenantID: tenant, BranchID: b}
			writes = append(writes, docstore.Set(p.Root(), docstore.Data{"name": fmt.Sprintf("%s-%s", tenant, b)}))
		}
	}
	writes = append(writes, docstore.Set(docstore.Path("tenants/t1"), docstore.Data{"name": "tenant"}))
	require.NoError(t, s.Commit(ctx, writes...))

	docs, err := s.Query(ctx, docstore.Group("branches"))
	require.NoError(t, err)
	require.Len(t, docs, 4)
	for _, d := range docs {
		_, ok := docstore.PartitionOf(d.Path)
		assert.True(t, ok, d.Path)
	}
}

func testConcurrentCreate(t *testing.T, s docstore.Store) {
	ctx := context.Background()
	path := docstore.Path("counters/race")

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Commit(ctx, docstore.Create(path, docstore.Data{"value": 1}))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, docstore.ErrAlreadyExists) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
