package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/academy-ledger/docstore"
	"github.com/warp/academy-ledger/docstore/memory"
	"github.com/warp/academy-ledger/jobs"
)

func seed(t *testing.T, store docstore.Store, path docstore.Path, data docstore.Data) {
	t.Helper()
	require.NoError(t, store.Commit(context.Background(), docstore.Set(path, data)))
}

func seedBranches(t *testing.T, store docstore.Store, partitions ...docstore.Partition) {
	t.Helper()
	for _, p := range partitions {
		seed(t, store, docstore.Path("tenants").Child(p.TenantID), docstore.Data{"name": p.TenantID})
		seed(t, store, p.Root(), docstore.Data{"name": p.BranchID})
	}
}

func newFanOut(store docstore.Store) *jobs.FanOut {
	var n atomic.Int64
	return &jobs.FanOut{
		Store: store,
		NewID: func() string { return fmt.Sprintf("run-%d", n.Add(1)) },
	}
}

func TestFanOut_Partitions(t *testing.T) {
	store := memory.New()
	a := docstore.Partition{TenantID: "t1", BranchID: "b1"}
	b := docstore.Partition{TenantID: "t1", BranchID: "b2"}
	c := docstore.Partition{TenantID: "t2", BranchID: "b1"}
	seedBranches(t, store, a, b, c)
	// A client document named "branches" deeper in the tree is not a branch.
	seed(t, store, a.Doc("clients", "c1").Child("branches", "x"), docstore.Data{})

	partitions, err := newFanOut(store).Partitions(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []docstore.Partition{a, b, c}, partitions)
}

func TestFanOut_IsolatesFailures(t *testing.T) {
	// GIVEN: Three partitions; one errors and one panics
	ctx := context.Background()
	store := memory.New()
	ok := docstore.Partition{TenantID: "t1", BranchID: "ok"}
	bad := docstore.Partition{TenantID: "t1", BranchID: "bad"}
	boom := docstore.Partition{TenantID: "t2", BranchID: "boom"}
	seedBranches(t, store, ok, bad, boom)

	var calls atomic.Int64
	fn := func(ctx context.Context, p docstore.Partition) (jobs.Outcome, error) {
		calls.Add(1)
		switch p.BranchID {
		case "bad":
			return jobs.Outcome{Processed: 1, Failed: 1}, errors.New("one session failed")
		case "boom":
			panic("corrupt branch")
		}
		return jobs.Outcome{Processed: 3}, nil
	}

	// WHEN: Running the fan-out
	report := newFanOut(store).ForEachBranch(ctx, "test", fn)

	// THEN: Every partition ran, failures are reported per partition
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, "run-1", report.ID)
	assert.Equal(t, "partial", report.Status)
	assert.Equal(t, 2, report.Failures)
	assert.Equal(t, jobs.Outcome{Processed: 4, Failed: 1}, report.Totals)

	failed := report.Failed()
	require.Len(t, failed, 2)
	byBranch := map[string]string{}
	for _, f := range failed {
		byBranch[f.Partition.BranchID] = f.Error
	}
	assert.Equal(t, "one session failed", byBranch["bad"])
	assert.Contains(t, byBranch["boom"], "panic: corrupt branch")
}

func TestFanOut_LimitBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	for i := 0; i < 6; i++ {
		seedBranches(t, store, docstore.Partition{TenantID: "t", BranchID: fmt.Sprintf("b%d", i)})
	}
	f := newFanOut(store)
	f.Limit = 2

	var running, peak atomic.Int64
	report := f.ForEachBranch(ctx, "test", func(ctx context.Context, p docstore.Partition) (jobs.Outcome, error) {
		n := running.Add(1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return jobs.Outcome{Processed: 1}, nil
	})

	assert.Equal(t, "completed", report.Status)
	assert.Equal(t, 6, report.Totals.Processed)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestFanOut_NoPartitions(t *testing.T) {
	report := newFanOut(memory.New()).ForEachBranch(context.Background(), "test",
		func(context.Context, docstore.Partition) (jobs.Outcome, error) {
			t.Fatal("no partition expected")
			return jobs.Outcome{}, nil
		})
	assert.Equal(t, "completed", report.Status)
	assert.Empty(t, report.Partitions)
}

func TestRunStore_SaveAndList(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	runs := &jobs.RunStore{Store: store}
	base := time.Date(2024, 3, 1, 0, 5, 0, 0, time.UTC)

	for i, job := range []string{"autoAttendance", "contractExpirations", "autoAttendance"} {
		r := jobs.Report{
			ID:        fmt.Sprintf("r%d", i),
			Job:       job,
			Status:    "completed",
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			Totals:    jobs.Outcome{Processed: i},
		}
		require.NoError(t, runs.Save(ctx, r))
	}

	all, err := runs.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r2", all[0].ID, "newest first")

	att, err := runs.List(ctx, "autoAttendance", 1)
	require.NoError(t, err)
	require.Len(t, att, 1)
	assert.Equal(t, "r2", att[0].ID)
	assert.Equal(t, 2, att[0].Totals.Processed)

	got, err := runs.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "contractExpirations", got.Job)
	assert.True(t, got.StartedAt.Equal(base.Add(time.Hour)))
}
