package sequence_test

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/academy-ledger/apperr"
	"github.com/warp/academy-ledger/docstore"
	"github.com/warp/academy-ledger/docstore/memory"
	"github.com/warp/academy-ledger/sequence"
	"github.com/warp/academy-ledger/store/sqlite"
)

var branch = docstore.Partition{TenantID: "t1", BranchID: "b1"}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0001", sequence.Format(1))
	assert.Equal(t, "0042", sequence.Format(42))
	assert.Equal(t, "9999", sequence.Format(9999))
	assert.Equal(t, "10000", sequence.Format(10000))
}

func TestParseScope(t *testing.T) {
	s, err := sequence.ParseScope("")
	require.NoError(t, err)
	assert.Equal(t, sequence.ScopeBranch, s)

	s, err = sequence.ParseScope("GLOBAL")
	require.NoError(t, err)
	assert.Equal(t, sequence.ScopeGlobal, s)

	_, err = sequence.ParseScope("tenant")
	assert.Error(t, err)
}

func TestCounter_StartsAtOne(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	c := &sequence.Counter{Store: store}

	first, err := c.Next(ctx, branch, "clientId")
	require.NoError(t, err)
	second, err := c.Next(ctx, branch, "clientId")
	require.NoError(t, err)

	assert.Equal(t, "0001", first)
	assert.Equal(t, "0002", second)

	doc, err := store.Get(ctx, branch.Doc("counters", "clientId"))
	require.NoError(t, err)
	assert.Equal(t, float64(2), doc.Data["value"])
}

func TestCounter_Scope(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	other := docstore.Partition{TenantID: "t2", BranchID: "b9"}

	t.Run("branch scope keeps partitions apart", func(t *testing.T) {
		c := &sequence.Counter{Store: store, Scope: sequence.ScopeBranch}
		a, err := c.Next(ctx, branch, "receipt")
		require.NoError(t, err)
		b, err := c.Next(ctx, other, "receipt")
		require.NoError(t, err)
		assert.Equal(t, "0001", a)
		assert.Equal(t, "0001", b)
	})

	t.Run("global scope shares one sequence", func(t *testing.T) {
		c := &sequence.Counter{Store: store, Scope: sequence.ScopeGlobal}
		a, err := c.Next(ctx, branch, "invoice")
		require.NoError(t, err)
		b, err := c.Next(ctx, other, "invoice")
		require.NoError(t, err)
		assert.Equal(t, "0001", a)
		assert.Equal(t, "0002", b)
		assert.Equal(t, docstore.Path("counters/invoice"), c.Path(other, "invoice"))
	})
}

func TestCounter_RejectsBadInput(t *testing.T) {
	c := &sequence.Counter{Store: memory.New()}

	_, err := c.Next(context.Background(), branch, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = c.Next(context.Background(), branch, "a/b")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = c.Next(context.Background(), docstore.Partition{}, "clientId")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func assertContiguous(t *testing.T, values []string, n int) {
	t.Helper()
	sort.Strings(values)
	require.Len(t, values, n)
	for i, v := range values {
		assert.Equal(t, sequence.Format(int64(i+1)), v)
	}
}

func runConcurrently(t *testing.T, gen sequence.Generator, n int) []string {
	t.Helper()
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		values []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := gen.Next(context.Background(), branch, "clientId")
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			mu.Lock()
			values = append(values, v)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return values
}

func TestCounter_ConcurrentCallsAreUniqueAndContiguous(t *testing.T) {
	// GIVEN: N callers racing on the same key
	// WHEN: All ask for a value at once
	// THEN: N distinct values 0001..N, no gaps

	const n = 25
	for name, store := range map[string]docstore.Store{
		"memory": memory.New(),
		"sqlite": mustSQLite(t),
	} {
		t.Run(name, func(t *testing.T) {
			// Every conflict means some other caller committed, so n attempts
			// always suffice.
			c := &sequence.Counter{Store: store, MaxAttempts: n}
			assertContiguous(t, runConcurrently(t, c, n), n)
		})
	}
}

func mustSQLite(t *testing.T) docstore.Store {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// =============================================================================
// EXHAUSTION
// =============================================================================

// contendedStore loses every commit race.
type contendedStore struct {
	docstore.Store
	commits int
}

func (s *contendedStore) Commit(ctx context.Context, writes ...docstore.Write) error {
	s.commits++
	return docstore.ErrConflict
}

func TestCounter_ExhaustionIsRetryable(t *testing.T) {
	// GIVEN: A store where every commit conflicts
	store := &contendedStore{Store: memory.New()}
	c := &sequence.Counter{Store: store, MaxAttempts: 3}

	// WHEN: Asking for a value
	v, err := c.Next(context.Background(), branch, "clientId")

	// THEN: No value, a typed transient error, exactly MaxAttempts tries
	assert.Empty(t, v)
	var transient *sequence.TransientStoreError
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, 3, transient.Attempts)
	assert.Equal(t, 3, store.commits)
	assert.True(t, apperr.IsRetryable(err))
	assert.ErrorIs(t, err, docstore.ErrConflict)
	assert.Equal(t, apperr.CodeUnavailable, apperr.CodeOf(err))
}

func TestCounter_Raise(t *testing.T) {
	ctx := context.Background()
	c := &sequence.Counter{Store: memory.New()}

	require.NoError(t, c.Raise(ctx, branch, "k", 10))
	require.NoError(t, c.Raise(ctx, branch, "k", 4))

	v, err := c.Current(ctx, branch, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)

	next, err := c.Next(ctx, branch, "k")
	require.NoError(t, err)
	assert.Equal(t, "0011", next)
}

// =============================================================================
// REDIS
// =============================================================================

func TestRedisCounter(t *testing.T) {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		t.Skip("REDIS_ADDRESS not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	store := memory.New()
	counter := &sequence.Counter{Store: store, MaxAttempts: 50}
	// Store already holds 5 from before Redis was introduced.
	require.NoError(t, counter.Raise(ctx, branch, "clientId", 5))

	rc := &sequence.RedisCounter{Client: client, Counter: counter, Prefix: "test:" + t.Name() + ":"}
	t.Cleanup(func() { client.Del(ctx, rc.Prefix+counter.Path(branch, "clientId").String()) })

	values := runConcurrently(t, rc, 10)
	sort.Strings(values)
	assert.Equal(t, "0006", values[0])
	assert.Equal(t, "0015", values[len(values)-1])

	current, err := counter.Current(ctx, branch, "clientId")
	require.NoError(t, err)
	assert.Equal(t, int64(15), current)
}

// fakeRedis is an in-process stand-in for the three commands RedisCounter
// uses.
type fakeRedis struct {
	mu     sync.Mutex
	values map[string]int64
}

func newFakeRedis() *fakeRedis { return &fakeRedis{values: map[string]int64{}} }

func (f *fakeRedis) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(int64)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key]++
	return redis.NewIntResult(f.values[key], nil)
}

func (f *fakeRedis) flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = map[string]int64{}
}

// unavailableStore fails every write while down is set.
type unavailableStore struct {
	*memory.Memory
	down bool
}

func (s *unavailableStore) Commit(ctx context.Context, writes ...docstore.Write) error {
	if s.down {
		return errors.New("store unavailable")
	}
	return s.Memory.Commit(ctx, writes...)
}

func TestRedisCounter_FailedWriteBackNeverRepeats(t *testing.T) {
	// GIVEN: Store and Redis both at 5
	ctx := context.Background()
	store := &unavailableStore{Memory: memory.New()}
	counter := &sequence.Counter{Store: store}
	require.NoError(t, counter.Raise(ctx, branch, "clientId", 5))
	rdb := newFakeRedis()
	rc := &sequence.RedisCounter{Client: rdb, Counter: counter}

	issued := map[string]bool{}
	next := func() (string, error) {
		v, err := rc.Next(ctx, branch, "clientId")
		if err == nil {
			require.False(t, issued[v], "value %s issued twice", v)
			issued[v] = true
		}
		return v, err
	}

	v, err := next()
	require.NoError(t, err)
	assert.Equal(t, "0006", v)

	// WHEN: The write-back fails
	store.down = true
	v, err = next()

	// THEN: No value is handed out and the error is retryable
	assert.Empty(t, v)
	var transient *sequence.TransientStoreError
	require.True(t, errors.As(err, &transient))
	assert.True(t, apperr.IsRetryable(err))

	// WHEN: Redis loses its data and the store comes back
	store.down = false
	rdb.flush()
	v, err = next()

	// THEN: Seeding from the store still yields a fresh value
	require.NoError(t, err)
	assert.Equal(t, "0007", v)
	current, err := counter.Current(ctx, branch, "clientId")
	require.NoError(t, err)
	assert.Equal(t, int64(7), current)
}

func TestRedisCounter_SeedsFromStore(t *testing.T) {
	ctx := context.Background()
	counter := &sequence.Counter{Store: memory.New()}
	require.NoError(t, counter.Raise(ctx, branch, "receipt", 41))
	rc := &sequence.RedisCounter{Client: newFakeRedis(), Counter: counter}

	values := runConcurrently(t, rc, 10)
	sort.Strings(values)
	assert.Equal(t, "0042", values[0])
	assert.Equal(t, "0051", values[len(values)-1])
}

// =============================================================================
// CORRUPT VALUES
// =============================================================================

func TestCounter_RejectsCorruptValue(t *testing.T) {
	for name, value := range map[string]any{
		"string":   "12",
		"negative": -3,
		"fraction": 2.5,
		"object":   map[string]any{"n": 1},
	} {
		t.Run(name, func(t *testing.T) {
			// GIVEN: A counter document whose value was written by hand
			ctx := context.Background()
			store := memory.New()
			path := branch.Doc("counters", "clientId")
			require.NoError(t, store.Commit(ctx, docstore.Set(path, docstore.Data{"value": value})))
			c := &sequence.Counter{Store: store}

			// WHEN: Asking for a value
			v, err := c.Next(ctx, branch, "clientId")

			// THEN: Nothing is issued and the document is untouched
			assert.Empty(t, v)
			assert.ErrorIs(t, err, sequence.ErrCorruptValue)
			assert.False(t, apperr.IsRetryable(err))
			assert.Equal(t, 1, store.WriteCount(path))

			_, err = c.Current(ctx, branch, "clientId")
			assert.ErrorIs(t, err, sequence.ErrCorruptValue)
		})
	}
}

func TestCounter_MissingValueStartsAtOne(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Commit(ctx, docstore.Set(branch.Doc("counters", "k"), docstore.Data{"key": "k"})))

	v, err := (&sequence.Counter{Store: store}).Next(ctx, branch, "k")
	require.NoError(t, err)
	assert.Equal(t, "0001", v)
}
