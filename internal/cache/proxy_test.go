package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/cache"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBinding wraps a MemoryBinding and counts the reads that reach it.
type countingBinding struct {
	*store.MemoryBinding
	queries   atomic.Int64
	describes atomic.Int64
	lists     atomic.Int64
	queryErr  error
}

func (b *countingBinding) Query(ctx context.Context, table string, q store.Query) (*store.QueryResult, error) {
	b.queries.Add(1)
	if b.queryErr != nil {
		return nil, b.queryErr
	}
	return b.MemoryBinding.Query(ctx, table, q)
}

func (b *countingBinding) DescribeTable(ctx context.Context, table string) (*store.TableSchema, error) {
	b.describes.Add(1)
	return b.MemoryBinding.DescribeTable(ctx, table)
}

func (b *countingBinding) ListTables(ctx context.Context) ([]string, error) {
	b.lists.Add(1)
	return b.MemoryBinding.ListTables(ctx)
}

func setupProxy(t *testing.T) (*cache.Proxy, *countingBinding, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	mc, err := cache.NewMemoryCache(100, cache.WithClock(clock.Now))
	require.NoError(t, err)

	backing := &countingBinding{MemoryBinding: store.NewMemoryBinding()}
	require.NoError(t, backing.Write(context.Background(), "workout_results", []store.Record{
		{"id": "f1", "user_id": "u1", "calories": 300},
		{"id": "f2", "user_id": "u1", "calories": 500},
		{"id": "f3", "user_id": "u2", "calories": 200},
	}))
	require.NoError(t, backing.Write(context.Background(), "analysis_jobs", []store.Record{
		{"id": "j1", "status": "pending"},
	}))

	p := cache.NewProxy(backing, mc, cache.WithScope("t1/default"), cache.WithQueryTTL(5*time.Second))
	return p, backing, clock
}

func userQuery(id string) store.Query {
	return store.Query{Filters: []store.Filter{store.Eq("user_id", id)}, Sort: []store.Sort{store.Asc("id")}}
}

func TestProxy_RepeatedQueryServedFromCache(t *testing.T) {
	p, backing, _ := setupProxy(t)
	ctx := context.Background()

	first, err := p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)
	second, err := p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), backing.queries.Load())
	require.Len(t, second.Records, 2)
	assert.Equal(t, first.Records[0].String("id"), second.Records[0].String("id"))
	assert.Equal(t, 300, second.Records[0].Int("calories"))

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.0001)
}

func TestProxy_DifferentParametersMiss(t *testing.T) {
	p, backing, _ := setupProxy(t)
	ctx := context.Background()

	_, err := p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)
	_, err = p.Query(ctx, "workout_results", userQuery("u2"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), backing.queries.Load())
}

func TestProxy_ExpiredEntryRefetches(t *testing.T) {
	p, backing, clock := setupProxy(t)
	ctx := context.Background()

	_, err := p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	_, err = p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), backing.queries.Load())
}

func TestProxy_JobsTableNeverCached(t *testing.T) {
	p, backing, _ := setupProxy(t)
	ctx := context.Background()
	q := store.Query{Filters: []store.Filter{store.Eq("id", "j1")}}

	for i := 0; i < 3; i++ {
		res, err := p.Query(ctx, "analysis_jobs", q)
		require.NoError(t, err)
		require.Len(t, res.Records, 1)
	}
	assert.Equal(t, int64(3), backing.queries.Load())
	assert.Equal(t, uint64(0), p.Stats().Hits)
}

func TestProxy_StateChangeVisibleImmediately(t *testing.T) {
	p, _, _ := setupProxy(t)
	ctx := context.Background()
	q := store.Query{Filters: []store.Filter{store.Eq("id", "j1")}}

	_, err := p.Query(ctx, "analysis_jobs", q)
	require.NoError(t, err)

	n, err := p.Update(ctx, "analysis_jobs",
		[]store.Filter{store.Eq("id", "j1"), store.Eq("status", "pending")},
		store.Record{"status": "processing"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	res, err := p.Query(ctx, "analysis_jobs", q)
	require.NoError(t, err)
	assert.Equal(t, "processing", res.Records[0].String("status"))
}

func TestProxy_WriteInvalidatesTable(t *testing.T) {
	p, backing, _ := setupProxy(t)
	ctx := context.Background()

	res, err := p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	require.NoError(t, p.Write(ctx, "workout_results", []store.Record{{"id": "f4", "user_id": "u1", "calories": 100}}))

	res, err = p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)
	assert.Equal(t, int64(2), backing.queries.Load())
	assert.Positive(t, p.Stats().Invalidations)
}

func TestProxy_UpdateAndDeleteInvalidate(t *testing.T) {
	p, _, _ := setupProxy(t)
	ctx := context.Background()

	_, err := p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)

	_, err = p.Update(ctx, "workout_results", []store.Filter{store.Eq("id", "f1")}, store.Record{"calories": 999})
	require.NoError(t, err)
	res, err := p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)
	assert.Equal(t, 999, res.Records[0].Int("calories"))

	_, err = p.Delete(ctx, "workout_results", []store.Filter{store.Eq("id", "f1")})
	require.NoError(t, err)
	res, err = p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
}

func TestProxy_WriteToOtherTableKeepsEntries(t *testing.T) {
	p, backing, _ := setupProxy(t)
	ctx := context.Background()

	_, err := p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)
	require.NoError(t, p.Write(ctx, "receipt_results", []store.Record{{"id": "r1"}}))
	_, err = p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), backing.queries.Load())
}

func TestProxy_IDLookupServedFromQueryResults(t *testing.T) {
	p, backing, _ := setupProxy(t)
	ctx := context.Background()

	_, err := p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)

	res, err := p.Query(ctx, "workout_results", store.Query{Filters: []store.Filter{store.Eq("id", "f2")}})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, 500, res.Records[0].Int("calories"))
	assert.Equal(t, int64(1), backing.queries.Load())
}

func TestProxy_CallerMutationDoesNotLeakIntoCache(t *testing.T) {
	p, _, _ := setupProxy(t)
	ctx := context.Background()

	res, err := p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)
	res.Records[0]["calories"] = -1

	hit, err := p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)
	hit.Records[0]["calories"] = -2

	again, err := p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)
	assert.Equal(t, 300, again.Records[0].Int("calories"))
}

func TestProxy_ErrorsAreNotCached(t *testing.T) {
	p, backing, _ := setupProxy(t)
	ctx := context.Background()
	backing.queryErr = store.ErrUnavailable

	_, err := p.Query(ctx, "workout_results", userQuery("u1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrRemoteStore))

	backing.queryErr = nil
	res, err := p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, int64(2), backing.queries.Load())
}

func TestProxy_MetadataCached(t *testing.T) {
	p, backing, clock := setupProxy(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		schema, err := p.DescribeTable(ctx, "workout_results")
		require.NoError(t, err)
		assert.Equal(t, "workout_results", schema.Name)

		tables, err := p.ListTables(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"analysis_jobs", "workout_results"}, tables)
	}
	assert.Equal(t, int64(1), backing.describes.Load())
	assert.Equal(t, int64(1), backing.lists.Load())

	// Metadata outlives the query TTL.
	clock.Advance(10 * time.Second)
	_, err := p.DescribeTable(ctx, "workout_results")
	require.NoError(t, err)
	assert.Equal(t, int64(1), backing.describes.Load())

	// A write can create a table, so the listing is refreshed.
	require.NoError(t, p.Write(ctx, "workout_results", []store.Record{{"id": "w1"}}))
	tables, err := p.ListTables(ctx)
	require.NoError(t, err)
	assert.Contains(t, tables, "workout_results")
	assert.Equal(t, int64(2), backing.lists.Load())
}

func TestProxy_NoopCachePassesThrough(t *testing.T) {
	backing := &countingBinding{MemoryBinding: store.NewMemoryBinding()}
	p := cache.NewProxy(backing, cache.Noop{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := p.Query(ctx, "workout_results", store.Query{})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), backing.queries.Load())
	assert.Equal(t, uint64(3), p.Stats().Misses)
}

func TestProxy_StatsReportBackendOccupancy(t *testing.T) {
	p, _, _ := setupProxy(t)
	ctx := context.Background()

	_, err := p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)

	// One query entry plus one entry per returned record.
	assert.Equal(t, 3, p.Stats().Size)
}

// gatedBinding pauses the first gated Query after it has read its snapshot, so a
// write can complete while the read is still in flight.
type gatedBinding struct {
	*store.MemoryBinding
	gate    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (b *gatedBinding) Query(ctx context.Context, table string, q store.Query) (*store.QueryResult, error) {
	res, err := b.MemoryBinding.Query(ctx, table, q)
	if b.gate.CompareAndSwap(true, false) {
		close(b.entered)
		<-b.release
	}
	return res, err
}

func TestProxy_ReadRacingWriteIsNotCached(t *testing.T) {
	ctx := context.Background()
	mc, err := cache.NewMemoryCache(100)
	require.NoError(t, err)
	backing := &gatedBinding{
		MemoryBinding: store.NewMemoryBinding(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	require.NoError(t, backing.Write(ctx, "workout_results", []store.Record{
		{"id": "w1", "user_id": "u1", "calories": 300},
	}))
	p := cache.NewProxy(backing, mc)

	backing.gate.Store(true)
	racing := make(chan *store.QueryResult, 1)
	go func() {
		res, err := p.Query(ctx, "workout_results", userQuery("u1"))
		assert.NoError(t, err)
		racing <- res
	}()
	<-backing.entered

	_, err = p.Update(ctx, "workout_results", []store.Filter{store.Eq("id", "w1")}, store.Record{"calories": 999})
	require.NoError(t, err)
	close(backing.release)

	old := <-racing
	require.NotNil(t, old)
	assert.Equal(t, 300, old.Records[0].Int("calories"))

	res, err := p.Query(ctx, "workout_results", userQuery("u1"))
	require.NoError(t, err)
	assert.Equal(t, 999, res.Records[0].Int("calories"))

	byID, err := p.Query(ctx, "workout_results", store.Query{Filters: []store.Filter{store.Eq("id", "w1")}})
	require.NoError(t, err)
	require.Len(t, byID.Records, 1)
	assert.Equal(t, 999, byID.Records[0].Int("calories"))
}

func TestProxy_HitAndMissReturnSameValues(t *testing.T) {
	p, backing, _ := setupProxy(t)
	ctx := context.Background()
	require.NoError(t, backing.Write(ctx, "workout_results", []store.Record{
		{"id": "big", "user_id": "u9", "seq": int64(9007199254740993)},
	}))

	miss, err := p.Query(ctx, "workout_results", userQuery("u9"))
	require.NoError(t, err)
	hit, err := p.Query(ctx, "workout_results", userQuery("u9"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), backing.queries.Load())
	assert.Equal(t, miss.Records, hit.Records)
	assert.Equal(t, json.Number("9007199254740993"), hit.Records[0]["seq"])
}

func TestProxy_DefaultNeverCachedTables(t *testing.T) {
	for _, table := range []string{"analysis_jobs", "api_keys", "food_results"} {
		t.Run(table, func(t *testing.T) {
			p, backing, _ := setupProxy(t)
			ctx := context.Background()
			require.NoError(t, backing.Write(ctx, table, []store.Record{{"id": "x1", "user_id": "u1"}}))

			for i := 0; i < 2; i++ {
				_, err := p.Query(ctx, table, userQuery("u1"))
				require.NoError(t, err)
			}
			assert.Equal(t, int64(2), backing.queries.Load())
		})
	}
}
