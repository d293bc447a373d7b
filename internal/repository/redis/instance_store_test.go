package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"telemetry-service/internal/client"
	"telemetry-service/internal/config"
	"telemetry-service/internal/repository"
)

func newTestStore(t *testing.T, prefix string, ttl time.Duration) (*InstanceStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := &config.Config{
		Redis:     config.RedisConfig{URL: "redis://" + mr.Addr()},
		Telemetry: config.TelemetryConfig{StoreTimeout: time.Second},
	}
	rc, err := client.NewRedisClient(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	return NewInstanceStore(rc, prefix, ttl, zap.NewNop()), mr
}

func TestInstanceStore_RecordThenListAll(t *testing.T) {
	store, _ := newTestStore(t, "", 0)
	ctx := context.Background()

	before := time.Now().UnixMilli()
	require.NoError(t, store.Record(ctx, "app-1", time.Now()))

	records, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "app-1", records[0].Identifier)
	assert.GreaterOrEqual(t, records[0].LastSeen, before)
}

func TestInstanceStore_CountIgnoresDuplicates(t *testing.T) {
	store, _ := newTestStore(t, "", 0)
	ctx := context.Background()

	const distinct = 25
	for i := 0; i < distinct; i++ {
		require.NoError(t, store.Record(ctx, fmt.Sprintf("app-%d", i), time.Now()))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, store.Record(ctx, fmt.Sprintf("app-%d", i%3), time.Now()))
	}

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, distinct, n)

	records, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, records, distinct)
}

func TestInstanceStore_RecordOverwritesLastSeen(t *testing.T) {
	store, _ := newTestStore(t, "", 0)
	ctx := context.Background()

	clock := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, store.Record(ctx, "app-1", clock))

	clock = clock.Add(time.Minute)
	require.NoError(t, store.Record(ctx, "app-1", clock))

	records, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, clock.UnixMilli(), records[0].LastSeen)
}

func TestInstanceStore_PrefixScopesEnumeration(t *testing.T) {
	store, mr := newTestStore(t, "instance:", 0)
	ctx := context.Background()

	require.NoError(t, mr.Set("unrelated", "x"))
	require.NoError(t, store.Record(ctx, "app-1", time.Now()))

	records, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "app-1", records[0].Identifier)
	assert.True(t, mr.Exists("instance:app-1"))
}

func TestInstanceStore_TTLExpiresSilentInstances(t *testing.T) {
	store, mr := newTestStore(t, "", time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "app-1", time.Now()))
	assert.Equal(t, time.Hour, mr.TTL("app-1"))

	mr.FastForward(2 * time.Hour)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInstanceStore_UnparseableValueReportedAsUnknown(t *testing.T) {
	store, mr := newTestStore(t, "", 0)

	require.NoError(t, mr.Set("legacy", "not-a-number"))

	records, err := store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Zero(t, records[0].LastSeen)
}

func TestInstanceStore_HealthCheckKeyIsHidden(t *testing.T) {
	store, mr := newTestStore(t, "", 0)
	require.NoError(t, mr.Set(client.HealthCheckKey, "1"))

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInstanceStore_RejectsEmptyIdentifier(t *testing.T) {
	store, _ := newTestStore(t, "", 0)
	assert.ErrorIs(t, store.Record(context.Background(), "", time.Now()), repository.ErrInvalidIdentifier)
}

func TestInstanceStore_UnavailableStore(t *testing.T) {
	store, mr := newTestStore(t, "", 0)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.ErrorIs(t, store.Record(ctx, "app-1", time.Now()), repository.ErrStoreUnavailable)
	_, err := store.ListAll(ctx)
	assert.ErrorIs(t, err, repository.ErrStoreUnavailable)
}

func TestInstanceStore_ConcurrentRecords(t *testing.T) {
	store, _ := newTestStore(t, "", 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Record(ctx, fmt.Sprintf("app-%d", i), time.Now()))
		}(i)
	}
	wg.Wait()

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}
