package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"telemetry-service/internal/anonymizer"
	"telemetry-service/internal/metrics"
	"telemetry-service/internal/model"
	"telemetry-service/internal/repository"
)

const (
	testAPIKey   = "operator-secret"
	testRedirect = "https://example.com/"
)

type memoryRepository struct {
	mu        sync.Mutex
	seen      map[string]int64
	err       error
	listCalls atomic.Int32
	listDelay time.Duration
	// listGate, when set, holds ListAll after it has taken its snapshot.
	listGate chan struct{}
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{seen: make(map[string]int64)}
}

func (m *memoryRepository) Record(_ context.Context, id string, seen time.Time) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[id] = seen.UnixMilli()
	return nil
}

func (m *memoryRepository) ListAll(context.Context) ([]model.ClientRecord, error) {
	time.Sleep(m.listDelay)
	if m.err != nil {
		m.listCalls.Add(1)
		return nil, m.err
	}
	m.mu.Lock()
	var out []model.ClientRecord
	for id, ms := range m.seen {
		out = append(out, model.ClientRecord{Identifier: id, LastSeen: ms})
	}
	m.mu.Unlock()
	m.listCalls.Add(1)

	if m.listGate != nil {
		<-m.listGate
	}
	return out, nil
}

func (m *memoryRepository) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[id]
	return ok
}

func (m *memoryRepository) Count(ctx context.Context) (int, error) {
	records, err := m.ListAll(ctx)
	return len(records), err
}

func (m *memoryRepository) HealthCheck(context.Context) error { return m.err }
func (m *memoryRepository) Close() error { return nil }

type capturingPublisher struct {
	mu     sync.Mutex
	events []model.CheckinEvent
	err    error
}

func (p *capturingPublisher) PublishCheckin(_ context.Context, e model.CheckinEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func newTestService(t *testing.T, remote, local repository.InstanceRepository, pub EventPublisher) *TelemetryService {
	t.Helper()
	anon, err := anonymizer.New([]byte("0123456789abcdef0123456789abcdef"), []byte("abcdef9876543210"))
	require.NoError(t, err)
	return NewTelemetryService(remote, local, anon, pub,
		metrics.New(prometheus.NewRegistry()),
		TelemetryConfig{APIKey: testAPIKey, DenyRedirectURL: testRedirect, StoreTimeout: time.Second},
		zap.NewNop())
}

func TestAuthorize(t *testing.T) {
	svc := newTestService(t, newMemoryRepository(), newMemoryRepository(), nil)

	assert.True(t, svc.Authorize(testAPIKey).Granted())

	for _, bad := range []string{"", "operator-secreT", "operator-secret ", "x"} {
		res := svc.Authorize(bad)
		assert.Equal(t, DeniedRedirect, res.Decision, bad)
		assert.Equal(t, testRedirect, res.RedirectURL)
	}
}

func TestAuthorize_EmptyConfiguredKeyNeverGrants(t *testing.T) {
	anon, err := anonymizer.New([]byte("0123456789abcdef"), []byte("abcdef9876543210"))
	require.NoError(t, err)
	svc := NewTelemetryService(newMemoryRepository(), newMemoryRepository(), anon, nil,
		metrics.New(prometheus.NewRegistry()), TelemetryConfig{StoreTimeout: time.Second}, zap.NewNop())

	assert.False(t, svc.Authorize("").Granted())
}

func TestCheckInApp_ScenarioSingleApp(t *testing.T) {
	remote := newMemoryRepository()
	svc := newTestService(t, remote, newMemoryRepository(), nil)
	ctx := context.Background()

	before := time.Now().UnixMilli()
	require.NoError(t, svc.CheckInApp(ctx, "app-1"))

	summary, err := svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count)
	require.Len(t, summary.LastSeen, 1)
	assert.Equal(t, "app-1", summary.LastSeen[0].Identifier)
	assert.GreaterOrEqual(t, summary.LastSeen[0].LastSeen, before)
}

func TestCheckInApp_ScenarioDuplicates(t *testing.T) {
	svc := newTestService(t, newMemoryRepository(), newMemoryRepository(), nil)
	ctx := context.Background()

	require.NoError(t, svc.CheckInApp(ctx, "app-1"))
	require.NoError(t, svc.CheckInApp(ctx, "app-1"))
	require.NoError(t, svc.CheckInApp(ctx, "app-2"))

	summary, err := svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Count)
}

func TestCheckInApp_InputValidation(t *testing.T) {
	remote := newMemoryRepository()
	svc := newTestService(t, remote, newMemoryRepository(), nil)
	ctx := context.Background()

	assert.ErrorIs(t, svc.CheckInApp(ctx, "   "), ErrMissingIdentifier)
	assert.ErrorIs(t, svc.CheckInApp(ctx, "<script>"), ErrInvalidInput)
	assert.Empty(t, remote.seen)
}

func TestCheckInApp_StoresAppIDVerbatim(t *testing.T) {
	remote := newMemoryRepository()
	svc := newTestService(t, remote, newMemoryRepository(), nil)
	ctx := context.Background()

	require.NoError(t, svc.CheckInApp(ctx, "team&co"))
	require.NoError(t, svc.CheckInApp(ctx, "  app-2 "))
	assert.ErrorIs(t, svc.CheckInApp(ctx, "<b>"), ErrInvalidInput)

	assert.True(t, remote.has("team&co"))
	assert.True(t, remote.has("app-2"))
	assert.False(t, remote.has("team&amp;co"))
	assert.False(t, remote.has("&lt;b&gt;"))
	assert.Len(t, remote.seen, 2)
}

func TestCheckInApp_StoreFailureSurfaces(t *testing.T) {
	remote := newMemoryRepository()
	remote.err = repository.ErrStoreUnavailable
	svc := newTestService(t, remote, newMemoryRepository(), nil)

	err := svc.CheckInApp(context.Background(), "app-1")
	assert.ErrorIs(t, err, repository.ErrStoreUnavailable)
}

func TestCheckInAddress_AnonymizesAndDropsPort(t *testing.T) {
	local := newMemoryRepository()
	svc := newTestService(t, newMemoryRepository(), local, nil)
	ctx := context.Background()

	require.NoError(t, svc.CheckInAddress(ctx, "203.0.113.7:50122"))
	require.NoError(t, svc.CheckInAddress(ctx, "203.0.113.7:50999"))
	require.NoError(t, svc.CheckInAddress(ctx, "[2001:db8::1]:443"))

	require.Len(t, local.seen, 2)
	for id := range local.seen {
		assert.NotContains(t, id, "203.0.113.7")
		assert.NotContains(t, id, "2001:db8::1")
	}
	_, ok := local.seen[svc.anonymizer.Anonymize("203.0.113.7")]
	assert.True(t, ok)
	_, ok = local.seen[svc.anonymizer.Anonymize("2001:db8::1")]
	assert.True(t, ok)

	assert.ErrorIs(t, svc.CheckInAddress(ctx, ""), ErrMissingIdentifier)
}

func TestSummary_OrderedMostRecentFirst(t *testing.T) {
	remote := newMemoryRepository()
	svc := newTestService(t, remote, newMemoryRepository(), nil)
	ctx := context.Background()

	clock := time.UnixMilli(1_700_000_000_000)
	svc.now = func() time.Time { return clock }
	require.NoError(t, svc.CheckInApp(ctx, "old"))
	clock = clock.Add(time.Minute)
	require.NoError(t, svc.CheckInApp(ctx, "b-new"))
	require.NoError(t, svc.CheckInApp(ctx, "a-new"))

	summary, err := svc.Summary(ctx)
	require.NoError(t, err)
	ids := []string{summary.LastSeen[0].Identifier, summary.LastSeen[1].Identifier, summary.LastSeen[2].Identifier}
	assert.Equal(t, []string{"a-new", "b-new", "old"}, ids)
}

func TestSummary_EmptyStoreHasEmptyList(t *testing.T) {
	svc := newTestService(t, newMemoryRepository(), newMemoryRepository(), nil)

	summary, err := svc.Summary(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Count)
	assert.NotNil(t, summary.LastSeen)
}

func TestSummary_CoalescesConcurrentCalls(t *testing.T) {
	remote := newMemoryRepository()
	remote.listDelay = 50 * time.Millisecond
	svc := newTestService(t, remote, newMemoryRepository(), nil)
	require.NoError(t, svc.CheckInApp(context.Background(), "app-1"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := svc.Summary(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, 1, s.Count)
		}()
	}
	wg.Wait()
	assert.Less(t, remote.listCalls.Load(), int32(10))
}

func TestSummary_SeesCheckinCompletedDuringEarlierListing(t *testing.T) {
	remote := newMemoryRepository()
	remote.listGate = make(chan struct{})
	svc := newTestService(t, remote, newMemoryRepository(), nil)
	ctx := context.Background()

	first := make(chan *model.Summary, 1)
	go func() {
		s, err := svc.Summary(ctx)
		assert.NoError(t, err)
		first <- s
	}()
	require.Eventually(t, func() bool { return remote.listCalls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, svc.CheckInApp(ctx, "app-1"))

	second := make(chan *model.Summary, 1)
	go func() {
		s, err := svc.Summary(ctx)
		assert.NoError(t, err)
		second <- s
	}()
	require.Eventually(t, func() bool { return remote.listCalls.Load() == 2 }, time.Second, time.Millisecond)
	close(remote.listGate)

	assert.Equal(t, 0, (<-first).Count)
	s := <-second
	assert.Equal(t, 1, s.Count)
	require.Len(t, s.LastSeen, 1)
	assert.Equal(t, "app-1", s.LastSeen[0].Identifier)
}

func TestSummary_StoreFailure(t *testing.T) {
	remote := newMemoryRepository()
	remote.err = errors.New("boom")
	svc := newTestService(t, remote, newMemoryRepository(), nil)

	_, err := svc.Summary(context.Background())
	assert.Error(t, err)
}

func TestCheckIn_PublishesEvents(t *testing.T) {
	pub := &capturingPublisher{}
	remote := newMemoryRepository()
	svc := newTestService(t, remote, newMemoryRepository(), pub)
	ctx := context.Background()

	clock := time.UnixMilli(1_700_000_000_123)
	svc.now = func() time.Time { return clock }
	require.NoError(t, svc.CheckInApp(ctx, "app-1"))
	require.NoError(t, svc.CheckInAddress(ctx, "198.51.100.4"))

	require.Len(t, pub.events, 2)
	assert.Equal(t, model.SourceApp, pub.events[0].Source)
	assert.Equal(t, clock.UnixMilli(), pub.events[0].Seen)
	assert.Equal(t, pub.events[0].Seen, remote.seen["app-1"])
	assert.Equal(t, "app-1", pub.events[0].Instance)
	assert.Equal(t, model.SourceAddress, pub.events[1].Source)
	assert.NotContains(t, pub.events[1].Instance, "198.51.100.4")
}

func TestCheckIn_PublishFailureDoesNotFailCheckin(t *testing.T) {
	pub := &capturingPublisher{err: errors.New("broker down")}
	svc := newTestService(t, newMemoryRepository(), newMemoryRepository(), pub)

	assert.NoError(t, svc.CheckInApp(context.Background(), "app-1"))
}

func TestCheckIn_NoEventOnStoreFailure(t *testing.T) {
	remote := newMemoryRepository()
	remote.err = repository.ErrStoreUnavailable
	pub := &capturingPublisher{}
	svc := newTestService(t, remote, newMemoryRepository(), pub)

	assert.Error(t, svc.CheckInApp(context.Background(), "app-1"))
	assert.Empty(t, pub.events)
}

func TestHealthCheck(t *testing.T) {
	remote := newMemoryRepository()
	svc := newTestService(t, remote, newMemoryRepository(), nil)
	assert.Empty(t, svc.HealthCheck(context.Background()))

	remote.err = errors.New("down")
	assert.Contains(t, svc.HealthCheck(context.Background()), storeRemote)
}
