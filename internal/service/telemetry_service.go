package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"telemetry-service/internal/anonymizer"
	"telemetry-service/internal/metrics"
	"telemetry-service/internal/model"
	"telemetry-service/internal/repository"
	"telemetry-service/internal/util"
)

var (
	ErrMissingIdentifier = errors.New("missing instance identifier")
	ErrInvalidInput      = errors.New("invalid input")
)

// Store names used in metrics and logs.
const (
	storeRemote = "redis"
	storeLocal  = "file"
)

// EventPublisher receives an event after every successful check-in.
type EventPublisher interface {
	PublishCheckin(ctx context.Context, event model.CheckinEvent) error
}

// Decision is the outcome of a summary authorization.
type Decision int

const (
	Granted Decision = iota
	// DeniedRedirect sends the caller elsewhere instead of returning an
	// error status, so the endpoint looks like it does not exist.
	DeniedRedirect
)

type AuthResult struct {
	Decision    Decision
	RedirectURL string
}

func (r AuthResult) Granted() bool {
	return r.Decision == Granted
}

// TelemetryConfig holds the secrets and limits injected at startup.
type TelemetryConfig struct {
	APIKey          string
	DenyRedirectURL string
	StoreTimeout    time.Duration
}

// TelemetryService records check-ins and serves the operator summary.
// Check-ins by app id go to the remote store; check-ins by address are
// anonymized and go to the local document store.
type TelemetryService struct {
	remote     repository.InstanceRepository
	local      repository.InstanceRepository
	anonymizer *anonymizer.Anonymizer
	publisher  EventPublisher
	metrics    *metrics.Metrics
	logger     *zap.Logger

	apiKeyDigest [sha256.Size]byte
	redirectURL  string
	storeTimeout time.Duration
	now          func() time.Time

	// writes counts successful check-ins. Summary flights are keyed by it so
	// a caller never joins a listing that started before its own write.
	writes    atomic.Uint64
	summaries singleflight.Group
}

// NewTelemetryService wires the service. publisher may be nil.
func NewTelemetryService(
	remote repository.InstanceRepository,
	local repository.InstanceRepository,
	anon *anonymizer.Anonymizer,
	publisher EventPublisher,
	m *metrics.Metrics,
	cfg TelemetryConfig,
	logger *zap.Logger,
) *TelemetryService {
	return &TelemetryService{
		remote:       remote,
		local:        local,
		anonymizer:   anon,
		publisher:    publisher,
		metrics:      m,
		logger:       logger,
		apiKeyDigest: sha256.Sum256([]byte(cfg.APIKey)),
		redirectURL:  cfg.DenyRedirectURL,
		storeTimeout: cfg.StoreTimeout,
		now:          time.Now,
	}
}

// CheckInApp records appID as seen now in the remote store. The app id is
// the identifier itself: trimmed, validated and stored verbatim.
func (s *TelemetryService) CheckInApp(ctx context.Context, appID string) error {
	id := strings.TrimSpace(appID)
	if id == "" {
		s.metrics.Checkin(metrics.VariantApp, metrics.ResultSkipped)
		return ErrMissingIdentifier
	}
	if !util.ValidIdentifier(id) {
		s.metrics.Checkin(metrics.VariantApp, metrics.ResultInvalid)
		return fmt.Errorf("%w: app id", ErrInvalidInput)
	}
	return s.record(ctx, s.remote, storeRemote, metrics.VariantApp, model.SourceApp, id)
}

// CheckInAddress anonymizes the caller's address and adds it to the local
// document store. A trailing port is ignored so reconnects from one host map
// to one identifier.
func (s *TelemetryService) CheckInAddress(ctx context.Context, remoteAddr string) error {
	host := hostOnly(remoteAddr)
	if host == "" {
		s.metrics.Checkin(metrics.VariantAddress, metrics.ResultSkipped)
		return ErrMissingIdentifier
	}
	id := s.anonymizer.Anonymize(host)
	return s.record(ctx, s.local, storeLocal, metrics.VariantAddress, model.SourceAddress, id)
}

func (s *TelemetryService) record(
	ctx context.Context,
	store repository.InstanceRepository,
	storeName, variant string,
	source model.CheckinSource,
	id string,
) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	seen := s.now()
	start := time.Now()
	err := store.Record(ctx, id, seen)
	s.metrics.ObserveStore(storeName, metrics.OperationRecord, start)
	if err != nil {
		s.metrics.Checkin(variant, metrics.ResultStoreError)
		s.logger.Error("Failed to record check-in",
			zap.String("store", storeName),
			util.Identifier(id),
			zap.Error(err))
		return fmt.Errorf("record check-in: %w", err)
	}
	s.writes.Add(1)
	s.metrics.Checkin(variant, metrics.ResultRecorded)

	if s.publisher != nil {
		event := model.CheckinEvent{Instance: id, Seen: model.NowMillis(seen), Source: source}
		if err := s.publisher.PublishCheckin(ctx, event); err != nil {
			s.logger.Warn("Failed to publish check-in event", util.Identifier(id), zap.Error(err))
		}
	}
	return nil
}

// Authorize compares the presented credential with the configured key in
// constant time. Both sides are hashed first so their lengths do not leak.
func (s *TelemetryService) Authorize(presented string) AuthResult {
	digest := sha256.Sum256([]byte(presented))
	if presented != "" && subtle.ConstantTimeCompare(digest[:], s.apiKeyDigest[:]) == 1 {
		s.metrics.Summary(metrics.ResultGranted)
		return AuthResult{Decision: Granted}
	}
	s.metrics.Summary(metrics.ResultDenied)
	return AuthResult{Decision: DeniedRedirect, RedirectURL: s.redirectURL}
}

// Summary lists the remote store, most recent first. Concurrent callers
// share one store enumeration as long as no check-in completed in between.
func (s *TelemetryService) Summary(ctx context.Context) (*model.Summary, error) {
	key := strconv.FormatUint(s.writes.Load(), 10)
	v, err, _ := s.summaries.Do(key, func() (interface{}, error) {
		// Detached so one caller going away does not fail the others.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
		defer cancel()

		start := time.Now()
		records, err := s.remote.ListAll(ctx)
		s.metrics.ObserveStore(storeRemote, metrics.OperationListAll, start)
		if err != nil {
			return nil, err
		}

		sort.Slice(records, func(i, j int) bool {
			if records[i].LastSeen != records[j].LastSeen {
				return records[i].LastSeen > records[j].LastSeen
			}
			return records[i].Identifier < records[j].Identifier
		})
		if records == nil {
			records = []model.ClientRecord{}
		}
		return &model.Summary{Count: len(records), LastSeen: records}, nil
	})
	if err != nil {
		s.metrics.Summary(metrics.ResultStoreError)
		s.logger.Error("Failed to build instance summary", zap.Error(err))
		return nil, fmt.Errorf("list instances: %w", err)
	}

	shared := v.(*model.Summary)
	out := &model.Summary{Count: shared.Count, LastSeen: make([]model.ClientRecord, len(shared.LastSeen))}
	copy(out.LastSeen, shared.LastSeen)
	return out, nil
}

// HealthCheck checks both stores concurrently and reports the unhealthy ones.
func (s *TelemetryService) HealthCheck(ctx context.Context) map[string]error {
	var (
		mu  sync.Mutex
		g   errgroup.Group
		out = make(map[string]error)
	)
	for name, store := range map[string]repository.InstanceRepository{storeRemote: s.remote, storeLocal: s.local} {
		g.Go(func() error {
			if err := store.HealthCheck(ctx); err != nil {
				mu.Lock()
				out[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *TelemetryService) Cleanup() {
	if err := s.local.Close(); err != nil {
		s.logger.Warn("Failed to close local instance store", zap.Error(err))
	}
	if err := s.remote.Close(); err != nil {
		s.logger.Warn("Failed to close remote instance store", zap.Error(err))
	}
}

func hostOnly(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}
