package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"telemetry-service/internal/client"
	"telemetry-service/internal/model"
	"telemetry-service/internal/repository"
)

const scanBatchSize = 500

// InstanceStore keeps identifier -> last-seen milliseconds as plain Redis
// strings. With an empty prefix the database must be dedicated to it, since
// every key is reported as an instance.
type InstanceStore struct {
	client *client.RedisClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

var _ repository.InstanceRepository = (*InstanceStore)(nil)

// NewInstanceStore returns a store writing under prefix. A positive ttl
// expires instances that stop checking in.
func NewInstanceStore(c *client.RedisClient, prefix string, ttl time.Duration, logger *zap.Logger) *InstanceStore {
	return &InstanceStore{
		client: c,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

func (s *InstanceStore) Record(ctx context.Context, identifier string, seen time.Time) error {
	if identifier == "" {
		return repository.ErrInvalidIdentifier
	}

	ms := model.NowMillis(seen)
	if err := s.client.Set(ctx, s.prefix+identifier, strconv.FormatInt(ms, 10), s.ttl); err != nil {
		return fmt.Errorf("%w: record: %w", repository.ErrStoreUnavailable, err)
	}

	s.logger.Debug("Instance recorded", zap.Int64("seen", ms), zap.Bool("expires", s.ttl > 0))
	return nil
}

// ListAll enumerates keys with SCAN and fetches each batch's values with a
// single MGET. Keys that expire between the two calls are skipped.
func (s *InstanceStore) ListAll(ctx context.Context) ([]model.ClientRecord, error) {
	seen := make(map[string]struct{})
	var records []model.ClientRecord

	err := s.client.ScanEach(ctx, s.pattern(), scanBatchSize, func(keys []string) error {
		keys = s.fresh(keys, seen)
		if len(keys) == 0 {
			return nil
		}

		values, ok, err := s.client.MGet(ctx, keys...)
		if err != nil {
			return err
		}
		for i, key := range keys {
			if !ok[i] {
				continue
			}
			ms, err := strconv.ParseInt(values[i], 10, 64)
			if err != nil {
				s.logger.Warn("Unparseable last-seen value", zap.String("key", key), zap.Error(err))
				ms = 0
			}
			records = append(records, model.ClientRecord{
				Identifier: strings.TrimPrefix(key, s.prefix),
				LastSeen:   ms,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", repository.ErrStoreUnavailable, err)
	}
	return records, nil
}

func (s *InstanceStore) Count(ctx context.Context) (int, error) {
	seen := make(map[string]struct{})
	err := s.client.ScanEach(ctx, s.pattern(), scanBatchSize, func(keys []string) error {
		s.fresh(keys, seen)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: count: %w", repository.ErrStoreUnavailable, err)
	}
	return len(seen), nil
}

func (s *InstanceStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

// Close is a no-op; the factory owns the Redis client.
func (s *InstanceStore) Close() error {
	return nil
}

func (s *InstanceStore) pattern() string {
	return s.prefix + "*"
}

// fresh drops keys already returned by an earlier SCAN batch (SCAN may
// repeat keys) and the health-check key.
func (s *InstanceStore) fresh(keys []string, seen map[string]struct{}) []string {
	out := keys[:0]
	for _, k := range keys {
		if k == client.HealthCheckKey {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
