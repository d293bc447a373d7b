package repository

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"telemetry-service/internal/model"
)

const (
	defaultInitialInterval = 100 * time.Millisecond
	defaultMaxInterval     = time.Second
)

// Retrying retries ErrStoreUnavailable failures of the wrapped repository
// with bounded exponential backoff. Any other error is returned at once.
type Retrying struct {
	inner           InstanceRepository
	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration
	logger          *zap.Logger
}

func NewRetrying(inner InstanceRepository, maxRetries int, logger *zap.Logger) *Retrying {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Retrying{
		inner:           inner,
		maxRetries:      uint64(maxRetries),
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		logger:          logger,
	}
}

func (r *Retrying) Record(ctx context.Context, identifier string, seen time.Time) error {
	return r.do(ctx, "record", func() error {
		return r.inner.Record(ctx, identifier, seen)
	})
}

func (r *Retrying) ListAll(ctx context.Context) ([]model.ClientRecord, error) {
	var records []model.ClientRecord
	err := r.do(ctx, "list_all", func() error {
		var err error
		records, err = r.inner.ListAll(ctx)
		return err
	})
	return records, err
}

func (r *Retrying) Count(ctx context.Context) (int, error) {
	var n int
	err := r.do(ctx, "count", func() error {
		var err error
		n, err = r.inner.Count(ctx)
		return err
	})
	return n, err
}

func (r *Retrying) HealthCheck(ctx context.Context) error {
	return r.inner.HealthCheck(ctx)
}

func (r *Retrying) Close() error {
	return r.inner.Close()
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.initialInterval
	eb.MaxInterval = r.maxInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, r.maxRetries), ctx)

	operation := func() error {
		err := fn()
		if err != nil && !errors.Is(err, ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("Instance store operation failed, retrying",
			zap.String("operation", op),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return backoff.RetryNotify(operation, b, notify)
}
