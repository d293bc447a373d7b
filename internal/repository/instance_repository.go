package repository

import (
	"context"
	"errors"
	"time"

	"telemetry-service/internal/model"
)

var (
	// ErrStoreUnavailable marks transient I/O failures. Only these are retried.
	ErrStoreUnavailable  = errors.New("instance store unavailable")
	ErrInvalidIdentifier = errors.New("invalid instance identifier")
)

// InstanceRepository records instance check-ins and enumerates them.
// Implementations are safe for concurrent use; concurrent Records of the
// same identifier resolve last-write-wins by arrival.
type InstanceRepository interface {
	// Record upserts identifier as last seen at seen.
	Record(ctx context.Context, identifier string, seen time.Time) error
	// ListAll returns every known identifier with its last-seen time.
	ListAll(ctx context.Context) ([]model.ClientRecord, error)
	// Count returns the number of distinct identifiers.
	Count(ctx context.Context) (int, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
