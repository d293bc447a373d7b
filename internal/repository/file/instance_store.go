package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"telemetry-service/internal/model"
	"telemetry-service/internal/repository"
)

// ErrMalformedDocument means the document on disk is not valid JSON of the
// expected shape. It is never retried and the file is left untouched.
var ErrMalformedDocument = errors.New("malformed instance document")

// InstanceStore persists a membership set of identifiers as a single JSON
// document. Every Record reads the whole document and writes it back; mu
// serializes those cycles so concurrent check-ins cannot drop entries.
type InstanceStore struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

var _ repository.InstanceRepository = (*InstanceStore)(nil)

func NewInstanceStore(path string, logger *zap.Logger) *InstanceStore {
	return &InstanceStore{path: path, logger: logger}
}

// Record adds identifier to the set. The document is rewritten even when
// the identifier is already present. seen is not kept; the document tracks
// membership only.
func (s *InstanceStore) Record(ctx context.Context, identifier string, _ time.Time) error {
	if identifier == "" {
		return repository.ErrInvalidIdentifier
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}

	known := false
	for _, id := range doc.Instances {
		if id == identifier {
			known = true
			break
		}
	}
	if !known {
		doc.Instances = append(doc.Instances, identifier)
	}
	doc.Count = len(doc.Instances)

	if err := s.save(doc); err != nil {
		return err
	}
	s.logger.Debug("Instance document written", zap.Int("count", doc.Count), zap.Bool("new", !known))
	return nil
}

// ListAll returns every identifier with LastSeen zero; this store does not
// track recency.
func (s *InstanceStore) ListAll(ctx context.Context) ([]model.ClientRecord, error) {
	doc, err := s.Document(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]model.ClientRecord, 0, len(doc.Instances))
	for _, id := range doc.Instances {
		records = append(records, model.ClientRecord{Identifier: id})
	}
	return records, nil
}

func (s *InstanceStore) Count(ctx context.Context) (int, error) {
	doc, err := s.Document(ctx)
	if err != nil {
		return 0, err
	}
	return doc.Count, nil
}

// Document returns a snapshot of the persisted document.
func (s *InstanceStore) Document(ctx context.Context) (*model.InstanceDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// HealthCheck verifies the document, if present, is readable and parses.
func (s *InstanceStore) HealthCheck(ctx context.Context) error {
	_, err := s.Document(ctx)
	return err
}

func (s *InstanceStore) Close() error {
	return nil
}

// load must be called with mu held. A missing file is an empty document.
func (s *InstanceStore) load() (*model.InstanceDocument, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &model.InstanceDocument{Instances: []string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", repository.ErrStoreUnavailable, s.path, err)
	}

	var doc model.InstanceDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Error("Instance document is malformed", zap.String("path", s.path), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedDocument, s.path, err)
	}
	if doc.Instances == nil {
		doc.Instances = []string{}
	}
	return &doc, nil
}

// save must be called with mu held. It writes a sibling temp file and
// renames it over the document.
func (s *InstanceStore) save(doc *model.InstanceDocument) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", repository.ErrStoreUnavailable, dir, err)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal instance document: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %w", repository.ErrStoreUnavailable, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: chmod %s: %w", repository.ErrStoreUnavailable, tmpName, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %w", repository.ErrStoreUnavailable, tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync %s: %w", repository.ErrStoreUnavailable, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", repository.ErrStoreUnavailable, tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("%w: rename to %s: %w", repository.ErrStoreUnavailable, s.path, err)
	}
	return nil
}
