// Package modelstore keeps versioned estimator artifacts in an object store
// and tracks the single active version through a pointer object.
package modelstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"busdelay/internal/objstore"
)

var (
	ErrNotFound      = errors.New("model version not found")
	ErrNoActiveModel = errors.New("no active model")
	ErrActiveVersion = errors.New("version is active")
)

// Artifact is one trained model version. It is immutable once Put.
type Artifact struct {
	VersionID           int64     `json:"version_id"`
	CreatedAt           time.Time `json:"created_at"`
	Estimator           string    `json:"estimator"`
	RunID               string    `json:"run_id,omitempty"`
	Parameters          []byte    `json:"serialized_parameters"`
	TrainingWindowStart time.Time `json:"training_window_start"`
	TrainingWindowEnd   time.Time `json:"training_window_end"`
	ValidationError     float64   `json:"validation_error"`
	TrainingSamples     int       `json:"training_samples"`
	ValidationSamples   int       `json:"validation_samples"`
}

// Store is the model store. Artifacts live under <prefix>/versions/ and the
// active version id under <prefix>/ACTIVE.
type Store struct {
	bucket objstore.Bucket
	prefix string
	logger *slog.Logger

	mu sync.Mutex // serializes version assignment within the process
}

// New creates a Store rooted at prefix inside bucket.
func New(bucket objstore.Bucket, prefix string, logger *slog.Logger) *Store {
	return &Store{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

func (s *Store) versionsPrefix() string { return path.Join(s.prefix, "versions") + "/" }

func (s *Store) versionKey(id int64) string {
	return fmt.Sprintf("%s%020d.json", s.versionsPrefix(), id)
}

func (s *Store) activeKey() string { return path.Join(s.prefix, "ACTIVE") }

func (s *Store) sequenceKey() string { return path.Join(s.prefix, "SEQUENCE") }

// lastAssigned returns the highest id ever handed out, so deleted versions
// are never reused.
func (s *Store) lastAssigned(ctx context.Context) (int64, error) {
	ids, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	var last int64
	if len(ids) > 0 {
		last = ids[len(ids)-1]
	}
	data, err := s.bucket.Get(ctx, s.sequenceKey())
	switch {
	case errors.Is(err, objstore.ErrNotFound):
		return last, nil
	case err != nil:
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	seq, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		s.logger.Warn("ignoring corrupt sequence object", "value", string(data))
		return last, nil
	}
	return max(last, seq), nil
}

// Put stores a as the next version and returns the assigned id. Any VersionID
// already set on a is ignored.
func (s *Store) Put(ctx context.Context, a Artifact) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.lastAssigned(ctx)
	if err != nil {
		return 0, err
	}
	next := last + 1

	a.VersionID = next
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return 0, fmt.Errorf("encode artifact: %w", err)
	}
	if err := s.bucket.Put(ctx, s.versionKey(next), data); err != nil {
		return 0, fmt.Errorf("put version %d: %w", next, err)
	}
	if err := s.bucket.Put(ctx, s.sequenceKey(), []byte(strconv.FormatInt(next, 10))); err != nil {
		// a retried Put must not leave this version behind under a second id
		if derr := s.bucket.Delete(ctx, s.versionKey(next)); derr != nil {
			s.logger.Warn("could not remove version after sequence write failed", "version", next, "error", derr)
		}
		return 0, fmt.Errorf("write sequence: %w", err)
	}
	s.logger.Info("model version stored", "version", next, "estimator", a.Estimator, "validation_error", a.ValidationError)
	return next, nil
}

// Get returns the artifact with the given version id.
func (s *Store) Get(ctx context.Context, id int64) (Artifact, error) {
	data, err := s.bucket.Get(ctx, s.versionKey(id))
	if errors.Is(err, objstore.ErrNotFound) {
		return Artifact{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("get version %d: %w", id, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, fmt.Errorf("decode version %d: %w", id, err)
	}
	return a, nil
}

// ActiveVersion returns the id the active pointer refers to.
func (s *Store) ActiveVersion(ctx context.Context) (int64, error) {
	data, err := s.bucket.Get(ctx, s.activeKey())
	if errors.Is(err, objstore.ErrNotFound) {
		return 0, ErrNoActiveModel
	}
	if err != nil {
		return 0, fmt.Errorf("read active pointer: %w", err)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse active pointer %q: %w", data, err)
	}
	return id, nil
}

// GetActive returns the active artifact.
func (s *Store) GetActive(ctx context.Context) (Artifact, error) {
	id, err := s.ActiveVersion(ctx)
	if err != nil {
		return Artifact{}, err
	}
	a, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		s.logger.Error("active pointer references missing version", "version", id)
	}
	return a, err
}

// Promote makes id the active version. The pointer is one object overwritten
// whole, so readers see either the old or the new id. Promoting the active
// version again is a no-op.
func (s *Store) Promote(ctx context.Context, id int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	current, err := s.ActiveVersion(ctx)
	switch {
	case err == nil && current == id:
		return nil
	case err == nil, errors.Is(err, ErrNoActiveModel):
	default:
		return err
	}
	if err := s.bucket.Put(ctx, s.activeKey(), []byte(strconv.FormatInt(id, 10))); err != nil {
		return fmt.Errorf("write active pointer: %w", err)
	}
	s.logger.Info("model version promoted", "version", id, "previous", current)
	return nil
}

// List returns all stored version ids in ascending order.
func (s *Store) List(ctx context.Context) ([]int64, error) {
	keys, err := s.bucket.List(ctx, s.versionsPrefix())
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		name := strings.TrimSuffix(path.Base(k), ".json")
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			s.logger.Warn("ignoring unexpected object in model store", "key", k)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Delete removes a stored version. The active version cannot be deleted.
func (s *Store) Delete(ctx context.Context, id int64) error {
	active, err := s.ActiveVersion(ctx)
	if err != nil && !errors.Is(err, ErrNoActiveModel) {
		return err
	}
	if err == nil && active == id {
		return fmt.Errorf("delete version %d: %w", id, ErrActiveVersion)
	}
	if err := s.bucket.Delete(ctx, s.versionKey(id)); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return fmt.Errorf("delete version %d: %w", id, err)
	}
	return nil
}
