// Package predict answers delay estimate queries using the active model.
package predict

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"busdelay/internal/estimator"
	"busdelay/internal/feature"
	"busdelay/internal/metrics"
	"busdelay/internal/modelstore"
	"busdelay/internal/storage"
)

// Catalog validates query identifiers. *storage.DB implements it.
type Catalog interface {
	ValidateStop(ctx context.Context, routeID, direction, stopID string) error
}

// Features derives feature vectors. *feature.Extractor implements it.
type Features interface {
	DeriveWithFallback(ctx context.Context, routeID, direction, stopID string, t time.Time) (feature.Vector, error)
}

// Models is the read side of the model store. *modelstore.Store implements it.
type Models interface {
	ActiveVersion(ctx context.Context) (int64, error)
	Get(ctx context.Context, id int64) (modelstore.Artifact, error)
}

// Query is one estimate request. A zero Time means now.
type Query struct {
	RouteID   string    `json:"route_id"`
	Direction string    `json:"direction"`
	StopID    string    `json:"stop_id"`
	Time      time.Time `json:"time"`
}

// Estimate is the answer to a Query.
type Estimate struct {
	Minutes          float64       `json:"minutes"`
	Confidence       float64       `json:"confidence"`
	ModelVersionUsed int64         `json:"model_version_used"`
	Level            feature.Level `json:"feature_level"`
}

// Options configures a Service.
type Options struct {
	StoreTimeout time.Duration // per model store call, default 500ms
	ActiveTTL    time.Duration // how long a loaded model is trusted without re-checking, default 30s
}

type loadedModel struct {
	version   int64
	estimator string
	model     estimator.Model
}

// Service is the prediction service. It holds no request state; the only
// thing it keeps between calls is the last known good active model.
type Service struct {
	catalog  Catalog
	features Features
	models   Models
	logger   *slog.Logger
	timeout  time.Duration
	ttl      time.Duration
	now      func() time.Time

	mu        sync.RWMutex
	current   *loadedModel
	checkedAt time.Time

	loadMu sync.Mutex
}

// NewService creates a Service.
func NewService(c Catalog, f Features, m Models, opts Options, logger *slog.Logger) *Service {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 500 * time.Millisecond
	}
	if opts.ActiveTTL <= 0 {
		opts.ActiveTTL = 30 * time.Second
	}
	return &Service{
		catalog:  c,
		features: f,
		models:   m,
		logger:   logger,
		timeout:  opts.StoreTimeout,
		ttl:      opts.ActiveTTL,
		now:      time.Now,
	}
}

// Estimate validates q, loads the active model and predicts the delay.
// Failures are *Error values of kind InvalidQuery or ServiceUnavailable.
func (s *Service) Estimate(ctx context.Context, q Query) (Estimate, error) {
	start := time.Now()
	est, err := s.estimate(ctx, q)
	metrics.EstimateDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.EstimatesTotal.WithLabelValues("ok").Inc()
		metrics.EstimateLevel.WithLabelValues(string(est.Level)).Inc()
	case errors.Is(err, ErrInvalidQuery):
		metrics.EstimatesTotal.WithLabelValues("invalid_query").Inc()
	default:
		metrics.EstimatesTotal.WithLabelValues("service_unavailable").Inc()
	}
	return est, err
}

func (s *Service) estimate(ctx context.Context, q Query) (Estimate, error) {
	q.RouteID = strings.TrimSpace(q.RouteID)
	q.Direction = strings.TrimSpace(q.Direction)
	q.StopID = strings.TrimSpace(q.StopID)
	switch {
	case q.RouteID == "":
		return Estimate{}, invalid("route_id is required")
	case q.Direction == "":
		return Estimate{}, invalid("direction is required")
	case q.StopID == "":
		return Estimate{}, invalid("stop_id is required")
	}
	if q.Time.IsZero() {
		q.Time = s.now()
	}

	if err := s.catalog.ValidateStop(ctx, q.RouteID, q.Direction, q.StopID); err != nil {
		switch {
		case errors.Is(err, storage.ErrUnknownRoute),
			errors.Is(err, storage.ErrUnknownStop),
			errors.Is(err, storage.ErrUnknownDirection),
			errors.Is(err, storage.ErrStopNotOnRoute):
			return Estimate{}, &Error{Kind: KindInvalidQuery, Message: err.Error(), Err: err}
		}
		s.logger.Error("catalog lookup failed", "error", err)
		return Estimate{}, unavailable(err, "catalog unavailable")
	}

	m, err := s.activeModel(ctx)
	if err != nil {
		return Estimate{}, err
	}

	v, err := s.features.DeriveWithFallback(ctx, q.RouteID, q.Direction, q.StopID, q.Time)
	if err != nil {
		s.logger.Error("feature derivation failed", "route", q.RouteID, "stop", q.StopID, "error", err)
		return Estimate{}, unavailable(err, "history unavailable")
	}

	p := m.model.Predict(v)
	return Estimate{
		Minutes:          p.Minutes,
		Confidence:       p.Confidence,
		ModelVersionUsed: m.version,
		Level:            v.Level,
	}, nil
}

// LoadedVersion returns the version of the model currently held in memory.
func (s *Service) LoadedVersion() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return 0, false
	}
	return s.current.version, true
}

// Warm loads the active model ahead of the first request.
func (s *Service) Warm(ctx context.Context) {
	if _, err := s.activeModel(ctx); err != nil {
		s.logger.Warn("no model loaded at startup", "error", err)
	}
}

// activeModel returns the model behind the active pointer. A loaded model is
// reused for ttl; after that the pointer is re-read. When the store cannot be
// reached the previously loaded model keeps serving.
func (s *Service) activeModel(ctx context.Context) (*loadedModel, error) {
	if m, ok := s.fresh(); ok {
		return m, nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if m, ok := s.fresh(); ok {
		return m, nil
	}

	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()

	lctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id, err := s.models.ActiveVersion(lctx)
	if errors.Is(err, modelstore.ErrNoActiveModel) {
		s.set(nil)
		return nil, unavailable(err, "no active model")
	}
	if err != nil {
		return s.fallback(cur, err)
	}
	if cur != nil && cur.version == id {
		s.set(cur)
		return cur, nil
	}

	art, err := s.models.Get(lctx, id)
	if err != nil {
		if errors.Is(err, modelstore.ErrNotFound) {
			s.logger.Error("active model version missing from store", "version", id, "error", err)
		}
		return s.fallback(cur, err)
	}
	model, err := estimator.Decode(art.Estimator, art.Parameters)
	if err != nil {
		s.logger.Error("active model cannot be decoded", "version", id, "estimator", art.Estimator, "error", err)
		return s.fallback(cur, err)
	}

	m := &loadedModel{version: art.VersionID, estimator: art.Estimator, model: model}
	s.set(m)
	metrics.ActiveModelVersion.Set(float64(m.version))
	s.logger.Info("active model loaded", "version", m.version, "estimator", m.estimator)
	return m, nil
}

func (s *Service) fresh() (*loadedModel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current != nil && s.now().Sub(s.checkedAt) < s.ttl {
		return s.current, true
	}
	return nil, false
}

func (s *Service) set(m *loadedModel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = m
	s.checkedAt = s.now()
}

func (s *Service) fallback(cur *loadedModel, err error) (*loadedModel, error) {
	metrics.ModelLoadFailures.Inc()
	if cur == nil {
		s.logger.Error("model store unavailable", "error", err)
		return nil, unavailable(err, "model store unavailable")
	}
	s.logger.Warn("model store unavailable, serving last known good model", "version", cur.version, "error", err)
	s.set(cur)
	return cur, nil
}
