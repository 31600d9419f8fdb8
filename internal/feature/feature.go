// Package feature derives fixed-shape feature vectors from historical
// position records, keyed by route, direction, stop, time bucket and weekday.
package feature

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluele/gcache"

	"busdelay/internal/storage"
)

// ErrInsufficientHistory is returned by Derive when the stop-level cell holds
// fewer records than the configured minimum.
var ErrInsufficientHistory = errors.New("insufficient history")

// Level names the aggregation that produced a vector's statistics.
type Level string

const (
	LevelStop   Level = "stop"
	LevelRoute  Level = "route"
	LevelGlobal Level = "global"
)

// Vector is the feature vector for one (route, direction, stop, bucket, weekday).
type Vector struct {
	RouteID     string       `json:"route_id"`
	Direction   string       `json:"direction"`
	StopID      string       `json:"stop_id"`
	TimeBucket  int          `json:"time_bucket"`   // index of the bucket within the local day
	MinuteOfDay int          `json:"minute_of_day"` // first local minute of the bucket
	Weekday     time.Weekday `json:"weekday"`
	MeanDelay   float64      `json:"historical_mean_delay"`
	Variance    float64      `json:"historical_variance"`
	SampleCount int          `json:"sample_count"`
	Level       Level        `json:"level"`
}

// Key identifies the vector's cell independent of its statistics.
func (v Vector) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d|%d", v.RouteID, v.Direction, v.StopID, v.Weekday, v.TimeBucket)
}

// History answers aggregate delay queries. *storage.DB and *Table implement it.
type History interface {
	CellStats(ctx context.Context, c storage.Cell) (storage.Stats, error)
}

// Options configures an Extractor.
type Options struct {
	BucketWidth time.Duration
	MinHistory  int
	Location    *time.Location
	CacheSize   int // 0 disables the cache
	CacheTTL    time.Duration
}

// Extractor derives feature vectors from a History.
type Extractor struct {
	history    History
	width      time.Duration
	minHistory int
	loc        *time.Location
	cache      gcache.Cache
	logger     *slog.Logger
}

// NewExtractor creates an Extractor. Zero options get the defaults of a
// 15 minute bucket, a minimum of 10 records and UTC.
func NewExtractor(h History, opts Options, logger *slog.Logger) *Extractor {
	if opts.BucketWidth <= 0 {
		opts.BucketWidth = 15 * time.Minute
	}
	if opts.MinHistory <= 0 {
		opts.MinHistory = 10
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	e := &Extractor{
		history:    h,
		width:      opts.BucketWidth,
		minHistory: opts.MinHistory,
		loc:        opts.Location,
		logger:     logger,
	}
	if opts.CacheSize > 0 {
		b := gcache.New(opts.CacheSize).LRU()
		if opts.CacheTTL > 0 {
			b = b.Expiration(opts.CacheTTL)
		}
		e.cache = b.Build()
	}
	return e
}

// BucketWidth returns the configured bucket width.
func (e *Extractor) BucketWidth() time.Duration { return e.width }

// MinHistory returns the minimum stop-level record count.
func (e *Extractor) MinHistory() int { return e.minHistory }

// Bucket returns the bucket index, weekday and [from, to) local minutes that
// t falls into.
func Bucket(t time.Time, width time.Duration, loc *time.Location) (bucket int, weekday time.Weekday, from, to int) {
	w := int(width / time.Minute)
	if w <= 0 {
		w = 1
	}
	minute, wd := storage.LocalMinute(t, loc)
	bucket = minute / w
	from = bucket * w
	to = from + w
	if to > 24*60 {
		to = 24 * 60
	}
	return bucket, wd, from, to
}

// Derive returns the stop-level vector for the query. When the cell holds
// fewer than MinHistory records the partially filled vector is returned
// together with ErrInsufficientHistory.
func (e *Extractor) Derive(ctx context.Context, routeID, direction, stopID string, t time.Time) (Vector, error) {
	v := e.base(routeID, direction, stopID, t)
	if err := e.fill(ctx, &v, storage.Cell{RouteID: routeID, Direction: direction, StopID: stopID}, LevelStop); err != nil {
		return Vector{}, err
	}
	if v.SampleCount < e.minHistory {
		return v, fmt.Errorf("%w: %d records for route %s stop %s", ErrInsufficientHistory, v.SampleCount, routeID, stopID)
	}
	return v, nil
}

// DeriveWithFallback returns the stop-level vector when it has enough history,
// otherwise the route-level vector (same route and direction, any stop), and
// finally the global vector for the bucket. Only storage errors are returned.
func (e *Extractor) DeriveWithFallback(ctx context.Context, routeID, direction, stopID string, t time.Time) (Vector, error) {
	base := e.base(routeID, direction, stopID, t)
	key := base.Key()
	if e.cache != nil {
		if cached, err := e.cache.Get(key); err == nil {
			return cached.(Vector), nil
		}
	}

	v, err := e.Derive(ctx, routeID, direction, stopID, t)
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientHistory):
		v = base
		if err := e.fill(ctx, &v, storage.Cell{RouteID: routeID, Direction: direction}, LevelRoute); err != nil {
			return Vector{}, err
		}
		if v.SampleCount < e.minHistory {
			v = base
			if err := e.fill(ctx, &v, storage.Cell{}, LevelGlobal); err != nil {
				return Vector{}, err
			}
		}
		if e.logger != nil {
			e.logger.Debug("feature fallback", "route", routeID, "stop", stopID, "level", v.Level, "samples", v.SampleCount)
		}
	default:
		return Vector{}, err
	}

	if e.cache != nil {
		e.cache.Set(key, v)
	}
	return v, nil
}

func (e *Extractor) base(routeID, direction, stopID string, t time.Time) Vector {
	bucket, wd, from, _ := Bucket(t, e.width, e.loc)
	return Vector{
		RouteID:     routeID,
		Direction:   direction,
		StopID:      stopID,
		TimeBucket:  bucket,
		MinuteOfDay: from,
		Weekday:     wd,
	}
}

func (e *Extractor) fill(ctx context.Context, v *Vector, c storage.Cell, level Level) error {
	w := int(e.width / time.Minute)
	c.Weekday = v.Weekday
	c.FromMinute = v.MinuteOfDay
	c.ToMinute = v.MinuteOfDay + w
	s, err := e.history.CellStats(ctx, c)
	if err != nil {
		return fmt.Errorf("derive %s features: %w", level, err)
	}
	v.MeanDelay = s.Mean
	v.Variance = s.Variance
	v.SampleCount = s.Count
	v.Level = level
	return nil
}
