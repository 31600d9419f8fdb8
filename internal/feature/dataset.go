package feature

import (
	"context"
	"fmt"
	"sort"
	"time"

	"busdelay/internal/storage"
)

// Sample is one labelled training example.
type Sample struct {
	Vector    Vector
	Label     float64 // observed delay in minutes
	Timestamp time.Time
}

type cellKey struct {
	route, direction, stop string
	weekday                time.Weekday
	bucket                 int
}

type accumulator struct {
	n          int
	sum, sumSq float64
}

func (a *accumulator) add(x float64) {
	a.n++
	a.sum += x
	a.sumSq += x * x
}

func (a *accumulator) remove(x float64) {
	a.n--
	a.sum -= x
	a.sumSq -= x * x
}

func (a accumulator) stats() storage.Stats {
	if a.n == 0 {
		return storage.Stats{}
	}
	mean := a.sum / float64(a.n)
	variance := a.sumSq/float64(a.n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return storage.Stats{Count: a.n, Mean: mean, Variance: variance}
}

// Table is an in-memory History built from a fixed set of records. It gives
// training the same aggregation and fallback rules the serving path uses.
type Table struct {
	width time.Duration
	loc   *time.Location
	cells map[cellKey]*accumulator

	// held out of every statistic while set, see Without
	excluded *storage.PositionRecord
}

// NewTable creates an empty Table with the given bucket width and time zone.
func NewTable(width time.Duration, loc *time.Location) *Table {
	if loc == nil {
		loc = time.UTC
	}
	return &Table{width: width, loc: loc, cells: make(map[cellKey]*accumulator)}
}

func (t *Table) keys(r storage.PositionRecord) []cellKey {
	bucket, wd, _, _ := Bucket(r.ScheduledTime, t.width, t.loc)
	return []cellKey{
		{r.RouteID, r.Direction, r.StopID, wd, bucket},
		{r.RouteID, r.Direction, "", wd, bucket},
		{"", "", "", wd, bucket},
	}
}

// Add aggregates r into its stop, route and global cells.
func (t *Table) Add(r storage.PositionRecord) {
	d := r.DelayMinutes()
	for _, k := range t.keys(r) {
		acc, ok := t.cells[k]
		if !ok {
			acc = &accumulator{}
			t.cells[k] = acc
		}
		acc.add(d)
	}
}

// CellStats implements History for stop-, route- and global-level cells.
func (t *Table) CellStats(_ context.Context, c storage.Cell) (storage.Stats, error) {
	w := int(t.width / time.Minute)
	if w <= 0 {
		return storage.Stats{}, fmt.Errorf("invalid bucket width %s", t.width)
	}
	k := cellKey{c.RouteID, c.Direction, c.StopID, c.Weekday, c.FromMinute / w}
	if c.RouteID == "" {
		k.direction, k.stop = "", ""
	}
	acc, ok := t.cells[k]
	if !ok {
		return storage.Stats{}, nil
	}
	a := *acc
	if t.excluded != nil {
		for _, ek := range t.keys(*t.excluded) {
			if ek == k {
				a.remove(t.excluded.DelayMinutes())
				break
			}
		}
	}
	return a.stats(), nil
}

// Without runs fn with r left out of every statistic. r must have been added.
func (t *Table) Without(r storage.PositionRecord, fn func() error) error {
	t.excluded = &r
	defer func() { t.excluded = nil }()
	return fn()
}

// Dataset is a chronological train/validation split of labelled samples.
type Dataset struct {
	Train      []Sample
	Validation []Sample
}

// BuildDataset orders records by timestamp, holds out the newest
// validationFrac of them, and derives every sample's features from the
// training portion only. A training sample's own delay is left out of its
// features. Stop-level cells below opts.MinHistory fall back to route and
// global statistics exactly as at serving time.
func BuildDataset(records []storage.PositionRecord, opts Options, validationFrac float64) (Dataset, error) {
	sorted := make([]storage.PositionRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	split := len(sorted) - int(float64(len(sorted))*validationFrac)
	if split < 0 {
		split = 0
	}

	opts.CacheSize = 0
	table := NewTable(widthOrDefault(opts.BucketWidth), opts.Location)
	for _, r := range sorted[:split] {
		table.Add(r)
	}
	ex := NewExtractor(table, opts, nil)

	ctx := context.Background()
	var ds Dataset
	for i, r := range sorted {
		var v Vector
		derive := func() error {
			var err error
			v, err = ex.DeriveWithFallback(ctx, r.RouteID, r.Direction, r.StopID, r.ScheduledTime)
			return err
		}
		var err error
		if i < split {
			err = table.Without(r, derive)
		} else {
			err = derive()
		}
		if err != nil {
			return Dataset{}, err
		}
		s := Sample{Vector: v, Label: r.DelayMinutes(), Timestamp: r.Timestamp}
		if i < split {
			ds.Train = append(ds.Train, s)
		} else {
			ds.Validation = append(ds.Validation, s)
		}
	}
	return ds, nil
}

func widthOrDefault(w time.Duration) time.Duration {
	if w <= 0 {
		return 15 * time.Minute
	}
	return w
}
