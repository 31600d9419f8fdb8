// Package ingest bulk-loads historical bus position datasets in the NYC
// bus-time CSV layout into the position record log.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"busdelay/internal/csvrec"
	"busdelay/internal/metrics"
	"busdelay/internal/storage"
)

// Row is one line of an NYC bus-time dataset.
type Row struct {
	RecordedAtTime       string `csv:"RecordedAtTime"`
	DirectionRef         string `csv:"DirectionRef"`
	PublishedLineName    string `csv:"PublishedLineName"`
	NextStopPointRef     string `csv:"NextStopPointRef"`
	NextStopPointName    string `csv:"NextStopPointName"`
	ArrivalProximityText string `csv:"ArrivalProximityText"`
	ExpectedArrivalTime  string `csv:"ExpectedArrivalTime"`
	ScheduledArrivalTime string `csv:"ScheduledArrivalTime"`
}

// AtStop is the proximity text of a vehicle standing at its next stop.
const AtStop = "at stop"

// Skip reasons reported in Stats.
const (
	SkipNotAtStop    = "not_at_stop"
	SkipMissingField = "missing_field"
	SkipBadTime      = "bad_time"
	SkipUnknownRoute = "unknown_route"
	SkipUnknownStop  = "unknown_stop"
	SkipImplausible  = "implausible_delay"
)

// MaxAbsDelay bounds accepted delays; rows beyond it are schedule mismatches.
const MaxAbsDelay = 3 * time.Hour

var errSkip = errors.New("row skipped")

// skipError carries the reason a row was not turned into a record.
type skipError struct {
	reason string
	detail string
}

func (e *skipError) Error() string { return e.reason + ": " + e.detail }
func (e *skipError) Unwrap() error { return errSkip }

func skip(reason, format string, args ...any) error {
	return &skipError{reason: reason, detail: fmt.Sprintf(format, args...)}
}

// Store is what the importer writes to. *storage.DB implements it.
type Store interface {
	InsertRecords(ctx context.Context, records []storage.PositionRecord) (int, error)
	LookupRoute(ctx context.Context, key string) (string, error)
	LookupStop(ctx context.Context, key string) (string, error)
	UpsertRoute(ctx context.Context, r storage.RouteRow) error
	UpsertStop(ctx context.Context, s storage.StopRow) error
	AddRouteStop(ctx context.Context, routeID, direction, stopID string) error
}

// Options configures an Importer.
type Options struct {
	Location *time.Location // zone of the dataset's local timestamps
	// RegisterCatalog adds unknown routes and stops to the catalog instead of
	// skipping their rows. Used when no GTFS feed is available.
	RegisterCatalog bool
	// AllProximities keeps rows not at the stop, using ExpectedArrivalTime as
	// the observed arrival.
	AllProximities bool
	BatchSize      int
}

// Stats summarizes an import.
type Stats struct {
	Rows     int            `json:"rows"`
	Inserted int            `json:"inserted"`
	Skipped  map[string]int `json:"skipped"`
}

// Duplicates is the number of valid rows already present in the log.
func (s Stats) Duplicates() int {
	total := 0
	for _, n := range s.Skipped {
		total += n
	}
	return s.Rows - s.Inserted - total
}

// Importer loads CSV datasets.
type Importer struct {
	store  Store
	opts   Options
	logger *slog.Logger

	routes map[string]string
	stops  map[string]string
	seen   map[[3]string]bool
}

// NewImporter creates an Importer.
func NewImporter(store Store, opts Options, logger *slog.Logger) *Importer {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5000
	}
	return &Importer{
		store:  store,
		opts:   opts,
		logger: logger,
		routes: make(map[string]string),
		stops:  make(map[string]string),
		seen:   make(map[[3]string]bool),
	}
}

// ImportFile imports the CSV file at path.
func (im *Importer) ImportFile(ctx context.Context, path string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	im.logger.Info("importing position dataset", "path", path)
	return im.Import(ctx, f)
}

// Import reads rows from r and appends valid records in batches.
func (im *Importer) Import(ctx context.Context, r io.Reader) (Stats, error) {
	start := time.Now()
	stats := Stats{Skipped: make(map[string]int)}

	cr, err := csvrec.NewReader[Row](r)
	if err != nil {
		return stats, err
	}
	for _, col := range []string{"RecordedAtTime", "DirectionRef", "PublishedLineName", "ScheduledArrivalTime"} {
		if !cr.HasColumn(col) {
			return stats, fmt.Errorf("dataset has no %s column", col)
		}
	}
	if !cr.HasColumn("NextStopPointRef") && !cr.HasColumn("NextStopPointName") {
		return stats, fmt.Errorf("dataset has no NextStopPointRef or NextStopPointName column")
	}

	batch := make([]storage.PositionRecord, 0, im.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := im.store.InsertRecords(ctx, batch)
		if err != nil {
			return err
		}
		stats.Inserted += n
		metrics.RecordsIngested.WithLabelValues("csv").Add(float64(n))
		batch = batch[:0]
		return nil
	}

	for {
		row, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read line %d: %w", cr.Line(), err)
		}
		stats.Rows++

		rec, err := im.convert(ctx, row)
		var se *skipError
		switch {
		case errors.As(err, &se):
			stats.Skipped[se.reason]++
			if stats.Skipped[se.reason] <= 3 {
				im.logger.Debug("row skipped", "line", cr.Line(), "reason", se.reason, "detail", se.detail)
			}
			continue
		case err != nil:
			return stats, fmt.Errorf("line %d: %w", cr.Line(), err)
		}

		batch = append(batch, rec)
		if len(batch) >= im.opts.BatchSize {
			if err := flush(); err != nil {
				return stats, err
			}
			im.logger.Info("importing position records", "rows", stats.Rows, "inserted", stats.Inserted)
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}

	im.logger.Info("position dataset imported",
		"duration", time.Since(start).Round(time.Millisecond),
		"rows", stats.Rows,
		"inserted", stats.Inserted,
		"duplicates", stats.Duplicates(),
		"skipped", stats.Skipped,
	)
	return stats, nil
}

// convert resolves a row's identifiers against the catalog and builds its record.
func (im *Importer) convert(ctx context.Context, row Row) (storage.PositionRecord, error) {
	rec, err := ParseRow(row, im.opts.Location, im.opts.AllProximities)
	if err != nil {
		return rec, err
	}

	stopKey := strings.TrimSpace(row.NextStopPointRef)
	if stopKey == "" {
		stopKey = strings.TrimSpace(row.NextStopPointName)
	}

	routeID, err := im.resolve(ctx, im.routes, rec.RouteID, SkipUnknownRoute, im.store.LookupRoute, storage.ErrUnknownRoute, func() error {
		return im.store.UpsertRoute(ctx, storage.RouteRow{RouteID: rec.RouteID, RouteShort: rec.RouteID, RouteType: 3})
	})
	if err != nil {
		return rec, err
	}
	stopID, err := im.resolve(ctx, im.stops, stopKey, SkipUnknownStop, im.store.LookupStop, storage.ErrUnknownStop, func() error {
		return im.store.UpsertStop(ctx, storage.StopRow{StopID: stopKey, StopName: row.NextStopPointName})
	})
	if err != nil {
		return rec, err
	}
	rec.RouteID, rec.StopID = routeID, stopID

	if im.opts.RegisterCatalog {
		key := [3]string{routeID, rec.Direction, stopID}
		if !im.seen[key] {
			if err := im.store.AddRouteStop(ctx, routeID, rec.Direction, stopID); err != nil {
				return rec, err
			}
			im.seen[key] = true
		}
	}
	return rec, nil
}

func (im *Importer) resolve(
	ctx context.Context,
	cache map[string]string,
	key, reason string,
	lookup func(context.Context, string) (string, error),
	unknown error,
	register func() error,
) (string, error) {
	if id, ok := cache[key]; ok {
		if id == "" {
			return "", skip(reason, "%s", key)
		}
		return id, nil
	}
	id, err := lookup(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, unknown) && im.opts.RegisterCatalog:
		if err := register(); err != nil {
			return "", err
		}
		id = key
	case errors.Is(err, unknown):
		cache[key] = ""
		return "", skip(reason, "%s", key)
	default:
		return "", err
	}
	cache[key] = id
	return id, nil
}

// ParseRow converts a dataset row into a record without consulting the
// catalog. Route and stop ids are the raw published line and stop reference.
func ParseRow(row Row, loc *time.Location, allProximities bool) (storage.PositionRecord, error) {
	var rec storage.PositionRecord

	proximity := strings.ToLower(strings.TrimSpace(row.ArrivalProximityText))
	atStop := proximity == AtStop
	if !atStop && !allProximities {
		return rec, skip(SkipNotAtStop, "%q", row.ArrivalProximityText)
	}

	rec.RouteID = strings.TrimSpace(row.PublishedLineName)
	rec.Direction = strings.TrimSpace(row.DirectionRef)
	rec.StopID = strings.TrimSpace(row.NextStopPointRef)
	if rec.StopID == "" {
		rec.StopID = strings.TrimSpace(row.NextStopPointName)
	}
	if rec.RouteID == "" || rec.Direction == "" || rec.StopID == "" || row.RecordedAtTime == "" || row.ScheduledArrivalTime == "" {
		return rec, skip(SkipMissingField, "route %q direction %q stop %q", rec.RouteID, rec.Direction, rec.StopID)
	}

	recorded, err := parseTimestamp(row.RecordedAtTime, loc)
	if err != nil {
		return rec, skip(SkipBadTime, "RecordedAtTime %q", row.RecordedAtTime)
	}
	observed := recorded
	if !atStop {
		if row.ExpectedArrivalTime == "" {
			return rec, skip(SkipMissingField, "ExpectedArrivalTime")
		}
		if observed, err = parseTimestamp(row.ExpectedArrivalTime, loc); err != nil {
			return rec, skip(SkipBadTime, "ExpectedArrivalTime %q", row.ExpectedArrivalTime)
		}
	}
	scheduled, err := parseScheduled(row.ScheduledArrivalTime, observed, loc)
	if err != nil {
		return rec, skip(SkipBadTime, "ScheduledArrivalTime %q", row.ScheduledArrivalTime)
	}

	delay := observed.Sub(scheduled)
	if delay > MaxAbsDelay || delay < -MaxAbsDelay {
		return rec, skip(SkipImplausible, "%s", delay)
	}

	rec.ScheduledTime = scheduled
	rec.ObservedTime = observed
	rec.Timestamp = recorded
	return rec, nil
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006 15:04:05",
	"01/02/2006 03:04:05 PM",
}

// parseTimestamp accepts RFC 3339 or a zone-less local timestamp in loc.
func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// parseScheduled accepts a full timestamp or a GTFS-style HH:MM:SS time of
// day, which may exceed 24:00:00 for trips past midnight. A time of day is
// placed on the service day that puts it closest to the observed arrival.
func parseScheduled(s string, observed time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "-") || strings.Contains(s, "/") {
		return parseTimestamp(s, loc)
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("bad time of day %q", s)
	}
	var hms [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return time.Time{}, fmt.Errorf("bad time of day %q", s)
		}
		hms[i] = n
	}
	if hms[1] > 59 || hms[2] > 59 || hms[0] > 47 {
		return time.Time{}, fmt.Errorf("bad time of day %q", s)
	}

	local := observed.In(loc)
	best := time.Time{}
	for _, dayOffset := range []int{-1, 0, 1} {
		day := time.Date(local.Year(), local.Month(), local.Day()+dayOffset, 0, 0, 0, 0, loc)
		// offsets from service-day noon minus 12h, per GTFS, so DST days work
		noon := time.Date(day.Year(), day.Month(), day.Day(), 12, 0, 0, 0, loc)
		cand := noon.Add(-12*time.Hour + time.Duration(hms[0])*time.Hour + time.Duration(hms[1])*time.Minute + time.Duration(hms[2])*time.Second)
		if best.IsZero() || absDuration(cand.Sub(observed)) < absDuration(best.Sub(observed)) {
			best = cand
		}
	}
	return best, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
