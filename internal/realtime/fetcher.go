// Package realtime turns GTFS-Realtime TripUpdates into position records.
package realtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/cenkalti/backoff/v4"
	"google.golang.org/protobuf/proto"

	"busdelay/internal/metrics"
	"busdelay/internal/storage"
)

// Store receives observed arrivals. *storage.DB implements it.
type Store interface {
	InsertRecords(ctx context.Context, records []storage.PositionRecord) (int, error)
}

// Fetcher polls a TripUpdates feed and appends arrivals that have already
// happened to the history store.
type Fetcher struct {
	url      string
	interval time.Duration
	store    Store
	client   *http.Client
	logger   *slog.Logger

	// retry bounds for a single poll
	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration
}

// NewFetcher creates a TripUpdates fetcher polling every interval.
func NewFetcher(url string, interval time.Duration, store Store, logger *slog.Logger) *Fetcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Fetcher{
		url:             url,
		interval:        interval,
		store:           store,
		client:          &http.Client{Timeout: 15 * time.Second},
		logger:          logger,
		RetryInitial:    2 * time.Second,
		RetryMaxElapsed: interval / 2,
	}
}

// Start polls until ctx is cancelled.
func (f *Fetcher) Start(ctx context.Context) {
	f.pollAndLog(ctx)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.pollAndLog(ctx)
		case <-ctx.Done():
			f.logger.Info("GTFS-RT fetcher stopped")
			return
		}
	}
}

func (f *Fetcher) pollAndLog(ctx context.Context) {
	n, err := f.Poll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Warn("trip updates poll failed", "error", err)
		}
		return
	}
	f.logger.Debug("trip updates polled", "inserted", n)
}

// Poll fetches the feed once, retrying transient failures, and stores the
// observed arrivals. It returns the number of new records.
func (f *Fetcher) Poll(ctx context.Context) (int, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     f.RetryInitial,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         f.interval,
		MaxElapsedTime:      f.RetryMaxElapsed,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	feed, err := backoff.RetryNotifyWithData(
		func() (*gtfs.FeedMessage, error) { return f.fetch(ctx) },
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			f.logger.Warn("trip updates fetch failed, retrying", "error", err, "backoff", d)
		},
	)
	if err != nil {
		metrics.RealtimePolls.WithLabelValues("failed").Inc()
		return 0, err
	}

	records := Records(feed)
	n, err := f.store.InsertRecords(ctx, records)
	if err != nil {
		metrics.RealtimePolls.WithLabelValues("failed").Inc()
		return 0, fmt.Errorf("store trip updates: %w", err)
	}
	metrics.RealtimePolls.WithLabelValues("ok").Inc()
	metrics.RecordsIngested.WithLabelValues("gtfs-rt").Add(float64(n))
	return n, nil
}

func (f *Fetcher) fetch(ctx context.Context) (*gtfs.FeedMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch trip updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("trip updates feed returned %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read trip updates: %w", err)
	}

	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("parse trip updates protobuf: %w", err))
	}
	return feed, nil
}

// Records extracts arrivals that already happened by the feed timestamp.
// A stop time update needs both an absolute arrival time and a delay; the
// scheduled time is the arrival time minus the delay. Trips without a
// direction are put in direction "0", as the catalog import does.
func Records(feed *gtfs.FeedMessage) []storage.PositionRecord {
	headerTS := int64(feed.GetHeader().GetTimestamp())

	var records []storage.PositionRecord
	for _, entity := range feed.GetEntity() {
		tu := entity.GetTripUpdate()
		if tu == nil || entity.GetIsDeleted() {
			continue
		}
		trip := tu.GetTrip()
		routeID := trip.GetRouteId()
		if routeID == "" || trip.GetScheduleRelationship() == gtfs.TripDescriptor_CANCELED {
			continue
		}
		direction := "0"
		if trip.DirectionId != nil {
			direction = strconv.FormatUint(uint64(trip.GetDirectionId()), 10)
		}

		asOf := headerTS
		if ts := int64(tu.GetTimestamp()); ts > 0 {
			asOf = ts
		}

		for _, stu := range tu.GetStopTimeUpdate() {
			switch stu.GetScheduleRelationship() {
			case gtfs.TripUpdate_StopTimeUpdate_SKIPPED, gtfs.TripUpdate_StopTimeUpdate_NO_DATA:
				continue
			}
			arr := stu.GetArrival()
			if stu.GetStopId() == "" || arr == nil || arr.Time == nil || arr.Delay == nil {
				continue
			}
			observed := arr.GetTime()
			// predictions are not observations
			if asOf == 0 || observed > asOf {
				continue
			}
			records = append(records, storage.PositionRecord{
				RouteID:       routeID,
				Direction:     direction,
				StopID:        stu.GetStopId(),
				ScheduledTime: time.Unix(observed-int64(arr.GetDelay()), 0).UTC(),
				ObservedTime:  time.Unix(observed, 0).UTC(),
				Timestamp:     time.Unix(asOf, 0).UTC(),
			})
		}
	}
	return records
}
