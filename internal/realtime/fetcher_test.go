package realtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"busdelay/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var feedTime = time.Date(2024, 3, 4, 13, 30, 0, 0, time.UTC)

func stopUpdate(stopID string, arrival time.Time, delaySecs int32) *gtfs.TripUpdate_StopTimeUpdate {
	return &gtfs.TripUpdate_StopTimeUpdate{
		StopId: proto.String(stopID),
		Arrival: &gtfs.TripUpdate_StopTimeEvent{
			Time:  proto.Int64(arrival.Unix()),
			Delay: proto.Int32(delaySecs),
		},
	}
}

func testFeed() *gtfs.FeedMessage {
	return &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(uint64(feedTime.Unix())),
		},
		Entity: []*gtfs.FeedEntity{
			{
				Id: proto.String("1"),
				TripUpdate: &gtfs.TripUpdate{
					Trip: &gtfs.TripDescriptor{
						TripId:      proto.String("T1"),
						RouteId:     proto.String("B41"),
						DirectionId: proto.Uint32(1),
					},
					StopTimeUpdate: []*gtfs.TripUpdate_StopTimeUpdate{
						stopUpdate("308956", feedTime.Add(-2*time.Minute), 360),
						// still ahead of the bus
						stopUpdate("303241", feedTime.Add(5*time.Minute), 360),
						{
							StopId:  proto.String("303242"),
							Arrival: &gtfs.TripUpdate_StopTimeEvent{Time: proto.Int64(feedTime.Add(-time.Minute).Unix())},
						},
						{
							StopId:               proto.String("303243"),
							ScheduleRelationship: gtfs.TripUpdate_StopTimeUpdate_SKIPPED.Enum(),
							Arrival: &gtfs.TripUpdate_StopTimeEvent{
								Time:  proto.Int64(feedTime.Add(-time.Minute).Unix()),
								Delay: proto.Int32(0),
							},
						},
					},
				},
			},
			{
				Id: proto.String("2"),
				TripUpdate: &gtfs.TripUpdate{
					Trip: &gtfs.TripDescriptor{TripId: proto.String("T2"), RouteId: proto.String("B63")},
					StopTimeUpdate: []*gtfs.TripUpdate_StopTimeUpdate{
						stopUpdate("500000", feedTime.Add(-10*time.Minute), -60),
					},
				},
			},
			{
				Id: proto.String("3"),
				TripUpdate: &gtfs.TripUpdate{
					Trip: &gtfs.TripDescriptor{
						TripId:               proto.String("T3"),
						RouteId:              proto.String("B63"),
						ScheduleRelationship: gtfs.TripDescriptor_CANCELED.Enum(),
					},
					StopTimeUpdate: []*gtfs.TripUpdate_StopTimeUpdate{
						stopUpdate("500001", feedTime.Add(-10*time.Minute), 0),
					},
				},
			},
			{
				Id:      proto.String("4"),
				Vehicle: &gtfs.VehiclePosition{},
			},
		},
	}
}

func TestRecords(t *testing.T) {
	recs := Records(testFeed())
	require.Len(t, recs, 2)

	b41 := recs[0]
	assert.Equal(t, "B41", b41.RouteID)
	assert.Equal(t, "1", b41.Direction)
	assert.Equal(t, "308956", b41.StopID)
	assert.InDelta(t, 6, b41.DelayMinutes(), 1e-9)
	assert.True(t, b41.ScheduledTime.Equal(feedTime.Add(-8*time.Minute)))
	assert.True(t, b41.Timestamp.Equal(feedTime))

	b63 := recs[1]
	assert.Equal(t, "B63", b63.RouteID)
	assert.Equal(t, "0", b63.Direction)
	assert.InDelta(t, -1, b63.DelayMinutes(), 1e-9)
}

func TestRecords_NoTimestamp(t *testing.T) {
	feed := testFeed()
	feed.Header.Timestamp = nil
	assert.Empty(t, Records(feed))
}

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "busdelay.db"), time.UTC, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPoll(t *testing.T) {
	body, err := proto.Marshal(testFeed())
	require.NoError(t, err)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.Write(body)
	}))
	defer srv.Close()

	db := openDB(t)
	f := NewFetcher(srv.URL, time.Minute, db, quietLogger())
	f.RetryInitial = time.Millisecond

	ctx := context.Background()
	n, err := f.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(2), calls.Load())

	// the same observations again are not new
	n, err = f.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	count, err := db.RecordCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPoll_PermanentFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, time.Minute, openDB(t), quietLogger())
	f.RetryInitial = time.Millisecond
	_, err := f.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPoll_BadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0xff, 0xff, 0xff})
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, time.Minute, openDB(t), quietLogger())
	_, err := f.Poll(context.Background())
	assert.Error(t, err)
}
