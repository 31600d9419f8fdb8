package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busdelay/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "busdelay.db"), time.UTC, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedCatalog(t *testing.T, db *storage.DB) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.UpsertRoute(ctx, storage.RouteRow{RouteID: "MTA NYCT_B41", RouteShort: "B41", RouteType: 3}))
	require.NoError(t, db.UpsertStop(ctx, storage.StopRow{StopID: "308956", StopName: "FLATBUSH AV/AV H"}))
	require.NoError(t, db.UpsertStop(ctx, storage.StopRow{StopID: "303241", StopName: "FLATBUSH AV/CHURCH AV"}))
}

func skipReason(err error) string {
	var se *skipError
	if errors.As(err, &se) {
		return se.reason
	}
	return ""
}

func TestParseRow(t *testing.T) {
	base := Row{
		RecordedAtTime:       "2017-06-01 08:20:00",
		DirectionRef:         "0",
		PublishedLineName:    "B41",
		NextStopPointName:    "FLATBUSH AV/AV H",
		ArrivalProximityText: "at stop",
		ExpectedArrivalTime:  "2017-06-01 08:21:00",
		ScheduledArrivalTime: "08:15:00",
	}
	with := func(f func(*Row)) Row {
		r := base
		f(&r)
		return r
	}

	tests := []struct {
		name      string
		row       Row
		all       bool
		wantDelay float64
		wantSched time.Time
		wantSkip  string
	}{
		{
			name:      "at stop",
			row:       base,
			wantDelay: 5,
			wantSched: time.Date(2017, 6, 1, 8, 15, 0, 0, time.UTC),
		},
		{
			name:     "approaching is skipped",
			row:      with(func(r *Row) { r.ArrivalProximityText = "approaching" }),
			wantSkip: SkipNotAtStop,
		},
		{
			name:      "approaching uses expected arrival when kept",
			row:       with(func(r *Row) { r.ArrivalProximityText = "approaching" }),
			all:       true,
			wantDelay: 6,
			wantSched: time.Date(2017, 6, 1, 8, 15, 0, 0, time.UTC),
		},
		{
			name: "past midnight schedule",
			row: with(func(r *Row) {
				r.RecordedAtTime = "2017-06-02 00:08:00"
				r.ScheduledArrivalTime = "24:05:00"
			}),
			wantDelay: 3,
			wantSched: time.Date(2017, 6, 2, 0, 5, 0, 0, time.UTC),
		},
		{
			name: "late evening schedule observed after midnight",
			row: with(func(r *Row) {
				r.RecordedAtTime = "2017-06-02 00:02:00"
				r.ScheduledArrivalTime = "23:58:00"
			}),
			wantDelay: 4,
			wantSched: time.Date(2017, 6, 1, 23, 58, 0, 0, time.UTC),
		},
		{
			name:      "full scheduled timestamp",
			row:       with(func(r *Row) { r.ScheduledArrivalTime = "2017-06-01 08:22:00" }),
			wantDelay: -2,
			wantSched: time.Date(2017, 6, 1, 8, 22, 0, 0, time.UTC),
		},
		{
			name:      "stop reference preferred over name",
			row:       with(func(r *Row) { r.NextStopPointRef = "308956" }),
			wantDelay: 5,
			wantSched: time.Date(2017, 6, 1, 8, 15, 0, 0, time.UTC),
		},
		{
			name:     "bad recorded time",
			row:      with(func(r *Row) { r.RecordedAtTime = "yesterday" }),
			wantSkip: SkipBadTime,
		},
		{
			name:     "bad scheduled time",
			row:      with(func(r *Row) { r.ScheduledArrivalTime = "8:75:00" }),
			wantSkip: SkipBadTime,
		},
		{
			name:     "implausible delay",
			row:      with(func(r *Row) { r.ScheduledArrivalTime = "2017-05-31 08:15:00" }),
			wantSkip: SkipImplausible,
		},
		{
			name:     "missing route",
			row:      with(func(r *Row) { r.PublishedLineName = " " }),
			wantSkip: SkipMissingField,
		},
		{
			name:     "missing scheduled time",
			row:      with(func(r *Row) { r.ScheduledArrivalTime = "" }),
			wantSkip: SkipMissingField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := ParseRow(tt.row, time.UTC, tt.all)
			if tt.wantSkip != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, errSkip)
				assert.Equal(t, tt.wantSkip, skipReason(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "B41", rec.RouteID)
			assert.Equal(t, "0", rec.Direction)
			assert.True(t, tt.wantSched.Equal(rec.ScheduledTime), "scheduled %s", rec.ScheduledTime)
			assert.InDelta(t, tt.wantDelay, rec.DelayMinutes(), 1e-9)
		})
	}
}

const header = "RecordedAtTime,DirectionRef,PublishedLineName,OriginName,NextStopPointName,ArrivalProximityText,DistanceFromStop,ExpectedArrivalTime,ScheduledArrivalTime\n"

func TestImport(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	seedCatalog(t, db)

	data := header +
		"2017-06-01 08:20:00,0,B41,KINGS PLAZA,FLATBUSH AV/AV H,at stop,0,2017-06-01 08:20:00,08:15:00\n" +
		"2017-06-01 08:19:00,0,B41,KINGS PLAZA,FLATBUSH AV/AV H,approaching,120,2017-06-01 08:20:00,08:15:00\n" +
		"2017-06-01 08:20:00,0,Q99,JAMAICA,FLATBUSH AV/AV H,at stop,0,2017-06-01 08:20:00,08:15:00\n" +
		"2017-06-02 00:08:00,1,B41,DOWNTOWN,flatbush av/church av,at stop,0,,24:06:00\n" +
		"2017-06-01 08:20:00,0,B41,KINGS PLAZA,FLATBUSH AV/AV H,at stop,0,2017-06-01 08:20:00,08:15:00\n" +
		"not a time,0,B41,KINGS PLAZA,FLATBUSH AV/AV H,at stop,0,,08:15:00\n" +
		"2017-06-01 09:00:00,0,B41,KINGS PLAZA,NOWHERE ST,at stop,0,,08:55:00\n"

	im := NewImporter(db, Options{Location: time.UTC, BatchSize: 2}, quietLogger())
	stats, err := im.Import(ctx, strings.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, 7, stats.Rows)
	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, map[string]int{
		SkipNotAtStop:    1,
		SkipUnknownRoute: 1,
		SkipBadTime:      1,
		SkipUnknownStop:  1,
	}, stats.Skipped)
	assert.Equal(t, 1, stats.Duplicates())

	recs, err := db.RecordsBetween(ctx, time.Date(2017, 6, 1, 0, 0, 0, 0, time.UTC), time.Date(2017, 6, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	byStop := map[string]storage.PositionRecord{}
	for _, r := range recs {
		assert.Equal(t, "MTA NYCT_B41", r.RouteID)
		byStop[r.StopID] = r
	}
	assert.InDelta(t, 5, byStop["308956"].DelayMinutes(), 1e-9)
	assert.InDelta(t, 2, byStop["303241"].DelayMinutes(), 1e-9)
	assert.Equal(t, "1", byStop["303241"].Direction)
}

func TestImport_Reimport(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	seedCatalog(t, db)
	data := header + "2017-06-01 08:20:00,0,B41,KINGS PLAZA,FLATBUSH AV/AV H,at stop,0,,08:15:00\n"

	first, err := NewImporter(db, Options{}, quietLogger()).Import(ctx, strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Inserted)

	second, err := NewImporter(db, Options{}, quietLogger()).Import(ctx, strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 1, second.Duplicates())

	n, err := db.RecordCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestImport_RegisterCatalog(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	require.False(t, db.HasCatalog(ctx))

	data := header +
		"2017-06-01 08:20:00,0,B41,KINGS PLAZA,FLATBUSH AV/AV H,at stop,0,,08:15:00\n" +
		"2017-06-01 08:40:00,0,B41,KINGS PLAZA,FLATBUSH AV/AV J,at stop,0,,08:37:00\n"

	stats, err := NewImporter(db, Options{RegisterCatalog: true}, quietLogger()).Import(ctx, strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Inserted)
	assert.Empty(t, stats.Skipped)

	assert.True(t, db.HasCatalog(ctx))
	assert.NoError(t, db.ValidateStop(ctx, "B41", "0", "FLATBUSH AV/AV H"))
	assert.NoError(t, db.ValidateStop(ctx, "B41", "0", "FLATBUSH AV/AV J"))
	assert.ErrorIs(t, db.ValidateStop(ctx, "B41", "1", "FLATBUSH AV/AV H"), storage.ErrUnknownDirection)
}

func TestImport_MissingColumn(t *testing.T) {
	db := openDB(t)
	_, err := NewImporter(db, Options{}, quietLogger()).Import(context.Background(),
		strings.NewReader("RecordedAtTime,DirectionRef,PublishedLineName,NextStopPointName\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ScheduledArrivalTime")
}
