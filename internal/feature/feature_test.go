package feature

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busdelay/internal/storage"
)

// monday0815 is Monday 2024-03-04 08:15 UTC.
var monday0815 = time.Date(2024, 3, 4, 8, 15, 0, 0, time.UTC)

func rec(route, dir, stop string, sched time.Time, delay float64) storage.PositionRecord {
	obs := sched.Add(time.Duration(delay * float64(time.Minute)))
	return storage.PositionRecord{RouteID: route, Direction: dir, StopID: stop, ScheduledTime: sched, ObservedTime: obs, Timestamp: obs}
}

// b41History returns n records at stop 308956 alternating 5.2 and 7.2 minutes
// late (mean 6.2) in the Monday 08:15 bucket.
func b41History(n int) []storage.PositionRecord {
	var out []storage.PositionRecord
	for i := 0; i < n; i++ {
		d := 5.2
		if i%2 == 1 {
			d = 7.2
		}
		sched := monday0815.AddDate(0, 0, -7*(i/10)).Add(time.Duration(i%10) * time.Minute)
		out = append(out, rec("B41", "N", "308956", sched, d))
	}
	return out
}

func tableOf(records []storage.PositionRecord) *Table {
	t := NewTable(15*time.Minute, time.UTC)
	for _, r := range records {
		t.Add(r)
	}
	return t
}

func TestBucket(t *testing.T) {
	tests := []struct {
		name       string
		at         time.Time
		width      time.Duration
		wantBucket int
		wantWD     time.Weekday
		wantFrom   int
		wantTo     int
	}{
		{"monday 08:15", monday0815, 15 * time.Minute, 33, time.Monday, 495, 510},
		{"monday 08:29", monday0815.Add(14 * time.Minute), 15 * time.Minute, 33, time.Monday, 495, 510},
		{"monday 08:30", monday0815.Add(15 * time.Minute), 15 * time.Minute, 34, time.Monday, 510, 525},
		{"midnight", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), 15 * time.Minute, 0, time.Tuesday, 0, 15},
		{"hour buckets", monday0815, time.Hour, 8, time.Monday, 480, 540},
		{"uneven last bucket", time.Date(2024, 3, 4, 23, 59, 0, 0, time.UTC), 7 * time.Minute, 205, time.Monday, 1435, 1440},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, wd, from, to := Bucket(tt.at, tt.width, time.UTC)
			assert.Equal(t, tt.wantBucket, b)
			assert.Equal(t, tt.wantWD, wd)
			assert.Equal(t, tt.wantFrom, from)
			assert.Equal(t, tt.wantTo, to)
		})
	}
}

func TestBucket_UsesLocation(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 12:15 UTC is 08:15 EDT on a summer Monday
	at := time.Date(2024, 7, 1, 12, 15, 0, 0, time.UTC)
	b, wd, _, _ := Bucket(at, 15*time.Minute, ny)
	assert.Equal(t, 33, b)
	assert.Equal(t, time.Monday, wd)
}

func TestDerive_SufficientHistory(t *testing.T) {
	ex := NewExtractor(tableOf(b41History(50)), Options{MinHistory: 10}, nil)

	v, err := ex.Derive(context.Background(), "B41", "N", "308956", monday0815)
	require.NoError(t, err)
	assert.Equal(t, LevelStop, v.Level)
	assert.Equal(t, 50, v.SampleCount)
	assert.InDelta(t, 6.2, v.MeanDelay, 1e-9)
	assert.InDelta(t, 1.0, v.Variance, 1e-9)
	assert.Equal(t, 33, v.TimeBucket)
	assert.Equal(t, time.Monday, v.Weekday)
}

func TestDerive_InsufficientHistory(t *testing.T) {
	ex := NewExtractor(tableOf(b41History(2)), Options{MinHistory: 10}, nil)

	v, err := ex.Derive(context.Background(), "B41", "N", "308956", monday0815)
	assert.ErrorIs(t, err, ErrInsufficientHistory)
	assert.Equal(t, 2, v.SampleCount)
}

func TestDeriveWithFallback(t *testing.T) {
	records := b41History(2)
	// twelve records at other B41 stops in the same bucket, 3 minutes late
	for i := 0; i < 12; i++ {
		records = append(records, rec("B41", "N", "400001", monday0815.Add(time.Duration(i)*time.Minute), 3))
	}
	// plenty of records on another route for the global level
	for i := 0; i < 20; i++ {
		records = append(records, rec("B63", "S", "500000", monday0815.Add(time.Duration(i%15)*time.Minute).AddDate(0, 0, -7), 1))
	}
	ex := NewExtractor(tableOf(records), Options{MinHistory: 10}, nil)
	ctx := context.Background()

	t.Run("route level", func(t *testing.T) {
		v, err := ex.DeriveWithFallback(ctx, "B41", "N", "308956", monday0815)
		require.NoError(t, err)
		assert.Equal(t, LevelRoute, v.Level)
		assert.Equal(t, 14, v.SampleCount)
		assert.Equal(t, "308956", v.StopID)
	})

	t.Run("global level", func(t *testing.T) {
		v, err := ex.DeriveWithFallback(ctx, "B41", "S", "308956", monday0815)
		require.NoError(t, err)
		assert.Equal(t, LevelGlobal, v.Level)
		assert.Equal(t, 34, v.SampleCount)
	})

	t.Run("empty history gives zero global vector", func(t *testing.T) {
		v, err := ex.DeriveWithFallback(ctx, "B41", "N", "308956", monday0815.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, LevelGlobal, v.Level)
		assert.Zero(t, v.SampleCount)
		assert.Zero(t, v.MeanDelay)
	})
}

func TestDerive_Deterministic(t *testing.T) {
	ex := NewExtractor(tableOf(b41History(50)), Options{}, nil)
	ctx := context.Background()

	a, err := ex.DeriveWithFallback(ctx, "B41", "N", "308956", monday0815)
	require.NoError(t, err)
	b, err := ex.DeriveWithFallback(ctx, "B41", "N", "308956", monday0815.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

type countingHistory struct {
	calls int
	err   error
	stats storage.Stats
}

func (h *countingHistory) CellStats(context.Context, storage.Cell) (storage.Stats, error) {
	h.calls++
	return h.stats, h.err
}

func TestDeriveWithFallback_Cache(t *testing.T) {
	h := &countingHistory{stats: storage.Stats{Count: 20, Mean: 4}}
	ex := NewExtractor(h, Options{CacheSize: 10, CacheTTL: time.Minute}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := ex.DeriveWithFallback(ctx, "B41", "N", "308956", monday0815)
		require.NoError(t, err)
		assert.InDelta(t, 4.0, v.MeanDelay, 1e-9)
	}
	assert.Equal(t, 1, h.calls)
}

func TestDeriveWithFallback_StorageError(t *testing.T) {
	h := &countingHistory{err: errors.New("disk on fire")}
	ex := NewExtractor(h, Options{}, nil)

	_, err := ex.DeriveWithFallback(context.Background(), "B41", "N", "308956", monday0815)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInsufficientHistory)
}

func TestBuildDataset(t *testing.T) {
	records := b41History(50)
	ds, err := BuildDataset(records, Options{MinHistory: 10}, 0.2)
	require.NoError(t, err)

	assert.Len(t, ds.Train, 40)
	assert.Len(t, ds.Validation, 10)

	// validation samples are newer than every training sample
	lastTrain := ds.Train[len(ds.Train)-1].Timestamp
	for _, s := range ds.Validation {
		assert.False(t, s.Timestamp.Before(lastTrain))
	}
	// features come from the 40 training records only
	assert.Equal(t, 40, ds.Validation[0].Vector.SampleCount)
	assert.Equal(t, LevelStop, ds.Validation[0].Vector.Level)
}

func TestBuildDataset_LeavesOwnDelayOut(t *testing.T) {
	var records []storage.PositionRecord
	for i, d := range []float64{2, 4, 6, 8} {
		records = append(records, rec("B41", "N", "308956", monday0815.AddDate(0, 0, -7*(3-i)), d))
	}
	ds, err := BuildDataset(records, Options{MinHistory: 1}, 0.25)
	require.NoError(t, err)
	require.Len(t, ds.Train, 3)
	require.Len(t, ds.Validation, 1)

	wantMeans := []float64{5, 4, 3}
	for i, s := range ds.Train {
		assert.Equal(t, 2, s.Vector.SampleCount, "sample %d", i)
		assert.InDelta(t, wantMeans[i], s.Vector.MeanDelay, 1e-9, "sample %d", i)
		assert.Equal(t, LevelStop, s.Vector.Level)
	}
	assert.InDelta(t, 1.0, ds.Train[0].Vector.Variance, 1e-9)

	v := ds.Validation[0].Vector
	assert.Equal(t, 3, v.SampleCount)
	assert.InDelta(t, 4.0, v.MeanDelay, 1e-9)
}

func TestTable_Without(t *testing.T) {
	a := rec("B41", "N", "1", monday0815, 2)
	table := tableOf([]storage.PositionRecord{a, rec("B41", "N", "1", monday0815, 4)})
	ctx := context.Background()
	cell := storage.Cell{RouteID: "B41", Direction: "N", StopID: "1", Weekday: time.Monday, FromMinute: 495, ToMinute: 510}

	require.NoError(t, table.Without(a, func() error {
		s, err := table.CellStats(ctx, cell)
		require.NoError(t, err)
		assert.Equal(t, 1, s.Count)
		assert.InDelta(t, 4.0, s.Mean, 1e-9)
		return nil
	}))

	s, err := table.CellStats(ctx, cell)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Count)
}

func TestTable_CellStats(t *testing.T) {
	table := tableOf([]storage.PositionRecord{
		rec("B41", "N", "1", monday0815, 2),
		rec("B41", "N", "2", monday0815, 4),
	})
	ctx := context.Background()

	s, err := table.CellStats(ctx, storage.Cell{RouteID: "B41", Direction: "N", StopID: "1", Weekday: time.Monday, FromMinute: 495, ToMinute: 510})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Count)

	s, err = table.CellStats(ctx, storage.Cell{RouteID: "B41", Direction: "N", Weekday: time.Monday, FromMinute: 495, ToMinute: 510})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Count)
	assert.InDelta(t, 3.0, s.Mean, 1e-9)
	assert.InDelta(t, 1.0, s.Variance, 1e-9)
}
