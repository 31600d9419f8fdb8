package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PositionRecord is one observed arrival of a bus at a stop.
type PositionRecord struct {
	RouteID       string
	Direction     string
	StopID        string
	ScheduledTime time.Time
	ObservedTime  time.Time
	Timestamp     time.Time // when the observation was recorded
}

// DelayMinutes returns observed minus scheduled arrival in minutes; negative means early.
func (r PositionRecord) DelayMinutes() float64 {
	return r.ObservedTime.Sub(r.ScheduledTime).Minutes()
}

// Cell selects a slice of history. Empty RouteID, Direction or StopID match
// anything. Minutes are local minutes since midnight, [FromMinute, ToMinute).
type Cell struct {
	RouteID    string
	Direction  string
	StopID     string
	Weekday    time.Weekday
	FromMinute int
	ToMinute   int
}

// Stats summarizes the delays in a Cell.
type Stats struct {
	Count    int
	Mean     float64 // minutes
	Variance float64 // minutes squared, population variance
}

// LocalMinute returns minutes since local midnight and the weekday of t in loc.
func LocalMinute(t time.Time, loc *time.Location) (int, time.Weekday) {
	lt := t.In(loc)
	return lt.Hour()*60 + lt.Minute(), lt.Weekday()
}

// InsertRecords appends records to the log. Records already present for the
// same route, direction, stop and scheduled time are skipped.
func (db *DB) InsertRecords(ctx context.Context, records []PositionRecord) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO position_records
			(route_id, direction, stop_id, scheduled_time, observed_time, recorded_at,
			 delay_min, local_minute, local_weekday)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range records {
		minute, weekday := LocalMinute(r.ScheduledTime, db.loc)
		ts := r.Timestamp
		if ts.IsZero() {
			ts = r.ObservedTime
		}
		res, err := stmt.ExecContext(ctx,
			r.RouteID, r.Direction, r.StopID,
			r.ScheduledTime.Unix(), r.ObservedTime.Unix(), ts.Unix(),
			r.DelayMinutes(), minute, int(weekday),
		)
		if err != nil {
			return 0, fmt.Errorf("insert record: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// CellStats returns count, mean and variance of delays in the cell.
func (db *DB) CellStats(ctx context.Context, c Cell) (Stats, error) {
	where := []string{"local_weekday = ?", "local_minute >= ?", "local_minute < ?"}
	args := []any{int(c.Weekday), c.FromMinute, c.ToMinute}
	if c.RouteID != "" {
		where = append(where, "route_id = ?")
		args = append(args, c.RouteID)
	}
	if c.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, c.Direction)
	}
	if c.StopID != "" {
		where = append(where, "stop_id = ?")
		args = append(args, c.StopID)
	}

	var s Stats
	var meanSq float64
	err := db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(AVG(delay_min), 0), COALESCE(AVG(delay_min * delay_min), 0)
		FROM position_records
		WHERE %s`, strings.Join(where, " AND ")),
		args...,
	).Scan(&s.Count, &s.Mean, &meanSq)
	if err != nil {
		return Stats{}, fmt.Errorf("cell stats query: %w", err)
	}
	s.Variance = meanSq - s.Mean*s.Mean
	if s.Variance < 0 {
		s.Variance = 0
	}
	return s, nil
}

// RecordsBetween returns records observed in [start, end), oldest first.
func (db *DB) RecordsBetween(ctx context.Context, start, end time.Time) ([]PositionRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT route_id, direction, stop_id, scheduled_time, observed_time, recorded_at
		FROM position_records
		WHERE recorded_at >= ? AND recorded_at < ?
		ORDER BY recorded_at, id`,
		start.Unix(), end.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("records query: %w", err)
	}
	defer rows.Close()

	var records []PositionRecord
	for rows.Next() {
		var r PositionRecord
		var sched, obs, rec int64
		if err := rows.Scan(&r.RouteID, &r.Direction, &r.StopID, &sched, &obs, &rec); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.ScheduledTime = time.Unix(sched, 0).UTC()
		r.ObservedTime = time.Unix(obs, 0).UTC()
		r.Timestamp = time.Unix(rec, 0).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// LatestRecordTime returns the newest recorded_at in the log, or the zero
// time when the log is empty.
func (db *DB) LatestRecordTime(ctx context.Context) (time.Time, error) {
	var latest sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(recorded_at) FROM position_records`).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("latest record query: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return time.Unix(latest.Int64, 0).UTC(), nil
}

// RecordCount returns the total number of stored records.
func (db *DB) RecordCount(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM position_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
