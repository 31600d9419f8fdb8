package gtfs

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"busdelay/internal/storage"
)

// Importer loads a parsed GTFS feed into the reference catalog.
type Importer struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewImporter creates an Importer.
func NewImporter(db *storage.DB, logger *slog.Logger) *Importer {
	return &Importer{db: db, logger: logger}
}

// Import replaces the catalog with feed and derives route/direction/stop
// membership by streaming stop_times.txt from the zip. The entire operation
// runs in a single transaction, so estimates keep validating against the old
// catalog until it commits. Position records are never touched.
func (imp *Importer) Import(ctx context.Context, feed *Feed, zipPath string) error {
	start := time.Now()

	tx, err := imp.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, t := range []string{"route_stops", "stops", "routes"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", t)); err != nil {
			return fmt.Errorf("clear %s: %w", t, err)
		}
	}

	if err := imp.importRoutes(ctx, tx, feed.Routes); err != nil {
		return err
	}
	if err := imp.importStops(ctx, tx, feed.Stops); err != nil {
		return err
	}
	memberships, err := imp.streamRouteStops(ctx, tx, feed.Trips, zipPath)
	if err != nil {
		return err
	}

	meta := map[string]string{"imported_at": time.Now().UTC().Format(time.RFC3339)}
	if feed.LastModified != "" {
		meta["last_modified"] = feed.LastModified
	}
	if feed.ETag != "" {
		meta["etag"] = feed.ETag
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO feed_metadata (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	imp.logger.Info("GTFS import complete",
		"duration", time.Since(start).Round(time.Millisecond),
		"routes", len(feed.Routes),
		"stops", len(feed.Stops),
		"route_stops", memberships,
	)
	return nil
}

func (imp *Importer) importRoutes(ctx context.Context, tx *sql.Tx, routes []Route) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO routes (route_id, route_short_name, route_long_name, route_type)
		 VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare routes: %w", err)
	}
	defer stmt.Close()

	for _, r := range routes {
		routeType, err := strconv.Atoi(r.RouteType)
		if err != nil {
			routeType = 3
		}
		if _, err := stmt.ExecContext(ctx, r.RouteID, r.RouteShortName, r.RouteLongName, routeType); err != nil {
			return fmt.Errorf("insert route %s: %w", r.RouteID, err)
		}
	}
	imp.logger.Info("imported routes", "count", len(routes))
	return nil
}

func (imp *Importer) importStops(ctx context.Context, tx *sql.Tx, stops []Stop) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO stops (stop_id, stop_name, stop_lat, stop_lon) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare stops: %w", err)
	}
	defer stmt.Close()

	count := 0
	for _, s := range stops {
		// stations and entrances are not boarding points
		if s.LocationType != "" && s.LocationType != "0" {
			continue
		}
		lat, _ := strconv.ParseFloat(s.StopLat, 64)
		lon, _ := strconv.ParseFloat(s.StopLon, 64)
		if _, err := stmt.ExecContext(ctx, s.StopID, s.StopName, lat, lon); err != nil {
			return fmt.Errorf("insert stop %s: %w", s.StopID, err)
		}
		count++
	}
	imp.logger.Info("imported stops", "count", count)
	return nil
}

// streamRouteStops reads stop_times.txt row by row and records which stops
// each route serves in each direction.
func (imp *Importer) streamRouteStops(ctx context.Context, tx *sql.Tx, trips []Trip, zipPath string) (int, error) {
	type routeDir struct{ route, direction string }
	byTrip := make(map[string]routeDir, len(trips))
	for _, t := range trips {
		dir := t.DirectionID
		if dir == "" {
			dir = "0"
		}
		byTrip[t.TripID] = routeDir{t.RouteID, dir}
	}

	stream, ok, err := openZipStream[StopTime](zipPath, "stop_times.txt")
	if err != nil {
		return 0, err
	}
	if !ok {
		// without stop_times every known stop is accepted for every route
		imp.logger.Warn("stop_times.txt not found in zip, route membership not checked")
		return 0, nil
	}
	defer stream.Close()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO route_stops (route_id, direction, stop_id) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare route_stops: %w", err)
	}
	defer stmt.Close()

	type membership struct{ route, direction, stop string }
	seen := make(map[membership]struct{})
	rows := 0
	for {
		st, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read stop_time row %d: %w", rows, err)
		}
		rows++
		if rows%500000 == 0 {
			imp.logger.Info("scanning stop_times", "rows", rows)
		}

		rd, ok := byTrip[st.TripID]
		if !ok {
			continue
		}
		m := membership{rd.route, rd.direction, st.StopID}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		if _, err := stmt.ExecContext(ctx, m.route, m.direction, m.stop); err != nil {
			return 0, fmt.Errorf("insert route_stop %s/%s/%s: %w", m.route, m.direction, m.stop, err)
		}
	}

	imp.logger.Info("scanned stop_times", "rows", rows, "route_stops", len(seen))
	return len(seen), nil
}
