package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrUnknownRoute     = errors.New("unknown route")
	ErrUnknownStop      = errors.New("unknown stop")
	ErrUnknownDirection = errors.New("unknown direction")
	ErrStopNotOnRoute   = errors.New("stop not served by route")
)

// GetMetadata retrieves a value from the feed_metadata table.
func (db *DB) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM feed_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetMetadata stores a key-value pair in the feed_metadata table.
func (db *DB) SetMetadata(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO feed_metadata (key, value) VALUES (?, ?)`,
		key, value)
	return err
}

// RouteRow represents a transit route in the reference catalog.
type RouteRow struct {
	RouteID    string
	RouteShort string
	RouteLong  string
	RouteType  int
}

// StopRow represents a stop in the reference catalog.
type StopRow struct {
	StopID   string
	StopName string
	StopLat  float64
	StopLon  float64
}

// UpsertRoute inserts or replaces a catalog route.
func (db *DB) UpsertRoute(ctx context.Context, r RouteRow) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO routes (route_id, route_short_name, route_long_name, route_type)
		 VALUES (?, ?, ?, ?)`,
		r.RouteID, r.RouteShort, r.RouteLong, r.RouteType)
	if err != nil {
		return fmt.Errorf("upsert route %s: %w", r.RouteID, err)
	}
	return nil
}

// UpsertStop inserts or replaces a catalog stop.
func (db *DB) UpsertStop(ctx context.Context, s StopRow) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO stops (stop_id, stop_name, stop_lat, stop_lon) VALUES (?, ?, ?, ?)`,
		s.StopID, s.StopName, s.StopLat, s.StopLon)
	if err != nil {
		return fmt.Errorf("upsert stop %s: %w", s.StopID, err)
	}
	return nil
}

// AddRouteStop records that a route serves a stop in a direction.
func (db *DB) AddRouteStop(ctx context.Context, routeID, direction, stopID string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO route_stops (route_id, direction, stop_id) VALUES (?, ?, ?)`,
		routeID, direction, stopID)
	if err != nil {
		return fmt.Errorf("add route stop: %w", err)
	}
	return nil
}

// ValidateStop checks a route/direction/stop triple against the catalog. The
// direction and stop must match the route's membership rows only when the
// catalog has any for that route.
func (db *DB) ValidateStop(ctx context.Context, routeID, direction, stopID string) error {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM routes WHERE route_id = ?`, routeID).Scan(&n); err != nil {
		return fmt.Errorf("lookup route: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRoute, routeID)
	}

	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stops WHERE stop_id = ?`, stopID).Scan(&n); err != nil {
		return fmt.Errorf("lookup stop: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownStop, stopID)
	}

	var members, inDirection, served int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN direction = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN direction = ? AND stop_id = ? THEN 1 ELSE 0 END), 0)
		FROM route_stops WHERE route_id = ?`, direction, direction, stopID, routeID).Scan(&members, &inDirection, &served)
	if err != nil {
		return fmt.Errorf("lookup route stops: %w", err)
	}
	switch {
	case members == 0:
		return nil
	case inDirection == 0:
		return fmt.Errorf("%w: route %s direction %s", ErrUnknownDirection, routeID, direction)
	case served == 0:
		return fmt.Errorf("%w: route %s stop %s", ErrStopNotOnRoute, routeID, stopID)
	}
	return nil
}

// AllRoutes returns all routes ordered by route short name.
func (db *DB) AllRoutes(ctx context.Context) ([]RouteRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT route_id, COALESCE(route_short_name, ''), COALESCE(route_long_name, ''), route_type
		FROM routes
		ORDER BY route_short_name, route_id`)
	if err != nil {
		return nil, fmt.Errorf("all routes query: %w", err)
	}
	defer rows.Close()

	var routes []RouteRow
	for rows.Next() {
		var r RouteRow
		if err := rows.Scan(&r.RouteID, &r.RouteShort, &r.RouteLong, &r.RouteType); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// HasCatalog returns true if the reference catalog has routes.
func (db *DB) HasCatalog(ctx context.Context) bool {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM routes`).Scan(&count)
	return err == nil && count > 0
}

// LookupRoute resolves a route by id, falling back to its short name.
func (db *DB) LookupRoute(ctx context.Context, key string) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, `
		SELECT route_id FROM routes
		WHERE route_id = ? OR route_short_name = ?
		ORDER BY route_id = ? DESC, route_id
		LIMIT 1`, key, key, key).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrUnknownRoute, key)
	}
	if err != nil {
		return "", fmt.Errorf("lookup route %s: %w", key, err)
	}
	return id, nil
}

// LookupStop resolves a stop by id, falling back to a case-insensitive name
// match. Stop names are not unique; the lowest id wins.
func (db *DB) LookupStop(ctx context.Context, key string) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, `
		SELECT stop_id FROM stops
		WHERE stop_id = ? OR stop_name = ? COLLATE NOCASE
		ORDER BY stop_id = ? DESC, stop_id
		LIMIT 1`, key, key, key).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrUnknownStop, key)
	}
	if err != nil {
		return "", fmt.Errorf("lookup stop %s: %w", key, err)
	}
	return id, nil
}
