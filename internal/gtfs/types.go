package gtfs

// Feed holds the parts of a GTFS zip the reference catalog is built from.
// stop_times.txt is streamed during import and never held here.
type Feed struct {
	Agencies     []Agency
	Routes       []Route
	Stops        []Stop
	Trips        []Trip
	LastModified string // From HTTP response header
	ETag         string // From HTTP response header
}

type Agency struct {
	AgencyID       string `csv:"agency_id"`
	AgencyName     string `csv:"agency_name"`
	AgencyTimezone string `csv:"agency_timezone"`
}

type Route struct {
	RouteID        string `csv:"route_id"`
	RouteShortName string `csv:"route_short_name"`
	RouteLongName  string `csv:"route_long_name"`
	RouteType      string `csv:"route_type"`
}

type Stop struct {
	StopID       string `csv:"stop_id"`
	StopName     string `csv:"stop_name"`
	StopLat      string `csv:"stop_lat"`
	StopLon      string `csv:"stop_lon"`
	LocationType string `csv:"location_type"`
}

type Trip struct {
	TripID      string `csv:"trip_id"`
	RouteID     string `csv:"route_id"`
	DirectionID string `csv:"direction_id"`
}

type StopTime struct {
	TripID string `csv:"trip_id"`
	StopID string `csv:"stop_id"`
}
