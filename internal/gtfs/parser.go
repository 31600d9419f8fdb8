package gtfs

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"

	"busdelay/internal/csvrec"
)

// ParseZip extracts and parses the catalog files from a GTFS zip archive.
// stop_times.txt is not loaded here; the importer streams it.
func ParseZip(path string, logger *slog.Logger) (*Feed, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	feed := &Feed{}
	for _, f := range r.File {
		switch f.Name {
		case "agency.txt":
			feed.Agencies, err = parseCSVFile[Agency](f)
		case "routes.txt":
			feed.Routes, err = parseCSVFile[Route](f)
		case "stops.txt":
			feed.Stops, err = parseCSVFile[Stop](f)
		case "trips.txt":
			feed.Trips, err = parseCSVFile[Trip](f)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", f.Name, err)
		}
	}
	if len(feed.Routes) == 0 || len(feed.Stops) == 0 {
		return nil, fmt.Errorf("feed has no routes or stops")
	}

	logger.Info("GTFS feed parsed",
		"agencies", len(feed.Agencies),
		"routes", len(feed.Routes),
		"stops", len(feed.Stops),
		"trips", len(feed.Trips),
	)
	return feed, nil
}

// parseCSVFile reads a single CSV file from the zip and decodes it into a slice of T.
func parseCSVFile[T any](f *zip.File) ([]T, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer rc.Close()
	return csvrec.ReadAll[T](rc)
}

// zipStream is a CSV file inside an open zip, decoded row by row.
type zipStream[T any] struct {
	*csvrec.Reader[T]
	closers []io.Closer
}

// openZipStream opens name inside the zip at path for streaming. The bool is
// false when the archive has no such file.
func openZipStream[T any](path, name string) (*zipStream[T], bool, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, false, fmt.Errorf("open zip for %s: %w", name, err)
	}
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			zr.Close()
			return nil, false, fmt.Errorf("open %s: %w", name, err)
		}
		reader, err := csvrec.NewReader[T](rc)
		if err != nil {
			rc.Close()
			zr.Close()
			return nil, false, fmt.Errorf("open %s stream: %w", name, err)
		}
		return &zipStream[T]{Reader: reader, closers: []io.Closer{rc, zr}}, true, nil
	}
	zr.Close()
	return nil, false, nil
}

// Close releases the file and the archive.
func (s *zipStream[T]) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
