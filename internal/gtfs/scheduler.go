package gtfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"busdelay/internal/storage"
)

// DailyCheck is the cron expression of the catalog update check, 3 AM agency time.
const DailyCheck = "0 3 * * *"

// Scheduler keeps the reference catalog in step with the published feed.
type Scheduler struct {
	downloader *Downloader
	importer   *Importer
	db         *storage.DB
	loc        *time.Location
	logger     *slog.Logger
	cron       *cron.Cron

	mu            sync.Mutex
	lastCheckDate string // YYYY-MM-DD of last check, prevents multiple checks per day
}

// NewScheduler creates a Scheduler. Days are counted in loc.
func NewScheduler(downloader *Downloader, db *storage.DB, loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		downloader: downloader,
		importer:   NewImporter(db, logger),
		db:         db,
		loc:        loc,
		logger:     logger,
	}
}

// EnsureData downloads and imports the catalog if the database has none.
// Called on startup.
func (s *Scheduler) EnsureData(ctx context.Context) error {
	if s.db.HasCatalog(ctx) {
		s.logger.Info("GTFS catalog already present")
		return nil
	}
	s.logger.Info("no GTFS catalog found, performing initial import")
	return s.Update(ctx)
}

// CheckAndUpdate checks if the feed has been updated and imports it if so.
// Only checks once per calendar day.
func (s *Scheduler) CheckAndUpdate(ctx context.Context) error {
	s.mu.Lock()
	today := time.Now().In(s.loc).Format("2006-01-02")
	if s.lastCheckDate == today {
		s.mu.Unlock()
		return nil
	}
	s.lastCheckDate = today
	s.mu.Unlock()

	lastModified, _ := s.db.GetMetadata(ctx, "last_modified")
	etag, _ := s.db.GetMetadata(ctx, "etag")

	result, err := s.downloader.Check(ctx, lastModified, etag)
	if err != nil {
		return err
	}
	if !result.NeedsUpdate {
		return nil
	}
	return s.Update(ctx)
}

// Start schedules the daily check. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithLocation(s.loc))
	_, err := s.cron.AddFunc(DailyCheck, func() {
		if err := s.CheckAndUpdate(ctx); err != nil {
			s.logger.Error("background GTFS update failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("add GTFS check: %w", err)
	}
	s.cron.Start()
	s.logger.Info("GTFS background scheduler started", "schedule", DailyCheck, "tz", s.loc.String())
	return nil
}

// Stop halts the daily check and waits for a running import.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("GTFS background scheduler stopped")
}

// Update performs a full download-parse-import cycle.
func (s *Scheduler) Update(ctx context.Context) error {
	dl, err := s.downloader.Download(ctx)
	if err != nil {
		return err
	}
	defer os.Remove(dl.Path)
	return s.ImportFile(ctx, dl.Path, dl.LastModified, dl.ETag)
}

// ImportFile parses and imports a GTFS zip already on disk.
func (s *Scheduler) ImportFile(ctx context.Context, path, lastModified, etag string) error {
	feed, err := ParseZip(path, s.logger)
	if err != nil {
		return err
	}
	feed.LastModified = lastModified
	feed.ETag = etag
	for _, a := range feed.Agencies {
		if a.AgencyTimezone != "" && a.AgencyTimezone != s.loc.String() {
			s.logger.Warn("agency time zone differs from configured time zone",
				"agency", a.AgencyID, "agency_tz", a.AgencyTimezone, "configured_tz", s.loc.String())
		}
	}
	return s.importer.Import(ctx, feed, path)
}
