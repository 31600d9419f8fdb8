package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"busdelay/internal/config"
	"busdelay/internal/estimator"
	"busdelay/internal/feature"
	"busdelay/internal/gtfs"
	"busdelay/internal/modelstore"
	"busdelay/internal/objstore"
	"busdelay/internal/predict"
	"busdelay/internal/refresh"
	"busdelay/internal/storage"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	loc    *time.Location
	db     *storage.DB
	models *modelstore.Store
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openApp opens the database and the model store.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := newLogger(cfg)
	loc := cfg.Location()

	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := storage.Open(cfg.DBPath, loc, logger)
	if err != nil {
		return nil, err
	}

	bucket, err := openBucket(ctx, cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		loc:    loc,
		db:     db,
		models: modelstore.New(bucket, cfg.Store.Prefix, logger),
	}, nil
}

func openBucket(ctx context.Context, cfg *config.Config, db *storage.DB, logger *slog.Logger) (objstore.Bucket, error) {
	switch cfg.Store.Backend {
	case "s3":
		return objstore.NewS3Bucket(ctx, objstore.S3Config{
			Endpoint:  cfg.Store.Endpoint,
			AccessKey: cfg.Store.AccessKey,
			SecretKey: cfg.Store.SecretKey,
			UseSSL:    cfg.Store.UseSSL,
			Bucket:    cfg.Store.Bucket,
		}, logger)
	case "memory":
		logger.Warn("model store is in memory, models are lost on exit")
		return objstore.NewMemoryBucket(), nil
	default:
		return objstore.NewSQLiteBucket(db, cfg.Store.Bucket), nil
	}
}

func (a *app) Close() error { return a.db.Close() }

func (a *app) featureOptions() feature.Options {
	return feature.Options{
		BucketWidth: a.cfg.BucketWidth(),
		MinHistory:  a.cfg.Features.MinHistory,
		Location:    a.loc,
		CacheSize:   a.cfg.Features.CacheSize,
		CacheTTL:    time.Duration(a.cfg.Features.CacheTTLSecs) * time.Second,
	}
}

func (a *app) extractor() *feature.Extractor {
	return feature.NewExtractor(a.db, a.featureOptions(), a.logger)
}

func (a *app) predictService(ext *feature.Extractor) *predict.Service {
	return predict.NewService(a.db, ext, a.models, predict.Options{
		StoreTimeout: a.cfg.StoreTimeout(),
		ActiveTTL:    time.Duration(a.cfg.Serving.ActiveTTLSecs) * time.Second,
	}, a.logger.With("component", "predict"))
}

func (a *app) refreshController() (*refresh.Controller, error) {
	rc := a.cfg.Refresh
	return refresh.New(a.db, a.models, refresh.Options{
		Schedule:       rc.Schedule,
		Location:       a.loc,
		Estimators:     rc.Estimators,
		EstimatorOpts:  estimator.Options{MinHistory: a.cfg.Features.MinHistory},
		Features:       a.featureOptions(),
		Window:         time.Duration(rc.WindowDays) * 24 * time.Hour,
		ValidationFrac: rc.ValidationFrac,
		Tolerance:      rc.Tolerance,
		Retention:      rc.Retention,
		MinSamples:     rc.MinSamples,
	}, a.logger.With("component", "refresh"))
}

func (a *app) gtfsScheduler() *gtfs.Scheduler {
	downloader := gtfs.NewDownloader(a.cfg.GTFSURL, a.cfg.GTFSDir, a.logger)
	return gtfs.NewScheduler(downloader, a.db, a.loc, a.logger.With("component", "gtfs"))
}
