package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"busdelay/internal/config"
	"busdelay/internal/handler"
	"busdelay/internal/ingest"
	"busdelay/internal/modelstore"
	"busdelay/internal/realtime"
	"busdelay/internal/refresh"
	"busdelay/internal/server"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

// globalFlags are shared by every subcommand and override the config file.
type globalFlags struct {
	configPath string
	logLevel   string
	dbPath     string
}

func main() {
	var gf globalFlags
	root := &cobra.Command{
		Use:           "busdelay",
		Short:         "Estimate bus arrival delays from historical position data",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&gf.configPath, "config", "", "YAML config file (default $BUSDELAY_CONFIG)")
	pf.StringVar(&gf.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&gf.dbPath, "db", "", "SQLite database path")

	root.AddCommand(
		serveCmd(&gf),
		importGTFSCmd(&gf),
		ingestCmd(&gf),
		refreshCmd(&gf),
		modelsCmd(&gf),
		promoteCmd(&gf),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// load reads configuration and applies flag overrides.
func load(gf *globalFlags, override func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(gf.configPath)
	if err != nil {
		return nil, err
	}
	if gf.logLevel != "" {
		cfg.LogLevel = gf.logLevel
	}
	if gf.dbPath != "" {
		cfg.DBPath = gf.dbPath
	}
	if override != nil {
		override(cfg)
	}
	return cfg, cfg.Validate()
}

func withApp(cmd *cobra.Command, gf *globalFlags, override func(*config.Config), fn func(context.Context, *app) error) error {
	cfg, err := load(gf, override)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd(gf *globalFlags) *cobra.Command {
	var port int
	var noRefresh bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the estimate API and run background refresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			override := func(c *config.Config) {
				if port > 0 {
					c.Port = port
				}
				if noRefresh {
					c.Refresh.Enabled = false
				}
			}
			return withApp(cmd, gf, override, runServe)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP server port")
	cmd.Flags().BoolVar(&noRefresh, "no-refresh", false, "Disable scheduled model refresh")
	return cmd
}

func runServe(ctx context.Context, a *app) error {
	logger := a.logger

	ext := a.extractor()
	svc := a.predictService(ext)

	var refresher handler.Refresher
	if a.cfg.Refresh.Enabled {
		ctrl, err := a.refreshController()
		if err != nil {
			return err
		}
		if err := ctrl.Start(ctx); err != nil {
			return err
		}
		defer ctrl.Stop()
		refresher = ctrl
	}

	srv := server.New(handler.New(svc, a.models, refresher, logger), server.Options{
		Port:           a.cfg.Port,
		AdminEndpoints: a.cfg.Serving.AdminEndpoints,
		CatalogReady:   a.db.HasCatalog,
	}, logger)

	scheduler := a.gtfsScheduler()
	if a.cfg.GTFSURL != "" {
		go func() {
			// the API answers 503 for estimates until the first import lands
			if err := scheduler.EnsureData(ctx); err != nil {
				logger.Error("failed to ensure GTFS catalog", "error", err)
				return
			}
			srv.SetReady()
			if err := scheduler.CheckAndUpdate(ctx); err != nil {
				logger.Error("daily GTFS check failed", "error", err)
			}
		}()
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	if a.cfg.TripUpdatesURL != "" {
		fetcher := realtime.NewFetcher(a.cfg.TripUpdatesURL,
			time.Duration(a.cfg.TripUpdatesPoll)*time.Second, a.db, logger.With("component", "realtime"))
		go fetcher.Start(ctx)
	}

	svc.Warm(ctx)
	return srv.ListenAndServe(ctx)
}

func importGTFSCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import-gtfs [zip-file]",
		Short: "Import the reference catalog from a GTFS zip, downloading it if no file is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, gf, nil, func(ctx context.Context, a *app) error {
				s := a.gtfsScheduler()
				if len(args) == 1 {
					return s.ImportFile(ctx, args[0], "", "")
				}
				return s.Update(ctx)
			})
		},
	}
}

func ingestCmd(gf *globalFlags) *cobra.Command {
	var opts ingest.Options
	cmd := &cobra.Command{
		Use:   "ingest <csv-file>...",
		Short: "Append historical bus position records from NYC bus-time CSV files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, gf, nil, func(ctx context.Context, a *app) error {
				opts.Location = a.loc
				if !opts.RegisterCatalog && !a.db.HasCatalog(ctx) {
					return errors.New("no reference catalog; run import-gtfs first or pass --register-catalog")
				}
				im := ingest.NewImporter(a.db, opts, a.logger)
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, path := range args {
					stats, err := im.ImportFile(ctx, path)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					if err := enc.Encode(struct {
						File string `json:"file"`
						ingest.Stats
						Duplicates int `json:"duplicates"`
					}{path, stats, stats.Duplicates()}); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.RegisterCatalog, "register-catalog", false, "Add unknown routes and stops to the catalog")
	f.BoolVar(&opts.AllProximities, "all-proximities", false, "Keep rows not at the stop, using the expected arrival time")
	f.IntVar(&opts.BatchSize, "batch-size", 5000, "Records per insert transaction")
	return cmd
}

func refreshCmd(gf *globalFlags) *cobra.Command {
	var estimators []string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh cycle now and print its result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			override := func(c *config.Config) {
				if len(estimators) > 0 {
					c.Refresh.Estimators = estimators
				}
			}
			return withApp(cmd, gf, override, func(ctx context.Context, a *app) error {
				ctrl, err := a.refreshController()
				if err != nil {
					return err
				}
				res := ctrl.RunOnce(ctx)
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
				if res.Outcome == refresh.OutcomeFailed {
					return fmt.Errorf("refresh failed: %s", res.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&estimators, "estimator", nil, "Estimators to train and compare (historical-average, linear-regression); repeatable")
	return cmd
}

func modelsCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List stored model versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, gf, nil, func(ctx context.Context, a *app) error {
				active, err := a.models.ActiveVersion(ctx)
				if err != nil && !errors.Is(err, modelstore.ErrNoActiveModel) {
					return err
				}
				ids, err := a.models.List(ctx)
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tACTIVE\tESTIMATOR\tCREATED\tVALIDATION RMSE\tSAMPLES")
				for i := len(ids) - 1; i >= 0; i-- {
					m, err := a.models.Get(ctx, ids[i])
					if err != nil {
						return err
					}
					mark := ""
					if m.VersionID == active {
						mark = "*"
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.3f\t%d/%d\n",
						m.VersionID, mark, m.Estimator, m.CreatedAt.In(a.loc).Format(time.DateTime),
						m.ValidationError, m.TrainingSamples, m.ValidationSamples)
				}
				return tw.Flush()
			})
		},
	}
}

func promoteCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "promote <version>",
		Short: "Make a stored model version the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid version %q", args[0])
			}
			return withApp(cmd, gf, nil, func(ctx context.Context, a *app) error {
				if err := a.models.Promote(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d is active\n", id)
				return nil
			})
		},
	}
}
