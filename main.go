package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"mls_sync/config"
	"mls_sync/geocode"
	"mls_sync/httputil"
	"mls_sync/logging"
	"mls_sync/mls"
	"mls_sync/models"
	"mls_sync/scheduler"
	"mls_sync/server"
	"mls_sync/services"
	"mls_sync/storage"
	"mls_sync/syncer"
	"mls_sync/workers"
)

const shownErrors = 10

var (
	fullSync    = flag.Bool("full", false, "Run a full sync and exit")
	incremental = flag.Bool("incremental", false, "Run an incremental sync and exit")
	ids         = flag.String("ids", "", "Comma-separated MLS ids to sync and exit")
	retryFailed = flag.Bool("retry-failed", false, "Re-sync properties whose last sync failed and exit")
	syncImages  = flag.Bool("images", false, "Sync image URLs and exit")
	geocodeRun  = flag.Bool("geocode", false, "Geocode properties without coordinates and exit")
	showStats   = flag.Bool("stats", false, "Print store statistics and exit")

	limit      = flag.Int("limit", 0, "Max records (full sync, images, geocode, retry); 0 = no limit")
	batch      = flag.Int("batch", 0, "Page or batch size; 0 = configured default")
	maxBatches = flag.Int("max-batches", 0, "Max pages for an incremental sync; 0 = configured default")
	force      = flag.Bool("force", false, "Geocode: re-resolve properties that already have coordinates")
	failedOnly = flag.Bool("failed-only", false, "Geocode: only retry earlier failures")
	allImages  = flag.Bool("all-images", false, "Images: refresh properties that already have images")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logFile, err := logging.Setup(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		File:    cfg.Logging.File,
		MaxSize: int64(cfg.Logging.MaxSizeMB) << 20,
		Backups: cfg.Logging.Backups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not set up file logging: %v\n", err)
	} else if logFile != nil {
		defer logFile.Close()
	}
	log := logging.With("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to open store")
		return 1
	}
	defer store.Close()

	clients := httputil.NewClients(cfg)
	client := mls.NewClient(cfg.Feed, clients.MLS)
	log.Info().Str("feed", cfg.Feed.ID).Str("url", cfg.Feed.BaseURL).Msg("feed configured")

	images := services.NewImageSynchronizer(store, client, cfg.Feed.PhotoSize)
	geocoder := services.NewGeocodingService(store, geocode.New(cfg.Geocode, clients.Geocode))
	reconciler := services.NewReconciler(store, images)
	stats := services.NewStatsReporter(store, cfg.Feed.ID, cfg.Sync.StaleAfter)

	orch := syncer.NewOrchestrator(client, store, reconciler, syncer.OptionsFromConfig(cfg.Sync))
	orch.SetServices(images, geocoder)
	if cfg.Archive.Enabled() {
		archive, err := storage.NewS3Archive(ctx, storage.S3Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			Prefix:          cfg.Archive.Prefix,
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to set up S3 archive")
			return 1
		}
		orch.SetArchive(archive)
		log.Info().Str("bucket", cfg.Archive.Bucket).Msg("archiving raw pages to S3")
	}

	params := &models.CommandParams{
		Limit:      *limit,
		BatchSize:  *batch,
		MaxBatches: *maxBatches,
		Force:      *force,
		FailedOnly: *failedOnly,
	}
	if *allImages {
		skip := false
		params.SkipExisting = &skip
	}

	switch {
	case *showStats:
		snap, err := stats.GetStats(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to compute stats")
			return 1
		}
		printStats(os.Stdout, snap)
		return 0
	case *fullSync:
		l := *limit
		if l == 0 {
			l = cfg.Sync.FullLimit
		}
		return exitCode(printRun(os.Stdout, orch.RunFullSync(ctx, l, *batch)))
	case *incremental:
		mb := *maxBatches
		if mb == 0 {
			mb = cfg.Sync.MaxBatches
		}
		return exitCode(printRun(os.Stdout, orch.RunIncrementalSync(ctx, *batch, mb)))
	case *ids != "":
		return exitCode(printRun(os.Stdout, orch.RunTargetedSync(ctx, splitIDs(*ids))))
	case *retryFailed:
		return exitCode(printRun(os.Stdout, orch.RetryFailed(ctx, *limit)))
	case *syncImages:
		res, err := orch.SyncImages(ctx, params)
		if err != nil {
			log.Error().Err(err).Msg("image sync failed")
			return 1
		}
		printImages(os.Stdout, res)
		if !res.Success {
			return 1
		}
		return 0
	case *geocodeRun:
		res, err := orch.GeocodeBatch(ctx, params)
		if err != nil {
			log.Error().Err(err).Msg("geocode failed")
			return 1
		}
		printGeocode(os.Stdout, res)
		if res.Error != "" {
			return 1
		}
		return 0
	}

	return daemon(ctx, cfg, store, orch, images, geocoder, stats)
}

func daemon(ctx context.Context, cfg *config.Config, store storage.Store, orch *syncer.Orchestrator,
	images *services.ImageSynchronizer, geocoder *services.GeocodingService, stats *services.StatsReporter) int {
	log := logging.With("main")
	logFunc := workers.StoreLogger(store, cfg.Feed.ID)

	imageOpts := services.DefaultImageSyncOptions()
	imageOpts.BatchSize = cfg.Sync.ImageBatchSize
	imageOpts.MaxErrors = cfg.Sync.MaxErrors
	mediaWorker := workers.NewMediaWorker(images, imageOpts)
	mediaWorker.SetLogger(logFunc)
	mediaWorker.SetPauseCheck(orch.IsPaused)
	go mediaWorker.Run(ctx, 0)

	geocodeWorker := workers.NewGeocodeWorker(geocoder, services.GeocodeOptions{
		Limit:     cfg.Sync.GeocodeBatchLimit,
		MaxErrors: cfg.Sync.MaxErrors,
	})
	geocodeWorker.SetLogger(logFunc)
	geocodeWorker.SetPauseCheck(orch.IsPaused)
	go geocodeWorker.Run(ctx, 0)

	sched := scheduler.New(cfg, orch, store)
	sched.SetWorkers(mediaWorker, geocodeWorker)
	if err := sched.Start(ctx); err != nil {
		log.Error().Err(err).Msg("failed to start scheduler")
		return 1
	}

	if cfg.Server.Addr != "" {
		srv := server.New(store, stats, orch)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
				log.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	log.Info().Msg("daemon running, press Ctrl+C to stop")
	<-ctx.Done()

	log.Info().Msg("shutting down")
	sched.Stop()
	return 0
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	log := logging.With("main")
	if cfg.Database.URL != "" {
		store, err := storage.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		log.Info().Str("db", maskConnectionString(cfg.Database.URL)).Msg("connected to postgres")
		return store, nil
	}

	store, err := storage.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	log.Info().Str("path", cfg.Database.Path).Msg("using sqlite database")
	return store, nil
}

func splitIDs(s string) []string {
	var out []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func exitCode(res *models.SyncRunResult) int {
	if res.Success {
		return 0
	}
	return 1
}

func printRun(w io.Writer, r *models.SyncRunResult) *models.SyncRunResult {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run\t%s\n", r.RunID)
	fmt.Fprintf(tw, "Mode\t%s\n", r.Mode)
	fmt.Fprintf(tw, "Status\t%s\n", r.Status())
	if r.Since != nil {
		fmt.Fprintf(tw, "Since\t%s\n", r.Since.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintf(tw, "Duration\t%s\n", r.Duration().Round(time.Millisecond))
	fmt.Fprintf(tw, "Fetched\t%d\n", r.Fetched)
	fmt.Fprintf(tw, "Created\t%d\n", r.Synced)
	fmt.Fprintf(tw, "Updated\t%d\t(%d status changes)\n", r.Updated, r.StatusChanged)
	fmt.Fprintf(tw, "Unchanged\t%d\n", r.Unchanged)
	fmt.Fprintf(tw, "Deactivated\t%d\n", r.Deactivated)
	fmt.Fprintf(tw, "Failed\t%d\n", r.Failed)
	if r.Error != "" {
		fmt.Fprintf(tw, "Error\t%s\n", r.Error)
	}
	tw.Flush()
	printErrors(w, r.Errors, r.ErrorsDropped)
	return r
}

func printImages(w io.Writer, r *models.ImageSyncResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Processed\t%d\n", r.Processed)
	fmt.Fprintf(tw, "Updated\t%d\n", r.Updated)
	fmt.Fprintf(tw, "Skipped\t%d\n", r.Skipped)
	fmt.Fprintf(tw, "Failed\t%d\n", r.Failed)
	if r.Error != "" {
		fmt.Fprintf(tw, "Error\t%s\n", r.Error)
	}
	tw.Flush()
	printErrors(w, r.Errors, 0)
}

func printGeocode(w io.Writer, r *models.GeocodeRunResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Processed\t%d\n", r.Processed)
	fmt.Fprintf(tw, "Resolved\t%d\n", r.Succeeded)
	for source, n := range r.BySource {
		fmt.Fprintf(tw, "  via %s\t%d\n", source, n)
	}
	fmt.Fprintf(tw, "Skipped\t%d\n", r.Skipped)
	fmt.Fprintf(tw, "Failed\t%d\n", r.Failed)
	if r.Error != "" {
		fmt.Fprintf(tw, "Error\t%s\n", r.Error)
	}
	tw.Flush()
	printErrors(w, r.Errors, 0)
}

func printStats(w io.Writer, s *models.StatsSnapshot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Total\t%d\n", s.Total)
	fmt.Fprintf(tw, "Active\t%d\n", s.Active)
	fmt.Fprintf(tw, "Inactive\t%d\n", s.Inactive)
	for status, n := range s.ByStatus {
		fmt.Fprintf(tw, "  %s\t%d\n", status, n)
	}
	fmt.Fprintf(tw, "Needs sync\t%d\t(not seen in %s)\n", s.NeedsSync, s.StaleThreshold)
	fmt.Fprintf(tw, "With images\t%d\t(%.1f%%)\n", s.WithImages, s.ImageCoverage)
	fmt.Fprintf(tw, "With coordinates\t%d\t(%.1f%%)\n", s.WithCoordinates, s.GeocodeCoverage)
	fmt.Fprintf(tw, "Geocode failed\t%d\n", s.GeocodeFailed)
	fmt.Fprintf(tw, "Sync failed\t%d\n", s.SyncFailed)
	if s.CheckpointAt != nil {
		fmt.Fprintf(tw, "Checkpoint\t%s\n", s.CheckpointAt.Format("2006-01-02 15:04:05 MST"))
	}
	if s.LastRun != nil {
		fmt.Fprintf(tw, "Last run\t%s %s\t%s\n", s.LastRun.Mode, s.LastRun.Status, s.LastRun.StartedAt.Format("2006-01-02 15:04"))
	}
	tw.Flush()
}

func printErrors(w io.Writer, errs []string, dropped int) {
	if len(errs) == 0 {
		return
	}
	fmt.Fprintf(w, "\nErrors (%d):\n", len(errs)+dropped)
	for i, e := range errs {
		if i == shownErrors {
			fmt.Fprintf(w, "  ... and %d more\n", len(errs)-shownErrors+dropped)
			return
		}
		fmt.Fprintf(w, "  - %s\n", e)
	}
	if dropped > 0 {
		fmt.Fprintf(w, "  ... and %d more\n", dropped)
	}
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	// Simple mask - find :// and mask until @
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	// Find : after user
	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
