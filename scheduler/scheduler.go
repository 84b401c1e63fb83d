package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"mls_sync/config"
	"mls_sync/logging"
	"mls_sync/models"
	"mls_sync/storage"
)

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// Syncer is the orchestrator surface the scheduler drives.
type Syncer interface {
	RunFullSync(ctx context.Context, limit, batchSize int) *models.SyncRunResult
	RunIncrementalSync(ctx context.Context, batchSize, maxBatches int) *models.SyncRunResult
	HandleCommand(ctx context.Context, cmd *models.Command) error
	IsPaused() bool
}

type Scheduler struct {
	cfg    *config.Config
	syncer Syncer
	store  storage.CommandStore
	cron   *cron.Cron
	stopCh chan struct{}
	log    zerolog.Logger

	imageWorker   Triggerable
	geocodeWorker Triggerable
}

func New(cfg *config.Config, syncer Syncer, store storage.CommandStore) *Scheduler {
	log := logging.With("scheduler")
	cl := cronLogger{log: log}
	return &Scheduler{
		cfg:    cfg,
		syncer: syncer,
		store:  store,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		stopCh: make(chan struct{}),
		log:    log,
	}
}

// SetWorkers registers background workers for scheduled triggering
func (s *Scheduler) SetWorkers(images, geocode Triggerable) {
	s.imageWorker = images
	s.geocodeWorker = geocode
}

func (s *Scheduler) Start(ctx context.Context) error {
	sc := s.cfg.Scheduler
	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"full sync", sc.FullCron, func() { s.runFull(ctx) }},
		{"incremental sync", sc.IncrementalCron, func() { s.runIncremental(ctx) }},
		{"image sync", sc.ImagesCron, func() { s.trigger("image sync", s.imageWorker) }},
		{"geocode", sc.GeocodeCron, func() { s.trigger("geocode", s.geocodeWorker) }},
	}

	scheduled := 0
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(job.spec, job.run); err != nil {
			return fmt.Errorf("invalid %s cron expression %q: %w", job.name, job.spec, err)
		}
		s.log.Info().Str("job", job.name).Str("cron", job.spec).Msg("scheduled")
		scheduled++
	}
	if scheduled == 0 {
		s.log.Info().Msg("no schedule configured, daemon will only respond to commands")
	}

	go s.pollCommands(ctx)
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	close(s.stopCh)
}

// TriggerNow runs an incremental sync immediately, bypassing the pause flag.
func (s *Scheduler) TriggerNow(ctx context.Context) *models.SyncRunResult {
	return s.syncer.RunIncrementalSync(ctx, s.cfg.Sync.BatchSize, s.cfg.Sync.MaxBatches)
}

func (s *Scheduler) runFull(ctx context.Context) {
	if s.syncer.IsPaused() {
		s.log.Info().Msg("paused, skipping scheduled full sync")
		return
	}
	res := s.syncer.RunFullSync(ctx, s.cfg.Sync.FullLimit, s.cfg.Sync.BatchSize)
	s.logResult("full sync", res)
}

func (s *Scheduler) runIncremental(ctx context.Context) {
	if s.syncer.IsPaused() {
		s.log.Info().Msg("paused, skipping scheduled incremental sync")
		return
	}
	res := s.syncer.RunIncrementalSync(ctx, s.cfg.Sync.BatchSize, s.cfg.Sync.MaxBatches)
	s.logResult("incremental sync", res)
}

func (s *Scheduler) trigger(name string, w Triggerable) {
	if w == nil {
		return
	}
	if s.syncer.IsPaused() {
		s.log.Info().Str("job", name).Msg("paused, skipping scheduled job")
		return
	}
	w.Trigger()
}

func (s *Scheduler) logResult(name string, res *models.SyncRunResult) {
	switch {
	case res.AlreadyRunning:
		s.log.Info().Str("job", name).Msg("previous run still in progress, skipped")
	case !res.Success:
		s.log.Error().Str("job", name).Str("run_id", res.RunID).Str("error", res.Error).Msg("scheduled run failed")
	default:
		s.log.Info().Str("job", name).Str("run_id", res.RunID).
			Int("synced", res.Synced).Int("updated", res.Updated).Int("failed", res.Failed).
			Bool("partial", res.Partial).Msg("scheduled run finished")
	}
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	interval := s.cfg.Scheduler.CommandPoll
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processCommands(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// processCommands handles every pending command in creation order. A command
// is marked processed even when it fails so a bad row cannot wedge the queue.
func (s *Scheduler) processCommands(ctx context.Context) {
	cmds, err := s.store.GetPendingCommands(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("error getting commands")
		return
	}

	for i := range cmds {
		cmd := &cmds[i]
		if ctx.Err() != nil {
			return
		}
		s.log.Info().Int64("command_id", cmd.ID).Str("command", string(cmd.Command)).Msg("processing command")
		if err := s.syncer.HandleCommand(ctx, cmd); err != nil {
			s.log.Error().Err(err).Int64("command_id", cmd.ID).Str("command", string(cmd.Command)).Msg("command error")
		}
		if err := s.store.MarkCommandProcessed(context.WithoutCancel(ctx), cmd.ID); err != nil {
			s.log.Error().Err(err).Int64("command_id", cmd.ID).Msg("error marking command processed")
		}
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
