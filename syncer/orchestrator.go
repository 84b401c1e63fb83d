package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"mls_sync/config"
	"mls_sync/logging"
	"mls_sync/metrics"
	"mls_sync/mls"
	"mls_sync/models"
	"mls_sync/services"
	"mls_sync/storage"
)

// ErrAlreadyRunning is reported in SyncRunResult.Error when another run holds
// the feed's lock.
var ErrAlreadyRunning = errors.New("sync already running")

// Feed is the listing source. *mls.Client implements it.
type Feed interface {
	FeedID() string
	FetchPage(ctx context.Context, req mls.PageRequest) (*mls.Page, error)
}

type Options struct {
	BatchSize         int
	FullLimit         int
	MaxBatches        int
	MaxErrors         int
	LockTTL           time.Duration
	Lookback          time.Duration
	GeocodeInline     bool
	ImageBatchSize    int
	GeocodeBatchLimit int
}

func OptionsFromConfig(cfg config.SyncConfig) Options {
	return Options{
		BatchSize:         cfg.BatchSize,
		FullLimit:         cfg.FullLimit,
		MaxBatches:        cfg.MaxBatches,
		MaxErrors:         cfg.MaxErrors,
		LockTTL:           cfg.LockTTL,
		Lookback:          cfg.IncrementalLookback,
		GeocodeInline:     cfg.GeocodeInline,
		ImageBatchSize:    cfg.ImageBatchSize,
		GeocodeBatchLimit: cfg.GeocodeBatchLimit,
	}
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = 50
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 6 * time.Hour
	}
	if o.Lookback <= 0 {
		o.Lookback = 24 * time.Hour
	}
	if o.ImageBatchSize <= 0 {
		o.ImageBatchSize = 50
	}
}

// Orchestrator runs full, incremental and targeted syncs of one feed. At most
// one run per feed is active: an in-process mutex guards this process and a
// store lock with a TTL guards against other processes.
type Orchestrator struct {
	feed       Feed
	store      storage.Store
	reconciler *services.Reconciler
	opts       Options

	images   *services.ImageSynchronizer
	geocoder *services.GeocodingService
	archive  storage.Archive
	progress chan<- models.Progress

	runMu   sync.Mutex
	stateMu sync.RWMutex
	state   State
	paused  bool

	now func() time.Time
	log zerolog.Logger
}

func NewOrchestrator(feed Feed, store storage.Store, reconciler *services.Reconciler, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		feed:       feed,
		store:      store,
		reconciler: reconciler,
		opts:       opts,
		archive:    storage.NoOpArchive{},
		state:      StateIdle,
		now:        time.Now,
		log:        logging.With("syncer").With().Str("feed", feed.FeedID()).Logger(),
	}
}

// SetServices injects the optional image and geocoding services used by
// commands and inline geocoding.
func (o *Orchestrator) SetServices(images *services.ImageSynchronizer, geocoder *services.GeocodingService) {
	o.images = images
	o.geocoder = geocoder
}

func (o *Orchestrator) SetArchive(a storage.Archive) {
	if a == nil {
		a = storage.NoOpArchive{}
	}
	o.archive = a
}

// SetProgress registers a channel for progress events. Sends never block; a
// consumer that falls behind misses events.
func (o *Orchestrator) SetProgress(ch chan<- models.Progress) {
	o.progress = ch
}

func (o *Orchestrator) State() State {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.stateMu.Lock()
	o.state = s
	o.stateMu.Unlock()
}

// RunFullSync pages through the whole feed, up to limit records (0 = all),
// then deactivates every active property that was not seen.
//
// A limit below the real catalog size deactivates everything outside the
// fetched window. Use it for testing only.
func (o *Orchestrator) RunFullSync(ctx context.Context, limit, batchSize int) *models.SyncRunResult {
	return o.execute(ctx, plan{
		mode:      models.SyncModeFull,
		limit:     limit,
		batchSize: batchSize,
		bases:     []mls.PageRequest{{}},
	})
}

// RunIncrementalSync fetches records modified since the checkpoint, up to
// maxBatches pages (0 = until drained). It never deactivates.
func (o *Orchestrator) RunIncrementalSync(ctx context.Context, batchSize, maxBatches int) *models.SyncRunResult {
	return o.execute(ctx, plan{
		mode:       models.SyncModeIncremental,
		batchSize:  batchSize,
		maxBatches: maxBatches,
	})
}

// RunTargetedSync re-syncs the given listings. The checkpoint and the
// deactivation pass are left alone.
func (o *Orchestrator) RunTargetedSync(ctx context.Context, mlsIDs []string) *models.SyncRunResult {
	ids := dedupe(mlsIDs)
	p := plan{mode: models.SyncModeTargeted, batchSize: o.opts.BatchSize, ids: ids}
	for start := 0; start < len(ids); start += p.batchSize {
		end := min(start+p.batchSize, len(ids))
		p.bases = append(p.bases, mls.PageRequest{IDs: ids[start:end]})
	}
	return o.execute(ctx, p)
}

// RetryFailed runs a targeted sync over properties whose last sync failed.
func (o *Orchestrator) RetryFailed(ctx context.Context, limit int) *models.SyncRunResult {
	ids, err := o.store.ListSyncFailed(ctx, limit)
	if err != nil {
		now := o.now().UTC()
		return &models.SyncRunResult{
			Mode:       models.SyncModeTargeted,
			Error:      fmt.Sprintf("list failed properties: %v", err),
			StartedAt:  now,
			FinishedAt: now,
		}
	}
	if len(ids) == 0 {
		now := o.now().UTC()
		o.log.Info().Msg("no failed properties to retry")
		return &models.SyncRunResult{Mode: models.SyncModeTargeted, Success: true, StartedAt: now, FinishedAt: now}
	}
	o.log.Info().Int("properties", len(ids)).Msg("retrying failed properties")
	return o.RunTargetedSync(ctx, ids)
}

type plan struct {
	mode       models.SyncMode
	limit      int
	batchSize  int
	maxBatches int
	ids        []string
	bases      []mls.PageRequest // each is paged until drained
}

// runState is shared by the fetch and reconcile goroutines of one run.
type runState struct {
	run    *models.SyncRun
	result *models.SyncRunResult
	since  time.Time

	// written by the fetcher, read after both goroutines finish
	pageFailed bool
	pageErrors []string
	drained    bool

	// written by the reconciler
	seen   []string
	newest time.Time

	fetched   atomic.Int64
	processed atomic.Int64
}

func (o *Orchestrator) execute(ctx context.Context, p plan) *models.SyncRunResult {
	if p.batchSize <= 0 {
		p.batchSize = o.opts.BatchSize
	}
	start := o.now().UTC()
	result := &models.SyncRunResult{
		RunID:     uuid.NewString(),
		Mode:      p.mode,
		StartedAt: start,
		Errors:    []string{},
	}
	log := o.log.With().Str("run_id", result.RunID).Str("mode", string(p.mode)).Logger()

	if !o.runMu.TryLock() {
		return o.alreadyRunning(ctx, result)
	}
	defer o.runMu.Unlock()

	lockName := "sync:" + o.feed.FeedID()
	acquired, err := o.store.AcquireLock(ctx, lockName, result.RunID, o.opts.LockTTL)
	if err != nil {
		return o.abortEarly(result, fmt.Errorf("acquire run lock: %w", err))
	}
	if !acquired {
		return o.alreadyRunning(ctx, result)
	}
	defer func() {
		if err := o.store.ReleaseLock(context.WithoutCancel(ctx), lockName, result.RunID); err != nil {
			log.Warn().Err(err).Msg("failed to release run lock")
		}
	}()

	metrics.SyncInProgress.Set(1)
	defer metrics.SyncInProgress.Set(0)

	st := &runState{
		result: result,
		run: &models.SyncRun{
			ID:        result.RunID,
			Feed:      o.feed.FeedID(),
			Mode:      p.mode,
			StartedAt: start,
			Status:    models.RunStatusRunning,
		},
	}
	if err := o.store.CreateSyncRun(ctx, st.run); err != nil {
		log.Warn().Err(err).Msg("failed to record sync run")
	}

	if p.mode == models.SyncModeIncremental {
		since, err := o.incrementalSince(ctx, start)
		if err != nil {
			o.abort(st, err)
			return o.finish(ctx, st)
		}
		st.since = since
		result.Since = &since
		p.bases = []mls.PageRequest{{Since: &since}}
	}

	o.logRun(ctx, st, models.LogLevelInfo, describe(p, st))

	g, gctx := errgroup.WithContext(ctx)
	pages := make(chan *mls.Page, 1)
	g.Go(func() error {
		defer close(pages)
		return o.fetchPages(gctx, p, st, pages)
	})
	g.Go(func() error {
		return o.reconcilePages(gctx, st, pages)
	})

	err = g.Wait()
	for _, msg := range st.pageErrors {
		result.AddError(msg, o.opts.MaxErrors)
	}
	if err != nil {
		o.abort(st, err)
		return o.finish(ctx, st)
	}

	o.setState(StateFinalizing)
	o.emit(st, "finalizing", 0)
	o.finalize(ctx, p, st)
	return o.finish(ctx, st)
}

// fetchPages is the producer half of the pipeline. A page that still fails
// after the client's retries stops fetching and marks the run partial; an
// auth error aborts the run.
func (o *Orchestrator) fetchPages(ctx context.Context, p plan, st *runState, out chan<- *mls.Page) error {
	pageNo := 0
	for _, base := range p.bases {
		offset := 0
		for {
			if p.maxBatches > 0 && pageNo >= p.maxBatches {
				return nil
			}
			size := p.batchSize
			fetched := int(st.fetched.Load())
			if p.limit > 0 {
				remaining := p.limit - fetched
				if remaining <= 0 {
					return nil
				}
				size = min(size, remaining)
			}

			o.setState(StateFetching)
			req := base
			req.Offset = offset
			req.PageSize = size
			if len(req.IDs) > 0 {
				req.PageSize = max(size, len(req.IDs))
			}

			page, err := o.feed.FetchPage(ctx, req)
			if err != nil {
				if mls.IsFatalAuth(err) || ctx.Err() != nil {
					return err
				}
				st.pageFailed = true
				st.pageErrors = append(st.pageErrors, fmt.Sprintf("page %d (offset %d): %v", pageNo+1, offset, err))
				o.logRun(ctx, st, models.LogLevelError, fmt.Sprintf("page %d fetch failed: %v", pageNo+1, err))
				return nil
			}
			pageNo++

			if p.limit > 0 && len(page.Records) > p.limit-fetched {
				page.Records = page.Records[:p.limit-fetched]
			}
			st.fetched.Add(int64(len(page.Records)))

			if err := o.archive.ArchivePage(ctx, st.run, pageNo, page.Raw); err != nil {
				o.log.Warn().Err(err).Int("page", pageNo).Msg("failed to archive page")
			}
			o.emit(st, "fetching", pageNo)

			select {
			case out <- page:
			case <-ctx.Done():
				return ctx.Err()
			}

			if !page.HasMore {
				break
			}
			offset = page.NextOffset
		}
	}
	st.drained = true
	return nil
}

// reconcilePages is the consumer half. Records are applied one at a time.
func (o *Orchestrator) reconcilePages(ctx context.Context, st *runState, pages <-chan *mls.Page) error {
	r := st.result
	for page := range pages {
		o.setState(StateReconciling)
		r.Fetched += len(page.Records)
		if page.Invalid > 0 {
			r.Failed += page.Invalid
			r.AddError(fmt.Sprintf("%d records without ListingKey skipped", page.Invalid), o.opts.MaxErrors)
		}

		for _, rec := range page.Records {
			if err := ctx.Err(); err != nil {
				return err
			}
			st.seen = append(st.seen, rec.MLSID)
			if rec.ModifiedAt.After(st.newest) {
				st.newest = rec.ModifiedAt
			}

			out := o.reconciler.Reconcile(ctx, rec)
			switch out.Action {
			case services.ActionCreated:
				r.Synced++
			case services.ActionUpdated:
				r.Updated++
				if out.StatusChanged {
					r.StatusChanged++
				}
			case services.ActionUnchanged:
				r.Unchanged++
			case services.ActionError:
				r.Failed++
				r.AddError(out.Err.Error(), o.opts.MaxErrors)
			}

			if o.opts.GeocodeInline && o.geocoder != nil && out.NeedsGeocode() {
				if _, err := o.geocoder.GeocodeProperty(ctx, out.Property, false); err != nil && ctx.Err() == nil {
					o.log.Warn().Err(err).Str("mls_id", rec.MLSID).Msg("inline geocode failed")
				}
			}
			st.processed.Add(1)
		}
		o.emit(st, "reconciling", 0)
	}
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, p plan, st *runState) {
	r := st.result
	r.Success = true

	switch p.mode {
	case models.SyncModeFull:
		if st.pageFailed {
			r.Partial = true
			o.logRun(ctx, st, models.LogLevelWarn, "skipping deactivation: not every page was fetched")
			return
		}
		n, err := o.store.DeactivateMissing(ctx, st.seen, o.now().UTC())
		if err != nil {
			o.abort(st, fmt.Errorf("deactivate missing: %w", err))
			return
		}
		r.Deactivated = n
		metrics.SyncRecords.WithLabelValues("deactivated").Add(float64(n))
		if p.limit > 0 && n > 0 {
			o.logRun(ctx, st, models.LogLevelWarn,
				fmt.Sprintf("full sync limited to %d records deactivated %d properties outside the window", p.limit, n))
		}

	case models.SyncModeIncremental:
		if st.pageFailed {
			r.Partial = true
			o.logRun(ctx, st, models.LogLevelWarn, "checkpoint not advanced: not every page was fetched")
			return
		}
		next := st.run.StartedAt
		if !st.drained {
			// Stopped by maxBatches. Resume from the newest change seen, a
			// second early because the filter is strict and second-precise.
			if st.newest.IsZero() {
				return
			}
			next = st.newest.Truncate(time.Second).Add(-time.Second)
			if !next.After(st.since) {
				return
			}
		}
		if err := o.store.SetCheckpoint(ctx, o.feed.FeedID(), next); err != nil {
			r.AddError(fmt.Sprintf("set checkpoint: %v", err), o.opts.MaxErrors)
			o.log.Error().Err(err).Msg("failed to advance checkpoint")
		}
	}
}

func (o *Orchestrator) incrementalSince(ctx context.Context, start time.Time) (time.Time, error) {
	cp, err := o.store.GetCheckpoint(ctx, o.feed.FeedID())
	if err != nil {
		return time.Time{}, fmt.Errorf("get checkpoint: %w", err)
	}
	if cp == nil {
		return start.Add(-o.opts.Lookback), nil
	}
	return cp.LastSyncedAt.UTC(), nil
}

func (o *Orchestrator) abort(st *runState, err error) {
	st.result.Success = false
	st.result.Error = err.Error()
	o.log.Error().Err(err).Str("run_id", st.run.ID).Msg("sync aborted")
}

// abortEarly reports a failure that happened before a run row existed.
func (o *Orchestrator) abortEarly(result *models.SyncRunResult, err error) *models.SyncRunResult {
	result.Error = err.Error()
	result.FinishedAt = o.now().UTC()
	o.log.Error().Err(err).Msg("sync not started")
	return result
}

func (o *Orchestrator) alreadyRunning(ctx context.Context, result *models.SyncRunResult) *models.SyncRunResult {
	result.AlreadyRunning = true
	result.Error = ErrAlreadyRunning.Error()
	result.FinishedAt = o.now().UTC()

	run := &models.SyncRun{
		ID:           result.RunID,
		Feed:         o.feed.FeedID(),
		Mode:         result.Mode,
		StartedAt:    result.StartedAt,
		FinishedAt:   &result.FinishedAt,
		Status:       models.RunStatusSkipped,
		ErrorMessage: result.Error,
	}
	if err := o.store.CreateSyncRun(ctx, run); err != nil {
		o.log.Warn().Err(err).Msg("failed to record skipped sync run")
	} else if err := o.store.FinishSyncRun(ctx, run); err != nil {
		o.log.Warn().Err(err).Msg("failed to update sync run")
	}
	metrics.RecordSyncRun(string(result.Mode), string(models.RunStatusSkipped), 0)
	o.log.Warn().Str("mode", string(result.Mode)).Msg("sync already running, skipping")
	return result
}

func (o *Orchestrator) finish(ctx context.Context, st *runState) *models.SyncRunResult {
	r := st.result
	r.FinishedAt = o.now().UTC()
	if r.Success {
		o.setState(StateCompleted)
	} else {
		o.setState(StateAborted)
	}

	ctx = context.WithoutCancel(ctx)
	run := st.run
	run.FinishedAt = &r.FinishedAt
	run.Status = r.Status()
	run.Fetched = r.Fetched
	run.Synced = r.Synced
	run.Updated = r.Updated
	run.StatusChanged = r.StatusChanged
	run.Deactivated = r.Deactivated
	run.Failed = r.Failed
	run.ErrorMessage = r.Error
	if err := o.store.FinishSyncRun(ctx, run); err != nil {
		o.log.Warn().Err(err).Msg("failed to update sync run")
	}
	if err := o.archive.ArchiveResult(ctx, run.Feed, r); err != nil {
		o.log.Warn().Err(err).Msg("failed to archive run result")
	}
	metrics.RecordSyncRun(string(r.Mode), string(run.Status), r.Duration())

	level := models.LogLevelInfo
	if !r.Success {
		level = models.LogLevelError
	}
	o.logRun(ctx, st, level, fmt.Sprintf("%s: fetched %d, created %d, updated %d (%d status changes), unchanged %d, deactivated %d, failed %d",
		run.Status, r.Fetched, r.Synced, r.Updated, r.StatusChanged, r.Unchanged, r.Deactivated, r.Failed))
	return r
}

func (o *Orchestrator) emit(st *runState, phase string, page int) {
	if o.progress == nil {
		return
	}
	select {
	case o.progress <- models.Progress{
		RunID:     st.run.ID,
		Mode:      st.run.Mode,
		Phase:     phase,
		Page:      page,
		Fetched:   int(st.fetched.Load()),
		Processed: int(st.processed.Load()),
	}:
	default:
	}
}

// logRun writes to the process log and to the run's sync_logs.
func (o *Orchestrator) logRun(ctx context.Context, st *runState, level models.LogLevel, message string) {
	var ev *zerolog.Event
	switch level {
	case models.LogLevelError:
		ev = o.log.Error()
	case models.LogLevelWarn:
		ev = o.log.Warn()
	default:
		ev = o.log.Info()
	}
	ev.Str("run_id", st.run.ID).Str("mode", string(st.run.Mode)).Msg(message)

	entry := &models.SyncLog{
		RunID:     st.run.ID,
		Timestamp: o.now().UTC(),
		Level:     level,
		Message:   message,
		Feed:      st.run.Feed,
	}
	if err := o.store.AddSyncLog(context.WithoutCancel(ctx), entry); err != nil {
		o.log.Debug().Err(err).Msg("failed to write sync log")
	}
}

func describe(p plan, st *runState) string {
	switch p.mode {
	case models.SyncModeIncremental:
		return fmt.Sprintf("incremental sync since %s, batch %d, max batches %d", st.since.Format(time.RFC3339), p.batchSize, p.maxBatches)
	case models.SyncModeTargeted:
		return fmt.Sprintf("targeted sync of %d listings", len(p.ids))
	default:
		return fmt.Sprintf("full sync, batch %d, limit %d", p.batchSize, p.limit)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
