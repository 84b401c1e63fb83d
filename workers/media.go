package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mls_sync/logging"
	"mls_sync/models"
	"mls_sync/services"
)

// ImageSyncer is the part of services.ImageSynchronizer the worker drives.
type ImageSyncer interface {
	SyncImages(ctx context.Context, opts services.ImageSyncOptions) *models.ImageSyncResult
}

// MediaWorker keeps image URLs current between syncs. Each pass handles the
// candidates ImageSyncer selects; bytes are never downloaded.
type MediaWorker struct {
	images    ImageSyncer
	opts      services.ImageSyncOptions
	paused    func() bool
	triggerCh chan struct{}
	logFunc   LogFunc
	log       zerolog.Logger
}

func NewMediaWorker(images ImageSyncer, opts services.ImageSyncOptions) *MediaWorker {
	return &MediaWorker{
		images:    images,
		opts:      opts,
		paused:    func() bool { return false },
		triggerCh: make(chan struct{}, 1),
		logFunc:   NoOpLogger,
		log:       logging.With("media_worker"),
	}
}

func (w *MediaWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// SetPauseCheck makes the worker skip passes while fn reports true.
func (w *MediaWorker) SetPauseCheck(fn func() bool) {
	w.paused = fn
}

// Trigger causes the worker to run immediately
func (w *MediaWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run starts the media worker loop. With interval 0 the worker only runs
// when triggered.
func (w *MediaWorker) Run(ctx context.Context, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("media worker stopping")
			return
		case <-tick:
			w.RunOnce(ctx)
		case <-w.triggerCh:
			w.log.Info().Msg("media worker triggered")
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs one pass unless paused. It returns nil when skipped.
func (w *MediaWorker) RunOnce(ctx context.Context) *models.ImageSyncResult {
	if w.paused() {
		w.log.Debug().Msg("paused, skipping image pass")
		return nil
	}

	start := time.Now()
	res := w.images.SyncImages(ctx, w.opts)
	if !res.Success {
		w.logFunc(models.LogLevelError, "media", "image sync failed: "+res.Error)
		return res
	}
	if res.Updated > 0 || res.Failed > 0 {
		w.logFunc(models.LogLevelInfo, "media", fmt.Sprintf("processed %d, updated %d, skipped %d, failed %d in %s",
			res.Processed, res.Updated, res.Skipped, res.Failed, time.Since(start).Round(time.Second)))
	}
	return res
}
