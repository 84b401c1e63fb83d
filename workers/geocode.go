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

type BatchGeocoder interface {
	GeocodeBatch(ctx context.Context, opts services.GeocodeOptions) *models.GeocodeRunResult
}

// GeocodeWorker resolves coordinates for properties the sync left without
// them, a bounded batch per pass.
type GeocodeWorker struct {
	geocoder  BatchGeocoder
	opts      services.GeocodeOptions
	paused    func() bool
	triggerCh chan struct{}
	logFunc   LogFunc
	log       zerolog.Logger
}

func NewGeocodeWorker(geocoder BatchGeocoder, opts services.GeocodeOptions) *GeocodeWorker {
	return &GeocodeWorker{
		geocoder:  geocoder,
		opts:      opts,
		paused:    func() bool { return false },
		triggerCh: make(chan struct{}, 1),
		logFunc:   NoOpLogger,
		log:       logging.With("geocode_worker"),
	}
}

func (w *GeocodeWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

func (w *GeocodeWorker) SetPauseCheck(fn func() bool) {
	w.paused = fn
}

// Trigger causes the worker to run immediately
func (w *GeocodeWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *GeocodeWorker) Run(ctx context.Context, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("geocode worker stopping")
			return
		case <-tick:
			w.RunOnce(ctx)
		case <-w.triggerCh:
			w.log.Info().Msg("geocode worker triggered")
			w.RunOnce(ctx)
		}
	}
}

func (w *GeocodeWorker) RunOnce(ctx context.Context) *models.GeocodeRunResult {
	if w.paused() {
		w.log.Debug().Msg("paused, skipping geocode pass")
		return nil
	}

	res := w.geocoder.GeocodeBatch(ctx, w.opts)
	switch {
	case res.Error != "":
		w.logFunc(models.LogLevelError, "geocode", "geocode batch stopped: "+res.Error)
	case res.Processed > 0:
		w.logFunc(models.LogLevelInfo, "geocode", fmt.Sprintf("processed %d, resolved %d, failed %d", res.Processed, res.Succeeded, res.Failed))
	}
	return res
}
