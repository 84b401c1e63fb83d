package services

import (
	"context"
	"fmt"
	"time"

	"mls_sync/metrics"
	"mls_sync/models"
	"mls_sync/storage"
)

// StatsReporter derives a read-only snapshot of the property store.
type StatsReporter struct {
	store      storage.Store
	feed       string
	staleAfter time.Duration
	now        func() time.Time
}

func NewStatsReporter(store storage.Store, feed string, staleAfter time.Duration) *StatsReporter {
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	return &StatsReporter{
		store:      store,
		feed:       feed,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// GetStats builds a snapshot and publishes it as gauges.
func (r *StatsReporter) GetStats(ctx context.Context) (*models.StatsSnapshot, error) {
	now := r.now().UTC()

	counts, err := r.store.CountProperties(ctx, now.Add(-r.staleAfter))
	if err != nil {
		return nil, fmt.Errorf("count properties: %w", err)
	}

	snap := &models.StatsSnapshot{
		Total:           counts.Total,
		Active:          counts.Active,
		Inactive:        counts.Total - counts.Active,
		ByStatus:        counts.ByStatus,
		NeedsSync:       counts.NeedsSync,
		WithImages:      counts.WithImages,
		ImageCoverage:   percent(counts.WithImages, counts.Active),
		WithCoordinates: counts.WithCoordinates,
		GeocodeCoverage: percent(counts.WithCoordinates, counts.Active),
		GeocodeFailed:   counts.GeocodeFailed,
		SyncFailed:      counts.SyncFailed,
		OldestSyncedAt:  counts.OldestSyncedAt,
		StaleThreshold:  r.staleAfter,
		GeneratedAt:     now,
	}

	cp, err := r.store.GetCheckpoint(ctx, r.feed)
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	if cp != nil {
		at := cp.LastSyncedAt
		snap.CheckpointAt = &at
	}

	if snap.LastRun, err = r.store.GetLastSyncRun(ctx, r.feed); err != nil {
		return nil, fmt.Errorf("get last run: %w", err)
	}

	publish(snap)
	return snap, nil
}

func publish(s *models.StatsSnapshot) {
	metrics.PropertiesTotal.WithLabelValues("total").Set(float64(s.Total))
	metrics.PropertiesTotal.WithLabelValues("active").Set(float64(s.Active))
	metrics.PropertiesTotal.WithLabelValues("inactive").Set(float64(s.Inactive))
	metrics.PropertiesTotal.WithLabelValues("needs_sync").Set(float64(s.NeedsSync))
	metrics.PropertiesTotal.WithLabelValues("with_images").Set(float64(s.WithImages))
	metrics.PropertiesTotal.WithLabelValues("with_coordinates").Set(float64(s.WithCoordinates))
	metrics.PropertiesTotal.WithLabelValues("sync_failed").Set(float64(s.SyncFailed))
}

// percent is part/whole as a percentage rounded to one decimal.
func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(int(float64(part)*1000/float64(whole)+0.5)) / 10
}
