package services

import (
	"context"
	"fmt"
	"slices"

	"mls_sync/identity"
	"mls_sync/logging"
	"mls_sync/metrics"
	"mls_sync/mls"
	"mls_sync/models"
	"mls_sync/storage"
)

// MediaFetcher returns media manifests keyed by mls_id.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, mlsIDs []string) (map[string][]models.MediaItem, error)
}

type ImageAction string

const (
	ImageUpdated ImageAction = "updated"
	ImageSkipped ImageAction = "skipped"
	ImageFailed  ImageAction = "failed"
)

// ImageOutcome is the result of syncing one property's image URLs.
type ImageOutcome struct {
	Action ImageAction
	Reason string
	Err    error
}

type ImageSyncOptions struct {
	MLSIDs       []string
	BatchSize    int
	Limit        int // 0 = every candidate
	SkipExisting bool
	OnlyActive   bool
	MaxErrors    int
}

// DefaultImageSyncOptions skips properties that already have images and
// inactive properties.
func DefaultImageSyncOptions() ImageSyncOptions {
	return ImageSyncOptions{
		BatchSize:    50,
		SkipExisting: true,
		OnlyActive:   true,
		MaxErrors:    50,
	}
}

// ImageSynchronizer keeps properties.image_urls in line with the feed's media
// manifests. Only URLs are stored, image bytes are never downloaded.
type ImageSynchronizer struct {
	store     storage.PropertyStore
	media     MediaFetcher
	photoSize string
}

func NewImageSynchronizer(store storage.PropertyStore, media MediaFetcher, photoSize string) *ImageSynchronizer {
	return &ImageSynchronizer{
		store:     store,
		media:     media,
		photoSize: photoSize,
	}
}

// SyncProperty replaces p's image URLs with the photos in manifest, in one
// write. p.ImageURLs is updated on success.
func (s *ImageSynchronizer) SyncProperty(ctx context.Context, p *models.Property, manifest []models.MediaItem, opts ImageSyncOptions) ImageOutcome {
	if reason := skipReason(p, opts); reason != "" {
		return s.record(ImageOutcome{Action: ImageSkipped, Reason: reason})
	}

	urls := identity.PhotoURLs(manifest, s.photoSize)
	if len(urls) == 0 {
		return s.record(ImageOutcome{Action: ImageSkipped, Reason: "no photos"})
	}
	if slices.Equal(urls, p.ImageURLs) {
		return s.record(ImageOutcome{Action: ImageSkipped, Reason: "unchanged"})
	}

	if err := s.store.SetImageURLs(ctx, p.MLSID, urls); err != nil {
		return s.record(ImageOutcome{
			Action: ImageFailed,
			Err:    &ReconciliationError{MLSID: p.MLSID, Err: fmt.Errorf("set image urls: %w", err)},
		})
	}
	p.ImageURLs = urls
	return s.record(ImageOutcome{Action: ImageUpdated})
}

func (s *ImageSynchronizer) record(o ImageOutcome) ImageOutcome {
	metrics.ImageSyncProperties.WithLabelValues(string(o.Action)).Inc()
	return o
}

func skipReason(p *models.Property, opts ImageSyncOptions) string {
	if opts.OnlyActive && !p.IsActive {
		return "inactive"
	}
	if opts.SkipExisting && len(p.ImageURLs) > 0 {
		return "has images"
	}
	return ""
}

// SyncImages walks candidate properties in mls_id order, BatchSize at a time,
// with one media lookup per batch. Properties finished by an interrupted run
// are skipped on the next one, so a rerun resumes where it stopped.
func (s *ImageSynchronizer) SyncImages(ctx context.Context, opts ImageSyncOptions) *models.ImageSyncResult {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	result := &models.ImageSyncResult{Success: true}

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			result.Success = false
			result.Error = err.Error()
			break
		}

		pageSize := opts.BatchSize
		if opts.Limit > 0 {
			remaining := opts.Limit - result.Processed
			if remaining <= 0 {
				break
			}
			pageSize = min(pageSize, remaining)
		}

		props, err := s.store.ListImageCandidates(ctx, storage.ImageQuery{
			AfterMLSID: after,
			Limit:      pageSize,
			OnlyActive: opts.OnlyActive,
			MLSIDs:     opts.MLSIDs,
		})
		if err != nil {
			result.Success = false
			result.Error = fmt.Sprintf("list image candidates: %v", err)
			break
		}
		if len(props) == 0 {
			break
		}
		after = props[len(props)-1].MLSID

		if err := s.syncBatch(ctx, props, opts, result); err != nil {
			result.Success = false
			result.Error = err.Error()
			break
		}
	}

	logging.Info().
		Int("processed", result.Processed).
		Int("updated", result.Updated).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("image sync finished")
	return result
}

// syncBatch returns an error only when the whole run must stop.
func (s *ImageSynchronizer) syncBatch(ctx context.Context, props []models.Property, opts ImageSyncOptions, result *models.ImageSyncResult) error {
	var ids []string
	for i := range props {
		if skipReason(&props[i], opts) == "" {
			ids = append(ids, props[i].MLSID)
		}
	}

	var manifests map[string][]models.MediaItem
	if len(ids) > 0 {
		var err error
		manifests, err = s.media.FetchMedia(ctx, ids)
		if mls.IsFatalAuth(err) {
			return fmt.Errorf("fetch media: %w", err)
		}
		if err != nil {
			logging.Warn().Err(err).Int("properties", len(ids)).Msg("media lookup failed for batch")
			for i := range props {
				result.Processed++
				if skipReason(&props[i], opts) != "" {
					result.Skipped++
					continue
				}
				result.Failed++
				addCapped(&result.Errors, fmt.Sprintf("%s: fetch media: %v", props[i].MLSID, err), opts.MaxErrors)
			}
			return nil
		}
	}

	for i := range props {
		p := &props[i]
		outcome := s.SyncProperty(ctx, p, manifests[p.MLSID], opts)
		result.Processed++
		switch outcome.Action {
		case ImageUpdated:
			result.Updated++
		case ImageSkipped:
			result.Skipped++
		case ImageFailed:
			result.Failed++
			addCapped(&result.Errors, outcome.Err.Error(), opts.MaxErrors)
		}
	}
	return nil
}

func addCapped(errs *[]string, msg string, limit int) {
	if limit > 0 && len(*errs) >= limit {
		return
	}
	*errs = append(*errs, msg)
}
