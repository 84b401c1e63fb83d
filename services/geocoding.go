package services

import (
	"context"
	"fmt"
	"time"

	"mls_sync/geocode"
	"mls_sync/logging"
	"mls_sync/models"
	"mls_sync/storage"
)

// Geocoder resolves a property's address. *geocode.Resolver implements it.
type Geocoder interface {
	ResolveProperty(ctx context.Context, p *models.Property, force bool) geocode.Outcome
}

type GeocodeOptions struct {
	Limit      int
	BatchSize  int
	Force      bool
	FailedOnly bool
	MaxErrors  int
}

// GeocodingService persists geocoding results. Coordinates are only ever
// written on success; a failure records the attempt and keeps whatever
// coordinates the property had.
type GeocodingService struct {
	store    storage.PropertyStore
	resolver Geocoder
	now      func() time.Time
}

func NewGeocodingService(store storage.PropertyStore, resolver Geocoder) *GeocodingService {
	return &GeocodingService{
		store:    store,
		resolver: resolver,
		now:      time.Now,
	}
}

// GeocodeProperty resolves p and stores the result. p is updated in place.
func (s *GeocodingService) GeocodeProperty(ctx context.Context, p *models.Property, force bool) (geocode.Outcome, error) {
	outcome := s.resolver.ResolveProperty(ctx, p, force)
	if outcome.Skipped {
		return outcome, nil
	}
	if err := ctx.Err(); err != nil {
		return outcome, err
	}

	now := s.now().UTC()
	if outcome.OK() {
		if err := s.store.SetCoordinates(ctx, p.MLSID, outcome.Point.Lat, outcome.Point.Lng, outcome.Source, now); err != nil {
			return outcome, fmt.Errorf("set coordinates %s: %w", p.MLSID, err)
		}
		lat, lng := outcome.Point.Lat, outcome.Point.Lng
		p.Latitude, p.Longitude = &lat, &lng
		p.GeocodeSource = outcome.Source
		p.GeocodeAttemptedAt = &now
		return outcome, nil
	}

	if err := s.store.RecordGeocodeAttempt(ctx, p.MLSID, now); err != nil {
		return outcome, fmt.Errorf("record geocode attempt %s: %w", p.MLSID, err)
	}
	p.GeocodeAttemptedAt = &now
	return outcome, nil
}

// GeocodeBatch geocodes up to opts.Limit candidates:
//
//	default     active properties never attempted
//	FailedOnly  active properties attempted without success
//	Force       every active property, even with coordinates
func (s *GeocodingService) GeocodeBatch(ctx context.Context, opts GeocodeOptions) *models.GeocodeRunResult {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = 50
	}
	result := &models.GeocodeRunResult{BySource: make(map[string]int)}

	var afterID int64
	for {
		pageSize := opts.BatchSize
		if opts.Limit > 0 {
			remaining := opts.Limit - result.Processed
			if remaining <= 0 {
				break
			}
			pageSize = min(pageSize, remaining)
		}

		props, err := s.store.ListGeocodeCandidates(ctx, storage.GeocodeQuery{
			AfterID:    afterID,
			Limit:      pageSize,
			Force:      opts.Force,
			FailedOnly: opts.FailedOnly,
		})
		if err != nil {
			result.Error = fmt.Sprintf("list geocode candidates: %v", err)
			break
		}
		if len(props) == 0 {
			break
		}
		afterID = props[len(props)-1].ID

		for i := range props {
			p := &props[i]
			outcome, err := s.GeocodeProperty(ctx, p, opts.Force)
			if ctx.Err() != nil {
				result.Error = ctx.Err().Error()
				return s.finish(result)
			}
			result.Processed++

			switch {
			case err != nil:
				result.Failed++
				addCapped(&result.Errors, err.Error(), opts.MaxErrors)
			case outcome.Skipped:
				result.Skipped++
			case outcome.OK():
				result.Succeeded++
				result.BySource[outcome.Source]++
			default:
				result.Failed++
				addCapped(&result.Errors, fmt.Sprintf("%s: %s", p.MLSID, outcome.Failure.Reason), opts.MaxErrors)
			}
		}
	}

	return s.finish(result)
}

func (s *GeocodingService) finish(result *models.GeocodeRunResult) *models.GeocodeRunResult {
	logging.Info().
		Int("processed", result.Processed).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("geocode batch finished")
	return result
}
