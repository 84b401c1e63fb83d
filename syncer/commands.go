package syncer

import (
	"context"
	"errors"
	"fmt"

	"mls_sync/models"
	"mls_sync/services"
)

// HandleCommand runs one queued command. Explicit commands run even while
// scheduled syncs are paused.
func (o *Orchestrator) HandleCommand(ctx context.Context, cmd *models.Command) error {
	params, err := cmd.ParseParams()
	if err != nil {
		return fmt.Errorf("parse params for command %d: %w", cmd.ID, err)
	}

	switch cmd.Command {
	case models.CmdFullSync:
		limit := params.Limit
		if limit == 0 {
			limit = o.opts.FullLimit
		}
		return resultErr(o.RunFullSync(ctx, limit, params.BatchSize))
	case models.CmdIncrementalSync:
		maxBatches := params.MaxBatches
		if maxBatches == 0 {
			maxBatches = o.opts.MaxBatches
		}
		return resultErr(o.RunIncrementalSync(ctx, params.BatchSize, maxBatches))
	case models.CmdTargetedSync:
		if len(params.MLSIDs) == 0 {
			return errors.New("targeted_sync needs mls_ids")
		}
		return resultErr(o.RunTargetedSync(ctx, params.MLSIDs))
	case models.CmdRetryFailed:
		return resultErr(o.RetryFailed(ctx, params.Limit))
	case models.CmdSyncImages:
		res, err := o.SyncImages(ctx, params)
		if err != nil {
			return err
		}
		if !res.Success {
			return errors.New(res.Error)
		}
	case models.CmdGeocode:
		res, err := o.GeocodeBatch(ctx, params)
		if err != nil {
			return err
		}
		if res.Error != "" {
			return errors.New(res.Error)
		}
	case models.CmdPause:
		o.SetPaused(true)
	case models.CmdResume:
		o.SetPaused(false)
	default:
		return fmt.Errorf("unknown command: %s", cmd.Command)
	}
	return nil
}

// SyncImages runs the image synchronizer with options taken from params.
func (o *Orchestrator) SyncImages(ctx context.Context, params *models.CommandParams) (*models.ImageSyncResult, error) {
	if o.images == nil {
		return nil, errors.New("image sync not configured")
	}
	opts := services.DefaultImageSyncOptions()
	opts.BatchSize = o.opts.ImageBatchSize
	opts.MaxErrors = o.opts.MaxErrors
	if params != nil {
		opts.MLSIDs = params.MLSIDs
		opts.Limit = params.Limit
		if params.BatchSize > 0 {
			opts.BatchSize = params.BatchSize
		}
		if params.SkipExisting != nil {
			opts.SkipExisting = *params.SkipExisting
		}
	}
	return o.images.SyncImages(ctx, opts), nil
}

// GeocodeBatch runs the geocoding service with options taken from params.
func (o *Orchestrator) GeocodeBatch(ctx context.Context, params *models.CommandParams) (*models.GeocodeRunResult, error) {
	if o.geocoder == nil {
		return nil, errors.New("geocoding not configured")
	}
	opts := services.GeocodeOptions{
		Limit:     o.opts.GeocodeBatchLimit,
		MaxErrors: o.opts.MaxErrors,
	}
	if params != nil {
		if params.Limit > 0 {
			opts.Limit = params.Limit
		}
		opts.BatchSize = params.BatchSize
		opts.Force = params.Force
		opts.FailedOnly = params.FailedOnly
	}
	return o.geocoder.GeocodeBatch(ctx, opts), nil
}

func (o *Orchestrator) SetPaused(paused bool) {
	o.stateMu.Lock()
	o.paused = paused
	o.stateMu.Unlock()
	if paused {
		o.log.Info().Msg("scheduled syncs paused")
	} else {
		o.log.Info().Msg("scheduled syncs resumed")
	}
}

func (o *Orchestrator) IsPaused() bool {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.paused
}

func resultErr(r *models.SyncRunResult) error {
	if r.Success {
		return nil
	}
	return errors.New(r.Error)
}
