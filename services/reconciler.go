package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mls_sync/identity"
	"mls_sync/logging"
	"mls_sync/metrics"
	"mls_sync/models"
	"mls_sync/storage"
)

type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
	ActionError     Action = "error"
)

// ReconciliationError ties a per-record failure to its listing.
type ReconciliationError struct {
	MLSID string
	Err   error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("%s: %v", e.MLSID, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// Outcome describes what reconciling one record did to the store.
type Outcome struct {
	MLSID          string
	Action         Action
	StatusChanged  bool
	PreviousStatus models.ListingStatus
	AddressChanged bool
	Reactivated    bool
	Images         ImageAction // empty when the record carried no manifest
	Property       *models.Property
	Err            error
}

// NeedsGeocode reports whether the stored property lacks coordinates after
// this reconcile created it or moved its address.
func (o Outcome) NeedsGeocode() bool {
	if o.Property == nil || o.Property.HasCoordinates() {
		return false
	}
	return o.Action == ActionCreated || o.AddressChanged
}

// Reconciler upserts feed records into the property store, keyed by mls_id.
// The feed is authoritative for status, price and specs; coordinates and
// cached images are kept unless the address changes.
type Reconciler struct {
	store  storage.PropertyStore
	images *ImageSynchronizer
	now    func() time.Time
}

// NewReconciler creates a Reconciler. images may be nil, in which case
// manifests on incoming records are ignored.
func NewReconciler(store storage.PropertyStore, images *ImageSynchronizer) *Reconciler {
	return &Reconciler{
		store:  store,
		images: images,
		now:    time.Now,
	}
}

// Reconcile applies one record. Failures are returned in the Outcome, never
// as a panic or error, so the caller's batch keeps going.
func (r *Reconciler) Reconcile(ctx context.Context, rec models.ListingRecord) Outcome {
	out := r.reconcile(ctx, &rec)
	if out.Action == ActionError {
		metrics.SyncRecords.WithLabelValues("failed").Inc()
	} else {
		metrics.SyncRecords.WithLabelValues(string(out.Action)).Inc()
	}
	return out
}

func (r *Reconciler) reconcile(ctx context.Context, rec *models.ListingRecord) Outcome {
	out := Outcome{MLSID: rec.MLSID}
	if rec.MLSID == "" {
		out.Action = ActionError
		out.Err = &ReconciliationError{Err: errors.New("record has no mls_id")}
		return out
	}

	now := r.now().UTC()
	hash := identity.ContentHash(rec)

	existing, err := r.store.GetProperty(ctx, rec.MLSID)
	if err != nil {
		return r.fail(ctx, out, fmt.Errorf("get property: %w", err))
	}

	if existing == nil {
		p := &models.Property{}
		applyRecord(p, rec, hash, now)
		if err := r.store.UpsertProperty(ctx, p); err != nil {
			return r.fail(ctx, out, fmt.Errorf("insert property: %w", err))
		}
		out.Action = ActionCreated
		out.Property = p
		out.Images = r.applyImages(ctx, p, rec)
		return out
	}

	out.Property = existing
	out.PreviousStatus = existing.Status

	if isUnchanged(existing, rec, hash) && existing.IsActive {
		if err := r.store.TouchProperty(ctx, rec.MLSID, now); err != nil {
			return r.fail(ctx, out, fmt.Errorf("touch property: %w", err))
		}
		existing.LastSyncedAt = now
		existing.SyncFailed, existing.SyncError = false, ""
		out.Action = ActionUnchanged
		out.Images = r.applyImages(ctx, existing, rec)
		return out
	}

	out.StatusChanged = existing.Status != rec.Status
	out.AddressChanged = identity.AddressKey(existing) != identity.RecordAddressKey(rec)
	out.Reactivated = !existing.IsActive

	applyRecord(existing, rec, hash, now)
	if err := r.store.UpsertProperty(ctx, existing); err != nil {
		return r.fail(ctx, out, fmt.Errorf("update property: %w", err))
	}
	if out.AddressChanged {
		if err := r.store.ClearCoordinates(ctx, rec.MLSID); err != nil {
			return r.fail(ctx, out, fmt.Errorf("clear coordinates: %w", err))
		}
		existing.Latitude, existing.Longitude = nil, nil
		existing.GeocodeAttemptedAt = nil
		existing.GeocodeSource = ""
	}

	if out.StatusChanged {
		logging.Info().
			Str("mls_id", rec.MLSID).
			Str("from", string(out.PreviousStatus)).
			Str("to", string(rec.Status)).
			Msg("status changed")
	}
	out.Action = ActionUpdated
	out.Images = r.applyImages(ctx, existing, rec)
	return out
}

// fail records the error on the property, best effort, and turns it into an
// error outcome.
func (r *Reconciler) fail(ctx context.Context, out Outcome, err error) Outcome {
	out.Action = ActionError
	out.Err = &ReconciliationError{MLSID: out.MLSID, Err: err}
	if markErr := r.store.MarkSyncFailed(ctx, out.MLSID, err.Error()); markErr != nil {
		logging.Warn().Err(markErr).Str("mls_id", out.MLSID).Msg("failed to mark sync failure")
	}
	logging.Warn().Err(err).Str("mls_id", out.MLSID).Msg("reconcile failed")
	return out
}

// applyImages runs the image synchronizer with default options when the
// record came with a manifest. A nil manifest means the feed did not tell us,
// so the stored URLs are left alone.
func (r *Reconciler) applyImages(ctx context.Context, p *models.Property, rec *models.ListingRecord) ImageAction {
	if r.images == nil || rec.Media == nil {
		return ""
	}
	outcome := r.images.SyncProperty(ctx, p, rec.Media, DefaultImageSyncOptions())
	if outcome.Err != nil {
		logging.Warn().Err(outcome.Err).Str("mls_id", p.MLSID).Msg("image sync failed")
	}
	return outcome.Action
}

func isUnchanged(p *models.Property, rec *models.ListingRecord, hash string) bool {
	if !rec.ModifiedAt.IsZero() && p.SourceModifiedAt != nil {
		return !rec.ModifiedAt.After(*p.SourceModifiedAt)
	}
	return p.ContentHash != "" && p.ContentHash == hash
}

// applyRecord overwrites the feed-owned fields of p.
func applyRecord(p *models.Property, rec *models.ListingRecord, hash string, now time.Time) {
	p.MLSID = rec.MLSID
	p.StreetNumber = rec.StreetNumber
	p.StreetName = rec.StreetName
	p.StreetSuffix = rec.StreetSuffix
	p.UnitNumber = rec.UnitNumber
	p.City = rec.City
	p.Province = rec.Province
	p.PostalCode = rec.PostalCode
	p.Status = rec.Status
	p.Transaction = rec.TransactionType
	p.Price = rec.Price
	p.Bedrooms = rec.Bedrooms
	p.Bathrooms = rec.Bathrooms
	p.PropertyType = rec.PropertyType
	p.Remarks = rec.Remarks
	p.RawData = rec.Raw.Bytes()
	p.ContentHash = hash
	p.SourceModifiedAt = nil
	if !rec.ModifiedAt.IsZero() {
		modified := rec.ModifiedAt.UTC()
		p.SourceModifiedAt = &modified
	}
	p.LastSyncedAt = now
	p.IsActive = true
	p.DeactivatedAt = nil
	p.SyncFailed = false
	p.SyncError = ""
}
