package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mls_sync/models"
)

func TestReconcileCreatesProperty(t *testing.T) {
	store := newTestStore(t)
	r := NewReconciler(store, nil)

	out := r.Reconcile(context.Background(), newRecord(t, "C1", baseTime))
	if out.Action != ActionCreated {
		t.Fatalf("Action = %s, err %v", out.Action, out.Err)
	}
	if !out.NeedsGeocode() {
		t.Error("new property without coordinates should need geocoding")
	}

	p := mustGet(t, store, "C1")
	if !p.IsActive || p.HasCoordinates() {
		t.Errorf("active %v coords %v", p.IsActive, p.HasCoordinates())
	}
	if p.LastSyncedAt.IsZero() || p.SourceModifiedAt == nil || !p.SourceModifiedAt.Equal(baseTime) {
		t.Errorf("last synced %v source modified %v", p.LastSyncedAt, p.SourceModifiedAt)
	}
	if !p.Price.Equal(decimal.NewFromInt(899000)) {
		t.Errorf("price = %s", p.Price)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	r := NewReconciler(store, nil)
	ctx := context.Background()
	rec := newRecord(t, "C1", baseTime)

	if out := r.Reconcile(ctx, rec); out.Action != ActionCreated {
		t.Fatalf("first = %s", out.Action)
	}
	if out := r.Reconcile(ctx, rec); out.Action != ActionUnchanged {
		t.Fatalf("second = %s", out.Action)
	}
	before := mustGet(t, store, "C1")

	if out := r.Reconcile(ctx, rec); out.Action != ActionUnchanged {
		t.Fatalf("third = %s", out.Action)
	}
	after := mustGet(t, store, "C1")

	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.ContentHash != before.ContentHash || after.Status != before.Status {
		t.Errorf("unchanged reconcile mutated the row: before %+v after %+v", before, after)
	}
}

func TestReconcileUpdateKeepsCoordinates(t *testing.T) {
	store := newTestStore(t)
	r := NewReconciler(store, nil)
	ctx := context.Background()

	r.Reconcile(ctx, newRecord(t, "C1", baseTime))
	if err := store.SetCoordinates(ctx, "C1", 43.64, -79.38, models.GeocodeSourceGoogle, baseTime); err != nil {
		t.Fatal(err)
	}

	rec := newRecord(t, "C1", baseTime.Add(time.Hour))
	rec.Status = models.StatusSold
	rec.Price = decimal.NewFromInt(875000)
	out := r.Reconcile(ctx, rec)
	if out.Action != ActionUpdated || !out.StatusChanged || out.AddressChanged {
		t.Fatalf("outcome = %+v", out)
	}
	if out.PreviousStatus != models.StatusActive {
		t.Errorf("PreviousStatus = %s", out.PreviousStatus)
	}

	p := mustGet(t, store, "C1")
	if p.Status != models.StatusSold || !p.Price.Equal(decimal.NewFromInt(875000)) {
		t.Errorf("status %s price %s", p.Status, p.Price)
	}
	if !p.HasCoordinates() || *p.Latitude != 43.64 || p.GeocodeSource != models.GeocodeSourceGoogle {
		t.Errorf("coordinates lost: %+v", p)
	}
}

func TestReconcileUpdateKeepsConcurrentWorkerWrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	NewReconciler(store, nil).Reconcile(ctx, newRecord(t, "C1", baseTime))

	racing := &interleavingStore{Store: store, mlsID: "C1", write: func(ctx context.Context) error {
		if err := store.SetCoordinates(ctx, "C1", 43.64, -79.38, models.GeocodeSourceGoogle, baseTime); err != nil {
			return err
		}
		return store.SetImageURLs(ctx, "C1", []string{"https://cdn/C1-1.jpg"})
	}}
	rec := newRecord(t, "C1", baseTime.Add(time.Hour))
	rec.Price = decimal.NewFromInt(850000)
	out := NewReconciler(racing, nil).Reconcile(ctx, rec)
	if out.Action != ActionUpdated {
		t.Fatalf("outcome = %+v", out)
	}

	p := mustGet(t, store, "C1")
	if !p.Price.Equal(decimal.NewFromInt(850000)) {
		t.Errorf("price = %s", p.Price)
	}
	if !p.HasCoordinates() || p.GeocodeSource != models.GeocodeSourceGoogle {
		t.Errorf("coordinates written during reconcile were reverted: %+v", p)
	}
	if len(p.ImageURLs) != 1 || p.ImageURLs[0] != "https://cdn/C1-1.jpg" {
		t.Errorf("ImageURLs = %v, want the worker's write", p.ImageURLs)
	}
}

func TestReconcileAddressChangeClearsCoordinates(t *testing.T) {
	store := newTestStore(t)
	r := NewReconciler(store, nil)
	ctx := context.Background()

	r.Reconcile(ctx, newRecord(t, "C1", baseTime))
	store.SetCoordinates(ctx, "C1", 43.64, -79.38, models.GeocodeSourceNominatim, baseTime)

	rec := newRecord(t, "C1", baseTime.Add(time.Hour))
	rec.StreetNumber = "14"
	out := r.Reconcile(ctx, rec)
	if out.Action != ActionUpdated || !out.AddressChanged || out.StatusChanged {
		t.Fatalf("outcome = %+v", out)
	}
	if !out.NeedsGeocode() {
		t.Error("moved property should need geocoding")
	}

	p := mustGet(t, store, "C1")
	if p.HasCoordinates() || p.GeocodeAttemptedAt != nil || p.GeocodeSource != "" {
		t.Errorf("geocode fields not cleared: %+v", p)
	}
}

func TestReconcileFormattingOnlyAddressChangeKeepsCoordinates(t *testing.T) {
	store := newTestStore(t)
	r := NewReconciler(store, nil)
	ctx := context.Background()

	r.Reconcile(ctx, newRecord(t, "C1", baseTime))
	store.SetCoordinates(ctx, "C1", 43.64, -79.38, models.GeocodeSourceGoogle, baseTime)

	rec := newRecord(t, "C1", baseTime.Add(time.Hour))
	rec.StreetSuffix = "Street West"
	out := r.Reconcile(ctx, rec)
	if out.AddressChanged {
		t.Fatal("abbreviation change treated as a move")
	}
	if p := mustGet(t, store, "C1"); !p.HasCoordinates() {
		t.Error("coordinates cleared")
	}
}

func TestReconcileUsesContentHashWithoutTimestamp(t *testing.T) {
	store := newTestStore(t)
	r := NewReconciler(store, nil)
	ctx := context.Background()

	rec := newRecord(t, "C1", time.Time{})
	r.Reconcile(ctx, rec)
	if out := r.Reconcile(ctx, rec); out.Action != ActionUnchanged {
		t.Fatalf("same content = %s", out.Action)
	}

	rec.Price = decimal.NewFromInt(1)
	if out := r.Reconcile(ctx, rec); out.Action != ActionUpdated {
		t.Fatalf("new price = %s", out.Action)
	}
}

func TestReconcileReactivatesInactiveProperty(t *testing.T) {
	store := newTestStore(t)
	r := NewReconciler(store, nil)
	ctx := context.Background()

	rec := newRecord(t, "C1", baseTime)
	r.Reconcile(ctx, rec)
	if n, err := store.DeactivateMissing(ctx, nil, baseTime); err != nil || n != 1 {
		t.Fatalf("DeactivateMissing = %d, %v", n, err)
	}

	out := r.Reconcile(ctx, rec)
	if out.Action != ActionUpdated || !out.Reactivated {
		t.Fatalf("outcome = %+v", out)
	}
	p := mustGet(t, store, "C1")
	if !p.IsActive || p.DeactivatedAt != nil {
		t.Errorf("not reactivated: active %v deactivated_at %v", p.IsActive, p.DeactivatedAt)
	}
}

func TestReconcileErrorIsolation(t *testing.T) {
	store := &failingStore{Store: newTestStore(t), failOn: "C2"}
	r := NewReconciler(store, nil)
	ctx := context.Background()

	var outcomes []Outcome
	for _, id := range []string{"C1", "C2", "C3"} {
		outcomes = append(outcomes, r.Reconcile(ctx, newRecord(t, id, baseTime)))
	}

	var created, failed int
	for _, o := range outcomes {
		switch o.Action {
		case ActionCreated:
			created++
		case ActionError:
			failed++
			var rerr *ReconciliationError
			if !errors.As(o.Err, &rerr) || rerr.MLSID != "C2" {
				t.Errorf("error = %v, want ReconciliationError for C2", o.Err)
			}
		}
	}
	if created != 2 || failed != 1 {
		t.Errorf("created %d failed %d", created, failed)
	}
}

func TestReconcileFailureMarksExistingProperty(t *testing.T) {
	base := newTestStore(t)
	ctx := context.Background()
	NewReconciler(base, nil).Reconcile(ctx, newRecord(t, "C1", baseTime))

	r := NewReconciler(&failingStore{Store: base, failOn: "C1"}, nil)
	out := r.Reconcile(ctx, newRecord(t, "C1", baseTime.Add(time.Hour)))
	if out.Action != ActionError {
		t.Fatalf("Action = %s", out.Action)
	}
	p := mustGet(t, base, "C1")
	if !p.SyncFailed || p.SyncError == "" {
		t.Errorf("sync failure not recorded: %+v", p)
	}

	NewReconciler(base, nil).Reconcile(ctx, newRecord(t, "C1", baseTime.Add(2*time.Hour)))
	if p := mustGet(t, base, "C1"); p.SyncFailed {
		t.Error("successful reconcile did not clear sync_failed")
	}
}

func TestReconcileAppliesManifest(t *testing.T) {
	store := newTestStore(t)
	images := NewImageSynchronizer(store, nil, "Largest")
	r := NewReconciler(store, images)
	ctx := context.Background()

	rec := newRecord(t, "C1", baseTime)
	rec.Media = []models.MediaItem{
		{URL: "https://cdn/2.jpg", Order: 2},
		{URL: "https://cdn/1.jpg", Order: 1},
	}
	out := r.Reconcile(ctx, rec)
	if out.Images != ImageUpdated {
		t.Fatalf("Images = %q", out.Images)
	}
	p := mustGet(t, store, "C1")
	if len(p.ImageURLs) != 2 || p.ImageURLs[0] != "https://cdn/1.jpg" {
		t.Fatalf("ImageURLs = %v", p.ImageURLs)
	}

	update := newRecord(t, "C1", baseTime.Add(time.Hour))
	update.Media = nil
	if out := r.Reconcile(ctx, update); out.Images != "" {
		t.Errorf("nil manifest touched images: %q", out.Images)
	}
	if p := mustGet(t, store, "C1"); len(p.ImageURLs) != 2 {
		t.Errorf("ImageURLs = %v, want untouched", p.ImageURLs)
	}
}
