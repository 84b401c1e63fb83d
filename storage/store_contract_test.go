package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mls_sync/models"
)

func newTestProperty(mlsID string, active bool) *models.Property {
	beds := 3
	return &models.Property{
		MLSID:        mlsID,
		StreetNumber: "12",
		StreetName:   "King",
		StreetSuffix: "St",
		City:         "Toronto",
		Province:     "ON",
		PostalCode:   "M5H 1A1",
		Status:       models.StatusActive,
		IsActive:     active,
		Transaction:  "For Sale",
		Price:        decimal.RequireFromString("1249000.50"),
		Bedrooms:     &beds,
		RawData:      json.RawMessage(`{"ListingKey":"` + mlsID + `"}`),
		LastSyncedAt: time.Now().UTC().Truncate(time.Second),
	}
}

// runStoreContract exercises behaviour every Store implementation must share.
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("upsert and get", func(t *testing.T) {
		p := newTestProperty("C100", true)
		if err := store.UpsertProperty(ctx, p); err != nil {
			t.Fatalf("UpsertProperty: %v", err)
		}
		if p.ID == 0 {
			t.Fatal("ID not set")
		}
		firstID := p.ID

		p.Price = decimal.NewFromInt(1100000)
		p.Status = models.StatusSold
		if err := store.UpsertProperty(ctx, p); err != nil {
			t.Fatalf("UpsertProperty update: %v", err)
		}
		if p.ID != firstID {
			t.Errorf("ID changed on upsert: %d -> %d", firstID, p.ID)
		}

		got, err := store.GetProperty(ctx, "C100")
		if err != nil {
			t.Fatalf("GetProperty: %v", err)
		}
		if got == nil {
			t.Fatal("property not found")
		}
		if !got.Price.Equal(decimal.NewFromInt(1100000)) || got.Status != models.StatusSold {
			t.Errorf("got price %s status %s", got.Price, got.Status)
		}
		if got.Bedrooms == nil || *got.Bedrooms != 3 || got.Bathrooms != nil {
			t.Errorf("bedrooms %v bathrooms %v", got.Bedrooms, got.Bathrooms)
		}
		if got.HasCoordinates() {
			t.Error("coordinates should be null")
		}

		missing, err := store.GetProperty(ctx, "NOPE")
		if err != nil || missing != nil {
			t.Errorf("GetProperty(missing) = %v, %v; want nil, nil", missing, err)
		}
	})

	t.Run("failure bookkeeping", func(t *testing.T) {
		if err := store.UpsertProperty(ctx, newTestProperty("C200", true)); err != nil {
			t.Fatal(err)
		}
		if err := store.MarkSyncFailed(ctx, "C200", "boom"); err != nil {
			t.Fatalf("MarkSyncFailed: %v", err)
		}
		failed, err := store.ListSyncFailed(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(failed) != 1 || failed[0] != "C200" {
			t.Fatalf("ListSyncFailed = %v", failed)
		}

		if err := store.TouchProperty(ctx, "C200", time.Now()); err != nil {
			t.Fatalf("TouchProperty: %v", err)
		}
		p, _ := store.GetProperty(ctx, "C200")
		if p.SyncFailed || p.SyncError != "" {
			t.Errorf("touch did not clear failure: %+v", p)
		}
	})

	t.Run("images and geocoding", func(t *testing.T) {
		for _, id := range []string{"G1", "G2", "G3"} {
			if err := store.UpsertProperty(ctx, newTestProperty(id, true)); err != nil {
				t.Fatal(err)
			}
		}
		if err := store.SetImageURLs(ctx, "G1", []string{"https://cdn/1.jpg", "https://cdn/2.jpg"}); err != nil {
			t.Fatalf("SetImageURLs: %v", err)
		}
		g1, _ := store.GetProperty(ctx, "G1")
		if len(g1.ImageURLs) != 2 || g1.ImageURLs[1] != "https://cdn/2.jpg" {
			t.Errorf("ImageURLs = %v", g1.ImageURLs)
		}

		page, err := store.ListImageCandidates(ctx, ImageQuery{AfterMLSID: "G1", Limit: 10, OnlyActive: true, MLSIDs: []string{"G1", "G2", "G3"}})
		if err != nil {
			t.Fatalf("ListImageCandidates: %v", err)
		}
		if len(page) != 2 || page[0].MLSID != "G2" || page[1].MLSID != "G3" {
			t.Errorf("keyset page = %+v", page)
		}

		now := time.Now().UTC()
		if err := store.SetCoordinates(ctx, "G1", 43.6, -79.4, models.GeocodeSourceGoogle, now); err != nil {
			t.Fatalf("SetCoordinates: %v", err)
		}
		if err := store.RecordGeocodeAttempt(ctx, "G2", now); err != nil {
			t.Fatalf("RecordGeocodeAttempt: %v", err)
		}

		pending, err := store.ListGeocodeCandidates(ctx, GeocodeQuery{Limit: 100})
		if err != nil {
			t.Fatal(err)
		}
		if !containsMLSID(pending, "G3") || containsMLSID(pending, "G1") || containsMLSID(pending, "G2") {
			t.Errorf("default candidates = %v", mlsIDs(pending))
		}
		failedOnly, _ := store.ListGeocodeCandidates(ctx, GeocodeQuery{Limit: 100, FailedOnly: true})
		if len(failedOnly) != 1 || failedOnly[0].MLSID != "G2" {
			t.Errorf("failed-only candidates = %v", mlsIDs(failedOnly))
		}
		forced, _ := store.ListGeocodeCandidates(ctx, GeocodeQuery{Limit: 100, Force: true})
		if !containsMLSID(forced, "G1") {
			t.Errorf("forced candidates missing G1: %v", mlsIDs(forced))
		}

		g1, _ = store.GetProperty(ctx, "G1")
		if !g1.HasCoordinates() || g1.GeocodeSource != models.GeocodeSourceGoogle || g1.GeocodeAttemptedAt == nil {
			t.Errorf("geocode not persisted: %+v", g1)
		}
	})

	t.Run("update leaves local columns", func(t *testing.T) {
		if err := store.UpsertProperty(ctx, newTestProperty("L1", true)); err != nil {
			t.Fatal(err)
		}
		stale, _ := store.GetProperty(ctx, "L1")
		if err := store.SetCoordinates(ctx, "L1", 43.7, -79.5, models.GeocodeSourceNominatim, time.Now()); err != nil {
			t.Fatal(err)
		}
		if err := store.SetImageURLs(ctx, "L1", []string{"https://cdn/l1.jpg"}); err != nil {
			t.Fatal(err)
		}

		stale.Price = decimal.NewFromInt(999000)
		if err := store.UpsertProperty(ctx, stale); err != nil {
			t.Fatalf("UpsertProperty: %v", err)
		}
		got, _ := store.GetProperty(ctx, "L1")
		if !got.Price.Equal(decimal.NewFromInt(999000)) {
			t.Errorf("price = %s", got.Price)
		}
		if !got.HasCoordinates() || got.GeocodeSource != models.GeocodeSourceNominatim || len(got.ImageURLs) != 1 {
			t.Errorf("update overwrote local columns: %+v", got)
		}

		if err := store.ClearCoordinates(ctx, "L1"); err != nil {
			t.Fatalf("ClearCoordinates: %v", err)
		}
		got, _ = store.GetProperty(ctx, "L1")
		if got.HasCoordinates() || got.GeocodeAttemptedAt != nil || got.GeocodeSource != "" {
			t.Errorf("geocode fields not cleared: %+v", got)
		}
		if len(got.ImageURLs) != 1 {
			t.Errorf("ClearCoordinates touched images: %v", got.ImageURLs)
		}
	})

	t.Run("deactivate missing", func(t *testing.T) {
		for _, id := range []string{"D1", "D2", "D3"} {
			if err := store.UpsertProperty(ctx, newTestProperty(id, true)); err != nil {
				t.Fatal(err)
			}
		}
		all, _ := store.ListImageCandidates(ctx, ImageQuery{OnlyActive: true})
		var keep []string
		for _, p := range all {
			if p.MLSID != "D2" && p.MLSID != "D3" {
				keep = append(keep, p.MLSID)
			}
		}

		n, err := store.DeactivateMissing(ctx, keep, time.Now())
		if err != nil {
			t.Fatalf("DeactivateMissing: %v", err)
		}
		if n != 2 {
			t.Errorf("deactivated = %d, want 2", n)
		}
		d2, _ := store.GetProperty(ctx, "D2")
		if d2 == nil || d2.IsActive || d2.DeactivatedAt == nil {
			t.Errorf("D2 = %+v, want retained and inactive", d2)
		}
		d1, _ := store.GetProperty(ctx, "D1")
		if !d1.IsActive {
			t.Error("D1 should stay active")
		}

		n, err = store.DeactivateMissing(ctx, keep, time.Now())
		if err != nil || n != 0 {
			t.Errorf("second pass = %d, %v; want 0", n, err)
		}
	})

	t.Run("checkpoint", func(t *testing.T) {
		cp, err := store.GetCheckpoint(ctx, "ampre")
		if err != nil || cp != nil {
			t.Fatalf("GetCheckpoint before set = %v, %v", cp, err)
		}
		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		if err := store.SetCheckpoint(ctx, "ampre", at); err != nil {
			t.Fatal(err)
		}
		if err := store.SetCheckpoint(ctx, "ampre", at.Add(time.Hour)); err != nil {
			t.Fatal(err)
		}
		cp, err = store.GetCheckpoint(ctx, "ampre")
		if err != nil || cp == nil {
			t.Fatalf("GetCheckpoint = %v, %v", cp, err)
		}
		if !cp.LastSyncedAt.Equal(at.Add(time.Hour)) {
			t.Errorf("LastSyncedAt = %v", cp.LastSyncedAt)
		}
	})

	t.Run("locks", func(t *testing.T) {
		ok, err := store.AcquireLock(ctx, "sync:ampre", "a", time.Hour)
		if err != nil || !ok {
			t.Fatalf("first acquire = %v, %v", ok, err)
		}
		ok, err = store.AcquireLock(ctx, "sync:ampre", "b", time.Hour)
		if err != nil || ok {
			t.Fatalf("second acquire = %v, %v; want false", ok, err)
		}
		if err := store.ReleaseLock(ctx, "sync:ampre", "b"); err != nil {
			t.Fatal(err)
		}
		if ok, _ := store.AcquireLock(ctx, "sync:ampre", "b", time.Hour); ok {
			t.Fatal("release by non-owner freed the lock")
		}
		if err := store.ReleaseLock(ctx, "sync:ampre", "a"); err != nil {
			t.Fatal(err)
		}
		if ok, _ := store.AcquireLock(ctx, "sync:ampre", "b", time.Hour); !ok {
			t.Fatal("lock not free after owner release")
		}

		if ok, _ := store.AcquireLock(ctx, "expiring", "a", -time.Second); !ok {
			t.Fatal("acquire expiring lock")
		}
		if ok, _ := store.AcquireLock(ctx, "expiring", "b", time.Hour); !ok {
			t.Fatal("expired lock not taken over")
		}
	})

	t.Run("runs and logs", func(t *testing.T) {
		started := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
		run := &models.SyncRun{ID: "run-1", Feed: "ampre", Mode: models.SyncModeFull, StartedAt: started, Status: models.RunStatusRunning}
		if err := store.CreateSyncRun(ctx, run); err != nil {
			t.Fatalf("CreateSyncRun: %v", err)
		}
		finished := started.Add(30 * time.Second)
		run.FinishedAt = &finished
		run.Status = models.RunStatusCompleted
		run.Fetched, run.Synced, run.Deactivated = 10, 4, 2
		if err := store.FinishSyncRun(ctx, run); err != nil {
			t.Fatalf("FinishSyncRun: %v", err)
		}

		skipped := &models.SyncRun{ID: "run-2", Feed: "ampre", Mode: models.SyncModeIncremental, StartedAt: started.Add(time.Second), Status: models.RunStatusSkipped}
		if err := store.CreateSyncRun(ctx, skipped); err != nil {
			t.Fatal(err)
		}

		last, err := store.GetLastSyncRun(ctx, "ampre")
		if err != nil || last == nil {
			t.Fatalf("GetLastSyncRun = %v, %v", last, err)
		}
		if last.ID != "run-1" || last.Fetched != 10 || last.FinishedAt == nil {
			t.Errorf("last run = %+v", last)
		}

		runs, err := store.ListSyncRuns(ctx, 10)
		if err != nil || len(runs) != 2 {
			t.Fatalf("ListSyncRuns = %d, %v", len(runs), err)
		}

		entry := &models.SyncLog{RunID: "run-1", Timestamp: time.Now(), Level: models.LogLevelInfo, Message: "hello", Feed: "ampre"}
		if err := store.AddSyncLog(ctx, entry); err != nil {
			t.Fatalf("AddSyncLog: %v", err)
		}
		logs, err := store.GetSyncLogs(ctx, "run-1")
		if err != nil || len(logs) != 1 || logs[0].Message != "hello" {
			t.Fatalf("GetSyncLogs = %+v, %v", logs, err)
		}
	})

	t.Run("commands", func(t *testing.T) {
		id, err := store.EnqueueCommand(ctx, models.CmdTargetedSync, &models.CommandParams{MLSIDs: []string{"X1", "X2"}})
		if err != nil {
			t.Fatalf("EnqueueCommand: %v", err)
		}
		cmds, err := store.GetPendingCommands(ctx)
		if err != nil || len(cmds) != 1 {
			t.Fatalf("GetPendingCommands = %v, %v", cmds, err)
		}
		params, err := cmds[0].ParseParams()
		if err != nil || len(params.MLSIDs) != 2 {
			t.Fatalf("ParseParams = %+v, %v", params, err)
		}
		if err := store.MarkCommandProcessed(ctx, id); err != nil {
			t.Fatal(err)
		}
		if cmds, _ := store.GetPendingCommands(ctx); len(cmds) != 0 {
			t.Errorf("pending after processing = %d", len(cmds))
		}
	})

	t.Run("counts", func(t *testing.T) {
		c, err := store.CountProperties(ctx, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("CountProperties: %v", err)
		}
		if c.Total == 0 || c.Active == 0 || c.Total < c.Active {
			t.Errorf("counts = %+v", c)
		}
		if c.Total-c.Active < 2 {
			t.Errorf("inactive = %d, want at least the 2 deactivated", c.Total-c.Active)
		}
		if c.WithImages != 2 || c.WithCoordinates != 1 || c.GeocodeFailed != 1 {
			t.Errorf("images %d coords %d geocode failed %d", c.WithImages, c.WithCoordinates, c.GeocodeFailed)
		}
		if c.NeedsSync != c.Active {
			t.Errorf("NeedsSync = %d, want all %d active with a future threshold", c.NeedsSync, c.Active)
		}
		if c.OldestSyncedAt == nil {
			t.Error("OldestSyncedAt not set")
		}
		if c.ByStatus[models.StatusSold] != 1 {
			t.Errorf("ByStatus = %v", c.ByStatus)
		}
	})
}

func containsMLSID(props []models.Property, id string) bool {
	for _, p := range props {
		if p.MLSID == id {
			return true
		}
	}
	return false
}

func mlsIDs(props []models.Property) []string {
	out := make([]string, len(props))
	for i, p := range props {
		out[i] = p.MLSID
	}
	return out
}
