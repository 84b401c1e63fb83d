package scheduler

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"mls_sync/config"
	"mls_sync/logging"
	"mls_sync/models"
	"mls_sync/storage"
)

func TestMain(m *testing.M) {
	logging.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type fakeSyncer struct {
	mu       sync.Mutex
	paused   bool
	full     int
	incr     int
	handled  []models.CommandType
	failWith error
}

func (f *fakeSyncer) RunFullSync(ctx context.Context, limit, batchSize int) *models.SyncRunResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.full++
	return &models.SyncRunResult{Mode: models.SyncModeFull, Success: true}
}

func (f *fakeSyncer) RunIncrementalSync(ctx context.Context, batchSize, maxBatches int) *models.SyncRunResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incr++
	return &models.SyncRunResult{Mode: models.SyncModeIncremental, Success: true}
}

func (f *fakeSyncer) HandleCommand(ctx context.Context, cmd *models.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, cmd.Command)
	return f.failWith
}

func (f *fakeSyncer) IsPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

type countingWorker struct{ n int }

func (w *countingWorker) Trigger() { w.n++ }

func testConfig() *config.Config {
	return &config.Config{
		Sync: config.SyncConfig{BatchSize: 100, MaxBatches: 10},
	}
}

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "sched.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestProcessCommands(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if _, err := store.EnqueueCommand(ctx, models.CmdTargetedSync, &models.CommandParams{MLSIDs: []string{"X1"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.EnqueueCommand(ctx, models.CmdSyncImages, nil); err != nil {
		t.Fatal(err)
	}

	fake := &fakeSyncer{failWith: errors.New("boom")}
	s := New(testConfig(), fake, store)
	s.processCommands(ctx)

	if len(fake.handled) != 2 || fake.handled[0] != models.CmdTargetedSync || fake.handled[1] != models.CmdSyncImages {
		t.Fatalf("handled = %v", fake.handled)
	}
	pending, err := store.GetPendingCommands(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("failed commands left pending: %+v", pending)
	}

	s.processCommands(ctx)
	if len(fake.handled) != 2 {
		t.Errorf("commands handled twice: %v", fake.handled)
	}
}

func TestScheduledJobsRespectPause(t *testing.T) {
	fake := &fakeSyncer{paused: true}
	s := New(testConfig(), fake, newStore(t))
	images := &countingWorker{}
	s.SetWorkers(images, nil)
	ctx := context.Background()

	s.runFull(ctx)
	s.runIncremental(ctx)
	s.trigger("image sync", images)
	if fake.full != 0 || fake.incr != 0 || images.n != 0 {
		t.Fatalf("ran while paused: full %d incr %d images %d", fake.full, fake.incr, images.n)
	}

	fake.paused = false
	s.runFull(ctx)
	s.runIncremental(ctx)
	s.trigger("image sync", images)
	s.trigger("geocode", nil)
	if fake.full != 1 || fake.incr != 1 || images.n != 1 {
		t.Errorf("after resume: full %d incr %d images %d", fake.full, fake.incr, images.n)
	}

	fake.paused = true
	if res := s.TriggerNow(ctx); !res.Success || fake.incr != 2 {
		t.Errorf("TriggerNow should bypass pause: %+v", res)
	}
}

func TestStartRejectsBadCron(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.IncrementalCron = "every two hours"
	s := New(cfg, &fakeSyncer{}, newStore(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := s.Start(ctx)
	if err == nil || !strings.Contains(err.Error(), "incremental sync") {
		t.Fatalf("Start = %v", err)
	}
}

func TestStartAndStop(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.FullCron = "0 */4 * * *"
	cfg.Scheduler.IncrementalCron = "0 */2 * * *"
	s := New(cfg, &fakeSyncer{}, newStore(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := len(s.cron.Entries()); n != 2 {
		t.Errorf("entries = %d, want 2", n)
	}
	s.Stop()
}
