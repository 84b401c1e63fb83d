package storage

import (
	"path/filepath"
	"testing"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, newTestSQLite(t))
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	store := newTestSQLite(t)
	if err := store.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
