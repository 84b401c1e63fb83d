package workers

import (
	"context"
	"time"

	"mls_sync/logging"
	"mls_sync/models"
	"mls_sync/storage"
)

// LogFunc is a function that logs to the sync_logs table
type LogFunc func(level models.LogLevel, source, message string)

// NoOpLogger does nothing (default)
var NoOpLogger LogFunc = func(level models.LogLevel, source, message string) {}

// StoreLogger writes worker log lines to sync_logs without a run id, so the
// web layer can show them next to sync runs.
func StoreLogger(store storage.SyncStateStore, feed string) LogFunc {
	return func(level models.LogLevel, source, message string) {
		entry := &models.SyncLog{
			Timestamp: time.Now().UTC(),
			Level:     level,
			Message:   source + ": " + message,
			Feed:      feed,
		}
		if err := store.AddSyncLog(context.Background(), entry); err != nil {
			logging.Debug().Err(err).Str("source", source).Msg("failed to write worker log")
		}
	}
}
