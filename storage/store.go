package storage

import (
	"context"
	"time"

	"mls_sync/models"
)

// ImageQuery pages properties for image sync in mls_id order.
type ImageQuery struct {
	AfterMLSID string
	Limit      int
	OnlyActive bool
	MLSIDs     []string // restricts the scan when non-empty
}

// GeocodeQuery selects geocoding candidates in id order.
//
//	default     active, no coordinates, never attempted
//	FailedOnly  active, no coordinates, attempted before
//	Force       every active property
type GeocodeQuery struct {
	AfterID    int64
	Limit      int
	Force      bool
	FailedOnly bool
}

// PropertyCounts backs the stats report.
type PropertyCounts struct {
	Total           int
	Active          int
	ByStatus        map[models.ListingStatus]int
	NeedsSync       int
	WithImages      int
	WithCoordinates int
	GeocodeFailed   int
	SyncFailed      int
	OldestSyncedAt  *time.Time
}

type PropertyStore interface {
	GetProperty(ctx context.Context, mlsID string) (*models.Property, error)
	// UpsertProperty writes p keyed by mls_id and sets p.ID. Coordinates,
	// geocode bookkeeping and image_urls are written on insert only; an
	// update leaves them to the geocode and image writers.
	UpsertProperty(ctx context.Context, p *models.Property) error
	// TouchProperty records that an unchanged listing was seen at t.
	TouchProperty(ctx context.Context, mlsID string, t time.Time) error
	MarkSyncFailed(ctx context.Context, mlsID, message string) error
	ListSyncFailed(ctx context.Context, limit int) ([]string, error)
	// DeactivateMissing marks every active property whose mls_id is not in
	// seen as inactive, in one transaction, and returns how many changed.
	DeactivateMissing(ctx context.Context, seen []string, at time.Time) (int, error)

	ListImageCandidates(ctx context.Context, q ImageQuery) ([]models.Property, error)
	SetImageURLs(ctx context.Context, mlsID string, urls []string) error

	ListGeocodeCandidates(ctx context.Context, q GeocodeQuery) ([]models.Property, error)
	SetCoordinates(ctx context.Context, mlsID string, lat, lng float64, source string, at time.Time) error
	RecordGeocodeAttempt(ctx context.Context, mlsID string, at time.Time) error
	// ClearCoordinates drops coordinates and geocode bookkeeping so the
	// property is picked up by the next geocode batch.
	ClearCoordinates(ctx context.Context, mlsID string) error

	CountProperties(ctx context.Context, staleBefore time.Time) (*PropertyCounts, error)
}

type SyncStateStore interface {
	GetCheckpoint(ctx context.Context, feed string) (*models.SyncCheckpoint, error)
	SetCheckpoint(ctx context.Context, feed string, t time.Time) error

	// AcquireLock takes name for owner until ttl elapses. It returns false
	// without blocking when another owner holds an unexpired lock.
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error

	CreateSyncRun(ctx context.Context, run *models.SyncRun) error
	FinishSyncRun(ctx context.Context, run *models.SyncRun) error
	GetLastSyncRun(ctx context.Context, feed string) (*models.SyncRun, error)
	ListSyncRuns(ctx context.Context, limit int) ([]models.SyncRun, error)
	AddSyncLog(ctx context.Context, l *models.SyncLog) error
	GetSyncLogs(ctx context.Context, runID string) ([]models.SyncLog, error)
}

type CommandStore interface {
	GetPendingCommands(ctx context.Context) ([]models.Command, error)
	MarkCommandProcessed(ctx context.Context, id int64) error
	EnqueueCommand(ctx context.Context, cmd models.CommandType, params *models.CommandParams) (int64, error)
}

// Store is the full persistence surface. SQLiteStore and PostgresStore both
// implement it.
type Store interface {
	PropertyStore
	SyncStateStore
	CommandStore
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
