package models

import (
	"encoding/json"
	"time"
)

type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
	SyncModeTargeted    SyncMode = "targeted"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusAborted   RunStatus = "aborted"
	RunStatusSkipped   RunStatus = "skipped"
)

// SyncRunResult summarises one orchestrator run. It is returned to the
// caller; the sync_runs table only keeps its counters.
type SyncRunResult struct {
	RunID          string     `json:"run_id"`
	Mode           SyncMode   `json:"mode"`
	Fetched        int        `json:"fetched"`
	Synced         int        `json:"synced"`
	Updated        int        `json:"updated"`
	Unchanged      int        `json:"unchanged"`
	StatusChanged  int        `json:"status_changed"`
	Deactivated    int        `json:"deactivated"`
	Failed         int        `json:"failed"`
	Errors         []string   `json:"errors"`
	ErrorsDropped  int        `json:"errors_dropped"`
	Since          *time.Time `json:"since,omitempty"`
	Success        bool       `json:"success"`
	Partial        bool       `json:"partial"`
	AlreadyRunning bool       `json:"already_running"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     time.Time  `json:"finished_at"`
}

// AddError appends a per-item error, keeping at most limit messages.
func (r *SyncRunResult) AddError(msg string, limit int) {
	if limit > 0 && len(r.Errors) >= limit {
		r.ErrorsDropped++
		return
	}
	r.Errors = append(r.Errors, msg)
}

func (r *SyncRunResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Status maps the result onto the persisted run status.
func (r *SyncRunResult) Status() RunStatus {
	switch {
	case r.AlreadyRunning:
		return RunStatusSkipped
	case !r.Success:
		return RunStatusAborted
	case r.Partial:
		return RunStatusPartial
	default:
		return RunStatusCompleted
	}
}

func (r *SyncRunResult) ToJSON() json.RawMessage {
	data, _ := json.Marshal(r)
	return data
}

// SyncRun is the persisted history row for a run.
type SyncRun struct {
	ID            string     `json:"id" db:"id"`
	Feed          string     `json:"feed" db:"feed"`
	Mode          SyncMode   `json:"mode" db:"mode"`
	StartedAt     time.Time  `json:"started_at" db:"started_at"`
	FinishedAt    *time.Time `json:"finished_at" db:"finished_at"`
	Status        RunStatus  `json:"status" db:"status"`
	Fetched       int        `json:"fetched" db:"fetched"`
	Synced        int        `json:"synced" db:"synced"`
	Updated       int        `json:"updated" db:"updated"`
	StatusChanged int        `json:"status_changed" db:"status_changed"`
	Deactivated   int        `json:"deactivated" db:"deactivated"`
	Failed        int        `json:"failed" db:"failed"`
	ErrorMessage  string     `json:"error_message" db:"error_message"`
}

// SyncCheckpoint marks the lower bound of the next incremental run.
type SyncCheckpoint struct {
	Feed         string    `json:"feed" db:"feed"`
	LastSyncedAt time.Time `json:"last_synced_at" db:"last_synced_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

type ImageSyncResult struct {
	Processed int      `json:"processed"`
	Updated   int      `json:"updated"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
	Success   bool     `json:"success"`
	Error     string   `json:"error,omitempty"`
}

type GeocodeRunResult struct {
	Processed int            `json:"processed"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	BySource  map[string]int `json:"by_source"`
	Errors    []string       `json:"errors"`
	Error     string         `json:"error,omitempty"`
}

// StatsSnapshot is a read-only view of the property store.
type StatsSnapshot struct {
	Total           int                   `json:"total"`
	Active          int                   `json:"active"`
	Inactive        int                   `json:"inactive"`
	ByStatus        map[ListingStatus]int `json:"by_status"`
	NeedsSync       int                   `json:"needs_sync"`
	WithImages      int                   `json:"with_images"`
	ImageCoverage   float64               `json:"image_coverage_pct"`
	WithCoordinates int                   `json:"with_coordinates"`
	GeocodeCoverage float64               `json:"geocode_coverage_pct"`
	GeocodeFailed   int                   `json:"geocode_failed"`
	SyncFailed      int                   `json:"sync_failed"`
	OldestSyncedAt  *time.Time            `json:"oldest_synced_at,omitempty"`
	CheckpointAt    *time.Time            `json:"checkpoint_at,omitempty"`
	LastRun         *SyncRun              `json:"last_run,omitempty"`
	StaleThreshold  time.Duration         `json:"stale_threshold"`
	GeneratedAt     time.Time             `json:"generated_at"`
}

// Progress is emitted by the orchestrator while a run advances.
type Progress struct {
	RunID     string
	Mode      SyncMode
	Phase     string
	Page      int
	Fetched   int
	Processed int
}
