package models

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdFullSync        CommandType = "full_sync"
	CmdIncrementalSync CommandType = "incremental_sync"
	CmdTargetedSync    CommandType = "targeted_sync"
	CmdRetryFailed     CommandType = "retry_failed"
	CmdSyncImages      CommandType = "sync_images"
	CmdGeocode         CommandType = "geocode"
	CmdPause           CommandType = "pause"
	CmdResume          CommandType = "resume"
)

// Command is a queued request, written by the web layer and consumed by the
// daemon's command poller.
type Command struct {
	ID          int64           `json:"id" db:"id"`
	Command     CommandType     `json:"command" db:"command"`
	Params      json.RawMessage `json:"params" db:"params"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at" db:"processed_at"`
}

type CommandParams struct {
	MLSIDs       []string `json:"mls_ids,omitempty"`
	Limit        int      `json:"limit,omitempty"`
	BatchSize    int      `json:"batch_size,omitempty"`
	MaxBatches   int      `json:"max_batches,omitempty"`
	Force        bool     `json:"force,omitempty"`
	FailedOnly   bool     `json:"failed_only,omitempty"`
	SkipExisting *bool    `json:"skip_existing,omitempty"`
}

// ParseParams decodes the command's params, treating null as empty.
func (c *Command) ParseParams() (*CommandParams, error) {
	if c.Params == nil || string(c.Params) == "null" {
		return &CommandParams{}, nil
	}
	var params CommandParams
	if err := json.Unmarshal(c.Params, &params); err != nil {
		return nil, err
	}
	return &params, nil
}
