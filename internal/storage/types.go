package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal at Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Keep bounds the number of retained runs (default 5000).
	Keep int
}

const defaultKeep = 5000

// RunRecord is one finished task run.
// Keep it compact and schema-stable.
type RunRecord struct {
	RunID      string        `json:"run_id"`
	TaskID     string        `json:"task_id"`
	Name       string        `json:"name"`
	Via        string        `json:"via,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	OK         bool          `json:"ok"`
	Error      string        `json:"error,omitempty"`
}
