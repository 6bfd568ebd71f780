package queue

import "time"

// Config controls the task queue.
type Config struct {
	// HistorySize bounds the in-memory ring of executed runs (default 200).
	HistorySize int

	// ExclusiveImmediate downgrades Immediate submissions to Next so that no
	// task ever runs beside the worker. Off by default: Immediate then runs
	// concurrently with the worker, which the shared repository must tolerate.
	ExclusiveImmediate bool
}

// Bus event types published by the queue.
const (
	EventSubmitted = "task.submitted"
	EventDeduped   = "task.deduped"
	EventStarted   = "task.started"
	EventFinished  = "task.finished"
	EventFailed    = "task.failed"
)

// Execution paths reported in TaskEvent.Via.
const (
	ViaWorker    = "worker"
	ViaImmediate = "immediate"
)

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	RunID      string        `json:"run_id,omitempty"`
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Priority   string        `json:"priority,omitempty"`
	Via        string        `json:"via,omitempty"`
	Started    time.Time     `json:"started,omitempty"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	QueueSize  int           `json:"queue_size"`
	Waited     bool          `json:"waited,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// HistoryItem is one executed run kept in the in-memory ring.
type HistoryItem struct {
	RunID      string        `json:"run_id"`
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Via        string        `json:"via"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// PendingInfo describes a task waiting in the queue.
type PendingInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Priority   string    `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Started          bool          `json:"started"`
	Pending          []PendingInfo `json:"pending"`
	Running          string        `json:"running,omitempty"`
	ImmediateRunning int           `json:"immediate_running"`

	Submitted uint64 `json:"submitted"`
	Deduped   uint64 `json:"deduped"`
	Executed  uint64 `json:"executed"`
	Failed    uint64 `json:"failed"`

	History []HistoryItem `json:"history"`
}

// SubmitOption tweaks a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	dedupe bool
}

// WithoutDedupe enqueues the task even if a pending task has the same ID.
func WithoutDedupe() SubmitOption {
	return func(o *submitOptions) { o.dedupe = false }
}
