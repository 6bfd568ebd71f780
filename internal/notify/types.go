package notify

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrRateLimit = errors.New("notifier rate limit exceeded")
)

// Sender delivers one alert text.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Config controls the alert pipeline.
type Config struct {
	Enabled       bool
	NotifySuccess bool
	// RatePerMin caps delivered alerts per minute; alerts over budget are dropped.
	RatePerMin int
	QueueSize  int
	RetryMax   int
	RetryBase  time.Duration
}

// Bus event types published by the notifier.
const (
	EventSent    = "notifier.sent"
	EventDropped = "notifier.dropped"
	EventFailed  = "notifier.failed"
)

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	TaskID string    `json:"task_id,omitempty"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

type HistoryItem struct {
	At     time.Time `json:"at"`
	TaskID string    `json:"task_id,omitempty"`
	Text   string    `json:"text"`
}

// Snapshot is a lightweight view for the status endpoint.
type Snapshot struct {
	Enabled bool          `json:"enabled"`
	Sent    uint64        `json:"sent"`
	Dropped uint64        `json:"dropped"`
	Failed  uint64        `json:"failed"`
	History []HistoryItem `json:"history"`
}
