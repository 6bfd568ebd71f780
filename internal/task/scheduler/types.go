package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"resticd/internal/eventbus"
	"resticd/internal/task/queue"
	logx "resticd/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	// StartupSpread caps the deterministic per-job delay added to the first
	// fire, so jobs registered together do not all hit the queue at once.
	// Zero disables it.
	StartupSpread time.Duration
}

// Submitter is where fired jobs hand their tasks. *queue.Queue satisfies it.
type Submitter interface {
	Submit(t *queue.Task, p queue.Priority, opts ...queue.SubmitOption) error
}

// BuildFunc produces a fresh task for one fire of a job.
type BuildFunc func() *queue.Task

// Job is a named periodic job.
type Job struct {
	Name string
	// Spec is the human-readable schedule the job was built from ("30m", "@daily").
	Spec     string
	Schedule cron.Schedule
	Priority queue.Priority
	// InitialDelay postpones the first fire after Start (or after Add on a
	// started scheduler). Zero fires right away.
	InitialDelay time.Duration
	Build        BuildFunc
}

// Bus event published whenever a job fires.
const EventFired = "schedule.fired"

// FireEvent is the payload of EventFired.
type FireEvent struct {
	Name   string    `json:"name"`
	At     time.Time `json:"at"`
	Next   time.Time `json:"next"`
	Once   bool      `json:"once,omitempty"`
	TaskID string    `json:"task_id,omitempty"`
	Error  string    `json:"error,omitempty"`
}

type jobState struct {
	job   Job
	timer Timer
	ver   uint64

	prev    time.Time
	next    time.Time
	fires   uint64
	lastErr string
}

type onceState struct {
	at       time.Time
	build    BuildFunc
	priority queue.Priority
	timer    Timer
	ver      uint64
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	clock Clock
	sub   Submitter
	bus   eventbus.Bus

	started bool
	jobs    map[string]*jobState
	once    map[string]*onceState
	seq     uint64

	// Submit error throttling: key is job name.
	warnMu    sync.Mutex
	submitLog map[string]*rate.Sometimes
}

// ScheduleInfo describes one registered job.
type ScheduleInfo struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Priority  string    `json:"priority"`
	Prev      time.Time `json:"prev,omitempty"`
	Next      time.Time `json:"next,omitempty"`
	Fires     uint64    `json:"fires"`
	LastError string    `json:"last_error,omitempty"`
}

// OnceInfo describes a pending one-shot trigger.
type OnceInfo struct {
	Name     string    `json:"name"`
	At       time.Time `json:"at"`
	Priority string    `json:"priority"`
}

type Snapshot struct {
	Started   bool           `json:"started"`
	Schedules []ScheduleInfo `json:"schedules"`
	Once      []OnceInfo     `json:"once"`
}
