package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
)

// State is the lifecycle state of a Task. Transitions are strictly
// New -> Running -> {Succeeded | Failed}.
type State int

const (
	StateNew State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is Succeeded or Failed.
func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

// Work is the opaque unit of work wrapped by a Task.
type Work func(ctx context.Context) (any, error)

// Task is a single schedulable unit of work.
//
// The ID is used for deduplication in the queue and must be supplied by the
// caller: two submissions that should collapse into one share an ID.
type Task struct {
	id   string
	name string
	work Work

	mu      sync.Mutex
	state   State
	value   any
	err     error
	waiters int
	done    chan struct{} // created lazily by the first waiter
}

// NewTask creates a task. It panics on an empty id or nil work.
func NewTask(id, name string, work Work) *Task {
	id = strings.TrimSpace(id)
	if id == "" {
		panic("queue: task id required")
	}
	if work == nil {
		panic("queue: task work is nil")
	}
	if strings.TrimSpace(name) == "" {
		name = id
	}
	return &Task{id: id, name: name, work: work}
}

func (t *Task) ID() string   { return t.id }
func (t *Task) Name() string { return t.name }

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done reports whether the task reached a terminal state.
func (t *Task) Done() bool { return t.State().Terminal() }

// Result returns the stored value and failure, and whether the task is terminal.
func (t *Task) Result() (any, error, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value, t.err, t.state.Terminal()
}

// Run executes the unit of work exactly once.
//
// It returns ErrAlreadyRunning/ErrAlreadyCompleted when the task is not new.
// If the work fails while nobody waits for the result, Run returns an
// *UnhandledError; otherwise the failure is delivered to the waiters and Run
// returns nil.
func (t *Task) Run(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case StateRunning:
		t.mu.Unlock()
		return fmt.Errorf("task %s: %w", t.id, ErrAlreadyRunning)
	case StateSucceeded, StateFailed:
		t.mu.Unlock()
		return fmt.Errorf("task %s: %w", t.id, ErrAlreadyCompleted)
	}
	t.state = StateRunning
	t.mu.Unlock()

	v, err := t.invoke(ctx)

	t.mu.Lock()
	if err != nil {
		t.state = StateFailed
		t.err = err
	} else {
		t.state = StateSucceeded
		t.value = v
	}
	waited := t.waiters > 0
	if t.done != nil {
		close(t.done)
	}
	t.mu.Unlock()

	if err != nil && !waited {
		return &UnhandledError{TaskID: t.id, Err: err}
	}
	return nil
}

// invoke converts panics inside the work into failures so one bad unit of
// work cannot take down the worker.
func (t *Task) invoke(ctx context.Context) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return t.work(ctx)
}

// Wait blocks until the task reaches a terminal state or ctx is done.
// It returns the produced value or the stored failure.
func (t *Task) Wait(ctx context.Context) (any, error) {
	done, release := t.subscribe()
	return t.await(ctx, done, release)
}

// subscribe registers a waiter and returns the completion channel. The state
// check and channel creation happen under the same lock Run uses to publish
// the result, so the signal cannot be missed.
func (t *Task) subscribe() (<-chan struct{}, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waiters++
	if t.done == nil {
		t.done = make(chan struct{})
		if t.state.Terminal() {
			close(t.done)
		}
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			t.mu.Lock()
			t.waiters--
			t.mu.Unlock()
		})
	}
	return t.done, release
}

func (t *Task) await(ctx context.Context, done <-chan struct{}, release func()) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-done:
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateFailed {
		return nil, t.err
	}
	return t.value, nil
}
