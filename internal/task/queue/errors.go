package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyCompleted is returned when Run is called on a task that already
	// reached a terminal state. Tasks run at most once.
	ErrAlreadyCompleted = errors.New("task already completed")
	// ErrAlreadyRunning is returned when Run is called on a task that is in flight.
	ErrAlreadyRunning = errors.New("task already running")
	// ErrWorkerStarted is returned by Start when the worker loop is already running.
	ErrWorkerStarted = errors.New("task queue worker already started")
	// ErrInvalidPriority reports an unknown priority name or value.
	ErrInvalidPriority = errors.New("invalid priority")
	// ErrDuplicatePending is returned by SubmitAndWait when the submission was
	// discarded because a pending task with the same ID exists. The discarded
	// task never runs, so there is nothing to wait for.
	ErrDuplicatePending = errors.New("duplicate task already pending")
)

// UnhandledError is returned by Task.Run when the unit of work failed and no
// caller was waiting for the result. The worker logs it and moves on.
type UnhandledError struct {
	TaskID string
	Err    error
}

func (e *UnhandledError) Error() string {
	return fmt.Sprintf("unhandled failure in task %s: %v", e.TaskID, e.Err)
}

func (e *UnhandledError) Unwrap() error { return e.Err }

// IsMisuse reports whether err is a programming error (re-running a task,
// starting the worker twice) rather than a runtime failure.
func IsMisuse(err error) bool {
	return errors.Is(err, ErrAlreadyCompleted) || errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrWorkerStarted)
}
