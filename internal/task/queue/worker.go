package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	rtsup "resticd/internal/runtime/supervisor"
	logx "resticd/pkg/logx"
)

// Start launches the single worker loop. It returns ErrWorkerStarted if the
// worker is already running. The worker stops when ctx is canceled or Stop is called.
func (q *Queue) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.sup != nil {
		select {
		case <-q.sup.Done():
			// previous worker exited on its own (parent ctx canceled or a
			// timed-out Stop finished since)
		default:
			q.mu.Unlock()
			return ErrWorkerStarted
		}
	}
	sup := rtsup.New(ctx,
		rtsup.WithLogger(q.log),
		// task failures never stop the worker; treat supervisor errors as best-effort.
		rtsup.WithCancelOnError(false),
	)
	q.sup = sup
	size := len(q.pending)
	q.mu.Unlock()

	// A panic escaping the loop restarts it; pending tasks stay in place.
	sup.GoRestart("worker", q.loop, rtsup.WithPublishFirstError(true))
	q.log.Info("worker started", logx.String("action", "run"), logx.Int("queue_size", size))
	return nil
}

// Stop cancels the worker. The task in flight (and any immediate task) runs
// to completion; Stop waits for it until ctx is done. Pending tasks are not
// persisted; they stay in this Queue and run only if it is started again.
//
// If ctx ends first, Start keeps returning ErrWorkerStarted until the old
// worker has exited.
func (q *Queue) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	sup := q.sup
	q.mu.Unlock()
	if sup == nil {
		return nil
	}
	start := time.Now()
	sup.Cancel()
	err := sup.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		q.log.Warn("worker still finishing", logx.Duration("waited", time.Since(start)), logx.Err(err))
		return err
	}
	q.mu.Lock()
	if q.sup == sup {
		q.sup = nil
	}
	q.mu.Unlock()
	q.log.Info("worker stopped", logx.Duration("took", time.Since(start)), logx.Int("queue_size", q.Len()))
	return nil
}

// liveSupLocked returns the supervisor of a worker that has not been asked
// to stop, or nil.
func (q *Queue) liveSupLocked() *rtsup.Supervisor {
	if q.sup == nil || q.sup.Context().Err() != nil {
		return nil
	}
	return q.sup
}

func (q *Queue) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e, ok := q.next(ctx)
		if !ok {
			return ctx.Err()
		}
		q.execOne(ctx, e, ViaWorker)
	}
}

// next pops the front of the pending list, parking on the wake channel while
// the list is empty.
func (q *Queue) next(ctx context.Context) (*entry, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			e := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.running = e.task.ID()
			q.mu.Unlock()
			return e, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.wake:
		}
	}
}

func (q *Queue) runDetached(sup *rtsup.Supervisor, e *entry) {
	atomic.AddInt32(&q.immediateRunning, 1)
	run := func(ctx context.Context) error {
		defer atomic.AddInt32(&q.immediateRunning, -1)
		q.execOne(ctx, e, ViaImmediate)
		return nil
	}
	if sup != nil {
		sup.Go("immediate."+e.task.ID(), run)
		return
	}
	go func() { _ = run(context.Background()) }()
}

func (q *Queue) execOne(ctx context.Context, e *entry, via string) {
	t := e.task
	start := time.Now()
	queueDelay := start.Sub(e.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	runID := uuid.NewString()
	size := q.Len()

	q.log.Info("running task",
		logx.String("action", "run_task"),
		logx.String("status", "starting"),
		logx.String("task", t.Name()),
		logx.String("via", via),
		logx.Duration("queue_delay", queueDelay),
		logx.Int("queue_size", size),
	)
	q.publish(EventStarted, TaskEvent{RunID: runID, ID: t.ID(), Name: t.Name(), Priority: e.priority.String(), Via: via, Started: start, QueueDelay: queueDelay, QueueSize: size})

	// Individual runs are never canceled by the queue: a stopping worker lets
	// the current task finish.
	err := t.Run(context.WithoutCancel(ctx))

	if via == ViaWorker {
		q.mu.Lock()
		q.running = ""
		q.mu.Unlock()
	}

	dur := time.Since(start)
	item := HistoryItem{RunID: runID, ID: t.ID(), Name: t.Name(), Via: via, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := TaskEvent{RunID: runID, ID: t.ID(), Name: t.Name(), Priority: e.priority.String(), Via: via, Started: start, QueueDelay: queueDelay, Duration: dur, QueueSize: q.Len()}

	if IsMisuse(err) {
		item.Error = err.Error()
		q.record(item)
		q.log.Error("task rejected", logx.String("action", "run_task"), logx.String("status", "misuse"), logx.String("task", t.Name()), logx.Err(err))
		return
	}

	atomic.AddUint64(&q.executed, 1)
	_, failure, _ := t.Result()
	if failure == nil {
		q.record(item)
		q.log.Info("task completed", logx.String("action", "run_task"), logx.String("status", "success"), logx.String("task", t.Name()), logx.Duration("dur", dur), logx.Int("queue_size", ev.QueueSize))
		q.publish(EventFinished, ev)
		return
	}

	atomic.AddUint64(&q.failed, 1)
	item.Error = failure.Error()
	ev.Error = item.Error
	q.record(item)

	var unhandled *UnhandledError
	if errors.As(err, &unhandled) {
		q.log.Error("unexpected failure on task run", logx.String("action", "run_task"), logx.String("status", "failed"), logx.String("task", t.Name()), logx.Duration("dur", dur), logx.Err(unhandled.Err))
	} else {
		ev.Waited = true
		q.log.Warn("task failed; delivered to waiter", logx.String("action", "run_task"), logx.String("status", "failed"), logx.String("task", t.Name()), logx.Duration("dur", dur), logx.Err(failure))
	}
	q.publish(EventFailed, ev)
}
