package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"resticd/internal/eventbus"
	rtsup "resticd/internal/runtime/supervisor"
	logx "resticd/pkg/logx"
)

// Queue is an unbounded, priority-ordered, deduplicating task queue drained
// by exactly one worker goroutine. Producers may submit from any goroutine.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	pending []*entry
	running string

	// wake holds at most one token. Producers leave a token after every
	// insert, so a worker that saw an empty list always finds it.
	wake chan struct{}

	sup *rtsup.Supervisor

	immediateRunning int32

	submitted uint64
	deduped   uint64
	executed  uint64
	failed    uint64

	hmu     sync.Mutex
	history []HistoryItem
}

type entry struct {
	task       *Task
	priority   Priority
	enqueuedAt time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Queue {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		cfg:  cfg,
		log:  log,
		bus:  bus,
		wake: make(chan struct{}, 1),
	}
}

// Submit adds t to the queue.
//
// A pending task with the same ID turns the submission into a silent no-op
// (unless WithoutDedupe is given). Tasks that are already running or finished
// are not considered duplicates.
//
// Immediate priority with a non-empty pending list starts t on its own
// goroutine right away, concurrently with the worker. It bypasses mutual
// exclusion on purpose; set Config.ExclusiveImmediate to forbid that.
func (q *Queue) Submit(t *Task, p Priority, opts ...SubmitOption) error {
	_, err := q.submit(t, p, opts...)
	return err
}

// SubmitAndWait submits t and blocks until it completes or ctx is done,
// returning the task's value or failure. A submission discarded by dedup
// returns ErrDuplicatePending.
func (q *Queue) SubmitAndWait(ctx context.Context, t *Task, p Priority, opts ...SubmitOption) (any, error) {
	if t == nil {
		return nil, errors.New("task is nil")
	}
	// Register as a waiter before the worker can pick the task up, so a fast
	// failure is delivered to us instead of being reported as unhandled.
	done, release := t.subscribe()
	accepted, err := q.submit(t, p, opts...)
	if err != nil {
		release()
		return nil, err
	}
	if !accepted {
		release()
		return nil, ErrDuplicatePending
	}
	return t.await(ctx, done, release)
}

func (q *Queue) submit(t *Task, p Priority, opts ...SubmitOption) (bool, error) {
	if t == nil {
		return false, errors.New("task is nil")
	}
	if !p.Valid() {
		return false, ErrInvalidPriority
	}
	o := submitOptions{dedupe: true}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}

	q.mu.Lock()
	if p == Immediate && q.cfg.ExclusiveImmediate {
		p = Next
	}
	if o.dedupe {
		for _, e := range q.pending {
			if e.task.ID() == t.ID() {
				size := len(q.pending)
				q.mu.Unlock()
				atomic.AddUint64(&q.deduped, 1)
				q.log.Debug("task deduplicated",
					logx.String("action", "add_task"),
					logx.String("status", "duplicate"),
					logx.String("task", t.Name()),
					logx.String("id", t.ID()),
					logx.String("priority", p.String()),
					logx.Int("queue_size", size),
				)
				q.publish(EventDeduped, TaskEvent{ID: t.ID(), Name: t.Name(), Priority: p.String(), QueueSize: size})
				return false, nil
			}
		}
	}

	now := time.Now()
	e := &entry{task: t, priority: p, enqueuedAt: now}
	bypass := false
	switch p {
	case Normal:
		q.pending = append(q.pending, e)
	case Next:
		q.pending = append(q.pending, nil)
		copy(q.pending[1:], q.pending)
		q.pending[0] = e
	case Immediate:
		if len(q.pending) == 0 {
			q.pending = append(q.pending, e)
		} else {
			bypass = true
		}
	}
	size := len(q.pending)
	sup := q.liveSupLocked()
	q.mu.Unlock()

	atomic.AddUint64(&q.submitted, 1)
	q.log.Info("task added",
		logx.String("action", "add_task"),
		logx.String("status", "success"),
		logx.String("task", t.Name()),
		logx.String("priority", p.String()),
		logx.Bool("bypass", bypass),
		logx.Int("queue_size", size),
	)
	q.publish(EventSubmitted, TaskEvent{ID: t.ID(), Name: t.Name(), Priority: p.String(), QueueSize: size})

	if bypass {
		q.runDetached(sup, e)
		return true, nil
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true, nil
}

// Len returns the number of pending tasks (running tasks excluded).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	pend := make([]PendingInfo, 0, len(q.pending))
	for _, e := range q.pending {
		pend = append(pend, PendingInfo{ID: e.task.ID(), Name: e.task.Name(), Priority: e.priority.String(), EnqueuedAt: e.enqueuedAt})
	}
	running := q.running
	started := q.liveSupLocked() != nil
	q.mu.Unlock()

	q.hmu.Lock()
	h := make([]HistoryItem, len(q.history))
	copy(h, q.history)
	q.hmu.Unlock()

	return Snapshot{
		Started:          started,
		Pending:          pend,
		Running:          running,
		ImmediateRunning: int(atomic.LoadInt32(&q.immediateRunning)),
		Submitted:        atomic.LoadUint64(&q.submitted),
		Deduped:          atomic.LoadUint64(&q.deduped),
		Executed:         atomic.LoadUint64(&q.executed),
		Failed:           atomic.LoadUint64(&q.failed),
		History:          h,
	}
}

// Supervisor returns the queue's supervisor (nil if not started).
func (q *Queue) Supervisor() *rtsup.Supervisor {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sup
}

func (q *Queue) publish(typ string, ev TaskEvent) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (q *Queue) record(item HistoryItem) {
	q.hmu.Lock()
	q.history = append(q.history, item)
	if len(q.history) > q.cfg.HistorySize {
		q.history = q.history[len(q.history)-q.cfg.HistorySize:]
	}
	q.hmu.Unlock()
}
