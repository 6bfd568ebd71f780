package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"resticd/internal/eventbus"
	"resticd/internal/task/queue"
	logx "resticd/pkg/logx"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	errNilTask    = errors.New("job built a nil task")
)

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the real clock (tests).
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func New(cfg Config, sub Submitter, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:       cfg,
		log:       log,
		clock:     RealClock(),
		sub:       sub,
		bus:       bus,
		jobs:      map[string]*jobState{},
		once:      map[string]*onceState{},
		submitLog: map[string]*rate.Sometimes{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Apply swaps the scheduler config. A new StartupSpread affects jobs armed afterwards.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Start arms every registered job and pending one-shot trigger.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	now := s.clock.Now()
	for name, js := range s.jobs {
		s.armLocked(name, js, s.firstFireLocked(js.job, now))
	}
	for name, o := range s.once {
		s.armOnceLocked(name, o, now)
	}
	s.log.Info("service started", logx.Int("schedules", len(s.jobs)), logx.Int("once", len(s.once)))
}

// Stop disarms all timers. Definitions stay registered and are re-armed by
// the next Start. Already submitted tasks are not affected.
func (s *Service) Stop(ctx context.Context) {
	_ = ctx
	start := time.Now()

	s.mu.Lock()
	s.started = false
	for _, js := range s.jobs {
		if js.timer != nil {
			js.timer.Stop()
			js.timer = nil
		}
		js.next = time.Time{}
	}
	for _, o := range s.once {
		if o.timer != nil {
			o.timer.Stop()
			o.timer = nil
		}
	}
	s.mu.Unlock()

	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) firstFireLocked(job Job, now time.Time) time.Time {
	delay := job.InitialDelay
	if delay < 0 {
		delay = 0
	}
	return now.Add(delay + startupSpread(job.Name, s.cfg.StartupSpread))
}

// armLocked (re)arms js to fire at `at`. Call with s.mu held.
func (s *Service) armLocked(name string, js *jobState, at time.Time) {
	if js.timer != nil {
		js.timer.Stop()
	}
	s.seq++
	ver := s.seq
	js.ver = ver
	js.next = at
	delay := at.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	js.timer = s.clock.AfterFunc(delay, func() { s.fire(name, ver) })
}

func (s *Service) armOnceLocked(name string, o *onceState, now time.Time) {
	if o.timer != nil {
		o.timer.Stop()
	}
	s.seq++
	ver := s.seq
	o.ver = ver
	delay := o.at.Sub(now)
	if delay < 0 {
		delay = 0
	}
	o.timer = s.clock.AfterFunc(delay, func() { s.fireOnce(name, ver) })
}

// fire runs one occurrence of a periodic job: the next occurrence is armed
// first, then the task is built and submitted outside the lock.
func (s *Service) fire(name string, ver uint64) {
	s.mu.Lock()
	js, ok := s.jobs[name]
	if !ok || !s.started || js.ver != ver {
		// stale timer
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	js.prev = now
	js.fires++
	next := js.job.Schedule.Next(now)
	if next.IsZero() {
		js.timer = nil
		js.next = time.Time{}
		s.log.Warn("schedule has no further occurrences", logx.String("schedule", name), logx.String("spec", js.job.Spec))
	} else {
		s.armLocked(name, js, next)
	}
	job := js.job
	s.mu.Unlock()

	taskID, err := s.submit(job.Name, job.Build, job.Priority)

	s.mu.Lock()
	if cur := s.jobs[name]; cur == js {
		if err != nil {
			js.lastErr = err.Error()
		} else {
			js.lastErr = ""
		}
	}
	s.mu.Unlock()

	s.log.Debug("schedule fired",
		logx.String("schedule", name),
		logx.String("task", taskID),
		logx.String("priority", job.Priority.String()),
		logx.Time("next", next),
	)
	s.publish(FireEvent{Name: name, At: now, Next: next, TaskID: taskID, Error: errString(err)})
	if err != nil {
		s.reportSubmitError(name, err)
	}
}

func (s *Service) fireOnce(name string, ver uint64) {
	s.mu.Lock()
	o, ok := s.once[name]
	if !ok || !s.started || o.ver != ver {
		s.mu.Unlock()
		return
	}
	delete(s.once, name)
	now := s.clock.Now()
	s.mu.Unlock()

	taskID, err := s.submit(name, o.build, o.priority)
	s.log.Debug("one-shot fired", logx.String("schedule", name), logx.String("task", taskID))
	s.publish(FireEvent{Name: name, At: now, Once: true, TaskID: taskID, Error: errString(err)})
	if err != nil {
		s.reportSubmitError(name, err)
	}
}

// submit builds and submits one task. Panics in build or Submit are recovered
// so a broken job cannot kill the timer goroutine.
func (s *Service) submit(name string, build BuildFunc, p queue.Priority) (taskID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job %s: %v", name, r)
			s.log.Error("schedule job panicked", logx.String("schedule", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	if build == nil {
		return "", errNilTask
	}
	t := build()
	if t == nil {
		return "", errNilTask
	}
	taskID = t.ID()
	if s.sub == nil {
		return taskID, errors.New("no submitter configured")
	}
	return taskID, s.sub.Submit(t, p)
}

func (s *Service) publish(ev FireEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: EventFired, Time: time.Now(), Data: ev})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
