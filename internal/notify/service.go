package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"resticd/internal/eventbus"
	rtsup "resticd/internal/runtime/supervisor"
	"resticd/internal/task/queue"
	"resticd/internal/task/scheduler"
	logx "resticd/pkg/logx"
)

type job struct {
	taskID string
	text   string
}

// Service implements an async alert pipeline:
// bus consumer + queue + single sender + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	queue     chan job
	drained   chan struct{} // closed once the sender has emptied a closed queue
	sup       *rtsup.Supervisor

	smu     sync.Mutex
	streaks map[string]streak

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

const historySize = 100

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender:  sender,
		log:     log,
		bus:     bus,
		streaks: map[string]streak{},
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the pipeline's supervisor (nil while stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled && s.sender != nil
	s.mu.Unlock()
	return en
}

// Apply swaps the configuration. A running pipeline keeps its queue; the new
// rate and retry settings apply to the next alert.
func (s *Service) Apply(cfg Config, sender Sender) {
	s.mu.Lock()
	if sender != nil {
		s.sender = sender
	}
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	s.cfg = cfg
	// Burst = full minute budget so a batch of failures at one fire goes out together.
	s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), cfg.RatePerMin)
}

// Start launches the bus consumer and the sender. It is idempotent and a
// no-op while disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.drained = make(chan struct{})
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notify"))),
		// alert failures never take the daemon down.
		rtsup.WithCancelOnError(false),
	)
	sup, q, drained := s.sup, s.queue, s.drained
	rpm := s.cfg.RatePerMin
	s.mu.Unlock()

	if s.bus != nil {
		cons := eventbus.NewConsumer(s.bus, 64, queue.EventFailed, queue.EventFinished, scheduler.EventFired)
		sup.Go("consumer", func(c context.Context) error {
			cons.Run(c, s.HandleEvent)
			return nil
		})
	}
	sup.GoRestart("sender", func(c context.Context) error {
		if s.sendLoop(c, q) {
			close(drained)
		}
		return nil
	}, rtsup.WithPublishFirstError(true))
	s.log.Info("notifier started", logx.Int("rate_per_min", rpm))
}

// Stop stops intake and lets queued alerts drain until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup, q, drained := s.sup, s.queue, s.drained
	if sup == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.sup, s.queue, s.drained = nil, nil, nil
	// Notify sends on q only while holding s.mu.
	close(q)
	s.mu.Unlock()

	select {
	case <-drained:
	case <-ctx.Done():
		s.log.Warn("notifier stop timed out; pending alerts dropped", logx.Int("pending", len(q)))
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

// Notify enqueues text for delivery. Over-budget alerts are dropped with
// ErrRateLimit so a failure storm cannot flood the chat.
func (s *Service) Notify(taskID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		return ErrStopped
	}
	if !s.limiter.Allow() {
		s.drop(taskID, ErrRateLimit)
		return ErrRateLimit
	}
	select {
	case s.queue <- job{taskID: taskID, text: text}:
		return nil
	default:
		s.drop(taskID, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) drop(taskID string, err error) {
	s.dropped.Add(1)
	s.log.Debug("alert dropped", logx.String("task", taskID), logx.Err(err))
	s.publish(EventDropped, NotificationEvent{TaskID: taskID, At: time.Now(), Error: err.Error()})
}

// HandleEvent maps a bus event to an alert. It also tracks failure streaks
// so success alerts can report recoveries.
func (s *Service) HandleEvent(e eventbus.Event) {
	switch e.Type {
	case queue.EventFailed:
		ev, ok := e.Data.(queue.TaskEvent)
		if !ok {
			return
		}
		s.smu.Lock()
		st := s.streaks[ev.ID]
		st.failures++
		s.streaks[ev.ID] = st
		s.smu.Unlock()
		s.enqueue(ev.ID, formatFailure(ev, st))

	case queue.EventFinished:
		ev, ok := e.Data.(queue.TaskEvent)
		if !ok {
			return
		}
		s.smu.Lock()
		prev := s.streaks[ev.ID]
		s.streaks[ev.ID] = streak{lastSuccess: ev.Started.Add(ev.Duration)}
		s.smu.Unlock()
		s.mu.Lock()
		notifySuccess := s.cfg.NotifySuccess
		s.mu.Unlock()
		if notifySuccess || prev.failures > 0 {
			s.enqueue(ev.ID, formatSuccess(ev, prev.failures))
		}

	case scheduler.EventFired:
		ev, ok := e.Data.(scheduler.FireEvent)
		if !ok || ev.Error == "" {
			return
		}
		s.enqueue(ev.TaskID, formatScheduleError(ev.Name, ev.Error))
	}
}

func (s *Service) enqueue(taskID, text string) {
	if err := s.Notify(taskID, text); err != nil && !errors.Is(err, ErrRateLimit) && !errors.Is(err, ErrQueueFull) {
		s.log.Debug("alert not queued", logx.String("task", taskID), logx.Err(err))
	}
}

// sendLoop reports true when q was closed and fully drained.
func (s *Service) sendLoop(ctx context.Context, q <-chan job) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case j, ok := <-q:
			if !ok {
				return true
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
retry:
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := sender.Send(callCtx, j.text)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.appendHistory(j)
			s.publish(EventSent, NotificationEvent{TaskID: j.taskID, At: time.Now()})
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		delay := cfg.RetryBase * time.Duration(1<<(attempt-1))
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
			break retry
		}
	}
	s.failed.Add(1)
	s.log.Warn("alert delivery failed", logx.String("task", j.taskID), logx.Err(lastErr))
	s.publish(EventFailed, NotificationEvent{TaskID: j.taskID, At: time.Now(), Error: lastErr.Error()})
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (s *Service) appendHistory(j job) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), TaskID: j.taskID, Text: j.text})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.hmu.Lock()
	hist := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return Snapshot{
		Enabled: s.Enabled(),
		Sent:    s.sent.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
		History: hist,
	}
}
