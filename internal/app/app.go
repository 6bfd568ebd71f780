package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"resticd/internal/config"
	"resticd/internal/eventbus"
	"resticd/internal/notify"
	"resticd/internal/observability/status"
	"resticd/internal/restic"
	rtsup "resticd/internal/runtime/supervisor"
	"resticd/internal/storage"
	"resticd/internal/task/queue"
	"resticd/internal/task/scheduler"
	logx "resticd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	runnerPtr atomic.Pointer[restic.Runner]

	queue  *queue.Queue
	sched  *scheduler.Service
	notif  *notify.Service
	status *status.Service

	jobsMu sync.Mutex
	jobs   map[string]jobSpec

	started time.Time
	stopped atomic.Bool
}

func NewApp(cfgPath string) (*App, error) {
	return New(config.NewConfigManager(cfgPath))
}

// New loads the configuration through cfgm and wires every component.
// Nothing runs until Start.
func New(cfgm *config.ConfigManager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	a := &App{
		cfgm: cfgm,
		root: log,
		log:  appLog,
		logs: logSvc,
		bus:  bus,
		jobs: map[string]jobSpec{},
	}
	a.runnerPtr.Store(newRunner(cfg, log.With(logx.String("comp", "restic"))))

	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		a.store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	a.queue = queue.New(mapQueueConfig(cfg), log.With(logx.String("comp", "queue")), bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, a.queue, log.With(logx.String("comp", "scheduler")), bus)

	ncfg, sender, err := mapNotifierConfig(cfg)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	a.notif = notify.New(ncfg, sender, log.With(logx.String("comp", "notifier")), bus)

	stCfg, err := mapStatusConfig(cfg)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	a.status = status.New(stCfg, a, log)

	return a, nil
}

func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	a.logs.Close()
}

func (a *App) runner() *restic.Runner { return a.runnerPtr.Load() }

// ReopenLogs reopens the log file after an external rotation.
func (a *App) ReopenLogs() {
	if err := a.logs.Reopen(); err != nil {
		a.log.Warn("log file reopen failed", logx.Err(err))
		return
	}
	a.log.Info("log file reopened")
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the daemon: worker, event consumers, alerts, the optional
// repository init, jobs, the status server and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)
	runCtx := a.sup.Context()

	if err := a.queue.Start(runCtx); err != nil {
		return err
	}

	// Subscribe before anything can run so no lifecycle event is missed.
	runs := eventbus.NewConsumer(a.bus, 256, queue.EventFinished, queue.EventFailed)
	a.sup.Go("task.events", func(c context.Context) error {
		runs.Run(c, func(e eventbus.Event) {
			a.recordRun(c, e)
			a.handleRetry(e)
		})
		return nil
	})

	// Stop drains queued alerts itself; app cancellation must not cut it short.
	a.notif.Start(context.WithoutCancel(runCtx))

	cfg := a.cfgm.Get()
	if cfg.Restic.InitOnStartEnabled() {
		a.initRepository(runCtx)
	}
	if err := a.syncJobs(cfg); err != nil {
		return err
	}
	a.sched.Start(runCtx)

	if err := a.status.Start(runCtx); err != nil {
		a.log.Warn("status server not started", logx.Err(err))
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary.
		lastApplied := cfg
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		if err := a.cfgm.Watch(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.sdNotify(sdReady)
	a.startWatchdog()

	a.log.Info("app started",
		logx.Int("jobs", len(a.sched.Jobs())),
		logx.Bool("storage", a.store != nil),
		logx.Bool("notifier", a.notif.Enabled()),
	)
	return nil
}

// validate rejects a reloaded config that the components could not apply.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapNotifierConfig(cfg); err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	if _, err := mapStatusConfig(cfg); err != nil {
		return err
	}
	return nil
}

// applyConfig pushes a committed config into the running components,
// section by section.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs, backups := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if changed["logging"] {
		a.logs.Apply(mapLogConfig(cfg))
	}
	if changed["restic"] {
		a.runnerPtr.Store(newRunner(cfg, a.root.With(logx.String("comp", "restic"))))
	}
	if changed["scheduler"] {
		if sc, err := mapSchedulerConfig(cfg); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.sched.Apply(sc)
		}
	}
	if changed["backups"] || changed["check"] {
		if len(backups) > 0 {
			a.log.Debug("backup targets changed", logx.Strings("backups", backups))
		}
		if err := a.syncJobs(cfg); err != nil {
			a.log.Warn("jobs not fully synced", logx.Err(err))
		}
	}
	if changed["notifier"] {
		a.applyNotifier(ctx, cfg)
	}
	if changed["status"] {
		if sc, err := mapStatusConfig(cfg); err != nil {
			a.log.Warn("invalid status config; keeping previous", logx.Err(err))
		} else if err := a.status.Reconfigure(ctx, sc); err != nil {
			a.log.Warn("status server reconfigure failed", logx.Err(err))
		}
	}
	for _, s := range []string{"queue", "storage"} {
		if changed[s] {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, cfg *config.Config) {
	ncfg, sender, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.notif.Enabled()
	a.notif.Apply(ncfg, sender)
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case ncfg.Enabled:
		if !wasEnabled {
			a.log.Info("notifier enabled via config")
		}
		a.notif.Start(context.WithoutCancel(ctx))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil || !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(sdStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn MUST honor stepCtx; if it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Scheduler first so nothing new is submitted, then let the running task finish.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("queue", 10*time.Second, func(c context.Context) error { return a.queue.Stop(c) })
	step("status", 1*time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event consumers).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped", logx.Int("pending", a.queue.Len()))
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
