package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"resticd/internal/config"
	"resticd/internal/eventbus"
	"resticd/internal/restic"
	"resticd/internal/task/queue"
	"resticd/internal/task/scheduler"
	logx "resticd/pkg/logx"
)

const (
	initTaskID   = "init"
	checkJobName = "check"
	backupPrefix = "backup:"
	retryPrefix  = "retry:"
)

// BackupJobName is the job name and task ID of a backup target. One ID per
// target is what makes repeated fires collapse in the queue.
func BackupJobName(name string) string { return backupPrefix + name }

// jobSpec is the part of a job definition whose change requires re-arming.
type jobSpec struct {
	spec     string
	priority queue.Priority
}

// initRepository runs `restic init` through the queue and waits for it. A
// failure (typically: repository already initialized) is logged and ignored.
func (a *App) initRepository(ctx context.Context) {
	t := queue.NewTask(initTaskID, "restic init", restic.InitWork(a.runner()))
	_, err := a.queue.SubmitAndWait(ctx, t, queue.Next)
	switch {
	case err == nil:
		a.log.Info("repository initialized", logx.String("action", "init"), logx.String("status", "success"))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		a.log.Warn("repository init interrupted", logx.String("action", "init"), logx.Err(err))
	default:
		a.log.Info("repository init failed (continuing)", logx.String("action", "init"), logx.String("status", "failed"), logx.Err(err))
	}
}

// syncJobs makes the scheduler's jobs match cfg: one job per backup target
// plus the check job. Unchanged jobs keep their timeline.
func (a *App) syncJobs(cfg *config.Config) error {
	want := make(map[string]jobSpec, len(cfg.Backups)+1)
	for _, b := range cfg.Backups {
		p, err := queue.ParsePriority(b.Priority)
		if err != nil {
			return &config.ConfigError{Field: fmt.Sprintf("backups[%s].priority", b.Name), Err: err}
		}
		want[BackupJobName(b.Name)] = jobSpec{spec: b.Frequency, priority: p}
	}
	p, err := queue.ParsePriority(cfg.Check.Priority)
	if err != nil {
		return &config.ConfigError{Field: "check.priority", Err: err}
	}
	want[checkJobName] = jobSpec{spec: cfg.Check.Frequency, priority: p}

	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()

	for name := range a.jobs {
		if _, ok := want[name]; ok {
			continue
		}
		a.sched.Remove(name)
		a.sched.Remove(retryPrefix + name)
		delete(a.jobs, name)
		a.log.Info("job removed", logx.String("job", name))
	}

	for name, js := range want {
		if cur, ok := a.jobs[name]; ok && cur == js {
			continue
		}
		build := a.checkBuild
		if strings.HasPrefix(name, backupPrefix) {
			build = a.backupBuild(strings.TrimPrefix(name, backupPrefix))
		}
		if err := a.sched.AddSchedule(name, js.spec, js.priority, 0, build); err != nil {
			return &config.ConfigError{Field: name + ".frequency", Err: err}
		}
		_, existed := a.jobs[name]
		a.jobs[name] = js
		if existed {
			a.log.Info("job rescheduled", logx.String("job", name), logx.String("spec", js.spec), logx.String("priority", js.priority.String()))
		} else {
			a.log.Info("job registered", logx.String("job", name), logx.String("spec", js.spec), logx.String("priority", js.priority.String()))
		}
	}
	return nil
}

// backupBuild reads the target from the committed config at fire time, so
// path and exclude edits apply without re-arming.
func (a *App) backupBuild(name string) scheduler.BuildFunc {
	return func() *queue.Task {
		b, ok := a.cfgm.Get().Backup(name)
		if !ok {
			return nil
		}
		spec := restic.BackupSpec{Name: b.Name, Paths: b.Paths, Excludes: b.Excludes, Tags: b.Tags}
		return queue.NewTask(BackupJobName(name), "backup "+name, restic.BackupWork(a.runner(), spec))
	}
}

func (a *App) checkBuild() *queue.Task {
	args := a.cfgm.Get().Check.Args
	return queue.NewTask(checkJobName, "check", restic.CheckWork(a.runner(), args...))
}

// handleRetry arms a one-shot retry when a backup with retry_frequency fails,
// and drops a pending retry once the backup succeeds.
func (a *App) handleRetry(e eventbus.Event) {
	ev, ok := e.Data.(queue.TaskEvent)
	if !ok || !strings.HasPrefix(ev.ID, backupPrefix) {
		return
	}
	retryName := retryPrefix + ev.ID

	if e.Type == queue.EventFinished {
		if a.sched.Remove(retryName) {
			a.log.Debug("pending retry dropped after success", logx.String("job", ev.ID))
		}
		return
	}

	name := strings.TrimPrefix(ev.ID, backupPrefix)
	b, ok := a.cfgm.Get().Backup(name)
	if !ok || strings.TrimSpace(b.RetryFrequency) == "" {
		return
	}
	d, err := scheduler.ParsePeriod(b.RetryFrequency)
	if err != nil {
		a.log.Warn("invalid retry_frequency", logx.String("job", ev.ID), logx.Err(err))
		return
	}
	p, err := queue.ParsePriority(b.Priority)
	if err != nil {
		p = queue.Normal
	}
	at := a.sched.Now().Add(d)
	if err := a.sched.AddOnce(retryName, at, p, a.backupBuild(name)); err != nil {
		a.log.Warn("retry not armed", logx.String("job", ev.ID), logx.Err(err))
		return
	}
	a.log.Info("backup retry armed", logx.String("job", ev.ID), logx.Duration("in", d), logx.Time("at", at))
}
