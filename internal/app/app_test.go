package app

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"resticd/internal/config"
	"resticd/internal/eventbus"
	"resticd/internal/storage"
	"resticd/internal/task/queue"
	"resticd/internal/task/scheduler"
	logx "resticd/pkg/logx"
)

func lookBinary(t *testing.T, name string) string {
	t.Helper()
	p, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return p
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func startApp(t *testing.T, path string) *App {
	t.Helper()
	cfgm := config.NewConfigManager(path)
	cfgm.SetEnviron(func() []string { return nil })
	a, err := New(cfgm)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func runIDs(t *testing.T, a *App) map[string]storage.RunRecord {
	t.Helper()
	runs, err := a.Runs(context.Background(), 100)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	out := map[string]storage.RunRecord{}
	for _, r := range runs {
		if _, ok := out[r.TaskID]; !ok {
			out[r.TaskID] = r
		}
	}
	return out
}

func TestAppRunsJobsAndRecordsHistory(t *testing.T) {
	bin := lookBinary(t, "true")
	dir := t.TempDir()
	path := filepath.Join(dir, "resticd.yaml")
	writeConfig(t, path, `
restic:
  binary: `+bin+`
  init_on_start: false
backups:
  - name: home
    paths: [/home]
    frequency: 1h
check:
  frequency: 1d
storage:
  driver: file
  path: `+filepath.Join(dir, "history")+`
logging:
  level: error
`)
	a := startApp(t, path)

	// a zero initial delay fires every job right after Start
	waitFor(t, 5*time.Second, func() bool {
		got := runIDs(t, a)
		return got["backup:home"].OK && got["check"].OK
	})

	v, ok := a.Status(context.Background()).(StatusView)
	if !ok {
		t.Fatalf("Status returned %T", a.Status(context.Background()))
	}
	if _, ok := v.LastRuns["backup:home"]; !ok {
		t.Fatalf("last runs = %+v", v.LastRuns)
	}
	if len(v.Scheduler.Schedules) != 2 {
		t.Fatalf("schedules = %+v", v.Scheduler.Schedules)
	}
	if _, ok := v.Supervisors["queue"]; !ok {
		t.Fatalf("supervisors = %v", v.Supervisors)
	}
}

func TestAppRetryArmedOnFailure(t *testing.T) {
	bin := lookBinary(t, "false")
	dir := t.TempDir()
	path := filepath.Join(dir, "resticd.yaml")
	// init fails too; startup must carry on regardless
	writeConfig(t, path, `
restic:
  binary: `+bin+`
backups:
  - name: home
    paths: [/home]
    frequency: 1d
    retry_frequency: 1h
check:
  frequency: 1w
logging:
  level: error
`)
	a := startApp(t, path)

	hasRetry := func() bool {
		for _, o := range a.sched.Snapshot().Once {
			if o.Name == "retry:backup:home" {
				return true
			}
		}
		return false
	}
	waitFor(t, 5*time.Second, hasRetry)

	// success drops the pending retry
	a.handleRetry(eventbus.Event{Type: queue.EventFinished, Data: queue.TaskEvent{ID: "backup:home"}})
	if hasRetry() {
		t.Fatalf("retry still pending after success")
	}

	if _, err := a.Runs(context.Background(), 10); !errors.Is(err, storage.ErrDisabled) {
		t.Fatalf("Runs without storage = %v, want ErrDisabled", err)
	}
}

func TestAppReloadSyncsJobs(t *testing.T) {
	bin := lookBinary(t, "true")
	dir := t.TempDir()
	path := filepath.Join(dir, "resticd.yaml")
	base := `
restic:
  binary: ` + bin + `
  init_on_start: false
check:
  frequency: 1d
logging:
  level: error
backups:
`
	writeConfig(t, path, base+`
  - name: home
    paths: [/home]
    frequency: 1h
`)
	a := startApp(t, path)
	if !a.sched.Has("backup:home") || !a.sched.Has("check") {
		t.Fatalf("jobs = %v", a.sched.Jobs())
	}

	writeConfig(t, path, base+`
  - name: etc
    paths: [/etc]
    frequency: 6h
    priority: next
`)
	if _, err := a.cfgm.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return a.sched.Has("backup:etc") && !a.sched.Has("backup:home")
	})

	// an invalid file keeps the running jobs
	writeConfig(t, path, base+`
  - name: etc
    paths: [/etc]
    frequency: sometimes
`)
	if _, err := a.cfgm.Reload(context.Background()); err == nil {
		t.Fatalf("Reload accepted an invalid frequency")
	}
	if !a.sched.Has("backup:etc") {
		t.Fatalf("jobs after rejected reload = %v", a.sched.Jobs())
	}
}

func TestAppTriggerUnknownJob(t *testing.T) {
	bin := lookBinary(t, "true")
	path := filepath.Join(t.TempDir(), "resticd.yaml")
	writeConfig(t, path, `
restic:
  binary: `+bin+`
  init_on_start: false
check:
  frequency: 1d
logging:
  level: error
`)
	a := startApp(t, path)

	if _, err := a.Trigger("backup:nope", queue.Next); !errors.Is(err, scheduler.ErrUnknownJob) {
		t.Fatalf("Trigger = %v, want ErrUnknownJob", err)
	}
	id, err := a.Trigger("check", queue.Immediate)
	if err != nil || id != "check" {
		t.Fatalf("Trigger(check) = %q, %v", id, err)
	}
}

func TestRunRecord(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	ev := queue.TaskEvent{RunID: "r1", ID: "backup:home", Name: "backup home", Via: queue.ViaWorker, Started: start, Duration: time.Minute, Error: "exit status 3"}

	rec, ok := runRecord(eventbus.Event{Type: queue.EventFailed, Data: ev})
	if !ok || rec.OK || rec.TaskID != "backup:home" || rec.Error != "exit status 3" || !rec.Started.Equal(start) {
		t.Fatalf("failed record = %+v, %v", rec, ok)
	}
	ev.Error = ""
	if rec, ok := runRecord(eventbus.Event{Type: queue.EventFinished, Data: ev}); !ok || !rec.OK {
		t.Fatalf("finished record = %+v, %v", rec, ok)
	}
	if _, ok := runRecord(eventbus.Event{Type: queue.EventStarted, Data: ev}); ok {
		t.Fatalf("started events are not runs")
	}
	if _, ok := runRecord(eventbus.Event{Type: queue.EventFailed, Data: "junk"}); ok {
		t.Fatalf("foreign payload accepted")
	}
}

func TestBackupJobName(t *testing.T) {
	t.Parallel()
	if got := BackupJobName("home"); got != "backup:home" || !strings.HasPrefix(got, backupPrefix) {
		t.Fatalf("BackupJobName = %q", got)
	}
}

type frozenClock struct{ now time.Time }

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

func (c frozenClock) Now() time.Time { return c.now }

func (frozenClock) AfterFunc(time.Duration, func()) scheduler.Timer { return idleTimer{} }

func TestHandleRetryUsesSchedulerClock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resticd.yaml")
	writeConfig(t, path, `
restic:
  binary: /bin/false
backups:
  - name: home
    paths: [/home]
    frequency: 1d
    retry_frequency: 2h
check:
  frequency: 1w
logging:
  level: error
`)
	cfgm := config.NewConfigManager(path)
	cfgm.SetEnviron(func() []string { return nil })
	a, err := New(cfgm)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.closeEarly)

	now := time.Date(2024, 6, 1, 3, 0, 0, 250_000_000, time.UTC)
	a.sched = scheduler.New(scheduler.Config{}, a.queue, logx.Nop(), nil, scheduler.WithClock(frozenClock{now: now}))

	a.handleRetry(eventbus.Event{Type: queue.EventFailed, Data: queue.TaskEvent{ID: "backup:home", Error: "exit status 1"}})

	once := a.sched.Snapshot().Once
	if len(once) != 1 || once[0].Name != "retry:backup:home" {
		t.Fatalf("once = %+v", once)
	}
	if want := now.Add(2 * time.Hour); !once[0].At.Equal(want) {
		t.Fatalf("retry at %v, want %v", once[0].At, want)
	}
}
