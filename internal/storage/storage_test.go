package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	logx "resticd/pkg/logx"
)

var epoch = time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)

func run(i int, task string, ok bool) RunRecord {
	r := RunRecord{
		RunID:      fmt.Sprintf("run-%d", i),
		TaskID:     task,
		Name:       task,
		Via:        "worker",
		Started:    epoch.Add(time.Duration(i) * time.Minute),
		QueueDelay: 1500 * time.Millisecond,
		Duration:   42 * time.Second,
		OK:         ok,
	}
	if !ok {
		r.Error = "exit status 1"
	}
	return r
}

func drivers() []string { return []string{"file", "sqlite"} }

func openStore(t *testing.T, driver, path string, keep int) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path, Keep: keep, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	if st == nil {
		t.Fatalf("Open(%s) returned nil store", driver)
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func TestAppendAndQuery(t *testing.T) {
	t.Parallel()
	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openStore(t, driver, filepath.Join(t.TempDir(), "history.db"), 100)
			defer st.Close()

			for i, r := range []RunRecord{
				run(1, "backup:home", false),
				run(2, "check", true),
				run(3, "backup:home", true),
			} {
				if err := st.AppendRun(ctx, r); err != nil {
					t.Fatalf("AppendRun #%d: %v", i, err)
				}
			}

			recent, err := st.RecentRuns(ctx, 2)
			if err != nil {
				t.Fatalf("RecentRuns: %v", err)
			}
			if len(recent) != 2 || recent[0].RunID != "run-3" || recent[1].RunID != "run-2" {
				t.Fatalf("RecentRuns = %+v, want run-3, run-2", recent)
			}
			got := recent[0]
			if !got.Started.Equal(epoch.Add(3*time.Minute)) || got.Duration != 42*time.Second || got.QueueDelay != 1500*time.Millisecond {
				t.Fatalf("round trip mismatch: %+v", got)
			}

			last, err := st.LastRuns(ctx)
			if err != nil {
				t.Fatalf("LastRuns: %v", err)
			}
			if len(last) != 2 {
				t.Fatalf("LastRuns = %+v, want 2 tasks", last)
			}
			if r := last["backup:home"]; r.RunID != "run-3" || !r.OK {
				t.Fatalf("last backup:home = %+v", r)
			}
		})
	}
}

func TestFailureKeepsError(t *testing.T) {
	t.Parallel()
	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openStore(t, driver, filepath.Join(t.TempDir(), "history.db"), 100)
			defer st.Close()
			if err := st.AppendRun(ctx, run(1, "check", false)); err != nil {
				t.Fatalf("AppendRun: %v", err)
			}
			last, err := st.LastRuns(ctx)
			if err != nil {
				t.Fatalf("LastRuns: %v", err)
			}
			if r := last["check"]; r.OK || r.Error != "exit status 1" {
				t.Fatalf("last check = %+v", r)
			}
		})
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	t.Parallel()
	for _, driver := range drivers() {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "history.db")
			st := openStore(t, driver, path, 100)
			for i := 1; i <= 5; i++ {
				if err := st.AppendRun(ctx, run(i, "backup:etc", true)); err != nil {
					t.Fatalf("AppendRun: %v", err)
				}
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st = openStore(t, driver, path, 100)
			defer st.Close()
			recent, err := st.RecentRuns(ctx, 0)
			if err != nil {
				t.Fatalf("RecentRuns: %v", err)
			}
			if len(recent) != 5 || recent[0].RunID != "run-5" {
				t.Fatalf("RecentRuns after reopen = %d runs, first %+v", len(recent), recent)
			}
		})
	}
}

func TestFileCompactionKeepsLatestPerTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	st := openStore(t, "file", path, 3)

	if err := st.AppendRun(ctx, run(0, "check", true)); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}
	for i := 1; i <= 10; i++ {
		if err := st.AppendRun(ctx, run(i, "backup:home", true)); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openStore(t, "file", path, 3)
	defer st.Close()
	recent, err := st.RecentRuns(ctx, 0)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(recent) != 3 || recent[0].RunID != "run-10" {
		t.Fatalf("RecentRuns = %+v", recent)
	}
	last, err := st.LastRuns(ctx)
	if err != nil {
		t.Fatalf("LastRuns: %v", err)
	}
	if _, ok := last["check"]; !ok {
		t.Fatalf("compaction dropped the only check run: %+v", last)
	}
}

func TestFileClosed(t *testing.T) {
	t.Parallel()
	st := openStore(t, "file", filepath.Join(t.TempDir(), "h.jsonl"), 10)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.AppendRun(context.Background(), run(1, "check", true)); !errors.Is(err, ErrClosed) {
		t.Fatalf("AppendRun after close = %v, want ErrClosed", err)
	}
}
