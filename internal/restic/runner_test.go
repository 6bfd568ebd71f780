package restic

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"reflect"
	"strings"
	"sync"
	"testing"

	"resticd/internal/task/queue"
	logx "resticd/pkg/logx"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func shellRunner(t *testing.T) *Runner {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return &Runner{Binary: sh, TailLines: 3, Log: logx.Nop()}
}

func TestBackupArgs(t *testing.T) {
	t.Parallel()
	got := BackupArgs(BackupSpec{
		Name:     "home",
		Paths:    []string{"/home", " /root "},
		Excludes: []string{"*.tmp", "", "/home/*/.cache"},
		Tags:     []string{"nightly"},
	})
	want := []string{"--tag", "backup-home", "--tag", "nightly", "/home", "/root", "--exclude=*.tmp", "--exclude=/home/*/.cache"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("BackupArgs = %q, want %q", got, want)
	}
}

func TestRunSuccessKeepsTail(t *testing.T) {
	t.Parallel()
	r := shellRunner(t)
	res, err := r.Run(context.Background(), "-c", "for i in 1 2 3 4 5; do echo line$i; done; echo warn >&2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Code != 0 {
		t.Fatalf("Code = %d, want 0", res.Code)
	}
	if want := []string{"line3", "line4", "line5"}; !reflect.DeepEqual(res.Stdout, want) {
		t.Fatalf("Stdout = %q, want %q", res.Stdout, want)
	}
	if want := []string{"warn"}; !reflect.DeepEqual(res.Stderr, want) {
		t.Fatalf("Stderr = %q, want %q", res.Stderr, want)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	t.Parallel()
	r := shellRunner(t)
	_, err := r.Run(context.Background(), "-c", "echo 'Fatal: unable to open config file' >&2; exit 3")
	var ce *CallError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *CallError", err)
	}
	if ce.Code != 3 {
		t.Fatalf("Code = %d, want 3", ce.Code)
	}
	if !strings.Contains(ce.Error(), "unable to open config file") {
		t.Fatalf("Error() = %q", ce.Error())
	}
}

func TestRunMissingBinary(t *testing.T) {
	t.Parallel()
	r := &Runner{Binary: "/nonexistent/restic-binary"}
	_, err := r.Run(context.Background(), "check")
	var ce *CallError
	if !errors.As(err, &ce) || ce.Code != -1 {
		t.Fatalf("err = %v, want *CallError with code -1", err)
	}
}

func TestRunPassesEnv(t *testing.T) {
	t.Parallel()
	r := shellRunner(t)
	r.Env = []string{"RESTIC_REPOSITORY=/srv/restic-repo"}
	res, err := r.Run(context.Background(), "-c", "echo $RESTIC_REPOSITORY")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Stdout) != 1 || res.Stdout[0] != "/srv/restic-repo" {
		t.Fatalf("Stdout = %q", res.Stdout)
	}
}

func TestRunStreamsToDebugLog(t *testing.T) {
	t.Parallel()
	r := shellRunner(t)
	buf := &syncBuffer{}
	r.Log = logx.NewWriter(buf, "debug")
	if _, err := r.Run(context.Background(), "-c", "echo snapshot 1a2b3c saved"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "snapshot 1a2b3c saved") || !strings.Contains(out, `"channel":"STDOUT"`) {
		t.Fatalf("log output missing streamed line: %s", out)
	}
}

func TestWorkAdaptersRunThroughTask(t *testing.T) {
	t.Parallel()
	bin, err := exec.LookPath("false")
	if err != nil {
		t.Skip("false not available")
	}
	r := &Runner{Binary: bin}
	task := queue.NewTask("check", "check", CheckWork(r))
	err = task.Run(context.Background())
	var ue *queue.UnhandledError
	if !errors.As(err, &ue) {
		t.Fatalf("Run err = %v, want *queue.UnhandledError", err)
	}
	var ce *CallError
	if !errors.As(err, &ce) || ce.Cmd != "check" {
		t.Fatalf("err chain = %v, want *CallError for check", err)
	}
}
