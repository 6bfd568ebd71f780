package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &m); err != nil {
		t.Fatalf("decode %q: %v", b, err)
	}
	return m
}

func TestWriterFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "queue"))

	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug written at info level: %s", buf.String())
	}
	log.Info("task added", String("task", "backup:home"), Secret("token", "abc"), Secret("empty", ""))
	m := decodeLine(t, buf.Bytes())
	if m["comp"] != "queue" || m["task"] != "backup:home" || m["message"] != "task added" {
		t.Fatalf("line = %v", m)
	}
	if m["token"] != "***" || m["empty"] != "" {
		t.Fatalf("secret fields = %v / %v", m["token"], m["empty"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger not reported as zero")
	}
	l.Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop reported as zero")
	}
}

func TestServiceFileSinkAndReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resticd.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Info("before rotate")
	rotated := path + ".1"
	if err := os.Rename(path, rotated); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := svc.Reopen(); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	log.Info("after rotate")

	old, _ := os.ReadFile(rotated)
	cur, _ := os.ReadFile(path)
	if !strings.Contains(string(old), "before rotate") || strings.Contains(string(old), "after rotate") {
		t.Fatalf("rotated file = %s", old)
	}
	if !strings.Contains(string(cur), "after rotate") {
		t.Fatalf("new file = %s", cur)
	}

	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	if log.Enabled(LevelInfo) {
		t.Fatal("level change not applied to existing logger")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]Level{"trace": LevelTrace, " DEBUG ": LevelDebug, "warning": LevelWarn, "bogus": LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if ValidLevel("verbose") || !ValidLevel("") {
		t.Fatal("ValidLevel mismatch")
	}
}
