package restic

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "resticd/pkg/logx"
)

const (
	defaultBinary    = "restic"
	defaultTailLines = 50
	defaultLogRate   = 50
	defaultLogBurst  = 200
	maxLineBytes     = 1 << 20
)

// Runner executes restic commands.
type Runner struct {
	// Binary is the restic executable (default "restic", looked up in PATH).
	Binary string
	// Env is appended to the daemon's environment (RESTIC_REPOSITORY,
	// RESTIC_PASSWORD_FILE, backend credentials...).
	Env []string
	// TailLines bounds how many trailing lines of each stream are kept.
	TailLines int
	// LogRate limits streamed output lines per second; zero uses the default.
	LogRate rate.Limit

	Log logx.Logger
}

// Result is the outcome of one restic invocation.
type Result struct {
	Cmd      string        `json:"cmd"`
	Code     int           `json:"code"`
	Stdout   []string      `json:"stdout"`
	Stderr   []string      `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

func (r *Runner) binary() string {
	if b := strings.TrimSpace(r.Binary); b != "" {
		return b
	}
	return defaultBinary
}

// Run executes `<binary> <cmd> args...` and waits for it. A non-zero exit
// returns a *CallError carrying the exit code and the output tails.
func (r *Runner) Run(ctx context.Context, cmd string, args ...string) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := r.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "restic"), logx.String("cmd", cmd))

	parts := append([]string{cmd}, args...)
	c := exec.CommandContext(ctx, r.binary(), parts...)
	if len(r.Env) > 0 {
		c.Env = append(os.Environ(), r.Env...)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return Result{Cmd: cmd, Code: -1}, fmt.Errorf("restic %s: stdout pipe: %w", cmd, err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return Result{Cmd: cmd, Code: -1}, fmt.Errorf("restic %s: stderr pipe: %w", cmd, err)
	}

	log.Debug("restic start", logx.String("channel", "START"), logx.String("argv", r.binary()+" "+strings.Join(parts, " ")))
	start := time.Now()
	if err := c.Start(); err != nil {
		return Result{Cmd: cmd, Code: -1}, &CallError{Cmd: cmd, Code: -1, Err: err}
	}

	limit := r.LogRate
	if limit <= 0 {
		limit = defaultLogRate
	}
	lim := rate.NewLimiter(limit, defaultLogBurst)
	tail := r.TailLines
	if tail <= 0 {
		tail = defaultTailLines
	}

	outTail := newTail(tail)
	errTail := newTail(tail)
	var suppressed suppressCounter
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		stream(stdout, "STDOUT", log, lim, outTail, &suppressed)
	}()
	go func() {
		defer wg.Done()
		stream(stderr, "STDERR", log, lim, errTail, &suppressed)
	}()
	// Pipes must be drained before Wait closes them.
	wg.Wait()
	waitErr := c.Wait()

	res := Result{
		Cmd:      cmd,
		Stdout:   outTail.lines(),
		Stderr:   errTail.lines(),
		Duration: time.Since(start),
	}
	if n := suppressed.get(); n > 0 {
		log.Debug("restic output throttled", logx.Int("suppressed_lines", n))
	}

	if waitErr != nil {
		res.Code = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.Code = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			waitErr = ctxErr
		}
		log.Debug("restic exit", logx.String("channel", "EXIT"), logx.Int("code", res.Code), logx.Duration("dur", res.Duration))
		return res, &CallError{Cmd: cmd, Code: res.Code, Stdout: res.Stdout, Stderr: res.Stderr, Err: waitErr}
	}
	log.Debug("restic exit", logx.String("channel", "EXIT"), logx.Int("code", 0), logx.Duration("dur", res.Duration))
	return res, nil
}

func stream(rd io.Reader, channel string, log logx.Logger, lim *rate.Limiter, keep *tail, suppressed *suppressCounter) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		if line == "" {
			continue
		}
		keep.add(line)
		if lim.Allow() {
			log.Debug(line, logx.String("channel", channel))
		} else {
			suppressed.inc()
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn("restic output read failed", logx.String("channel", channel), logx.Err(err))
		// keep the child from blocking on a full pipe
		_, _ = io.Copy(io.Discard, rd)
	}
}

// tail keeps the last n lines.
type tail struct {
	mu  sync.Mutex
	n   int
	buf []string
}

func newTail(n int) *tail { return &tail{n: n} }

func (t *tail) add(line string) {
	t.mu.Lock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.n {
		t.buf = t.buf[len(t.buf)-t.n:]
	}
	t.mu.Unlock()
}

func (t *tail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.buf))
	copy(out, t.buf)
	return out
}

type suppressCounter struct {
	mu sync.Mutex
	n  int
}

func (c *suppressCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *suppressCounter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
