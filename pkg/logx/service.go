package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Config selects level and sinks. Format applies to the console sink only;
// the file sink always writes JSON lines.
type Config struct {
	Level   string
	Console bool
	Format  string // "" or "text": human readable; "json": one object per line
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"
	defaultFilePath   = "./resticd.log"
)

// Service owns the active sinks. Loggers obtained from it pick up new
// levels and sinks without being recreated.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File
	path string

	root atomic.Pointer[zerolog.Logger]
}

// New creates the logging service and applies cfg immediately.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply swaps level and sinks at runtime. An unchanged file path keeps the
// open handle. It is safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	want := ""
	if cfg.File.Enabled {
		want = strings.TrimSpace(cfg.File.Path)
		if want == "" {
			want = defaultFilePath
		}
	}
	if want != s.path {
		s.closeFileLocked()
		if want != "" {
			s.openFileLocked(want)
		}
	}
	s.rebuildLocked()
}

// Reopen closes and reopens the log file, for use after logrotate moved it.
func (s *Service) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path
	if path == "" {
		return nil
	}
	s.closeFileLocked()
	if err := s.openFileLocked(path); err != nil {
		s.rebuildLocked()
		return err
	}
	s.rebuildLocked()
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.file
	s.file, s.path = nil, ""
	if f != nil {
		return f.Close()
	}
	return nil
}

func (s *Service) openFileLocked(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		// the logger is what failed; stderr is all that is left
		fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		return err
	}
	s.file, s.path = f, path
	return nil
}

func (s *Service) closeFileLocked() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.path = nil, ""
}

func (s *Service) rebuildLocked() {
	writers := make([]io.Writer, 0, 2)
	if s.cfg.Console || s.file == nil {
		if strings.EqualFold(strings.TrimSpace(s.cfg.Format), "json") {
			writers = append(writers, Stdout())
		} else {
			writers = append(writers, consoleWriter(Stdout(), underJournald()))
		}
	}
	if s.file != nil {
		writers = append(writers, zerolog.SyncWriter(s.file))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(ParseLevel(s.cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&zl)
}

var globalsOnce sync.Once

func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = consoleTimeFormat
	})
}

// underJournald reports whether stdout is connected to the systemd journal,
// which timestamps lines itself and does not render colors.
func underJournald() bool {
	return os.Getenv("JOURNAL_STREAM") != ""
}

func consoleWriter(w io.Writer, journald bool) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat, NoColor: journald}
	if journald {
		cw.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	cw.FormatCaller = func(i any) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

// ParseLevel maps TRACE/DEBUG/INFO/WARN/ERROR (case-insensitive) to a level.
func ParseLevel(s string, def Level) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return def
	}
}

// ValidLevel reports whether s names a known level (empty means INFO).
func ValidLevel(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
		return true
	}
	return false
}

// Stdout returns the console sink.
func Stdout() io.Writer { return os.Stdout }
