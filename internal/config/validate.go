package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"resticd/internal/task/queue"
	"resticd/internal/task/scheduler"
	logx "resticd/pkg/logx"
)

// ConfigError reports an invalid configuration value. Field is a dotted
// path such as "backups[home].frequency".
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid config: " + e.Err.Error()
	}
	return fmt.Sprintf("invalid config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

const (
	DefaultStatusAddr = "127.0.0.1:8089"
	DefaultRatePerMin = 20
)

// ApplyDefaults fills omitted values in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if !cfg.Logging.Console && !cfg.Logging.File.Enabled {
		cfg.Logging.Console = true
	}
	for i := range cfg.Backups {
		b := &cfg.Backups[i]
		b.Name = strings.TrimSpace(b.Name)
		if strings.TrimSpace(b.Priority) == "" {
			b.Priority = queue.Normal.String()
		}
	}
	if strings.TrimSpace(cfg.Check.Priority) == "" {
		cfg.Check.Priority = queue.Normal.String()
	}
	if strings.TrimSpace(cfg.Status.Addr) == "" {
		cfg.Status.Addr = DefaultStatusAddr
	}
	if cfg.Notifier != nil && cfg.Notifier.RatePerMin <= 0 {
		cfg.Notifier.RatePerMin = DefaultRatePerMin
	}
}

// Validate checks cfg and returns the first problem as a *ConfigError.
// It never mutates cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &ConfigError{Err: errors.New("config is nil")}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return &ConfigError{Field: "logging.level", Err: fmt.Errorf("unknown level %q", lvl)}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "text", "json":
	default:
		return &ConfigError{Field: "logging.format", Err: fmt.Errorf("unknown format %q (use text or json)", cfg.Logging.Format)}
	}

	seen := map[string]bool{}
	for i, b := range cfg.Backups {
		name := strings.TrimSpace(b.Name)
		field := fmt.Sprintf("backups[%d]", i)
		if name == "" {
			return &ConfigError{Field: field + ".name", Err: errors.New("required")}
		}
		field = fmt.Sprintf("backups[%s]", name)
		if seen[name] {
			return &ConfigError{Field: field + ".name", Err: errors.New("duplicate backup name")}
		}
		seen[name] = true
		if len(nonEmpty(b.Paths)) == 0 {
			return &ConfigError{Field: field + ".paths", Err: errors.New("at least one path required")}
		}
		if strings.TrimSpace(b.Frequency) == "" {
			return &ConfigError{Field: field + ".frequency", Err: errors.New("required")}
		}
		if _, err := scheduler.ParseSchedule(b.Frequency); err != nil {
			return &ConfigError{Field: field + ".frequency", Err: err}
		}
		if strings.TrimSpace(b.RetryFrequency) != "" {
			if _, err := scheduler.ParsePeriod(b.RetryFrequency); err != nil {
				return &ConfigError{Field: field + ".retry_frequency", Err: err}
			}
		}
		if err := checkPriority(b.Priority); err != nil {
			return &ConfigError{Field: field + ".priority", Err: err}
		}
	}

	if strings.TrimSpace(cfg.Check.Frequency) == "" {
		return &ConfigError{Field: "check.frequency", Err: errors.New("required")}
	}
	if _, err := scheduler.ParseSchedule(cfg.Check.Frequency); err != nil {
		return &ConfigError{Field: "check.frequency", Err: err}
	}
	if err := checkPriority(cfg.Check.Priority); err != nil {
		return &ConfigError{Field: "check.priority", Err: err}
	}

	if cfg.Queue.HistorySize < 0 {
		return &ConfigError{Field: "queue.history_size", Err: errors.New("must be >= 0")}
	}
	if _, err := ParseDurationField("scheduler.startup_spread", cfg.Scheduler.StartupSpread); err != nil {
		return err
	}
	if cfg.Restic.TailLines < 0 || cfg.Restic.LogRatePerSec < 0 {
		return &ConfigError{Field: "restic", Err: errors.New("tail_lines and log_rate_per_sec must be >= 0")}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				return &ConfigError{Field: "storage.path", Err: errors.New("required")}
			}
		default:
			return &ConfigError{Field: "storage.driver", Err: fmt.Errorf("unknown driver %q (use file, sqlite or none)", s.Driver)}
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}

	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			return &ConfigError{Field: "notifier.token", Err: errors.New("required when enabled")}
		}
		if n.ChatID == 0 {
			return &ConfigError{Field: "notifier.chat_id", Err: errors.New("required when enabled")}
		}
	}

	if st := cfg.Status; st.Enabled {
		addr := strings.TrimSpace(st.Addr)
		if addr == "" {
			addr = DefaultStatusAddr
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return &ConfigError{Field: "status.addr", Err: err}
		}
		for _, f := range []struct{ field, raw string }{
			{"status.read_timeout", st.ReadTimeout},
			{"status.write_timeout", st.WriteTimeout},
			{"status.idle_timeout", st.IdleTimeout},
		} {
			if _, err := ParseDurationField(f.field, f.raw); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkPriority(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	_, err := queue.ParsePriority(raw)
	return err
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
