package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"resticd/internal/task/scheduler"
)

// ParseDurationField parses a duration setting. Go syntax ("1h30m") and the
// period syntax used by frequencies ("2d", "1w") are both accepted. Empty
// means zero. Errors are *ConfigError tagged with path.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		p, perr := scheduler.ParsePeriod(s)
		if perr != nil {
			return 0, &ConfigError{Field: path, Err: fmt.Errorf("invalid duration %q: %w", raw, err)}
		}
		d = p
	}
	if d < 0 {
		return 0, &ConfigError{Field: path, Err: errors.New("duration must be >= 0")}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for
// empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
