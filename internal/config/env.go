package config

import (
	"fmt"
	"sort"
	"strings"
)

const (
	envPrefix       = "APP_"
	envBackupPrefix = "APP_BACKUP_"
)

// ApplyEnv overlays APP_* variables from environ (KEY=VALUE pairs) onto cfg.
//
// Recognized variables:
//
//	APP_CHECK_FREQUENCY, APP_CHECK_PRIORITY
//	APP_BACKUP_<NAME>_PATHS, _EXCLUDES, _TAGS (comma lists)
//	APP_BACKUP_<NAME>_FREQUENCY, _RETRY_FREQUENCY, _PRIORITY
//	APP_LOG_LEVEL, APP_RESTIC_BINARY
//
// <NAME> is lowercased and matched against backups from the file; unknown
// names create a new backup target. Unknown backup keys are rejected.
func ApplyEnv(cfg *Config, environ []string) error {
	if cfg == nil {
		return nil
	}
	backups := map[string]map[string]string{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, envPrefix) {
			continue
		}
		switch k {
		case "APP_CHECK_FREQUENCY":
			cfg.Check.Frequency = strings.TrimSpace(v)
		case "APP_CHECK_PRIORITY":
			cfg.Check.Priority = strings.TrimSpace(v)
		case "APP_LOG_LEVEL":
			cfg.Logging.Level = strings.TrimSpace(v)
		case "APP_RESTIC_BINARY":
			cfg.Restic.Binary = strings.TrimSpace(v)
		default:
			if !strings.HasPrefix(k, envBackupPrefix) {
				continue
			}
			name, rest, ok := strings.Cut(k[len(envBackupPrefix):], "_")
			if !ok || name == "" || rest == "" {
				return &ConfigError{Field: "env " + k, Err: fmt.Errorf("expected %s<NAME>_<KEY>", envBackupPrefix)}
			}
			name = strings.ToLower(name)
			if backups[name] == nil {
				backups[name] = map[string]string{}
			}
			backups[name][rest] = v
		}
	}

	// stable order for newly created targets
	names := make([]string, 0, len(backups))
	for name := range backups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		idx := -1
		for i := range cfg.Backups {
			if cfg.Backups[i].Name == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			cfg.Backups = append(cfg.Backups, BackupConfig{Name: name})
			idx = len(cfg.Backups) - 1
		}
		b := &cfg.Backups[idx]
		for key, v := range backups[name] {
			switch key {
			case "PATHS":
				b.Paths = splitList(v)
			case "EXCLUDES":
				b.Excludes = splitList(v)
			case "TAGS":
				b.Tags = splitList(v)
			case "FREQUENCY":
				b.Frequency = strings.TrimSpace(v)
			case "RETRY_FREQUENCY":
				b.RetryFrequency = strings.TrimSpace(v)
			case "PRIORITY":
				b.Priority = strings.TrimSpace(v)
			default:
				return &ConfigError{Field: fmt.Sprintf("env %s%s_%s", envBackupPrefix, strings.ToUpper(name), key), Err: fmt.Errorf("unknown backup key %q", key)}
			}
		}
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
