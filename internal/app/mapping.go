package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"resticd/internal/config"
	"resticd/internal/notify"
	"resticd/internal/observability/status"
	"resticd/internal/restic"
	"resticd/internal/storage"
	"resticd/internal/task/queue"
	"resticd/internal/task/scheduler"
	logx "resticd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapQueueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		HistorySize:        cfg.Queue.HistorySize,
		ExclusiveImmediate: cfg.Queue.ExclusiveImmediate,
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	spread, err := config.ParseDurationField("scheduler.startup_spread", cfg.Scheduler.StartupSpread)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{StartupSpread: spread}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapNotifierConfig also builds the Telegram sender when alerts are enabled.
func mapNotifierConfig(cfg *config.Config) (notify.Config, notify.Sender, error) {
	n := cfg.Notifier
	if n == nil || !n.Enabled {
		return notify.Config{}, nil, nil
	}
	sender, err := notify.NewTelegramSender(n.Token, n.ChatID, n.ThreadID)
	if err != nil {
		return notify.Config{}, nil, err
	}
	return notify.Config{
		Enabled:       true,
		NotifySuccess: n.NotifySuccess,
		RatePerMin:    n.RatePerMin,
		RetryMax:      2,
	}, sender, nil
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	st := cfg.Status
	read, err := config.ParseDurationOrDefault("status.read_timeout", st.ReadTimeout, 10*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	// pprof profiles stream for up to 30s by default.
	write, err := config.ParseDurationOrDefault("status.write_timeout", st.WriteTimeout, 60*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("status.idle_timeout", st.IdleTimeout, 60*time.Second)
	if err != nil {
		return status.Config{}, err
	}
	return status.Config{
		Enabled:       st.Enabled,
		Addr:          st.Addr,
		Token:         st.Token,
		AllowInsecure: st.AllowInsecure,
		Pprof:         st.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func newRunner(cfg *config.Config, log logx.Logger) *restic.Runner {
	keys := make([]string, 0, len(cfg.Restic.Env))
	for k := range cfg.Restic.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+cfg.Restic.Env[k])
	}
	return &restic.Runner{
		Binary:    cfg.Restic.Binary,
		Env:       env,
		TailLines: cfg.Restic.TailLines,
		LogRate:   rate.Limit(cfg.Restic.LogRatePerSec),
		Log:       log,
	}
}
