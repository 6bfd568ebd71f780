package config

// Config is the daemon configuration. It is read from an optional JSON or
// YAML file and then overlaid with APP_* environment variables.
type Config struct {
	Restic    ResticConfig    `json:"restic"`
	Queue     QueueConfig     `json:"queue,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`

	Backups []BackupConfig `json:"backups"`
	Check   CheckConfig    `json:"check"`

	Logging  LoggingConfig   `json:"logging"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Status   StatusConfig    `json:"status,omitempty"`
}

// ResticConfig controls how the restic binary is invoked.
//
// Example:
//
//	"restic": {
//	  "binary": "/usr/bin/restic",
//	  "env": { "RESTIC_REPOSITORY": "s3:s3.amazonaws.com/bucket", "RESTIC_PASSWORD_FILE": "/etc/restic/pass" },
//	  "init_on_start": true
//	}
type ResticConfig struct {
	Binary string            `json:"binary,omitempty"` // default: "restic"
	Env    map[string]string `json:"env,omitempty"`    // values may hold secrets (never logged)
	// InitOnStart runs `restic init` once before any job is armed. A failure
	// (typically: repository already initialized) is logged and ignored.
	// Omitted means true.
	InitOnStart *bool `json:"init_on_start,omitempty"`
	// TailLines bounds the output lines kept per stream (default 50).
	TailLines int `json:"tail_lines,omitempty"`
	// LogRatePerSec limits streamed output lines per second (default 50).
	LogRatePerSec int `json:"log_rate_per_sec,omitempty"`
}

// QueueConfig controls the task queue.
type QueueConfig struct {
	HistorySize int `json:"history_size,omitempty"` // default: 200
	// ExclusiveImmediate turns "immediate" into "next" so restic never runs
	// twice at once. Default false: immediate tasks run beside the worker.
	ExclusiveImmediate bool `json:"exclusive_immediate,omitempty"`
}

// SchedulerConfig controls job arming.
type SchedulerConfig struct {
	// StartupSpread is a Go duration string capping the per-job first-fire
	// offset (e.g. "30s"). Empty disables it.
	StartupSpread string `json:"startup_spread,omitempty"`
}

// BackupConfig is one backup target.
//
// Frequency accepts "<integer><unit>" periods (s, m, h, d, w) or cron
// expressions ("cron:0 3 * * *", "@daily").
type BackupConfig struct {
	Name           string   `json:"name"`
	Paths          []string `json:"paths"`
	Excludes       []string `json:"excludes,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Frequency      string   `json:"frequency"`
	RetryFrequency string   `json:"retry_frequency,omitempty"`
	Priority       string   `json:"priority,omitempty"` // normal | next | immediate
}

// CheckConfig is the repository integrity check job.
type CheckConfig struct {
	Frequency string   `json:"frequency"`
	Priority  string   `json:"priority,omitempty"`
	Args      []string `json:"args,omitempty"` // extra `restic check` flags, e.g. ["--read-data-subset=5%"]
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // text | json (console only)
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls run-history persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "/var/lib/resticd/history.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // file | sqlite | none
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifierConfig controls Telegram alerts.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token"` // bot token (never logged)
	ChatID        int64  `json:"chat_id"`
	ThreadID      int    `json:"thread_id,omitempty"`
	NotifySuccess bool   `json:"notify_success,omitempty"`
	// RatePerMin caps sent messages per minute (default 20). Extra alerts are dropped.
	RatePerMin int `json:"rate_per_min,omitempty"`
}

// StatusConfig controls the optional HTTP status server.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8089").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"` // mount /debug/pprof/

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// InitOnStartEnabled resolves the omitted-means-true default.
func (r ResticConfig) InitOnStartEnabled() bool {
	return r.InitOnStart == nil || *r.InitOnStart
}

// Backup returns the backup target called name.
func (c *Config) Backup(name string) (BackupConfig, bool) {
	if c == nil {
		return BackupConfig{}, false
	}
	for _, b := range c.Backups {
		if b.Name == name {
			return b, true
		}
	}
	return BackupConfig{}, false
}
