package config

import (
	"reflect"
	"sort"
	"strings"

	logx "resticd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes tokens or restic
// env values), and (3) the names of backup targets that were added,
// removed or modified.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	// Restic (env values are secrets; only the key set is compared in the log)
	if strings.TrimSpace(oldCfg.Restic.Binary) != strings.TrimSpace(newCfg.Restic.Binary) ||
		!reflect.DeepEqual(oldCfg.Restic.Env, newCfg.Restic.Env) ||
		oldCfg.Restic.InitOnStartEnabled() != newCfg.Restic.InitOnStartEnabled() ||
		oldCfg.Restic.TailLines != newCfg.Restic.TailLines ||
		oldCfg.Restic.LogRatePerSec != newCfg.Restic.LogRatePerSec {
		changed = append(changed, "restic")
		attrs = append(attrs,
			logx.String("restic.binary", strings.TrimSpace(newCfg.Restic.Binary)),
			logx.Strings("restic.env_keys", sortedKeys(newCfg.Restic.Env)),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.history_size", newCfg.Queue.HistorySize),
			logx.Bool("queue.exclusive_immediate", newCfg.Queue.ExclusiveImmediate),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.StartupSpread) != strings.TrimSpace(newCfg.Scheduler.StartupSpread) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.startup_spread", strings.TrimSpace(newCfg.Scheduler.StartupSpread)))
	}

	backups := diffBackups(oldCfg.Backups, newCfg.Backups)
	if len(backups) > 0 {
		changed = append(changed, "backups")
		attrs = append(attrs,
			logx.Int("backups.count", len(newCfg.Backups)),
			logx.Strings("backups.changed", backups),
		)
	}

	if !reflect.DeepEqual(oldCfg.Check, newCfg.Check) {
		changed = append(changed, "check")
		attrs = append(attrs,
			logx.String("check.frequency", newCfg.Check.Frequency),
			logx.String("check.priority", newCfg.Check.Priority),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}

	// Notifier (never log token)
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Bool("notifier.token_set", strings.TrimSpace(n.Token) != ""),
				logx.Int64("notifier.chat_id", n.ChatID),
			)
		}
	}

	// Status (never log token)
	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", strings.TrimSpace(newCfg.Status.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(newCfg.Status.Token) != ""),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
		)
	}

	return changed, attrs, backups
}

func diffBackups(oldB, newB []BackupConfig) []string {
	om := make(map[string]BackupConfig, len(oldB))
	for _, b := range oldB {
		om[b.Name] = b
	}
	nm := make(map[string]BackupConfig, len(newB))
	for _, b := range newB {
		nm[b.Name] = b
	}
	out := make([]string, 0)
	for name, nb := range nm {
		ob, ok := om[name]
		if !ok || !reflect.DeepEqual(ob, nb) {
			out = append(out, name)
		}
	}
	for name := range om {
		if _, ok := nm[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
