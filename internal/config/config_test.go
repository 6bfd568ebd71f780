package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"resticd/internal/task/scheduler"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func newManager(path string, env ...string) *ConfigManager {
	m := NewConfigManager(path)
	m.SetEnviron(func() []string { return env })
	return m
}

const sampleYAML = `
restic:
  binary: /usr/bin/restic
  env:
    RESTIC_REPOSITORY: /srv/repo
backups:
  - name: home
    paths: [/home]
    excludes: ["*.tmp"]
    frequency: 6h
    retry_frequency: 30m
check:
  frequency: 1w
logging:
  level: debug
`

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	t.Parallel()
	m := newManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return committed config")
	}
	b, ok := cfg.Backup("home")
	if !ok {
		t.Fatalf("backup home missing")
	}
	if b.Priority != "normal" || cfg.Check.Priority != "normal" {
		t.Fatalf("priorities = %q/%q, want normal", b.Priority, cfg.Check.Priority)
	}
	if !cfg.Logging.Console || cfg.Status.Addr != DefaultStatusAddr {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if !cfg.Restic.InitOnStartEnabled() {
		t.Fatalf("init_on_start should default to true")
	}
}

func TestLoadJSONRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := newManager(writeFile(t, "config.json", `{"check":{"frequency":"1d"},"bogus":1}`))
	if _, err := m.Load(); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("Load err = %v, want unknown field error", err)
	}
}

func TestLoadJSONRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := newManager(writeFile(t, "config.json", `{"check":{"frequency":"1d"}}{}`))
	if _, err := m.Load(); err == nil {
		t.Fatalf("Load should reject trailing data")
	}
}

func TestFileFormatDetection(t *testing.T) {
	t.Parallel()
	// no extension: sniffed from content
	m := newManager(writeFile(t, "config", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load extensionless yaml: %v", err)
	}
	if cfg.Restic.Binary != "/usr/bin/restic" {
		t.Fatalf("binary = %q", cfg.Restic.Binary)
	}

	m = newManager(writeFile(t, "config", `{"check":{"frequency":"1d"}}`))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load extensionless json: %v", err)
	}

	m = newManager(writeFile(t, "config.yaml", sampleYAML+"---\ncheck:\n  frequency: 1d\n"))
	if _, err := m.Load(); err == nil || !strings.Contains(err.Error(), "one document") {
		t.Fatalf("multi-document yaml = %v", err)
	}

	// an empty file defers everything to the environment
	m = newManager(writeFile(t, "config.yml", ""), "APP_CHECK_FREQUENCY=12h")
	cfg, err = m.Load()
	if err != nil {
		t.Fatalf("Load empty yaml: %v", err)
	}
	if cfg.Check.Frequency != "12h" {
		t.Fatalf("check frequency = %q", cfg.Check.Frequency)
	}
}

func TestEnvOnlyConfig(t *testing.T) {
	t.Parallel()
	m := newManager("",
		"APP_CHECK_FREQUENCY=1d",
		"APP_BACKUP_ETC_PATHS=/etc, /usr/local/etc",
		"APP_BACKUP_ETC_FREQUENCY=12h",
		"APP_BACKUP_ETC_PRIORITY=next",
		"HOME=/root",
	)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	b, ok := cfg.Backup("etc")
	if !ok {
		t.Fatalf("backup etc missing: %+v", cfg.Backups)
	}
	if want := []string{"/etc", "/usr/local/etc"}; !reflect.DeepEqual(b.Paths, want) {
		t.Fatalf("Paths = %q, want %q", b.Paths, want)
	}
	if b.Frequency != "12h" || b.Priority != "next" {
		t.Fatalf("backup = %+v", b)
	}
}

func TestEnvOverridesFileBackup(t *testing.T) {
	t.Parallel()
	m := newManager(writeFile(t, "config.yaml", sampleYAML), "APP_BACKUP_HOME_FREQUENCY=1d", "APP_LOG_LEVEL=warn")
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Backups) != 1 {
		t.Fatalf("Backups = %+v, want merged single target", cfg.Backups)
	}
	if cfg.Backups[0].Frequency != "1d" || cfg.Backups[0].RetryFrequency != "30m" {
		t.Fatalf("backup = %+v", cfg.Backups[0])
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
}

func TestApplyEnvRejectsMalformedKeys(t *testing.T) {
	t.Parallel()
	for _, kv := range []string{"APP_BACKUP_HOME=x", "APP_BACKUP_HOME_COLOR=red", "APP_BACKUP__PATHS=/x"} {
		var cfg Config
		err := ApplyEnv(&cfg, []string{kv})
		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("ApplyEnv(%q) err = %v, want *ConfigError", kv, err)
		}
	}
}

func validConfig() *Config {
	cfg := &Config{
		Backups: []BackupConfig{{Name: "home", Paths: []string{"/home"}, Frequency: "6h"}},
		Check:   CheckConfig{Frequency: "1w"},
	}
	ApplyDefaults(cfg)
	return cfg
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad frequency", func(c *Config) { c.Backups[0].Frequency = "5x" }, "backups[home].frequency"},
		{"missing paths", func(c *Config) { c.Backups[0].Paths = []string{" "} }, "backups[home].paths"},
		{"duplicate", func(c *Config) { c.Backups = append(c.Backups, c.Backups[0]) }, "backups[home].name"},
		{"bad retry", func(c *Config) { c.Backups[0].RetryFrequency = "1.5h" }, "backups[home].retry_frequency"},
		{"bad priority", func(c *Config) { c.Backups[0].Priority = "urgent" }, "backups[home].priority"},
		{"check required", func(c *Config) { c.Check.Frequency = "" }, "check.frequency"},
		{"cron check", func(c *Config) { c.Check.Frequency = "cron:0 3 * * 0" }, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad spread", func(c *Config) { c.Scheduler.StartupSpread = "soon" }, "scheduler.startup_spread"},
		{"storage path", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"storage driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis", Path: "x"} }, "storage.driver"},
		{"notifier token", func(c *Config) { c.Notifier = &NotifierConfig{Enabled: true, ChatID: 1} }, "notifier.token"},
		{"status addr", func(c *Config) { c.Status = StatusConfig{Enabled: true, Addr: "8089"} }, "status.addr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.field == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want *ConfigError", err)
			}
			if ce.Field != tc.field {
				t.Fatalf("Field = %q, want %q (err %v)", ce.Field, tc.field, err)
			}
		})
	}
}

func TestValidateWrapsPeriodError(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Backups[0].Frequency = "5x"
	if err := Validate(cfg); !errors.Is(err, scheduler.ErrInvalidPeriod) {
		t.Fatalf("err = %v, want ErrInvalidPeriod", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := validConfig()
	oldCfg.Backups = append(oldCfg.Backups, BackupConfig{Name: "etc", Paths: []string{"/etc"}, Frequency: "1d", Priority: "normal"})
	newCfg := validConfig()
	newCfg.Backups[0].Frequency = "3h"
	newCfg.Backups = append(newCfg.Backups, BackupConfig{Name: "srv", Paths: []string{"/srv"}, Frequency: "1d", Priority: "normal"})
	newCfg.Notifier = &NotifierConfig{Enabled: true, Token: "secret", ChatID: 42}

	sections, _, backups := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"backups", "notifier"}; !reflect.DeepEqual(sections, want) {
		t.Fatalf("sections = %q, want %q", sections, want)
	}
	if want := []string{"etc", "home", "srv"}; !reflect.DeepEqual(backups, want) {
		t.Fatalf("backups = %q, want %q", backups, want)
	}

	sections, _, backups = SummarizeConfigChange(oldCfg, oldCfg)
	if len(sections) != 0 || len(backups) != 0 {
		t.Fatalf("identical configs reported changes: %q %q", sections, backups)
	}
}

func TestReloadPublishesOnlyOnChange(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", sampleYAML)
	m := newManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if ok, err := m.Reload(context.Background()); err != nil || ok {
		t.Fatalf("Reload unchanged = %v, %v; want false, nil", ok, err)
	}

	body := strings.Replace(sampleYAML, "frequency: 6h", "frequency: 2h", 1)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if ok, err := m.Reload(context.Background()); err != nil || !ok {
		t.Fatalf("Reload changed = %v, %v; want true, nil", ok, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Backups[0].Frequency != "2h" {
			t.Fatalf("published frequency = %q", cfg.Backups[0].Frequency)
		}
	case <-time.After(time.Second):
		t.Fatalf("no config published")
	}
}

func TestReloadKeepsCommittedConfigOnInvalid(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", sampleYAML)
	m := newManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	body := strings.Replace(sampleYAML, "frequency: 6h", "frequency: 6x", 1)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(context.Background()); !errors.Is(err, scheduler.ErrInvalidPeriod) {
		t.Fatalf("Reload err = %v, want ErrInvalidPeriod", err)
	}
	if m.Get() != cfg {
		t.Fatalf("committed config replaced by invalid one")
	}
}

func TestReloadRunsValidatorHook(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", sampleYAML)
	m := newManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	hookErr := errors.New("rejected by hook")
	m.SetValidator(func(context.Context, *Config) error { return hookErr })
	body := strings.Replace(sampleYAML, "level: debug", "level: info", 1)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(context.Background()); !errors.Is(err, hookErr) {
		t.Fatalf("Reload err = %v, want hook error", err)
	}
}
