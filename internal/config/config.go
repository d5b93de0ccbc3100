// Package config loads offsync settings with viper.
//
// Values are resolved in this order, later wins: built-in defaults, the
// config file (YAML or TOML), OFFSYNC_* environment variables, then bound
// command line flags. Nested keys map to env names with underscores, so
// sync.page_size is OFFSYNC_SYNC_PAGE_SIZE.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/steveyegge/offsync/internal/initialsync"
	"github.com/steveyegge/offsync/internal/logging"
	"github.com/steveyegge/offsync/internal/remote"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OFFSYNC"

// Config is the complete offsync configuration.
type Config struct {
	Storage   StorageConfig     `mapstructure:"storage"`
	Schema    SchemaConfig      `mapstructure:"schema"`
	Remote    remote.HTTPConfig `mapstructure:"remote"`
	Sync      SyncConfig        `mapstructure:"sync"`
	Scheduler SchedulerConfig   `mapstructure:"scheduler"`
	Dashboard DashboardConfig   `mapstructure:"dashboard"`
	Logging   logging.Config    `mapstructure:"logging"`
}

// StorageConfig locates the local database.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// SchemaConfig locates the entity registry file.
type SchemaConfig struct {
	Path string `mapstructure:"path"`
}

// SyncConfig tunes the initial sync and reconciliation queue.
type SyncConfig struct {
	initialsync.Config `mapstructure:",squash"`
	QueueSize          int `mapstructure:"queue_size"`
}

// SchedulerConfig controls periodic delta resyncs.
type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// DashboardConfig controls the WebSocket dashboard.
type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ResyncSchedule returns the cron schedule, or "" when disabled.
func (c *Config) ResyncSchedule() string {
	if !c.Scheduler.Enabled {
		return ""
	}
	return c.Scheduler.Schedule
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path cannot be empty")
	}
	if c.Sync.MaxConcurrency < 1 {
		return fmt.Errorf("sync.max_concurrency must be at least 1")
	}
	if c.Sync.PageSize < 1 {
		return fmt.Errorf("sync.page_size must be at least 1")
	}
	if c.Sync.MaxRecords < 0 {
		return fmt.Errorf("sync.max_records cannot be negative")
	}
	if c.Scheduler.Enabled {
		if _, err := cron.ParseStandard(c.Scheduler.Schedule); err != nil {
			return fmt.Errorf("invalid scheduler.schedule %q: %w", c.Scheduler.Schedule, err)
		}
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return nil
}

// Loader reads and watches the configuration.
type Loader struct {
	v *viper.Viper

	mu      sync.Mutex
	watched bool
}

// NewLoader returns a loader with defaults and environment overrides set.
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	syncCfg := initialsync.DefaultConfig()
	httpCfg := remote.DefaultHTTPConfig("")
	logCfg := logging.DefaultConfig()

	v.SetDefault("storage.path", ".offsync/offsync.db")
	v.SetDefault("schema.path", "schema.yaml")

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", httpCfg.Timeout)
	v.SetDefault("remote.reconnect_min", httpCfg.ReconnectMin)
	v.SetDefault("remote.reconnect_max", httpCfg.ReconnectMax)

	v.SetDefault("sync.max_concurrency", syncCfg.MaxConcurrency)
	v.SetDefault("sync.page_size", syncCfg.PageSize)
	v.SetDefault("sync.max_records", syncCfg.MaxRecords)
	v.SetDefault("sync.full_sync_interval", syncCfg.FullSyncInterval)
	v.SetDefault("sync.queue_size", 256)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.schedule", "@every 15m")

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.addr", "127.0.0.1:8080")

	v.SetDefault("logging.level", logCfg.Level)
	v.SetDefault("logging.format", logCfg.Format)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", logCfg.MaxSizeMB)
	v.SetDefault("logging.max_backups", logCfg.MaxBackups)
	v.SetDefault("logging.max_age_days", logCfg.MaxAgeDays)
	v.SetDefault("logging.compress", logCfg.Compress)
}

// BindFlag makes flag override key when the flag is set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag to bind to %s", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads path, or offsync.{yaml,toml} from the working directory when
// path is empty, and returns the validated configuration. A missing default
// file is not an error.
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName("offsync")
		l.v.AddConfigPath(".")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFile returns the file Load read, or "" when defaults were used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the reloaded configuration every time the
// config file changes. Invalid edits are logged and skipped. Watch is a
// no-op when no file was loaded, and only the first call registers.
func (l *Loader) Watch(logger *zap.Logger, onChange func(*Config)) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if l.ConfigFile() == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watched {
		return
	}
	l.watched = true

	l.v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		cfg, err := l.decode()
		if err != nil {
			logger.Warn("ignoring invalid config change", zap.Error(err))
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}
