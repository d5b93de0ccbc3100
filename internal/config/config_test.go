package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	l := NewLoader()
	cfg, err := l.Load("")
	require.NoError(t, err)

	assert.Equal(t, ".offsync/offsync.db", cfg.Storage.Path)
	assert.Equal(t, "schema.yaml", cfg.Schema.Path)
	assert.Equal(t, 1000, cfg.Sync.PageSize)
	assert.Equal(t, 10000, cfg.Sync.MaxRecords)
	assert.Equal(t, 24*time.Hour, cfg.Sync.FullSyncInterval)
	assert.Equal(t, 256, cfg.Sync.QueueSize)
	assert.Equal(t, 30*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.ResyncSchedule())
	assert.Empty(t, l.ConfigFile())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "offsync.yaml", `
storage:
  path: /var/lib/offsync/store.db
remote:
  base_url: https://sync.example.com/api
  token: secret
  timeout: 5s
sync:
  max_concurrency: 2
  page_size: 50
  full_sync_interval: 1h
scheduler:
  enabled: true
  schedule: "*/10 * * * *"
logging:
  level: debug
  format: json
`)

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/offsync/store.db", cfg.Storage.Path)
	assert.Equal(t, "https://sync.example.com/api", cfg.Remote.BaseURL)
	assert.Equal(t, "secret", cfg.Remote.Token)
	assert.Equal(t, 5*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, 2, cfg.Sync.MaxConcurrency)
	assert.Equal(t, 50, cfg.Sync.PageSize)
	assert.Equal(t, time.Hour, cfg.Sync.FullSyncInterval)
	assert.Equal(t, "*/10 * * * *", cfg.ResyncSchedule())
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "offsync.toml", `
[storage]
path = "local.db"

[dashboard]
enabled = true
addr = ":9090"
`)

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)
	assert.Equal(t, "local.db", cfg.Storage.Path)
	assert.True(t, cfg.Dashboard.Enabled)
	assert.Equal(t, ":9090", cfg.Dashboard.Addr)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "offsync.yaml", "sync:\n  page_size: 50\n")
	t.Setenv("OFFSYNC_SYNC_PAGE_SIZE", "75")
	t.Setenv("OFFSYNC_REMOTE_BASE_URL", "http://localhost:9000")

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)
	assert.Equal(t, 75, cfg.Sync.PageSize)
	assert.Equal(t, "http://localhost:9000", cfg.Remote.BaseURL)
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OFFSYNC_STORAGE_PATH", "from-env.db")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("db", "", "")
	require.NoError(t, fs.Parse([]string{"--db", "from-flag.db"}))

	l := NewLoader()
	require.NoError(t, l.BindFlag("storage.path", fs.Lookup("db")))
	assert.Error(t, l.BindFlag("storage.path", fs.Lookup("missing")))

	cfg, err := l.Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-flag.db", cfg.Storage.Path)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad page size", "sync:\n  page_size: 0\n"},
		{"bad concurrency", "sync:\n  max_concurrency: 0\n"},
		{"bad schedule", "scheduler:\n  enabled: true\n  schedule: sometimes\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"empty storage path", "storage:\n  path: \"\"\n"},
		{"malformed yaml", "sync: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "offsync.yaml", tt.content)
			_, err := NewLoader().Load(path)
			assert.Error(t, err)
		})
	}

	_, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit missing file is an error")
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := writeFile(t, "offsync.yaml", "logging:\n  level: info\n")
	l := NewLoader()
	_, err := l.Load(path)
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	l.Watch(zaptest.NewLogger(t), func(cfg *Config) { changed <- cfg })

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	select {
	case cfg := <-changed:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config change")
	}
}
