package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
global:
  log_level: info
database:
  driver: sqlite
  sqlite:
    path: /var/lib/respondoor/results.db
ingest:
  mode: detailed
  clobber: false
  spool_dir: /tmp/original
source:
  branches: [mozilla-central]
  local:
    enabled: true
    root: /srv/tinderbox-builds
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "/var/lib/respondoor/results.db", cfg.Database.SQLite.Path)
				assert.Equal(t, ModeDetailed, cfg.Ingest.Mode)
				assert.False(t, cfg.Ingest.Clobber)
				assert.Equal(t, []string{"mozilla-central"}, cfg.Source.Branches)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"RESPONDOOR_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "string override - ingest.mode",
			envVars: map[string]string{
				"RESPONDOOR_INGEST_MODE": "legacy",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ModeLegacy, cfg.Ingest.Mode)
			},
		},
		{
			name: "boolean override - ingest.clobber",
			envVars: map[string]string{
				"RESPONDOOR_INGEST_CLOBBER": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Ingest.Clobber)
			},
		},
		{
			name: "nested override absent from yaml - postgres host",
			envVars: map[string]string{
				"RESPONDOOR_DATABASE_DRIVER":        "postgres",
				"RESPONDOOR_DATABASE_POSTGRES_HOST": "db.internal",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "postgres", cfg.Database.Driver)
				assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)
				assert.Equal(t, 5432, cfg.Database.Postgres.Port)
			},
		},
		{
			name: "list override - source.platforms",
			envVars: map[string]string{
				"RESPONDOOR_SOURCE_PLATFORMS": "linux,win32",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"linux", "win32"}, cfg.Source.Platforms)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "global: {}\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultIngestMode, cfg.Ingest.Mode)
	assert.True(t, cfg.Ingest.Clobber)
	assert.Equal(t, DefaultDownloadAttempts, cfg.Ingest.DownloadAttempts)
	assert.Equal(t, DefaultConcurrency, cfg.Ingest.Concurrency)
	assert.Equal(t, DefaultLogPattern, cfg.Source.LogPattern)
	assert.Equal(t, DefaultTestSuite, cfg.Listener.TestSuite)
	assert.Equal(t, DefaultRequestsPerMinute, cfg.API.RateLimit.RequestsPerMinute)
	assert.Equal(t, DefaultEventsPerMinute, cfg.API.RateLimit.EventsPerMinute)
	assert.Equal(t, DefaultNATSSubject, cfg.Listener.NATS.Subject)
	assert.Equal(t, DefaultListen, cfg.API.Listen)
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, "base.yaml", `
ingest:
  mode: legacy
  concurrency: 2
api:
  listen: ":9000"
`)
	override := writeConfig(t, "override.yaml", `
ingest:
  concurrency: 8
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, ModeLegacy, cfg.Ingest.Mode)
	assert.Equal(t, 8, cfg.Ingest.Concurrency)
	assert.Equal(t, ":9000", cfg.API.Listen)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "unknown driver",
			mutate:  func(cfg *Config) { cfg.Database.Driver = "mysql" },
			wantErr: "unsupported database driver",
		},
		{
			name:    "unknown mode",
			mutate:  func(cfg *Config) { cfg.Ingest.Mode = "streaming" },
			wantErr: "unknown ingest mode",
		},
		{
			name:    "empty sqlite path",
			mutate:  func(cfg *Config) { cfg.Database.SQLite.Path = "" },
			wantErr: "database.sqlite.path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateSource(t *testing.T) {
	tests := []struct {
		name    string
		source  SourceConfig
		wantErr string
	}{
		{
			name:    "nothing enabled",
			source:  SourceConfig{LogPattern: DefaultLogPattern},
			wantErr: "no log source enabled",
		},
		{
			name: "both enabled",
			source: SourceConfig{
				LogPattern: DefaultLogPattern,
				Local:      LocalSourceConfig{Enabled: true, Root: "/srv"},
				S3:         S3SourceConfig{Enabled: true, Bucket: "b"},
			},
			wantErr: "only one of",
		},
		{
			name: "s3 without bucket",
			source: SourceConfig{
				LogPattern: DefaultLogPattern,
				S3:         S3SourceConfig{Enabled: true},
			},
			wantErr: "source.s3.bucket is required",
		},
		{
			name: "bad pattern",
			source: SourceConfig{
				LogPattern: "([",
				Local:      LocalSourceConfig{Enabled: true, Root: "/srv"},
			},
			wantErr: "invalid source.log_pattern",
		},
		{
			name: "local ok",
			source: SourceConfig{
				LogPattern: DefaultLogPattern,
				Local:      LocalSourceConfig{Enabled: true, Root: "/srv"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Source: tt.source}

			err := cfg.ValidateSource()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateListener(t *testing.T) {
	cfg := &Config{Listener: ListenerConfig{Enabled: false}}
	assert.NoError(t, cfg.ValidateListener())

	cfg.Listener.Enabled = true
	require.Error(t, cfg.ValidateListener())

	cfg.Listener.NATS = NATSConfig{
		Servers: []string{"nats://127.0.0.1:4222"},
		Subject: DefaultNATSSubject,
	}
	assert.NoError(t, cfg.ValidateListener())
}

func TestRedacted(t *testing.T) {
	cfg := &Config{}
	cfg.Database.Postgres.Password = "hunter2"
	cfg.Source.S3.AccessKeyID = "AKIA"
	cfg.Source.S3.Bucket = "builds"

	out := cfg.Redacted()

	assert.Equal(t, redactedValue, out.Database.Postgres.Password)
	assert.Equal(t, redactedValue, out.Source.S3.AccessKeyID)
	assert.Empty(t, out.Source.S3.SecretAccessKey)
	assert.Equal(t, "builds", out.Source.S3.Bucket)
	assert.Equal(t, "hunter2", cfg.Database.Postgres.Password, "original untouched")
}
