package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is prepended to every environment override, e.g.
	// RESPONDOOR_DATABASE_DRIVER overrides database.driver.
	EnvPrefix = "RESPONDOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDriver is the default database driver.
	DefaultDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "./respondoor.db"

	// DefaultIngestMode selects the unresponsive-period grammar.
	DefaultIngestMode = "detailed"

	// DefaultSpoolDir is where downloaded logs are kept while parsed.
	DefaultSpoolDir = "./logs"

	// DefaultDownloadAttempts bounds fetch retries for a single log.
	DefaultDownloadAttempts = 3

	// DefaultConcurrency is the number of logs fetched in parallel.
	DefaultConcurrency = 4

	// DefaultLogPattern matches harness log file names worth parsing.
	DefaultLogPattern = `^[^_]+_[^_]+_test-peptest`

	// DefaultTestSuite is the suite name carried by build events.
	DefaultTestSuite = "peptest"

	// DefaultNATSSubject is the subject build-completion events arrive on.
	DefaultNATSSubject = "builds.test.completed"

	// DefaultNATSQueue is the queue group shared by listener replicas.
	DefaultNATSQueue = "respondoor"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultRequestsPerMinute is the per-client limit on query routes.
	DefaultRequestsPerMinute = 120
	// DefaultEventsPerMinute is the per-client limit on posted build
	// events. A bus bridge posts every finished test from one address.
	DefaultEventsPerMinute = 600
)

// Ingest modes.
const (
	ModeDetailed = "detailed"
	ModeLegacy   = "legacy"
)

// Config is the root configuration for respondoor.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Source   SourceConfig   `yaml:"source" mapstructure:"source"`
	Listener ListenerConfig `yaml:"listener" mapstructure:"listener"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// IngestConfig controls how harness logs are turned into results.
type IngestConfig struct {
	// Mode is "detailed" (unresponsive periods per run) or "legacy"
	// (one pass/fail record per test line).
	Mode             string `yaml:"mode" mapstructure:"mode"`
	Clobber          bool   `yaml:"clobber" mapstructure:"clobber"`
	SpoolDir         string `yaml:"spool_dir" mapstructure:"spool_dir"`
	DownloadAttempts int    `yaml:"download_attempts" mapstructure:"download_attempts"`
	Concurrency      int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// SourceConfig describes where the batch scanner discovers logs. Exactly
// one of Local or S3 may be enabled.
type SourceConfig struct {
	LogPattern string            `yaml:"log_pattern" mapstructure:"log_pattern"`
	Branches   []string          `yaml:"branches,omitempty" mapstructure:"branches"`
	Platforms  []string          `yaml:"platforms,omitempty" mapstructure:"platforms"`
	Local      LocalSourceConfig `yaml:"local,omitempty" mapstructure:"local"`
	S3         S3SourceConfig    `yaml:"s3,omitempty" mapstructure:"s3"`
}

// LocalSourceConfig reads build directories from the local filesystem.
type LocalSourceConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Root    string `yaml:"root" mapstructure:"root"`
}

// S3SourceConfig reads build directories from an S3-compatible bucket.
type S3SourceConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// ListenerConfig configures the build-completion event listener.
type ListenerConfig struct {
	Enabled   bool       `yaml:"enabled" mapstructure:"enabled"`
	TestSuite string     `yaml:"test_suite" mapstructure:"test_suite"`
	Clobber   bool       `yaml:"clobber" mapstructure:"clobber"`
	NATS      NATSConfig `yaml:"nats,omitempty" mapstructure:"nats"`
}

// NATSConfig contains message bus connection settings.
type NATSConfig struct {
	Servers []string `yaml:"servers,omitempty" mapstructure:"servers"`
	Subject string   `yaml:"subject" mapstructure:"subject"`
	Queue   string   `yaml:"queue" mapstructure:"queue"`
}

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-client rate limiting. Query routes and
// the event route are budgeted separately; a budget of zero leaves that
// group unlimited.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	EventsPerMinute   int  `yaml:"events_per_minute" mapstructure:"events_per_minute"`
}

// Load reads and merges the given configuration files in order, then
// applies RESPONDOOR_* environment overrides and defaults. With no paths
// the configuration is built from defaults and the environment alone.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	for _, path := range paths {
		data, err := os.ReadFile(path) //nolint:gosec // operator supplied
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every leaf key so environment overrides apply even
// when the key is absent from the config files.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("database.driver", DefaultDriver)
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "respondoor")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "respondoor")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("ingest.mode", DefaultIngestMode)
	v.SetDefault("ingest.clobber", true)
	v.SetDefault("ingest.spool_dir", DefaultSpoolDir)
	v.SetDefault("ingest.download_attempts", DefaultDownloadAttempts)
	v.SetDefault("ingest.concurrency", DefaultConcurrency)

	v.SetDefault("source.log_pattern", DefaultLogPattern)
	v.SetDefault("source.branches", []string{})
	v.SetDefault("source.platforms", []string{})
	v.SetDefault("source.local.enabled", false)
	v.SetDefault("source.local.root", "")
	v.SetDefault("source.s3.enabled", false)
	v.SetDefault("source.s3.endpoint_url", "")
	v.SetDefault("source.s3.region", "")
	v.SetDefault("source.s3.bucket", "")
	v.SetDefault("source.s3.prefix", "")
	v.SetDefault("source.s3.access_key_id", "")
	v.SetDefault("source.s3.secret_access_key", "")
	v.SetDefault("source.s3.force_path_style", false)

	v.SetDefault("listener.enabled", false)
	v.SetDefault("listener.test_suite", DefaultTestSuite)
	v.SetDefault("listener.clobber", true)
	v.SetDefault("listener.nats.servers", []string{})
	v.SetDefault("listener.nats.subject", DefaultNATSSubject)
	v.SetDefault("listener.nats.queue", DefaultNATSQueue)

	v.SetDefault("api.listen", DefaultListen)
	v.SetDefault("api.cors_origins", []string{})
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.requests_per_minute", DefaultRequestsPerMinute)
	v.SetDefault("api.rate_limit.events_per_minute", DefaultEventsPerMinute)
}

// applyDefaults fills values that decoded as zero, e.g. from an explicit
// empty string in YAML.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}

	if c.Ingest.Mode == "" {
		c.Ingest.Mode = DefaultIngestMode
	}

	if c.Ingest.SpoolDir == "" {
		c.Ingest.SpoolDir = DefaultSpoolDir
	}

	if c.Ingest.DownloadAttempts <= 0 {
		c.Ingest.DownloadAttempts = DefaultDownloadAttempts
	}

	if c.Ingest.Concurrency <= 0 {
		c.Ingest.Concurrency = DefaultConcurrency
	}

	if c.Source.LogPattern == "" {
		c.Source.LogPattern = DefaultLogPattern
	}

	if c.Listener.TestSuite == "" {
		c.Listener.TestSuite = DefaultTestSuite
	}

	if c.API.Listen == "" {
		c.API.Listen = DefaultListen
	}
}

// Validate checks the settings shared by every command.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	switch c.Ingest.Mode {
	case ModeDetailed, ModeLegacy:
	default:
		return fmt.Errorf("unknown ingest mode %q", c.Ingest.Mode)
	}

	return nil
}

// ValidateSource checks the batch scanner's log source.
func (c *Config) ValidateSource() error {
	if c.Source.Local.Enabled && c.Source.S3.Enabled {
		return fmt.Errorf("only one of source.local and source.s3 may be enabled")
	}

	switch {
	case c.Source.Local.Enabled:
		if c.Source.Local.Root == "" {
			return fmt.Errorf("source.local.root is required")
		}
	case c.Source.S3.Enabled:
		if c.Source.S3.Bucket == "" {
			return fmt.Errorf("source.s3.bucket is required")
		}
	default:
		return fmt.Errorf("no log source enabled (source.local or source.s3)")
	}

	if _, err := regexp.Compile(c.Source.LogPattern); err != nil {
		return fmt.Errorf("invalid source.log_pattern: %w", err)
	}

	return nil
}

// ValidateListener checks the event listener settings.
func (c *Config) ValidateListener() error {
	if !c.Listener.Enabled {
		return nil
	}

	if len(c.Listener.NATS.Servers) == 0 {
		return fmt.Errorf("listener.nats.servers is required when the listener is enabled")
	}

	if c.Listener.NATS.Subject == "" {
		return fmt.Errorf("listener.nats.subject is required")
	}

	return nil
}

// redactedValue replaces secrets in Redacted output.
const redactedValue = "<redacted>"

// Redacted returns a copy of the config with credentials masked, suitable
// for printing.
func (c *Config) Redacted() *Config {
	out := *c

	if out.Database.Postgres.Password != "" {
		out.Database.Postgres.Password = redactedValue
	}

	if out.Source.S3.AccessKeyID != "" {
		out.Source.S3.AccessKeyID = redactedValue
	}

	if out.Source.S3.SecretAccessKey != "" {
		out.Source.S3.SecretAccessKey = redactedValue
	}

	return &out
}
