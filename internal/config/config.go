// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	DB       DBConfig       `mapstructure:"db"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Download DownloadConfig `mapstructure:"download"`
	Extract  ExtractConfig  `mapstructure:"extract"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Index    IndexConfig    `mapstructure:"index"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig guards mutating API routes.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_minutes"`
	MigrateOnStart  bool   `mapstructure:"migrate_on_start"`
}

// StorageConfig selects and configures the blob backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	BadgerDir string `mapstructure:"badger_dir"`
	ZstdLevel int    `mapstructure:"zstd_level"`
}

// ArchiveConfig points the fetcher at a Wayback-compatible playback service.
type ArchiveConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	Burst          int     `mapstructure:"burst"`
}

// DownloadConfig governs the download orchestrator.
type DownloadConfig struct {
	Concurrency      int      `mapstructure:"concurrency"`
	BatchSize        int      `mapstructure:"batch_size"`
	MimeTypes        []string `mapstructure:"mime_types"`
	BackoffBaseSec   int      `mapstructure:"backoff_base_seconds"`
	BackoffCeilSec   int      `mapstructure:"backoff_ceiling_seconds"`
	LocalShortcut    bool     `mapstructure:"local_shortcut"`
	SuccessTopicName string   `mapstructure:"success_topic"`
}

// ExtractConfig bounds what the extractor keeps per snapshot.
type ExtractConfig struct {
	MaxTextBytes int `mapstructure:"max_text_bytes"`
	MaxLinks     int `mapstructure:"max_links"`
}

// IngestConfig lists the CDX files read at the start of scheduled passes.
type IngestConfig struct {
	Paths    []string `mapstructure:"paths"`
	PageSize int      `mapstructure:"page_size"`
}

// IndexConfig selects the search backend and writer batching.
type IndexConfig struct {
	Backend           string   `mapstructure:"backend"`
	Addresses         []string `mapstructure:"addresses"`
	Username          string   `mapstructure:"username"`
	Password          string   `mapstructure:"password"`
	IndexName         string   `mapstructure:"index_name"`
	MaxRetries        int      `mapstructure:"max_retries"`
	BatchSize         int      `mapstructure:"batch_size"`
	FlushIntervalMs   int      `mapstructure:"flush_interval_ms"`
	ExcludeUnverified bool     `mapstructure:"exclude_unverified"`
}

// PipelineConfig sets pass scheduling and per-stage batch sizes.
type PipelineConfig struct {
	IntervalSeconds     int `mapstructure:"interval_seconds"`
	ExtractionBatchSize int `mapstructure:"extraction_batch_size"`
	IndexBatchSize      int `mapstructure:"index_batch_size"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("db.migrate_on_start", false)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "items")
	v.SetDefault("storage.prefix", "items")
	v.SetDefault("storage.zstd_level", 14)
	v.SetDefault("archive.base_url", "http://web.archive.org")
	v.SetDefault("archive.user_agent", "wayback-harvester/0.1")
	v.SetDefault("archive.timeout_seconds", 60)
	v.SetDefault("archive.rate_per_second", 1.0)
	v.SetDefault("archive.burst", 1)
	v.SetDefault("download.concurrency", 4)
	v.SetDefault("download.batch_size", 200)
	v.SetDefault("download.mime_types", []string{"text/html", "text/plain"})
	v.SetDefault("download.backoff_base_seconds", 60)
	v.SetDefault("download.backoff_ceiling_seconds", 7*24*60*60)
	v.SetDefault("download.local_shortcut", true)
	v.SetDefault("download.success_topic", "")
	v.SetDefault("extract.max_text_bytes", 1<<20)
	v.SetDefault("extract.max_links", 1000)
	v.SetDefault("ingest.page_size", 500)
	v.SetDefault("index.backend", "memory")
	v.SetDefault("index.index_name", "captures")
	v.SetDefault("index.max_retries", 3)
	v.SetDefault("index.batch_size", 100)
	v.SetDefault("index.flush_interval_ms", 250)
	v.SetDefault("index.exclude_unverified", false)
	v.SetDefault("pipeline.interval_seconds", 300)
	v.SetDefault("pipeline.extraction_batch_size", 100)
	v.SetDefault("pipeline.index_batch_size", 200)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case "badger":
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir must be set for the badger backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Archive.BaseURL == "" {
		return fmt.Errorf("archive.base_url must be set")
	}
	if c.Archive.TimeoutSeconds <= 0 {
		return fmt.Errorf("archive.timeout_seconds must be > 0")
	}
	if c.Archive.RatePerSecond <= 0 {
		return fmt.Errorf("archive.rate_per_second must be > 0")
	}
	if c.Download.Concurrency <= 0 {
		return fmt.Errorf("download.concurrency must be > 0")
	}
	if c.Download.BatchSize <= 0 {
		return fmt.Errorf("download.batch_size must be > 0")
	}
	if c.Download.BackoffBaseSec <= 0 || c.Download.BackoffCeilSec < c.Download.BackoffBaseSec {
		return fmt.Errorf("download backoff must satisfy 0 < base <= ceiling")
	}
	if c.Extract.MaxTextBytes < 0 || c.Extract.MaxLinks < 0 {
		return fmt.Errorf("extract limits must be >= 0")
	}
	if c.Ingest.PageSize <= 0 {
		return fmt.Errorf("ingest.page_size must be > 0")
	}
	switch c.Index.Backend {
	case "memory":
	case "elasticsearch":
		if len(c.Index.Addresses) == 0 {
			return fmt.Errorf("index.addresses must be set for the elasticsearch backend")
		}
	default:
		return fmt.Errorf("unknown index.backend %q", c.Index.Backend)
	}
	if c.Index.IndexName == "" {
		return fmt.Errorf("index.index_name must be set")
	}
	if c.Index.BatchSize <= 0 {
		return fmt.Errorf("index.batch_size must be > 0")
	}
	if c.Pipeline.IntervalSeconds <= 0 {
		return fmt.Errorf("pipeline.interval_seconds must be > 0")
	}
	return nil
}

// Backoff returns the configured retry spacing bounds.
func (c DownloadConfig) Backoff() (base, ceiling time.Duration) {
	return time.Duration(c.BackoffBaseSec) * time.Second, time.Duration(c.BackoffCeilSec) * time.Second
}

// FetchTimeout converts the archive timeout into a duration.
func (c ArchiveConfig) FetchTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// FlushInterval converts the index flush interval into a duration.
func (c IndexConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// Interval converts the pass interval into a duration.
func (c PipelineConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}
