package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables that override file values.
// A double underscore separates nesting levels: KBSYNC_BLOB__BUCKET -> blob.bucket.
const EnvPrefix = "KBSYNC_"

// Config holds the complete application configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Blob         BlobConfig         `koanf:"blob"`
	Index        IndexConfig        `koanf:"index"`
	Store        StoreConfig        `koanf:"store"`
	Provisioning ProvisioningConfig `koanf:"provisioning"`
	Status       StatusConfig       `koanf:"status"`
	Runner       RunnerConfig       `koanf:"runner"`
	History      HistoryConfig      `koanf:"history"`
	Logging      LoggingConfig      `koanf:"logging"`
}

type ServerConfig struct {
	Listen string `koanf:"listen"`
}

// TLSConfig controls certificate verification for HTTPS backends.
type TLSConfig struct {
	SkipVerify bool   `koanf:"skip_verify"`
	CACert     string `koanf:"ca_cert"`
}

// BlobConfig selects the blob store holding lock objects.
type BlobConfig struct {
	Backend    string           `koanf:"backend"` // s3 | bolt | opensearch
	Region     string           `koanf:"region"`
	Bucket     string           `koanf:"bucket"`
	Prefix     string           `koanf:"prefix"`   // key prefix for lock objects, e.g. ".temp/"
	BoltPath   string           `koanf:"bolt_path"`
	LockTTL    time.Duration    `koanf:"lock_ttl"` // expiry enforced by bolt sweep / opensearch cleanup
	OpenSearch OpenSearchConfig `koanf:"opensearch"`
}

type OpenSearchConfig struct {
	URL       string    `koanf:"url"`
	Username  string    `koanf:"username"`
	Password  string    `koanf:"password"`
	TLSConfig TLSConfig `koanf:"tls"`
}

// IndexConfig configures the managed knowledge-base index.
type IndexConfig struct {
	Region         string `koanf:"region"`
	DocumentBucket string `koanf:"document_bucket"` // bucket holding uploaded tenant documents
	CacheSize      int    `koanf:"cache_size"`      // connector type cache entries
}

type StoreConfig struct {
	SQLitePath string `koanf:"sqlite_path"`
}

// ProvisioningConfig tells the coordinator where provisioned index ids come from.
type ProvisioningConfig struct {
	Backend              string                       `koanf:"backend"` // cloudformation | static
	Region               string                       `koanf:"region"`
	SharedStackName      string                       `koanf:"shared_stack_name"`
	DedicatedStackPrefix string                       `koanf:"dedicated_stack_prefix"`
	StaticOutputs        map[string]map[string]string `koanf:"static_outputs"` // stack name -> outputs
}

// StatusConfig bounds the local retry of status writes.
type StatusConfig struct {
	Retries    int           `koanf:"retries"`
	RetryDelay time.Duration `koanf:"retry_delay"`
}

// RunnerConfig configures the local build runner.
type RunnerConfig struct {
	Schedule     string        `koanf:"schedule"`
	LockName     string        `koanf:"lock_name"`
	Owner        string        `koanf:"owner"`
	PollInterval time.Duration `koanf:"poll_interval"`
	Parallelism  int           `koanf:"parallelism"`
	Tenants      []string      `koanf:"tenants"` // wildcard patterns of tenant ids, empty means all queued
}

// HistoryConfig enables recording of status transitions in OpenSearch.
type HistoryConfig struct {
	Enabled    bool             `koanf:"enabled"`
	OpenSearch OpenSearchConfig `koanf:"opensearch"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
}

// Load reads configuration from the given YAML file path and applies
// KBSYNC_* environment overrides on top.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func setDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8088"
	}
	if cfg.Blob.Backend == "" {
		cfg.Blob.Backend = "s3"
	}
	if cfg.Blob.Prefix == "" {
		cfg.Blob.Prefix = ".temp/"
	}
	if cfg.Blob.BoltPath == "" {
		cfg.Blob.BoltPath = "/var/lib/kbsync/locks.db"
	}
	if cfg.Blob.LockTTL <= 0 {
		cfg.Blob.LockTTL = 24 * time.Hour
	}
	if cfg.Index.DocumentBucket == "" {
		cfg.Index.DocumentBucket = cfg.Blob.Bucket
	}
	if cfg.Index.CacheSize <= 0 {
		cfg.Index.CacheSize = 256
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "/var/lib/kbsync/tenants.db"
	}
	if cfg.Provisioning.Backend == "" {
		cfg.Provisioning.Backend = "cloudformation"
	}
	if cfg.Provisioning.SharedStackName == "" {
		cfg.Provisioning.SharedStackName = "BrChatSharedKbStack"
	}
	if cfg.Provisioning.DedicatedStackPrefix == "" {
		cfg.Provisioning.DedicatedStackPrefix = "BrChatKbStack"
	}
	if cfg.Status.Retries <= 0 {
		cfg.Status.Retries = 4
	}
	if cfg.Status.RetryDelay <= 0 {
		cfg.Status.RetryDelay = 2 * time.Second
	}
	if cfg.Runner.Schedule == "" {
		cfg.Runner.Schedule = "*/5 * * * *"
	}
	if cfg.Runner.LockName == "" {
		cfg.Runner.LockName = "embedding"
	}
	if cfg.Runner.PollInterval <= 0 {
		cfg.Runner.PollInterval = 30 * time.Second
	}
	if cfg.Runner.Parallelism <= 0 {
		cfg.Runner.Parallelism = 4
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validate(cfg *Config) error {
	switch cfg.Blob.Backend {
	case "s3":
		if cfg.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket is required for the s3 backend")
		}
	case "bolt":
	case "opensearch":
		if err := validateURL("blob.opensearch.url", cfg.Blob.OpenSearch.URL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown blob.backend %q", cfg.Blob.Backend)
	}

	if cfg.Index.DocumentBucket == "" {
		return fmt.Errorf("index.document_bucket is required")
	}

	switch cfg.Provisioning.Backend {
	case "cloudformation", "static":
	default:
		return fmt.Errorf("unknown provisioning.backend %q", cfg.Provisioning.Backend)
	}

	if cfg.History.Enabled {
		if err := validateURL("history.opensearch.url", cfg.History.OpenSearch.URL); err != nil {
			return err
		}
	}
	return nil
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	if _, err := url.Parse(raw); err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	return nil
}
