// Package config loads service configuration from a YAML file with
// environment overrides, and optionally resolves storage credentials from
// Vault so secrets never live in the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mnemosyne-app/mnemosyne/interfaces"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// such as "200ms" or "1h".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Storage StorageConfig `yaml:"storage"`
	Upload  UploadConfig  `yaml:"upload"`
	Vault   VaultConfig   `yaml:"vault"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	ListenAddr  string   `yaml:"listen_addr"`
	MetricsAddr string   `yaml:"metrics_addr"`
	EnablePprof bool     `yaml:"enable_pprof"`
	DrainSecs   int      `yaml:"drain_seconds"`
	ReadTimeout Duration `yaml:"read_timeout"`
}

// LedgerConfig locates the SQLite edge ledger.
type LedgerConfig struct {
	DSN string `yaml:"dsn"`
}

// StorageConfig declares the configured backends as location URIs and tunes
// the manager. URIs follow the scheme conventions of the storage factory,
// for example "file:///var/lib/mnemosyne/blobs" or
// "s3://bucket/prefix?region=us-east-1".
type StorageConfig struct {
	Locations     []string `yaml:"locations"`
	FallbackOrder []string `yaml:"fallback_order"`

	MaxAttempts      int      `yaml:"max_attempts"`
	BaseDelay        Duration `yaml:"base_delay"`
	MaxDelay         Duration `yaml:"max_delay"`
	RatePerSecond    float64  `yaml:"rate_per_second"`
	BreakerThreshold uint32   `yaml:"breaker_threshold"`

	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
}

// UploadConfig tunes the ingest workflow.
type UploadConfig struct {
	DefaultBackends  []string `yaml:"default_backends"`
	BatchConcurrency int      `yaml:"batch_concurrency"`
	Workers          int      `yaml:"derivative_workers"`
	QueueSize        int      `yaml:"derivative_queue_size"`
	JobTimeout       Duration `yaml:"derivative_job_timeout"`
	JanitorInterval  Duration `yaml:"janitor_interval"`
}

// VaultConfig locates secrets in Vault. When Addr is empty, Vault is not
// consulted and credentials come from the file or environment.
type VaultConfig struct {
	Addr string `yaml:"addr"`
	// Token is normally supplied via VAULT_TOKEN rather than the file.
	Token string `yaml:"token"`
	// SecretPath is the KV path holding s3_access_key and s3_secret_key.
	SecretPath string `yaml:"secret_path"`
}

// Default returns a configuration suitable for local development: a single
// file backend and an on-disk ledger.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  "127.0.0.1:8080",
			MetricsAddr: "127.0.0.1:8090",
			DrainSecs:   45,
			ReadTimeout: Duration(60 * time.Second),
		},
		Ledger: LedgerConfig{DSN: "mnemosyne.db"},
		Storage: StorageConfig{
			Locations:     []string{"file:///var/lib/mnemosyne/blobs"},
			FallbackOrder: []string{"file"},
			MaxAttempts:   3,
			BaseDelay:     Duration(200 * time.Millisecond),
		},
		Upload: UploadConfig{
			DefaultBackends:  []string{"file"},
			BatchConcurrency: 5,
			Workers:          4,
			QueueSize:        256,
			JobTimeout:       Duration(2 * time.Minute),
			JanitorInterval:  Duration(time.Hour),
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets the environment override the file for the values that differ
// between deployments.
func (c *Config) applyEnv() {
	if v := os.Getenv("MNEMOSYNE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MNEMOSYNE_METRICS_ADDR"); v != "" {
		c.Server.MetricsAddr = v
	}
	if v := os.Getenv("MNEMOSYNE_LEDGER_DSN"); v != "" {
		c.Ledger.DSN = v
	}
	if v := os.Getenv("MNEMOSYNE_S3_ACCESS_KEY"); v != "" {
		c.Storage.S3AccessKey = v
	}
	if v := os.Getenv("MNEMOSYNE_S3_SECRET_KEY"); v != "" {
		c.Storage.S3SecretKey = v
	}
	if v := os.Getenv("MNEMOSYNE_BATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Upload.BatchConcurrency = n
		}
	}
	if v := os.Getenv("VAULT_ADDR"); v != "" {
		c.Vault.Addr = v
	}
	if v := os.Getenv("VAULT_TOKEN"); v != "" {
		c.Vault.Token = v
	}
}

func (c *Config) validate() error {
	if len(c.Storage.Locations) == 0 {
		return fmt.Errorf("at least one storage location is required")
	}
	if c.Ledger.DSN == "" {
		return fmt.Errorf("ledger dsn is required")
	}
	for _, b := range c.Upload.DefaultBackends {
		if !interfaces.BackendKind(b).Valid() {
			return fmt.Errorf("unknown default backend %q", b)
		}
	}
	for _, b := range c.Storage.FallbackOrder {
		if !interfaces.BackendKind(b).Valid() {
			return fmt.Errorf("unknown fallback backend %q", b)
		}
	}
	return nil
}

// Backends converts the configured default backend names.
func (c *UploadConfig) Backends() []interfaces.BackendKind {
	out := make([]interfaces.BackendKind, 0, len(c.DefaultBackends))
	for _, b := range c.DefaultBackends {
		out = append(out, interfaces.BackendKind(b))
	}
	return out
}

// Fallbacks converts the configured fallback order.
func (c *StorageConfig) Fallbacks() []interfaces.BackendKind {
	out := make([]interfaces.BackendKind, 0, len(c.FallbackOrder))
	for _, b := range c.FallbackOrder {
		out = append(out, interfaces.BackendKind(b))
	}
	return out
}
