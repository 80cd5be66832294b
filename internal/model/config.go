package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// SourceConfig holds the connection settings for the remote mail source.
type SourceConfig struct {
	// Host is the IMAP server hostname.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the IMAP server port.
	Port string `mapstructure:"port" yaml:"port"`

	// Username is the account to back up.
	Username string `mapstructure:"username" yaml:"username"`

	// TLS selects implicit TLS; when false, STARTTLS is used.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Mailbox is the mailbox to sync (e.g. "INBOX").
	Mailbox string `mapstructure:"mailbox" yaml:"mailbox"`

	// CredentialKey is the keyring entry holding the account password.
	CredentialKey string `mapstructure:"credential_key" yaml:"credential_key"`
}

// RateConfig holds token-bucket settings for outbound request admission.
type RateConfig struct {
	// Capacity is the bucket size in tokens.
	Capacity int `mapstructure:"capacity" yaml:"capacity"`

	// RefillPerSec is the steady-state refill rate in tokens per second.
	RefillPerSec float64 `mapstructure:"refill_per_sec" yaml:"refill_per_sec"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold is the consecutive retryable-failure count that
	// opens the circuit.
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`

	// CooldownSec is how long the circuit stays open before admitting
	// trial probes.
	CooldownSec int `mapstructure:"cooldown_sec" yaml:"cooldown_sec"`

	// HalfOpenSuccesses is how many consecutive successful probes close
	// the circuit again.
	HalfOpenSuccesses int `mapstructure:"half_open_successes" yaml:"half_open_successes"`
}

// FetchConfig holds batching, retry, and concurrency settings.
type FetchConfig struct {
	// MaxBatchSize is the largest number of ids grouped into one request.
	MaxBatchSize int `mapstructure:"max_batch_size" yaml:"max_batch_size"`

	// PageSize is the listing page size.
	PageSize int `mapstructure:"page_size" yaml:"page_size"`

	// Width is the number of batches allowed in flight concurrently.
	Width int `mapstructure:"width" yaml:"width"`

	// MaxAttempts is the retry budget for transient failures.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// RetryBaseMs is the base backoff delay in milliseconds.
	RetryBaseMs int `mapstructure:"retry_base_ms" yaml:"retry_base_ms"`

	// DrainGraceSec is how long cancellation waits for in-flight batches.
	DrainGraceSec int `mapstructure:"drain_grace_sec" yaml:"drain_grace_sec"`
}

// CheckpointConfig holds checkpoint store settings.
type CheckpointConfig struct {
	// Dir is the directory holding per-run checkpoint files.
	Dir string `mapstructure:"dir" yaml:"dir"`

	// StaleAfterHours bounds how old an interrupted checkpoint may be
	// and still be resumed.
	StaleAfterHours int `mapstructure:"stale_after_hours" yaml:"stale_after_hours"`

	// RetentionDays is how long completed checkpoints are kept before
	// cleanup removes them.
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Source     SourceConfig     `mapstructure:"source" yaml:"source"`
	Rate       RateConfig       `mapstructure:"rate" yaml:"rate"`
	Breaker    BreakerConfig    `mapstructure:"breaker" yaml:"breaker"`
	Fetch      FetchConfig      `mapstructure:"fetch" yaml:"fetch"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint"`

	// OutputDir is where fetched messages are archived.
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`

	// DatabasePath is the SQLite file holding the dead letter queue and
	// the message index.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	// LogLevel selects the zap log level ("debug", "info", "warn", "error").
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// StaleAfter returns the staleness window as a duration.
func (c CheckpointConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterHours) * time.Hour
}

// Retention returns the completed-checkpoint retention as a duration.
func (c CheckpointConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailvault/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailvault", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".local", "share", "mailvault")
	return &AppConfig{
		Source: SourceConfig{
			Port:    "993",
			TLS:     true,
			Mailbox: "INBOX",
		},
		Rate:    RateConfig{Capacity: 25, RefillPerSec: 5},
		Breaker: BreakerConfig{FailureThreshold: 5, CooldownSec: 30, HalfOpenSuccesses: 1},
		Fetch: FetchConfig{
			MaxBatchSize:  50,
			PageSize:      100,
			Width:         4,
			MaxAttempts:   3,
			RetryBaseMs:   500,
			DrainGraceSec: 30,
		},
		Checkpoint: CheckpointConfig{
			Dir:             filepath.Join(base, "checkpoints"),
			StaleAfterHours: 72,
			RetentionDays:   30,
		},
		OutputDir:    filepath.Join(base, "archive"),
		DatabasePath: filepath.Join(base, "mailvault.db"),
		LogLevel:     "info",
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	def := defaultAppConfig()
	v.SetDefault("source.port", def.Source.Port)
	v.SetDefault("source.tls", def.Source.TLS)
	v.SetDefault("source.mailbox", def.Source.Mailbox)
	v.SetDefault("rate.capacity", def.Rate.Capacity)
	v.SetDefault("rate.refill_per_sec", def.Rate.RefillPerSec)
	v.SetDefault("breaker.failure_threshold", def.Breaker.FailureThreshold)
	v.SetDefault("breaker.cooldown_sec", def.Breaker.CooldownSec)
	v.SetDefault("breaker.half_open_successes", def.Breaker.HalfOpenSuccesses)
	v.SetDefault("fetch.max_batch_size", def.Fetch.MaxBatchSize)
	v.SetDefault("fetch.page_size", def.Fetch.PageSize)
	v.SetDefault("fetch.width", def.Fetch.Width)
	v.SetDefault("fetch.max_attempts", def.Fetch.MaxAttempts)
	v.SetDefault("fetch.retry_base_ms", def.Fetch.RetryBaseMs)
	v.SetDefault("fetch.drain_grace_sec", def.Fetch.DrainGraceSec)
	v.SetDefault("checkpoint.dir", def.Checkpoint.Dir)
	v.SetDefault("checkpoint.stale_after_hours", def.Checkpoint.StaleAfterHours)
	v.SetDefault("checkpoint.retention_days", def.Checkpoint.RetentionDays)
	v.SetDefault("output_dir", def.OutputDir)
	v.SetDefault("database_path", def.DatabasePath)
	v.SetDefault("log_level", def.LogLevel)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return def, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("source", cfg.Source)
	v.Set("rate", cfg.Rate)
	v.Set("breaker", cfg.Breaker)
	v.Set("fetch", cfg.Fetch)
	v.Set("checkpoint", cfg.Checkpoint)
	v.Set("output_dir", cfg.OutputDir)
	v.Set("database_path", cfg.DatabasePath)
	v.Set("log_level", cfg.LogLevel)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
