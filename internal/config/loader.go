package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

// Credential source selectors for CredentialsConfig.Source.
const (
	CredSourceFile  = "file"
	CredSourceVault = "vault"
)

const (
	defaultFolderSuffix   = "_BACKUP"
	defaultStateFile      = "backup_state.json"
	defaultLogFile        = "backup_log.json"
	defaultLogLevel       = "info"
	defaultCredentialFile = "credentials.json"

	defaultRateLimitThreshold = 3
	defaultRateLimitWindow    = time.Minute
	defaultRateLimitCooldown  = 24 * time.Hour

	defaultChunkSize      = 10 * 1024 * 1024
	defaultMaxRetries     = 3
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoff     = 5 * time.Minute
	defaultBatchTimeout   = time.Hour

	defaultMaxHandles       = 10
	defaultMemoryThreshold  = 80.0
	defaultMemoryCheckEvery = 20
)

// Config represents the top-level YAML configuration file.
type Config struct {
	Include     []string          `mapstructure:"include"     yaml:"include,omitempty"`
	LogLevel    string            `mapstructure:"log_level"   yaml:"log_level,omitempty"`
	Backup      BackupConfig      `mapstructure:"backup"      yaml:"backup"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"  yaml:"rate_limit"`
	Transfer    TransferConfig    `mapstructure:"transfer"    yaml:"transfer"`
	Staging     StagingConfig     `mapstructure:"staging"     yaml:"staging"`
	Memory      MemoryConfig      `mapstructure:"memory"      yaml:"memory"`
}

// BackupConfig names the tree to mirror and where run state lives.
type BackupConfig struct {
	SourceFolderID string `mapstructure:"source_folder_id" yaml:"source_folder_id"`
	BackupParentID string `mapstructure:"backup_parent_id" yaml:"backup_parent_id,omitempty"`
	FolderSuffix   string `mapstructure:"folder_suffix"    yaml:"folder_suffix,omitempty"`
	StateFile      string `mapstructure:"state_file"       yaml:"state_file,omitempty"`
	LogFile        string `mapstructure:"log_file"         yaml:"log_file,omitempty"`
	Workers        int    `mapstructure:"workers"          yaml:"workers,omitempty"`
}

// CredentialsConfig selects where the service account key comes from.
type CredentialsConfig struct {
	Source string      `mapstructure:"source" yaml:"source,omitempty"`
	File   string      `mapstructure:"file"   yaml:"file,omitempty"`
	Vault  VaultConfig `mapstructure:"vault"  yaml:"vault"`
}

// VaultConfig holds connection settings for HashiCorp Vault.
type VaultConfig struct {
	Address     string `mapstructure:"address"      yaml:"address,omitempty"`
	ApproleName string `mapstructure:"approle_name" yaml:"approle_name,omitempty"`
	Mount       string `mapstructure:"mount"        yaml:"mount,omitempty"`
	Path        string `mapstructure:"path"         yaml:"path,omitempty"`
}

// RateLimitConfig tunes the circuit breaker.
type RateLimitConfig struct {
	Threshold int           `mapstructure:"threshold" yaml:"threshold,omitempty"`
	Window    time.Duration `mapstructure:"window"    yaml:"window,omitempty"`
	Cooldown  time.Duration `mapstructure:"cooldown"  yaml:"cooldown,omitempty"`
}

// TransferConfig tunes per-file transfers and their retry policy.
type TransferConfig struct {
	ChunkSize      int           `mapstructure:"chunk_size"      yaml:"chunk_size,omitempty"`
	MaxRetries     int           `mapstructure:"max_retries"     yaml:"max_retries,omitempty"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"     yaml:"max_backoff,omitempty"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"   yaml:"batch_timeout,omitempty"`
}

// StagingConfig controls the local spool area between download and upload.
type StagingConfig struct {
	Dir        string `mapstructure:"dir"         yaml:"dir,omitempty"`
	Compress   bool   `mapstructure:"compress"    yaml:"compress,omitempty"`
	MaxHandles int    `mapstructure:"max_handles" yaml:"max_handles,omitempty"`
}

// MemoryConfig controls the pressure checks between transfers.
type MemoryConfig struct {
	ThresholdPercent float64 `mapstructure:"threshold_percent" yaml:"threshold_percent,omitempty"`
	CheckEvery       int     `mapstructure:"check_every"       yaml:"check_every,omitempty"`
}

// Load reads the configuration from the given YAML file using Viper, merges
// any included files, unmarshals into the Config struct and fills defaults.
func (c *Config) Load(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	// Read base configuration
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
	}

	// Merge include files (if any)
	for _, inc := range v.GetStringSlice("include") {
		data, err := os.ReadFile(inc)
		if err != nil {
			return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, inc, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, inc, err)
		}
	}

	// Unmarshal into the Config struct
	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	c.applyDefaults()
	return nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Backup.FolderSuffix == "" {
		c.Backup.FolderSuffix = defaultFolderSuffix
	}
	if c.Backup.StateFile == "" {
		c.Backup.StateFile = defaultStateFile
	}
	if c.Backup.LogFile == "" {
		c.Backup.LogFile = defaultLogFile
	}
	if c.Credentials.Source == "" {
		c.Credentials.Source = CredSourceFile
	}
	if c.Credentials.File == "" {
		c.Credentials.File = defaultCredentialFile
	}
	if c.RateLimit.Threshold == 0 {
		c.RateLimit.Threshold = defaultRateLimitThreshold
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = defaultRateLimitWindow
	}
	if c.RateLimit.Cooldown == 0 {
		c.RateLimit.Cooldown = defaultRateLimitCooldown
	}
	if c.Transfer.ChunkSize == 0 {
		c.Transfer.ChunkSize = defaultChunkSize
	}
	if c.Transfer.MaxRetries == 0 {
		c.Transfer.MaxRetries = defaultMaxRetries
	}
	if c.Transfer.InitialBackoff == 0 {
		c.Transfer.InitialBackoff = defaultInitialBackoff
	}
	if c.Transfer.MaxBackoff == 0 {
		c.Transfer.MaxBackoff = defaultMaxBackoff
	}
	if c.Transfer.BatchTimeout == 0 {
		c.Transfer.BatchTimeout = defaultBatchTimeout
	}
	if c.Staging.Dir == "" {
		c.Staging.Dir = filepath.Join(os.TempDir(), "drivemirror")
	}
	if c.Staging.MaxHandles == 0 {
		c.Staging.MaxHandles = defaultMaxHandles
	}
	if c.Memory.ThresholdPercent == 0 {
		c.Memory.ThresholdPercent = defaultMemoryThreshold
	}
	if c.Memory.CheckEvery == 0 {
		c.Memory.CheckEvery = defaultMemoryCheckEvery
	}
}

// Validate reports the first problem that would make a run misbehave.
func (c *Config) Validate() error {
	if c.Backup.SourceFolderID == "" {
		return fmt.Errorf("%w: backup.source_folder_id is required", ErrValidateConfig)
	}
	if c.Backup.Workers < 0 {
		return fmt.Errorf("%w: backup.workers must not be negative", ErrValidateConfig)
	}

	switch c.Credentials.Source {
	case CredSourceFile:
		if c.Credentials.File == "" {
			return fmt.Errorf("%w: credentials.file is required", ErrValidateConfig)
		}
	case CredSourceVault:
		if c.Credentials.Vault.Mount == "" || c.Credentials.Vault.Path == "" {
			return fmt.Errorf("%w: credentials.vault.mount and credentials.vault.path are required",
				ErrValidateConfig)
		}
	default:
		return fmt.Errorf("%w: credentials.source must be %q or %q, got %q",
			ErrValidateConfig, CredSourceFile, CredSourceVault, c.Credentials.Source)
	}

	if c.RateLimit.Threshold < 1 {
		return fmt.Errorf("%w: rate_limit.threshold must be at least 1", ErrValidateConfig)
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.Cooldown <= 0 {
		return fmt.Errorf("%w: rate_limit.window and rate_limit.cooldown must be positive",
			ErrValidateConfig)
	}
	if c.Transfer.MaxRetries < 1 {
		return fmt.Errorf("%w: transfer.max_retries must be at least 1", ErrValidateConfig)
	}
	if c.Memory.ThresholdPercent <= 0 || c.Memory.ThresholdPercent > 100 {
		return fmt.Errorf("%w: memory.threshold_percent must be within (0, 100]", ErrValidateConfig)
	}
	return nil
}
