package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
backup:
  source_folder_id: "folder-123"
`)

	var cfg Config
	require.NoError(t, cfg.Load(path))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "folder-123", cfg.Backup.SourceFolderID)
	assert.Equal(t, "_BACKUP", cfg.Backup.FolderSuffix)
	assert.Equal(t, "backup_state.json", cfg.Backup.StateFile)
	assert.Equal(t, "backup_log.json", cfg.Backup.LogFile)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, CredSourceFile, cfg.Credentials.Source)

	assert.Equal(t, 3, cfg.RateLimit.Threshold)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 24*time.Hour, cfg.RateLimit.Cooldown)

	assert.Equal(t, 10*1024*1024, cfg.Transfer.ChunkSize)
	assert.Equal(t, 3, cfg.Transfer.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Transfer.InitialBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Transfer.MaxBackoff)

	assert.Equal(t, 10, cfg.Staging.MaxHandles)
	assert.NotEmpty(t, cfg.Staging.Dir)
	assert.InDelta(t, 80.0, cfg.Memory.ThresholdPercent, 0.001)
	assert.Equal(t, 20, cfg.Memory.CheckEvery)
}

func TestLoadParsesFullConfig(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
log_level: debug
backup:
  source_folder_id: "src-1"
  backup_parent_id: "parent-1"
  folder_suffix: "_MIRROR"
  workers: 6
credentials:
  source: vault
  vault:
    address: "https://vault.example.com:8200"
    approle_name: "drivemirror"
    mount: "secret"
    path: "gdrive/service-account"
rate_limit:
  threshold: 5
  window: 2m
  cooldown: 12h
transfer:
  max_retries: 4
  initial_backoff: 1s
  max_backoff: 60s
staging:
  dir: "/var/spool/drivemirror"
  compress: true
  max_handles: 4
`)

	var cfg Config
	require.NoError(t, cfg.Load(path))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "_MIRROR", cfg.Backup.FolderSuffix)
	assert.Equal(t, 6, cfg.Backup.Workers)
	assert.Equal(t, CredSourceVault, cfg.Credentials.Source)
	assert.Equal(t, "secret", cfg.Credentials.Vault.Mount)
	assert.Equal(t, 2*time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 12*time.Hour, cfg.RateLimit.Cooldown)
	assert.Equal(t, 4, cfg.Transfer.MaxRetries)
	assert.True(t, cfg.Staging.Compress)
	assert.Equal(t, 4, cfg.Staging.MaxHandles)
}

func TestLoadMergesIncludes(t *testing.T) {
	override := writeConfig(t, "override.yaml", `
rate_limit:
  cooldown: 1h
`)
	base := writeConfig(t, "config.yaml", `
include:
  - `+override+`
backup:
  source_folder_id: "src-1"
rate_limit:
  cooldown: 24h
`)

	var cfg Config
	require.NoError(t, cfg.Load(base))
	assert.Equal(t, time.Hour, cfg.RateLimit.Cooldown, "included file overrides the base")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
backup:
  source_folder_id: "src-1"
  sourc_folder_id: "typo"
`)

	var cfg Config
	err := cfg.Load(path)
	require.ErrorIs(t, err, ErrLoadConfig)
}

func TestLoadMissingFile(t *testing.T) {
	var cfg Config
	err := cfg.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, ErrLoadConfig)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		var cfg Config
		cfg.Backup.SourceFolderID = "src-1"
		cfg.applyDefaults()
		return cfg
	}

	t.Run("missing source folder", func(t *testing.T) {
		cfg := valid()
		cfg.Backup.SourceFolderID = ""
		require.ErrorIs(t, cfg.Validate(), ErrValidateConfig)
	})

	t.Run("bad credential source", func(t *testing.T) {
		cfg := valid()
		cfg.Credentials.Source = "keychain"
		require.ErrorIs(t, cfg.Validate(), ErrValidateConfig)
	})

	t.Run("vault source needs mount and path", func(t *testing.T) {
		cfg := valid()
		cfg.Credentials.Source = CredSourceVault
		require.ErrorIs(t, cfg.Validate(), ErrValidateConfig)

		cfg.Credentials.Vault.Mount = "secret"
		cfg.Credentials.Vault.Path = "gdrive/service-account"
		require.NoError(t, cfg.Validate())
	})

	t.Run("negative workers", func(t *testing.T) {
		cfg := valid()
		cfg.Backup.Workers = -1
		require.ErrorIs(t, cfg.Validate(), ErrValidateConfig)
	})

	t.Run("threshold out of range", func(t *testing.T) {
		cfg := valid()
		cfg.Memory.ThresholdPercent = 150
		require.ErrorIs(t, cfg.Validate(), ErrValidateConfig)
	})
}
