package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kebairia/drivemirror/internal/breaker"
	"github.com/kebairia/drivemirror/internal/checkpoint"
	"github.com/kebairia/drivemirror/internal/config"
	"github.com/kebairia/drivemirror/internal/drive"
	"github.com/kebairia/drivemirror/internal/engine"
	"github.com/kebairia/drivemirror/internal/logger"
	"github.com/kebairia/drivemirror/internal/staging"
	"github.com/kebairia/drivemirror/internal/vault"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Mirror the configured folder tree",
	Long: `run starts or resumes a replication run. A run interrupted by a signal,
a crash or a rate-limit cooldown picks up from its checkpoint on the next
invocation. Exits 0 when the tree is fully mirrored and 2 when work remains.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg config.Config
		if err := cfg.Load(ConfigFile); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		log, err := logger.Init(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer logger.Cleanup()

		// First signal cancels the run context and lets transfers drain;
		// a second one kills the process the usual way.
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		outcome, err := runMirror(ctx, &cfg, log)
		if err != nil {
			return err
		}

		switch outcome.Kind {
		case engine.OutcomeCompleted:
			fmt.Println("replication completed")
		case engine.OutcomeAlreadyCompleted:
			fmt.Println("tree already mirrored; reset the state file to mirror it again")
		case engine.OutcomePaused:
			fmt.Println("run paused with resumable state; invoke run again to continue")
			os.Exit(2)
		case engine.OutcomeCoolingDown:
			fmt.Printf("rate-limit cooldown active; retry in %s (at %s)\n",
				outcome.RetryAfter.Round(time.Second),
				outcome.ReopensAt.Format(time.RFC3339))
			os.Exit(2)
		}
		return nil
	},
}

// runMirror wires the run dependencies together and executes the engine.
func runMirror(ctx context.Context, cfg *config.Config, log logger.Logger) (*engine.Outcome, error) {
	credentials, err := loadCredentials(ctx, cfg)
	if err != nil {
		return nil, err
	}
	newService := func(ctx context.Context) (drive.Service, error) {
		return drive.NewClient(ctx, credentials,
			drive.WithChunkSize(cfg.Transfer.ChunkSize))
	}

	store := checkpoint.Open(cfg.Backup.StateFile, cfg.Backup.LogFile, log)
	brk := breaker.New(cfg.RateLimit.Threshold, cfg.RateLimit.Window, cfg.RateLimit.Cooldown)

	area, err := staging.NewArea(cfg.Staging.Dir, cfg.Staging.Compress, cfg.Staging.MaxHandles)
	if err != nil {
		return nil, fmt.Errorf("prepare staging area: %w", err)
	}
	monitor := staging.NewMemoryMonitor(cfg.Memory.ThresholdPercent, log)

	return engine.New(cfg, store, brk, area, monitor, log, newService).Run(ctx)
}

// loadCredentials fetches the service account key from the configured
// source: a file on disk or a Vault KV v2 secret.
func loadCredentials(ctx context.Context, cfg *config.Config) ([]byte, error) {
	switch cfg.Credentials.Source {
	case config.CredSourceVault:
		var opts []vault.Option
		if cfg.Credentials.Vault.Address != "" {
			opts = append(opts, vault.WithAddress(cfg.Credentials.Vault.Address))
		}
		if cfg.Credentials.Vault.ApproleName != "" {
			opts = append(opts, vault.WithAppRole(
				os.Getenv("VAULT_ROLE_ID"), cfg.Credentials.Vault.ApproleName))
		}
		client, err := vault.NewClient(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return client.ServiceAccountKey(ctx, cfg.Credentials.Vault.Mount, cfg.Credentials.Vault.Path)
	default:
		key, err := os.ReadFile(cfg.Credentials.File)
		if err != nil {
			return nil, fmt.Errorf("read credentials file: %w", err)
		}
		return key, nil
	}
}
