package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kebairia/drivemirror/internal/breaker"
	"github.com/kebairia/drivemirror/internal/checkpoint"
	"github.com/kebairia/drivemirror/internal/config"
	"github.com/kebairia/drivemirror/internal/logger"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoint and rate-limit state",
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg config.Config
		if err := cfg.Load(ConfigFile); err != nil {
			return err
		}

		store := checkpoint.Open(cfg.Backup.StateFile, cfg.Backup.LogFile, logger.Nop())
		snap := store.Snapshot()

		fmt.Printf("status:           %s\n", snap.Status)
		if snap.RunID != "" {
			fmt.Printf("run id:           %s\n", snap.RunID)
		}
		if snap.BackupFolderID != "" {
			fmt.Printf("mirror folder:    %s\n", snap.BackupFolderID)
		}
		fmt.Printf("walk completed:   %v\n", snap.WalkCompleted)
		fmt.Printf("files processed:  %d\n", snap.TotalFilesProcessed)
		fmt.Printf("pending files:    %d\n", len(snap.PendingFiles))
		fmt.Printf("failed files:     %d\n", len(snap.FailedFiles))
		fmt.Printf("objects recorded: %d\n", store.CompletionCount())
		fmt.Printf("breaker state:    %s\n", snap.CircuitBreakerState)
		if snap.LastRateLimitTime != nil {
			fmt.Printf("last rate limit:  %s\n", snap.LastRateLimitTime.Format(time.RFC3339))
			if snap.CircuitBreakerState == string(breaker.StateOpen) {
				reopens := snap.LastRateLimitTime.Add(cfg.RateLimit.Cooldown)
				fmt.Printf("reopens at:       %s\n", reopens.Format(time.RFC3339))
			}
		}
		fmt.Printf("last update:      %s\n", snap.UpdatedAt.Format(time.RFC3339))
		return nil
	},
}
