package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kebairia/drivemirror/internal/breaker"
	"github.com/kebairia/drivemirror/internal/checkpoint"
	"github.com/kebairia/drivemirror/internal/config"
	"github.com/kebairia/drivemirror/internal/logger"
)

var resetBreakerCmd = &cobra.Command{
	Use:   "reset-breaker",
	Short: "Force the rate-limit breaker back to closed",
	Long: `Clear a persisted open circuit breaker so the next run starts immediately.

Only reset the breaker once the quota issue is actually resolved; a run
against an exhausted quota will trip it again after a few requests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg config.Config
		if err := cfg.Load(ConfigFile); err != nil {
			return err
		}

		store := checkpoint.Open(cfg.Backup.StateFile, cfg.Backup.LogFile, logger.Nop())
		if store.Snapshot().CircuitBreakerState == string(breaker.StateClosed) {
			fmt.Println("breaker already closed")
			return nil
		}
		if err := store.SetBreaker(string(breaker.StateClosed), nil); err != nil {
			return err
		}
		fmt.Println("breaker reset to closed")
		return nil
	},
}
