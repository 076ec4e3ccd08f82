package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// ConfigFile is the path to the YAML configuration.
var (
	ConfigFile string
	// rootCmd is the base command for drivemirror.
	rootCmd = &cobra.Command{
		Use:   "drivemirror",
		Short: "Resumable replication of a Google Drive folder tree",
		Long: `drivemirror copies a folder hierarchy into a suffixed mirror folder,
checkpointing progress after every object so an interrupted run resumes
where it stopped instead of starting over.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&ConfigFile, "config", "c", "./configs/config.yaml", "path to YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetBreakerCmd)
}
