// Package cli implements the logjam command line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Build metadata, injected through ldflags.
var (
	Version = "dev"
	GitSHA  = "unknown"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "logjam",
	Short: "Distributed log message aggregation",
	Long: `Logjam funnels diagnostic messages from every rank of a distributed
job down a binary tree, combining duplicates along the way, so that
rank 0 prints each distinct message once together with the ranks that
produced it.

QUICK START:
  logjam demo --ranks 8                  # In-process 8-rank simulation
  logjam run --config member.yaml        # Run one member of a real group
  logjam bench --ranks 16 -n 5000        # Measure pipeline throughput
  logjam ranks --etcd 127.0.0.1:2379     # Show registered group members

Use 'logjam <command> --help' for detailed command information.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("logjam %s (%s)\n", Version, GitSHA)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(runCmd, demoCmd, benchCmd, ranksCmd, versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newLogger builds the process logger. --verbose switches to the
// human-oriented development encoder at debug level.
func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
