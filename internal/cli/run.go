package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"logjam/internal/config"
	"logjam/internal/telemetry"
	"logjam/pkg/agent"
)

var runRank int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one member of an aggregation group",
	Long: `Run starts a single group member from a configuration file. One file
can serve the whole group when each member overrides its own --rank.

The member connects to its peers, joins the group's flush schedule,
and serves /healthz, /info, /messages, and /metrics when http_addr is
set. Rank 0 prints the merged messages to stdout; every other rank
only relays.

Examples:
  logjam run --config member.yaml
  logjam run --config group.yaml --rank 3`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runRank, "rank", -1, "override the configured rank")
}

func runRun(_ *cobra.Command, _ []string) error {
	if configPath == "" {
		return fmt.Errorf("run requires --config")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if runRank >= 0 {
		if runRank >= cfg.Size {
			return fmt.Errorf("rank %d out of range for size %d", runRank, cfg.Size)
		}
		cfg.Rank = runRank
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	telemetry.SetBuildInfo(Version, GitSHA)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := agent.New(ctx, cfg, logger, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to start member: %w", err)
	}
	defer a.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// Final drain. It only completes when the whole group shuts down on
	// the same signal, so give up quietly after the dial budget.
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), cfg.DialTimeout.Std())
	defer cancelFlush()
	if err := a.Flush(flushCtx); err != nil {
		logger.Sugar().Debugw("final flush abandoned", "err", err)
	}
	return nil
}
