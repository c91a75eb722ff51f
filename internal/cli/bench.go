package cli

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"logjam/internal/config"
	"logjam/pkg/aggregate"
	"logjam/pkg/collective"
	"logjam/pkg/comm"
)

var (
	benchRanks  int
	benchN      int
	benchUnique int
	benchLimit  int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure in-process pipeline throughput",
	Long: `Bench drives the full queue, combine, and flush pipeline over the
in-memory transport and reports throughput. Each rank queues n
messages drawn from a pool of distinct texts, then the group flushes
down the tree.`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntVar(&benchRanks, "ranks", 16, "group size")
	benchCmd.Flags().IntVarP(&benchN, "messages", "n", 5000, "messages queued per rank")
	benchCmd.Flags().IntVar(&benchUnique, "unique", 64, "distinct message texts")
	benchCmd.Flags().IntVar(&benchLimit, "ranks-limit", config.DefaultRanksLimit, "origin ranks kept per combined message")
}

func runBench(_ *cobra.Command, _ []string) error {
	if benchRanks < 1 || benchN < 1 || benchUnique < 1 {
		return fmt.Errorf("--ranks, --messages, and --unique must be at least 1")
	}

	members, err := collective.NewLocal(benchRanks)
	if err != nil {
		return err
	}

	var combined atomic.Int64
	start := time.Now()

	g, ctx := errgroup.WithContext(context.Background())
	for _, member := range members {
		member := member
		g.Go(func() error {
			tree, err := comm.NewBinaryTree(member, benchLimit)
			if err != nil {
				return err
			}
			agg, err := aggregate.New(tree, benchLimit)
			if err != nil {
				return err
			}
			for i := 0; i < benchN; i++ {
				agg.QueueText(fmt.Sprintf("event %d", i%benchUnique))
			}
			if err := agg.PushFully(ctx); err != nil {
				return err
			}
			if tree.IsOutputNode() {
				combined.Store(int64(agg.Len()))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	dur := time.Since(start)
	total := benchRanks * benchN
	fmt.Printf("Completed %d messages in %s (%.2f msg/s)\n", total, dur, float64(total)/dur.Seconds())
	fmt.Printf("Output rank holds %d combined messages (%.1fx reduction)\n",
		combined.Load(), float64(total)/float64(combined.Load()))
	return nil
}
