package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"logjam/discovery"
)

var (
	ranksEndpoints []string
	ranksNamespace string
)

var ranksCmd = &cobra.Command{
	Use:   "ranks",
	Short: "List group members registered in etcd",
	Long: `Ranks queries the discovery registry and prints every member that
currently holds a lease, with the address it published. Gaps in the
rank sequence mean members that have not come up or whose lease has
expired.`,
	RunE: runRanks,
}

func init() {
	ranksCmd.Flags().StringSliceVar(&ranksEndpoints, "etcd", []string{"127.0.0.1:2379"}, "etcd endpoints")
	ranksCmd.Flags().StringVar(&ranksNamespace, "namespace", "/logjam", "registry namespace")
}

func runRanks(_ *cobra.Command, _ []string) error {
	cli, err := discovery.NewClient(ranksEndpoints)
	if err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ranks, err := discovery.Ranks(ctx, cli, ranksNamespace)
	if err != nil {
		return err
	}
	if len(ranks) == 0 {
		fmt.Println("no ranks registered")
		return nil
	}

	ids := make([]int, 0, len(ranks))
	for r := range ranks {
		ids = append(ids, r)
	}
	sort.Ints(ids)
	for _, r := range ids {
		fmt.Printf("rank %-4d %s\n", r, ranks[r])
	}
	return nil
}
