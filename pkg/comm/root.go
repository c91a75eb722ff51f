package comm

import (
	"context"
	"errors"
	"fmt"

	"logjam/pkg/collective"
)

// Root is the flat topology: every rank reports straight to rank 0, so
// a single push round flushes the whole group. It trades the tree's
// distributed combining for minimum rounds, which suits small groups
// or mostly-distinct message sets.
type Root struct {
	group      collective.Group
	rank       int
	size       int
	ranksLimit int
}

// NewRoot derives this rank's place in the flat topology.
func NewRoot(g collective.Group, ranksLimit int) (*Root, error) {
	if g == nil {
		return nil, errors.New("comm: nil group")
	}
	if ranksLimit <= 0 {
		return nil, fmt.Errorf("comm: ranks limit %d out of range", ranksLimit)
	}
	rank, size := g.Rank(), g.Size()
	if size <= 0 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("comm: rank %d of %d out of range", rank, size)
	}
	return &Root{group: g, rank: rank, size: size, ranksLimit: ranksLimit}, nil
}

func (r *Root) Rank() int { return r.rank }

func (r *Root) Size() int { return r.size }

func (r *Root) RanksLimit() int { return r.ranksLimit }

func (r *Root) SetRanksLimit(limit int) { r.ranksLimit = limit }

func (r *Root) IsOutputNode() bool { return r.rank == 0 }

func (r *Root) NumPushesToFlush() int { return 1 }

// Push runs the single flat round: non-root ranks hand their batch to
// rank 0, which collects one batch from every other rank.
func (r *Root) Push(ctx context.Context, payload []byte) ([][]byte, error) {
	if err := r.group.Barrier(ctx); err != nil {
		return nil, fmt.Errorf("enter push round: %w", err)
	}
	var got [][]byte
	if r.rank != 0 {
		if err := r.group.Send(ctx, 0, payload); err != nil {
			return nil, fmt.Errorf("send batch to rank 0: %w", err)
		}
	} else {
		for i := 0; i < r.size-1; i++ {
			_, batch, err := r.group.Recv(ctx)
			if err != nil {
				return nil, fmt.Errorf("collect batch: %w", err)
			}
			if len(batch) > 0 {
				got = append(got, batch)
			}
		}
	}
	if err := r.group.Barrier(ctx); err != nil {
		return nil, fmt.Errorf("leave push round: %w", err)
	}
	return got, nil
}
