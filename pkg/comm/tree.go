package comm

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"logjam/pkg/collective"
)

// BinaryTree arranges the group as a complete binary tree rooted at
// rank 0: rank r reports to (r-1)/2 and hears from 2r+1 and 2r+2 when
// those ranks exist. Each push round forwards a rank's batch one level
// up, so treeHeight-1 rounds drain the deepest leaf to the root.
type BinaryTree struct {
	group      collective.Group
	rank       int
	size       int
	parent     int
	children   []int
	ranksLimit int
}

// NewBinaryTree derives this rank's place in the tree from the group.
func NewBinaryTree(g collective.Group, ranksLimit int) (*BinaryTree, error) {
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

	t := &BinaryTree{
		group:      g,
		rank:       rank,
		size:       size,
		parent:     -1,
		ranksLimit: ranksLimit,
	}
	if rank > 0 {
		t.parent = (rank - 1) / 2
	}
	for _, c := range []int{2*rank + 1, 2*rank + 2} {
		if c < size {
			t.children = append(t.children, c)
		}
	}
	return t, nil
}

func (t *BinaryTree) Rank() int { return t.rank }

func (t *BinaryTree) Size() int { return t.size }

// Parent is the rank this one reports to, -1 at the root.
func (t *BinaryTree) Parent() int { return t.parent }

// Children are the ranks reporting to this one, at most two.
func (t *BinaryTree) Children() []int { return t.children }

func (t *BinaryTree) RanksLimit() int { return t.ranksLimit }

func (t *BinaryTree) SetRanksLimit(limit int) { t.ranksLimit = limit }

func (t *BinaryTree) IsOutputNode() bool { return t.rank == 0 }

// NumPushesToFlush is the tree height minus one: the number of hops
// from the deepest level to the root.
func (t *BinaryTree) NumPushesToFlush() int {
	return bits.Len(uint(t.size)) - 1
}

// Push runs one collective round: everyone enters the round together,
// non-root ranks hand their batch to their parent, and each rank
// collects exactly one batch per child before the round closes. Child
// batches arrive in whatever order the children sent them.
func (t *BinaryTree) Push(ctx context.Context, payload []byte) ([][]byte, error) {
	if err := t.group.Barrier(ctx); err != nil {
		return nil, fmt.Errorf("enter push round: %w", err)
	}
	if t.rank != 0 {
		if err := t.group.Send(ctx, t.parent, payload); err != nil {
			return nil, fmt.Errorf("send batch to rank %d: %w", t.parent, err)
		}
	}
	var got [][]byte
	for range t.children {
		from, batch, err := t.group.Recv(ctx)
		if err != nil {
			return nil, fmt.Errorf("collect child batch: %w", err)
		}
		if !t.isChild(from) {
			return nil, fmt.Errorf("comm: unexpected batch from rank %d", from)
		}
		if len(batch) > 0 {
			got = append(got, batch)
		}
	}
	if err := t.group.Barrier(ctx); err != nil {
		return nil, fmt.Errorf("leave push round: %w", err)
	}
	return got, nil
}

func (t *BinaryTree) isChild(rank int) bool {
	for _, c := range t.children {
		if c == rank {
			return true
		}
	}
	return false
}
