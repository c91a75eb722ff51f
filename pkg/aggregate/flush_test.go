package aggregate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"logjam/pkg/collective"
	"logjam/pkg/comm"
	"logjam/pkg/message"
)

// runTreeFlush spins up a local group of the given size, lets queue
// seed each rank, runs a full flush everywhere and returns the output
// node's collection plus all the aggregators for inspection.
func runTreeFlush(t *testing.T, size, limit int, queue func(rank int, a *Aggregator)) ([]*message.Message, []*Aggregator) {
	t.Helper()
	members, err := collective.NewLocal(size)
	if err != nil {
		t.Fatalf("NewLocal(%d): %v", size, err)
	}

	aggs := make([]*Aggregator, size)
	for i, m := range members {
		tree, err := comm.NewBinaryTree(m, limit)
		if err != nil {
			t.Fatalf("NewBinaryTree rank %d: %v", i, err)
		}
		if aggs[i], err = New(tree, limit); err != nil {
			t.Fatalf("New rank %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var eg errgroup.Group
	for rank, a := range aggs {
		rank, a := rank, a
		eg.Go(func() error {
			queue(rank, a)
			if err := a.PushFully(ctx); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return aggs[0].Messages(), aggs
}

func TestFlush_RankCountConservation(t *testing.T) {
	const size = 8
	const limit = 5

	got, aggs := runTreeFlush(t, size, limit, func(rank int, a *Aggregator) {
		a.QueueText("every rank sees this")
		a.QueueText(fmt.Sprintf("only rank %d sees this", rank))
	})

	// 8 shared reports fold into one message; 8 unique ones survive.
	if len(got) != 9 {
		t.Fatalf("output holds %d messages, want 9", len(got))
	}

	total := 0
	var shared *message.Message
	for _, m := range got {
		total += m.RankCount
		if m.Text == "every rank sees this" {
			shared = m
		}
		if len(m.Ranks) > limit {
			t.Fatalf("message %q tracks %d ranks, limit %d", m.Text, len(m.Ranks), limit)
		}
		for _, r := range m.Ranks {
			if r < 0 || r >= size {
				t.Fatalf("message %q lists rank %d", m.Text, r)
			}
		}
	}
	if total != 2*size {
		t.Fatalf("total RankCount = %d, want %d", total, 2*size)
	}
	if shared == nil {
		t.Fatalf("shared message missing from output")
	}
	if shared.RankCount != size {
		t.Fatalf("shared RankCount = %d, want %d", shared.RankCount, size)
	}
	if len(shared.Ranks) != limit {
		t.Fatalf("shared tracks %d ranks, want the limit %d", len(shared.Ranks), limit)
	}

	// Every other rank handed its messages away.
	for rank, a := range aggs[1:] {
		if a.Len() != 0 {
			t.Fatalf("rank %d still buffers %d messages", rank+1, a.Len())
		}
	}
}

func TestFlush_DeepTree(t *testing.T) {
	const size = 17
	const limit = 4

	got, _ := runTreeFlush(t, size, limit, func(rank int, a *Aggregator) {
		a.QueueText("all seventeen ranks report this")
	})

	if len(got) != 1 {
		t.Fatalf("output holds %d messages, want 1", len(got))
	}
	m := got[0]
	if m.RankCount != size {
		t.Fatalf("RankCount = %d, want %d", m.RankCount, size)
	}
	if len(m.Ranks) != limit {
		t.Fatalf("tracked ranks = %d, want the limit %d", len(m.Ranks), limit)
	}
}

func TestFlush_DistinctTextsStaySeparate(t *testing.T) {
	const size = 3

	got, _ := runTreeFlush(t, size, 5, func(rank int, a *Aggregator) {
		a.QueueText(fmt.Sprintf("rank %d reporting in", rank))
	})

	if len(got) != 3 {
		t.Fatalf("output holds %d messages, want 3", len(got))
	}
	seen := map[string]int{}
	for _, m := range got {
		seen[m.Text] = m.RankCount
	}
	for rank := 0; rank < size; rank++ {
		text := fmt.Sprintf("rank %d reporting in", rank)
		if seen[text] != 1 {
			t.Fatalf("message %q has RankCount %d, want 1", text, seen[text])
		}
	}
}

func TestFlush_FlatTopology(t *testing.T) {
	const size = 5
	members, err := collective.NewLocal(size)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	aggs := make([]*Aggregator, size)
	for i, m := range members {
		flat, err := comm.NewRoot(m, 5)
		if err != nil {
			t.Fatalf("NewRoot rank %d: %v", i, err)
		}
		if aggs[i], err = New(flat, 5); err != nil {
			t.Fatalf("New rank %d: %v", i, err)
		}
	}

	var eg errgroup.Group
	for rank, a := range aggs {
		rank, a := rank, a
		eg.Go(func() error {
			a.QueueText("flat fan-in")
			if err := a.PushFully(ctx); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got := aggs[0].Messages()
	if len(got) != 1 || got[0].RankCount != size {
		t.Fatalf("output = %v, want one message counted %d times", dump(got), size)
	}
}

func TestFlush_SingleRankGroup(t *testing.T) {
	got, _ := runTreeFlush(t, 1, 5, func(rank int, a *Aggregator) {
		a.QueueText("alone")
	})
	// Zero rounds to run; the output node already holds its messages.
	if len(got) != 1 || got[0].Text != "alone" {
		t.Fatalf("output = %v, want the single local message", dump(got))
	}
}
