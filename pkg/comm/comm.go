package comm

import "context"

// Communicator is one rank's view of an aggregation topology. Push
// moves this rank's encoded batch one hop toward the output node and
// returns the batches that arrived from the ranks reporting here.
// Exactly one rank of the topology is the output node; messages pushed
// NumPushesToFlush times from every rank all end up there.
type Communicator interface {
	// Rank is this member's rank in the underlying group.
	Rank() int
	// RanksLimit is the per-message cap on tracked origin ranks that
	// combining performed downstream should honor.
	RanksLimit() int
	SetRanksLimit(limit int)
	// NumPushesToFlush is how many collective Push rounds guarantee
	// every rank's messages have reached the output node.
	NumPushesToFlush() int
	// Push sends payload one hop toward the output node and returns
	// the non-empty payloads received from this rank's reporters, in
	// arrival order. Every rank must participate in every round, even
	// with an empty payload.
	Push(ctx context.Context, payload []byte) ([][]byte, error)
	// IsOutputNode reports whether this rank is where the aggregated
	// messages surface.
	IsOutputNode() bool
}
