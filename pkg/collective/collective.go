package collective

import (
	"context"
	"errors"
)

// ErrClosed reports an operation on a closed group member.
var ErrClosed = errors.New("collective: member closed")

// Group is one member's handle on a fixed set of cooperating processes,
// each addressed by a rank in [0, Size). Send and Recv move opaque
// payloads between members; Barrier lines the whole group up at a
// synchronization point. Barrier generations pair up across members:
// the k-th call on one member matches the k-th call on every other, so
// a member must not run two barriers concurrently.
type Group interface {
	// Rank is this member's position in the group.
	Rank() int
	// Size is the number of members in the group.
	Size() int
	// Send delivers payload to the member at rank to.
	Send(ctx context.Context, to int, payload []byte) error
	// Recv returns the next payload addressed to this member, from
	// any sender, in arrival order.
	Recv(ctx context.Context) (from int, payload []byte, err error)
	// Barrier blocks until every member of the group has entered it.
	Barrier(ctx context.Context) error
	// Close releases the member. Operations on a closed member fail
	// with ErrClosed.
	Close() error
}

type envelope struct {
	from    int
	payload []byte
}
