package collective

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Local is an in-process group member wired to its peers over buffered
// channels. NewLocal builds the whole group at once, with rank i at
// index i; each member is then handed to the goroutine acting as that
// rank.
type Local struct {
	rank   int
	shared *localShared
	closed atomic.Bool
}

type localShared struct {
	size    int
	inboxes []chan envelope
	bar     barrier
}

// NewLocal builds an in-process group of the given size.
func NewLocal(size int) ([]*Local, error) {
	if size <= 0 {
		return nil, fmt.Errorf("collective: group size %d out of range", size)
	}
	sh := &localShared{
		size:    size,
		inboxes: make([]chan envelope, size),
	}
	for i := range sh.inboxes {
		sh.inboxes[i] = make(chan envelope, size)
	}
	sh.bar.init(size)

	members := make([]*Local, size)
	for i := range members {
		members[i] = &Local{rank: i, shared: sh}
	}
	return members, nil
}

func (l *Local) Rank() int { return l.rank }

func (l *Local) Size() int { return l.shared.size }

func (l *Local) Send(ctx context.Context, to int, payload []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if to < 0 || to >= l.shared.size {
		return fmt.Errorf("collective: send to rank %d of %d", to, l.shared.size)
	}
	// The receiver owns its copy; senders commonly reuse buffers.
	buf := append([]byte(nil), payload...)
	select {
	case l.shared.inboxes[to] <- envelope{from: l.rank, payload: buf}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) Recv(ctx context.Context) (int, []byte, error) {
	if l.closed.Load() {
		return 0, nil, ErrClosed
	}
	select {
	case env := <-l.shared.inboxes[l.rank]:
		return env.from, env.payload, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (l *Local) Barrier(ctx context.Context) error {
	if l.closed.Load() {
		return ErrClosed
	}
	return l.shared.bar.wait(ctx)
}

// Close marks this member closed. Peers are untouched, so the rest of
// the group keeps working until they block on the missing member.
func (l *Local) Close() error {
	l.closed.Store(true)
	return nil
}

// barrier releases waiters in generations: the size-th arrival closes
// the current generation's release channel and opens the next. A
// cancelled waiter withdraws its arrival, so tearing down mid-wait
// does not trip the barrier for the survivors.
type barrier struct {
	mu      sync.Mutex
	size    int
	arrived int
	release chan struct{}
}

func (b *barrier) init(size int) {
	b.size = size
	b.release = make(chan struct{})
}

func (b *barrier) wait(ctx context.Context) error {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.size {
		close(b.release)
		b.arrived = 0
		b.release = make(chan struct{})
		b.mu.Unlock()
		return nil
	}
	release := b.release
	b.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		select {
		case <-release:
			// Our generation completed while we were cancelling.
			b.mu.Unlock()
			return nil
		default:
			b.arrived--
			b.mu.Unlock()
			return ctx.Err()
		}
	}
}
