package collective

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TCPConfig configures one member of a TCP group.
type TCPConfig struct {
	// Rank of this member; Addrs[Rank] is the address it listens on.
	Rank int
	// Addrs holds one listen address per rank, indexed by rank. The
	// member's own entry may use port 0; Addr reports what was bound.
	Addrs []string
	// Listener, when set, is used instead of binding Addrs[Rank]. A
	// member can bind first, register the bound address with discovery,
	// and construct the group once every address is known.
	Listener net.Listener
	// DialTimeout bounds how long a first send to a peer waits for
	// that peer's listener to come up. Zero means 10s.
	DialTimeout time.Duration
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// TCP is a group member that reaches its peers over persistent framed
// TCP connections. Connections are dialed lazily on first send and
// reused for the life of the member; an accepted connection serves
// traffic in both directions. Rank 0 coordinates barriers: members
// announce arrival to it and wait for its release.
type TCP struct {
	rank        int
	size        int
	addrs       []string
	dialTimeout time.Duration
	log         *zap.SugaredLogger

	ln net.Listener

	mu    sync.Mutex
	peers map[int]*peerConn // write path; first connection per peer wins
	conns []net.Conn        // every connection, for Close

	inbox chan envelope

	// Barrier plumbing. Rank 0 collects arrivals and parks entries for
	// generations it has not reached; other ranks watch for releases.
	arrivals chan arrival
	pending  map[uint64]int
	releases chan uint64
	gen      atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type peerConn struct {
	c  net.Conn
	mu sync.Mutex // serializes frame writes
}

func (pc *peerConn) write(body []byte) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return writeFrame(pc.c, body)
}

type arrival struct {
	from int
	gen  uint64
}

// NewTCP binds the member's listener and starts accepting peers. It
// does not wait for the rest of the group; peers are reached when
// traffic first needs them.
func NewTCP(cfg TCPConfig) (*TCP, error) {
	size := len(cfg.Addrs)
	if size == 0 {
		return nil, errors.New("collective: no rank addresses")
	}
	if cfg.Rank < 0 || cfg.Rank >= size {
		return nil, fmt.Errorf("collective: rank %d out of range for %d addresses", cfg.Rank, size)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	ln := cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Addrs[cfg.Rank])
		if err != nil {
			return nil, fmt.Errorf("collective: listen %s: %w", cfg.Addrs[cfg.Rank], err)
		}
	}

	t := &TCP{
		rank:        cfg.Rank,
		size:        size,
		addrs:       append([]string(nil), cfg.Addrs...),
		dialTimeout: dialTimeout,
		log:         logger.Sugar(),
		ln:          ln,
		peers:       make(map[int]*peerConn),
		inbox:       make(chan envelope, size*4),
		closed:      make(chan struct{}),
	}
	if t.rank == 0 {
		t.arrivals = make(chan arrival, size*4)
		t.pending = make(map[uint64]int)
	} else {
		t.releases = make(chan uint64, 4)
	}

	t.wg.Add(1)
	go t.acceptLoop()

	t.log.Infow("member listening", "rank", t.rank, "size", t.size, "addr", ln.Addr().String())
	return t, nil
}

func (t *TCP) Rank() int { return t.rank }

func (t *TCP) Size() int { return t.size }

// Addr is the address the member actually bound, for registering with
// discovery when the configured address used port 0.
func (t *TCP) Addr() string { return t.ln.Addr().String() }

func (t *TCP) Send(ctx context.Context, to int, payload []byte) error {
	if to < 0 || to >= t.size {
		return fmt.Errorf("collective: send to rank %d of %d", to, t.size)
	}
	return t.sendRaw(ctx, to, dataFrame(t.rank, payload))
}

func (t *TCP) Recv(ctx context.Context) (int, []byte, error) {
	select {
	case env := <-t.inbox:
		return env.from, env.payload, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-t.closed:
		return 0, nil, ErrClosed
	}
}

// Barrier lines the group up. Members send an arrival to rank 0 and
// block for its release; rank 0 blocks for size-1 arrivals and then
// releases everyone. Release frames to one member share a connection,
// so they cannot reorder across generations.
func (t *TCP) Barrier(ctx context.Context) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	gen := t.gen.Add(1) - 1
	if t.rank == 0 {
		return t.coordinate(ctx, gen)
	}
	if err := t.sendRaw(ctx, 0, arriveFrame(t.rank, gen)); err != nil {
		return fmt.Errorf("barrier %d entry: %w", gen, err)
	}
	select {
	case g := <-t.releases:
		if g != gen {
			return fmt.Errorf("collective: barrier %d got release for %d", gen, g)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return ErrClosed
	}
}

// coordinate runs rank 0's half of barrier generation gen. Members that
// clear this barrier may reach the next one while our releases are
// still in flight, so entries for later generations are parked.
func (t *TCP) coordinate(ctx context.Context, gen uint64) error {
	count := t.pending[gen]
	delete(t.pending, gen)
	for count < t.size-1 {
		select {
		case a := <-t.arrivals:
			if a.gen == gen {
				count++
			} else {
				t.pending[a.gen]++
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return ErrClosed
		}
	}
	for r := 1; r < t.size; r++ {
		if err := t.sendRaw(ctx, r, releaseFrame(gen)); err != nil {
			return fmt.Errorf("barrier %d release to rank %d: %w", gen, r, err)
		}
	}
	return nil
}

func (t *TCP) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.ln.Close()
		t.mu.Lock()
		conns := t.conns
		t.conns = nil
		t.mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
		t.wg.Wait()
		t.log.Infow("member closed", "rank", t.rank)
	})
	return nil
}

func (t *TCP) sendRaw(ctx context.Context, to int, body []byte) error {
	pc, err := t.peer(ctx, to)
	if err != nil {
		return err
	}
	if err := pc.write(body); err != nil {
		return fmt.Errorf("collective: write to rank %d: %w", to, err)
	}
	return nil
}

// peer returns the write connection for a rank, dialing it on first use.
func (t *TCP) peer(ctx context.Context, to int) (*peerConn, error) {
	t.mu.Lock()
	pc, ok := t.peers[to]
	t.mu.Unlock()
	if ok {
		return pc, nil
	}
	return t.dial(ctx, to)
}

// dial connects to a peer's listener, retrying inside the dial budget
// so group members may start in any order.
func (t *TCP) dial(ctx context.Context, to int) (*peerConn, error) {
	deadline := time.Now().Add(t.dialTimeout)
	for {
		select {
		case <-t.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		c, err := net.DialTimeout("tcp", t.addrs[to], time.Until(deadline))
		if err == nil {
			if !t.track(c) {
				c.Close()
				return nil, ErrClosed
			}
			if err := writeFrame(c, helloFrame(t.rank)); err != nil {
				c.Close()
				return nil, fmt.Errorf("collective: hello to rank %d: %w", to, err)
			}
			t.log.Debugw("dialed peer", "rank", t.rank, "peer", to, "addr", t.addrs[to])
			return t.addConn(to, c), nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("collective: dial rank %d at %s: %w", to, t.addrs[to], err)
		}

		pause := time.NewTimer(100 * time.Millisecond)
		select {
		case <-pause.C:
		case <-ctx.Done():
			pause.Stop()
			return nil, ctx.Err()
		case <-t.closed:
			pause.Stop()
			return nil, ErrClosed
		}
	}
}

// track records c for teardown. It reports false when the member is
// already closed, in which case the caller must drop the connection.
func (t *TCP) track(c net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
		return false
	default:
	}
	t.conns = append(t.conns, c)
	return true
}

// addConn makes a tracked connection available to peer traffic. The
// first connection per peer carries writes; any extra is read-only on
// this side but stays open, since the far side may be writing there.
func (t *TCP) addConn(peer int, c net.Conn) *peerConn {
	t.mu.Lock()
	pc, ok := t.peers[peer]
	if !ok {
		pc = &peerConn{c: c}
		t.peers[peer] = pc
	}
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(c, peer)
	return pc
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()
	for {
		c, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.log.Warnw("accept failed", "rank", t.rank, "err", err)
			}
			return
		}
		if !t.track(c) {
			c.Close()
			return
		}
		t.wg.Add(1)
		go t.handshake(c)
	}
}

// handshake consumes the hello frame a dialing peer opens with.
func (t *TCP) handshake(c net.Conn) {
	defer t.wg.Done()
	c.SetReadDeadline(time.Now().Add(t.dialTimeout))
	body, err := readFrame(c)
	if err != nil || len(body) < 2 || body[0] != frameHello {
		t.log.Warnw("bad handshake", "remote", c.RemoteAddr().String(), "err", err)
		c.Close()
		return
	}
	c.SetReadDeadline(time.Time{})
	peer, n := binary.Uvarint(body[1:])
	if n <= 0 || int(peer) >= t.size {
		t.log.Warnw("handshake from unknown rank", "remote", c.RemoteAddr().String())
		c.Close()
		return
	}
	t.addConn(int(peer), c)
}

func (t *TCP) readLoop(c net.Conn, peer int) {
	defer t.wg.Done()
	for {
		body, err := readFrame(c)
		if err != nil {
			select {
			case <-t.closed:
			default:
				if !errors.Is(err, io.EOF) {
					t.log.Warnw("connection lost", "rank", t.rank, "peer", peer, "err", err)
				}
			}
			c.Close()
			return
		}
		if err := t.dispatch(body); err != nil {
			t.log.Warnw("bad frame", "rank", t.rank, "peer", peer, "err", err)
			c.Close()
			return
		}
	}
}

func (t *TCP) dispatch(body []byte) error {
	if len(body) == 0 {
		return errors.New("empty frame")
	}
	rest := body[1:]
	switch body[0] {
	case frameData:
		from, n := binary.Uvarint(rest)
		if n <= 0 {
			return errors.New("data frame missing sender")
		}
		select {
		case t.inbox <- envelope{from: int(from), payload: rest[n:]}:
		case <-t.closed:
		}
	case frameArrive:
		if t.arrivals == nil {
			return errors.New("barrier entry sent to non-coordinator")
		}
		from, n := binary.Uvarint(rest)
		if n <= 0 {
			return errors.New("arrive frame missing sender")
		}
		gen, m := binary.Uvarint(rest[n:])
		if m <= 0 {
			return errors.New("arrive frame missing generation")
		}
		select {
		case t.arrivals <- arrival{from: int(from), gen: gen}:
		case <-t.closed:
		}
	case frameRelease:
		if t.releases == nil {
			return errors.New("barrier exit sent to coordinator")
		}
		gen, n := binary.Uvarint(rest)
		if n <= 0 {
			return errors.New("release frame missing generation")
		}
		select {
		case t.releases <- gen:
		case <-t.closed:
		}
	default:
		return fmt.Errorf("unknown frame kind 0x%02x", body[0])
	}
	return nil
}
