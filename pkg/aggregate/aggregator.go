// Package aggregate drives the aggregation protocol for one rank: it
// buffers the messages reported here, merges equivalents through the
// registered combiners, and trades batches with the rest of the group
// through a communicator until everything pools at the output node.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"logjam/internal/telemetry"
	"logjam/pkg/combine"
	"logjam/pkg/comm"
	"logjam/pkg/message"
)

// Aggregator owns one rank's message buffer and combiner stack. All
// methods are safe for concurrent use; a push round holds the lock for
// its whole duration, so producers queueing messages block until the
// round completes.
type Aggregator struct {
	mu         sync.Mutex
	comm       comm.Communicator
	ranksLimit int
	combiners  []combine.Combiner
	buf        []*message.Message
}

// New wires an aggregator to its communicator and registers the
// text-equality combiner as the starting rule. ranksLimit caps how
// many origin ranks a combined message tracks and is pushed down to
// the communicator so every rank combines consistently.
func New(c comm.Communicator, ranksLimit int) (*Aggregator, error) {
	if c == nil {
		return nil, errors.New("aggregate: nil communicator")
	}
	if ranksLimit <= 0 {
		return nil, fmt.Errorf("aggregate: ranks limit %d out of range", ranksLimit)
	}
	c.SetRanksLimit(ranksLimit)
	return &Aggregator{
		comm:       c,
		ranksLimit: ranksLimit,
		combiners:  []combine.Combiner{combine.TextEquality{}},
	}, nil
}

// AddCombiner registers cb behind the combiners already present.
// Registration order is precedence order; an ID already registered is
// ignored, so the incumbent wins.
func (a *Aggregator) AddCombiner(cb combine.Combiner) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, have := range a.combiners {
		if have.ID() == cb.ID() {
			return
		}
	}
	a.combiners = append(a.combiners, cb)
}

// RemoveCombiner drops the combiner registered under id, if any.
func (a *Aggregator) RemoveCombiner(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, have := range a.combiners {
		if have.ID() == id {
			a.combiners = append(a.combiners[:i], a.combiners[i+1:]...)
			return
		}
	}
}

func (a *Aggregator) ClearCombiners() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.combiners = nil
}

// Combiners lists the registered combiner IDs in precedence order.
func (a *Aggregator) Combiners() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, len(a.combiners))
	for i, cb := range a.combiners {
		ids[i] = cb.ID()
	}
	return ids
}

// QueueMessage reports a message on this rank. If a registered combiner
// matches it against a message already buffered, the buffered message
// absorbs it on the spot; otherwise it joins the end of the buffer.
func (a *Aggregator) QueueMessage(text, fileName string, lineNumber int, level message.Level, tag string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	telemetry.MessagesQueued.Inc()
	m := message.New(text, fileName, lineNumber, level, tag, a.comm.Rank())
	for _, have := range a.buf {
		if a.merge(have, m) {
			return
		}
	}
	a.buf = append(a.buf, m)
	telemetry.BufferMessages.Set(float64(len(a.buf)))
}

// QueueText reports a bare text message with no source location.
func (a *Aggregator) QueueText(text string) {
	a.QueueMessage(text, "", -1, message.Info, "")
}

// CombineMessages merges every equivalent pair in the buffer. The
// sweep visits ordered pairs front to back, so when combining rules
// disagree about grouping, the earliest buffered message collects its
// matches first. Running it again on a merged buffer changes nothing.
func (a *Aggregator) CombineMessages() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.combineLocked()
}

func (a *Aggregator) combineLocked() {
	for i := 0; i < len(a.buf); i++ {
		for j := i + 1; j < len(a.buf); j++ {
			if a.merge(a.buf[i], a.buf[j]) {
				a.buf = append(a.buf[:j], a.buf[j+1:]...)
				j--
			}
		}
	}
	telemetry.BufferMessages.Set(float64(len(a.buf)))
}

// merge runs the combiner stack against the pair; the first combiner
// that matches folds from into into.
func (a *Aggregator) merge(into, from *message.Message) bool {
	for _, cb := range a.combiners {
		if cb.ShouldCombine(into, from) {
			cb.Combine(into, from, a.ranksLimit)
			telemetry.MessagesCombined.Inc()
			return true
		}
	}
	return false
}

// PushOnce runs one collective round: combine, hand the buffer one hop
// toward the output node, fold in whatever arrived from the ranks
// reporting here. Ranks other than the output node give their messages
// away and start the next round empty. Every rank of the group must
// call PushOnce the same number of times or the group deadlocks.
func (a *Aggregator) PushOnce(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pushLocked(ctx)
}

// PushFully runs enough rounds for every rank's messages to reach the
// output node, holding the buffer lock across all of them.
func (a *Aggregator) PushFully(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := a.comm.NumPushesToFlush(); i > 0; i-- {
		if err := a.pushLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) pushLocked(ctx context.Context) error {
	a.combineLocked()
	var payload []byte
	if !a.comm.IsOutputNode() {
		payload = message.EncodeBatch(a.buf)
		a.buf = nil
		telemetry.BatchBytes.WithLabelValues("sent").Add(float64(len(payload)))
	}
	batches, err := a.comm.Push(ctx, payload)
	if err != nil {
		return fmt.Errorf("push round: %w", err)
	}
	telemetry.PushRounds.Inc()
	for _, b := range batches {
		msgs, err := message.DecodeBatch(b)
		if err != nil {
			return fmt.Errorf("decode received batch: %w", err)
		}
		telemetry.BatchesReceived.Inc()
		telemetry.BatchBytes.WithLabelValues("received").Add(float64(len(b)))
		a.buf = append(a.buf, msgs...)
	}
	a.combineLocked()
	return nil
}

// Messages is the current buffer in order. After a full flush only the
// output node's view holds the collection; other ranks hold just what
// they queued since their last push. The slice belongs to the caller,
// the messages stay shared.
func (a *Aggregator) Messages() []*message.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.buf)
}

func (a *Aggregator) ClearMessages() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = nil
	telemetry.BufferMessages.Set(0)
}

// Len is the number of buffered messages.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

func (a *Aggregator) RanksLimit() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ranksLimit
}

// SetRanksLimit adjusts the origin-rank cap for this aggregator and
// its communicator.
func (a *Aggregator) SetRanksLimit(limit int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ranksLimit = limit
	a.comm.SetRanksLimit(limit)
}

// IsOutputNode reports whether this rank is where the aggregated
// collection surfaces.
func (a *Aggregator) IsOutputNode() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.comm.IsOutputNode()
}

// Finalize drops the combiner stack, the buffer and the communicator
// reference. The aggregator must not be used afterwards.
func (a *Aggregator) Finalize() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.combiners = nil
	a.buf = nil
	a.comm = nil
}
