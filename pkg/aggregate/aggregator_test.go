package aggregate

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"logjam/pkg/combine"
	"logjam/pkg/message"
)

// fakeComm stands in for a topology so aggregator behavior can be
// tested without a group. It records pushed payloads and hands back
// canned inbound batches, one round at a time.
type fakeComm struct {
	rank    int
	limit   int
	pushes  int
	output  bool
	inbound [][][]byte
	sent    [][]byte
	err     error
}

func (f *fakeComm) Rank() int             { return f.rank }
func (f *fakeComm) RanksLimit() int       { return f.limit }
func (f *fakeComm) SetRanksLimit(l int)   { f.limit = l }
func (f *fakeComm) NumPushesToFlush() int { return f.pushes }
func (f *fakeComm) IsOutputNode() bool    { return f.output }

func (f *fakeComm) Push(_ context.Context, payload []byte) ([][]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, payload)
	if len(f.inbound) == 0 {
		return nil, nil
	}
	out := f.inbound[0]
	f.inbound = f.inbound[1:]
	return out, nil
}

func TestNewErrors(t *testing.T) {
	if _, err := New(nil, 5); err == nil {
		t.Fatalf("nil communicator accepted")
	}
	if _, err := New(&fakeComm{}, 0); err == nil {
		t.Fatalf("ranks limit 0 accepted")
	}
}

func TestNew_Defaults(t *testing.T) {
	fc := &fakeComm{rank: 0, output: true}
	a, err := New(fc, 7)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := a.Combiners(); !reflect.DeepEqual(got, []string{"TextEqualityCombiner"}) {
		t.Fatalf("Combiners = %v, want the text-equality default", got)
	}
	if a.RanksLimit() != 7 || fc.limit != 7 {
		t.Fatalf("ranks limit = %d (comm %d), want 7", a.RanksLimit(), fc.limit)
	}
}

func TestQueueMessage_CombinesOnInsert(t *testing.T) {
	a, _ := New(&fakeComm{rank: 2, output: false, pushes: 1}, 5)

	a.QueueMessage("pressure spike", "eos.c", 12, message.Warning, "eos")
	a.QueueMessage("pressure spike", "eos.c", 12, message.Warning, "eos")
	a.QueueMessage("something else", "", -1, message.Info, "")

	if a.Len() != 2 {
		t.Fatalf("Len = %d, want 2", a.Len())
	}
	first := a.Messages()[0]
	if first.RankCount != 2 {
		t.Fatalf("RankCount = %d, want 2", first.RankCount)
	}
	// Both reports came from this rank, so the sample stays [2].
	if !reflect.DeepEqual(first.Ranks, []int{2}) {
		t.Fatalf("Ranks = %v, want [2]", first.Ranks)
	}
}

func TestQueueText_Defaults(t *testing.T) {
	a, _ := New(&fakeComm{rank: 3}, 5)
	a.QueueText("plain report")

	m := a.Messages()[0]
	if m.Text != "plain report" || m.Level != message.Info {
		t.Fatalf("message = %+v, want info-level plain report", m)
	}
	if m.FileName != "" || m.LineNumber != -1 || m.Tag != "" {
		t.Fatalf("location/tag = %q:%d %q, want none", m.FileName, m.LineNumber, m.Tag)
	}
	if !reflect.DeepEqual(m.Ranks, []int{3}) {
		t.Fatalf("Ranks = %v, want [3]", m.Ranks)
	}
}

type msgState struct {
	text  string
	count int
	ranks string
}

func dump(msgs []*message.Message) []msgState {
	out := make([]msgState, len(msgs))
	for i, m := range msgs {
		out[i] = msgState{text: m.Text, count: m.RankCount, ranks: m.RankString()}
	}
	return out
}

func TestCombineMessages_Idempotent(t *testing.T) {
	a, _ := New(&fakeComm{rank: 0, output: true}, 5)

	// Seed duplicates without insert-time combining, then merge.
	a.ClearCombiners()
	for _, text := range []string{"a", "b", "a", "a", "c", "b"} {
		a.QueueText(text)
	}
	if a.Len() != 6 {
		t.Fatalf("seeded Len = %d, want 6", a.Len())
	}
	a.AddCombiner(combine.TextEquality{})

	a.CombineMessages()
	if a.Len() != 3 {
		t.Fatalf("Len after combine = %d, want 3", a.Len())
	}
	state := dump(a.Messages())

	a.CombineMessages()
	if got := dump(a.Messages()); !reflect.DeepEqual(got, state) {
		t.Fatalf("second combine changed the buffer:\n got %v\nwant %v", got, state)
	}

	// Earlier messages survive and collect the counts.
	if state[0] != (msgState{text: "a", count: 3, ranks: "0"}) {
		t.Fatalf("first = %+v, want a/3/0", state[0])
	}
	if state[1] != (msgState{text: "b", count: 2, ranks: "0"}) {
		t.Fatalf("second = %+v, want b/2/0", state[1])
	}
}

// taggingCombiner matches on text and stamps its own ID on the
// surviving message, making precedence observable.
type taggingCombiner struct{ id string }

func (c taggingCombiner) ID() string { return c.id }

func (c taggingCombiner) ShouldCombine(a, b *message.Message) bool {
	return a.Text == b.Text
}

func (c taggingCombiner) Combine(into, from *message.Message, ranksLimit int) {
	into.Tag = c.id
	into.AbsorbRanks(from, ranksLimit)
}

func TestCombinerPrecedence_FirstRegisteredWins(t *testing.T) {
	a, _ := New(&fakeComm{rank: 0, output: true}, 5)
	a.ClearCombiners()
	a.AddCombiner(taggingCombiner{id: "first"})
	a.AddCombiner(taggingCombiner{id: "second"})

	a.QueueText("repeated")
	a.QueueText("repeated")

	if a.Len() != 1 {
		t.Fatalf("Len = %d, want 1", a.Len())
	}
	if got := a.Messages()[0].Tag; got != "first" {
		t.Fatalf("winning combiner = %q, want first", got)
	}
}

func TestAddCombiner_DuplicateIDIgnored(t *testing.T) {
	a, _ := New(&fakeComm{}, 5)
	a.AddCombiner(combine.TextEquality{}) // same ID as the default
	a.AddCombiner(combine.FileLine{})
	a.AddCombiner(combine.FileLine{})

	want := []string{"TextEqualityCombiner", "FileLineCombiner"}
	if got := a.Combiners(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Combiners = %v, want %v", got, want)
	}
}

func TestRemoveAndClearCombiners(t *testing.T) {
	a, _ := New(&fakeComm{}, 5)
	a.AddCombiner(combine.FileLine{})

	a.RemoveCombiner("TextEqualityCombiner")
	if got := a.Combiners(); !reflect.DeepEqual(got, []string{"FileLineCombiner"}) {
		t.Fatalf("Combiners after remove = %v", got)
	}
	a.RemoveCombiner("NoSuchCombiner") // no-op

	a.ClearCombiners()
	if got := a.Combiners(); len(got) != 0 {
		t.Fatalf("Combiners after clear = %v, want none", got)
	}

	// With no combiners, identical texts stay separate.
	a.QueueText("twin")
	a.QueueText("twin")
	a.CombineMessages()
	if a.Len() != 2 {
		t.Fatalf("Len = %d, want 2 with no combiners", a.Len())
	}
}

func TestSixIdenticalQueues_OneMessageAtOutput(t *testing.T) {
	// Output rank with a single-round topology: six identical reports
	// surface as one message carrying all six counts.
	fc := &fakeComm{rank: 0, output: true, pushes: 1}
	a, _ := New(fc, 5)

	for i := 0; i < 6; i++ {
		a.QueueMessage("duplicate across queues", "kernel.c", 7, message.Error, "")
	}
	if err := a.PushFully(context.Background()); err != nil {
		t.Fatalf("PushFully: %v", err)
	}

	msgs := a.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].RankCount != 6 {
		t.Fatalf("RankCount = %d, want 6", msgs[0].RankCount)
	}
	if !reflect.DeepEqual(msgs[0].Ranks, []int{0}) {
		t.Fatalf("Ranks = %v, want [0]", msgs[0].Ranks)
	}
}

func TestPushOnce_NonOutputHandsBufferAway(t *testing.T) {
	fc := &fakeComm{rank: 1, output: false, pushes: 2}
	a, _ := New(fc, 5)

	a.QueueText("goes up the tree")
	a.QueueText("so does this")
	if err := a.PushOnce(context.Background()); err != nil {
		t.Fatalf("PushOnce: %v", err)
	}

	if a.Len() != 0 {
		t.Fatalf("Len after push = %d, want 0 off the output node", a.Len())
	}
	if len(fc.sent) != 1 {
		t.Fatalf("pushed %d payloads, want 1", len(fc.sent))
	}
	sent, err := message.DecodeBatch(fc.sent[0])
	if err != nil {
		t.Fatalf("decode pushed payload: %v", err)
	}
	if len(sent) != 2 || sent[0].Text != "goes up the tree" {
		t.Fatalf("pushed batch = %v", dump(sent))
	}
}

func TestPushOnce_FoldsInReceivedBatches(t *testing.T) {
	child1 := message.EncodeBatch([]*message.Message{
		message.New("shared line", "", -1, message.Info, "", 1),
	})
	child2 := message.EncodeBatch([]*message.Message{
		message.New("shared line", "", -1, message.Info, "", 2),
		message.New("only rank 2", "", -1, message.Info, "", 2),
	})
	fc := &fakeComm{rank: 0, output: true, pushes: 1, inbound: [][][]byte{{child1, child2}}}
	a, _ := New(fc, 5)
	a.QueueText("shared line")

	if err := a.PushOnce(context.Background()); err != nil {
		t.Fatalf("PushOnce: %v", err)
	}

	got := dump(a.Messages())
	want := []msgState{
		{text: "shared line", count: 3, ranks: "0,1,2"},
		{text: "only rank 2", count: 1, ranks: "2"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("buffer = %v, want %v", got, want)
	}
}

func TestPushOnce_CorruptBatchIsFatal(t *testing.T) {
	fc := &fakeComm{rank: 0, output: true, inbound: [][][]byte{{{0xFF}}}}
	a, _ := New(fc, 5)

	err := a.PushOnce(context.Background())
	if !errors.Is(err, message.ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestPushOnce_TransportErrorPropagates(t *testing.T) {
	wire := errors.New("wire down")
	a, _ := New(&fakeComm{rank: 1, err: wire}, 5)
	a.QueueText("doomed")

	if err := a.PushOnce(context.Background()); !errors.Is(err, wire) {
		t.Fatalf("err = %v, want the transport error", err)
	}
}

func TestPushFully_RunsEveryRound(t *testing.T) {
	fc := &fakeComm{rank: 1, output: false, pushes: 3}
	a, _ := New(fc, 5)
	a.QueueText("first round carries this")

	if err := a.PushFully(context.Background()); err != nil {
		t.Fatalf("PushFully: %v", err)
	}
	if len(fc.sent) != 3 {
		t.Fatalf("ran %d rounds, want 3", len(fc.sent))
	}
	// Later rounds push empty batches; the rank still participates.
	for i, p := range fc.sent[1:] {
		msgs, err := message.DecodeBatch(p)
		if err != nil || len(msgs) != 0 {
			t.Fatalf("round %d payload = %v msgs, err %v; want empty batch", i+2, len(msgs), err)
		}
	}
}

func TestSetRanksLimit_Propagates(t *testing.T) {
	fc := &fakeComm{rank: 0, output: true}
	a, _ := New(fc, 5)
	a.SetRanksLimit(2)

	if a.RanksLimit() != 2 || fc.limit != 2 {
		t.Fatalf("ranks limit = %d (comm %d), want 2", a.RanksLimit(), fc.limit)
	}

	// Reports from four ranks merge into one message whose rank
	// sample stops at the limit while the count keeps going.
	for r := 0; r < 4; r++ {
		a.buf = append(a.buf, message.New("capped", "", -1, message.Info, "", r))
	}
	a.CombineMessages()

	m := a.Messages()[0]
	if !reflect.DeepEqual(m.Ranks, []int{0, 1}) {
		t.Fatalf("Ranks = %v, want [0 1]", m.Ranks)
	}
	if m.RankCount != 4 {
		t.Fatalf("RankCount = %d, want 4", m.RankCount)
	}
}

func TestClearMessages(t *testing.T) {
	a, _ := New(&fakeComm{}, 5)
	a.QueueText("x")
	a.QueueText("y")
	a.ClearMessages()
	if a.Len() != 0 {
		t.Fatalf("Len = %d after clear", a.Len())
	}
}
