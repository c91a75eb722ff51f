package message

import (
	"errors"
	"reflect"
	"testing"
)

func TestBatchRoundTrip(t *testing.T) {
	msgs := []*Message{
		// Plain single-origin message.
		New("divergence detected", "flux.c", 88, Error, "physics", 4),
		// Rank sample smaller than the true count.
		{Text: "overflow", FileName: "", LineNumber: -1, Level: Warning,
			Ranks: []int{0, 5}, RankCount: 12},
		// No location, empty tag, non-ASCII payload.
		{Text: "Δt collapsed to 1e-12", LineNumber: -1, Level: Info,
			Ranks: []int{1023}, RankCount: 1},
	}

	got, err := DecodeBatch(EncodeBatch(msgs))
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if len(got) != len(msgs) {
		t.Fatalf("decoded %d messages, want %d", len(got), len(msgs))
	}
	for i := range msgs {
		if !reflect.DeepEqual(got[i], msgs[i]) {
			t.Fatalf("message %d = %+v, want %+v", i, got[i], msgs[i])
		}
	}
}

func TestEmptyBatch(t *testing.T) {
	b := EncodeBatch(nil)
	got, err := DecodeBatch(b)
	if err != nil {
		t.Fatalf("DecodeBatch(empty) err = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("decoded %d messages from empty batch", len(got))
	}
}

func TestDecodeCorrupt(t *testing.T) {
	valid := EncodeBatch([]*Message{New("hello", "a.c", 1, Info, "", 0)})

	type row struct {
		name string
		buf  []byte
	}
	rows := []row{
		{"empty buffer", nil},
		{"truncated mid-message", valid[:len(valid)-3]},
		{"count with no payload", []byte{0x05}},
		{"trailing garbage", append(append([]byte{}, valid...), 0xFF, 0x01)},
	}
	for _, r := range rows {
		if _, err := DecodeBatch(r.buf); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("%s: err = %v, want ErrCorrupt", r.name, err)
		}
	}
}

func TestDecodeRankLengthLie(t *testing.T) {
	// A rank-list length far past the buffer end must fail cleanly
	// instead of allocating for it.
	b := []byte{
		0x01,       // one message
		0x02,       // rankCount = 1 (varint)
		0xFF, 0x7F, // len(ranks) = 16383, buffer ends here
	}
	if _, err := DecodeBatch(b); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}
