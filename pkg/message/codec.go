package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrCorrupt reports a batch payload that cannot be decoded.
var ErrCorrupt = errors.New("corrupt batch payload")

// EncodeBatch serializes messages into one self-describing payload:
// a uvarint message count followed by each message's fields in a fixed
// order (rank count, rank list, level, line number, then length-prefixed
// tag, file name and text).
func EncodeBatch(msgs []*Message) []byte {
	b := binary.AppendUvarint(nil, uint64(len(msgs)))
	for _, m := range msgs {
		b = appendMessage(b, m)
	}
	return b
}

func appendMessage(b []byte, m *Message) []byte {
	b = binary.AppendVarint(b, int64(m.RankCount))
	b = binary.AppendUvarint(b, uint64(len(m.Ranks)))
	for _, r := range m.Ranks {
		b = binary.AppendVarint(b, int64(r))
	}
	b = binary.AppendVarint(b, int64(m.Level))
	b = binary.AppendVarint(b, int64(m.LineNumber))
	b = appendString(b, m.Tag)
	b = appendString(b, m.FileName)
	b = appendString(b, m.Text)
	return b
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

// DecodeBatch reverses EncodeBatch. Truncated input, a bad length, or
// trailing garbage yields an error; ranks exchange only payloads they
// encoded themselves, so a decode failure means the transport corrupted
// data and the round cannot continue.
func DecodeBatch(b []byte) ([]*Message, error) {
	d := decoder{buf: b}
	count := d.uvarint()
	if d.err != nil {
		return nil, fmt.Errorf("batch header: %w", d.err)
	}
	hint := count
	if hint > 1024 {
		hint = 1024
	}
	msgs := make([]*Message, 0, hint)
	for i := uint64(0); i < count; i++ {
		m := d.message()
		if d.err != nil {
			return nil, fmt.Errorf("message %d of %d: %w", i, count, d.err)
		}
		msgs = append(msgs, m)
	}
	if len(d.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(d.buf))
	}
	return msgs, nil
}

// decoder consumes buf front to back with a sticky error, so field reads
// can be chained without checking after every step.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = ErrCorrupt
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.buf)
	if n <= 0 {
		d.err = ErrCorrupt
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) string() string {
	n := d.uvarint()
	if d.err != nil {
		return ""
	}
	if n > uint64(len(d.buf)) {
		d.err = ErrCorrupt
		return ""
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s
}

func (d *decoder) message() *Message {
	m := &Message{}
	m.RankCount = int(d.varint())
	n := d.uvarint()
	// Each rank costs at least one byte, so n past the remaining buffer
	// is a lie and would over-allocate below.
	if d.err == nil && n > uint64(len(d.buf)) {
		d.err = ErrCorrupt
	}
	if d.err != nil {
		return nil
	}
	if n > 0 {
		m.Ranks = make([]int, 0, n)
		for i := uint64(0); i < n; i++ {
			m.Ranks = append(m.Ranks, int(d.varint()))
		}
	}
	m.Level = Level(d.varint())
	m.LineNumber = int(d.varint())
	m.Tag = d.string()
	m.FileName = d.string()
	m.Text = d.string()
	if d.err != nil {
		return nil
	}
	return m
}
