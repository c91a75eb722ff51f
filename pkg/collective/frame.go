package collective

import (
	"encoding/binary"
	"fmt"
	"io"
)

// TCP members exchange frames: a 4-byte big-endian body length followed
// by the body, whose first byte is the frame kind.
const (
	frameHello   = 0x01 // uvarint rank; first frame on every dialed connection
	frameData    = 0x02 // uvarint sender rank, then the raw payload
	frameArrive  = 0x03 // uvarint sender rank, uvarint generation; barrier entry, member -> rank 0
	frameRelease = 0x04 // uvarint generation; barrier exit, rank 0 -> member
)

// Frames past this size are treated as stream corruption.
const maxFrameSize = 64 << 20

func writeFrame(w io.Writer, body []byte) error {
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func helloFrame(rank int) []byte {
	return binary.AppendUvarint([]byte{frameHello}, uint64(rank))
}

func dataFrame(from int, payload []byte) []byte {
	b := binary.AppendUvarint([]byte{frameData}, uint64(from))
	return append(b, payload...)
}

func arriveFrame(from int, gen uint64) []byte {
	b := binary.AppendUvarint([]byte{frameArrive}, uint64(from))
	return binary.AppendUvarint(b, gen)
}

func releaseFrame(gen uint64) []byte {
	return binary.AppendUvarint([]byte{frameRelease}, gen)
}
