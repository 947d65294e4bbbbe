// Package frame encodes and decodes RFC 6455 websocket frames over plain
// byte buffers. It performs no I/O: a Decoder is fed whatever bytes have
// arrived and yields complete frames as they become available, and Encode
// renders a whole server-to-client frame into a fresh byte slice.
//
// Fragmented messages are deliberately not supported: the upstream realtime
// endpoint this relay fronts always sends whole messages, so a frame with
// FIN unset is treated as a protocol error rather than reassembled.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/templexxx/xhex"
)

// Opcode identifies the purpose of a frame.
type Opcode byte

const (
	Continuation Opcode = 0x0
	Text         Opcode = 0x1
	Binary       Opcode = 0x2
	Close        Opcode = 0x8
	Ping         Opcode = 0x9
	Pong         Opcode = 0xA
)

const (
	finBit  = 0x80
	maskBit = 0x80

	// maxPayload caps the accepted 64 bit extended length. The upstream
	// endpoint never sends anything near this; anything larger is a
	// malformed or hostile header.
	maxPayload = 1<<53 - 1
)

// String returns the conventional name of the opcode.
func (op Opcode) String() string {
	switch op {
	case Continuation:
		return "continuation"
	case Text:
		return "text"
	case Binary:
		return "binary"
	case Close:
		return "close"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	}
	return fmt.Sprintf("unknown(0x%x)", byte(op))
}

// Control reports whether the opcode is a control frame opcode.
func (op Opcode) Control() bool { return op >= Close }

// Known reports whether the opcode is one this relay accepts. Continuation
// is excluded because fragmentation is unsupported.
func (op Opcode) Known() bool {
	switch op {
	case Text, Binary, Close, Ping, Pong:
		return true
	}
	return false
}

var (
	// ErrFragmented is returned when a frame arrives with FIN unset.
	ErrFragmented = errors.New("fragmented frames are not supported")
	// ErrLengthOverflow is returned when a 64 bit extended length exceeds
	// the range this relay will buffer.
	ErrLengthOverflow = errors.New("frame length exceeds safe range")
	// ErrOpcode is returned for opcodes outside the accepted set.
	ErrOpcode = errors.New("unsupported opcode")
)

// Frame is one decoded websocket frame. It is transient: constructed by the
// Decoder and consumed immediately by the bridge.
type Frame struct {
	Op      Opcode
	Payload []byte
}

// String renders the frame for trace logging, with a short hex preview of
// the payload.
func (f Frame) String() string {
	preview := f.Payload
	if len(preview) > 16 {
		preview = preview[:16]
	}
	dst := make([]byte, len(preview)*2)
	xhex.Encode(dst, preview)
	return fmt.Sprintf("frame{%s len=%d %s}", f.Op, len(f.Payload), dst)
}

// Encode renders an unmasked frame with FIN set. Server-to-client frames
// must not carry a mask. The header is 2 bytes for payloads under 126, 4
// bytes with a 16 bit big-endian length under 65536, and 10 bytes with a 64
// bit big-endian length otherwise.
func Encode(op Opcode, payload []byte) (out []byte) {
	switch {
	case len(payload) < 126:
		out = make([]byte, 2+len(payload))
		out[1] = byte(len(payload))
		copy(out[2:], payload)
	case len(payload) < 65536:
		out = make([]byte, 4+len(payload))
		out[1] = 126
		binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
		copy(out[4:], payload)
	default:
		out = make([]byte, 10+len(payload))
		out[1] = 127
		binary.BigEndian.PutUint64(out[2:10], uint64(len(payload)))
		copy(out[10:], payload)
	}
	out[0] = finBit | byte(op)
	return
}

// Decoder accumulates raw bytes from a transport and parses complete frames
// out of them. Parsing is resumable: when the buffered bytes do not yet hold
// a full header or payload, Next reports no frame and the bytes are retained
// for the following Feed. Consumed bytes are dropped by compacting the
// buffer on Feed, so memory stays bounded over a long-lived connection.
//
// A Decoder is owned by a single session and is not safe for concurrent use.
type Decoder struct {
	buf []byte
	off int
}

// Feed appends newly received bytes, first discarding the already-consumed
// prefix of the buffer.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes held that are not yet attributed to a
// complete frame.
func (d *Decoder) Buffered() int { return len(d.buf) - d.off }

// Next parses the next complete frame out of the buffer. ok is false when
// more bytes are needed. A non-nil error means the stream is unrecoverable
// and the session must be terminated.
func (d *Decoder) Next() (f Frame, ok bool, err error) {
	avail := d.buf[d.off:]
	if len(avail) < 2 {
		return
	}
	if avail[0]&finBit == 0 {
		err = ErrFragmented
		return
	}
	op := Opcode(avail[0] & 0x0f)
	if !op.Known() {
		if op == Continuation {
			err = ErrFragmented
		} else {
			err = fmt.Errorf("%w 0x%x", ErrOpcode, byte(op))
		}
		return
	}
	masked := avail[1]&maskBit != 0
	length := uint64(avail[1] & 0x7f)
	hdr := 2
	switch length {
	case 126:
		if len(avail) < 4 {
			return
		}
		length = uint64(binary.BigEndian.Uint16(avail[2:4]))
		hdr = 4
	case 127:
		if len(avail) < 10 {
			return
		}
		length = binary.BigEndian.Uint64(avail[2:10])
		hdr = 10
		if length > maxPayload {
			err = ErrLengthOverflow
			return
		}
	}
	if masked {
		hdr += 4
	}
	total := hdr + int(length)
	if len(avail) < total {
		return
	}
	// Copy the payload out so the frame survives buffer compaction, and
	// unmask with key[i mod 4] while doing so.
	payload := make([]byte, length)
	copy(payload, avail[hdr:total])
	if masked {
		key := avail[hdr-4 : hdr]
		for i := range payload {
			payload[i] ^= key[i&3]
		}
	}
	d.off += total
	return Frame{Op: op, Payload: payload}, true, nil
}
