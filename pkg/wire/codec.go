// Package wire implements the framing used between two peers.
//
// A frame is a varint length prefix followed by a body made of two
// protobuf-encoded fields: the message type (field 1) and an opaque
// payload (field 2). Callers serialize structured payloads themselves.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize is the largest frame body a Decoder accepts unless
// configured otherwise.
const DefaultMaxFrameSize = 16 << 20

const (
	fieldType    protowire.Number = 1
	fieldPayload protowire.Number = 2
)

var (
	ErrFraming       = errors.New("wire: malformed frame")
	ErrTooLargeFrame = errors.New("wire: frame is too large")
	ErrEmptyType     = errors.New("wire: frame type must not be empty")
)

// Frame is one decoded (type, payload) pair.
type Frame struct {
	Type    string
	Payload []byte
}

// Encode returns the self-delimited frame for the pair.
func Encode(typ string, payload []byte) ([]byte, error) {
	if typ == "" {
		return nil, ErrEmptyType
	}
	if bodySize(typ, payload) > DefaultMaxFrameSize {
		return nil, ErrTooLargeFrame
	}
	return AppendFrame(nil, typ, payload), nil
}

// AppendFrame appends the frame for the pair to dst without any size check.
func AppendFrame(dst []byte, typ string, payload []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(bodySize(typ, payload)))
	dst = protowire.AppendTag(dst, fieldType, protowire.BytesType)
	dst = protowire.AppendString(dst, typ)
	dst = protowire.AppendTag(dst, fieldPayload, protowire.BytesType)
	dst = protowire.AppendBytes(dst, payload)
	return dst
}

func bodySize(typ string, payload []byte) int {
	return protowire.SizeTag(fieldType) + protowire.SizeBytes(len(typ)) +
		protowire.SizeTag(fieldPayload) + protowire.SizeBytes(len(payload))
}

// Decoder reads frames from a byte stream. It buffers until a whole frame
// is available, so a partial frame is never returned.
//
// A Decoder is bound to one stream and MUST NOT be used concurrently.
type Decoder struct {
	r       *bufio.Reader
	maxSize uint64
	err     error
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:       bufio.NewReader(r),
		maxSize: DefaultMaxFrameSize,
	}
}

// WithMaxFrameSize changes the largest accepted frame body.
func (d *Decoder) WithMaxFrameSize(size int) *Decoder {
	if size > 0 {
		d.maxSize = uint64(size)
	}
	return d
}

// Next returns the next frame. It returns io.EOF when the stream ends on
// a frame boundary and an error wrapping ErrFraming when the stream
// carries garbage or ends in the middle of a frame. Once an error has
// been returned, every later call returns it again.
func (d *Decoder) Next() (Frame, error) {
	if d.err != nil {
		return Frame{}, d.err
	}
	frame, err := d.next()
	if err != nil {
		d.err = err
	}
	return frame, err
}

// Frames iterates over the stream until it ends. A clean end of stream
// terminates the sequence silently, any other error is yielded once as
// the last element.
func (d *Decoder) Frames() iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for {
			frame, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(frame, err) || err != nil {
				return
			}
		}
	}
}

func (d *Decoder) next() (Frame, error) {
	size, err := d.readPrefix()
	if err != nil {
		return Frame{}, err
	}
	if size > d.maxSize {
		return Frame{}, fmt.Errorf("%w: %w: %d bytes", ErrFraming, ErrTooLargeFrame, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: truncated body", ErrFraming)
		}
		return Frame{}, err
	}

	return parseBody(body)
}

func (d *Decoder) readPrefix() (uint64, error) {
	var buf [binary.MaxVarintLen64]byte
	for n := 0; n < len(buf); n++ {
		b, err := d.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if n == 0 {
					return 0, io.EOF
				}
				return 0, fmt.Errorf("%w: truncated length prefix", ErrFraming)
			}
			return 0, err
		}
		buf[n] = b
		if b < 0x80 {
			size, m := protowire.ConsumeVarint(buf[:n+1])
			if m < 0 {
				return 0, fmt.Errorf("%w: %w", ErrFraming, protowire.ParseError(m))
			}
			return size, nil
		}
	}
	return 0, fmt.Errorf("%w: length prefix overflow", ErrFraming)
}

func parseBody(body []byte) (Frame, error) {
	var (
		frame   Frame
		hasType bool
	)
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: %w", ErrFraming, protowire.ParseError(n))
		}
		body = body[n:]

		if typ != protowire.BytesType || (num != fieldType && num != fieldPayload) {
			n = protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: %w", ErrFraming, protowire.ParseError(n))
			}
			body = body[n:]
			continue
		}

		val, n := protowire.ConsumeBytes(body)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: %w", ErrFraming, protowire.ParseError(n))
		}
		body = body[n:]

		switch num {
		case fieldType:
			frame.Type = string(val)
			hasType = true
		case fieldPayload:
			frame.Payload = val
		}
	}

	if !hasType || frame.Type == "" {
		return Frame{}, fmt.Errorf("%w: %w", ErrFraming, ErrEmptyType)
	}
	if frame.Payload == nil {
		frame.Payload = []byte{}
	}
	return frame, nil
}
