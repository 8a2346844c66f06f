// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package slip

import "github.com/pkg/errors"

// Decoder states (internal)
const (
	stateIdle = iota
	stateFrame
	stateEscape
)

// Decoder is a resumable SLIP frame decoder. Bytes are fed one at a time and
// a frame is returned once its closing End byte arrives.
type Decoder struct {
	state   int
	buffer  []byte
	maxSize int
}

// NewDecoder creates a decoder bounded by MaxFrameSize.
func NewDecoder() *Decoder {
	return NewDecoderSize(MaxFrameSize)
}

// NewDecoderSize creates a decoder that rejects frames larger than maxSize.
func NewDecoderSize(maxSize int) *Decoder {
	return &Decoder{
		state:   stateIdle,
		buffer:  make([]byte, 0, 256),
		maxSize: maxSize,
	}
}

// Reset drops any partial frame and waits for the next End byte.
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.buffer = d.buffer[:0]
}

// Buffered returns the number of decoded bytes of the partial frame.
func (d *Decoder) Buffered() int {
	return len(d.buffer)
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns a completed frame, or nil if the frame is incomplete.
// Returned errors wrap ErrFraming; the decoder has already resynchronized.
func (d *Decoder) DecodeByte(b byte) ([]byte, error) {
	switch d.state {
	case stateIdle:
		// Anything outside a frame is line noise or boot log output
		if b == End {
			d.buffer = d.buffer[:0]
			d.state = stateFrame
		}
		return nil, nil

	case stateFrame:
		switch b {
		case End:
			if len(d.buffer) == 0 {
				// Back-to-back delimiters, keep waiting for data
				return nil, nil
			}
			frame := make([]byte, len(d.buffer))
			copy(frame, d.buffer)
			d.Reset()
			return frame, nil
		case Esc:
			d.state = stateEscape
			return nil, nil
		default:
			return nil, d.push(b)
		}

	case stateEscape:
		switch b {
		case EscEnd:
			d.state = stateFrame
			return nil, d.push(End)
		case EscEsc:
			d.state = stateFrame
			return nil, d.push(Esc)
		case End:
			// Treat the delimiter as the start of the next frame
			d.buffer = d.buffer[:0]
			d.state = stateFrame
			return nil, errors.Wrap(ErrFraming, "END byte inside escape sequence")
		default:
			d.Reset()
			return nil, errors.Wrapf(ErrFraming, "invalid escape sequence 0x%02X 0x%02X", Esc, b)
		}

	default:
		d.Reset()
		return nil, errors.Wrapf(ErrFraming, "invalid state: %d", d.state)
	}
}

// push appends a decoded byte, rejecting frames that grow beyond maxSize.
func (d *Decoder) push(b byte) error {
	if len(d.buffer) >= d.maxSize {
		size := len(d.buffer)
		d.Reset()
		return errors.Wrapf(ErrFraming, "frame exceeds %d bytes (have %d)", d.maxSize, size)
	}
	d.buffer = append(d.buffer, b)
	return nil
}
