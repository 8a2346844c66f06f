// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package slip implements the SLIP (RFC 1055) framing used by the Espressif
// ROM serial bootloader.
//
// Every frame is delimited by End on both sides. End and Esc bytes inside a
// frame are replaced by two-byte escape sequences.
package slip

import "github.com/pkg/errors"

// Framing bytes
const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// MaxFrameSize bounds a decoded frame: 8 byte command header, 16 byte block
// header, a 16 KiB data block and the status trailer.
const MaxFrameSize = 0x4000 + 64

// ErrFraming is wrapped by every decode error. It is recoverable: the
// decoder resynchronizes on the next End byte.
var ErrFraming = errors.New("slip: framing error")

// Encode wraps data in a SLIP frame, escaping End and Esc bytes.
func Encode(data []byte) []byte {
	// Pre-allocate for the worst case where every byte is escaped
	out := make([]byte, 0, len(data)*2+2)
	out = append(out, End)

	for _, b := range data {
		switch b {
		case End:
			out = append(out, Esc, EscEnd)
		case Esc:
			out = append(out, Esc, EscEsc)
		default:
			out = append(out, b)
		}
	}

	return append(out, End)
}

// Unescape reverses the escaping applied by Encode on the bytes between two
// End delimiters.
func Unescape(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	escapeNext := false

	for i, b := range data {
		if escapeNext {
			switch b {
			case EscEnd:
				out = append(out, End)
			case EscEsc:
				out = append(out, Esc)
			default:
				return nil, errors.Wrapf(ErrFraming, "invalid escape sequence 0x%02X 0x%02X at %d", Esc, b, i)
			}
			escapeNext = false
			continue
		}

		switch b {
		case Esc:
			escapeNext = true
		case End:
			return nil, errors.Wrapf(ErrFraming, "unexpected END byte at %d", i)
		default:
			out = append(out, b)
		}
	}

	if escapeNext {
		return nil, errors.Wrap(ErrFraming, "incomplete escape sequence at end of data")
	}

	return out, nil
}
