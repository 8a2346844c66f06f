// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport provides byte-stream transports to a ROM bootloader:
// a local serial port, a WebSocket serial bridge and an in-memory pipe.
package transport

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout is returned by ReadByteTimeout when no byte arrives in time.
var ErrTimeout = errors.New("transport: read timeout")

// ErrUnavailable is wrapped by Open when a transport cannot be opened or claimed.
var ErrUnavailable = errors.New("transport: unavailable")

// ErrClosed is returned when reading from or writing to a closed transport.
var ErrClosed = errors.New("transport: closed")

// Transport is a duplex byte stream with timeout-capable reads.
type Transport interface {
	// ReadByteTimeout returns the next byte, or ErrTimeout if none arrives within timeout.
	ReadByteTimeout(timeout time.Duration) (byte, error)
	Write(p []byte) (int, error)
	Close() error
}

// ModemLines is implemented by transports that drive DTR and RTS, which are
// wired to the target's boot strap and reset pins on most adapters.
type ModemLines interface {
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

// BaudSetter is implemented by transports whose line rate can be changed
// after the bootloader has been told to switch.
type BaudSetter interface {
	SetBaudRate(baud int) error
}

// InputFlusher is implemented by transports that can drop unread input.
type InputFlusher interface {
	ResetInputBuffer() error
}

// USBCapability reports whether the transport is the target's builtin
// USB-JTAG-Serial peripheral rather than an external USB-UART adapter.
type USBCapability interface {
	BuiltinUSB() bool
}

// IsBuiltinUSB reports the builtin USB capability of t, false if unknown.
func IsBuiltinUSB(t Transport) bool {
	if u, ok := t.(USBCapability); ok {
		return u.BuiltinUSB()
	}
	return false
}

// Options configures Open.
type Options struct {
	// BaudRate for serial ports (default 115200)
	BaudRate int

	// BuiltinUSB forces the builtin USB capability on serial ports; when
	// nil it is detected from the port's USB VID/PID.
	BuiltinUSB *bool

	// WebSocket bridge credentials
	Username      string
	Password      string
	SkipSSLVerify bool
}

// Open opens either a serial or WebSocket transport based on the identifier.
// ws:// and wss:// URLs select the WebSocket bridge, anything else is a serial
// device path.
func Open(identifier string, opts Options) (Transport, error) {
	if identifier == "" {
		return nil, errors.Wrap(ErrUnavailable, "no port specified")
	}

	if strings.HasPrefix(identifier, "ws://") || strings.HasPrefix(identifier, "wss://") {
		ws, err := OpenWebSocket(identifier, opts.Username, opts.Password, opts.SkipSSLVerify)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}

	baud := opts.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	s, err := OpenSerial(identifier, baud, opts.BuiltinUSB)
	if err != nil {
		return nil, err
	}
	return s, nil
}
