// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flasher

import (
	"github.com/Thermoquad/espflash/pkg/esprom"
	"github.com/Thermoquad/espflash/pkg/transport"
	"github.com/rs/zerolog"
)

// Opener opens the transport named by identifier.
type Opener func(identifier string) (transport.Transport, error)

// DefaultOpener opens serial ports and WebSocket bridges with default options.
func DefaultOpener(identifier string) (transport.Transport, error) {
	return transport.Open(identifier, transport.Options{})
}

// Option configures a Flasher.
type Option func(*Flasher)

// WithOpener replaces the transport opener.
func WithOpener(open Opener) Option {
	return func(f *Flasher) { f.opener = open }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(f *Flasher) { f.log = log }
}

// WithClientOptions passes options to every protocol client the flasher creates.
func WithClientOptions(opts ...esprom.Option) Option {
	return func(f *Flasher) { f.clientOpts = append(f.clientOpts, opts...) }
}

// WithVerify checks each flashed image against the device's MD5 digest.
func WithVerify(enabled bool) Option {
	return func(f *Flasher) { f.verify = enabled }
}

// WithNoReset skips the DTR/RTS bootloader entry sequence; the target must
// already be in download mode.
func WithNoReset(enabled bool) Option {
	return func(f *Flasher) { f.noReset = enabled }
}

// WithFlashBaud switches to baud after identification when the transport
// supports it.
func WithFlashBaud(baud int) Option {
	return func(f *Flasher) { f.flashBaud = baud }
}

// WithFlashSize overrides the addressable flash size of the identified chip.
func WithFlashSize(size uint32) Option {
	return func(f *Flasher) { f.flashSize = size }
}
