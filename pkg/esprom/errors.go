// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package esprom

import (
	"fmt"
	"time"

	"github.com/Thermoquad/espflash/pkg/slip"
	"github.com/Thermoquad/espflash/pkg/transport"
	"github.com/pkg/errors"
)

// ErrTimeout is wrapped when no matching response arrives within the
// command's timeout.
var ErrTimeout = errors.New("esprom: command timeout")

// ErrSyncFailed is returned when the bootloader handshake exhausts its attempts.
var ErrSyncFailed = errors.New("esprom: sync failed")

// ErrBaudUnsupported is returned by ChangeBaud on fixed-rate transports.
var ErrBaudUnsupported = errors.New("esprom: transport cannot change baud rate")

// garbledTimeout is a command timeout during which only malformed frames
// arrived. It matches ErrTimeout and unwraps to the last framing error.
type garbledTimeout struct {
	op      Opcode
	timeout time.Duration
	last    error
}

func (e *garbledTimeout) Error() string {
	return fmt.Sprintf("%s: no valid response within %s: %v", e.op, e.timeout, e.last)
}

func (e *garbledTimeout) Is(target error) bool { return target == ErrTimeout }

func (e *garbledTimeout) Unwrap() error { return e.last }

// DeviceError is a well-formed rejection reported by the bootloader.
type DeviceError struct {
	Op     Opcode
	Status byte
	Code   byte
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s failed: %s (status 0x%02X, error 0x%02X)", e.Op, ErrorName(e.Code), e.Status, e.Code)
}

// UnknownChipError is returned when the detect magic matches no known variant.
type UnknownChipError struct {
	Magic uint32
}

func (e *UnknownChipError) Error() string {
	return fmt.Sprintf("unknown chip: detect magic 0x%08X is not registered", e.Magic)
}

// VerifyError reports an MD5 mismatch between the image and flash contents.
type VerifyError struct {
	Address  uint32
	Size     uint32
	Expected string
	Actual   string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify 0x%08X+%d: MD5 mismatch, expected %s, got %s", e.Address, e.Size, e.Expected, e.Actual)
}

// IsDeviceError returns true if err carries a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

// retryable reports whether a command may be repeated after err: lost or
// garbled responses are retried, device rejections and transport failures are not.
func retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, slip.ErrFraming)
}

// isTransportTimeout matches the transport's per-read timeout.
func isTransportTimeout(err error) bool {
	return errors.Is(err, transport.ErrTimeout)
}
