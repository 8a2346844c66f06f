// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flasher

import (
	"context"
	"fmt"

	"github.com/Thermoquad/espflash/pkg/esprom"
	"github.com/Thermoquad/espflash/pkg/slip"
	"github.com/Thermoquad/espflash/pkg/transport"
	"github.com/pkg/errors"
)

// Kind classifies a flasher failure. A Kind is itself an error so callers can
// write errors.Is(err, flasher.SyncFailed).
type Kind int

// Failure kinds
const (
	TransportUnavailable Kind = iota + 1
	SyncFailed
	UnknownChip
	Framing
	CommandTimeout
	DeviceReported
	AddressOutOfRange
	Cancelled
	InvalidState
	InvalidArgument
	VerifyFailed
)

func (k Kind) String() string {
	switch k {
	case TransportUnavailable:
		return "transport unavailable"
	case SyncFailed:
		return "sync failed"
	case UnknownChip:
		return "unknown chip"
	case Framing:
		return "framing error"
	case CommandTimeout:
		return "command timeout"
	case DeviceReported:
		return "device reported error"
	case AddressOutOfRange:
		return "address out of range"
	case Cancelled:
		return "cancelled"
	case InvalidState:
		return "invalid state"
	case InvalidArgument:
		return "invalid argument"
	case VerifyFailed:
		return "verify failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) Error() string {
	return k.String()
}

// Error is a classified failure of a flasher operation.
type Error struct {
	Kind Kind
	Op   string

	// Address and Offset locate write and erase failures: the flash address
	// of the failing command and its byte offset within the job.
	Address uint32
	Offset  uint32
	Located bool

	Err error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Located {
		msg += fmt.Sprintf(" at 0x%08X (offset %d)", e.Address, e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a Kind target.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the kind of err, 0 if err is not a flasher error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) at(address, offset uint32) *Error {
	e.Address = address
	e.Offset = offset
	e.Located = true
	return e
}

// classify maps protocol and transport errors onto a Kind.
func classify(op string, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	var (
		deviceErr  *esprom.DeviceError
		unknownErr *esprom.UnknownChipError
		verifyErr  *esprom.VerifyError
	)

	kind := TransportUnavailable
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = Cancelled
	case errors.Is(err, esprom.ErrSyncFailed):
		kind = SyncFailed
	case errors.As(err, &unknownErr):
		kind = UnknownChip
	case errors.As(err, &deviceErr):
		kind = DeviceReported
	case errors.As(err, &verifyErr):
		kind = VerifyFailed
	case errors.Is(err, esprom.ErrTimeout):
		kind = CommandTimeout
	case errors.Is(err, slip.ErrFraming):
		kind = Framing
	case errors.Is(err, transport.ErrTimeout):
		kind = CommandTimeout
	}
	return newError(kind, op, err)
}
