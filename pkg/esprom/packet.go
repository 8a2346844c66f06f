// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package esprom

import (
	"encoding/binary"

	"github.com/Thermoquad/espflash/pkg/slip"
	"github.com/pkg/errors"
)

// ErrChecksum is wrapped by DecodeRequest on a checksum mismatch. It also
// wraps slip.ErrFraming so callers can treat it as a framing error.
var ErrChecksum = errors.Wrap(slip.ErrFraming, "checksum mismatch")

// Request is a decoded command packet.
type Request struct {
	Op       Opcode
	Data     []byte
	Checksum byte
}

// Response is a decoded reply packet.
type Response struct {
	Op    Opcode
	Value uint32
	Data  []byte // payload without the status trailer
	// Status is the raw status trailer; Status[0] != 0 means failure and
	// Status[1] carries the error code.
	Status []byte
}

// Failed reports whether the device rejected the command.
func (r *Response) Failed() bool {
	return len(r.Status) > 0 && r.Status[0] != 0
}

// ErrorCode returns the device error code, 0 if none.
func (r *Response) ErrorCode() byte {
	if len(r.Status) < 2 {
		return 0
	}
	return r.Status[1]
}

// Checksum computes the single-byte bootloader checksum: 0xEF XOR data.
func Checksum(data []byte) byte {
	sum := byte(ChecksumSeed)
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// EncodeRequest builds an unframed request packet for op.
func EncodeRequest(op Opcode, data []byte) []byte {
	packet := make([]byte, HeaderSize+len(data))
	packet[0] = DirRequest
	packet[1] = byte(op)
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(packet[4:8], uint32(requestChecksum(op, data)))
	copy(packet[HeaderSize:], data)
	return packet
}

// EncodeFrame builds a SLIP-framed request ready for the wire.
func EncodeFrame(op Opcode, data []byte) []byte {
	return slip.Encode(EncodeRequest(op, data))
}

// DecodeRequest parses an unframed request and validates its checksum. On a
// checksum mismatch the parsed request is returned alongside ErrChecksum.
func DecodeRequest(raw []byte) (*Request, error) {
	if len(raw) < HeaderSize {
		return nil, errors.Wrapf(slip.ErrFraming, "request too short: %d bytes", len(raw))
	}
	if raw[0] != DirRequest {
		return nil, errors.Wrapf(slip.ErrFraming, "invalid direction byte: 0x%02X", raw[0])
	}

	size := int(binary.LittleEndian.Uint16(raw[2:4]))
	if size != len(raw)-HeaderSize {
		return nil, errors.Wrapf(slip.ErrFraming, "length mismatch: header says %d, have %d", size, len(raw)-HeaderSize)
	}

	checksum := binary.LittleEndian.Uint32(raw[4:8])
	req := &Request{
		Op:       Opcode(raw[1]),
		Data:     raw[HeaderSize:],
		Checksum: byte(checksum),
	}

	expected := requestChecksum(req.Op, req.Data)
	if checksum != uint32(expected) {
		return req, errors.Wrapf(ErrChecksum, "%s: expected 0x%02X, got 0x%08X", req.Op, expected, checksum)
	}

	return req, nil
}

// EncodeResponse builds an unframed response packet. The status trailer is
// appended to data.
func EncodeResponse(op Opcode, value uint32, data []byte, status []byte) []byte {
	body := len(data) + len(status)
	packet := make([]byte, HeaderSize, HeaderSize+body)
	packet[0] = DirResponse
	packet[1] = byte(op)
	binary.LittleEndian.PutUint16(packet[2:4], uint16(body))
	binary.LittleEndian.PutUint32(packet[4:8], value)
	packet = append(packet, data...)
	return append(packet, status...)
}

// DecodeResponse parses an unframed response. statusLen is the size of the
// status trailer (2 on ESP8266, 4 on the ESP32 family); 0 means unknown, in
// which case a body of up to 4 bytes is all status and anything longer ends
// with a 2 byte trailer.
func DecodeResponse(raw []byte, statusLen int) (*Response, error) {
	if len(raw) < HeaderSize {
		return nil, errors.Wrapf(slip.ErrFraming, "response too short: %d bytes", len(raw))
	}
	if raw[0] != DirResponse {
		return nil, errors.Wrapf(slip.ErrFraming, "invalid direction byte: 0x%02X", raw[0])
	}

	size := int(binary.LittleEndian.Uint16(raw[2:4]))
	if size > len(raw)-HeaderSize {
		return nil, errors.Wrapf(slip.ErrFraming, "data size mismatch: expected %d, have %d", size, len(raw)-HeaderSize)
	}
	body := raw[HeaderSize : HeaderSize+size]

	if statusLen == 0 {
		statusLen = 2
		if size <= 4 {
			statusLen = size
		}
	}
	if size < statusLen {
		return nil, errors.Wrapf(slip.ErrFraming, "response body of %d bytes has no %d byte status", size, statusLen)
	}

	return &Response{
		Op:     Opcode(raw[1]),
		Value:  binary.LittleEndian.Uint32(raw[4:8]),
		Data:   body[:size-statusLen],
		Status: body[size-statusLen:],
	}, nil
}

func requestChecksum(op Opcode, data []byte) byte {
	offset := checksumOffset(op)
	if offset > len(data) {
		offset = len(data)
	}
	return Checksum(data[offset:])
}
