// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package esprom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/espflash/pkg/slip"
)

func TestChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want byte
	}{
		{"empty", nil, 0xEF},
		{"single", []byte{0xEF}, 0x00},
		{"pair cancels", []byte{0x12, 0x12}, 0xEF},
		{"mixed", []byte{0x01, 0x02, 0x04}, 0xEF ^ 0x07},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Checksum(tt.data); got != tt.want {
				t.Errorf("Checksum() = 0x%02X, want 0x%02X", got, tt.want)
			}
		})
	}
}

func TestEncodeRequest_Layout(t *testing.T) {
	data := []byte{0x00, 0x10, 0x00, 0x40}
	packet := EncodeRequest(OpReadReg, data)

	if packet[0] != DirRequest {
		t.Errorf("direction = 0x%02X, want 0x00", packet[0])
	}
	if Opcode(packet[1]) != OpReadReg {
		t.Errorf("opcode = 0x%02X, want 0x0A", packet[1])
	}
	if size := binary.LittleEndian.Uint16(packet[2:4]); size != 4 {
		t.Errorf("size = %d, want 4", size)
	}
	if sum := binary.LittleEndian.Uint32(packet[4:8]); sum != uint32(Checksum(data)) {
		t.Errorf("checksum = 0x%08X, want 0x%02X", sum, Checksum(data))
	}
	if !bytes.Equal(packet[HeaderSize:], data) {
		t.Errorf("data = %X, want %X", packet[HeaderSize:], data)
	}
}

func TestEncodeRequest_FlashDataChecksumsBlockOnly(t *testing.T) {
	header := []byte{4, 0, 0, 0, 7, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	block := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	packet := EncodeRequest(OpFlashData, append(header, block...))

	sum := binary.LittleEndian.Uint32(packet[4:8])
	if sum != uint32(Checksum(block)) {
		t.Errorf("checksum = 0x%08X, want 0x%02X (block only)", sum, Checksum(block))
	}
}

func TestDecodeRequest(t *testing.T) {
	raw := EncodeRequest(OpSync, SyncPayload())
	req, err := DecodeRequest(raw)
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if req.Op != OpSync || !bytes.Equal(req.Data, SyncPayload()) {
		t.Errorf("DecodeRequest() = %s %X", req.Op, req.Data)
	}

	for bit := 0; bit < 8; bit++ {
		t.Run(fmt.Sprintf("checksum bit %d", bit), func(t *testing.T) {
			corrupt := append([]byte(nil), raw...)
			corrupt[4] ^= 1 << bit
			req, err := DecodeRequest(corrupt)
			if !errors.Is(err, ErrChecksum) {
				t.Errorf("corrupted checksum error = %v, want ErrChecksum", err)
			}
			if !errors.Is(err, slip.ErrFraming) {
				t.Errorf("checksum error should count as framing error")
			}
			if req == nil {
				t.Error("request should be returned alongside checksum error")
			}
		})
	}
}

func TestDecodeResponse_StatusLength(t *testing.T) {
	tests := []struct {
		name      string
		data      []byte
		status    []byte
		statusLen int
		wantData  int
		wantFail  bool
	}{
		{"esp32 ok", nil, []byte{0, 0, 0, 0}, 4, 0, false},
		{"esp8266 ok", nil, []byte{0, 0}, 2, 0, false},
		{"esp32 failure", nil, []byte{1, ErrCodeFlashWrite, 0, 0}, 4, 0, true},
		{"auto short body", nil, []byte{0, 0, 0, 0}, 0, 0, false},
		{"auto 8266 body", nil, []byte{0, 0}, 0, 0, false},
		{"md5 with esp32 trailer", bytes.Repeat([]byte{'a'}, 32), []byte{0, 0, 0, 0}, 4, 32, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := EncodeResponse(OpReadReg, 0xDEADBEEF, tt.data, tt.status)
			resp, err := DecodeResponse(raw, tt.statusLen)
			if err != nil {
				t.Fatalf("DecodeResponse() error = %v", err)
			}
			if resp.Value != 0xDEADBEEF {
				t.Errorf("Value = 0x%08X", resp.Value)
			}
			if len(resp.Data) != tt.wantData {
				t.Errorf("len(Data) = %d, want %d", len(resp.Data), tt.wantData)
			}
			if resp.Failed() != tt.wantFail {
				t.Errorf("Failed() = %v, want %v", resp.Failed(), tt.wantFail)
			}
			if tt.wantFail && resp.ErrorCode() != ErrCodeFlashWrite {
				t.Errorf("ErrorCode() = 0x%02X", resp.ErrorCode())
			}
		})
	}
}

func TestDecodeResponse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"too short", []byte{0x01, 0x08}},
		{"request direction", EncodeRequest(OpSync, nil)},
		{"truncated body", EncodeResponse(OpSync, 0, nil, []byte{0, 0, 0, 0})[:10]},
		{"short status", EncodeResponse(OpSync, 0, nil, []byte{0, 0})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeResponse(tt.raw, 4)
			if !errors.Is(err, slip.ErrFraming) {
				t.Errorf("DecodeResponse() error = %v, want framing error", err)
			}
		})
	}
}

func TestSyncPayload(t *testing.T) {
	p := SyncPayload()
	if len(p) != 36 {
		t.Fatalf("len = %d, want 36", len(p))
	}
	if !bytes.Equal(p[:4], []byte{0x07, 0x07, 0x12, 0x20}) {
		t.Errorf("prefix = %X", p[:4])
	}
	if !bytes.Equal(p[4:], bytes.Repeat([]byte{0x55}, 32)) {
		t.Errorf("tail = %X", p[4:])
	}
}

func TestRegistry_KnownMagics(t *testing.T) {
	tests := []struct {
		magic uint32
		want  ChipType
	}{
		{0xFFF0C101, ChipESP8266},
		{0x00F01D83, ChipESP32},
		{0x000007C6, ChipESP32S2},
		{0x00000009, ChipESP32S3},
		{0x6921506F, ChipESP32C3},
		{0x1B31506F, ChipESP32C3},
		{0x4881606F, ChipESP32C3},
		{0x4361606F, ChipESP32C3},
		{0x6F51306F, ChipESP32C2},
		{0x7C41A06F, ChipESP32C2},
		{0x2CE0806F, ChipESP32C6},
		{0xD7B73E80, ChipESP32H2},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			chip, err := DefaultRegistry.Lookup(tt.magic)
			if err != nil {
				t.Fatalf("Lookup(0x%08X) error = %v", tt.magic, err)
			}
			if chip.Type != tt.want {
				t.Errorf("Lookup(0x%08X) = %s, want %s", tt.magic, chip.Type, tt.want)
			}
		})
	}
}

func TestRegistry_UnknownMagic(t *testing.T) {
	_, err := DefaultRegistry.Lookup(0x12345678)
	var unknown *UnknownChipError
	if !errors.As(err, &unknown) {
		t.Fatalf("Lookup() error = %v, want UnknownChipError", err)
	}
	if unknown.Magic != 0x12345678 {
		t.Errorf("Magic = 0x%08X", unknown.Magic)
	}
	if !strings.Contains(err.Error(), "0x12345678") {
		t.Errorf("error %q should name the magic", err)
	}
}

func TestRegistry_RejectsDuplicateMagic(t *testing.T) {
	a := &Chip{Type: ChipESP32, Magic: []uint32{1}}
	b := &Chip{Type: ChipESP32S2, Magic: []uint32{2, 1}}
	if _, err := NewRegistry(a, b); err == nil {
		t.Error("NewRegistry() should reject a magic shared by two chips")
	}
	if _, err := NewRegistry(&Chip{Type: ChipESP32}); err == nil {
		t.Error("NewRegistry() should reject a chip without magic")
	}
}

func TestChip_StatusLength(t *testing.T) {
	for _, chip := range KnownChips() {
		want := 4
		if chip.Type == ChipESP8266 {
			want = 2
		}
		if chip.StatusLen != want {
			t.Errorf("%s StatusLen = %d, want %d", chip.Name(), chip.StatusLen, want)
		}
	}
}

func TestChip_EraseTimeout(t *testing.T) {
	chip, _ := DefaultRegistry.Lookup(0x00F01D83)
	if got := chip.EraseTimeout(0x1000); got != DefaultTimeout {
		t.Errorf("small erase timeout = %s, want %s", got, DefaultTimeout)
	}
	if got := chip.EraseTimeout(4_000_000); got != 120*time.Second {
		t.Errorf("4 MB erase timeout = %s, want 2m0s", got)
	}

	var none *Chip
	if got := none.EraseTimeout(0x1000); got != DefaultTimeout {
		t.Errorf("nil chip erase timeout = %s", got)
	}
}

func TestChip_ContainsRange(t *testing.T) {
	chip := &Chip{FlashSize: 0x1000}
	tests := []struct {
		addr, length uint32
		want         bool
	}{
		{0, 0x1000, true},
		{0x800, 0x800, true},
		{0x800, 0x801, false},
		{0xFFFFFFFF, 2, false},
	}
	for _, tt := range tests {
		if got := chip.ContainsRange(tt.addr, tt.length); got != tt.want {
			t.Errorf("ContainsRange(0x%X, 0x%X) = %v, want %v", tt.addr, tt.length, got, tt.want)
		}
	}
}

func TestFormatRequest(t *testing.T) {
	req := &Request{Op: OpReadReg, Data: []byte{0x00, 0x10, 0x00, 0x40}}
	s := FormatRequest(req)
	if !strings.Contains(s, "READ_REG") || !strings.Contains(s, "0x40001000") {
		t.Errorf("FormatRequest() = %q", s)
	}
}

func TestDeviceError_Message(t *testing.T) {
	err := &DeviceError{Op: OpFlashData, Status: 1, Code: ErrCodeInvalidCRC}
	if !strings.Contains(err.Error(), "FLASH_DATA") {
		t.Errorf("Error() = %q should name the command", err.Error())
	}
	if !IsDeviceError(err) {
		t.Error("IsDeviceError() = false")
	}
}
