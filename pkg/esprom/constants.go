// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package esprom implements the command protocol of the Espressif ROM serial
// bootloader: packet encoding, request/response exchange with retries, and
// chip identification.
//
// Packets travel inside SLIP frames (see package slip). A request is
//
//	dir=0x00 | op | size (LE16) | checksum (LE32) | data
//
// and a response is
//
//	dir=0x01 | op | size (LE16) | value (LE32) | data | status
package esprom

import "time"

// Opcode identifies a bootloader command.
type Opcode uint8

// ROM bootloader commands
const (
	OpFlashBegin    Opcode = 0x02
	OpFlashData     Opcode = 0x03
	OpFlashEnd      Opcode = 0x04
	OpMemBegin      Opcode = 0x05
	OpMemEnd        Opcode = 0x06
	OpMemData       Opcode = 0x07
	OpSync          Opcode = 0x08
	OpWriteReg      Opcode = 0x09
	OpReadReg       Opcode = 0x0A
	OpSPISetParams  Opcode = 0x0B
	OpSPIAttach     Opcode = 0x0D
	OpChangeBaud    Opcode = 0x0F
	OpSPIFlashMD5   Opcode = 0x13
	OpGetSecureInfo Opcode = 0x14

	// Stub loader only
	OpEraseFlash  Opcode = 0xD0
	OpEraseRegion Opcode = 0xD1
)

// Direction byte values
const (
	DirRequest  = 0x00
	DirResponse = 0x01
)

// Packet layout
const (
	HeaderSize      = 8
	BlockHeaderSize = 16
	ChecksumSeed    = 0xEF
)

// Error codes reported in the second status byte
const (
	ErrCodeInvalidMessage = 0x05
	ErrCodeFailedToAct    = 0x06
	ErrCodeInvalidCRC     = 0x07
	ErrCodeFlashWrite     = 0x08
	ErrCodeFlashRead      = 0x09
	ErrCodeFlashReadLen   = 0x0A
	ErrCodeDeflate        = 0x0B
)

// ChipDetectMagicReg holds a per-variant constant on every ESP chip.
const ChipDetectMagicReg = 0x40001000

// Flash geometry shared by all supported variants
const (
	FlashPageSize   = 0x100
	FlashSectorSize = 0x1000
	FlashBlockSize  = 0x10000

	// ROMWriteBlockSize is the FLASH_DATA block size accepted by the ROM
	ROMWriteBlockSize = 0x400
)

// Default timings
const (
	DefaultTimeout      = 3 * time.Second
	SyncTimeout         = 100 * time.Millisecond
	SyncInterval        = 50 * time.Millisecond
	MD5TimeoutPerMB     = 8 * time.Second
	EraseTimeoutPerMB   = 30 * time.Second
	DefaultSyncAttempts = 10
	DefaultBlockRetries = 3
	DefaultEraseRetries = 1
)

// SyncPayload is the SYNC command body: 07 07 12 20 followed by 32 x 0x55,
// which also lets the ROM autobaud.
func SyncPayload() []byte {
	data := make([]byte, 36)
	data[0] = 0x07
	data[1] = 0x07
	data[2] = 0x12
	data[3] = 0x20
	for i := 4; i < len(data); i++ {
		data[i] = 0x55
	}
	return data
}

// checksumOffset returns where the checksummed region starts in the data of op.
// Data-carrying commands checksum the block only; the ROM ignores the field
// for everything else.
func checksumOffset(op Opcode) int {
	switch op {
	case OpFlashData, OpMemData:
		return BlockHeaderSize
	default:
		return 0
	}
}
