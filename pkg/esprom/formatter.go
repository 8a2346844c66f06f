// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package esprom

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// String returns the command name.
func (op Opcode) String() string {
	switch op {
	case OpFlashBegin:
		return "FLASH_BEGIN"
	case OpFlashData:
		return "FLASH_DATA"
	case OpFlashEnd:
		return "FLASH_END"
	case OpMemBegin:
		return "MEM_BEGIN"
	case OpMemEnd:
		return "MEM_END"
	case OpMemData:
		return "MEM_DATA"
	case OpSync:
		return "SYNC"
	case OpWriteReg:
		return "WRITE_REG"
	case OpReadReg:
		return "READ_REG"
	case OpSPISetParams:
		return "SPI_SET_PARAMS"
	case OpSPIAttach:
		return "SPI_ATTACH"
	case OpChangeBaud:
		return "CHANGE_BAUDRATE"
	case OpSPIFlashMD5:
		return "SPI_FLASH_MD5"
	case OpGetSecureInfo:
		return "GET_SECURITY_INFO"
	case OpEraseFlash:
		return "ERASE_FLASH"
	case OpEraseRegion:
		return "ERASE_REGION"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(op))
	}
}

// ErrorName returns a human-readable name for a device error code.
func ErrorName(code byte) string {
	switch code {
	case ErrCodeInvalidMessage:
		return "invalid message"
	case ErrCodeFailedToAct:
		return "failed to act"
	case ErrCodeInvalidCRC:
		return "invalid CRC"
	case ErrCodeFlashWrite:
		return "flash write error"
	case ErrCodeFlashRead:
		return "flash read error"
	case ErrCodeFlashReadLen:
		return "flash read length error"
	case ErrCodeDeflate:
		return "deflate error"
	default:
		return fmt.Sprintf("unknown error 0x%02X", code)
	}
}

// FormatRequest renders a request for packet traces.
func FormatRequest(req *Request) string {
	result := fmt.Sprintf("-> %s (0x%02X) len=%d chk=0x%02X", req.Op, uint8(req.Op), len(req.Data), req.Checksum)

	d := req.Data
	switch req.Op {
	case OpFlashBegin:
		if len(d) >= 16 {
			result += fmt.Sprintf(" erase=%d blocks=%d block_size=%d offset=0x%08X",
				le32(d[0:]), le32(d[4:]), le32(d[8:]), le32(d[12:]))
		}
	case OpFlashData, OpMemData:
		if len(d) >= BlockHeaderSize {
			result += fmt.Sprintf(" size=%d seq=%d", le32(d[0:]), le32(d[4:]))
		}
	case OpFlashEnd:
		if len(d) >= 4 {
			result += fmt.Sprintf(" reboot=%v", le32(d) == 0)
		}
	case OpReadReg:
		if len(d) >= 4 {
			result += fmt.Sprintf(" addr=0x%08X", le32(d))
		}
	case OpWriteReg:
		if len(d) >= 16 {
			result += fmt.Sprintf(" addr=0x%08X value=0x%08X mask=0x%08X delay=%dus",
				le32(d[0:]), le32(d[4:]), le32(d[8:]), le32(d[12:]))
		}
	case OpSPIFlashMD5:
		if len(d) >= 8 {
			result += fmt.Sprintf(" addr=0x%08X size=%d", le32(d[0:]), le32(d[4:]))
		}
	case OpChangeBaud:
		if len(d) >= 4 {
			result += fmt.Sprintf(" baud=%d", le32(d))
		}
	case OpSync:
		// Fixed payload, nothing worth printing
	default:
		if len(d) > 0 {
			result += "\n" + hexDump(d)
		}
	}

	return result
}

// FormatResponse renders a response for packet traces.
func FormatResponse(resp *Response) string {
	result := fmt.Sprintf("<- %s (0x%02X) value=0x%08X status=% X", resp.Op, uint8(resp.Op), resp.Value, resp.Status)
	if resp.Failed() {
		result += fmt.Sprintf(" (%s)", ErrorName(resp.ErrorCode()))
	}
	if len(resp.Data) > 0 {
		result += "\n" + hexDump(resp.Data)
	}
	return result
}

// hexDump formats bytes 16 per line, truncated after 64 bytes.
func hexDump(data []byte) string {
	var sb strings.Builder
	limit := len(data)
	if limit > 64 {
		limit = 64
	}
	sb.WriteString("   ")
	for i := 0; i < limit; i++ {
		if i > 0 && i%16 == 0 {
			sb.WriteString("\n   ")
		}
		fmt.Fprintf(&sb, " %02X", data[i])
	}
	if limit < len(data) {
		fmt.Fprintf(&sb, " ... (%d more)", len(data)-limit)
	}
	return sb.String()
}

func le32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}
