// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package romsim simulates an ESP ROM bootloader on the far end of an
// in-memory transport. Faults such as lost or garbled acknowledgements can be
// injected per block.
package romsim

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/Thermoquad/espflash/pkg/esprom"
	"github.com/Thermoquad/espflash/pkg/slip"
	"github.com/Thermoquad/espflash/pkg/transport"
	"github.com/pkg/errors"
)

// Config describes the simulated chip and the faults to inject.
type Config struct {
	// Magic is returned for the chip detect register.
	Magic uint32
	// StatusLen is the status trailer length (default 4).
	StatusLen int

	// IgnoreSyncs drops this many SYNC requests before answering.
	IgnoreSyncs int
	// Unresponsive drops every request.
	Unresponsive bool
	// SyncReplies is the number of replies per accepted SYNC (default 1).
	SyncReplies int

	// DropAcks, GarbleAcks and WrongOpAcks map a FLASH_DATA sequence number
	// to how many of its acknowledgements are lost, corrupted, or sent with
	// the wrong opcode. The data is still written.
	DropAcks    map[uint32]int
	GarbleAcks  map[uint32]int
	WrongOpAcks map[uint32]int
	// RejectBlocks rejects a sequence number with the given error code.
	RejectBlocks map[uint32]byte

	// DropErases drops this many FLASH_BEGIN requests.
	DropErases int
	// GarbleErases answers this many FLASH_BEGIN requests with a malformed
	// frame instead of a reply.
	GarbleErases int
	// FailOps rejects every request with the opcode using the error code.
	FailOps map[esprom.Opcode]byte

	// RawMD5 answers SPI_FLASH_MD5 with 16 raw bytes instead of 32 hex chars.
	RawMD5 bool
	// CorruptMD5 flips the reported digest.
	CorruptMD5 bool

	// OnBlock is called from the device goroutine before a block is acked.
	OnBlock func(seq uint32)
}

// Write records one FLASH_DATA block as seen by the device.
type Write struct {
	Offset uint32
	Seq    uint32
	Data   []byte
}

// Erase records one erased region.
type Erase struct {
	Offset uint32
	Size   uint32
}

// Device is a running simulated bootloader.
type Device struct {
	cfg  Config
	port *transport.PipeEnd
	done chan struct{}

	mu          sync.Mutex
	ops         []esprom.Opcode
	writes      []Write
	erases      []Erase
	flash       map[uint32]byte
	regs        map[uint32]uint32
	beginOffset uint32
	blockSize   uint32
	baud        uint32
	rebooted    bool
}

// Start runs a simulated device and returns it with the host side of the link.
func Start(cfg Config) (*Device, *transport.PipeEnd) {
	if cfg.StatusLen == 0 {
		cfg.StatusLen = 4
	}
	if cfg.SyncReplies == 0 {
		cfg.SyncReplies = 1
	}

	host, dev := transport.NewPipe()
	d := &Device{
		cfg:   cfg,
		port:  dev,
		done:  make(chan struct{}),
		flash: make(map[uint32]byte),
		regs:  make(map[uint32]uint32),
	}
	go d.run()
	return d, host
}

// Close stops the device and closes the link.
func (d *Device) Close() error {
	err := d.port.Close()
	<-d.done
	return err
}

// Ops returns the opcodes of every valid request received, in order.
func (d *Device) Ops() []esprom.Opcode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]esprom.Opcode(nil), d.ops...)
}

// Count returns how many requests with op were received.
func (d *Device) Count(op esprom.Opcode) int {
	n := 0
	for _, o := range d.Ops() {
		if o == op {
			n++
		}
	}
	return n
}

// Writes returns every FLASH_DATA block received, retries included.
func (d *Device) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

// Erases returns every erased region.
func (d *Device) Erases() []Erase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Erase(nil), d.erases...)
}

// Rebooted reports whether FLASH_END asked the device to run the application.
func (d *Device) Rebooted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rebooted
}

// Baud returns the rate requested by the last CHANGE_BAUD, 0 if none.
func (d *Device) Baud() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baud
}

// Register returns the value last written to addr, 0 if never written.
func (d *Device) Register(addr uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[addr]
}

// ReadFlash returns size bytes of simulated flash at addr. Unwritten bytes
// read as 0xFF.
func (d *Device) ReadFlash(addr, size uint32) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readFlash(addr, size)
}

// Preload fills flash without recording a write.
func (d *Device) Preload(addr uint32, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, b := range data {
		d.flash[addr+uint32(i)] = b
	}
}

func (d *Device) readFlash(addr, size uint32) []byte {
	out := make([]byte, size)
	for i := range out {
		b, ok := d.flash[addr+uint32(i)]
		if !ok {
			b = 0xFF
		}
		out[i] = b
	}
	return out
}

func (d *Device) run() {
	defer close(d.done)
	decoder := slip.NewDecoder()

	for {
		b, err := d.port.ReadByteTimeout(10 * time.Millisecond)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			return
		}

		frame, err := decoder.DecodeByte(b)
		if err != nil || frame == nil {
			continue
		}

		req, err := esprom.DecodeRequest(frame)
		if req == nil {
			continue
		}
		if err != nil {
			d.reply(req.Op, 0, nil, d.status(esprom.ErrCodeInvalidCRC))
			continue
		}
		d.handle(req)
	}
}

// take consumes one unit of a per-key fault budget.
func take(m map[uint32]int, key uint32) bool {
	if m[key] > 0 {
		m[key]--
		return true
	}
	return false
}

func (d *Device) status(code byte) []byte {
	s := make([]byte, d.cfg.StatusLen)
	if code != 0 {
		s[0] = 1
		s[1] = code
	}
	return s
}

func (d *Device) reply(op esprom.Opcode, value uint32, data []byte, status []byte) {
	_, _ = d.port.Write(slip.Encode(esprom.EncodeResponse(op, value, data, status)))
}

// garble sends a frame with an invalid escape sequence.
func (d *Device) garble() {
	_, _ = d.port.Write([]byte{slip.End, esprom.DirResponse, slip.Esc, 0x42, slip.End})
}

func (d *Device) ok(op esprom.Opcode, value uint32, data []byte) {
	d.reply(op, value, data, d.status(0))
}

func word(data []byte, i int) uint32 {
	if len(data) < 4*(i+1) {
		return 0
	}
	return binary.LittleEndian.Uint32(data[4*i:])
}

func (d *Device) handle(req *esprom.Request) {
	d.mu.Lock()
	d.ops = append(d.ops, req.Op)
	d.mu.Unlock()

	if d.cfg.Unresponsive {
		return
	}
	if code, ok := d.cfg.FailOps[req.Op]; ok {
		d.reply(req.Op, 0, nil, d.status(code))
		return
	}

	switch req.Op {
	case esprom.OpSync:
		if d.cfg.IgnoreSyncs > 0 {
			d.cfg.IgnoreSyncs--
			return
		}
		for i := 0; i < d.cfg.SyncReplies; i++ {
			d.ok(req.Op, 0, nil)
		}

	case esprom.OpReadReg:
		addr := word(req.Data, 0)
		d.mu.Lock()
		value := d.regs[addr]
		d.mu.Unlock()
		if addr == esprom.ChipDetectMagicReg {
			value = d.cfg.Magic
		}
		d.ok(req.Op, value, nil)

	case esprom.OpWriteReg:
		addr, value, mask := word(req.Data, 0), word(req.Data, 1), word(req.Data, 2)
		d.mu.Lock()
		d.regs[addr] = d.regs[addr]&^mask | value&mask
		d.mu.Unlock()
		d.ok(req.Op, 0, nil)

	case esprom.OpFlashBegin:
		if d.cfg.DropErases > 0 {
			d.cfg.DropErases--
			return
		}
		if d.cfg.GarbleErases > 0 {
			d.cfg.GarbleErases--
			d.garble()
			return
		}
		size, offset := word(req.Data, 0), word(req.Data, 3)
		d.mu.Lock()
		d.beginOffset = offset
		d.blockSize = word(req.Data, 2)
		if size > 0 {
			d.erases = append(d.erases, Erase{Offset: offset, Size: size})
			for addr := range d.flash {
				if addr >= offset && addr-offset < size {
					delete(d.flash, addr)
				}
			}
		}
		d.mu.Unlock()
		d.ok(req.Op, 0, nil)

	case esprom.OpFlashData:
		d.handleFlashData(req)

	case esprom.OpFlashEnd:
		if word(req.Data, 0) == 0 {
			d.mu.Lock()
			d.rebooted = true
			d.mu.Unlock()
			return
		}
		d.ok(req.Op, 0, nil)

	case esprom.OpSPIFlashMD5:
		addr, size := word(req.Data, 0), word(req.Data, 1)
		d.mu.Lock()
		sum := md5.Sum(d.readFlash(addr, size))
		d.mu.Unlock()
		if d.cfg.CorruptMD5 {
			sum[0] ^= 0xFF
		}
		if d.cfg.RawMD5 {
			d.ok(req.Op, 0, sum[:])
		} else {
			d.ok(req.Op, 0, []byte(hex.EncodeToString(sum[:])))
		}

	case esprom.OpChangeBaud:
		d.mu.Lock()
		d.baud = word(req.Data, 0)
		d.mu.Unlock()
		d.ok(req.Op, 0, nil)

	case esprom.OpSPIAttach, esprom.OpSPISetParams:
		d.ok(req.Op, 0, nil)

	default:
		d.reply(req.Op, 0, nil, d.status(esprom.ErrCodeInvalidMessage))
	}
}

func (d *Device) handleFlashData(req *esprom.Request) {
	if len(req.Data) < esprom.BlockHeaderSize {
		d.reply(req.Op, 0, nil, d.status(esprom.ErrCodeInvalidMessage))
		return
	}
	size, seq := word(req.Data, 0), word(req.Data, 1)
	block := req.Data[esprom.BlockHeaderSize:]
	if int(size) != len(block) {
		d.reply(req.Op, 0, nil, d.status(esprom.ErrCodeInvalidMessage))
		return
	}

	if code, ok := d.cfg.RejectBlocks[seq]; ok {
		d.reply(req.Op, 0, nil, d.status(code))
		return
	}

	d.mu.Lock()
	offset := d.beginOffset + seq*d.blockSize
	d.writes = append(d.writes, Write{Offset: offset, Seq: seq, Data: append([]byte(nil), block...)})
	for i, b := range block {
		d.flash[offset+uint32(i)] = b
	}
	d.mu.Unlock()

	if d.cfg.OnBlock != nil {
		d.cfg.OnBlock(seq)
	}

	switch {
	case take(d.cfg.DropAcks, seq):
	case take(d.cfg.GarbleAcks, seq):
		d.garble()
	case take(d.cfg.WrongOpAcks, seq):
		d.ok(esprom.OpSync, 0, nil)
	default:
		d.ok(req.Op, 0, nil)
	}
}
