// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flasher

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/Thermoquad/espflash/pkg/esprom"
	"github.com/Thermoquad/espflash/pkg/transport"
	"github.com/pkg/errors"
)

// imageAlign is the FLASH_DATA length granularity.
const imageAlign = 4

// padImage copies image and pads it with 0xFF to a multiple of imageAlign.
func padImage(image []byte) []byte {
	size := (len(image) + imageAlign - 1) / imageAlign * imageAlign
	data := make([]byte, size)
	copy(data, image)
	for i := len(image); i < size; i++ {
		data[i] = 0xFF
	}
	return data
}

func inRange(chip *esprom.Chip, addr uint32, size uint64) bool {
	return uint64(addr)+size <= uint64(chip.FlashSize)
}

func (f *Flasher) connect(ctx context.Context, identifier string) error {
	f.mu.Lock()
	state, live := f.state, f.port != nil
	name, prev := f.portName, f.session
	f.mu.Unlock()

	if live {
		if state != StateError {
			return newError(InvalidState, "connect", errors.Errorf("already connected to %s", name))
		}
		f.release(prev)
	}

	f.mu.Lock()
	f.session++
	id := f.session
	f.mu.Unlock()

	f.transition(id, StateConnecting)
	f.status(fmt.Sprintf("Opening %s", identifier))

	port, err := f.opener(identifier)
	if err != nil {
		return f.fail(id, newError(TransportUnavailable, "connect", err))
	}

	opts := append([]esprom.Option{esprom.WithLogger(f.log)}, f.clientOpts...)
	client := esprom.NewClient(port, opts...)

	f.mu.Lock()
	if id != f.session {
		f.mu.Unlock()
		_ = port.Close()
		return newError(Cancelled, "connect", context.Canceled)
	}
	f.port = port
	f.portName = identifier
	f.builtinUSB = transport.IsBuiltinUSB(port)
	f.client = client
	f.mu.Unlock()

	chip, err := f.handshake(ctx, id, client, port)
	if err != nil {
		f.release(id)
		return f.fail(id, classify("connect", err))
	}

	f.mu.Lock()
	if id == f.session {
		f.chip = chip
	}
	f.mu.Unlock()

	f.transition(id, StateReady)
	f.status(fmt.Sprintf("Connected to %s", chip.Name()))
	return nil
}

func (f *Flasher) handshake(ctx context.Context, id uint64, client *esprom.Client, port transport.Transport) (*esprom.Chip, error) {
	if !f.noReset {
		usb := transport.IsBuiltinUSB(port)
		reset, err := transport.EnterBootloader(port)
		if err != nil {
			return nil, newError(TransportUnavailable, "reset", err)
		}
		if reset {
			f.log.Debug().Bool("builtin_usb", usb).Msg("Reset into bootloader")
		}
	}

	f.transition(id, StateSyncing)
	f.status("Syncing with bootloader")
	if err := client.Sync(ctx); err != nil {
		return nil, err
	}

	f.transition(id, StateIdentifying)
	chip, err := client.Identify(ctx)
	if err != nil {
		return nil, err
	}
	if chip.StubRequired {
		return nil, newError(UnknownChip, "identify", errors.Errorf("%s can only be flashed through the stub loader", chip.Name()))
	}

	if f.flashSize > 0 {
		resized := *chip
		resized.FlashSize = f.flashSize
		chip = &resized
		client.SetChip(chip)
	}

	if chip.NeedsSPIAttach {
		if err := client.SPIAttach(ctx); err != nil {
			return nil, errors.Wrap(err, "attach SPI flash")
		}
		if err := client.SPISetParams(ctx, chip.FlashSize); err != nil {
			return nil, errors.Wrap(err, "set SPI flash parameters")
		}
	}

	if f.flashBaud > 0 {
		if _, ok := port.(transport.BaudSetter); ok {
			if err := client.ChangeBaud(ctx, f.flashBaud); err != nil {
				return nil, err
			}
		} else {
			f.log.Warn().Int("baud", f.flashBaud).Msg("Transport has a fixed rate, keeping current baud")
		}
	}

	return chip, nil
}

// release closes the session's transport but keeps the current state.
func (f *Flasher) release(id uint64) {
	f.mu.Lock()
	if id != f.session {
		f.mu.Unlock()
		return
	}
	port := f.port
	f.port = nil
	f.client = nil
	f.chip = nil
	f.portName = ""
	f.builtinUSB = false
	f.mu.Unlock()

	if port != nil {
		_ = port.Close()
	}
}

// ready returns the session a job runs on. Sessions left in Error by a
// failed job are re-synced first.
func (f *Flasher) ready(ctx context.Context, op string) (session, error) {
	s := f.current()
	if s.client == nil || s.chip == nil {
		return s, newError(InvalidState, op, errors.Errorf("not connected (state %s)", s.state))
	}

	switch {
	case s.state.acceptsJobs():
		return s, nil
	case s.state == StateError:
		f.transition(s.id, StateSyncing)
		f.status("Re-syncing with bootloader")
		if err := s.client.Sync(ctx); err != nil {
			return s, f.fail(s.id, classify(op, err))
		}
		f.transition(s.id, StateReady)
		return s, nil
	default:
		return s, newError(InvalidState, op, errors.Errorf("busy (state %s)", s.state))
	}
}

func (f *Flasher) eraseFlash(ctx context.Context, addr, length uint32) error {
	const op = "erase"

	s := f.current()
	if s.chip == nil {
		return newError(InvalidState, op, errors.New("not connected"))
	}
	if length == 0 {
		return newError(InvalidArgument, op, errors.New("erase length is zero"))
	}
	sector := s.chip.SectorSize
	if addr%sector != 0 {
		return newError(InvalidArgument, op, errors.Errorf("address 0x%08X is not aligned to the 0x%X sector size", addr, sector))
	}
	size := (uint64(length) + uint64(sector) - 1) / uint64(sector) * uint64(sector)
	if !inRange(s.chip, addr, size) {
		return newError(AddressOutOfRange, op, errors.Errorf("0x%08X+0x%X exceeds %d byte flash", addr, size, s.chip.FlashSize)).at(addr, 0)
	}

	s, err := f.ready(ctx, op)
	if err != nil {
		return err
	}

	f.transition(s.id, StateErasing)
	f.progress(0, "Erasing")
	f.status(fmt.Sprintf("Erasing %d bytes at 0x%08X", size, addr))

	if err := s.client.EraseRegion(ctx, addr, uint32(size)); err != nil {
		return f.fail(s.id, classify(op, err).at(addr, 0))
	}

	f.progress(1, "Erased")
	f.transition(s.id, StateReady)
	return nil
}

func (f *Flasher) readRegister(ctx context.Context, addr uint32) (uint32, error) {
	const op = "read_reg"

	if addr%4 != 0 {
		return 0, newError(InvalidArgument, op, errors.Errorf("register 0x%08X is not word aligned", addr))
	}
	s, err := f.ready(ctx, op)
	if err != nil {
		return 0, err
	}

	value, err := s.client.ReadReg(ctx, addr)
	if err != nil {
		return 0, f.fail(s.id, classify(op, err).at(addr, 0))
	}
	return value, nil
}

func (f *Flasher) writeRegister(ctx context.Context, addr, value, mask uint32) error {
	const op = "write_reg"

	if addr%4 != 0 {
		return newError(InvalidArgument, op, errors.Errorf("register 0x%08X is not word aligned", addr))
	}
	s, err := f.ready(ctx, op)
	if err != nil {
		return err
	}

	if err := s.client.WriteReg(ctx, addr, value, mask, 0); err != nil {
		return f.fail(s.id, classify(op, err).at(addr, 0))
	}
	f.log.Debug().
		Str("address", fmt.Sprintf("0x%08X", addr)).
		Str("value", fmt.Sprintf("0x%08X", value)).
		Str("mask", fmt.Sprintf("0x%08X", mask)).
		Msg("Register written")
	return nil
}

// flashFirmware writes data (the padded image) at addr. size is the
// unpadded image length progress is measured against.
func (f *Flasher) flashFirmware(ctx context.Context, data []byte, size int, addr uint32) error {
	const op = "flash"

	s := f.current()
	if s.chip == nil {
		return newError(InvalidState, op, errors.New("not connected"))
	}
	if size == 0 {
		return newError(InvalidArgument, op, errors.New("image is empty"))
	}
	if addr%imageAlign != 0 {
		return newError(InvalidArgument, op, errors.Errorf("address 0x%08X is not %d byte aligned", addr, imageAlign))
	}
	if !inRange(s.chip, addr, uint64(len(data))) {
		return newError(AddressOutOfRange, op, errors.Errorf("0x%08X+0x%X exceeds %d byte flash", addr, len(data), s.chip.FlashSize)).at(addr, 0)
	}

	s, err := f.ready(ctx, op)
	if err != nil {
		return err
	}
	s.client.ResetStats()

	blockSize := int(s.chip.MaxBlockSize)
	blocks := (len(data) + blockSize - 1) / blockSize

	f.transition(s.id, StateErasing)
	f.progress(0, "Erasing")
	f.status(fmt.Sprintf("Erasing %d bytes at 0x%08X", len(data), addr))

	if err := s.client.FlashBegin(ctx, uint32(len(data)), uint32(blocks), uint32(blockSize), addr); err != nil {
		return f.fail(s.id, classify(op, err).at(addr, 0))
	}

	f.transition(s.id, StateWriting)
	f.status(fmt.Sprintf("Writing %d blocks of %d bytes", blocks, blockSize))

	for seq := 0; seq < blocks; seq++ {
		start := seq * blockSize
		end := min(start+blockSize, len(data))
		where := addr + uint32(start)

		if err := ctx.Err(); err != nil {
			return f.fail(s.id, newError(Cancelled, op, err).at(where, uint32(start)))
		}
		if err := s.client.FlashData(ctx, uint32(seq), data[start:end]); err != nil {
			return f.fail(s.id, classify(op, err).at(where, uint32(start)))
		}

		f.progress(float64(min(end, size))/float64(size), "Writing")
	}

	if f.verify {
		if err := f.verifyImage(ctx, s, data, addr); err != nil {
			return err
		}
	}

	f.transition(s.id, StateDone)
	f.progress(1, "Done")

	stats := s.client.Stats()
	f.log.Info().
		Int("bytes", size).
		Str("address", fmt.Sprintf("0x%08X", addr)).
		Uint64("retries", stats.Retries).
		Msg("Flash complete")
	return nil
}

func (f *Flasher) verifyImage(ctx context.Context, s session, data []byte, addr uint32) error {
	const op = "verify"

	if !s.chip.SupportsMD5 {
		f.status(fmt.Sprintf("%s cannot report flash MD5, skipping verify", s.chip.Name()))
		return nil
	}

	f.transition(s.id, StateVerifying)
	f.status("Verifying")

	digest, err := s.client.FlashMD5(ctx, addr, uint32(len(data)))
	if err != nil {
		return f.fail(s.id, classify(op, err).at(addr, 0))
	}

	want := md5.Sum(data)
	if !bytes.Equal(digest, want[:]) {
		verr := &esprom.VerifyError{
			Address:  addr,
			Size:     uint32(len(data)),
			Expected: hex.EncodeToString(want[:]),
			Actual:   hex.EncodeToString(digest),
		}
		return f.fail(s.id, classify(op, verr).at(addr, 0))
	}

	f.status("Verified " + hex.EncodeToString(digest))
	return nil
}

func (f *Flasher) runApp(ctx context.Context) error {
	const op = "run"

	s, err := f.ready(ctx, op)
	if err != nil {
		return err
	}

	f.status("Starting application")
	if err := s.client.RunApp(ctx); err != nil {
		return f.fail(s.id, classify(op, err))
	}

	return f.Disconnect()
}
