// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package esprom

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/Thermoquad/espflash/pkg/transport"
	"github.com/pkg/errors"
)

// baudSettleTime lets the ROM switch rates before the host does.
const baudSettleTime = 50 * time.Millisecond

func words(values ...uint32) []byte {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], v)
	}
	return data
}

// Sync performs the bootloader handshake. The ROM answers a successful SYNC
// with several identical replies; the extras are drained before returning.
func (c *Client) Sync(ctx context.Context) error {
	payload := SyncPayload()

	for attempt := 1; attempt <= c.syncAttempts; attempt++ {
		c.flushInput()
		if err := c.send(OpSync, payload); err != nil {
			return err
		}

		_, err := c.await(ctx, OpSync, c.syncTimeout)
		if err == nil {
			c.drain(c.syncTimeout, 1024)
			c.log.Debug().Int("attempt", attempt).Msg("Bootloader synced")
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !retryable(err) && !IsDeviceError(err) {
			return err
		}

		c.log.Debug().Int("attempt", attempt).Err(err).Msg("Sync attempt failed")
		if attempt < c.syncAttempts {
			if err := sleepCtx(ctx, c.syncInterval); err != nil {
				return err
			}
		}
	}

	return errors.Wrapf(ErrSyncFailed, "no response after %d attempts", c.syncAttempts)
}

// ReadReg reads a 32-bit register.
func (c *Client) ReadReg(ctx context.Context, addr uint32) (uint32, error) {
	resp, err := c.Command(ctx, OpReadReg, words(addr), c.timeout)
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

// WriteReg writes value under mask to a 32-bit register, then waits delayUS.
func (c *Client) WriteReg(ctx context.Context, addr, value, mask, delayUS uint32) error {
	_, err := c.Command(ctx, OpWriteReg, words(addr, value, mask, delayUS), c.timeout)
	return err
}

// SPIAttach attaches the default SPI flash pins.
func (c *Client) SPIAttach(ctx context.Context) error {
	_, err := c.Command(ctx, OpSPIAttach, words(0, 0), c.timeout)
	return err
}

// SPISetParams tells the ROM the flash geometry.
func (c *Client) SPISetParams(ctx context.Context, size uint32) error {
	data := words(0, size, FlashBlockSize, FlashSectorSize, FlashPageSize, 0xFFFF)
	_, err := c.Command(ctx, OpSPISetParams, data, c.timeout)
	return err
}

// FlashBegin erases eraseSize bytes at offset and prepares for blocks
// FLASH_DATA packets of blockSize. The erase is resent after a timeout up to
// the configured erase retries.
func (c *Client) FlashBegin(ctx context.Context, eraseSize, blocks, blockSize, offset uint32) error {
	params := []uint32{eraseSize, blocks, blockSize, offset}
	if c.chip != nil && c.chip.EncryptedFlag {
		params = append(params, 0)
	}
	data := words(params...)
	timeout := c.chip.EraseTimeout(eraseSize)

	var err error
	for attempt := 0; attempt <= c.eraseRetries; attempt++ {
		if attempt > 0 {
			c.settle(ctx, OpFlashBegin, c.timeout)
			c.count(func(s *Statistics) { s.Retries++ })
			c.log.Warn().Uint32("offset", offset).Int("attempt", attempt+1).Msg("Retrying erase")
		}
		_, err = c.Command(ctx, OpFlashBegin, data, timeout)
		if err == nil || !errors.Is(err, ErrTimeout) || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return errors.Wrapf(err, "flash begin at 0x%08X", offset)
	}
	return nil
}

// EraseRegion erases size bytes at addr. The ROM has no dedicated erase, so
// this is a FLASH_BEGIN announcing no data blocks.
func (c *Client) EraseRegion(ctx context.Context, addr, size uint32) error {
	return c.FlashBegin(ctx, size, 0, ROMWriteBlockSize, addr)
}

// FlashData writes one block. Lost or garbled acknowledgements cause the
// block to be resent with the same sequence number; device rejections are
// returned immediately. Acknowledgements are matched by opcode only, so a
// late reply to an earlier attempt is discarded before each resend, and
// any reply still owed after success is discarded before returning.
func (c *Client) FlashData(ctx context.Context, seq uint32, block []byte) error {
	data := make([]byte, 0, BlockHeaderSize+len(block))
	data = append(data, words(uint32(len(block)), seq, 0, 0)...)
	data = append(data, block...)

	var err error
	owed := 0
	for attempt := 0; attempt <= c.blockRetries; attempt++ {
		if attempt > 0 {
			owed = max(owed-c.settle(ctx, OpFlashData, c.timeout), 0)
			c.count(func(s *Statistics) { s.Retries++ })
			c.log.Debug().Uint32("seq", seq).Int("attempt", attempt+1).Err(err).Msg("Resending block")
		}
		_, err = c.Command(ctx, OpFlashData, data, c.timeout)
		if err == nil {
			if owed > 0 {
				if late := c.settle(ctx, OpFlashData, c.timeout); late > 0 {
					c.log.Debug().Uint32("seq", seq).Int("late", late).Msg("Discarded surplus acknowledgements")
				}
			}
			c.count(func(s *Statistics) { s.BytesWritten += uint64(len(block)) })
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		owed++
	}
	return errors.Wrapf(err, "block %d", seq)
}

// FlashEnd finishes a flash session. With reboot set the ROM resets into the
// application; otherwise it stays in the bootloader.
func (c *Client) FlashEnd(ctx context.Context, reboot bool) error {
	stay := uint32(1)
	if reboot {
		stay = 0
	}
	_, err := c.Command(ctx, OpFlashEnd, words(stay), c.timeout)
	return err
}

// RunApp leaves the bootloader and starts the flashed application. The ROM
// reboots before it can reply, so no response is awaited.
func (c *Client) RunApp(ctx context.Context) error {
	if err := c.FlashBegin(ctx, 0, 0, ROMWriteBlockSize, 0); err != nil {
		return err
	}
	return c.send(OpFlashEnd, words(0))
}

// FlashMD5 returns the MD5 digest of size bytes of flash at addr.
func (c *Client) FlashMD5(ctx context.Context, addr, size uint32) ([]byte, error) {
	timeout := scaledTimeout(MD5TimeoutPerMB, size)
	resp, err := c.Command(ctx, OpSPIFlashMD5, words(addr, size, 0, 0), timeout)
	if err != nil {
		return nil, err
	}

	switch len(resp.Data) {
	case 32:
		digest, err := hex.DecodeString(string(resp.Data))
		if err != nil {
			return nil, errors.Wrap(err, "decode MD5 response")
		}
		return digest, nil
	case 16:
		return resp.Data, nil
	default:
		return nil, errors.Errorf("unexpected MD5 response length %d", len(resp.Data))
	}
}

// ChangeBaud switches the link to baud. The transport must support rate
// changes.
func (c *Client) ChangeBaud(ctx context.Context, baud int) error {
	setter, ok := c.port.(transport.BaudSetter)
	if !ok {
		return ErrBaudUnsupported
	}

	// The ROM expects 0 as the current rate; only the stub uses it.
	if _, err := c.Command(ctx, OpChangeBaud, words(uint32(baud), 0), c.timeout); err != nil {
		return err
	}
	if err := setter.SetBaudRate(baud); err != nil {
		return errors.Wrapf(err, "set host baud rate %d", baud)
	}
	if err := sleepCtx(ctx, baudSettleTime); err != nil {
		return err
	}
	c.flushInput()
	c.log.Info().Int("baud", baud).Msg("Baud rate changed")
	return nil
}
