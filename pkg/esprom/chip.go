// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package esprom

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ChipType identifies a chip variant.
type ChipType int

// Known chip variants
const (
	ChipUnknown ChipType = iota
	ChipESP8266
	ChipESP32
	ChipESP32S2
	ChipESP32S3
	ChipESP32C3
	ChipESP32C2
	ChipESP32C6
	ChipESP32H2
)

func (c ChipType) String() string {
	switch c {
	case ChipESP8266:
		return "ESP8266"
	case ChipESP32:
		return "ESP32"
	case ChipESP32S2:
		return "ESP32-S2"
	case ChipESP32S3:
		return "ESP32-S3"
	case ChipESP32C3:
		return "ESP32-C3"
	case ChipESP32C2:
		return "ESP32-C2"
	case ChipESP32C6:
		return "ESP32-C6"
	case ChipESP32H2:
		return "ESP32-H2"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(c))
	}
}

// Chip describes the flash geometry and protocol quirks of one variant.
// Descriptors are shared; treat them as read-only.
type Chip struct {
	Type  ChipType
	Magic []uint32

	PageSize     uint32
	SectorSize   uint32
	MaxBlockSize uint32
	FlashSize    uint32 // addressable bytes

	// StatusLen is the length of the response status trailer.
	StatusLen int

	NeedsSPIAttach bool
	SupportsMD5    bool
	StubRequired   bool

	// EncryptedFlag appends the encryption word to the ROM's FLASH_BEGIN.
	EncryptedFlag bool

	EraseTimeoutPerMB time.Duration
}

// Name returns the marketing name of the chip.
func (c *Chip) Name() string {
	return c.Type.String()
}

// EraseTimeout scales the erase timeout with the erased size, never going
// below DefaultTimeout.
func (c *Chip) EraseTimeout(size uint32) time.Duration {
	perMB := EraseTimeoutPerMB
	if c != nil && c.EraseTimeoutPerMB > 0 {
		perMB = c.EraseTimeoutPerMB
	}
	return scaledTimeout(perMB, size)
}

// ContainsRange reports whether [addr, addr+length) lies inside the
// addressable flash.
func (c *Chip) ContainsRange(addr, length uint32) bool {
	end := uint64(addr) + uint64(length)
	return end <= uint64(c.FlashSize)
}

func scaledTimeout(perMB time.Duration, size uint32) time.Duration {
	t := time.Duration(float64(perMB) * float64(size) / 1e6)
	if t < DefaultTimeout {
		return DefaultTimeout
	}
	return t
}

func esp32Family(t ChipType, encrypted bool, magic ...uint32) *Chip {
	return &Chip{
		Type:              t,
		Magic:             magic,
		PageSize:          FlashPageSize,
		SectorSize:        FlashSectorSize,
		MaxBlockSize:      ROMWriteBlockSize,
		FlashSize:         16 * 1024 * 1024,
		StatusLen:         4,
		NeedsSPIAttach:    true,
		SupportsMD5:       true,
		EncryptedFlag:     encrypted,
		EraseTimeoutPerMB: EraseTimeoutPerMB,
	}
}

// KnownChips returns fresh descriptors for every supported variant.
func KnownChips() []*Chip {
	return []*Chip{
		{
			Type:              ChipESP8266,
			Magic:             []uint32{0xFFF0C101},
			PageSize:          FlashPageSize,
			SectorSize:        FlashSectorSize,
			MaxBlockSize:      ROMWriteBlockSize,
			FlashSize:         16 * 1024 * 1024,
			StatusLen:         2,
			EraseTimeoutPerMB: EraseTimeoutPerMB,
		},
		esp32Family(ChipESP32, false, 0x00F01D83),
		esp32Family(ChipESP32S2, true, 0x000007C6),
		esp32Family(ChipESP32S3, true, 0x00000009),
		esp32Family(ChipESP32C3, true, 0x6921506F, 0x1B31506F, 0x4881606F, 0x4361606F),
		esp32Family(ChipESP32C2, true, 0x6F51306F, 0x7C41A06F),
		esp32Family(ChipESP32C6, true, 0x2CE0806F),
		esp32Family(ChipESP32H2, true, 0xD7B73E80),
	}
}

// Registry maps detect magic values to chip descriptors.
type Registry struct {
	chips   []*Chip
	byMagic map[uint32]*Chip
}

// NewRegistry builds a registry. Each magic value may belong to one chip only.
func NewRegistry(chips ...*Chip) (*Registry, error) {
	r := &Registry{byMagic: make(map[uint32]*Chip)}
	for _, chip := range chips {
		if len(chip.Magic) == 0 {
			return nil, errors.Errorf("chip %s has no detect magic", chip.Name())
		}
		for _, magic := range chip.Magic {
			if prev, ok := r.byMagic[magic]; ok {
				return nil, errors.Errorf("detect magic 0x%08X registered for both %s and %s", magic, prev.Name(), chip.Name())
			}
			r.byMagic[magic] = chip
		}
		r.chips = append(r.chips, chip)
	}
	return r, nil
}

// DefaultRegistry holds every chip in KnownChips.
var DefaultRegistry = mustRegistry(KnownChips()...)

func mustRegistry(chips ...*Chip) *Registry {
	r, err := NewRegistry(chips...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the chip registered for magic, or an *UnknownChipError.
func (r *Registry) Lookup(magic uint32) (*Chip, error) {
	chip, ok := r.byMagic[magic]
	if !ok {
		return nil, &UnknownChipError{Magic: magic}
	}
	return chip, nil
}

// Chips returns the registered descriptors in registration order.
func (r *Registry) Chips() []*Chip {
	out := make([]*Chip, len(r.chips))
	copy(out, r.chips)
	return out
}

// Identify reads the detect magic register and resolves the chip. On success
// the client adopts the chip's status trailer length.
func (c *Client) Identify(ctx context.Context) (*Chip, error) {
	magic, err := c.ReadReg(ctx, ChipDetectMagicReg)
	if err != nil {
		return nil, errors.Wrap(err, "read chip detect magic")
	}

	chip, err := c.registry.Lookup(magic)
	if err != nil {
		c.log.Warn().Str("magic", fmt.Sprintf("0x%08X", magic)).Msg("Unrecognized chip")
		return nil, err
	}

	c.SetChip(chip)
	c.log.Info().Str("chip", chip.Name()).Str("magic", fmt.Sprintf("0x%08X", magic)).Msg("Chip identified")
	return chip, nil
}
