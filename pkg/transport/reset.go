// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import "time"

// Reset timing used by the entry sequences
const (
	ResetHoldTime = 100 * time.Millisecond
	BootHoldTime  = 50 * time.Millisecond
)

// sleep is replaced in tests
var sleep = time.Sleep

// line is one modem line step of a reset sequence.
type line struct {
	dtr, rts *bool
	wait     time.Duration
}

func set(dtr, rts *bool, wait time.Duration) line {
	return line{dtr: dtr, rts: rts, wait: wait}
}

var (
	high = func() *bool { v := true; return &v }()
	low  = func() *bool { v := false; return &v }()
)

func run(m ModemLines, seq []line) error {
	for _, step := range seq {
		if step.dtr != nil {
			if err := m.SetDTR(*step.dtr); err != nil {
				return err
			}
		}
		if step.rts != nil {
			if err := m.SetRTS(*step.rts); err != nil {
				return err
			}
		}
		if step.wait > 0 {
			sleep(step.wait)
		}
	}
	return nil
}

// ClassicReset pulls EN low while IO0 is held low through the usual
// two-transistor auto-reset circuit of external USB-UART adapters.
// Asserted RTS drives EN low, asserted DTR drives IO0 low.
func ClassicReset(m ModemLines) error {
	return run(m, []line{
		set(low, high, ResetHoldTime), // IO0 high, EN low
		set(high, low, BootHoldTime),  // IO0 low, EN high
		set(low, nil, 0),              // IO0 high, chip is in the loader
	})
}

// USBJTAGReset enters the bootloader through the builtin USB-JTAG-Serial
// peripheral, which maps DTR/RTS directly instead of through transistors.
func USBJTAGReset(m ModemLines) error {
	return run(m, []line{
		set(low, low, ResetHoldTime),
		set(high, low, ResetHoldTime), // IO0 low
		set(low, high, 0),             // reset, IO0 still latched low
		set(nil, high, ResetHoldTime),
		set(low, low, 0),
	})
}

// HardReset pulses EN to restart the target into its application.
func HardReset(m ModemLines, builtinUSB bool) error {
	if builtinUSB {
		return run(m, []line{
			set(nil, high, ResetHoldTime),
			set(nil, low, 0),
		})
	}
	return run(m, []line{
		set(low, high, ResetHoldTime),
		set(nil, low, 0),
	})
}

// EnterBootloader resets t into the ROM bootloader using the sequence that
// matches its USB capability. Transports without modem lines are left alone
// and false is returned.
func EnterBootloader(t Transport) (bool, error) {
	m, ok := t.(ModemLines)
	if !ok {
		return false, nil
	}

	var err error
	if IsBuiltinUSB(t) {
		err = USBJTAGReset(m)
	} else {
		err = ClassicReset(m)
	}
	if err != nil {
		return true, err
	}

	// Drop the boot banner printed while IO0 was sampled
	if f, ok := t.(InputFlusher); ok {
		if err := f.ResetInputBuffer(); err != nil {
			return true, err
		}
	}
	return true, nil
}
