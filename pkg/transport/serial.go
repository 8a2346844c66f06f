// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultBaudRate is the rate the ROM bootloader autobauds to after reset.
const DefaultBaudRate = 115200

// Espressif USB-JTAG-Serial identifiers
const (
	espressifVID     = "303A"
	usbJTAGSerialPID = "1001"
)

// Serial wraps a serial port with a small read buffer so that single bytes
// can be served without a syscall each.
type Serial struct {
	port       serial.Port
	name       string
	builtinUSB bool

	buf     []byte
	bufPos  int
	bufLen  int
	timeout time.Duration
}

// OpenSerial opens a serial port at baudRate, 8N1. builtinUSB overrides
// the USB-JTAG-Serial detection when non-nil.
func OpenSerial(portName string, baudRate int, builtinUSB *bool) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "open serial port %s: %v", portName, err)
	}

	s := &Serial{
		port: port,
		name: portName,
		buf:  make([]byte, 256),
	}
	if builtinUSB != nil {
		s.builtinUSB = *builtinUSB
	} else {
		s.builtinUSB = isUSBJTAGSerial(portName)
	}

	return s, nil
}

// ReadByteTimeout implements Transport.
func (s *Serial) ReadByteTimeout(timeout time.Duration) (byte, error) {
	if s.bufPos < s.bufLen {
		b := s.buf[s.bufPos]
		s.bufPos++
		return b, nil
	}

	if timeout <= 0 {
		timeout = time.Millisecond
	}
	if timeout != s.timeout {
		if err := s.port.SetReadTimeout(timeout); err != nil {
			return 0, errors.Wrap(err, "set read timeout")
		}
		s.timeout = timeout
	}

	n, err := s.port.Read(s.buf)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrTimeout
	}

	s.bufPos = 1
	s.bufLen = n
	return s.buf[0], nil
}

func (s *Serial) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *Serial) Close() error {
	return s.port.Close()
}

// SetDTR implements ModemLines.
func (s *Serial) SetDTR(dtr bool) error {
	return s.port.SetDTR(dtr)
}

// SetRTS implements ModemLines.
func (s *Serial) SetRTS(rts bool) error {
	return s.port.SetRTS(rts)
}

// SetBaudRate implements BaudSetter.
func (s *Serial) SetBaudRate(baud int) error {
	return s.port.SetMode(&serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// ResetInputBuffer implements InputFlusher.
func (s *Serial) ResetInputBuffer() error {
	s.bufPos, s.bufLen = 0, 0
	return s.port.ResetInputBuffer()
}

// BuiltinUSB implements USBCapability.
func (s *Serial) BuiltinUSB() bool {
	return s.builtinUSB
}

// Name returns the device path the port was opened with.
func (s *Serial) Name() string {
	return s.name
}

// PortInfo describes an enumerated serial port.
type PortInfo struct {
	Name       string
	IsUSB      bool
	VID        string
	PID        string
	Serial     string
	Product    string
	BuiltinUSB bool
}

// ListPorts enumerates serial ports with their USB identifiers.
func ListPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate serial ports")
	}

	infos := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		infos = append(infos, PortInfo{
			Name:       p.Name,
			IsUSB:      p.IsUSB,
			VID:        p.VID,
			PID:        p.PID,
			Serial:     p.SerialNumber,
			Product:    p.Product,
			BuiltinUSB: p.IsUSB && matchesUSBJTAGSerial(p.VID, p.PID),
		})
	}
	return infos, nil
}

// isUSBJTAGSerial looks the port up by name and checks its VID/PID.
func isUSBJTAGSerial(portName string) bool {
	ports, err := ListPorts()
	if err != nil {
		return false
	}
	for _, p := range ports {
		if p.Name == portName {
			return p.BuiltinUSB
		}
	}
	return false
}

func matchesUSBJTAGSerial(vid, pid string) bool {
	return strings.EqualFold(vid, espressifVID) && strings.EqualFold(pid, usbJTAGSerialPID)
}
