// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Thermoquad/espflash/pkg/esprom"
	"github.com/Thermoquad/espflash/pkg/slip"
	"github.com/Thermoquad/espflash/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const monitorPollInterval = 100 * time.Millisecond

var (
	monitorReset bool
	monitorSLIP  bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Display serial output of the target",
	Long: `Continuously print what the target sends until Ctrl+C.

By default bytes are copied to stdout unchanged, which shows the boot log and
application console. With --slip the stream is decoded as bootloader frames
and each request or response is printed in human-readable form, which is
useful when sniffing another flasher through a WebSocket bridge.

Supports both serial and WebSocket connections.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&monitorReset, "reset", false, "Hard reset the target before monitoring")
	monitorCmd.Flags().BoolVar(&monitorSLIP, "slip", false, "Decode bootloader frames instead of printing raw bytes")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	identifier, err := resolveTarget()
	if err != nil {
		return err
	}
	opts, err := transportOptions(cmd)
	if err != nil {
		return err
	}

	t, err := transport.Open(identifier, opts)
	if err != nil {
		return err
	}
	defer t.Close()

	fmt.Fprintf(os.Stderr, "espflash - Monitor\n")
	fmt.Fprintf(os.Stderr, "Connection: %s\n", describeTarget(identifier))
	fmt.Fprintf(os.Stderr, "Press Ctrl+C to exit\n\n")

	if monitorReset {
		m, ok := t.(transport.ModemLines)
		if !ok {
			return errors.New("--reset needs a serial port with modem lines")
		}
		if err := transport.HardReset(m, transport.IsBuiltinUSB(t)); err != nil {
			return errors.Wrap(err, "reset")
		}
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	sink := rawSink(out)
	if monitorSLIP {
		sink = frameSink(out)
	}

	ctx := cmd.Context()
	for ctx.Err() == nil {
		b, err := t.ReadByteTimeout(monitorPollInterval)
		if errors.Is(err, transport.ErrTimeout) {
			out.Flush()
			continue
		}
		if errors.Is(err, transport.ErrClosed) {
			log.Info().Msg("Connection closed")
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read")
		}
		sink(b)
	}
	return nil
}

func rawSink(w io.ByteWriter) func(byte) {
	return func(b byte) {
		_ = w.WriteByte(b)
	}
}

// frameSink decodes SLIP frames and prints each one as a bootloader packet.
func frameSink(w io.Writer) func(byte) {
	decoder := slip.NewDecoder()
	return func(b byte) {
		frame, err := decoder.DecodeByte(b)
		if err != nil {
			fmt.Fprintf(w, "[ERROR] %v\n", err)
			return
		}
		if frame != nil {
			fmt.Fprintln(w, formatFrame(frame))
		}
	}
}

// formatFrame renders a decoded frame by its direction byte.
func formatFrame(frame []byte) string {
	if len(frame) > 0 && frame[0] == esprom.DirRequest {
		req, err := esprom.DecodeRequest(frame)
		if err != nil {
			return fmt.Sprintf("[ERROR] %v", err)
		}
		return esprom.FormatRequest(req)
	}

	resp, err := esprom.DecodeResponse(frame, 0)
	if err != nil {
		return fmt.Sprintf("[ERROR] %v", err)
	}
	return esprom.FormatResponse(resp)
}
