// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/espflash/pkg/flasher"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	syncTestTimeout int
)

var syncTestCmd = &cobra.Command{
	Use:   "sync_test",
	Short: "Test the connection by synchronising with the bootloader",
	Long: `Reset the target into its ROM bootloader and try to synchronise until
the timeout. Each attempt resets the target and sends up to --sync-attempts
SYNC packets; failed attempts are repeated until one succeeds, the timeout
is reached, or the error cannot be fixed by retrying.

Exit codes:
  0 - Bootloader synchronised and identified
  1 - Sync failed or timeout reached
  2 - Connection error

Useful for testing wiring, auto-reset circuits and WebSocket bridges.`,
	Args: cobra.NoArgs,
	RunE: runSyncTest,
}

func init() {
	rootCmd.AddCommand(syncTestCmd)
	syncTestCmd.Flags().IntVar(&syncTestTimeout, "timeout", 10, "Timeout in seconds to wait for the bootloader")
}

func runSyncTest(cmd *cobra.Command, args []string) error {
	identifier, err := resolveTarget()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	f, err := newFlasher(cmd, log.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("espflash - Sync Test\n")
	fmt.Printf("Connection: %s\n", describeTarget(identifier))
	fmt.Printf("Timeout: %d seconds\n", syncTestTimeout)
	fmt.Printf("Waiting for bootloader...\n\n")

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(syncTestTimeout)*time.Second)
	defer cancel()

	attempts, err := syncUntil(ctx, func(ctx context.Context) error {
		return f.Connect(ctx, identifier)
	})
	code := syncTestExitCode(err)
	switch code {
	case 0:
		chip, _ := f.CurrentTarget()
		stats, _ := f.Stats()
		fmt.Printf("SUCCESS: Bootloader synchronised after %d attempt(s)\n", attempts)
		fmt.Printf("  Chip: %s\n", chip.Name())
		fmt.Printf("  Builtin USB: %v\n", f.IsBuiltinUSB())
		fmt.Printf("  Frames: %d sent, %d received\n", stats.FramesSent, stats.FramesReceived)
	case 1:
		fmt.Fprintf(os.Stderr, "FAILED after %d attempt(s): %v\n", attempts, err)
	default:
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
	}

	_ = f.Close()
	os.Exit(code)
	return nil
}

// syncRetryDelay separates connect attempts.
const syncRetryDelay = 100 * time.Millisecond

// syncUntil repeats connect until it succeeds, fails in a way retrying cannot
// fix, or ctx ends. When ctx ends mid-attempt the previous failure is
// reported instead of the cancellation.
func syncUntil(ctx context.Context, connect func(context.Context) error) (int, error) {
	var last error
	for attempts := 1; ; attempts++ {
		err := connect(ctx)
		if err == nil {
			return attempts, nil
		}
		if ctx.Err() != nil {
			if last != nil && flasher.KindOf(err) == flasher.Cancelled {
				return attempts, last
			}
			return attempts, err
		}
		switch flasher.KindOf(err) {
		case flasher.SyncFailed, flasher.CommandTimeout, flasher.Framing:
		default:
			return attempts, err
		}

		last = err
		log.Debug().Err(err).Int("attempt", attempts).Msg("Sync attempt failed, retrying")
		select {
		case <-ctx.Done():
			return attempts, last
		case <-time.After(syncRetryDelay):
		}
	}
}

// syncTestExitCode maps a connect result to the documented exit codes.
func syncTestExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch flasher.KindOf(err) {
	case flasher.TransportUnavailable:
		return 2
	default:
		return 1
	}
}
