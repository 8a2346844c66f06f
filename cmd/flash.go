// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Thermoquad/espflash/pkg/flasher"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flashAddress string
	flashVerify  bool
	flashRun     bool
	flashTUI     bool
)

var flashCmd = &cobra.Command{
	Use:   "flash <image>",
	Short: "Write a firmware image to flash",
	Long: `Connect to the ROM bootloader and write a raw firmware image.

The target region is erased by the bootloader as part of the write. The image
is padded with 0xFF to a 4-byte boundary.

Examples:
  # Flash an application at the default offset
  espflash flash build/app.bin --port /dev/ttyUSB0

  # Flash a bootloader, verify it and start the application
  espflash flash bootloader.bin --address 0x1000 --verify --run

  # Plain log output for scripts
  espflash flash app.bin --tui=false`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().StringVarP(&flashAddress, "address", "a", "0x10000", "Flash offset to write the image at")
	flashCmd.Flags().BoolVar(&flashVerify, "verify", false, "Verify the written image with the ROM MD5 command")
	flashCmd.Flags().BoolVar(&flashRun, "run", false, "Start the application after flashing")
	flashCmd.Flags().BoolVar(&flashTUI, "tui", true, "Use terminal UI (false for text mode)")
}

func runFlash(cmd *cobra.Command, args []string) error {
	addr, err := parseSize(flashAddress)
	if err != nil {
		return errors.Wrap(err, "invalid --address")
	}

	image, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrap(err, "read image")
	}
	if len(image) == 0 {
		return errors.Errorf("%s is empty", args[0])
	}

	if flashTUI {
		return runFlashTUI(cmd, filepath.Base(args[0]), image, addr)
	}
	return runFlashText(cmd, image, addr)
}

func runFlashText(cmd *cobra.Command, image []byte, addr uint32) error {
	ctx := cmd.Context()

	f, err := connect(ctx, cmd, flasher.WithVerify(flashVerify))
	if err != nil {
		return err
	}
	defer f.Close()

	chip, _ := f.CurrentTarget()
	log.Info().Str("chip", chip.Name()).Str("port", f.Port()).Msg("Connected")

	events, unsubscribe := f.Subscribe()
	defer unsubscribe()
	go logProgress(events)

	if err := f.FlashFirmware(ctx, image, addr); err != nil {
		return err
	}

	if stats, ok := f.Stats(); ok {
		log.Debug().Str("link", stats.String()).Msg("Statistics")
	}

	if flashRun {
		return f.RunApp(ctx)
	}
	return nil
}

// logProgress logs one line per tenth of progress and every status change.
func logProgress(events <-chan flasher.Event) {
	lastDecile := -1
	for ev := range events {
		switch e := ev.(type) {
		case flasher.ProgressEvent:
			decile := int(e.Fraction * 10)
			if decile == lastDecile {
				continue
			}
			lastDecile = decile
			log.Info().Str("phase", e.Phase).Msgf("%3.0f%%", e.Fraction*100)
		case flasher.StatusEvent:
			log.Info().Msg(e.Text)
		case flasher.StateEvent:
			log.Debug().Stringer("from", e.From).Stringer("to", e.To).Msg("State")
		}
	}
}

// flashSequence runs connect, write and the optional run on f, in order,
// stopping at the first failure.
func flashSequence(ctx context.Context, f *flasher.Flasher, identifier string, image []byte, addr uint32) error {
	if err := f.Connect(ctx, identifier); err != nil {
		return err
	}
	if err := f.FlashFirmware(ctx, image, addr); err != nil {
		return err
	}
	if flashRun {
		return f.RunApp(ctx)
	}
	return nil
}

func runFlashTUI(cmd *cobra.Command, name string, image []byte, addr uint32) error {
	identifier, err := resolveTarget()
	if err != nil {
		return err
	}

	// The TUI owns the terminal, so the flasher stays quiet.
	f, err := newFlasher(cmd, zerolog.Nop(), flasher.WithVerify(flashVerify))
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	m := newFlashModel(describeTarget(identifier), name, len(image), addr, cancel)
	err = runFlashProgram(ctx, f, m, func(ctx context.Context) error {
		return flashSequence(ctx, f, identifier, image, addr)
	})
	if err != nil {
		return err
	}

	fmt.Printf("Flashed %s (%d bytes) at 0x%08X\n", name, len(image), addr)
	return nil
}
