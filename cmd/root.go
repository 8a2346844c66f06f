// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/Thermoquad/espflash/internal/env"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// Serial connection flags
	portName   string
	baudRate   int
	builtinUSB bool
	noReset    bool

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Protocol flags
	flashBaud    int
	flashSize    string
	syncAttempts int

	// Logging flags
	logLevel string
	trace    bool
)

var rootCmd = &cobra.Command{
	Use:   "espflash",
	Short: "ESP ROM bootloader flashing tool",
	Long: `espflash - A CLI tool for flashing ESP8266 and ESP32-family chips through
their ROM serial bootloader.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

Every persistent flag can also be set through an ESPFLASH_* environment
variable (for example ESPFLASH_PORT or ESPFLASH_FLASH_BAUD) or a .env file
in the working directory or any parent.

For WebSocket authentication, the password is read from the ESPFLASH_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate used to sync with the bootloader (serial only)")
	rootCmd.PersistentFlags().BoolVar(&builtinUSB, "builtin-usb", false, "Treat the port as the chip's USB-JTAG-Serial peripheral (default: detect from VID/PID)")
	rootCmd.PersistentFlags().BoolVar(&noReset, "no-reset", false, "Do not toggle DTR/RTS; the chip must already be in download mode")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Protocol flags
	rootCmd.PersistentFlags().IntVar(&flashBaud, "flash-baud", 0, "Switch to this baud rate after connecting (serial only, 0 keeps --baud)")
	rootCmd.PersistentFlags().StringVar(&flashSize, "flash-size", "", "Override the addressable flash size (e.g. 4MB, 0x400000)")
	rootCmd.PersistentFlags().IntVar(&syncAttempts, "sync-attempts", 10, "Bootloader sync attempts before giving up")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&trace, "trace", false, "Log every bootloader packet (implies --log-level debug)")
}

// setup loads .env defaults and configures logging before any command runs.
func setup(cmd *cobra.Command, args []string) error {
	if err := env.Ensure(); err != nil {
		log.Warn().Err(err).Msg("Ignoring .env file")
	}
	if err := applyEnvDefaults(cmd.Flags()); err != nil {
		return err
	}
	return setupLogging()
}

// applyEnvDefaults fills flags not given on the command line from ESPFLASH_*.
func applyEnvDefaults(flags *pflag.FlagSet) error {
	var firstErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed || firstErr != nil {
			return
		}
		value, ok := env.Lookup(f.Name)
		if !ok {
			return
		}
		if err := flags.Set(f.Name, value); err != nil {
			firstErr = errors.Wrapf(err, "invalid %s", env.Key(f.Name))
		}
	})
	return firstErr
}

func setupLogging() error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return errors.Wrapf(err, "invalid --log-level %q", logLevel)
	}
	if trace && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}

	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	log.Logger = zerolog.New(output).Level(level).With().Timestamp().Logger()
	return nil
}

// Execute runs the root command. Interrupts cancel the running operation.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
