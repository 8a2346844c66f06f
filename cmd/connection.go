// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/Thermoquad/espflash/pkg/esprom"
	"github.com/Thermoquad/espflash/pkg/flasher"
	"github.com/Thermoquad/espflash/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	// First check environment variable
	if pw := os.Getenv("ESPFLASH_PASSWORD"); pw != "" {
		return pw, nil
	}

	// Prompt user for password (hide input)
	fmt.Fprint(os.Stderr, "Password: ")

	// Read password without echo
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", errors.Wrap(err, "failed to read password")
		}
		fmt.Fprintln(os.Stderr) // newline after password
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr) // newline after password
	return string(passwordBytes), nil
}

// resolveTarget returns the transport identifier from the flags. Without
// --port or --url an interactive port picker is shown on terminals.
func resolveTarget() (string, error) {
	if wsURL != "" {
		return wsURL, nil
	}
	if portName != "" {
		return portName, nil
	}
	if term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd())) {
		return pickPort()
	}
	return "", errors.New("either --port or --url must be specified")
}

// describeTarget formats the identifier for banners.
func describeTarget(identifier string) string {
	if strings.HasPrefix(identifier, "ws://") || strings.HasPrefix(identifier, "wss://") {
		return fmt.Sprintf("WebSocket: %s", identifier)
	}
	return fmt.Sprintf("Serial: %s @ %d baud", identifier, baudRate)
}

// transportOptions builds the options for transport.Open from the flags.
func transportOptions(cmd *cobra.Command) (transport.Options, error) {
	opts := transport.Options{
		BaudRate:      baudRate,
		Username:      wsUsername,
		SkipSSLVerify: wsNoSSLVerify,
	}
	if cmd.Flags().Changed("builtin-usb") {
		v := builtinUSB
		opts.BuiltinUSB = &v
	}
	if wsURL != "" && wsUsername != "" {
		password, err := GetPassword()
		if err != nil {
			return opts, err
		}
		opts.Password = password
	}
	return opts, nil
}

// newFlasher creates a flasher configured from the flags.
func newFlasher(cmd *cobra.Command, logger zerolog.Logger, extra ...flasher.Option) (*flasher.Flasher, error) {
	topts, err := transportOptions(cmd)
	if err != nil {
		return nil, err
	}

	opts := []flasher.Option{
		flasher.WithOpener(func(identifier string) (transport.Transport, error) {
			return transport.Open(identifier, topts)
		}),
		flasher.WithLogger(logger),
		flasher.WithClientOptions(
			esprom.WithTrace(trace),
			esprom.WithSyncAttempts(syncAttempts),
		),
		flasher.WithNoReset(noReset),
		flasher.WithFlashBaud(flashBaud),
	}
	if flashSize != "" {
		size, err := parseSize(flashSize)
		if err != nil {
			return nil, errors.Wrap(err, "invalid --flash-size")
		}
		opts = append(opts, flasher.WithFlashSize(size))
	}

	return flasher.New(append(opts, extra...)...), nil
}

// connect resolves the target, creates a flasher and connects it. The caller
// must Close the flasher.
func connect(ctx context.Context, cmd *cobra.Command, extra ...flasher.Option) (*flasher.Flasher, error) {
	identifier, err := resolveTarget()
	if err != nil {
		return nil, err
	}

	f, err := newFlasher(cmd, log.Logger, extra...)
	if err != nil {
		return nil, err
	}

	log.Info().Str("target", describeTarget(identifier)).Msg("Connecting")
	if err := f.Connect(ctx, identifier); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// parseSize parses a byte count or address: decimal, 0x-prefixed hex, or
// with a K/M suffix (binary units).
func parseSize(s string) (uint32, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if strings.HasSuffix(s, "KB") || strings.HasSuffix(s, "MB") {
		s = strings.TrimSuffix(s, "B")
	}

	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	}

	v, err := strconv.ParseUint(strings.ToLower(s), 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %q", s)
	}
	v *= mult
	if v > 0xFFFFFFFF {
		return 0, errors.Errorf("%d does not fit in 32 bits", v)
	}
	return uint32(v), nil
}
