// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/Thermoquad/espflash/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Hard reset the target into its application",
	Long: `Pulse the reset line through DTR/RTS so the chip boots its application.

Only serial transports carry modem lines; WebSocket bridges are rejected.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
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

	m, ok := t.(transport.ModemLines)
	if !ok {
		return errors.Errorf("%s has no modem lines to reset through", describeTarget(identifier))
	}

	usb := transport.IsBuiltinUSB(t)
	if err := transport.HardReset(m, usb); err != nil {
		return errors.Wrap(err, "reset")
	}

	log.Info().Str("port", identifier).Bool("builtin_usb", usb).Msg("Target reset")
	return nil
}
