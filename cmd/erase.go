// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	eraseAddress string
	eraseLength  string
)

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase a flash region",
	Long: `Erase a region of flash through the ROM bootloader.

The address must be sector aligned. The length is rounded up to a whole
number of sectors.

Examples:
  # Erase the NVS partition of a default partition table
  espflash erase --address 0x9000 --length 0x6000

  # Erase the first megabyte
  espflash erase --address 0 --length 1M`,
	Args: cobra.NoArgs,
	RunE: runErase,
}

func init() {
	rootCmd.AddCommand(eraseCmd)
	eraseCmd.Flags().StringVarP(&eraseAddress, "address", "a", "", "Sector-aligned flash offset")
	eraseCmd.Flags().StringVarP(&eraseLength, "length", "l", "", "Number of bytes to erase")
	_ = eraseCmd.MarkFlagRequired("address")
	_ = eraseCmd.MarkFlagRequired("length")
}

func runErase(cmd *cobra.Command, args []string) error {
	addr, err := parseSize(eraseAddress)
	if err != nil {
		return errors.Wrap(err, "invalid --address")
	}
	length, err := parseSize(eraseLength)
	if err != nil {
		return errors.Wrap(err, "invalid --length")
	}

	f, err := connect(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.EraseFlash(cmd.Context(), addr, length); err != nil {
		return err
	}

	fmt.Printf("Erased 0x%X bytes at 0x%08X\n", length, addr)
	return nil
}
