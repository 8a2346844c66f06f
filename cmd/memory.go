// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var readMemCmd = &cobra.Command{
	Use:   "read_mem <address>",
	Short: "Read a 32-bit word of target memory",
	Long: `Read a 32-bit register or memory word through the ROM bootloader.

Examples:
  # Read the chip detect register
  espflash read_mem 0x40001000`,
	Args: cobra.ExactArgs(1),
	RunE: runReadMem,
}

var writeMemCmd = &cobra.Command{
	Use:   "write_mem <address> <value> [mask]",
	Short: "Write a 32-bit word of target memory",
	Long: `Write a 32-bit register or memory word through the ROM bootloader.

Only the bits set in mask are changed. The mask defaults to 0xFFFFFFFF.

Examples:
  # Replace a whole word
  espflash write_mem 0x3FC80000 0xDEADBEEF

  # Change only bits 8-15
  espflash write_mem 0x3FC80000 0xAB00 0xFF00`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runWriteMem,
}

func init() {
	rootCmd.AddCommand(readMemCmd)
	rootCmd.AddCommand(writeMemCmd)
}

// parseWords parses register arguments, reporting the failing name.
func parseWords(args []string, names ...string) ([]uint32, error) {
	words := make([]uint32, len(args))
	for i, arg := range args {
		v, err := parseSize(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s", names[i])
		}
		words[i] = v
	}
	return words, nil
}

func runReadMem(cmd *cobra.Command, args []string) error {
	words, err := parseWords(args, "address")
	if err != nil {
		return err
	}

	f, err := connect(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer f.Close()

	value, err := f.ReadRegister(cmd.Context(), words[0])
	if err != nil {
		return err
	}
	fmt.Printf("0x%08X = 0x%08X\n", words[0], value)
	return nil
}

func runWriteMem(cmd *cobra.Command, args []string) error {
	words, err := parseWords(args, "address", "value", "mask")
	if err != nil {
		return err
	}
	mask := uint32(0xFFFFFFFF)
	if len(words) == 3 {
		mask = words[2]
	}

	f, err := connect(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.WriteRegister(cmd.Context(), words[0], words[1], mask); err != nil {
		return err
	}
	fmt.Printf("Wrote 0x%08X to 0x%08X (mask 0x%08X)\n", words[1], words[0], mask)
	return nil
}
