// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"

	"github.com/Thermoquad/espflash/pkg/esprom"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Connect to the bootloader and print the chip descriptor",
	Long: `Reset the target into its ROM bootloader, synchronise, identify the
chip and print its flash geometry together with link statistics.

Examples:
  espflash info --port /dev/ttyUSB0
  espflash info --url ws://bridge.local/serial --username admin`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	f, err := connect(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer f.Close()

	chip, _ := f.CurrentTarget()
	stats, _ := f.Stats()

	fmt.Printf("Port:            %s", f.Port())
	if f.IsBuiltinUSB() {
		fmt.Printf(" (builtin USB)")
	}
	fmt.Println()
	printChip(chip)
	fmt.Printf("Link:            %s\n", stats)
	return nil
}

func printChip(chip *esprom.Chip) {
	magics := make([]string, len(chip.Magic))
	for i, m := range chip.Magic {
		magics[i] = fmt.Sprintf("0x%08X", m)
	}

	fmt.Printf("Chip:            %s\n", chip.Name())
	fmt.Printf("Magic:           %s\n", strings.Join(magics, ", "))
	fmt.Printf("Flash size:      %s\n", formatBytes(chip.FlashSize))
	fmt.Printf("Sector size:     %s\n", formatBytes(chip.SectorSize))
	fmt.Printf("Page size:       %d bytes\n", chip.PageSize)
	fmt.Printf("Block size:      %d bytes\n", chip.MaxBlockSize)
	fmt.Printf("Status trailer:  %d bytes\n", chip.StatusLen)
	fmt.Printf("SPI attach:      %v\n", chip.NeedsSPIAttach)
	fmt.Printf("MD5 verify:      %v\n", chip.SupportsMD5)
}

// formatBytes renders n in the largest binary unit that divides it.
func formatBytes(n uint32) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%d MiB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%d KiB", n>>10)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
