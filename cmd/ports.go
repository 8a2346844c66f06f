// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/Thermoquad/espflash/pkg/transport"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	Long: `List serial ports with their USB identifiers.

Ports backed by the builtin USB-Serial/JTAG peripheral are marked; they are
reset with the USB sequence instead of the classic DTR/RTS circuit.`,
	Args: cobra.NoArgs,
	RunE: runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
}

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := transport.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(os.Stderr, "No serial ports found")
		return nil
	}

	fmt.Println(portTable(ports))
	return nil
}

func portTable(ports []transport.PortInfo) *table.Table {
	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	usbStyle := cellStyle.Foreground(lipgloss.Color("10"))

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("PORT", "VID:PID", "BUILTIN USB", "PRODUCT").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 2 && row >= 0 && row < len(ports) && ports[row].BuiltinUSB:
				return usbStyle
			default:
				return cellStyle
			}
		})

	for _, p := range ports {
		t.Row(p.Name, usbID(p), yesNo(p.BuiltinUSB), p.Product)
	}
	return t
}

func usbID(p transport.PortInfo) string {
	if !p.IsUSB {
		return "-"
	}
	return fmt.Sprintf("%s:%s", p.VID, p.PID)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
