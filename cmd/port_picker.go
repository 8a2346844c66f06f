// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/Thermoquad/espflash/pkg/transport"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
)

// portItem implements list.Item
type portItem struct {
	info transport.PortInfo
}

func (p portItem) Title() string { return p.info.Name }

func (p portItem) Description() string {
	if !p.info.IsUSB {
		return "serial"
	}
	desc := fmt.Sprintf("USB %s:%s", p.info.VID, p.info.PID)
	if p.info.BuiltinUSB {
		desc += " builtin USB-Serial/JTAG"
	}
	if p.info.Product != "" {
		desc += " " + p.info.Product
	}
	return desc
}

func (p portItem) FilterValue() string { return p.info.Name }

type pickerModel struct {
	list     list.Model
	selected string
	quitting bool
}

func (m pickerModel) Init() tea.Cmd {
	return nil
}

func (m pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			if item, ok := m.list.SelectedItem().(portItem); ok {
				m.selected = item.info.Name
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height-2)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m pickerModel) View() string {
	if m.selected != "" || m.quitting {
		return ""
	}
	return lipgloss.NewStyle().Margin(1, 2).Render(m.list.View())
}

// pickPort asks the user to choose one of the enumerated serial ports.
func pickPort() (string, error) {
	ports, err := transport.ListPorts()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", errors.New("no serial ports found; specify --port or --url")
	}

	items := make([]list.Item, len(ports))
	for i, p := range ports {
		items[i] = portItem{info: p}
	}

	l := list.New(items, list.NewDefaultDelegate(), 60, 14)
	l.Title = "Select serial port"
	l.Styles.Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	final, err := tea.NewProgram(pickerModel{list: l}).Run()
	if err != nil {
		return "", errors.Wrap(err, "error running port picker")
	}

	m := final.(pickerModel)
	if m.selected == "" {
		return "", errors.New("no port selected")
	}
	return m.selected, nil
}
