// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/Thermoquad/espflash/pkg/flasher"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
)

const maxBarWidth = 60

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type flashEventMsg struct {
	event flasher.Event
}

// flashFinishedMsg is sent once every event has been delivered.
type flashFinishedMsg struct{}

//////////////////////////////////////////////////////////////
// Model
//////////////////////////////////////////////////////////////

type flashModel struct {
	target string
	image  string
	size   int
	addr   uint32
	cancel context.CancelFunc

	state    flasher.State
	phase    string
	fraction float64
	status   string
	err      error

	spinner spinner.Model
	bar     progress.Model

	cancelling bool
	finished   bool
}

func newFlashModel(target, image string, size int, addr uint32, cancel context.CancelFunc) flashModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))

	return flashModel{
		target:  target,
		image:   image,
		size:    size,
		addr:    addr,
		cancel:  cancel,
		spinner: s,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

func (m flashModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m flashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			// Wait for the running job to unwind before quitting.
			if !m.cancelling {
				m.cancelling = true
				m.status = "Cancelling..."
				m.cancel()
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.bar.Width = min(msg.Width-4, maxBarWidth)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case flashEventMsg:
		switch e := msg.event.(type) {
		case flasher.ProgressEvent:
			m.fraction = e.Fraction
			m.phase = e.Phase
		case flasher.StatusEvent:
			if !m.cancelling {
				m.status = e.Text
			}
		case flasher.StateEvent:
			m.state = e.To
		case flasher.FailedEvent:
			if m.err == nil {
				m.err = e.Err
			}
		}
		return m, nil

	case flashFinishedMsg:
		m.finished = true
		return m, tea.Quit
	}

	return m, nil
}

func (m flashModel) View() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	stateStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10")).
		Bold(true)

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	var b strings.Builder
	b.WriteString(titleStyle.Render("espflash"))
	b.WriteString("\n\n")
	b.WriteString(labelStyle.Render("Target: "))
	b.WriteString(m.target)
	b.WriteString("\n")
	b.WriteString(labelStyle.Render("Image:  "))
	fmt.Fprintf(&b, "%s (%d bytes) at 0x%08X\n\n", m.image, m.size, m.addr)

	if m.finished {
		b.WriteString("  ")
	} else {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
	}
	b.WriteString(stateStyle.Render(m.state.String()))
	if m.status != "" {
		b.WriteString("  ")
		b.WriteString(m.status)
	}
	b.WriteString("\n\n")

	b.WriteString(m.bar.ViewAs(m.fraction))
	if m.phase != "" {
		b.WriteString("  ")
		b.WriteString(labelStyle.Render(m.phase))
	}
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	}

	if !m.finished {
		b.WriteString(labelStyle.Render("\nq: cancel"))
		b.WriteString("\n")
	}
	return b.String()
}

// runFlashProgram runs seq on its own goroutine while the TUI renders the
// flasher's events. It returns the result of seq. f is closed before the
// TUI exits so that every event reaches the view.
func runFlashProgram(ctx context.Context, f *flasher.Flasher, m flashModel, seq func(context.Context) error) error {
	events, _ := f.Subscribe()
	p := tea.NewProgram(m)

	result := make(chan error, 1)
	go func() {
		result <- seq(ctx)
		_ = f.Close()
	}()

	go func() {
		for ev := range events {
			p.Send(flashEventMsg{event: ev})
		}
		p.Send(flashFinishedMsg{})
	}()

	if _, err := p.Run(); err != nil {
		m.cancel()
		return errors.Wrap(err, "error running TUI")
	}
	return <-result
}
