// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/espflash/pkg/esprom"
	"github.com/Thermoquad/espflash/pkg/flasher"
	"github.com/Thermoquad/espflash/pkg/slip"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"0", 0, false},
		{"4096", 4096, false},
		{"0x10000", 0x10000, false},
		{"0X1B", 0x1B, false},
		{"64K", 64 * 1024, false},
		{"64kb", 64 * 1024, false},
		{"4M", 4 << 20, false},
		{" 16MB ", 16 << 20, false},
		{"4096M", 0, true},
		{"0x100000000", 0, true},
		{"", 0, true},
		{"ten", 0, true},
		{"-1", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSize(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseSize(%q) = %d, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSize(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("parseSize(%q) = 0x%X, want 0x%X", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseWords(t *testing.T) {
	words, err := parseWords([]string{"0x3FC80000", "0xAB00", "65280"}, "address", "value", "mask")
	if err != nil {
		t.Fatalf("parseWords() error = %v", err)
	}
	if words[0] != 0x3FC80000 || words[1] != 0xAB00 || words[2] != 0xFF00 {
		t.Errorf("parseWords() = %#x", words)
	}

	_, err = parseWords([]string{"0x1000", "zz"}, "address", "value", "mask")
	if err == nil || !strings.Contains(err.Error(), "invalid value") {
		t.Errorf("parseWords() error = %v, want it to name the value", err)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[uint32]string{
		4 << 20: "4 MiB",
		4096:    "4 KiB",
		0x1800:  "6 KiB",
		256:     "256 bytes",
		1500:    "1500 bytes",
	}
	for n, want := range tests {
		if got := formatBytes(n); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestDescribeTarget(t *testing.T) {
	if got := describeTarget("wss://bridge.local/serial"); got != "WebSocket: wss://bridge.local/serial" {
		t.Errorf("got %q", got)
	}
	baudRate = 115200
	if got := describeTarget("/dev/ttyUSB0"); got != "Serial: /dev/ttyUSB0 @ 115200 baud" {
		t.Errorf("got %q", got)
	}
}

func TestSyncTestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"transport", &flasher.Error{Kind: flasher.TransportUnavailable, Op: "connect"}, 2},
		{"sync", &flasher.Error{Kind: flasher.SyncFailed, Op: "connect"}, 1},
		{"unknown chip", errors.Wrap(&flasher.Error{Kind: flasher.UnknownChip}, "connect"), 1},
		{"other", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := syncTestExitCode(tt.err); got != tt.want {
				t.Errorf("exit code = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSyncUntil(t *testing.T) {
	syncFailed := &flasher.Error{Kind: flasher.SyncFailed, Op: "connect"}

	tests := []struct {
		name         string
		results      []error
		wantAttempts int
		wantKind     flasher.Kind
	}{
		{"first attempt", []error{nil}, 1, 0},
		{"after sync failures", []error{syncFailed, syncFailed, nil}, 3, 0},
		{"after garbled reply", []error{&flasher.Error{Kind: flasher.Framing}, nil}, 2, 0},
		{"transport gone", []error{&flasher.Error{Kind: flasher.TransportUnavailable}}, 1, flasher.TransportUnavailable},
		{"unknown chip", []error{syncFailed, &flasher.Error{Kind: flasher.UnknownChip}}, 2, flasher.UnknownChip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			attempts, err := syncUntil(context.Background(), func(context.Context) error {
				err := tt.results[calls]
				calls++
				return err
			})
			if attempts != tt.wantAttempts || calls != tt.wantAttempts {
				t.Errorf("attempts = %d (calls %d), want %d", attempts, calls, tt.wantAttempts)
			}
			if got := flasher.KindOf(err); got != tt.wantKind || (tt.wantKind == 0) != (err == nil) {
				t.Errorf("syncUntil() error = %v, want kind %v", err, tt.wantKind)
			}
		})
	}
}

func TestSyncUntil_Deadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()

	attempts, err := syncUntil(ctx, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return &flasher.Error{Kind: flasher.Cancelled, Err: ctx.Err()}
		case <-time.After(50 * time.Millisecond):
			return &flasher.Error{Kind: flasher.SyncFailed}
		}
	})
	if attempts < 2 {
		t.Errorf("attempts = %d, want repeated attempts until the deadline", attempts)
	}
	if !errors.Is(err, flasher.SyncFailed) {
		t.Errorf("syncUntil() error = %v, want the last sync failure", err)
	}
	if syncTestExitCode(err) != 1 {
		t.Errorf("exit code = %d, want 1", syncTestExitCode(err))
	}
}

func TestApplyEnvDefaults(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	port := flags.String("port", "", "")
	baud := flags.Int("baud", 115200, "")
	skipReset := flags.Bool("no-reset", false, "")

	t.Setenv("ESPFLASH_PORT", "/dev/ttyACM0")
	t.Setenv("ESPFLASH_BAUD", "921600")
	t.Setenv("ESPFLASH_NO_RESET", "true")

	if err := flags.Parse([]string{"--port", "/dev/ttyUSB1"}); err != nil {
		t.Fatal(err)
	}
	if err := applyEnvDefaults(flags); err != nil {
		t.Fatalf("applyEnvDefaults: %v", err)
	}

	if *port != "/dev/ttyUSB1" {
		t.Errorf("port = %q, command line must win", *port)
	}
	if *baud != 921600 {
		t.Errorf("baud = %d, want 921600", *baud)
	}
	if !*skipReset {
		t.Error("no-reset not taken from environment")
	}
}

func TestApplyEnvDefaultsInvalid(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("baud", 115200, "")
	t.Setenv("ESPFLASH_BAUD", "fast")

	if err := applyEnvDefaults(flags); err == nil {
		t.Fatal("expected error for non-numeric baud")
	}
}

func TestFlashModel(t *testing.T) {
	cancelled := false
	m := newFlashModel("Serial: /dev/ttyUSB0 @ 115200 baud", "app.bin", 1024, 0x10000,
		context.CancelFunc(func() { cancelled = true }))

	step := func(msg tea.Msg) {
		t.Helper()
		next, _ := m.Update(msg)
		m = next.(flashModel)
	}

	step(flashEventMsg{event: flasher.StateEvent{From: flasher.StateReady, To: flasher.StateWriting}})
	step(flashEventMsg{event: flasher.ProgressEvent{Fraction: 0.5, Phase: "Writing"}})
	step(flashEventMsg{event: flasher.StatusEvent{Text: "Writing block 2"}})

	if m.state != flasher.StateWriting || m.fraction != 0.5 || m.status != "Writing block 2" {
		t.Fatalf("model not updated: state=%v fraction=%v status=%q", m.state, m.fraction, m.status)
	}

	step(tea.KeyMsg{Type: tea.KeyCtrlC})
	if !cancelled || !m.cancelling {
		t.Fatal("ctrl+c did not cancel the job")
	}
	step(flashEventMsg{event: flasher.StatusEvent{Text: "late status"}})
	if m.status != "Cancelling..." {
		t.Errorf("status = %q while cancelling", m.status)
	}

	failure := &flasher.Error{Kind: flasher.Cancelled, Op: "flash"}
	step(flashEventMsg{event: flasher.FailedEvent{Op: "flash", Err: failure}})
	step(flashEventMsg{event: flasher.FailedEvent{Op: "run", Err: errors.New("second")}})
	if m.err != failure {
		t.Errorf("err = %v, want the first failure", m.err)
	}

	next, cmd := m.Update(flashFinishedMsg{})
	m = next.(flashModel)
	if !m.finished || cmd == nil {
		t.Fatal("finish did not quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("finish command is not tea.Quit")
	}
	if m.View() == "" {
		t.Error("empty view")
	}
}

func TestFrameSink(t *testing.T) {
	var out bytes.Buffer
	sink := frameSink(&out)

	stream := []byte("rst:0x1 (POWERON_RESET),boot:0x3 (DOWNLOAD_BOOT)\r\n")
	stream = append(stream, esprom.EncodeFrame(esprom.OpReadReg, []byte{0x00, 0x10, 0x00, 0x40})...)
	stream = append(stream, slip.Encode(esprom.EncodeResponse(esprom.OpReadReg, 0x00F01D83, nil, []byte{0, 0, 0, 0}))...)
	for _, b := range stream {
		sink(b)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "-> READ_REG") || !strings.Contains(lines[0], "addr=0x40001000") {
		t.Errorf("request line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "<- READ_REG") || !strings.Contains(lines[1], "value=0x00F01D83") {
		t.Errorf("response line = %q", lines[1])
	}
}
