// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package esprom_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/espflash/internal/romsim"
	"github.com/Thermoquad/espflash/pkg/esprom"
	"github.com/Thermoquad/espflash/pkg/slip"
)

const esp32c3Magic = 0x6921506F

func newClient(t *testing.T, cfg romsim.Config, opts ...esprom.Option) (*esprom.Client, *romsim.Device) {
	t.Helper()
	if cfg.Magic == 0 {
		cfg.Magic = esp32c3Magic
	}
	dev, host := romsim.Start(cfg)
	t.Cleanup(func() { _ = dev.Close() })

	base := []esprom.Option{
		esprom.WithTimeout(100 * time.Millisecond),
		esprom.WithSyncTiming(30*time.Millisecond, 5*time.Millisecond),
	}
	return esprom.NewClient(host, append(base, opts...)...), dev
}

func TestSync_SucceedsWithinAttempts(t *testing.T) {
	tests := []struct {
		name     string
		ignored  int
		attempts int
		wantErr  bool
	}{
		{"first attempt", 0, 5, false},
		{"after ignored syncs", 3, 5, false},
		{"last attempt", 4, 5, false},
		{"exhausted", 5, 5, true},
		{"never answered", 100, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, dev := newClient(t, romsim.Config{IgnoreSyncs: tt.ignored}, esprom.WithSyncAttempts(tt.attempts))

			err := c.Sync(context.Background())
			if tt.wantErr {
				if !errors.Is(err, esprom.ErrSyncFailed) {
					t.Fatalf("Sync() error = %v, want ErrSyncFailed", err)
				}
				if got := dev.Count(esprom.OpSync); got != tt.attempts {
					t.Errorf("SYNC sent %d times, want %d", got, tt.attempts)
				}
				return
			}
			if err != nil {
				t.Fatalf("Sync() error = %v", err)
			}
			if got := dev.Count(esprom.OpSync); got != tt.ignored+1 {
				t.Errorf("SYNC sent %d times, want %d", got, tt.ignored+1)
			}
		})
	}
}

func TestSync_DrainsExtraReplies(t *testing.T) {
	c, _ := newClient(t, romsim.Config{SyncReplies: 8})

	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if _, err := c.Identify(context.Background()); err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if stale := c.Stats().StaleFrames; stale != 0 {
		t.Errorf("StaleFrames = %d, extra sync replies should have been drained", stale)
	}
}

func TestSync_Cancelled(t *testing.T) {
	c, _ := newClient(t, romsim.Config{Unresponsive: true}, esprom.WithSyncAttempts(100))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Sync(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Sync() error = %v, want context deadline", err)
	}
}

func TestIdentify(t *testing.T) {
	tests := []struct {
		name      string
		magic     uint32
		statusLen int
		want      esprom.ChipType
	}{
		{"esp8266", 0xFFF0C101, 2, esprom.ChipESP8266},
		{"esp32", 0x00F01D83, 4, esprom.ChipESP32},
		{"esp32-s3", 0x00000009, 4, esprom.ChipESP32S3},
		{"esp32-c3", esp32c3Magic, 4, esprom.ChipESP32C3},
		{"esp32-h2", 0xD7B73E80, 4, esprom.ChipESP32H2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newClient(t, romsim.Config{Magic: tt.magic, StatusLen: tt.statusLen})

			if err := c.Sync(context.Background()); err != nil {
				t.Fatalf("Sync() error = %v", err)
			}
			chip, err := c.Identify(context.Background())
			if err != nil {
				t.Fatalf("Identify() error = %v", err)
			}
			if chip.Type != tt.want {
				t.Errorf("Identify() = %s, want %s", chip.Type, tt.want)
			}
			if c.Chip() != chip {
				t.Error("client should adopt the identified chip")
			}
		})
	}
}

func TestIdentify_Unknown(t *testing.T) {
	c, dev := newClient(t, romsim.Config{Magic: 0xCAFEF00D})

	_, err := c.Identify(context.Background())
	var unknown *esprom.UnknownChipError
	if !errors.As(err, &unknown) || unknown.Magic != 0xCAFEF00D {
		t.Fatalf("Identify() error = %v, want UnknownChipError(0xCAFEF00D)", err)
	}
	if c.Chip() != nil {
		t.Error("unknown chip should not be adopted")
	}
	if dev.Count(esprom.OpFlashBegin) != 0 {
		t.Error("no flash command should be issued")
	}
}

func TestCommand_DeviceError(t *testing.T) {
	c, _ := newClient(t, romsim.Config{
		FailOps: map[esprom.Opcode]byte{esprom.OpSPIAttach: esprom.ErrCodeFailedToAct},
	})

	err := c.SPIAttach(context.Background())
	var de *esprom.DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("SPIAttach() error = %v, want DeviceError", err)
	}
	if de.Op != esprom.OpSPIAttach || de.Code != esprom.ErrCodeFailedToAct {
		t.Errorf("DeviceError = %+v", de)
	}
}

func TestCommand_Timeout(t *testing.T) {
	c, _ := newClient(t, romsim.Config{Unresponsive: true})

	_, err := c.ReadReg(context.Background(), esprom.ChipDetectMagicReg)
	if !errors.Is(err, esprom.ErrTimeout) {
		t.Errorf("ReadReg() error = %v, want ErrTimeout", err)
	}
	if c.Stats().Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", c.Stats().Timeouts)
	}
}

func beginFlash(t *testing.T, c *esprom.Client, offset uint32) {
	t.Helper()
	if err := c.FlashBegin(context.Background(), 0x1000, 1, esprom.ROMWriteBlockSize, offset); err != nil {
		t.Fatalf("FlashBegin() error = %v", err)
	}
}

func TestFlashData_RetriesLostAcknowledgement(t *testing.T) {
	tests := []struct {
		name string
		cfg  romsim.Config
	}{
		{"dropped", romsim.Config{DropAcks: map[uint32]int{0: 1}}},
		{"garbled", romsim.Config{GarbleAcks: map[uint32]int{0: 1}}},
		{"wrong opcode", romsim.Config{WrongOpAcks: map[uint32]int{0: 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, dev := newClient(t, tt.cfg)
			beginFlash(t, c, 0x10000)

			block := bytes.Repeat([]byte{0xA5}, 64)
			if err := c.FlashData(context.Background(), 0, block); err != nil {
				t.Fatalf("FlashData() error = %v", err)
			}

			writes := dev.Writes()
			if len(writes) < 2 {
				t.Fatalf("device saw %d writes, want a resend", len(writes))
			}
			for _, w := range writes {
				if w.Offset != 0x10000 || w.Seq != 0 {
					t.Errorf("resend went to 0x%X seq %d, want 0x10000 seq 0", w.Offset, w.Seq)
				}
			}
			if c.Stats().Retries == 0 {
				t.Error("Retries should be counted")
			}
			if got := dev.ReadFlash(0x10000, 64); !bytes.Equal(got, block) {
				t.Error("flash contents differ from block")
			}
		})
	}
}

func TestFlashData_RetryBudgetExhausted(t *testing.T) {
	c, dev := newClient(t, romsim.Config{DropAcks: map[uint32]int{0: 10}}, esprom.WithBlockRetries(2))
	beginFlash(t, c, 0)

	err := c.FlashData(context.Background(), 0, []byte{1, 2, 3, 4})
	if !errors.Is(err, esprom.ErrTimeout) {
		t.Fatalf("FlashData() error = %v, want ErrTimeout", err)
	}
	if got := len(dev.Writes()); got != 3 {
		t.Errorf("device saw %d writes, want 3", got)
	}
}

func TestFlashData_DeviceErrorNotRetried(t *testing.T) {
	c, dev := newClient(t, romsim.Config{RejectBlocks: map[uint32]byte{0: esprom.ErrCodeFlashWrite}})
	beginFlash(t, c, 0)

	err := c.FlashData(context.Background(), 0, []byte{1, 2, 3, 4})
	if !esprom.IsDeviceError(err) {
		t.Fatalf("FlashData() error = %v, want DeviceError", err)
	}
	if got := dev.Count(esprom.OpFlashData); got != 1 {
		t.Errorf("FLASH_DATA sent %d times, want 1", got)
	}
}

func TestFlashData_LateAcknowledgementDiscarded(t *testing.T) {
	// Block 0 is acked after the client has given up on it
	var once sync.Once
	c, dev := newClient(t, romsim.Config{
		OnBlock: func(seq uint32) {
			if seq == 0 {
				once.Do(func() { time.Sleep(150 * time.Millisecond) })
			}
		},
		RejectBlocks: map[uint32]byte{1: esprom.ErrCodeFlashWrite},
	})
	if err := c.FlashBegin(context.Background(), 0x1000, 2, 64, 0x2000); err != nil {
		t.Fatalf("FlashBegin() error = %v", err)
	}

	if err := c.FlashData(context.Background(), 0, bytes.Repeat([]byte{0x11}, 64)); err != nil {
		t.Fatalf("FlashData(0) error = %v", err)
	}
	err := c.FlashData(context.Background(), 1, bytes.Repeat([]byte{0x22}, 64))
	if !esprom.IsDeviceError(err) {
		t.Fatalf("FlashData(1) error = %v, want the rejection of block 1", err)
	}

	if got := dev.Count(esprom.OpFlashData); got != 3 {
		t.Errorf("FLASH_DATA sent %d times, want 3", got)
	}
	stats := c.Stats()
	if stats.Retries != 1 {
		t.Errorf("Retries = %d, want 1", stats.Retries)
	}
	if stats.StaleFrames == 0 {
		t.Error("late acknowledgement should be counted as stale")
	}
}

func TestFlashData_SurplusAcknowledgementDiscarded(t *testing.T) {
	// The first ack of block 0 outlasts the settle window, so it answers the
	// resend and the resend's own ack is left over.
	var once sync.Once
	c, dev := newClient(t, romsim.Config{
		OnBlock: func(seq uint32) {
			if seq == 0 {
				once.Do(func() { time.Sleep(250 * time.Millisecond) })
			}
		},
		RejectBlocks: map[uint32]byte{1: esprom.ErrCodeFlashWrite},
	})
	if err := c.FlashBegin(context.Background(), 0x1000, 2, 64, 0); err != nil {
		t.Fatalf("FlashBegin() error = %v", err)
	}

	if err := c.FlashData(context.Background(), 0, make([]byte, 64)); err != nil {
		t.Fatalf("FlashData(0) error = %v", err)
	}
	if err := c.FlashData(context.Background(), 1, make([]byte, 64)); !esprom.IsDeviceError(err) {
		t.Fatalf("FlashData(1) error = %v, want the rejection of block 1", err)
	}
	if got := dev.Count(esprom.OpFlashData); got != 3 {
		t.Errorf("FLASH_DATA sent %d times, want 3", got)
	}
}

func TestEraseRegion_GarbledReplyRetried(t *testing.T) {
	tests := []struct {
		name    string
		garbled int
		wantErr bool
	}{
		{"once", 1, false},
		{"every attempt", 1 + esprom.DefaultEraseRetries, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, dev := newClient(t, romsim.Config{GarbleErases: tt.garbled})
			c.SetChip(&esprom.Chip{StatusLen: 4, EraseTimeoutPerMB: time.Millisecond})

			err := c.EraseRegion(context.Background(), 0, 0x1000)
			if got := dev.Count(esprom.OpFlashBegin); got != 1+esprom.DefaultEraseRetries {
				t.Errorf("FLASH_BEGIN sent %d times, want %d", got, 1+esprom.DefaultEraseRetries)
			}
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("EraseRegion() error = %v", err)
				}
				return
			}
			if !errors.Is(err, esprom.ErrTimeout) {
				t.Errorf("EraseRegion() error = %v, want ErrTimeout", err)
			}
			if !errors.Is(err, slip.ErrFraming) {
				t.Errorf("EraseRegion() error = %v, should keep the framing cause", err)
			}
		})
	}
}

func TestEraseRegion_RetriesOnce(t *testing.T) {
	c, dev := newClient(t, romsim.Config{DropErases: 1})
	c.SetChip(&esprom.Chip{StatusLen: 4, EraseTimeoutPerMB: time.Millisecond})

	// One dropped FLASH_BEGIN costs a full erase timeout
	if err := c.EraseRegion(context.Background(), 0x1000, 0x2000); err != nil {
		t.Fatalf("EraseRegion() error = %v", err)
	}
	erases := dev.Erases()
	if len(erases) != 1 || erases[0].Offset != 0x1000 || erases[0].Size != 0x2000 {
		t.Errorf("Erases() = %+v", erases)
	}
	if dev.Count(esprom.OpFlashBegin) != 2 {
		t.Errorf("FLASH_BEGIN sent %d times, want 2", dev.Count(esprom.OpFlashBegin))
	}
	if dev.Count(esprom.OpFlashData) != 0 {
		t.Error("erase must not send data blocks")
	}
}

func TestFlashMD5(t *testing.T) {
	for _, raw := range []bool{false, true} {
		name := "rom hex"
		if raw {
			name = "raw digest"
		}
		t.Run(name, func(t *testing.T) {
			c, dev := newClient(t, romsim.Config{RawMD5: raw})
			if _, err := c.Identify(context.Background()); err != nil {
				t.Fatalf("Identify() error = %v", err)
			}

			content := []byte("firmware image contents")
			dev.Preload(0x8000, content)

			digest, err := c.FlashMD5(context.Background(), 0x8000, uint32(len(content)))
			if err != nil {
				t.Fatalf("FlashMD5() error = %v", err)
			}
			want := md5.Sum(content)
			if !bytes.Equal(digest, want[:]) {
				t.Errorf("FlashMD5() = %X, want %X", digest, want)
			}
		})
	}
}

func TestRunApp(t *testing.T) {
	c, dev := newClient(t, romsim.Config{})

	if err := c.RunApp(context.Background()); err != nil {
		t.Fatalf("RunApp() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !dev.Rebooted() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !dev.Rebooted() {
		t.Error("device did not see FLASH_END with reboot")
	}
}

func TestChangeBaud_UnsupportedTransport(t *testing.T) {
	c, dev := newClient(t, romsim.Config{})

	err := c.ChangeBaud(context.Background(), 921600)
	if !errors.Is(err, esprom.ErrBaudUnsupported) {
		t.Errorf("ChangeBaud() error = %v, want ErrBaudUnsupported", err)
	}
	if dev.Count(esprom.OpChangeBaud) != 0 {
		t.Error("CHANGE_BAUD should not be sent when the host cannot follow")
	}
}

func TestStats_String(t *testing.T) {
	c, _ := newClient(t, romsim.Config{})
	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	s := c.Stats()
	if s.FramesSent == 0 || s.FramesReceived == 0 {
		t.Errorf("Stats() = %+v", s)
	}
	if s.String() == "" {
		t.Error("String() is empty")
	}
}
