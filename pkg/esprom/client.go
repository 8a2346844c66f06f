// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package esprom

import (
	"context"
	"sync"
	"time"

	"github.com/Thermoquad/espflash/pkg/slip"
	"github.com/Thermoquad/espflash/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// pollInterval bounds each blocking read so cancellation is noticed promptly.
const pollInterval = 50 * time.Millisecond

// settleLimit caps the reads spent discarding late responses.
const settleLimit = 4096

// Client exchanges commands with the ROM bootloader over a transport.
// A Client is not safe for concurrent commands; Stats may be called from any
// goroutine.
type Client struct {
	port     transport.Transport
	decoder  *slip.Decoder
	registry *Registry
	log      zerolog.Logger
	trace    bool

	timeout      time.Duration
	syncTimeout  time.Duration
	syncInterval time.Duration
	syncAttempts int
	blockRetries int
	eraseRetries int

	chip      *Chip
	statusLen int

	statsMu sync.Mutex
	stats   Statistics
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithTrace logs every request and response in human-readable form.
func WithTrace(enabled bool) Option {
	return func(c *Client) { c.trace = enabled }
}

// WithRegistry replaces the chip registry used by Identify.
func WithRegistry(r *Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithTimeout sets the default command timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithSyncAttempts bounds the number of SYNC attempts.
func WithSyncAttempts(n int) Option {
	return func(c *Client) { c.syncAttempts = n }
}

// WithSyncTiming overrides the per-attempt timeout and the gap between
// SYNC attempts.
func WithSyncTiming(timeout, interval time.Duration) Option {
	return func(c *Client) {
		c.syncTimeout = timeout
		c.syncInterval = interval
	}
}

// WithBlockRetries sets how many times a FLASH_DATA block is resent.
func WithBlockRetries(n int) Option {
	return func(c *Client) { c.blockRetries = n }
}

// WithEraseRetries sets how many times an erase is resent after a timeout.
func WithEraseRetries(n int) Option {
	return func(c *Client) { c.eraseRetries = n }
}

// NewClient creates a client on an open transport.
func NewClient(port transport.Transport, opts ...Option) *Client {
	c := &Client{
		port:         port,
		decoder:      slip.NewDecoder(),
		registry:     DefaultRegistry,
		log:          zerolog.Nop(),
		timeout:      DefaultTimeout,
		syncTimeout:  SyncTimeout,
		syncInterval: SyncInterval,
		syncAttempts: DefaultSyncAttempts,
		blockRetries: DefaultBlockRetries,
		eraseRetries: DefaultEraseRetries,
		stats:        NewStatistics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.syncAttempts < 1 {
		c.syncAttempts = 1
	}
	return c
}

// Chip returns the identified chip, nil before Identify.
func (c *Client) Chip() *Chip {
	return c.chip
}

// SetChip adopts chip's response layout.
func (c *Client) SetChip(chip *Chip) {
	c.chip = chip
	c.statusLen = 0
	if chip != nil {
		c.statusLen = chip.StatusLen
	}
}

// Stats returns a snapshot of the link statistics.
func (c *Client) Stats() Statistics {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// ResetStats zeroes the statistics and restarts the clock.
func (c *Client) ResetStats() {
	c.statsMu.Lock()
	c.stats = NewStatistics()
	c.statsMu.Unlock()
}

func (c *Client) count(f func(s *Statistics)) {
	c.statsMu.Lock()
	f(&c.stats)
	c.statsMu.Unlock()
}

// Command sends op and waits up to timeout for the matching response.
// Responses to other commands are discarded. Decode errors do not end the
// wait; the decoder resyncs on the next frame delimiter. A response with a
// failure status is returned together with a *DeviceError.
func (c *Client) Command(ctx context.Context, op Opcode, data []byte, timeout time.Duration) (*Response, error) {
	if err := c.send(op, data); err != nil {
		return nil, err
	}
	return c.await(ctx, op, timeout)
}

func (c *Client) send(op Opcode, data []byte) error {
	packet := EncodeRequest(op, data)
	if c.trace {
		c.log.Debug().Msgf("TX %s", FormatRequest(&Request{Op: op, Data: data, Checksum: requestChecksum(op, data)}))
	}

	if _, err := c.port.Write(slip.Encode(packet)); err != nil {
		return errors.Wrapf(err, "write %s", op)
	}
	c.count(func(s *Statistics) { s.FramesSent++ })
	return nil
}

func (c *Client) await(ctx context.Context, op Opcode, timeout time.Duration) (*Response, error) {
	deadline := time.Now().Add(timeout)
	var framingErr error

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.count(func(s *Statistics) { s.Timeouts++ })
			if framingErr != nil {
				return nil, &garbledTimeout{op: op, timeout: timeout, last: framingErr}
			}
			return nil, errors.Wrapf(ErrTimeout, "%s after %s", op, timeout)
		}

		b, err := c.port.ReadByteTimeout(min(remaining, pollInterval))
		if err != nil {
			if isTransportTimeout(err) {
				continue
			}
			return nil, errors.Wrapf(err, "read %s response", op)
		}

		frame, err := c.decoder.DecodeByte(b)
		if err != nil {
			framingErr = err
			c.count(func(s *Statistics) { s.FramingErrors++ })
			c.log.Debug().Err(err).Msg("Discarding malformed frame")
			continue
		}
		if frame == nil {
			continue
		}

		resp, err := DecodeResponse(frame, c.statusLen)
		if err != nil {
			framingErr = err
			c.count(func(s *Statistics) { s.FramingErrors++ })
			c.log.Debug().Err(err).Msg("Discarding undecodable packet")
			continue
		}
		c.count(func(s *Statistics) { s.FramesReceived++ })
		if c.trace {
			c.log.Debug().Msgf("RX %s", FormatResponse(resp))
		}

		if resp.Op != op {
			c.count(func(s *Statistics) { s.StaleFrames++ })
			continue
		}

		if resp.Failed() {
			c.count(func(s *Statistics) { s.DeviceErrors++ })
			return resp, &DeviceError{Op: op, Status: resp.Status[0], Code: resp.ErrorCode()}
		}
		return resp, nil
	}
}

// drain discards input until the line has been quiet for quiet, reading at
// most limit bytes.
func (c *Client) drain(quiet time.Duration, limit int) {
	for i := 0; i < limit; i++ {
		if _, err := c.port.ReadByteTimeout(quiet); err != nil {
			break
		}
	}
	c.decoder.Reset()
}

// settle discards frames still arriving for earlier commands until the line
// has been quiet for quiet. It returns how many of them were responses to op.
func (c *Client) settle(ctx context.Context, op Opcode, quiet time.Duration) int {
	late := 0
	last := time.Now()
	for n := 0; n < settleLimit && ctx.Err() == nil; n++ {
		idle := quiet - time.Since(last)
		if idle <= 0 {
			break
		}
		b, err := c.port.ReadByteTimeout(min(idle, pollInterval))
		if err != nil {
			if isTransportTimeout(err) {
				continue
			}
			break
		}
		last = time.Now()

		frame, err := c.decoder.DecodeByte(b)
		if err != nil || frame == nil {
			continue
		}
		resp, err := DecodeResponse(frame, c.statusLen)
		if err != nil {
			continue
		}
		c.count(func(s *Statistics) {
			s.FramesReceived++
			s.StaleFrames++
		})
		if c.trace {
			c.log.Debug().Msgf("RX (late) %s", FormatResponse(resp))
		}
		if resp.Op == op {
			late++
		}
	}
	c.decoder.Reset()
	return late
}

// flushInput drops buffered input and any partial frame.
func (c *Client) flushInput() {
	if f, ok := c.port.(transport.InputFlusher); ok {
		if err := f.ResetInputBuffer(); err != nil {
			c.log.Debug().Err(err).Msg("Input flush failed")
		}
	}
	c.decoder.Reset()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
