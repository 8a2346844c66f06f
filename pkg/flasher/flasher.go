// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package flasher drives an ESP ROM bootloader session: connect, erase,
// write and verify, reporting progress as events.
//
// Operations run one at a time on a dedicated worker goroutine. The
// synchronous methods block until their operation finishes; the *Async
// variants return an Operation immediately. Every operation ends with
// exactly one DoneEvent or FailedEvent, published after all of its other
// events.
package flasher

import (
	"context"
	"sync"

	"github.com/Thermoquad/espflash/pkg/esprom"
	"github.com/Thermoquad/espflash/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrClosed is wrapped by operations submitted after Close.
var ErrClosed = errors.New("flasher: closed")

// Operation is a queued or running flasher operation.
type Operation struct {
	Name string

	done chan struct{}
	err  error
}

func newOperation(name string) *Operation {
	return &Operation{Name: name, done: make(chan struct{})}
}

// Done is closed when the operation has finished.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the operation finishes and returns its result.
func (o *Operation) Wait() error {
	<-o.done
	return o.err
}

func (o *Operation) finish(err error) {
	o.err = err
	close(o.done)
}

type job struct {
	op     *Operation
	ctx    context.Context
	cancel context.CancelFunc
	run    func(ctx context.Context) error
}

// Flasher owns one bootloader session at a time.
type Flasher struct {
	opener     Opener
	log        zerolog.Logger
	clientOpts []esprom.Option
	verify     bool
	noReset    bool
	flashBaud  int
	flashSize  uint32

	events *hub

	qmu        sync.Mutex
	qcond      *sync.Cond
	queue      []*job
	closed     bool
	workerDone chan struct{}

	mu         sync.Mutex
	state      State
	session    uint64
	port       transport.Transport
	portName   string
	builtinUSB bool
	client     *esprom.Client
	chip       *esprom.Chip
	cancel     context.CancelFunc
}

// New creates a flasher and starts its worker.
func New(opts ...Option) *Flasher {
	f := &Flasher{
		opener:     DefaultOpener,
		log:        zerolog.Nop(),
		events:     newHub(),
		workerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.qcond = sync.NewCond(&f.qmu)

	go f.worker()
	return f
}

// Close disconnects, fails queued operations and stops the worker. Event
// channels are closed once their pending events are delivered.
func (f *Flasher) Close() error {
	_ = f.Disconnect()

	f.qmu.Lock()
	f.closed = true
	pending := f.queue
	f.queue = nil
	f.qcond.Broadcast()
	f.qmu.Unlock()

	for _, j := range pending {
		f.complete(j, newError(InvalidState, j.op.Name, ErrClosed))
	}

	<-f.workerDone
	f.events.close()
	return nil
}

// Subscribe returns a channel of events and a function that cancels the
// subscription. Events are queued per subscriber, so a slow reader never
// stalls the flasher.
func (f *Flasher) Subscribe() (<-chan Event, func()) {
	return f.events.subscribe()
}

func (f *Flasher) worker() {
	defer close(f.workerDone)
	for {
		f.qmu.Lock()
		for len(f.queue) == 0 && !f.closed {
			f.qcond.Wait()
		}
		if len(f.queue) == 0 {
			f.qmu.Unlock()
			return
		}
		j := f.queue[0]
		f.queue = f.queue[1:]
		f.qmu.Unlock()

		f.execute(j)
	}
}

func (f *Flasher) submit(ctx context.Context, name string, run func(ctx context.Context) error) *Operation {
	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{op: newOperation(name), ctx: jobCtx, cancel: cancel, run: run}

	f.qmu.Lock()
	if f.closed {
		f.qmu.Unlock()
		f.complete(j, newError(InvalidState, name, ErrClosed))
		return j.op
	}
	f.queue = append(f.queue, j)
	f.qcond.Signal()
	f.qmu.Unlock()

	return j.op
}

func (f *Flasher) execute(j *job) {
	if err := j.ctx.Err(); err != nil {
		f.complete(j, newError(Cancelled, j.op.Name, err))
		return
	}

	f.mu.Lock()
	f.cancel = j.cancel
	f.mu.Unlock()

	err := j.run(j.ctx)

	f.mu.Lock()
	f.cancel = nil
	f.mu.Unlock()

	f.complete(j, err)
}

func (f *Flasher) complete(j *job, err error) {
	j.cancel()
	if err != nil {
		f.log.Error().Err(err).Str("op", j.op.Name).Msg("Operation failed")
		f.events.publish(FailedEvent{Op: j.op.Name, Err: err})
	} else {
		f.events.publish(DoneEvent{Op: j.op.Name})
	}
	j.op.finish(err)
}

// session is a snapshot of the connection an operation works on.
type session struct {
	id     uint64
	state  State
	client *esprom.Client
	chip   *esprom.Chip
}

func (f *Flasher) current() session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return session{id: f.session, state: f.state, client: f.client, chip: f.chip}
}

// transition moves to state to unless the session has been replaced by a
// Disconnect in the meantime.
func (f *Flasher) transition(id uint64, to State) bool {
	f.mu.Lock()
	if id != f.session {
		f.mu.Unlock()
		return false
	}
	from := f.state
	f.state = to
	f.mu.Unlock()

	if from != to {
		f.log.Debug().Stringer("from", from).Stringer("to", to).Msg("State transition")
		f.events.publish(StateEvent{From: from, To: to})
	}
	return true
}

func (f *Flasher) fail(id uint64, err *Error) error {
	f.transition(id, StateError)
	return err
}

func (f *Flasher) status(text string) {
	f.log.Info().Msg(text)
	f.events.publish(StatusEvent{Text: text})
}

func (f *Flasher) progress(fraction float64, phase string) {
	f.events.publish(ProgressEvent{Fraction: fraction, Phase: phase})
}

// Disconnect closes the transport and returns to Disconnected from any
// state. A running operation is cancelled; nothing waits for the device.
func (f *Flasher) Disconnect() error {
	f.mu.Lock()
	f.session++
	if f.cancel != nil {
		f.cancel()
	}
	port := f.port
	f.port = nil
	f.client = nil
	f.chip = nil
	f.portName = ""
	f.builtinUSB = false
	from := f.state
	f.state = StateDisconnected
	f.mu.Unlock()

	if port != nil {
		if err := port.Close(); err != nil {
			f.log.Debug().Err(err).Msg("Transport close failed")
		}
	}
	if from != StateDisconnected {
		f.events.publish(StateEvent{From: from, To: StateDisconnected})
		f.status("Disconnected")
	}
	return nil
}

// State returns the current session state.
func (f *Flasher) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsConnected reports whether an identified chip is attached.
func (f *Flasher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.port != nil && f.chip != nil
}

// CurrentTarget returns the identified chip.
func (f *Flasher) CurrentTarget() (*esprom.Chip, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chip, f.chip != nil
}

// Port returns the identifier of the open transport, empty if none.
func (f *Flasher) Port() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.portName
}

// IsBuiltinUSB reports whether the open transport is the chip's builtin
// USB-JTAG-Serial peripheral.
func (f *Flasher) IsBuiltinUSB() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builtinUSB
}

// Stats returns the link statistics of the current session. The counters
// restart with each FlashFirmware job.
func (f *Flasher) Stats() (esprom.Statistics, bool) {
	f.mu.Lock()
	client := f.client
	f.mu.Unlock()
	if client == nil {
		return esprom.Statistics{}, false
	}
	return client.Stats(), true
}

// ConnectAsync queues Connect.
func (f *Flasher) ConnectAsync(ctx context.Context, identifier string) *Operation {
	return f.submit(ctx, "connect", func(ctx context.Context) error {
		return f.connect(ctx, identifier)
	})
}

// Connect opens identifier, enters the bootloader, syncs and identifies the
// chip. On failure the transport is released and the state is Error.
func (f *Flasher) Connect(ctx context.Context, identifier string) error {
	return f.ConnectAsync(ctx, identifier).Wait()
}

// EraseFlashAsync queues EraseFlash.
func (f *Flasher) EraseFlashAsync(ctx context.Context, addr, length uint32) *Operation {
	return f.submit(ctx, "erase", func(ctx context.Context) error {
		return f.eraseFlash(ctx, addr, length)
	})
}

// EraseFlash erases length bytes at the sector-aligned address addr. The
// length is rounded up to whole sectors.
func (f *Flasher) EraseFlash(ctx context.Context, addr, length uint32) error {
	return f.EraseFlashAsync(ctx, addr, length).Wait()
}

// FlashFirmwareAsync queues FlashFirmware. The image is copied before the
// call returns.
func (f *Flasher) FlashFirmwareAsync(ctx context.Context, image []byte, addr uint32) *Operation {
	data := padImage(image)
	size := len(image)
	return f.submit(ctx, "flash", func(ctx context.Context) error {
		return f.flashFirmware(ctx, data, size, addr)
	})
}

// FlashFirmware writes image at addr.
func (f *Flasher) FlashFirmware(ctx context.Context, image []byte, addr uint32) error {
	return f.FlashFirmwareAsync(ctx, image, addr).Wait()
}

// ReadRegister reads the 32-bit register or memory word at addr.
func (f *Flasher) ReadRegister(ctx context.Context, addr uint32) (uint32, error) {
	var value uint32
	err := f.submit(ctx, "read_reg", func(ctx context.Context) error {
		v, err := f.readRegister(ctx, addr)
		value = v
		return err
	}).Wait()
	return value, err
}

// WriteRegister sets the bits of the word at addr selected by mask to
// those of value.
func (f *Flasher) WriteRegister(ctx context.Context, addr, value, mask uint32) error {
	return f.submit(ctx, "write_reg", func(ctx context.Context) error {
		return f.writeRegister(ctx, addr, value, mask)
	}).Wait()
}

// RunAppAsync queues RunApp.
func (f *Flasher) RunAppAsync(ctx context.Context) *Operation {
	return f.submit(ctx, "run", f.runApp)
}

// RunApp leaves the bootloader and starts the application in flash. The
// session is closed afterwards.
func (f *Flasher) RunApp(ctx context.Context) error {
	return f.RunAppAsync(ctx).Wait()
}
