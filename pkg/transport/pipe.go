// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"sync"
	"time"
)

// byteQueue is an unbounded byte FIFO with a wakeup signal for readers.
type byteQueue struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
	notify chan struct{}
}

func newByteQueue() *byteQueue {
	return &byteQueue{notify: make(chan struct{}, 1)}
}

func (q *byteQueue) push(p []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.buf = append(q.buf, p...)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *byteQueue) pop(timeout time.Duration) (byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			b := q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()
			return b, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return 0, ErrClosed
		}

		select {
		case <-q.notify:
		case <-timer.C:
			return 0, ErrTimeout
		}
	}
}

func (q *byteQueue) drain() {
	q.mu.Lock()
	q.buf = q.buf[:0]
	q.mu.Unlock()
}

func (q *byteQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// PipeEnd is one side of an in-memory duplex transport.
type PipeEnd struct {
	in  *byteQueue
	out *byteQueue

	closeOnce sync.Once
}

// NewPipe returns two connected transports: bytes written to one are read
// from the other. Closing either side closes both directions.
func NewPipe() (*PipeEnd, *PipeEnd) {
	ab := newByteQueue()
	ba := newByteQueue()
	return &PipeEnd{in: ba, out: ab}, &PipeEnd{in: ab, out: ba}
}

// ReadByteTimeout implements Transport.
func (p *PipeEnd) ReadByteTimeout(timeout time.Duration) (byte, error) {
	return p.in.pop(timeout)
}

func (p *PipeEnd) Write(b []byte) (int, error) {
	if err := p.out.push(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() {
		p.in.close()
		p.out.close()
	})
	return nil
}

// ResetInputBuffer implements InputFlusher.
func (p *PipeEnd) ResetInputBuffer() error {
	p.in.drain()
	return nil
}
