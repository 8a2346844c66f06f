// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flasher

import "sync"

// Event is delivered to subscribers. It is one of ProgressEvent,
// StatusEvent, StateEvent, DoneEvent or FailedEvent.
type Event interface {
	event()
}

// ProgressEvent reports the fraction of the current job acknowledged by the
// device. Within a job the fraction never decreases.
type ProgressEvent struct {
	Fraction float64
	Phase    string
}

// StatusEvent is a human-readable status line.
type StatusEvent struct {
	Text string
}

// StateEvent reports a state transition.
type StateEvent struct {
	From State
	To   State
}

// DoneEvent is the last event of a successful operation.
type DoneEvent struct {
	Op string
}

// FailedEvent is the last event of a failed operation.
type FailedEvent struct {
	Op  string
	Err error
}

func (ProgressEvent) event() {}
func (StatusEvent) event()   {}
func (StateEvent) event()    {}
func (DoneEvent) event()     {}
func (FailedEvent) event()   {}

// subscriber buffers events without bound so publishing never blocks.
type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool

	out  chan Event
	stop chan struct{}
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:  make(chan Event),
		stop: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.deliver()
	return s
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// close delivers what is queued, then closes the channel.
func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

// abort drops what is queued and closes the channel.
func (s *subscriber) abort() {
	s.close()
	close(s.stop)
}

func (s *subscriber) deliver() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.stop:
			return
		}
	}
}

// hub fans events out to subscribers in publish order.
type hub struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]*subscriber)}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := newSubscriber()
	if h.closed {
		s.close()
		return s.out, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = s

	var once sync.Once
	return s.out, func() {
		once.Do(func() {
			h.mu.Lock()
			_, live := h.subs[id]
			delete(h.subs, id)
			h.mu.Unlock()
			if live {
				s.abort()
			}
		})
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		s.push(ev)
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subs {
		s.close()
		delete(h.subs, id)
	}
}
