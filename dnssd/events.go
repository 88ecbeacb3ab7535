package dnssd

import (
	"sync"
	"time"
)

// EventKind discriminates handle notifications.
type EventKind int

const (
	// EventUp fires when a service became reachable: announce completed
	// (registration handles) or a matching instance appeared or changed
	// (browser handles).
	EventUp EventKind = iota
	// EventDown fires when a discovered instance departed, by goodbye
	// or TTL expiry. Browser handles only.
	EventDown
	// EventError fires on fatal registration failure.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventUp:
		return "up"
	case EventDown:
		return "down"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is one notification on a handle's stream.
type Event struct {
	Kind    EventKind
	Service *Service // snapshot; nil for errors
	Err     error    // set for EventError
}

// mailbox delivers events to one handle in posting order without ever
// blocking the poster. A slow (or absent) consumer only delays its own
// handle's delivery.
type mailbox struct {
	mu       sync.Mutex
	queue    []Event
	closed   bool
	deadline time.Time // drain cutoff, set on close

	wake chan struct{}
	quit chan struct{}
	out  chan Event
}

func newMailbox() *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		out:  make(chan Event),
	}
	go m.pump()
	return m
}

// C is the handle's event stream; closed when the handle stops.
func (m *mailbox) C() <-chan Event { return m.out }

func (m *mailbox) post(e Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// close stops delivery; queued events are still offered to a waiting
// consumer for a short window, then dropped.
func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.deadline = time.Now().Add(drainWindow)
	m.mu.Unlock()
	close(m.quit)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// drainWindow bounds how long a closing mailbox keeps its queued
// events on offer before dropping whatever remains.
const drainWindow = 50 * time.Millisecond

func (m *mailbox) pump() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 {
			if m.closed {
				m.mu.Unlock()
				close(m.out)
				return
			}
			m.mu.Unlock()
			<-m.wake
			m.mu.Lock()
		}
		e := m.queue[0]
		m.queue = m.queue[1:]
		closed := m.closed
		deadline := m.deadline
		m.mu.Unlock()

		if closed {
			if !m.offer(e, deadline) {
				close(m.out)
				return
			}
			continue
		}
		select {
		case m.out <- e:
		case <-m.quit:
			m.mu.Lock()
			deadline = m.deadline
			m.mu.Unlock()
			if !m.offer(e, deadline) {
				close(m.out)
				return
			}
		}
	}
}

// offer hands a final event to a consumer that is already (or almost)
// waiting; an absent consumer only delays teardown until the drain
// deadline, never blocks it. Reports whether delivery succeeded.
func (m *mailbox) offer(e Event, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case m.out <- e:
		return true
	case <-timer.C:
		return false
	}
}
