package dnssd

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"

	"github.com/salutego/salute/common"
)

// mockBus wires mock transports together like hosts sharing a
// multicast segment: everything sent by one is delivered to all
// others (not back to the sender).
type mockBus struct {
	mu         sync.Mutex
	transports []*mockTransport
}

func newMockBus() *mockBus {
	return &mockBus{}
}

func (bus *mockBus) newTransport(addr string) *mockTransport {
	t := &mockTransport{bus: bus, addr: addr}
	bus.mu.Lock()
	bus.transports = append(bus.transports, t)
	bus.mu.Unlock()
	return t
}

// deliver round-trips the message through the wire codec so receivers
// observe realistic packets (and sizes).
func (bus *mockBus) deliver(from *mockTransport, msg *dns.Msg) error {
	buf, err := msg.Pack()
	if err != nil {
		return err
	}
	bus.mu.Lock()
	receivers := append([]*mockTransport(nil), bus.transports...)
	bus.mu.Unlock()
	for _, t := range receivers {
		if t == from {
			continue
		}
		t.inject(buf, from.addr)
	}
	return nil
}

type mockTransport struct {
	bus  *mockBus
	addr string

	mu        sync.Mutex
	handler   func(*Packet)
	sent      [][]dns.RR
	queries   [][]dns.Question
	failSends int
	closed    bool
}

func (t *mockTransport) Send(records []dns.RR, dst *net.UDPAddr) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	if t.failSends > 0 {
		t.failSends--
		t.mu.Unlock()
		return errors.New("injected send failure")
	}
	t.sent = append(t.sent, records)
	t.mu.Unlock()

	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true
	msg.Answer = records
	return t.bus.deliver(t, msg)
}

func (t *mockTransport) Query(questions []dns.Question) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	t.queries = append(t.queries, questions)
	t.mu.Unlock()

	msg := new(dns.Msg)
	msg.Id = dns.Id()
	msg.Question = questions
	return t.bus.deliver(t, msg)
}

func (t *mockTransport) OnPacket(handler func(*Packet)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *mockTransport) inject(buf []byte, fromAddr string) {
	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return
	}
	t.mu.Lock()
	handler := t.handler
	closed := t.closed
	t.mu.Unlock()
	if closed || handler == nil {
		return
	}
	handler(&Packet{
		Msg: msg,
		Referer: Referer{
			Address: fromAddr,
			Port:    mdnsPort,
			Family:  "IPv4",
			Size:    len(buf),
		},
	})
}

func (t *mockTransport) queryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queries)
}

func (t *mockTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *mockTransport) failNextSends(n int) {
	t.mu.Lock()
	t.failSends = n
	t.mu.Unlock()
}

// testTuning shrinks the protocol cadences so lifecycle tests finish
// in tens of milliseconds.
func testTuning() tuning {
	tune := defaultTuning()
	tune.probeInterval = 5 * time.Millisecond
	tune.announceDelay = 5 * time.Millisecond
	tune.retryInterval = time.Millisecond
	tune.requeryInterval = 50 * time.Millisecond
	tune.maxRequeryInterval = 200 * time.Millisecond
	tune.sweepInterval = 20 * time.Millisecond
	return tune
}

// newTestRegistry builds a registry on the bus with fixed host state.
func newTestRegistry(bus *mockBus, host string, addrs ...string) (*Registry, *mockTransport) {
	common.InitDefaultLogging(testing.Verbose())
	transport := bus.newTransport(host)
	reg := New(RegistryConfig{
		Transport: transport,
		Hostname:  func() (string, error) { return host + ".local", nil },
		Addresses: func() ([]string, error) { return addrs, nil },
	})
	reg.tune = testTuning()
	return reg, transport
}

// nextEvent waits for one event on the stream.
func nextEvent(events <-chan Event, timeout time.Duration) (Event, bool) {
	select {
	case e, ok := <-events:
		return e, ok
	case <-time.After(timeout):
		return Event{}, false
	}
}

// noEvent asserts silence on the stream for the given window.
func noEvent(events <-chan Event, window time.Duration) (Event, bool) {
	select {
	case e, ok := <-events:
		if !ok {
			return Event{}, false
		}
		return e, true
	case <-time.After(window):
		return Event{}, false
	}
}
