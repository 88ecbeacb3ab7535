package dnssd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMailboxDeliversInOrder(t *testing.T) {
	m := newMailbox()
	defer m.close()

	const n = 100
	for i := 0; i < n; i++ {
		m.post(Event{Kind: EventUp, Service: &Service{Port: i}})
	}
	for i := 0; i < n; i++ {
		select {
		case e := <-m.C():
			require.Equal(t, i, e.Service.Port)
		case <-time.After(eventWait):
			t.Fatalf("event %d never delivered", i)
		}
	}
}

func TestMailboxNeverBlocksPoster(t *testing.T) {
	m := newMailbox()
	defer m.close()

	// nobody consuming
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			m.post(Event{Kind: EventUp})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(eventWait):
		t.Fatal("poster blocked on an unconsumed mailbox")
	}
}

func TestMailboxCloseClosesStream(t *testing.T) {
	m := newMailbox()
	m.close()
	m.close() // idempotent
	m.post(Event{Kind: EventUp})

	select {
	case _, open := <-m.C():
		require.False(t, open)
	case <-time.After(eventWait):
		t.Fatal("stream never closed")
	}
}

func TestMailboxOffersQueuedEventOnClose(t *testing.T) {
	m := newMailbox()

	got := make(chan Event, 1)
	ready := make(chan struct{})
	go func() {
		close(ready)
		if e, open := <-m.C(); open {
			got <- e
		}
		close(got)
	}()
	<-ready

	m.post(Event{Kind: EventError, Err: ErrNameConflict})
	m.close()

	e, open := <-got
	require.True(t, open, "final event was dropped")
	require.Equal(t, EventError, e.Kind)
}

func TestEventKindString(t *testing.T) {
	require.Equal(t, "up", EventUp.String())
	require.Equal(t, "down", EventDown.String())
	require.Equal(t, "error", EventError.String())
	require.Equal(t, "unknown", EventKind(42).String())
}
