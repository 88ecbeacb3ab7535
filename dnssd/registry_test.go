package dnssd

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestUnpublishAllWithNothingPublished(t *testing.T) {
	bus := newMockBus()
	reg, _ := newTestRegistry(bus, "alpha", "10.0.0.1")
	defer reg.Destroy()

	require.NoError(t, reg.UnpublishAll())
}

func TestUnpublishAllWithdrawsEverything(t *testing.T) {
	bus := newMockBus()
	reg, _ := newTestRegistry(bus, "alpha", "10.0.0.1")
	defer reg.Destroy()

	for _, name := range []string{"one", "two", "three"} {
		r, err := reg.Publish(Config{Name: name, Type: "test", Port: 80, SkipProbe: true})
		require.NoError(t, err)
		_, ok := nextEvent(r.Events(), eventWait)
		require.True(t, ok)
	}
	require.Len(t, reg.Published(), 3)

	require.NoError(t, reg.UnpublishAll())
	require.Empty(t, reg.Published())
}

func TestDestroyRejectsFurtherOperations(t *testing.T) {
	bus := newMockBus()
	reg, _ := newTestRegistry(bus, "alpha", "10.0.0.1")

	r, err := reg.Publish(Config{Name: "gone", Type: "test", Port: 80, SkipProbe: true})
	require.NoError(t, err)
	_, ok := nextEvent(r.Events(), eventWait)
	require.True(t, ok)

	require.NoError(t, reg.Destroy())
	require.Empty(t, reg.Published())

	_, err = reg.Publish(Config{Name: "late", Type: "test", Port: 80})
	require.Equal(t, ErrRegistryDestroyed, err)
	_, err = reg.Find(Filter{Type: "test"})
	require.Equal(t, ErrRegistryDestroyed, err)

	// destroy is idempotent
	require.NoError(t, reg.Destroy())
}

func TestDestroyStopsBrowsers(t *testing.T) {
	bus := newMockBus()
	reg, _ := newTestRegistry(bus, "alpha", "10.0.0.1")

	b, err := reg.Find(Filter{Type: "test"})
	require.NoError(t, err)

	require.NoError(t, reg.Destroy())

	_, open := <-b.Events()
	require.False(t, open, "browser stream still open after destroy")
}

func TestImmediateDestroyLeavesNothingBehind(t *testing.T) {
	bus := newMockBus()
	reg, _ := newTestRegistry(bus, "alpha", "10.0.0.1")
	require.NoError(t, reg.Destroy())
}
