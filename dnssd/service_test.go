package dnssd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidation(t *testing.T) {
	for _, tc := range []struct {
		cfg Config
		err error
	}{
		{Config{Type: "http", Port: 80}, ErrMissingName},
		{Config{Name: "x", Port: 80}, ErrMissingType},
		{Config{Name: "x", Type: "http"}, ErrMissingPort},
		{Config{Name: "x", Type: "http", Port: 70000}, ErrMissingPort},
		{Config{Name: "x", Type: "http", Port: 80, Protocol: "sctp"}, ErrBadProtocol},
		{Config{Name: "x", Type: "http", Port: 80}, nil},
		{Config{Name: "x", Type: "http", Port: 80, Protocol: UDP}, nil},
	} {
		require.Equal(t, tc.err, tc.cfg.validate(), "%+v", tc.cfg)
	}
}

func TestNameMangling(t *testing.T) {
	require.Equal(t, "_http._tcp.local.", typeDomain("http", TCP))
	require.Equal(t, "_http._tcp.local.", typeDomain("_http", TCP))
	require.Equal(t, "_sleep-proxy._udp.local.", typeDomain("sleep-proxy", UDP))
	require.Equal(t, "_printer._sub._http._tcp.local.", subtypeDomain("printer", "http", TCP))
	require.Equal(t, "Foo Bar._test._tcp.local.", instanceName("Foo Bar", "test", TCP))
	require.Equal(t, "Foo Bar._test._tcp.local", displayFQDN(instanceName("Foo Bar", "test", TCP)))
}

func TestInstanceFromWire(t *testing.T) {
	name, svcType, proto, ok := instanceFromWire("Foo Bar._test._tcp.local.")
	require.True(t, ok)
	require.Equal(t, "Foo Bar", name)
	require.Equal(t, "test", svcType)
	require.Equal(t, TCP, proto)

	_, _, _, ok = instanceFromWire("_test._tcp.local.")
	require.False(t, ok)
	_, _, _, ok = instanceFromWire("foo._test._ip.local.")
	require.False(t, ok)
	_, _, _, ok = instanceFromWire("foo._test._tcp.example.org.")
	require.False(t, ok)
}

func TestServiceCopyIsDeep(t *testing.T) {
	svc := &Service{
		Name:      "a",
		Subtypes:  []string{"s"},
		Addresses: []string{"10.0.0.1"},
		TXT:       map[string]string{"k": "v"},
		RawTXT:    [][]byte{[]byte("k=v")},
	}
	dup := svc.copy()
	dup.Subtypes[0] = "mutated"
	dup.Addresses[0] = "mutated"
	dup.TXT["k"] = "mutated"
	dup.RawTXT[0][0] = 'X'

	require.Equal(t, "s", svc.Subtypes[0])
	require.Equal(t, "10.0.0.1", svc.Addresses[0])
	require.Equal(t, "v", svc.TXT["k"])
	require.Equal(t, byte('k'), svc.RawTXT[0][0])
}
