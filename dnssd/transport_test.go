package dnssd

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	return testutil.ToFloat64(c)
}

func newRealTransport(t *testing.T, cfg MulticastConfig) *MulticastTransport {
	t.Helper()
	transport, err := NewMulticastTransport(cfg)
	if err != nil {
		t.Skipf("no usable multicast interface: %s", err)
	}
	t.Cleanup(func() { require.NoError(t, transport.Close()) })
	return transport
}

// Responders reply unicast to the query's source port when it is not
// 5353, so the sending socket must be read as well.
func TestTransportReceivesUnicastReplies(t *testing.T) {
	transport := newRealTransport(t, MulticastConfig{})

	var mu sync.Mutex
	var received []*Packet
	transport.OnPacket(func(p *Packet) {
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
	})

	reply := new(dns.Msg)
	reply.Response = true
	reply.Authoritative = true
	reply.Answer = []dns.RR{&dns.SRV{
		Hdr:    rrHeader("one-shot._test._tcp.local.", dns.TypeSRV, 120),
		Port:   80,
		Target: "peer.local.",
	}}
	buf, err := reply.Pack()
	require.NoError(t, err)

	queryPort := transport.sendconn.LocalAddr().(*net.UDPAddr).Port
	peer, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: queryPort})
	require.NoError(t, err)
	defer peer.Close()
	_, err = peer.Write(buf)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range received {
			if len(p.Msg.Answer) == 1 && p.Msg.Answer[0].Header().Name == "one-shot._test._tcp.local." {
				return true
			}
		}
		return false
	}, eventWait, 5*time.Millisecond, "unicast reply to the query port was never delivered")
}

// With IPv6 enabled, multicast sends must go to both groups.
func TestTransportMirrorsSendsToIPv6Group(t *testing.T) {
	transport := newRealTransport(t, MulticastConfig{IPv6: true})
	require.NotNil(t, transport.conn6)

	before := counterValue(t, packetsSent)
	svc := &Service{
		Name: "dual", Type: "test", Protocol: TCP,
		Port: 80, Host: "dual.local", Addresses: []string{"10.0.0.1"},
	}
	if err := transport.Send(serviceRecords(svc, 120), nil); err != nil {
		t.Skipf("IPv6 multicast send not routable here: %s", err)
	}

	// one datagram per joined group
	require.Equal(t, before+2, counterValue(t, packetsSent))
}
