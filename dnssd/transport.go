package dnssd

import (
	"net"
	"sync"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/salutego/salute/common"
)

const (
	ipv4mdns = "224.0.0.251" // link-local multicast address
	ipv6mdns = "ff02::fb"
	mdnsPort = 5353 // mDNS assigned port

	maxPacketSize = 65536
)

var (
	ipv4Group = &net.UDPAddr{IP: net.ParseIP(ipv4mdns), Port: mdnsPort}
	ipv6Group = &net.UDPAddr{IP: net.ParseIP(ipv6mdns), Port: mdnsPort}
)

// Packet is one received resource-record message plus sender metadata.
type Packet struct {
	Msg     *dns.Msg
	Referer Referer
}

// Transport sends and receives resource-record messages over the
// multicast domain. The engines never touch sockets directly; they
// depend on this contract only.
type Transport interface {
	// Send transmits records as a single authoritative response packet,
	// multicast when dst is nil, unicast to dst otherwise.
	Send(records []dns.RR, dst *net.UDPAddr) error
	// Query transmits the given questions as one query packet.
	Query(questions []dns.Question) error
	// OnPacket registers the handler invoked once per received packet.
	// The handler must not block.
	OnPacket(handler func(*Packet))
	Close() error
}

// MulticastConfig carries the binding parameters of the default
// transport: group membership per interface, optional IPv6.
type MulticastConfig struct {
	Interfaces []net.Interface // default: all multicast-capable interfaces
	IPv6       bool            // also join the IPv6 group
}

// MulticastTransport is the default Transport, bound to the standard
// mDNS group(s) on port 5353.
type MulticastTransport struct {
	mu      sync.RWMutex
	handler func(*Packet)

	conn4 *net.UDPConn
	conn6 *net.UDPConn
	// outgoing packets leave from an ephemeral port. Compliant
	// responders treat such queries as legacy one-shot queries and
	// reply unicast to that port, so it gets a receive loop too.
	sendconn *net.UDPConn

	closing chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewMulticastTransport binds the multicast group(s) and starts the
// receive loops. Bind failure is fatal to the caller.
func NewMulticastTransport(cfg MulticastConfig) (*MulticastTransport, error) {
	ifaces := cfg.Interfaces
	if len(ifaces) == 0 {
		ifaces = listMulticastInterfaces()
	}

	conn4, err := joinUDP4Multicast(ifaces)
	if err != nil {
		return nil, err
	}

	var conn6 *net.UDPConn
	if cfg.IPv6 {
		if conn6, err = joinUDP6Multicast(ifaces); err != nil {
			conn4.Close()
			return nil, err
		}
	}

	sendconn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		conn4.Close()
		if conn6 != nil {
			conn6.Close()
		}
		return nil, errors.Wrap(err, "binding mDNS send socket")
	}

	t := &MulticastTransport{
		conn4:    conn4,
		conn6:    conn6,
		sendconn: sendconn,
		closing:  make(chan struct{}),
	}
	t.wg.Add(2)
	go t.recvLoop(t.conn4)
	go t.recvLoop(t.sendconn)
	if t.conn6 != nil {
		t.wg.Add(1)
		go t.recvLoop(t.conn6)
	}
	return t, nil
}

func joinUDP4Multicast(ifaces []net.Interface) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: mdnsPort})
	if err != nil {
		return nil, errors.Wrap(err, "binding mDNS IPv4 listener")
	}
	pconn := ipv4.NewPacketConn(conn)
	pconn.SetMulticastLoopback(true)
	joined := 0
	for i := range ifaces {
		if err := pconn.JoinGroup(&ifaces[i], &net.UDPAddr{IP: ipv4Group.IP}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		conn.Close()
		return nil, errors.New("no suitable IPv4 interface to join the mDNS group")
	}
	return conn, nil
}

func joinUDP6Multicast(ifaces []net.Interface) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified, Port: mdnsPort})
	if err != nil {
		return nil, errors.Wrap(err, "binding mDNS IPv6 listener")
	}
	pconn := ipv6.NewPacketConn(conn)
	pconn.SetMulticastLoopback(true)
	joined := 0
	for i := range ifaces {
		if err := pconn.JoinGroup(&ifaces[i], &net.UDPAddr{IP: ipv6Group.IP}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		conn.Close()
		return nil, errors.New("no suitable IPv6 interface to join the mDNS group")
	}
	return conn, nil
}

func listMulticastInterfaces() []net.Interface {
	var result []net.Interface
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, ifi := range ifaces {
		if (ifi.Flags&net.FlagUp) == 0 || (ifi.Flags&net.FlagMulticast) == 0 {
			continue
		}
		result = append(result, ifi)
	}
	return result
}

func (t *MulticastTransport) OnPacket(handler func(*Packet)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

func (t *MulticastTransport) Send(records []dns.RR, dst *net.UDPAddr) error {
	msg := new(dns.Msg)
	msg.MsgHdr.Response = true
	msg.MsgHdr.Authoritative = true
	msg.Answer = records
	return t.write(msg, dst)
}

func (t *MulticastTransport) Query(questions []dns.Question) error {
	msg := new(dns.Msg)
	msg.Id = dns.Id()
	msg.RecursionDesired = false
	msg.Question = questions
	return t.write(msg, nil)
}

func (t *MulticastTransport) write(msg *dns.Msg, dst *net.UDPAddr) error {
	buf, err := msg.Pack()
	if err != nil {
		return errors.Wrap(err, "packing mDNS message")
	}
	if dst != nil {
		if dst.IP.To4() == nil && t.conn6 != nil {
			return t.writeTo(t.conn6, buf, dst)
		}
		return t.writeTo(t.sendconn, buf, dst)
	}
	// multicast goes to every group we are joined to
	if err := t.writeTo(t.sendconn, buf, ipv4Group); err != nil {
		return err
	}
	if t.conn6 != nil {
		return t.writeTo(t.conn6, buf, ipv6Group)
	}
	return nil
}

func (t *MulticastTransport) writeTo(conn *net.UDPConn, buf []byte, dst *net.UDPAddr) error {
	if _, err := conn.WriteToUDP(buf, dst); err != nil {
		return errors.Wrapf(err, "writing mDNS message to %s", dst)
	}
	packetsSent.Inc()
	return nil
}

func (t *MulticastTransport) recvLoop(conn *net.UDPConn) {
	defer t.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closing:
				return
			default:
				common.Log.Debugf("[mdns] transport: read error: %s", err)
				continue
			}
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			// not a DNS packet; ignore
			continue
		}
		packetsReceived.Inc()
		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()
		if handler != nil {
			handler(&Packet{Msg: msg, Referer: refererFor(from, n)})
		}
	}
}

func (t *MulticastTransport) Close() error {
	t.once.Do(func() {
		close(t.closing)
		t.conn4.Close()
		if t.conn6 != nil {
			t.conn6.Close()
		}
		t.sendconn.Close()
	})
	t.wg.Wait()
	return nil
}
