// Package dnssd implements Multicast DNS Service Discovery (RFC 6762/6763):
// publishing named service instances on the local link and browsing for
// instances published by others, with no central registry involved.
package dnssd

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Protocol is the transport protocol label of a service type.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

const (
	// LocalDomain is the browsing domain; link-local mDNS only ever
	// operates in ".local".
	LocalDomain = "local"

	// DefaultTTL is the TTL (seconds) of published records; peers must
	// see a renewal within this window to keep an instance alive.
	DefaultTTL = 120
)

var (
	ErrMissingName       = errors.New("missing service instance name")
	ErrMissingType       = errors.New("missing service type")
	ErrMissingPort       = errors.New("missing or invalid port")
	ErrBadProtocol       = errors.New("protocol must be tcp or udp")
	ErrNameConflict      = errors.New("service name conflicts exhausted rename attempts")
	ErrRegistryDestroyed = errors.New("registry has been destroyed")
)

// Config describes a service to be published.
type Config struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Protocol Protocol          `json:"protocol,omitempty"` // default tcp
	Port     int               `json:"port"`
	Host     string            `json:"host,omitempty"` // default local hostname
	TXT      map[string]string `json:"txt,omitempty"`
	RawTXT   [][]byte          `json:"rawTxt,omitempty"` // verbatim chunks; bypasses TXT encoding
	Subtypes []string          `json:"subtypes,omitempty"`
	TTL      uint32            `json:"ttl,omitempty"` // default DefaultTTL

	// SkipProbe publishes without checking the name for uniqueness first.
	SkipProbe bool `json:"skipProbe,omitempty"`
}

func (c *Config) validate() error {
	if c.Name == "" {
		return ErrMissingName
	}
	if c.Type == "" {
		return ErrMissingType
	}
	if c.Port <= 0 || c.Port > 65535 {
		return ErrMissingPort
	}
	switch c.Protocol {
	case "", TCP, UDP:
	default:
		return ErrBadProtocol
	}
	return nil
}

// Referer describes the sender of the packet that produced or last
// updated a discovered service.
type Referer struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Family  string `json:"family"` // "IPv4" or "IPv6"
	Size    int    `json:"size"`   // wire size of the packet
}

// Service is a snapshot of a published or discovered service instance.
type Service struct {
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Protocol  Protocol          `json:"protocol"`
	Subtypes  []string          `json:"subtypes"`
	Port      int               `json:"port"`
	Host      string            `json:"host"`
	FQDN      string            `json:"fqdn"`
	TXT       map[string]string `json:"txt"`
	RawTXT    [][]byte          `json:"rawTxt"`
	Addresses []string          `json:"addresses"`
	TTL       uint32            `json:"ttl"`
	Published bool              `json:"published"`
	Referer   Referer           `json:"referer,omitempty"`
}

// copy returns a snapshot safe to hand across goroutines.
func (s *Service) copy() *Service {
	c := *s
	c.Subtypes = append([]string(nil), s.Subtypes...)
	c.Addresses = append([]string(nil), s.Addresses...)
	c.RawTXT = copyChunks(s.RawTXT)
	c.TXT = make(map[string]string, len(s.TXT))
	for k, v := range s.TXT {
		c.TXT[k] = v
	}
	return &c
}

func copyChunks(chunks [][]byte) [][]byte {
	if chunks == nil {
		return nil
	}
	out := make([][]byte, len(chunks))
	for i, c := range chunks {
		out[i] = append([]byte(nil), c...)
	}
	return out
}

// typeDomain returns the wire name of a service type,
// e.g. ("http", tcp) -> "_http._tcp.local."
func typeDomain(svcType string, proto Protocol) string {
	return fmt.Sprintf("_%s._%s.%s.", strings.Trim(svcType, "_."), proto, LocalDomain)
}

// subtypeDomain returns the wire name of a service subtype,
// e.g. "_printer._sub._http._tcp.local."
func subtypeDomain(subtype, svcType string, proto Protocol) string {
	return fmt.Sprintf("_%s._sub.%s", strings.Trim(subtype, "_."), typeDomain(svcType, proto))
}

// instanceName returns the wire name of a service instance,
// e.g. "Foo Bar._http._tcp.local."
func instanceName(name, svcType string, proto Protocol) string {
	return fmt.Sprintf("%s.%s", name, typeDomain(svcType, proto))
}

// displayFQDN strips the trailing dot off a wire name for presentation.
func displayFQDN(wire string) string {
	return strings.TrimSuffix(wire, ".")
}

// instanceFromWire splits a wire instance name back into (name, type,
// protocol); ok is false when the name does not look like a DNS-SD
// instance in .local.
func instanceFromWire(wire string) (name, svcType string, proto Protocol, ok bool) {
	labels := dns.SplitDomainName(wire)
	// <instance>...<_type>._tcp|_udp.local
	if len(labels) < 4 {
		return "", "", "", false
	}
	n := len(labels)
	if labels[n-1] != LocalDomain {
		return "", "", "", false
	}
	switch labels[n-2] {
	case "_tcp":
		proto = TCP
	case "_udp":
		proto = UDP
	default:
		return "", "", "", false
	}
	svcType = strings.TrimPrefix(labels[n-3], "_")
	name = strings.Join(labels[:n-3], ".")
	if name == "" || svcType == "" {
		return "", "", "", false
	}
	return name, svcType, proto, true
}

func defaultHostname() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", errors.Wrap(err, "cannot determine local hostname")
	}
	if !strings.HasSuffix(name, "."+LocalDomain) {
		name = name + "." + LocalDomain
	}
	return name, nil
}

// refererFor fills sender metadata for a packet received from addr.
func refererFor(addr net.Addr, size int) Referer {
	ref := Referer{Size: size}
	if udp, ok := addr.(*net.UDPAddr); ok {
		ref.Address = udp.IP.String()
		ref.Port = udp.Port
		if udp.IP.To4() != nil {
			ref.Family = "IPv4"
		} else {
			ref.Family = "IPv6"
		}
	}
	return ref
}
