package dnssd

import (
	"net"
	"strings"

	"github.com/miekg/dns"
)

// enumDomain is the meta-query name under which every published type
// is announced, so browsers can enumerate service types.
const enumDomain = "_services._dns-sd._udp.local."

func rrHeader(name string, rrtype uint16, ttl uint32) dns.RR_Header {
	return dns.RR_Header{
		Name:   name,
		Rrtype: rrtype,
		Class:  dns.ClassINET,
		Ttl:    ttl,
	}
}

// serviceRecords builds the full authoritative record set for one
// service instance: PTR (type to instance, plus one per subtype and
// the type-enumeration pointer), SRV, TXT and address records.
func serviceRecords(svc *Service, ttl uint32) []dns.RR {
	instance := instanceName(svc.Name, svc.Type, svc.Protocol)
	typeDom := typeDomain(svc.Type, svc.Protocol)
	hostWire := dns.Fqdn(svc.Host)

	records := []dns.RR{
		&dns.PTR{
			Hdr: rrHeader(typeDom, dns.TypePTR, ttl),
			Ptr: instance,
		},
		&dns.PTR{
			Hdr: rrHeader(enumDomain, dns.TypePTR, ttl),
			Ptr: typeDom,
		},
	}
	for _, sub := range svc.Subtypes {
		records = append(records, &dns.PTR{
			Hdr: rrHeader(subtypeDomain(sub, svc.Type, svc.Protocol), dns.TypePTR, ttl),
			Ptr: instance,
		})
	}

	records = append(records, &dns.SRV{
		Hdr:      rrHeader(instance, dns.TypeSRV, ttl),
		Priority: 0,
		Weight:   0,
		Port:     uint16(svc.Port),
		Target:   hostWire,
	})

	values := make([]string, len(svc.RawTXT))
	for i, chunk := range svc.RawTXT {
		values[i] = string(chunk)
	}
	records = append(records, &dns.TXT{
		Hdr: rrHeader(instance, dns.TypeTXT, ttl),
		Txt: values,
	})

	records = append(records, addressRecords(hostWire, svc.Addresses, ttl)...)
	return records
}

func addressRecords(hostWire string, addresses []string, ttl uint32) []dns.RR {
	var records []dns.RR
	for _, addr := range addresses {
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		if ip4 := ip.To4(); ip4 != nil {
			records = append(records, &dns.A{
				Hdr: rrHeader(hostWire, dns.TypeA, ttl),
				A:   ip4,
			})
		} else {
			records = append(records, &dns.AAAA{
				Hdr:  rrHeader(hostWire, dns.TypeAAAA, ttl),
				AAAA: ip,
			})
		}
	}
	return records
}

// answerSet is the partial description of one instance assembled from
// a single received message.
type answerSet struct {
	instance  string // wire instance name
	typeDom   string // wire type domain, when a PTR was present
	ptrName   string // owner name of that PTR (may be a subtype domain)
	hasPTR    bool
	hasSRV    bool
	hasTXT    bool
	goodbye   bool // a PTR or SRV carried TTL=0
	host      string
	port      int
	txtValues []string
	addrs     []string
	ttl       uint32 // smallest positive TTL seen for the instance
}

func (a *answerSet) noteTTL(ttl uint32) {
	if ttl > 0 && (a.ttl == 0 || ttl < a.ttl) {
		a.ttl = ttl
	}
}

// parseAnswerSets groups the records of a received message by service
// instance. Unparseable or unrelated records are skipped; metadata
// from the network is advisory.
func parseAnswerSets(msg *dns.Msg) []*answerSet {
	sets := make(map[string]*answerSet)
	order := []string{}
	get := func(instance string) *answerSet {
		if s, found := sets[instance]; found {
			return s
		}
		s := &answerSet{instance: instance}
		sets[instance] = s
		order = append(order, instance)
		return s
	}

	addrsByHost := make(map[string][]string)

	records := append(append([]dns.RR{}, msg.Answer...), msg.Extra...)
	for _, rr := range records {
		switch record := rr.(type) {
		case *dns.PTR:
			if record.Hdr.Name == enumDomain {
				continue
			}
			if _, _, _, ok := instanceFromWire(record.Ptr); !ok {
				continue
			}
			s := get(record.Ptr)
			s.hasPTR = true
			s.ptrName = record.Hdr.Name
			s.typeDom = canonicalTypeDomain(record.Hdr.Name)
			s.noteTTL(record.Hdr.Ttl)
			if record.Hdr.Ttl == 0 {
				s.goodbye = true
			}
		case *dns.SRV:
			s := get(record.Hdr.Name)
			s.hasSRV = true
			s.host = record.Target
			s.port = int(record.Port)
			s.noteTTL(record.Hdr.Ttl)
			if record.Hdr.Ttl == 0 {
				s.goodbye = true
			}
		case *dns.TXT:
			s := get(record.Hdr.Name)
			s.hasTXT = true
			s.txtValues = record.Txt
			s.noteTTL(record.Hdr.Ttl)
		case *dns.A:
			addrsByHost[record.Hdr.Name] = append(addrsByHost[record.Hdr.Name], record.A.String())
		case *dns.AAAA:
			addrsByHost[record.Hdr.Name] = append(addrsByHost[record.Hdr.Name], record.AAAA.String())
		}
	}

	result := make([]*answerSet, 0, len(order))
	for _, instance := range order {
		s := sets[instance]
		if s.host != "" {
			s.addrs = addrsByHost[s.host]
		}
		result = append(result, s)
	}
	return result
}

// canonicalTypeDomain maps a subtype browse domain back to its base
// type domain; plain type domains pass through unchanged.
func canonicalTypeDomain(name string) string {
	if i := strings.Index(name, "._sub."); i >= 0 {
		return name[i+len("._sub."):]
	}
	return name
}
