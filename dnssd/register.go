package dnssd

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/miekg/dns"

	"github.com/salutego/salute/common"
)

type regState int

const (
	stateUnpublished regState = iota
	stateProbing
	stateAnnouncing
	statePublished
	stateUnpublishing
)

// tuning groups the timer cadences of the engines. Production uses
// defaultTuning; tests shrink the intervals.
type tuning struct {
	probeCount    int
	probeInterval time.Duration

	announceCount int
	announceDelay time.Duration // doubles after every announcement

	maxRenames int // bound on conflict-driven renames before giving up

	sendRetries   uint64
	retryInterval time.Duration

	reannounceInterval time.Duration // 0: derive from the record TTL

	requeryInterval    time.Duration // browser re-query, doubles up to the max
	maxRequeryInterval time.Duration
	sweepInterval      time.Duration // browser TTL-expiry sweep
}

func defaultTuning() tuning {
	return tuning{
		probeCount:         3,
		probeInterval:      250 * time.Millisecond,
		announceCount:      3,
		announceDelay:      time.Second,
		maxRenames:         10,
		sendRetries:        3,
		retryInterval:      100 * time.Millisecond,
		requeryInterval:    4 * time.Second,
		maxRequeryInterval: time.Minute,
		sweepInterval:      time.Second,
	}
}

type probeResult int

const (
	probeOK probeResult = iota
	probeStopped
	probeExhausted
)

// Registration is the handle of one published service. It drives the
// per-instance state machine: probe, announce, steady-state renewal,
// goodbye.
type Registration struct {
	registry  *Registry
	transport Transport
	clk       clock.Clock
	tune      tuning

	mu    sync.RWMutex
	svc   *Service
	state regState

	baseName string
	attempt  int

	recv   chan *Packet
	events *mailbox

	quit     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	skipProbe bool
}

func newRegistration(registry *Registry, transport Transport, clk clock.Clock, tune tuning, svc *Service, skipProbe bool) *Registration {
	return &Registration{
		registry:  registry,
		transport: transport,
		clk:       clk,
		tune:      tune,
		svc:       svc,
		baseName:  svc.Name,
		recv:      make(chan *Packet, inboxSize),
		events:    newMailbox(),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		skipProbe: skipProbe,
	}
}

const inboxSize = 16

// Service returns a snapshot of the service as currently advertised;
// the name may differ from the configured one after conflict renames.
func (r *Registration) Service() *Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.svc.copy()
}

// Published reports whether the instance is between successful
// announce completion and unpublish.
func (r *Registration) Published() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.svc.Published
}

// Events is the handle's notification stream: one EventUp per
// successful (re-)announce completion, EventError on fatal
// registration failure. Closed when the registration is destroyed.
func (r *Registration) Events() <-chan Event {
	return r.events.C()
}

// Unpublish withdraws the service: goodbye packets are sent and the
// handle is destroyed. Safe to call more than once.
func (r *Registration) Unpublish() error {
	return r.registry.Unpublish(r)
}

func (r *Registration) enqueue(p *Packet) {
	select {
	case r.recv <- p:
	default:
		// a slow engine must not stall the shared listener
		r.debugf("inbox full, dropping packet")
	}
}

// stop requests teardown and waits for the goodbye to go out (or its
// retry budget to exhaust).
func (r *Registration) stop() {
	r.stopOnce.Do(func() { close(r.quit) })
	<-r.done
}

func (r *Registration) run() {
	defer close(r.done)
	defer r.events.close()
	defer r.registry.dropRegistration(r)

	if !r.skipProbe {
		switch r.probe() {
		case probeStopped:
			return // nothing was announced; no goodbye owed
		case probeExhausted:
			r.warnf("could not claim a unique name after %d attempts", r.attempt)
			r.events.post(Event{Kind: EventError, Err: ErrNameConflict})
			return
		case probeOK:
		}
	}

	if !r.announce() {
		// interrupted mid-announce: withdraw whatever peers heard
		r.goodbye()
		return
	}

	r.setPublished(true)
	r.events.post(Event{Kind: EventUp, Service: r.Service()})
	r.steady()
	r.setPublished(false)
	r.goodbye()
}

// probe verifies the candidate name is unclaimed, renaming with a
// deterministic " (N)" suffix and re-probing on every conflict, up to
// the rename bound.
func (r *Registration) probe() probeResult {
	r.setState(stateProbing)
	for {
		conflict, stopped := r.probeOnce()
		if stopped {
			return probeStopped
		}
		if !conflict {
			return probeOK
		}
		probeConflicts.Inc()
		if r.attempt >= r.tune.maxRenames {
			return probeExhausted
		}
		r.attempt++
		r.rename()
	}
}

// probeOnce sends the probe sequence for the current candidate name
// and watches for an authoritative response claiming it.
func (r *Registration) probeOnce() (conflict, stopped bool) {
	wire := r.wireInstance()
	r.debugf("probing for %s", wire)
	questions := []dns.Question{{Name: wire, Qtype: dns.TypeANY, Qclass: dns.ClassINET}}

	for i := 0; i < r.tune.probeCount; i++ {
		if err := r.transport.Query(questions); err != nil {
			r.debugf("probe query failed: %s", err)
		}
		timer := r.clk.Timer(r.tune.probeInterval)
	wait:
		for {
			select {
			case <-r.quit:
				timer.Stop()
				return false, true
			case p := <-r.recv:
				if r.conflictsWith(p, wire) {
					timer.Stop()
					r.infof("name %q is taken on this link", r.svc.Name)
					return true, false
				}
			case <-timer.C:
				break wait
			}
		}
	}
	return false, false
}

// conflictsWith reports whether a received packet carries a live
// authoritative claim on the given instance name.
func (r *Registration) conflictsWith(p *Packet, wire string) bool {
	if !p.Msg.Response {
		return false
	}
	for _, rr := range p.Msg.Answer {
		if rr.Header().Ttl == 0 {
			continue // a goodbye is a withdrawal, not a claim
		}
		switch rr.Header().Rrtype {
		case dns.TypeSRV, dns.TypeTXT:
			if strings.EqualFold(rr.Header().Name, wire) {
				return true
			}
		}
	}
	return false
}

func (r *Registration) rename() {
	r.mu.Lock()
	r.svc.Name = fmt.Sprintf("%s (%d)", r.baseName, r.attempt+1)
	r.svc.FQDN = displayFQDN(instanceName(r.svc.Name, r.svc.Type, r.svc.Protocol))
	r.mu.Unlock()
	r.infof("renamed to %q", r.svc.Name)
}

// announce broadcasts the unsolicited record set a small number of
// times with increasing delay. Returns false when stopped early.
func (r *Registration) announce() bool {
	r.setState(stateAnnouncing)
	delay := r.tune.announceDelay
	for i := 0; i < r.tune.announceCount; i++ {
		if i > 0 {
			timer := r.clk.Timer(delay)
			select {
			case <-r.quit:
				timer.Stop()
				return false
			case <-timer.C:
			}
			delay *= 2
		}
		r.sendWithRetry(serviceRecords(r.Service(), r.ttl()))
	}
	r.infof("announced %s", r.fqdn())
	return true
}

// steady answers matching queries on demand and re-announces before
// the record TTL elapses, until unpublished.
func (r *Registration) steady() {
	r.setState(statePublished)
	ticker := r.clk.Ticker(r.reannounceInterval())
	defer ticker.Stop()
	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
			r.debugf("re-announcing %s", r.fqdn())
			r.sendWithRetry(serviceRecords(r.Service(), r.ttl()))
		case p := <-r.recv:
			r.answer(p)
		}
	}
}

// answer responds to queries that name this instance, its type, its
// type enumeration or its host.
func (r *Registration) answer(p *Packet) {
	if p.Msg.Response || len(p.Msg.Question) == 0 {
		return
	}
	svc := r.Service()
	wire := instanceName(svc.Name, svc.Type, svc.Protocol)
	typeDom := typeDomain(svc.Type, svc.Protocol)
	hostWire := dns.Fqdn(svc.Host)
	ttl := r.ttl()

	var answers []dns.RR
	for i := range p.Msg.Question {
		q := &p.Msg.Question[i]
		switch {
		case strings.EqualFold(q.Name, typeDom) && queryWants(q, dns.TypePTR):
			answers = append(answers, serviceRecords(svc, ttl)...)
		case strings.EqualFold(q.Name, enumDomain) && queryWants(q, dns.TypePTR):
			answers = append(answers, &dns.PTR{
				Hdr: rrHeader(enumDomain, dns.TypePTR, ttl),
				Ptr: typeDom,
			})
		case r.matchesSubtype(q.Name, svc) && queryWants(q, dns.TypePTR):
			answers = append(answers, serviceRecords(svc, ttl)...)
		case strings.EqualFold(q.Name, wire):
			if queryWants(q, dns.TypeSRV) {
				answers = append(answers, &dns.SRV{
					Hdr:    rrHeader(wire, dns.TypeSRV, ttl),
					Port:   uint16(svc.Port),
					Target: hostWire,
				})
				answers = append(answers, addressRecords(hostWire, svc.Addresses, ttl)...)
			}
			if queryWants(q, dns.TypeTXT) {
				values := make([]string, len(svc.RawTXT))
				for i, chunk := range svc.RawTXT {
					values[i] = string(chunk)
				}
				answers = append(answers, &dns.TXT{
					Hdr: rrHeader(wire, dns.TypeTXT, ttl),
					Txt: values,
				})
			}
		case strings.EqualFold(q.Name, hostWire) && (queryWants(q, dns.TypeA) || queryWants(q, dns.TypeAAAA)):
			answers = append(answers, addressRecords(hostWire, svc.Addresses, ttl)...)
		}
	}
	if len(answers) == 0 {
		return
	}
	r.debugf("answering query from %s:%d with %d records", p.Referer.Address, p.Referer.Port, len(answers))
	if err := r.transport.Send(answers, nil); err != nil {
		r.debugf("failed to answer query: %s", err)
	}
}

func (r *Registration) matchesSubtype(qname string, svc *Service) bool {
	for _, sub := range svc.Subtypes {
		if strings.EqualFold(qname, subtypeDomain(sub, svc.Type, svc.Protocol)) {
			return true
		}
	}
	return false
}

func queryWants(q *dns.Question, rrtype uint16) bool {
	return q.Qtype == rrtype || q.Qtype == dns.TypeANY
}

// goodbye re-sends the record set with TTL=0 so peers drop the
// instance immediately.
func (r *Registration) goodbye() {
	r.setState(stateUnpublishing)
	r.debugf("sending goodbye for %s", r.fqdn())
	r.sendWithRetry(serviceRecords(r.Service(), 0))
	r.setState(stateUnpublished)
}

// sendWithRetry absorbs transient transport failures with bounded
// exponential backoff; exhaustion degrades to a warning, the normal
// re-announce cadence will try again.
func (r *Registration) sendWithRetry(records []dns.RR) {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = r.tune.retryInterval
	attempt := 0
	err := backoff.Retry(func() error {
		err := r.transport.Send(records, nil)
		if err != nil {
			attempt++
			sendRetries.Inc()
		}
		return err
	}, backoff.WithMaxRetries(ebo, r.tune.sendRetries))
	if err != nil {
		r.warnf("send failed after %d attempts: %s", attempt, err)
	}
}

func (r *Registration) setState(s regState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Registration) setPublished(published bool) {
	r.mu.Lock()
	changed := r.svc.Published != published
	r.svc.Published = published
	r.mu.Unlock()
	if !changed {
		return
	}
	if published {
		publishedServices.Inc()
	} else {
		publishedServices.Dec()
	}
}

func (r *Registration) wireInstance() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return instanceName(r.svc.Name, r.svc.Type, r.svc.Protocol)
}

func (r *Registration) fqdn() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.svc.FQDN
}

func (r *Registration) ttl() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.svc.TTL
}

func (r *Registration) reannounceInterval() time.Duration {
	if r.tune.reannounceInterval > 0 {
		return r.tune.reannounceInterval
	}
	// renew before peers' caches get anywhere near expiry
	return time.Duration(r.ttl()) * time.Second * 8 / 10
}

func (r *Registration) infof(format string, args ...interface{}) {
	common.Log.Infof("[dnssd %s] "+format, append([]interface{}{r.fqdn()}, args...)...)
}

func (r *Registration) debugf(format string, args ...interface{}) {
	common.Log.Debugf("[dnssd %s] "+format, append([]interface{}{r.fqdn()}, args...)...)
}

func (r *Registration) warnf(format string, args ...interface{}) {
	common.Log.Warnf("[dnssd %s] "+format, append([]interface{}{r.fqdn()}, args...)...)
}
