package dnssd

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"

	"github.com/salutego/salute/common"
)

// TXTMatchMode selects how TXT filter criteria are matched.
type TXTMatchMode int

const (
	// MatchExact compares against decoded key/value strings.
	MatchExact TXTMatchMode = iota
	// MatchBinary compares against raw chunk presence, so binary-safe
	// metadata can be matched without a decode step corrupting it.
	MatchBinary
)

// TXTFilter restricts a browse to instances whose metadata matches
// every criterion.
type TXTFilter struct {
	Mode     TXTMatchMode
	Criteria map[string]string
}

// Filter selects the services a browser surfaces.
type Filter struct {
	Type     string     `json:"type"`
	Protocol Protocol   `json:"protocol,omitempty"` // default tcp
	Subtypes []string   `json:"subtypes,omitempty"` // restrict queries to a subtype
	TXT      *TXTFilter `json:"-"`
}

func (f *Filter) validate() error {
	if f.Type == "" {
		return ErrMissingType
	}
	switch f.Protocol {
	case "", TCP, UDP:
	default:
		return ErrBadProtocol
	}
	return nil
}

// browseEntry tracks the liveness and latest observation of one
// discovered instance.
type browseEntry struct {
	svc     *Service
	expires time.Time
	hasPTR  bool
	hasSRV  bool
	visible bool // an up has been emitted and no down since
}

// Browser watches the multicast domain for services matching a filter
// and emits up/down events as instances come and go. Discovery is
// open-ended: it runs until Stop.
type Browser struct {
	registry  *Registry
	transport Transport
	clk       clock.Clock
	tune      tuning

	filter   Filter
	proto    Protocol
	baseDom  string   // canonical type domain browsed
	queryDom []string // domains queried (subtype-restricted when asked)

	recv   chan *Packet
	events *mailbox

	quit     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	onceFn func(*Service) // set for find-one browsers

	mu    sync.RWMutex
	table map[string]*browseEntry
}

func newBrowser(registry *Registry, transport Transport, clk clock.Clock, tune tuning, filter Filter, onceFn func(*Service)) *Browser {
	proto := filter.Protocol
	if proto == "" {
		proto = TCP
	}
	b := &Browser{
		registry:  registry,
		transport: transport,
		clk:       clk,
		tune:      tune,
		filter:    filter,
		proto:     proto,
		baseDom:   typeDomain(filter.Type, proto),
		recv:      make(chan *Packet, inboxSize),
		events:    newMailbox(),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		onceFn:    onceFn,
		table:     make(map[string]*browseEntry),
	}
	if len(filter.Subtypes) > 0 {
		for _, sub := range filter.Subtypes {
			b.queryDom = append(b.queryDom, subtypeDomain(sub, filter.Type, proto))
		}
	} else {
		b.queryDom = []string{b.baseDom}
	}
	return b
}

// Events is the browser's notification stream; closed on Stop.
func (b *Browser) Events() <-chan Event {
	return b.events.C()
}

// Services returns snapshots of the currently alive instances.
func (b *Browser) Services() []*Service {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var services []*Service
	for _, entry := range b.table {
		if entry.visible {
			services = append(services, entry.svc.copy())
		}
	}
	return services
}

// Stop ends the browse; no queries are sent and no events fire after
// it returns. Safe to call more than once.
func (b *Browser) Stop() {
	b.stopOnce.Do(func() { close(b.quit) })
	<-b.done
}

func (b *Browser) enqueue(p *Packet) {
	select {
	case b.recv <- p:
	default:
		b.debugf("inbox full, dropping packet")
	}
}

func (b *Browser) run() {
	defer close(b.done)
	defer b.events.close()
	defer b.registry.dropBrowser(b)

	activeBrowsers.Inc()
	defer activeBrowsers.Dec()

	b.query()
	requery := b.tune.requeryInterval
	queryTimer := b.clk.Timer(requery)
	defer queryTimer.Stop()
	sweep := b.clk.Ticker(b.tune.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-b.quit:
			return
		case <-queryTimer.C:
			b.query()
			if requery *= 2; requery > b.tune.maxRequeryInterval {
				requery = b.tune.maxRequeryInterval
			}
			queryTimer.Reset(requery)
		case <-sweep.C:
			b.expire()
		case p := <-b.recv:
			if b.handlePacket(p) {
				// find-one satisfied; tear down, no further queries
				b.stopOnce.Do(func() { close(b.quit) })
				return
			}
		}
	}
}

func (b *Browser) query() {
	questions := make([]dns.Question, 0, len(b.queryDom))
	for _, dom := range b.queryDom {
		questions = append(questions, dns.Question{
			Name:   dom,
			Qtype:  dns.TypePTR,
			Qclass: dns.ClassINET,
		})
	}
	if err := b.transport.Query(questions); err != nil {
		b.debugf("query failed: %s", err)
	}
}

// handlePacket merges one received response into the liveness table.
// Returns true when a find-one browser has delivered its callback.
func (b *Browser) handlePacket(p *Packet) bool {
	if !p.Msg.Response || len(p.Msg.Answer) == 0 {
		return false
	}
	stop := false
	for _, set := range parseAnswerSets(p.Msg) {
		if !b.relevant(set) {
			continue
		}
		if set.goodbye {
			b.remove(set.instance, "goodbye")
			continue
		}
		if b.merge(set, p.Referer) {
			stop = true
		}
	}
	return stop
}

// relevant filters answer sets down to the browsed domain: a PTR must
// point out of the browsed (sub)type; record sets without a PTR are
// only accepted as updates for instances of the browsed type.
func (b *Browser) relevant(set *answerSet) bool {
	if set.hasPTR {
		if len(b.filter.Subtypes) > 0 {
			b.mu.RLock()
			_, known := b.table[set.instance]
			b.mu.RUnlock()
			if !known && !b.queriedDomain(set.ptrName) {
				return false
			}
		}
		return strings.EqualFold(set.typeDom, b.baseDom)
	}
	return strings.HasSuffix(strings.ToLower(set.instance), "."+strings.ToLower(b.baseDom))
}

func (b *Browser) queriedDomain(name string) bool {
	for _, dom := range b.queryDom {
		if strings.EqualFold(dom, name) {
			return true
		}
	}
	return false
}

// merge folds one answer set into the table, last write wins, and
// emits up events for new, materially changed or re-matching
// instances. Returns true when the find-one callback fired.
func (b *Browser) merge(set *answerSet, ref Referer) bool {
	b.mu.Lock()

	entry, found := b.table[set.instance]
	if !found {
		name, svcType, proto, ok := instanceFromWire(set.instance)
		if !ok {
			b.mu.Unlock()
			return false
		}
		entry = &browseEntry{
			svc: &Service{
				Name:     name,
				Type:     svcType,
				Protocol: proto,
				Subtypes: []string{},
				FQDN:     displayFQDN(set.instance),
				TXT:      map[string]string{},
			},
		}
		b.table[set.instance] = entry
	}

	before := entry.svc.copy()
	entry.hasPTR = entry.hasPTR || set.hasPTR
	entry.hasSRV = entry.hasSRV || set.hasSRV

	if set.hasSRV {
		entry.svc.Host = displayFQDN(set.host)
		entry.svc.Port = set.port
	}
	if len(set.addrs) > 0 {
		entry.svc.Addresses = dedupeAddrs(set.addrs)
	}
	if set.hasTXT {
		entry.svc.RawTXT = normalizeChunks(set.txtValues)
		entry.svc.TXT = DecodeTXT(entry.svc.RawTXT)
	}
	ttl := set.ttl
	if ttl == 0 {
		ttl = DefaultTTL
	}
	entry.svc.TTL = ttl
	entry.svc.Referer = ref
	entry.expires = b.clk.Now().Add(time.Duration(ttl) * time.Second)

	complete := entry.hasPTR && entry.hasSRV
	matches := complete && b.matchesTXT(entry.svc)
	changed := materialChange(before, entry.svc)
	wasVisible := entry.visible
	entry.visible = matches
	snapshot := entry.svc.copy()

	b.mu.Unlock()

	switch {
	case matches && !wasVisible:
		b.debugf("up: %s", snapshot.FQDN)
		b.events.post(Event{Kind: EventUp, Service: snapshot})
		if b.onceFn != nil {
			b.onceFn(snapshot)
			return true
		}
	case matches && changed:
		b.debugf("update: %s", snapshot.FQDN)
		b.events.post(Event{Kind: EventUp, Service: snapshot})
	case wasVisible && !matches:
		b.debugf("down (no longer matching): %s", snapshot.FQDN)
		b.events.post(Event{Kind: EventDown, Service: snapshot})
	}
	return false
}

// materialChange reports whether observable fields differ between two
// snapshots of the same instance.
func materialChange(before, after *Service) bool {
	if before.Port != after.Port || before.Host != after.Host {
		return true
	}
	if !equalStrings(before.Addresses, after.Addresses) {
		return true
	}
	if len(before.RawTXT) != len(after.RawTXT) {
		return true
	}
	for i := range before.RawTXT {
		if !bytes.Equal(before.RawTXT[i], after.RawTXT[i]) {
			return true
		}
	}
	return false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (b *Browser) matchesTXT(svc *Service) bool {
	f := b.filter.TXT
	if f == nil {
		return true
	}
	for key, value := range f.Criteria {
		switch f.Mode {
		case MatchBinary:
			if !hasChunk(svc.RawTXT, key, value) {
				return false
			}
		default:
			got, found := svc.TXT[key]
			if !found || got != value {
				return false
			}
		}
	}
	return true
}

func hasChunk(chunks [][]byte, key, value string) bool {
	want := []byte(key + "=" + value)
	if value == "" {
		// a bare flag also satisfies an empty-value criterion
		for _, chunk := range chunks {
			if bytes.Equal(chunk, []byte(key)) {
				return true
			}
		}
	}
	for _, chunk := range chunks {
		if bytes.Equal(chunk, want) {
			return true
		}
	}
	return false
}

func (b *Browser) remove(instance, reason string) {
	b.mu.Lock()
	entry, found := b.table[instance]
	if !found {
		b.mu.Unlock()
		return
	}
	delete(b.table, instance)
	visible := entry.visible
	snapshot := entry.svc.copy()
	b.mu.Unlock()

	if visible {
		b.debugf("down (%s): %s", reason, snapshot.FQDN)
		b.events.post(Event{Kind: EventDown, Service: snapshot})
	}
}

// expire drops every instance whose TTL window elapsed with no
// renewal observed.
func (b *Browser) expire() {
	now := b.clk.Now()
	b.mu.Lock()
	var expired []string
	for instance, entry := range b.table {
		if entry.expires.Before(now) {
			expired = append(expired, instance)
		}
	}
	b.mu.Unlock()
	for _, instance := range expired {
		b.remove(instance, "expired")
	}
}

func (b *Browser) debugf(format string, args ...interface{}) {
	common.Log.Debugf("[dnssd browse %s] "+format, append([]interface{}{displayFQDN(b.baseDom)}, args...)...)
}
