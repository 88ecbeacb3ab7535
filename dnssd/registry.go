package dnssd

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/salutego/salute/common"
)

// RegistryConfig configures a Registry. The zero value gives a
// registry on the default multicast transport with host state read
// from the OS; tests substitute the lookups and the transport.
type RegistryConfig struct {
	// Transport, when set, replaces the default multicast transport.
	// The registry still closes it on Destroy.
	Transport Transport
	// Multicast carries the binding parameters of the default
	// transport; ignored when Transport is set.
	Multicast MulticastConfig

	Clock clock.Clock

	// Hostname and Addresses supply local host state; defaults read
	// from the OS.
	Hostname  func() (string, error)
	Addresses func() ([]string, error)

	// TTL overrides the default record TTL for published services.
	TTL uint32
}

// Registry owns the shared transport binding and the set of active
// registrations and browsers. The transport is opened when the first
// engine starts and closed when the last one stops.
type Registry struct {
	cfg  RegistryConfig
	clk  clock.Clock
	tune tuning

	mu            sync.Mutex
	transport     Transport
	owns          bool
	refs          int
	registrations map[*Registration]struct{}
	browsers      map[*Browser]struct{}
	destroyed     bool
}

// New creates a Registry. The transport is not bound until the first
// publish or find; bind failures surface from that call.
func New(cfg RegistryConfig) *Registry {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Hostname == nil {
		cfg.Hostname = defaultHostname
	}
	if cfg.Addresses == nil {
		cfg.Addresses = HostAddresses
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	return &Registry{
		cfg:           cfg,
		clk:           clk,
		tune:          defaultTuning(),
		registrations: make(map[*Registration]struct{}),
		browsers:      make(map[*Browser]struct{}),
	}
}

// Publish starts advertising a service and returns its handle. The
// returned registration is probing; watch its event stream for the up
// event (or a fatal error).
func (reg *Registry) Publish(cfg Config) (*Registration, error) {
	svc, err := reg.buildService(&cfg)
	if err != nil {
		return nil, err
	}

	reg.mu.Lock()
	if reg.destroyed {
		reg.mu.Unlock()
		return nil, ErrRegistryDestroyed
	}
	transport, err := reg.acquireLocked()
	if err != nil {
		reg.mu.Unlock()
		return nil, err
	}
	r := newRegistration(reg, transport, reg.clk, reg.tune, svc, cfg.SkipProbe)
	reg.registrations[r] = struct{}{}
	reg.mu.Unlock()

	common.Log.Infof("[dnssd] publishing %s", svc.FQDN)
	go r.run()
	return r, nil
}

// buildService validates a publish config and resolves its defaults
// into a Service. No network activity happens here; invalid configs
// fail synchronously.
func (reg *Registry) buildService(cfg *Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	proto := cfg.Protocol
	if proto == "" {
		proto = TCP
	}
	host := cfg.Host
	if host == "" {
		var err error
		if host, err = reg.cfg.Hostname(); err != nil {
			return nil, err
		}
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = reg.cfg.TTL
	}

	// raw chunks are the source of truth; the mapping is a convenience
	// decoding of them
	raw := copyChunks(cfg.RawTXT)
	txt := cfg.TXT
	if raw == nil {
		raw = EncodeTXT(txt)
	}
	if txt == nil {
		txt = DecodeTXT(raw)
	}

	addrs, err := reg.cfg.Addresses()
	if err != nil {
		return nil, errors.Wrap(err, "enumerating host addresses")
	}

	subtypes := cfg.Subtypes
	if subtypes == nil {
		subtypes = []string{}
	}

	return &Service{
		Name:      cfg.Name,
		Type:      cfg.Type,
		Protocol:  proto,
		Subtypes:  subtypes,
		Port:      cfg.Port,
		Host:      host,
		FQDN:      displayFQDN(instanceName(cfg.Name, cfg.Type, proto)),
		TXT:       txt,
		RawTXT:    raw,
		Addresses: dedupeAddrs(addrs),
		TTL:       ttl,
	}, nil
}

// Unpublish sends goodbye packets for the registration and destroys
// it. Unpublishing a service that is no longer published is a no-op
// that still reports success.
func (reg *Registry) Unpublish(r *Registration) error {
	r.stop()
	return nil
}

// UnpublishAll withdraws every currently tracked registration. It
// waits for every goodbye to go out (or its retry budget to exhaust);
// one engine's failure never blocks the others. Succeeds with zero
// services registered.
func (reg *Registry) UnpublishAll() error {
	reg.mu.Lock()
	regs := make([]*Registration, 0, len(reg.registrations))
	for r := range reg.registrations {
		regs = append(regs, r)
	}
	reg.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range regs {
		wg.Add(1)
		go func(r *Registration) {
			defer wg.Done()
			r.stop()
		}(r)
	}
	wg.Wait()
	return nil
}

// Find starts an open-ended browse for services matching the filter.
func (reg *Registry) Find(filter Filter) (*Browser, error) {
	return reg.find(filter, nil)
}

// FindOne browses until the first matching service appears, fires fn
// exactly once with it, and tears the browser down.
func (reg *Registry) FindOne(filter Filter, fn func(*Service)) (*Browser, error) {
	if fn == nil {
		return nil, errors.New("find-one callback must not be nil")
	}
	return reg.find(filter, fn)
}

func (reg *Registry) find(filter Filter, onceFn func(*Service)) (*Browser, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}

	reg.mu.Lock()
	if reg.destroyed {
		reg.mu.Unlock()
		return nil, ErrRegistryDestroyed
	}
	transport, err := reg.acquireLocked()
	if err != nil {
		reg.mu.Unlock()
		return nil, err
	}
	b := newBrowser(reg, transport, reg.clk, reg.tune, filter, onceFn)
	reg.browsers[b] = struct{}{}
	reg.mu.Unlock()

	common.Log.Debugf("[dnssd] browsing for %s", displayFQDN(b.baseDom))
	go b.run()
	return b, nil
}

// Destroy unpublishes all services, stops all browsers and releases
// the transport binding. The registry accepts no operations afterward.
func (reg *Registry) Destroy() error {
	reg.mu.Lock()
	if reg.destroyed {
		reg.mu.Unlock()
		return nil
	}
	reg.destroyed = true
	browsers := make([]*Browser, 0, len(reg.browsers))
	for b := range reg.browsers {
		browsers = append(browsers, b)
	}
	reg.mu.Unlock()

	if err := reg.UnpublishAll(); err != nil {
		common.Log.Warnf("[dnssd] unpublish on destroy: %s", err)
	}
	for _, b := range browsers {
		b.Stop()
	}

	// engines release their transport references as they stop; anything
	// left here is an injected binding, or one that never had engines
	reg.mu.Lock()
	t := reg.transport
	reg.transport = nil
	reg.mu.Unlock()
	if t != nil {
		if err := t.Close(); err != nil {
			common.Log.Warnf("[dnssd] closing transport: %s", err)
		}
	}
	return nil
}

// acquireLocked hands out the shared transport, binding it on first
// use. Callers hold reg.mu.
func (reg *Registry) acquireLocked() (Transport, error) {
	if reg.transport == nil {
		t := reg.cfg.Transport
		owns := false
		if t == nil {
			var err error
			if t, err = NewMulticastTransport(reg.cfg.Multicast); err != nil {
				return nil, err
			}
			owns = true
		}
		t.OnPacket(reg.dispatch)
		reg.transport = t
		reg.owns = owns
	}
	reg.refs++
	return reg.transport, nil
}

// releaseLocked drops one transport reference and returns the binding
// to close, if this was the last engine on a binding we own. The close
// must happen outside reg.mu: the transport's receive loop may be
// blocked on that lock in dispatch.
func (reg *Registry) releaseLocked() Transport {
	reg.refs--
	common.Assert(reg.refs >= 0)
	if reg.refs > 0 || reg.transport == nil || !reg.owns {
		return nil
	}
	t := reg.transport
	reg.transport = nil
	return t
}

func (reg *Registry) dropRegistration(r *Registration) {
	var toClose Transport
	reg.mu.Lock()
	if _, found := reg.registrations[r]; found {
		delete(reg.registrations, r)
		toClose = reg.releaseLocked()
	}
	reg.mu.Unlock()
	reg.closeTransport(toClose)
}

func (reg *Registry) dropBrowser(b *Browser) {
	var toClose Transport
	reg.mu.Lock()
	if _, found := reg.browsers[b]; found {
		delete(reg.browsers, b)
		toClose = reg.releaseLocked()
	}
	reg.mu.Unlock()
	reg.closeTransport(toClose)
}

func (reg *Registry) closeTransport(t Transport) {
	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		common.Log.Warnf("[dnssd] closing transport: %s", err)
	}
}

// dispatch fans one received packet out to every active engine. The
// per-engine inboxes are non-blocking, so a slow engine cannot stall
// reception for the others.
func (reg *Registry) dispatch(p *Packet) {
	reg.mu.Lock()
	regs := make([]*Registration, 0, len(reg.registrations))
	for r := range reg.registrations {
		regs = append(regs, r)
	}
	browsers := make([]*Browser, 0, len(reg.browsers))
	for b := range reg.browsers {
		browsers = append(browsers, b)
	}
	reg.mu.Unlock()

	for _, r := range regs {
		r.enqueue(p)
	}
	for _, b := range browsers {
		b.enqueue(p)
	}
}

// Published returns snapshots of all currently tracked registrations.
func (reg *Registry) Published() []*Service {
	reg.mu.Lock()
	regs := make([]*Registration, 0, len(reg.registrations))
	for r := range reg.registrations {
		regs = append(regs, r)
	}
	reg.mu.Unlock()

	services := make([]*Service, 0, len(regs))
	for _, r := range regs {
		services = append(services, r.Service())
	}
	return services
}
