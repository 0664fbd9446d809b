package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemoryNetwork is a process-local rendezvous point: Routers and
// Publishers bind an address on it, Dealers and Subscribers connect to
// that same address. Delivery is synchronous — Publish/Send call the
// peer's handler inline, on the caller's goroutine — which makes the fake
// suitable for deterministic pipeline and dispatcher tests without a real
// socket in the loop.
type MemoryNetwork struct {
	mu      sync.Mutex
	routers map[string]*MemoryRouter
	pubs    map[string]*MemoryPublisher
}

// NewMemoryNetwork creates an empty rendezvous point. Tests typically keep
// one per test case so addresses don't leak across tests.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		routers: make(map[string]*MemoryRouter),
		pubs:    make(map[string]*MemoryPublisher),
	}
}

// --- Router / Dealer ---

// MemoryRouter is the in-process fake satisfying the Router contract.
type MemoryRouter struct {
	net     *MemoryNetwork
	address string
	handler RouterHandler

	mu      sync.Mutex
	dealers map[ConnIdentity]*MemoryDealer
	nextID  int
}

func (n *MemoryNetwork) NewRouter() *MemoryRouter {
	return &MemoryRouter{net: n, dealers: make(map[ConnIdentity]*MemoryDealer)}
}

func (r *MemoryRouter) Bind(ctx context.Context, address string, handler RouterHandler) error {
	r.address = address
	r.handler = handler
	r.net.mu.Lock()
	defer r.net.mu.Unlock()
	if _, exists := r.net.routers[address]; exists {
		return fmt.Errorf("transport: address %q already bound", address)
	}
	r.net.routers[address] = r
	return nil
}

func (r *MemoryRouter) Send(identity ConnIdentity, payload []byte) error {
	r.mu.Lock()
	d, ok := r.dealers[identity]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown connection identity %q", identity)
	}
	d.deliverDown(payload)
	return nil
}

func (r *MemoryRouter) Close() error {
	r.net.mu.Lock()
	delete(r.net.routers, r.address)
	r.net.mu.Unlock()
	return nil
}

func (r *MemoryRouter) connect(d *MemoryDealer) ConnIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := ConnIdentity(fmt.Sprintf("conn-%d", r.nextID))
	d.identity = id
	r.dealers[id] = d
	return id
}

func (r *MemoryRouter) disconnect(id ConnIdentity) {
	r.mu.Lock()
	delete(r.dealers, id)
	r.mu.Unlock()
}

func (r *MemoryRouter) deliverUp(identity ConnIdentity, payload []byte) {
	if r.handler != nil {
		r.handler(identity, payload)
	}
}

// MemoryDealer is the in-process fake satisfying the Dealer contract.
type MemoryDealer struct {
	net      *MemoryNetwork
	router   *MemoryRouter
	identity ConnIdentity
	onMsg    func(payload []byte)
}

func (n *MemoryNetwork) NewDealer() *MemoryDealer {
	return &MemoryDealer{net: n}
}

func (d *MemoryDealer) Connect(ctx context.Context, address string) error {
	d.net.mu.Lock()
	r, ok := d.net.routers[address]
	d.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no router bound at %q", address)
	}
	d.router = r
	r.connect(d)
	return nil
}

func (d *MemoryDealer) Send(payload []byte) error {
	if d.router == nil {
		return fmt.Errorf("transport: dealer not connected")
	}
	d.router.deliverUp(d.identity, payload)
	return nil
}

func (d *MemoryDealer) OnMessage(fn func(payload []byte)) { d.onMsg = fn }

func (d *MemoryDealer) deliverDown(payload []byte) {
	if d.onMsg != nil {
		d.onMsg(payload)
	}
}

func (d *MemoryDealer) Close() error {
	if d.router != nil {
		d.router.disconnect(d.identity)
	}
	return nil
}

// --- Publisher / Subscriber ---

// MemoryPublisher is the in-process fake satisfying the Publisher contract.
type MemoryPublisher struct {
	net     *MemoryNetwork
	address string

	mu   sync.Mutex
	subs map[*MemorySubscriber]struct{}
}

func (n *MemoryNetwork) NewPublisher() *MemoryPublisher {
	return &MemoryPublisher{net: n, subs: make(map[*MemorySubscriber]struct{})}
}

func (p *MemoryPublisher) Bind(ctx context.Context, address string) error {
	p.address = address
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	if _, exists := p.net.pubs[address]; exists {
		return fmt.Errorf("transport: address %q already bound", address)
	}
	p.net.pubs[address] = p
	return nil
}

func (p *MemoryPublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	subs := make([]*MemorySubscriber, 0, len(p.subs))
	for s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()
	for _, s := range subs {
		s.deliver(topic, payload)
	}
	return nil
}

func (p *MemoryPublisher) Close() error {
	p.net.mu.Lock()
	delete(p.net.pubs, p.address)
	p.net.mu.Unlock()
	return nil
}

func (p *MemoryPublisher) addSub(s *MemorySubscriber)    { p.mu.Lock(); p.subs[s] = struct{}{}; p.mu.Unlock() }
func (p *MemoryPublisher) removeSub(s *MemorySubscriber) { p.mu.Lock(); delete(p.subs, s); p.mu.Unlock() }

// MemorySubscriber is the in-process fake satisfying the Subscriber contract.
type MemorySubscriber struct {
	net *MemoryNetwork
	pub *MemoryPublisher

	mu        sync.Mutex
	prefixes  map[string]struct{}
	onMessage func(topic string, payload []byte)
}

func (n *MemoryNetwork) NewSubscriber() *MemorySubscriber {
	return &MemorySubscriber{net: n, prefixes: make(map[string]struct{})}
}

func (s *MemorySubscriber) Connect(ctx context.Context, address string) error {
	s.net.mu.Lock()
	p, ok := s.net.pubs[address]
	s.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no publisher bound at %q", address)
	}
	s.pub = p
	p.addSub(s)
	return nil
}

func (s *MemorySubscriber) Subscribe(prefix string) error {
	s.mu.Lock()
	s.prefixes[prefix] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *MemorySubscriber) Unsubscribe(prefix string) error {
	s.mu.Lock()
	delete(s.prefixes, prefix)
	s.mu.Unlock()
	return nil
}

func (s *MemorySubscriber) OnMessage(fn func(topic string, payload []byte)) { s.onMessage = fn }

func (s *MemorySubscriber) deliver(topic string, payload []byte) {
	s.mu.Lock()
	matched := false
	for prefix := range s.prefixes {
		if len(topic) >= len(prefix) && topic[:len(prefix)] == prefix {
			matched = true
			break
		}
	}
	cb := s.onMessage
	s.mu.Unlock()
	if matched && cb != nil {
		cb(topic, payload)
	}
}

func (s *MemorySubscriber) Close() error {
	if s.pub != nil {
		s.pub.removeSub(s)
	}
	return nil
}
