// Package transport defines the two capability sets the core depends on
// (spec §4.1): a Publisher/Subscriber pair for the Event Bus, and a
// Router/Dealer pair for the Request Channel. Every other core component
// is written against these interfaces only — the in-memory fake in this
// package and the websocket implementation in transport/ws both satisfy
// them, and tests run entirely against the fake.
package transport

import "context"

// ConnIdentity is the opaque, transport-assigned bytes that tag one
// connected Dealer for the lifetime of its connection. It is never chosen
// by the Dealer itself.
type ConnIdentity string

// Publisher binds to an address and sends two-part messages (topic,
// payload) to every connected Subscriber whose prefix subscriptions match.
type Publisher interface {
	Bind(ctx context.Context, address string) error
	Publish(topic string, payload []byte) error
	Close() error
}

// Subscriber connects to a Publisher's address and registers prefix
// subscriptions. Matching is a string-prefix test against the topic frame.
type Subscriber interface {
	Connect(ctx context.Context, address string) error
	Subscribe(prefix string) error
	Unsubscribe(prefix string) error
	// OnMessage registers the callback invoked for every delivered frame
	// whose topic matches a current subscription.
	OnMessage(fn func(topic string, payload []byte))
	Close() error
}

// RouterHandler is invoked for every payload frame a Router receives from
// a connected Dealer.
type RouterHandler func(identity ConnIdentity, payload []byte)

// Router binds an address, accepts Dealer connections, assigns each one a
// ConnIdentity stable for the life of the connection, and can address a
// response back to a specific identity.
type Router interface {
	Bind(ctx context.Context, address string, handler RouterHandler) error
	// Send routes payload back to the Dealer last known by this identity.
	// Returns an error if the identity is not currently connected.
	Send(identity ConnIdentity, payload []byte) error
	Close() error
}

// Dealer connects to a Router and exchanges single-frame payloads; the
// transport prepends the dealer's assigned identity on the way up, which
// the Dealer itself never sees.
type Dealer interface {
	Connect(ctx context.Context, address string) error
	Send(payload []byte) error
	OnMessage(fn func(payload []byte))
	Close() error
}
