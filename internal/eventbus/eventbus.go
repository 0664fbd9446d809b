// Package eventbus implements the Event Bus (spec §4.10): a thin,
// prefix-matched publish/subscribe layer over the transport Publisher/
// Subscriber pair. Naming is grounded on other_examples' nugget-thane
// events bus (Source/Kind-tagged Event struct, nil-safe Publish) adapted
// here to the core's envelope-carrying topics.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fred-drake/carapace/internal/transport"
	"github.com/fred-drake/carapace/pkg/protocol"
)

// Bus owns the Publisher used to emit events and tracks Subscribers it
// created via Subscribe, so Close can tear them all down.
type Bus struct {
	publisher     transport.Publisher
	newSubscriber func() transport.Subscriber
	subs          []transport.Subscriber
}

// New creates a Bus. newSubscriber mints a fresh, unconnected Subscriber
// for each call to Subscribe — it is the same transport implementation
// the publisher side uses (ws.NewSubscriber, or a MemoryNetwork's
// NewSubscriber in tests).
func New(publisher transport.Publisher, newSubscriber func() transport.Subscriber) *Bus {
	return &Bus{publisher: publisher, newSubscriber: newSubscriber}
}

// Bind creates the publisher side of the bus at address.
func (b *Bus) Bind(ctx context.Context, address string) error {
	return b.publisher.Bind(ctx, address)
}

// Publish serializes env and sends it as a two-frame (topic, payload)
// message.
func (b *Bus) Publish(env *protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("eventbus: marshal envelope: %w", err)
	}
	return b.publisher.Publish(env.Topic, payload)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	sub    transport.Subscriber
	topics []string
}

// OnMessage registers the callback invoked for every envelope whose topic
// matches one of the subscription's prefixes.
func (s *Subscription) OnMessage(fn func(env *protocol.Envelope)) {
	s.sub.OnMessage(func(topic string, payload []byte) {
		var env protocol.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return
		}
		fn(&env)
	})
}

// Unsubscribe removes every prefix this subscription registered and
// closes the underlying Subscriber connection.
func (s *Subscription) Unsubscribe() error {
	for _, topic := range s.topics {
		_ = s.sub.Unsubscribe(topic)
	}
	return s.sub.Close()
}

// Subscribe creates a new Subscriber connected to address, subscribed to
// every prefix in topics. Matching is string-prefix on the topic frame —
// subscribing to "tool.invoke" delivers all "tool.invoke.X" events too,
// matching the underlying transport's semantics.
func (b *Bus) Subscribe(ctx context.Context, address string, topics []string) (*Subscription, error) {
	sub := b.newSubscriber()
	if err := sub.Connect(ctx, address); err != nil {
		return nil, fmt.Errorf("eventbus: connect subscriber: %w", err)
	}
	for _, topic := range topics {
		if err := sub.Subscribe(topic); err != nil {
			return nil, fmt.Errorf("eventbus: subscribe to %q: %w", topic, err)
		}
	}
	subscription := &Subscription{sub: sub, topics: topics}
	b.subs = append(b.subs, sub)
	return subscription, nil
}

// Close closes the publisher and every subscriber this bus created.
func (b *Bus) Close() error {
	var firstErr error
	for _, s := range b.subs {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.publisher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
