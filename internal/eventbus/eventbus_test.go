package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fred-drake/carapace/internal/transport"
	"github.com/fred-drake/carapace/pkg/protocol"
)

func TestPublishSubscribePrefixMatch(t *testing.T) {
	net := transport.NewMemoryNetwork()
	bus := New(net.NewPublisher(), func() transport.Subscriber { return net.NewSubscriber() })
	require.NoError(t, bus.Bind(context.Background(), "inproc://events"))
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), "inproc://events", []string{"tool.invoke"})
	require.NoError(t, err)

	got := make(chan *protocol.Envelope, 1)
	sub.OnMessage(func(env *protocol.Envelope) { got <- env })

	require.NoError(t, bus.Publish(&protocol.Envelope{Topic: "message.inbound"}))
	require.NoError(t, bus.Publish(&protocol.Envelope{Topic: "tool.invoke.echo"}))

	select {
	case env := <-got:
		require.Equal(t, "tool.invoke.echo", env.Topic)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received matching event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	net := transport.NewMemoryNetwork()
	bus := New(net.NewPublisher(), func() transport.Subscriber { return net.NewSubscriber() })
	require.NoError(t, bus.Bind(context.Background(), "inproc://events2"))
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), "inproc://events2", []string{"task.triggered"})
	require.NoError(t, err)

	got := make(chan *protocol.Envelope, 1)
	sub.OnMessage(func(env *protocol.Envelope) { got <- env })
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, bus.Publish(&protocol.Envelope{Topic: "task.triggered"}))

	select {
	case <-got:
		t.Fatal("unsubscribed subscription still received an event")
	case <-time.After(100 * time.Millisecond):
	}
}
