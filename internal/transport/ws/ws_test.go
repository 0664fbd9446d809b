package ws

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fred-drake/carapace/internal/transport"
)

func freeTCPAddress() string {
	return fmt.Sprintf("tcp://127.0.0.1:%d", 20000+time.Now().Nanosecond()%10000)
}

func TestRouterDealerRoundTrip(t *testing.T) {
	addr := freeTCPAddress()

	var mu sync.Mutex
	var gotIdentity transport.ConnIdentity
	var gotPayload []byte
	received := make(chan struct{}, 1)

	router := NewRouter()
	err := router.Bind(context.Background(), addr, func(identity transport.ConnIdentity, payload []byte) {
		mu.Lock()
		gotIdentity = identity
		gotPayload = append([]byte(nil), payload...)
		mu.Unlock()
		received <- struct{}{}
	})
	require.NoError(t, err)
	defer router.Close()

	time.Sleep(50 * time.Millisecond) // let the listener start accepting

	dealer := NewDealer()
	require.NoError(t, dealer.Connect(context.Background(), addr))
	defer dealer.Close()

	downCh := make(chan []byte, 1)
	dealer.OnMessage(func(payload []byte) { downCh <- payload })

	require.NoError(t, dealer.Send([]byte(`{"hello":"world"}`)))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("router never received dealer payload")
	}

	mu.Lock()
	require.Equal(t, `{"hello":"world"}`, string(gotPayload))
	identity := gotIdentity
	mu.Unlock()
	require.NotEmpty(t, identity)

	require.NoError(t, router.Send(identity, []byte(`{"ack":true}`)))

	select {
	case down := <-downCh:
		require.Equal(t, `{"ack":true}`, string(down))
	case <-time.After(2 * time.Second):
		t.Fatal("dealer never received router response")
	}
}

func TestPublisherSubscriberPrefixFilter(t *testing.T) {
	addr := freeTCPAddress()

	pub := NewPublisher()
	require.NoError(t, pub.Bind(context.Background(), addr))
	defer pub.Close()

	time.Sleep(50 * time.Millisecond)

	sub := NewSubscriber()
	require.NoError(t, sub.Connect(context.Background(), addr))
	defer sub.Close()
	require.NoError(t, sub.Subscribe("session."))

	got := make(chan string, 4)
	sub.OnMessage(func(topic string, payload []byte) { got <- topic })

	time.Sleep(50 * time.Millisecond) // let the subscribe take effect server-side... (no-op here, but mirrors real deployments)

	require.NoError(t, pub.Publish("task.triggered", []byte(`{}`)))
	require.NoError(t, pub.Publish("session.abc123", []byte(`{}`)))

	select {
	case topic := <-got:
		require.Equal(t, "session.abc123", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received matching publish")
	}

	select {
	case topic := <-got:
		t.Fatalf("unexpected second delivery for non-matching topic: %s", topic)
	case <-time.After(200 * time.Millisecond):
	}
}
