package requestchannel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fred-drake/carapace/internal/transport"
	"github.com/fred-drake/carapace/pkg/protocol"
)

func TestSendResponseRoundTrip(t *testing.T) {
	net := transport.NewMemoryNetwork()
	router := net.NewRouter()
	ch := New(router, Config{TimeoutMs: 5000}, nil)

	received := make(chan protocol.Envelope, 1)
	dealer := net.NewDealer()
	dealer.OnMessage(func(payload []byte) {
		var env protocol.Envelope
		_ = json.Unmarshal(payload, &env)
		received <- env
	})

	err := ch.Bind(context.Background(), "inproc://rc", func(identity transport.ConnIdentity, wire protocol.WireMessage, raw []byte) *protocol.Envelope {
		correlation := wire.Correlation
		payload, _ := protocol.MarshalPayload(protocol.ResponsePayload{Result: json.RawMessage(`{"ok":true}`)})
		return &protocol.Envelope{Correlation: &correlation, Payload: payload}
	})
	require.NoError(t, err)

	require.NoError(t, dealer.Connect(context.Background(), "inproc://rc"))

	wire := protocol.WireMessage{Topic: "tool.invoke.echo", Correlation: "c1", Arguments: json.RawMessage(`{}`)}
	raw, _ := json.Marshal(wire)
	require.NoError(t, dealer.Send(raw))

	select {
	case env := <-received:
		require.Equal(t, "c1", *env.Correlation)
	case <-time.After(time.Second):
		t.Fatal("never received response")
	}

	require.Equal(t, 0, ch.PendingCount())
}

func TestDuplicateCorrelationFromDifferentIdentityRejected(t *testing.T) {
	net := transport.NewMemoryNetwork()
	router := net.NewRouter()
	ch := New(router, Config{TimeoutMs: 5000}, nil)

	blocked := make(chan struct{})
	err := ch.Bind(context.Background(), "inproc://rc2", func(identity transport.ConnIdentity, wire protocol.WireMessage, raw []byte) *protocol.Envelope {
		<-blocked
		return nil
	})
	require.NoError(t, err)

	dealerA := net.NewDealer()
	require.NoError(t, dealerA.Connect(context.Background(), "inproc://rc2"))
	dealerB := net.NewDealer()
	require.NoError(t, dealerB.Connect(context.Background(), "inproc://rc2"))

	wire := protocol.WireMessage{Topic: "tool.invoke.echo", Correlation: "dup", Arguments: json.RawMessage(`{}`)}
	raw, _ := json.Marshal(wire)

	go func() { _ = dealerA.Send(raw) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, dealerB.Send(raw))

	require.Equal(t, 1, ch.PendingCount())
	close(blocked)
}

func TestPendingTimeoutFiresAndSendResponseThenRaises(t *testing.T) {
	net := transport.NewMemoryNetwork()
	router := net.NewRouter()
	ch := New(router, Config{TimeoutMs: 50}, nil)

	timedOut := make(chan transport.ConnIdentity, 1)
	ch.SetTimeoutHandler(func(identity transport.ConnIdentity, correlation string) {
		timedOut <- identity
	})

	err := ch.Bind(context.Background(), "inproc://rc3", func(identity transport.ConnIdentity, wire protocol.WireMessage, raw []byte) *protocol.Envelope {
		return nil // simulate a handler that never completes in time
	})
	require.NoError(t, err)

	dealer := net.NewDealer()
	require.NoError(t, dealer.Connect(context.Background(), "inproc://rc3"))

	wire := protocol.WireMessage{Topic: "tool.invoke.slow", Correlation: "c-timeout", Arguments: json.RawMessage(`{}`)}
	raw, _ := json.Marshal(wire)
	require.NoError(t, dealer.Send(raw))

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("timeout handler never fired")
	}

	require.Equal(t, 0, ch.PendingCount())

	correlation := "c-timeout"
	err = ch.SendResponse(transport.ConnIdentity("conn-1"), &protocol.Envelope{Correlation: &correlation})
	require.Error(t, err)
}

func TestClosedIsIdempotent(t *testing.T) {
	net := transport.NewMemoryNetwork()
	router := net.NewRouter()
	ch := New(router, Config{}, nil)
	require.NoError(t, ch.Bind(context.Background(), "inproc://rc4", func(transport.ConnIdentity, protocol.WireMessage, []byte) *protocol.Envelope { return nil }))

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
}
