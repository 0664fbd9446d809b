package ws

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// frame encodes a (topic, payload) pair as a single WebSocket text frame:
// the topic, a single space, then the payload. Topics never contain
// whitespace (see protocol.TopicTaskTriggered and friends), so splitting on
// the first space recovers both parts exactly.
func frame(topic string, payload []byte) []byte {
	buf := make([]byte, 0, len(topic)+1+len(payload))
	buf = append(buf, topic...)
	buf = append(buf, ' ')
	buf = append(buf, payload...)
	return buf
}

func unframe(raw []byte) (topic string, payload []byte, err error) {
	idx := bytes.IndexByte(raw, ' ')
	if idx < 0 {
		return "", nil, fmt.Errorf("ws pubsub: malformed frame, no topic separator")
	}
	return string(raw[:idx]), raw[idx+1:], nil
}

// Publisher is the WebSocket-backed implementation of transport.Publisher.
// Every connected Subscriber receives every Publish call; prefix filtering
// happens subscriber-side, matching the teacher's event bus's client-side
// topic filtering in internal/bus.
type Publisher struct {
	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex
}

func NewPublisher() *Publisher {
	return &Publisher{clients: make(map[*websocket.Conn]*sync.Mutex)}
}

func (p *Publisher) Bind(ctx context.Context, address string) error {
	ln, err := listen(address)
	if err != nil {
		return fmt.Errorf("ws publisher bind: %w", err)
	}
	p.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handleConn)
	p.server = &http.Server{Handler: mux}

	go func() {
		if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("ws publisher serve failed", "address", address, "error", err)
		}
	}()
	return nil
}

func (p *Publisher) handleConn(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Error("ws publisher upgrade failed", "error", err)
		return
	}

	p.mu.Lock()
	p.clients[conn] = &sync.Mutex{}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.clients, conn)
		p.mu.Unlock()
		conn.Close()
	}()

	// Subscribers never send application frames on this connection; the
	// read loop only exists to notice when the peer disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (p *Publisher) Publish(topic string, payload []byte) error {
	msg := frame(topic, payload)

	p.mu.Lock()
	type target struct {
		conn *websocket.Conn
		lock *sync.Mutex
	}
	targets := make([]target, 0, len(p.clients))
	for c, l := range p.clients {
		targets = append(targets, target{c, l})
	}
	p.mu.Unlock()

	var firstErr error
	for _, t := range targets {
		t.lock.Lock()
		err := t.conn.WriteMessage(websocket.TextMessage, msg)
		t.lock.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	for c := range p.clients {
		c.Close()
		delete(p.clients, c)
	}
	p.mu.Unlock()
	if p.server != nil {
		return p.server.Close()
	}
	return nil
}

// Subscriber is the WebSocket-backed implementation of transport.Subscriber.
type Subscriber struct {
	conn *websocket.Conn

	mu        sync.Mutex
	prefixes  map[string]struct{}
	onMessage func(topic string, payload []byte)
}

func NewSubscriber() *Subscriber {
	return &Subscriber{prefixes: make(map[string]struct{})}
}

func (s *Subscriber) Connect(ctx context.Context, address string) error {
	url, err := dialURL(address)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{}
	if strings.HasPrefix(address, "ipc://") {
		path := strings.TrimPrefix(address, "ipc://")
		dialer.NetDial = func(network, addr string) (net.Conn, error) {
			return net.Dial("unix", path)
		}
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("ws subscriber connect: %w", err)
	}
	s.conn = conn

	go s.readLoop()
	return nil
}

func (s *Subscriber) readLoop() {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		topic, payload, err := unframe(raw)
		if err != nil {
			slog.Warn("ws subscriber dropped malformed frame", "error", err)
			continue
		}

		s.mu.Lock()
		matched := false
		for prefix := range s.prefixes {
			if strings.HasPrefix(topic, prefix) {
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
}

func (s *Subscriber) Subscribe(prefix string) error {
	s.mu.Lock()
	s.prefixes[prefix] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Subscriber) Unsubscribe(prefix string) error {
	s.mu.Lock()
	delete(s.prefixes, prefix)
	s.mu.Unlock()
	return nil
}

func (s *Subscriber) OnMessage(fn func(topic string, payload []byte)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

func (s *Subscriber) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
