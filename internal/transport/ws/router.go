package ws

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fred-drake/carapace/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // IPC/TCP peers are containers, not browsers
}

// Router binds a WebSocket endpoint; every connection it accepts becomes
// one Dealer, tagged by a connection identity minted here and never
// influenced by the peer.
type Router struct {
	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	clients map[transport.ConnIdentity]*wsClient
	handler transport.RouterHandler
}

type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewRouter() *Router {
	return &Router{clients: make(map[transport.ConnIdentity]*wsClient)}
}

func (r *Router) Bind(ctx context.Context, address string, handler transport.RouterHandler) error {
	ln, err := listen(address)
	if err != nil {
		return fmt.Errorf("ws router bind: %w", err)
	}
	r.listener = ln
	r.handler = handler

	mux := http.NewServeMux()
	mux.HandleFunc("/", r.handleConn)
	r.server = &http.Server{Handler: mux}

	go func() {
		if err := r.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("ws router serve failed", "address", address, "error", err)
		}
	}()
	return nil
}

func (r *Router) handleConn(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.Error("ws router upgrade failed", "error", err)
		return
	}

	identity := newConnIdentity()
	client := &wsClient{conn: conn}

	r.mu.Lock()
	r.clients[identity] = client
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.clients, identity)
		r.mu.Unlock()
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if r.handler != nil {
			r.handler(identity, payload)
		}
	}
}

func (r *Router) Send(identity transport.ConnIdentity, payload []byte) error {
	r.mu.Lock()
	client, ok := r.clients[identity]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("ws router: unknown connection identity %q", identity)
	}
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	return client.conn.WriteMessage(websocket.TextMessage, payload)
}

func (r *Router) Close() error {
	r.mu.Lock()
	for id, c := range r.clients {
		c.conn.Close()
		delete(r.clients, id)
	}
	r.mu.Unlock()
	if r.server != nil {
		return r.server.Close()
	}
	return nil
}

func newConnIdentity() transport.ConnIdentity {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return transport.ConnIdentity(hex.EncodeToString(buf))
}
