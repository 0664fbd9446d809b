package ws

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Dealer connects to a Router's WebSocket endpoint. It is the reference
// client implementation used by tests and the `carapace dial` debug
// command; real agent containers bring their own client in whatever
// language they're implemented in.
type Dealer struct {
	conn  *websocket.Conn
	onMsg func(payload []byte)

	mu sync.Mutex
}

func NewDealer() *Dealer { return &Dealer{} }

func (d *Dealer) Connect(ctx context.Context, address string) error {
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
		return fmt.Errorf("ws dealer connect: %w", err)
	}
	d.conn = conn

	go d.readLoop()
	return nil
}

func (d *Dealer) readLoop() {
	for {
		_, payload, err := d.conn.ReadMessage()
		if err != nil {
			return
		}
		d.mu.Lock()
		cb := d.onMsg
		d.mu.Unlock()
		if cb != nil {
			cb(payload)
		}
	}
}

func (d *Dealer) Send(payload []byte) error {
	return d.conn.WriteMessage(websocket.TextMessage, payload)
}

func (d *Dealer) OnMessage(fn func(payload []byte)) {
	d.mu.Lock()
	d.onMsg = fn
	d.mu.Unlock()
}

func (d *Dealer) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
