// Package ws implements the transport.Router/Dealer and
// transport.Publisher/Subscriber contracts over WebSocket connections,
// matching the teacher's gateway (internal/gateway/server.go) choice of
// gorilla/websocket for its Router/Dealer-shaped client multiplexer.
//
// Addresses follow spec §6: "ipc://<absolute-path>" binds a Unix domain
// socket, "tcp://<host>:<port>" binds a TCP listener. Both are served the
// same way — a single-endpoint HTTP server performing the WebSocket
// upgrade — so the wire format is identical regardless of transport.
package ws

import (
	"fmt"
	"net"
	"os"
	"strings"
)

func listen(address string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(address, "ipc://"):
		path := strings.TrimPrefix(address, "ipc://")
		_ = os.Remove(path) // best-effort: a provisioner should have done this already
		return net.Listen("unix", path)
	case strings.HasPrefix(address, "tcp://"):
		hostport := strings.TrimPrefix(address, "tcp://")
		return net.Listen("tcp", hostport)
	default:
		return nil, fmt.Errorf("ws: unsupported address scheme %q", address)
	}
}

func dialURL(address string) (string, error) {
	switch {
	case strings.HasPrefix(address, "ipc://"):
		// gorilla/websocket dials over a net.Conn we supply via NetDial;
		// the URL host is unused for unix sockets but must parse.
		return "ws://unix" + "/", nil
	case strings.HasPrefix(address, "tcp://"):
		return "ws://" + strings.TrimPrefix(address, "tcp://") + "/", nil
	default:
		return "", fmt.Errorf("ws: unsupported address scheme %q", address)
	}
}
