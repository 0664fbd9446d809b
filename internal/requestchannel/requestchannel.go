// Package requestchannel implements the Request Channel (spec §4.9): the
// single owner of the Router socket and the pending-correlation map that
// ties an in-flight request back to the connection it arrived on.
package requestchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fred-drake/carapace/internal/transport"
	"github.com/fred-drake/carapace/pkg/protocol"
)

// Config holds the channel's tunables (spec §9: RequestChannelConfig).
type Config struct {
	TimeoutMs int64
}

var DefaultConfig = Config{TimeoutMs: 30000}

// RequestHandler processes one parsed Wire Message and returns the
// Response envelope to send back.
type RequestHandler func(identity transport.ConnIdentity, wire protocol.WireMessage, raw []byte) *protocol.Envelope

// TimeoutHandler is invoked when a pending request's timer fires before a
// response was sent.
type TimeoutHandler func(identity transport.ConnIdentity, correlation string)

type pendingEntry struct {
	identity transport.ConnIdentity
	timer    *time.Timer
}

// Channel owns the Router and the pending-correlation map.
type Channel struct {
	router transport.Router
	cfg    Config
	logger *slog.Logger

	handler        RequestHandler
	timeoutHandler TimeoutHandler

	mu      sync.Mutex
	pending map[string]*pendingEntry
	closed  bool
}

func New(router transport.Router, cfg Config, logger *slog.Logger) *Channel {
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = DefaultConfig.TimeoutMs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		router:  router,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]*pendingEntry),
	}
}

// SetTimeoutHandler registers the callback fired when a pending entry's
// timer expires before a response arrives.
func (c *Channel) SetTimeoutHandler(fn TimeoutHandler) { c.timeoutHandler = fn }

// Bind attaches handler as the incoming-message callback and binds the
// Router at address.
func (c *Channel) Bind(ctx context.Context, address string, handler RequestHandler) error {
	c.handler = handler
	return c.router.Bind(ctx, address, c.onFrame)
}

func (c *Channel) onFrame(identity transport.ConnIdentity, raw []byte) {
	var wire protocol.WireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		c.logger.Warn("request channel dropped malformed frame", "identity", identity, "error", err)
		return
	}

	if err := c.register(identity, wire.Correlation); err != nil {
		c.logger.Warn("request channel rejected duplicate correlation", "identity", identity, "correlation", wire.Correlation, "error", err)
		return
	}

	if c.handler != nil {
		env := c.handler(identity, wire, raw)
		if env != nil {
			if err := c.SendResponse(identity, env); err != nil {
				c.logger.Error("request channel failed to send response", "identity", identity, "error", err)
			}
		}
	}
}

// register inserts (correlation -> {identity, timer}) into the pending
// map. A duplicate correlation from the same identity replaces the timer;
// from a different identity, it is rejected (spec §4.9 step 2).
func (c *Channel) register(identity transport.ConnIdentity, correlation string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.pending[correlation]; ok {
		if existing.identity != identity {
			return fmt.Errorf("requestchannel: correlation %q already pending from a different connection", correlation)
		}
		existing.timer.Stop()
	}

	timer := time.AfterFunc(time.Duration(c.cfg.TimeoutMs)*time.Millisecond, func() {
		c.onTimeout(correlation)
	})
	c.pending[correlation] = &pendingEntry{identity: identity, timer: timer}
	return nil
}

func (c *Channel) onTimeout(correlation string) {
	c.mu.Lock()
	entry, ok := c.pending[correlation]
	if ok {
		delete(c.pending, correlation)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	if c.timeoutHandler != nil {
		c.timeoutHandler(entry.identity, correlation)
	}
}

// SendResponse looks up envelope.Correlation, verifies the pending
// identity matches, cancels the timer, removes the entry, and sends the
// envelope back on the Router to that identity.
func (c *Channel) SendResponse(identity transport.ConnIdentity, env *protocol.Envelope) error {
	if env.Correlation == nil {
		return fmt.Errorf("requestchannel: response envelope has no correlation")
	}
	correlation := *env.Correlation

	c.mu.Lock()
	entry, ok := c.pending[correlation]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("requestchannel: no pending request for correlation %q", correlation)
	}
	if entry.identity != identity {
		c.mu.Unlock()
		return fmt.Errorf("requestchannel: correlation %q belongs to a different connection", correlation)
	}
	entry.timer.Stop()
	delete(c.pending, correlation)
	c.mu.Unlock()

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("requestchannel: marshal response envelope: %w", err)
	}
	return c.router.Send(identity, payload)
}

// PendingCount exposes the number of in-flight requests, for diagnostics.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close cancels all pending timers and closes the Router socket.
// Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for correlation, entry := range c.pending {
		entry.timer.Stop()
		delete(c.pending, correlation)
	}
	c.mu.Unlock()

	return c.router.Close()
}
