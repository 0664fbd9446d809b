// Package server is the composition root (spec §4.14): it owns the
// lifetime of every other component, wires the Request Channel's message
// callback and the Event Bus subscription, and implements the single
// total start()/stop() sequence the rest of the broker never needs to
// know about.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fred-drake/carapace/internal/audit"
	"github.com/fred-drake/carapace/internal/catalog"
	"github.com/fred-drake/carapace/internal/config"
	"github.com/fred-drake/carapace/internal/dispatcher"
	"github.com/fred-drake/carapace/internal/eventbus"
	"github.com/fred-drake/carapace/internal/eventproducers"
	"github.com/fred-drake/carapace/internal/lifecycle"
	"github.com/fred-drake/carapace/internal/limits"
	"github.com/fred-drake/carapace/internal/pipeline"
	"github.com/fred-drake/carapace/internal/provisioner"
	"github.com/fred-drake/carapace/internal/ratelimit"
	"github.com/fred-drake/carapace/internal/requestchannel"
	"github.com/fred-drake/carapace/internal/sanitize"
	"github.com/fred-drake/carapace/internal/sessionmgr"
	"github.com/fred-drake/carapace/internal/sessionstore"
	"github.com/fred-drake/carapace/internal/telemetry"
	"github.com/fred-drake/carapace/internal/transport"
	"github.com/fred-drake/carapace/pkg/protocol"
)

// serverSessionID names the one socket pair provisioned at startup and
// mounted into every container — the internal "server" session id (spec
// §4.14 step 3), distinct from the per-container session ids the
// lifecycle manager and session manager track.
const serverSessionID = "server"

// Server owns every component's lifetime and the two wiring points
// (request callback, event subscription) that tie them together.
type Server struct {
	cfg     *config.Config
	runtime lifecycle.ContainerRuntime

	router        transport.Router
	publisher     transport.Publisher
	newSubscriber func() transport.Subscriber
	logger        *slog.Logger

	confirmations pipeline.Confirmations

	provisioner *provisioner.Provisioner
	sockets     provisioner.SocketPaths

	requestChannel *requestchannel.Channel
	eventBus       *eventbus.Bus
	eventSub       *eventbus.Subscription

	catalog      *catalog.Catalog
	sessions     *sessionmgr.Manager
	limiter      *ratelimit.Limiter
	msgLimits    *limits.Guard
	auditLog     *audit.Log
	lifecycleMgr *lifecycle.Manager
	sessionStore *sessionstore.Store
	dispatcher   *dispatcher.Dispatcher
	pipeline     *pipeline.Pipeline
	pending      *pendingRegistry
	telemetry    *telemetry.Provider

	promptWatcher *eventproducers.PromptWatcher
	cronProducer  *eventproducers.CronProducer
	bgCancel      context.CancelFunc
	bgWG          sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopped  bool
}

// New constructs a Server. Nothing is bound or started until Start is
// called. newSubscriber mints a fresh Subscriber per Event Bus
// subscription (ws.NewSubscriber in production, a MemoryNetwork's
// constructor in tests).
func New(cfg *config.Config, runtime lifecycle.ContainerRuntime, router transport.Router, publisher transport.Publisher, newSubscriber func() transport.Subscriber, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:           cfg,
		runtime:       runtime,
		router:        router,
		publisher:     publisher,
		newSubscriber: newSubscriber,
		logger:        logger,
		confirmations: denyAllConfirmations{},
	}
}

// SetConfirmations overrides the default deny-all pre-approval authority.
// Must be called before Start.
func (s *Server) SetConfirmations(c pipeline.Confirmations) {
	s.confirmations = c
}

// Start runs the total startup sequence from spec §4.14. A failure at any
// step leaves nothing running that Start itself didn't already clean up;
// the caller is still expected to call Stop if Start returns an error
// after partially succeeding.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server: already started")
	}
	s.started = true
	s.mu.Unlock()

	// Steps 1-3: socket directory, stale cleanup, provision the shared pair.
	prov, err := provisioner.New(s.cfg.Provisioner.Dir)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	s.provisioner = prov

	if _, err := prov.CleanupStale(map[string]struct{}{serverSessionID: {}}); err != nil {
		s.logger.Warn("server: stale socket cleanup failed", "error", err)
	}

	sockets, err := prov.Provision(serverSessionID)
	if err != nil {
		return fmt.Errorf("server: provision server sockets: %w", err)
	}
	s.sockets = sockets
	requestAddr := "ipc://" + sockets.RequestSocket
	eventsAddr := "ipc://" + sockets.EventsSocket

	telemetryProvider, err := telemetry.New(ctx, telemetry.Config{
		OTLPEndpoint: s.cfg.Telemetry.OTLPEndpoint,
		ServiceName:  s.cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("server: build telemetry provider: %w", err)
	}
	s.telemetry = telemetryProvider

	// Step 4: bind the Request Channel and Event Bus.
	s.requestChannel = requestchannel.New(s.router, requestchannel.Config{TimeoutMs: s.cfg.RequestChannel.TimeoutMs}, s.logger)
	s.requestChannel.SetTimeoutHandler(s.onRequestTimeout)

	s.eventBus = eventbus.New(s.publisher, s.newSubscriber)
	if err := s.eventBus.Bind(ctx, eventsAddr); err != nil {
		return fmt.Errorf("server: bind event bus: %w", err)
	}

	// Step 5: construct every single-owner component.
	s.catalog = catalog.New()
	s.sessions = sessionmgr.New()
	s.msgLimits = limits.New(limits.Config{
		MaxRawBytes:     s.cfg.MessageLimits.MaxRawBytes,
		MaxPayloadBytes: s.cfg.MessageLimits.MaxPayloadBytes,
		MaxFieldBytes:   s.cfg.MessageLimits.MaxFieldBytes,
		MaxJSONDepth:    s.cfg.MessageLimits.MaxJSONDepth,
	})

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimiter.RequestsPerMinute,
		BurstSize:         s.cfg.RateLimiter.BurstSize,
	})
	for group, rule := range s.cfg.RateLimiter.GroupOverrides {
		s.limiter.SetGroupOverride(group, ratelimit.Config{
			RequestsPerMinute: rule.RequestsPerMinute,
			BurstSize:         rule.BurstSize,
		})
	}

	auditLog, err := audit.New(s.cfg.Audit.Dir)
	if err != nil {
		return fmt.Errorf("server: build audit log: %w", err)
	}
	s.auditLog = auditLog

	s.lifecycleMgr = lifecycle.New(s.runtime, lifecycle.Config{
		ShutdownTimeoutMs:    s.cfg.Lifecycle.ShutdownTimeoutMs,
		HealthCheckTimeoutMs: s.cfg.Lifecycle.HealthCheckTimeoutMs,
		APIMode:              s.cfg.Lifecycle.APIMode,
		Image:                s.cfg.Lifecycle.Image,
		AllowedNetwork:       s.cfg.Lifecycle.AllowedNetwork,
	}, s.logger)

	sessionStore, err := sessionstore.Open(s.cfg.SessionStore.Path)
	if err != nil {
		return fmt.Errorf("server: open session store: %w", err)
	}
	s.sessionStore = sessionStore

	s.pending = newPendingRegistry()
	spawner := &lifecycleSpawner{
		cfg:         s.cfg.Lifecycle,
		sockets:     sockets,
		manager:     s.lifecycleMgr,
		store:       s.sessionStore,
		pending:     s.pending,
		stateRoot:   s.cfg.Lifecycle.StateRoot,
		skillsDir:   s.cfg.Lifecycle.SkillsDir,
		credentials: credentialsFromConfig(s.cfg),
	}

	configuredGroups := make(map[string]dispatcher.GroupConfig, len(s.cfg.EventDispatcher.Groups))
	for group, g := range s.cfg.EventDispatcher.Groups {
		configuredGroups[group] = dispatcher.GroupConfig{SessionPolicy: dispatcher.SessionPolicy(g.SessionPolicy)}
	}
	s.dispatcher = dispatcher.New(dispatcher.Config{
		MaxSessionsPerGroup: s.cfg.EventDispatcher.MaxSessionsPerGroup,
		ConfiguredGroups:    configuredGroups,
	}, s.sessions, s.sessionStore, spawner)

	s.pipeline = pipeline.New(pipeline.Config{
		Catalog:       s.catalog,
		Limiter:       s.limiter,
		MessageLimits: s.msgLimits,
		Confirmations: s.confirmations,
		Audit:         s.auditLog,
		Logger:        s.logger,
		Tracer:        s.telemetry.PipelineTracerFunc(),
	})

	// Step 6: register built-in intrinsic tools.
	if err := catalog.RegisterBuiltins(s.catalog); err != nil {
		return fmt.Errorf("server: register builtin tools: %w", err)
	}

	// Step 7 (plugin loading) is outside the core; nothing to do here.

	// Step 8: wire the Request Channel's message callback.
	if err := s.requestChannel.Bind(ctx, requestAddr, s.handleRequest); err != nil {
		return fmt.Errorf("server: bind request channel: %w", err)
	}

	// Step 9: subscribe to message.inbound and task.triggered.
	sub, err := s.eventBus.Subscribe(ctx, eventsAddr, []string{protocol.TopicMessageInbound, protocol.TopicTaskTriggered})
	if err != nil {
		return fmt.Errorf("server: subscribe event bus: %w", err)
	}
	s.eventSub = sub
	sub.OnMessage(func(env *protocol.Envelope) {
		outcome := s.dispatcher.Dispatch(ctx, env)
		s.logger.Info("event dispatched", "topic", env.Topic, "group", env.Group, "action", outcome.Action, "session", outcome.SessionID, "reason", outcome.Reason)
	})

	// Step 10: optional prompt-file watcher and cron producers.
	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if s.cfg.Prompts.Enabled {
		s.promptWatcher = eventproducers.NewPromptWatcher(s.cfg.Prompts.Dir, s.eventBus, s.logger)
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.promptWatcher.Run(bgCtx); err != nil && bgCtx.Err() == nil {
				s.logger.Error("prompt watcher stopped", "error", err)
			}
		}()
	}

	if len(s.cfg.Cron) > 0 {
		schedules := make([]eventproducers.Schedule, len(s.cfg.Cron))
		for i, c := range s.cfg.Cron {
			schedules[i] = eventproducers.Schedule{Group: c.Group, Task: c.Task, Expression: c.Expression}
		}
		s.cronProducer = eventproducers.NewCronProducer(schedules, s.eventBus, s.logger)
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.cronProducer.Run(bgCtx); err != nil && bgCtx.Err() == nil {
				s.logger.Error("cron producer stopped", "error", err)
			}
		}()
	}

	// Step 11: ready.
	s.logger.Info("server ready", "request_socket", sockets.RequestSocket, "events_socket", sockets.EventsSocket)
	return nil
}

// credentialsFromConfig builds the KEY=VALUE stdin map handed to every
// spawned container, resolving API-key-vs-OAuth precedence (spec §9 open
// question, config.CredentialPrecedence).
func credentialsFromConfig(cfg *config.Config) map[string]string {
	kind, value := cfg.CredentialPrecedence()
	if value == "" {
		return map[string]string{}
	}
	if kind == "api_key" {
		return map[string]string{"ANTHROPIC_API_KEY": value}
	}
	return map[string]string{"CLAUDE_CODE_OAUTH_TOKEN": value}
}

// onRequestTimeout is the Request Channel's TimeoutHandler: a pending
// correlation that never got a response becomes permanently unresponsive
// from the host's side (spec §4.9's timeout policy) — there is nothing
// left to do but log it.
func (s *Server) onRequestTimeout(identity transport.ConnIdentity, correlation string) {
	s.logger.Warn("request timed out", "identity", identity, "correlation", correlation)
}

// handleRequest is the Request Channel's message callback (spec §4.14
// step 8): it intercepts the reserved session.announce handshake, and
// otherwise resolves the calling session, runs the pipeline, and
// sanitizes the result before the Request Channel sends it back.
func (s *Server) handleRequest(identity transport.ConnIdentity, wire protocol.WireMessage, raw []byte) *protocol.Envelope {
	start := time.Now()

	if wire.Topic == protocol.TopicSessionAnnounce {
		return s.handleAnnounce(identity, wire)
	}

	session, ok := s.sessions.GetByConnectionIdentity(identity)
	if !ok {
		s.logger.Warn("request from unannounced connection", "identity", identity, "topic", wire.Topic)
		return unauthorizedEnvelope(wire, identity)
	}

	env := s.pipeline.Execute(context.Background(), session, raw)
	var paths []sanitize.Path
	env, paths = sanitizeEnvelope(env)
	if len(paths) > 0 {
		s.auditSanitized(session, wire, paths, start)
	}

	s.logger.Info("request handled", "topic", wire.Topic, "group", session.Group, "session", session.SessionID, "duration_ms", time.Since(start).Milliseconds())
	return env
}

// auditSanitized records a "sanitized" audit entry whenever the Response
// Sanitizer redacted at least one field of a handler's result (spec
// §4.6/§4.13): the redaction paths are recorded, never the values
// themselves.
func (s *Server) auditSanitized(session *sessionmgr.Session, wire protocol.WireMessage, paths []sanitize.Path, start time.Time) {
	if s.auditLog == nil {
		return
	}
	fieldPaths := make([]string, len(paths))
	for i, p := range paths {
		fieldPaths[i] = string(p)
	}
	entry := audit.Entry{
		Timestamp:   time.Now().UTC(),
		Group:       session.Group,
		Source:      session.ContainerID,
		Correlation: wire.Correlation,
		Topic:       wire.Topic,
		Stage:       "sanitize",
		Outcome:     "sanitized",
		FieldPaths:  fieldPaths,
		DurationMs:  time.Since(start).Milliseconds(),
	}
	if err := s.auditLog.Append(entry); err != nil {
		s.logger.Error("audit append failed", "error", err)
	}
}

// announceArguments is the Wire Message arguments shape for
// session.announce: the session id the lifecycle manager minted at spawn
// time and passed to the container as CARAPACE_SESSION_ID.
type announceArguments struct {
	SessionID string `json:"session_id"`
}

// handleAnnounce claims the pending spawn record for the announced
// session id, creates the trusted session record binding it to identity,
// and acknowledges. A second announce for the same id, or one for an id
// nothing spawned, is rejected — claim only ever succeeds once.
func (s *Server) handleAnnounce(identity transport.ConnIdentity, wire protocol.WireMessage) *protocol.Envelope {
	var args announceArguments
	if err := json.Unmarshal(wire.Arguments, &args); err != nil || args.SessionID == "" {
		s.logger.Warn("malformed session.announce", "identity", identity, "error", err)
		return errorEnvelope(wire, protocol.NewError(protocol.CodeValidationFailed, "malformed session.announce arguments"))
	}

	pending, ok := s.pending.claim(args.SessionID)
	if !ok {
		s.logger.Warn("session.announce for unknown or already-bound session", "identity", identity, "session_id", args.SessionID)
		return errorEnvelope(wire, protocol.NewError(protocol.CodeUnauthorized, "unknown or already-announced session id"))
	}

	if _, err := s.sessions.CreateWithID(args.SessionID, pending.containerID, pending.group, identity); err != nil {
		s.logger.Error("session.announce could not create session record", "session_id", args.SessionID, "error", err)
		return errorEnvelope(wire, protocol.NewError(protocol.CodeInternalError, "could not bind session"))
	}

	s.logger.Info("session announced", "identity", identity, "session_id", args.SessionID, "group", pending.group)
	result, _ := protocol.MarshalPayload(map[string]string{"status": "ok"})
	payload, _ := json.Marshal(protocol.ResponsePayload{Result: result})
	return &protocol.Envelope{
		ID:          uuid.NewString(),
		Version:     protocol.ProtocolVersion,
		Type:        protocol.TypeResponse,
		Topic:       wire.Topic,
		Source:      "server",
		Correlation: correlationPtr(wire.Correlation),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Group:       pending.group,
		Payload:     payload,
	}
}

// sanitizeEnvelope redacts credential-shaped strings from a Response
// envelope's result before it reaches the wire (spec §4.6 — sanitization
// happens outside the pipeline proper, applied uniformly to whatever the
// pipeline returned), and reports the field paths where redaction
// occurred so the caller can emit the audit trail (never the redacted
// values themselves).
func sanitizeEnvelope(env *protocol.Envelope) (*protocol.Envelope, []sanitize.Path) {
	if env == nil || env.Type != protocol.TypeResponse {
		return env, nil
	}

	var payload protocol.ResponsePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Result == nil {
		return env, nil
	}

	var value any
	if err := json.Unmarshal(payload.Result, &value); err != nil {
		return env, nil
	}
	sanitized, paths := sanitize.Value(value)
	if len(paths) == 0 {
		return env, nil
	}
	resultJSON, err := json.Marshal(sanitized)
	if err != nil {
		return env, nil
	}
	payload.Result = resultJSON

	newPayload, err := json.Marshal(payload)
	if err != nil {
		return env, nil
	}
	env.Payload = newPayload
	return env, paths
}

func unauthorizedEnvelope(wire protocol.WireMessage, identity transport.ConnIdentity) *protocol.Envelope {
	_ = identity
	return errorEnvelope(wire, protocol.NewError(protocol.CodeUnauthorized, "connection has not announced a session"))
}

func errorEnvelope(wire protocol.WireMessage, errPayload *protocol.ErrorPayload) *protocol.Envelope {
	payload, _ := json.Marshal(protocol.ResponsePayload{Error: errPayload})
	return &protocol.Envelope{
		ID:          uuid.NewString(),
		Version:     protocol.ProtocolVersion,
		Type:        protocol.TypeResponse,
		Topic:       wire.Topic,
		Source:      "server",
		Correlation: correlationPtr(wire.Correlation),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Payload:     payload,
	}
}

func correlationPtr(correlation string) *string {
	if correlation == "" {
		return nil
	}
	return &correlation
}

// Stop reverses Start, best-effort and idempotent (spec §4.14's stop()).
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	if s.bgCancel != nil {
		s.bgCancel()
		s.bgWG.Wait()
	}

	if s.eventSub != nil {
		if err := s.eventSub.Unsubscribe(); err != nil {
			s.logger.Warn("server: unsubscribe event bus failed", "error", err)
		}
	}

	if s.requestChannel != nil {
		if err := s.requestChannel.Close(); err != nil {
			s.logger.Warn("server: close request channel failed", "error", err)
		}
	}

	if s.eventBus != nil {
		if err := s.eventBus.Close(); err != nil {
			s.logger.Warn("server: close event bus failed", "error", err)
		}
	}

	if s.lifecycleMgr != nil {
		s.lifecycleMgr.ShutdownAll(ctx)
	}

	if s.sessionStore != nil {
		if err := s.sessionStore.Close(); err != nil {
			s.logger.Warn("server: close session store failed", "error", err)
		}
	}
	if s.auditLog != nil {
		if err := s.auditLog.Close(); err != nil {
			s.logger.Warn("server: close audit log failed", "error", err)
		}
	}

	// Plugin shutdown is outside the core; nothing to do here.

	if s.provisioner != nil {
		s.provisioner.Release(serverSessionID)
	}

	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Warn("server: telemetry shutdown failed", "error", err)
		}
	}

	return nil
}
