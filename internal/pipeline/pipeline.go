// Package pipeline implements the Request Pipeline (spec §4.8): six
// stages executed in order on every request, stages 1-5 synchronous and
// total, stage 6 asynchronous. Grounded on the numbered-step sequential
// style of other_examples' flemzord-sclaw router pipeline (Execute's
// Step 1..Step 15 comments) — adapted here to six named stages returning
// a Continue/Fail tagged result instead of duck-typed interfaces.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fred-drake/carapace/internal/audit"
	"github.com/fred-drake/carapace/internal/catalog"
	"github.com/fred-drake/carapace/internal/limits"
	"github.com/fred-drake/carapace/internal/ratelimit"
	"github.com/fred-drake/carapace/internal/schema"
	"github.com/fred-drake/carapace/internal/sessionmgr"
	"github.com/fred-drake/carapace/pkg/protocol"
)

// Confirmations is the out-of-band pre-approval set stage 5 consults
// (spec §4.8 stage 5, spec §9 open question: mechanism is outside the
// core). A correlation present in the set is treated as pre-approved.
type Confirmations interface {
	IsApproved(correlation string) bool
	// WasRequested distinguishes "never asked" (CONFIRMATION_DENIED) from
	// "asked but no decision arrived in time" (CONFIRMATION_TIMEOUT).
	WasRequested(correlation string) bool
}

// Config wires the pipeline to the single-owner components it consults.
// Every mutable structure stays owned by its component (spec §9) — the
// pipeline only calls operations on them.
type Config struct {
	Catalog        *catalog.Catalog
	Limiter        *ratelimit.Limiter
	MessageLimits  *limits.Guard
	Confirmations  Confirmations
	Audit          *audit.Log
	Logger         *slog.Logger
	HandlerTimeout time.Duration
	// Tracer, when set, wraps each Execute call in a span (SPEC_FULL.md
	// ambient stack: "pipeline stage transitions ... wrapped in
	// OpenTelemetry spans"). Left as a plain function type rather than an
	// otel-typed interface so this package stays free of a tracing
	// dependency when no Tracer is supplied — telemetry.Provider adapts
	// itself to this shape.
	Tracer func(ctx context.Context, stage string) (context.Context, func())
}

// Pipeline is the single entry point the Request Channel calls for every
// parsed Wire Message.
type Pipeline struct {
	cfg Config
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandlerTimeout == 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	return &Pipeline{cfg: cfg}
}

// stageCtx is the refined context threaded through stages, matching spec
// §9's "ctx carrying (wire, session, tool?, envelope?)".
type stageCtx struct {
	wire    protocol.WireMessage
	session *sessionmgr.Session
	toolName string
	decl     catalog.Declaration
	handler  catalog.Handler
	env      *protocol.Envelope
}

// Execute runs all six stages for one raw inbound frame and returns the
// Response envelope to send back — a terminal envelope on every path,
// never an error the caller must additionally handle.
func (p *Pipeline) Execute(ctx context.Context, session *sessionmgr.Session, raw []byte) *protocol.Envelope {
	start := time.Now()

	if p.cfg.Tracer != nil {
		var end func()
		ctx, end = p.cfg.Tracer(ctx, "execute")
		defer end()
	}

	sc, errPayload, stage := p.runStages1through5(raw, session)
	if errPayload != nil {
		p.audit(sc, session, stage, errPayload, start)
		return p.responseEnvelope(sc, session, nil, errPayload)
	}

	result, errPayload, rawHandlerCode := p.dispatch(ctx, sc)
	if errPayload != nil {
		if rawHandlerCode != "" && rawHandlerCode != errPayload.Code {
			p.auditHandlerError(sc, session, rawHandlerCode, errPayload, start)
		} else {
			p.audit(sc, session, "dispatch", errPayload, start)
		}
		return p.responseEnvelope(sc, session, nil, errPayload)
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		errPayload = protocol.NewError(protocol.CodeInternalError, "failed to marshal handler result")
		p.audit(sc, session, "dispatch", errPayload, start)
		return p.responseEnvelope(sc, session, nil, errPayload)
	}

	p.cfg.Logger.Info("request completed",
		"correlation", sc.wire.Correlation, "topic", sc.wire.Topic,
		"group", session.Group, "duration_ms", time.Since(start).Milliseconds(), "ok", true)
	p.auditRouted(sc, session, start)

	return p.responseEnvelope(sc, session, resultJSON, nil)
}

// runStages1through5 covers Construct, Topic, Payload, Authorize, Confirm.
func (p *Pipeline) runStages1through5(raw []byte, session *sessionmgr.Session) (*stageCtx, *protocol.ErrorPayload, string) {
	// Stage 1: Construct envelope.
	sc, errPayload := p.stageConstruct(raw, session)
	if errPayload != nil {
		return sc, errPayload, "construct"
	}

	// Stage 2: Topic resolution.
	if errPayload := p.stageTopic(sc); errPayload != nil {
		return sc, errPayload, "topic"
	}

	// Stage 3: Argument validation.
	if errPayload := p.stagePayload(sc); errPayload != nil {
		return sc, errPayload, "payload"
	}

	// Stage 4: Authorize & rate-limit.
	if errPayload := p.stageAuthorize(sc, session); errPayload != nil {
		return sc, errPayload, "authorize"
	}

	// Stage 5: Confirmation gate.
	if errPayload := p.stageConfirm(sc); errPayload != nil {
		return sc, errPayload, "confirm"
	}

	return sc, nil, ""
}

func (p *Pipeline) stageConstruct(raw []byte, session *sessionmgr.Session) (*stageCtx, *protocol.ErrorPayload) {
	if p.cfg.MessageLimits != nil {
		if err := p.cfg.MessageLimits.CheckRaw(raw); err != nil {
			return nil, protocol.NewError(protocol.CodeMessageTooLarge, err.Error())
		}
	}

	var wire protocol.WireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, protocol.NewError(protocol.CodeValidationFailed, "malformed wire message")
	}
	if wire.Topic == "" || wire.Correlation == "" || len(wire.Arguments) == 0 {
		return nil, protocol.NewError(protocol.CodeValidationFailed, "wire message missing required fields")
	}

	// Identity-field spoofing check: any Envelope identity field present
	// on the wire is rejected outright (spec §3, invariant 1).
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err == nil {
		for field := range protocol.IdentityFields {
			if _, present := generic[field]; present {
				return nil, protocol.NewError(protocol.CodeValidationFailed,
					fmt.Sprintf("wire message must not carry identity field %q", field))
			}
		}
	}

	var argsDoc any
	if err := json.Unmarshal(wire.Arguments, &argsDoc); err != nil {
		return nil, protocol.NewError(protocol.CodeValidationFailed, "arguments must be valid json")
	}
	if _, ok := argsDoc.(map[string]any); !ok {
		return nil, protocol.NewError(protocol.CodeValidationFailed, "arguments must be an object")
	}

	payload, err := protocol.MarshalPayload(protocol.RequestPayload{Arguments: wire.Arguments})
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "failed to build envelope payload")
	}

	env := &protocol.Envelope{
		ID:          uuid.NewString(),
		Version:     protocol.ProtocolVersion,
		Type:        protocol.TypeRequest,
		Topic:       wire.Topic,
		Source:      session.ContainerID,
		Correlation: &wire.Correlation,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Group:       session.Group,
		Payload:     payload,
	}

	return &stageCtx{wire: wire, session: session, env: env}, nil
}

func (p *Pipeline) stageTopic(sc *stageCtx) *protocol.ErrorPayload {
	name, ok := protocol.ParseToolName(sc.wire.Topic)
	if !ok {
		return protocol.NewError(protocol.CodeUnknownTool, fmt.Sprintf("malformed topic %q", sc.wire.Topic))
	}
	decl, handler, ok := p.cfg.Catalog.Get(name)
	if !ok {
		return protocol.NewError(protocol.CodeUnknownTool, fmt.Sprintf("no such tool %q", name))
	}
	sc.toolName = name
	sc.decl = decl
	sc.handler = handler
	return nil
}

func (p *Pipeline) stagePayload(sc *stageCtx) *protocol.ErrorPayload {
	if p.cfg.MessageLimits != nil {
		if err := p.cfg.MessageLimits.CheckPayload(sc.wire.Arguments); err != nil {
			return protocol.NewError(protocol.CodeMessageTooLarge, err.Error())
		}
	}
	if len(sc.decl.ArgumentsSchema) == 0 {
		return nil
	}
	if err := schema.Validate(sc.decl.ArgumentsSchema, sc.wire.Arguments); err != nil {
		ep := protocol.NewError(protocol.CodeValidationFailed, err.Error())
		if ve, ok := err.(*schema.ValidationError); ok && ve.Field != "" {
			ep = ep.WithField(ve.Field)
		}
		return ep
	}
	return nil
}

func (p *Pipeline) stageAuthorize(sc *stageCtx, session *sessionmgr.Session) *protocol.ErrorPayload {
	if !catalog.IsGroupAllowed(sc.decl, session.Group) {
		return protocol.NewError(protocol.CodeUnauthorized,
			fmt.Sprintf("group %q is not allowed to call %q", session.Group, sc.toolName))
	}

	decision := p.cfg.Limiter.Check(session.Group, sc.toolName)
	if !decision.Allowed {
		return protocol.NewError(protocol.CodeRateLimited, "rate limit exceeded").WithRetryAfter(decision.RetryAfterMs)
	}
	return nil
}

func (p *Pipeline) stageConfirm(sc *stageCtx) *protocol.ErrorPayload {
	if sc.decl.RiskLevel != catalog.RiskHigh {
		return nil
	}
	if p.cfg.Confirmations == nil {
		return protocol.NewError(protocol.CodeConfirmationDenied, "no confirmation authority configured")
	}
	if p.cfg.Confirmations.IsApproved(sc.wire.Correlation) {
		return nil
	}
	if p.cfg.Confirmations.WasRequested(sc.wire.Correlation) {
		return protocol.NewError(protocol.CodeConfirmationTimeout, "confirmation window elapsed")
	}
	return protocol.NewError(protocol.CodeConfirmationDenied, "high-risk call was not pre-approved")
}

// dispatch is stage 6: invoke the handler and normalize its outcome.
// rawHandlerCode is non-empty only when a handler raised a ToolError whose
// code was rewritten — it lets Execute emit the dual audit entries spec
// §4.13 requires without re-deriving what the handler originally raised.
func (p *Pipeline) dispatch(ctx context.Context, sc *stageCtx) (result any, errPayload *protocol.ErrorPayload, rawHandlerCode protocol.ErrorCode) {
	hctx, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := sc.handler(hctx, sc.env)
		done <- outcome{r, err}
	}()

	select {
	case <-hctx.Done():
		return nil, protocol.NewError(protocol.CodeTimeout, "handler did not complete within its time budget"), ""
	case o := <-done:
		if o.err == nil {
			return o.result, nil, ""
		}
		ep, raw := p.normalizeHandlerError(o.err)
		return nil, ep, raw
	}
}

// normalizeHandlerError applies spec §4.8 stage 6's three outcomes for a
// failed handler: a typed ToolError with a pipeline-reserved code is
// rewritten to HANDLER_ERROR so a handler can never spoof a pipeline
// failure; anything else is wrapped as PLUGIN_ERROR carrying only its
// message, never a stack trace or internal type name.
func (p *Pipeline) normalizeHandlerError(err error) (*protocol.ErrorPayload, protocol.ErrorCode) {
	if te, ok := err.(*protocol.ToolError); ok {
		code := te.Code
		if protocol.IsReserved(code) {
			return &protocol.ErrorPayload{Code: protocol.CodeHandlerError, Message: te.Message, Retriable: te.Retriable}, code
		}
		return &protocol.ErrorPayload{Code: code, Message: te.Message, Retriable: te.Retriable}, ""
	}
	return protocol.NewError(protocol.CodePluginError, err.Error()), ""
}

func (p *Pipeline) responseEnvelope(sc *stageCtx, session *sessionmgr.Session, result json.RawMessage, errPayload *protocol.ErrorPayload) *protocol.Envelope {
	var correlation string
	var topic string
	if sc != nil {
		correlation = sc.wire.Correlation
		topic = sc.wire.Topic
	}

	payload, _ := protocol.MarshalPayload(protocol.ResponsePayload{Result: result, Error: errPayload})

	return &protocol.Envelope{
		ID:          uuid.NewString(),
		Version:     protocol.ProtocolVersion,
		Type:        protocol.TypeResponse,
		Topic:       topic,
		Source:      "core",
		Correlation: &correlation,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Group:       session.Group,
		Payload:     payload,
	}
}

// rejectionStages are the stages whose failures are validation/
// authorization rejections (spec §4.13's "rejected" outcome), as
// distinct from a stage-6 dispatch-time failure ("error").
var rejectionStages = map[string]bool{
	"construct": true,
	"topic":     true,
	"payload":   true,
	"authorize": true,
	"confirm":   true,
}

func outcomeForStage(stage string) string {
	if rejectionStages[stage] {
		return "rejected"
	}
	return "error"
}

func (p *Pipeline) audit(sc *stageCtx, session *sessionmgr.Session, stage string, errPayload *protocol.ErrorPayload, start time.Time) {
	if p.cfg.Audit == nil {
		return
	}
	correlation := ""
	topic := ""
	if sc != nil {
		correlation = sc.wire.Correlation
		topic = sc.wire.Topic
	}
	entry := audit.Entry{
		Timestamp:   time.Now().UTC(),
		Group:       session.Group,
		Source:      session.ContainerID,
		Correlation: correlation,
		Topic:       topic,
		Stage:       stage,
		Outcome:     outcomeForStage(stage),
		ErrorCode:   string(errPayload.Code),
		DurationMs:  time.Since(start).Milliseconds(),
		Detail:      errPayload.Message,
	}
	if err := p.cfg.Audit.Append(entry); err != nil {
		p.cfg.Logger.Error("audit append failed", "error", err)
	}
}

func (p *Pipeline) auditHandlerError(sc *stageCtx, session *sessionmgr.Session, rawCode protocol.ErrorCode, errPayload *protocol.ErrorPayload, start time.Time) {
	if p.cfg.Audit == nil {
		return
	}
	base := audit.Entry{
		Timestamp:   time.Now().UTC(),
		Group:       session.Group,
		Source:      session.ContainerID,
		Correlation: sc.wire.Correlation,
		Topic:       sc.wire.Topic,
		Stage:       "dispatch",
		Outcome:     "error",
		DurationMs:  time.Since(start).Milliseconds(),
		Detail:      errPayload.Message,
	}
	if err := p.cfg.Audit.AppendHandlerError(base, string(rawCode), string(errPayload.Code)); err != nil {
		p.cfg.Logger.Error("audit append failed", "error", err)
	}
}

// auditRouted emits the success-path audit entry (spec §4.13's "routed"
// outcome) once stage 6 has produced a result and the response has been
// built.
func (p *Pipeline) auditRouted(sc *stageCtx, session *sessionmgr.Session, start time.Time) {
	if p.cfg.Audit == nil {
		return
	}
	entry := audit.Entry{
		Timestamp:   time.Now().UTC(),
		Group:       session.Group,
		Source:      session.ContainerID,
		Correlation: sc.wire.Correlation,
		Topic:       sc.wire.Topic,
		Stage:       "dispatch",
		Outcome:     "routed",
		DurationMs:  time.Since(start).Milliseconds(),
	}
	if err := p.cfg.Audit.Append(entry); err != nil {
		p.cfg.Logger.Error("audit append failed", "error", err)
	}
}
