// Package protocol defines the wire formats that cross the trust boundary
// between sandboxed agent containers and the host broker: the untrusted
// Wire Message a container sends, the trusted Envelope the host constructs
// from it, and the error taxonomy carried in response payloads.
package protocol

import "encoding/json"

// ProtocolVersion is the current envelope wire version. Envelopes carrying
// any other version are rejected outright — there is no negotiation.
const ProtocolVersion = 1

// EnvelopeType discriminates the three envelope variants.
type EnvelopeType string

const (
	TypeRequest  EnvelopeType = "request"
	TypeResponse EnvelopeType = "response"
	TypeEvent    EnvelopeType = "event"
)

// WireMessage is the untrusted shape a container places on the Dealer
// socket. It carries exactly these three fields — nothing else is trusted,
// and nothing else is even parsed at this layer.
type WireMessage struct {
	Topic       string          `json:"topic"`
	Correlation string          `json:"correlation"`
	Arguments   json.RawMessage `json:"arguments"`
}

// IdentityFields is the set of Envelope field names a Wire Message must
// never carry. A container that includes any of these is attempting to
// forge trusted state (group, source, timestamp, ...) and is rejected by
// pipeline stage 1 before any of it is looked at.
var IdentityFields = map[string]struct{}{
	"id":        {},
	"version":   {},
	"type":      {},
	"source":    {},
	"timestamp": {},
	"group":     {},
	"payload":   {},
}

// Envelope is the trusted message shape produced by the host after merging
// Wire Message data with session state. The same struct represents all
// three variants (Request, Response, Event); Type discriminates, and the
// fields that don't apply to a given variant are simply left zero.
type Envelope struct {
	ID          string          `json:"id"`
	Version     int             `json:"version"`
	Type        EnvelopeType    `json:"type"`
	Topic       string          `json:"topic"`
	Source      string          `json:"source"`
	Correlation *string         `json:"correlation"`
	Timestamp   string          `json:"timestamp"`
	Group       string          `json:"group"`
	Payload     json.RawMessage `json:"payload"`
}

// RequestPayload is the payload shape of a Request envelope.
type RequestPayload struct {
	Arguments json.RawMessage `json:"arguments"`
}

// ResponsePayload is the payload shape of a Response envelope. Exactly one
// of Result/Error is non-nil.
type ResponsePayload struct {
	Result json.RawMessage `json:"result"`
	Error  *ErrorPayload   `json:"error"`
}

// MarshalPayload re-marshals v into the Envelope's Payload field.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
