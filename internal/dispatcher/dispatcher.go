// Package dispatcher implements the Event Dispatcher (spec §4.11):
// consumes event envelopes from the Event Bus and decides whether to
// spawn a fresh agent, reuse one, or drop/reject the event.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/fred-drake/carapace/internal/schema"
	"github.com/fred-drake/carapace/pkg/protocol"
)

// SessionPolicy controls whether a group's events spawn a fresh agent or
// attempt to resume a prior one (spec §9: EventDispatcherConfig).
type SessionPolicy string

const (
	PolicyFresh  SessionPolicy = "fresh"
	PolicyResume SessionPolicy = "resume"
)

// Action is the outcome tag returned for every dispatched event.
type Action string

const (
	ActionSpawned  Action = "spawned"
	ActionReused   Action = "reused"
	ActionDropped  Action = "dropped"
	ActionRejected Action = "rejected"
	ActionError    Action = "error"
)

// Outcome is the decision record returned by Dispatch.
type Outcome struct {
	Action    Action
	Group     string
	SessionID string
	Reason    string
}

// GroupConfig is the per-configured-group policy (spec §9).
type GroupConfig struct {
	SessionPolicy SessionPolicy
}

// Config holds the dispatcher's tunables.
type Config struct {
	MaxSessionsPerGroup int
	ConfiguredGroups    map[string]GroupConfig
}

var DefaultConfig = Config{MaxSessionsPerGroup: 3}

// topicSchemas is the fixed per-topic payload schema table (spec §6:
// "Schemas live in the event dispatcher").
var topicSchemas = map[string]string{
	protocol.TopicMessageInbound: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"channel": {"type": "string"},
			"sender": {"type": "string"},
			"content_type": {"type": "string"},
			"body": {"type": "string"},
			"metadata": {"type": "object"}
		},
		"required": ["channel", "sender", "content_type", "body"]
	}`,
	protocol.TopicTaskTriggered: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"schedule": {"type": "string"},
			"task": {"type": "string"},
			"metadata": {"type": "object"}
		},
		"required": ["task"]
	}`,
}

// GroupSessionCounter reports how many active sessions a group currently
// has, so the dispatcher can enforce max_sessions_per_group (spec §4.11
// step 4). Backed by sessionmgr.Manager.CountByGroup in production.
type GroupSessionCounter interface {
	CountByGroup(group string) int
}

// SessionStore resolves the last known agent session id for a group, for
// the "resume" policy (spec §4.11 step 6).
type SessionStore interface {
	GetLatest(group string) (string, bool)
}

// SpawnRequest is what the dispatcher asks the lifecycle manager to
// start, carrying the resume hint when applicable.
type SpawnRequest struct {
	Group   string
	Env     *protocol.Envelope
	Resume  string // RESUME_SESSION value, empty for a fresh spawn
}

// Spawner is the lifecycle manager's entry point the dispatcher calls.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (sessionID string, err error)
}

// Dispatcher evaluates the decision table in spec §4.11.
type Dispatcher struct {
	cfg      Config
	sessions GroupSessionCounter
	store    SessionStore
	spawner  Spawner
}

func New(cfg Config, sessions GroupSessionCounter, store SessionStore, spawner Spawner) *Dispatcher {
	if cfg.MaxSessionsPerGroup == 0 {
		cfg.MaxSessionsPerGroup = DefaultConfig.MaxSessionsPerGroup
	}
	if cfg.ConfiguredGroups == nil {
		cfg.ConfiguredGroups = make(map[string]GroupConfig)
	}
	return &Dispatcher{cfg: cfg, sessions: sessions, store: store, spawner: spawner}
}

// Dispatch evaluates env against the decision table and, on a spawn
// decision, calls the lifecycle manager.
func (d *Dispatcher) Dispatch(ctx context.Context, env *protocol.Envelope) Outcome {
	schemaDoc, known := topicSchemas[env.Topic]
	if !known {
		return Outcome{Action: ActionDropped, Reason: fmt.Sprintf("unknown topic %q", env.Topic)}
	}

	groupCfg, configured := d.cfg.ConfiguredGroups[env.Group]
	if !configured {
		return Outcome{Action: ActionRejected, Group: env.Group, Reason: "group not configured"}
	}

	if err := schema.Validate([]byte(schemaDoc), env.Payload); err != nil {
		return Outcome{Action: ActionRejected, Group: env.Group, Reason: err.Error()}
	}

	if d.sessions.CountByGroup(env.Group) >= d.cfg.MaxSessionsPerGroup {
		return Outcome{Action: ActionDropped, Group: env.Group, Reason: "saturated"}
	}

	policy := groupCfg.SessionPolicy
	if policy == "" {
		policy = PolicyFresh
	}

	resume := ""
	if policy == PolicyResume {
		if prior, ok := d.store.GetLatest(env.Group); ok {
			resume = prior
		}
	}

	sessionID, err := d.spawner.Spawn(ctx, SpawnRequest{Group: env.Group, Env: env, Resume: resume})
	if err != nil {
		return Outcome{Action: ActionError, Group: env.Group, Reason: err.Error()}
	}

	action := ActionSpawned
	if resume != "" {
		action = ActionReused
	}
	return Outcome{Action: action, Group: env.Group, SessionID: sessionID}
}
