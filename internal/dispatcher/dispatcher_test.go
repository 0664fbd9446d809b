package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fred-drake/carapace/pkg/protocol"
)

type fakeCounter struct{ counts map[string]int }

func (f fakeCounter) CountByGroup(group string) int { return f.counts[group] }

type fakeStore struct{ latest map[string]string }

func (f fakeStore) GetLatest(group string) (string, bool) {
	v, ok := f.latest[group]
	return v, ok
}

type fakeSpawner struct {
	nextID string
	err    error
	lastReq SpawnRequest
}

func (f *fakeSpawner) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	f.lastReq = req
	if f.err != nil {
		return "", f.err
	}
	return f.nextID, nil
}

func inboundEnvelope(group string) *protocol.Envelope {
	payload, _ := json.Marshal(map[string]any{
		"channel":      "slack",
		"sender":       "u1",
		"content_type": "text",
		"body":         "hello",
	})
	return &protocol.Envelope{Topic: protocol.TopicMessageInbound, Group: group, Payload: payload}
}

func TestUnknownTopicDropped(t *testing.T) {
	d := New(Config{ConfiguredGroups: map[string]GroupConfig{"demo": {}}}, fakeCounter{}, fakeStore{}, &fakeSpawner{})
	out := d.Dispatch(context.Background(), &protocol.Envelope{Topic: "mystery.topic", Group: "demo"})
	require.Equal(t, ActionDropped, out.Action)
}

func TestUnconfiguredGroupRejected(t *testing.T) {
	d := New(Config{ConfiguredGroups: map[string]GroupConfig{}}, fakeCounter{}, fakeStore{}, &fakeSpawner{})
	out := d.Dispatch(context.Background(), inboundEnvelope("unknown-group"))
	require.Equal(t, ActionRejected, out.Action)
}

func TestSchemaValidationFailureRejected(t *testing.T) {
	d := New(Config{ConfiguredGroups: map[string]GroupConfig{"demo": {}}}, fakeCounter{}, fakeStore{}, &fakeSpawner{})
	env := &protocol.Envelope{Topic: protocol.TopicMessageInbound, Group: "demo", Payload: json.RawMessage(`{"channel":"slack"}`)}
	out := d.Dispatch(context.Background(), env)
	require.Equal(t, ActionRejected, out.Action)
	require.NotEmpty(t, out.Reason)
}

func TestSaturatedGroupDropped(t *testing.T) {
	d := New(Config{MaxSessionsPerGroup: 1, ConfiguredGroups: map[string]GroupConfig{"demo": {}}},
		fakeCounter{counts: map[string]int{"demo": 1}}, fakeStore{}, &fakeSpawner{})
	out := d.Dispatch(context.Background(), inboundEnvelope("demo"))
	require.Equal(t, ActionDropped, out.Action)
	require.Equal(t, "saturated", out.Reason)
}

func TestFreshPolicySpawns(t *testing.T) {
	spawner := &fakeSpawner{nextID: "sess-1"}
	d := New(Config{ConfiguredGroups: map[string]GroupConfig{"demo": {SessionPolicy: PolicyFresh}}},
		fakeCounter{}, fakeStore{}, spawner)
	out := d.Dispatch(context.Background(), inboundEnvelope("demo"))
	require.Equal(t, ActionSpawned, out.Action)
	require.Equal(t, "sess-1", out.SessionID)
	require.Empty(t, spawner.lastReq.Resume)
}

func TestResumePolicyWithPriorSessionAttachesResume(t *testing.T) {
	spawner := &fakeSpawner{nextID: "sess-2"}
	d := New(Config{ConfiguredGroups: map[string]GroupConfig{"demo": {SessionPolicy: PolicyResume}}},
		fakeCounter{}, fakeStore{latest: map[string]string{"demo": "prior-session"}}, spawner)
	out := d.Dispatch(context.Background(), inboundEnvelope("demo"))
	require.Equal(t, ActionReused, out.Action)
	require.Equal(t, "prior-session", spawner.lastReq.Resume)
}

func TestSpawnFailureProducesError(t *testing.T) {
	failing := &fakeSpawner{err: errors.New("runtime unavailable")}
	d := New(Config{ConfiguredGroups: map[string]GroupConfig{"demo": {}}}, fakeCounter{}, fakeStore{}, failing)
	out := d.Dispatch(context.Background(), inboundEnvelope("demo"))
	require.Equal(t, ActionError, out.Action)
	require.NotEmpty(t, out.Reason)
}
