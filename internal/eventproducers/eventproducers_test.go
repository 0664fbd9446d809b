package eventproducers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fred-drake/carapace/pkg/protocol"
)

type fakePublisher struct {
	mu   sync.Mutex
	envs []*protocol.Envelope
}

func (f *fakePublisher) Publish(env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envs)
}

func writePromptFile(t *testing.T, dir, name string, pf promptFile) {
	t.Helper()
	raw, err := json.Marshal(pf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o600))
}

func TestPromptWatcherPublishesAndUnlinks(t *testing.T) {
	dir := t.TempDir()
	writePromptFile(t, dir, "one.json", promptFile{Group: "demo", Prompt: "say hi"})

	pub := &fakePublisher{}
	w := NewPromptWatcher(dir, pub, nil)
	w.interval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	require.Equal(t, 1, pub.count())
	_, err := os.Stat(filepath.Join(dir, "one.json"))
	require.True(t, os.IsNotExist(err))

	env := pub.envs[0]
	require.Equal(t, protocol.TopicTaskTriggered, env.Topic)
	require.Equal(t, "demo", env.Group)
	require.Equal(t, "cli", env.Source)
}

func TestPromptWatcherSkipsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("not json"), 0o600))

	pub := &fakePublisher{}
	w := NewPromptWatcher(dir, pub, nil)
	w.interval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	require.Equal(t, 0, pub.count())
	_, err := os.Stat(filepath.Join(dir, "bad.json"))
	require.NoError(t, err, "malformed files are left in place, not silently dropped")
}

func TestCronProducerPublishesOnlyWhenDue(t *testing.T) {
	pub := &fakePublisher{}
	schedules := []Schedule{
		{Group: "demo", Task: "daily-report", Expression: "0 9 * * *"},
	}
	p := NewCronProducer(schedules, pub, nil)

	notDue := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return notDue }
	p.evaluate()
	require.Equal(t, 0, pub.count())

	due := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return due }
	p.evaluate()
	require.Equal(t, 1, pub.count())
	require.Equal(t, protocol.TopicTaskTriggered, pub.envs[0].Topic)
	require.Equal(t, "cron", pub.envs[0].Source)
}

func TestCronProducerSkipsInvalidExpression(t *testing.T) {
	pub := &fakePublisher{}
	schedules := []Schedule{{Group: "demo", Task: "bad", Expression: "not a cron expr"}}
	p := NewCronProducer(schedules, pub, nil)
	p.evaluate()
	require.Equal(t, 0, pub.count())
}
