package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	mu        sync.Mutex
	running   map[Handle]ContainerStatus
	runErr    error
	nextID    int
	stopCalls int
	killCalls int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{running: make(map[Handle]ContainerStatus)}
}

func (f *fakeRuntime) Run(ctx context.Context, spec RunSpec) (Handle, error) {
	if f.runErr != nil {
		return "", f.runErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	h := Handle(fmt.Sprintf("handle-%d", f.nextID))
	f.running[h] = StatusRunning
	return h, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.running[h] = StatusExited
	return nil
}

func (f *fakeRuntime) Kill(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killCalls++
	f.running[h] = StatusExited
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, h)
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, h Handle) (ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.running[h]
	if !ok {
		return StatusNotFound, nil
	}
	return status, nil
}

func (f *fakeRuntime) ImageExists(ctx context.Context, image string) (bool, error) { return true, nil }

func TestSpawnRegistersSessionOnlyAfterRunSucceeds(t *testing.T) {
	runtime := newFakeRuntime()
	m := New(runtime, Config{}, nil)

	sessionID, handle, err := m.Spawn(context.Background(), SpawnRequest{Group: "demo"})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	require.NotEmpty(t, handle)

	status, ok := m.GetStatus(context.Background(), sessionID)
	require.True(t, ok)
	require.Equal(t, StatusRunning, status)
}

func TestSpawnFailureLeavesNoSession(t *testing.T) {
	runtime := newFakeRuntime()
	runtime.runErr = fmt.Errorf("boom")
	m := New(runtime, Config{}, nil)

	sessionID, _, err := m.Spawn(context.Background(), SpawnRequest{Group: "demo"})
	require.Error(t, err)
	require.Empty(t, sessionID)
}

func TestShutdownIsIdempotent(t *testing.T) {
	runtime := newFakeRuntime()
	m := New(runtime, Config{}, nil)

	sessionID, _, err := m.Spawn(context.Background(), SpawnRequest{Group: "demo"})
	require.NoError(t, err)

	require.True(t, m.Shutdown(context.Background(), sessionID))
	require.False(t, m.Shutdown(context.Background(), sessionID))
}

func TestShutdownAllTearsDownEverySession(t *testing.T) {
	runtime := newFakeRuntime()
	m := New(runtime, Config{}, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		id, _, err := m.Spawn(context.Background(), SpawnRequest{Group: "demo"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	m.ShutdownAll(context.Background())

	for _, id := range ids {
		_, ok := m.GetStatus(context.Background(), id)
		require.False(t, ok)
	}
}

func TestCleanupOrphansKillsRunningAndSkipsNotFound(t *testing.T) {
	runtime := newFakeRuntime()
	m := New(runtime, Config{}, nil)

	h, err := runtime.Run(context.Background(), RunSpec{})
	require.NoError(t, err)

	m.CleanupOrphans(context.Background(), []Handle{h, "ghost-handle"})

	require.Equal(t, 1, runtime.killCalls)
	status, err := runtime.Inspect(context.Background(), h)
	require.NoError(t, err)
	require.Equal(t, StatusNotFound, status)
}

func TestAPIModeSpawnWaitsForHealth(t *testing.T) {
	runtime := newFakeRuntime()
	m := New(runtime, Config{APIMode: true, HealthCheckTimeoutMs: 2000}, nil)

	attempts := 0
	m.health = func(url string) (bool, error) {
		attempts++
		return attempts >= 2, nil
	}

	sessionID, _, err := m.Spawn(context.Background(), SpawnRequest{Group: "demo"})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	require.GreaterOrEqual(t, attempts, 2)
}

func TestAPIModeSpawnFailsIfContainerExitsBeforeHealthy(t *testing.T) {
	runtime := newFakeRuntime()
	m := New(runtime, Config{APIMode: true, HealthCheckTimeoutMs: 2000}, nil)
	m.health = func(url string) (bool, error) { return false, nil }

	// Force the container to appear exited immediately after spawn.
	origRun := runtime.Run
	_ = origRun
	h, err := runtime.Run(context.Background(), RunSpec{})
	require.NoError(t, err)
	runtime.running[h] = StatusExited

	err = m.waitForHealthy(context.Background(), h, "http://127.0.0.1:0")
	require.Error(t, err)
}
