package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds the manager's tunables (spec §9: LifecycleConfig).
type Config struct {
	ShutdownTimeoutMs    int64
	HealthCheckTimeoutMs int64
	// APIMode, when true, spawns containers with CARAPACE_API_MODE=1 and
	// polls their /health endpoint before considering a spawn successful
	// (spec §6: "Environment contract for API-mode containers").
	APIMode bool
	Image   string
	// AllowedNetwork, when set, is the one named container-runtime
	// network every spawned container is attached to instead of running
	// fully network-disabled (spec §4.12: "network-disabled unless an
	// allow-listed named network is configured").
	AllowedNetwork string
}

var DefaultConfig = Config{ShutdownTimeoutMs: 10000, HealthCheckTimeoutMs: 30000}

// managedContainer is the per-session bookkeeping record the manager
// owns, matching spec §4.12's "map sessionId -> {handle, session,
// apiClient?, apiSocketDir?}".
type managedContainer struct {
	handle       Handle
	group        string
	apiBaseURL   string
	apiKeyPath   string
}

// SpawnRequest describes one spawn call, already resolved by the Event
// Dispatcher (group, event envelope, resume hint) plus the concrete
// mounts the caller wants wired in.
type SpawnRequest struct {
	// SessionID, when non-empty, is used as the canonical session id
	// instead of minting a fresh one. The server's dispatcher-facing
	// Spawner adapter sets this so the same id it used to provision
	// sockets before the call is the id the manager tracks the
	// container under.
	SessionID       string
	Group           string
	RequestSocket   string // request-channel socket (or TCP address) to mount
	EventsSocket    string
	StateDir        string // per-group Claude-state directory
	SkillsDir       string
	Credentials     map[string]string // rendered as KEY=VALUE\n...\n\n on stdin
	ResumeSessionID string            // attaches env["RESUME_SESSION"] when non-empty
}

// Manager is the single owner of every tracked container.
type Manager struct {
	runtime ContainerRuntime
	cfg     Config
	logger  *slog.Logger
	health  func(url string) (bool, error)

	mu         sync.Mutex
	containers map[string]*managedContainer // sessionId -> record
}

func New(runtime ContainerRuntime, cfg Config, logger *slog.Logger) *Manager {
	if cfg.ShutdownTimeoutMs == 0 {
		cfg.ShutdownTimeoutMs = DefaultConfig.ShutdownTimeoutMs
	}
	if cfg.HealthCheckTimeoutMs == 0 {
		cfg.HealthCheckTimeoutMs = DefaultConfig.HealthCheckTimeoutMs
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		runtime:    runtime,
		cfg:        cfg,
		logger:     logger,
		containers: make(map[string]*managedContainer),
	}
	m.health = m.pollHealth
	return m
}

// Spawn starts a new container for req and registers it only after
// runtime.Run returns successfully, so a failed spawn leaves no dangling
// session (spec §4.12).
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (sessionID string, handle Handle, err error) {
	connIdentity := randomHex(16)
	name := fmt.Sprintf("carapace-%s-%s", req.Group, connIdentity[:8])

	sessionID = req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	env := map[string]string{
		"CARAPACE_GROUP": req.Group,
		// CARAPACE_SESSION_ID lets the container announce itself on the
		// reserved session.announce topic as its very first wire message,
		// binding its transport connection identity to this session
		// record (spec §4.14 step 8) now that the shared request/events
		// socket pair gives the host no other way to tell containers
		// apart on first contact.
		"CARAPACE_SESSION_ID": sessionID,
	}
	if req.ResumeSessionID != "" {
		env["RESUME_SESSION"] = req.ResumeSessionID
	}

	var apiKeyPath string
	var apiBaseURL string
	if m.cfg.APIMode {
		keyPath, key, err := writeTempAPIKey(name)
		if err != nil {
			return "", "", fmt.Errorf("lifecycle: write api key: %w", err)
		}
		apiKeyPath = keyPath
		env["CARAPACE_API_MODE"] = "1"
		env["CARAPACE_API_KEY_FILE"] = keyPath
		env["MAX_CONCURRENT_PROCESSES"] = "1"
		env["PORT"] = "8787"
		env["HOST"] = "0.0.0.0"
		apiBaseURL = "http://127.0.0.1:8787"
		_ = key // the entrypoint reads, exports, and deletes the key file itself
	}

	spec := RunSpec{
		Name:           name,
		Image:          m.cfg.Image,
		ReadOnlyRootFS: true,
		NetworkName:    m.cfg.AllowedNetwork,
		Mounts: []Mount{
			{HostPath: req.RequestSocket, ContainerPath: "/run/carapace/request.sock"},
			{HostPath: req.EventsSocket, ContainerPath: "/run/carapace/events.sock"},
			{HostPath: req.StateDir, ContainerPath: "/state/claude", ReadOnly: false},
			{HostPath: req.SkillsDir, ContainerPath: "/state/skills", ReadOnly: true},
		},
		Env:       env,
		StdinData: renderCredentials(req.Credentials),
	}

	handle, err = m.runtime.Run(ctx, spec)
	if err != nil {
		if apiKeyPath != "" {
			_ = os.Remove(apiKeyPath)
		}
		return "", "", fmt.Errorf("lifecycle: runtime run failed: %w", err)
	}

	if m.cfg.APIMode {
		if err := m.waitForHealthy(ctx, handle, apiBaseURL); err != nil {
			m.cleanupFailedSpawn(ctx, handle, apiKeyPath)
			return "", "", fmt.Errorf("lifecycle: container failed health check: %w", err)
		}
	}

	m.mu.Lock()
	m.containers[sessionID] = &managedContainer{
		handle:     handle,
		group:      req.Group,
		apiBaseURL: apiBaseURL,
		apiKeyPath: apiKeyPath,
	}
	m.mu.Unlock()

	return sessionID, handle, nil
}

// cleanupFailedSpawn tears down a container that ran but never became
// healthy: stopped, removed, deleted session (none registered yet), and
// its temp API key dir unlinked.
func (m *Manager) cleanupFailedSpawn(ctx context.Context, handle Handle, apiKeyPath string) {
	_ = m.runtime.Stop(ctx, handle)
	_ = m.runtime.Remove(ctx, handle)
	if apiKeyPath != "" {
		_ = os.Remove(apiKeyPath)
	}
}

// waitForHealthy polls /health with exponential backoff capped at a
// ceiling, failing the whole spawn if the container exits before the API
// becomes ready. An initial grace period avoids misclassifying an early
// created->running transition as a crash.
func (m *Manager) waitForHealthy(ctx context.Context, handle Handle, baseURL string) error {
	deadline := time.Now().Add(time.Duration(m.cfg.HealthCheckTimeoutMs) * time.Millisecond)
	backoff := 100 * time.Millisecond
	const backoffCeiling = 5 * time.Second
	const gracePeriod = 500 * time.Millisecond

	time.Sleep(gracePeriod)

	for {
		status, err := m.runtime.Inspect(ctx, handle)
		if err == nil && status == StatusExited {
			return fmt.Errorf("container exited before health check succeeded")
		}

		if ok, _ := m.health(baseURL + "/health"); ok {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("health check timed out after %dms", m.cfg.HealthCheckTimeoutMs)
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > backoffCeiling {
			backoff = backoffCeiling
		}
	}
}

func (m *Manager) pollHealth(url string) (bool, error) {
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// Shutdown removes sessionID from tracking first (preventing a double
// shutdown from racing), then tries a graceful stop with a timeout,
// force-kills on failure, always attempts remove, and always unlinks the
// API temp dir. Returns true on the first call for a tracked session,
// false on any later call (idempotence law, spec §8).
func (m *Manager) Shutdown(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	c, ok := m.containers[sessionID]
	if ok {
		delete(m.containers, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.ShutdownTimeoutMs)*time.Millisecond)
	defer cancel()

	if err := m.runtime.Stop(stopCtx, c.handle); err != nil {
		if err := m.runtime.Kill(ctx, c.handle); err != nil {
			m.logger.Error("lifecycle: force kill failed", "session", sessionID, "error", err)
		}
	}
	if err := m.runtime.Remove(ctx, c.handle); err != nil {
		m.logger.Error("lifecycle: remove failed", "session", sessionID, "error", err)
	}
	if c.apiKeyPath != "" {
		_ = os.Remove(c.apiKeyPath)
	}
	return true
}

// ShutdownAll invokes Shutdown concurrently for every tracked session.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.containers))
	for id := range m.containers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Shutdown(ctx, id)
		}(id)
	}
	wg.Wait()
}

// CleanupOrphans inspects each handle and, if running or starting, kills
// it, then removes it. Not-found handles are skipped. Idempotent.
func (m *Manager) CleanupOrphans(ctx context.Context, handles []Handle) {
	for _, h := range handles {
		status, err := m.runtime.Inspect(ctx, h)
		if err != nil || status == StatusNotFound {
			continue
		}
		if status == StatusRunning || status == StatusStarting {
			_ = m.runtime.Kill(ctx, h)
		}
		_ = m.runtime.Remove(ctx, h)
	}
}

// GetStatus delegates to Inspect; returns StatusNotFound-equivalent "no
// record" for unknown sessions via the bool.
func (m *Manager) GetStatus(ctx context.Context, sessionID string) (ContainerStatus, bool) {
	m.mu.Lock()
	c, ok := m.containers[sessionID]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	status, err := m.runtime.Inspect(ctx, c.handle)
	if err != nil {
		return "", false
	}
	return status, true
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// renderCredentials builds the stdin payload for credential injection:
// "KEY=VALUE\n...\n\n", never passed as --env arguments that would leak
// into container inspection (spec §4.11 step 5).
func renderCredentials(creds map[string]string) string {
	out := ""
	for k, v := range creds {
		out += k + "=" + v + "\n"
	}
	return out + "\n"
}

// writeTempAPIKey generates a one-time API key and writes it to a temp
// file the container mounts and the entrypoint reads, exports, and
// deletes (spec §4.12).
func writeTempAPIKey(name string) (path string, key string, err error) {
	dir, err := os.MkdirTemp("", "carapace-apikey-"+name+"-")
	if err != nil {
		return "", "", err
	}
	key = randomHex(32)
	path = filepath.Join(dir, "api-key")
	if err := os.WriteFile(path, []byte(key), 0o600); err != nil {
		return "", "", err
	}
	return path, key, nil
}
