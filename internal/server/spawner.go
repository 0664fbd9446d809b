package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/fred-drake/carapace/internal/config"
	"github.com/fred-drake/carapace/internal/dispatcher"
	"github.com/fred-drake/carapace/internal/lifecycle"
	"github.com/fred-drake/carapace/internal/provisioner"
	"github.com/fred-drake/carapace/internal/sessionstore"
)

// pendingSpawn is the bookkeeping record a freshly spawned container's
// session.announce handshake consults to learn which group it belongs to
// before a sessionmgr.Session can be created for it.
type pendingSpawn struct {
	group       string
	containerID string
}

// pendingRegistry closes the gap between "lifecycle manager started a
// container under session id X for group G" and "the Request Channel saw
// a connection identity announce session id X" — the wire message itself
// never carries group (spec §3 invariant: no identity fields on the
// wire), so this is the one place that association lives.
type pendingRegistry struct {
	mu      sync.Mutex
	pending map[string]pendingSpawn
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{pending: make(map[string]pendingSpawn)}
}

func (r *pendingRegistry) register(sessionID string, p pendingSpawn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[sessionID] = p
}

// claim returns and removes the pending record for sessionID. Repeat
// announces for the same id after the first are rejected by the caller,
// since claim only succeeds once.
func (r *pendingRegistry) claim(sessionID string) (pendingSpawn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[sessionID]
	if ok {
		delete(r.pending, sessionID)
	}
	return p, ok
}

// lifecycleSpawner adapts the Container Lifecycle Manager to
// dispatcher.Spawner: on every dispatch decision to spawn or resume, it
// starts a container mounted onto the one shared request/events socket
// pair provisioned for the server at startup (spec §4.14 step 3 — sockets
// are provisioned once for the internal "server" session id, not per
// spawn), persists the session id for the group, and records the pending
// group/containerID association the session.announce handshake will
// claim once the container's Dealer actually connects and the Router
// assigns it a connection identity.
type lifecycleSpawner struct {
	cfg         config.LifecycleConfig
	sockets     provisioner.SocketPaths
	manager     *lifecycle.Manager
	store       *sessionstore.Store
	pending     *pendingRegistry
	stateRoot   string
	skillsDir   string
	credentials map[string]string
}

func (s *lifecycleSpawner) Spawn(ctx context.Context, req dispatcher.SpawnRequest) (string, error) {
	sessionID := uuid.NewString()

	_, handle, err := s.manager.Spawn(ctx, lifecycle.SpawnRequest{
		SessionID:       sessionID,
		Group:           req.Group,
		RequestSocket:   s.sockets.RequestSocket,
		EventsSocket:    s.sockets.EventsSocket,
		StateDir:        filepath.Join(s.stateRoot, req.Group),
		SkillsDir:       s.skillsDir,
		Credentials:     s.credentials,
		ResumeSessionID: req.Resume,
	})
	if err != nil {
		return "", fmt.Errorf("server: spawn container for group %s: %w", req.Group, err)
	}

	if err := s.store.Save(req.Group, sessionID); err != nil {
		// The container is already running; losing the persisted pointer
		// only affects a future resume decision, not this spawn.
		_ = err
	}

	s.pending.register(sessionID, pendingSpawn{group: req.Group, containerID: string(handle)})
	return sessionID, nil
}
