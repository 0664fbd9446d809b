// Package sessionmgr implements the Session Manager (spec §4.3): the single
// owner of the mapping between a connected container, the session record
// the rest of the core trusts, and the security group that record belongs
// to. Group never changes once a session is created — that immutability is
// what lets pipeline stage 1 treat session.group as ground truth.
package sessionmgr

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fred-drake/carapace/internal/transport"
)

// Session is the trusted record the Request Pipeline consults for every
// envelope it constructs. ContainerID and Group are set at creation and
// never mutated afterward.
type Session struct {
	SessionID    string
	ContainerID  string
	Group        string
	ConnIdentity transport.ConnIdentity
}

// Manager owns three maps onto the same Session records: by session id,
// by container id, and by transport connection identity. All three are
// kept in lock-step so any one of them is a valid lookup key.
type Manager struct {
	mu           sync.RWMutex
	bySessionID  map[string]*Session
	byContainer  map[string]*Session
	byConnection map[transport.ConnIdentity]*Session
}

func New() *Manager {
	return &Manager{
		bySessionID:  make(map[string]*Session),
		byContainer:  make(map[string]*Session),
		byConnection: make(map[transport.ConnIdentity]*Session),
	}
}

// Create assigns a fresh session id, inserts the record into all three
// maps atomically, and returns it.
func (m *Manager) Create(containerID, group string, connIdentity transport.ConnIdentity) (*Session, error) {
	return m.createWithID(uuid.NewString(), containerID, group, connIdentity)
}

// CreateWithID is like Create but uses sessionID instead of minting one,
// so the session record shares its id with the lifecycle manager's
// container record and the session store's persisted key (the same id
// threaded through provisioner.Provision at spawn time).
func (m *Manager) CreateWithID(sessionID, containerID, group string, connIdentity transport.ConnIdentity) (*Session, error) {
	return m.createWithID(sessionID, containerID, group, connIdentity)
}

func (m *Manager) createWithID(sessionID, containerID, group string, connIdentity transport.ConnIdentity) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bySessionID[sessionID]; exists {
		return nil, fmt.Errorf("sessionmgr: generated id collision %q", sessionID)
	}

	s := &Session{
		SessionID:    sessionID,
		ContainerID:  containerID,
		Group:        group,
		ConnIdentity: connIdentity,
	}
	m.bySessionID[s.SessionID] = s
	m.byContainer[s.ContainerID] = s
	m.byConnection[s.ConnIdentity] = s
	return s, nil
}

func (m *Manager) GetBySessionID(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.bySessionID[sessionID]
	return s, ok
}

func (m *Manager) GetByContainerID(containerID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byContainer[containerID]
	return s, ok
}

// GetByConnectionIdentity is the hot-path lookup the Request Channel makes
// for every inbound frame.
func (m *Manager) GetByConnectionIdentity(identity transport.ConnIdentity) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byConnection[identity]
	return s, ok
}

// BindConnection attaches identity to an already-created session,
// replacing whatever identity (possibly none) it had before. Used for the
// "session.announce" handshake: the session record exists from spawn time
// with no live connection yet, and binding happens once the container's
// dealer actually connects (spec §4.14 step 8: "looks up or auto-creates
// session by identity").
func (m *Manager) BindConnection(sessionID string, identity transport.ConnIdentity) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.bySessionID[sessionID]
	if !ok {
		return nil, fmt.Errorf("sessionmgr: no such session %q", sessionID)
	}
	if old, exists := m.byConnection[s.ConnIdentity]; exists && old == s {
		delete(m.byConnection, s.ConnIdentity)
	}
	s.ConnIdentity = identity
	m.byConnection[identity] = s
	return s, nil
}

// Delete removes the session from all three maps. A no-op if unknown.
func (m *Manager) Delete(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.bySessionID[sessionID]
	if !ok {
		return
	}
	delete(m.bySessionID, s.SessionID)
	delete(m.byContainer, s.ContainerID)
	delete(m.byConnection, s.ConnIdentity)
}

// Count returns the number of sessions currently tracked.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySessionID)
}

// CountByGroup returns the number of active sessions belonging to group,
// used by the Event Dispatcher to enforce max_sessions_per_group.
func (m *Manager) CountByGroup(group string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.bySessionID {
		if s.Group == group {
			n++
		}
	}
	return n
}
