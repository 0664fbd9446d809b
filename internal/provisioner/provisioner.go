// Package provisioner allocates and cleans up the per-session Unix socket
// paths the Request Channel and Event Bus bind to (spec §4.2). It never
// touches the sockets themselves — only the filesystem paths and the
// private directory they live under.
package provisioner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// sessionIDPattern matches the id grammar from spec §4.2: starts with an
// alphanumeric, then alphanumerics/dots/underscores/hyphens. No path
// separators, so a validated id can never escape the socket directory.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// SocketPaths is the pair of paths issued for one session.
type SocketPaths struct {
	RequestSocket string
	EventsSocket  string
}

// Provisioner tracks which session ids currently have live socket files,
// so a restart can tell a stale file left by a crashed process apart from
// one genuinely in use.
type Provisioner struct {
	dir string

	mu     sync.Mutex
	active map[string]SocketPaths
}

// New creates a Provisioner rooted at dir. dir is created with mode 0700
// if it does not already exist.
func New(dir string) (*Provisioner, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("provisioner: create socket dir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("provisioner: chmod socket dir: %w", err)
	}
	return &Provisioner{dir: dir, active: make(map[string]SocketPaths)}, nil
}

func (p *Provisioner) requestPath(sessionID string) string {
	return filepath.Join(p.dir, sessionID+"-request.sock")
}

func (p *Provisioner) eventsPath(sessionID string) string {
	return filepath.Join(p.dir, sessionID+"-events.sock")
}

// Provision allocates socket paths for sessionID. Fails if the id is
// malformed, already tracked, or either path already exists on disk.
func (p *Provisioner) Provision(sessionID string) (SocketPaths, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return SocketPaths{}, fmt.Errorf("provisioner: invalid session id %q", sessionID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, tracked := p.active[sessionID]; tracked {
		return SocketPaths{}, fmt.Errorf("provisioner: session %q already provisioned", sessionID)
	}

	paths := SocketPaths{
		RequestSocket: p.requestPath(sessionID),
		EventsSocket:  p.eventsPath(sessionID),
	}

	for _, path := range []string{paths.RequestSocket, paths.EventsSocket} {
		if _, err := os.Stat(path); err == nil {
			return SocketPaths{}, fmt.Errorf("provisioner: socket path %q already exists", path)
		} else if !os.IsNotExist(err) {
			return SocketPaths{}, fmt.Errorf("provisioner: stat %q: %w", path, err)
		}
	}

	p.active[sessionID] = paths
	return paths, nil
}

// Release best-effort unlinks both socket files for sessionID and stops
// tracking it, regardless of whether the unlinks succeed.
func (p *Provisioner) Release(sessionID string) {
	p.mu.Lock()
	paths, tracked := p.active[sessionID]
	delete(p.active, sessionID)
	p.mu.Unlock()

	if !tracked {
		return
	}
	_ = os.Remove(paths.RequestSocket)
	_ = os.Remove(paths.EventsSocket)
}

// CleanupStale scans the socket directory and removes any file matching
// the provisioner's naming convention whose session id is not in the
// active set passed by the caller (normally the ids about to be
// reprovisioned at startup) nor in this Provisioner's own tracking map.
// Returns the paths it removed.
func (p *Provisioner) CleanupStale(activeIDs map[string]struct{}) ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("provisioner: read socket dir: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var removed []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := sessionIDFromFilename(entry.Name())
		if !ok {
			continue
		}
		if _, live := activeIDs[id]; live {
			continue
		}
		if _, tracked := p.active[id]; tracked {
			continue
		}
		path := filepath.Join(p.dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("provisioner: remove stale socket %q: %w", path, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}

const (
	requestSuffix = "-request.sock"
	eventsSuffix  = "-events.sock"
)

func sessionIDFromFilename(name string) (string, bool) {
	switch {
	case len(name) > len(requestSuffix) && name[len(name)-len(requestSuffix):] == requestSuffix:
		return name[:len(name)-len(requestSuffix)], true
	case len(name) > len(eventsSuffix) && name[len(name)-len(eventsSuffix):] == eventsSuffix:
		return name[:len(name)-len(eventsSuffix)], true
	default:
		return "", false
	}
}
