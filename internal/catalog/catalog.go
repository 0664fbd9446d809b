// Package catalog implements the Tool Catalog (spec §4.4): the single
// owner of registered tool declarations and their handlers. Writes only
// happen at startup and plugin shutdown; lookups happen on every request,
// so reads are lock-free-cheap via sync.RWMutex.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/fred-drake/carapace/pkg/protocol"
)

// namePattern is the allowed shape of a registered tool name, matching the
// "tool.invoke.<name>" suffix grammar (spec §3).
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// RiskLevel gates stage 5 of the pipeline (spec §4.8 stage 5).
type RiskLevel string

const (
	RiskStandard RiskLevel = "standard"
	RiskHigh     RiskLevel = "high"
)

// Declaration describes one registrable tool: its name, JSON schema for
// arguments, and risk level.
type Declaration struct {
	Name            string
	ArgumentsSchema json.RawMessage
	RiskLevel       RiskLevel
	// AllowedGroups, if non-empty, restricts invocation to these groups
	// (stage 4 group allow-list, spec §4.8 stage 4). Empty means any group.
	AllowedGroups []string
}

// Handler is the function a tool registers to actually perform work. It
// receives the trusted envelope and returns a result to wrap in the
// Response envelope, or a *protocol.ToolError for a typed failure.
type Handler func(ctx context.Context, env *protocol.Envelope) (any, error)

type entry struct {
	decl    Declaration
	handler Handler
}

// Catalog is the single owner of all registered tools.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func New() *Catalog {
	return &Catalog{entries: make(map[string]*entry)}
}

// Register adds decl and its handler. Fails if the name is malformed or
// already registered.
func (c *Catalog) Register(decl Declaration, handler Handler) error {
	if !namePattern.MatchString(decl.Name) {
		return fmt.Errorf("catalog: invalid tool name %q", decl.Name)
	}
	if handler == nil {
		return fmt.Errorf("catalog: nil handler for tool %q", decl.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[decl.Name]; exists {
		return fmt.Errorf("catalog: tool %q already registered", decl.Name)
	}
	c.entries[decl.Name] = &entry{decl: decl, handler: handler}
	return nil
}

// Unregister removes a tool, used during plugin shutdown.
func (c *Catalog) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}

// Get returns the declaration and handler for name.
func (c *Catalog) Get(name string) (Declaration, Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return Declaration{}, nil, false
	}
	return e.decl, e.handler, true
}

// Has is the stage-2 existence check.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[name]
	return ok
}

// List enumerates all registered declarations, for discovery endpoints.
func (c *Catalog) List() []Declaration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Declaration, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.decl)
	}
	return out
}
