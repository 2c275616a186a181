package mcp

import (
	"sort"
	"sync"
)

// SessionRegistry maps organization ids to the MCP sessions acting for them.
// Populated automatically when a tool call carries an organization_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]struct{} // orgID → sessionIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]map[string]struct{})}
}

// Register associates a session with an organization. Registering the same
// pair twice is a no-op.
func (r *SessionRegistry) Register(orgID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[orgID]
	if !ok {
		set = make(map[string]struct{})
		r.sessions[orgID] = set
	}
	set[sessionID] = struct{}{}
}

// SessionsFor returns the sessions registered for an organization, sorted.
func (r *SessionRegistry) SessionsFor(orgID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.sessions[orgID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Remove deletes a session from every organization. Called when a session
// disconnects or a push finds it gone.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for org, set := range r.sessions {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.sessions, org)
		}
	}
}
