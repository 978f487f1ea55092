package session

import "sync"

// Registry holds the live sessions, at most one per tenant.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the tenant's session, or nil.
func (r *Registry) Get(tenantID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[tenantID]
}

// Put installs the tenant's session, replacing any previous record.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	r.sessions[s.TenantID] = s
	r.mu.Unlock()
}

// Remove deletes and returns the tenant's session, or nil if absent.
func (r *Registry) Remove(tenantID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[tenantID]
	delete(r.sessions, tenantID)
	return s
}

// All returns a snapshot of every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports how many sessions are live.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
