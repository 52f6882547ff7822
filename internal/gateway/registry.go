package gateway

import "sync"

// Registry is the local connection table: session id to live session, with a
// per-user index for fan-out. It is injected into the pipeline and the call
// manager for read access; only the gateway mutates it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // session id -> session
	byUser   map[string]map[string]*Session // user id -> session id -> session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	if r.byUser[s.UserID] == nil {
		r.byUser[s.UserID] = make(map[string]*Session)
	}
	r.byUser[s.UserID][s.ID] = s
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ID)
	if peers, ok := r.byUser[s.UserID]; ok {
		delete(peers, s.ID)
		if len(peers) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
}

// SessionCount returns the number of live local sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) userSessions(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := r.byUser[userID]
	if len(peers) == 0 {
		return nil
	}
	result := make([]*Session, 0, len(peers))
	for _, s := range peers {
		result = append(result, s)
	}
	return result
}

// PushUser delivers body on destination to every locally held session of
// userID, returning how many sessions were reached.
func (r *Registry) PushUser(userID, destination string, body any) int {
	delivered := 0
	for _, s := range r.userSessions(userID) {
		if s.push(destination, body) {
			delivered++
		}
	}
	return delivered
}

// PushSubscribed delivers body to every local session subscribed to
// destination, returning how many sessions were reached.
func (r *Registry) PushSubscribed(destination string, body any) int {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range all {
		if s.subscribed(destination) && s.push(destination, body) {
			delivered++
		}
	}
	return delivered
}
