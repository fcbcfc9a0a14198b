package session

import (
	"sync"

	"github.com/parleyrtc/signal-relay/internal/metrics"
)

// Registry is the process-wide table of live sessions, keyed by session ID.
// Unicast delivery goes through Send so callers never hold a *Session for a
// peer that may disconnect under them.
type Registry struct {
	maxSessions int
	metrics     *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry. maxSessions <= 0 means unlimited.
func NewRegistry(maxSessions int, m *metrics.Metrics) *Registry {
	return &Registry{
		maxSessions: maxSessions,
		metrics:     m,
		sessions:    make(map[string]*Session),
	}
}

// Register adds a session. It returns ErrTooManySessions when the cap is
// reached and ErrDuplicateSession when the ID is already present.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		if r.metrics != nil {
			r.metrics.SessionsRejected.Inc()
		}
		return ErrTooManySessions
	}
	if _, ok := r.sessions[s.ID()]; ok {
		return ErrDuplicateSession
	}
	r.sessions[s.ID()] = s
	if r.metrics != nil {
		r.metrics.SessionsConnected.Inc()
		r.metrics.SessionsActive.Set(float64(len(r.sessions)))
	}
	return nil
}

// Unregister removes a session by ID. Removing an unknown ID is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	if r.metrics != nil {
		r.metrics.SessionsDisconnected.Inc()
		r.metrics.SessionsActive.Set(float64(len(r.sessions)))
	}
}

// Send enqueues payload for the session with the given ID. It returns
// ErrUnknownSession when no such session is registered; queue-full and
// closed-session errors come from the session itself.
func (r *Registry) Send(id string, payload []byte) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return ErrUnknownSession
	}
	return s.Enqueue(payload)
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
