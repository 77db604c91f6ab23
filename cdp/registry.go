package cdp

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Session is one open connection to a target plus its injection status.
type Session struct {
	Key         SessionKey
	Target      Target
	ConnectedAt time.Time

	conn     *Conn
	injected atomic.Bool
	injectMu sync.Mutex
}

// NewSession wraps an open connection.
func NewSession(key SessionKey, target Target, conn *Conn) *Session {
	return &Session{
		Key:         key,
		Target:      target,
		ConnectedAt: time.Now(),
		conn:        conn,
	}
}

// Conn returns the session's connection.
func (s *Session) Conn() *Conn { return s.conn }

// Open reports whether the underlying connection is still open.
func (s *Session) Open() bool {
	return s.conn != nil && s.conn.IsOpen()
}

// Injected reports whether the behavior script has been delivered.
func (s *Session) Injected() bool { return s.injected.Load() }

// MarkInjected records a successful delivery. The flag is never cleared;
// a reconnect produces a new Session.
func (s *Session) MarkInjected() { s.injected.Store(true) }

// InjectOnce runs deliver unless the session is already injected, and
// marks it injected when deliver succeeds. Concurrent callers are
// serialized so deliver runs at most once successfully.
func (s *Session) InjectOnce(deliver func() error) (bool, error) {
	s.injectMu.Lock()
	defer s.injectMu.Unlock()
	if s.Injected() {
		return false, nil
	}
	if err := deliver(); err != nil {
		return false, err
	}
	s.MarkInjected()
	return true, nil
}

// SessionInfo is a read-only view of a registered session.
type SessionInfo struct {
	Key         SessionKey `json:"key"`
	Port        int        `json:"port"`
	TargetID    string     `json:"target_id"`
	Title       string     `json:"title,omitempty"`
	URL         string     `json:"url,omitempty"`
	Injected    bool       `json:"injected"`
	ConnectedAt time.Time  `json:"connected_at"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		Key:         s.Key,
		Port:        s.Key.Port(),
		TargetID:    s.Key.TargetID(),
		Title:       s.Target.Title,
		URL:         s.Target.URL,
		Injected:    s.Injected(),
		ConnectedAt: s.ConnectedAt,
	}
}

// Registry maps session keys to open sessions. It holds at most one
// session per key and is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[SessionKey]*Session
	observer func(size int)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[SessionKey]*Session)}
}

// SetSizeObserver registers a callback invoked with the new size after
// every mutation.
func (r *Registry) SetSizeObserver(fn func(size int)) {
	r.mu.Lock()
	r.observer = fn
	r.mu.Unlock()
}

// Register stores s under its key and returns the session it replaced, if any.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	prev := r.sessions[s.Key]
	r.sessions[s.Key] = s
	n, fn := len(r.sessions), r.observer
	r.mu.Unlock()

	if fn != nil {
		fn(n)
	}
	return prev
}

// Get returns the session registered under key.
func (r *Registry) Get(key SessionKey) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Has reports whether key is registered.
func (r *Registry) Has(key SessionKey) bool {
	_, ok := r.Get(key)
	return ok
}

// Remove deletes key only while it still maps to s, so a stale close
// cannot evict a newer session under the same key.
func (r *Registry) Remove(key SessionKey, s *Session) bool {
	r.mu.Lock()
	cur, ok := r.sessions[key]
	if !ok || cur != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, key)
	n, fn := len(r.sessions), r.observer
	r.mu.Unlock()

	if fn != nil {
		fn(n)
	}
	return true
}

// Keys returns a sorted snapshot of registered keys.
func (r *Registry) Keys() []SessionKey {
	r.mu.RLock()
	keys := make([]SessionKey, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Sessions returns a snapshot of registered sessions ordered by key.
func (r *Registry) Sessions() []*Session {
	keys := r.Keys()
	out := make([]*Session, 0, len(keys))
	r.mu.RLock()
	for _, k := range keys {
		if s, ok := r.sessions[k]; ok {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Clear empties the registry and returns what was in it.
func (r *Registry) Clear() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.sessions = make(map[SessionKey]*Session)
	fn := r.observer
	r.mu.Unlock()

	if fn != nil {
		fn(0)
	}
	return out
}
