package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var ErrSessionNotFound = errors.New("session not found")

// Conn is the slice of a websocket connection the registry needs. The
// gorilla *websocket.Conn satisfies it directly.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Session is the per-connection record. It is created by the registry,
// mutated only by its owning connection handler, and removed either on
// disconnect or by the idle sweep. The connection handle is owned
// exclusively by the session: every outbound event goes through Send so
// events stay in the order the active operation produced them.
type Session struct {
	ID           string
	UserID       string
	PersistentID string
	Credential   string
	StartedAt    time.Time

	conn    Conn
	writeMu sync.Mutex

	stateMu    sync.Mutex
	lastActive time.Time
	turnActive bool
	closed     bool

	limiter *rate.Limiter
}

// Send writes one outbound event to the connection. Writes are serialized
// and dropped once the connection is closed, so a turn that outlives its
// connection never writes to a dead handle.
func (s *Session) Send(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isClosed() {
		return errors.New("session connection closed")
	}
	return s.conn.WriteJSON(v)
}

// Touch refreshes the idle clock. Called on every inbound message.
func (s *Session) Touch() {
	s.stateMu.Lock()
	s.lastActive = time.Now()
	s.stateMu.Unlock()
}

// LastActive returns the time of the most recent inbound message.
func (s *Session) LastActive() time.Time {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastActive
}

// BeginTurn marks the session busy. It reports false when a turn is
// already in progress, which the handler surfaces as a busy event.
func (s *Session) BeginTurn() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.turnActive {
		return false
	}
	s.turnActive = true
	return true
}

// EndTurn clears the busy marker.
func (s *Session) EndTurn() {
	s.stateMu.Lock()
	s.turnActive = false
	s.stateMu.Unlock()
}

// TurnActive reports whether a turn is in progress. The idle sweep skips
// busy sessions rather than closing their connection mid-turn.
func (s *Session) TurnActive() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.turnActive
}

// AllowTurn consults the per-session turn rate limiter.
func (s *Session) AllowTurn() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// Closed reports whether the connection handle has been closed.
func (s *Session) Closed() bool {
	return s.isClosed()
}

func (s *Session) isClosed() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.closed
}

func (s *Session) close() {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return
	}
	s.closed = true
	s.stateMu.Unlock()
	_ = s.conn.Close()
}

// Config tunes the registry and its idle sweep.
type Config struct {
	IdleThreshold time.Duration
	SweepInterval time.Duration
	TurnsPerMin   int
}

// Registry owns the shared session map. One instance is created at
// process start and passed by reference to the connection handler and
// the sweep task; there is no package-level state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      Config

	// Evicted is invoked outside the registry lock for every session the
	// sweep removes, so callers can persist end-of-session best effort.
	Evicted func(s *Session)
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	return &Registry{
		sessions: make(map[string]*Session),
		cfg:      cfg,
	}
}

// Create registers a session for conn, reusing the client-supplied id or
// generating one. A stale entry under the same id is closed and replaced
// so a reconnecting client never talks through a dead handle.
func (r *Registry) Create(clientSuppliedID string, conn Conn) *Session {
	id := clientSuppliedID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	s := &Session{
		ID:         id,
		StartedAt:  now,
		lastActive: now,
		conn:       conn,
	}
	if r.cfg.TurnsPerMin > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(r.cfg.TurnsPerMin)/60.0), r.cfg.TurnsPerMin)
	}

	r.mu.Lock()
	old := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()

	if old != nil && old != s {
		old.close()
	}
	return s
}

// List snapshots the live sessions in no particular order.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Get looks up a session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Touch refreshes the idle clock for sessionID.
func (r *Registry) Touch(sessionID string) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	s.Touch()
	return nil
}

// Remove closes the connection handle if still open and drops the entry.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if ok {
		s.close()
	}
}

// RemoveSession drops s only if it is still the registered session for
// its id, and reports whether it removed anything. When a reconnect has
// already replaced s under the same id, the fresh session is left alone.
func (r *Registry) RemoveSession(s *Session) bool {
	r.mu.Lock()
	current, ok := r.sessions[s.ID]
	removed := ok && current == s
	if removed {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()

	s.close()
	return removed
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep evicts every session idle longer than threshold. Sessions with a
// turn in progress are skipped no matter how old their idle clock is.
// Returns the number of evicted sessions.
func (r *Registry) Sweep(threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold)

	r.mu.Lock()
	var evicted []*Session
	for id, s := range r.sessions {
		if s.TurnActive() {
			continue
		}
		if s.LastActive().Before(cutoff) {
			delete(r.sessions, id)
			evicted = append(evicted, s)
		}
	}
	r.mu.Unlock()

	for _, s := range evicted {
		s.close()
		log.Printf("[registry] evicted idle session %s", s.ID)
		if r.Evicted != nil {
			r.Evicted(s)
		}
	}
	return len(evicted)
}

// StartSweeper runs the idle sweep on the configured interval until ctx
// is cancelled.
func (r *Registry) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(r.cfg.IdleThreshold); n > 0 {
				log.Printf("[registry] sweep removed %d idle sessions, %d remain", n, r.Len())
			}
		}
	}
}

// Drain closes every live connection and empties the registry. Called at
// shutdown.
func (r *Registry) Drain() {
	r.mu.Lock()
	drained := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		delete(r.sessions, id)
		drained = append(drained, s)
	}
	r.mu.Unlock()

	for _, s := range drained {
		s.close()
	}
}
