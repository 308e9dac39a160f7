package services

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ErrSessionClosed is returned when an operation races with session teardown.
var ErrSessionClosed = errors.New("session is closed")

// Close reasons reported to attached sockets and the audit trail.
const (
	ReasonShellExited = "shell exited"
	ReasonConnClosed  = "connection closed"
	ReasonTerminated  = "session terminated"
	ReasonIdle        = "idle timeout"
)

// Lifecycle states as observed through the API.
const (
	StateReady    = "ready"    // registered, no shell channel yet
	StateAttached = "attached" // shell channel open
	StateClosed   = "closed"
)

// Session binds an owner to one live SSH connection. It only exists inside a
// Registry, and only after the connection reached the ready state.
type Session struct {
	ID        string
	Owner     string
	Host      string
	Port      int
	Username  string
	CreatedAt time.Time

	conn Conn

	mu       sync.Mutex
	shell    *Shell
	lastUsed time.Time

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	sf        singleflight.Group
	closeOnce sync.Once
	closed    atomic.Bool
	registry  *Registry
}

// State reports the session's lifecycle state.
func (s *Session) State() string {
	if s.closed.Load() {
		return StateClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shell != nil {
		return StateAttached
	}
	return StateReady
}

// Attached reports whether at least one WebSocket is currently bound.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shell != nil && s.shell.socketCount() > 0
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastUsed)
}

// Close tears the session down: shell, SSH transport, registry entry. All
// teardown triggers (explicit terminate, shell exit, remote close, idle
// eviction) converge here; calling it more than once is a no-op.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.mu.Lock()
		sh := s.shell
		s.mu.Unlock()

		if sh != nil {
			sh.shutdown(reason)
		}
		s.conn.Close()

		if s.registry != nil {
			s.registry.Remove(s.ID)
			s.registry.recorder.SessionEnded(s, reason)
		}
		slog.Info("Session closed", "session", s.ID, "owner", s.Owner, "reason", reason)
	})
}

// Registry is the process-wide map of live sessions. It is the only state
// shared across concurrent handlers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
	recorder *Recorder
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry. A positive idleTimeout starts a sweep that
// closes sessions with no attached socket and no recent activity; zero keeps
// sessions alive until explicitly terminated or the remote end closes.
func NewRegistry(recorder *Recorder, idleTimeout time.Duration) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		recorder: recorder,
		stop:     make(chan struct{}),
	}
	if idleTimeout > 0 {
		go r.evictLoop(idleTimeout)
	}
	return r
}

// ErrRegistryClosed is returned by Create once Shutdown has begun.
var ErrRegistryClosed = errors.New("registry is shut down")

// Create registers a session for an already-established connection and starts
// watching the transport so a remote close tears the session down. A create
// racing in after Shutdown closes the connection and refuses registration.
func (r *Registry) Create(owner string, conn Conn, p ConnectParams) (*Session, error) {
	s := &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		Host:      p.Host,
		Port:      p.Port,
		Username:  p.Username,
		CreatedAt: time.Now(),
		conn:      conn,
		registry:  r,
	}
	s.lastUsed = s.CreatedAt

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return nil, ErrRegistryClosed
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.recorder.SessionStarted(s)

	go func() {
		conn.Wait()
		s.Close(ReasonConnClosed)
	}()

	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes a session entry. Removing an id that is already gone is a
// no-op because teardown can race in from more than one trigger.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) ListByOwner(owner string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Owner == owner {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown stops the eviction sweep, refuses further creates and closes every
// live session.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(ReasonTerminated)
	}
	slog.Info("All sessions closed")
}

func (r *Registry) evictLoop(idleTimeout time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.RLock()
			var stale []*Session
			for _, s := range r.sessions {
				if !s.Attached() && s.idleFor() > idleTimeout {
					stale = append(stale, s)
				}
			}
			r.mu.RUnlock()

			for _, s := range stale {
				slog.Info("Closing idle session", "session", s.ID, "owner", s.Owner)
				s.Close(ReasonIdle)
			}
		}
	}
}
