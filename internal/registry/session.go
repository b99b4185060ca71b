package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender is the outbound half of a client connection.
type Sender interface {
	Send(frames ...[]byte) error
	Close() error
}

// Session is the relay-side state of one connected client.
// Mutable fields are guarded by the owning registry's mutex.
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	conn Sender
	mu   *sync.Mutex
	seq  uint64

	username      string
	colour        string
	authenticated bool
	removed       bool
}

// Identity is a point-in-time copy of the fields shown to other clients.
type Identity struct {
	Username string `json:"username"`
	Colour   string `json:"colour"`
}

// SessionInfo is a read-only snapshot of a session.
type SessionInfo struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	Colour        string    `json:"colour"`
	Authenticated bool      `json:"authenticated"`
	RemoteAddr    string    `json:"remote_addr"`
	ConnectedAt   time.Time `json:"connected_at"`
}

func newSession(conn Sender, remote string, mu *sync.Mutex) *Session {
	return &Session{
		ID:          uuid.NewString(),
		RemoteAddr:  remote,
		ConnectedAt: time.Now(),
		conn:        conn,
		mu:          mu,
		colour:      NoColour,
	}
}

func (s *Session) lock() func() {
	if s.mu == nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// Username returns the current display name.
func (s *Session) Username() string {
	defer s.lock()()
	return s.username
}

// Colour returns the current colour code.
func (s *Session) Colour() string {
	defer s.lock()()
	return s.colour
}

// IsAuthenticated reports whether the session passed the password check.
func (s *Session) IsAuthenticated() bool {
	defer s.lock()()
	return s.authenticated
}

// Identity returns username and colour read together.
func (s *Session) Identity() Identity {
	defer s.lock()()
	return Identity{Username: s.username, Colour: s.colour}
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	defer s.lock()()
	return s.infoLocked()
}

func (s *Session) infoLocked() SessionInfo {
	return SessionInfo{
		ID:            s.ID,
		Username:      s.username,
		Colour:        s.colour,
		Authenticated: s.authenticated,
		RemoteAddr:    s.RemoteAddr,
		ConnectedAt:   s.ConnectedAt,
	}
}

// Send queues frames on the session's connection.
func (s *Session) Send(frames ...[]byte) error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Send(frames...)
}

// Close closes the session's connection.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
