// Package registry holds the set of live chat sessions and arbitrates
// usernames and colours between them. A single mutex guards every read and
// write so that uniqueness checks and the updates they allow are atomic.
package registry

import (
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/chatrelay-project/chatrelay/internal/protocol"
)

const (
	ServerUsername = "Server"
	ServerColour   = "#000000"

	// NoColour is held by a session before a colour is assigned.
	NoColour = ServerColour

	GuestPrefix = "Guest "
)

var (
	// ErrNoColoursAvailable means every palette colour is held by a live session.
	ErrNoColoursAvailable = errors.New("no colours available")

	// ErrNilConnection is returned when Register is called without a connection.
	ErrNilConnection = errors.New("nil connection")
)

// Option customises a Registry.
type Option func(*Registry)

// WithPicker replaces the random choice used for colour assignment.
// pick(n) must return a value in [0, n).
func WithPicker(pick func(n int) int) Option {
	return func(r *Registry) { r.pick = pick }
}

// Registry is the shared table of live sessions.
type Registry struct {
	mu       sync.Mutex
	palette  []string
	sessions []*Session
	byID     map[string]*Session
	nextSeq  uint64
	server   *Session
	pick     func(n int) int
}

// New creates a registry that assigns colours from palette. The palette is
// expected to be normalized (see NormalizePalette).
func New(palette []string, opts ...Option) *Registry {
	r := &Registry{
		palette: append([]string(nil), palette...),
		byID:    make(map[string]*Session),
		pick:    rand.Intn,
		server: &Session{
			ID:            "server",
			username:      ServerUsername,
			colour:        ServerColour,
			authenticated: true,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Server returns the synthetic session used as sender of status notices.
// It is permanently authenticated and never a broadcast recipient.
func (r *Registry) Server() *Session {
	return r.server
}

// Palette returns a copy of the assignable colours.
func (r *Registry) Palette() []string {
	return append([]string(nil), r.palette...)
}

// Register adds a new unauthenticated session with the lowest free
// "Guest N" name and a random colour no live session holds.
func (r *Registry) Register(conn Sender, remote string) (*Session, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	free := r.freeColoursLocked()
	if len(free) == 0 {
		return nil, ErrNoColoursAvailable
	}

	s := newSession(conn, remote, &r.mu)
	s.username = r.nextGuestNameLocked()
	s.colour = free[r.pick(len(free))]
	r.nextSeq++
	s.seq = r.nextSeq

	r.sessions = append(r.sessions, s)
	r.byID[s.ID] = s

	log.Debug().
		Str("session", s.ID).
		Str("username", s.username).
		Str("colour", s.colour).
		Int("sessions", len(r.sessions)).
		Msg("session registered")

	return s, nil
}

// Authenticate marks s as authenticated. It returns true only for the call
// that performed the transition. If another authenticated session already
// uses s's name, s is given a fresh guest name first.
func (r *Registry) Authenticate(s *Session) bool {
	return r.AuthenticateFunc(s, nil)
}

// AuthenticateFunc is Authenticate with a hook. greet receives s's final
// identity and runs under the registry lock before s becomes visible to
// AllAuthenticatedExcept, so frames it queues precede any broadcast. greet
// must not block or call back into the registry.
func (r *Registry) AuthenticateFunc(s *Session, greet func(Identity)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.removed || s.authenticated {
		return false
	}

	if r.usernameTakenLocked(s, s.username) {
		old := s.username
		s.username = r.nextGuestNameLocked()
		log.Debug().
			Str("session", s.ID).
			Str("requested", old).
			Str("assigned", s.username).
			Msg("username taken at login, reassigned")
	}

	if greet != nil {
		greet(Identity{Username: s.username, Colour: s.colour})
	}
	s.authenticated = true
	return true
}

// ClaimUsername sets s's name to proposed unless another authenticated
// session (or the server) holds it. It returns the name s holds afterwards.
func (r *Registry) ClaimUsername(s *Session, proposed string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.removed || strings.TrimSpace(proposed) == "" || r.usernameTakenLocked(s, proposed) {
		return s.username, false
	}
	s.username = proposed
	return s.username, true
}

// ClaimColour sets s's colour to proposed unless any other live session
// (or the server) holds it. It returns the colour s holds afterwards.
func (r *Registry) ClaimColour(s *Session, proposed string) (string, bool) {
	proposed = protocol.NormalizeColour(proposed)

	r.mu.Lock()
	defer r.mu.Unlock()

	if s.removed || r.colourTakenLocked(s, proposed) {
		return s.colour, false
	}
	s.colour = proposed
	return s.colour, true
}

// TakenColours lists colours held by live sessions other than excluding.
func (r *Registry) TakenColours(excluding *Session) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s != excluding && s.colour != NoColour {
			out = append(out, s.colour)
		}
	}
	return out
}

// TakenUsernames lists names held by authenticated sessions other than excluding.
func (r *Registry) TakenUsernames(excluding *Session) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s != excluding && s.authenticated {
			out = append(out, s.username)
		}
	}
	return out
}

// FreeColours lists palette colours not held by any live session.
func (r *Registry) FreeColours() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freeColoursLocked()
}

// Remove detaches s. It returns false if s was already removed.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.removed {
		return false
	}
	s.removed = true
	delete(r.byID, s.ID)

	for i, other := range r.sessions {
		if other == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			break
		}
	}

	log.Debug().
		Str("session", s.ID).
		Str("username", s.username).
		Int("sessions", len(r.sessions)).
		Msg("session removed")
	return true
}

// AllAuthenticatedExcept returns the authenticated sessions not listed in
// exclude, in registration order, as of a single instant.
func (r *Registry) AllAuthenticatedExcept(exclude ...*Session) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.authenticated && !contains(exclude, s) {
			out = append(out, s)
		}
	}
	return out
}

// All returns every live session in registration order.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Session(nil), r.sessions...)
}

// Snapshot returns a copy of every live session's state.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.infoLocked())
	}
	return out
}

// Lookup finds a live session by ID.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// FindByUsername finds a live session by display name, preferring
// authenticated sessions.
func (r *Registry) FindByUsername(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var fallback *Session
	for _, s := range r.sessions {
		if s.username != name {
			continue
		}
		if s.authenticated {
			return s, true
		}
		if fallback == nil {
			fallback = s
		}
	}
	return fallback, fallback != nil
}

// Counts returns the number of live and authenticated sessions.
func (r *Registry) Counts() (live, authenticated int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.authenticated {
			authenticated++
		}
	}
	return len(r.sessions), authenticated
}

func (r *Registry) usernameTakenLocked(self *Session, name string) bool {
	if name == ServerUsername {
		return true
	}
	for _, s := range r.sessions {
		if s != self && s.authenticated && s.username == name {
			return true
		}
	}
	return false
}

func (r *Registry) colourTakenLocked(self *Session, colour string) bool {
	if colour == ServerColour {
		return true
	}
	for _, s := range r.sessions {
		if s != self && s.colour == colour {
			return true
		}
	}
	return false
}

func (r *Registry) freeColoursLocked() []string {
	taken := make(map[string]bool, len(r.sessions))
	for _, s := range r.sessions {
		taken[s.colour] = true
	}

	free := make([]string, 0, len(r.palette))
	for _, c := range r.palette {
		if !taken[c] {
			free = append(free, c)
		}
	}
	return free
}

// nextGuestNameLocked returns "Guest N" for the smallest N >= 1 that no
// live session is using.
func (r *Registry) nextGuestNameLocked() string {
	used := make(map[string]bool, len(r.sessions))
	for _, s := range r.sessions {
		used[s.username] = true
	}
	for n := 1; ; n++ {
		name := GuestPrefix + strconv.Itoa(n)
		if !used[name] {
			return name
		}
	}
}

func contains(list []*Session, s *Session) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
