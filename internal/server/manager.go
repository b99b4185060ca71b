package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatrelay-project/chatrelay/internal/config"
	"github.com/chatrelay-project/chatrelay/internal/events"
	"github.com/chatrelay-project/chatrelay/internal/network"
	"github.com/chatrelay-project/chatrelay/internal/protocol"
	"github.com/chatrelay-project/chatrelay/internal/registry"
	"github.com/chatrelay-project/chatrelay/internal/util"
)

var (
	// ErrSessionNotFound is returned by Kick for an unknown ID or name.
	ErrSessionNotFound = errors.New("session not found")

	// ErrShuttingDown is returned for operator actions after Shutdown.
	ErrShuttingDown = errors.New("relay is shutting down")
)

// Options tunes connection handling.
type Options struct {
	Conn           network.ConnOptions
	ReadTimeout    time.Duration
	PayloadTimeout time.Duration
	// MaxSessions caps live sessions; 0 leaves the palette as the only limit.
	MaxSessions int
}

// OptionsFromConfig derives Options from the relay and protocol sections.
func OptionsFromConfig(cfg *config.Config) Options {
	relay := cfg.GetRelay()
	proto := cfg.GetProtocol()

	return Options{
		Conn: network.ConnOptions{
			OutboxSize:    relay.OutboxSize,
			WriteTimeout:  relay.WriteTimeout(),
			FlushTimeout:  relay.ShutdownGrace(),
			MaxFrameBytes: proto.MaxFrameBytes,
		},
		ReadTimeout:    relay.ReadTimeout(),
		PayloadTimeout: proto.PayloadTimeout(),
		MaxSessions:    relay.MaxSessions,
	}
}

// SessionDetail is a session snapshot with its connection counters.
type SessionDetail struct {
	registry.SessionInfo
	State        string            `json:"state"`
	LastActivity time.Time         `json:"last_activity"`
	Traffic      network.ConnStats `json:"traffic"`
}

// Manager accepts connections from the listener, runs a session for each
// and exposes the operator actions used by the API and CLI.
type Manager struct {
	mu sync.Mutex

	registry    *registry.Registry
	verifier    *util.Verifier
	vocab       *protocol.Vocabulary
	eventBus    *events.EventBus
	broadcaster *Broadcaster
	opts        Options
	logger      zerolog.Logger

	handlers     map[string]*sessionHandler
	shuttingDown bool
	shutdownOnce sync.Once
	wg           sync.WaitGroup
	startedAt    time.Time
}

// NewManager creates a manager. eventBus may be nil.
func NewManager(reg *registry.Registry, verifier *util.Verifier, vocab *protocol.Vocabulary,
	eventBus *events.EventBus, opts Options) *Manager {

	if vocab == nil {
		vocab = protocol.DefaultVocabulary()
	}

	m := &Manager{
		registry:    reg,
		verifier:    verifier,
		vocab:       vocab,
		eventBus:    eventBus,
		broadcaster: NewBroadcaster(reg, vocab),
		opts:        opts,
		logger:      log.With().Str("component", "relay").Logger(),
		handlers:    make(map[string]*sessionHandler),
		startedAt:   time.Now(),
	}

	if eventBus != nil {
		eventBus.Subscribe(events.EventShutdown, "relay.shutdown", m.onShutdown)
	}
	return m
}

// HandleConnection registers conn as a new session and runs it until it
// closes. It implements network.ConnectionHandler.
func (m *Manager) HandleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		conn.Close()
		return
	}

	if m.opts.MaxSessions > 0 {
		if live, _ := m.registry.Counts(); live >= m.opts.MaxSessions {
			m.mu.Unlock()
			m.reject(conn, remote, fmt.Sprintf("session limit %d reached", m.opts.MaxSessions))
			return
		}
	}

	c := network.NewConnection(conn, m.opts.Conn)
	s, err := m.registry.Register(c, remote)
	if err != nil {
		m.mu.Unlock()
		c.Close()
		m.reject(nil, remote, err.Error())
		return
	}

	h := newSessionHandler(m, s, c)
	m.handlers[s.ID] = h
	m.wg.Add(1)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.handlers, s.ID)
		m.mu.Unlock()
		m.wg.Done()
	}()

	h.logger.Info().
		Str("username", s.Username()).
		Str("colour", s.Colour()).
		Msg("client connected")
	m.emit(events.EventSessionConnected, h.payload(""))

	h.run(ctx)
}

func (m *Manager) reject(conn net.Conn, remote, reason string) {
	if conn != nil {
		conn.Close()
	}
	m.logger.Warn().
		Str("remote", remote).
		Str("reason", reason).
		Msg("connection refused")
	m.emit(events.EventSessionRejected, events.SessionPayload{
		RemoteAddr: remote,
		Detail:     reason,
	})
}

// Shutdown tells every live session the relay is going away and closes
// their connections. New connections are refused from here on. It
// implements network.ConnectionHandler and is safe to call more than once.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.shuttingDown = true
		handlers := make([]*sessionHandler, 0, len(m.handlers))
		for _, h := range m.handlers {
			handlers = append(handlers, h)
		}
		m.mu.Unlock()

		n := m.broadcaster.PublishCode(protocol.CodeServerShutdown)
		m.logger.Info().Int("notified", n).Msg("shutdown notice sent")

		var wg sync.WaitGroup
		for _, h := range handlers {
			wg.Add(1)
			go func(c *network.Connection) {
				defer wg.Done()
				c.Close()
			}(h.conn)
		}
		wg.Wait()
	})
}

// Wait blocks until every session goroutine has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// IsShuttingDown reports whether Shutdown has started.
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// Announce posts text as the server to every authenticated session and
// returns the number of recipients.
func (m *Manager) Announce(text string) (int, error) {
	if m.IsShuttingDown() {
		return 0, ErrShuttingDown
	}
	n := m.broadcaster.Announce(text)
	m.logger.Info().Int("recipients", n).Msg("announcement sent")
	m.emit(events.EventAnnouncement, events.AnnouncementPayload{Text: text, Recipients: n})
	return n, nil
}

// Kick disconnects the session with the given ID or, failing that, the
// given username.
func (m *Manager) Kick(target string) (registry.SessionInfo, error) {
	s, ok := m.registry.Lookup(target)
	if !ok {
		s, ok = m.registry.FindByUsername(target)
	}
	if !ok {
		return registry.SessionInfo{}, ErrSessionNotFound
	}

	info := s.Info()
	m.logger.Info().
		Str("session", info.ID).
		Str("username", info.Username).
		Msg("kicking session")
	m.emit(events.EventSessionKick, events.SessionPayload{
		SessionID:  info.ID,
		Username:   info.Username,
		Colour:     info.Colour,
		RemoteAddr: info.RemoteAddr,
		Detail:     "kicked by operator",
	})

	return info, s.Close()
}

// Sessions returns every live session with its connection counters.
func (m *Manager) Sessions() []SessionDetail {
	infos := m.registry.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SessionDetail, 0, len(infos))
	for _, info := range infos {
		d := SessionDetail{SessionInfo: info, State: StateConnected.String()}
		if info.Authenticated {
			d.State = StateAuthenticated.String()
		}
		if h, ok := m.handlers[info.ID]; ok {
			d.LastActivity = h.conn.LastActivity()
			d.Traffic = h.conn.Stats()
		}
		out = append(out, d)
	}
	return out
}

// Stats returns session and colour counts.
func (m *Manager) Stats() Stats {
	live, authed := m.registry.Counts()
	return Stats{
		LiveSessions:          live,
		AuthenticatedSessions: authed,
		FreeColours:           len(m.registry.FreeColours()),
		PaletteSize:           len(m.registry.Palette()),
		StartedAt:             m.startedAt,
		Uptime:                time.Since(m.startedAt),
	}
}

// Registry returns the session registry.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Vocabulary returns the active code vocabulary.
func (m *Manager) Vocabulary() *protocol.Vocabulary {
	return m.vocab
}

func (m *Manager) onShutdown(ctx context.Context, event events.Event) error {
	m.Shutdown()
	return nil
}

// emit publishes on the bus without tying handlers to a connection's context.
func (m *Manager) emit(t events.EventType, payload interface{}) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "relay",
		Payload: payload,
	})
}
