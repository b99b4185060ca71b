package server

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/chatrelay-project/chatrelay/internal/events"
	"github.com/chatrelay-project/chatrelay/internal/network"
	"github.com/chatrelay-project/chatrelay/internal/protocol"
	"github.com/chatrelay-project/chatrelay/internal/registry"
)

// sessionHandler drives one client through the protocol. It runs on the
// connection's goroutine and is the only reader of its socket.
type sessionHandler struct {
	m       *Manager
	session *registry.Session
	conn    *network.Connection
	logger  zerolog.Logger
	state   SessionState
}

func newSessionHandler(m *Manager, s *registry.Session, conn *network.Connection) *sessionHandler {
	logger := m.logger.With().
		Str("session", s.ID).
		Str("remote", s.RemoteAddr).
		Logger()
	conn.SetLogger(logger)

	return &sessionHandler{
		m:       m,
		session: s,
		conn:    conn,
		logger:  logger,
		state:   StateConnected,
	}
}

// run sends the initial prompt and processes frames until the client
// leaves, breaks the protocol or the connection is closed.
func (h *sessionHandler) run(ctx context.Context) {
	reason := "disconnect"
	defer func() { h.close(reason) }()

	if h.m.verifier.Open() {
		h.authenticate()
	} else {
		h.send(h.token(protocol.CodeRequestPassword))
	}

	for h.state != StateClosed {
		if ctx.Err() != nil {
			reason = "shutdown"
			return
		}

		frame, err := h.conn.ReadFrame(h.m.opts.ReadTimeout)
		if err != nil {
			reason = h.readFailed(err)
			return
		}

		code, ok := h.m.vocab.Lookup(frame)
		if !ok {
			reason = h.violation(protocol.Violation("unknown code %q", protocol.Describe(frame)))
			return
		}
		if !code.SentByClient() {
			reason = h.violation(protocol.Violation("code %s is not accepted from clients", code))
			return
		}

		args, err := h.readArgs(code)
		if err != nil {
			if protocol.IsViolation(err) {
				reason = h.violation(err)
			} else {
				reason = h.readFailed(err)
			}
			return
		}

		if err := h.dispatch(code, args); err != nil {
			reason = h.violation(err)
			return
		}
	}
}

// readArgs reads the payload frames that follow code.
func (h *sessionHandler) readArgs(code protocol.Code) ([][]byte, error) {
	n := code.Arity()
	if n == 0 {
		return nil, nil
	}

	timeout := h.m.opts.PayloadTimeout
	args := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		arg, err := h.conn.ReadFrame(timeout)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) && timeout > 0 && !h.conn.IsClosed() {
				return nil, protocol.Violation("%s: payload %d of %d not received within %s", code, i+1, n, timeout)
			}
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func (h *sessionHandler) dispatch(code protocol.Code, args [][]byte) error {
	h.logger.Debug().
		Str("code", code.String()).
		Int("args", len(args)).
		Msg("code received")

	switch code {
	case protocol.CodeDisconnect:
		h.state = StateClosed
	case protocol.CodeSubmitPassword:
		h.handlePassword(args[0])
	case protocol.CodeSetUsername:
		h.handleSetUsername(string(args[0]))
	case protocol.CodeRequestTakenColours:
		h.handleTakenColours()
	case protocol.CodeSetColour:
		return h.handleSetColour(string(args[0]))
	case protocol.CodeMessage:
		h.handleMessage(args[0])
	case protocol.CodeDrawing:
		return h.handleDrawing(string(args[0]), args[1])
	default:
		return protocol.Violation("code %s has no handler", code)
	}
	return nil
}

func (h *sessionHandler) handlePassword(password []byte) {
	if h.state == StateAuthenticated {
		h.logger.Debug().Msg("password received while already authenticated, ignoring")
		return
	}

	if !h.m.verifier.Verify(password) {
		h.logger.Info().Msg("authentication failed")
		h.m.emit(events.EventAuthFailed, h.payload(""))
		h.send(h.token(protocol.CodeAuthFailure))
		h.send(h.token(protocol.CodeRequestPassword))
		return
	}

	h.authenticate()
}

// authenticate marks the session authenticated, tells the client its
// identity and announces it to everyone else. The identity frames are queued
// before the session can receive broadcasts, so they always arrive first.
func (h *sessionHandler) authenticate() {
	var id registry.Identity
	admitted := h.m.registry.AuthenticateFunc(h.session, func(final registry.Identity) {
		id = final
		h.send(h.token(protocol.CodeColourSuccess), []byte(id.Colour))
		h.send(h.token(protocol.CodeUsernameSuccess), []byte(id.Username))
		h.send(h.token(protocol.CodeAuthSuccess))
	})
	if !admitted {
		return
	}
	h.state = StateAuthenticated

	h.logger.Info().
		Str("username", id.Username).
		Str("colour", id.Colour).
		Msg("session authenticated")
	h.m.emit(events.EventSessionAuthenticated, h.payload(""))

	h.m.broadcaster.Announce(id.Username+" has entered the chat.", h.session)
}

func (h *sessionHandler) handleSetUsername(proposed string) {
	old := h.session.Username()

	name, ok := h.m.registry.ClaimUsername(h.session, proposed)
	if !ok {
		h.logger.Debug().Str("requested", proposed).Msg("username rejected")
		h.send(h.token(protocol.CodeUsernameFailure), []byte(name))
		return
	}

	h.send(h.token(protocol.CodeUsernameSuccess), []byte(name))
	if name == old {
		return
	}

	h.logger.Info().Str("old", old).Str("new", name).Msg("username changed")
	h.m.emit(events.EventUsernameChanged, h.payload(old))

	// Recipients are limited to authenticated sessions; the actor need not be one.
	h.m.broadcaster.Announce(old+" changed their name to "+name+".", h.session)
}

func (h *sessionHandler) handleTakenColours() {
	taken := h.m.registry.TakenColours(h.session)
	h.send(h.token(protocol.CodeTakenColours), []byte(protocol.JoinTakenColours(taken)))
}

func (h *sessionHandler) handleSetColour(proposed string) error {
	if !protocol.ValidColour(proposed) {
		return protocol.Violation("colour %q is not #rrggbb", protocol.Describe([]byte(proposed)))
	}

	old := h.session.Colour()
	colour, ok := h.m.registry.ClaimColour(h.session, proposed)
	if !ok {
		h.logger.Debug().Str("requested", proposed).Msg("colour rejected")
		h.send(h.token(protocol.CodeColourFailure), []byte(colour))
		return nil
	}

	h.send(h.token(protocol.CodeColourSuccess), []byte(colour))
	if colour != old {
		h.m.emit(events.EventColourChanged, h.payload(old))
	}
	return nil
}

func (h *sessionHandler) handleMessage(text []byte) {
	if h.state != StateAuthenticated {
		h.logger.Debug().Msg("message from unauthenticated session ignored")
		return
	}

	n := h.m.broadcaster.Publish(h.session.Identity(), string(text))
	h.m.emit(events.EventMessagePosted, events.TrafficPayload{
		SessionPayload: h.payload(""),
		Bytes:          len(text),
		Recipients:     n,
	})
}

func (h *sessionHandler) handleDrawing(rawSize string, pixels []byte) error {
	if h.state != StateAuthenticated {
		h.logger.Debug().Msg("drawing from unauthenticated session ignored")
		return nil
	}

	size, err := protocol.ParseDrawingSize(rawSize)
	if err != nil {
		return err
	}
	if err := protocol.CheckDrawing(size, pixels); err != nil {
		return err
	}

	n := h.m.broadcaster.PublishDrawing(h.session.Identity(), size, pixels)
	h.m.emit(events.EventDrawingPosted, events.TrafficPayload{
		SessionPayload: h.payload(""),
		Bytes:          len(pixels),
		Size:           size.String(),
		Recipients:     n,
	})
	return nil
}

// readFailed classifies an error from the code read and returns the
// close reason.
func (h *sessionHandler) readFailed(err error) string {
	switch {
	case protocol.IsViolation(err):
		return h.violation(err)
	case errors.Is(err, protocol.ErrConnectionClosed):
		h.logger.Debug().Msg("client closed connection")
		return "connection closed"
	case errors.Is(err, os.ErrDeadlineExceeded):
		if h.conn.IsClosed() {
			return "closed by relay"
		}
		h.logger.Info().Dur("timeout", h.m.opts.ReadTimeout).Msg("client idle, closing")
		return "idle timeout"
	default:
		h.logger.Debug().Err(err).Msg("read failed")
		return "read error"
	}
}

func (h *sessionHandler) violation(err error) string {
	h.logger.Warn().Err(err).Msg("protocol violation, closing session")
	h.m.emit(events.EventProtocolViolation, h.payload(err.Error()))
	return "protocol violation"
}

// close moves the session to StateClosed, closes the socket and removes the
// session from the registry. Nothing is broadcast about the departure.
func (h *sessionHandler) close(reason string) {
	h.state = StateClosed
	h.conn.Close()

	id := h.session.Identity()
	if !h.m.registry.Remove(h.session) {
		return
	}

	stats := h.conn.Stats()
	h.logger.Info().
		Str("username", id.Username).
		Str("reason", reason).
		Uint64("frames_in", stats.FramesIn).
		Uint64("messages_out", stats.MessagesOut).
		Dur("duration", time.Since(h.session.ConnectedAt)).
		Msg("session closed")
	h.m.emit(events.EventSessionClosed, h.payload(reason))
}

func (h *sessionHandler) send(frames ...[]byte) {
	if err := h.conn.Send(frames...); err != nil {
		h.logger.Debug().Err(err).Msg("failed to queue response")
	}
}

func (h *sessionHandler) token(c protocol.Code) []byte {
	return h.m.vocab.Token(c)
}

func (h *sessionHandler) payload(detail string) events.SessionPayload {
	id := h.session.Identity()
	return events.SessionPayload{
		SessionID:  h.session.ID,
		Username:   id.Username,
		Colour:     id.Colour,
		RemoteAddr: h.session.RemoteAddr,
		Detail:     detail,
	}
}
