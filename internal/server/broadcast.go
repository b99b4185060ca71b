package server

import (
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatrelay-project/chatrelay/internal/network"
	"github.com/chatrelay-project/chatrelay/internal/protocol"
	"github.com/chatrelay-project/chatrelay/internal/registry"
)

// Broadcaster fans messages out to sessions. Each recipient's frames are
// queued on its own connection outbox, so one slow client does not hold up
// delivery to the others.
type Broadcaster struct {
	reg    *registry.Registry
	vocab  *protocol.Vocabulary
	logger zerolog.Logger
}

// NewBroadcaster creates a broadcaster over reg using vocab's tokens.
func NewBroadcaster(reg *registry.Registry, vocab *protocol.Vocabulary) *Broadcaster {
	return &Broadcaster{
		reg:    reg,
		vocab:  vocab,
		logger: log.With().Str("component", "broadcast").Logger(),
	}
}

// Publish sends a chat message from sender to every authenticated session
// not in exclude. It returns the number of recipients the message was
// queued for.
func (b *Broadcaster) Publish(sender registry.Identity, text string, exclude ...*registry.Session) int {
	recipients := b.reg.AllAuthenticatedExcept(exclude...)
	return b.deliver(recipients,
		b.vocab.Token(protocol.CodeMessage),
		protocol.ChatPayload(sender.Username, sender.Colour, text),
	)
}

// PublishDrawing relays a drawing from sender to every authenticated
// session not in exclude.
func (b *Broadcaster) PublishDrawing(sender registry.Identity, size protocol.DrawingSize, pixels []byte, exclude ...*registry.Session) int {
	recipients := b.reg.AllAuthenticatedExcept(exclude...)
	return b.deliver(recipients,
		b.vocab.Token(protocol.CodeDrawing),
		protocol.DrawingHeader(sender.Username, sender.Colour, size.String()),
		pixels,
	)
}

// Announce posts text as the server to every authenticated session not in
// exclude.
func (b *Broadcaster) Announce(text string, exclude ...*registry.Session) int {
	return b.Publish(b.reg.Server().Identity(), text, exclude...)
}

// PublishCode sends a bare code to every live session, authenticated or not.
func (b *Broadcaster) PublishCode(code protocol.Code) int {
	return b.deliver(b.reg.All(), b.vocab.Token(code))
}

func (b *Broadcaster) deliver(recipients []*registry.Session, frames ...[]byte) int {
	delivered := 0
	for _, s := range recipients {
		if err := s.Send(frames...); err != nil {
			ev := b.logger.Warn()
			if errors.Is(err, network.ErrConnectionClosed) {
				ev = b.logger.Debug()
			}
			ev.Err(err).
				Str("session", s.ID).
				Str("username", s.Username()).
				Msg("failed to queue broadcast, skipping recipient")
			continue
		}
		delivered++
	}
	return delivered
}
