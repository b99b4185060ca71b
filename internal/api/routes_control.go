package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/chatrelay-project/chatrelay/internal/events"
	"github.com/chatrelay-project/chatrelay/internal/server"
)

// handleAnnounce relays an operator message to every authenticated
// session as the server.
func (s *Server) handleAnnounce(c *gin.Context) {
	var body struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	n, err := s.manager.Announce(body.Text)
	if err != nil {
		writeManagerError(c, err)
		return
	}

	log.Info().
		Int("recipients", n).
		Str("client_ip", c.ClientIP()).
		Msg("API: announcement sent")

	c.JSON(http.StatusOK, gin.H{
		"status":     "sent",
		"recipients": n,
	})
}

// handleKick disconnects a session by ID or username.
func (s *Server) handleKick(c *gin.Context) {
	target := c.Param("id")
	if s.manager.IsShuttingDown() {
		writeManagerError(c, server.ErrShuttingDown)
		return
	}

	info, err := s.manager.Kick(target)
	if errors.Is(err, server.ErrSessionNotFound) {
		writeManagerError(c, err)
		return
	}
	if err != nil {
		// the socket was already gone
		log.Debug().Err(err).Str("session", info.ID).Msg("API: close after kick")
	}

	log.Info().
		Str("session", info.ID).
		Str("username", info.Username).
		Str("client_ip", c.ClientIP()).
		Msg("API: session kicked")

	c.JSON(http.StatusOK, gin.H{
		"status":  "kicked",
		"session": info,
	})
}

// handleShutdown starts a relay shutdown. The response is written before
// sessions are notified.
func (s *Server) handleShutdown(c *gin.Context) {
	if s.manager.IsShuttingDown() {
		writeManagerError(c, server.ErrShuttingDown)
		return
	}

	log.Warn().Str("client_ip", c.ClientIP()).Msg("API: shutdown requested")

	event := events.Event{
		Type:    events.EventShutdown,
		Source:  "api",
		Payload: "requested via API",
	}
	if s.eventBus != nil {
		s.eventBus.Emit(context.Background(), event)
	} else {
		go s.manager.Shutdown()
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "shutting_down"})
}

func writeManagerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, server.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, server.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
