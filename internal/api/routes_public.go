package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "chatrelay",
		"version": Version,
	})
}

// handleGetInfo returns what a client needs to know before connecting.
func (s *Server) handleGetInfo(c *gin.Context) {
	relay := s.cfg.GetRelay()
	stats := s.manager.Stats()

	c.JSON(http.StatusOK, gin.H{
		"name":              relay.Name,
		"port":              relay.Port,
		"password_required": relay.Password != "" || relay.PasswordHash != "" || relay.PromptPassword,
		"sessions":          stats.AuthenticatedSessions,
		"free_colours":      stats.FreeColours,
		"shutting_down":     s.manager.IsShuttingDown(),
		"version":           Version,
	})
}
