// Package server runs the chat relay: the per-connection session state
// machine, the broadcast engine and the Manager that ties them to the
// registry and the listener.
package server

import "time"

// SessionState is the protocol state of one connection.
type SessionState int

const (
	// StateConnected is the initial, unauthenticated state.
	StateConnected SessionState = iota
	// StateAuthenticated means the password was accepted (or none is set).
	StateAuthenticated
	// StateClosed is terminal.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats summarises the relay for the API, CLI and heartbeat.
type Stats struct {
	LiveSessions          int           `json:"live_sessions"`
	AuthenticatedSessions int           `json:"authenticated_sessions"`
	FreeColours           int           `json:"free_colours"`
	PaletteSize           int           `json:"palette_size"`
	StartedAt             time.Time     `json:"started_at"`
	Uptime                time.Duration `json:"uptime"`
}
