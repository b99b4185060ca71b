// Package events defines the relay's internal event types and the bus that
// carries them.
package events

import "time"

// EventType names an event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle
	EventSessionConnected     EventType = "session_connected"
	EventSessionAuthenticated EventType = "session_authenticated"
	EventAuthFailed           EventType = "auth_failed"
	EventSessionClosed        EventType = "session_closed"
	EventSessionRejected      EventType = "session_rejected"

	// Identity changes
	EventUsernameChanged EventType = "username_changed"
	EventColourChanged   EventType = "colour_changed"

	// Traffic
	EventMessagePosted     EventType = "message_posted"
	EventDrawingPosted     EventType = "drawing_posted"
	EventProtocolViolation EventType = "protocol_violation"

	// Operator actions
	EventAnnouncement EventType = "announcement"
	EventSessionKick  EventType = "session_kick"

	// System
	EventRelayStats  EventType = "relay_stats"
	EventHealthAlert EventType = "health_alert"
	EventShutdown    EventType = "shutdown"
)

// SessionEvents lists every event that concerns a single session.
var SessionEvents = []EventType{
	EventSessionConnected,
	EventSessionAuthenticated,
	EventAuthFailed,
	EventSessionClosed,
	EventSessionRejected,
	EventUsernameChanged,
	EventColourChanged,
	EventMessagePosted,
	EventDrawingPosted,
	EventProtocolViolation,
	EventSessionKick,
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionPayload identifies the session an event is about. Detail carries
// event specific text (old name, rejection reason and so on); message
// bodies are never included.
type SessionPayload struct {
	SessionID  string `json:"session_id"`
	Username   string `json:"username"`
	Colour     string `json:"colour,omitempty"`
	RemoteAddr string `json:"remote_addr"`
	Detail     string `json:"detail,omitempty"`
}

// TrafficPayload describes a relayed message or drawing by size only.
type TrafficPayload struct {
	SessionPayload
	Bytes      int    `json:"bytes"`
	Size       string `json:"size,omitempty"`
	Recipients int    `json:"recipients"`
}

// AnnouncementPayload is an operator message relayed as the server.
type AnnouncementPayload struct {
	Text       string `json:"text"`
	Recipients int    `json:"recipients"`
}

// StatsPayload is the periodic relay heartbeat.
type StatsPayload struct {
	LiveSessions          int       `json:"live_sessions"`
	AuthenticatedSessions int       `json:"authenticated_sessions"`
	FreeColours           int       `json:"free_colours"`
	Uptime                string    `json:"uptime"`
	Timestamp             time.Time `json:"timestamp"`
}

// HealthAlertPayload reports a health check that crossed a threshold.
type HealthAlertPayload struct {
	Check   string  `json:"check"`
	Level   string  `json:"level"`
	Message string  `json:"message"`
	Value   float64 `json:"value"`
}
