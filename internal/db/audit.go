package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatrelay-project/chatrelay/internal/events"
)

// AuditEvent is one row of the audit log. Message bodies are never stored.
type AuditEvent struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Username  string    `json:"username"`
	Remote    string    `json:"remote"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditStore records session lifecycle and operator events.
type AuditStore struct {
	db *Database
}

// NewAuditStore opens the database at path and migrates the schema.
func NewAuditStore(path string) (*AuditStore, error) {
	database, err := NewDatabase(path)
	if err != nil {
		return nil, err
	}

	store := &AuditStore{db: database}
	if err := store.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}
	return store, nil
}

func (s *AuditStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			remote TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(type);
		CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at);
	`

	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("audit schema migrated")
	return nil
}

// Record inserts an event. A zero CreatedAt is set to now.
func (s *AuditStore) Record(ctx context.Context, e AuditEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(ctx,
		"INSERT INTO audit_events (type, session_id, username, remote, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		e.Type, e.SessionID, e.Username, e.Remote, e.Detail, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", e.Type, err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (s *AuditStore) Recent(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx,
		"SELECT id, type, session_id, username, remote, detail, created_at FROM audit_events ORDER BY id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEvent, 0, limit)
	for rows.Next() {
		var (
			e  AuditEvent
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.SessionID, &e.Username, &e.Remote, &e.Detail, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.CreatedAt = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByType returns the number of stored events per type.
func (s *AuditStore) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.Query(ctx, "SELECT type, COUNT(*) FROM audit_events GROUP BY type")
	if err != nil {
		return nil, fmt.Errorf("failed to count audit events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			t string
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

// Prune deletes events older than olderThan and returns how many went.
func (s *AuditStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.Exec(ctx, "DELETE FROM audit_events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Subscribe records every session and operator event published on bus.
func (s *AuditStore) Subscribe(bus *events.EventBus) {
	types := append([]events.EventType{events.EventAnnouncement, events.EventHealthAlert, events.EventShutdown}, events.SessionEvents...)
	bus.SubscribeMany("audit", s.onEvent, types...)
}

func (s *AuditStore) onEvent(ctx context.Context, event events.Event) error {
	return s.Record(ctx, FromEvent(event))
}

// FromEvent converts a bus event into an audit row.
func FromEvent(event events.Event) AuditEvent {
	e := AuditEvent{Type: string(event.Type)}

	switch p := event.Payload.(type) {
	case events.SessionPayload:
		e.SessionID, e.Username, e.Remote, e.Detail = p.SessionID, p.Username, p.RemoteAddr, p.Detail
	case events.TrafficPayload:
		e.SessionID, e.Username, e.Remote = p.SessionID, p.Username, p.RemoteAddr
		e.Detail = fmt.Sprintf("bytes=%d recipients=%d", p.Bytes, p.Recipients)
		if p.Size != "" {
			e.Detail = fmt.Sprintf("size=%s %s", p.Size, e.Detail)
		}
	case events.AnnouncementPayload:
		e.Username = "Server"
		e.Detail = fmt.Sprintf("recipients=%d", p.Recipients)
	case events.HealthAlertPayload:
		e.Username = "Server"
		e.Detail = fmt.Sprintf("%s %s: %s", p.Level, p.Check, p.Message)
	case string:
		e.Detail = p
	}
	return e
}

// Close closes the underlying database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}
