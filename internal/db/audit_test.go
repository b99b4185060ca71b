package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chatrelay-project/chatrelay/internal/events"
)

func newTestStore(t *testing.T) *AuditStore {
	t.Helper()
	store, err := NewAuditStore(filepath.Join(t.TempDir(), "audit", "audit.db"))
	if err != nil {
		t.Fatalf("NewAuditStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAuditRecordAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, typ := range []string{"session_connected", "session_authenticated", "session_closed"} {
		if err := store.Record(ctx, AuditEvent{Type: typ, SessionID: "s1", Username: "Guest 1"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recent, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d events, want 2", len(recent))
	}
	if recent[0].Type != "session_closed" || recent[1].Type != "session_authenticated" {
		t.Fatalf("order = %s, %s", recent[0].Type, recent[1].Type)
	}
	if recent[0].CreatedAt.IsZero() || recent[0].Username != "Guest 1" {
		t.Fatalf("event = %+v", recent[0])
	}
}

func TestAuditCountByType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Record(ctx, AuditEvent{Type: "auth_failed"})
	store.Record(ctx, AuditEvent{Type: "auth_failed"})
	store.Record(ctx, AuditEvent{Type: "session_kick"})

	counts, err := store.CountByType(ctx)
	if err != nil {
		t.Fatalf("CountByType: %v", err)
	}
	if counts["auth_failed"] != 2 || counts["session_kick"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestAuditPrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Record(ctx, AuditEvent{Type: "old", CreatedAt: time.Now().Add(-48 * time.Hour)})
	store.Record(ctx, AuditEvent{Type: "new"})

	n, err := store.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}

	recent, _ := store.Recent(ctx, 10)
	if len(recent) != 1 || recent[0].Type != "new" {
		t.Fatalf("remaining = %+v", recent)
	}
}

func TestAuditSubscribe(t *testing.T) {
	store := newTestStore(t)
	bus := events.NewEventBus()
	store.Subscribe(bus)

	bus.EmitSync(context.Background(), events.Event{
		Type: events.EventDrawingPosted,
		Payload: events.TrafficPayload{
			SessionPayload: events.SessionPayload{SessionID: "s1", Username: "Bob", RemoteAddr: "127.0.0.1:4000"},
			Bytes:          12,
			Size:           "2x2",
			Recipients:     3,
		},
	})
	bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventUsernameChanged,
		Payload: events.SessionPayload{SessionID: "s1", Username: "Bob", Detail: "Guest 1"},
	})

	recent, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d events, want 2", len(recent))
	}
	if recent[0].Type != "username_changed" || recent[0].Detail != "Guest 1" {
		t.Fatalf("rename row = %+v", recent[0])
	}
	if recent[1].Detail != "size=2x2 bytes=12 recipients=3" || recent[1].Remote != "127.0.0.1:4000" {
		t.Fatalf("drawing row = %+v", recent[1])
	}
}

func TestFromEventAnnouncement(t *testing.T) {
	e := FromEvent(events.Event{
		Type:    events.EventAnnouncement,
		Payload: events.AnnouncementPayload{Text: "hello", Recipients: 4},
	})
	if e.Username != "Server" || e.Detail != "recipients=4" {
		t.Fatalf("event = %+v", e)
	}
}
