package server

import (
	"bytes"
	"sync"
	"testing"

	"github.com/chatrelay-project/chatrelay/internal/network"
	"github.com/chatrelay-project/chatrelay/internal/protocol"
	"github.com/chatrelay-project/chatrelay/internal/registry"
)

type recordingSender struct {
	mu     sync.Mutex
	frames [][][]byte
	err    error
}

func (r *recordingSender) Send(frames ...[]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, frames)
	return nil
}

func (r *recordingSender) Close() error { return nil }

func (r *recordingSender) sent() [][][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

func newTestRegistry(t *testing.T, senders ...*recordingSender) (*registry.Registry, []*registry.Session) {
	t.Helper()
	reg := registry.New(testPalette, registry.WithPicker(func(int) int { return 0 }))
	sessions := make([]*registry.Session, 0, len(senders))
	for _, snd := range senders {
		s, err := reg.Register(snd, "test")
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		sessions = append(sessions, s)
	}
	return reg, sessions
}

func TestPublishSkipsFailedRecipient(t *testing.T) {
	a := &recordingSender{}
	b := &recordingSender{err: network.ErrOutboxFull}
	c := &recordingSender{}
	reg, sessions := newTestRegistry(t, a, b, c)
	for _, s := range sessions {
		reg.Authenticate(s)
	}

	bc := NewBroadcaster(reg, protocol.DefaultVocabulary())
	n := bc.Publish(sessions[0].Identity(), "hi")
	if n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}

	want := [][]byte{[]byte("!MESSAGE"), []byte("Guest 1#ff0000hi")}
	for _, snd := range []*recordingSender{a, c} {
		got := snd.sent()
		if len(got) != 1 || !bytes.Equal(got[0][0], want[0]) || !bytes.Equal(got[0][1], want[1]) {
			t.Fatalf("sent = %q, want %q", got, want)
		}
	}
}

func TestPublishSkipsUnauthenticatedAndExcluded(t *testing.T) {
	a, b, c := &recordingSender{}, &recordingSender{}, &recordingSender{}
	reg, sessions := newTestRegistry(t, a, b, c)
	reg.Authenticate(sessions[0])
	reg.Authenticate(sessions[1])

	bc := NewBroadcaster(reg, protocol.DefaultVocabulary())
	if n := bc.Announce("notice", sessions[0]); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if len(a.sent()) != 0 || len(c.sent()) != 0 {
		t.Fatal("excluded or unauthenticated session received the notice")
	}
	if got := b.sent(); string(got[0][1]) != "Server#000000notice" {
		t.Fatalf("notice = %q", got[0][1])
	}
}

func TestPublishDrawing(t *testing.T) {
	a := &recordingSender{}
	reg, sessions := newTestRegistry(t, a)
	reg.Authenticate(sessions[0])

	bc := NewBroadcaster(reg, protocol.DefaultVocabulary())
	pixels := make([]byte, 12)
	bc.PublishDrawing(sessions[0].Identity(), protocol.DrawingSize{Width: 2, Height: 2}, pixels)

	got := a.sent()
	if len(got) != 1 || len(got[0]) != 3 {
		t.Fatalf("sent = %q", got)
	}
	if string(got[0][0]) != "!DRAWING" || string(got[0][1]) != "Guest 1#ff00002x2" || len(got[0][2]) != 12 {
		t.Fatalf("drawing frames = %q", got[0])
	}
}

func TestPublishCodeReachesUnauthenticated(t *testing.T) {
	a, b := &recordingSender{}, &recordingSender{}
	reg, sessions := newTestRegistry(t, a, b)
	reg.Authenticate(sessions[0])

	bc := NewBroadcaster(reg, protocol.DefaultVocabulary())
	if n := bc.PublishCode(protocol.CodeServerShutdown); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if string(b.sent()[0][0]) != "!SERVERSHUTDOWN" {
		t.Fatalf("sent = %q", b.sent())
	}
}
