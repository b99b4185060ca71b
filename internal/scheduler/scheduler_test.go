package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chatrelay-project/chatrelay/internal/config"
	"github.com/chatrelay-project/chatrelay/internal/events"
	"github.com/chatrelay-project/chatrelay/internal/server"
)

type fakePruner struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (p *fakePruner) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, olderThan)
	return 3, nil
}

func (p *fakePruner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeStats struct{}

func (fakeStats) Stats() server.Stats {
	return server.Stats{LiveSessions: 3, AuthenticatedSessions: 2, FreeColours: 5, Uptime: 90 * time.Second}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{42 * time.Second, "42s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Second, "2h 0m 5s"},
		{49*time.Hour + 61*time.Second, "2d 1h 1m 1s"},
	}
	for _, tt := range tests {
		if got := FormatUptime(tt.d); got != tt.want {
			t.Errorf("FormatUptime(%s) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestEmitStats(t *testing.T) {
	bus := events.NewEventBus()
	got := make(chan events.StatsPayload, 1)
	bus.Subscribe(events.EventRelayStats, "test", func(ctx context.Context, e events.Event) error {
		got <- e.Payload.(events.StatsPayload)
		return nil
	})

	s := NewScheduler(config.DefaultConfig(), bus, nil, fakeStats{})
	s.emitStats(context.Background())

	select {
	case p := <-got:
		if p.LiveSessions != 3 || p.AuthenticatedSessions != 2 || p.FreeColours != 5 || p.Uptime != "1m 30s" {
			t.Fatalf("payload = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no relay_stats event")
	}
}

func TestStartRunsCleanup(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ApplicationData.Scheduler.AuditCleanupIntervalSec = 0
	cfg.ApplicationData.Database.RetentionDays = 7

	pruner := &fakePruner{}
	s := NewScheduler(cfg, nil, pruner, nil)
	s.cleanupInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pruner.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("cleanup never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	pruner.mu.Lock()
	defer pruner.mu.Unlock()
	if pruner.calls[0] != 7*24*time.Hour {
		t.Fatalf("retention = %s", pruner.calls[0])
	}
}
