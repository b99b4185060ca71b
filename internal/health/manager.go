// Package health runs periodic checks on the relay host and its sessions
// and raises health_alert events when a threshold is crossed. Checks only
// report; they never disconnect anyone.
package health

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatrelay-project/chatrelay/internal/config"
	"github.com/chatrelay-project/chatrelay/internal/events"
	"github.com/chatrelay-project/chatrelay/internal/server"
	"github.com/chatrelay-project/chatrelay/internal/util"
)

// StaleAfter is how long a session may stay unauthenticated before it is
// reported.
const StaleAfter = 5 * time.Minute

// SessionSource lists live sessions with their connection counters.
type SessionSource interface {
	Sessions() []server.SessionDetail
}

// Manager runs the health checks.
type Manager struct {
	eventBus *events.EventBus
	sessions SessionSource

	diskPath        string
	diskInterval    time.Duration
	sessionInterval time.Duration
	diskUsage       func(path string) (*util.DiskUsage, error)

	mu          sync.Mutex
	lastDropped map[string]uint64
	lastLevel   string
}

// NewManager creates a health check manager. The disk check watches the
// filesystem holding the audit database, or the working directory when the
// audit store is disabled.
func NewManager(cfg *config.Config, eventBus *events.EventBus, sessions SessionSource) *Manager {
	data := cfg.GetApplicationData()

	diskPath := "."
	if data.Database.Enabled && data.Database.Path != "" {
		diskPath = filepath.Dir(data.Database.Path)
	}

	return &Manager{
		eventBus:        eventBus,
		sessions:        sessions,
		diskPath:        diskPath,
		diskInterval:    time.Duration(data.Scheduler.DiskCheckIntervalSec) * time.Second,
		sessionInterval: time.Duration(data.Scheduler.SessionCheckIntervalSec) * time.Second,
		diskUsage:       util.GetDiskUsage,
		lastDropped:     make(map[string]uint64),
	}
}

// Start launches every enabled check and blocks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	checks := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"disk_utilization", m.diskInterval, m.checkDiskUtilization},
		{"session_health", m.sessionInterval, m.checkSessionHealth},
	}

	started := 0
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}
		started++

		check := check
		go func() {
			ticker := time.NewTicker(check.interval)
			defer ticker.Stop()

			log.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	log.Info().Int("checks", started).Msg("health check manager started")

	<-ctx.Done()
	log.Info().Msg("health check manager stopped")
}

// diskLevel maps a usage percentage to an alert level; "" means no alert.
func diskLevel(usedPercent float64) string {
	switch {
	case usedPercent >= 100:
		return "critical"
	case usedPercent >= 95:
		return "error"
	case usedPercent >= 90:
		return "warning"
	case usedPercent >= 80:
		return "info"
	default:
		return ""
	}
}

// checkDiskUtilization alerts when the audit database's filesystem fills
// up. An alert is raised only when the level changes.
func (m *Manager) checkDiskUtilization(ctx context.Context) {
	usage, err := m.diskUsage(m.diskPath)
	if err != nil {
		log.Warn().Err(err).Str("path", m.diskPath).Msg("disk utilization check failed")
		return
	}

	log.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_gb", usage.Free).
		Msg("disk utilization")

	level := diskLevel(usage.UsedPercent)

	m.mu.Lock()
	changed := level != m.lastLevel
	m.lastLevel = level
	m.mu.Unlock()

	if level == "" || !changed {
		return
	}

	message := fmt.Sprintf("Disk usage at %.1f%% (%d GB free of %d GB total)",
		usage.UsedPercent, usage.Free, usage.Total)
	log.Warn().Str("level", level).Msg(message)

	m.alert(ctx, events.HealthAlertPayload{
		Check:   "disk_utilization",
		Level:   level,
		Message: message,
		Value:   usage.UsedPercent,
	})
}

// checkSessionHealth reports clients whose outbox overflowed since the
// last run and clients that have sat unauthenticated past StaleAfter.
func (m *Manager) checkSessionHealth(ctx context.Context) {
	sessions := m.sessions.Sessions()

	m.mu.Lock()
	seen := make(map[string]uint64, len(sessions))
	var slow []server.SessionDetail
	for _, s := range sessions {
		seen[s.ID] = s.Traffic.Dropped
		if s.Traffic.Dropped > m.lastDropped[s.ID] {
			slow = append(slow, s)
		}
	}
	m.lastDropped = seen
	m.mu.Unlock()

	stale := 0
	for _, s := range sessions {
		if !s.Authenticated && time.Since(s.ConnectedAt) > StaleAfter {
			stale++
		}
	}
	if stale > 0 {
		log.Info().Int("stale", stale).Dur("after", StaleAfter).Msg("unauthenticated sessions idle")
	}

	for _, s := range slow {
		message := fmt.Sprintf("%s (%s) is not keeping up: %d messages dropped",
			s.Username, s.RemoteAddr, s.Traffic.Dropped)
		log.Warn().
			Str("session", s.ID).
			Uint64("dropped", s.Traffic.Dropped).
			Msg("slow consumer")

		m.alert(ctx, events.HealthAlertPayload{
			Check:   "slow_consumer",
			Level:   "warning",
			Message: message,
			Value:   float64(s.Traffic.Dropped),
		})
	}
}

func (m *Manager) alert(ctx context.Context, payload events.HealthAlertPayload) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.Emit(ctx, events.Event{
		Type:    events.EventHealthAlert,
		Source:  "health_check",
		Payload: payload,
	})
}
