// Package scheduler runs the relay's periodic background tasks: audit log
// retention and the stats heartbeat.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatrelay-project/chatrelay/internal/config"
	"github.com/chatrelay-project/chatrelay/internal/events"
	"github.com/chatrelay-project/chatrelay/internal/server"
)

// Pruner deletes audit rows older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// StatsSource reports current relay counts.
type StatsSource interface {
	Stats() server.Stats
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cleanupInterval time.Duration
	statsInterval   time.Duration
	retention       time.Duration

	pruner   Pruner
	stats    StatsSource
	eventBus *events.EventBus
}

// NewScheduler creates a scheduler. pruner may be nil when the audit store
// is disabled.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus, pruner Pruner, stats StatsSource) *Scheduler {
	data := cfg.GetApplicationData()
	return &Scheduler{
		cleanupInterval: time.Duration(data.Scheduler.AuditCleanupIntervalSec) * time.Second,
		statsInterval:   time.Duration(data.Scheduler.StatsIntervalSec) * time.Second,
		retention:       time.Duration(data.Database.RetentionDays) * 24 * time.Hour,
		pruner:          pruner,
		stats:           stats,
		eventBus:        eventBus,
	}
}

// Start runs every enabled task until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.pruner != nil && s.cleanupInterval > 0 && s.retention > 0 {
		go s.every(ctx, s.cleanupInterval, s.runAuditCleanup)
	}
	if s.stats != nil && s.statsInterval > 0 {
		go s.every(ctx, s.statsInterval, s.emitStats)
	}

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, task func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}

// runAuditCleanup deletes audit rows past the retention window.
func (s *Scheduler) runAuditCleanup(ctx context.Context) {
	n, err := s.pruner.Prune(ctx, s.retention)
	if err != nil {
		log.Warn().Err(err).Msg("audit cleanup failed")
		return
	}
	log.Info().
		Int64("deleted", n).
		Dur("retention", s.retention).
		Msg("audit cleanup completed")
}

// emitStats publishes a relay_stats heartbeat.
func (s *Scheduler) emitStats(ctx context.Context) {
	st := s.stats.Stats()
	payload := events.StatsPayload{
		LiveSessions:          st.LiveSessions,
		AuthenticatedSessions: st.AuthenticatedSessions,
		FreeColours:           st.FreeColours,
		Uptime:                FormatUptime(st.Uptime),
		Timestamp:             time.Now(),
	}

	log.Debug().
		Int("live", payload.LiveSessions).
		Int("authenticated", payload.AuthenticatedSessions).
		Int("free_colours", payload.FreeColours).
		Msg("relay stats")

	if s.eventBus != nil {
		s.eventBus.Emit(ctx, events.Event{
			Type:    events.EventRelayStats,
			Source:  "scheduler",
			Payload: payload,
		})
	}
}

// FormatUptime renders a duration as "1d 2h 3m 4s", dropping leading zero
// units.
func FormatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int(d / time.Minute)
	seconds := int((d - time.Duration(minutes)*time.Minute) / time.Second)

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
