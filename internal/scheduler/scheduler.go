// Package scheduler runs the relay's periodic housekeeping: expired token
// cleanup, the status heartbeat, and process resource sampling.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/replicator/internal/config"
	"github.com/energizer-project/replicator/internal/events"
	"github.com/energizer-project/replicator/internal/server"
	"github.com/energizer-project/replicator/internal/util"
)

// TokenPurger deletes handshake tokens past their expiry.
type TokenPurger interface {
	PurgeExpiredTokens() (int64, error)
}

// StatsSource reports relay state for the heartbeat.
type StatsSource interface {
	Stats() server.Stats
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	eventBus *events.EventBus
	tokens   TokenPurger
	relay    StatsSource

	purgeEvery     time.Duration
	heartbeatEvery time.Duration
	pollEvery      time.Duration
}

// NewScheduler reads task intervals from the timer config. tokens may be
// nil when no token store is in use.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus, relay StatsSource, tokens TokenPurger) *Scheduler {
	timers := cfg.GetApplicationData().Timers
	return &Scheduler{
		eventBus:       eventBus,
		tokens:         tokens,
		relay:          relay,
		purgeEvery:     seconds(timers.TokenPurgeInterval),
		heartbeatEvery: seconds(timers.HeartbeatInterval),
		pollEvery:      seconds(timers.StatsPollingInterval),
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Start runs every task until ctx is cancelled. A task with a zero interval
// is disabled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().
		Dur("token_purge", s.purgeEvery).
		Dur("heartbeat", s.heartbeatEvery).
		Dur("stats_poll", s.pollEvery).
		Msg("scheduler started")

	if s.tokens != nil {
		go every(ctx, s.purgeEvery, s.purgeTokens)
	}
	if s.relay != nil {
		go every(ctx, s.heartbeatEvery, s.heartbeat)
	}
	go every(ctx, s.pollEvery, s.pollProcess)

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

func every(ctx context.Context, interval time.Duration, task func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
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

func (s *Scheduler) purgeTokens(context.Context) {
	n, err := s.tokens.PurgeExpiredTokens()
	if err != nil {
		log.Warn().Err(err).Msg("token purge failed")
		return
	}
	if n > 0 {
		log.Info().Int64("purged", n).Msg("expired session tokens removed")
	}
}

func (s *Scheduler) heartbeat(ctx context.Context) {
	st := s.relay.Stats()
	payload := events.StatusPayload{
		Peers:      st.Peers,
		MaxPeers:   st.MaxPeers,
		Entities:   st.Entities,
		HostID:     st.HostID,
		Ticks:      st.Ticks,
		ServerTime: st.ServerTime,
		Uptime:     st.Uptime,
	}

	log.Info().
		Str("status", st.Status.String()).
		Int("peers", st.Peers).
		Int("entities", st.Entities).
		Uint16("host", st.HostID).
		Uint64("frames_in", st.Traffic.FramesIn).
		Uint64("frames_out", st.Traffic.FramesOut).
		Msg("heartbeat")

	if s.eventBus != nil {
		s.eventBus.Emit(ctx, events.Event{
			Type:    events.EventServerStatus,
			Source:  "scheduler",
			Payload: payload,
		})
	}
}

func (s *Scheduler) pollProcess(context.Context) {
	usage, err := util.GetProcessUsage()
	if err != nil {
		log.Debug().Err(err).Msg("process sampling failed")
		return
	}
	log.Debug().
		Float64("cpu_percent", usage.CPUPercent).
		Uint64("rss_mb", usage.RSSMB).
		Int("goroutines", usage.Goroutines).
		Float64("system_mem_used_percent", usage.SystemMemUsed).
		Msg("process usage")
}
