package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Long tick alert levels, counted over the trailing hour.
const (
	LagWarningThreshold  = 5
	LagCriticalThreshold = 20

	lagHistoryLimit = 1000
)

// LongTick is one episode of the tick loop falling a full interval behind.
type LongTick struct {
	At     time.Time     `json:"at"`
	Behind time.Duration `json:"behind_ns"`
}

// LagSummary aggregates recorded long ticks.
type LagSummary struct {
	Total     int           `json:"total"`
	LastHour  int           `json:"last_hour"`
	Max       time.Duration `json:"max_ns"`
	Avg       time.Duration `json:"avg_ns"`
	LastEvent time.Time     `json:"last_event,omitempty"`
}

// LagMonitor keeps the history of long ticks and raises threshold alerts.
type LagMonitor struct {
	mu      sync.RWMutex
	history []LongTick
	total   int
	max     time.Duration

	warningThreshold  int
	criticalThreshold int
}

// NewLagMonitor creates a monitor with the default thresholds.
func NewLagMonitor() *LagMonitor {
	return &LagMonitor{
		history:           make([]LongTick, 0, 64),
		warningThreshold:  LagWarningThreshold,
		criticalThreshold: LagCriticalThreshold,
	}
}

// Record adds one long tick.
func (lm *LagMonitor) Record(at time.Time, behind time.Duration) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.total++
	if behind > lm.max {
		lm.max = behind
	}
	lm.history = append(lm.history, LongTick{At: at, Behind: behind})
	if len(lm.history) > lagHistoryLimit {
		lm.history = lm.history[len(lm.history)-lagHistoryLimit:]
	}
}

// Summary aggregates the history as of now.
func (lm *LagMonitor) Summary(now time.Time) LagSummary {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	sum := LagSummary{Total: lm.total, Max: lm.max}
	if len(lm.history) == 0 {
		return sum
	}

	var total time.Duration
	hourAgo := now.Add(-time.Hour)
	for _, e := range lm.history {
		total += e.Behind
		if e.At.After(hourAgo) {
			sum.LastHour++
		}
	}
	sum.Avg = total / time.Duration(len(lm.history))
	sum.LastEvent = lm.history[len(lm.history)-1].At
	return sum
}

// Level returns "critical", "warning" or "" for the trailing hour.
func (lm *LagMonitor) Level(now time.Time) string {
	n := lm.Summary(now).LastHour
	switch {
	case n >= lm.criticalThreshold:
		return "critical"
	case n >= lm.warningThreshold:
		return "warning"
	}
	return ""
}

// Start logs threshold alerts every checkInterval until ctx is done.
func (lm *LagMonitor) Start(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			switch lm.Level(now) {
			case "critical":
				log.Error().
					Int("last_hour", lm.Summary(now).LastHour).
					Msg("tick loop is persistently falling behind")
			case "warning":
				log.Warn().
					Int("last_hour", lm.Summary(now).LastHour).
					Msg("tick loop lag threshold exceeded")
			}
		}
	}
}
