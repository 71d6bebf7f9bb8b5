// Package health runs periodic self checks on the relay: the UDP endpoints
// answer getinfo, the tick loop keeps up, the database responds, and the
// disk holding it has room. Degradations are raised as admin notifications.
package health

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/replicator/internal/config"
	"github.com/energizer-project/replicator/internal/events"
	"github.com/energizer-project/replicator/internal/network"
	"github.com/energizer-project/replicator/internal/server"
	"github.com/energizer-project/replicator/internal/util"
)

// Check levels, in increasing severity.
const (
	LevelOK       = "ok"
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

var severity = map[string]int{
	LevelOK:       0,
	LevelInfo:     1,
	LevelWarning:  2,
	LevelError:    3,
	LevelCritical: 4,
}

const probeTimeout = 2 * time.Second

// Relay is the part of the server the checks look at.
type Relay interface {
	Stats() server.Stats
	EndpointAddrs() []netip.AddrPort
}

// Database is the part of the store the checks look at.
type Database interface {
	Ping() error
	Dir() string
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name    string `json:"name"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Report is the latest outcome of every check.
type Report struct {
	Healthy   bool          `json:"healthy"`
	CheckedAt time.Time     `json:"checked_at"`
	Checks    []CheckResult `json:"checks"`
}

// Manager runs the checks on an interval and keeps the last report.
type Manager struct {
	cfg      *config.Config
	eventBus *events.EventBus
	relay    Relay
	store    Database
	interval time.Duration

	diskUsage func(path string) (util.DiskUsage, error)
	probe     func(ctx context.Context, addr, challenge string) error

	mu     sync.RWMutex
	report Report
	// alerted remembers the level each check last notified at, so a
	// steady degradation is reported once.
	alerted map[string]string
}

// NewManager creates a health manager. store may be nil.
func NewManager(cfg *config.Config, eventBus *events.EventBus, relay Relay, store Database) *Manager {
	interval := time.Duration(cfg.GetApplicationData().Timers.HealthCheckInterval) * time.Second
	m := &Manager{
		cfg:       cfg,
		eventBus:  eventBus,
		relay:     relay,
		store:     store,
		interval:  interval,
		diskUsage: util.GetDiskUsage,
		probe: func(ctx context.Context, addr, challenge string) error {
			_, err := network.Probe(ctx, addr, challenge)
			return err
		},
		alerted: make(map[string]string),
	}
	return m
}

// Start checks immediately, then every interval until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	if m.interval <= 0 {
		log.Info().Msg("health checks disabled")
		return
	}
	log.Info().Dur("interval", m.interval).Msg("health check manager started")

	m.RunChecks(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("health check manager stopped")
			return
		case <-ticker.C:
			m.RunChecks(ctx)
		}
	}
}

// Report returns the last completed report.
func (m *Manager) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := m.report
	r.Checks = append([]CheckResult(nil), m.report.Checks...)
	return r
}

// RunChecks runs every check once and stores the report.
func (m *Manager) RunChecks(ctx context.Context) Report {
	stats := m.relay.Stats()
	results := []CheckResult{
		m.checkRelay(stats),
		m.checkLag(ctx, stats),
		m.checkEndpoints(ctx),
	}
	if m.store != nil {
		results = append(results, m.checkStore(), m.checkDisk(ctx))
	}

	report := Report{Healthy: true, CheckedAt: time.Now(), Checks: results}
	for _, r := range results {
		if severity[r.Level] >= severity[LevelError] {
			report.Healthy = false
		}
		if r.Level != LevelOK {
			log.Warn().Str("check", r.Name).Str("level", r.Level).Msg(r.Message)
		}
	}

	m.mu.Lock()
	m.report = report
	m.mu.Unlock()
	return report
}

func (m *Manager) checkRelay(stats server.Stats) CheckResult {
	if stats.Status != server.StatusRunning {
		return CheckResult{Name: "relay", Level: LevelCritical, Message: "relay is " + stats.Status.String()}
	}
	return CheckResult{
		Name:    "relay",
		Level:   LevelOK,
		Message: fmt.Sprintf("%d/%d peers, %d entities", stats.Peers, stats.MaxPeers, stats.Entities),
	}
}

func (m *Manager) checkLag(ctx context.Context, stats server.Stats) CheckResult {
	n := stats.Lag.LastHour
	res := CheckResult{Name: "lag", Level: LevelOK, Message: fmt.Sprintf("%d long ticks in the last hour", n)}
	switch {
	case n >= server.LagCriticalThreshold:
		res.Level = LevelError
	case n >= server.LagWarningThreshold:
		res.Level = LevelWarning
	}
	if m.cfg.GetApplicationData().Notifications.NotifyOnLag {
		m.notify(ctx, res, "Tick Loop Lag")
	}
	return res
}

func (m *Manager) checkEndpoints(ctx context.Context) CheckResult {
	addrs := m.relay.EndpointAddrs()
	if len(addrs) == 0 {
		return CheckResult{Name: "endpoints", Level: LevelCritical, Message: "no UDP endpoints bound"}
	}

	failed := 0
	var lastErr error
	for _, ap := range addrs {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := m.probe(pctx, probeAddr(ap).String(), "health-"+strconv.FormatInt(time.Now().UnixNano(), 36))
		cancel()
		if err != nil {
			failed++
			lastErr = err
		}
	}

	switch {
	case failed == 0:
		return CheckResult{Name: "endpoints", Level: LevelOK, Message: fmt.Sprintf("%d endpoints answering", len(addrs))}
	case failed == len(addrs):
		return CheckResult{Name: "endpoints", Level: LevelCritical, Message: fmt.Sprintf("no endpoint answers getinfo: %v", lastErr)}
	default:
		return CheckResult{Name: "endpoints", Level: LevelError, Message: fmt.Sprintf("%d of %d endpoints silent: %v", failed, len(addrs), lastErr)}
	}
}

// probeAddr turns a wildcard bind address into a loopback one.
func probeAddr(ap netip.AddrPort) netip.AddrPort {
	addr := ap.Addr()
	if !addr.IsUnspecified() {
		return ap
	}
	if addr.Is4() {
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), ap.Port())
	}
	return netip.AddrPortFrom(netip.IPv6Loopback(), ap.Port())
}

func (m *Manager) checkStore() CheckResult {
	if err := m.store.Ping(); err != nil {
		return CheckResult{Name: "database", Level: LevelError, Message: "database not responding: " + err.Error()}
	}
	return CheckResult{Name: "database", Level: LevelOK, Message: "database responding"}
}

func (m *Manager) checkDisk(ctx context.Context) CheckResult {
	usage, err := m.diskUsage(m.store.Dir())
	if err != nil {
		return CheckResult{Name: "disk", Level: LevelWarning, Message: "disk usage unavailable: " + err.Error()}
	}

	res := CheckResult{
		Name:    "disk",
		Level:   LevelOK,
		Message: fmt.Sprintf("Disk usage at %.1f%% (%d GB free of %d GB total)", usage.UsedPercent, usage.Free, usage.Total),
	}
	switch {
	case usage.UsedPercent >= 100:
		res.Level = LevelCritical
	case usage.UsedPercent >= 95:
		res.Level = LevelError
	case usage.UsedPercent >= 90:
		res.Level = LevelWarning
	case usage.UsedPercent >= 80:
		res.Level = LevelInfo
	}
	if m.cfg.GetApplicationData().Notifications.NotifyOnDisk {
		m.notify(ctx, res, "Disk Space Alert")
	}
	return res
}

// notify emits an admin alert when a check gets worse than it was at the
// last alert. Recovery resets the mark.
func (m *Manager) notify(ctx context.Context, res CheckResult, title string) {
	m.mu.Lock()
	prev := m.alerted[res.Name]
	m.alerted[res.Name] = res.Level
	m.mu.Unlock()

	if res.Level == LevelOK || severity[res.Level] <= severity[prev] || m.eventBus == nil {
		return
	}
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventNotifyAdmin,
		Source: "health_check",
		Payload: events.NotifyPayload{
			Title:   title,
			Message: res.Message,
			Level:   res.Level,
		},
	})
}
