// ABOUTME: Health monitor — per-agent probe loops, rolling outcome windows, status transitions.
// ABOUTME: Detects unhealth and signals the pool; never performs reconnection itself.

package agent

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rookery-hq/rookery/internal/fault"
	"github.com/rookery-hq/rookery/internal/protocol"
)

// Health classifies an agent's recent probe history.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// ProbeOutcome is one observation in the rolling window.
type ProbeOutcome struct {
	At      time.Time
	Latency time.Duration
	OK      bool
}

// HealthRecord is a snapshot of one agent's health. Created when the
// agent registers, destroyed when it is removed.
type HealthRecord struct {
	Status              Health
	ConsecutiveFailures int
	LastProbe           time.Time
	Window              []ProbeOutcome
}

// MonitorConfig tunes the monitor.
type MonitorConfig struct {
	// ProbeInterval is the cadence of each agent's probe loop. Loops
	// start with an independent random offset so probes spread out.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe round trip.
	ProbeTimeout time.Duration

	// UnhealthyThreshold is the consecutive-failure count that drives
	// degraded to unhealthy.
	UnhealthyThreshold int

	// WindowSize caps the rolling outcome window.
	WindowSize int
}

// DefaultMonitorConfig returns the standard probe tuning.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ProbeInterval:      30 * time.Second,
		ProbeTimeout:       5 * time.Second,
		UnhealthyThreshold: 3,
		WindowSize:         20,
	}
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	def := DefaultMonitorConfig()
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = def.ProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = def.UnhealthyThreshold
	}
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	return c
}

// LookupFunc resolves an agent id to its Connection. The monitor holds
// no connection references of its own.
type LookupFunc func(agentID string) (*Connection, bool)

// TransitionFunc observes health status changes.
type TransitionFunc func(agentID string, from, to Health)

type healthRecord struct {
	status      Health
	consecutive int
	lastProbe   time.Time
	window      []ProbeOutcome
	cancel      context.CancelFunc
}

// Monitor probes every registered agent on its own interval and
// classifies health from consecutive failures: one failure makes an
// agent degraded, UnhealthyThreshold failures make it unhealthy, any
// success restores healthy immediately. Reaching unhealthy signals
// onUnhealthy so the pool can reconnect; the monitor itself only
// detects.
type Monitor struct {
	cfg          MonitorConfig
	lookup       LookupFunc
	onTransition TransitionFunc
	onUnhealthy  func(agentID string)
	logger       *slog.Logger

	mu      sync.Mutex
	records map[string]*healthRecord
	closed  bool
	wg      sync.WaitGroup
}

// NewMonitor builds a Monitor. onTransition and onUnhealthy may be nil.
func NewMonitor(cfg MonitorConfig, lookup LookupFunc, onTransition TransitionFunc, onUnhealthy func(agentID string), logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:          cfg.withDefaults(),
		lookup:       lookup,
		onTransition: onTransition,
		onUnhealthy:  onUnhealthy,
		logger:       logger.With("component", "health"),
		records:      make(map[string]*healthRecord),
	}
}

// Register creates the agent's health record and starts its probe loop.
// Re-registering an agent restarts its loop with a fresh record.
func (m *Monitor) Register(agentID string) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	if old, ok := m.records[agentID]; ok {
		old.cancel()
	}
	m.records[agentID] = &healthRecord{status: HealthHealthy, cancel: cancel}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.probeLoop(ctx, agentID)
	m.logger.Debug("health record created", "agent_id", agentID)
}

// Unregister stops the agent's probe loop and destroys its record.
func (m *Monitor) Unregister(agentID string) {
	m.mu.Lock()
	rec, ok := m.records[agentID]
	if ok {
		delete(m.records, agentID)
	}
	m.mu.Unlock()

	if ok {
		rec.cancel()
		m.logger.Debug("health record destroyed", "agent_id", agentID)
	}
}

// Status snapshots the agent's health record.
func (m *Monitor) Status(agentID string) (HealthRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[agentID]
	if !ok {
		return HealthRecord{}, false
	}
	snap := HealthRecord{
		Status:              rec.status,
		ConsecutiveFailures: rec.consecutive,
		LastProbe:           rec.lastProbe,
		Window:              append([]ProbeOutcome(nil), rec.window...),
	}
	return snap, true
}

// Observe folds a user-request outcome into the agent's record. Errors
// that say nothing about agent health (rate limiting, caller mistakes,
// caller cancellation) are ignored here.
func (m *Monitor) Observe(agentID string, err error) {
	if err == nil {
		m.record(agentID, 0, true)
		return
	}
	switch fault.ClassOf(err) {
	case fault.RateLimit, fault.InvalidRequest, fault.Cancelled, fault.ResourceExhausted:
		return
	}
	m.record(agentID, 0, false)
}

// Close stops every probe loop and waits for them to exit.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	for _, rec := range m.records {
		rec.cancel()
	}
	m.records = make(map[string]*healthRecord)
	m.mu.Unlock()
	m.wg.Wait()
}

// probeLoop runs one agent's probes until the agent is unregistered.
// Each loop carries its own ticker; there is no global tick.
func (m *Monitor) probeLoop(ctx context.Context, agentID string) {
	defer m.wg.Done()

	// Random start offset spreads many agents' probes apart.
	offset := time.Duration(rand.Int64N(int64(m.cfg.ProbeInterval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(offset):
	}

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		m.probe(ctx, agentID)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// probe issues one ping through the agent's Connection. Probes are
// ordinary request/response pairs; they never block or reorder user
// traffic on the same connection.
func (m *Monitor) probe(ctx context.Context, agentID string) {
	conn, ok := m.lookup(agentID)
	if !ok {
		return
	}

	start := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	_, err := conn.Send(probeCtx, protocol.MethodPing, nil, m.cfg.ProbeTimeout)
	cancel()

	if ctx.Err() != nil {
		// Unregistered mid-probe; do not count the aborted exchange.
		return
	}

	latency := time.Since(start)
	if err != nil {
		m.logger.Debug("probe failed", "agent_id", agentID, "error", err)
	}
	m.record(agentID, latency, err == nil)
}

// record appends an outcome and applies the status transitions,
// emitting events outside the lock.
func (m *Monitor) record(agentID string, latency time.Duration, ok bool) {
	m.mu.Lock()
	rec, exists := m.records[agentID]
	if !exists {
		m.mu.Unlock()
		return
	}

	rec.lastProbe = time.Now()
	rec.window = append(rec.window, ProbeOutcome{At: rec.lastProbe, Latency: latency, OK: ok})
	if len(rec.window) > m.cfg.WindowSize {
		rec.window = rec.window[len(rec.window)-m.cfg.WindowSize:]
	}

	from := rec.status
	var signalUnhealthy bool

	if ok {
		rec.consecutive = 0
		rec.status = HealthHealthy
	} else {
		rec.consecutive++
		switch {
		case rec.consecutive >= m.cfg.UnhealthyThreshold:
			rec.status = HealthUnhealthy
			// Re-signal every threshold-many failures so a failed
			// reconnect attempt does not strand the agent forever.
			signalUnhealthy = rec.consecutive%m.cfg.UnhealthyThreshold == 0
		default:
			rec.status = HealthDegraded
		}
	}
	to := rec.status
	m.mu.Unlock()

	if from != to {
		m.logger.Info("agent health changed", "agent_id", agentID, "from", string(from), "to", string(to))
		if m.onTransition != nil {
			m.onTransition(agentID, from, to)
		}
	}
	if signalUnhealthy && m.onUnhealthy != nil {
		m.onUnhealthy(agentID)
	}
}
