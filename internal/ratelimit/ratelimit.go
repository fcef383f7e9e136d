// ABOUTME: Per-agent token buckets on x/time/rate with lazy refill and per-method overrides.
// ABOUTME: Denials carry the time until the next token so callers can schedule their retry.

package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rookery-hq/rookery/internal/fault"
)

// Limit describes one bucket: Capacity is the burst size, RefillRate is
// tokens per second.
type Limit struct {
	Capacity   int
	RefillRate float64
}

// DefaultLimit applies when an agent declares no limit of its own.
func DefaultLimit() Limit {
	return Limit{Capacity: 10, RefillRate: 10}
}

func (l Limit) orDefault(def Limit) Limit {
	if l.Capacity <= 0 {
		l.Capacity = def.Capacity
	}
	if l.RefillRate <= 0 {
		l.RefillRate = def.RefillRate
	}
	return l
}

type agentBuckets struct {
	agent   *rate.Limiter
	methods map[string]*rate.Limiter
}

// Limiter owns every bucket. Buckets are created at Register and torn
// down at Unregister, mirroring agent registration.
type Limiter struct {
	mu       sync.RWMutex
	defaults Limit
	agents   map[string]*agentBuckets
	logger   *slog.Logger
}

// New builds a Limiter with the given fallback limit.
func New(defaults Limit, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		defaults: defaults.orDefault(DefaultLimit()),
		agents:   make(map[string]*agentBuckets),
		logger:   logger.With("component", "ratelimit"),
	}
}

// Register creates the agent's buckets. Zero fields in limit fall back to
// the Limiter defaults; perMethod entries refine individual methods.
// Re-registering replaces the old buckets.
func (l *Limiter) Register(agentID string, limit Limit, perMethod map[string]Limit) {
	eff := limit.orDefault(l.defaults)

	buckets := &agentBuckets{
		agent: rate.NewLimiter(rate.Limit(eff.RefillRate), eff.Capacity),
	}
	if len(perMethod) > 0 {
		buckets.methods = make(map[string]*rate.Limiter, len(perMethod))
		for method, ml := range perMethod {
			m := ml.orDefault(eff)
			buckets.methods[method] = rate.NewLimiter(rate.Limit(m.RefillRate), m.Capacity)
		}
	}

	l.mu.Lock()
	l.agents[agentID] = buckets
	l.mu.Unlock()
}

// Unregister destroys the agent's buckets.
func (l *Limiter) Unregister(agentID string) {
	l.mu.Lock()
	delete(l.agents, agentID)
	l.mu.Unlock()
}

// Check atomically consumes one token for the request. A method with its
// own bucket draws from that bucket, otherwise the agent-wide one. On
// denial the returned rate_limit fault carries the wait until a token
// will be available.
func (l *Limiter) Check(agentID, method string) error {
	l.mu.RLock()
	buckets, ok := l.agents[agentID]
	l.mu.RUnlock()
	if !ok {
		return fault.Newf(fault.AgentUnavailable, "agent %s is not registered", agentID)
	}

	lim := buckets.agent
	if m, ok := buckets.methods[method]; ok {
		lim = m
	}

	res := lim.Reserve()
	if !res.OK() {
		return fault.Newf(fault.RateLimit, "request to %s can never be admitted", agentID)
	}
	delay := res.Delay()
	if delay == 0 {
		return nil
	}
	// Denied: hand the token back rather than holding a reservation.
	res.Cancel()
	return fault.Newf(fault.RateLimit, "rate limit exceeded for agent %s", agentID).
		WithRetryAfter(ceilRetryAfter(delay))
}

// RetryAfter reports the wait until the next token without consuming one.
func (l *Limiter) RetryAfter(agentID, method string) (time.Duration, bool) {
	l.mu.RLock()
	buckets, ok := l.agents[agentID]
	l.mu.RUnlock()
	if !ok {
		return 0, false
	}

	lim := buckets.agent
	if m, ok := buckets.methods[method]; ok {
		lim = m
	}

	res := lim.Reserve()
	if !res.OK() {
		return 0, false
	}
	delay := res.Delay()
	res.Cancel()
	return ceilRetryAfter(delay), true
}

// ceilRetryAfter rounds up to the millisecond so a hint of "0" never
// means "denied but retry immediately".
func ceilRetryAfter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	rounded := d.Truncate(time.Millisecond)
	if rounded < d {
		rounded += time.Millisecond
	}
	return rounded
}
