// ABOUTME: Connection pool — the registry of Connections keyed by agent id.
// ABOUTME: Coalesces concurrent acquires and enforces the live-connection bound.

package agent

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rookery-hq/rookery/internal/fault"
	"github.com/rookery-hq/rookery/internal/token"
	"github.com/rookery-hq/rookery/internal/transport"
)

// Pool owns every Connection. It is the single point of registry
// mutation: everything else references agents by id and looks them up
// here. maxConnections bounds concurrently live connections; Acquire
// beyond the bound fails with resource_exhausted, never queues.
type Pool struct {
	maxConnections int
	requestTimeout time.Duration
	dialer         transport.Dialer
	tokens         *token.Manager
	router         *Router
	onState        StateChangeFunc
	logger         *slog.Logger

	group singleflight.Group

	mu    sync.RWMutex
	conns map[string]*Connection
}

// Stats is a point-in-time snapshot of the pool, not a live handle.
type Stats struct {
	Total   int
	Active  int
	Idle    int
	Pending int
}

// NewPool builds an empty pool. maxConnections <= 0 means unbounded;
// requestTimeout <= 0 selects the connection default.
func NewPool(maxConnections int, requestTimeout time.Duration, dialer transport.Dialer, tokens *token.Manager, router *Router, onState StateChangeFunc, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		maxConnections: maxConnections,
		requestTimeout: requestTimeout,
		dialer:         dialer,
		tokens:         tokens,
		router:         router,
		onState:        onState,
		logger:         logger.With("component", "pool"),
		conns:          make(map[string]*Connection),
	}
}

// Add registers a descriptor and creates its (disconnected) Connection.
// Agent ids are unique across the pool; a duplicate is rejected.
func (p *Pool) Add(desc Descriptor) (*Connection, error) {
	if err := desc.Validate(); err != nil {
		return nil, fault.Wrap(fault.InvalidRequest, err, "")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.conns[desc.ID]; exists {
		return nil, fault.Newf(fault.InvalidRequest, "agent %s is already registered", desc.ID)
	}

	conn := NewConnection(desc, p.dialer, p.tokens, p.router, p.onState, p.requestTimeout, p.logger)
	p.conns[desc.ID] = conn
	p.logger.Info("agent registered",
		"agent_id", desc.ID,
		"endpoint", desc.Endpoint,
		"total_agents", len(p.conns))
	return conn, nil
}

// Get looks up a registered agent's Connection without connecting it.
func (p *Pool) Get(agentID string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.conns[agentID]
	return conn, ok
}

// Acquire returns the agent's Ready Connection, dialing it first when
// necessary. Concurrent acquires for one agent coalesce onto a single
// connection attempt; every caller sees that attempt's outcome. A
// Connection in Error stays down until an explicit Reconnect.
func (p *Pool) Acquire(ctx context.Context, agentID string) (*Connection, error) {
	conn, ok := p.Get(agentID)
	if !ok {
		return nil, fault.Newf(fault.AgentUnavailable, "agent %s is not registered", agentID)
	}
	if conn.State() == StateReady {
		return conn, nil
	}

	v, err, _ := p.group.Do(agentID, func() (any, error) {
		switch conn.State() {
		case StateReady:
			return conn, nil
		case StateError:
			return nil, fault.Newf(fault.AgentUnavailable, "agent %s connection failed; reconnect required", agentID)
		}

		// The bound check and the Connecting transition are not atomic
		// across different agents' flights, so two agents racing at the
		// limit can briefly overshoot by one.
		if p.maxConnections > 0 && p.liveCount() >= p.maxConnections {
			return nil, fault.Newf(fault.ResourceExhausted, "connection limit of %d reached", p.maxConnections)
		}
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

// Reconnect tears the agent's connection down and dials it again. This
// is the only path out of the Error state.
func (p *Pool) Reconnect(ctx context.Context, agentID string) error {
	conn, ok := p.Get(agentID)
	if !ok {
		return fault.Newf(fault.AgentUnavailable, "agent %s is not registered", agentID)
	}
	conn.Close()
	_, err := p.Acquire(ctx, agentID)
	return err
}

// Remove tears down and forgets the agent's Connection, cancelling its
// in-flight requests. Companion records (health, buckets, tokens) are
// the caller's to drop; the pool owns only connections.
func (p *Pool) Remove(agentID string) error {
	p.mu.Lock()
	conn, ok := p.conns[agentID]
	if ok {
		delete(p.conns, agentID)
	}
	remaining := len(p.conns)
	p.mu.Unlock()

	if !ok {
		return fault.Newf(fault.AgentUnavailable, "agent %s is not registered", agentID)
	}

	conn.Close()
	p.logger.Info("agent removed", "agent_id", agentID, "total_agents", remaining)
	return nil
}

// List returns every registered agent id, sorted.
func (p *Pool) List() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Stats snapshots the pool's aggregate counters.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Stats{Total: len(p.conns)}
	for _, conn := range p.conns {
		if conn.State() == StateReady {
			s.Active++
		}
		s.Pending += conn.PendingCount()
	}
	s.Idle = s.Total - s.Active
	return s
}

// Close tears down every connection. The pool is unusable afterwards
// except for re-Adding agents.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for id, conn := range p.conns {
		conns = append(conns, conn)
		delete(p.conns, id)
	}
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// liveCount counts connections holding an open transport. Callers hold
// no pool lock; per-connection state is read under each connection's
// own lock.
func (p *Pool) liveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, conn := range p.conns {
		if conn.State().live() {
			n++
		}
	}
	return n
}
