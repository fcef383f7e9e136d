// ABOUTME: Orchestrator facade — the single entry point the presentation layer calls.
// ABOUTME: Composes keystore, tokens, rate limiter, pool, router, monitor, and events.

package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rookery-hq/rookery/internal/agent"
	"github.com/rookery-hq/rookery/internal/backoff"
	"github.com/rookery-hq/rookery/internal/config"
	"github.com/rookery-hq/rookery/internal/fault"
	"github.com/rookery-hq/rookery/internal/keystore"
	"github.com/rookery-hq/rookery/internal/ratelimit"
	"github.com/rookery-hq/rookery/internal/token"
	"github.com/rookery-hq/rookery/internal/transport"
)

// Status is a point-in-time view of one agent.
type Status struct {
	State        agent.State
	Health       agent.Health
	PendingCount int
}

// Hub is the orchestrator facade. Every presentation-layer operation —
// add/remove agent, send message, query status, subscribe to events —
// enters here; the hub composes the core components and nothing below
// it is reached directly.
type Hub struct {
	cfg    *config.Config
	logger *slog.Logger

	store    keystore.Keystore
	ownStore bool
	tokens   *token.Manager
	limiter  *ratelimit.Limiter
	router   *agent.Router
	pool     *agent.Pool
	monitor  *agent.Monitor
	events   *Broadcaster
	executor *backoff.Executor

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a Hub from configuration, opening the sealed SQLite
// keystore and the websocket dialer it names.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := keystore.NewSQLite(cfg.Keystore.Path, []byte(cfg.Keystore.MasterKey), logger)
	if err != nil {
		return nil, err
	}

	dialer := transport.NewWebSocketDialer(transport.Config{
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		WriteTimeout:     cfg.Transport.WriteTimeout,
		PingInterval:     cfg.Transport.PingInterval,
		PongTimeout:      cfg.Transport.PongTimeout,
		BufferSize:       cfg.Transport.BufferSize,
	}, logger)

	h := build(cfg, store, dialer, logger)
	h.ownStore = true
	return h, nil
}

// NewWithStores builds a Hub over an injected keystore and dialer. The
// caller keeps ownership of the keystore.
func NewWithStores(cfg *config.Config, store keystore.Keystore, dialer transport.Dialer, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return build(cfg, store, dialer, logger)
}

func build(cfg *config.Config, store keystore.Keystore, dialer transport.Dialer, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		cfg:    cfg,
		logger: logger.With("component", "hub"),
		store:  store,
		ctx:    ctx,
		cancel: cancel,
	}

	h.events = NewBroadcaster(logger)
	h.tokens = token.NewManager(store, token.Config{
		RefreshBuffer: cfg.Token.RefreshBuffer,
		HTTPTimeout:   cfg.Token.HTTPTimeout,
	}, logger)
	h.limiter = ratelimit.New(cfg.RateLimit.Limit(), logger)
	h.router = agent.NewRouter(logger)
	h.executor = backoff.New(cfg.BackoffPolicy(), logger)

	onState := func(agentID string, from, to agent.State) {
		h.events.Publish(Event{
			Type:      EventConnectionState,
			AgentID:   agentID,
			At:        time.Now(),
			FromState: from,
			ToState:   to,
		})
	}
	h.pool = agent.NewPool(cfg.Hub.MaxConnections, cfg.Hub.RequestTimeout,
		dialer, h.tokens, h.router, onState, logger)

	h.monitor = agent.NewMonitor(
		agent.MonitorConfig{
			ProbeInterval:      cfg.Health.ProbeInterval,
			ProbeTimeout:       cfg.Health.ProbeTimeout,
			UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
			WindowSize:         cfg.Health.WindowSize,
		},
		h.pool.Get,
		func(agentID string, from, to agent.Health) {
			h.events.Publish(Event{
				Type:       EventHealthChanged,
				AgentID:    agentID,
				At:         time.Now(),
				FromHealth: from,
				ToHealth:   to,
			})
		},
		h.remediate,
		logger,
	)

	h.router.Subscribe(agent.SubscribeAll, func(agentID, method string, params json.RawMessage) {
		h.events.Publish(Event{
			Type:    EventNotification,
			AgentID: agentID,
			At:      time.Now(),
			Method:  method,
			Params:  params,
		})
	})

	return h
}

type addOptions struct {
	limit     ratelimit.Limit
	perMethod map[string]ratelimit.Limit
}

// AddOption refines one agent registration.
type AddOption func(*addOptions)

// WithRateLimit overrides the hub's default bucket for this agent.
func WithRateLimit(l ratelimit.Limit) AddOption {
	return func(o *addOptions) { o.limit = l }
}

// WithMethodLimit gives one method its own bucket.
func WithMethodLimit(method string, l ratelimit.Limit) AddOption {
	return func(o *addOptions) {
		if o.perMethod == nil {
			o.perMethod = make(map[string]ratelimit.Limit)
		}
		o.perMethod[method] = l
	}
}

// AddAgent registers an agent: seeds its credentials, creates its
// connection, rate buckets, and health record, and kicks off the first
// connection attempt in the background. Returns the agent's id.
func (h *Hub) AddAgent(ctx context.Context, desc agent.Descriptor, opts ...AddOption) (string, error) {
	var o addOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := desc.Validate(); err != nil {
		return "", fault.Wrap(fault.InvalidRequest, err, "")
	}
	if err := h.tokens.Bootstrap(ctx, desc.ID, desc.Auth); err != nil {
		return "", err
	}
	if _, err := h.pool.Add(desc); err != nil {
		// Unwind the seeded credential so a failed add leaves nothing.
		if rerr := h.tokens.Revoke(ctx, desc.ID); rerr != nil {
			h.logger.Warn("rolling back credentials failed", "agent_id", desc.ID, "error", rerr)
		}
		return "", err
	}
	h.limiter.Register(desc.ID, o.limit, o.perMethod)
	h.monitor.Register(desc.ID)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.connect(desc.ID); err != nil {
			h.logger.Warn("initial connection failed", "agent_id", desc.ID, "error", err)
		}
	}()

	h.logger.Info("agent added", "agent_id", desc.ID, "endpoint", desc.Endpoint)
	return desc.ID, nil
}

// RemoveAgent tears an agent out completely: its connection (cancelling
// in-flight requests), health record, rate buckets, and credentials.
func (h *Hub) RemoveAgent(ctx context.Context, agentID string) error {
	if _, ok := h.pool.Get(agentID); !ok {
		return fault.Newf(fault.AgentUnavailable, "agent %s is not registered", agentID)
	}

	h.monitor.Unregister(agentID)
	if err := h.pool.Remove(agentID); err != nil {
		return err
	}
	h.limiter.Unregister(agentID)
	if err := h.tokens.Revoke(ctx, agentID); err != nil {
		return err
	}

	h.logger.Info("agent removed", "agent_id", agentID)
	return nil
}

// SendOption refines one SendMessage call.
type SendOption func(*sendOptions)

type sendOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the per-request deadline.
func WithTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = d }
}

// SendMessage drives one request end to end: rate-limiter admission,
// backoff-wrapped acquire and send, response correlation. Rate-limit
// denials surface immediately with a retry-after hint and are never
// retried here; transient failures retry under the hub's backoff
// policy. Every outcome is folded into the agent's health record.
func (h *Hub) SendMessage(ctx context.Context, agentID, method string, params any, opts ...SendOption) (json.RawMessage, error) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	if _, ok := h.pool.Get(agentID); !ok {
		return nil, fault.Newf(fault.AgentUnavailable, "agent %s is not registered", agentID)
	}
	if err := h.limiter.Check(agentID, method); err != nil {
		return nil, err
	}

	var result json.RawMessage
	err := h.executor.Execute(ctx, "send "+method, func(ctx context.Context) error {
		conn, err := h.pool.Acquire(ctx, agentID)
		if err != nil {
			return err
		}
		res, err := conn.Send(ctx, method, params, o.timeout)
		if err != nil {
			return err
		}
		result = res
		return nil
	})

	h.monitor.Observe(agentID, err)
	return result, err
}

// GetStatus reports the agent's connection state, health, and pending
// request count.
func (h *Hub) GetStatus(agentID string) (Status, error) {
	conn, ok := h.pool.Get(agentID)
	if !ok {
		return Status{}, fault.Newf(fault.AgentUnavailable, "agent %s is not registered", agentID)
	}

	s := Status{
		State:        conn.State(),
		PendingCount: conn.PendingCount(),
	}
	if rec, ok := h.monitor.Status(agentID); ok {
		s.Health = rec.Status
	}
	return s, nil
}

// ListAgents returns every registered agent id, sorted.
func (h *Hub) ListAgents() []string {
	return h.pool.List()
}

// Stats snapshots the pool's aggregate counters.
func (h *Hub) Stats() agent.Stats {
	return h.pool.Stats()
}

// On registers a handler for one event type. The handler runs on its
// own goroutine, in event order. The returned function cancels the
// subscription.
func (h *Hub) On(eventType EventType, handler func(Event)) func() {
	ctx, cancel := context.WithCancel(h.ctx)
	ch, _ := h.events.Subscribe(ctx, eventType)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for ev := range ch {
			handler(ev)
		}
	}()

	return cancel
}

// Subscribe returns a raw event channel for one event type, cleaned up
// when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, eventType EventType) (<-chan Event, string) {
	return h.events.Subscribe(ctx, eventType)
}

// OnMethod registers for notifications of a single method, bypassing
// the general event stream. Returns an unsubscribe function.
func (h *Hub) OnMethod(method string, fn agent.NotificationHandler) func() {
	return h.router.Subscribe(method, fn)
}

// AddConfiguredAgents registers every agent the configuration declares.
// Registration stops at the first failure.
func (h *Hub) AddConfiguredAgents(ctx context.Context) error {
	for _, a := range h.cfg.Agents {
		opts := make([]AddOption, 0, 1+len(a.PerMethod))
		if a.RateLimit != nil {
			opts = append(opts, WithRateLimit(a.RateLimit.Limit()))
		}
		for method, l := range a.PerMethod {
			opts = append(opts, WithMethodLimit(method, l.Limit()))
		}

		desc := agent.Descriptor{
			ID:           a.ID,
			Endpoint:     a.Endpoint,
			Capabilities: a.Capabilities,
			Auth:         a.Auth,
		}
		if _, err := h.AddAgent(ctx, desc, opts...); err != nil {
			return err
		}
	}
	return nil
}

// Close tears the hub down: every agent connection, the probe loops,
// and the event streams. In-flight sends resolve with cancelled.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		h.monitor.Close()
		h.pool.Close()
		h.events.Close()
		h.wg.Wait()
		if h.ownStore {
			if err := h.store.Close(); err != nil {
				h.logger.Warn("closing keystore failed", "error", err)
			}
		}
		h.logger.Info("hub closed")
	})
}

// connect dials an agent under the hub's backoff policy. Used for the
// initial attempt after AddAgent; the same path serves remediation.
func (h *Hub) connect(agentID string) error {
	return h.executor.Execute(h.ctx, "connect "+agentID, func(ctx context.Context) error {
		return h.pool.Reconnect(ctx, agentID)
	})
}

// remediate is the monitor's unhealthy signal: reconnect in the
// background, detection stays separate from the repair.
func (h *Hub) remediate(agentID string) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.logger.Info("reconnecting unhealthy agent", "agent_id", agentID)
		if err := h.connect(agentID); err != nil {
			h.logger.Warn("reconnect failed", "agent_id", agentID, "error", err)
		}
	}()
}
