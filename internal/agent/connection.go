// ABOUTME: Connection state machine — dial, authenticate, discover capabilities, exchange messages.
// ABOUTME: Owns the transport and the pending-request map; both mutate only under its lock.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rookery-hq/rookery/internal/fault"
	"github.com/rookery-hq/rookery/internal/protocol"
	"github.com/rookery-hq/rookery/internal/token"
	"github.com/rookery-hq/rookery/internal/transport"
)

// DefaultRequestTimeout bounds a Send that names no timeout of its own.
const DefaultRequestTimeout = 30 * time.Second

// handshakeTimeout bounds each individual handshake round trip.
const handshakeTimeout = 15 * time.Second

type sendResult struct {
	result json.RawMessage
	err    error
}

// pendingRequest is one in-flight request. The channel is buffered so
// the single resolution never blocks, whichever of response, timeout,
// cancellation, or transport loss arrives first.
type pendingRequest struct {
	id    string
	ch    chan sendResult
	timer *time.Timer
}

// Connection owns one transport session to one agent. All mutation of
// its state and pending map happens under mu; the pool is the only
// component that creates or removes Connections.
type Connection struct {
	agentID string
	desc    Descriptor
	dialer  transport.Dialer
	tokens  *token.Manager
	router  *Router
	onState StateChangeFunc
	timeout time.Duration
	logger  *slog.Logger

	mu           sync.Mutex
	state        State
	gen          uint64
	tr           transport.Transport
	pending      map[string]*pendingRequest
	capabilities map[string]struct{}
	degraded     bool
	lastActivity time.Time
}

// NewConnection builds a Connection in the Disconnected state. onState
// may be nil when nobody watches transitions.
func NewConnection(desc Descriptor, dialer transport.Dialer, tokens *token.Manager, router *Router, onState StateChangeFunc, timeout time.Duration, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Connection{
		agentID: desc.ID,
		desc:    desc,
		dialer:  dialer,
		tokens:  tokens,
		router:  router,
		onState: onState,
		timeout: timeout,
		logger:  logger.With("component", "connection", "agent_id", desc.ID),
		state:   StateDisconnected,
		pending: make(map[string]*pendingRequest),
	}
}

// AgentID returns the owning agent's identifier.
func (c *Connection) AgentID() string { return c.agentID }

// Descriptor returns the registration record this connection serves.
func (c *Connection) Descriptor() Descriptor { return c.desc }

// State reports the current lifecycle position.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingCount reports in-flight requests awaiting resolution.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Capabilities returns the negotiated capability set. Empty with
// Degraded true means discovery failed and the set is unknown.
func (c *Connection) Capabilities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	caps := make([]string, 0, len(c.capabilities))
	for name := range c.capabilities {
		caps = append(caps, name)
	}
	return caps
}

// Degraded reports whether capability discovery failed.
func (c *Connection) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// LastActivity reports when a frame last moved in either direction.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Connect runs the full handshake: dial, authenticate, discover
// capabilities, and arrive at Ready. Valid from Disconnected and from
// Error (the pool's explicit reconnect path). Any failure lands in
// Error with a classified cause. A Close racing the handshake aborts
// the attempt with cancelled; the attempt never resurrects the
// connection or leaks a freshly dialed transport.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state.live() {
		state := c.state
		c.mu.Unlock()
		if state == StateReady {
			return nil
		}
		return fault.Newf(fault.InvalidRequest, "agent %s is already connecting", c.agentID)
	}
	from := c.state
	c.state = StateConnecting
	// The generation ties every later step to this attempt; teardown
	// bumps it, invalidating whatever the attempt does afterwards.
	gen := c.gen
	c.mu.Unlock()
	c.emitState(from, StateConnecting)

	tr, err := c.dialer.Dial(ctx, c.desc.Endpoint)
	if err != nil {
		return c.failAttempt(gen, fault.Wrap(fault.Network, err, "connecting to agent "+c.agentID))
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		// Closed while the dial was in flight; the fresh transport must
		// not outlive the teardown.
		tr.Close()
		return c.abortErr()
	}
	c.tr = tr
	c.lastActivity = time.Now()
	c.mu.Unlock()
	go c.readPump(tr)

	if !c.advance(gen, StateAuthenticating) {
		return c.abortErr()
	}
	if err := c.authenticate(ctx); err != nil {
		return c.failAttempt(gen, err)
	}

	if !c.advance(gen, StateCapabilityDiscovery) {
		return c.abortErr()
	}
	c.discoverCapabilities(ctx)

	if !c.advance(gen, StateReady) {
		return c.abortErr()
	}
	c.logger.Info("agent connection ready",
		"endpoint", c.desc.Endpoint,
		"capabilities", len(c.capabilities),
		"degraded", c.degraded)
	return nil
}

// advance moves the handshake to its next state, unless the attempt was
// torn down meanwhile.
func (c *Connection) advance(gen uint64, to State) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from != to {
		c.emitState(from, to)
	}
	return true
}

func (c *Connection) abortErr() error {
	return fault.Newf(fault.Cancelled, "connect to agent %s aborted by close", c.agentID)
}

// authenticate presents the credential for the descriptor's auth
// variant. A rejection earns exactly one refresh-and-retry; a second
// rejection, or a failed refresh, surfaces as an authentication fault.
func (c *Connection) authenticate(ctx context.Context) error {
	tok, err := c.tokens.Get(ctx, c.agentID)
	if err != nil {
		return err
	}

	err = c.presentCredential(ctx, tok)
	if err == nil {
		return nil
	}
	if fault.ClassOf(err) != fault.Authentication {
		return err
	}

	c.logger.Debug("credential rejected, attempting refresh", "error", err)
	fresh, refreshErr := c.tokens.Refresh(ctx, c.agentID)
	if refreshErr != nil {
		return fault.Wrap(fault.Authentication, errors.Join(err, refreshErr),
			"agent "+c.agentID+" rejected credential and refresh failed")
	}
	if err := c.presentCredential(ctx, fresh); err != nil {
		return fault.Wrap(fault.Authentication, err, "agent "+c.agentID+" rejected refreshed credential")
	}
	return nil
}

func (c *Connection) presentCredential(ctx context.Context, tok *token.Token) error {
	scheme := protocol.SchemeBearer
	if tok.Scheme == "api-key" {
		scheme = protocol.SchemeAPIKey
	}
	params := protocol.AuthenticateParams{Scheme: scheme, Token: tok.AccessToken}

	raw, err := c.roundTrip(ctx, protocol.MethodAuthenticate, params, handshakeTimeout)
	if err != nil {
		return err
	}

	var res protocol.AuthenticateResult
	if err := json.Unmarshal(raw, &res); err != nil || !res.Authenticated {
		return fault.Newf(fault.Authentication, "agent %s did not acknowledge authentication", c.agentID)
	}
	return nil
}

// discoverCapabilities asks the agent what it can do. Failure is
// non-fatal: the connection still becomes Ready with a degraded (empty)
// capability set, and callers invoking unsupported methods fail fast.
func (c *Connection) discoverCapabilities(ctx context.Context) {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      protocol.PeerInfo{Name: "rookery", Version: protocol.ProtocolVersion},
	}

	caps := make(map[string]struct{})
	degraded := false

	raw, err := c.roundTrip(ctx, protocol.MethodInitialize, params, handshakeTimeout)
	if err != nil {
		c.logger.Warn("capability discovery failed, marking degraded", "error", err)
		degraded = true
	} else {
		var res protocol.InitializeResult
		if err := json.Unmarshal(raw, &res); err != nil || len(res.Capabilities) == 0 {
			c.logger.Warn("capability list empty or malformed, marking degraded")
			degraded = true
		} else {
			for _, name := range res.Capabilities {
				caps[name] = struct{}{}
			}
		}
	}

	c.mu.Lock()
	c.capabilities = caps
	c.degraded = degraded
	c.mu.Unlock()
}

// Supports reports whether the agent may be asked for method. Reserved
// handshake and probe methods are always available.
func (c *Connection) Supports(method string) bool {
	switch method {
	case protocol.MethodPing, protocol.MethodInitialize, protocol.MethodAuthenticate:
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.capabilities[method]
	return ok
}

// Send issues a request and waits for its correlated response. Valid
// only in Ready. Unsupported methods fail fast without touching the
// wire. timeout <= 0 selects the connection default.
func (c *Connection) Send(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateReady {
		return nil, fault.Newf(fault.AgentUnavailable, "agent %s is %s, not ready", c.agentID, state)
	}
	if !c.Supports(method) {
		return nil, fault.Newf(fault.InvalidRequest, "agent %s does not support %s", c.agentID, method)
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	return c.roundTrip(ctx, method, params, timeout)
}

// roundTrip registers a pending entry, writes the frame, and waits for
// exactly one resolution: response, per-request timeout, context
// cancellation, or transport loss. First resolver wins; the rest no-op.
func (c *Connection) roundTrip(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.router.NewRequestID()
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidRequest, err, "building request")
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidRequest, err, "encoding request")
	}

	c.mu.Lock()
	tr := c.tr
	if tr == nil {
		c.mu.Unlock()
		return nil, fault.Newf(fault.AgentUnavailable, "agent %s has no transport", c.agentID)
	}
	p := &pendingRequest{id: id, ch: make(chan sendResult, 1)}
	p.timer = time.AfterFunc(timeout, func() {
		c.resolve(id, sendResult{err: fault.Newf(fault.Timeout, "request %s to agent %s timed out after %s", method, c.agentID, timeout)})
	})
	c.pending[id] = p
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if err := tr.Send(ctx, frame); err != nil {
		class := fault.Network
		if errors.Is(err, transport.ErrClosed) {
			class = fault.AgentUnavailable
		}
		ferr := fault.Wrap(class, err, "sending "+method+" to agent "+c.agentID)
		c.resolve(id, sendResult{err: ferr})
		res := <-p.ch
		return nil, res.err
	}

	select {
	case res := <-p.ch:
		return res.result, res.err
	case <-ctx.Done():
		c.resolve(id, sendResult{err: fault.FromContext(ctx)})
		res := <-p.ch
		return res.result, res.err
	}
}

// resolve delivers the single outcome for a pending id. Returns false
// when the id was already resolved (or never existed): late responses
// and lost timer races are no-ops.
func (c *Connection) resolve(id string, res sendResult) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, id)
	c.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- res
	return true
}

// Close cancels every pending request, releases the transport, and
// lands in Disconnected. Safe to call from any state, any number of
// times.
func (c *Connection) Close() {
	c.teardown(StateDisconnected, fault.Newf(fault.Cancelled, "connection to agent %s closed", c.agentID))
}

// failAttempt lands a connect attempt in Error, unless the attempt was
// torn down meanwhile — then the teardown's verdict stands and the
// attempt reports cancelled instead.
func (c *Connection) failAttempt(gen uint64, cause error) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return c.abortErr()
	}
	c.teardownLocked(StateError, cause)
	return cause
}

func (c *Connection) teardown(to State, cause error) {
	c.mu.Lock()
	c.teardownLocked(to, cause)
}

// teardownLocked finishes a teardown with c.mu held, releasing it.
// Bumping the generation invalidates any in-flight connect attempt.
func (c *Connection) teardownLocked(to State, cause error) {
	c.gen++
	tr := c.tr
	c.tr = nil
	pend := c.pending
	c.pending = make(map[string]*pendingRequest)
	from := c.state
	c.state = to
	c.mu.Unlock()

	for _, p := range pend {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- sendResult{err: cause}
	}
	if tr != nil {
		tr.Close()
	}
	if from != to {
		c.emitState(from, to)
	}
}

// handleLoss reacts to the transport dying underneath us. Pending work
// fails with a network fault and a Ready connection falls back to
// Disconnected. Stale pumps from a previous transport are ignored.
func (c *Connection) handleLoss(tr transport.Transport) {
	c.mu.Lock()
	if c.tr != tr {
		c.mu.Unlock()
		return
	}
	c.tr = nil
	pend := c.pending
	c.pending = make(map[string]*pendingRequest)
	from := c.state
	if from == StateReady {
		c.state = StateDisconnected
	}
	to := c.state
	c.mu.Unlock()

	cause := fault.Wrap(fault.Network, tr.Err(), "transport to agent "+c.agentID+" lost")
	for _, p := range pend {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- sendResult{err: cause}
	}

	if from != to {
		c.logger.Warn("transport lost", "error", tr.Err(), "cancelled_requests", len(pend))
		c.emitState(from, to)
	}
}

// readPump drains inbound frames for the lifetime of one transport.
func (c *Connection) readPump(tr transport.Transport) {
	for {
		select {
		case <-tr.Done():
			c.handleLoss(tr)
			return
		case frame := <-tr.Frames():
			c.handleFrame(tr, frame)
		}
	}
}

func (c *Connection) handleFrame(tr transport.Transport, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.logger.Warn("dropping undecodable frame", "error", err)
		return
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	switch env.Kind() {
	case protocol.KindResponse:
		key := protocol.IDKey(env.ID)
		var res sendResult
		if env.Error != nil {
			res.err = fault.Wrap(protocol.ClassForCode(env.Error.Code), env.Error, "agent "+c.agentID)
		} else {
			res.result = env.Result
		}
		if !c.resolve(key, res) {
			c.logger.Warn("response for unknown request", "request_id", key)
		}

	case protocol.KindNotification:
		c.router.Dispatch(c.agentID, env.Method, env.Params)

	case protocol.KindRequest:
		// Agents do not get to call the hub. Answer politely so their
		// own pending entry resolves.
		resp := protocol.NewErrorResponse(env.ID, protocol.CodeMethodNotFound, "hub does not serve requests")
		if frame, err := json.Marshal(resp); err == nil {
			sendCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			tr.Send(sendCtx, frame)
			cancel()
		}

	default:
		c.logger.Warn("dropping invalid frame")
	}
}

func (c *Connection) emitState(from, to State) {
	c.logger.Debug("connection state changed", "from", from.String(), "to", to.String())
	if c.onState != nil {
		c.onState(c.agentID, from, to)
	}
}
