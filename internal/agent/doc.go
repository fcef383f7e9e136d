// Package agent manages the hub's connections to remote agents.
//
// # Overview
//
// The agent package owns the connection orchestration core: the per-agent
// Connection state machine, the Pool registry, the message Router, and the
// health Monitor. Everything above it (the hub facade) composes these; the
// presentation layer never touches this package directly.
//
// # Connection
//
// Connection drives one transport session through its lifecycle:
//
//	Disconnected → Connecting → Authenticating → CapabilityDiscovery → Ready
//
// Any state can fall to Error on unrecoverable failure; Ready falls back to
// Disconnected when the transport is lost. Error is terminal until the pool's
// explicit Reconnect.
//
// Key operations:
//
//   - Connect(ctx): dial, authenticate, discover capabilities
//   - Send(ctx, method, params, timeout): correlated request/response
//   - Close(): cancel pending work and release the transport
//
// # Request/Response Correlation
//
// Send registers a pending entry keyed by a router-issued uuid, writes the
// frame, and waits. The read pump resolves the entry when the matching
// response arrives; a per-request timer resolves it on deadline expiry.
// Exactly one resolution wins — a late response after a timeout is a logged
// no-op. Responses are correlated strictly by id; issuance order implies
// nothing about completion order.
//
// # Pool
//
// The Pool is the registry of Connections keyed by agent id, and the only
// point of registry mutation. Acquire coalesces concurrent callers onto a
// single connection attempt and enforces the live-connection bound with a
// resource_exhausted failure instead of queueing.
//
// # Health Monitor
//
// The Monitor runs an independent probe loop per agent (pings through the
// agent's own Connection) and classifies health from consecutive failures:
// one failure is degraded, the configured threshold is unhealthy, any
// success is immediately healthy again. On unhealth it signals the pool to
// reconnect; detection and remediation stay separated.
//
// # Ownership
//
// The Pool owns Connections. The Monitor and Router reference agents by id
// only, resolving through a lookup function, so there are no back-references
// into connection internals.
package agent
