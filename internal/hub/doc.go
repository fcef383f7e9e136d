// Package hub is the orchestrator facade: the single surface the
// presentation layer talks to.
//
// # Overview
//
// A Hub composes the connection pool, message router, token manager,
// rate limiter, health monitor, and event broadcaster behind a handful
// of operations: AddAgent, RemoveAgent, SendMessage, GetStatus, and
// event subscription. Callers never touch a Connection directly;
// everything is addressed by agent id.
//
// # Request Path
//
// SendMessage runs each request through a fixed pipeline:
//
//  1. Rate-limiter admission. A denial surfaces immediately as a
//     rate_limit fault with a retry-after hint and is never retried by
//     the hub.
//  2. Acquire the agent's connection, dialing it if necessary.
//  3. Send and await the correlated response.
//
// Steps 2 and 3 run under the hub's backoff policy, so transient
// network failures and timeouts retry automatically. Every outcome is
// also folded into the agent's health record.
//
// # Events
//
// State changes, health transitions, and agent notifications publish on
// the hub's broadcaster. On registers a per-type handler that runs on
// its own goroutine in event order; Subscribe hands out the raw
// channel. Slow consumers lose events rather than stalling connection
// pumps.
//
// # Lifecycle
//
// AddAgent seeds credentials, registers the connection, buckets, and
// health record, then dials in the background; a failed dial leaves the
// agent registered in Error state for the monitor to remediate.
// RemoveAgent unwinds all of it, cancelling in-flight requests. Close
// tears down the whole hub in dependency order.
package hub
