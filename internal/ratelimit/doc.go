// Package ratelimit admits or denies outbound requests with per-agent
// token buckets, optionally refined per method.
//
// Buckets refill continuously and lazily: token balance is derived from
// elapsed time at check time, so a thousand registered agents cost zero
// background timers. A denial carries the wait until the next token, which
// the hub surfaces as a rate_limit fault hint and never retries on its own.
//
// Buckets exist only while their agent is registered. Register creates the
// bucket set, Unregister destroys it; checking an unregistered agent denies.
package ratelimit
