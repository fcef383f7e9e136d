// Package fault defines the classified error taxonomy shared by every
// layer of the hub.
//
// # Classes
//
// Every error surfaced to a caller carries exactly one Class:
//
//   - network: transport-level failure (dial, reset, write on dead socket)
//   - authentication: credential invalid, expired beyond refresh, or rejected
//   - agent_unavailable: agent not registered, not ready, or unreachable
//   - rate_limit: local admission denied; RetryAfter carries the wait hint
//   - timeout: a deadline elapsed before a response arrived
//   - invalid_request: the request is malformed or names an undeclared capability
//   - resource_exhausted: a hub-side limit (connections, queue depth) was hit
//   - cancelled: the caller or the hub withdrew the work
//
// # Retry semantics
//
// Only network and timeout faults are retryable; everything else is
// deterministic and retrying would either spam a failing credential path or
// repeat a caller mistake. IsRetryable is the single place that encodes
// this, so retry loops never grow their own opinions.
//
// Context errors map onto the taxonomy: context.Canceled is cancelled,
// context.DeadlineExceeded is timeout.
package fault
