// Package backoff retries operations that fail with transient faults,
// pacing attempts under a fixed, linear, or exponential schedule with a
// hard delay cap.
//
// Only network and timeout faults are retried; authentication failures,
// caller mistakes, and rate-limit denials surface immediately. Waits abort
// as soon as the caller's context does.
package backoff
