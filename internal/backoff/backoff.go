// ABOUTME: Retry executor with fixed, linear, and exponential schedules under a delay cap.
// ABOUTME: Retries only transient fault classes and aborts waits on context cancellation.

package backoff

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rookery-hq/rookery/internal/fault"
)

// Kind selects the delay schedule.
type Kind string

const (
	Fixed       Kind = "fixed"
	Linear      Kind = "linear"
	Exponential Kind = "exponential"
)

// Policy describes a retry schedule. Delay for attempt k (0-indexed):
// fixed InitialDelay, linear min(MaxDelay, InitialDelay*(k+1)),
// exponential min(MaxDelay, InitialDelay*Multiplier^k). Jitter, when
// non-zero, shaves up to that fraction off the computed delay so the cap
// is never exceeded.
type Policy struct {
	Kind         Kind
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxRetries   int
	Jitter       float64
}

// DefaultPolicy is the schedule used when config does not override it.
func DefaultPolicy() Policy {
	return Policy{
		Kind:         Exponential,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		MaxRetries:   5,
	}
}

// Delay computes the base wait before retry k+1, without jitter.
func (p Policy) Delay(attempt int) time.Duration {
	var d time.Duration
	switch p.Kind {
	case Fixed:
		d = p.InitialDelay
	case Linear:
		d = p.InitialDelay * time.Duration(attempt+1)
	default:
		d = time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt)))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = p.MaxDelay
	}
	return d
}

// Operation is a unit of retryable work.
type Operation func(ctx context.Context) error

// Executor runs operations under a Policy.
type Executor struct {
	policy Policy
	logger *slog.Logger
}

// New builds an Executor, filling zero policy fields with defaults.
func New(policy Policy, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultPolicy()
	if policy.Kind == "" {
		policy.Kind = def.Kind
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = def.InitialDelay
	}
	if policy.Kind == Exponential && policy.Multiplier <= 1 {
		policy.Multiplier = def.Multiplier
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &Executor{
		policy: policy,
		logger: logger.With("component", "backoff"),
	}
}

// Policy returns the executor's effective schedule.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Execute runs op, retrying transient failures per the policy. Terminal
// fault classes surface immediately. When retries are exhausted the last
// error is returned wrapped with the retry count actually performed.
func (e *Executor) Execute(ctx context.Context, name string, op Operation) error {
	for attempt := 0; ; attempt++ {
		if ferr := fault.FromContext(ctx); ferr != nil {
			return ferr
		}

		err := op(ctx)
		if err == nil {
			if attempt > 0 {
				e.logger.Debug("operation recovered", "operation", name, "retries", attempt)
			}
			return nil
		}
		if !fault.IsRetryable(err) {
			return err
		}
		if attempt >= e.policy.MaxRetries {
			return fmt.Errorf("%s exhausted %d retries: %w", name, attempt, err)
		}

		delay := e.jittered(e.policy.Delay(attempt))
		e.logger.Debug("retrying after backoff",
			"operation", name,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fault.FromContext(ctx)
		case <-timer.C:
		}
	}
}

func (e *Executor) jittered(d time.Duration) time.Duration {
	if e.policy.Jitter <= 0 {
		return d
	}
	shave := e.policy.Jitter * rand.Float64()
	return time.Duration(float64(d) * (1 - shave))
}
