// Package retry wraps bounded exponential backoff for transient sink
// and source errors. Non-retryable errors abort immediately; retryable
// ones are re-attempted up to the configured limit with jittered,
// capped delays.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dataferry/ferry/pkg/config"
	ferrors "github.com/dataferry/ferry/pkg/errors"
)

// Policy executes operations under a bounded exponential backoff.
type Policy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

// NewPolicy creates a policy from task retry configuration.
func NewPolicy(cfg config.RetryConfig) *Policy {
	p := &Policy{
		maxAttempts:  cfg.MaxAttempts,
		initialDelay: cfg.InitialDelay.Std(),
		maxDelay:     cfg.MaxDelay.Std(),
		multiplier:   cfg.Multiplier,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 1
	}
	if p.initialDelay <= 0 {
		p.initialDelay = time.Second
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 30 * time.Second
	}
	if p.multiplier <= 1 {
		p.multiplier = 2.0
	}
	return p
}

// Do runs fn, retrying transient errors with backoff until the attempt
// limit is reached. Fatal and data errors are returned immediately.
func (p *Policy) Do(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.initialDelay
	bo.MaxInterval = p.maxDelay
	bo.Multiplier = p.multiplier
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall time

	var policy backoff.BackOff = backoff.WithMaxRetries(bo, uint64(p.maxAttempts-1))
	policy = backoff.WithContext(policy, ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !ferrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
