package service

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jask/jasksync/internal/config"
)

// RetryPolicy wraps fallible remote calls with bounded exponential backoff.
// Only errors that classify as retryable are re-attempted; everything else
// surfaces immediately. Exhausting attempts returns the last error unchanged.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       float64
}

// NewRetryPolicy builds a policy from config, clamping degenerate values.
func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	p := RetryPolicy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialDelay(),
		Multiplier:   cfg.Multiplier,
		MaxDelay:     cfg.MaxDelay(),
		Jitter:       cfg.Jitter,
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// Do executes op, retrying retryable failures up to MaxAttempts total
// attempts. The backoff delay before attempt n+1 is
// min(MaxDelay, InitialDelay*Multiplier^n) randomized by the jitter
// fraction so independent account tasks do not retry in lockstep.
func (p RetryPolicy) Do(ctx context.Context, accountID string, op func(context.Context) error) error {
	var last error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err
		if ctx.Err() != nil {
			return err
		}
		if !Classify(err, accountID).Retryable() {
			return err
		}
	}
	return last
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
