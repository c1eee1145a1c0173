package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cloudvia/keystone-sync/internal/errors"
)

// Policy is a reusable bounded-retry-with-backoff policy applied uniformly
// to every identity backend call. Only errors classified as transient
// (CodeBackendTransient or CodeTimeout) are retried; everything else
// propagates immediately.
type Policy struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	MaxAttempts    int
	JitterFraction float64
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		MaxAttempts:    3,
		JitterFraction: 0.2,
	}
}

// Retryable reports whether the error is worth another attempt.
func Retryable(err error) bool {
	switch errors.GetCode(err) {
	case errors.CodeBackendTransient, errors.CodeTimeout:
		return true
	}
	return false
}

// Do runs fn up to MaxAttempts times, sleeping between attempts with
// exponential backoff and jitter. The last error is returned unchanged so
// callers keep its classification.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := p.BaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) || attempt == attempts {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}

		select {
		case <-time.After(p.jittered(delay)):
		case <-ctx.Done():
			return lastErr
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return lastErr
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.JitterFraction <= 0 {
		return d
	}
	// Spread in [d*(1-j), d*(1+j)].
	spread := float64(d) * p.JitterFraction
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}
