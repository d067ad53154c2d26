package sync

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Retry bounds how transient failures are retried.
type Retry struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetry matches the upload behaviour of the original bridge.
func DefaultRetry() Retry {
	return Retry{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     20 * time.Second,
		Multiplier:   1.6,
	}
}

// Validate checks the retry settings.
func (r Retry) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1, got %d", r.MaxAttempts)
	}
	if r.InitialDelay < 0 || r.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1, got %g", r.Multiplier)
	}
	return nil
}

// Delay returns the wait before retrying after the given failed attempt
// (1-based): InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (r Retry) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt-1))
	if r.MaxDelay > 0 && d > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	return time.Duration(d)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
