package stages

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy is the single backoff schedule stage processors run under.
// The state machine only counts failures; timing lives here.
type RetryPolicy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying within the current attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaults.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = defaults.Multiplier
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}

// Do runs fn until it succeeds, returns a permanent error, or the attempts
// run out.
func (p RetryPolicy) Do(ctx context.Context, logger zerolog.Logger, name string, fn func(context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.Debug().Str("operation", name).Int("attempt", attempt).Msg("succeeded after retry")
			}
			return nil
		}
		if IsPermanent(lastErr) || attempt == p.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}

		delay := p.Delay(attempt)
		logger.Warn().
			Err(lastErr).
			Str("operation", name).
			Int("attempt", attempt).
			Int("max_attempts", p.MaxAttempts).
			Dur("next_delay", delay).
			Msg("operation failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted during backoff: %w", ctx.Err())
		}
	}
	return lastErr
}

// Delay is the backoff before attempt+1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	backoff := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.JitterFraction > 0 {
		backoff += backoff * p.JitterFraction * (2*rand.Float64() - 1)
	}
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	if backoff < 0 {
		backoff = float64(p.InitialDelay)
	}
	return time.Duration(backoff)
}
