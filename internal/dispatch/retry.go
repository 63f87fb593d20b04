package dispatch

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"comms-router/internal/notify"
	"comms-router/internal/store"
)

// DefaultJitter is the randomization factor used when RetryConfig.Jitter is unset.
const DefaultJitter = 0.5

// RetryConfig bounds assignment delivery retries.
type RetryConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	// MaxAttempts counts the first delivery.
	MaxAttempts int
	// Jitter is the randomization factor applied to each delay, in (0,1].
	// 0 selects DefaultJitter so retries never run in lockstep.
	Jitter float64
}

func (c RetryConfig) withDefaults() RetryConfig {
	out := c
	if out.MinDelay <= 0 {
		out.MinDelay = 500 * time.Millisecond
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 30 * time.Second
	}
	if out.MaxDelay < out.MinDelay {
		out.MaxDelay = out.MinDelay
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.Jitter <= 0 || out.Jitter > 1 {
		out.Jitter = DefaultJitter
	}
	return out
}

// newBackOff returns the delay sequence for one delivery. Each delivery owns its
// own instance.
func (c RetryConfig) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.MinDelay
	exp.MaxInterval = c.MaxDelay
	exp.RandomizationFactor = c.Jitter
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	b := backoff.WithMaxRetries(exp, uint64(c.MaxAttempts-1))
	b.Reset()
	return b
}

// isTransient reports whether a delivery failure is worth retrying.
// Anything else is treated as a permanent failure and only logged.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, notify.ErrDelivery) ||
		errors.Is(err, store.ErrWriteConflict) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
