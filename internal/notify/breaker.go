package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"comms-router/internal/domain"
)

const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

type BreakerConfig struct {
	// MaxFailures is the number of consecutive transient failures that opens the circuit.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a half-open probe.
	Timeout time.Duration
	// Interval clears failure counts while closed. Zero keeps them until the circuit opens.
	Interval time.Duration
}

// BreakerNotifier stops calling a failing callback transport for a while.
// Only transient failures (ErrDelivery) count against the breaker.
type BreakerNotifier struct {
	inner   Notifier
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func NewBreakerNotifier(inner Notifier, cfg BreakerConfig, log *slog.Logger) *BreakerNotifier {
	if log == nil {
		log = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "notifier",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrDelivery)
		},
	})
	return &BreakerNotifier{inner: inner, breaker: cb}
}

func (n *BreakerNotifier) OnTaskAssigned(ctx context.Context, m domain.MatchResult) error {
	_, err := n.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, n.inner.OnTaskAssigned(ctx, m)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	return err
}

func (n *BreakerNotifier) State() gobreaker.State { return n.breaker.State() }
