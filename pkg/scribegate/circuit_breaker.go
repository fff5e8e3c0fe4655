package scribegate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned without calling upstream while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls to a flaky upstream (identity provider, shared session store).
type CircuitBreaker interface {
	// Execute runs fn unless the breaker is open.
	Execute(ctx context.Context, fn func() error) error
	State() BreakerState
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker (default: 5)
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before a trial call (default: 30s)
	ResetTimeout time.Duration

	// IsFailure decides which errors count against the upstream.
	// Defaults to every error except context cancellation by the caller.
	IsFailure func(err error) bool

	Now     func() time.Time
	Metrics Metrics
	Logger  Logger
	Name    string
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	mu sync.Mutex

	config   BreakerConfig
	state    BreakerState
	failures int
	openedAt time.Time
	trial    bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	return &Breaker{config: config, state: BreakerClosed}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() BreakerState {
	if b.state == BreakerOpen && b.config.Now().Sub(b.openedAt) >= b.config.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Execute runs fn and records its outcome. While half-open only one trial call is let
// through; concurrent callers fail fast until it returns.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	switch b.stateLocked() {
	case BreakerOpen:
		b.mu.Unlock()
		return ErrCircuitOpen
	case BreakerHalfOpen:
		if b.trial {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.trial = true
		b.transition(BreakerHalfOpen)
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
	switch {
	case err == nil:
		b.failures = 0
		b.transition(BreakerClosed)
	case b.config.IsFailure(err):
		b.failures++
		if b.state == BreakerHalfOpen || b.failures >= b.config.FailureThreshold {
			b.openedAt = b.config.Now()
			b.transition(BreakerOpen)
		}
	}
	return err
}

func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	b.config.Logger.Warn("circuit breaker state changed",
		Field{"breaker", b.config.Name},
		Field{"from", string(b.state)},
		Field{"to", string(to)},
	)
	b.state = to
	b.config.Metrics.RecordCircuitBreakerStateChange(string(to))
}
