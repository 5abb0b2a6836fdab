package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/irfndi/celebrum-patterns/internal/config"
)

// ErrCircuitOpen is returned while a breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"` // consecutive failures before opening
	Cooldown         time.Duration `json:"cooldown"`          // time open before a trial call is let through
}

// CircuitBreakerConfigFrom derives the result cache breaker from orchestrator settings.
func CircuitBreakerConfigFrom(cfg config.OrchestratorConfig) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: cfg.CacheFailureThreshold,
		Cooldown:         config.GetTimeout(cfg.CacheCooldown, 30*time.Second),
	}
}

// CircuitBreaker stops calling a failing dependency for a cooldown period. After the
// cooldown one trial call is let through; its outcome closes or reopens the circuit.
type CircuitBreaker struct {
	name    string
	config  CircuitBreakerConfig
	logger  *logrus.Logger
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, logger *logrus.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}

	cb := &CircuitBreaker{name: name, config: cfg, logger: logger}
	threshold := uint32(cfg.FailureThreshold)
	cb.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// caller cancellation says nothing about the dependency
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: cb.onStateChange,
	})
	return cb
}

func (cb *CircuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	entry := cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": name,
		"old_state":       from.String(),
		"new_state":       to.String(),
	})
	if to == gobreaker.StateOpen {
		entry.Warn("Circuit breaker opened")
		return
	}
	entry.Info("Circuit breaker state changed")
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.breaker.State()
}

// Counts returns the request counts of the current state.
func (cb *CircuitBreaker) Counts() gobreaker.Counts {
	return cb.breaker.Counts()
}

// ExecuteWithBreaker runs fn unless the breaker is open, and records its outcome.
// A rejected call returns ErrCircuitOpen without running fn.
func ExecuteWithBreaker[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var value T
	_, err := cb.breaker.Execute(func() (interface{}, error) {
		v, err := fn(ctx)
		value = v
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, ErrCircuitOpen
	}
	return value, err
}
