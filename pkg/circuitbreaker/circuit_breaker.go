// Package circuitbreaker guards calls to external services (platform REST
// servers, the remote identity service) so a failing dependency is shed
// quickly instead of stalling every caller.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes a breaker. Zero values fall back to the defaults below.
type Config struct {
	MaxFailures      uint32
	Timeout          time.Duration
	HalfOpenMaxCalls uint32
	Logger           *logrus.Entry
	Now              func() time.Time
}

const (
	defaultMaxFailures      = 5
	defaultTimeout          = 30 * time.Second
	defaultHalfOpenMaxCalls = 3
)

// CircuitBreaker trips open after MaxFailures consecutive failures, rejects
// calls for Timeout, then lets HalfOpenMaxCalls probe calls through. Enough
// probe successes close it again; any probe failure reopens it.
type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *logrus.Entry

	mu              sync.Mutex
	state           State
	failures        uint32
	lastFailureTime time.Time
	halfOpenCalls   uint32
	successCount    uint32
	requestCount    uint32
}

// New creates a breaker with default tuning.
func New(name string, maxFailures uint32, timeout time.Duration) *CircuitBreaker {
	return NewWithConfig(name, Config{MaxFailures: maxFailures, Timeout: timeout})
}

func NewWithConfig(name string, cfg Config) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = defaultHalfOpenMaxCalls
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = logrus.NewEntry(l)
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: logger.WithField("circuit_breaker", name),
		state:  StateClosed,
	}
}

// Execute runs fn if the breaker admits the call. Context cancellation by
// the caller is not counted as a failure of the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.admit() {
		return &CircuitBreakerError{Name: cb.name, State: cb.GetState()}
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.onSuccess()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		cb.release()
	default:
		cb.onFailure()
	}
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requestCount++
	cb.advanceLocked()
	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMaxCalls {
			return false
		}
		cb.halfOpenCalls++
		return true
	default:
		return false
	}
}

// advanceLocked moves an open breaker to half-open once the timeout passed.
func (cb *CircuitBreaker) advanceLocked() {
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.lastFailureTime) >= cb.cfg.Timeout {
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.successCount = 0
		cb.logger.WithField("state", StateHalfOpen.String()).Info("Circuit breaker transitioned to half-open")
	}
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.HalfOpenMaxCalls {
			cb.reset()
			cb.logger.WithField("state", StateClosed.String()).Info("Circuit breaker closed after successful recovery")
		}
	case StateClosed:
		cb.failures = 0
		cb.successCount++
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = cb.cfg.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.logger.WithFields(logrus.Fields{
		"failures": cb.failures,
		"state":    StateOpen.String(),
	}).Warn("Circuit breaker opened due to failures")
}

func (cb *CircuitBreaker) reset() {
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
}

// GetState returns the current state, moving open to half-open when due.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		Requests:        cb.requestCount,
		Successes:       cb.successCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

type Stats struct {
	Name            string
	State           State
	Failures        uint32
	Requests        uint32
	Successes       uint32
	LastFailureTime time.Time
}

// CircuitBreakerError is returned when the breaker rejects a call.
type CircuitBreakerError struct {
	Name  string
	State State
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsCircuitBreakerError reports whether err, or anything it wraps, is a
// rejection by a breaker.
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
