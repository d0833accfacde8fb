package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - reset timeout elapsed, trial requests are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open after the last failure
	// before a trial request is let through
	ResetTimeout time.Duration
	// IsFailure decides whether an error returned through Execute counts
	// against the breaker. Defaults to every error except not_found and
	// context cancellation.
	IsFailure func(err error) bool
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(name string, from CircuitState, to CircuitState)
	// Clock overrides time.Now, mainly for tests
	Clock func() time.Time
	// Logger defaults to the global logger
	Logger *logging.Logger
}

// Snapshot is a point-in-time copy of the breaker state
type Snapshot struct {
	Name             string        `json:"name"`
	State            CircuitState  `json:"-"`
	StateName        string        `json:"state"`
	FailureCount     int           `json:"failure_count"`
	FailureThreshold int           `json:"failure_threshold"`
	LastFailure      time.Time     `json:"last_failure,omitempty"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
}

// CircuitBreaker counts consecutive failures against a remote dependency.
// Closed -> open once the count reaches the threshold; open -> half-open once
// the reset timeout has passed since the last failure. In half-open a
// success closes the circuit and a failure re-opens it with a fresh timer.
// Concurrent trial requests are allowed while half-open.
type CircuitBreaker struct {
	name          string
	threshold     int
	resetTimeout  time.Duration
	isFailure     func(err error) bool
	onStateChange func(name string, from CircuitState, to CircuitState)
	now           func() time.Time

	mutex        sync.Mutex
	state        CircuitState
	failureCount int
	lastFailure  time.Time

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          config.Name,
		threshold:     config.FailureThreshold,
		resetTimeout:  config.ResetTimeout,
		isFailure:     config.IsFailure,
		onStateChange: config.OnStateChange,
		now:           config.Clock,
		logger:        config.Logger,
		state:         StateClosed,
	}

	if cb.threshold <= 0 {
		cb.threshold = 5
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = 60 * time.Second
	}
	if cb.isFailure == nil {
		cb.isFailure = defaultIsFailure
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	if cb.logger == nil {
		cb.logger = logging.GetLogger()
	}

	return cb
}

func defaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	if apperrors.IsNotFound(err) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// AllowRequest reports whether a call to the remote may be attempted.
// It returns false only while the circuit is open and the reset timeout
// has not elapsed. Once it has, the circuit moves to half-open and the
// call is a trial whose outcome must be reported.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.currentState(cb.now()) != StateOpen
}

// RecordSuccess resets the failure count and closes the circuit
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount = 0
	cb.setState(StateClosed)
}

// RecordFailure counts a failure and opens the circuit when the threshold
// is reached or when a half-open trial request fails
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state := cb.currentState(now)

	cb.failureCount++
	cb.lastFailure = now

	switch state {
	case StateHalfOpen:
		cb.setState(StateOpen)
	case StateClosed:
		if cb.failureCount >= cb.threshold {
			cb.setState(StateOpen)
		}
	}
}

// Execute runs fn if the circuit allows it and records the outcome.
// A rejected call returns a remote_unavailable error wrapping a
// *CircuitBreakerError.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.AllowRequest() {
		return apperrors.NewRemoteUnavailableError(cb.name, "circuit breaker is open").
			WithCause(&CircuitBreakerError{Name: cb.name, State: StateOpen})
	}

	defer func() {
		if r := recover(); r != nil {
			cb.RecordFailure()
			panic(r)
		}
	}()

	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case cb.isFailure(err):
		cb.RecordFailure()
	}
	return err
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.currentState(cb.now())
}

// Snapshot returns a copy of the breaker state
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state := cb.currentState(cb.now())
	return Snapshot{
		Name:             cb.name,
		State:            state,
		StateName:        state.String(),
		FailureCount:     cb.failureCount,
		FailureThreshold: cb.threshold,
		LastFailure:      cb.lastFailure,
		ResetTimeout:     cb.resetTimeout,
	}
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) currentState(now time.Time) CircuitState {
	if cb.state == StateOpen && now.Sub(cb.lastFailure) >= cb.resetTimeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state CircuitState) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", prev.String(),
		"to", state.String(),
		"failure_count", cb.failureCount,
	)
}

// CircuitBreakerError represents an error when the circuit breaker is open
type CircuitBreakerError struct {
	Name  string
	State CircuitState
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State.String())
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
