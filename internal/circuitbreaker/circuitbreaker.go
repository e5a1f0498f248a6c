package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker parameters. Zero values take defaults: 5 failures to open,
// 2 half-open successes to close, 30s cool-down.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	// OnStateChange is called after each transition, outside the lock.
	OnStateChange func(from, to State)
}

// CircuitBreaker stops calling a failing dependency for a cool-down period, then lets
// trial calls through in half-open state.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	openedAt    time.Time
	failLimit   int
	successNeed int
	timeout     time.Duration
	onChange    func(from, to State)
	now         func() time.Time
}

// New creates a closed breaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failLimit:   cfg.FailureThreshold,
		successNeed: cfg.SuccessThreshold,
		timeout:     cfg.Timeout,
		onChange:    cfg.OnStateChange,
		now:         time.Now,
	}
}

// Do runs fn unless the breaker is open. Errors from fn count as failures except
// context cancellation by the caller.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if from, to, changed, ok := cb.admit(); !ok {
		return ErrOpen
	} else if changed {
		cb.notify(from, to)
	}

	err := fn(ctx)
	if err != nil && errors.Is(err, context.Canceled) {
		return err
	}

	from, to, changed := cb.record(err == nil)
	if changed {
		cb.notify(from, to)
	}
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) admit() (from, to State, changed, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return cb.state, cb.state, false, true
	}
	if cb.now().Sub(cb.openedAt) < cb.timeout {
		return StateOpen, StateOpen, false, false
	}
	cb.state = StateHalfOpen
	cb.successes = 0
	return StateOpen, StateHalfOpen, true, true
}

func (cb *CircuitBreaker) record(success bool) (from, to State, changed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	from = cb.state

	if !success {
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.failLimit {
			cb.state = StateOpen
			cb.openedAt = cb.now()
			cb.failures = 0
		}
		return from, cb.state, from != cb.state
	}

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.successNeed {
			cb.state = StateClosed
			cb.successes = 0
		}
	}
	return from, cb.state, from != cb.state
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}
