package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// Jitter selects how the computed delay is randomized.
type Jitter string

const (
	JitterFull Jitter = "full" // uniform in [0, delay)
	JitterNone Jitter = "none"
)

// Policy configures Retry. The zero value is not useful; start from DefaultPolicy.
type Policy struct {
	StartingDelay     time.Duration
	TimeMultiple      float64
	MaxDelay          time.Duration
	NumOfAttempts     int
	Jitter            Jitter
	DelayFirstAttempt bool

	// Retryable decides whether err from the given attempt (1-based) may be retried.
	// Nil means DefaultRetryable.
	Retryable func(err error, attempt int) bool

	// OnRetry, when set, is called before each wait with the failed attempt and the sampled delay.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultPolicy is 5 attempts, 300ms doubling up to 5s, full jitter.
func DefaultPolicy() Policy {
	return Policy{
		StartingDelay: 300 * time.Millisecond,
		TimeMultiple:  2,
		MaxDelay:      5 * time.Second,
		NumOfAttempts: 5,
		Jitter:        JitterFull,
	}
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

// DefaultRetryable treats 4xx as terminal except 408 and 429. Everything else is retried.
func DefaultRetryable(err error, _ int) bool {
	status := StatusOf(err)
	if status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return false
	}
	return true
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("exhausted %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err came from an exhausted retry budget.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// Delay returns the pre-jitter wait after n retries have already been scheduled:
// min(MaxDelay, StartingDelay * TimeMultiple^n).
func (p Policy) Delay(n int) time.Duration {
	d := float64(p.StartingDelay) * math.Pow(p.TimeMultiple, float64(n))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Sample applies the jitter mode to Delay(n).
func (p Policy) Sample(n int) time.Duration {
	d := p.Delay(n)
	if p.Jitter != JitterFull || d <= 0 {
		return d
	}
	return time.Duration(rand.Int63n(int64(d)))
}

// Validate reports configuration errors.
func (p Policy) Validate() error {
	if p.NumOfAttempts < 1 {
		return fmt.Errorf("backoff: num_of_attempts must be >= 1, got %d", p.NumOfAttempts)
	}
	if p.StartingDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("backoff: delays must not be negative")
	}
	if p.TimeMultiple < 1 {
		return fmt.Errorf("backoff: time_multiple must be >= 1, got %v", p.TimeMultiple)
	}
	switch p.Jitter {
	case JitterFull, JitterNone:
	default:
		return fmt.Errorf("backoff: jitter must be full or none, got %q", p.Jitter)
	}
	return nil
}

// Retry runs op until it succeeds, fails terminally, or the attempt budget runs out.
// The wait before retry n (n=1..) is Sample(n-1), so the defaults give 300ms, 600ms,
// 1.2s, 2.4s; with DelayFirstAttempt the first attempt waits Sample(0) and retry n
// waits Sample(n). Waits return early with ctx.Err() when ctx is done.
func Retry[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.NumOfAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	if p.DelayFirstAttempt {
		if err := wait(ctx, p.Sample(0)); err != nil {
			return zero, err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, err
		}
		if !retryable(err, attempt) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		n := attempt - 1
		if p.DelayFirstAttempt {
			n = attempt
		}
		delay := p.Sample(n)
		if p.OnRetry != nil {
			p.OnRetry(err, attempt, delay)
		}
		if err := wait(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, &ExhaustedError{Attempts: attempts, Err: lastErr}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
