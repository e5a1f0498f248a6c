package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

const (
	DefaultLimit  = 2
	DefaultWindow = 5 * time.Second
	DefaultPrefix = "weather-lookup:ratelimit"
)

// Gate decides whether a client may proceed.
type Gate interface {
	Check(ctx context.Context, clientKey string) (models.RateLimitDecision, error)
}

// SlidingWindow keeps a rolling log of checks per key: a check is allowed when no
// more than limit checks, itself included, fall in the window ending now. Every
// check is logged, allowed or not.
type SlidingWindow struct {
	store  Store
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// Option configures a SlidingWindow.
type Option func(*SlidingWindow)

// WithPrefix sets the key prefix shared with other tenants of the store.
func WithPrefix(prefix string) Option {
	return func(s *SlidingWindow) { s.prefix = prefix }
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *SlidingWindow) { s.now = now }
}

// NewSlidingWindow permits at most limit checks per window for each key.
func NewSlidingWindow(store Store, limit int, window time.Duration, opts ...Option) (*SlidingWindow, error) {
	if store == nil {
		return nil, fmt.Errorf("ratelimit: store is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("ratelimit: limit must be positive, got %d", limit)
	}
	if window < time.Millisecond {
		return nil, fmt.Errorf("ratelimit: window must be at least 1ms, got %v", window)
	}
	s := &SlidingWindow{
		store:  store,
		limit:  limit,
		window: window,
		prefix: DefaultPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Check counts one request for clientKey and reports whether it fits the limit.
func (s *SlidingWindow) Check(ctx context.Context, clientKey string) (models.RateLimitDecision, error) {
	hit, err := s.store.Record(ctx, s.key(clientKey), s.now(), s.window, s.limit)
	if err != nil {
		observability.RateLimitStoreErrorsTotal.Inc()
		return models.RateLimitDecision{}, fmt.Errorf("ratelimit check: %w", err)
	}

	remaining := int64(s.limit) - hit.Count
	if remaining < 0 {
		remaining = 0
	}
	decision := models.RateLimitDecision{
		Success:   hit.Count <= int64(s.limit),
		Remaining: int(remaining),
		Limit:     s.limit,
		Reset:     hit.Reset,
	}
	if decision.Success {
		observability.RateLimitDecisionsTotal.WithLabelValues("allowed").Inc()
	} else {
		observability.RateLimitDecisionsTotal.WithLabelValues("denied").Inc()
	}
	return decision, nil
}

// Limit returns the configured number of requests per window.
func (s *SlidingWindow) Limit() int { return s.limit }

// Window returns the configured window length.
func (s *SlidingWindow) Window() time.Duration { return s.window }

func (s *SlidingWindow) key(clientKey string) string {
	return s.prefix + ":" + clientKey
}
