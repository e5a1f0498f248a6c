package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// Writer stores a history entry.
type Writer interface {
	Record(ctx context.Context, city string) error
}

// Recorder writes history entries in the background. Failures are logged and counted;
// callers never see them.
type Recorder struct {
	w       Writer
	timeout time.Duration
	logger  *zap.Logger
	breaker *circuitbreaker.CircuitBreaker
	wg      sync.WaitGroup
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithBreaker skips writes while cb is open.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) RecorderOption {
	return func(r *Recorder) { r.breaker = cb }
}

// NewRecorder wraps w. Each write gets its own timeout, independent of the caller.
func NewRecorder(w Writer, timeout time.Duration, logger *zap.Logger, opts ...RecorderOption) *Recorder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{w: w, timeout: timeout, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordAsync schedules a write of city and returns immediately. The write keeps the
// values of ctx (correlation ID, logger) but not its cancellation.
func (r *Recorder) RecordAsync(ctx context.Context, city string) {
	logger := r.logger
	if corrID := observability.CorrelationIDFrom(ctx); corrID != "" {
		logger = logger.With(zap.String("correlation_id", corrID))
	}
	detached := context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(detached, r.timeout)
		defer cancel()

		err := r.write(ctx, city)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			observability.HistoryWritesSkippedTotal.Inc()
			logger.Debug("history write skipped, breaker open", zap.String("city", city))
			return
		}
		if err != nil {
			observability.HistoryWriteFailuresTotal.Inc()
			logger.Warn("failed to record search history",
				zap.String("city", city),
				zap.Error(err),
			)
			return
		}
		logger.Debug("search history recorded", zap.String("city", city))
	}()
}

func (r *Recorder) write(ctx context.Context, city string) error {
	if r.breaker == nil {
		return r.w.Record(ctx, city)
	}
	return r.breaker.Do(ctx, func(ctx context.Context) error {
		return r.w.Record(ctx, city)
	})
}

// Wait blocks until pending writes finish or ctx is done.
func (r *Recorder) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
