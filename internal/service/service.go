package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/apierror"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/ratelimit"
	"github.com/kjstillabower/weather-lookup-service/internal/traffic"
	"github.com/kjstillabower/weather-lookup-service/internal/validation"
)

// HistoryRecorder schedules a best-effort history write. It must not block.
type HistoryRecorder interface {
	RecordAsync(ctx context.Context, city string)
}

// WeatherService answers weather lookups: credential check, input validation,
// per-client rate limiting, then exactly one upstream call.
type WeatherService struct {
	client        client.WeatherClient
	gate          ratelimit.Gate
	history       HistoryRecorder
	cityMaxLength int
}

// Option configures a WeatherService.
type Option func(*WeatherService)

// WithHistory records each successful lookup through h.
func WithHistory(h HistoryRecorder) Option {
	return func(s *WeatherService) { s.history = h }
}

// WithCityMaxLength overrides the rune limit for city names.
func WithCityMaxLength(n int) Option {
	return func(s *WeatherService) { s.cityMaxLength = n }
}

// NewWeatherService creates a WeatherService. client and gate are required.
func NewWeatherService(c client.WeatherClient, gate ratelimit.Gate, opts ...Option) *WeatherService {
	s := &WeatherService{
		client:        c,
		gate:          gate,
		cityMaxLength: validation.DefaultCityMaxLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lookup resolves current weather for city on behalf of clientKey. The returned error,
// when non-nil, is always an *apierror.Error. The rate-limit decision is returned
// whenever the gate was consulted so callers can expose it in headers.
func (s *WeatherService) Lookup(ctx context.Context, city, clientKey string) (models.WeatherResult, models.RateLimitDecision, error) {
	logger := observability.LoggerFrom(ctx)
	start := time.Now()

	if !s.client.Configured() {
		logger.Error("weather API key not configured")
		return s.fail(apierror.Config(client.ErrMissingAPIKey), models.RateLimitDecision{})
	}

	city, err := validation.ValidateCity(city, s.cityMaxLength)
	if err != nil {
		return s.fail(validationError(err, s.cityMaxLength), models.RateLimitDecision{})
	}

	decision, err := s.gate.Check(ctx, clientKey)
	if err != nil {
		logger.Warn("rate limit store unavailable, allowing request",
			zap.String("client", clientKey),
			zap.Error(err),
		)
		decision = models.RateLimitDecision{Success: true}
	}
	if !decision.Success {
		logger.Info("rate limit exceeded", zap.String("client", clientKey))
		return s.fail(apierror.RateLimited(), decision)
	}

	observability.RecordCityQuery(city)
	result, err := s.client.GetCurrentWeather(ctx, city)
	if err != nil {
		category := client.CategorizeError(err)
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(category)).Inc()
		if errors.Is(err, client.ErrLocationNotFound) {
			logger.Info("city not found", zap.String("city", city))
			return s.fail(apierror.NotFound(city, err), decision)
		}
		logger.Error("weather lookup failed",
			zap.String("city", city),
			zap.String("category", string(category)),
			zap.Error(err),
		)
		return s.fail(apierror.Upstream(fmt.Errorf("fetch weather for %s: %w", city, err)), decision)
	}

	if s.history != nil {
		s.history.RecordAsync(ctx, result.Name)
	}
	observability.WeatherLookupsTotal.WithLabelValues("success").Inc()
	traffic.Record(traffic.Success)
	logger.Debug("weather served",
		zap.String("city", city),
		zap.Duration("duration", time.Since(start)),
	)
	return result, decision, nil
}

func (s *WeatherService) fail(e *apierror.Error, decision models.RateLimitDecision) (models.WeatherResult, models.RateLimitDecision, error) {
	observability.WeatherLookupsTotal.WithLabelValues(resultLabel(e.Kind)).Inc()
	switch e.Kind {
	case apierror.KindRateLimit:
		traffic.Record(traffic.Denied)
	case apierror.KindUpstream, apierror.KindConfig:
		traffic.Record(traffic.Error)
	default:
		traffic.Record(traffic.Success)
	}
	return models.WeatherResult{}, decision, e
}

func validationError(err error, maxLen int) *apierror.Error {
	switch {
	case errors.Is(err, validation.ErrCityTooLong):
		return apierror.Validation(fmt.Sprintf("City name must be at most %d characters", maxLen), err)
	case errors.Is(err, validation.ErrCityInvalidChars):
		return apierror.Validation("City name contains invalid characters", err)
	default:
		return apierror.Validation("", err)
	}
}

func resultLabel(k apierror.Kind) string {
	switch k {
	case apierror.KindValidation:
		return "validation"
	case apierror.KindRateLimit:
		return "rate_limit"
	case apierror.KindNotFound:
		return "not_found"
	case apierror.KindConfig:
		return "config"
	default:
		return "upstream"
	}
}
