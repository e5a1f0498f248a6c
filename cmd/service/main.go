package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-lookup-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/config"
	"github.com/kjstillabower/weather-lookup-service/internal/history"
	httphandler "github.com/kjstillabower/weather-lookup-service/internal/http"
	"github.com/kjstillabower/weather-lookup-service/internal/lifecycle"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/ratelimit"
	"github.com/kjstillabower/weather-lookup-service/internal/service"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = observability.Flush(logger) }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	weatherClient, err := client.NewOpenWeatherClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, cfg.WeatherAPITimeout)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	if !weatherClient.Configured() {
		logger.Warn("OPENWEATHER_API_KEY not set; weather lookups will fail until it is configured")
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	store, storeCloser, storePing, err := newStore(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal("rate limit store", zap.Error(err))
	}
	gate, err := ratelimit.NewSlidingWindow(store, cfg.RateLimitLimit, cfg.RateLimitWindow, ratelimit.WithPrefix(cfg.RateLimitPrefix))
	if err != nil {
		logger.Fatal("rate limiter", zap.Error(err))
	}
	logger.Info("rate limiter ready",
		zap.String("backend", cfg.RateLimitBackend),
		zap.Int("limit", cfg.RateLimitLimit),
		zap.Duration("window", cfg.RateLimitWindow))

	historyClient, err := history.NewClient(cfg.HistoryURL, cfg.HistoryTimeout, cfg.HistoryBackoff)
	if err != nil {
		logger.Fatal("history client", zap.Error(err))
	}
	var recorderOpts []history.RecorderOption
	if cfg.HistoryBreakerFailures > 0 {
		breaker := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.HistoryBreakerFailures,
			SuccessThreshold: cfg.HistoryBreakerSuccesses,
			Timeout:          cfg.HistoryBreakerTimeout,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.HistoryBreakerState.Set(float64(to))
				logger.Warn("history write breaker state change",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		recorderOpts = append(recorderOpts, history.WithBreaker(breaker))
	}
	recorder := history.NewRecorder(historyClient, cfg.HistoryWriteTimeout, logger, recorderOpts...)

	opts := []service.Option{service.WithCityMaxLength(cfg.CityMaxLength)}
	if historyClient.Enabled() {
		opts = append(opts, service.WithHistory(recorder))
		logger.Info("history service enabled", zap.String("url", cfg.HistoryURL))
	} else {
		logger.Info("history service disabled")
	}
	weatherService := service.NewWeatherService(weatherClient, gate, opts...)

	healthConfig := &httphandler.HealthConfig{
		APIKeyConfigured: weatherClient.Configured,
		StorePing:        storePing,
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
	}
	handler := httphandler.NewHandler(weatherService, historyClient, healthConfig, logger)

	observability.RegisterTrafficGauges(cfg.DegradedWindow)
	if len(cfg.TrackedCities) > 0 {
		observability.SetTrackedCities(cfg.TrackedCities)
	}

	var limiter *rate.Limiter
	if cfg.GlobalRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst)
	}
	router := httphandler.NewRouter(handler, logger, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		GlobalLimiter:  limiter,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.BeginDrain(time.Now())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}
	if err := recorder.Wait(waitCtx); err != nil {
		logger.Warn("pending history writes not completed", zap.Error(err))
	}

	cancelRoot()
	if storeCloser != nil {
		if err := storeCloser.Close(); err != nil {
			logger.Error("rate limit store close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// newStore builds the configured counter store. Network backends that cannot be reached
// at startup are an error; runtime failures fail open in the gate.
func newStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ratelimit.Store, io.Closer, func(context.Context) error, error) {
	switch cfg.RateLimitBackend {
	case config.BackendRedis:
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rs, err := ratelimit.NewRedisStore(dialCtx, ratelimit.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TLS:      cfg.RedisTLS,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("redis rate limit store: %w", err)
		}
		logger.Info("rate limit store: redis", zap.String("addr", cfg.RedisAddr))
		return rs, rs, rs.Ping, nil
	case config.BackendMemcached:
		ms, err := ratelimit.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("memcached rate limit store: %w", err)
		}
		logger.Info("rate limit store: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return ms, ms, ms.Ping, nil
	default:
		ms := ratelimit.NewInMemoryStore()
		ms.StartJanitor(ctx, cfg.RateLimitWindow*2)
		logger.Info("rate limit store: in_memory")
		return ms, nil, nil, nil
	}
}
