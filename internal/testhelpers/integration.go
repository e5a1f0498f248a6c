//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/ratelimit"
	"github.com/kjstillabower/weather-lookup-service/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey        string
	APIURL        string
	StoreBackend  string // "in_memory", "redis" or "memcached"
	RedisAddr     string
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if no OpenWeatherMap key is set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	apiKey := os.Getenv("OPENWEATHER_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("WEATHER_API_KEY")
	}
	if apiKey == "" {
		t.Skip("OPENWEATHER_API_KEY not set, skipping integration test")
	}

	apiURL := os.Getenv("WEATHER_API_URL")
	if apiURL == "" {
		apiURL = client.DefaultAPIURL
	}
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		APIKey:        apiKey,
		APIURL:        apiURL,
		StoreBackend:  os.Getenv("INTEGRATION_STORE_BACKEND"),
		RedisAddr:     redisAddr,
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationStore returns the configured counter store, falling back to memory
// when the backend is unreachable. The cleanup func closes any network client.
func SetupIntegrationStore(t *testing.T, cfg IntegrationTestConfig) (ratelimit.Store, func()) {
	switch cfg.StoreBackend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rs, err := ratelimit.NewRedisStore(ctx, ratelimit.RedisOptions{Addr: cfg.RedisAddr})
		if err == nil {
			t.Logf("Using Redis store at %s", cfg.RedisAddr)
			return rs, func() { _ = rs.Close() }
		}
		t.Logf("Redis not available (%v), using in-memory store", err)
	case "memcached":
		ms, err := ratelimit.NewMemcachedStore(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil {
			if pingErr := ms.Ping(context.Background()); pingErr == nil {
				t.Logf("Using Memcached store at %s", cfg.MemcachedAddr)
				return ms, func() { _ = ms.Close() }
			}
			_ = ms.Close()
		}
		t.Logf("Memcached not available, using in-memory store")
	}
	return ratelimit.NewInMemoryStore(), func() {}
}

// SetupIntegrationService creates a service against the live upstream. Each call uses a
// fresh key prefix so runs do not share counters.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.WeatherService, func()) {
	weatherClient := SetupIntegrationClient(t, cfg)
	store, cleanup := SetupIntegrationStore(t, cfg)

	prefix := "weather-lookup:it:" + time.Now().Format("150405.000000000")
	gate, err := ratelimit.NewSlidingWindow(store, ratelimit.DefaultLimit, ratelimit.DefaultWindow, ratelimit.WithPrefix(prefix))
	if err != nil {
		cleanup()
		t.Fatalf("NewSlidingWindow() error = %v", err)
	}
	return service.NewWeatherService(weatherClient, gate), cleanup
}

// SetupIntegrationClient creates a weather client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) client.WeatherClient {
	c, err := client.NewOpenWeatherClient(cfg.APIKey, cfg.APIURL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}
