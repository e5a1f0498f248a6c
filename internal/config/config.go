package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/weather-lookup-service/internal/backoff"
)

// Rate limit store backends.
const (
	BackendInMemory  = "in_memory"
	BackendRedis     = "redis"
	BackendMemcached = "memcached"
)

// Config holds service configuration loaded from .env, YAML and env.
type Config struct {
	ServerPort string

	// WeatherAPIKey may be empty; lookups then fail with a config error.
	WeatherAPIKey     string
	WeatherAPIURL     string
	WeatherAPITimeout time.Duration

	RequestTimeout time.Duration

	RateLimitBackend string
	RateLimitLimit   int
	RateLimitWindow  time.Duration
	RateLimitPrefix  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	// GlobalRPS of 0 disables global load shedding.
	GlobalRPS   int
	GlobalBurst int

	HistoryURL          string
	HistoryTimeout      time.Duration
	HistoryWriteTimeout time.Duration
	HistoryBackoff      backoff.Policy

	// HistoryBreakerFailures of 0 disables the write breaker.
	HistoryBreakerFailures  int
	HistoryBreakerSuccesses int
	HistoryBreakerTimeout   time.Duration

	CityMaxLength int

	ShutdownTimeout time.Duration
	InFlightTimeout time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int

	TrackedCities []string
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	RateLimit struct {
		Backend string `yaml:"backend"`
		Limit   int    `yaml:"limit"`
		Window  string `yaml:"window"`
		Prefix  string `yaml:"prefix"`
		Redis   struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			TLS      bool   `yaml:"tls"`
		} `yaml:"redis"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"rate_limit"`

	Reliability struct {
		GlobalRPS   *int `yaml:"global_rps"`
		GlobalBurst int  `yaml:"global_burst"`
	} `yaml:"reliability"`

	History struct {
		URL          string `yaml:"url"`
		Timeout      string `yaml:"timeout"`
		WriteTimeout string `yaml:"write_timeout"`
		Backoff      struct {
			StartingDelay string  `yaml:"starting_delay"`
			TimeMultiple  float64 `yaml:"time_multiple"`
			MaxDelay      string  `yaml:"max_delay"`
			NumOfAttempts int     `yaml:"num_of_attempts"`
			Jitter        string  `yaml:"jitter"`
		} `yaml:"backoff"`
		Breaker struct {
			FailureThreshold *int   `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"breaker"`
	} `yaml:"history"`

	Validation struct {
		CityMaxLength int `yaml:"city_max_length"`
	} `yaml:"validation"`

	Shutdown struct {
		Timeout         string `yaml:"timeout"`
		InFlightTimeout string `yaml:"in_flight_timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Metrics struct {
		TrackedCities []string `yaml:"tracked_cities"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
	RedisPassword string `yaml:"redis_password"`
}

// Load reads an optional .env, then config/{ENV_NAME}.yaml (default dev) and the optional
// config/secrets.yaml. Environment variables win over files. Call from project root.
// A missing API key is not an error.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	sec, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")

	cfg.WeatherAPIKey = firstNonEmpty(os.Getenv("OPENWEATHER_API_KEY"), os.Getenv("WEATHER_API_KEY"), sec.WeatherAPIKey)
	cfg.WeatherAPIURL = firstNonEmpty(fc.WeatherAPI.URL, "https://api.openweathermap.org/data/2.5/weather")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)

	cfg.RateLimitBackend = strings.ToLower(firstNonEmpty(
		strings.TrimSpace(os.Getenv("RATE_LIMIT_BACKEND")),
		strings.TrimSpace(fc.RateLimit.Backend),
		BackendInMemory,
	))
	cfg.RateLimitLimit = fc.RateLimit.Limit
	if cfg.RateLimitLimit <= 0 {
		cfg.RateLimitLimit = 2
	}
	cfg.RateLimitWindow = parseDuration(fc.RateLimit.Window, 5*time.Second)
	cfg.RateLimitPrefix = firstNonEmpty(strings.TrimSpace(fc.RateLimit.Prefix), "weather-lookup:ratelimit")

	cfg.RedisAddr = firstNonEmpty(strings.TrimSpace(os.Getenv("REDIS_ADDR")), strings.TrimSpace(fc.RateLimit.Redis.Addr), "localhost:6379")
	cfg.RedisPassword = firstNonEmpty(os.Getenv("REDIS_PASSWORD"), sec.RedisPassword, fc.RateLimit.Redis.Password)
	cfg.RedisDB = fc.RateLimit.Redis.DB
	cfg.RedisTLS = fc.RateLimit.Redis.TLS

	cfg.MemcachedAddrs = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")), strings.TrimSpace(fc.RateLimit.Memcached.Addrs), "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.RateLimit.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.RateLimit.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.GlobalRPS = 100
	if fc.Reliability.GlobalRPS != nil {
		cfg.GlobalRPS = *fc.Reliability.GlobalRPS
	}
	cfg.GlobalBurst = fc.Reliability.GlobalBurst
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = 250
	}

	cfg.HistoryURL = firstNonEmpty(strings.TrimSpace(os.Getenv("HISTORY_API_URL")), strings.TrimSpace(fc.History.URL))
	cfg.HistoryTimeout = parseDuration(fc.History.Timeout, 5*time.Second)
	cfg.HistoryWriteTimeout = parseDuration(fc.History.WriteTimeout, 5*time.Second)
	cfg.HistoryBackoff = backoffPolicy(fc)
	cfg.HistoryBreakerFailures = 5
	if fc.History.Breaker.FailureThreshold != nil {
		cfg.HistoryBreakerFailures = *fc.History.Breaker.FailureThreshold
	}
	cfg.HistoryBreakerSuccesses = fc.History.Breaker.SuccessThreshold
	if cfg.HistoryBreakerSuccesses <= 0 {
		cfg.HistoryBreakerSuccesses = 2
	}
	cfg.HistoryBreakerTimeout = parseDuration(fc.History.Breaker.Timeout, 30*time.Second)

	cfg.CityMaxLength = fc.Validation.CityMaxLength
	if cfg.CityMaxLength <= 0 {
		cfg.CityMaxLength = 100
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.InFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)

	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}
	cfg.TrackedCities = fc.Metrics.TrackedCities

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func backoffPolicy(fc fileConfig) backoff.Policy {
	p := backoff.DefaultPolicy()
	b := fc.History.Backoff
	p.StartingDelay = parseDuration(b.StartingDelay, p.StartingDelay)
	p.MaxDelay = parseDuration(b.MaxDelay, p.MaxDelay)
	if b.TimeMultiple > 0 {
		p.TimeMultiple = b.TimeMultiple
	}
	if b.NumOfAttempts > 0 {
		p.NumOfAttempts = b.NumOfAttempts
	}
	if j := strings.TrimSpace(strings.ToLower(b.Jitter)); j != "" {
		p.Jitter = backoff.Jitter(j)
	}
	return p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is for validate to reject.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate rejects unusable values and raises RequestTimeout above the upstream timeout.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	switch cfg.RateLimitBackend {
	case BackendInMemory, BackendRedis, BackendMemcached:
	default:
		return fmt.Errorf("rate_limit.backend must be in_memory, redis or memcached, got %q", cfg.RateLimitBackend)
	}
	if cfg.GlobalRPS < 0 {
		return fmt.Errorf("reliability.global_rps must not be negative, got %d", cfg.GlobalRPS)
	}
	if cfg.HistoryBreakerFailures < 0 {
		return fmt.Errorf("history.breaker.failure_threshold must not be negative, got %d", cfg.HistoryBreakerFailures)
	}
	if err := cfg.HistoryBackoff.Validate(); err != nil {
		return fmt.Errorf("history.backoff: %w", err)
	}
	return nil
}
