package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/weather-lookup-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeatherMap call rate by outcome.
	WeatherAPICallsTotal *prometheus.CounterVec

	// OpenWeatherMap latency. Watch for: p99 approaching weather_api.timeout.
	WeatherAPIDuration *prometheus.HistogramVec

	// Upstream failures by category (see client.CategorizeError).
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Weather lookups by result kind (success, validation, rate_limit, not_found, upstream, config).
	WeatherLookupsTotal *prometheus.CounterVec

	// Per-city query count (allow-list; others go to "other").
	WeatherQueriesByCityTotal *prometheus.CounterVec

	// Per-client gate decisions. Watch for: denied share growing.
	RateLimitDecisionsTotal *prometheus.CounterVec

	// Gate store failures; each one is a fail-open request.
	RateLimitStoreErrorsTotal prometheus.Counter

	// Global token bucket denials (load shedding).
	GlobalRateLimitDeniedTotal prometheus.Counter

	// History service calls by operation and outcome.
	HistoryRequestsTotal *prometheus.CounterVec

	// History retries scheduled by the backoff policy. Watch for: unstable history service.
	HistoryRetriesTotal prometheus.Counter

	// History reads that used the full attempt budget.
	HistoryExhaustedTotal prometheus.Counter

	// Best-effort history writes that failed (logged, never surfaced).
	HistoryWriteFailuresTotal prometheus.Counter

	// History writes dropped while the write breaker was open.
	HistoryWritesSkippedTotal prometheus.Counter

	// Write breaker state: 0=closed, 1=open, 2=half_open.
	HistoryBreakerState prometheus.Gauge

	trackedCitiesMu sync.RWMutex
	trackedCities   map[string]struct{}

	trafficGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiErrorsTotal",
			Help: "OpenWeatherMap failures by category",
		},
		[]string{"category"},
	)
	WeatherLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherLookupsTotal",
			Help: "Weather lookups by result",
		},
		[]string{"result"},
	)
	WeatherQueriesByCityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesByCityTotal",
			Help: "Weather queries by city (allow-list; others use city=other)",
		},
		[]string{"city"},
	)
	RateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rateLimitDecisionsTotal",
			Help: "Per-client sliding window decisions",
		},
		[]string{"result"},
	)
	RateLimitStoreErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitStoreErrorsTotal",
			Help: "Rate limit store errors (request allowed)",
		},
	)
	GlobalRateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "globalRateLimitDeniedTotal",
			Help: "Requests denied by the global token bucket (429)",
		},
	)
	HistoryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "historyRequestsTotal",
			Help: "History service calls by operation and outcome",
		},
		[]string{"operation", "status"},
	)
	HistoryRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "historyRetriesTotal",
			Help: "Retries scheduled for history service reads",
		},
	)
	HistoryExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "historyExhaustedTotal",
			Help: "History reads that failed after every attempt",
		},
	)
	HistoryWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "historyWriteFailuresTotal",
			Help: "Best-effort history writes that failed",
		},
	)
	HistoryWritesSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "historyWritesSkippedTotal",
			Help: "History writes skipped because the write breaker was open",
		},
	)
	HistoryBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "historyBreakerState",
			Help: "History write breaker state (0=closed, 1=open, 2=half_open)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIErrorsTotal,
		WeatherLookupsTotal, WeatherQueriesByCityTotal,
		RateLimitDecisionsTotal, RateLimitStoreErrorsTotal, GlobalRateLimitDeniedTotal,
		HistoryRequestsTotal, HistoryRetriesTotal, HistoryExhaustedTotal, HistoryWriteFailuresTotal,
		HistoryWritesSkippedTotal, HistoryBreakerState,
	)
}

// RegisterTrafficGauges exposes lookup volume and denials over a sliding window.
// Call once from main after config load.
func RegisterTrafficGauges(window time.Duration) {
	trafficGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "lookupsInWindow",
					Help: "Weather lookups (success + error + denied) in sliding window",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// SetTrackedCities sets the allow-list for per-city metrics. Other cities increment "other".
func SetTrackedCities(cities []string) {
	trackedCitiesMu.Lock()
	defer trackedCitiesMu.Unlock()
	trackedCities = make(map[string]struct{}, len(cities))
	for _, c := range cities {
		trackedCities[normalizeCityForMetrics(c)] = struct{}{}
	}
}

// RecordCityQuery counts a lookup under the city label, bounded by the allow-list.
func RecordCityQuery(city string) {
	c := normalizeCityForMetrics(city)
	trackedCitiesMu.RLock()
	_, ok := trackedCities[c]
	trackedCitiesMu.RUnlock()
	if !ok {
		c = "other"
	}
	WeatherQueriesByCityTotal.WithLabelValues(c).Inc()
}

func normalizeCityForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
