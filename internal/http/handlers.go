package http

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/apierror"
	"github.com/kjstillabower/weather-lookup-service/internal/backoff"
	"github.com/kjstillabower/weather-lookup-service/internal/history"
	"github.com/kjstillabower/weather-lookup-service/internal/lifecycle"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/ratelimit"
	"github.com/kjstillabower/weather-lookup-service/internal/traffic"
)

// WeatherLookup is the weather proxy operation behind GET /api/weather.
type WeatherLookup interface {
	Lookup(ctx context.Context, city, clientKey string) (models.WeatherResult, models.RateLimitDecision, error)
}

// HistoryService is the subset of the history client used by the proxy routes.
type HistoryService interface {
	Enabled() bool
	List(ctx context.Context) ([]models.HistoryEntry, error)
	Delete(ctx context.Context, id int) error
}

// HealthConfig holds the inputs for GET /health.
type HealthConfig struct {
	// APIKeyConfigured reports whether the upstream credential is set.
	APIKeyConfigured func() bool
	// StorePing, when set, checks rate limit store reachability.
	StorePing        func(ctx context.Context) error
	DegradedWindow   time.Duration
	DegradedErrorPct int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather          WeatherLookup
	history          HistoryService
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. history may be nil when no history service is configured.
func NewHandler(weather WeatherLookup, history HistoryService, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		weather:      weather,
		history:      history,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// GetWeather handles GET /api/weather?city=.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	city := r.URL.Query().Get("city")
	clientKey := ratelimit.ClientKey(r)

	result, decision, err := h.weather.Lookup(r.Context(), city, clientKey)
	setRateLimitHeaders(w, decision, time.Now())
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetHistory handles GET /api/history.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil || !h.history.Enabled() {
		writeError(w, http.StatusServiceUnavailable, history.MsgNotConfigured)
		return
	}
	logger := observability.LoggerFrom(r.Context())

	entries, err := h.history.List(r.Context())
	if err != nil {
		// A request deadline hit mid-retry is the same outcome as a spent budget.
		if backoff.IsExhausted(err) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			logger.Error("all retry attempts failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, history.MsgBusy)
			return
		}
		logger.Error("fetch search history failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, history.MsgFetchFailed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    entries,
		"count":   len(entries),
	})
}

// DeleteHistory handles DELETE /api/history/{id}.
func (h *Handler) DeleteHistory(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid history id")
		return
	}
	if h.history == nil || !h.history.Enabled() {
		writeError(w, http.StatusServiceUnavailable, history.MsgNotConfigured)
		return
	}
	if err := h.history.Delete(r.Context(), id); err != nil {
		observability.LoggerFrom(r.Context()).Error("delete search history failed",
			zap.Int("id", id),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, history.MsgDeleteFailed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result, checks := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	body := map[string]interface{}{
		"status":    result.status,
		"service":   observability.ServiceName,
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if since := lifecycle.DrainStarted(); !since.IsZero() {
		body["drainingSince"] = since.UTC().Format(time.RFC3339)
	}
	writeJSON(w, result.statusCode, body)
}

// computeHealthStatus evaluates, in order: shutting-down, API key, store reachability,
// error rate. The first failing condition decides the status.
func (h *Handler) computeHealthStatus(ctx context.Context) (healthResult, map[string]string) {
	checks := map[string]string{}
	if h.history != nil && h.history.Enabled() {
		checks["history"] = "enabled"
	} else {
		checks["history"] = "disabled"
	}

	if lifecycle.Draining() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}, checks
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}, checks
	}

	result := healthResult{"healthy", http.StatusOK, ""}
	degrade := func(reason string) {
		if result.status == "healthy" {
			result = healthResult{"degraded", http.StatusServiceUnavailable, reason}
		}
	}

	if h.healthConfig.APIKeyConfigured != nil {
		if h.healthConfig.APIKeyConfigured() {
			checks["weatherApi"] = "healthy"
		} else {
			checks["weatherApi"] = "unhealthy"
			degrade("api_key_missing")
		}
	}
	if h.healthConfig.StorePing != nil {
		if err := h.healthConfig.StorePing(ctx); err != nil {
			checks["rateLimitStore"] = "unhealthy"
			degrade("store_unreachable")
		} else {
			checks["rateLimitStore"] = "healthy"
		}
	}
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 && float64(errs)*100/float64(total) >= float64(h.healthConfig.DegradedErrorPct) {
			checks["errorRate"] = "unhealthy"
			degrade("error_rate_breach")
		} else {
			checks["errorRate"] = "healthy"
		}
	}
	return result, checks
}

// setRateLimitHeaders exposes the per-client decision. A zero Limit means the gate was
// not consulted (or failed open) and no headers are written.
func setRateLimitHeaders(w http.ResponseWriter, d models.RateLimitDecision, now time.Time) {
	if d.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Success {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.Reset, now)))
	}
}

func retryAfterSeconds(reset, now time.Time) int {
	secs := int(math.Ceil(reset.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": message}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAPIError maps err to its status and public message. Causes are logged, never sent.
func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierror.As(err)
	if cause := errors.Unwrap(apiErr); cause != nil {
		observability.LoggerFrom(r.Context()).Debug("weather request failed",
			zap.String("kind", apiErr.Kind.String()),
			zap.Error(cause),
		)
	}
	writeError(w, apiErr.StatusCode(), apiErr.Message)
}
