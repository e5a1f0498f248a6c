package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

func TestMiddleware_CorrelationIDGenerated(t *testing.T) {
	var ctxID string
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		ctxID = observability.CorrelationIDFrom(r.Context())
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	header := w.Header().Get("X-Correlation-ID")
	if header == "" {
		t.Fatal("X-Correlation-ID header missing")
	}
	if len(header) != 36 {
		t.Errorf("generated id %q is not a UUID", header)
	}
	if ctxID != header {
		t.Errorf("context id = %q, header = %q", ctxID, header)
	}
}

func TestMiddleware_CorrelationIDPropagated(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.New(core)))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		observability.LoggerFrom(r.Context()).Info("inside handler")
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Correlation-ID", "client-provided-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
	entries := logs.FilterMessage("inside handler").All()
	if len(entries) != 1 || entries[0].ContextMap()["correlation_id"] != "client-provided-id" {
		t.Errorf("request logger missing correlation_id: %v", entries)
	}
}

func TestMiddleware_MetricsUsesRouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/api/history/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	counter := observability.HTTPRequestsTotal.WithLabelValues(http.MethodDelete, "/api/history/{id}", "5xx")
	before := testutil.ToFloat64(counter)
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/api/history/17", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/api/history/18", nil))

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("httpRequestsTotal{route=/api/history/{id},5xx} delta = %v, want 2", got)
	}
}

func TestMiddleware_MetricsTracksInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	})

	base := InFlightCount()
	done := make(chan struct{})
	go func() {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil))
		close(done)
	}()
	<-entered
	if got := InFlightCount() - base; got != 1 {
		t.Errorf("in-flight delta = %d, want 1", got)
	}
	close(release)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if base == 0 {
		if err := WaitForInFlight(ctx, time.Millisecond); err != nil {
			t.Errorf("WaitForInFlight() error = %v", err)
		}
	}
}

func TestTimeoutMiddleware_CancelsContextAfterTimeout(t *testing.T) {
	lookup := &fakeLookup{block: make(chan struct{})}
	defer close(lookup.block)
	h := NewHandler(lookup, nil, nil, zap.NewNop())

	router := mux.NewRouter()
	router.Use(TimeoutMiddleware(50 * time.Millisecond))
	router.HandleFunc("/api/weather", h.GetWeather)

	w := httptest.NewRecorder()
	start := time.Now()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/weather?city=Toronto", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 (timeout is an upstream failure)", w.Code)
	}
	if time.Since(start) > time.Second {
		t.Error("request was not bounded by the timeout")
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	limiter := rate.NewLimiter(1, 2)
	router := mux.NewRouter()
	router.Use(RateLimitMiddleware(limiter))
	router.HandleFunc("/api/weather", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	before := testutil.ToFloat64(observability.GlobalRateLimitDeniedTotal)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/weather", nil))

		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
			continue
		}
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 429", i, w.Code)
		}
		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode 429 response: %v", err)
		}
		if body["error"] != "too many requests, try later." {
			t.Errorf("error = %q", body["error"])
		}
	}
	if got := testutil.ToFloat64(observability.GlobalRateLimitDeniedTotal) - before; got != 1 {
		t.Errorf("global denials counted = %v, want 1", got)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	router := mux.NewRouter()
	router.Use(RateLimitMiddleware(nil))
	router.HandleFunc("/api/weather", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/weather", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200 (nil limiter should allow)", i, w.Code)
		}
	}
}

func TestNewRouter_Routes(t *testing.T) {
	lookup := &fakeLookup{result: toronto(), decision: models.RateLimitDecision{Success: true, Remaining: 1, Limit: 2}}
	hist := &fakeHistory{enabled: true}
	h := NewHandler(lookup, hist, nil, zap.NewNop())
	router := NewRouter(h, zap.NewNop(), RouterConfig{RequestTimeout: time.Second})

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/weather?city=Toronto", 200},
		{http.MethodGet, "/api/history", 200},
		{http.MethodDelete, "/api/history/5", 200},
		{http.MethodGet, "/health", 200},
		{http.MethodGet, "/metrics", 200},
		{http.MethodPost, "/api/weather", 405},
		{http.MethodGet, "/api/unknown", 404},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
	if len(hist.deleted) != 1 || hist.deleted[0] != 5 {
		t.Errorf("deleted = %v, want [5]", hist.deleted)
	}
}

func TestNewRouter_GlobalLimiterOnlyOnAPI(t *testing.T) {
	h := NewHandler(&fakeLookup{result: toronto()}, nil, nil, zap.NewNop())
	router := NewRouter(h, zap.NewNop(), RouterConfig{GlobalLimiter: rate.NewLimiter(rate.Every(time.Hour), 1)})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/weather?city=Toronto", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/weather?city=Toronto", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID missing on shed response")
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200 (not shed)", w.Code)
	}
}
