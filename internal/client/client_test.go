package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

const testAPIKey = "test-api-key-12345"

func torontoPayload() map[string]interface{} {
	return map[string]interface{}{
		"name": "Toronto",
		"main": map[string]interface{}{
			"temp":       3.4,
			"humidity":   81,
			"feels_like": -0.6,
		},
		"weather": []map[string]interface{}{
			{"main": "Clouds", "description": "overcast clouds", "icon": "04n"},
			{"main": "Mist", "description": "mist", "icon": "50n"},
		},
		"wind":     map[string]interface{}{"speed": 4.1},
		"dt":       1700000000,
		"timezone": -18000,
	}
}

func newTestClient(t *testing.T, url string) *OpenWeatherClient {
	t.Helper()
	c, err := NewOpenWeatherClient(testAPIKey, url, 2*time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

func TestOpenWeatherClient_GetCurrentWeather_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		q := r.URL.Query()
		if q.Get("q") != "Toronto" {
			t.Errorf("q = %q, want Toronto", q.Get("q"))
		}
		if q.Get("units") != "metric" {
			t.Errorf("units = %q, want metric", q.Get("units"))
		}
		if q.Get("appid") != testAPIKey {
			t.Errorf("appid = %q, want test key", q.Get("appid"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(torontoPayload())
	}))
	defer server.Close()

	got, err := newTestClient(t, server.URL).GetCurrentWeather(context.Background(), "Toronto")
	if err != nil {
		t.Fatalf("GetCurrentWeather() error = %v", err)
	}

	if got.Name != "Toronto" {
		t.Errorf("Name = %q, want Toronto", got.Name)
	}
	if got.Main.Temp != 3.4 || got.Main.Humidity != 81 || got.Main.FeelsLike != -0.6 {
		t.Errorf("Main = %+v, want temp 3.4 humidity 81 feels_like -0.6", got.Main)
	}
	if len(got.Weather) != 2 {
		t.Fatalf("len(Weather) = %d, want 2", len(got.Weather))
	}
	if got.Weather[0].Icon != "04n" || got.Weather[1].Description != "mist" {
		t.Errorf("Weather = %+v", got.Weather)
	}
	if got.Wind.Speed != 4.1 {
		t.Errorf("Wind.Speed = %v, want 4.1", got.Wind.Speed)
	}
	if got.LocalDate != "2023-11-14T17:13:20.000Z" {
		t.Errorf("LocalDate = %q, want 2023-11-14T17:13:20.000Z", got.LocalDate)
	}
}

func TestOpenWeatherClient_EncodesCityOnce(t *testing.T) {
	var rawQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		if got := r.URL.Query().Get("q"); got != "São Paulo & Co/1" {
			t.Errorf("decoded q = %q, want original city", got)
		}
		_ = json.NewEncoder(w).Encode(torontoPayload())
	}))
	defer server.Close()

	if _, err := newTestClient(t, server.URL).GetCurrentWeather(context.Background(), "São Paulo & Co/1"); err != nil {
		t.Fatalf("GetCurrentWeather() error = %v", err)
	}
	want := "appid=" + testAPIKey + "&q=S%C3%A3o+Paulo+%26+Co%2F1&units=metric"
	if rawQuery != want {
		t.Errorf("RawQuery = %q, want %q", rawQuery, want)
	}
}

func TestOpenWeatherClient_GetCurrentWeather_ErrorHandling(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"404 not found", http.StatusNotFound, `{"cod":"404","message":"city not found"}`, ErrLocationNotFound},
		{"empty array", http.StatusOK, ` [] `, ErrLocationNotFound},
		{"401 unauthorized", http.StatusUnauthorized, `{}`, ErrInvalidAPIKey},
		{"429 rate limited", http.StatusTooManyRequests, `{}`, ErrRateLimited},
		{"500 server error", http.StatusInternalServerError, `{}`, ErrUpstreamFailure},
		{"502 bad gateway", http.StatusBadGateway, ``, ErrUpstreamFailure},
		{"400 bad request", http.StatusBadRequest, `{}`, ErrUpstreamFailure},
		{"empty weather list", http.StatusOK, `{"name":"X","weather":[]}`, ErrNoConditions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(t, server.URL).GetCurrentWeather(context.Background(), "test")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("GetCurrentWeather() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpenWeatherClient_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name": `))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).GetCurrentWeather(context.Background(), "test")
	if err == nil {
		t.Fatal("GetCurrentWeather() expected error for malformed body")
	}
	if CategorizeError(err) != ErrorCategoryParsing {
		t.Errorf("CategorizeError() = %v, want parsing", CategorizeError(err))
	}
}

func TestOpenWeatherClient_SingleUpstreamCall(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, _ = newTestClient(t, server.URL).GetCurrentWeather(context.Background(), "test")
	if n := calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}

func TestOpenWeatherClient_MissingAPIKey(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	c, err := NewOpenWeatherClient("", server.URL, time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	if c.Configured() {
		t.Error("Configured() = true with empty key")
	}
	if _, err := c.GetCurrentWeather(context.Background(), "Toronto"); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("GetCurrentWeather() error = %v, want ErrMissingAPIKey", err)
	}
	if calls.Load() != 0 {
		t.Error("upstream called without an API key")
	}
}

func TestOpenWeatherClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	c, err := NewOpenWeatherClient(testAPIKey, server.URL, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	_, err = c.GetCurrentWeather(context.Background(), "test")
	if err == nil {
		t.Fatal("GetCurrentWeather() expected timeout error")
	}
	if CategorizeError(err) != ErrorCategoryTimeout {
		t.Errorf("CategorizeError() = %v, want timeout (err = %v)", CategorizeError(err), err)
	}
}

func TestOpenWeatherClient_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(t, server.URL).GetCurrentWeather(ctx, "test")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("GetCurrentWeather() error = %v, want context.Canceled", err)
	}
}

func TestOpenWeatherClient_CorrelationID(t *testing.T) {
	var captured string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Get("X-Correlation-ID")
		_ = json.NewEncoder(w).Encode(torontoPayload())
	}))
	defer server.Close()

	ctx := observability.WithCorrelationID(context.Background(), "test-correlation-id-123")
	if _, err := newTestClient(t, server.URL).GetCurrentWeather(ctx, "Toronto"); err != nil {
		t.Fatalf("GetCurrentWeather() error = %v", err)
	}
	if captured != "test-correlation-id-123" {
		t.Errorf("X-Correlation-ID header = %q, want test-correlation-id-123", captured)
	}
}

func TestLocalDate(t *testing.T) {
	tests := []struct {
		dt, tz int64
		want   string
	}{
		{1700000000, 3600, "2023-11-14T23:13:20.000Z"},
		{1700000000, 0, "2023-11-14T22:13:20.000Z"},
		{1700000000, -18000, "2023-11-14T17:13:20.000Z"},
	}
	for _, tt := range tests {
		got := LocalDate(tt.dt, tt.tz)
		if got != tt.want {
			t.Errorf("LocalDate(%d, %d) = %q, want %q", tt.dt, tt.tz, got, tt.want)
		}
		parsed, err := time.Parse(time.RFC3339, got)
		if err != nil {
			t.Fatalf("time.Parse(%q) error = %v", got, err)
		}
		if parsed.Unix() != tt.dt+tt.tz {
			t.Errorf("LocalDate(%d, %d) instant = %d, want %d", tt.dt, tt.tz, parsed.Unix(), tt.dt+tt.tz)
		}
	}
}

func TestStatusLabel(t *testing.T) {
	tests := map[int]string{200: "success", 429: "rate_limited", 404: "client_error", 503: "server_error", 302: "error"}
	for code, want := range tests {
		if got := statusLabel(code); got != want {
			t.Errorf("statusLabel(%d) = %q, want %q", code, got, want)
		}
	}
}
