package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// WeatherClient fetches current conditions for a city from the upstream provider.
type WeatherClient interface {
	GetCurrentWeather(ctx context.Context, city string) (models.WeatherResult, error)
	// Configured reports whether an API credential is set.
	Configured() bool
}

var (
	ErrMissingAPIKey    = errors.New("API key not configured")
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrNoConditions     = errors.New("upstream returned no weather conditions")
)

// DefaultAPIURL is the OpenWeatherMap current weather endpoint.
const DefaultAPIURL = "http://api.openweathermap.org/data/2.5/weather"

// maxBodyBytes bounds how much of an upstream body is read.
const maxBodyBytes = 1 << 20

// isoMillis matches JavaScript's Date.toISOString for UTC times.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// OpenWeatherClient calls the OpenWeatherMap current weather API. It makes exactly
// one request per GetCurrentWeather call.
type OpenWeatherClient struct {
	apiKey  string
	apiURL  string
	timeout time.Duration
	client  *http.Client
}

// NewOpenWeatherClient creates a client. An empty apiKey is accepted so the service
// can start and report the misconfiguration per request.
func NewOpenWeatherClient(apiKey, apiURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if _, err := url.Parse(apiURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OpenWeatherClient{
		apiKey:  apiKey,
		apiURL:  apiURL,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Configured implements WeatherClient.
func (c *OpenWeatherClient) Configured() bool {
	return c.apiKey != ""
}

type openWeatherResponse struct {
	Name string `json:"name"`
	Main struct {
		Temp      float64 `json:"temp"`
		Humidity  int     `json:"humidity"`
		FeelsLike float64 `json:"feels_like"`
	} `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Dt       int64 `json:"dt"`
	Timezone int64 `json:"timezone"`
}

// GetCurrentWeather implements WeatherClient.
func (c *OpenWeatherClient) GetCurrentWeather(ctx context.Context, city string) (models.WeatherResult, error) {
	if c.apiKey == "" {
		return models.WeatherResult{}, ErrMissingAPIKey
	}
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, city)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return models.WeatherResult{}, fmt.Errorf("build request: %w", err)
	}
	if corrID := observability.CorrelationIDFrom(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.WeatherResult{}, fmt.Errorf("request timeout: %w", err)
		}
		return models.WeatherResult{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return models.WeatherResult{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.WeatherResult{}, fmt.Errorf("read response body: %w", err)
	}
	return decodeResponse(body)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, city string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := baseURL.Query()
	params.Set("q", city)
	params.Set("units", "metric")
	params.Set("appid", c.apiKey)
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrLocationNotFound
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidAPIKey, resp.StatusCode)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

// decodeResponse maps an upstream body to a WeatherResult. Some providers answer an
// unmatched free-text query with 200 and an empty JSON array; that is a not-found.
func decodeResponse(body []byte) (models.WeatherResult, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return models.WeatherResult{}, fmt.Errorf("parse response: %w", err)
		}
		if len(arr) == 0 {
			return models.WeatherResult{}, ErrLocationNotFound
		}
		return models.WeatherResult{}, fmt.Errorf("parse response: unexpected array of %d elements", len(arr))
	}

	var apiResp openWeatherResponse
	if err := json.Unmarshal(trimmed, &apiResp); err != nil {
		return models.WeatherResult{}, fmt.Errorf("parse response: %w", err)
	}
	if len(apiResp.Weather) == 0 {
		return models.WeatherResult{}, fmt.Errorf("%w: %w", ErrUpstreamFailure, ErrNoConditions)
	}
	return mapResponse(apiResp), nil
}

func mapResponse(apiResp openWeatherResponse) models.WeatherResult {
	conditions := make([]models.Condition, 0, len(apiResp.Weather))
	for _, w := range apiResp.Weather {
		conditions = append(conditions, models.Condition{
			Main:        w.Main,
			Description: w.Description,
			Icon:        w.Icon,
		})
	}
	return models.WeatherResult{
		Name: apiResp.Name,
		Main: models.MainReading{
			Temp:      apiResp.Main.Temp,
			Humidity:  apiResp.Main.Humidity,
			FeelsLike: apiResp.Main.FeelsLike,
		},
		Weather:   conditions,
		Wind:      models.Wind{Speed: apiResp.Wind.Speed},
		LocalDate: LocalDate(apiResp.Dt, apiResp.Timezone),
	}
}

// LocalDate shifts the observation time by the city's UTC offset and formats it in
// UTC notation, so the wall-clock digits are the city's local time.
func LocalDate(dt, timezoneOffset int64) string {
	return time.Unix(dt+timezoneOffset, 0).UTC().Format(isoMillis)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == http.StatusTooManyRequests {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
