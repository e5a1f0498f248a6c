package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/backoff"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
)

// Messages surfaced to callers of the history proxy routes.
const (
	MsgBusy          = "The server is experiencing a high influx of requests. Please try again later."
	MsgFetchFailed   = "Failed to fetch search history"
	MsgDeleteFailed  = "Failed to delete search history"
	MsgNotConfigured = "history service not configured"
)

var (
	// ErrNotConfigured is returned when no history base URL is set.
	ErrNotConfigured = errors.New("history service not configured")
	// ErrUnsuccessful is returned when the history service answers success:false.
	ErrUnsuccessful = errors.New("history service reported failure")
)

const (
	historyPath  = "/api/search-history"
	maxBodyBytes = 1 << 20
)

// StatusError is a non-2xx answer from the history service.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error! status: %d", e.Status)
}

// StatusCode implements backoff.StatusCoder.
func (e *StatusError) StatusCode() int { return e.Status }

type listResponse struct {
	Success bool                  `json:"success"`
	Data    []models.HistoryEntry `json:"data"`
	Count   int                   `json:"count"`
}

type mutationResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Client talks to the external search-history service. Reads go through the retry
// policy; writes and deletes are single attempts.
type Client struct {
	baseURL string
	http    *http.Client
	policy  backoff.Policy
}

// NewClient creates a history client. An empty baseURL yields a client whose calls
// return ErrNotConfigured.
func NewClient(baseURL string, timeout time.Duration, policy backoff.Policy) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL != "" {
		if _, err := url.ParseRequestURI(baseURL); err != nil {
			return nil, fmt.Errorf("invalid history URL: %w", err)
		}
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		policy:  policy,
	}, nil
}

// Enabled reports whether a base URL is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// List fetches all history entries, retrying transient failures. A body with
// success:false is terminal and is not retried.
func (c *Client) List(ctx context.Context) ([]models.HistoryEntry, error) {
	if !c.Enabled() {
		return nil, ErrNotConfigured
	}
	logger := observability.LoggerFrom(ctx)

	policy := c.policy
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		observability.HistoryRetriesTotal.Inc()
		logger.Warn("history list attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	resp, err := backoff.Retry(ctx, policy, func(ctx context.Context) (listResponse, error) {
		var out listResponse
		if err := c.do(ctx, http.MethodGet, historyPath, nil, &out); err != nil {
			return listResponse{}, err
		}
		return out, nil
	})
	if err != nil {
		if backoff.IsExhausted(err) {
			observability.HistoryExhaustedTotal.Inc()
		}
		observability.HistoryRequestsTotal.WithLabelValues("list", "error").Inc()
		return nil, err
	}
	if !resp.Success {
		observability.HistoryRequestsTotal.WithLabelValues("list", "error").Inc()
		return nil, ErrUnsuccessful
	}
	observability.HistoryRequestsTotal.WithLabelValues("list", "success").Inc()
	if resp.Data == nil {
		resp.Data = []models.HistoryEntry{}
	}
	return resp.Data, nil
}

// Record stores one lookup of city.
func (c *Client) Record(ctx context.Context, city string) error {
	if !c.Enabled() {
		return ErrNotConfigured
	}
	body, err := json.Marshal(map[string]string{"cityName": city})
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	var out mutationResponse
	if err := c.do(ctx, http.MethodPost, historyPath, body, &out); err != nil {
		observability.HistoryRequestsTotal.WithLabelValues("record", "error").Inc()
		return err
	}
	if !out.Success {
		observability.HistoryRequestsTotal.WithLabelValues("record", "error").Inc()
		return unsuccessful(out.Error)
	}
	observability.HistoryRequestsTotal.WithLabelValues("record", "success").Inc()
	return nil
}

// Delete removes the entry with the given id.
func (c *Client) Delete(ctx context.Context, id int) error {
	if !c.Enabled() {
		return ErrNotConfigured
	}
	var out mutationResponse
	if err := c.do(ctx, http.MethodDelete, historyPath+"/"+strconv.Itoa(id), nil, &out); err != nil {
		observability.HistoryRequestsTotal.WithLabelValues("delete", "error").Inc()
		return err
	}
	if !out.Success {
		observability.HistoryRequestsTotal.WithLabelValues("delete", "error").Inc()
		return unsuccessful(out.Error)
	}
	observability.HistoryRequestsTotal.WithLabelValues("delete", "success").Inc()
	return nil
}

func unsuccessful(msg string) error {
	if msg == "" {
		return ErrUnsuccessful
	}
	return fmt.Errorf("%w: %s", ErrUnsuccessful, msg)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if corrID := observability.CorrelationIDFrom(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("history %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return &StatusError{Status: resp.StatusCode}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode history response: %w", err)
	}
	return nil
}
