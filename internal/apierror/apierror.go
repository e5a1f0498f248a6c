package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error returned by the weather endpoint.
type Kind int

const (
	KindUpstream Kind = iota
	KindConfig
	KindValidation
	KindRateLimit
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindValidation:
		return "validation"
	case KindRateLimit:
		return "rate_limit"
	case KindNotFound:
		return "not_found"
	default:
		return "upstream"
	}
}

// User-facing messages. Only Message is ever written to a response body.
const (
	MsgConfig       = "API key not configured"
	MsgCityRequired = "City parameter is required"
	MsgRateLimited  = "too many requests, try later."
	MsgUpstream     = "Failed to fetch weather data"
)

// Error is a classified failure. Err carries the cause for logs only.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the kind to its HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func Config(err error) *Error {
	return &Error{Kind: KindConfig, Message: MsgConfig, Err: err}
}

func Validation(message string, err error) *Error {
	if message == "" {
		message = MsgCityRequired
	}
	return &Error{Kind: KindValidation, Message: message, Err: err}
}

func RateLimited() *Error {
	return &Error{Kind: KindRateLimit, Message: MsgRateLimited}
}

// NotFound echoes the city exactly as the caller supplied it.
func NotFound(city string, err error) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: `City "` + city + `" not found. Please check the spelling and try again.`,
		Err:     err,
	}
}

func Upstream(err error) *Error {
	return &Error{Kind: KindUpstream, Message: MsgUpstream, Err: err}
}

// As returns the *Error in err's chain, or wraps err as an upstream failure.
func As(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Upstream(err)
}
