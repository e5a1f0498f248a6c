package validation

import (
	"errors"
	"strings"
	"unicode"
)

// DefaultCityMaxLength is the rune limit applied when none is configured.
const DefaultCityMaxLength = 100

// ErrCityEmpty is returned when the city is empty or whitespace-only after trim.
var ErrCityEmpty = errors.New("city is required")

// ErrCityTooLong is returned when the city length exceeds the maximum.
var ErrCityTooLong = errors.New("city name too long")

// ErrCityInvalidChars is returned when the city contains control characters.
var ErrCityInvalidChars = errors.New("city name contains invalid characters")

// ValidateCity trims the input and enforces a rune length bound. Control characters
// are rejected; everything else (apostrophes, periods, slashes, non-Latin scripts) is
// passed through for the upstream provider to resolve. The returned string is the
// trimmed city, which callers must percent-encode exactly once.
func ValidateCity(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrCityEmpty
	}
	if maxLen <= 0 {
		maxLen = DefaultCityMaxLength
	}
	n := 0
	for _, c := range s {
		if unicode.IsControl(c) {
			return "", ErrCityInvalidChars
		}
		n++
	}
	if n > maxLen {
		return "", ErrCityTooLong
	}
	return s, nil
}
