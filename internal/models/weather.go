package models

import "time"

// WeatherResult is the normalized response of GET /api/weather.
type WeatherResult struct {
	Name      string      `json:"name"`
	Main      MainReading `json:"main"`
	Weather   []Condition `json:"weather"`
	Wind      Wind        `json:"wind"`
	LocalDate string      `json:"localDate"` // local time at the queried city, UTC notation
}

type MainReading struct {
	Temp      float64 `json:"temp"`
	Humidity  int     `json:"humidity"`
	FeelsLike float64 `json:"feels_like"`
}

// Condition is one entry of the upstream weather list.
type Condition struct {
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

type Wind struct {
	Speed float64 `json:"speed"`
}

// RateLimitDecision is the outcome of a single gate check.
type RateLimitDecision struct {
	Success   bool
	Remaining int
	Limit     int
	Reset     time.Time // end of the current window
}

// HistoryEntry is a search recorded by the external history service.
type HistoryEntry struct {
	ID        int       `json:"id"`
	CityName  string    `json:"cityName"`
	CreatedAt time.Time `json:"createdAt"`
}
