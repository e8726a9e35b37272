package model

import "time"

// CurrentWeather は1回の取得で得られた現在の天気。
// 取得できなかった項目はnilで表し、番兵値は使わない。
type CurrentWeather struct {
	AreaCode                 string    `json:"area_code"`
	AreaName                 string    `json:"area_name"`
	WeatherCode              string    `json:"weather_code"`
	Description              string    `json:"description"`
	Wind                     *string   `json:"wind"`
	Wave                     *string   `json:"wave"`
	TemperatureCelsius       *float64  `json:"temperature_celsius"`
	PrecipitationProbability *int      `json:"precipitation_probability"`
	ObservedAt               time.Time `json:"observed_at"`
	PublishedAt              time.Time `json:"published_at"`
}

// TempRange は予想気温の幅（下限, 上限）。
type TempRange struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// ForecastDay は1日分の予報。Date はその地域の暦日（YYYY-MM-DD）。
type ForecastDay struct {
	Date                     string     `json:"date"`
	WeatherCode              string     `json:"weather_code"`
	Description              string     `json:"description"`
	TempMin                  *float64   `json:"temp_min"`
	TempMax                  *float64   `json:"temp_max"`
	TempMinRange             *TempRange `json:"temp_min_range"`
	TempMaxRange             *TempRange `json:"temp_max_range"`
	PrecipitationProbability *int       `json:"precipitation_probability"`
	Reliability              *string    `json:"reliability"`
}

// Severity は警報・注意報の重要度。
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// WeatherAlert は発表中の警報・注意報。
// 警報がないことは空のスライスで表し、取得失敗とは区別する。
type WeatherAlert struct {
	Code              string    `json:"code"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	Severity          Severity  `json:"severity"`
	Status            string    `json:"status"`
	IssuedAt          time.Time `json:"issued_at"`
	AffectedAreaCodes []string  `json:"affected_area_codes"`
}
