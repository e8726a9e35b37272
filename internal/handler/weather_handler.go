package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tenkibot/internal/middleware"
	"github.com/hitoshi/tenkibot/internal/model"
	"github.com/hitoshi/tenkibot/internal/weather"
)

// defaultForecastDays は days 未指定時の予報日数。
const defaultForecastDays = 3

// WeatherService は天気情報の取得元。weather.Gateway が満たす。
type WeatherService interface {
	Current(ctx context.Context, areaCode string) (*model.CurrentWeather, error)
	Forecast(ctx context.Context, areaCode string, days int) ([]model.ForecastDay, error)
	Alerts(ctx context.Context, areaCode string) ([]model.WeatherAlert, error)
}

// WeatherHandler は天気情報のHTTPハンドラー。
type WeatherHandler struct {
	service WeatherService
}

// NewWeatherHandler はWeatherHandlerを生成する。
func NewWeatherHandler(service WeatherService) *WeatherHandler {
	return &WeatherHandler{service: service}
}

type forecastResponse struct {
	AreaCode string              `json:"area_code"`
	Days     []model.ForecastDay `json:"days"`
}

type alertsResponse struct {
	AreaCode string               `json:"area_code"`
	Alerts   []model.WeatherAlert `json:"alerts"`
}

// Current は現在の天気を返す。
// GET /api/weather/{code}/current
func (h *WeatherHandler) Current(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	cw, err := h.service.Current(r.Context(), code)
	if err != nil {
		handleWeatherError(w, code, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, cw)
}

// Forecast は日別の予報を返す。
// GET /api/weather/{code}/forecast?days=
func (h *WeatherHandler) Forecast(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	days := defaultForecastDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > weather.MaxForecastDays {
			middleware.WriteBadRequest(w, fmt.Sprintf("days は1〜%dの整数で指定してください。", weather.MaxForecastDays))
			return
		}
		days = n
	}

	fd, err := h.service.Forecast(r.Context(), code, days)
	if err != nil {
		handleWeatherError(w, code, err)
		return
	}
	if fd == nil {
		fd = []model.ForecastDay{}
	}
	middleware.WriteJSON(w, http.StatusOK, forecastResponse{AreaCode: code, Days: fd})
}

// Alerts は発表中の警報・注意報を返す。発表がなければ空配列を返す。
// GET /api/weather/{code}/alerts
func (h *WeatherHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	alerts, err := h.service.Alerts(r.Context(), code)
	if err != nil {
		handleWeatherError(w, code, err)
		return
	}
	if alerts == nil {
		alerts = []model.WeatherAlert{}
	}
	middleware.WriteJSON(w, http.StatusOK, alertsResponse{AreaCode: code, Alerts: alerts})
}
