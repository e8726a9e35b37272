// Package handler は運用向けHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tenkibot/internal/middleware"
	"github.com/hitoshi/tenkibot/internal/model"
)

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// handleWeatherError は天気取得のエラーをHTTPレスポンスに変換する。
func handleWeatherError(w http.ResponseWriter, areaCode string, err error) {
	if errors.Is(err, model.ErrAreaNotFound) {
		handleServiceError(w, model.NewAreaNotFoundError(areaCode))
		return
	}
	var werr *model.WeatherError
	if errors.As(err, &werr) {
		slog.Warn("weather request failed",
			slog.String("area_code", areaCode),
			slog.String("error", err.Error()),
		)
		handleServiceError(w, model.NewWeatherAPIError(err))
		return
	}
	handleServiceError(w, err)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeAreaNotFound, model.ErrCodeLocationNotFound, model.ErrCodeSubscriptionNotFound:
		return http.StatusNotFound
	case model.ErrCodeLocationAmbiguous:
		return http.StatusConflict
	case model.ErrCodeInvalidArea:
		return http.StatusUnprocessableEntity
	case model.ErrCodeUpstreamUnavailable, model.ErrCodeMalformedResponse:
		return http.StatusBadGateway
	case model.ErrCodeInvalidUserID, model.ErrCodeInvalidHour, model.ErrCodeInvalidTimezone:
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}
