// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: area, weather, subscription, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAreaNotFound         = "AREA_NOT_FOUND"
	ErrCodeLocationNotFound     = "LOCATION_NOT_FOUND"
	ErrCodeLocationAmbiguous    = "LOCATION_AMBIGUOUS"
	ErrCodeInvalidArea          = "INVALID_AREA"
	ErrCodeUpstreamUnavailable  = "UPSTREAM_UNAVAILABLE"
	ErrCodeMalformedResponse    = "MALFORMED_RESPONSE"
	ErrCodeSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"
	ErrCodeInvalidUserID        = "INVALID_USER_ID"
	ErrCodeInvalidHour          = "INVALID_NOTIFICATION_HOUR"
	ErrCodeInvalidTimezone      = "INVALID_TIMEZONE"
)

// 天気取得・地域カタログのエラー分類。
// errors.Is で判定できるよう、具体的なエラーはこれらをラップして返す。
var (
	ErrCatalogUnavailable  = errors.New("地域カタログを取得できません")
	ErrAreaNotFound        = errors.New("地域が見つかりません")
	ErrUpstreamUnavailable = errors.New("気象データ提供元に接続できません")
	ErrInvalidArea         = errors.New("無効な地域コードです")
	ErrMalformedResponse   = errors.New("気象データの形式が不正です")
)

// ErrSubscriptionNotFound は通知設定が存在しないことを示す。
var ErrSubscriptionNotFound = errors.New("通知設定が見つかりません")

// WeatherError は天気取得の失敗を表す。
// Kind には ErrUpstreamUnavailable / ErrInvalidArea / ErrMalformedResponse のいずれかが入る。
type WeatherError struct {
	Kind     error
	AreaCode string
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *WeatherError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind.Error(), e.AreaCode)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind.Error(), e.AreaCode, e.Err)
}

// Is は errors.Is で Kind と比較できるようにする。
func (e *WeatherError) Is(target error) bool {
	return target == e.Kind
}

// Unwrap は原因エラーを返す。
func (e *WeatherError) Unwrap() error {
	return e.Err
}

// NewWeatherError はWeatherErrorを生成する。
func NewWeatherError(kind error, areaCode string, err error) *WeatherError {
	return &WeatherError{Kind: kind, AreaCode: areaCode, Err: err}
}

// NewAreaNotFoundError は地域コード未検出エラーを生成する。
func NewAreaNotFoundError(code string) *APIError {
	return &APIError{
		Code:     ErrCodeAreaNotFound,
		Message:  fmt.Sprintf("指定された地域コードが見つかりません: %s", code),
		Category: "area",
		Action:   "地域コードを確認してください。",
	}
}

// NewLocationNotFoundError は地域名に一致する地域がない場合のエラーを生成する。
func NewLocationNotFoundError(query string) *APIError {
	return &APIError{
		Code:     ErrCodeLocationNotFound,
		Message:  fmt.Sprintf("「%s」に一致する地域が見つかりません。", query),
		Category: "area",
		Action:   "市区町村名や都道府県名を確認して、もう一度入力してください。",
	}
}

// NewLocationAmbiguousError は地域名が複数の地域に一致した場合のエラーを生成する。
func NewLocationAmbiguousError(query string, count int) *APIError {
	return &APIError{
		Code:     ErrCodeLocationAmbiguous,
		Message:  fmt.Sprintf("「%s」に一致する地域が%d件あります。", query, count),
		Category: "area",
		Action:   "候補の中から地域コードを指定してください。",
	}
}

// NewWeatherAPIError はWeatherErrorをHTTP応答用のAPIErrorに変換する。
func NewWeatherAPIError(err error) *APIError {
	switch {
	case errors.Is(err, ErrInvalidArea):
		return &APIError{
			Code:     ErrCodeInvalidArea,
			Message:  "指定された地域の気象データはありません。",
			Category: "weather",
			Action:   "別の地域を指定してください。",
		}
	case errors.Is(err, ErrMalformedResponse):
		return &APIError{
			Code:     ErrCodeMalformedResponse,
			Message:  "気象データの解析に失敗しました。",
			Category: "weather",
			Action:   "しばらく待ってから再度お試しください。",
		}
	default:
		return &APIError{
			Code:     ErrCodeUpstreamUnavailable,
			Message:  "気象データを取得できませんでした。",
			Category: "weather",
			Action:   "しばらく待ってから再度お試しください。",
		}
	}
}

// NewSubscriptionNotFoundError は通知設定が見つからない場合のエラーを生成する。
func NewSubscriptionNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionNotFound,
		Message:  fmt.Sprintf("通知設定が見つかりません: %s", userID),
		Category: "subscription",
		Action:   "先に地域と通知時刻を設定してください。",
	}
}

// NewInvalidUserIDError はDiscordユーザーIDが不正な場合のエラーを生成する。
func NewInvalidUserIDError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidUserID,
		Message:  fmt.Sprintf("無効なユーザーIDです: %s", userID),
		Category: "validation",
		Action:   "DiscordのユーザーID（数字）を指定してください。",
	}
}

// NewInvalidHourError は通知時刻が範囲外の場合のエラーを生成する。
func NewInvalidHourError(hour int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidHour,
		Message:  fmt.Sprintf("無効な通知時刻です: %d時", hour),
		Category: "validation",
		Action:   "通知時刻は0から23の範囲で指定してください。",
	}
}

// NewInvalidTimezoneError はタイムゾーンが不正な場合のエラーを生成する。
func NewInvalidTimezoneError(tz string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTimezone,
		Message:  fmt.Sprintf("無効なタイムゾーンです: %s", tz),
		Category: "validation",
		Action:   "Asia/Tokyo のようなIANAタイムゾーン名を指定してください。",
	}
}
