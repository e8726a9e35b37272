// Package ai は天気に合わせた一言メッセージを生成する。
// 生成に失敗した場合は天気の傾向ごとの定型メッセージに切り替える。
package ai

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/tenkibot/internal/model"
)

var (
	// ErrGenerationFailed はメッセージ生成に失敗したことを示す。
	ErrGenerationFailed = errors.New("AIメッセージの生成に失敗しました")
	// ErrNotConfigured はAPIキーが設定されていないことを示す。
	ErrNotConfigured = errors.New("AIメッセージ生成が設定されていません")
	// ErrBudgetExhausted はAPIのリクエスト予算を使い切ったことを示す。
	ErrBudgetExhausted = errors.New("AI APIのリクエスト予算を使い切りました")
)

// MessageType はメッセージの種類。時間帯や警報の有無で決まる。
type MessageType string

const (
	MessageGeneral MessageType = "general"
	MessageMorning MessageType = "morning"
	MessageEvening MessageType = "evening"
	MessageAlert   MessageType = "alert"
)

// MessageTypeForHour は現地時刻の時から朝（5〜11時）・夕方（17〜20時）・その他を判定する。
func MessageTypeForHour(hour int) MessageType {
	switch {
	case hour >= 5 && hour < 12:
		return MessageMorning
	case hour >= 17 && hour < 21:
		return MessageEvening
	default:
		return MessageGeneral
	}
}

// WeatherContext はメッセージ生成に渡す天気の要約。
type WeatherContext struct {
	AreaName                 string
	WeatherCode              string
	Description              string
	Temperature              *float64
	PrecipitationProbability *int
	Wind                     *string
	Timestamp                time.Time
	// AlertDescription は発表中の警報・注意報の名称。なければ空。
	AlertDescription string
}

// NewWeatherContext は現在の天気と警報からWeatherContextを組み立てる。
// atは通知先の現地時刻。
func NewWeatherContext(cw *model.CurrentWeather, alerts []model.WeatherAlert, at time.Time) WeatherContext {
	wc := WeatherContext{
		AreaName:                 cw.AreaName,
		WeatherCode:              cw.WeatherCode,
		Description:              cw.Description,
		Temperature:              cw.TemperatureCelsius,
		PrecipitationProbability: cw.PrecipitationProbability,
		Wind:                     cw.Wind,
		Timestamp:                at,
	}
	if len(alerts) > 0 {
		titles := make([]string, 0, len(alerts))
		for _, a := range alerts {
			titles = append(titles, a.Title)
		}
		wc.AlertDescription = strings.Join(titles, "、")
	}
	return wc
}

// HasAlert は警報・注意報が発表中かを返す。
func (c WeatherContext) HasAlert() bool {
	return c.AlertDescription != ""
}

// Generator は天気に合わせたメッセージを生成する。
type Generator interface {
	Generate(ctx context.Context, wc WeatherContext, mt MessageType) (string, error)
}

// GenerateOrFallback はGeneratorでメッセージを生成し、失敗した場合は定型メッセージを返す。
// 2つ目の戻り値は定型メッセージを使ったかどうか。
func GenerateOrFallback(ctx context.Context, gen Generator, wc WeatherContext, mt MessageType, logger *slog.Logger) (string, bool) {
	if gen != nil {
		text, err := gen.Generate(ctx, wc, mt)
		if err == nil && strings.TrimSpace(text) != "" {
			return text, false
		}
		if err != nil && !errors.Is(err, ErrNotConfigured) {
			logger.Warn("AIメッセージの生成に失敗したため定型メッセージを使用します",
				slog.String("area_name", wc.AreaName),
				slog.String("error", err.Error()),
			)
		}
	}
	return FallbackMessage(wc, mt), true
}
