// Package notify は天気通知のメッセージ組み立てとDiscordへの配信を行う。
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/tenkibot/internal/model"
)

const footerText = "気象庁データより | 定時天気通知"

// 天気の説明に応じた埋め込みの色
const (
	colorSunny   = 0xFFD700
	colorRainy   = 0x4682B4
	colorSnowy   = 0xF0F8FF
	colorCloudy  = 0x708090
	colorDefault = 0x87CEEB
)

// Field はメッセージの項目1件。
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Message はユーザーに送る通知1件。
type Message struct {
	Title     string
	Body      string
	Fields    []Field
	Color     int
	Footer    string
	Timestamp time.Time
}

// PlainText はメッセージをテキストに展開する。ログや埋め込みが使えない場合に使う。
func (m Message) PlainText() string {
	var b strings.Builder
	b.WriteString(m.Title)
	if m.Body != "" {
		b.WriteString("\n")
		b.WriteString(m.Body)
	}
	for _, f := range m.Fields {
		fmt.Fprintf(&b, "\n%s: %s", f.Name, f.Value)
	}
	if m.Footer != "" {
		b.WriteString("\n")
		b.WriteString(m.Footer)
	}
	return b.String()
}

// Compose は現在の天気・今日の予報・警報・本文から通知メッセージを組み立てる。
// 本文がAI生成か定型文かに関わらず、天気の項目は常に含める。
// todayはnilでもよい。locは発表時刻を表示するタイムゾーン。
func Compose(cw *model.CurrentWeather, today *model.ForecastDay, alerts []model.WeatherAlert, body string, loc *time.Location) Message {
	if loc == nil {
		loc = time.UTC
	}

	fields := []Field{{Name: "☀️ 天気", Value: cw.Description, Inline: true}}
	if cw.TemperatureCelsius != nil {
		fields = append(fields, Field{Name: "🌡️ 気温", Value: fmt.Sprintf("%.1f°C", *cw.TemperatureCelsius), Inline: true})
	}
	pop := "不明"
	if cw.PrecipitationProbability != nil {
		pop = fmt.Sprintf("%d%%", *cw.PrecipitationProbability)
	}
	fields = append(fields, Field{Name: "☔ 降水確率", Value: pop, Inline: true})
	if r := tempRange(today); r != "" {
		fields = append(fields, Field{Name: "📈 予想気温", Value: r, Inline: true})
	}
	if cw.Wind != nil {
		fields = append(fields, Field{Name: "💨 風", Value: *cw.Wind})
	}
	if len(alerts) > 0 {
		titles := make([]string, 0, len(alerts))
		for _, a := range alerts {
			titles = append(titles, a.Title)
		}
		fields = append(fields, Field{Name: "⚠️ 警報・注意報", Value: strings.Join(titles, "、")})
	}
	if !cw.PublishedAt.IsZero() {
		fields = append(fields, Field{Name: "📅 発表時刻", Value: cw.PublishedAt.In(loc).Format("2006年01月02日 15時04分")})
	}

	return Message{
		Title:     fmt.Sprintf("🌤️ %sの天気情報", cw.AreaName),
		Body:      body,
		Fields:    fields,
		Color:     colorFor(cw.Description),
		Footer:    footerText,
		Timestamp: cw.ObservedAt,
	}
}

func tempRange(day *model.ForecastDay) string {
	if day == nil {
		return ""
	}
	var parts []string
	if day.TempMin != nil {
		parts = append(parts, fmt.Sprintf("最低 %.0f°C", *day.TempMin))
	}
	if day.TempMax != nil {
		parts = append(parts, fmt.Sprintf("最高 %.0f°C", *day.TempMax))
	}
	return strings.Join(parts, " / ")
}

func colorFor(description string) int {
	switch {
	case strings.Contains(description, "晴"):
		return colorSunny
	case strings.Contains(description, "雨"), strings.Contains(description, "雷"):
		return colorRainy
	case strings.Contains(description, "雪"):
		return colorSnowy
	case strings.Contains(description, "曇"), strings.Contains(description, "くもり"):
		return colorCloudy
	default:
		return colorDefault
	}
}
