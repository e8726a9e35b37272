package ai

import (
	"fmt"
	"strings"
)

var typeRequests = map[MessageType]string{
	MessageMorning: "朝の挨拶として、今日一日を前向きに過ごせるようなメッセージをお願いします。",
	MessageEvening: "夕方の挨拶として、一日お疲れ様の気持ちを込めたメッセージをお願いします。",
	MessageAlert:   "気象警報が出ていますが、安全に過ごすためのアドバイスと励ましのメッセージをお願いします。",
	MessageGeneral: "天気に関連した前向きで励ましのメッセージをお願いします。",
}

const promptRequirements = `要件:
- 100文字以内で簡潔に
- 親しみやすく温かい口調で
- 天気に応じた具体的なアドバイスや励ましを含める
- 絵文字を適度に使用して親しみやすさを演出
- ネガティブな表現は避け、常にポジティブな視点で`

// BuildPrompt はメッセージ生成のプロンプトを組み立てる。
// 値がない項目は行ごと省略し、降水確率は不明と書く。
func BuildPrompt(wc WeatherContext, mt MessageType) string {
	var b strings.Builder
	b.WriteString("あなたは親しみやすい天気予報アシスタントです。以下の天気情報に基づいて、\n")
	b.WriteString("ユーザーを励まし、前向きな気持ちにさせる短いメッセージを日本語で生成してください。\n\n")
	b.WriteString("天気情報:\n")
	fmt.Fprintf(&b, "- 地域: %s\n", wc.AreaName)
	fmt.Fprintf(&b, "- 天気: %s\n", wc.Description)
	if wc.Temperature != nil {
		fmt.Fprintf(&b, "- 気温: %.0f°C\n", *wc.Temperature)
	}
	if wc.PrecipitationProbability != nil {
		fmt.Fprintf(&b, "- 降水確率: %d%%\n", *wc.PrecipitationProbability)
	} else {
		b.WriteString("- 降水確率: 不明\n")
	}
	if wc.Wind != nil {
		fmt.Fprintf(&b, "- 風: %s\n", *wc.Wind)
	}
	fmt.Fprintf(&b, "- 時刻: %s\n", wc.Timestamp.Format("2006年01月02日 15時"))
	if wc.HasAlert() {
		fmt.Fprintf(&b, "- 気象警報: %s\n", wc.AlertDescription)
	}

	req, ok := typeRequests[mt]
	if !ok {
		req = typeRequests[MessageGeneral]
	}
	b.WriteString("\n")
	b.WriteString(req)
	b.WriteString("\n\n")
	b.WriteString(promptRequirements)
	return b.String()
}
