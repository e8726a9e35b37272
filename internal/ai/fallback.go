package ai

import (
	"fmt"
	"hash/fnv"
)

var (
	rainyMessages = []string{
		"☔ %sは雨の予報ですが、雨音を聞きながらゆっくり過ごすのも素敵ですね！ 🌧️✨",
		"🌂 雨の日は読書や映画鑑賞にぴったり！%sでの素敵な時間をお過ごしください 📚",
		"☔ 雨の%sも美しいもの。傘を忘れずに、安全にお出かけくださいね！ 🌈",
	}
	cloudyMessages = []string{
		"🌤️ %sは少し雲が多めですが、きっと素敵な一日になりますよ！ ☁️✨",
		"⛅ 曇り空の%sも趣があって良いですね。今日も頑張りましょう！ 💪",
		"🌥️ お天気は変わりやすそうですが、%sでの一日を楽しんでくださいね！ 🌟",
	}
	sunnyMessages = []string{
		"☀️ %sは良いお天気！今日も素晴らしい一日になりそうですね！ 🌟",
		"🌞 晴れの%sで、きっと気分も晴れやかになりますよ！ ✨",
		"☀️ 青空の%s！外に出かけるのにぴったりの日ですね！ 🚶‍♀️",
	}
)

const alertMessage = "⚠️ %sに気象警報が発表されています。安全第一で過ごしてくださいね！ 🙏"

// Category は定型メッセージを選ぶための天気の傾向。
type Category string

const (
	CategoryAlert  Category = "alert"
	CategoryRainy  Category = "rainy"
	CategoryCloudy Category = "cloudy"
	CategorySunny  Category = "sunny"
)

// Categorize は警報の有無と降水確率から天気の傾向を判定する。
// 降水確率が不明な場合は天気コードの系統（1xx晴れ、2xxくもり、3xx雨、4xx雪）で判定する。
func Categorize(wc WeatherContext) Category {
	if wc.HasAlert() {
		return CategoryAlert
	}
	if p := wc.PrecipitationProbability; p != nil {
		switch {
		case *p >= 70:
			return CategoryRainy
		case *p >= 30:
			return CategoryCloudy
		default:
			return CategorySunny
		}
	}
	if wc.WeatherCode != "" {
		switch wc.WeatherCode[0] {
		case '3', '4':
			return CategoryRainy
		case '2':
			return CategoryCloudy
		}
	}
	return CategorySunny
}

// FallbackMessage はAIが使えない場合の定型メッセージを返す。
// 同じ地域・同じ日付には常に同じ文面を選ぶ。
func FallbackMessage(wc WeatherContext, mt MessageType) string {
	area := wc.AreaName

	var candidates []string
	switch Categorize(wc) {
	case CategoryAlert:
		return fmt.Sprintf(alertMessage, area)
	case CategoryRainy:
		candidates = rainyMessages
	case CategoryCloudy:
		candidates = cloudyMessages
	default:
		candidates = sunnyMessages
	}

	h := fnv.New32a()
	h.Write([]byte(area + wc.Timestamp.Format("2006-01-02")))
	msg := fmt.Sprintf(candidates[h.Sum32()%uint32(len(candidates))], area)

	switch mt {
	case MessageMorning:
		return "おはようございます！ " + msg
	case MessageEvening:
		return "お疲れ様です！ " + msg
	default:
		return msg
	}
}
