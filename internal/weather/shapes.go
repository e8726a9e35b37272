package weather

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// seriesShape は時系列データの形。キーの有無で判定する。
type seriesShape int

const (
	shapeUnknown seriesShape = iota
	// shapeShortWeather は短期予報の天気（weatherCodes + weathers + winds + waves）。
	shapeShortWeather
	// shapeShortPops は短期予報の6時間ごとの降水確率（pops のみ）。
	shapeShortPops
	// shapeShortTemps は短期予報の地点別気温（temps）。
	shapeShortTemps
	// shapeWeeklyWeather は週間予報の天気（weatherCodes + pops + reliabilities、weathers なし）。
	shapeWeeklyWeather
	// shapeWeeklyTemps は週間予報の地点別最低・最高気温（tempsMin / tempsMax）。
	shapeWeeklyTemps
)

func (s seriesShape) String() string {
	switch s {
	case shapeShortWeather:
		return "short_weather"
	case shapeShortPops:
		return "short_pops"
	case shapeShortTemps:
		return "short_temps"
	case shapeWeeklyWeather:
		return "weekly_weather"
	case shapeWeeklyTemps:
		return "weekly_temps"
	default:
		return "unknown"
	}
}

// forecastReport は forecast/{office}.json の配列要素1件（短期予報または週間予報）。
type forecastReport struct {
	PublishingOffice string       `json:"publishingOffice"`
	ReportDatetime   string       `json:"reportDatetime"`
	TimeSeries       []timeSeries `json:"timeSeries"`
}

type timeSeries struct {
	TimeDefines []string     `json:"timeDefines"`
	Areas       []seriesArea `json:"areas"`
}

type areaRef struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// seriesArea は時系列の地域（または観測地点）1件。
// キーが存在しない配列は nil のまま残り、形の判定に使う。
type seriesArea struct {
	Area          areaRef  `json:"area"`
	WeatherCodes  []string `json:"weatherCodes"`
	Weathers      []string `json:"weathers"`
	Winds         []string `json:"winds"`
	Waves         []string `json:"waves"`
	Pops          []string `json:"pops"`
	Reliabilities []string `json:"reliabilities"`
	Temps         []string `json:"temps"`
	TempsMin      []string `json:"tempsMin"`
	TempsMinUpper []string `json:"tempsMinUpper"`
	TempsMinLower []string `json:"tempsMinLower"`
	TempsMax      []string `json:"tempsMax"`
	TempsMaxUpper []string `json:"tempsMaxUpper"`
	TempsMaxLower []string `json:"tempsMaxLower"`
}

// shape は先頭の地域が持つキーから時系列の形を判定する。
func (s timeSeries) shape() seriesShape {
	if len(s.Areas) == 0 {
		return shapeUnknown
	}
	a := s.Areas[0]
	switch {
	case a.WeatherCodes != nil && a.Weathers != nil:
		return shapeShortWeather
	case a.WeatherCodes != nil:
		return shapeWeeklyWeather
	case a.TempsMin != nil || a.TempsMax != nil:
		return shapeWeeklyTemps
	case a.Temps != nil:
		return shapeShortTemps
	case a.Pops != nil:
		return shapeShortPops
	default:
		return shapeUnknown
	}
}

// forecastPayload は形ごとに振り分けた予報データ。
type forecastPayload struct {
	reports        int
	reportDatetime string
	series         map[seriesShape]timeSeries
}

// decodeForecast は予報JSONを解釈し、時系列を形ごとに振り分ける。
// 同じ形が複数ある場合は先に現れたものを使う。
func decodeForecast(data []byte) (*forecastPayload, error) {
	var reports []forecastReport
	if err := json.Unmarshal(data, &reports); err != nil {
		return nil, err
	}

	p := &forecastPayload{reports: len(reports), series: make(map[seriesShape]timeSeries)}
	for _, r := range reports {
		if p.reportDatetime == "" {
			p.reportDatetime = r.ReportDatetime
		}
		for _, s := range r.TimeSeries {
			sh := s.shape()
			if sh == shapeUnknown {
				continue
			}
			if _, exists := p.series[sh]; !exists {
				p.series[sh] = s
			}
		}
	}
	return p, nil
}

// lookup は指定の形の時系列を優先順に探す。
func (p *forecastPayload) lookup(shapes ...seriesShape) (timeSeries, bool) {
	for _, sh := range shapes {
		if s, ok := p.series[sh]; ok {
			return s, true
		}
	}
	return timeSeries{}, false
}

// warningPayload は warning/{office}.json。
type warningPayload struct {
	ReportDatetime string         `json:"reportDatetime"`
	HeadlineText   string         `json:"headlineText"`
	AreaTypes      []warningGroup `json:"areaTypes"`
}

type warningGroup struct {
	Areas []warningArea `json:"areas"`
}

type warningArea struct {
	Code     string          `json:"code"`
	Warnings []warningStatus `json:"warnings"`
}

type warningStatus struct {
	Code   string `json:"code"`
	Status string `json:"status"`
}

// noWarningsStatus は警報・注意報が発表されていないことを示すステータス。
const noWarningsStatus = "発表警報・注意報はなし"

// active は発表中（継続・切替を含む）の警報・注意報かを判定する。
func (w warningStatus) active() bool {
	if w.Code == "" || w.Status == "" || w.Status == noWarningsStatus {
		return false
	}
	return !strings.Contains(w.Status, "解除")
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(s))
}

// at は配列のi番目を返す。範囲外や空文字の場合は空文字を返す。
func at(vals []string, i int) string {
	if i < 0 || i >= len(vals) {
		return ""
	}
	return strings.TrimSpace(vals[i])
}

func optString(vals []string, i int) *string {
	v := at(vals, i)
	if v == "" {
		return nil
	}
	// 気象庁の文言は全角スペースで区切られている
	v = strings.Join(strings.Fields(v), " ")
	return &v
}

func optFloat(vals []string, i int) *float64 {
	v := at(vals, i)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

// optPercent は降水確率を返す。0〜100の範囲外はnil。
func optPercent(vals []string, i int) *int {
	v := at(vals, i)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > 100 {
		return nil
	}
	return &n
}

// firstPresent は先頭から見て最初に値がある添字を返す。なければ-1。
func firstPresent(vals []string) int {
	for i := range vals {
		if at(vals, i) != "" {
			return i
		}
	}
	return -1
}
