// Package weather は気象庁の予報・警報JSONを取得し、内部の天気モデルに正規化する。
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hitoshi/tenkibot/internal/model"
)

// MaxForecastDays は予報として返す最大日数。
const MaxForecastDays = 7

// DefaultCacheTTL は取得したJSONを保持する既定の時間。
const DefaultCacheTTL = 5 * time.Minute

var officeCodePattern = regexp.MustCompile(`^[0-9]{6}$`)

// Fetcher は府県予報区単位で気象庁のJSONを取得する。
type Fetcher interface {
	FetchForecast(ctx context.Context, officeCode string) ([]byte, error)
	FetchWarning(ctx context.Context, officeCode string) ([]byte, error)
}

// AreaIndex は地域コードの階層を引くための地域カタログ。
type AreaIndex interface {
	Get(code string) (model.AreaEntry, error)
	Lineage(code string) []string
	OfficeOf(code string) (string, bool)
}

// Gateway は地域コードを受け取り、現在の天気・週間予報・警報を返す。
type Gateway struct {
	fetcher Fetcher
	areas   AreaIndex
	cache   *payloadCache
	clock   clockwork.Clock
	logger  *slog.Logger
}

// Option はGatewayの設定を変更する。
type Option func(*gatewayOptions)

type gatewayOptions struct {
	cacheTTL time.Duration
	clock    clockwork.Clock
}

// WithCacheTTL はJSONのキャッシュ時間を設定する。0以下でキャッシュしない。
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *gatewayOptions) { o.cacheTTL = ttl }
}

// WithClock は時刻の取得に使うClockを差し替える。
func WithClock(clock clockwork.Clock) Option {
	return func(o *gatewayOptions) { o.clock = clock }
}

// NewGateway はGatewayの新しいインスタンスを生成する。
func NewGateway(fetcher Fetcher, areas AreaIndex, logger *slog.Logger, opts ...Option) *Gateway {
	o := gatewayOptions{cacheTTL: DefaultCacheTTL, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Gateway{
		fetcher: fetcher,
		areas:   areas,
		cache:   newPayloadCache(o.cacheTTL, o.clock),
		clock:   o.clock,
		logger:  logger,
	}
}

// Current は地域の現在の天気を返す。
func (g *Gateway) Current(ctx context.Context, areaCode string) (*model.CurrentWeather, error) {
	office, m, err := g.target(areaCode)
	if err != nil {
		return nil, err
	}

	payload, err := g.forecastPayload(ctx, areaCode, office)
	if err != nil {
		return nil, err
	}

	published, err := parseTimestamp(payload.reportDatetime)
	if err != nil {
		return nil, g.malformed(areaCode, fmt.Errorf("reportDatetime: %w", err))
	}

	ws, ok := payload.lookup(shapeShortWeather, shapeWeeklyWeather)
	if !ok {
		return nil, g.malformed(areaCode, errors.New("天気の時系列がありません"))
	}
	idx := m.locate(ws.Areas)
	if idx < 0 {
		return nil, model.NewWeatherError(model.ErrInvalidArea, areaCode, errors.New("予報データに該当地域がありません"))
	}
	area := ws.Areas[idx]

	i := firstPresent(area.WeatherCodes)
	if i < 0 {
		return nil, g.malformed(areaCode, errors.New("天気コードがありません"))
	}
	code := at(area.WeatherCodes, i)

	cw := &model.CurrentWeather{
		AreaCode:    areaCode,
		AreaName:    m.name(area.Area.Name),
		WeatherCode: code,
		Description: DescribeWeatherCode(code),
		Wind:        optString(area.Winds, i),
		Wave:        optString(area.Waves, i),
		ObservedAt:  g.clock.Now(),
		PublishedAt: published,
	}
	if d := optString(area.Weathers, i); d != nil {
		cw.Description = *d
	}

	// 降水確率: 短期予報の6時間ごとの値、なければ週間予報の値
	if ps, ok := payload.lookup(shapeShortPops); ok {
		if pi := m.locateOr(ps.Areas, idx); pi >= 0 {
			pops := ps.Areas[pi].Pops
			cw.PrecipitationProbability = optPercent(pops, firstPresent(pops))
		}
	} else if area.Pops != nil {
		cw.PrecipitationProbability = optPercent(area.Pops, firstPresent(area.Pops))
	}

	// 気温は観測地点ごとなので、地域と同じ位置の地点を使う
	if ts, ok := payload.lookup(shapeShortTemps); ok {
		if ti := m.locateOr(ts.Areas, idx); ti >= 0 {
			temps := ts.Areas[ti].Temps
			cw.TemperatureCelsius = optFloat(temps, firstPresent(temps))
		}
	}

	return cw, nil
}

// Forecast は地域の予報を日付順に最大days日分返す。
// daysは1〜7に丸める。上流の日数が足りない場合はある分だけ返す。
func (g *Gateway) Forecast(ctx context.Context, areaCode string, days int) ([]model.ForecastDay, error) {
	if days > MaxForecastDays {
		days = MaxForecastDays
	}
	if days < 1 {
		days = 1
	}

	office, m, err := g.target(areaCode)
	if err != nil {
		return nil, err
	}

	payload, err := g.forecastPayload(ctx, areaCode, office)
	if err != nil {
		return nil, err
	}

	ws, ok := payload.lookup(shapeWeeklyWeather, shapeShortWeather)
	if !ok {
		return nil, g.malformed(areaCode, errors.New("天気の時系列がありません"))
	}
	idx := m.locate(ws.Areas)
	if idx < 0 {
		return nil, model.NewWeatherError(model.ErrInvalidArea, areaCode, errors.New("予報データに該当地域がありません"))
	}
	area := ws.Areas[idx]

	// 気温の時系列は日付で突き合わせる
	var temps *seriesArea
	tempIndex := make(map[string]int)
	if ts, ok := payload.lookup(shapeWeeklyTemps); ok {
		if ti := m.locateOr(ts.Areas, idx); ti >= 0 {
			temps = &ts.Areas[ti]
			for i, td := range ts.TimeDefines {
				if t, err := parseTimestamp(td); err == nil {
					tempIndex[t.Format(time.DateOnly)] = i
				}
			}
		}
	}

	seen := make(map[string]struct{})
	result := make([]model.ForecastDay, 0, MaxForecastDays)
	for i, td := range ws.TimeDefines {
		t, err := parseTimestamp(td)
		if err != nil {
			g.logger.Debug("日付を解釈できない予報をスキップしました",
				slog.String("area_code", areaCode),
				slog.Int("index", i),
			)
			continue
		}
		code := at(area.WeatherCodes, i)
		if !validWeatherCode(code) {
			g.logger.Debug("天気コードが不正な予報をスキップしました",
				slog.String("area_code", areaCode),
				slog.Int("index", i),
				slog.String("weather_code", code),
			)
			continue
		}
		date := t.Format(time.DateOnly)
		if _, dup := seen[date]; dup {
			continue
		}
		seen[date] = struct{}{}

		day := model.ForecastDay{
			Date:                     date,
			WeatherCode:              code,
			Description:              DescribeWeatherCode(code),
			PrecipitationProbability: optPercent(area.Pops, i),
			Reliability:              optString(area.Reliabilities, i),
		}
		if temps != nil {
			if ti, ok := tempIndex[date]; ok {
				day.TempMin = optFloat(temps.TempsMin, ti)
				day.TempMax = optFloat(temps.TempsMax, ti)
				day.TempMinRange = optRange(temps.TempsMinLower, temps.TempsMinUpper, ti)
				day.TempMaxRange = optRange(temps.TempsMaxLower, temps.TempsMaxUpper, ti)
			}
		}
		result = append(result, day)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Date < result[j].Date })
	if len(result) > days {
		result = result[:days]
	}
	return result, nil
}

// Alerts は地域に発表中の警報・注意報を返す。
// 発表がない場合は空のスライスとnilを返し、取得失敗とは区別する。
func (g *Gateway) Alerts(ctx context.Context, areaCode string) ([]model.WeatherAlert, error) {
	office, m, err := g.target(areaCode)
	if err != nil {
		return nil, err
	}

	body, err := g.fetch(ctx, "warning:"+office, areaCode, func(ctx context.Context) ([]byte, error) {
		return g.fetcher.FetchWarning(ctx, office)
	})
	if err != nil {
		return nil, err
	}

	payload, err := decodeWarning(body)
	if err != nil {
		return nil, g.malformed(areaCode, err)
	}

	issued, err := parseTimestamp(payload.ReportDatetime)
	if err != nil {
		return nil, g.malformed(areaCode, fmt.Errorf("reportDatetime: %w", err))
	}

	byCode := make(map[string]*model.WeatherAlert)
	affected := make(map[string]map[string]struct{})
	for _, group := range payload.AreaTypes {
		for _, wa := range group.Areas {
			if !m.covers(wa.Code) {
				continue
			}
			for _, w := range wa.Warnings {
				if !w.active() {
					continue
				}
				alert, ok := byCode[w.Code]
				if !ok {
					alert = &model.WeatherAlert{
						Code:        w.Code,
						Title:       WarningName(w.Code),
						Description: payload.HeadlineText,
						Severity:    WarningSeverity(w.Code),
						Status:      w.Status,
						IssuedAt:    issued,
					}
					if alert.Description == "" {
						alert.Description = w.Status
					}
					byCode[w.Code] = alert
					affected[w.Code] = make(map[string]struct{})
				}
				affected[w.Code][wa.Code] = struct{}{}
			}
		}
	}

	alerts := make([]model.WeatherAlert, 0, len(byCode))
	for code, alert := range byCode {
		codes := make([]string, 0, len(affected[code]))
		for c := range affected[code] {
			codes = append(codes, c)
		}
		sort.Strings(codes)
		alert.AffectedAreaCodes = codes
		alerts = append(alerts, *alert)
	}
	sort.Slice(alerts, func(i, j int) bool {
		ri, rj := severityRank(alerts[i].Severity), severityRank(alerts[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return alerts[i].Code < alerts[j].Code
	})
	return alerts, nil
}

// InvalidateAlerts は府県予報区の警報キャッシュを破棄する。
func (g *Gateway) InvalidateAlerts(officeCode string) {
	g.cache.delete("warning:" + officeCode)
}

// target は地域コードから取得先の府県予報区と地域の照合器を求める。
// カタログにない6桁のコードは府県予報区コードとしてそのまま扱う。
func (g *Gateway) target(areaCode string) (string, areaMatcher, error) {
	m := areaMatcher{code: areaCode, areas: g.areas, lineage: make(map[string]int)}

	entry, err := g.areas.Get(areaCode)
	if err != nil {
		if !officeCodePattern.MatchString(areaCode) {
			return "", m, model.NewWeatherError(model.ErrInvalidArea, areaCode, err)
		}
		m.loose = true
		m.lineage[areaCode] = 0
		return areaCode, m, nil
	}

	office, ok := g.areas.OfficeOf(areaCode)
	if !ok {
		return "", m, model.NewWeatherError(model.ErrInvalidArea, areaCode, errors.New("府県予報区に属さない地域です"))
	}
	for i, c := range g.areas.Lineage(areaCode) {
		m.lineage[c] = i
	}
	m.entryName = entry.Name
	return office, m, nil
}

func (g *Gateway) forecastPayload(ctx context.Context, areaCode, office string) (*forecastPayload, error) {
	body, err := g.fetch(ctx, "forecast:"+office, areaCode, func(ctx context.Context) ([]byte, error) {
		return g.fetcher.FetchForecast(ctx, office)
	})
	if err != nil {
		return nil, err
	}

	payload, err := decodeForecast(body)
	if err != nil {
		return nil, g.malformed(areaCode, err)
	}
	if payload.reports == 0 {
		return nil, model.NewWeatherError(model.ErrInvalidArea, areaCode, errors.New("予報データが空です"))
	}
	if len(payload.series) == 0 {
		return nil, g.malformed(areaCode, errors.New("既知の形の時系列がありません"))
	}
	return payload, nil
}

// fetch はキャッシュを確認し、なければ上流から取得する。
func (g *Gateway) fetch(ctx context.Context, key, areaCode string, get func(context.Context) ([]byte, error)) ([]byte, error) {
	if body, ok := g.cache.get(key); ok {
		return body, nil
	}

	body, err := get(ctx)
	if err != nil {
		kind := model.ErrUpstreamUnavailable
		if errors.Is(err, model.ErrInvalidArea) {
			kind = model.ErrInvalidArea
		}
		return nil, model.NewWeatherError(kind, areaCode, err)
	}

	g.cache.set(key, body)
	return body, nil
}

func (g *Gateway) malformed(areaCode string, err error) error {
	g.logger.Warn("気象データの形式が不正です",
		slog.String("area_code", areaCode),
		slog.String("error", err.Error()),
	)
	return model.NewWeatherError(model.ErrMalformedResponse, areaCode, err)
}

func decodeWarning(data []byte) (*warningPayload, error) {
	var p warningPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.ReportDatetime == "" && p.AreaTypes == nil {
		return nil, errors.New("警報データの形式を判別できません")
	}
	return &p, nil
}

func optRange(lower, upper []string, i int) *model.TempRange {
	lo, hi := optFloat(lower, i), optFloat(upper, i)
	if lo == nil || hi == nil {
		return nil
	}
	return &model.TempRange{Low: *lo, High: *hi}
}

func severityRank(s model.Severity) int {
	switch s {
	case model.SeverityHigh:
		return 2
	case model.SeverityMedium:
		return 1
	default:
		return 0
	}
}

// areaMatcher は時系列中の地域コードと要求された地域を照合する。
type areaMatcher struct {
	code      string
	entryName string
	areas     AreaIndex
	lineage   map[string]int // 自身からの距離（0が自身）
	loose     bool           // カタログにないコード。照合できなければ先頭を使う
}

// rank は照合の近さを返す。自身0、祖先は距離、子孫は100。一致しなければ-1。
func (m areaMatcher) rank(code string) int {
	if d, ok := m.lineage[code]; ok {
		return d
	}
	lineage := m.areas.Lineage(code)
	for i := 1; i < len(lineage); i++ {
		if lineage[i] == m.code {
			return 100
		}
	}
	return -1
}

// locate は最も近い地域の添字を返す。見つからなければ-1。
func (m areaMatcher) locate(areas []seriesArea) int {
	best, bestRank := -1, 0
	for i, a := range areas {
		r := m.rank(a.Area.Code)
		if r < 0 {
			continue
		}
		if best < 0 || r < bestRank {
			best, bestRank = i, r
		}
	}
	if best < 0 && m.loose && len(areas) > 0 {
		return 0
	}
	return best
}

// locateOr は照合できない場合に位置fallbackの要素を使う（観測地点コードの時系列向け）。
func (m areaMatcher) locateOr(areas []seriesArea, fallback int) int {
	if i := m.locate(areas); i >= 0 {
		return i
	}
	switch {
	case fallback >= 0 && fallback < len(areas):
		return fallback
	case len(areas) > 0:
		return 0
	default:
		return -1
	}
}

// covers は警報の地域が要求された地域の祖先・自身・子孫かを判定する。
func (m areaMatcher) covers(code string) bool {
	return m.loose || m.rank(code) >= 0
}

func (m areaMatcher) name(fallback string) string {
	if m.entryName != "" {
		return m.entryName
	}
	return fallback
}
