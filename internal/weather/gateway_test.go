package weather

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/tenkibot/internal/jma"
	"github.com/hitoshi/tenkibot/internal/model"
)

// fakeAreas は親子関係だけを持つテスト用の地域カタログ。
type fakeAreas struct {
	entries map[string]model.AreaEntry
}

func newFakeAreas() *fakeAreas {
	f := &fakeAreas{entries: make(map[string]model.AreaEntry)}
	add := func(code, name string, level model.AreaLevel, parent string) {
		e := model.AreaEntry{Code: code, Name: name, Level: level}
		if parent != "" {
			p := parent
			e.ParentCode = &p
		}
		f.entries[code] = e
	}
	add("010300", "関東甲信地方", model.AreaLevelCenter, "")
	add("130000", "東京都", model.AreaLevelOffice, "010300")
	add("130010", "東京地方", model.AreaLevelClass10, "130000")
	add("130020", "伊豆諸島北部", model.AreaLevelClass10, "130000")
	add("130011", "23区東部", model.AreaLevelClass15, "130010")
	add("130012", "23区西部", model.AreaLevelClass15, "130010")
	add("1310100", "千代田区", model.AreaLevelClass20, "130011")
	add("1311300", "渋谷区", model.AreaLevelClass20, "130012")
	return f
}

func (f *fakeAreas) Get(code string) (model.AreaEntry, error) {
	e, ok := f.entries[code]
	if !ok {
		return model.AreaEntry{}, fmt.Errorf("%w: %s", model.ErrAreaNotFound, code)
	}
	return e, nil
}

func (f *fakeAreas) Lineage(code string) []string {
	var chain []string
	for cur := code; ; {
		e, ok := f.entries[cur]
		if !ok {
			return chain
		}
		chain = append(chain, cur)
		if e.ParentCode == nil {
			return chain
		}
		cur = *e.ParentCode
	}
}

func (f *fakeAreas) OfficeOf(code string) (string, bool) {
	for _, c := range f.Lineage(code) {
		if f.entries[c].Level == model.AreaLevelOffice {
			return c, true
		}
	}
	return "", false
}

// stubFetcher は固定のJSONを返すFetcher。
type stubFetcher struct {
	forecast      []byte
	warning       []byte
	err           error
	forecastCalls int
	warningCalls  int
	offices       []string
}

func (s *stubFetcher) FetchForecast(ctx context.Context, office string) ([]byte, error) {
	s.forecastCalls++
	s.offices = append(s.offices, office)
	return s.forecast, s.err
}

func (s *stubFetcher) FetchWarning(ctx context.Context, office string) ([]byte, error) {
	s.warningCalls++
	s.offices = append(s.offices, office)
	return s.warning, s.err
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/" + name)
	require.NoError(t, err)
	return data
}

func newTestGateway(t *testing.T, f Fetcher, opts ...Option) (*Gateway, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewGateway(f, newFakeAreas(), logger, opts...), &buf
}

func TestCurrent_NormalizesShortTermForecast(t *testing.T) {
	f := &stubFetcher{forecast: readFixture(t, "forecast_130000.json")}
	g, _ := newTestGateway(t, f)

	cw, err := g.Current(context.Background(), "1310100")
	require.NoError(t, err)

	assert.Equal(t, []string{"130000"}, f.offices, "府県予報区のJSONを取得すべき")
	assert.Equal(t, "1310100", cw.AreaCode)
	assert.Equal(t, "千代田区", cw.AreaName)
	assert.Equal(t, "201", cw.WeatherCode)
	assert.Equal(t, "くもり 時々 晴れ", cw.Description)
	require.NotNil(t, cw.Wind)
	assert.Equal(t, "北の風 やや強く", *cw.Wind)
	require.NotNil(t, cw.Wave)
	require.NotNil(t, cw.PrecipitationProbability)
	assert.Equal(t, 20, *cw.PrecipitationProbability)
	require.NotNil(t, cw.TemperatureCelsius)
	assert.Equal(t, 22.0, *cw.TemperatureCelsius)
	assert.Equal(t, "2026-10-18T11:00:00+09:00", cw.PublishedAt.Format(time.RFC3339))
}

func TestCurrent_SecondAreaUsesMatchingPosition(t *testing.T) {
	f := &stubFetcher{forecast: readFixture(t, "forecast_130000.json")}
	g, _ := newTestGateway(t, f)

	cw, err := g.Current(context.Background(), "130020")
	require.NoError(t, err)

	assert.Equal(t, "200", cw.WeatherCode)
	require.NotNil(t, cw.PrecipitationProbability)
	assert.Equal(t, 30, *cw.PrecipitationProbability)
	require.NotNil(t, cw.TemperatureCelsius)
	assert.Equal(t, 21.0, *cw.TemperatureCelsius, "同じ位置の観測地点の気温を使うべき")
}

func TestCurrent_MissingFieldsAreNil(t *testing.T) {
	body := []byte(`[{"reportDatetime":"2026-10-18T05:00:00+09:00","timeSeries":[
		{"timeDefines":["2026-10-18T05:00:00+09:00"],
		 "areas":[{"area":{"name":"東京地方","code":"130010"},"weatherCodes":["100"],"weathers":["晴れ"]}]}
	]}]`)
	g, _ := newTestGateway(t, &stubFetcher{forecast: body})

	cw, err := g.Current(context.Background(), "130010")
	require.NoError(t, err)
	assert.Nil(t, cw.Wind)
	assert.Nil(t, cw.Wave)
	assert.Nil(t, cw.TemperatureCelsius)
	assert.Nil(t, cw.PrecipitationProbability)
}

func TestForecast_ReturnsChronologicalDaysWithTemperatures(t *testing.T) {
	f := &stubFetcher{forecast: readFixture(t, "forecast_130000.json")}
	g, _ := newTestGateway(t, f)

	days, err := g.Forecast(context.Background(), "1310100", 7)
	require.NoError(t, err)
	require.Len(t, days, 7)

	assert.Equal(t, "2026-10-18", days[0].Date)
	assert.Nil(t, days[0].PrecipitationProbability, "空文字の降水確率はnilであるべき")
	assert.Nil(t, days[0].TempMin)

	d := days[1]
	assert.Equal(t, "2026-10-19", d.Date)
	assert.Equal(t, "300", d.WeatherCode)
	assert.Equal(t, "雨", d.Description)
	require.NotNil(t, d.PrecipitationProbability)
	assert.Equal(t, 80, *d.PrecipitationProbability)
	require.NotNil(t, d.TempMin)
	assert.Equal(t, 15.0, *d.TempMin)
	require.NotNil(t, d.TempMax)
	assert.Equal(t, 21.0, *d.TempMax)
	assert.Equal(t, &model.TempRange{Low: 13, High: 17}, d.TempMinRange)
	assert.Equal(t, &model.TempRange{Low: 19, High: 23}, d.TempMaxRange)

	require.NotNil(t, days[2].Reliability)
	assert.Equal(t, "A", *days[2].Reliability)
}

func TestForecast_SkipsMalformedDays(t *testing.T) {
	f := &stubFetcher{forecast: readFixture(t, "forecast_malformed_days.json")}
	g, logs := newTestGateway(t, f)

	days, err := g.Forecast(context.Background(), "130010", 7)
	require.NoError(t, err)
	require.Len(t, days, 5)

	var dates []string
	for _, d := range days {
		dates = append(dates, d.Date)
	}
	assert.Equal(t, []string{"2026-10-18", "2026-10-19", "2026-10-20", "2026-10-21", "2026-10-23"}, dates)
	assert.Contains(t, logs.String(), "日付を解釈できない予報をスキップしました")
	assert.Contains(t, logs.String(), "天気コードが不正な予報をスキップしました")
}

func TestForecast_DropsDuplicateDates(t *testing.T) {
	body := []byte(`[{"reportDatetime":"2026-10-18T05:00:00+09:00","timeSeries":[
		{"timeDefines":["2026-10-18T00:00:00+09:00","2026-10-18T12:00:00+09:00","2026-10-19T00:00:00+09:00"],
		 "areas":[{"area":{"name":"東京地方","code":"130010"},"weatherCodes":["100","200","300"],"pops":["","",""]}]}
	]}]`)
	g, _ := newTestGateway(t, &stubFetcher{forecast: body})

	days, err := g.Forecast(context.Background(), "130010", 7)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, "100", days[0].WeatherCode, "同じ日付は先に現れた予報を使うべき")
	assert.Equal(t, "2026-10-19", days[1].Date)
}

func TestForecast_ClampsDays(t *testing.T) {
	f := &stubFetcher{forecast: readFixture(t, "forecast_130000.json")}
	g, _ := newTestGateway(t, f)
	ctx := context.Background()

	days, err := g.Forecast(ctx, "130010", 3)
	require.NoError(t, err)
	assert.Len(t, days, 3)

	days, err = g.Forecast(ctx, "130010", 0)
	require.NoError(t, err)
	assert.Len(t, days, 1)

	days, err = g.Forecast(ctx, "130010", 14)
	require.NoError(t, err)
	assert.Len(t, days, 7)
}

func TestAlerts_AggregatesActiveWarningsForArea(t *testing.T) {
	f := &stubFetcher{warning: readFixture(t, "warning_130000.json")}
	g, _ := newTestGateway(t, f)

	alerts, err := g.Alerts(context.Background(), "1310100")
	require.NoError(t, err)
	require.Len(t, alerts, 2)

	assert.Equal(t, "03", alerts[0].Code)
	assert.Equal(t, "大雨警報", alerts[0].Title)
	assert.Equal(t, model.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, []string{"1310100"}, alerts[0].AffectedAreaCodes)

	assert.Equal(t, "14", alerts[1].Code)
	assert.Equal(t, "雷注意報", alerts[1].Title)
	assert.Equal(t, model.SeverityMedium, alerts[1].Severity)
	assert.Equal(t, []string{"130010", "1310100"}, alerts[1].AffectedAreaCodes)
	assert.Contains(t, alerts[1].Description, "落雷")
}

func TestAlerts_OfficeCoversAllDescendants(t *testing.T) {
	f := &stubFetcher{warning: readFixture(t, "warning_130000.json")}
	g, _ := newTestGateway(t, f)

	alerts, err := g.Alerts(context.Background(), "130000")
	require.NoError(t, err)

	var codes []string
	for _, a := range alerts {
		codes = append(codes, a.Code)
	}
	assert.Equal(t, []string{"03", "14", "16"}, codes, "解除された警報は含まないべき")
	assert.Equal(t, []string{"130010", "1310100", "1311300"}, alerts[1].AffectedAreaCodes)
}

func TestAlerts_NoAlertsMarkerReturnsEmpty(t *testing.T) {
	f := &stubFetcher{warning: readFixture(t, "warning_none.json")}
	g, _ := newTestGateway(t, f)

	alerts, err := g.Alerts(context.Background(), "1310100")
	require.NoError(t, err)
	assert.NotNil(t, alerts)
	assert.Empty(t, alerts)
}

func TestAlerts_FetchFailureIsDistinctFromNoAlerts(t *testing.T) {
	f := &stubFetcher{err: fmt.Errorf("%w: HTTP 503", model.ErrUpstreamUnavailable)}
	g, _ := newTestGateway(t, f)

	alerts, err := g.Alerts(context.Background(), "1310100")
	assert.Nil(t, alerts)
	require.ErrorIs(t, err, model.ErrUpstreamUnavailable)

	var we *model.WeatherError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, "1310100", we.AreaCode)
}

func TestGateway_InvalidAreaCodes(t *testing.T) {
	f := &stubFetcher{forecast: readFixture(t, "forecast_130000.json")}
	g, _ := newTestGateway(t, f)
	ctx := context.Background()

	_, err := g.Current(ctx, "abc")
	assert.ErrorIs(t, err, model.ErrInvalidArea)

	_, err = g.Current(ctx, "010300")
	assert.ErrorIs(t, err, model.ErrInvalidArea, "地方は府県予報区を持たないべき")

	assert.Zero(t, f.forecastCalls, "無効な地域コードでは上流に問い合わせないべき")
}

func TestGateway_UnknownOfficeCodeIsFetchedDirectly(t *testing.T) {
	f := &stubFetcher{forecast: readFixture(t, "forecast_130000.json")}
	g, _ := newTestGateway(t, f)

	cw, err := g.Current(context.Background(), "160000")
	require.NoError(t, err)
	assert.Equal(t, []string{"160000"}, f.offices)
	assert.Equal(t, "東京地方", cw.AreaName)
}

func TestGateway_UpstreamNotFoundIsInvalidArea(t *testing.T) {
	f := &stubFetcher{err: fmt.Errorf("%w: HTTP 404", model.ErrInvalidArea)}
	g, _ := newTestGateway(t, f)

	_, err := g.Forecast(context.Background(), "130010", 7)
	assert.ErrorIs(t, err, model.ErrInvalidArea)
	assert.NotErrorIs(t, err, model.ErrUpstreamUnavailable)
}

func TestGateway_MalformedPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"JSONでない", `{not json`, model.ErrMalformedResponse},
		{"配列でない", `{"timeSeries":[]}`, model.ErrMalformedResponse},
		{"空の配列", `[]`, model.ErrInvalidArea},
		{"既知の形がない", `[{"reportDatetime":"2026-10-18T05:00:00+09:00","timeSeries":[{"areas":[{"area":{"code":"130010"},"foo":["1"]}]}]}]`, model.ErrMalformedResponse},
		{"発表時刻が不正", `[{"reportDatetime":"yesterday","timeSeries":[{"timeDefines":["2026-10-18T05:00:00+09:00"],"areas":[{"area":{"code":"130010"},"weatherCodes":["100"],"weathers":["晴れ"]}]}]}]`, model.ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGateway(t, &stubFetcher{forecast: []byte(tt.body)})
			_, err := g.Current(context.Background(), "130010")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGateway_CachesPayloadPerOffice(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := &stubFetcher{
		forecast: readFixture(t, "forecast_130000.json"),
		warning:  readFixture(t, "warning_130000.json"),
	}
	g, _ := newTestGateway(t, f, WithClock(clock), WithCacheTTL(5*time.Minute))
	ctx := context.Background()

	_, err := g.Current(ctx, "1310100")
	require.NoError(t, err)
	_, err = g.Forecast(ctx, "130010", 7)
	require.NoError(t, err)
	assert.Equal(t, 1, f.forecastCalls, "同じ府県予報区のJSONはキャッシュを使うべき")

	clock.Advance(5 * time.Minute)
	_, err = g.Current(ctx, "1310100")
	require.NoError(t, err)
	assert.Equal(t, 2, f.forecastCalls, "期限切れ後は再取得すべき")

	_, err = g.Alerts(ctx, "1310100")
	require.NoError(t, err)
	_, err = g.Alerts(ctx, "1310100")
	require.NoError(t, err)
	assert.Equal(t, 1, f.warningCalls)

	g.InvalidateAlerts("130000")
	_, err = g.Alerts(ctx, "1310100")
	require.NoError(t, err)
	assert.Equal(t, 2, f.warningCalls, "無効化後は再取得すべき")
}

func TestCurrent_RecoversFromTransientUpstreamFailures(t *testing.T) {
	body := readFixture(t, "forecast_130000.json")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	ceiling := 15 * time.Second
	policy := jma.DefaultRetryPolicy()
	policy.Ceiling = ceiling

	clock := clockwork.NewFakeClock()
	var delays []time.Duration
	client := jma.NewClient(srv.Client(), slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)), nil,
		jma.WithBaseURL(srv.URL),
		jma.WithRetryPolicy(policy),
		jma.WithClock(clock),
		jma.WithSleep(func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			clock.Advance(d)
			return nil
		}),
	)
	g, _ := newTestGateway(t, client)

	cw, err := g.Current(context.Background(), "1310100")
	require.NoError(t, err)
	assert.Equal(t, "201", cw.WeatherCode)
	assert.Equal(t, int32(4), hits.Load(), "初回+3回の再試行で成功すべき")

	require.Len(t, delays, 3)
	var total time.Duration
	for i, d := range delays {
		if i > 0 {
			assert.Greater(t, d, delays[i-1], "待機時間は増加すべき")
		}
		total += d
	}
	assert.LessOrEqual(t, total, ceiling)
}
