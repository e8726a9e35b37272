package scheduler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/tenkibot/internal/ai"
	"github.com/hitoshi/tenkibot/internal/model"
	"github.com/hitoshi/tenkibot/internal/notify"
	"github.com/hitoshi/tenkibot/internal/repository"
)

var jst = time.FixedZone("JST", 9*3600)

// --- モック ---

type fakeWeather struct {
	mu        sync.Mutex
	calls     map[string]int
	currentFn func(areaCode string, call int) (*model.CurrentWeather, error)
	alertsErr error
}

func newFakeWeather() *fakeWeather {
	return &fakeWeather{calls: make(map[string]int)}
}

func (f *fakeWeather) Current(_ context.Context, areaCode string) (*model.CurrentWeather, error) {
	f.mu.Lock()
	f.calls[areaCode]++
	call := f.calls[areaCode]
	fn := f.currentFn
	f.mu.Unlock()
	if fn != nil {
		return fn(areaCode, call)
	}
	return sunny(areaCode), nil
}

func (f *fakeWeather) Forecast(_ context.Context, areaCode string, days int) ([]model.ForecastDay, error) {
	lo, hi := 15.0, 24.0
	return []model.ForecastDay{{Date: "2025-10-18", WeatherCode: "100", Description: "晴れ", TempMin: &lo, TempMax: &hi}}, nil
}

func (f *fakeWeather) Alerts(_ context.Context, areaCode string) ([]model.WeatherAlert, error) {
	if f.alertsErr != nil {
		return nil, f.alertsErr
	}
	return []model.WeatherAlert{}, nil
}

func (f *fakeWeather) currentCalls(areaCode string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[areaCode]
}

func sunny(areaCode string) *model.CurrentWeather {
	temp := 22.0
	pop := 10
	return &model.CurrentWeather{
		AreaCode:                 areaCode,
		AreaName:                 "東京地方",
		WeatherCode:              "100",
		Description:              "晴れ",
		TemperatureCelsius:       &temp,
		PrecipitationProbability: &pop,
		PublishedAt:              time.Date(2025, 10, 18, 5, 0, 0, 0, jst),
	}
}

type sentMessage struct {
	userID string
	msg    notify.Message
}

type fakeNotifier struct {
	mu     sync.Mutex
	sent   []sentMessage
	calls  int
	sendFn func(call int) error
}

func (f *fakeNotifier) SendDirectMessage(_ context.Context, userID string, msg notify.Message) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(call); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{userID: userID, msg: msg})
	f.mu.Unlock()
	return nil
}

func (f *fakeNotifier) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeNotifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, ai.WeatherContext, ai.MessageType) (string, error) {
	return "", ai.ErrGenerationFailed
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	s        *Scheduler
	store    *repository.MemoryStore
	weather  *fakeWeather
	notifier *fakeNotifier
	clock    *clockwork.FakeClock
	logs     *lockedBuffer
}

func newFixture(t *testing.T, start time.Time, cfg Config, gen ai.Generator) *fixture {
	t.Helper()
	if cfg.DefaultLocation == nil {
		cfg.DefaultLocation = jst
	}
	f := &fixture{
		store:    repository.NewMemoryStore(),
		weather:  newFakeWeather(),
		notifier: &fakeNotifier{},
		clock:    clockwork.NewFakeClockAt(start),
		logs:     &lockedBuffer{},
	}
	logger := slog.New(slog.NewJSONHandler(f.logs, nil))
	f.s = New(f.store, f.store, f.weather, gen, f.notifier, f.clock, logger, cfg)
	return f
}

func (f *fixture) subscribe(t *testing.T, userID, areaCode string, hour int) {
	t.Helper()
	require.NoError(t, f.store.Upsert(context.Background(), &model.Subscription{
		DiscordUserID:    userID,
		AreaCode:         areaCode,
		AreaName:         "東京地方",
		NotificationHour: hour,
		Enabled:          true,
		Timezone:         "Asia/Tokyo",
	}))
}

func (f *fixture) deliveryLogs(t *testing.T, userID string) []*model.DeliveryLog {
	t.Helper()
	logs, err := f.store.ListByUser(context.Background(), userID, 0)
	require.NoError(t, err)
	return logs
}

func blockUntil(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, n), "待機中のタイマーが%d個になるべき", n)
}

const (
	alice = "111111111111111111"
	bob   = "222222222222222222"
)

func TestScheduler_FiresOncePerDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 10, 18, 6, 59, 0, 0, jst), Config{RetryAttempts: 3}, nil)
	f.subscribe(t, alice, "130010", 7)
	require.NoError(t, f.s.Sync(ctx))

	assert.Equal(t, 0, f.s.RunOnce(ctx), "通知時刻前は配信しないべき")

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, f.s.RunOnce(ctx))
	f.s.Wait()
	assert.Equal(t, 1, f.notifier.sentCount())

	// 同じ日に何度tickしても、同期し直しても再配信しない
	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Hour)
		require.NoError(t, f.s.Sync(ctx))
		assert.Equal(t, 0, f.s.RunOnce(ctx))
		f.s.Wait()
	}
	f.clock.Advance(11 * time.Hour) // 23:01
	assert.Equal(t, 0, f.s.RunOnce(ctx))
	f.s.Wait()
	assert.Equal(t, 1, f.notifier.sentCount())

	// 翌日の通知時刻には再び配信する
	f.clock.Advance(8 * time.Hour)
	assert.Equal(t, 1, f.s.RunOnce(ctx))
	f.s.Wait()
	assert.Equal(t, 2, f.notifier.sentCount())

	logs := f.deliveryLogs(t, alice)
	require.Len(t, logs, 2)
	assert.Equal(t, "2025-10-19", logs[0].DeliveredOn)
	assert.Equal(t, "2025-10-18", logs[1].DeliveredOn)
	assert.Equal(t, model.DeliveryStatusSuccess, logs[1].Status)

	job, ok := f.s.JobState(alice)
	require.True(t, ok)
	assert.Equal(t, StateIdle, job.State)
	assert.Equal(t, "2025-10-19", job.LastFiredDate)
}

func TestScheduler_AIFailureFallsBackToStaticMessage(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 10, 18, 7, 0, 0, 0, jst)
	f := newFixture(t, start, Config{RetryAttempts: 1}, failingGenerator{})
	f.subscribe(t, alice, "130010", 7)
	require.NoError(t, f.s.Sync(ctx))

	require.Equal(t, 1, f.s.RunOnce(ctx))
	f.s.Wait()

	require.Equal(t, 1, f.notifier.sentCount())
	sent := f.notifier.sent[0]
	assert.Equal(t, alice, sent.userID)

	wantBody := ai.FallbackMessage(ai.NewWeatherContext(sunny("130010"), nil, start), ai.MessageMorning)
	assert.Equal(t, wantBody, sent.msg.Body)
	assert.NotEmpty(t, sent.msg.Body)

	text := sent.msg.PlainText()
	for _, want := range []string{"☀️ 天気: 晴れ", "🌡️ 気温: 22.0°C", "☔ 降水確率: 10%", "📈 予想気温: 最低 15°C / 最高 24°C"} {
		assert.Contains(t, text, want)
	}
	assert.NotContains(t, text, ai.ErrGenerationFailed.Error())

	logs := f.deliveryLogs(t, alice)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].UsedFallback)
}

func TestScheduler_DisabledAfterDueSkipsDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 10, 18, 6, 59, 0, 0, jst), Config{RetryAttempts: 3}, nil)
	f.subscribe(t, alice, "130010", 7)
	require.NoError(t, f.s.Sync(ctx))

	// スケジューラは有効な設定で予定を組んだ後に無効化される
	require.NoError(t, f.store.SetEnabled(ctx, alice, false))

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, f.s.RunOnce(ctx))
	f.s.Wait()

	assert.Zero(t, f.weather.currentCalls("130010"), "無効化後は天気を取得しないべき")
	assert.Zero(t, f.notifier.callCount(), "無効化後は配信しないべき")

	logs := f.deliveryLogs(t, alice)
	require.Len(t, logs, 1)
	assert.Equal(t, model.DeliveryStatusSkipped, logs[0].Status)

	job, ok := f.s.JobState(alice)
	require.True(t, ok)
	assert.Equal(t, StateIdle, job.State)

	// 次の同期でキューから外れる
	require.NoError(t, f.s.Sync(ctx))
	_, ok = f.s.JobState(alice)
	assert.False(t, ok)
}

func TestScheduler_RetriesWeatherFailureWithDoublingDelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 10, 18, 7, 0, 0, 0, jst), Config{RetryAttempts: 3, RetryDelay: time.Minute}, nil)
	f.weather.currentFn = func(areaCode string, call int) (*model.CurrentWeather, error) {
		if call <= 2 {
			return nil, model.NewWeatherError(model.ErrUpstreamUnavailable, areaCode, errors.New("503"))
		}
		return sunny(areaCode), nil
	}
	f.subscribe(t, alice, "130010", 7)
	require.NoError(t, f.s.Sync(ctx))
	require.Equal(t, 1, f.s.RunOnce(ctx))

	// 1回目の失敗後は1分待つ
	blockUntil(t, f.clock, 1)
	job, _ := f.s.JobState(alice)
	assert.Equal(t, StateRetrying, job.State)
	assert.Equal(t, 1, job.RetryCount)
	f.clock.Advance(time.Minute)

	// 2回目の失敗後は2分待つ
	blockUntil(t, f.clock, 1)
	assert.Equal(t, 2, f.weather.currentCalls("130010"))
	f.clock.Advance(time.Minute)
	blockUntil(t, f.clock, 1)
	assert.Equal(t, 2, f.weather.currentCalls("130010"), "2分経つまで再試行しないべき")
	f.clock.Advance(time.Minute)

	f.s.Wait()
	assert.Equal(t, 3, f.weather.currentCalls("130010"))
	assert.Equal(t, 1, f.notifier.sentCount())

	logs := f.deliveryLogs(t, alice)
	require.Len(t, logs, 1)
	assert.Equal(t, model.DeliveryStatusSuccess, logs[0].Status)
	assert.Equal(t, 3, logs[0].Attempts)
	assert.Contains(t, f.logs.String(), "天気通知に失敗したため再試行します")
}

func TestScheduler_PermanentDeliveryErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 10, 18, 7, 0, 0, 0, jst)
	f := newFixture(t, start, Config{RetryAttempts: 3, RetryDelay: time.Minute, CatchUpWindow: time.Hour}, nil)
	f.notifier.sendFn = func(int) error {
		return &notify.DeliveryError{UserID: alice, Permanent: true, Err: errors.New("Cannot send messages to this user")}
	}
	f.subscribe(t, alice, "130010", 7)
	require.NoError(t, f.s.Sync(ctx))
	require.Equal(t, 1, f.s.RunOnce(ctx))
	f.s.Wait()

	assert.Equal(t, 1, f.notifier.callCount())
	job, _ := f.s.JobState(alice)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, "2025-10-18", job.FailedDate)

	logs := f.deliveryLogs(t, alice)
	require.Len(t, logs, 1)
	assert.Equal(t, model.DeliveryStatusFailed, logs[0].Status)
	assert.Equal(t, 1, logs[0].Attempts)
	assert.Contains(t, logs[0].Error, "Cannot send messages")

	// 再起動して同期し直しても同じ日には再試行しない
	f.clock.Advance(10 * time.Minute)
	restarted := New(f.store, f.store, f.weather, nil, f.notifier, f.clock,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config{RetryAttempts: 3, CatchUpWindow: time.Hour, DefaultLocation: jst})
	require.NoError(t, restarted.Sync(ctx))
	assert.Equal(t, 0, restarted.RunOnce(ctx))
	restarted.Wait()
	assert.Equal(t, 1, f.notifier.callCount())
}

func TestScheduler_TransientDeliveryFailureExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 10, 18, 7, 0, 0, 0, jst), Config{RetryAttempts: 2, RetryDelay: time.Minute}, nil)
	f.notifier.sendFn = func(int) error {
		return &notify.DeliveryError{UserID: alice, Err: errors.New("502 Bad Gateway")}
	}
	f.subscribe(t, alice, "130010", 7)
	require.NoError(t, f.s.Sync(ctx))
	require.Equal(t, 1, f.s.RunOnce(ctx))

	blockUntil(t, f.clock, 1)
	f.clock.Advance(time.Minute)
	f.s.Wait()

	assert.Equal(t, 2, f.notifier.callCount())
	assert.Equal(t, 1, f.weather.currentCalls("130010"), "送信の再試行では天気を取得し直さないべき")

	out := f.logs.String()
	assert.Contains(t, out, "天気通知の配信に失敗しました")
	assert.Contains(t, out, `"user_id":"`+alice+`"`)
	assert.Contains(t, out, `"area_code":"130010"`)
	assert.Contains(t, out, `"attempts":2`)

	logs := f.deliveryLogs(t, alice)
	require.Len(t, logs, 1)
	assert.Equal(t, model.DeliveryStatusFailed, logs[0].Status)
	assert.Equal(t, 2, logs[0].Attempts)
}

func TestScheduler_AlertFailureStillDelivers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 10, 18, 7, 0, 0, 0, jst), Config{RetryAttempts: 1}, nil)
	f.weather.alertsErr = model.NewWeatherError(model.ErrUpstreamUnavailable, "130010", nil)
	f.subscribe(t, alice, "130010", 7)
	require.NoError(t, f.s.Sync(ctx))

	require.Equal(t, 1, f.s.RunOnce(ctx))
	f.s.Wait()
	assert.Equal(t, 1, f.notifier.sentCount())
}

func TestScheduler_CatchUpAfterStartup(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, time.Date(2025, 10, 18, 7, 30, 0, 0, jst), Config{CatchUpWindow: time.Hour}, nil)
	f.subscribe(t, alice, "130010", 7)
	require.NoError(t, f.s.Sync(ctx))
	assert.Equal(t, 1, f.s.RunOnce(ctx), "猶予内なら起動直後に配信するべき")
	f.s.Wait()

	late := newFixture(t, time.Date(2025, 10, 18, 9, 0, 0, 0, jst), Config{CatchUpWindow: time.Hour}, nil)
	late.subscribe(t, alice, "130010", 7)
	require.NoError(t, late.s.Sync(ctx))
	assert.Equal(t, 0, late.s.RunOnce(ctx), "猶予を過ぎていれば翌日まで待つべき")
	job, _ := late.s.JobState(alice)
	assert.True(t, job.next.Equal(time.Date(2025, 10, 19, 7, 0, 0, 0, jst)))
}

func TestScheduler_SyncSeedsLastFiredDateFromDeliveryLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 10, 18, 7, 30, 0, 0, jst), Config{CatchUpWindow: time.Hour}, nil)
	f.subscribe(t, alice, "130010", 7)
	require.NoError(t, f.store.Record(ctx, &model.DeliveryLog{
		DiscordUserID: alice, AreaCode: "130010", DeliveredOn: "2025-10-18", Status: model.DeliveryStatusSuccess, Attempts: 1,
	}))

	require.NoError(t, f.s.Sync(ctx))
	assert.Equal(t, 0, f.s.RunOnce(ctx), "配信済みの日は再配信しないべき")
	job, _ := f.s.JobState(alice)
	assert.Equal(t, "2025-10-18", job.LastFiredDate)
}

func TestScheduler_UsersAreIndependent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, time.Date(2025, 10, 18, 7, 0, 0, 0, jst), Config{RetryAttempts: 3, RetryDelay: 10 * time.Minute, MaxConcurrent: 2}, nil)
	f.weather.currentFn = func(areaCode string, call int) (*model.CurrentWeather, error) {
		if areaCode == "130010" {
			return nil, model.NewWeatherError(model.ErrUpstreamUnavailable, areaCode, nil)
		}
		return sunny(areaCode), nil
	}
	f.subscribe(t, alice, "130010", 7)
	f.subscribe(t, bob, "270000", 7)
	require.NoError(t, f.s.Sync(ctx))
	require.Equal(t, 2, f.s.RunOnce(ctx))

	// aliceが再試行待ちの間にbobは配信される
	blockUntil(t, f.clock, 1)
	require.Eventually(t, func() bool { return f.notifier.sentCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, bob, f.notifier.sent[0].userID)

	cancel()
	f.s.Wait()
}

func TestScheduler_BackoffReleasesConcurrencySlot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, time.Date(2025, 10, 18, 7, 0, 0, 0, jst), Config{RetryAttempts: 3, RetryDelay: 2 * time.Hour, MaxConcurrent: 1}, nil)
	f.weather.currentFn = func(areaCode string, call int) (*model.CurrentWeather, error) {
		if areaCode == "130010" {
			return nil, model.NewWeatherError(model.ErrUpstreamUnavailable, areaCode, nil)
		}
		return sunny(areaCode), nil
	}
	f.subscribe(t, alice, "130010", 7)
	f.subscribe(t, bob, "270000", 8)
	require.NoError(t, f.s.Sync(ctx))
	require.Equal(t, 1, f.s.RunOnce(ctx))

	// aliceは2時間の再試行待ちに入る
	blockUntil(t, f.clock, 1)
	job, _ := f.s.JobState(alice)
	require.Equal(t, StateRetrying, job.State)

	f.clock.Advance(time.Hour) // 08:00
	require.Equal(t, 1, f.s.RunOnce(ctx))
	require.Eventually(t, func() bool { return f.notifier.sentCount() == 1 }, 5*time.Second, 10*time.Millisecond,
		"並列数1でも再試行待ちのユーザーが他のユーザーの配信を止めないべき")
	assert.Equal(t, bob, f.notifier.sent[0].userID)
	assert.Equal(t, 1, f.weather.currentCalls("130010"))

	cancel()
	f.s.Wait()
	job, _ = f.s.JobState(alice)
	assert.Equal(t, StateIdle, job.State)
}

func TestScheduler_CancelWhileWaitingForSlotResetsState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, time.Date(2025, 10, 18, 7, 0, 0, 0, jst), Config{MaxConcurrent: 1}, nil)
	f.subscribe(t, alice, "130010", 7)
	require.NoError(t, f.s.Sync(ctx))

	// 枠を埋めておき、aliceの配信を枠待ちにする
	f.s.sem <- struct{}{}
	defer func() { <-f.s.sem }()

	require.Equal(t, 1, f.s.RunOnce(ctx))
	job, _ := f.s.JobState(alice)
	assert.Equal(t, StateDue, job.State)

	cancel()
	f.s.Wait()

	job, _ = f.s.JobState(alice)
	assert.Equal(t, StateIdle, job.State)
	assert.Equal(t, 0, f.notifier.callCount())
	f.s.mu.Lock()
	assert.Empty(t, f.s.inflight)
	f.s.mu.Unlock()
}

func TestScheduler_JobCountAndNextFire(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 10, 18, 6, 0, 0, 0, jst), Config{}, nil)
	f.subscribe(t, alice, "130010", 7)
	f.subscribe(t, bob, "270000", 21)
	require.NoError(t, f.s.Sync(ctx))

	assert.Equal(t, 2, f.s.JobCount())
	job, ok := f.s.JobState(bob)
	require.True(t, ok)
	assert.True(t, job.NextFireAt().Equal(time.Date(2025, 10, 18, 21, 0, 0, 0, jst)))

	require.NoError(t, f.store.SetEnabled(ctx, bob, false))
	require.NoError(t, f.s.Sync(ctx))
	assert.Equal(t, 1, f.s.JobCount())
}

func TestScheduler_ResyncReschedulesChangedHour(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Date(2025, 10, 18, 6, 0, 0, 0, jst), Config{}, nil)
	f.subscribe(t, alice, "130010", 7)
	require.NoError(t, f.s.Sync(ctx))

	f.subscribe(t, alice, "130010", 8)
	require.NoError(t, f.s.Sync(ctx))

	f.clock.Advance(time.Hour + time.Minute) // 07:01
	assert.Equal(t, 0, f.s.RunOnce(ctx))
	f.clock.Advance(time.Hour) // 08:01
	assert.Equal(t, 1, f.s.RunOnce(ctx))
	f.s.Wait()
}

func TestScheduler_StartDeliversAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, time.Date(2025, 10, 18, 7, 0, 0, 0, jst), Config{}, nil)
	f.subscribe(t, alice, "130010", 7)

	done := make(chan struct{})
	go func() {
		f.s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return f.notifier.sentCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, f.s.Running())
	assert.Equal(t, 1, f.s.JobCount())
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("コンテキストのキャンセルで停止するべき")
	}
	assert.False(t, f.s.Running())
}
