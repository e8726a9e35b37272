// Package scheduler はユーザーごとの定時天気通知を行うスケジューラを提供する。
// 通知時刻の優先度付きキューを1つのイベントループで処理し、
// 配信はユーザーごとに独立したゴルーチンで並列数を制限しながら実行する。
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hitoshi/tenkibot/internal/ai"
	"github.com/hitoshi/tenkibot/internal/model"
	"github.com/hitoshi/tenkibot/internal/notify"
	"github.com/hitoshi/tenkibot/internal/repository"
)

// WeatherSource は通知に使う天気情報の取得元。
type WeatherSource interface {
	Current(ctx context.Context, areaCode string) (*model.CurrentWeather, error)
	Forecast(ctx context.Context, areaCode string, days int) ([]model.ForecastDay, error)
	Alerts(ctx context.Context, areaCode string) ([]model.WeatherAlert, error)
}

// Recorder は配信結果を記録するインターフェース（メトリクス用）。
type Recorder interface {
	RecordNotification(status string, usedFallback bool, attempts int)
}

// Config はスケジューラの設定。
type Config struct {
	// RetryAttempts は1日あたりの最大試行回数（初回を含む）。
	RetryAttempts int
	// RetryDelay は初回の再試行までの待機時間。以降は2倍ずつ延びる。
	RetryDelay    time.Duration
	MaxConcurrent int
	// CatchUpWindow は通知時刻を過ぎてから起動した場合に当日分を配信する猶予。
	CatchUpWindow   time.Duration
	SyncInterval    time.Duration
	WeatherTimeout  time.Duration
	DefaultLocation *time.Location
}

func (c *Config) applyDefaults() {
	if c.RetryAttempts < 1 {
		c.RetryAttempts = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Minute
	}
	if c.WeatherTimeout <= 0 {
		c.WeatherTimeout = time.Minute
	}
	if c.DefaultLocation == nil {
		c.DefaultLocation = time.UTC
	}
}

type dedupeKey struct {
	userID string
	date   string
}

// Scheduler は定時天気通知のスケジューラ。
type Scheduler struct {
	subs     repository.SubscriptionRepository
	logs     repository.DeliveryLogRepository
	weather  WeatherSource
	gen      ai.Generator
	notifier notify.Notifier
	clock    clockwork.Clock
	logger   *slog.Logger
	cfg      Config
	recorder Recorder

	mu       sync.Mutex
	jobs     map[string]*Job
	queue    jobQueue
	inflight map[dedupeKey]struct{}

	wake    chan struct{}
	sem     chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// New はSchedulerの新しいインスタンスを生成する。
// genがnilの場合は常に定型メッセージを使う。
func New(
	subs repository.SubscriptionRepository,
	logs repository.DeliveryLogRepository,
	weather WeatherSource,
	gen ai.Generator,
	notifier notify.Notifier,
	clock clockwork.Clock,
	logger *slog.Logger,
	cfg Config,
) *Scheduler {
	cfg.applyDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		subs:     subs,
		logs:     logs,
		weather:  weather,
		gen:      gen,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		jobs:     make(map[string]*Job),
		inflight: make(map[dedupeKey]struct{}),
		wake:     make(chan struct{}, 1),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// SetRecorder はメトリクス記録先を設定する。
func (s *Scheduler) SetRecorder(r Recorder) {
	s.recorder = r
}

// Start はイベントループを起動する。
// コンテキストがキャンセルされるまで実行を継続し、終了時は実行中の配信を待つ。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("通知スケジューラを開始しました",
		slog.Int("max_concurrent", s.cfg.MaxConcurrent),
		slog.Int("retry_attempts", s.cfg.RetryAttempts),
		slog.Duration("sync_interval", s.cfg.SyncInterval),
	)
	s.running.Store(true)
	defer s.running.Store(false)

	if err := s.Sync(ctx); err != nil {
		s.logger.Error("通知設定の同期に失敗しました", slog.String("error", err.Error()))
	}

	syncTicker := s.clock.NewTicker(s.cfg.SyncInterval)
	defer syncTicker.Stop()

	for {
		s.RunOnce(ctx)

		var timer clockwork.Timer
		var timerC <-chan time.Time
		if next, ok := s.peek(); ok {
			timer = s.clock.NewTimer(next.Sub(s.clock.Now()))
			timerC = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.wg.Wait()
			s.logger.Info("通知スケジューラを停止しました")
			return
		case <-timerC:
		case <-s.wake:
		case <-syncTicker.Chan():
			if err := s.Sync(ctx); err != nil {
				s.logger.Error("通知設定の同期に失敗しました", slog.String("error", err.Error()))
			}
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Wait は実行中の配信がすべて終わるまで待つ。
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Sync は有効な通知設定からジョブを再構築する。
// 新しいジョブの最終配信日は配信記録から復元し、再起動後の重複配信を防ぐ。
// 無効化・削除された設定のジョブはキューから外す。
func (s *Scheduler) Sync(ctx context.Context) error {
	subs, err := s.subs.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("有効な通知設定の取得に失敗しました: %w", err)
	}

	now := s.clock.Now()
	since := now.UTC().AddDate(0, 0, -2).Format(dateLayout)
	delivered, err := s.logs.LastDeliveredDates(ctx, since)
	if err != nil {
		return fmt.Errorf("配信記録の取得に失敗しました: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		seen[sub.DiscordUserID] = struct{}{}
		s.scheduleLocked(sub, delivered[sub.DiscordUserID], now)
	}

	for userID, job := range s.jobs {
		if _, ok := seen[userID]; ok {
			continue
		}
		if job.index >= 0 {
			heap.Remove(&s.queue, job.index)
		}
		delete(s.jobs, userID)
	}

	s.logger.Info("通知設定を同期しました", slog.Int("job_count", len(s.jobs)))
	s.notify()
	return nil
}

// scheduleLocked はジョブを追加または更新する。s.mu を保持して呼ぶこと。
func (s *Scheduler) scheduleLocked(sub *model.Subscription, lastDelivered string, now time.Time) {
	job, ok := s.jobs[sub.DiscordUserID]
	if !ok {
		job = newJob(sub, s.cfg.DefaultLocation)
		job.LastFiredDate = lastDelivered
		job.next = job.nextFire(now, s.cfg.CatchUpWindow)
		s.jobs[job.UserID] = job
		heap.Push(&s.queue, job)
		return
	}

	job.AreaCode = sub.AreaCode
	if lastDelivered > job.LastFiredDate {
		job.LastFiredDate = lastDelivered
	}
	loc := sub.Location(s.cfg.DefaultLocation)
	if job.FireHour == sub.NotificationHour && job.Location.String() == loc.String() {
		return
	}
	job.FireHour = sub.NotificationHour
	job.Location = loc
	job.next = job.nextFire(now, 0)
	if job.index >= 0 {
		heap.Fix(&s.queue, job.index)
	} else {
		heap.Push(&s.queue, job)
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) peek() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.peek()
}

// RunOnce は通知時刻を迎えたジョブをすべて取り出して配信を開始し、開始した件数を返す。
// ジョブは配信の完了を待たずに翌日の通知時刻で再登録する。
func (s *Scheduler) RunOnce(ctx context.Context) int {
	now := s.clock.Now()

	s.mu.Lock()
	var due []snapshot
	for s.queue.Len() > 0 && !s.queue[0].next.After(now) {
		job := s.queue[0]
		fired := job.next.In(job.Location)
		date := fired.Format(dateLayout)
		y, m, d := fired.Date()
		job.next = job.fireAt(y, m, d+1)
		heap.Fix(&s.queue, 0)

		key := dedupeKey{userID: job.UserID, date: date}
		if job.handled(date) {
			continue
		}
		if _, busy := s.inflight[key]; busy {
			continue
		}
		s.inflight[key] = struct{}{}
		job.State = StateDue
		job.RetryCount = 0
		due = append(due, snapshot{
			UserID:   job.UserID,
			AreaCode: job.AreaCode,
			Location: job.Location,
			Date:     date,
			FiredAt:  now,
		})
	}
	s.mu.Unlock()

	for _, snap := range due {
		s.wg.Add(1)
		go s.fire(ctx, snap)
	}
	return len(due)
}

// JobState はユーザーのジョブの状態を返す。
// 通知設定が無効なユーザーや未同期のユーザーはfalseを返す。
func (s *Scheduler) JobState(userID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[userID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// JobCount はスケジュール中のジョブ数を返す。
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Running はイベントループが動いているかを返す。
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) setState(userID string, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[userID]; ok {
		job.State = state
	}
}

// fire は1ユーザー・1日分の配信を行う。
// 取得または送信に失敗した場合は待機時間を倍にしながら再試行し、
// 上限に達するか恒久的な送信エラーの場合はその日の配信を諦める。
func (s *Scheduler) fire(ctx context.Context, snap snapshot) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, dedupeKey{userID: snap.UserID, date: snap.Date})
		s.mu.Unlock()
	}()

	var (
		msg          *notify.Message
		usedFallback bool
		lastErr      error
		attempt      int
		areaCode     = snap.AreaCode
	)

	for attempt = 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		// 並列数の枠は1回の試行の間だけ保持し、再試行の待機中は他のユーザーに譲る
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.setState(snap.UserID, StateIdle)
			return
		}
		finished, err := s.tryOnce(ctx, snap, &areaCode, &msg, &usedFallback, attempt)
		<-s.sem
		if finished {
			return
		}
		lastErr = err

		if notify.IsPermanent(lastErr) || attempt == s.cfg.RetryAttempts {
			break
		}
		delay := s.cfg.RetryDelay << (attempt - 1)
		s.mu.Lock()
		if job, ok := s.jobs[snap.UserID]; ok {
			job.State = StateRetrying
			job.RetryCount = attempt
		}
		s.mu.Unlock()
		s.logger.Warn("天気通知に失敗したため再試行します",
			slog.String("user_id", snap.UserID),
			slog.String("area_code", areaCode),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()),
		)
		select {
		case <-s.clock.After(delay):
		case <-ctx.Done():
			s.setState(snap.UserID, StateIdle)
			return
		}
	}
	if attempt > s.cfg.RetryAttempts {
		attempt = s.cfg.RetryAttempts
	}

	s.fail(ctx, snap, areaCode, attempt, usedFallback, lastErr)
}

// tryOnce は通知設定を再確認してから1回分の配信を試みる。
// 配信済みまたはスキップしてその日の処理を終えた場合はtrueを返す。
func (s *Scheduler) tryOnce(ctx context.Context, snap snapshot, areaCode *string, msg **notify.Message, usedFallback *bool, attempt int) (bool, error) {
	// 予定を決めてから設定が変わっている可能性があるため、取得の直前に再確認する
	sub, err := s.subs.GetSubscription(ctx, snap.UserID)
	if err != nil {
		return false, fmt.Errorf("通知設定の再確認に失敗しました: %w", err)
	}
	if sub == nil || !sub.Enabled {
		s.skip(ctx, snap, *areaCode, attempt)
		return true, nil
	}
	if sub.AreaCode != *areaCode {
		*areaCode = sub.AreaCode
		*msg = nil
	}
	if err := s.attempt(ctx, snap, *areaCode, msg, usedFallback); err != nil {
		return false, err
	}
	s.succeed(ctx, snap, *areaCode, attempt, *usedFallback)
	return true, nil
}

// attempt は取得・メッセージ生成・送信を1回行う。
// 取得済みのメッセージがあれば送信だけをやり直す。
func (s *Scheduler) attempt(ctx context.Context, snap snapshot, areaCode string, msg **notify.Message, usedFallback *bool) error {
	if *msg == nil {
		s.setState(snap.UserID, StateFetching)
		m, fallback, err := s.compose(ctx, snap, areaCode)
		if err != nil {
			return err
		}
		*msg = m
		*usedFallback = fallback
	}

	s.setState(snap.UserID, StateDelivering)
	return s.notifier.SendDirectMessage(ctx, snap.UserID, **msg)
}

// compose は天気を取得し、AIまたは定型文の本文で通知メッセージを組み立てる。
func (s *Scheduler) compose(ctx context.Context, snap snapshot, areaCode string) (*notify.Message, bool, error) {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WeatherTimeout)
	defer cancel()

	cw, err := s.weather.Current(wctx, areaCode)
	if err != nil {
		return nil, false, err
	}
	days, err := s.weather.Forecast(wctx, areaCode, 1)
	if err != nil {
		return nil, false, err
	}
	var today *model.ForecastDay
	for i := range days {
		if days[i].Date == snap.Date {
			today = &days[i]
		}
	}

	// 警報が取れなくても通知は送る
	alerts, err := s.weather.Alerts(wctx, areaCode)
	if err != nil {
		s.logger.Warn("警報・注意報の取得に失敗したため警報なしで通知します",
			slog.String("user_id", snap.UserID),
			slog.String("area_code", areaCode),
			slog.String("error", err.Error()),
		)
		alerts = nil
	}

	local := snap.FiredAt.In(snap.Location)
	wc := ai.NewWeatherContext(cw, alerts, local)
	mt := ai.MessageTypeForHour(local.Hour())
	if wc.HasAlert() {
		mt = ai.MessageAlert
	}
	text, fallback := ai.GenerateOrFallback(ctx, s.gen, wc, mt, s.logger)

	m := notify.Compose(cw, today, alerts, text, snap.Location)
	return &m, fallback, nil
}

func (s *Scheduler) succeed(ctx context.Context, snap snapshot, areaCode string, attempts int, usedFallback bool) {
	s.mu.Lock()
	if job, ok := s.jobs[snap.UserID]; ok {
		job.LastFiredDate = snap.Date
		job.RetryCount = 0
		job.State = StateIdle
	}
	s.mu.Unlock()

	s.logger.Info("天気通知を配信しました",
		slog.String("user_id", snap.UserID),
		slog.String("area_code", areaCode),
		slog.Int("attempt", attempts),
		slog.Bool("used_fallback", usedFallback),
	)
	s.record(ctx, &model.DeliveryLog{
		DiscordUserID: snap.UserID,
		AreaCode:      areaCode,
		DeliveredOn:   snap.Date,
		Status:        model.DeliveryStatusSuccess,
		Attempts:      attempts,
		UsedFallback:  usedFallback,
	})
}

func (s *Scheduler) skip(ctx context.Context, snap snapshot, areaCode string, attempts int) {
	s.setState(snap.UserID, StateIdle)
	s.logger.Info("通知が無効化されたため配信をスキップしました",
		slog.String("user_id", snap.UserID),
		slog.String("area_code", areaCode),
	)
	s.record(ctx, &model.DeliveryLog{
		DiscordUserID: snap.UserID,
		AreaCode:      areaCode,
		DeliveredOn:   snap.Date,
		Status:        model.DeliveryStatusSkipped,
		Attempts:      attempts - 1,
	})
}

// fail はその日の配信を諦める。ユーザーへの失敗通知は送らない。
func (s *Scheduler) fail(ctx context.Context, snap snapshot, areaCode string, attempts int, usedFallback bool, lastErr error) {
	s.mu.Lock()
	if job, ok := s.jobs[snap.UserID]; ok {
		job.FailedDate = snap.Date
		job.RetryCount = attempts
		job.State = StateFailed
	}
	s.mu.Unlock()

	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	s.logger.Error("天気通知の配信に失敗しました",
		slog.String("user_id", snap.UserID),
		slog.String("area_code", areaCode),
		slog.Int("attempts", attempts),
		slog.Bool("permanent", notify.IsPermanent(lastErr)),
		slog.String("error", errMsg),
	)
	s.record(ctx, &model.DeliveryLog{
		DiscordUserID: snap.UserID,
		AreaCode:      areaCode,
		DeliveredOn:   snap.Date,
		Status:        model.DeliveryStatusFailed,
		Attempts:      attempts,
		UsedFallback:  usedFallback,
		Error:         errMsg,
	})
}

func (s *Scheduler) record(ctx context.Context, log *model.DeliveryLog) {
	if s.recorder != nil {
		s.recorder.RecordNotification(string(log.Status), log.UsedFallback, log.Attempts)
	}
	// 停止処理中でも記録は残す
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.logs.Record(rctx, log); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("配信記録の保存に失敗しました",
			slog.String("user_id", log.DiscordUserID),
			slog.String("error", err.Error()),
		)
	}
}
