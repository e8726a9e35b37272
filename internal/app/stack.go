package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/tenkibot/internal/ai"
	"github.com/hitoshi/tenkibot/internal/area"
	"github.com/hitoshi/tenkibot/internal/config"
	"github.com/hitoshi/tenkibot/internal/database"
	"github.com/hitoshi/tenkibot/internal/handler"
	"github.com/hitoshi/tenkibot/internal/jma"
	"github.com/hitoshi/tenkibot/internal/metrics"
	"github.com/hitoshi/tenkibot/internal/middleware"
	"github.com/hitoshi/tenkibot/internal/notify"
	"github.com/hitoshi/tenkibot/internal/ratelimit"
	"github.com/hitoshi/tenkibot/internal/repository"
	"github.com/hitoshi/tenkibot/internal/security"
	"github.com/hitoshi/tenkibot/internal/subscription"
	"github.com/hitoshi/tenkibot/internal/weather"
	"github.com/hitoshi/tenkibot/internal/worker/cleanup"
	"github.com/hitoshi/tenkibot/internal/worker/scheduler"
)

const (
	catalogRetryInitial = time.Second
	catalogRetryMax     = time.Minute
)

// stack は各起動モードで共有する依存関係。
type stack struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *sql.DB
	backend database.Backend
	subs    repository.SubscriptionRepository
	logs    repository.DeliveryLogRepository

	registry *prometheus.Registry
	metrics  *metrics.Collector
	guard    security.UpstreamGuard

	jma      *jma.Client
	catalog  *area.Catalog
	resolver *area.Resolver
	weather  *weather.Gateway
}

// newStack はストア・上流クライアント・地域カタログ・WeatherGatewayを初期化する。
// 地域カタログは取得できるまで再試行する。
func newStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	s := &stack{
		cfg:      cfg,
		logger:   slog.Default(),
		registry: prometheus.NewRegistry(),
		guard:    security.NewUpstreamGuard(),
	}
	s.metrics = metrics.NewCollector(s.registry)

	if err := s.openStore(ctx); err != nil {
		return nil, err
	}

	for _, u := range []string{cfg.JMABaseURL, cfg.JMAFeedURL} {
		if err := s.guard.ValidateURL(u); err != nil {
			s.Close()
			return nil, fmt.Errorf("上流URLの設定が不正です (%s): %w", u, err)
		}
	}

	policy := jma.DefaultRetryPolicy()
	policy.Ceiling = cfg.WeatherRetryCeiling
	s.jma = jma.NewClient(
		s.guard.NewClient(cfg.WeatherRequestTimeout),
		s.logger,
		s.budget("jma", cfg.JMAAPIRateLimit),
		jma.WithBaseURL(cfg.JMABaseURL),
		jma.WithRequestTimeout(cfg.WeatherRequestTimeout),
		jma.WithRetryPolicy(policy),
		jma.WithRecorder(s.metrics),
	)

	var src area.Source = s.jma
	if cfg.AreaCatalogPath != "" {
		src = area.FileSource{Path: cfg.AreaCatalogPath}
	}
	catalog, err := area.LoadWithRetry(ctx, src, s.logger, catalogRetryInitial, catalogRetryMax)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("地域カタログの読み込みに失敗しました: %w", err)
	}
	s.catalog = catalog
	s.resolver = area.NewResolver(catalog)
	s.weather = weather.NewGateway(s.jma, catalog, s.logger, weather.WithCacheTTL(cfg.WeatherCacheTTL))

	s.logger.Info("地域カタログを読み込みました", slog.Int("area_count", catalog.Len()))
	return s, nil
}

// openStore はDATABASE_URLに応じて通知設定と配信記録の保存先を開く。
// SQLiteはファイル単位で完結するため起動時にマイグレーションを適用する。
func (s *stack) openStore(ctx context.Context) error {
	db, backend, err := database.Open(s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.backend = backend

	if backend == database.BackendMemory {
		store := repository.NewMemoryStore()
		s.subs, s.logs = store, store
		s.logger.Warn("通知設定をプロセス内メモリに保持します。再起動すると失われます")
		return nil
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if backend == database.BackendSQLite {
		if err := database.RunMigrations(s.cfg.DatabaseURL); err != nil {
			db.Close()
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	s.db = db

	dialect := repository.DialectPostgres
	if backend == database.BackendSQLite {
		dialect = repository.DialectSQLite
	}
	s.subs = repository.NewSQLSubscriptionRepo(db, dialect)
	s.logs = repository.NewSQLDeliveryLogRepo(db, dialect)

	s.logger.Info("database connection established", slog.String("backend", string(backend)))
	return nil
}

func (s *stack) budget(name string, perMinute int) *ratelimit.Budget {
	b := ratelimit.NewBudget(name, perMinute)
	b.OnRejected(s.metrics.RecordBudgetRejected)
	return b
}

// healthChecker はmemory://の場合にnilを返す。
func (s *stack) healthChecker() handler.HealthChecker {
	if s.db == nil {
		return nil
	}
	return s.db
}

// newScheduler は通知スケジューラを組み立てる。
// GEMINI_API_KEYが未設定の場合は常に定型メッセージで配信する。
func (s *stack) newScheduler() (*scheduler.Scheduler, error) {
	cfg := s.cfg

	var gen ai.Generator
	if cfg.GeminiAPIKey != "" {
		if err := s.guard.ValidateURL(cfg.GeminiBaseURL); err != nil {
			return nil, fmt.Errorf("GEMINI_BASE_URLの設定が不正です: %w", err)
		}
		gemini := ai.NewGeminiClient(
			s.guard.NewClient(cfg.AITimeout),
			ai.GeminiConfig{
				APIKey:  cfg.GeminiAPIKey,
				Model:   cfg.GeminiModel,
				BaseURL: cfg.GeminiBaseURL,
				Timeout: cfg.AITimeout,
			},
			s.budget("gemini", cfg.GeminiAPIRateLimit),
			security.NewMessageSanitizer(ai.MaxMessageRunes),
			s.logger,
		)
		gemini.SetRecorder(s.metrics)
		gen = gemini
	} else {
		s.logger.Warn("GEMINI_API_KEYが未設定のため定型メッセージで配信します")
	}

	notifier, err := notify.NewDiscordNotifier(cfg.DiscordToken, s.guard.NewClient(cfg.NotifySendTimeout), cfg.NotifySendTimeout, s.logger)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(s.subs, s.logs, s.weather, gen, notifier, clockwork.NewRealClock(), s.logger, scheduler.Config{
		RetryAttempts:   cfg.NotificationRetryAttempts,
		RetryDelay:      cfg.NotificationRetryDelay,
		MaxConcurrent:   cfg.NotificationMaxConcurrent,
		CatchUpWindow:   cfg.NotificationCatchUp,
		SyncInterval:    cfg.SchedulerSyncInterval,
		WeatherTimeout:  cfg.WeatherRetryCeiling + cfg.WeatherRequestTimeout,
		DefaultLocation: cfg.DefaultLocation,
	})
	sched.SetRecorder(s.metrics)
	return sched, nil
}

// newBulletinWatcher は防災情報フィードの監視を組み立てる。
// 更新を検知した府県予報区の警報キャッシュを無効化する。
func (s *stack) newBulletinWatcher() *jma.BulletinWatcher {
	w := jma.NewBulletinWatcher(s.guard.NewClient(s.cfg.WeatherRequestTimeout), s.cfg.JMAFeedURL, s.catalog, s.weather, s.logger)
	w.SetRecorder(s.metrics)
	return w
}

func (s *stack) newCleanupJob() *cleanup.CleanupJob {
	job := cleanup.NewCleanupJob(s.logs, nil, s.logger)
	job.RetentionDays = s.cfg.LogRetentionDays
	return job
}

// newRouter は運用APIのルーターを組み立てる。
// schedは同じプロセスでスケジューラを動かす場合だけ渡す。
func (s *stack) newRouter(rl *middleware.RateLimiter, sched *scheduler.Scheduler) http.Handler {
	var (
		schedule handler.Schedule
		onChange func()
	)
	if sched != nil {
		schedule = sched
		onChange = func() {
			if err := sched.Sync(context.Background()); err != nil {
				s.logger.Error("通知設定の同期に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
	return handler.NewRouter(&handler.RouterDeps{
		Logger:               s.logger,
		APIToken:             s.cfg.AdminAPIToken,
		RateLimiter:          rl,
		StatusMetrics:        s.metrics,
		Gatherer:             s.registry,
		HealthChecker:        s.healthChecker(),
		Catalog:              s.catalog,
		Resolver:             s.resolver,
		Weather:              s.weather,
		SubscriptionService:  subscription.NewService(s.subs, s.resolver, s.catalog, s.cfg.DefaultTimezone),
		Deliveries:           s.logs,
		Schedule:             schedule,
		OnSubscriptionChange: onChange,
	})
}

// newWorkerMux はworkerモードで公開する /metrics と /health を組み立てる。
func (s *stack) newWorkerMux(sched *scheduler.Scheduler) *http.ServeMux {
	mux := metrics.SetupMetricsRoute(s.registry)
	mux.Handle("/health", handler.HealthHandler(s.healthChecker(), s.catalog, sched))
	return mux
}

// Close はデータベース接続を閉じる。
func (s *stack) Close() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		s.logger.Warn("failed to close database", slog.String("error", err.Error()))
	}
}
