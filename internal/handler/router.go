package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/tenkibot/internal/metrics"
	"github.com/hitoshi/tenkibot/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	APIToken      string
	RateLimiter   *middleware.RateLimiter
	StatusMetrics middleware.StatusRecorder
	// Gatherer が設定されていれば /metrics を公開する
	Gatherer prometheus.Gatherer

	HealthChecker HealthChecker

	// 地域
	Catalog  AreaCatalog
	Resolver AreaResolver

	// 天気
	Weather WeatherService

	// 通知設定
	SubscriptionService  SubscriptionServiceInterface
	Deliveries           DeliveryHistory
	Schedule             Schedule
	OnSubscriptionChange func()
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → (/api/*) SecurityHeaders → TokenAuth → RateLimit
//
// /health と /metrics は認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusMetrics))
	r.Use(middleware.NewRecoveryMiddleware(logger))

	r.Get("/health", HealthHandler(deps.HealthChecker, deps.Catalog, deps.Schedule))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	areaHandler := NewAreaHandler(deps.Catalog, deps.Resolver)
	weatherHandler := NewWeatherHandler(deps.Weather)
	subHandler := NewSubscriptionHandler(deps.SubscriptionService, deps.Deliveries, deps.Schedule, deps.OnSubscriptionChange)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewSecurityHeadersMiddleware())
		r.Use(middleware.NewTokenAuthMiddleware(deps.APIToken))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		r.Route("/areas", func(r chi.Router) {
			r.Get("/resolve", areaHandler.Resolve)
			r.Get("/{code}", areaHandler.GetArea)
			r.Get("/{code}/children", areaHandler.ListChildren)
		})

		r.Route("/weather/{code}", func(r chi.Router) {
			r.Get("/current", weatherHandler.Current)
			r.Get("/forecast", weatherHandler.Forecast)
			r.Get("/alerts", weatherHandler.Alerts)
		})

		r.Route("/subscriptions/{userID}", func(r chi.Router) {
			r.Get("/", subHandler.GetSubscription)
			r.Put("/", subHandler.SaveSubscription)
			r.Put("/enabled", subHandler.SetEnabled)
			r.Get("/deliveries", subHandler.ListDeliveries)
		})
	})

	return r
}
