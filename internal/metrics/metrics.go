// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 上流クライアント・スケジューラ・HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordUpstreamRequest(upstream string, statusCode int, duration time.Duration)
	RecordNotification(status string, usedFallback bool, attempts int)
	RecordHTTPStatus(statusCode int)
	RecordBulletin(changedOffices int)
	RecordBudgetRejected(upstream string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	upstreamRequests *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	notifications    *prometheus.CounterVec
	fallbacks        prometheus.Counter
	attempts         prometheus.Histogram
	httpStatus       *prometheus.CounterVec
	bulletinChanges  prometheus.Counter
	budgetRejected   *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenkibot_upstream_requests_total",
			Help: "上流API（気象庁・Gemini）へのリクエスト数",
		}, []string{"upstream", "status_code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tenkibot_upstream_latency_seconds",
			Help:    "上流APIのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"upstream"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenkibot_notifications_total",
			Help: "結果別の定時通知数",
		}, []string{"status"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tenkibot_notification_fallback_total",
			Help: "定型メッセージで配信した通知数",
		}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tenkibot_notification_attempts",
			Help:    "通知1件あたりの試行回数",
			Buckets: []float64{1, 2, 3, 5, 8},
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenkibot_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		bulletinChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tenkibot_bulletin_changed_offices_total",
			Help: "更新情報フィードで検知した予報区の更新数",
		}),
		budgetRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tenkibot_budget_rejected_total",
			Help: "リクエスト予算の不足で送信しなかった上流リクエスト数",
		}, []string{"upstream"}),
	}

	reg.MustRegister(
		c.upstreamRequests,
		c.upstreamLatency,
		c.notifications,
		c.fallbacks,
		c.attempts,
		c.httpStatus,
		c.bulletinChanges,
		c.budgetRejected,
	)

	return c
}

// RecordUpstreamRequest は上流APIへのリクエスト結果を記録する。
// statusCode が0の場合は接続エラーとして "error" で記録する。
func (c *Collector) RecordUpstreamRequest(upstream string, statusCode int, duration time.Duration) {
	code := "error"
	if statusCode > 0 {
		code = strconv.Itoa(statusCode)
	}
	c.upstreamRequests.WithLabelValues(upstream, code).Inc()
	c.upstreamLatency.WithLabelValues(upstream).Observe(duration.Seconds())
}

// RecordNotification は定時通知の結果を記録する。
func (c *Collector) RecordNotification(status string, usedFallback bool, attempts int) {
	c.notifications.WithLabelValues(status).Inc()
	if usedFallback {
		c.fallbacks.Inc()
	}
	if attempts > 0 {
		c.attempts.Observe(float64(attempts))
	}
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordBulletin は更新情報フィードで検知した予報区数を記録する。
func (c *Collector) RecordBulletin(changedOffices int) {
	c.bulletinChanges.Add(float64(changedOffices))
}

// RecordBudgetRejected はリクエスト予算の不足で拒否された上流リクエストを記録する。
func (c *Collector) RecordBudgetRejected(upstream string) {
	c.budgetRejected.WithLabelValues(upstream).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを登録したServeMuxを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
