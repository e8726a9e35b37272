// Package jma は気象庁防災情報JSON（bosai）へのHTTPアクセスを提供する。
// 再試行・指数バックオフ・全体の所要時間上限・リクエスト予算の消費を担い、
// ペイロードの解釈は weather パッケージが行う。
package jma

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hitoshi/tenkibot/internal/model"
	"github.com/hitoshi/tenkibot/internal/ratelimit"
)

const (
	// DefaultBaseURL は気象庁防災情報のベースURL。
	DefaultBaseURL = "https://www.jma.go.jp/bosai"
	// userAgent は上流APIに送るUser-Agent。
	userAgent = "tenkibot/1.0 (Discord weather notifier)"
	// maxBodySize はレスポンスボディの最大サイズ。
	maxBodySize = 10 << 20
)

// Recorder は上流リクエストの結果を記録するインターフェース（メトリクス用）。
type Recorder interface {
	RecordUpstreamRequest(upstream string, statusCode int, duration time.Duration)
}

// retryableError は再試行の対象となる失敗を表す。
type retryableError struct {
	err        error
	retryAfter time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Client は気象庁防災情報JSONのHTTPクライアント。
type Client struct {
	httpClient     *http.Client
	logger         *slog.Logger
	baseURL        string // テスト用にベースURLを差し替え可能
	budget         *ratelimit.Budget
	policy         RetryPolicy
	requestTimeout time.Duration
	clock          clockwork.Clock
	sleep          func(ctx context.Context, d time.Duration) error
	rnd            func() float64
	recorder       Recorder
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithBaseURL はベースURLを変更する。
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithRetryPolicy は再試行方針を変更する。
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithRequestTimeout は1回のHTTPリクエストのタイムアウトを設定する。
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithClock は時刻の取得と待機に使うClockを差し替える。
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		c.clock = clock
		c.sleep = clockSleep(clock)
	}
}

// WithSleep は再試行前の待機処理を差し替える。
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithRecorder はメトリクス記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// NewClient はClientの新しいインスタンスを生成する。
// budgetはスケジューラ等と共有する気象庁APIのリクエスト予算。
func NewClient(httpClient *http.Client, logger *slog.Logger, budget *ratelimit.Budget, opts ...Option) *Client {
	clock := clockwork.NewRealClock()
	c := &Client{
		httpClient:     httpClient,
		logger:         logger,
		baseURL:        DefaultBaseURL,
		budget:         budget,
		policy:         DefaultRetryPolicy(),
		requestTimeout: 10 * time.Second,
		clock:          clock,
		sleep:          clockSleep(clock),
		rnd:            rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchAreaCatalog は地域カタログ（area.json）を取得する。
func (c *Client) FetchAreaCatalog(ctx context.Context) ([]byte, error) {
	return c.Get(ctx, "/common/const/area.json")
}

// FetchForecast は府県予報区の天気予報JSONを取得する。
func (c *Client) FetchForecast(ctx context.Context, officeCode string) ([]byte, error) {
	return c.Get(ctx, fmt.Sprintf("/forecast/data/forecast/%s.json", officeCode))
}

// FetchWarning は府県予報区の警報・注意報JSONを取得する。
func (c *Client) FetchWarning(ctx context.Context, officeCode string) ([]byte, error) {
	return c.Get(ctx, fmt.Sprintf("/warning/data/warning/%s.json", officeCode))
}

// Get はベースURL配下のパスを取得する。
// 接続失敗・429・5xx・予算不足は指数バックオフで再試行し、
// 待機を含めた所要時間がCeilingを超える場合は再試行を打ち切る。
// 返すエラーは model.ErrUpstreamUnavailable または model.ErrInvalidArea をラップする。
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	reqURL := c.baseURL + path
	start := c.clock.Now()

	if c.policy.Ceiling > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.policy.Ceiling)
		defer cancel()
	}

	var lastErr error
	for retry := 0; ; retry++ {
		body, err := c.do(ctx, reqURL)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var re *retryableError
		if !errors.As(err, &re) {
			return nil, err
		}
		if retry >= c.policy.MaxRetries {
			break
		}

		delay := c.policy.CalculateBackoff(retry, c.rnd())
		if re.retryAfter > delay {
			delay = re.retryAfter
		}
		if c.policy.Ceiling > 0 && c.clock.Since(start)+delay > c.policy.Ceiling {
			c.logger.Warn("待機時間の上限に達するため再試行を打ち切ります",
				slog.String("url", reqURL),
				slog.Int("retry", retry),
				slog.Duration("elapsed", c.clock.Since(start)),
			)
			break
		}

		c.logger.Warn("気象庁APIの呼び出しに失敗したため再試行します",
			slog.String("url", reqURL),
			slog.Int("retry", retry+1),
			slog.Int("max_retries", c.policy.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		if err := c.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	c.logger.Error("気象庁APIからデータを取得できませんでした",
		slog.String("url", reqURL),
		slog.String("error", lastErr.Error()),
	)
	return nil, fmt.Errorf("%w: %s: %v", model.ErrUpstreamUnavailable, path, lastErr)
}

// do は1回のHTTPリクエストを実行する。
func (c *Client) do(ctx context.Context, reqURL string) ([]byte, error) {
	if c.budget != nil && !c.budget.TryConsume() {
		return nil, &retryableError{err: errors.New("気象庁APIのリクエスト予算を使い切りました")}
	}

	reqCtx := ctx
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: HTTPリクエストの作成に失敗しました: %v", model.ErrUpstreamUnavailable, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	started := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(0, started)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, ctx.Err())
		}
		return nil, &retryableError{err: err}
	}
	defer resp.Body.Close()
	c.record(resp.StatusCode, started)

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultOK:
	case FetchResultNotFound:
		return nil, fmt.Errorf("%w: HTTP %d", model.ErrInvalidArea, resp.StatusCode)
	case FetchResultRetry:
		return nil, &retryableError{
			err:        fmt.Errorf("HTTP %d", resp.StatusCode),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	default:
		return nil, fmt.Errorf("%w: HTTP %d", model.ErrUpstreamUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)}
	}
	return body, nil
}

func (c *Client) record(statusCode int, started time.Time) {
	if c.recorder != nil {
		c.recorder.RecordUpstreamRequest("jma", statusCode, c.clock.Since(started))
	}
}

// clockSleep はclockに従ってdだけ待機する関数を返す。
func clockSleep(clock clockwork.Clock) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		timer := clock.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
			return nil
		}
	}
}
