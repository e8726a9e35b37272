package jma

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// FetchResult はHTTPステータスコードに基づく取得結果の分類。
type FetchResult int

const (
	// FetchResultOK は取得成功（200）。
	FetchResultOK FetchResult = iota
	// FetchResultNotFound は該当データなし（404/410）。地域コードが無効として扱う。
	FetchResultNotFound
	// FetchResultRetry はバックオフ後に再試行するステータス（408/429/5xx）。
	FetchResultRetry
	// FetchResultFail は再試行しても回復しないステータス。
	FetchResultFail
)

// ClassifyHTTPStatus はHTTPステータスコードを取得結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == http.StatusOK:
		return FetchResultOK
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return FetchResultNotFound
	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout:
		return FetchResultRetry
	case statusCode >= 500:
		return FetchResultRetry
	default:
		return FetchResultFail
	}
}

// RetryPolicy は上流APIへの再試行方針。
type RetryPolicy struct {
	// MaxRetries は初回を除く再試行回数の上限。
	MaxRetries int
	// BaseDelay は初回再試行までの待機時間。
	BaseDelay time.Duration
	// Factor は再試行ごとの待機時間の倍率。
	Factor float64
	// MaxDelay は1回あたりの待機時間の上限。
	MaxDelay time.Duration
	// Jitter は待機時間に加える揺らぎの割合（0.2なら最大+20%）。
	Jitter float64
	// Ceiling は待機を含めた1リクエスト全体の所要時間の上限。
	Ceiling time.Duration
}

// DefaultRetryPolicy は既定の再試行方針を返す。
// 1秒から2倍ずつ、最大3回再試行し、全体で15秒を超えない。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Factor:     2,
		MaxDelay:   60 * time.Second,
		Jitter:     0.2,
		Ceiling:    15 * time.Second,
	}
}

// CalculateBackoff はretry回目（0始まり）の再試行前の待機時間を計算する。
// rnd は [0,1) の乱数で、Jitterの割合に応じて待機時間を伸ばす。
func (p RetryPolicy) CalculateBackoff(retry int, rnd float64) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.Factor, float64(retry))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	delay += delay * p.Jitter * rnd
	return time.Duration(delay)
}

// parseRetryAfter はRetry-Afterヘッダー（秒数）を解釈する。
// 日付形式や不正な値の場合は0を返す。
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
