// Package ratelimit は外部APIごとのリクエスト予算（トークンバケット）を提供する。
// 1つのBudgetを天気ゲートウェイとスケジューラの全ジョブで共有し、
// 並行するジョブが合計で上限を超えないようにする。
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Budget は1つの上流APIに対する分あたりリクエスト予算。
// 内部のrate.Limiterがトークンの消費と補充を単一の排他区間で行う。
type Budget struct {
	name       string
	perMinute  int
	limiter    *rate.Limiter
	onRejected func(name string)
}

// NewBudget は1分あたりperMinute回までのBudgetを生成する。
// バーストは1分ぶんのトークン数。perMinuteが0以下の場合は無制限として扱う。
func NewBudget(name string, perMinute int) *Budget {
	b := &Budget{name: name, perMinute: perMinute}
	if perMinute <= 0 {
		b.limiter = rate.NewLimiter(rate.Inf, 0)
		return b
	}
	b.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	return b
}

// OnRejected は予算不足で拒否されたときに呼ばれるフックを設定する（メトリクス用）。
func (b *Budget) OnRejected(fn func(name string)) {
	b.onRejected = fn
}

// Name は上流API名を返す。
func (b *Budget) Name() string {
	return b.name
}

// TryConsume はトークンを1つ消費できた場合にtrueを返す。待機はしない。
func (b *Budget) TryConsume() bool {
	if b.limiter.Allow() {
		return true
	}
	if b.onRejected != nil {
		b.onRejected(b.name)
	}
	return false
}

// Wait はトークンが補充されるまで待ってから1つ消費する。
// ctxの期限までに補充されない場合はエラーを返す。
func (b *Budget) Wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		if b.onRejected != nil {
			b.onRejected(b.name)
		}
		return fmt.Errorf("%sのリクエスト予算が不足しています: %w", b.name, err)
	}
	return nil
}

// Remaining は現在利用可能なトークン数（概算）を返す。
func (b *Budget) Remaining() float64 {
	if b.perMinute <= 0 {
		return -1
	}
	return b.limiter.Tokens()
}
