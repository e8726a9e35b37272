// Package repository は通知設定と配信記録の永続化インターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/tenkibot/internal/model"
)

// SubscriptionRepository はユーザーの通知設定（UserStore）の永続化インターフェース。
type SubscriptionRepository interface {
	// GetSubscription は指定ユーザーの通知設定を取得する。見つからない場合はnilを返す。
	GetSubscription(ctx context.Context, userID string) (*model.Subscription, error)

	// ListEnabled は通知が有効な設定をユーザーID順で返す。
	ListEnabled(ctx context.Context) ([]*model.Subscription, error)

	// Upsert は通知設定を作成または更新する。
	// 既存の設定を更新する場合、CreatedAtは変更しない。
	Upsert(ctx context.Context, sub *model.Subscription) error

	// SetEnabled は通知の有効・無効を切り替える。
	// 設定が存在しない場合は model.ErrSubscriptionNotFound を返す。
	SetEnabled(ctx context.Context, userID string, enabled bool) error
}

// DeliveryLogRepository は通知配信記録の永続化インターフェース。
type DeliveryLogRepository interface {
	// Record は配信記録を保存する。
	Record(ctx context.Context, log *model.DeliveryLog) error

	// LastDeliveredDates は since（YYYY-MM-DD）以降に記録のあるユーザーごとの最新の配信日を返す。
	// 成功・失敗・スキップのいずれも「その日の処理済み」として扱う。
	LastDeliveredDates(ctx context.Context, since string) (map[string]string, error)

	// ListByUser はユーザーの配信記録を新しい順にlimit件返す。
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.DeliveryLog, error)

	// DeleteOlderThan はbefore より前に作成された配信記録を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// DBTX はsql.DBとsql.Txに共通するメソッド。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
