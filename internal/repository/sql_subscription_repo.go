package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/tenkibot/internal/model"
)

const subscriptionColumns = `discord_user_id, area_code, area_name, notification_hour, enabled, timezone, created_at, updated_at`

// SQLSubscriptionRepo はPostgreSQL / SQLiteを使用した通知設定リポジトリ。
type SQLSubscriptionRepo struct {
	db      DBTX
	dialect Dialect
}

// NewSQLSubscriptionRepo はSQLSubscriptionRepoを生成する。
func NewSQLSubscriptionRepo(db DBTX, dialect Dialect) *SQLSubscriptionRepo {
	return &SQLSubscriptionRepo{db: db, dialect: dialect}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*model.Subscription, error) {
	sub := &model.Subscription{}
	err := row.Scan(&sub.DiscordUserID, &sub.AreaCode, &sub.AreaName, &sub.NotificationHour,
		&sub.Enabled, &sub.Timezone, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetSubscription は指定ユーザーの通知設定を取得する。見つからない場合はnilを返す。
func (r *SQLSubscriptionRepo) GetSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		rebind(r.dialect, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE discord_user_id = ?`),
		userID,
	)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("通知設定の取得に失敗しました: %w", err)
	}
	return sub, nil
}

// ListEnabled は通知が有効な設定をユーザーID順で返す。
func (r *SQLSubscriptionRepo) ListEnabled(ctx context.Context) ([]*model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		rebind(r.dialect, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE enabled = ? ORDER BY discord_user_id ASC`),
		true,
	)
	if err != nil {
		return nil, fmt.Errorf("有効な通知設定一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("通知設定行の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("通知設定一覧の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// Upsert は通知設定を作成または更新する。
func (r *SQLSubscriptionRepo) Upsert(ctx context.Context, sub *model.Subscription) error {
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	if sub.Timezone == "" {
		sub.Timezone = model.DefaultTimezone
	}

	_, err := r.db.ExecContext(ctx,
		rebind(r.dialect, `INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (discord_user_id) DO UPDATE SET
		     area_code = excluded.area_code,
		     area_name = excluded.area_name,
		     notification_hour = excluded.notification_hour,
		     enabled = excluded.enabled,
		     timezone = excluded.timezone,
		     updated_at = excluded.updated_at`),
		sub.DiscordUserID, sub.AreaCode, sub.AreaName, sub.NotificationHour,
		sub.Enabled, sub.Timezone, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("通知設定の保存に失敗しました: %w", err)
	}
	return nil
}

// SetEnabled は通知の有効・無効を切り替える。
func (r *SQLSubscriptionRepo) SetEnabled(ctx context.Context, userID string, enabled bool) error {
	result, err := r.db.ExecContext(ctx,
		rebind(r.dialect, `UPDATE subscriptions SET enabled = ?, updated_at = ? WHERE discord_user_id = ?`),
		enabled, time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("通知の有効・無効の更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", model.ErrSubscriptionNotFound, userID)
	}
	return nil
}

// compile-time interface check
var _ SubscriptionRepository = (*SQLSubscriptionRepo)(nil)
