package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tenkibot/internal/model"
)

// SQLDeliveryLogRepo はPostgreSQL / SQLiteを使用した配信記録リポジトリ。
type SQLDeliveryLogRepo struct {
	db      DBTX
	dialect Dialect
}

// NewSQLDeliveryLogRepo はSQLDeliveryLogRepoを生成する。
func NewSQLDeliveryLogRepo(db DBTX, dialect Dialect) *SQLDeliveryLogRepo {
	return &SQLDeliveryLogRepo{db: db, dialect: dialect}
}

// Record は配信記録を保存する。IDと作成日時が未設定なら採番する。
func (r *SQLDeliveryLogRepo) Record(ctx context.Context, log *model.DeliveryLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		rebind(r.dialect, `INSERT INTO delivery_logs
		 (id, discord_user_id, area_code, delivered_on, status, attempts, used_fallback, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		log.ID, log.DiscordUserID, log.AreaCode, log.DeliveredOn, string(log.Status),
		log.Attempts, log.UsedFallback, log.Error, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("配信記録の保存に失敗しました: %w", err)
	}
	return nil
}

// LastDeliveredDates はユーザーごとの最新の配信日を返す。
func (r *SQLDeliveryLogRepo) LastDeliveredDates(ctx context.Context, since string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		rebind(r.dialect, `SELECT discord_user_id, MAX(delivered_on)
		 FROM delivery_logs WHERE delivered_on >= ?
		 GROUP BY discord_user_id`),
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("最新の配信日の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	dates := make(map[string]string)
	for rows.Next() {
		var userID, date string
		if err := rows.Scan(&userID, &date); err != nil {
			return nil, fmt.Errorf("配信日の読み取りに失敗しました: %w", err)
		}
		dates[userID] = date
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信日の走査に失敗しました: %w", err)
	}
	return dates, nil
}

// ListByUser はユーザーの配信記録を新しい順にlimit件返す。
func (r *SQLDeliveryLogRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*model.DeliveryLog, error) {
	rows, err := r.db.QueryContext(ctx,
		rebind(r.dialect, `SELECT id, discord_user_id, area_code, delivered_on, status, attempts, used_fallback, error_message, created_at
		 FROM delivery_logs WHERE discord_user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`),
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("配信記録の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var logs []*model.DeliveryLog
	for rows.Next() {
		l := &model.DeliveryLog{}
		var status string
		if err := rows.Scan(&l.ID, &l.DiscordUserID, &l.AreaCode, &l.DeliveredOn, &status,
			&l.Attempts, &l.UsedFallback, &l.Error, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("配信記録の読み取りに失敗しました: %w", err)
		}
		l.Status = model.DeliveryStatus(status)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信記録の走査に失敗しました: %w", err)
	}
	return logs, nil
}

// DeleteOlderThan は保持期間を過ぎた配信記録を削除する。
func (r *SQLDeliveryLogRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		rebind(r.dialect, `DELETE FROM delivery_logs WHERE created_at < ?`),
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("古い配信記録の削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ DeliveryLogRepository = (*SQLDeliveryLogRepo)(nil)
