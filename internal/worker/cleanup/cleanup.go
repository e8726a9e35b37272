// Package cleanup は配信記録の自動削除ジョブを提供する。
// 保持期間（デフォルト90日）を超過した delivery_logs を日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Pruner は保持期間を過ぎた記録を削除するインターフェース。
// repository.DeliveryLogRepository が満たす。
type Pruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した配信記録の自動削除ジョブ。
// 削除対象がなくてもエラーにしないため、何度実行してもよい。
type CleanupJob struct {
	store         Pruner
	clock         clockwork.Clock
	logger        *slog.Logger
	RetentionDays int // 配信記録の保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(store Pruner, clock clockwork.Clock, logger *slog.Logger) *CleanupJob {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CleanupJob{
		store:         store,
		clock:         clock,
		logger:        logger,
		RetentionDays: 90,
	}
}

// Run は created_at が RetentionDays 日前より古い配信記録を削除する。
// RetentionDays が0以下の場合は何もしない。
func (j *CleanupJob) Run(ctx context.Context) error {
	if j.RetentionDays <= 0 {
		return nil
	}
	start := j.clock.Now()
	before := start.Add(-time.Duration(j.RetentionDays) * 24 * time.Hour)

	deletedCount, err := j.store.DeleteOlderThan(ctx, before)
	if err != nil {
		j.logger.Error("配信記録クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("配信記録クリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("配信記録クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(j.clock.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動時に1回実行し、以降 interval ごとに実行する。
// コンテキストがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := j.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			_ = j.Run(ctx)
		}
	}
}
