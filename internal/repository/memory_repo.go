package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tenkibot/internal/model"
)

// MemoryStore はプロセス内に通知設定と配信記録を保持する。
// DATABASE_URL=memory:// での起動とテストに使う。再起動で内容は失われる。
type MemoryStore struct {
	mu    sync.RWMutex
	subs  map[string]model.Subscription
	logs  []model.DeliveryLog
	nowFn func() time.Time
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:  make(map[string]model.Subscription),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// GetSubscription は指定ユーザーの通知設定のコピーを返す。見つからない場合はnilを返す。
func (s *MemoryStore) GetSubscription(_ context.Context, userID string) (*model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[userID]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

// ListEnabled は通知が有効な設定をユーザーID順で返す。
func (s *MemoryStore) ListEnabled(_ context.Context) ([]*model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []*model.Subscription
	for _, sub := range s.subs {
		if sub.Enabled {
			c := sub
			subs = append(subs, &c)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].DiscordUserID < subs[j].DiscordUserID })
	return subs, nil
}

// Upsert は通知設定を作成または更新する。
func (s *MemoryStore) Upsert(_ context.Context, sub *model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	if existing, ok := s.subs[sub.DiscordUserID]; ok {
		sub.CreatedAt = existing.CreatedAt
	} else if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	if sub.Timezone == "" {
		sub.Timezone = model.DefaultTimezone
	}
	s.subs[sub.DiscordUserID] = *sub
	return nil
}

// SetEnabled は通知の有効・無効を切り替える。
func (s *MemoryStore) SetEnabled(_ context.Context, userID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[userID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrSubscriptionNotFound, userID)
	}
	sub.Enabled = enabled
	sub.UpdatedAt = s.nowFn()
	s.subs[userID] = sub
	return nil
}

// Record は配信記録を保存する。
func (s *MemoryStore) Record(_ context.Context, log *model.DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = s.nowFn()
	}
	s.logs = append(s.logs, *log)
	return nil
}

// LastDeliveredDates はユーザーごとの最新の配信日を返す。
func (s *MemoryStore) LastDeliveredDates(_ context.Context, since string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dates := make(map[string]string)
	for _, l := range s.logs {
		if l.DeliveredOn < since {
			continue
		}
		if l.DeliveredOn > dates[l.DiscordUserID] {
			dates[l.DiscordUserID] = l.DeliveredOn
		}
	}
	return dates, nil
}

// ListByUser はユーザーの配信記録を新しい順にlimit件返す。
func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*model.DeliveryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var logs []*model.DeliveryLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		if s.logs[i].DiscordUserID != userID {
			continue
		}
		l := s.logs[i]
		logs = append(logs, &l)
		if limit > 0 && len(logs) >= limit {
			break
		}
	}
	return logs, nil
}

// DeleteOlderThan は保持期間を過ぎた配信記録を削除する。
func (s *MemoryStore) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.logs[:0]
	var deleted int64
	for _, l := range s.logs {
		if l.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return deleted, nil
}

// compile-time interface check
var (
	_ SubscriptionRepository = (*MemoryStore)(nil)
	_ DeliveryLogRepository  = (*MemoryStore)(nil)
)
