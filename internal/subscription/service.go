// Package subscription はユーザーの天気通知設定のドメインロジックを提供する。
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/tenkibot/internal/area"
	"github.com/hitoshi/tenkibot/internal/model"
	"github.com/hitoshi/tenkibot/internal/repository"
)

// LocationResolver は自由入力の地域名を解決する。
type LocationResolver interface {
	Resolve(query string) area.Resolution
}

// AreaLookup は地域コードからカタログのエントリを引く。
type AreaLookup interface {
	Get(code string) (model.AreaEntry, error)
}

// SaveRequest は通知設定の保存内容。
// ポインタの項目がnilの場合、既存の設定値を引き継ぐ。
type SaveRequest struct {
	// Location は地域名の自由入力。AreaCodeが指定されていれば無視する。
	Location string
	AreaCode string
	Hour     *int
	Timezone string
	Enabled  *bool
}

// SaveResult は通知設定の保存結果。
// 地域名が複数に一致した場合は Subscription が nil で Candidates に候補が入る。
type SaveResult struct {
	Subscription *model.Subscription
	Candidates   []area.Candidate
}

// Service は通知設定のサービス層。
type Service struct {
	repo            repository.SubscriptionRepository
	resolver        LocationResolver
	areas           AreaLookup
	defaultTimezone string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.SubscriptionRepository, resolver LocationResolver, areas AreaLookup, defaultTimezone string) *Service {
	if defaultTimezone == "" {
		defaultTimezone = model.DefaultTimezone
	}
	return &Service{
		repo:            repo,
		resolver:        resolver,
		areas:           areas,
		defaultTimezone: defaultTimezone,
	}
}

// Get はユーザーの通知設定を返す。
func (s *Service) Get(ctx context.Context, userID string) (*model.Subscription, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	sub, err := s.repo.GetSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("通知設定の取得に失敗しました: %w", err)
	}
	if sub == nil {
		return nil, model.NewSubscriptionNotFoundError(userID)
	}
	return sub, nil
}

// Save は地域・通知時刻・タイムゾーンを検証して通知設定を保存する。
// 新規作成時は地域と通知時刻が必須で、通知は有効の状態で作成する。
func (s *Service) Save(ctx context.Context, userID string, req SaveRequest) (*SaveResult, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}

	existing, err := s.repo.GetSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("通知設定の取得に失敗しました: %w", err)
	}

	sub := &model.Subscription{DiscordUserID: userID, Enabled: true, Timezone: s.defaultTimezone}
	if existing != nil {
		c := *existing
		sub = &c
	}

	entry, candidates, err := s.locate(req)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 0 {
		return &SaveResult{Candidates: candidates}, nil
	}
	if entry != nil {
		sub.AreaCode = entry.Code
		sub.AreaName = entry.Name
	} else if existing == nil {
		return nil, model.NewLocationNotFoundError(req.Location)
	}

	if req.Hour != nil {
		if *req.Hour < 0 || *req.Hour > 23 {
			return nil, model.NewInvalidHourError(*req.Hour)
		}
		sub.NotificationHour = *req.Hour
	} else if existing == nil {
		return nil, model.NewInvalidHourError(-1)
	}

	if tz := strings.TrimSpace(req.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, model.NewInvalidTimezoneError(tz)
		}
		sub.Timezone = tz
	}

	if req.Enabled != nil {
		sub.Enabled = *req.Enabled
	}

	if err := s.repo.Upsert(ctx, sub); err != nil {
		return nil, fmt.Errorf("通知設定の保存に失敗しました: %w", err)
	}
	return &SaveResult{Subscription: sub}, nil
}

// locate は地域コードまたは地域名から地域を決める。
// どちらも指定されていない場合は nil を返す。
func (s *Service) locate(req SaveRequest) (*model.AreaEntry, []area.Candidate, error) {
	if code := strings.TrimSpace(req.AreaCode); code != "" {
		e, err := s.areas.Get(code)
		if err != nil {
			return nil, nil, model.NewAreaNotFoundError(code)
		}
		return &e, nil, nil
	}

	if strings.TrimSpace(req.Location) == "" {
		return nil, nil, nil
	}

	res := s.resolver.Resolve(req.Location)
	switch res.Kind {
	case area.Resolved:
		return res.Area, nil, nil
	case area.Ambiguous:
		return nil, res.Candidates, nil
	default:
		return nil, nil, model.NewLocationNotFoundError(req.Location)
	}
}

// SetEnabled は通知の有効・無効を切り替える。
func (s *Service) SetEnabled(ctx context.Context, userID string, enabled bool) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	if err := s.repo.SetEnabled(ctx, userID, enabled); err != nil {
		if errors.Is(err, model.ErrSubscriptionNotFound) {
			return model.NewSubscriptionNotFoundError(userID)
		}
		return fmt.Errorf("通知の有効・無効の更新に失敗しました: %w", err)
	}
	return nil
}
