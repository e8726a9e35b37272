package model

import "time"

// DefaultTimezone は通知設定でタイムゾーンが未指定の場合に使用する。
const DefaultTimezone = "Asia/Tokyo"

// Subscription はユーザーの天気通知設定。
// 配信停止時は削除せず Enabled=false にする。
type Subscription struct {
	DiscordUserID    string
	AreaCode         string
	AreaName         string
	NotificationHour int
	Enabled          bool
	Timezone         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Location は通知設定のタイムゾーンを返す。
// 読み込めない場合は fallback を返す。
func (s *Subscription) Location(fallback *time.Location) *time.Location {
	if s.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}

// DeliveryStatus は通知配信の結果。
type DeliveryStatus string

const (
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
	DeliveryStatusSkipped DeliveryStatus = "skipped"
)

// DeliveryLog は1日1回の通知処理の結果記録。
// 再起動後の重複配信防止（ユーザー×日付）にも使う。
type DeliveryLog struct {
	ID            string
	DiscordUserID string
	AreaCode      string
	DeliveredOn   string // ユーザーのタイムゾーンでの日付 YYYY-MM-DD
	Status        DeliveryStatus
	Attempts      int
	UsedFallback  bool
	Error         string
	CreatedAt     time.Time
}
