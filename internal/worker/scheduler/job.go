package scheduler

import (
	"time"

	"github.com/hitoshi/tenkibot/internal/model"
)

const dateLayout = "2006-01-02"

// State はユーザーごとの通知処理の状態。
type State int

const (
	StateIdle State = iota
	StateDue
	StateFetching
	StateDelivering
	StateRetrying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDue:
		return "due"
	case StateFetching:
		return "fetching"
	case StateDelivering:
		return "delivering"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Job はスケジューラがユーザーごとに保持する通知予定。
// プロセス内にだけ存在し、起動時と定期同期で通知設定から再構築する。
type Job struct {
	UserID   string
	AreaCode string
	FireHour int
	Location *time.Location
	// LastFiredDate は最後に配信に成功した日付（ユーザーのタイムゾーン）。
	LastFiredDate string
	// FailedDate は再試行を使い切って配信を諦めた日付。
	FailedDate string
	RetryCount int
	State      State

	next  time.Time
	index int
}

// NextFireAt は次の通知時刻を返す。
func (j Job) NextFireAt() time.Time {
	return j.next
}

// handled はその日付の処理が済んでいるかを返す。
func (j *Job) handled(date string) bool {
	return date != "" && (j.LastFiredDate == date || j.FailedDate == date)
}

// fireAt は指定日の通知時刻を返す。
func (j *Job) fireAt(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, j.FireHour, 0, 0, 0, j.Location)
}

// nextFire はnow以降の次の通知時刻を返す。
// 今日の通知時刻を過ぎていても catchUp 以内で未処理なら now を返す。
func (j *Job) nextFire(now time.Time, catchUp time.Duration) time.Time {
	local := now.In(j.Location)
	y, m, d := local.Date()
	today := j.fireAt(y, m, d)

	if !j.handled(local.Format(dateLayout)) {
		if !now.Before(today) && now.Sub(today) <= catchUp {
			return now
		}
		if now.Before(today) {
			return today
		}
	}
	return j.fireAt(y, m, d+1)
}

// snapshot は配信処理に渡す不変のコピー。
type snapshot struct {
	UserID   string
	AreaCode string
	Location *time.Location
	Date     string
	FiredAt  time.Time
}

func newJob(sub *model.Subscription, fallback *time.Location) *Job {
	return &Job{
		UserID:   sub.DiscordUserID,
		AreaCode: sub.AreaCode,
		FireHour: sub.NotificationHour,
		Location: sub.Location(fallback),
		index:    -1,
	}
}
