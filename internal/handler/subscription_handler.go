package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tenkibot/internal/middleware"
	"github.com/hitoshi/tenkibot/internal/model"
	"github.com/hitoshi/tenkibot/internal/subscription"
	"github.com/hitoshi/tenkibot/internal/worker/scheduler"
)

const (
	defaultDeliveryLimit = 20
	maxDeliveryLimit     = 100
)

// SubscriptionServiceInterface は通知設定ハンドラーが必要とするサービスインターフェース。
type SubscriptionServiceInterface interface {
	Get(ctx context.Context, userID string) (*model.Subscription, error)
	Save(ctx context.Context, userID string, req subscription.SaveRequest) (*subscription.SaveResult, error)
	SetEnabled(ctx context.Context, userID string, enabled bool) error
}

// DeliveryHistory は配信記録の参照インターフェース。
type DeliveryHistory interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.DeliveryLog, error)
}

// Schedule は同じプロセスで動く通知スケジューラの状態を参照する。
// *scheduler.Scheduler が満たす。serveモードでは設定されない。
type Schedule interface {
	JobState(userID string) (scheduler.Job, bool)
	JobCount() int
	Running() bool
}

// SubscriptionHandler は通知設定のHTTPハンドラー。
type SubscriptionHandler struct {
	service    SubscriptionServiceInterface
	deliveries DeliveryHistory
	schedule   Schedule
	onChange   func()
}

// NewSubscriptionHandler はSubscriptionHandlerを生成する。
// schedule と onChange はnil可。
func NewSubscriptionHandler(service SubscriptionServiceInterface, deliveries DeliveryHistory, schedule Schedule, onChange func()) *SubscriptionHandler {
	return &SubscriptionHandler{
		service:    service,
		deliveries: deliveries,
		schedule:   schedule,
		onChange:   onChange,
	}
}

// subscriptionResponse は通知設定のAPIレスポンス。
type subscriptionResponse struct {
	DiscordUserID    string    `json:"discord_user_id"`
	AreaCode         string    `json:"area_code"`
	AreaName         string    `json:"area_name"`
	NotificationHour int       `json:"notification_hour"`
	Enabled          bool      `json:"enabled"`
	Timezone         string    `json:"timezone"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`

	Schedule *scheduleResponse `json:"schedule,omitempty"`
}

// scheduleResponse はスケジューラ上の通知予定。
type scheduleResponse struct {
	State         string     `json:"state"`
	NextFireAt    *time.Time `json:"next_fire_at,omitempty"`
	LastFiredDate string     `json:"last_fired_date,omitempty"`
	FailedDate    string     `json:"failed_date,omitempty"`
	RetryCount    int        `json:"retry_count"`
}

// saveSubscriptionRequest は通知設定保存リクエストのボディ。
type saveSubscriptionRequest struct {
	Location         string `json:"location"`
	AreaCode         string `json:"area_code"`
	NotificationHour *int   `json:"notification_hour"`
	Timezone         string `json:"timezone"`
	Enabled          *bool  `json:"enabled"`
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

type deliveryResponse struct {
	ID           string    `json:"id"`
	AreaCode     string    `json:"area_code"`
	DeliveredOn  string    `json:"delivered_on"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	UsedFallback bool      `json:"used_fallback"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// GetSubscription はユーザーの通知設定を返す。
// GET /api/subscriptions/{userID}
func (h *SubscriptionHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.service.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	resp := toSubscriptionResponse(sub)
	if h.schedule != nil {
		if job, ok := h.schedule.JobState(sub.DiscordUserID); ok {
			resp.Schedule = toScheduleResponse(job)
		}
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// SaveSubscription は通知設定を作成または更新する。
// 地域名が複数の地域に一致した場合は保存せず、候補を付けて409を返す。
// PUT /api/subscriptions/{userID}
func (h *SubscriptionHandler) SaveSubscription(w http.ResponseWriter, r *http.Request) {
	var req saveSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteBadRequest(w, "リクエストボディが不正です。")
		return
	}

	res, err := h.service.Save(r.Context(), chi.URLParam(r, "userID"), subscription.SaveRequest{
		Location: req.Location,
		AreaCode: req.AreaCode,
		Hour:     req.NotificationHour,
		Timezone: req.Timezone,
		Enabled:  req.Enabled,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if res.Subscription == nil {
		middleware.WriteErrorResponseWithDetails(w, http.StatusConflict,
			model.NewLocationAmbiguousError(req.Location, len(res.Candidates)),
			toCandidates(res.Candidates))
		return
	}

	h.changed()
	middleware.WriteJSON(w, http.StatusOK, toSubscriptionResponse(res.Subscription))
}

// SetEnabled は通知の有効・無効を切り替える。
// PUT /api/subscriptions/{userID}/enabled
func (h *SubscriptionHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		middleware.WriteBadRequest(w, "enabled を true または false で指定してください。")
		return
	}

	userID := chi.URLParam(r, "userID")
	if err := h.service.SetEnabled(r.Context(), userID, *req.Enabled); err != nil {
		handleServiceError(w, err)
		return
	}
	h.changed()

	sub, err := h.service.Get(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// ListDeliveries はユーザーの配信記録を新しい順に返す。
// GET /api/subscriptions/{userID}/deliveries?limit=
func (h *SubscriptionHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := subscription.ValidateUserID(userID); err != nil {
		handleServiceError(w, err)
		return
	}

	limit := defaultDeliveryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxDeliveryLimit {
			middleware.WriteBadRequest(w, "limit は1〜100の整数で指定してください。")
			return
		}
		limit = n
	}

	logs, err := h.deliveries.ListByUser(r.Context(), userID, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	out := make([]deliveryResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, deliveryResponse{
			ID:           l.ID,
			AreaCode:     l.AreaCode,
			DeliveredOn:  l.DeliveredOn,
			Status:       string(l.Status),
			Attempts:     l.Attempts,
			UsedFallback: l.UsedFallback,
			Error:        l.Error,
			CreatedAt:    l.CreatedAt,
		})
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

func (h *SubscriptionHandler) changed() {
	if h.onChange != nil {
		h.onChange()
	}
}

func toSubscriptionResponse(s *model.Subscription) subscriptionResponse {
	return subscriptionResponse{
		DiscordUserID:    s.DiscordUserID,
		AreaCode:         s.AreaCode,
		AreaName:         s.AreaName,
		NotificationHour: s.NotificationHour,
		Enabled:          s.Enabled,
		Timezone:         s.Timezone,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

func toScheduleResponse(job scheduler.Job) *scheduleResponse {
	resp := &scheduleResponse{
		State:         job.State.String(),
		LastFiredDate: job.LastFiredDate,
		FailedDate:    job.FailedDate,
		RetryCount:    job.RetryCount,
	}
	if next := job.NextFireAt(); !next.IsZero() {
		resp.NextFireAt = &next
	}
	return resp
}
