package subscription

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/tenkibot/internal/area"
	"github.com/hitoshi/tenkibot/internal/model"
	"github.com/hitoshi/tenkibot/internal/repository"
)

// --- モック ---

type mockResolver struct {
	resolveFn func(query string) area.Resolution
}

func (m *mockResolver) Resolve(query string) area.Resolution {
	return m.resolveFn(query)
}

type mockAreas struct {
	entries map[string]model.AreaEntry
}

func (m *mockAreas) Get(code string) (model.AreaEntry, error) {
	e, ok := m.entries[code]
	if !ok {
		return model.AreaEntry{}, model.ErrAreaNotFound
	}
	return e, nil
}

type failingRepo struct {
	repository.SubscriptionRepository
	err error
}

func (f *failingRepo) GetSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	return nil, f.err
}

const userID = "123456789012345678"

var (
	tokyo = model.AreaEntry{Code: "130010", Name: "東京地方"}
	osaka = model.AreaEntry{Code: "270000", Name: "大阪府"}
)

func newTestService(store repository.SubscriptionRepository) *Service {
	resolver := &mockResolver{resolveFn: func(q string) area.Resolution {
		switch q {
		case "東京":
			return area.Resolution{Query: q, Kind: area.Resolved, Area: &tokyo}
		case "府中":
			return area.Resolution{Query: q, Kind: area.Ambiguous, Candidates: []area.Candidate{
				{Area: model.AreaEntry{Code: "1320600", Name: "府中市"}, Match: area.MatchPrefix},
				{Area: model.AreaEntry{Code: "3420700", Name: "府中町"}, Match: area.MatchPrefix},
			}}
		default:
			return area.Resolution{Query: q, Kind: area.NotFound}
		}
	}}
	areas := &mockAreas{entries: map[string]model.AreaEntry{tokyo.Code: tokyo, osaka.Code: osaka}}
	return NewService(store, resolver, areas, "Asia/Tokyo")
}

func intPtr(n int) *int    { return &n }
func boolPtr(b bool) *bool { return &b }

func apiErrorCode(t *testing.T, err error) string {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("APIErrorであるべき: %v", err)
	}
	return apiErr.Code
}

func TestSave_CreatesSubscriptionFromLocation(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := newTestService(store)

	res, err := svc.Save(context.Background(), userID, SaveRequest{Location: "東京", Hour: intPtr(7)})
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if res.Subscription == nil {
		t.Fatal("通知設定が返るべき")
	}

	got, _ := store.GetSubscription(context.Background(), userID)
	if got == nil {
		t.Fatal("通知設定が保存されているべき")
	}
	if got.AreaCode != "130010" || got.AreaName != "東京地方" {
		t.Errorf("地域 = %s %s, want 130010 東京地方", got.AreaCode, got.AreaName)
	}
	if got.NotificationHour != 7 {
		t.Errorf("NotificationHour = %d, want 7", got.NotificationHour)
	}
	if !got.Enabled {
		t.Error("新規作成時は有効であるべき")
	}
	if got.Timezone != "Asia/Tokyo" {
		t.Errorf("Timezone = %q, want Asia/Tokyo", got.Timezone)
	}
}

func TestSave_AmbiguousLocationReturnsCandidates(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := newTestService(store)

	res, err := svc.Save(context.Background(), userID, SaveRequest{Location: "府中", Hour: intPtr(7)})
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if res.Subscription != nil {
		t.Error("曖昧な場合は保存しないべき")
	}
	if len(res.Candidates) != 2 {
		t.Errorf("候補数 = %d, want 2", len(res.Candidates))
	}
	if got, _ := store.GetSubscription(context.Background(), userID); got != nil {
		t.Error("曖昧な場合は保存されていないべき")
	}
}

func TestSave_UpdateKeepsExistingValues(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.Save(ctx, userID, SaveRequest{Location: "東京", Hour: intPtr(7), Timezone: "Asia/Tokyo"}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := svc.SetEnabled(ctx, userID, false); err != nil {
		t.Fatalf("SetEnabled returned error: %v", err)
	}

	// 通知時刻だけを変更する
	res, err := svc.Save(ctx, userID, SaveRequest{Hour: intPtr(21)})
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	sub := res.Subscription
	if sub.AreaCode != "130010" || sub.NotificationHour != 21 {
		t.Errorf("got area=%s hour=%d", sub.AreaCode, sub.NotificationHour)
	}
	if sub.Enabled {
		t.Error("Enabled未指定の更新では無効のまま引き継ぐべき")
	}

	// 地域コードを直接指定して変更し、再度有効にする
	res, err = svc.Save(ctx, userID, SaveRequest{AreaCode: "270000", Enabled: boolPtr(true)})
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if res.Subscription.AreaName != "大阪府" || !res.Subscription.Enabled {
		t.Errorf("got %+v", res.Subscription)
	}
}

func TestSave_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		req    SaveRequest
		want   string
	}{
		{"ユーザーIDが数字でない", "abc", SaveRequest{Location: "東京", Hour: intPtr(7)}, model.ErrCodeInvalidUserID},
		{"ユーザーIDが短すぎる", "12345", SaveRequest{Location: "東京", Hour: intPtr(7)}, model.ErrCodeInvalidUserID},
		{"地域が見つからない", userID, SaveRequest{Location: "どこか", Hour: intPtr(7)}, model.ErrCodeLocationNotFound},
		{"地域の指定がない", userID, SaveRequest{Hour: intPtr(7)}, model.ErrCodeLocationNotFound},
		{"地域コードが存在しない", userID, SaveRequest{AreaCode: "999999", Hour: intPtr(7)}, model.ErrCodeAreaNotFound},
		{"通知時刻が範囲外", userID, SaveRequest{Location: "東京", Hour: intPtr(24)}, model.ErrCodeInvalidHour},
		{"通知時刻が負", userID, SaveRequest{Location: "東京", Hour: intPtr(-1)}, model.ErrCodeInvalidHour},
		{"新規で通知時刻なし", userID, SaveRequest{Location: "東京"}, model.ErrCodeInvalidHour},
		{"タイムゾーンが不正", userID, SaveRequest{Location: "東京", Hour: intPtr(7), Timezone: "Mars/Olympus"}, model.ErrCodeInvalidTimezone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(repository.NewMemoryStore())
			_, err := svc.Save(context.Background(), tt.userID, tt.req)
			if err == nil {
				t.Fatal("エラーが返るべき")
			}
			if got := apiErrorCode(t, err); got != tt.want {
				t.Errorf("エラーコード = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSave_RepositoryErrorIsWrapped(t *testing.T) {
	boom := errors.New("db down")
	svc := newTestService(&failingRepo{err: boom})

	_, err := svc.Save(context.Background(), userID, SaveRequest{Location: "東京", Hour: intPtr(7)})
	if !errors.Is(err, boom) {
		t.Errorf("リポジトリのエラーをラップして返すべき: %v", err)
	}
}

func TestGet(t *testing.T) {
	store := repository.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.Get(ctx, userID)
	if got := apiErrorCode(t, err); got != model.ErrCodeSubscriptionNotFound {
		t.Errorf("エラーコード = %s", got)
	}

	if _, err := svc.Save(ctx, userID, SaveRequest{Location: "東京", Hour: intPtr(7)}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	sub, err := svc.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if sub.AreaCode != "130010" {
		t.Errorf("AreaCode = %s", sub.AreaCode)
	}
}

func TestSetEnabled_NotFound(t *testing.T) {
	svc := newTestService(repository.NewMemoryStore())
	err := svc.SetEnabled(context.Background(), userID, true)
	if got := apiErrorCode(t, err); got != model.ErrCodeSubscriptionNotFound {
		t.Errorf("エラーコード = %s", got)
	}
}

func TestValidateUserID(t *testing.T) {
	for _, id := range []string{"123456789012345678", "80351110224678912"} {
		if err := ValidateUserID(id); err != nil {
			t.Errorf("%s は有効なIDであるべき: %v", id, err)
		}
	}
	for _, id := range []string{"", "0000000000000000", "-12345678901234567", "12345678901234567890123", "99999999999999999999"} {
		if err := ValidateUserID(id); err == nil {
			t.Errorf("%q は無効なIDであるべき", id)
		}
	}
}
