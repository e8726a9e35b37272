package jma

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// DefaultFeedURL は気象庁防災情報XMLの随時フィード（警報・注意報を含む）。
const DefaultFeedURL = "https://www.data.jma.go.jp/developer/xml/feed/extra.xml"

// OfficeLookup は発表官署名（例: 横浜地方気象台）から府県予報区コードを引く。
type OfficeLookup interface {
	OfficesByName(officeName string) []string
}

// AlertInvalidator は府県予報区の警報キャッシュを無効化する。
type AlertInvalidator interface {
	InvalidateAlerts(officeCode string)
}

// BulletinRecorder は検知した予報区数を記録する（メトリクス用）。
type BulletinRecorder interface {
	RecordBulletin(changedOffices int)
}

// BulletinWatcher は気象庁のAtomフィードを定期取得し、
// 警報・注意報の新着があった府県予報区の警報キャッシュを無効化する。
type BulletinWatcher struct {
	httpClient  *http.Client
	feedURL     string
	offices     OfficeLookup
	invalidator AlertInvalidator
	logger      *slog.Logger
	recorder    BulletinRecorder
	lastSeen    time.Time
}

// NewBulletinWatcher はBulletinWatcherの新しいインスタンスを生成する。
func NewBulletinWatcher(httpClient *http.Client, feedURL string, offices OfficeLookup, invalidator AlertInvalidator, logger *slog.Logger) *BulletinWatcher {
	if feedURL == "" {
		feedURL = DefaultFeedURL
	}
	return &BulletinWatcher{
		httpClient:  httpClient,
		feedURL:     feedURL,
		offices:     offices,
		invalidator: invalidator,
		logger:      logger,
	}
}

// SetRecorder はメトリクス記録先を設定する。
func (w *BulletinWatcher) SetRecorder(r BulletinRecorder) {
	w.recorder = r
}

// Start はinterval間隔でフィードを取得する。コンテキストがキャンセルされるまで継続する。
func (w *BulletinWatcher) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("防災情報フィードの監視を開始しました",
		slog.String("url", w.feedURL),
		slog.Duration("interval", interval),
	)

	for {
		if _, err := w.Poll(ctx); err != nil {
			w.logger.Warn("防災情報フィードの取得に失敗しました",
				slog.String("url", w.feedURL),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			w.logger.Info("防災情報フィードの監視を停止しました")
			return
		case <-ticker.C:
		}
	}
}

// Poll はフィードを1回取得し、前回以降に更新された警報・注意報の電文について
// 発表官署の府県予報区の警報キャッシュを無効化する。無効化した府県予報区の数を返す。
func (w *BulletinWatcher) Poll(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.feedURL, nil)
	if err != nil {
		return 0, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HTTPステータス %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return 0, fmt.Errorf("フィードのパースに失敗しました: %w", err)
	}

	invalidated := make(map[string]struct{})
	newest := w.lastSeen
	for _, item := range parsed.Items {
		if item == nil || !isWarningBulletin(item.Title) {
			continue
		}
		updated := itemTime(item)
		if !updated.After(w.lastSeen) {
			continue
		}
		if updated.After(newest) {
			newest = updated
		}
		for _, name := range itemAuthors(item) {
			for _, office := range w.offices.OfficesByName(name) {
				if _, done := invalidated[office]; done {
					continue
				}
				invalidated[office] = struct{}{}
				w.invalidator.InvalidateAlerts(office)
			}
		}
	}
	w.lastSeen = newest

	if w.recorder != nil {
		w.recorder.RecordBulletin(len(invalidated))
	}
	if len(invalidated) > 0 {
		w.logger.Info("警報・注意報の更新を検知しました",
			slog.Int("office_count", len(invalidated)),
		)
	}
	return len(invalidated), nil
}

// isWarningBulletin は電文のタイトルが気象警報・注意報かを判定する。
func isWarningBulletin(title string) bool {
	return strings.Contains(title, "警報・注意報")
}

func itemTime(item *gofeed.Item) time.Time {
	switch {
	case item.UpdatedParsed != nil:
		return *item.UpdatedParsed
	case item.PublishedParsed != nil:
		return *item.PublishedParsed
	default:
		return time.Time{}
	}
}

func itemAuthors(item *gofeed.Item) []string {
	var names []string
	for _, a := range item.Authors {
		if a != nil && a.Name != "" {
			names = append(names, strings.TrimSpace(a.Name))
		}
	}
	return names
}
