// Package area は気象庁の地域カタログと、自由入力の地域名から地域コードへの解決を提供する。
package area

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/tenkibot/internal/model"
)

// Source は地域カタログ（気象庁 area.json 形式）の取得元。
type Source interface {
	FetchAreaCatalog(ctx context.Context) ([]byte, error)
}

// FileSource はローカルファイルからカタログを読み込むSource。
type FileSource struct {
	Path string
}

// FetchAreaCatalog はファイルの内容を返す。
func (s FileSource) FetchAreaCatalog(ctx context.Context) ([]byte, error) {
	return os.ReadFile(s.Path)
}

// rawArea は area.json の1エントリ。
type rawArea struct {
	Name       string   `json:"name"`
	EnName     string   `json:"enName"`
	Kana       string   `json:"kana"`
	OfficeName string   `json:"officeName"`
	Parent     string   `json:"parent"`
	Children   []string `json:"children"`
}

// rawCatalog は area.json のトップレベル構造。
// 各カテゴリは地域コードをキーとするマップ。
type rawCatalog struct {
	Centers  map[string]json.RawMessage `json:"centers"`
	Offices  map[string]json.RawMessage `json:"offices"`
	Class10s map[string]json.RawMessage `json:"class10s"`
	Class15s map[string]json.RawMessage `json:"class15s"`
	Class20s map[string]json.RawMessage `json:"class20s"`
}

// Catalog は地域階層を地域コードで引けるよう平坦化したもの。
// 読み込み後は変更しないため、並行して参照してよい。
type Catalog struct {
	entries       map[string]model.AreaEntry
	children      map[string][]string
	codes         []string
	officesByName map[string][]string
}

// Load はSourceからカタログを取得して構築する。
// 取得・パースに失敗した場合は model.ErrCatalogUnavailable をラップして返す。
func Load(ctx context.Context, src Source, logger *slog.Logger) (*Catalog, error) {
	data, err := src.FetchAreaCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCatalogUnavailable, err)
	}
	return Parse(data, logger)
}

// LoadWithRetry はカタログの読み込みに成功するまで指数バックオフで再試行する。
// ctxがキャンセルされた場合は最後のエラーを返す。
func LoadWithRetry(ctx context.Context, src Source, logger *slog.Logger, initialDelay, maxDelay time.Duration) (*Catalog, error) {
	delay := initialDelay
	for attempt := 1; ; attempt++ {
		cat, err := Load(ctx, src, logger)
		if err == nil {
			return cat, nil
		}

		logger.Warn("地域カタログの読み込みに失敗しました。再試行します",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// Parse は area.json 形式のデータからカタログを構築する。
// コードや名前が欠けたエントリ、親が存在しないエントリは警告を出してスキップする。
func Parse(data []byte, logger *slog.Logger) (*Catalog, error) {
	var raw rawCatalog
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: area.jsonのパースに失敗しました: %v", model.ErrCatalogUnavailable, err)
	}

	c := &Catalog{
		entries:       make(map[string]model.AreaEntry),
		children:      make(map[string][]string),
		officesByName: make(map[string][]string),
	}

	// 上位階層から順に取り込み、コード重複時は浅い階層を優先する
	levels := []struct {
		level model.AreaLevel
		items map[string]json.RawMessage
	}{
		{model.AreaLevelCenter, raw.Centers},
		{model.AreaLevelOffice, raw.Offices},
		{model.AreaLevelClass10, raw.Class10s},
		{model.AreaLevelClass15, raw.Class15s},
		{model.AreaLevelClass20, raw.Class20s},
	}

	skipped := 0
	for _, lv := range levels {
		for _, key := range sortedKeys(lv.items) {
			entry, reason := buildEntry(key, lv.items[key], lv.level)
			if reason == "" {
				if _, dup := c.entries[entry.Code]; dup {
					reason = "地域コードが重複しています"
				}
			}
			if reason != "" {
				skipped++
				logger.Warn("不正な地域エントリをスキップしました",
					slog.String("code", key),
					slog.String("level", lv.level.String()),
					slog.String("reason", reason),
				)
				continue
			}
			c.entries[entry.Code] = entry
		}
	}

	skipped += c.pruneDangling(logger)

	if len(c.entries) == 0 {
		return nil, fmt.Errorf("%w: 有効な地域エントリがありません", model.ErrCatalogUnavailable)
	}

	c.link()

	logger.Info("地域カタログを読み込みました",
		slog.Int("area_count", len(c.entries)),
		slog.Int("skipped_count", skipped),
	)

	return c, nil
}

// buildEntry は生データから AreaEntry を組み立てる。
// 不正な場合は空でない理由文字列を返す。
func buildEntry(key string, msg json.RawMessage, level model.AreaLevel) (model.AreaEntry, string) {
	code := strings.TrimSpace(key)
	if code == "" {
		return model.AreaEntry{}, "地域コードがありません"
	}

	var ra rawArea
	if err := json.Unmarshal(msg, &ra); err != nil {
		return model.AreaEntry{}, "エントリの形式が不正です"
	}

	name := strings.TrimSpace(ra.Name)
	if name == "" {
		return model.AreaEntry{}, "地域名がありません"
	}

	entry := model.AreaEntry{
		Code:          code,
		Name:          name,
		Kana:          strings.TrimSpace(ra.Kana),
		RomanizedName: strings.TrimSpace(ra.EnName),
		Level:         level,
		OfficeName:    strings.TrimSpace(ra.OfficeName),
	}

	if level != model.AreaLevelCenter {
		parent := strings.TrimSpace(ra.Parent)
		if parent == "" {
			return model.AreaEntry{}, "親地域コードがありません"
		}
		entry.ParentCode = &parent
	}

	return entry, ""
}

// pruneDangling は親が存在しないエントリを、残りがなくなるまで繰り返し取り除く。
func (c *Catalog) pruneDangling(logger *slog.Logger) int {
	removed := 0
	for {
		var dangling []string
		for code, e := range c.entries {
			if e.ParentCode == nil {
				continue
			}
			if _, ok := c.entries[*e.ParentCode]; !ok {
				dangling = append(dangling, code)
			}
		}
		if len(dangling) == 0 {
			return removed
		}
		sort.Strings(dangling)
		for _, code := range dangling {
			logger.Warn("親地域が存在しないエントリをスキップしました",
				slog.String("code", code),
				slog.String("parent_code", *c.entries[code].ParentCode),
			)
			delete(c.entries, code)
			removed++
		}
	}
}

// link は子リスト・府県名・地方名・気象台名の索引を構築する。
func (c *Catalog) link() {
	c.codes = make([]string, 0, len(c.entries))
	for code := range c.entries {
		c.codes = append(c.codes, code)
	}
	sort.Strings(c.codes)

	for _, code := range c.codes {
		e := c.entries[code]
		if e.ParentCode != nil {
			c.children[*e.ParentCode] = append(c.children[*e.ParentCode], code)
		}

		for _, anc := range c.Lineage(code) {
			a := c.entries[anc]
			switch a.Level {
			case model.AreaLevelOffice:
				name := a.Name
				e.Prefecture = &name
			case model.AreaLevelCenter:
				name := a.Name
				e.Region = &name
			}
		}
		c.entries[code] = e

		if e.Level == model.AreaLevelOffice && e.OfficeName != "" {
			c.officesByName[e.OfficeName] = append(c.officesByName[e.OfficeName], code)
		}
	}
}

// Get は地域コードに対応するエントリを返す。
// 存在しない場合は model.ErrAreaNotFound を返す。
func (c *Catalog) Get(code string) (model.AreaEntry, error) {
	e, ok := c.entries[code]
	if !ok {
		return model.AreaEntry{}, fmt.Errorf("%w: %s", model.ErrAreaNotFound, code)
	}
	return e, nil
}

// ChildrenOf は直下の子地域をコード順で返す。
func (c *Catalog) ChildrenOf(code string) []model.AreaEntry {
	codes := c.children[code]
	result := make([]model.AreaEntry, 0, len(codes))
	for _, cc := range codes {
		result = append(result, c.entries[cc])
	}
	return result
}

// All は全エントリをコード順で返す。
func (c *Catalog) All() []model.AreaEntry {
	result := make([]model.AreaEntry, 0, len(c.codes))
	for _, code := range c.codes {
		result = append(result, c.entries[code])
	}
	return result
}

// Len はエントリ数を返す。
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Lineage は指定コードから根までのコード列を返す（先頭が指定コード自身）。
// 存在しないコードの場合は空を返す。
func (c *Catalog) Lineage(code string) []string {
	var chain []string
	for cur := code; ; {
		e, ok := c.entries[cur]
		if !ok {
			return chain
		}
		chain = append(chain, cur)
		if e.ParentCode == nil {
			return chain
		}
		cur = *e.ParentCode
	}
}

// OfficeOf は指定地域を担当する府県予報区のコードを返す。
func (c *Catalog) OfficeOf(code string) (string, bool) {
	for _, anc := range c.Lineage(code) {
		if c.entries[anc].Level == model.AreaLevelOffice {
			return anc, true
		}
	}
	return "", false
}

// OfficesByName は気象台名（例: 横浜地方気象台）が担当する府県予報区のコードを返す。
func (c *Catalog) OfficesByName(officeName string) []string {
	return c.officesByName[officeName]
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
