package area

import (
	"sort"
	"strings"

	"github.com/hitoshi/tenkibot/internal/model"
)

// MaxCandidates は曖昧一致時に返す候補の最大数。
const MaxCandidates = 10

// ResolutionKind は地域名解決の結果種別。
type ResolutionKind int

const (
	// NotFound は一致する地域がないことを示す。
	NotFound ResolutionKind = iota
	// Resolved は地域が1つに確定したことを示す。
	Resolved
	// Ambiguous は複数の地域が一致したことを示す。
	Ambiguous
)

// String はレスポンス・ログ用の名前を返す。
func (k ResolutionKind) String() string {
	switch k {
	case Resolved:
		return "resolved"
	case Ambiguous:
		return "ambiguous"
	default:
		return "not_found"
	}
}

// MatchKind は一致の強さ。値が小さいほど強い。
type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchPrefix
	MatchSubstring
	matchNone
)

// String はレスポンス・ログ用の名前を返す。
func (m MatchKind) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchPrefix:
		return "prefix"
	case MatchSubstring:
		return "substring"
	default:
		return "none"
	}
}

// Candidate は曖昧一致時の候補1件。
type Candidate struct {
	Area  model.AreaEntry
	Match MatchKind
}

// Resolution は Resolve の結果。
// Kind が Resolved のとき Area が、Ambiguous のとき Candidates が設定される。
type Resolution struct {
	Query      string
	Kind       ResolutionKind
	Area       *model.AreaEntry
	Candidates []Candidate
}

// indexedArea は比較用に正規化済みのフィールドを保持する。
type indexedArea struct {
	code   string
	fields []string
}

// Resolver は自由入力の地域名を地域カタログのエントリに解決する。
type Resolver struct {
	catalog *Catalog
	index   []indexedArea
}

// NewResolver はカタログから検索用の索引を構築してResolverを生成する。
func NewResolver(catalog *Catalog) *Resolver {
	r := &Resolver{catalog: catalog}

	for _, e := range catalog.All() {
		var fields []string
		for _, f := range []string{e.Name, e.Kana, e.RomanizedName} {
			if n := normalizeQuery(f); n != "" {
				fields = append(fields, n)
			}
		}
		r.index = append(r.index, indexedArea{code: e.Code, fields: fields})
	}

	return r
}

// Resolve は入力文字列を地域に解決する。
// 照合順: (1) 地域コード完全一致 (2) 名前・かな・ローマ字の完全一致 (3) 前方一致・部分一致。
// 完全一致が1件だけの場合はそれを採用し、それ以外は全一致を強さ→階層の深さ→コード順で並べる。
func (r *Resolver) Resolve(query string) Resolution {
	q := normalizeQuery(query)
	res := Resolution{Query: query, Kind: NotFound}
	if q == "" {
		return res
	}

	if e, err := r.catalog.Get(q); err == nil {
		res.Kind = Resolved
		res.Area = &e
		return res
	}

	qs := stripSuffix(q)

	var hits []Candidate
	exactCount := 0
	for _, ia := range r.index {
		m := matchFields(ia.fields, q, qs)
		if m == matchNone {
			continue
		}
		if m == MatchExact {
			exactCount++
		}
		e, _ := r.catalog.Get(ia.code)
		hits = append(hits, Candidate{Area: e, Match: m})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Match != hits[j].Match {
			return hits[i].Match < hits[j].Match
		}
		if hits[i].Area.Level != hits[j].Area.Level {
			return hits[i].Area.Level > hits[j].Area.Level
		}
		return hits[i].Area.Code < hits[j].Area.Code
	})

	switch {
	case len(hits) == 0:
		return res
	case exactCount == 1 || len(hits) == 1:
		// 完全一致が1件なら前方一致・部分一致より優先する
		area := hits[0].Area
		res.Kind = Resolved
		res.Area = &area
		return res
	}

	if len(hits) > MaxCandidates {
		hits = hits[:MaxCandidates]
	}
	res.Kind = Ambiguous
	res.Candidates = hits
	return res
}

// matchFields はフィールド群と入力の最も強い一致を返す。
func matchFields(fields []string, q, qs string) MatchKind {
	best := matchNone
	for _, f := range fields {
		var m MatchKind
		switch {
		case f == q || stripSuffix(f) == qs:
			m = MatchExact
		case strings.HasPrefix(f, q) || strings.HasPrefix(f, qs):
			m = MatchPrefix
		case strings.Contains(f, q) || strings.Contains(f, qs):
			m = MatchSubstring
		default:
			continue
		}
		if m < best {
			best = m
		}
	}
	return best
}
