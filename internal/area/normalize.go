package area

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// strippableSuffixes は比較時に省略できる行政区分の接尾辞。
var strippableSuffixes = []string{"都", "府", "県", "市"}

// normalizeQuery は比較用に文字列を正規化する。
// 全角英数字・半角カナの統一（NFKC）、前後の空白除去、小文字化、カタカナのひらがな化を行う。
func normalizeQuery(s string) string {
	s = norm.NFKC.String(s)
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return katakanaToHiragana(s)
}

// stripSuffix は末尾の「都・府・県・市」を1つ取り除く。
// 取り除いた結果が1文字以下になる場合（例: 京都 → 京）は元の文字列を返す。
func stripSuffix(s string) string {
	for _, suffix := range strippableSuffixes {
		if !strings.HasSuffix(s, suffix) {
			continue
		}
		trimmed := strings.TrimSuffix(s, suffix)
		if utf8.RuneCountInString(trimmed) >= 2 {
			return trimmed
		}
		return s
	}
	return s
}

// katakanaToHiragana は全角カタカナ（ァ〜ヶ）をひらがなに変換する。
func katakanaToHiragana(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'ァ' && r <= 'ヶ' {
			return r - 0x60
		}
		return r
	}, s)
}
