package security

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MessageSanitizer はAIが生成したテキストをDiscordのDMに載せられる形に整える。
type MessageSanitizer interface {
	// Sanitize はHTMLタグを除去し、一斉メンションを無効化し、最大文字数で切り詰める。
	// 空白だけの入力には空文字列を返す。
	Sanitize(text string) string
}

// massMention は @everyone / @here とロール・ユーザーのメンション。
var massMention = regexp.MustCompile(`@(everyone|here)|<@[!&]?[0-9]+>`)

type messageSanitizer struct {
	policy   *bluemonday.Policy
	maxRunes int
}

// NewMessageSanitizer はMessageSanitizerの新しいインスタンスを生成する。
// maxRunesが0以下の場合は切り詰めない。
func NewMessageSanitizer(maxRunes int) *messageSanitizer {
	return &messageSanitizer{
		policy:   bluemonday.StrictPolicy(),
		maxRunes: maxRunes,
	}
}

// Sanitize はテキストを整形する。同じ入力には常に同じ出力を返す。
func (s *messageSanitizer) Sanitize(text string) string {
	// StrictPolicyは全タグを除去し、本文をHTMLエスケープする
	cleaned := html.UnescapeString(s.policy.Sanitize(text))

	cleaned = massMention.ReplaceAllStringFunc(cleaned, func(m string) string {
		return strings.Replace(m, "@", "@\u200b", 1)
	})
	cleaned = strings.TrimSpace(cleaned)

	if s.maxRunes > 0 {
		runes := []rune(cleaned)
		if len(runes) > s.maxRunes {
			cleaned = strings.TrimSpace(string(runes[:s.maxRunes])) + "…"
		}
	}
	return cleaned
}
