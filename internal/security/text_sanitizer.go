package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はHTML断片からマークアップを除去し、SNS投稿やプロンプトに使える
// プレーンテキストに変換する。
// クロールしたページ本文とAIが生成した下書きの両方に適用する。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はタグを一切許可しないポリシーでTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// PlainText はタグを除去し、文字参照を展開し、連続する空白を1つにまとめる。
// script/styleの中身も除去される。
func (s *TextSanitizer) PlainText(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := s.policy.Sanitize(raw)
	return strings.Join(strings.Fields(html.UnescapeString(stripped)), " ")
}

// Lines はブロック要素の区切りを改行として保ったままプレーンテキスト化する。
// 空行は除外する。
func (s *TextSanitizer) Lines(raw string) []string {
	replacer := strings.NewReplacer(
		"</p>", "</p>\n", "<br>", "\n", "<br/>", "\n", "<br />", "\n",
		"</li>", "</li>\n", "</h1>", "</h1>\n", "</h2>", "</h2>\n", "</h3>", "</h3>\n",
		"</div>", "</div>\n",
	)
	var lines []string
	for _, line := range strings.Split(replacer.Replace(raw), "\n") {
		if text := s.PlainText(line); text != "" {
			lines = append(lines, text)
		}
	}
	return lines
}
