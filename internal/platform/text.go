package platform

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/postcaster/internal/model"
)

// 各プラットフォームの本文上限。
const (
	TwitterMaxWeightedLength = 280
	BlueskyMaxGraphemes      = 300
	LinkedInMaxChars         = 3000
)

// lengthFunc は本文の長さをプラットフォームの数え方で返す。
type lengthFunc func(string) int

// runeLength はコードポイント数を返す。
func runeLength(s string) int {
	return utf8.RuneCountInString(s)
}

// twitterWeightedLength はTwitterの重み付き文字数を返す。
// Latin系などの範囲は1、CJKや絵文字などそれ以外は2として数える。
func twitterWeightedLength(s string) int {
	n := 0
	for _, r := range s {
		switch {
		case r <= 4351,
			r >= 8192 && r <= 8205,
			r >= 8208 && r <= 8223,
			r >= 8242 && r <= 8247:
			n++
		default:
			n += 2
		}
	}
	return n
}

// composeText は本文とハッシュタグを結合する。
// 本文が上限を超える場合はpermanentエラーを返す。
// ハッシュタグは上限に収まるものだけを順に追加する。
func composeText(p model.Platform, body string, hashtags []string, limit int, length lengthFunc) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", &Error{Platform: p, Class: model.ErrorClassPermanent, Code: "empty_body", Message: "post body is empty"}
	}
	if length(body) > limit {
		return "", &Error{
			Platform: p,
			Class:    model.ErrorClassPermanent,
			Code:     "too_long",
			Message:  fmt.Sprintf("post body exceeds %d characters", limit),
		}
	}

	text := body
	sep := "\n\n"
	for _, tag := range hashtags {
		tag = normalizeHashtag(tag)
		if tag == "" || strings.Contains(text, tag) {
			continue
		}
		candidate := text + sep + tag
		if length(candidate) > limit {
			break
		}
		text = candidate
		sep = " "
	}
	return text, nil
}

// normalizeHashtag は "#" を付与し、空白を除去する。
func normalizeHashtag(tag string) string {
	tag = strings.TrimLeft(strings.TrimSpace(tag), "#")
	tag = strings.Join(strings.Fields(tag), "")
	if tag == "" {
		return ""
	}
	return "#" + tag
}
