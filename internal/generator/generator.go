// Package generator はBusinessContextからSNS投稿の下書きを生成する。
package generator

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/postcaster/internal/model"
)

// DefaultDraftsPerPlatform はプラットフォームごとに生成する下書きの数。
const DefaultDraftsPerPlatform = 3

// Generator は下書き生成のインターフェース。
// 生成結果が0件でもエラーにはしない。
type Generator interface {
	Generate(ctx context.Context, bc *model.BusinessContext, p model.Platform, count int) ([]model.Draft, error)
}

// Sanitizer は生成結果をプレーンテキストにする。
type Sanitizer interface {
	PlainText(raw string) string
}

// toneInstructions は文体ごとの指示文。
var toneInstructions = map[model.Tone]string{
	model.ToneProfessional: "Use a formal, business-like tone with clear value propositions, industry terminology and a business-appropriate call to action.",
	model.ToneCasual:       "Use a friendly, conversational tone with everyday language, an engaging question and at most one emoji.",
	model.ToneHumorous:     "Use a light, witty tone with clever wordplay while staying respectful of the brand.",
	model.ToneInformative:  "Use an educational, factual tone that explains one concrete fact or tip clearly.",
}

// lengthHints はプラットフォームごとの本文の目安文字数。
// ハッシュタグを後から付けるため上限より短くする。
var lengthHints = map[model.Platform]int{
	model.PlatformTwitter:  230,
	model.PlatformBluesky:  250,
	model.PlatformLinkedIn: 1200,
}

func lengthHint(p model.Platform) int {
	if n, ok := lengthHints[p]; ok {
		return n
	}
	return 250
}

// buildPrompt はBusinessContextからユーザープロンプトを組み立てる。
func buildPrompt(bc *model.BusinessContext, p model.Platform, count int) string {
	tone := toneInstructions[bc.Tone]
	if tone == "" {
		tone = toneInstructions[model.ToneProfessional]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Write %d distinct %s posts promoting the business described below.\n", count, platformName(p))
	fmt.Fprintf(&b, "%s\n", tone)
	fmt.Fprintf(&b, "Each post body must be at most %d characters, without hashtags. Put up to 3 hashtags (without #) in a separate list.\n", lengthHint(p))
	b.WriteString("Do not invent facts that are not listed. Plain text only, no markdown.\n\n")

	if bc.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", bc.Summary)
	}
	if len(bc.Facts) > 0 {
		b.WriteString("Facts:\n")
		for _, f := range bc.Facts {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if len(bc.Keywords) > 0 {
		fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(bc.Keywords, ", "))
	}
	if bc.SourceURL != "" {
		fmt.Fprintf(&b, "Website: %s\n", bc.SourceURL)
	}
	return b.String()
}

func platformName(p model.Platform) string {
	switch p {
	case model.PlatformTwitter:
		return "X (Twitter)"
	case model.PlatformBluesky:
		return "Bluesky"
	case model.PlatformLinkedIn:
		return "LinkedIn"
	default:
		return string(p)
	}
}

// normalizeDraft は本文をプレーンテキスト化し、ハッシュタグを正規化する。
// 本文が空の場合はfalseを返す。
func normalizeDraft(s Sanitizer, p model.Platform, body string, hashtags []string) (model.Draft, bool) {
	body = strings.TrimSpace(s.PlainText(body))
	if body == "" {
		return model.Draft{}, false
	}

	seen := make(map[string]bool)
	var tags []string
	for _, h := range hashtags {
		tag := strings.TrimLeft(strings.TrimSpace(s.PlainText(h)), "#＃")
		tag = strings.Join(strings.Fields(tag), "")
		if tag == "" || utf8.RuneCountInString(tag) > 50 {
			continue
		}
		key := strings.ToLower(tag)
		if seen[key] {
			continue
		}
		seen[key] = true
		tags = append(tags, tag)
	}

	return model.Draft{Body: body, Hashtags: tags, Platform: p}, true
}
