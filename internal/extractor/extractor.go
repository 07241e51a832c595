// Package extractor はクロール結果からBusinessContext（要約・事実・キーワード）を抽出する。
// 外部呼び出しを行わない決定的な処理で、同じ入力からは常に同じ結果を返す。
package extractor

import (
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/hitoshi/postcaster/internal/model"
)

const (
	// MaxFacts は抽出する事実の最大件数。
	MaxFacts = 10
	// MaxKeywords は抽出するキーワードの最大件数。
	MaxKeywords = 12
	// maxSummaryRunes は要約の最大文字数。
	maxSummaryRunes = 300
	// maxFactRunes は事実1件の最大文字数。
	maxFactRunes = 240
	// minFactRunes は事実として採用する最小文字数。
	minFactRunes = 20
)

// ErrNoContent はテキストを含むページが1件もないことを示す。
var ErrNoContent = errors.New("no crawled content to extract from")

// Extract はWebサイトとクロール結果からBusinessContextを作る。
// Versionは保存時に採番されるため設定しない。
func Extract(website *model.BusinessWebsite, pages []model.CrawledPage, now time.Time) (*model.BusinessContext, error) {
	var usable []model.CrawledPage
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" || strings.TrimSpace(p.Description) != "" {
			usable = append(usable, p)
		}
	}
	if len(usable) == 0 {
		return nil, ErrNoContent
	}

	tone := website.Tone
	if tone == "" {
		tone = model.ToneProfessional
	}

	return &model.BusinessContext{
		UserID:      website.UserID,
		WebsiteID:   website.ID,
		Summary:     summarize(usable),
		Facts:       facts(usable),
		Keywords:    keywords(usable),
		Tone:        tone,
		SourceURL:   website.URL,
		ExtractedAt: now,
	}, nil
}

// summarize はトップページのmeta descriptionを優先し、なければ本文の先頭の文から要約を作る。
func summarize(pages []model.CrawledPage) string {
	for _, p := range pages {
		if d := strings.TrimSpace(p.Description); d != "" {
			return truncateRunes(d, maxSummaryRunes)
		}
	}

	var b strings.Builder
	for _, s := range sentences(pages[0].Text) {
		if utf8.RuneCountInString(b.String())+utf8.RuneCountInString(s) > maxSummaryRunes {
			break
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(s)
	}
	if b.Len() == 0 {
		return truncateRunes(pages[0].Text, maxSummaryRunes)
	}
	return b.String()
}

// facts はMarkdownの見出しと各ページの先頭の文から事実を集める。
// 見出しを優先し、重複は除く。
func facts(pages []model.CrawledPage) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if utf8.RuneCountInString(s) < minFactRunes || len(out) >= MaxFacts {
			return
		}
		key := strings.ToLower(s)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, truncateRunes(s, maxFactRunes))
	}

	for _, p := range pages {
		for _, h := range headings(p.Markdown) {
			add(h)
		}
	}
	for _, p := range pages {
		ss := sentences(p.Text)
		for i := 0; i < len(ss) && i < 2; i++ {
			add(ss[i])
		}
	}
	return out
}

// headings はMarkdownのATX見出し（# 〜 ###）を返す。
func headings(markdown string) []string {
	var out []string
	for _, line := range strings.Split(markdown, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			continue
		}
		level := len(line) - len(strings.TrimLeft(line, "#"))
		if level > 3 {
			continue
		}
		if text := strings.TrimSpace(strings.TrimLeft(line, "#")); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// sentences はテキストを文に分割する。英語のピリオドと日本語の句点に対応する。
func sentences(text string) []string {
	var out []string
	var cur strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		end := r == '。' || r == '！' || r == '？' || r == '!' || r == '?'
		if r == '.' && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
			end = true
		}
		if end {
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// keywords はタイトルと本文の単語頻度から上位のキーワードを返す。
// タイトルに含まれる単語は重みを3倍にする。
func keywords(pages []model.CrawledPage) []string {
	counts := make(map[string]int)
	for _, p := range pages {
		for _, w := range words(p.Title) {
			counts[w] += 3
		}
		for _, w := range words(p.Text) {
			counts[w]++
		}
	}

	type kv struct {
		word  string
		count int
	}
	ranked := make([]kv, 0, len(counts))
	for w, c := range counts {
		if c < 2 {
			continue
		}
		ranked = append(ranked, kv{w, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})

	out := make([]string, 0, MaxKeywords)
	for _, e := range ranked {
		if len(out) >= MaxKeywords {
			break
		}
		out = append(out, e.word)
	}
	return out
}

// words はテキストを小文字の単語に分割し、ストップワードと短すぎる単語を除く。
func words(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if utf8.RuneCountInString(f) < 3 || stopWords[f] || isNumber(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func truncateRunes(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
