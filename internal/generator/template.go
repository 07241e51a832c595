package generator

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/postcaster/internal/model"
)

// TemplateGenerator はAIサービスを使わずにBusinessContextの事実から下書きを作る。
// OpenAIのAPIキーが設定されていない環境で使う。
type TemplateGenerator struct {
	sanitizer Sanitizer
}

var _ Generator = (*TemplateGenerator)(nil)

// NewTemplateGenerator はTemplateGeneratorを生成する。
func NewTemplateGenerator(sanitizer Sanitizer) *TemplateGenerator {
	return &TemplateGenerator{sanitizer: sanitizer}
}

// Generate は要約と事実1件ずつから下書きを作る。
func (g *TemplateGenerator) Generate(_ context.Context, bc *model.BusinessContext, p model.Platform, count int) ([]model.Draft, error) {
	if count <= 0 {
		count = DefaultDraftsPerPlatform
	}

	var sources []string
	if bc.Summary != "" {
		sources = append(sources, bc.Summary)
	}
	sources = append(sources, bc.Facts...)

	var tags []string
	for i := 0; i < len(bc.Keywords) && i < 2; i++ {
		tags = append(tags, bc.Keywords[i])
	}

	limit := lengthHint(p)
	var drafts []model.Draft
	for _, s := range sources {
		if len(drafts) >= count {
			break
		}
		body := s
		if bc.SourceURL != "" {
			body = strings.TrimSpace(s) + " " + bc.SourceURL
		}
		if utf8.RuneCountInString(body) > limit {
			continue
		}
		if d, ok := normalizeDraft(g.sanitizer, p, body, tags); ok {
			drafts = append(drafts, d)
		}
	}
	return drafts, nil
}
