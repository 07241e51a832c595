package platform

import (
	"errors"
	"strings"
	"testing"

	"github.com/hitoshi/postcaster/internal/model"
)

func TestComposeText_AppendsHashtagsWithinLimit(t *testing.T) {
	text, err := composeText(model.PlatformTwitter, "新メニューのお知らせ", []string{"cafe", "#lunch", " new menu "}, 280, twitterWeightedLength)
	if err != nil {
		t.Fatalf("composeText() がエラーを返した: %v", err)
	}
	want := "新メニューのお知らせ\n\n#cafe #lunch #newmenu"
	if text != want {
		t.Errorf("composeText() = %q, want %q", text, want)
	}
}

func TestComposeText_DropsHashtagsThatDoNotFit(t *testing.T) {
	body := strings.Repeat("a", 290)
	text, err := composeText(model.PlatformBluesky, body, []string{"short", "another"}, 300, runeLength)
	if err != nil {
		t.Fatalf("composeText() がエラーを返した: %v", err)
	}
	// "\n\n#short" で297文字、" #another" は収まらない
	if text != body+"\n\n#short" {
		t.Errorf("composeText() = %q", text[280:])
	}
}

func TestComposeText_BodyTooLongIsPermanent(t *testing.T) {
	_, err := composeText(model.PlatformLinkedIn, strings.Repeat("x", 3001), nil, LinkedInMaxChars, runeLength)

	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if pe.Class != model.ErrorClassPermanent {
		t.Errorf("Class = %q, want permanent", pe.Class)
	}
}

func TestComposeText_EmptyBody(t *testing.T) {
	if _, err := composeText(model.PlatformTwitter, "   ", nil, 280, twitterWeightedLength); ClassOf(err) != model.ErrorClassPermanent {
		t.Errorf("空の本文がpermanentにならない: %v", err)
	}
}

func TestTwitterWeightedLength(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"hello", 5},
		{"こんにちは", 10},
		{"abc日本", 7},
		{"", 0},
	}
	for _, tt := range tests {
		if got := twitterWeightedLength(tt.in); got != tt.want {
			t.Errorf("twitterWeightedLength(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTwitterWeightedLength_CJKLimit(t *testing.T) {
	// 日本語は140文字で上限に達する
	if _, err := composeText(model.PlatformTwitter, strings.Repeat("あ", 140), nil, TwitterMaxWeightedLength, twitterWeightedLength); err != nil {
		t.Errorf("140文字の日本語が拒否された: %v", err)
	}
	if _, err := composeText(model.PlatformTwitter, strings.Repeat("あ", 141), nil, TwitterMaxWeightedLength, twitterWeightedLength); err == nil {
		t.Error("141文字の日本語が受理された")
	}
}

func TestNormalizeHashtag(t *testing.T) {
	tests := map[string]string{
		"go":          "#go",
		"##go":        "#go",
		" small biz ": "#smallbiz",
		"#":           "",
		"":            "",
	}
	for in, want := range tests {
		if got := normalizeHashtag(in); got != want {
			t.Errorf("normalizeHashtag(%q) = %q, want %q", in, got, want)
		}
	}
}
