package model

import "time"

// Tone は生成する投稿の文体。
type Tone string

const (
	ToneProfessional Tone = "professional"
	ToneCasual       Tone = "casual"
	ToneHumorous     Tone = "humorous"
	ToneInformative  Tone = "informative"
)

// ParseTone は文字列をToneに変換する。空文字列はToneProfessionalとして扱う。
func ParseTone(s string) (Tone, bool) {
	switch Tone(s) {
	case "":
		return ToneProfessional, true
	case ToneProfessional, ToneCasual, ToneHumorous, ToneInformative:
		return Tone(s), true
	default:
		return "", false
	}
}

// BusinessWebsite はクロール対象として登録されたビジネスサイト。
type BusinessWebsite struct {
	ID                    string
	UserID                string
	URL                   string
	Name                  string
	Tone                  Tone
	CrawlFrequencyMinutes int
	LastCrawledAt         *time.Time
	IsActive              bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// CrawledPage はクローラーの出力1ページ分。
// Descriptionはmeta descriptionまたはフィードの要約で、永続化しない。
type CrawledPage struct {
	ID          string
	WebsiteID   string
	URL         string
	Title       string
	Description string
	Text        string
	Markdown    string
	CrawledAt   time.Time
}

// BusinessContext はクロール結果から抽出したマーケティング用の文脈情報。
// 作成後は変更せず、再抽出時はVersionを上げた新しいレコードを作る。
type BusinessContext struct {
	ID          string
	UserID      string
	WebsiteID   string
	Version     int
	Facts       []string
	Keywords    []string
	Tone        Tone
	Summary     string
	SourceURL   string
	ExtractedAt time.Time
}

// Draft はContent Generatorが返す投稿候補。
type Draft struct {
	Body     string
	Hashtags []string
	Platform Platform
}
