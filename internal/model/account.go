package model

import (
	"fmt"
	"time"
)

// Platform は投稿先のSNSプラットフォームを表す。
type Platform string

const (
	// PlatformTwitter はTwitter/X。
	PlatformTwitter Platform = "twitter"
	// PlatformBluesky はBluesky（AT Protocol）。
	PlatformBluesky Platform = "bluesky"
	// PlatformLinkedIn はLinkedIn。
	PlatformLinkedIn Platform = "linkedin"
)

// Platforms はサポートするプラットフォームの一覧。
var Platforms = []Platform{PlatformTwitter, PlatformBluesky, PlatformLinkedIn}

// ParsePlatform は文字列をPlatformに変換する。未知の値はエラーを返す。
func ParsePlatform(s string) (Platform, error) {
	for _, p := range Platforms {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unsupported platform: %q", s)
}

// PlatformAccount はユーザーが連携した外部プラットフォームのアカウントを表す。
// (user_id, platform) ごとに1件のみ存在し、物理削除はしない。
type PlatformAccount struct {
	ID                string
	UserID            string
	Platform          Platform
	Username          string
	ExternalID        string
	Credentials       *Credentials
	IsActive          bool
	DeactivatedReason string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Credentials はプラットフォームの認証情報。
// DBには暗号化したJSONとして保存する。
type Credentials struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	TokenType    string            `json:"token_type,omitempty"`
	Expiry       time.Time         `json:"expiry,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Credentials.Extra のキー。
const (
	CredentialExtraDID         = "did"
	CredentialExtraHandle      = "handle"
	CredentialExtraAppPassword = "app_password"
	CredentialExtraPersonURN   = "person_urn"
)

// ExpiresWithin はアクセストークンの有効期限がd以内に切れるかを判定する。
// Expiryがゼロ値の場合は期限なしとして扱う。
func (c *Credentials) ExpiresWithin(now time.Time, d time.Duration) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return c.Expiry.Sub(now) < d
}

// ExtraValue はExtraから値を取り出す。
func (c *Credentials) ExtraValue(key string) string {
	if c.Extra == nil {
		return ""
	}
	return c.Extra[key]
}

// OAuthState は発行済みの認可リクエストを表す。
// コールバック時のstate検証（CSRF対策）とPKCE verifierの保持に使う。
type OAuthState struct {
	State        string
	UserID       string
	Platform     Platform
	CodeVerifier string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}
