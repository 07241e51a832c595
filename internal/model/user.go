package model

import "time"

// User はGoogleでサインインしたサービス利用者を表す。
// 連携アカウント・Webサイト・投稿はすべてUserに属する。
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity はサインインに使った外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
