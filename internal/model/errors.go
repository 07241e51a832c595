// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, content, account, post, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidURL           = "INVALID_URL"
	ErrCodeSSRFBlocked          = "SSRF_BLOCKED"
	ErrCodeCrawlFailed          = "CRAWL_FAILED"
	ErrCodeWebsiteNotFound      = "WEBSITE_NOT_FOUND"
	ErrCodeInvalidTone          = "INVALID_TONE"
	ErrCodeInvalidPlatform      = "INVALID_PLATFORM"
	ErrCodeAccountNotFound      = "ACCOUNT_NOT_FOUND"
	ErrCodeInvalidOAuthState    = "INVALID_OAUTH_STATE"
	ErrCodeAccountLinkFailed    = "ACCOUNT_LINK_FAILED"
	ErrCodePostNotFound         = "POST_NOT_FOUND"
	ErrCodeInvalidPostState     = "INVALID_POST_STATE"
	ErrCodeInvalidSchedule      = "INVALID_SCHEDULE"
	ErrCodeInvalidPostBody      = "INVALID_POST_BODY"
	ErrCodeNoActiveAccount      = "NO_ACTIVE_ACCOUNT"
	ErrCodeGenerationFailed     = "GENERATION_FAILED"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
	ErrCodeInvalidCrawlInterval = "INVALID_CRAWL_INTERVAL"
)

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewCrawlFailedError はクロール失敗エラーを生成する。
func NewCrawlFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeCrawlFailed,
		Message:  fmt.Sprintf("Webサイトの取得に失敗しました: %s", reason),
		Category: "content",
		Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewWebsiteNotFoundError はWebサイト未登録エラーを生成する。
func NewWebsiteNotFoundError(websiteID string) *APIError {
	return &APIError{
		Code:     ErrCodeWebsiteNotFound,
		Message:  fmt.Sprintf("指定されたWebサイトが見つかりません: %s", websiteID),
		Category: "content",
		Action:   "WebサイトIDを確認してください。",
	}
}

// NewInvalidToneError は無効な文体指定エラーを生成する。
func NewInvalidToneError(tone string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTone,
		Message:  fmt.Sprintf("無効な文体です: %s", tone),
		Category: "validation",
		Action:   "文体には professional、casual、humorous、informative のいずれかを指定してください。",
	}
}

// NewInvalidCrawlIntervalError はクロール間隔が無効な場合のエラーを生成する。
func NewInvalidCrawlIntervalError(minutes int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCrawlInterval,
		Message:  fmt.Sprintf("無効なクロール間隔です: %d分", minutes),
		Category: "validation",
		Action:   "クロール間隔は60分から10080分（7日）の範囲で指定してください。",
	}
}

// NewInvalidPlatformError は未対応プラットフォームのエラーを生成する。
func NewInvalidPlatformError(platform string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPlatform,
		Message:  fmt.Sprintf("未対応のプラットフォームです: %s", platform),
		Category: "validation",
		Action:   "twitter、bluesky、linkedin のいずれかを指定してください。",
	}
}

// NewAccountNotFoundError は連携アカウント未検出エラーを生成する。
func NewAccountNotFoundError(accountID string) *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  fmt.Sprintf("指定されたアカウントが見つかりません: %s", accountID),
		Category: "account",
		Action:   "アカウント一覧を確認してください。",
	}
}

// NewInvalidOAuthStateError はOAuthのstate不一致・期限切れエラーを生成する。
func NewInvalidOAuthStateError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidOAuthState,
		Message:  "認可リクエストが無効か、有効期限が切れています。",
		Category: "account",
		Action:   "もう一度アカウント連携をやり直してください。",
	}
}

// NewAccountLinkFailedError はアカウント連携失敗エラーを生成する。
func NewAccountLinkFailedError(platform string) *APIError {
	return &APIError{
		Code:     ErrCodeAccountLinkFailed,
		Message:  fmt.Sprintf("%s アカウントの連携に失敗しました。", platform),
		Category: "account",
		Action:   "認証情報を確認し、しばらく待ってから再度お試しください。",
	}
}

// NewPostNotFoundError は投稿未検出エラーを生成する。
func NewPostNotFoundError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された投稿が見つかりません: %s", postID),
		Category: "post",
		Action:   "投稿IDを確認してください。",
	}
}

// NewInvalidPostStateError は現在の状態では実行できない操作のエラーを生成する。
func NewInvalidPostStateError(state PostState, operation string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPostState,
		Message:  fmt.Sprintf("投稿の状態が %s のため %s できません。", state, operation),
		Category: "post",
		Action:   "投稿一覧で現在の状態を確認してください。",
	}
}

// NewInvalidScheduleError は投稿予定時刻が無効な場合のエラーを生成する。
func NewInvalidScheduleError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSchedule,
		Message:  fmt.Sprintf("無効な投稿予定時刻です: %s", reason),
		Category: "validation",
		Action:   "RFC3339形式の時刻を指定してください。",
	}
}

// NewInvalidPostBodyError は投稿本文が無効な場合のエラーを生成する。
func NewInvalidPostBodyError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPostBody,
		Message:  fmt.Sprintf("無効な投稿本文です: %s", reason),
		Category: "validation",
		Action:   "本文を入力してください。",
	}
}

// NewNoActiveAccountError は投稿先アカウントが1件もない場合のエラーを生成する。
func NewNoActiveAccountError() *APIError {
	return &APIError{
		Code:     ErrCodeNoActiveAccount,
		Message:  "有効な連携アカウントがありません。",
		Category: "account",
		Action:   "投稿先のSNSアカウントを連携してください。",
	}
}

// NewGenerationFailedError は投稿文生成失敗エラーを生成する。
func NewGenerationFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeGenerationFailed,
		Message:  "投稿文の生成に失敗しました。",
		Category: "content",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
