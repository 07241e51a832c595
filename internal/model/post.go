package model

import "time"

// PostState は投稿のライフサイクル状態を表す。
type PostState string

const (
	// PostStateDraft は生成直後の下書き。自動遷移の対象外。
	PostStateDraft PostState = "draft"
	// PostStateScheduled は投稿予定時刻が設定された状態。
	PostStateScheduled PostState = "scheduled"
	// PostStateDue は投稿予定時刻を過ぎ、ディスパッチ待ちの状態。
	PostStateDue PostState = "due"
	// PostStatePublishing はワーカーが投稿処理中の状態。同時に1つのワーカーのみが保持する。
	PostStatePublishing PostState = "publishing"
	// PostStateRetryPending はバックオフ待ちの状態。
	PostStateRetryPending PostState = "retry_pending"
	// PostStatePublished は投稿完了。
	PostStatePublished PostState = "published"
	// PostStateFailed は投稿失敗。手動の再キューでのみScheduledに戻る。
	PostStateFailed PostState = "failed"
)

// transitions は許可される状態遷移の一覧。
var transitions = map[PostState][]PostState{
	PostStateDraft:        {PostStateScheduled},
	PostStateScheduled:    {PostStateScheduled, PostStateDue, PostStateFailed},
	PostStateDue:          {PostStatePublishing, PostStateFailed},
	PostStateRetryPending: {PostStateDue, PostStateFailed},
	PostStatePublishing:   {PostStatePublished, PostStateRetryPending, PostStateFailed},
	PostStateFailed:       {PostStateScheduled},
	PostStatePublished:    {},
}

// CanTransition はfromからtoへの遷移が許可されているかを返す。
func CanTransition(from, to PostState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsValid は定義済みの状態かどうかを返す。
func (s PostState) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// ErrorClass は投稿失敗の分類。リトライ方針はこの分類のみで決まる。
type ErrorClass string

const (
	// ErrorClassNone はエラーなし。
	ErrorClassNone ErrorClass = ""
	// ErrorClassCredentialUnavailable はアカウント無効化やトークン更新不能。
	ErrorClassCredentialUnavailable ErrorClass = "credential_unavailable"
	// ErrorClassRateLimited はプラットフォームのレート制限。試行回数を消費しない。
	ErrorClassRateLimited ErrorClass = "rate_limited"
	// ErrorClassTransient はタイムアウト・ネットワーク障害・5xx相当。
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassPermanent はコンテンツ拒否・ポリシー違反など。リトライしない。
	ErrorClassPermanent ErrorClass = "permanent"
)

// Retryable はバックオフ後の再試行対象かどうかを返す。
func (c ErrorClass) Retryable() bool {
	return c == ErrorClassTransient || c == ErrorClassRateLimited
}

// Post はプラットフォームアカウント1件に向けた投稿1件を表す。
// ExternalPostIDはStateがPublishedのときのみ設定される。
// AttemptCountは単調増加し、再キューでもリセットしない。
type Post struct {
	ID                string
	UserID            string
	PlatformAccountID string
	Platform          Platform
	Body              string
	Hashtags          []string
	BusinessContextID string
	State             PostState
	ScheduledFor      *time.Time
	NextAttemptAt     *time.Time
	ClaimedAt         *time.Time
	AttemptCount      int
	LastError         string
	LastErrorClass    ErrorClass
	ExternalPostID    string
	ExternalURL       string
	PublishedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CheckInvariants は投稿の不変条件を検証する。
// 違反がある場合は説明文字列を返し、問題なければ空文字列を返す。
func (p *Post) CheckInvariants() string {
	if (p.State == PostStatePublished) != (p.ExternalPostID != "") {
		return "external_post_id must be set if and only if state is published"
	}
	if p.AttemptCount < 0 {
		return "attempt_count must not be negative"
	}
	if !p.State.IsValid() {
		return "unknown state: " + string(p.State)
	}
	return ""
}

// DispatchCandidate はTickで評価する投稿とアカウント状態の組。
type DispatchCandidate struct {
	PostID            string
	PlatformAccountID string
	Platform          Platform
	State             PostState
	AccountActive     bool
}

// AttemptOutcome はPublishAttemptの結果。
type AttemptOutcome string

const (
	// AttemptOutcomeSuccess は投稿成功。
	AttemptOutcomeSuccess AttemptOutcome = "success"
	// AttemptOutcomeFailure は投稿失敗。
	AttemptOutcomeFailure AttemptOutcome = "failure"
)

// PublishAttempt はディスパッチ1回分の監査レコード。作成後は更新しない。
type PublishAttempt struct {
	ID             string
	PostID         string
	AttemptedAt    time.Time
	Outcome        AttemptOutcome
	ErrorClass     ErrorClass
	ErrorMessage   string
	ResponseDigest string
	DurationMs     int64
}

// PostTransition はディスパッチ完了時に永続化する状態遷移。
// publishing状態の投稿に対してのみ適用され、PublishAttemptと同一トランザクションで書き込まれる。
type PostTransition struct {
	PostID           string
	To               PostState
	AttemptIncrement int
	NextAttemptAt    *time.Time
	LastError        string
	LastErrorClass   ErrorClass
	ExternalPostID   string
	ExternalURL      string
	PublishedAt      *time.Time
	Attempt          *PublishAttempt
}
