// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/postcaster/internal/model"
)

// ErrTransitionConflict は投稿がpublishing状態でなくなっていたため、
// ディスパッチ結果を書き込めなかったことを示す。
var ErrTransitionConflict = errors.New("post is no longer publishing")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// UpdateProfile はIdP側で変わったメールアドレスと表示名を反映する。
	UpdateProfile(ctx context.Context, id, email, name string, at time.Time) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindUserByIdentity はIdPのsubjectに紐付くユーザーを返す。未登録ならnil。
	FindUserByIdentity(ctx context.Context, provider, subject string) (*model.User, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
}

// AccountRepository は連携アカウントの永続化インターフェース。
// 認証情報は保存時に暗号化、取得時に復号される。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.PlatformAccount, error)

	// ListByUserID はユーザーの連携アカウント一覧を返す。無効化済みのものも含む。
	ListByUserID(ctx context.Context, userID string) ([]*model.PlatformAccount, error)

	// Upsert は(user_id, platform)単位でアカウントを作成または更新し、有効化する。
	// account.IDとCreatedAtは保存後の値で上書きされる。
	Upsert(ctx context.Context, account *model.PlatformAccount) error

	// UpdateCredentials はトークン更新後の認証情報を保存する。
	UpdateCredentials(ctx context.Context, id string, creds *model.Credentials) error

	// Deactivate はアカウントを無効化する。レコードと投稿履歴は残す。
	Deactivate(ctx context.Context, id, reason string) error
}

// OAuthStateRepository は認可リクエストのstate管理インターフェース。
type OAuthStateRepository interface {
	// Create はstateを保存する。
	Create(ctx context.Context, state *model.OAuthState) error

	// Consume はstateを削除して返す。ユーザー・プラットフォームが一致し、
	// 有効期限内のものだけが対象。該当しない場合はnilを返す。
	// 同じstateを2回消費することはできない。
	Consume(ctx context.Context, state, userID string, platform model.Platform, now time.Time) (*model.OAuthState, error)
}

// WebsiteRepository はビジネスWebサイトの永続化インターフェース。
type WebsiteRepository interface {
	// Create はWebサイトを登録する。
	Create(ctx context.Context, website *model.BusinessWebsite) error

	// FindByID は指定IDのWebサイトを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.BusinessWebsite, error)

	// ListByUserID はユーザーのWebサイト一覧を返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.BusinessWebsite, error)

	// ListDueForCrawl は再クロール時期を迎えたWebサイトを古い順に最大limit件返す。
	ListDueForCrawl(ctx context.Context, now time.Time, limit int) ([]*model.BusinessWebsite, error)

	// MarkCrawled は最終クロール日時を更新する。
	MarkCrawled(ctx context.Context, id string, at time.Time) error
}

// PageRepository はクロール結果ページの永続化インターフェース。
type PageRepository interface {
	// SaveAll はページを(website_id, url)単位でUPSERTする。
	SaveAll(ctx context.Context, websiteID string, pages []model.CrawledPage) error
}

// ContextRepository はBusinessContextの永続化インターフェース。
// レコードは追記のみで更新しない。
type ContextRepository interface {
	// CreateNextVersion はWebサイトの最新バージョン+1として保存し、
	// 採番したVersionとIDをbcに設定する。
	CreateNextVersion(ctx context.Context, bc *model.BusinessContext) error

	// ListByWebsiteID はWebサイトのBusinessContextをバージョン降順で返す。
	ListByWebsiteID(ctx context.Context, websiteID string) ([]*model.BusinessContext, error)
}

// PostRepository は投稿と投稿試行履歴の永続化インターフェース。
// 状態遷移はすべて現在の状態を条件にした条件付きUPDATEで行う。
type PostRepository interface {
	// Create は下書き投稿を作成する。
	Create(ctx context.Context, post *model.Post) error

	// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Post, error)

	// ListByUserID はユーザーの投稿を作成日時の降順で返す。stateが空の場合は全状態。
	ListByUserID(ctx context.Context, userID string, state model.PostState, limit int) ([]*model.Post, error)

	// ListAttempts は投稿の試行履歴を古い順に返す。
	ListAttempts(ctx context.Context, postID string) ([]*model.PublishAttempt, error)

	// UpdateDraft は下書き状態の投稿本文を更新する。下書きでなければfalseを返す。
	UpdateDraft(ctx context.Context, id, body string, hashtags []string) (bool, error)

	// Schedule はdraftまたはscheduledの投稿に投稿予定時刻を設定する。
	// 対象外の状態であればfalseを返す。
	Schedule(ctx context.Context, id string, at time.Time) (bool, error)

	// Requeue はfailedの投稿をscheduledに戻す。attempt_countは変更しない。
	Requeue(ctx context.Context, id string, at time.Time) (bool, error)

	// ListEligible はTickの評価対象を返す。
	// scheduled（scheduled_for <= now）、retry_pending（next_attempt_at <= now）、dueの投稿を
	// アカウントの有効状態とともに取得する。行ロックは取らない。
	ListEligible(ctx context.Context, now time.Time, limit int) ([]model.DispatchCandidate, error)

	// MarkDue はfrom状態の投稿をdueに遷移させる。他者が先に遷移させていた場合はfalseを返す。
	MarkDue(ctx context.Context, id string, from model.PostState, now time.Time) (bool, error)

	// FailInactive はアカウント無効のため投稿をfailedにする。from状態のときのみ遷移する。
	FailInactive(ctx context.Context, id string, from model.PostState, reason string, now time.Time) (bool, error)

	// Claim はdueの投稿をpublishingに遷移させ、遷移後の投稿を返す。
	// 他のワーカーが先に取得していた場合はnilを返す。
	Claim(ctx context.Context, id string, now time.Time) (*model.Post, error)

	// Complete はディスパッチ結果の状態遷移とPublishAttemptを同一トランザクションで書き込む。
	// 投稿がpublishingでない場合はErrTransitionConflictを返す。
	Complete(ctx context.Context, tr *model.PostTransition) error

	// ListStale はclaimed_atがbeforeより古いpublishing状態の投稿を返す。
	ListStale(ctx context.Context, before time.Time, limit int) ([]*model.Post, error)
}
