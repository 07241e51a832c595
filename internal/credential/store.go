// Package credential は連携アカウントの認証情報の取得・更新・失効を管理する。
// トークンのリフレッシュはアカウント単位でsingleflightにより1回にまとめる。
package credential

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/postcaster/internal/model"
	"github.com/hitoshi/postcaster/internal/platform"
	"github.com/hitoshi/postcaster/internal/repository"
	"github.com/hitoshi/postcaster/internal/security"
)

var (
	// ErrCredentialUnavailable はアカウントが無効、または認証情報を回復できないことを示す。
	ErrCredentialUnavailable = errors.New("credential unavailable")
	// ErrInvalidState はOAuthのstateが不明・期限切れ・別ユーザーのものであることを示す。
	ErrInvalidState = errors.New("invalid oauth state")
	// ErrAccountNotFound はアカウントが存在しないか、ユーザーの所有でないことを示す。
	ErrAccountNotFound = errors.New("platform account not found")
	// ErrUnsupportedPlatform は要求された連携方式をプラットフォームが提供しないことを示す。
	ErrUnsupportedPlatform = errors.New("unsupported platform for this link method")
	// ErrLinkFailed はプラットフォームとのトークン交換またはログインに失敗したことを示す。
	ErrLinkFailed = errors.New("account link failed")
)

const (
	// DefaultStateTTL は認可リクエストのstateの有効期間。
	DefaultStateTTL = 10 * time.Minute
	// DefaultRefreshBefore は有効期限のこの時間前からトークンを更新する。
	DefaultRefreshBefore = 5 * time.Minute
)

// Refresher はトークン更新を行う。
type Refresher interface {
	Platform() model.Platform
	Refresh(ctx context.Context, creds *model.Credentials) (*model.Credentials, error)
}

// OAuthProvider はOAuth 2.0の認可コードフローで連携するプラットフォーム。
type OAuthProvider interface {
	Refresher
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*model.Credentials, *platform.Profile, error)
}

// PasswordProvider はアプリパスワードで連携するプラットフォーム（Bluesky）。
type PasswordProvider interface {
	Refresher
	Login(ctx context.Context, identifier, password string) (*model.Credentials, *platform.Profile, error)
}

// AuthRequest はBeginAuthorizationの結果。
type AuthRequest struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// Store は連携アカウントの認証情報を管理する。
type Store struct {
	accounts repository.AccountRepository
	states   repository.OAuthStateRepository
	logger   *slog.Logger

	oauth      map[model.Platform]OAuthProvider
	password   map[model.Platform]PasswordProvider
	refreshers map[model.Platform]Refresher

	group singleflight.Group

	StateTTL      time.Duration
	RefreshBefore time.Duration
	now           func() time.Time
}

// NewStore はStoreを生成する。プロバイダーはRegisterOAuth/RegisterPasswordで登録する。
func NewStore(accounts repository.AccountRepository, states repository.OAuthStateRepository, logger *slog.Logger) *Store {
	return &Store{
		accounts:      accounts,
		states:        states,
		logger:        logger,
		oauth:         make(map[model.Platform]OAuthProvider),
		password:      make(map[model.Platform]PasswordProvider),
		refreshers:    make(map[model.Platform]Refresher),
		StateTTL:      DefaultStateTTL,
		RefreshBefore: DefaultRefreshBefore,
		now:           time.Now,
	}
}

// RegisterOAuth はOAuthプロバイダーを登録する。
func (s *Store) RegisterOAuth(p OAuthProvider) {
	s.oauth[p.Platform()] = p
	s.refreshers[p.Platform()] = p
}

// RegisterPassword はアプリパスワード方式のプロバイダーを登録する。
func (s *Store) RegisterPassword(p PasswordProvider) {
	s.password[p.Platform()] = p
	s.refreshers[p.Platform()] = p
}

// BeginAuthorization は認可URLを発行する。
// ランダムなstateとPKCE verifierを生成し、有効期限付きで保存する。
func (s *Store) BeginAuthorization(ctx context.Context, userID string, p model.Platform) (*AuthRequest, error) {
	provider, ok := s.oauth[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, p)
	}

	state, err := randomToken()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()
	now := s.now()

	if err := s.states.Create(ctx, &model.OAuthState{
		State:        state,
		UserID:       userID,
		Platform:     p,
		CodeVerifier: verifier,
		ExpiresAt:    now.Add(s.StateTTL),
		CreatedAt:    now,
	}); err != nil {
		return nil, fmt.Errorf("stateの保存に失敗しました: %w", err)
	}

	return &AuthRequest{URL: provider.AuthCodeURL(state, verifier), State: state}, nil
}

// LinkAccount は認可コールバックを処理してアカウントを連携する。
// stateは1回のみ消費でき、ユーザー・プラットフォームが一致しない場合や期限切れの場合はErrInvalidStateを返す。
// 既存のアカウントがあれば認証情報を更新して再有効化する。
func (s *Store) LinkAccount(ctx context.Context, userID string, p model.Platform, code, state string) (*model.PlatformAccount, error) {
	provider, ok := s.oauth[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, p)
	}
	if state == "" || code == "" {
		return nil, ErrInvalidState
	}

	st, err := s.states.Consume(ctx, state, userID, p, s.now())
	if err != nil {
		return nil, fmt.Errorf("stateの検証に失敗しました: %w", err)
	}
	if st == nil {
		return nil, ErrInvalidState
	}

	creds, profile, err := provider.Exchange(ctx, code, st.CodeVerifier)
	if err != nil {
		s.logger.Warn("account link failed",
			slog.String("platform", string(p)),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", ErrLinkFailed, err)
	}

	return s.upsert(ctx, userID, p, creds, profile)
}

// LinkWithPassword はアプリパスワードでアカウントを連携する。
func (s *Store) LinkWithPassword(ctx context.Context, userID string, p model.Platform, identifier, password string) (*model.PlatformAccount, error) {
	provider, ok := s.password[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, p)
	}

	creds, profile, err := provider.Login(ctx, identifier, password)
	if err != nil {
		s.logger.Warn("account link failed",
			slog.String("platform", string(p)),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", ErrLinkFailed, err)
	}

	return s.upsert(ctx, userID, p, creds, profile)
}

func (s *Store) upsert(ctx context.Context, userID string, p model.Platform, creds *model.Credentials, profile *platform.Profile) (*model.PlatformAccount, error) {
	acct := &model.PlatformAccount{
		UserID:      userID,
		Platform:    p,
		Username:    profile.Username,
		ExternalID:  profile.ExternalID,
		Credentials: creds,
	}
	if err := s.accounts.Upsert(ctx, acct); err != nil {
		return nil, fmt.Errorf("アカウントの保存に失敗しました: %w", err)
	}

	s.logger.Info("platform account linked",
		slog.String("account_id", acct.ID),
		slog.String("platform", string(p)),
		slog.String("user_id", userID),
	)
	return acct, nil
}

// GetCredentials はアカウントの認証情報を返す。
// 有効期限がRefreshBefore以内であれば更新してから返す。
// 同じアカウントへの同時呼び出しでは更新は1回だけ行われる。
//
// アカウントが無効、または更新が回復不能な理由で失敗した場合はErrCredentialUnavailableを返す。
// 後者の場合はアカウントを無効化する。通信障害による失敗はそのまま返す（一時的なエラー）。
func (s *Store) GetCredentials(ctx context.Context, accountID string) (*model.Credentials, error) {
	acct, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, security.ErrCredentialDecrypt) {
			s.deactivate(ctx, accountID, "stored credentials could not be decrypted")
			return nil, fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
		}
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if acct == nil {
		return nil, ErrAccountNotFound
	}
	if !acct.IsActive {
		return nil, fmt.Errorf("%w: account is inactive", ErrCredentialUnavailable)
	}
	if acct.Credentials == nil || acct.Credentials.AccessToken == "" {
		s.deactivate(ctx, accountID, "no access token stored")
		return nil, fmt.Errorf("%w: no access token", ErrCredentialUnavailable)
	}

	if !acct.Credentials.ExpiresWithin(s.now(), s.RefreshBefore) {
		return acct.Credentials, nil
	}

	v, err, _ := s.group.Do(accountID, func() (any, error) {
		return s.refresh(ctx, acct)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Credentials), nil
}

func (s *Store) refresh(ctx context.Context, acct *model.PlatformAccount) (*model.Credentials, error) {
	refresher, ok := s.refreshers[acct.Platform]
	if !ok {
		return nil, fmt.Errorf("%w: no refresher for %s", ErrCredentialUnavailable, acct.Platform)
	}

	creds, err := refresher.Refresh(ctx, acct.Credentials)
	if err != nil {
		if platform.ClassOf(err) == model.ErrorClassCredentialUnavailable {
			s.deactivate(ctx, acct.ID, "token refresh failed: "+err.Error())
			return nil, fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
		}
		s.logger.Warn("token refresh failed",
			slog.String("account_id", acct.ID),
			slog.String("platform", string(acct.Platform)),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("トークンの更新に失敗しました: %w", err)
	}

	if err := s.accounts.UpdateCredentials(ctx, acct.ID, creds); err != nil {
		return nil, fmt.Errorf("更新した認証情報の保存に失敗しました: %w", err)
	}

	s.logger.Info("token refreshed",
		slog.String("account_id", acct.ID),
		slog.String("platform", string(acct.Platform)),
		slog.Time("expiry", creds.Expiry),
	)
	return creds, nil
}

// ListAccounts はユーザーの連携アカウント一覧を返す。
func (s *Store) ListAccounts(ctx context.Context, userID string) ([]*model.PlatformAccount, error) {
	accounts, err := s.accounts.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("アカウント一覧の取得に失敗しました: %w", err)
	}
	return accounts, nil
}

// RevokeAccount はユーザーの操作でアカウントを無効化する。
// レコードと投稿履歴は残り、未投稿の予約は次回Tickでfailedになる。
func (s *Store) RevokeAccount(ctx context.Context, userID, accountID string) error {
	acct, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if acct == nil || acct.UserID != userID {
		return ErrAccountNotFound
	}
	return s.Deactivate(ctx, accountID, "revoked by user")
}

// Deactivate はアカウントを無効化する。
func (s *Store) Deactivate(ctx context.Context, accountID, reason string) error {
	if err := s.accounts.Deactivate(ctx, accountID, reason); err != nil {
		return fmt.Errorf("アカウントの無効化に失敗しました: %w", err)
	}
	s.logger.Warn("platform account deactivated",
		slog.String("account_id", accountID),
		slog.String("reason", reason),
	)
	return nil
}

// deactivate はDeactivateを呼び、失敗はログに残すだけにする。
func (s *Store) deactivate(ctx context.Context, accountID, reason string) {
	if err := s.Deactivate(ctx, accountID, reason); err != nil {
		s.logger.Error("failed to deactivate account",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
	}
}

// randomToken は推測不能なstate値を生成する。
func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("stateの生成に失敗しました: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
