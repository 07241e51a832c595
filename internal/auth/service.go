// Package auth はGoogleサインインとログインセッションを提供する。
// SNSアカウントの連携はcredentialパッケージが扱う。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/postcaster/internal/model"
	"github.com/hitoshi/postcaster/internal/repository"
)

// ErrUnauthenticated はセッションが存在しないか期限切れであることを示す。
var ErrUnauthenticated = errors.New("unauthenticated")

// OAuthUserInfo はサインインIdPから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Provider       string
}

// OAuthProvider はサインインIdPのインターフェース。
type OAuthProvider interface {
	// GetLoginURL は認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードを交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service はサインインとセッションのビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
	config      ServiceConfig
	logger      *slog.Logger
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		oauth:       oauth,
		userRepo:    userRepo,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
		config:      config,
		logger:      logger,
		now:         time.Now,
	}
}

// GetLoginURL はIdPの認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はコールバックを処理し、セッションを発行する。
// 初回サインインではusersとidentitiesを同一トランザクションで作成し、
// 2回目以降はIdP側で変わったメールアドレスと表示名を反映する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	info, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("認可コードの交換に失敗しました: %w", err)
	}

	user, err := s.identRepo.FindUserByIdentity(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("identityの検索に失敗しました: %w", err)
	}

	var userID string
	if user != nil {
		userID = user.ID
		if user.Email != info.Email || user.Name != info.Name {
			if err := s.userRepo.UpdateProfile(ctx, user.ID, info.Email, info.Name, s.now()); err != nil {
				return nil, fmt.Errorf("プロフィールの更新に失敗しました: %w", err)
			}
		}
		s.logger.Info("ユーザーがサインインしました",
			slog.String("user_id", userID),
			slog.String("provider", info.Provider),
		)
	} else {
		userID, err = s.createUser(ctx, info)
		if err != nil {
			return nil, err
		}
	}

	return s.createSession(ctx, userID)
}

func (s *Service) createUser(ctx context.Context, info *OAuthUserInfo) (string, error) {
	now := s.now()
	user := &model.User{
		ID:        uuid.New().String(),
		Email:     info.Email,
		Name:      info.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	identity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		CreatedAt:      now,
	}

	if err := s.userRepo.CreateWithIdentity(ctx, user, identity); err != nil {
		return "", fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	s.logger.Info("ユーザーを作成しました",
		slog.String("user_id", user.ID),
		slog.String("provider", info.Provider),
	)
	return user.ID, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrUnauthenticated
	}
	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("セッションの削除に失敗しました: %w", err)
	}
	return nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
// セッションが無効な場合はErrUnauthenticatedを返す。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, ErrUnauthenticated
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("セッションの検索に失敗しました: %w", err)
	}
	if session == nil {
		return nil, ErrUnauthenticated
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}
	if user == nil {
		return nil, ErrUnauthenticated
	}
	return user, nil
}

func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("セッションIDの生成に失敗しました: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        id,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("セッションの保存に失敗しました: %w", err)
	}
	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
