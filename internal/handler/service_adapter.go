package handler

import (
	"context"
	"errors"

	"github.com/hitoshi/postcaster/internal/credential"
	"github.com/hitoshi/postcaster/internal/model"
)

// AccountServiceAdapter は credential.Store を AccountServiceInterface に適合させるアダプタ。
// Storeのセンチネルエラーを統一エラーフォーマットのAPIErrorに変換する。
type AccountServiceAdapter struct {
	store *credential.Store
}

var _ AccountServiceInterface = (*AccountServiceAdapter)(nil)

// NewAccountServiceAdapter はAccountServiceAdapterを生成する。
func NewAccountServiceAdapter(store *credential.Store) *AccountServiceAdapter {
	return &AccountServiceAdapter{store: store}
}

// BeginAuthorization は認可URLを発行する。
func (a *AccountServiceAdapter) BeginAuthorization(ctx context.Context, userID string, p model.Platform) (*credential.AuthRequest, error) {
	req, err := a.store.BeginAuthorization(ctx, userID, p)
	return req, toAccountAPIError(err, p, "")
}

// LinkAccount は認可コールバックを処理してアカウントを連携する。
func (a *AccountServiceAdapter) LinkAccount(ctx context.Context, userID string, p model.Platform, code, state string) (*model.PlatformAccount, error) {
	acct, err := a.store.LinkAccount(ctx, userID, p, code, state)
	return acct, toAccountAPIError(err, p, "")
}

// LinkWithPassword はアプリパスワードでアカウントを連携する。
func (a *AccountServiceAdapter) LinkWithPassword(ctx context.Context, userID string, p model.Platform, identifier, password string) (*model.PlatformAccount, error) {
	acct, err := a.store.LinkWithPassword(ctx, userID, p, identifier, password)
	return acct, toAccountAPIError(err, p, "")
}

// ListAccounts は連携アカウント一覧を返す。
func (a *AccountServiceAdapter) ListAccounts(ctx context.Context, userID string) ([]*model.PlatformAccount, error) {
	return a.store.ListAccounts(ctx, userID)
}

// RevokeAccount はアカウントを無効化する。
func (a *AccountServiceAdapter) RevokeAccount(ctx context.Context, userID, accountID string) error {
	return toAccountAPIError(a.store.RevokeAccount(ctx, userID, accountID), "", accountID)
}

// toAccountAPIError はcredentialパッケージのエラーをAPIErrorに変換する。
// 該当しないエラーはそのまま返し、内部エラーとして扱われる。
func toAccountAPIError(err error, p model.Platform, accountID string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, credential.ErrInvalidState):
		return model.NewInvalidOAuthStateError()
	case errors.Is(err, credential.ErrUnsupportedPlatform):
		return model.NewInvalidPlatformError(string(p))
	case errors.Is(err, credential.ErrAccountNotFound):
		return model.NewAccountNotFoundError(accountID)
	case errors.Is(err, credential.ErrLinkFailed):
		return model.NewAccountLinkFailedError(string(p))
	default:
		return err
	}
}
