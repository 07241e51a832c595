package platform

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/postcaster/internal/model"
)

// Profile は連携時に取得するプラットフォーム側のアカウント情報。
type Profile struct {
	ExternalID string
	Username   string
}

// oauthClient はOAuth 2.0 Authorization Code + PKCEの共通処理。
type oauthClient struct {
	platform model.Platform
	cfg      *oauth2.Config
	client   *http.Client
}

func (o *oauthClient) withClient(ctx context.Context) context.Context {
	if o.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, o.client)
}

// AuthCodeURL は認可URLを生成する。verifierが空の場合はPKCEを付与しない。
func (o *oauthClient) AuthCodeURL(state, verifier string) string {
	if verifier == "" {
		return o.cfg.AuthCodeURL(state)
	}
	return o.cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

func (o *oauthClient) exchange(ctx context.Context, code, verifier string) (*model.Credentials, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := o.cfg.Exchange(o.withClient(ctx), code, opts...)
	if err != nil {
		return nil, o.wrapTokenError(err)
	}
	return credentialsFromToken(tok, nil), nil
}

// Refresh はリフレッシュトークンでアクセストークンを更新する。
// リフレッシュトークンを持たない場合はcredential_unavailableを返す。
func (o *oauthClient) Refresh(ctx context.Context, creds *model.Credentials) (*model.Credentials, error) {
	if creds == nil || creds.RefreshToken == "" {
		return nil, &Error{
			Platform: o.platform,
			Class:    model.ErrorClassCredentialUnavailable,
			Code:     "no_refresh_token",
			Message:  "access token expired and no refresh token is available",
		}
	}

	// 期限切れのトークンを渡すことで必ずリフレッシュさせる
	src := o.cfg.TokenSource(o.withClient(ctx), &oauth2.Token{
		RefreshToken: creds.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, o.wrapTokenError(err)
	}
	return credentialsFromToken(tok, creds), nil
}

// wrapTokenError はトークンエンドポイントのエラーを*Errorに変換する。
func (o *oauthClient) wrapTokenError(err error) error {
	class := ClassOf(err)
	if class == model.ErrorClassNone {
		class = model.ErrorClassTransient
	}
	return &Error{Platform: o.platform, Class: class, Code: "token_endpoint", Message: err.Error()}
}

// credentialsFromToken はoauth2.TokenをCredentialsに変換する。
// prevのExtraとリフレッシュトークンを引き継ぐ。
func credentialsFromToken(tok *oauth2.Token, prev *model.Credentials) *model.Credentials {
	c := &model.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	if prev != nil {
		if c.RefreshToken == "" {
			c.RefreshToken = prev.RefreshToken
		}
		if len(prev.Extra) > 0 {
			c.Extra = make(map[string]string, len(prev.Extra))
			for k, v := range prev.Extra {
				c.Extra[k] = v
			}
		}
	}
	return c
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}
