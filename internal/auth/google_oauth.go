package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
)

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

	maxUserInfoBytes = 1 << 20
)

// GoogleOAuthConfig はGoogleサインインの設定。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// GoogleOAuthProvider はGoogle OAuth 2.0によるサインインを提供する。
type GoogleOAuthProvider struct {
	oauth       *oauth2.Config
	userInfoURL string
	client      *http.Client
}

var _ OAuthProvider = (*GoogleOAuthProvider)(nil)

// NewGoogleOAuthProvider はGoogleOAuthProviderを生成する。clientがnilの場合はhttp.DefaultClientを使う。
func NewGoogleOAuthProvider(config GoogleOAuthConfig, client *http.Client) *GoogleOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &GoogleOAuthProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   config.AuthURL,
				TokenURL:  config.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		userInfoURL: config.UserInfoURL,
		client:      client,
	}
}

// GetLoginURL はGoogleの認証URLを生成する。
func (p *GoogleOAuthProvider) GetLoginURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// googleUserInfo はGoogleのユーザー情報エンドポイントのレスポンス。
type googleUserInfo struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// ExchangeCode は認可コードをアクセストークンに交換し、ユーザー情報を取得する。
// Googleのトークンは保存しない。
func (p *GoogleOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("トークン交換に失敗しました: %w", err)
	}

	info, err := p.fetchUserInfo(ctx, tok)
	if err != nil {
		return nil, err
	}

	return &OAuthUserInfo{
		ProviderUserID: info.Sub,
		Email:          info.Email,
		Name:           info.Name,
		Provider:       "google",
	}, nil
}

func (p *GoogleOAuthProvider) fetchUserInfo(ctx context.Context, tok *oauth2.Token) (*googleUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ユーザー情報リクエストの作成に失敗しました: %w", err)
	}

	resp, err := p.oauth.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("ユーザー情報の取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return nil, fmt.Errorf("ユーザー情報の読み込みに失敗しました: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ユーザー情報の取得に失敗しました（status %d）", resp.StatusCode)
	}

	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("ユーザー情報の解析に失敗しました: %w", err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("ユーザー情報にsubが含まれていません")
	}
	return &info, nil
}
