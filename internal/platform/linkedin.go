package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/hitoshi/postcaster/internal/model"
)

const (
	defaultLinkedInAPIBaseURL = "https://api.linkedin.com"
	defaultLinkedInAuthURL    = "https://www.linkedin.com/oauth/v2/authorization"
	defaultLinkedInTokenURL   = "https://www.linkedin.com/oauth/v2/accessToken"
)

// LinkedInConfig はLinkedIn連携の設定。
type LinkedInConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	APIBaseURL string
	AuthURL    string
	TokenURL   string
}

func (c *LinkedInConfig) applyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = defaultLinkedInAPIBaseURL
	}
	if c.AuthURL == "" {
		c.AuthURL = defaultLinkedInAuthURL
	}
	if c.TokenURL == "" {
		c.TokenURL = defaultLinkedInTokenURL
	}
}

func linkedInHeaders(token string) map[string]string {
	h := bearer(token)
	h["X-Restli-Protocol-Version"] = "2.0.0"
	return h
}

// linkedInErrorResponse はLinkedIn REST APIのエラーレスポンス。
type linkedInErrorResponse struct {
	Status           int    `json:"status"`
	ServiceErrorCode int    `json:"serviceErrorCode"`
	Code             string `json:"code"`
	Message          string `json:"message"`
}

// linkedInErrorFromResponse は非2xxレスポンスを分類する。
// スコープ不足やトークン失効の403は再連携が必要なためcredential_unavailableとする。
func linkedInErrorFromResponse(resp *apiResponse) *Error {
	var body linkedInErrorResponse
	_ = json.Unmarshal(resp.Body, &body)

	msg := body.Message
	if msg == "" {
		msg = truncate(string(resp.Body), 200)
	}

	e := &Error{
		Platform:   model.PlatformLinkedIn,
		Class:      classifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Code:       body.Code,
		Message:    msg,
	}
	if resp.StatusCode == http.StatusForbidden {
		switch body.Code {
		case "ACCESS_DENIED", "REVOKED_ACCESS_TOKEN", "EXPIRED_ACCESS_TOKEN":
			e.Class = model.ErrorClassCredentialUnavailable
		}
	}
	if e.Class == model.ErrorClassRateLimited {
		e.ResetAt = resetFromHeaders(resp.Header, "", nowFunc())
	}
	return e
}

// LinkedInAdapter はLinkedInのUGC Posts APIで投稿する。
type LinkedInAdapter struct {
	client  *http.Client
	baseURL string
}

var _ Adapter = (*LinkedInAdapter)(nil)

// NewLinkedInAdapter はLinkedInAdapterを生成する。
func NewLinkedInAdapter(cfg LinkedInConfig, client *http.Client) *LinkedInAdapter {
	cfg.applyDefaults()
	if client == nil {
		client = http.DefaultClient
	}
	return &LinkedInAdapter{client: client, baseURL: strings.TrimRight(cfg.APIBaseURL, "/")}
}

// Platform はlinkedinを返す。
func (a *LinkedInAdapter) Platform() model.Platform { return model.PlatformLinkedIn }

type linkedInShareCommentary struct {
	Text string `json:"text"`
}

type linkedInShareContent struct {
	ShareCommentary    linkedInShareCommentary `json:"shareCommentary"`
	ShareMediaCategory string                  `json:"shareMediaCategory"`
}

type linkedInUGCPost struct {
	Author          string                          `json:"author"`
	LifecycleState  string                          `json:"lifecycleState"`
	SpecificContent map[string]linkedInShareContent `json:"specificContent"`
	Visibility      map[string]string               `json:"visibility"`
}

// Publish は投稿をLinkedInに公開する。
func (a *LinkedInAdapter) Publish(ctx context.Context, post *model.Post, creds *model.Credentials) (*Result, error) {
	author := creds.ExtraValue(model.CredentialExtraPersonURN)
	if author == "" {
		return nil, &Error{
			Platform: model.PlatformLinkedIn,
			Class:    model.ErrorClassCredentialUnavailable,
			Code:     "missing_person_urn",
			Message:  "credentials do not contain a person URN",
		}
	}

	text, err := composeText(model.PlatformLinkedIn, post.Body, post.Hashtags, LinkedInMaxChars, runeLength)
	if err != nil {
		return nil, err
	}

	req := linkedInUGCPost{
		Author:         author,
		LifecycleState: "PUBLISHED",
		SpecificContent: map[string]linkedInShareContent{
			"com.linkedin.ugc.ShareContent": {
				ShareCommentary:    linkedInShareCommentary{Text: text},
				ShareMediaCategory: "NONE",
			},
		},
		Visibility: map[string]string{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	}

	resp, err := doJSON(ctx, a.client, model.PlatformLinkedIn, http.MethodPost, a.baseURL+"/v2/ugcPosts",
		linkedInHeaders(creds.AccessToken), req)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, linkedInErrorFromResponse(resp)
	}

	id := resp.Header.Get("X-RestLi-Id")
	if id == "" {
		var out struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(resp.Body, &out); err == nil {
			id = out.ID
		}
	}
	if id == "" {
		return nil, &Error{
			Platform:   model.PlatformLinkedIn,
			Class:      model.ErrorClassTransient,
			StatusCode: resp.StatusCode,
			Code:       "malformed_response",
			Message:    "post id missing from response",
		}
	}

	return &Result{
		ExternalID:  id,
		URL:         "https://www.linkedin.com/feed/update/" + id + "/",
		RawResponse: resp.Body,
	}, nil
}

// ClassifyError はエラーを分類する。
func (a *LinkedInAdapter) ClassifyError(err error) model.ErrorClass {
	return ClassOf(err)
}

// LinkedInAuth はLinkedInのOAuth 2.0 (Authorization Code) 連携を提供する。
// LinkedInの3-leggedフローはPKCEを使わないため、verifierは無視する。
type LinkedInAuth struct {
	oauthClient
	apiBaseURL string
}

// NewLinkedInAuth はLinkedInAuthを生成する。
func NewLinkedInAuth(cfg LinkedInConfig, client *http.Client) *LinkedInAuth {
	cfg.applyDefaults()
	return &LinkedInAuth{
		oauthClient: oauthClient{
			platform: model.PlatformLinkedIn,
			cfg: &oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				RedirectURL:  cfg.RedirectURL,
				Scopes:       []string{"openid", "profile", "w_member_social"},
				Endpoint: oauth2.Endpoint{
					AuthURL:   cfg.AuthURL,
					TokenURL:  cfg.TokenURL,
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
			client: client,
		},
		apiBaseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
	}
}

// Platform はlinkedinを返す。
func (l *LinkedInAuth) Platform() model.Platform { return model.PlatformLinkedIn }

// AuthCodeURL は認可URLを生成する。
func (l *LinkedInAuth) AuthCodeURL(state, _ string) string {
	return l.oauthClient.AuthCodeURL(state, "")
}

type linkedInUserInfo struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
}

// Exchange は認可コードをトークンに交換し、OpenID Connectのuserinfoからメンバー情報を取得する。
func (l *LinkedInAuth) Exchange(ctx context.Context, code, _ string) (*model.Credentials, *Profile, error) {
	creds, err := l.exchange(ctx, code, "")
	if err != nil {
		return nil, nil, err
	}

	client := l.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := doJSON(ctx, client, model.PlatformLinkedIn, http.MethodGet, l.apiBaseURL+"/v2/userinfo", bearer(creds.AccessToken), nil)
	if err != nil {
		return nil, nil, err
	}
	if !resp.ok() {
		return nil, nil, linkedInErrorFromResponse(resp)
	}

	var info linkedInUserInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil || info.Sub == "" {
		return nil, nil, &Error{Platform: model.PlatformLinkedIn, Class: model.ErrorClassTransient, Message: "malformed userinfo response"}
	}

	urn := "urn:li:person:" + info.Sub
	creds.Extra = map[string]string{model.CredentialExtraPersonURN: urn}
	return creds, &Profile{ExternalID: info.Sub, Username: info.Name}, nil
}
