package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/hitoshi/postcaster/internal/model"
)

const (
	defaultTwitterAPIBaseURL = "https://api.twitter.com"
	defaultTwitterAuthURL    = "https://twitter.com/i/oauth2/authorize"
	defaultTwitterTokenURL   = "https://api.twitter.com/2/oauth2/token"
)

// TwitterConfig はTwitter/X連携の設定。
type TwitterConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	APIBaseURL string
	AuthURL    string
	TokenURL   string
}

func (c *TwitterConfig) applyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = defaultTwitterAPIBaseURL
	}
	if c.AuthURL == "" {
		c.AuthURL = defaultTwitterAuthURL
	}
	if c.TokenURL == "" {
		c.TokenURL = defaultTwitterTokenURL
	}
}

// TwitterAdapter はTwitter API v2で投稿する。
type TwitterAdapter struct {
	client  *http.Client
	baseURL string
}

var _ Adapter = (*TwitterAdapter)(nil)

// NewTwitterAdapter はTwitterAdapterを生成する。
func NewTwitterAdapter(cfg TwitterConfig, client *http.Client) *TwitterAdapter {
	cfg.applyDefaults()
	if client == nil {
		client = http.DefaultClient
	}
	return &TwitterAdapter{client: client, baseURL: strings.TrimRight(cfg.APIBaseURL, "/")}
}

// Platform はtwitterを返す。
func (a *TwitterAdapter) Platform() model.Platform { return model.PlatformTwitter }

type twitterCreateRequest struct {
	Text string `json:"text"`
}

type twitterCreateResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// twitterErrorResponse はv2のエラーレスポンス（problem形式と旧形式の両方）。
type twitterErrorResponse struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
	Errors []struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"errors"`
}

// Publish は投稿をツイートする。
func (a *TwitterAdapter) Publish(ctx context.Context, post *model.Post, creds *model.Credentials) (*Result, error) {
	text, err := composeText(model.PlatformTwitter, post.Body, post.Hashtags, TwitterMaxWeightedLength, twitterWeightedLength)
	if err != nil {
		return nil, err
	}

	resp, err := doJSON(ctx, a.client, model.PlatformTwitter, http.MethodPost, a.baseURL+"/2/tweets",
		bearer(creds.AccessToken), twitterCreateRequest{Text: text})
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, a.errorFromResponse(resp)
	}

	var out twitterCreateResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil || out.Data.ID == "" {
		return nil, &Error{
			Platform:   model.PlatformTwitter,
			Class:      model.ErrorClassTransient,
			StatusCode: resp.StatusCode,
			Code:       "malformed_response",
			Message:    "tweet id missing from response",
		}
	}

	return &Result{
		ExternalID:  out.Data.ID,
		URL:         "https://x.com/i/web/status/" + out.Data.ID,
		RawResponse: resp.Body,
	}, nil
}

// errorFromResponse は非2xxレスポンスを分類する。
func (a *TwitterAdapter) errorFromResponse(resp *apiResponse) *Error {
	var body twitterErrorResponse
	_ = json.Unmarshal(resp.Body, &body)

	msg := body.Detail
	if msg == "" && len(body.Errors) > 0 {
		msg = body.Errors[0].Message
	}
	if msg == "" {
		msg = truncate(string(resp.Body), 200)
	}

	e := &Error{
		Platform:   model.PlatformTwitter,
		Class:      classifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Code:       body.Title,
		Message:    msg,
	}
	if e.Class == model.ErrorClassRateLimited {
		e.ResetAt = resetFromHeaders(resp.Header, "x-rate-limit-reset", nowFunc())
	}
	return e
}

// ClassifyError はエラーを分類する。
func (a *TwitterAdapter) ClassifyError(err error) model.ErrorClass {
	return ClassOf(err)
}

// TwitterAuth はTwitterのOAuth 2.0 (PKCE) 連携を提供する。
type TwitterAuth struct {
	oauthClient
	apiBaseURL string
}

// NewTwitterAuth はTwitterAuthを生成する。
func NewTwitterAuth(cfg TwitterConfig, client *http.Client) *TwitterAuth {
	cfg.applyDefaults()
	return &TwitterAuth{
		oauthClient: oauthClient{
			platform: model.PlatformTwitter,
			cfg: &oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				RedirectURL:  cfg.RedirectURL,
				Scopes:       []string{"tweet.read", "tweet.write", "users.read", "offline.access"},
				Endpoint: oauth2.Endpoint{
					AuthURL:   cfg.AuthURL,
					TokenURL:  cfg.TokenURL,
					AuthStyle: oauth2.AuthStyleInHeader,
				},
			},
			client: client,
		},
		apiBaseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
	}
}

// Platform はtwitterを返す。
func (t *TwitterAuth) Platform() model.Platform { return model.PlatformTwitter }

type twitterMeResponse struct {
	Data struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
}

// Exchange は認可コードをトークンに交換し、アカウント情報を取得する。
func (t *TwitterAuth) Exchange(ctx context.Context, code, verifier string) (*model.Credentials, *Profile, error) {
	creds, err := t.exchange(ctx, code, verifier)
	if err != nil {
		return nil, nil, err
	}

	client := t.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := doJSON(ctx, client, model.PlatformTwitter, http.MethodGet, t.apiBaseURL+"/2/users/me", bearer(creds.AccessToken), nil)
	if err != nil {
		return nil, nil, err
	}
	if !resp.ok() {
		return nil, nil, &Error{
			Platform:   model.PlatformTwitter,
			Class:      classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to fetch profile: %s", truncate(string(resp.Body), 200)),
		}
	}

	var me twitterMeResponse
	if err := json.Unmarshal(resp.Body, &me); err != nil || me.Data.ID == "" {
		return nil, nil, &Error{Platform: model.PlatformTwitter, Class: model.ErrorClassTransient, Message: "malformed profile response"}
	}

	return creds, &Profile{ExternalID: me.Data.ID, Username: me.Data.Username}, nil
}
