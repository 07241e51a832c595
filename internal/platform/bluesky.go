package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/postcaster/internal/model"
)

const defaultBlueskyPDSURL = "https://bsky.social"

// BlueskyConfig はBluesky連携の設定。
type BlueskyConfig struct {
	// PDSURL はPersonal Data ServerのベースURL。
	PDSURL string
}

func (c *BlueskyConfig) applyDefaults() {
	if c.PDSURL == "" {
		c.PDSURL = defaultBlueskyPDSURL
	}
	c.PDSURL = strings.TrimRight(c.PDSURL, "/")
}

// blueskyError はXRPCのエラーレスポンス。
type blueskyError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// blueskyCredentialErrors は再連携が必要なXRPCエラーコード。
var blueskyCredentialErrors = map[string]bool{
	"ExpiredToken":            true,
	"InvalidToken":            true,
	"AuthenticationRequired":  true,
	"AuthFactorTokenRequired": true,
	"AccountTakedown":         true,
	"AccountDeactivated":      true,
}

// blueskyErrorFromResponse は非2xxレスポンスを分類する。
// XRPCはトークン期限切れを400で返すため、エラーコードも参照する。
func blueskyErrorFromResponse(resp *apiResponse) *Error {
	var body blueskyError
	_ = json.Unmarshal(resp.Body, &body)

	msg := body.Message
	if msg == "" {
		msg = truncate(string(resp.Body), 200)
	}

	e := &Error{
		Platform:   model.PlatformBluesky,
		Class:      classifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Code:       body.Error,
		Message:    msg,
	}
	switch {
	case blueskyCredentialErrors[body.Error]:
		e.Class = model.ErrorClassCredentialUnavailable
	case body.Error == "RateLimitExceeded":
		e.Class = model.ErrorClassRateLimited
	}
	if e.Class == model.ErrorClassRateLimited {
		e.ResetAt = resetFromHeaders(resp.Header, "ratelimit-reset", nowFunc())
	}
	return e
}

// BlueskyAdapter はAT Protocolのcom.atproto.repo.createRecordで投稿する。
type BlueskyAdapter struct {
	client *http.Client
	pdsURL string
}

var _ Adapter = (*BlueskyAdapter)(nil)

// NewBlueskyAdapter はBlueskyAdapterを生成する。
func NewBlueskyAdapter(cfg BlueskyConfig, client *http.Client) *BlueskyAdapter {
	cfg.applyDefaults()
	if client == nil {
		client = http.DefaultClient
	}
	return &BlueskyAdapter{client: client, pdsURL: cfg.PDSURL}
}

// Platform はblueskyを返す。
func (a *BlueskyAdapter) Platform() model.Platform { return model.PlatformBluesky }

type blueskyFacet struct {
	Index    blueskyByteSlice `json:"index"`
	Features []map[string]any `json:"features"`
}

type blueskyByteSlice struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

type blueskyPostRecord struct {
	Type      string         `json:"$type"`
	Text      string         `json:"text"`
	CreatedAt string         `json:"createdAt"`
	Langs     []string       `json:"langs,omitempty"`
	Facets    []blueskyFacet `json:"facets,omitempty"`
}

type blueskyCreateRecordRequest struct {
	Repo       string            `json:"repo"`
	Collection string            `json:"collection"`
	Record     blueskyPostRecord `json:"record"`
}

type blueskyCreateRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Publish は投稿をBlueskyに作成する。
func (a *BlueskyAdapter) Publish(ctx context.Context, post *model.Post, creds *model.Credentials) (*Result, error) {
	did := creds.ExtraValue(model.CredentialExtraDID)
	if did == "" {
		return nil, &Error{
			Platform: model.PlatformBluesky,
			Class:    model.ErrorClassCredentialUnavailable,
			Code:     "missing_did",
			Message:  "credentials do not contain a DID",
		}
	}

	text, err := composeText(model.PlatformBluesky, post.Body, post.Hashtags, BlueskyMaxGraphemes, runeLength)
	if err != nil {
		return nil, err
	}

	req := blueskyCreateRecordRequest{
		Repo:       did,
		Collection: "app.bsky.feed.post",
		Record: blueskyPostRecord{
			Type:      "app.bsky.feed.post",
			Text:      text,
			CreatedAt: nowFunc().UTC().Format(time.RFC3339),
			Facets:    detectFacets(text),
		},
	}

	resp, err := doJSON(ctx, a.client, model.PlatformBluesky, http.MethodPost,
		a.pdsURL+"/xrpc/com.atproto.repo.createRecord", bearer(creds.AccessToken), req)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, blueskyErrorFromResponse(resp)
	}

	var out blueskyCreateRecordResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil || out.URI == "" {
		return nil, &Error{
			Platform:   model.PlatformBluesky,
			Class:      model.ErrorClassTransient,
			StatusCode: resp.StatusCode,
			Code:       "malformed_response",
			Message:    "record uri missing from response",
		}
	}

	return &Result{
		ExternalID:  out.URI,
		URL:         blueskyPostURL(creds.ExtraValue(model.CredentialExtraHandle), did, out.URI),
		RawResponse: resp.Body,
	}, nil
}

// ClassifyError はエラーを分類する。
func (a *BlueskyAdapter) ClassifyError(err error) model.ErrorClass {
	return ClassOf(err)
}

// blueskyPostURL はat:// URIからbsky.appの閲覧URLを組み立てる。
func blueskyPostURL(handle, did, uri string) string {
	rkey := uri[strings.LastIndex(uri, "/")+1:]
	actor := handle
	if actor == "" {
		actor = did
	}
	return "https://bsky.app/profile/" + actor + "/post/" + rkey
}

var (
	blueskyURLPattern = regexp.MustCompile(`https?://[^\s]+`)
	blueskyTagPattern = regexp.MustCompile(`(?:^|\s)(#[^\s#]+)`)
)

// detectFacets は本文中のURLとハッシュタグのリッチテキストfacetを生成する。
// インデックスはUTF-8のバイトオフセット。
func detectFacets(text string) []blueskyFacet {
	var facets []blueskyFacet

	for _, m := range blueskyURLPattern.FindAllStringIndex(text, -1) {
		uri := strings.TrimRight(text[m[0]:m[1]], ".,;:!?)")
		facets = append(facets, blueskyFacet{
			Index: blueskyByteSlice{ByteStart: m[0], ByteEnd: m[0] + len(uri)},
			Features: []map[string]any{{
				"$type": "app.bsky.richtext.facet#link",
				"uri":   uri,
			}},
		})
	}

	for _, m := range blueskyTagPattern.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[2], m[3]
		tag := strings.TrimRight(text[start+1:end], ".,;:!?")
		if tag == "" {
			continue
		}
		facets = append(facets, blueskyFacet{
			Index: blueskyByteSlice{ByteStart: start, ByteEnd: start + 1 + len(tag)},
			Features: []map[string]any{{
				"$type": "app.bsky.richtext.facet#tag",
				"tag":   tag,
			}},
		})
	}

	return facets
}

// BlueskyAuth はアプリパスワードによるセッション認証を提供する。
type BlueskyAuth struct {
	client *http.Client
	pdsURL string
}

// NewBlueskyAuth はBlueskyAuthを生成する。
func NewBlueskyAuth(cfg BlueskyConfig, client *http.Client) *BlueskyAuth {
	cfg.applyDefaults()
	if client == nil {
		client = http.DefaultClient
	}
	return &BlueskyAuth{client: client, pdsURL: cfg.PDSURL}
}

// Platform はblueskyを返す。
func (b *BlueskyAuth) Platform() model.Platform { return model.PlatformBluesky }

type blueskySession struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	DID        string `json:"did"`
}

// Login はハンドルとアプリパスワードでセッションを作成する。
// アプリパスワードはリフレッシュトークン失効時の再ログイン用に認証情報へ保存する。
func (b *BlueskyAuth) Login(ctx context.Context, identifier, appPassword string) (*model.Credentials, *Profile, error) {
	sess, err := b.createSession(ctx, identifier, appPassword)
	if err != nil {
		return nil, nil, err
	}
	creds := sessionCredentials(sess, appPassword)
	return creds, &Profile{ExternalID: sess.DID, Username: sess.Handle}, nil
}

// Refresh はrefreshSessionでセッションを更新する。
// リフレッシュトークンが失効している場合は保存済みのアプリパスワードで再ログインする。
func (b *BlueskyAuth) Refresh(ctx context.Context, creds *model.Credentials) (*model.Credentials, error) {
	appPassword := creds.ExtraValue(model.CredentialExtraAppPassword)

	if creds.RefreshToken != "" {
		resp, err := doJSON(ctx, b.client, model.PlatformBluesky, http.MethodPost,
			b.pdsURL+"/xrpc/com.atproto.server.refreshSession", bearer(creds.RefreshToken), nil)
		if err != nil {
			return nil, err
		}
		if resp.ok() {
			var sess blueskySession
			if err := json.Unmarshal(resp.Body, &sess); err != nil || sess.AccessJwt == "" {
				return nil, &Error{Platform: model.PlatformBluesky, Class: model.ErrorClassTransient, Message: "malformed session response"}
			}
			return sessionCredentials(&sess, appPassword), nil
		}
		perr := blueskyErrorFromResponse(resp)
		if perr.Class != model.ErrorClassCredentialUnavailable || appPassword == "" {
			return nil, perr
		}
	}

	if appPassword == "" {
		return nil, &Error{
			Platform: model.PlatformBluesky,
			Class:    model.ErrorClassCredentialUnavailable,
			Code:     "no_refresh_token",
			Message:  "session expired and no app password is stored",
		}
	}

	identifier := creds.ExtraValue(model.CredentialExtraDID)
	if identifier == "" {
		identifier = creds.ExtraValue(model.CredentialExtraHandle)
	}
	sess, err := b.createSession(ctx, identifier, appPassword)
	if err != nil {
		return nil, err
	}
	return sessionCredentials(sess, appPassword), nil
}

func (b *BlueskyAuth) createSession(ctx context.Context, identifier, password string) (*blueskySession, error) {
	resp, err := doJSON(ctx, b.client, model.PlatformBluesky, http.MethodPost,
		b.pdsURL+"/xrpc/com.atproto.server.createSession", nil,
		map[string]string{"identifier": identifier, "password": password})
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		perr := blueskyErrorFromResponse(resp)
		// ログイン失敗は資格情報の問題
		if resp.StatusCode == http.StatusUnauthorized || perr.Code == "AuthenticationRequired" {
			perr.Class = model.ErrorClassCredentialUnavailable
		}
		return nil, perr
	}

	var sess blueskySession
	if err := json.Unmarshal(resp.Body, &sess); err != nil || sess.AccessJwt == "" || sess.DID == "" {
		return nil, &Error{Platform: model.PlatformBluesky, Class: model.ErrorClassTransient, Message: "malformed session response"}
	}
	return &sess, nil
}

// sessionCredentials はセッションをCredentialsに変換する。
// 有効期限はaccessJwtのexpクレームから取り出す（署名はPDSが検証するためここでは検証しない）。
func sessionCredentials(sess *blueskySession, appPassword string) *model.Credentials {
	c := &model.Credentials{
		AccessToken:  sess.AccessJwt,
		RefreshToken: sess.RefreshJwt,
		TokenType:    "Bearer",
		Expiry:       jwtExpiry(sess.AccessJwt),
		Extra: map[string]string{
			model.CredentialExtraDID:    sess.DID,
			model.CredentialExtraHandle: sess.Handle,
		},
	}
	if appPassword != "" {
		c.Extra[model.CredentialExtraAppPassword] = appPassword
	}
	return c
}

// jwtExpiry はJWTのexpクレームを返す。取得できない場合はゼロ値。
func jwtExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
