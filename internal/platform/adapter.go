// Package platform はSNSプラットフォームごとの投稿アダプターと認証クライアントを提供する。
// アダプターはプラットフォーム固有のAPI形式とエラーを共通の形式に正規化する。
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/postcaster/internal/model"
)

// Adapter はプラットフォームへの投稿処理のインターフェース。
type Adapter interface {
	// Platform は対象プラットフォームを返す。
	Platform() model.Platform
	// Publish は投稿を公開する。失敗時は*Errorを返す。
	Publish(ctx context.Context, post *model.Post, creds *model.Credentials) (*Result, error)
	// ClassifyError はPublishが返したエラーを分類する。分類できない場合はErrorClassNone。
	ClassifyError(err error) model.ErrorClass
}

// Result は投稿成功時の結果。
type Result struct {
	ExternalID  string
	URL         string
	RawResponse []byte
}

// Registry はプラットフォームごとのアダプターを保持する。
type Registry struct {
	adapters map[model.Platform]Adapter
}

// NewRegistry はアダプターを登録したRegistryを生成する。
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

// Get はプラットフォームのアダプターを返す。
func (r *Registry) Get(p model.Platform) (Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// maxResponseBody はプラットフォームAPIのレスポンスとして読み込む最大サイズ。
const maxResponseBody = 1 << 20

// apiResponse はHTTP呼び出しの生の結果。
type apiResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// doJSON はJSONリクエストを送信し、レスポンスを返す。
// 通信エラーはtransientの*Errorに変換する。ステータスコードの判定は呼び出し側で行う。
func doJSON(ctx context.Context, client *http.Client, p model.Platform, method, url string, headers map[string]string, payload any) (*apiResponse, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, &Error{Platform: p, Class: model.ErrorClassPermanent, Message: fmt.Sprintf("failed to encode request: %v", err)}
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &Error{Platform: p, Class: model.ErrorClassPermanent, Message: fmt.Sprintf("failed to build request: %v", err)}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Platform: p, Class: model.ErrorClassTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &Error{Platform: p, Class: model.ErrorClassTransient, StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read response: %v", err)}
	}

	return &apiResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}, nil
}

// ok は2xxかどうかを返す。
func (r *apiResponse) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// truncate はエラーメッセージ用に文字列を切り詰める。
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// nowFunc はテストで差し替える現在時刻。
var nowFunc = time.Now
