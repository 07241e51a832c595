package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/postcaster/internal/credential"
	"github.com/hitoshi/postcaster/internal/middleware"
	"github.com/hitoshi/postcaster/internal/model"
)

// AccountServiceInterface はアカウント連携ハンドラーが必要とするサービスインターフェース。
type AccountServiceInterface interface {
	BeginAuthorization(ctx context.Context, userID string, p model.Platform) (*credential.AuthRequest, error)
	LinkAccount(ctx context.Context, userID string, p model.Platform, code, state string) (*model.PlatformAccount, error)
	LinkWithPassword(ctx context.Context, userID string, p model.Platform, identifier, password string) (*model.PlatformAccount, error)
	ListAccounts(ctx context.Context, userID string) ([]*model.PlatformAccount, error)
	RevokeAccount(ctx context.Context, userID, accountID string) error
}

// AccountHandler はSNSアカウント連携のHTTPハンドラー。
type AccountHandler struct {
	service AccountServiceInterface
	// baseURL は連携完了後のリダイレクト先（フロントエンド）。
	baseURL string
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(service AccountServiceInterface, baseURL string) *AccountHandler {
	return &AccountHandler{service: service, baseURL: strings.TrimRight(baseURL, "/")}
}

type linkPasswordRequest struct {
	Identifier  string `json:"identifier"`
	AppPassword string `json:"app_password"`
}

// accountResponse は連携アカウントのAPIレスポンス。認証情報は含めない。
type accountResponse struct {
	ID                string    `json:"id"`
	Platform          string    `json:"platform"`
	Username          string    `json:"username"`
	IsActive          bool      `json:"is_active"`
	DeactivatedReason string    `json:"deactivated_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ListAccounts は連携アカウント一覧を返す。無効化済みのものも含む。
// GET /api/accounts
func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	userID := requireUserID(w, r)
	if userID == "" {
		return
	}

	accounts, err := h.service.ListAccounts(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]accountResponse, len(accounts))
	for i, a := range accounts {
		resp[i] = toAccountResponse(a)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Authorize は認可URLを発行する。フロントエンドはurlへ遷移する。
// POST /api/accounts/{platform}/authorize
func (h *AccountHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	userID := requireUserID(w, r)
	if userID == "" {
		return
	}
	p, ok := platformParam(w, r)
	if !ok {
		return
	}

	req, err := h.service.BeginAuthorization(r.Context(), userID, p)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": req.URL})
}

// Callback はプラットフォームからの認可コールバックを処理し、フロントエンドへリダイレクトする。
// 結果はクエリパラメータ linked または error で伝える。
// GET /oauth/{platform}/callback?code=xxx&state=yyy
func (h *AccountHandler) Callback(w http.ResponseWriter, r *http.Request) {
	userID := requireUserID(w, r)
	if userID == "" {
		return
	}

	p, err := model.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		h.redirectResult(w, r, url.Values{"error": {model.ErrCodeInvalidPlatform}})
		return
	}

	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		slog.Warn("account authorization denied",
			slog.String("platform", string(p)),
			slog.String("user_id", userID),
			slog.String("reason", denied),
		)
		h.redirectResult(w, r, url.Values{"error": {model.ErrCodeAccountLinkFailed}, "platform": {string(p)}})
		return
	}

	if _, err := h.service.LinkAccount(r.Context(), userID, p, q.Get("code"), q.Get("state")); err != nil {
		code := "INTERNAL_ERROR"
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			code = apiErr.Code
		} else {
			slog.Error("account link failed", slog.String("error", err.Error()))
		}
		h.redirectResult(w, r, url.Values{"error": {code}, "platform": {string(p)}})
		return
	}

	h.redirectResult(w, r, url.Values{"linked": {string(p)}})
}

// LinkBluesky はBlueskyのハンドルとアプリパスワードでアカウントを連携する。
// POST /api/accounts/bluesky
func (h *AccountHandler) LinkBluesky(w http.ResponseWriter, r *http.Request) {
	userID := requireUserID(w, r)
	if userID == "" {
		return
	}

	var req linkPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Identifier) == "" || req.AppPassword == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "ハンドルとアプリパスワードは必須です。",
			Category: "validation",
			Action:   "Blueskyの設定画面で発行したアプリパスワードを入力してください。",
		})
		return
	}

	acct, err := h.service.LinkWithPassword(r.Context(), userID, model.PlatformBluesky, strings.TrimSpace(req.Identifier), req.AppPassword)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(acct))
}

// Revoke はアカウント連携を解除する。未投稿の予約は次回のTickでfailedになる。
// DELETE /api/accounts/{id}
func (h *AccountHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	userID := requireUserID(w, r)
	if userID == "" {
		return
	}

	if err := h.service.RevokeAccount(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AccountHandler) redirectResult(w http.ResponseWriter, r *http.Request, q url.Values) {
	http.Redirect(w, r, h.baseURL+"/accounts?"+q.Encode(), http.StatusFound)
}

// platformParam はURLパスのplatformを検証する。不正な場合は400を書き込む。
func platformParam(w http.ResponseWriter, r *http.Request) (model.Platform, bool) {
	raw := chi.URLParam(r, "platform")
	p, err := model.ParsePlatform(raw)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidPlatformError(raw))
		return "", false
	}
	return p, true
}

func toAccountResponse(a *model.PlatformAccount) accountResponse {
	return accountResponse{
		ID:                a.ID,
		Platform:          string(a.Platform),
		Username:          a.Username,
		IsActive:          a.IsActive,
		DeactivatedReason: a.DeactivatedReason,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}
