// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/postcaster/internal/auth"
	"github.com/hitoshi/postcaster/internal/middleware"
	"github.com/hitoshi/postcaster/internal/model"
)

const (
	sessionCookieName = "session_id"
	oauthStateCookie  = "oauth_state"
	oauthStateMaxAge  = 600
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state string) string
	HandleCallback(ctx context.Context, code string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
	GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はGoogleサインインのHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{service: service, config: config}
}

// userResponse はログインユーザーのAPIレスポンス。
type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Login はGoogleサインインを開始する。
// GET /auth/google/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	h.setCookie(w, oauthStateCookie, state, oauthStateMaxAge, "")
	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はGoogleからのコールバックを処理し、セッションCookieを発行する。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.String("path", r.URL.Path))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidOAuthStateError())
		return
	}
	h.setCookie(w, oauthStateCookie, "", -1, "")

	code := r.URL.Query().Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidOAuthStateError())
		return
	}

	session, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadGateway, &model.APIError{
			Code:     "SIGN_IN_FAILED",
			Message:  "Googleでのサインインに失敗しました。",
			Category: "auth",
			Action:   "もう一度サインインしてください。",
		})
		return
	}

	h.setCookie(w, sessionCookieName, session.ID, h.config.SessionMaxAge, h.config.CookieDomain)
	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// Logout はセッションを破棄しCookieをクリアする。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if err := h.service.Logout(r.Context(), cookie.Value); err != nil {
			// セッション削除に失敗してもCookieはクリアする
			slog.Error("failed to logout", slog.String("error", err.Error()))
		}
	}

	h.setCookie(w, sessionCookieName, "", -1, h.config.CookieDomain)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザーを返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, errUnauthorized)
		return
	}

	user, err := h.service.GetCurrentUser(r.Context(), cookie.Value)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthenticated) {
			slog.Error("failed to get current user", slog.String("error", err.Error()))
		}
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, errUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{ID: user.ID, Email: user.Email, Name: user.Name})
}

func (h *AuthHandler) setCookie(w http.ResponseWriter, name, value string, maxAge int, domain string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
