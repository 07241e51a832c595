// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/postcaster/internal/model"
)

const sessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var userIDContextKey = contextKey("user_id")

var errNoUserID = errors.New("user ID not found in context")

var unauthorizedError = &model.APIError{
	Code:     "UNAUTHORIZED",
	Message:  "認証が必要です。",
	Category: "auth",
	Action:   "ログインしてください。",
}

// SessionFinder はセッションの検索に必要なインターフェース。
// repository.SessionRepositoryの部分集合。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// NewSessionMiddleware はHTTP Only Cookieのセッションを検証し、
// ユーザーIDをリクエストコンテキストに注入するミドルウェアを返す。
// 未認証・期限切れのリクエストには401を返す。
func NewSessionMiddleware(sessionFinder SessionFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(sessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, unauthorizedError)
				return
			}

			session, err := sessionFinder.FindByID(r.Context(), cookie.Value)
			if err != nil {
				slog.Error("failed to find session", slog.String("error", err.Error()))
				WriteErrorResponse(w, http.StatusUnauthorized, unauthorizedError)
				return
			}
			if session == nil || !session.ExpiresAt.After(time.Now()) {
				WriteErrorResponse(w, http.StatusUnauthorized, unauthorizedError)
				return
			}

			recordUserID(r.Context(), session.UserID)
			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), session.UserID)))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", errNoUserID
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
