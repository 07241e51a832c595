package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/postcaster/internal/middleware"
	"github.com/hitoshi/postcaster/internal/model"
)

const maxRequestBodyBytes = 1 << 20

var (
	errUnauthorized = &model.APIError{
		Code:     "UNAUTHORIZED",
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
	errInvalidRequest = &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをデコードする。失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, errInvalidRequest)
		return false
	}
	return true
}

// requireUserID はセッションミドルウェアが注入したユーザーIDを取得する。
// 取得できない場合は401を書き込み空文字列を返す。
func requireUserID(w http.ResponseWriter, r *http.Request) string {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, errUnauthorized)
		return ""
	}
	return userID
}

// handleServiceError はサービス層のエラーをHTTPレスポンスに変換する。
// APIError以外は内部エラーとして扱い、詳細はログのみに記録する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidURL, model.ErrCodeInvalidTone, model.ErrCodeInvalidCrawlInterval,
		model.ErrCodeInvalidPlatform, model.ErrCodeInvalidOAuthState,
		model.ErrCodeInvalidSchedule, model.ErrCodeInvalidPostBody:
		return http.StatusBadRequest
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeWebsiteNotFound, model.ErrCodeAccountNotFound,
		model.ErrCodePostNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidPostState, model.ErrCodeNoActiveAccount:
		return http.StatusConflict
	case model.ErrCodeCrawlFailed, model.ErrCodeGenerationFailed, model.ErrCodeAccountLinkFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
