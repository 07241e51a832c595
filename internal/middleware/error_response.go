package middleware

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/postcaster/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Category          string `json:"category"`
	Action            string `json:"action"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// WriteErrorResponse はAPIErrorを統一フォーマットで書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	writeError(w, statusCode, apiErr, 0)
}

// WriteRetryAfterResponse はRetry-Afterヘッダー付きでエラーを書き込む。
// retryAfterは秒単位に切り上げ、最低1秒とする。
func WriteRetryAfterResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError, retryAfter time.Duration) {
	sec := int(math.Ceil(retryAfter.Seconds()))
	if sec < 1 {
		sec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(sec))
	writeError(w, statusCode, apiErr, sec)
}

// WriteInternalServerError は詳細を伏せた500レスポンスを書き込む。
// 原因はログにのみ残す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

func writeError(w http.ResponseWriter, statusCode int, apiErr *model.APIError, retryAfterSec int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:              apiErr.Code,
		Message:           apiErr.Message,
		Category:          apiErr.Category,
		Action:            apiErr.Action,
		RetryAfterSeconds: retryAfterSec,
	})
}
