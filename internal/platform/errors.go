package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/postcaster/internal/model"
)

// Error はプラットフォームAPIの失敗を分類済みの形で表す。
type Error struct {
	Platform   model.Platform
	Class      model.ErrorClass
	StatusCode int
	Code       string
	Message    string
	// ResetAt はレート制限が解除される時刻。不明な場合はゼロ値。
	ResetAt time.Time
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status=%d code=%s): %s", e.Platform, e.Class, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Platform, e.Class, e.Message)
}

// ClassOf はエラーを分類する。分類できない場合はErrorClassNoneを返す。
// *Error、タイムアウト、ネットワークエラー、OAuthトークンエンドポイントのエラーを認識する。
func ClassOf(err error) model.ErrorClass {
	if err == nil {
		return model.ErrorClassNone
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorClassTransient
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return model.ErrorClassTransient
		}
		if re.Response != nil && re.Response.StatusCode == http.StatusTooManyRequests {
			return model.ErrorClassRateLimited
		}
		return model.ErrorClassCredentialUnavailable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return model.ErrorClassTransient
	}

	return model.ErrorClassNone
}

// ResetTimeOf はレート制限エラーの解除時刻を返す。
func ResetTimeOf(err error) (time.Time, bool) {
	var pe *Error
	if errors.As(err, &pe) && !pe.ResetAt.IsZero() {
		return pe.ResetAt, true
	}
	return time.Time{}, false
}

// classifyStatus はHTTPステータスコードを既定の規則で分類する。
// プラットフォーム固有の規則は各アダプターで上書きする。
func classifyStatus(status int) model.ErrorClass {
	switch {
	case status == http.StatusUnauthorized:
		return model.ErrorClassCredentialUnavailable
	case status == http.StatusTooManyRequests:
		return model.ErrorClassRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		return model.ErrorClassTransient
	case status >= 400:
		return model.ErrorClassPermanent
	default:
		return model.ErrorClassNone
	}
}

// resetFromHeaders はレート制限ヘッダーから解除時刻を求める。
// epochHeaderはUNIX秒を返すヘッダー名（例: x-rate-limit-reset）。
// 見つからない場合はRetry-Afterを参照する。
func resetFromHeaders(h http.Header, epochHeader string, now time.Time) time.Time {
	if epochHeader != "" {
		if v := h.Get(epochHeader); v != "" {
			if sec, err := strconv.ParseInt(v, 10, 64); err == nil && sec > 0 {
				return time.Unix(sec, 0)
			}
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec >= 0 {
			return now.Add(time.Duration(sec) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return time.Time{}
}
