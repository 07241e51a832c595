package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

// Pinger は依存先の疎通を確認する。*sql.DBが満たす。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler はコンテナのヘルスチェック用エンドポイント。
type HealthHandler struct {
	pinger Pinger
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(pinger Pinger) *HealthHandler {
	return &HealthHandler{pinger: pinger}
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

// ServeHTTP はDBへの疎通を確認し、失敗時は503を返す。
// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.pinger == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := h.pinger.PingContext(ctx); err != nil {
		slog.Warn("health check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Database: "down"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "up"})
}
