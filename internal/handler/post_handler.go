package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/postcaster/internal/content"
	"github.com/hitoshi/postcaster/internal/middleware"
	"github.com/hitoshi/postcaster/internal/model"
)

// PostServiceInterface は投稿ハンドラーが必要とするサービスインターフェース。
type PostServiceInterface interface {
	ListPosts(ctx context.Context, userID, state string, limit int) ([]*model.Post, error)
	GetPost(ctx context.Context, userID, postID string) (*content.PostDetail, error)
	UpdateDraft(ctx context.Context, userID, postID, body string, hashtags []string) (*model.Post, error)
	SchedulePost(ctx context.Context, userID, postID string, at time.Time) (*model.Post, error)
	// RequeuePost はfailedの投稿を再予約する。atがゼロ値の場合は即時。
	RequeuePost(ctx context.Context, userID, postID string, at time.Time) (*model.Post, error)
}

// PostHandler は投稿の閲覧・編集・予約のHTTPハンドラー。
type PostHandler struct {
	service PostServiceInterface
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(service PostServiceInterface) *PostHandler {
	return &PostHandler{service: service}
}

type updateDraftRequest struct {
	Body     string   `json:"body"`
	Hashtags []string `json:"hashtags"`
}

type scheduleRequest struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

type requeueRequest struct {
	At *time.Time `json:"at"`
}

type postResponse struct {
	ID                string     `json:"id"`
	PlatformAccountID string     `json:"platform_account_id"`
	Platform          string     `json:"platform"`
	Body              string     `json:"body"`
	Hashtags          []string   `json:"hashtags"`
	BusinessContextID string     `json:"business_context_id,omitempty"`
	State             string     `json:"state"`
	ScheduledFor      *time.Time `json:"scheduled_for,omitempty"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	AttemptCount      int        `json:"attempt_count"`
	LastError         string     `json:"last_error,omitempty"`
	LastErrorClass    string     `json:"last_error_class,omitempty"`
	ExternalPostID    string     `json:"external_post_id,omitempty"`
	ExternalURL       string     `json:"external_url,omitempty"`
	PublishedAt       *time.Time `json:"published_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type attemptResponse struct {
	ID           string    `json:"id"`
	AttemptedAt  time.Time `json:"attempted_at"`
	Outcome      string    `json:"outcome"`
	ErrorClass   string    `json:"error_class,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
}

type postDetailResponse struct {
	postResponse
	Attempts []attemptResponse `json:"attempts"`
}

// ListPosts は投稿一覧を返す。
// GET /api/posts?state=scheduled&limit=50
func (h *PostHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	userID := requireUserID(w, r)
	if userID == "" {
		return
	}

	q := r.URL.Query()
	state := q.Get("state")
	if state != "" && !model.PostState(state).IsValid() {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_FILTER",
			Message:  "不明な投稿状態です: " + state,
			Category: "validation",
			Action:   "draft, scheduled, due, publishing, published, retry_pending, failed のいずれかを指定してください。",
		})
		return
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, errInvalidRequest)
			return
		}
		limit = n
	}

	posts, err := h.service.ListPosts(r.Context(), userID, state, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]postResponse, len(posts))
	for i, p := range posts {
		resp[i] = toPostResponse(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPost は投稿と試行履歴を返す。
// GET /api/posts/{id}
func (h *PostHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	userID := requireUserID(w, r)
	if userID == "" {
		return
	}

	detail, err := h.service.GetPost(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := postDetailResponse{
		postResponse: toPostResponse(detail.Post),
		Attempts:     make([]attemptResponse, len(detail.Attempts)),
	}
	for i, a := range detail.Attempts {
		resp.Attempts[i] = attemptResponse{
			ID:           a.ID,
			AttemptedAt:  a.AttemptedAt,
			Outcome:      string(a.Outcome),
			ErrorClass:   string(a.ErrorClass),
			ErrorMessage: a.ErrorMessage,
			DurationMs:   a.DurationMs,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateDraft は下書きの本文とハッシュタグを更新する。
// PATCH /api/posts/{id}
func (h *PostHandler) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	userID := requireUserID(w, r)
	if userID == "" {
		return
	}

	var req updateDraftRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	post, err := h.service.UpdateDraft(r.Context(), userID, chi.URLParam(r, "id"), req.Body, req.Hashtags)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPostResponse(post))
}

// Schedule は投稿予定時刻を設定する。予約済みの投稿は時刻を変更する。
// PUT /api/posts/{id}/schedule
func (h *PostHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	userID := requireUserID(w, r)
	if userID == "" {
		return
	}

	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	post, err := h.service.SchedulePost(r.Context(), userID, chi.URLParam(r, "id"), req.ScheduledFor)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPostResponse(post))
}

// Requeue は失敗した投稿を再予約する。ボディは省略できる。
// POST /api/posts/{id}/requeue
func (h *PostHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	userID := requireUserID(w, r)
	if userID == "" {
		return
	}

	var req requeueRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	var at time.Time
	if req.At != nil {
		at = *req.At
	}

	post, err := h.service.RequeuePost(r.Context(), userID, chi.URLParam(r, "id"), at)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPostResponse(post))
}

func toPostResponse(p *model.Post) postResponse {
	return postResponse{
		ID:                p.ID,
		PlatformAccountID: p.PlatformAccountID,
		Platform:          string(p.Platform),
		Body:              p.Body,
		Hashtags:          nonNil(p.Hashtags),
		BusinessContextID: p.BusinessContextID,
		State:             string(p.State),
		ScheduledFor:      p.ScheduledFor,
		NextAttemptAt:     p.NextAttemptAt,
		AttemptCount:      p.AttemptCount,
		LastError:         p.LastError,
		LastErrorClass:    string(p.LastErrorClass),
		ExternalPostID:    p.ExternalPostID,
		ExternalURL:       p.ExternalURL,
		PublishedAt:       p.PublishedAt,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}
