package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/postcaster/internal/content"
	"github.com/hitoshi/postcaster/internal/model"
)

// WebsiteServiceInterface はWebサイトハンドラーが必要とするサービスインターフェース。
type WebsiteServiceInterface interface {
	RegisterWebsite(ctx context.Context, userID string, in content.RegisterWebsiteInput) (*model.BusinessWebsite, error)
	ListWebsites(ctx context.Context, userID string) ([]*model.BusinessWebsite, error)
	ListContexts(ctx context.Context, userID, websiteID string) ([]*model.BusinessContext, error)
	// IngestWebsite はクロールからコンテキスト抽出、下書き生成までを即時に実行する。
	IngestWebsite(ctx context.Context, userID, websiteID string) (*content.IngestResult, error)
}

// WebsiteHandler はWebサイト登録と取り込みのHTTPハンドラー。
type WebsiteHandler struct {
	service WebsiteServiceInterface
}

// NewWebsiteHandler はWebsiteHandlerを生成する。
func NewWebsiteHandler(service WebsiteServiceInterface) *WebsiteHandler {
	return &WebsiteHandler{service: service}
}

type registerWebsiteRequest struct {
	URL                   string `json:"url"`
	Name                  string `json:"name"`
	Tone                  string `json:"tone"`
	CrawlFrequencyMinutes int    `json:"crawl_frequency_minutes"`
}

type websiteResponse struct {
	ID                    string     `json:"id"`
	URL                   string     `json:"url"`
	Name                  string     `json:"name"`
	Tone                  string     `json:"tone"`
	CrawlFrequencyMinutes int        `json:"crawl_frequency_minutes"`
	LastCrawledAt         *time.Time `json:"last_crawled_at,omitempty"`
	IsActive              bool       `json:"is_active"`
	CreatedAt             time.Time  `json:"created_at"`
}

type contextResponse struct {
	ID          string    `json:"id"`
	WebsiteID   string    `json:"website_id"`
	Version     int       `json:"version"`
	Summary     string    `json:"summary"`
	Facts       []string  `json:"facts"`
	Keywords    []string  `json:"keywords"`
	Tone        string    `json:"tone"`
	SourceURL   string    `json:"source_url"`
	ExtractedAt time.Time `json:"extracted_at"`
}

type ingestResponse struct {
	Context contextResponse `json:"context"`
	Pages   int             `json:"pages"`
	Posts   []postResponse  `json:"posts"`
}

// RegisterWebsite はWebサイトを登録する。
// POST /api/websites
func (h *WebsiteHandler) RegisterWebsite(w http.ResponseWriter, r *http.Request) {
	userID := requireUserID(w, r)
	if userID == "" {
		return
	}

	var req registerWebsiteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	site, err := h.service.RegisterWebsite(r.Context(), userID, content.RegisterWebsiteInput{
		URL:                   req.URL,
		Name:                  req.Name,
		Tone:                  req.Tone,
		CrawlFrequencyMinutes: req.CrawlFrequencyMinutes,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toWebsiteResponse(site))
}

// ListWebsites はユーザーのWebサイト一覧を返す。
// GET /api/websites
func (h *WebsiteHandler) ListWebsites(w http.ResponseWriter, r *http.Request) {
	userID := requireUserID(w, r)
	if userID == "" {
		return
	}

	sites, err := h.service.ListWebsites(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]websiteResponse, len(sites))
	for i, s := range sites {
		resp[i] = toWebsiteResponse(s)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Crawl はWebサイトの取り込みを即時に実行する。
// POST /api/websites/{id}/crawl
func (h *WebsiteHandler) Crawl(w http.ResponseWriter, r *http.Request) {
	userID := requireUserID(w, r)
	if userID == "" {
		return
	}

	result, err := h.service.IngestWebsite(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := ingestResponse{
		Context: toContextResponse(result.Context),
		Pages:   result.Pages,
		Posts:   make([]postResponse, len(result.Posts)),
	}
	for i, p := range result.Posts {
		resp.Posts[i] = toPostResponse(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListContexts はWebサイトのBusinessContextをバージョン降順で返す。
// GET /api/websites/{id}/contexts
func (h *WebsiteHandler) ListContexts(w http.ResponseWriter, r *http.Request) {
	userID := requireUserID(w, r)
	if userID == "" {
		return
	}

	contexts, err := h.service.ListContexts(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]contextResponse, len(contexts))
	for i, bc := range contexts {
		resp[i] = toContextResponse(bc)
	}
	writeJSON(w, http.StatusOK, resp)
}

func toWebsiteResponse(s *model.BusinessWebsite) websiteResponse {
	return websiteResponse{
		ID:                    s.ID,
		URL:                   s.URL,
		Name:                  s.Name,
		Tone:                  string(s.Tone),
		CrawlFrequencyMinutes: s.CrawlFrequencyMinutes,
		LastCrawledAt:         s.LastCrawledAt,
		IsActive:              s.IsActive,
		CreatedAt:             s.CreatedAt,
	}
}

func toContextResponse(bc *model.BusinessContext) contextResponse {
	if bc == nil {
		return contextResponse{}
	}
	return contextResponse{
		ID:          bc.ID,
		WebsiteID:   bc.WebsiteID,
		Version:     bc.Version,
		Summary:     bc.Summary,
		Facts:       nonNil(bc.Facts),
		Keywords:    nonNil(bc.Keywords),
		Tone:        string(bc.Tone),
		SourceURL:   bc.SourceURL,
		ExtractedAt: bc.ExtractedAt,
	}
}

// nonNil はnilスライスをJSONの空配列として出力するために空スライスに置き換える。
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
