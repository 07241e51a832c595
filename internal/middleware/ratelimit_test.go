package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/postcaster/internal/model"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// serveAs はユーザーIDをコンテキストに入れてリクエストを処理し、ステータスを返す。
func serveAs(h http.Handler, method, path, userID string) *http.Response {
	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		req = req.WithContext(ContextWithUserID(req.Context(), userID))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Result()
}

func testLimiterConfig(generalBurst, crawlBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    generalBurst,
		CrawlRate:       1,
		CrawlBurst:      crawlBurst,
		CleanupInterval: time.Minute,
	}
}

func TestRateLimiter_BurstThen429(t *testing.T) {
	tests := []struct {
		name  string
		burst int
		mw    func(rl *RateLimiter) func(http.Handler) http.Handler
		path  string
	}{
		{"general", 3, (*RateLimiter).GeneralMiddleware, "/api/posts"},
		{"crawl", 2, (*RateLimiter).CrawlMiddleware, "/api/websites/site-1/crawl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := NewRateLimiter(testLimiterConfig(tt.burst, tt.burst))
			defer rl.Stop()
			h := tt.mw(rl)(okHandler())

			// バースト内は全て通る
			for i := 0; i < tt.burst; i++ {
				if resp := serveAs(h, http.MethodPost, tt.path, "user-1"); resp.StatusCode != http.StatusOK {
					t.Fatalf("request %d: status = %d, want 200", i, resp.StatusCode)
				}
			}

			resp := serveAs(h, http.MethodPost, tt.path, "user-1")
			if resp.StatusCode != http.StatusTooManyRequests {
				t.Fatalf("status = %d, want 429", resp.StatusCode)
			}
			sec, err := strconv.Atoi(resp.Header.Get("Retry-After"))
			if err != nil || sec < 1 {
				t.Errorf("Retry-After = %q, want positive seconds", resp.Header.Get("Retry-After"))
			}
		})
	}
}

func TestRateLimiter_IsolatesUsers(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(1, 1))
	defer rl.Stop()
	h := rl.GeneralMiddleware()(okHandler())

	serveAs(h, http.MethodGet, "/api/posts", "user-a")
	if resp := serveAs(h, http.MethodGet, "/api/posts", "user-a"); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("user-a second request: status = %d, want 429", resp.StatusCode)
	}
	// 別ユーザーは影響を受けない
	if resp := serveAs(h, http.MethodGet, "/api/posts", "user-b"); resp.StatusCode != http.StatusOK {
		t.Errorf("user-b: status = %d, want 200", resp.StatusCode)
	}
}

func TestRateLimiter_CrawlIndependentFromGeneral(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(1, 1))
	defer rl.Stop()
	general := rl.GeneralMiddleware()(okHandler())
	crawl := rl.CrawlMiddleware()(okHandler())

	serveAs(general, http.MethodGet, "/api/posts", "user-1")
	if resp := serveAs(general, http.MethodGet, "/api/posts", "user-1"); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("general should be exhausted, status = %d", resp.StatusCode)
	}
	if resp := serveAs(crawl, http.MethodPost, "/api/websites", "user-1"); resp.StatusCode != http.StatusOK {
		t.Errorf("crawl limit should still allow: status = %d", resp.StatusCode)
	}
	if rl.GeneralLimiterCount() != 1 || rl.CrawlLimiterCount() != 1 {
		t.Errorf("counts = %d/%d, want 1/1", rl.GeneralLimiterCount(), rl.CrawlLimiterCount())
	}
}

func TestRateLimiter_NoUserID_Returns401(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(5, 5))
	defer rl.Stop()

	resp := serveAs(rl.CrawlMiddleware()(okHandler()), http.MethodPost, "/api/websites", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRateLimiter_429ResponseUsesErrorFormat(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(1, 1))
	defer rl.Stop()
	h := rl.GeneralMiddleware()(okHandler())

	serveAs(h, http.MethodGet, "/api/posts", "user-json")
	resp := serveAs(h, http.MethodGet, "/api/posts", "user-json")

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" || body.Category != "system" || body.Action == "" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testLimiterConfig(5, 5)
	cfg.CleanupInterval = 50 * time.Millisecond
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	serveAs(rl.GeneralMiddleware()(okHandler()), http.MethodGet, "/api/posts", "user-cleanup")
	serveAs(rl.CrawlMiddleware()(okHandler()), http.MethodPost, "/api/websites", "user-cleanup")
	if rl.GeneralLimiterCount() == 0 || rl.CrawlLimiterCount() == 0 {
		t.Fatal("expected limiter entries")
	}

	// TTLは間隔の2倍（100ms）
	time.Sleep(250 * time.Millisecond)

	if rl.GeneralLimiterCount() != 0 || rl.CrawlLimiterCount() != 0 {
		t.Errorf("entries remain after cleanup: %d/%d", rl.GeneralLimiterCount(), rl.CrawlLimiterCount())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

func TestRateLimiter_InChainWithSession(t *testing.T) {
	repo := &mockSessionRepository{
		findByIDFn: func(_ context.Context, id string) (*model.Session, error) {
			if id == "rate-limit-session" {
				return &model.Session{ID: id, UserID: "user-rate-chain", ExpiresAt: time.Now().Add(time.Hour)}, nil
			}
			return nil, nil
		},
	}
	rl := NewRateLimiter(testLimiterConfig(2, 1))
	defer rl.Stop()

	h := NewCORSMiddleware("http://localhost:3000")(NewSessionMiddleware(repo)(rl.GeneralMiddleware()(okHandler())))

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/posts", nil)
		req.AddCookie(&http.Cookie{Name: "session_id", Value: "rate-limit-session"})
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		statuses = append(statuses, w.Code)
	}

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("request %d: status = %d, want %d", i, statuses[i], want[i])
		}
	}
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 {
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.CrawlBurst != 10 {
		t.Errorf("CrawlBurst = %d, want 10", cfg.CrawlBurst)
	}
	if cfg.CrawlRate <= 0 || cfg.CrawlRate >= cfg.GeneralRate {
		t.Errorf("CrawlRate = %f, want between 0 and GeneralRate", cfg.CrawlRate)
	}
}
