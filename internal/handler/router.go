package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/postcaster/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	WebsiteService WebsiteServiceInterface
	PostService    PostServiceInterface
	AccountService AccountServiceInterface

	// Pinger はヘルスチェックで疎通確認する。nilの場合は常にokを返す。
	Pinger Pinger
	// MetricsHandler が設定されていれば /metrics に公開する。
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → SecurityHeaders → Logging → CORS → Session → RateLimit(General) → CSRF
//
// 認証ルート（/auth/*）とヘルスチェックはセッションの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	websiteHandler := NewWebsiteHandler(deps.WebsiteService)
	postHandler := NewPostHandler(deps.PostService)
	accountHandler := NewAccountHandler(deps.AccountService, deps.AuthConfig.BaseURL)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.Pinger).ServeHTTP)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Get("/google/login", authHandler.Login)
		r.Get("/google/callback", authHandler.Callback)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// プラットフォームからのリダイレクトはCSRFトークンを持たないGET
		r.Get("/oauth/{platform}/callback", accountHandler.Callback)

		r.Route("/api", func(r chi.Router) {
			r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

			r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

			r.Route("/websites", func(r chi.Router) {
				// クロールを伴う操作は専用のレート制限を追加
				r.With(deps.RateLimiter.CrawlMiddleware()).Post("/", websiteHandler.RegisterWebsite)
				r.Get("/", websiteHandler.ListWebsites)

				r.Route("/{id}", func(r chi.Router) {
					r.With(deps.RateLimiter.CrawlMiddleware()).Post("/crawl", websiteHandler.Crawl)
					r.Get("/contexts", websiteHandler.ListContexts)
				})
			})

			r.Route("/accounts", func(r chi.Router) {
				r.Get("/", accountHandler.ListAccounts)
				r.Post("/bluesky", accountHandler.LinkBluesky)
				r.Post("/{platform}/authorize", accountHandler.Authorize)
				r.Delete("/{id}", accountHandler.Revoke)
			})

			r.Route("/posts", func(r chi.Router) {
				r.Get("/", postHandler.ListPosts)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", postHandler.GetPost)
					r.Patch("/", postHandler.UpdateDraft)
					r.Put("/schedule", postHandler.Schedule)
					r.Post("/requeue", postHandler.Requeue)
				})
			})
		})
	})

	return r
}
