package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/postcaster/internal/auth"
	"github.com/hitoshi/postcaster/internal/config"
	"github.com/hitoshi/postcaster/internal/content"
	"github.com/hitoshi/postcaster/internal/crawler"
	"github.com/hitoshi/postcaster/internal/credential"
	"github.com/hitoshi/postcaster/internal/database"
	"github.com/hitoshi/postcaster/internal/extractor"
	"github.com/hitoshi/postcaster/internal/generator"
	"github.com/hitoshi/postcaster/internal/handler"
	"github.com/hitoshi/postcaster/internal/logger"
	"github.com/hitoshi/postcaster/internal/metrics"
	"github.com/hitoshi/postcaster/internal/middleware"
	"github.com/hitoshi/postcaster/internal/model"
	"github.com/hitoshi/postcaster/internal/platform"
	"github.com/hitoshi/postcaster/internal/queue"
	"github.com/hitoshi/postcaster/internal/repository"
	"github.com/hitoshi/postcaster/internal/security"
	"github.com/hitoshi/postcaster/internal/worker/cleanup"
	"github.com/hitoshi/postcaster/internal/worker/crawl"
	"github.com/hitoshi/postcaster/internal/worker/publish"
)

const (
	shutdownTimeout = 30 * time.Second
	cleanupInterval = 24 * time.Hour
)

// Init はアプリケーションの初期化を行う。
// .envファイルと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envは既存の環境変数を上書きしない
	if err := config.LoadEnvFile(".env"); err != nil {
		return nil, err
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandRollback:
		return runRollback(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openDatabase はDB接続を開き疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// repositories はプロセスで共有するリポジトリ群。
type repositories struct {
	users    *repository.PostgresUserRepo
	idents   *repository.PostgresIdentityRepo
	sessions *repository.PostgresSessionRepo
	accounts *repository.PostgresAccountRepo
	states   *repository.PostgresOAuthStateRepo
	websites *repository.PostgresWebsiteRepo
	pages    *repository.PostgresPageRepo
	contexts *repository.PostgresContextRepo
	posts    *repository.PostgresPostRepo
}

func newRepositories(db *sql.DB, cfg *config.Config) (*repositories, error) {
	cipher, err := security.NewCredentialCipher([]byte(cfg.CredentialKey))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential cipher: %w", err)
	}
	return &repositories{
		users:    repository.NewPostgresUserRepo(db),
		idents:   repository.NewPostgresIdentityRepo(db),
		sessions: repository.NewPostgresSessionRepo(db),
		accounts: repository.NewPostgresAccountRepo(db, cipher),
		states:   repository.NewPostgresOAuthStateRepo(db),
		websites: repository.NewPostgresWebsiteRepo(db),
		pages:    repository.NewPostgresPageRepo(db),
		contexts: repository.NewPostgresContextRepo(db),
		posts:    repository.NewPostgresPostRepo(db),
	}, nil
}

// newCredentialStore は設定済みのプラットフォームを登録したCredential Storeを生成する。
// クライアントIDが未設定のOAuthプラットフォームは連携できない。
func newCredentialStore(cfg *config.Config, repos *repositories, client *http.Client, log *slog.Logger) *credential.Store {
	store := credential.NewStore(repos.accounts, repos.states, log)

	if cfg.TwitterClientID != "" {
		store.RegisterOAuth(platform.NewTwitterAuth(platform.TwitterConfig{
			ClientID:     cfg.TwitterClientID,
			ClientSecret: cfg.TwitterClientSecret,
			RedirectURL:  cfg.PlatformRedirectURL(string(model.PlatformTwitter)),
		}, client))
	} else {
		log.Warn("twitter linking disabled: TWITTER_CLIENT_ID is not set")
	}

	if cfg.LinkedInClientID != "" {
		store.RegisterOAuth(platform.NewLinkedInAuth(platform.LinkedInConfig{
			ClientID:     cfg.LinkedInClientID,
			ClientSecret: cfg.LinkedInClientSecret,
			RedirectURL:  cfg.PlatformRedirectURL(string(model.PlatformLinkedIn)),
		}, client))
	} else {
		log.Warn("linkedin linking disabled: LINKEDIN_CLIENT_ID is not set")
	}

	store.RegisterPassword(platform.NewBlueskyAuth(platform.BlueskyConfig{PDSURL: cfg.BlueskyPDSURL}, client))
	return store
}

// newContentService はクロールから下書き生成までのサービスを組み立てる。
// OPENAI_API_KEYが未設定の場合はテンプレート生成にフォールバックする。
func newContentService(cfg *config.Config, repos *repositories, mc metrics.MetricsCollector, log *slog.Logger) *content.Service {
	guard := security.NewSSRFGuard()
	sanitizer := security.NewTextSanitizer()

	c := crawler.NewCrawler(guard, sanitizer, log, crawler.Options{
		MaxPages:     cfg.CrawlMaxPages,
		MaxDepth:     cfg.CrawlMaxDepth,
		MaxBodyBytes: cfg.CrawlMaxBodyBytes,
		Timeout:      cfg.CrawlTimeout,
	})

	var gen content.DraftGenerator
	if cfg.OpenAIAPIKey != "" {
		gen = generator.NewOpenAIGenerator(generator.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		}, &http.Client{Timeout: cfg.GenerationTimeout}, sanitizer, log)
	} else {
		log.Warn("OPENAI_API_KEY is not set, using template generator")
		gen = generator.NewTemplateGenerator(sanitizer)
	}

	return content.NewService(content.Deps{
		Websites:         repos.websites,
		Pages:            repos.pages,
		Contexts:         repos.contexts,
		Accounts:         repos.accounts,
		Posts:            repos.posts,
		URLs:             guard,
		Crawler:          c,
		Extractor:        content.ExtractorFunc(extractor.Extract),
		Generator:        gen,
		Metrics:          mc,
		Logger:           log,
		DraftsPerAccount: cfg.DraftsPerAccount,
	})
}

// newMetrics はプロセス専用のレジストリとコレクターを生成する。
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	repos, err := newRepositories(db, cfg)
	if err != nil {
		return err
	}

	// 3. ドメインサービスの初期化
	reg, collector := newMetrics()
	platformClient := &http.Client{Timeout: cfg.DispatchTimeout}

	authService := auth.NewService(
		auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		}, platformClient),
		repos.users, repos.idents, repos.sessions,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
		log,
	)
	store := newCredentialStore(cfg, repos, platformClient, log)
	contentService := newContentService(cfg, repos, collector, log)

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitCrawl))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		SessionFinder:     repos.sessions,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		WebsiteService: contentService,
		PostService:    contentService,
		AccountService: handler.NewAccountServiceAdapter(store),

		Pinger:         db,
		MetricsHandler: metrics.Handler(reg),
	})

	// 5. HTTPサーバーの起動
	// WriteTimeoutは同期取り込み（クロールと生成）の最大時間を下回らないこと
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.CrawlTimeout*time.Duration(cfg.CrawlMaxPages) + cfg.GenerationTimeout,
		IdleTimeout:       60 * time.Second,
	}

	return serveUntilDone(ctx, server, "API server")
}

// runWorker はワーカーモードで起動する。
// 投稿のTickとディスパッチ、再クロール、期限切れデータのクリーンアップを並行に実行し、
// Prometheusのメトリクスを別ポートで公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. リポジトリとサービスの初期化
	repos, err := newRepositories(db, cfg)
	if err != nil {
		return err
	}
	reg, collector := newMetrics()
	platformClient := &http.Client{Timeout: cfg.DispatchTimeout}

	store := newCredentialStore(cfg, repos, platformClient, log)
	contentService := newContentService(cfg, repos, collector, log)

	// 3. ディスパッチキュー
	q, err := newQueue(cfg, log)
	if err != nil {
		return err
	}
	defer q.Close()

	// 4. スケジューリングエンジン
	adapters := platform.NewRegistry(
		platform.NewTwitterAdapter(platform.TwitterConfig{}, platformClient),
		platform.NewBlueskyAdapter(platform.BlueskyConfig{PDSURL: cfg.BlueskyPDSURL}, platformClient),
		platform.NewLinkedInAdapter(platform.LinkedInConfig{}, platformClient),
	)
	engine := publish.NewEngine(repos.posts, store, adapters, q, collector, log, publish.Config{
		BatchSize:       cfg.TickBatchSize,
		DispatchTimeout: cfg.DispatchTimeout,
		StaleAfter:      cfg.StaleAfter,
		Retry: publish.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
	})
	runtime := publish.NewRuntime(publish.NewRateBudget(map[model.Platform]publish.RateLimit{
		model.PlatformTwitter:  {Requests: cfg.TwitterRateLimit, Window: cfg.TwitterRateWindow},
		model.PlatformBluesky:  {Requests: cfg.BlueskyRateLimit, Window: cfg.BlueskyRateWindow},
		model.PlatformLinkedIn: {Requests: cfg.LinkedInRateLimit, Window: cfg.LinkedInRateWindow},
	}))
	runner := publish.NewRunner(engine, runtime, q, log, runnerOptions(cfg))

	// 5. バックグラウンドジョブ
	crawlJob := crawl.NewJob(repos.websites, contentService, log, crawl.Config{
		Interval:         cfg.CrawlInterval,
		MaxSitesPerCycle: cfg.CrawlSitesPerRun,
	})
	cleanupJob := cleanup.NewCleanupJob(db, log)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("worker starting",
		slog.String("role", cfg.WorkerRole),
		slog.Duration("tick_interval", cfg.TickInterval),
		slog.Int("workers", cfg.PublishWorkers),
		slog.String("queue_backend", cfg.QueueBackend),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Start(gctx) })
	if cfg.RunsScheduler() {
		g.Go(func() error {
			crawlJob.Start(gctx)
			return nil
		})
		g.Go(func() error {
			cleanupJob.Start(gctx, cleanupInterval)
			return nil
		})
	}
	g.Go(func() error { return serveUntilDone(gctx, metricsServer, "metrics server") })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker stopped with error: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runnerOptions はWORKER_ROLEに応じてRunnerの起動設定を組み立てる。
// dispatcherはTickを持たないため、送信枠はschedulerのプロセスだけが数える。
func runnerOptions(cfg *config.Config) publish.RunnerOptions {
	return publish.RunnerOptions{
		TickInterval:   cfg.TickInterval,
		Workers:        cfg.PublishWorkers,
		DisableTicker:  !cfg.RunsScheduler(),
		DisableWorkers: !cfg.RunsDispatchers(),
	}
}

// newQueue は設定に応じたディスパッチキューを生成する。
// memoryはTickとワーカーが同一プロセスの場合のみ使える。
func newQueue(cfg *config.Config, log *slog.Logger) (queue.Queue, error) {
	if cfg.QueueBackend == "amqp" {
		q, err := queue.DialAMQP(cfg.AMQPURL, cfg.AMQPQueueName, cfg.PublishWorkers, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open dispatch queue: %w", err)
		}
		return q, nil
	}
	return queue.NewMemoryQueue(cfg.QueueSize), nil
}

// serveUntilDone はctxがキャンセルされるまでサーバーを動かし、グレースフルシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
}

// runMigrate は未適用のマイグレーションをすべて適用し、適用後のバージョンを記録する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return logMigrationStatus(cfg, "database migrations completed")
}

// runRollback は最新のマイグレーションを1つ戻す。
func runRollback(cfg *config.Config) error {
	slog.Info("rolling back latest migration",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RollbackMigration(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return logMigrationStatus(cfg, "migration rolled back")
}

func logMigrationStatus(cfg *config.Config, msg string) error {
	status, err := database.Status(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if status.Dirty {
		return fmt.Errorf("schema version %d is dirty", status.Version)
	}
	slog.Info(msg, slog.Uint64("schema_version", uint64(status.Version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	return checkHealth(fmt.Sprintf("http://localhost:%s/health", port))
}

func checkHealth(endpoint string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
