// Package content はWebサイト登録から下書き生成、投稿予約までのドメインロジックを提供する。
package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/postcaster/internal/metrics"
	"github.com/hitoshi/postcaster/internal/model"
	"github.com/hitoshi/postcaster/internal/repository"
	"github.com/hitoshi/postcaster/internal/security"
)

const (
	// DefaultCrawlFrequencyMinutes は新規Webサイトの再クロール間隔（分）。
	DefaultCrawlFrequencyMinutes = 1440
	// MinCrawlFrequencyMinutes は再クロール間隔の下限。
	MinCrawlFrequencyMinutes = 60
	// MaxCrawlFrequencyMinutes は再クロール間隔の上限（7日）。
	MaxCrawlFrequencyMinutes = 10080
	// DefaultListLimit は投稿一覧のデフォルト件数。
	DefaultListLimit = 50
	// MaxListLimit は投稿一覧の最大件数。
	MaxListLimit = 200
)

// Crawler はWebサイトのクロールを抽象化する。
type Crawler interface {
	Crawl(ctx context.Context, siteURL string) ([]model.CrawledPage, error)
}

// ContextExtractor はクロール結果からBusinessContextを抽出する。
type ContextExtractor interface {
	Extract(website *model.BusinessWebsite, pages []model.CrawledPage, now time.Time) (*model.BusinessContext, error)
}

// ExtractorFunc は関数をContextExtractorとして使うためのアダプタ。
type ExtractorFunc func(website *model.BusinessWebsite, pages []model.CrawledPage, now time.Time) (*model.BusinessContext, error)

// Extract はf(website, pages, now)を呼ぶ。
func (f ExtractorFunc) Extract(website *model.BusinessWebsite, pages []model.CrawledPage, now time.Time) (*model.BusinessContext, error) {
	return f(website, pages, now)
}

// DraftGenerator はBusinessContextから投稿の下書きを生成する。
type DraftGenerator interface {
	Generate(ctx context.Context, bc *model.BusinessContext, p model.Platform, count int) ([]model.Draft, error)
}

// URLNormalizer は登録URLの検証と正規化を行う。
type URLNormalizer interface {
	NormalizeWebsiteURL(rawURL string) (string, error)
}

// RegisterWebsiteInput はWebサイト登録の入力。
type RegisterWebsiteInput struct {
	URL                   string
	Name                  string
	Tone                  string
	CrawlFrequencyMinutes int
}

// IngestResult はIngestWebsiteの結果。
type IngestResult struct {
	Context *model.BusinessContext
	Pages   int
	Posts   []*model.Post
}

// PostDetail は投稿と試行履歴の組。
type PostDetail struct {
	Post     *model.Post
	Attempts []*model.PublishAttempt
}

// Service はコンテンツパイプラインのサービス層。
// クロール → 抽出 → 生成 → 下書き保存のフローと、投稿の予約・再キューを統括する。
type Service struct {
	websites        repository.WebsiteRepository
	pages           repository.PageRepository
	contexts        repository.ContextRepository
	accounts        repository.AccountRepository
	posts           repository.PostRepository
	urls            URLNormalizer
	crawler         Crawler
	extractor       ContextExtractor
	generator       DraftGenerator
	metrics         metrics.MetricsCollector
	logger          *slog.Logger
	draftsPerTarget int
	now             func() time.Time
}

// Deps はServiceの依存。
type Deps struct {
	Websites  repository.WebsiteRepository
	Pages     repository.PageRepository
	Contexts  repository.ContextRepository
	Accounts  repository.AccountRepository
	Posts     repository.PostRepository
	URLs      URLNormalizer
	Crawler   Crawler
	Extractor ContextExtractor
	Generator DraftGenerator
	Metrics   metrics.MetricsCollector
	Logger    *slog.Logger
	// DraftsPerAccount は連携アカウント1件あたりに生成する下書き数。
	DraftsPerAccount int
}

// NewService はServiceを生成する。
func NewService(d Deps) *Service {
	mc := d.Metrics
	if mc == nil {
		mc = metrics.NopCollector{}
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := d.DraftsPerAccount
	if n <= 0 {
		n = 3
	}
	return &Service{
		websites:        d.Websites,
		pages:           d.Pages,
		contexts:        d.Contexts,
		accounts:        d.Accounts,
		posts:           d.Posts,
		urls:            d.URLs,
		crawler:         d.Crawler,
		extractor:       d.Extractor,
		generator:       d.Generator,
		metrics:         mc,
		logger:          logger,
		draftsPerTarget: n,
		now:             time.Now,
	}
}

// RegisterWebsite はURLを検証してWebサイトを登録する。クロールは行わない。
func (s *Service) RegisterWebsite(ctx context.Context, userID string, in RegisterWebsiteInput) (*model.BusinessWebsite, error) {
	normalized, err := s.urls.NormalizeWebsiteURL(in.URL)
	if err != nil {
		if errors.Is(err, security.ErrBlocked) {
			return nil, model.NewSSRFBlockedError()
		}
		return nil, model.NewInvalidURLError(err.Error())
	}

	tone, ok := model.ParseTone(in.Tone)
	if !ok {
		return nil, model.NewInvalidToneError(in.Tone)
	}

	freq := in.CrawlFrequencyMinutes
	if freq == 0 {
		freq = DefaultCrawlFrequencyMinutes
	}
	if freq < MinCrawlFrequencyMinutes || freq > MaxCrawlFrequencyMinutes {
		return nil, model.NewInvalidCrawlIntervalError(freq)
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = normalized
	}

	now := s.now()
	w := &model.BusinessWebsite{
		ID:                    uuid.New().String(),
		UserID:                userID,
		URL:                   normalized,
		Name:                  name,
		Tone:                  tone,
		CrawlFrequencyMinutes: freq,
		IsActive:              true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.websites.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("Webサイトの保存に失敗しました: %w", err)
	}
	return w, nil
}

// ListWebsites はユーザーのWebサイト一覧を返す。
func (s *Service) ListWebsites(ctx context.Context, userID string) ([]*model.BusinessWebsite, error) {
	websites, err := s.websites.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("Webサイト一覧の取得に失敗しました: %w", err)
	}
	return websites, nil
}

// ListContexts はWebサイトのBusinessContextを新しいバージョン順に返す。
func (s *Service) ListContexts(ctx context.Context, userID, websiteID string) ([]*model.BusinessContext, error) {
	if _, err := s.ownedWebsite(ctx, userID, websiteID); err != nil {
		return nil, err
	}
	contexts, err := s.contexts.ListByWebsiteID(ctx, websiteID)
	if err != nil {
		return nil, fmt.Errorf("コンテキスト一覧の取得に失敗しました: %w", err)
	}
	return contexts, nil
}

// IngestWebsite はWebサイトをクロールし、新しいBusinessContextを保存して、
// 有効な連携アカウントごとに下書き投稿を作成する。
// 一部アカウントの生成失敗はスキップし、全アカウントで失敗した場合のみエラーを返す。
func (s *Service) IngestWebsite(ctx context.Context, userID, websiteID string) (*IngestResult, error) {
	w, err := s.ownedWebsite(ctx, userID, websiteID)
	if err != nil {
		return nil, err
	}
	return s.ingest(ctx, w)
}

// IngestDue は再クロール対象のWebサイトを所有者を問わず取り込む。バックグラウンドジョブから呼ばれる。
func (s *Service) IngestDue(ctx context.Context, w *model.BusinessWebsite) (*IngestResult, error) {
	return s.ingest(ctx, w)
}

func (s *Service) ingest(ctx context.Context, w *model.BusinessWebsite) (*IngestResult, error) {
	start := s.now()

	pages, err := s.crawler.Crawl(ctx, w.URL)
	// 失敗時も試行日時を記録し、次の周期まで再クロールしない
	if markErr := s.websites.MarkCrawled(ctx, w.ID, start); markErr != nil {
		s.logger.Warn("最終クロール日時の更新に失敗しました",
			slog.String("website_id", w.ID),
			slog.String("error", markErr.Error()),
		)
	}
	if err != nil {
		s.metrics.RecordCrawl(false, 0)
		s.logger.Warn("クロールに失敗しました",
			slog.String("website_id", w.ID),
			slog.String("url", w.URL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewCrawlFailedError(err.Error())
	}
	s.metrics.RecordCrawl(true, len(pages))

	if err := s.pages.SaveAll(ctx, w.ID, pages); err != nil {
		return nil, fmt.Errorf("クロール結果の保存に失敗しました: %w", err)
	}

	bc, err := s.extractor.Extract(w, pages, s.now())
	if err != nil {
		return nil, model.NewCrawlFailedError(err.Error())
	}
	if err := s.contexts.CreateNextVersion(ctx, bc); err != nil {
		return nil, fmt.Errorf("コンテキストの保存に失敗しました: %w", err)
	}

	accounts, err := s.accounts.ListByUserID(ctx, w.UserID)
	if err != nil {
		return nil, fmt.Errorf("連携アカウントの取得に失敗しました: %w", err)
	}

	result := &IngestResult{Context: bc, Pages: len(pages)}
	var targets, failed int
	for _, acc := range accounts {
		if !acc.IsActive {
			continue
		}
		targets++
		posts, err := s.draftFor(ctx, bc, acc)
		if err != nil {
			failed++
			s.logger.Warn("下書きの生成に失敗しました",
				slog.String("website_id", w.ID),
				slog.String("account_id", acc.ID),
				slog.String("platform", string(acc.Platform)),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Posts = append(result.Posts, posts...)
	}

	if targets > 0 && failed == targets {
		return result, model.NewGenerationFailedError()
	}

	s.logger.Info("Webサイトを取り込みました",
		slog.String("website_id", w.ID),
		slog.Int("pages", len(pages)),
		slog.Int("context_version", bc.Version),
		slog.Int("drafts", len(result.Posts)),
		slog.Int64("duration_ms", s.now().Sub(start).Milliseconds()),
	)
	return result, nil
}

func (s *Service) draftFor(ctx context.Context, bc *model.BusinessContext, acc *model.PlatformAccount) ([]*model.Post, error) {
	drafts, err := s.generator.Generate(ctx, bc, acc.Platform, s.draftsPerTarget)
	if err != nil {
		return nil, err
	}

	posts := make([]*model.Post, 0, len(drafts))
	for _, d := range drafts {
		now := s.now()
		p := &model.Post{
			ID:                uuid.New().String(),
			UserID:            acc.UserID,
			PlatformAccountID: acc.ID,
			Platform:          acc.Platform,
			Body:              d.Body,
			Hashtags:          d.Hashtags,
			BusinessContextID: bc.ID,
			State:             model.PostStateDraft,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.posts.Create(ctx, p); err != nil {
			return posts, fmt.Errorf("下書きの保存に失敗しました: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, nil
}

// ListPosts はユーザーの投稿一覧を返す。stateが空の場合は全状態。
func (s *Service) ListPosts(ctx context.Context, userID, state string, limit int) ([]*model.Post, error) {
	st := model.PostState(state)
	if state != "" && !st.IsValid() {
		return nil, model.NewInvalidPostStateError(st, "一覧表示")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	posts, err := s.posts.ListByUserID(ctx, userID, st, limit)
	if err != nil {
		return nil, fmt.Errorf("投稿一覧の取得に失敗しました: %w", err)
	}
	return posts, nil
}

// GetPost は投稿と試行履歴を返す。
func (s *Service) GetPost(ctx context.Context, userID, postID string) (*PostDetail, error) {
	p, err := s.ownedPost(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.posts.ListAttempts(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("試行履歴の取得に失敗しました: %w", err)
	}
	return &PostDetail{Post: p, Attempts: attempts}, nil
}

// UpdateDraft は下書きの本文とハッシュタグを更新する。
func (s *Service) UpdateDraft(ctx context.Context, userID, postID, body string, hashtags []string) (*model.Post, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, model.NewInvalidPostBodyError("本文が空です")
	}
	p, err := s.ownedPost(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	if p.State != model.PostStateDraft {
		return nil, model.NewInvalidPostStateError(p.State, "編集")
	}

	tags := make([]string, 0, len(hashtags))
	for _, h := range hashtags {
		if h = strings.TrimLeft(strings.TrimSpace(h), "#"); h != "" {
			tags = append(tags, h)
		}
	}

	ok, err := s.posts.UpdateDraft(ctx, postID, body, tags)
	if err != nil {
		return nil, fmt.Errorf("下書きの更新に失敗しました: %w", err)
	}
	if !ok {
		return nil, s.stateConflict(ctx, postID, "編集")
	}
	return s.reload(ctx, postID)
}

// SchedulePost はdraftまたはscheduledの投稿に投稿予定時刻を設定する。
func (s *Service) SchedulePost(ctx context.Context, userID, postID string, at time.Time) (*model.Post, error) {
	if at.IsZero() {
		return nil, model.NewInvalidScheduleError("時刻が指定されていません")
	}
	p, err := s.ownedPost(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(p.State, model.PostStateScheduled) || p.State == model.PostStateFailed {
		return nil, model.NewInvalidPostStateError(p.State, "予約")
	}

	ok, err := s.posts.Schedule(ctx, postID, at.UTC())
	if err != nil {
		return nil, fmt.Errorf("投稿の予約に失敗しました: %w", err)
	}
	if !ok {
		return nil, s.stateConflict(ctx, postID, "予約")
	}
	return s.reload(ctx, postID)
}

// RequeuePost はfailedの投稿をscheduledに戻す。attempt_countはリセットしない。
// atがゼロ値の場合は現在時刻で再予約する。
func (s *Service) RequeuePost(ctx context.Context, userID, postID string, at time.Time) (*model.Post, error) {
	p, err := s.ownedPost(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	if p.State != model.PostStateFailed {
		return nil, model.NewInvalidPostStateError(p.State, "再キュー")
	}
	if at.IsZero() {
		at = s.now()
	}

	ok, err := s.posts.Requeue(ctx, postID, at.UTC())
	if err != nil {
		return nil, fmt.Errorf("投稿の再キューに失敗しました: %w", err)
	}
	if !ok {
		return nil, s.stateConflict(ctx, postID, "再キュー")
	}
	s.logger.Info("投稿を再キューしました",
		slog.String("post_id", postID),
		slog.Int("attempt_count", p.AttemptCount),
	)
	return s.reload(ctx, postID)
}

func (s *Service) ownedWebsite(ctx context.Context, userID, websiteID string) (*model.BusinessWebsite, error) {
	w, err := s.websites.FindByID(ctx, websiteID)
	if err != nil {
		return nil, fmt.Errorf("Webサイトの取得に失敗しました: %w", err)
	}
	if w == nil || w.UserID != userID {
		return nil, model.NewWebsiteNotFoundError(websiteID)
	}
	return w, nil
}

func (s *Service) ownedPost(ctx context.Context, userID, postID string) (*model.Post, error) {
	p, err := s.posts.FindByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if p == nil || p.UserID != userID {
		return nil, model.NewPostNotFoundError(postID)
	}
	return p, nil
}

// stateConflict は条件付き更新が0件だった場合に、最新の状態でエラーを組み立てる。
func (s *Service) stateConflict(ctx context.Context, postID, operation string) error {
	p, err := s.posts.FindByID(ctx, postID)
	if err != nil {
		return fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if p == nil {
		return model.NewPostNotFoundError(postID)
	}
	return model.NewInvalidPostStateError(p.State, operation)
}

func (s *Service) reload(ctx context.Context, postID string) (*model.Post, error) {
	p, err := s.posts.FindByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if p == nil {
		return nil, model.NewPostNotFoundError(postID)
	}
	return p, nil
}
