// Package crawler は登録されたビジネスサイトをクロールし、本文テキストとMarkdownを抽出する。
// 同一ホスト内を幅優先で辿り、見つかったRSS/Atomフィードの記事もページとして扱う。
package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/postcaster/internal/model"
)

const (
	// DefaultMaxPages は1回のクロールで取得するHTMLページの上限。
	DefaultMaxPages = 10
	// DefaultMaxDepth はトップページからのリンクの深さの上限。
	DefaultMaxDepth = 2
	// DefaultMaxFeedEntries はフィードから取り込む記事の上限。
	DefaultMaxFeedEntries = 10
	// DefaultMaxBodyBytes はレスポンスボディの上限。
	DefaultMaxBodyBytes = 2 * 1024 * 1024
	// DefaultTimeout はリクエスト1回のタイムアウト。
	DefaultTimeout = 15 * time.Second

	userAgent = "Postcaster/1.0 (+crawler)"
)

// ErrCrawlFailed はトップページを取得できなかったことを示す。
var ErrCrawlFailed = errors.New("website crawl failed")

// URLValidator はクロール先URLの検証とSSRF対策済みHTTPクライアントの生成を行う。
type URLValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// Sanitizer はHTML断片をプレーンテキストに変換する。
type Sanitizer interface {
	PlainText(raw string) string
}

// Options はクロールの上限設定。0の項目はデフォルト値を使う。
// MaxDepthが負の場合はトップページのみを取得する。
type Options struct {
	MaxPages       int
	MaxDepth       int
	MaxFeedEntries int
	MaxBodyBytes   int64
	Timeout        time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxPages <= 0 {
		o.MaxPages = DefaultMaxPages
	}
	if o.MaxDepth < 0 {
		o.MaxDepth = 0
	} else if o.MaxDepth == 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxFeedEntries <= 0 {
		o.MaxFeedEntries = DefaultMaxFeedEntries
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Crawler はビジネスサイトのクローラー。
type Crawler struct {
	guard     URLValidator
	client    *http.Client
	sanitizer Sanitizer
	converter *md.Converter
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
}

// NewCrawler はCrawlerを生成する。
// guardがnilの場合は検証なしの通常のHTTPクライアントを使う（テスト用）。
func NewCrawler(guard URLValidator, sanitizer Sanitizer, logger *slog.Logger, opts Options) *Crawler {
	opts = opts.withDefaults()

	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	var client *http.Client
	if guard != nil {
		client = guard.NewSafeClient(opts.Timeout)
	} else {
		client = &http.Client{Timeout: opts.Timeout}
	}

	return &Crawler{
		guard:     guard,
		client:    client,
		sanitizer: sanitizer,
		converter: converter,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

type queued struct {
	u     *url.URL
	depth int
}

// Crawl はsiteURLから同一ホスト内を幅優先でクロールし、取得したページを返す。
// トップページの取得に失敗した場合はErrCrawlFailedを返す。それ以外のページの失敗はスキップする。
func (c *Crawler) Crawl(ctx context.Context, siteURL string) ([]model.CrawledPage, error) {
	if c.guard != nil {
		if err := c.guard.ValidateURL(siteURL); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCrawlFailed, err)
		}
	}
	root, err := url.Parse(siteURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrawlFailed, err)
	}

	start := c.now()
	visited := map[string]bool{root.String(): true}
	feeds := make(map[string]bool)
	var feedOrder []string
	var pages []model.CrawledPage

	frontier := []queued{{u: root, depth: 0}}
	for len(frontier) > 0 && len(pages) < c.opts.MaxPages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := frontier[0]
		frontier = frontier[1:]

		body, contentType, err := c.get(ctx, item.u.String())
		if err != nil {
			if item.depth == 0 {
				return nil, fmt.Errorf("%w: %v", ErrCrawlFailed, err)
			}
			c.logger.Warn("ページの取得に失敗しました",
				slog.String("url", item.u.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		// トップURLがフィードそのものの場合
		if item.depth == 0 && isFeed(contentType, body) {
			feeds[item.u.String()] = true
			feedOrder = append(feedOrder, item.u.String())
			break
		}
		if !isHTML(contentType) {
			continue
		}

		links := parseLinks(body, item.u)
		pages = append(pages, c.buildPage(item.u, body, links))

		for _, f := range links.Feeds {
			if !feeds[f] {
				feeds[f] = true
				feedOrder = append(feedOrder, f)
			}
		}

		if item.depth >= c.opts.MaxDepth {
			continue
		}
		for _, l := range links.Links {
			u, err := url.Parse(l)
			if err != nil || !sameSite(root, u) || isAsset(u) || visited[u.String()] {
				continue
			}
			visited[u.String()] = true
			frontier = append(frontier, queued{u: u, depth: item.depth + 1})
		}
	}

	// 最初に取得できたフィードのみ取り込む
	for _, f := range feedOrder {
		entries, err := c.fetchFeed(ctx, f, visited)
		if err != nil {
			c.logger.Warn("フィードの取得に失敗しました",
				slog.String("feed_url", f),
				slog.String("error", err.Error()),
			)
			continue
		}
		pages = append(pages, entries...)
		break
	}

	c.logger.Info("クロールが完了しました",
		slog.String("url", siteURL),
		slog.Int("pages", len(pages)),
		slog.Int("feeds", len(feedOrder)),
		slog.Float64("duration_ms", float64(c.now().Sub(start).Milliseconds())),
	)
	return pages, nil
}

// get はURLを取得し、ボディとContent-Typeを返す。2xx以外はエラー。
func (c *Crawler) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html, application/xhtml+xml, application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.5")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("予期しないHTTPステータス: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes))
	if err != nil {
		return nil, "", fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// buildPage はreadabilityで本文を抽出し、プレーンテキストとMarkdownに変換する。
// 本文が抽出できない場合はページ全体をテキスト化する。
func (c *Crawler) buildPage(u *url.URL, body []byte, links pageLinks) model.CrawledPage {
	page := model.CrawledPage{
		URL:         u.String(),
		Title:       links.Title,
		Description: links.Description,
		CrawledAt:   c.now(),
	}

	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		if page.Title == "" {
			page.Title = article.Title
		}
		if page.Description == "" {
			page.Description = strings.TrimSpace(article.Excerpt)
		}
		page.Text = c.sanitizer.PlainText(article.Content)
		page.Markdown = c.markdown(article.Content)
		return page
	}

	page.Text = c.sanitizer.PlainText(string(body))
	page.Markdown = c.markdown(string(body))
	return page
}

func (c *Crawler) markdown(htmlContent string) string {
	out, err := c.converter.ConvertString(htmlContent)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// fetchFeed はフィードを取得し、記事をページに変換する。
// 既にクロールしたURLの記事は除外する。
func (c *Crawler) fetchFeed(ctx context.Context, feedURL string, visited map[string]bool) ([]model.CrawledPage, error) {
	body, _, err := c.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗: %w", err)
	}

	var pages []model.CrawledPage
	for _, item := range parsed.Items {
		if len(pages) >= c.opts.MaxFeedEntries {
			break
		}
		if item == nil || item.Link == "" || visited[item.Link] {
			continue
		}
		visited[item.Link] = true

		content := item.Content
		if content == "" {
			content = item.Description
		}
		pages = append(pages, model.CrawledPage{
			URL:         item.Link,
			Title:       c.sanitizer.PlainText(item.Title),
			Description: c.sanitizer.PlainText(item.Description),
			Text:        c.sanitizer.PlainText(content),
			Markdown:    c.markdown(content),
			CrawledAt:   c.now(),
		})
	}
	return pages, nil
}
