package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/postcaster/internal/security"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

const homeHTML = `<!DOCTYPE html>
<html><head>
<title>Sunrise Bakery</title>
<meta name="description" content="Handmade sourdough bread baked every morning in Portland.">
<link rel="alternate" type="application/rss+xml" href="/feed.xml">
</head><body>
<nav><a href="/about">About</a> <a href="/menu">Menu</a> <a href="https://other.example.org/x">Elsewhere</a>
<a href="/logo.png">Logo</a> <a href="mailto:hello@example.com">Mail</a> <a href="#top">Top</a></nav>
<main><article>
<h1>Fresh sourdough every morning</h1>
<p>Sunrise Bakery bakes handmade sourdough bread, croissants and seasonal pastries every morning in Portland.
Our bakers start at four so the bread is still warm when the doors open at seven.</p>
<p>We use organic flour from local mills and a starter that has been alive for more than twenty years.</p>
</article></main>
</body></html>`

const aboutHTML = `<html><head><title>About us</title></head><body>
<article><h2>Our story</h2><p>The bakery was founded in 2009 by two friends who loved bread and coffee.
Today the team of twelve bakers serves the neighbourhood with bread, coffee and cakes.</p>
<a href="/team">Team</a></article></body></html>`

const menuHTML = `<html><head><title>Menu</title></head><body>
<article><h2>Menu</h2><p>Country loaf, rye, baguette, cinnamon rolls and almond croissants are baked daily for the counter.</p></article>
</body></html>`

const teamHTML = `<html><head><title>Team</title></head><body><p>Deep page that is beyond the depth limit when depth is one.</p></body></html>`

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Sunrise Bakery News</title><link>https://sunrise.example.com/</link>
<item><title>Pumpkin season is here</title><link>%s/news/pumpkin</link>
<description>&lt;p&gt;Our pumpkin loaf is back for autumn.&lt;/p&gt;</description></item>
<item><title>Already crawled</title><link>%s/about</link><description>duplicate</description></item>
</channel></rss>`

func newSiteServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	serveHTML := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, body)
		}
	}
	mux.HandleFunc("/{$}", serveHTML(homeHTML))
	mux.HandleFunc("/about", serveHTML(aboutHTML))
	mux.HandleFunc("/menu", serveHTML(menuHTML))
	mux.HandleFunc("/team", serveHTML(teamHTML))
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, feedXML, srv.URL, srv.URL)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCrawl_SameHostBreadthFirst(t *testing.T) {
	srv := newSiteServer(t)
	var buf bytes.Buffer
	c := NewCrawler(nil, security.NewTextSanitizer(), newTestLogger(&buf), Options{MaxDepth: 1})

	pages, err := c.Crawl(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("Crawl returned error: %v", err)
	}

	var urls []string
	for _, p := range pages {
		urls = append(urls, strings.TrimPrefix(p.URL, srv.URL))
	}
	want := []string{"/", "/about", "/menu", "/news/pumpkin"}
	if strings.Join(urls, ",") != strings.Join(want, ",") {
		t.Errorf("crawled URLs = %v, want %v", urls, want)
	}

	home := pages[0]
	if home.Title != "Sunrise Bakery" {
		t.Errorf("Title = %q, want Sunrise Bakery", home.Title)
	}
	if !strings.HasPrefix(home.Description, "Handmade sourdough") {
		t.Errorf("Description = %q", home.Description)
	}
	if !strings.Contains(home.Text, "organic flour") {
		t.Errorf("Text should contain article body, got %q", home.Text)
	}
	if strings.Contains(home.Text, "<p>") {
		t.Errorf("Text should be plain text, got %q", home.Text)
	}
	if !strings.Contains(home.Markdown, "sourdough") {
		t.Errorf("Markdown should contain article body, got %q", home.Markdown)
	}

	feedPage := pages[3]
	if feedPage.Title != "Pumpkin season is here" {
		t.Errorf("feed page Title = %q", feedPage.Title)
	}
	if feedPage.Text != "Our pumpkin loaf is back for autumn." {
		t.Errorf("feed page Text = %q", feedPage.Text)
	}
}

func TestCrawl_MaxPages(t *testing.T) {
	srv := newSiteServer(t)
	var buf bytes.Buffer
	c := NewCrawler(nil, security.NewTextSanitizer(), newTestLogger(&buf), Options{MaxPages: 2, MaxFeedEntries: 1})

	pages, err := c.Crawl(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("Crawl returned error: %v", err)
	}
	// HTML 2ページ + フィード1件
	if len(pages) != 3 {
		t.Errorf("pages = %d, want 3", len(pages))
	}
}

func TestCrawl_TopPageOnly(t *testing.T) {
	srv := newSiteServer(t)
	var buf bytes.Buffer
	c := NewCrawler(nil, security.NewTextSanitizer(), newTestLogger(&buf), Options{MaxDepth: -1})

	pages, err := c.Crawl(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("Crawl returned error: %v", err)
	}
	for _, p := range pages {
		if strings.HasSuffix(p.URL, "/about") && p.Title == "About us" {
			t.Error("linked pages should not be crawled when depth is negative")
		}
	}
}

func TestCrawl_TopPageFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	c := NewCrawler(nil, security.NewTextSanitizer(), newTestLogger(&buf), Options{})

	_, err := c.Crawl(context.Background(), srv.URL)
	if !errors.Is(err, ErrCrawlFailed) {
		t.Errorf("err = %v, want ErrCrawlFailed", err)
	}
}

func TestCrawl_BrokenSubpageIsSkipped(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Home</title></head><body><p>Welcome to the shop.</p><a href="/broken">x</a></body></html>`)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var buf bytes.Buffer
	c := NewCrawler(nil, security.NewTextSanitizer(), newTestLogger(&buf), Options{})

	pages, err := c.Crawl(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("Crawl returned error: %v", err)
	}
	if len(pages) != 1 {
		t.Errorf("pages = %d, want 1", len(pages))
	}
	if !strings.Contains(buf.String(), "ページの取得に失敗しました") {
		t.Error("expected warning log for broken page")
	}
}

func TestCrawl_DirectFeedURL(t *testing.T) {
	srv := newSiteServer(t)
	var buf bytes.Buffer
	c := NewCrawler(nil, security.NewTextSanitizer(), newTestLogger(&buf), Options{})

	pages, err := c.Crawl(context.Background(), srv.URL+"/feed.xml")
	if err != nil {
		t.Fatalf("Crawl returned error: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("pages = %d, want 2 feed entries", len(pages))
	}
	if pages[0].Title != "Pumpkin season is here" {
		t.Errorf("Title = %q", pages[0].Title)
	}
}

// blockingGuard はすべてのURLを拒否するURLValidator。
type blockingGuard struct{}

func (blockingGuard) ValidateURL(string) error { return errors.New("blocked IP address") }
func (blockingGuard) NewSafeClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func TestCrawl_RejectedByGuard(t *testing.T) {
	var buf bytes.Buffer
	c := NewCrawler(blockingGuard{}, security.NewTextSanitizer(), newTestLogger(&buf), Options{})

	_, err := c.Crawl(context.Background(), "http://169.254.169.254/")
	if !errors.Is(err, ErrCrawlFailed) {
		t.Errorf("err = %v, want ErrCrawlFailed", err)
	}
}

func TestParseLinks(t *testing.T) {
	base, _ := url.Parse("https://shop.example.com/blog/")
	links := parseLinks([]byte(homeHTML), base)

	if links.Title != "Sunrise Bakery" {
		t.Errorf("Title = %q", links.Title)
	}
	if len(links.Feeds) != 1 || links.Feeds[0] != "https://shop.example.com/feed.xml" {
		t.Errorf("Feeds = %v", links.Feeds)
	}
	want := map[string]bool{
		"https://shop.example.com/about":    true,
		"https://shop.example.com/menu":     true,
		"https://other.example.org/x":       true,
		"https://shop.example.com/logo.png": true,
	}
	if len(links.Links) != len(want) {
		t.Errorf("Links = %v", links.Links)
	}
	for _, l := range links.Links {
		if !want[l] {
			t.Errorf("unexpected link %q", l)
		}
	}
}

func TestIsFeed(t *testing.T) {
	tests := []struct {
		contentType string
		body        string
		want        bool
	}{
		{"application/rss+xml; charset=utf-8", "", true},
		{"application/atom+xml", "", true},
		{"text/xml", `<?xml version="1.0"?><rss version="2.0"></rss>`, true},
		{"application/xml", `<feed xmlns="http://www.w3.org/2005/Atom"></feed>`, true},
		{"application/xml", `<sitemap></sitemap>`, false},
		{"text/html", `<rss>`, false},
	}
	for _, tt := range tests {
		if got := isFeed(tt.contentType, []byte(tt.body)); got != tt.want {
			t.Errorf("isFeed(%q, %q) = %v, want %v", tt.contentType, tt.body, got, tt.want)
		}
	}
}

func TestSameSite(t *testing.T) {
	a, _ := url.Parse("https://www.example.com/")
	b, _ := url.Parse("https://example.com/about")
	c, _ := url.Parse("https://blog.example.com/")
	if !sameSite(a, b) {
		t.Error("www and apex should be the same site")
	}
	if sameSite(a, c) {
		t.Error("subdomain should be a different site")
	}
}
