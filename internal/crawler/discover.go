package crawler

import (
	"bytes"
	"mime"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// pageLinks はHTMLから抽出したメタ情報とリンク。
type pageLinks struct {
	Title       string
	Description string
	Links       []string
	Feeds       []string
}

// feedContentTypes はフィードとして認識するContent-Typeのリスト。
var feedContentTypes = []string{
	"application/rss+xml",
	"application/atom+xml",
}

// xmlContentTypes はXMLとして認識するContent-Type（ボディ解析が必要）。
var xmlContentTypes = []string{
	"text/xml",
	"application/xml",
}

// mediaTypeOf はContent-Typeからパラメータを除いたメディアタイプを返す。
func mediaTypeOf(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mediaType)
}

// isHTML はContent-TypeがHTMLかを判定する。Content-Typeがない場合はHTMLとみなす。
func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt := mediaTypeOf(contentType)
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// isFeed はContent-Typeとボディの先頭からRSS/Atomフィードかを判定する。
func isFeed(contentType string, body []byte) bool {
	mt := mediaTypeOf(contentType)
	for _, ct := range feedContentTypes {
		if mt == ct {
			return true
		}
	}
	for _, ct := range xmlContentTypes {
		if mt == ct {
			return looksLikeFeed(body)
		}
	}
	return false
}

// looksLikeFeed はXMLボディの先頭4KBにRSS/Atomのルート要素があるかを調べる。
func looksLikeFeed(body []byte) bool {
	n := len(body)
	if n > 4096 {
		n = 4096
	}
	prefix := strings.ToLower(string(body[:n]))
	if strings.Contains(prefix, "<rss") || strings.Contains(prefix, "<rdf:rdf") {
		return true
	}
	return strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom")
}

// parseLinks はHTMLからタイトル、meta description、同一ページ内のリンク、
// フィードへのalternateリンクを抽出する。相対URLはbaseを基準に解決する。
func parseLinks(body []byte, base *url.URL) pageLinks {
	var out pageLinks
	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	inTitle := false

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return out

		case html.TextToken:
			if inTitle && out.Title == "" {
				out.Title = strings.TrimSpace(string(tokenizer.Text()))
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				inTitle = false
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tag := string(tn)
			if tag == "title" {
				inTitle = true
				continue
			}
			if !hasAttr {
				continue
			}
			attrs := readAttrs(tokenizer)

			switch tag {
			case "a":
				if href := resolveURL(base, attrs["href"]); href != "" && !strings.EqualFold(attrs["rel"], "nofollow") {
					out.Links = append(out.Links, href)
				}
			case "link":
				if strings.ToLower(attrs["rel"]) != "alternate" {
					continue
				}
				switch strings.ToLower(attrs["type"]) {
				case "application/rss+xml", "application/atom+xml":
					if href := resolveURL(base, attrs["href"]); href != "" {
						out.Feeds = append(out.Feeds, href)
					}
				}
			case "meta":
				name := strings.ToLower(attrs["name"])
				if name == "" {
					name = strings.ToLower(attrs["property"])
				}
				if (name == "description" || name == "og:description") && out.Description == "" {
					out.Description = strings.TrimSpace(attrs["content"])
				}
			}
		}
	}
}

func readAttrs(tokenizer *html.Tokenizer) map[string]string {
	attrs := make(map[string]string)
	for {
		key, val, more := tokenizer.TagAttr()
		attrs[strings.ToLower(string(key))] = string(val)
		if !more {
			return attrs
		}
	}
}

// resolveURL は相対URLをbaseを基準に絶対URLに解決し、フラグメントを除去する。
// http(s)以外のリンク（mailto:やjavascript:）は空文字列を返す。
func resolveURL(base *url.URL, rawRef string) string {
	rawRef = strings.TrimSpace(rawRef)
	if rawRef == "" || strings.HasPrefix(rawRef, "#") {
		return ""
	}
	ref, err := url.Parse(rawRef)
	if err != nil {
		return ""
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// sameSite はホスト名が一致するか（www.の有無は無視）を判定する。
func sameSite(a, b *url.URL) bool {
	return trimWWW(a.Hostname()) == trimWWW(b.Hostname())
}

func trimWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// skippedExtensions はクロール対象外とする静的ファイルの拡張子。
var skippedExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg", ".ico",
	".pdf", ".zip", ".gz", ".mp4", ".mp3", ".css", ".js", ".woff", ".woff2",
}

func isAsset(u *url.URL) bool {
	p := strings.ToLower(u.Path)
	for _, ext := range skippedExtensions {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}
