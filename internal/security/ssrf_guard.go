// Package security はクロール先URLの検証、テキストの無害化、認証情報の暗号化を提供する。
package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// URLGuard はユーザーが登録したWebサイトへのアクセスをSSRFから守る。
// Webサイト登録時の静的検証と、クロール時のHTTPクライアント生成の両方で使用する。
type URLGuard interface {
	// ValidateURL はURLの安全性を事前に検証する。
	ValidateURL(rawURL string) error
	// NormalizeWebsiteURL は検証済みの正規化URLを返す。
	// スキームとホストを小文字化し、フラグメントを除去する。
	NormalizeWebsiteURL(rawURL string) (string, error)
	// NewSafeClient はDNS解決後のIPアドレスも検証するHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration) *http.Client
}

// ErrBlocked はプライベートアドレスや内部ホストへのアクセスを拒否したことを示す。
var ErrBlocked = errors.New("blocked by SSRF policy")

var allowedSchemes = []string{"http", "https"}

// blockedNetworks はパッケージ初期化時に1回だけパースする。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		// キャリアグレードNAT
		"100.64.0.0/10",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

var blockedHostnames = []string{
	"localhost",
	"metadata.google.internal",
}

var blockedHostSuffixes = []string{
	".localhost",
	".internal",
	".local",
}

type ssrfGuard struct {
	allowedPorts []int
}

// NewSSRFGuard はURLGuardの実装を生成する。クロールは80/443番ポートのみ許可する。
func NewSSRFGuard() *ssrfGuard {
	return &ssrfGuard{allowedPorts: []int{80, 443}}
}

// NewSafeClient はsafeurlで包んだHTTPクライアントを返す。
// safeurlはnet.DialerのControlフックで接続先IPを検証するため、DNS再バインディングにも対応する。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.allowedPorts...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はDNS解決を伴わない静的な検証を行う。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	_, err := g.parse(rawURL)
	return err
}

// NormalizeWebsiteURL は検証済みの正規化URLを返す。パスが空の場合は"/"を補う。
func (g *ssrfGuard) NormalizeWebsiteURL(rawURL string) (string, error) {
	u, err := g.parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

func (g *ssrfGuard) parse(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return nil, fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}
	if parsed.User != nil {
		return nil, fmt.Errorf("credentials in URL are not allowed")
	}

	host := parsed.Hostname()
	if host == "" {
		return nil, fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return nil, fmt.Errorf("%w: IP address %s", ErrBlocked, ip.String())
		}
		return parsed, nil
	}

	if isBlockedHostname(host) {
		return nil, fmt.Errorf("%w: host %s", ErrBlocked, host)
	}
	return parsed, nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func isBlockedHostname(host string) bool {
	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, blocked := range blockedHostnames {
		if lower == blocked {
			return true
		}
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}
