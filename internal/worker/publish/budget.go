package publish

import (
	"sync"
	"time"

	"github.com/hitoshi/postcaster/internal/model"
)

// RateLimit はプラットフォームごとの投稿数の上限（Window内にRequests件まで）。
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// DefaultRateLimits はプラットフォームごとのデフォルト上限。
var DefaultRateLimits = map[model.Platform]RateLimit{
	model.PlatformTwitter:  {Requests: 100, Window: 24 * time.Hour},
	model.PlatformBluesky:  {Requests: 1500, Window: time.Hour},
	model.PlatformLinkedIn: {Requests: 150, Window: 24 * time.Hour},
}

// accountWindow はアカウント1件分の送信時刻の記録。
type accountWindow struct {
	stamps       []time.Time
	blockedUntil time.Time
}

// RateBudget はPlatformAccountごとのローリングウィンドウ方式の送信枠。
// 送信時に時刻を記録し、ウィンドウを過ぎた記録は破棄する。
// 複数ワーカーから並行に呼び出して安全。ロック中にI/Oは行わない。
type RateBudget struct {
	mu       sync.Mutex
	limits   map[model.Platform]RateLimit
	accounts map[string]*accountWindow
}

// NewRateBudget はRateBudgetを生成する。limitsにないプラットフォームは無制限。
func NewRateBudget(limits map[model.Platform]RateLimit) *RateBudget {
	copied := make(map[model.Platform]RateLimit, len(limits))
	for p, l := range limits {
		copied[p] = l
	}
	return &RateBudget{
		limits:   copied,
		accounts: make(map[string]*accountWindow),
	}
}

// TryAcquire は送信枠を1つ確保する。枠がなければfalseを返す。
// 確保後に送信しなかった場合はreleaseを呼んで枠を返す。
func (b *RateBudget) TryAcquire(accountID string, p model.Platform, now time.Time) (release func(), ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.window(accountID)
	if now.Before(w.blockedUntil) {
		return nil, false
	}

	limit, limited := b.limits[p]
	if limited && limit.Requests > 0 {
		w.prune(now, limit.Window)
		if len(w.stamps) >= limit.Requests {
			return nil, false
		}
	}

	w.stamps = append(w.stamps, now)
	return func() { b.release(accountID, now) }, true
}

// Exhaust はuntilまでアカウントの送信枠をゼロにする。
// プラットフォームからレート制限を返された場合に使う。
func (b *RateBudget) Exhaust(accountID string, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.window(accountID)
	if until.After(w.blockedUntil) {
		w.blockedUntil = until
	}
}

// Remaining は現時点で確保できる枠の数を返す。無制限の場合は-1。
func (b *RateBudget) Remaining(accountID string, p model.Platform, now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.window(accountID)
	if now.Before(w.blockedUntil) {
		return 0
	}
	limit, limited := b.limits[p]
	if !limited || limit.Requests <= 0 {
		return -1
	}
	w.prune(now, limit.Window)
	return limit.Requests - len(w.stamps)
}

func (b *RateBudget) release(accountID string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.window(accountID)
	for i := len(w.stamps) - 1; i >= 0; i-- {
		if w.stamps[i].Equal(at) {
			w.stamps = append(w.stamps[:i], w.stamps[i+1:]...)
			return
		}
	}
}

func (b *RateBudget) window(accountID string) *accountWindow {
	w, ok := b.accounts[accountID]
	if !ok {
		w = &accountWindow{}
		b.accounts[accountID] = w
	}
	return w
}

// prune はwindowより古い記録を破棄する。stampsは時刻順。
func (w *accountWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
