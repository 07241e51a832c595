package publish

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/hitoshi/postcaster/internal/model"
)

const (
	// DefaultMaxAttempts は投稿1件あたりの最大試行回数。
	DefaultMaxAttempts = 5
	// DefaultBaseDelay は指数バックオフの初回遅延。
	DefaultBaseDelay = 30 * time.Second
	// DefaultMaxDelay は指数バックオフの最大遅延。
	DefaultMaxDelay = time.Hour
	// maxJitter はバックオフに加えるジッターの上限割合。
	maxJitter = 0.2
)

// RetryPolicy は失敗分類から次の状態を決める。
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter は[0,1)の乱数を返す。nilの場合はmath/rand/v2を使う。
	Jitter func() float64
}

// DefaultRetryPolicy はデフォルト値のRetryPolicyを返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Backoff はk回目（0始まり）の失敗後の待ち時間を返す。
// base*2^k に最大20%のジッターを加え、MaxDelayで上限を切る。
func (p RetryPolicy) Backoff(k int) time.Duration {
	if k < 0 {
		k = 0
	}
	jitter := rand.Float64
	if p.Jitter != nil {
		jitter = p.Jitter
	}

	delay := float64(p.BaseDelay) * math.Pow(2, float64(k))
	delay *= 1 + maxJitter*jitter()
	if delay >= float64(p.MaxDelay) || math.IsInf(delay, 1) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// failureTransition は投稿失敗時の遷移を組み立てる。
// post.AttemptCountは今回の試行前の回数。
//   - rate_limited: retry_pending。試行回数を消費せず、resetAtまで待つ
//   - transient: 試行回数が上限未満ならretry_pending、上限に達したらfailed
//   - permanent / credential_unavailable: 試行回数に関わらずfailed
func (p RetryPolicy) failureTransition(post *model.Post, class model.ErrorClass, msg string, resetAt, now time.Time) *model.PostTransition {
	tr := &model.PostTransition{
		PostID:         post.ID,
		LastError:      msg,
		LastErrorClass: class,
	}

	switch class {
	case model.ErrorClassRateLimited:
		next := resetAt
		if next.Before(now) {
			next = now.Add(p.Backoff(post.AttemptCount))
		}
		tr.To = model.PostStateRetryPending
		tr.AttemptIncrement = 0
		tr.NextAttemptAt = &next

	case model.ErrorClassTransient:
		tr.AttemptIncrement = 1
		if post.AttemptCount+1 < p.MaxAttempts {
			next := now.Add(p.Backoff(post.AttemptCount))
			tr.To = model.PostStateRetryPending
			tr.NextAttemptAt = &next
		} else {
			tr.To = model.PostStateFailed
		}

	default:
		tr.AttemptIncrement = 1
		tr.To = model.PostStateFailed
	}

	return tr
}

// successTransition は投稿成功時の遷移を組み立てる。
func successTransition(post *model.Post, externalID, url string, now time.Time) *model.PostTransition {
	published := now
	return &model.PostTransition{
		PostID:           post.ID,
		To:               model.PostStatePublished,
		AttemptIncrement: 1,
		ExternalPostID:   externalID,
		ExternalURL:      url,
		PublishedAt:      &published,
	}
}
