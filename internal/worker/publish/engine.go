// Package publish は投稿のスケジューリングとディスパッチを行う。
// Tickで投稿予定時刻を過ぎた投稿をdueにしてキューへ投入し、
// ワーカーがDispatchでプラットフォームへ投稿して結果を記録する。
package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/postcaster/internal/credential"
	"github.com/hitoshi/postcaster/internal/metrics"
	"github.com/hitoshi/postcaster/internal/model"
	"github.com/hitoshi/postcaster/internal/platform"
	"github.com/hitoshi/postcaster/internal/queue"
	"github.com/hitoshi/postcaster/internal/repository"
)

const (
	// DefaultBatchSize は1回のTickで評価する投稿の最大件数。
	DefaultBatchSize = 200
	// DefaultDispatchTimeout はプラットフォーム呼び出し1回のタイムアウト。
	DefaultDispatchTimeout = 30 * time.Second
	// DefaultStaleAfter はpublishingのまま放置された投稿を回収するまでの時間。
	DefaultStaleAfter = 10 * time.Minute

	// completeTimeout は結果の書き込みに使うタイムアウト。
	completeTimeout = 10 * time.Second
)

// Outcome はDispatch1回の結果。
type Outcome string

const (
	OutcomePublished Outcome = "published"
	OutcomeRetry     Outcome = "retry_pending"
	OutcomeFailed    Outcome = "failed"
	// OutcomeSkipped は他のワーカーが先に取得していたため何もしなかったことを示す。
	OutcomeSkipped Outcome = "skipped"
)

// TickResult はTick1回分の集計。
type TickResult struct {
	Evaluated   int
	Promoted    int
	Enqueued    int
	Failed      int
	RateLimited int
	QueueFull   int
	Skipped     int
	Errors      int
}

// CredentialSource は投稿時に認証情報を取得する。
type CredentialSource interface {
	GetCredentials(ctx context.Context, accountID string) (*model.Credentials, error)
	Deactivate(ctx context.Context, accountID, reason string) error
}

// AdapterRegistry はプラットフォームのアダプターを返す。
type AdapterRegistry interface {
	Get(p model.Platform) (platform.Adapter, bool)
}

// Enqueuer はディスパッチキューへの投入を行う。
type Enqueuer interface {
	Enqueue(ctx context.Context, postID string) error
}

// Config はEngineの設定。
type Config struct {
	BatchSize       int
	DispatchTimeout time.Duration
	StaleAfter      time.Duration
	Retry           RetryPolicy
}

// DefaultConfig はデフォルト値のConfigを返す。
func DefaultConfig() Config {
	return Config{
		BatchSize:       DefaultBatchSize,
		DispatchTimeout: DefaultDispatchTimeout,
		StaleAfter:      DefaultStaleAfter,
		Retry:           DefaultRetryPolicy(),
	}
}

// Engine は投稿の状態遷移を駆動する。
// 状態はすべてDBに保存し、プロセス内の状態はRuntimeとして外から受け取る。
type Engine struct {
	posts    repository.PostRepository
	creds    CredentialSource
	adapters AdapterRegistry
	queue    Enqueuer
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewEngine はEngineを生成する。
// 0やnilの設定値はデフォルト値で補う。
func NewEngine(
	posts repository.PostRepository,
	creds CredentialSource,
	adapters AdapterRegistry,
	q Enqueuer,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Engine {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if mc == nil {
		mc = metrics.NopCollector{}
	}
	return &Engine{
		posts:    posts,
		creds:    creds,
		adapters: adapters,
		queue:    q,
		metrics:  mc,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Tick は投稿予定時刻を過ぎた投稿を評価し、ディスパッチキューに投入する。
// アカウントが無効な投稿はfailedにする。送信枠がない投稿やキューが満杯の場合はdueのまま残す。
// 投稿1件の失敗はログに記録して次の投稿に進む。ネットワークI/Oは行わない。
func (e *Engine) Tick(ctx context.Context, rt *Runtime, now time.Time) (TickResult, error) {
	var res TickResult

	rt.InFlight.Expire(now.Add(-e.cfg.StaleAfter))

	candidates, err := e.posts.ListEligible(ctx, now, e.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("ディスパッチ対象の取得に失敗しました: %w", err)
	}
	res.Evaluated = len(candidates)

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		e.evaluate(ctx, rt, c, now, &res)
	}

	e.metrics.RecordTick(res.Enqueued, res.Promoted, res.Failed, res.RateLimited+res.QueueFull)

	if res.Evaluated > 0 {
		e.logger.Info("Tickが完了しました",
			slog.Int("evaluated", res.Evaluated),
			slog.Int("promoted", res.Promoted),
			slog.Int("enqueued", res.Enqueued),
			slog.Int("failed", res.Failed),
			slog.Int("rate_limited", res.RateLimited),
			slog.Int("queue_full", res.QueueFull),
			slog.Int("errors", res.Errors),
		)
	}
	return res, nil
}

func (e *Engine) evaluate(ctx context.Context, rt *Runtime, c model.DispatchCandidate, now time.Time, res *TickResult) {
	log := e.logger.With(
		slog.String("post_id", c.PostID),
		slog.String("platform", string(c.Platform)),
	)

	if !c.AccountActive {
		ok, err := e.posts.FailInactive(ctx, c.PostID, c.State, "platform account is inactive", now)
		if err != nil {
			res.Errors++
			log.Error("無効アカウントの投稿の失敗処理に失敗しました", slog.String("error", err.Error()))
			return
		}
		if ok {
			res.Failed++
			log.Warn("アカウントが無効なため投稿を失敗にしました",
				slog.String("account_id", c.PlatformAccountID),
				slog.String("error_class", string(model.ErrorClassCredentialUnavailable)),
			)
		} else {
			res.Skipped++
		}
		return
	}

	if c.State != model.PostStateDue {
		ok, err := e.posts.MarkDue(ctx, c.PostID, c.State, now)
		if err != nil {
			res.Errors++
			log.Error("投稿のdueへの遷移に失敗しました", slog.String("error", err.Error()))
			return
		}
		if !ok {
			res.Skipped++
			return
		}
		res.Promoted++
	}

	if rt.InFlight.Contains(c.PostID) {
		res.Skipped++
		return
	}

	release, ok := rt.Budget.TryAcquire(c.PlatformAccountID, c.Platform, now)
	if !ok {
		res.RateLimited++
		e.metrics.RecordRateLimitDeferral(string(c.Platform))
		log.Debug("送信枠がないため投稿を見送りました", slog.String("account_id", c.PlatformAccountID))
		return
	}

	if !rt.InFlight.Add(c.PostID, now, release) {
		release()
		res.Skipped++
		return
	}

	if err := e.queue.Enqueue(ctx, c.PostID); err != nil {
		rt.InFlight.Remove(c.PostID)
		release()
		if errors.Is(err, queue.ErrQueueFull) {
			res.QueueFull++
			return
		}
		res.Errors++
		log.Error("ディスパッチキューへの投入に失敗しました", slog.String("error", err.Error()))
		return
	}
	res.Enqueued++
}

// Dispatch は投稿を1回プラットフォームへ送信する。
// due→publishingの条件付き遷移に失敗した場合（他のワーカーが取得済み）はOutcomeSkippedを返す。
// 送信結果は分類され、状態遷移とPublishAttemptが同一トランザクションで記録される。
// プラットフォーム側の失敗はエラーではなくOutcomeとして返す。
func (e *Engine) Dispatch(ctx context.Context, rt *Runtime, postID string) (Outcome, error) {
	defer rt.InFlight.Remove(postID)

	post, err := e.posts.Claim(ctx, postID, e.now())
	if err != nil {
		return "", fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if post == nil {
		rt.InFlight.ReleaseSlot(postID)
		e.logger.Debug("投稿は他のワーカーが処理済みです", slog.String("post_id", postID))
		return OutcomeSkipped, nil
	}

	log := e.logger.With(
		slog.String("post_id", post.ID),
		slog.String("platform", string(post.Platform)),
		slog.String("account_id", post.PlatformAccountID),
	)

	start := e.now()
	result, class, resetAt, msg := e.publish(ctx, log, post, func() { rt.InFlight.ReleaseSlot(post.ID) })
	finished := e.now()
	elapsed := finished.Sub(start)
	e.metrics.RecordDispatchLatency(string(post.Platform), elapsed)

	var tr *model.PostTransition
	attempt := &model.PublishAttempt{
		PostID:      post.ID,
		AttemptedAt: start,
		DurationMs:  elapsed.Milliseconds(),
	}

	if class == model.ErrorClassNone {
		tr = successTransition(post, result.ExternalID, result.URL, finished)
		attempt.Outcome = model.AttemptOutcomeSuccess
		attempt.ResponseDigest = digest(result.RawResponse)
	} else {
		if class == model.ErrorClassRateLimited {
			if resetAt.IsZero() {
				resetAt = finished.Add(e.cfg.Retry.Backoff(post.AttemptCount))
			}
			rt.Budget.Exhaust(post.PlatformAccountID, resetAt)
		}
		tr = e.cfg.Retry.failureTransition(post, class, msg, resetAt, finished)
		attempt.Outcome = model.AttemptOutcomeFailure
		attempt.ErrorClass = class
		attempt.ErrorMessage = msg
		attempt.ResponseDigest = digest([]byte(msg))
	}
	tr.Attempt = attempt

	// 投稿後に呼び出し元がキャンセルされても結果は必ず記録する
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()
	if err := e.posts.Complete(cctx, tr); err != nil {
		if errors.Is(err, repository.ErrTransitionConflict) {
			log.Warn("投稿の状態が変更されていたため結果を記録できませんでした",
				slog.String("to", string(tr.To)),
			)
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("ディスパッチ結果の記録に失敗しました: %w", err)
	}

	outcome := Outcome(tr.To)
	e.metrics.RecordDispatch(string(post.Platform), string(outcome), string(class))

	attrs := []any{
		slog.String("outcome", string(outcome)),
		slog.Int("attempt_count", post.AttemptCount+tr.AttemptIncrement),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	}
	switch outcome {
	case OutcomePublished:
		log.Info("投稿が完了しました", append(attrs, slog.String("external_post_id", tr.ExternalPostID))...)
	case OutcomeRetry:
		log.Warn("投稿に失敗しました。再試行します",
			append(attrs, slog.String("error_class", string(class)), slog.Time("next_attempt_at", *tr.NextAttemptAt), slog.String("error", msg))...)
	default:
		log.Error("投稿に失敗しました",
			append(attrs, slog.String("error_class", string(class)), slog.String("error", msg))...)
	}
	return outcome, nil
}

// publish は認証情報の取得とアダプター呼び出しを行い、結果を分類する。
// 成功時はclassがErrorClassNone。
// プラットフォームへ送信する前に失敗した場合はreleaseSlotで送信枠を返す。
func (e *Engine) publish(ctx context.Context, log *slog.Logger, post *model.Post, releaseSlot func()) (*platform.Result, model.ErrorClass, time.Time, string) {
	creds, err := e.creds.GetCredentials(ctx, post.PlatformAccountID)
	if err != nil {
		releaseSlot()
		if errors.Is(err, credential.ErrCredentialUnavailable) || errors.Is(err, credential.ErrAccountNotFound) {
			return nil, model.ErrorClassCredentialUnavailable, time.Time{}, err.Error()
		}
		return nil, model.ErrorClassTransient, time.Time{}, "credential lookup failed: " + err.Error()
	}

	adapter, ok := e.adapters.Get(post.Platform)
	if !ok {
		releaseSlot()
		return nil, model.ErrorClassPermanent, time.Time{}, "no publisher adapter for platform " + string(post.Platform)
	}

	pctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	defer cancel()

	result, err := adapter.Publish(pctx, post, creds)
	if err == nil {
		if result == nil || result.ExternalID == "" {
			return nil, model.ErrorClassTransient, time.Time{}, "adapter returned no external id"
		}
		return result, model.ErrorClassNone, time.Time{}, ""
	}

	class := adapter.ClassifyError(err)
	if class == model.ErrorClassNone {
		if !errors.Is(pctx.Err(), context.DeadlineExceeded) {
			log.Warn("分類できないエラーのためtransientとして扱います", slog.String("error", err.Error()))
		}
		class = model.ErrorClassTransient
	}

	if class == model.ErrorClassCredentialUnavailable {
		if derr := e.creds.Deactivate(ctx, post.PlatformAccountID, "publish rejected credentials: "+err.Error()); derr != nil {
			log.Error("アカウントの無効化に失敗しました", slog.String("error", derr.Error()))
		}
	}

	resetAt, _ := platform.ResetTimeOf(err)
	return nil, class, resetAt, err.Error()
}

// RecoverStale はclaimed_atからStaleAfter以上publishingのままの投稿を回収する。
// ワーカーの異常終了などで中断されたディスパッチはtransientの失敗として扱い、通常の再試行経路に戻す。
func (e *Engine) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	stale, err := e.posts.ListStale(ctx, now.Add(-e.cfg.StaleAfter), e.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("滞留した投稿の取得に失敗しました: %w", err)
	}

	recovered := 0
	for _, post := range stale {
		const msg = "dispatch interrupted before completion"
		tr := e.cfg.Retry.failureTransition(post, model.ErrorClassTransient, msg, time.Time{}, now)
		claimedAt := now
		if post.ClaimedAt != nil {
			claimedAt = *post.ClaimedAt
		}
		tr.Attempt = &model.PublishAttempt{
			PostID:         post.ID,
			AttemptedAt:    claimedAt,
			Outcome:        model.AttemptOutcomeFailure,
			ErrorClass:     model.ErrorClassTransient,
			ErrorMessage:   msg,
			ResponseDigest: digest([]byte(msg)),
			DurationMs:     now.Sub(claimedAt).Milliseconds(),
		}

		if err := e.posts.Complete(ctx, tr); err != nil {
			if errors.Is(err, repository.ErrTransitionConflict) {
				continue
			}
			e.logger.Error("滞留した投稿の回収に失敗しました",
				slog.String("post_id", post.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
		e.logger.Warn("滞留した投稿を回収しました",
			slog.String("post_id", post.ID),
			slog.String("to", string(tr.To)),
		)
	}
	return recovered, nil
}

// digest はレスポンスのSHA-256ハッシュ（16進）を返す。
func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
