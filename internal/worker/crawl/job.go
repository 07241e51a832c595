// Package crawl は登録済みWebサイトの定期再クロールジョブを提供する。
package crawl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/postcaster/internal/content"
	"github.com/hitoshi/postcaster/internal/model"
	"github.com/hitoshi/postcaster/internal/repository"
)

// Ingester はWebサイト1件の取り込みを抽象化する。
type Ingester interface {
	IngestDue(ctx context.Context, w *model.BusinessWebsite) (*content.IngestResult, error)
}

// Config は再クロールジョブの設定パラメータ。
type Config struct {
	// Interval はジョブの実行間隔（デフォルト: 10分）。
	Interval time.Duration
	// SiteInterval はサイト間の待機時間（デフォルト: 2秒）。
	SiteInterval time.Duration
	// MaxSitesPerCycle は1サイクルで取り込む最大サイト数（デフォルト: 20）。
	MaxSitesPerCycle int
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:         10 * time.Minute,
		SiteInterval:     2 * time.Second,
		MaxSitesPerCycle: 20,
	}
}

// Job はlast_crawled_at + crawl_frequency_minutesを過ぎたWebサイトを再クロールし、
// 新しいBusinessContextと下書きを作成する。
type Job struct {
	websites          repository.WebsiteRepository
	ingester          Ingester
	logger            *slog.Logger
	config            Config
	now               func() time.Time
	consecutiveErrors int
	backoffUntil      time.Time
}

// NewJob はJobを生成する。
func NewJob(websites repository.WebsiteRepository, ingester Ingester, logger *slog.Logger, config Config) *Job {
	d := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = d.Interval
	}
	if config.SiteInterval < 0 {
		config.SiteInterval = 0
	}
	if config.MaxSitesPerCycle <= 0 {
		config.MaxSitesPerCycle = d.MaxSitesPerCycle
	}
	return &Job{
		websites: websites,
		ingester: ingester,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
}

// Start はジョブをティッカーで定期実行する。起動直後に1回実行する。
func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info("再クロールジョブを開始しました",
		slog.Duration("interval", j.config.Interval),
		slog.Int("max_sites_per_cycle", j.config.MaxSitesPerCycle),
	)

	j.runAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("再クロールジョブを停止しました")
			return
		case <-ticker.C:
			j.runAndLog(ctx)
		}
	}
}

func (j *Job) runAndLog(ctx context.Context) {
	if err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("再クロールサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は1回のサイクルを実行する。
// 1サイトの失敗はログに残して次のサイトへ進む。全サイトが失敗したサイクルが続いた場合はバックオフする。
func (j *Job) RunOnce(ctx context.Context) error {
	start := j.now()

	if !j.backoffUntil.IsZero() && start.Before(j.backoffUntil) {
		j.logger.Info("再クロールジョブはバックオフ中のためスキップします",
			slog.Time("backoff_until", j.backoffUntil),
		)
		return nil
	}

	sites, err := j.websites.ListDueForCrawl(ctx, start, j.config.MaxSitesPerCycle)
	if err != nil {
		return fmt.Errorf("再クロール対象の取得に失敗しました: %w", err)
	}
	if len(sites) == 0 {
		j.logger.Debug("再クロール対象のWebサイトはありません")
		return nil
	}

	var succeeded, failed, drafts int
	for i, w := range sites {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i > 0 && j.config.SiteInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(j.config.SiteInterval):
			}
		}

		res, err := j.ingester.IngestDue(ctx, w)
		if err != nil {
			failed++
			j.logger.Warn("Webサイトの再クロールに失敗しました",
				slog.String("website_id", w.ID),
				slog.String("url", w.URL),
				slog.String("error", err.Error()),
			)
			continue
		}
		succeeded++
		drafts += len(res.Posts)
	}

	if succeeded == 0 {
		j.consecutiveErrors++
		if backoff := calculateErrorBackoff(j.consecutiveErrors); backoff > 0 {
			j.backoffUntil = j.now().Add(backoff)
			j.logger.Warn("連続エラーによりバックオフを適用します",
				slog.Int("consecutive_errors", j.consecutiveErrors),
				slog.Duration("backoff_duration", backoff),
			)
		}
	} else {
		j.consecutiveErrors = 0
		j.backoffUntil = time.Time{}
	}

	j.logger.Info("再クロールサイクルが完了しました",
		slog.Int("sites", len(sites)),
		slog.Int("succeeded", succeeded),
		slog.Int("failed", failed),
		slog.Int("drafts", drafts),
		slog.Int64("duration_ms", j.now().Sub(start).Milliseconds()),
	)
	return nil
}

// calculateErrorBackoff は連続失敗サイクル数に基づくバックオフ時間を計算する。
// 3回連続: 30分、5回連続: 1時間、10回連続: 6時間。
func calculateErrorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 10:
		return 6 * time.Hour
	case consecutiveErrors >= 5:
		return 1 * time.Hour
	case consecutiveErrors >= 3:
		return 30 * time.Minute
	default:
		return 0
	}
}
