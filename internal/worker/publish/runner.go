package publish

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/postcaster/internal/queue"
)

const (
	// DefaultTickInterval はTickの実行間隔。
	DefaultTickInterval = 60 * time.Second
	// DefaultWorkers はディスパッチワーカーの数。
	DefaultWorkers = 5
)

// RunnerOptions はRunnerの起動設定。
type RunnerOptions struct {
	TickInterval time.Duration
	Workers      int
	// DisableTicker がtrueの場合Tickを実行しない（ワーカー専用プロセス）。
	DisableTicker bool
	// DisableWorkers がtrueの場合ワーカーを起動しない（スケジューラ専用プロセス）。
	DisableWorkers bool
}

// Runner はTickの定期実行とディスパッチワーカーを管理する。
type Runner struct {
	engine *Engine
	rt     *Runtime
	queue  queue.Queue
	logger *slog.Logger
	opts   RunnerOptions
}

// NewRunner はRunnerを生成する。
func NewRunner(engine *Engine, rt *Runtime, q queue.Queue, logger *slog.Logger, opts RunnerOptions) *Runner {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Runner{
		engine: engine,
		rt:     rt,
		queue:  q,
		logger: logger,
		opts:   opts,
	}
}

// Start はコンテキストがキャンセルされるまでTickとワーカーを実行する。
// ワーカーは処理中の投稿を最後まで処理してから終了する。
func (r *Runner) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if !r.opts.DisableWorkers {
		deliveries, err := r.queue.Deliveries(gctx)
		if err != nil {
			return err
		}
		for i := 0; i < r.opts.Workers; i++ {
			id := i
			g.Go(func() error {
				r.work(gctx, id, deliveries)
				return nil
			})
		}
	}

	if !r.opts.DisableTicker {
		g.Go(func() error {
			r.tickLoop(gctx)
			return nil
		})
	}

	r.logger.Info("投稿スケジューラを開始しました",
		slog.Duration("tick_interval", r.opts.TickInterval),
		slog.Int("workers", r.opts.Workers),
		slog.Bool("ticker", !r.opts.DisableTicker),
		slog.Bool("dispatch_workers", !r.opts.DisableWorkers),
	)

	err := g.Wait()
	r.logger.Info("投稿スケジューラを停止しました")
	return err
}

func (r *Runner) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()

	// 起動直後に1回実行
	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce は滞留した投稿の回収とTickを1回実行する。
func (r *Runner) RunOnce(ctx context.Context) {
	now := r.engine.now()

	if _, err := r.engine.RecoverStale(ctx, now); err != nil {
		r.logger.Error("滞留した投稿の回収に失敗しました", slog.String("error", err.Error()))
	}
	if _, err := r.engine.Tick(ctx, r.rt, now); err != nil {
		r.logger.Error("Tickの実行に失敗しました", slog.String("error", err.Error()))
	}
}

func (r *Runner) work(ctx context.Context, id int, deliveries <-chan queue.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			r.handle(ctx, id, d)
		}
	}
}

func (r *Runner) handle(ctx context.Context, id int, d queue.Delivery) {
	outcome, err := r.engine.Dispatch(ctx, r.rt, d.PostID)
	if err != nil {
		r.logger.Error("ディスパッチに失敗しました",
			slog.Int("worker", id),
			slog.String("post_id", d.PostID),
			slog.String("error", err.Error()),
		)
	} else {
		r.logger.Debug("ディスパッチが完了しました",
			slog.Int("worker", id),
			slog.String("post_id", d.PostID),
			slog.String("outcome", string(outcome)),
		)
	}
	if err := d.Ack(); err != nil {
		r.logger.Error("キューへのAckに失敗しました",
			slog.String("post_id", d.PostID),
			slog.String("error", err.Error()),
		)
	}
}
