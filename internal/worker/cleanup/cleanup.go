// Package cleanup は期限切れの認可stateとセッションを削除するジョブを提供する。
// 投稿試行履歴は監査記録のため削除しない。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// DefaultInterval はジョブの実行間隔。
const DefaultInterval = 24 * time.Hour

// target は削除対象テーブルとクエリの組。
type target struct {
	table string
	query string
}

var targets = []target{
	{table: "oauth_states", query: `DELETE FROM oauth_states WHERE expires_at < $1`},
	{table: "sessions", query: `DELETE FROM sessions WHERE expires_at < $1`},
}

// CleanupJob は有効期限を過ぎた認可stateとセッションの削除ジョブ。
// 削除は冪等で、対象がなくてもエラーにならない。
type CleanupJob struct {
	db     Executor
	logger *slog.Logger
	now    func() time.Time
	// GracePeriod は有効期限からこの期間が過ぎたレコードだけを削除する（デフォルト: 1時間）。
	GracePeriod time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:          db,
		logger:      logger,
		now:         time.Now,
		GracePeriod: time.Hour,
	}
}

// Run は期限切れレコードを削除する。1テーブルの失敗で他のテーブルの削除は止めない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	cutoff := start.Add(-j.GracePeriod)

	var firstErr error
	var total int64
	for _, t := range targets {
		result, err := j.db.ExecContext(ctx, t.query, cutoff)
		if err != nil {
			j.logger.Error("クリーンアップジョブの実行に失敗しました",
				slog.String("table", t.table),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("%sのクリーンアップに失敗: %w", t.table, err)
			}
			continue
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			j.logger.Error("削除件数の取得に失敗しました",
				slog.String("table", t.table),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("削除件数の取得に失敗: %w", err)
			}
			continue
		}
		total += deleted
		j.logger.Info("期限切れレコードを削除しました",
			slog.String("table", t.table),
			slog.Int64("deleted_count", deleted),
		)
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", total),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return firstErr
}

// Start はジョブを起動直後とintervalごとに実行する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	run := func() {
		if err := j.Run(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
