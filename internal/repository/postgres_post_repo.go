package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/postcaster/internal/model"
)

// postColumns はpostsテーブルのSELECT対象カラム。scanPostと順序を合わせること。
const postColumns = `id, user_id, platform_account_id, platform, body, hashtags, business_context_id,
		state, scheduled_for, next_attempt_at, claimed_at, attempt_count, last_error, last_error_class,
		external_post_id, external_url, published_at, created_at, updated_at`

// PostgresPostRepo はPostgreSQLを使用した投稿リポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

func scanPost(row rowScanner) (*model.Post, error) {
	p := &model.Post{}
	var contextID, lastError, lastErrorClass, externalID, externalURL sql.NullString
	var scheduledFor, nextAttemptAt, claimedAt, publishedAt sql.NullTime
	var hashtags []string

	err := row.Scan(
		&p.ID, &p.UserID, &p.PlatformAccountID, &p.Platform, &p.Body, pq.Array(&hashtags), &contextID,
		&p.State, &scheduledFor, &nextAttemptAt, &claimedAt, &p.AttemptCount, &lastError, &lastErrorClass,
		&externalID, &externalURL, &publishedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Hashtags = hashtags
	p.BusinessContextID = nullStringValue(contextID)
	p.ScheduledFor = nullTimeValue(scheduledFor)
	p.NextAttemptAt = nullTimeValue(nextAttemptAt)
	p.ClaimedAt = nullTimeValue(claimedAt)
	p.LastError = nullStringValue(lastError)
	p.LastErrorClass = model.ErrorClass(nullStringValue(lastErrorClass))
	p.ExternalPostID = nullStringValue(externalID)
	p.ExternalURL = nullStringValue(externalURL)
	p.PublishedAt = nullTimeValue(publishedAt)
	return p, nil
}

// Create は下書き投稿を作成する。IDが空の場合は採番する。
func (r *PostgresPostRepo) Create(ctx context.Context, post *model.Post) error {
	if post.ID == "" {
		post.ID = uuid.New().String()
	}
	if post.State == "" {
		post.State = model.PostStateDraft
	}
	hashtags := post.Hashtags
	if hashtags == nil {
		hashtags = []string{}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO posts (id, user_id, platform_account_id, platform, body, hashtags,
		                    business_context_id, state, scheduled_for, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		post.ID, post.UserID, post.PlatformAccountID, post.Platform, post.Body, pq.Array(hashtags),
		nullString(post.BusinessContextID), post.State, nullTime(post.ScheduledFor),
		post.CreatedAt, post.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("投稿の作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	p, err := scanPost(r.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	return p, nil
}

// ListByUserID はユーザーの投稿を作成日時の降順で返す。stateが空の場合は全状態。
func (r *PostgresPostRepo) ListByUserID(ctx context.Context, userID string, state model.PostState, limit int) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE user_id = $1 AND ($2 = '' OR state = $2)
		 ORDER BY created_at DESC
		 LIMIT $3`,
		userID, string(state), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("投稿一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var posts []*model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("投稿の読み取りに失敗しました: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("投稿一覧の走査に失敗しました: %w", err)
	}
	return posts, nil
}

// ListAttempts は投稿の試行履歴を古い順に返す。
func (r *PostgresPostRepo) ListAttempts(ctx context.Context, postID string) ([]*model.PublishAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, post_id, attempted_at, outcome, error_class, error_message, response_digest, duration_ms
		 FROM publish_attempts
		 WHERE post_id = $1
		 ORDER BY attempted_at ASC`,
		postID,
	)
	if err != nil {
		return nil, fmt.Errorf("投稿試行履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var attempts []*model.PublishAttempt
	for rows.Next() {
		a := &model.PublishAttempt{}
		var errorClass, errorMessage, digest sql.NullString
		if err := rows.Scan(&a.ID, &a.PostID, &a.AttemptedAt, &a.Outcome,
			&errorClass, &errorMessage, &digest, &a.DurationMs); err != nil {
			return nil, fmt.Errorf("投稿試行履歴の読み取りに失敗しました: %w", err)
		}
		a.ErrorClass = model.ErrorClass(nullStringValue(errorClass))
		a.ErrorMessage = nullStringValue(errorMessage)
		a.ResponseDigest = nullStringValue(digest)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("投稿試行履歴の走査に失敗しました: %w", err)
	}
	return attempts, nil
}

// UpdateDraft は下書き状態の投稿本文を更新する。下書きでなければfalseを返す。
func (r *PostgresPostRepo) UpdateDraft(ctx context.Context, id, body string, hashtags []string) (bool, error) {
	if hashtags == nil {
		hashtags = []string{}
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE posts SET body = $2, hashtags = $3, updated_at = now()
		 WHERE id = $1 AND state = 'draft'`,
		id, body, pq.Array(hashtags),
	)
	if err != nil {
		return false, fmt.Errorf("下書きの更新に失敗しました: %w", err)
	}
	return affectedOne(result)
}

// Schedule はdraftまたはscheduledの投稿に投稿予定時刻を設定する。
func (r *PostgresPostRepo) Schedule(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE posts SET state = 'scheduled', scheduled_for = $2, updated_at = now()
		 WHERE id = $1 AND state IN ('draft', 'scheduled')`,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("投稿予定時刻の設定に失敗しました: %w", err)
	}
	return affectedOne(result)
}

// Requeue はfailedの投稿をscheduledに戻す。attempt_countは変更しない。
func (r *PostgresPostRepo) Requeue(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE posts SET state = 'scheduled', scheduled_for = $2, next_attempt_at = NULL,
		                  claimed_at = NULL, updated_at = now()
		 WHERE id = $1 AND state = 'failed'`,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("投稿の再キューに失敗しました: %w", err)
	}
	return affectedOne(result)
}

// ListEligible はTickの評価対象を取得する。
// 行ロックは取らない。排他はMarkDueとClaimの条件付きUPDATEで保証する。
func (r *PostgresPostRepo) ListEligible(ctx context.Context, now time.Time, limit int) ([]model.DispatchCandidate, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT p.id, p.platform_account_id, p.platform, p.state, a.is_active
		 FROM posts p
		 INNER JOIN platform_accounts a ON a.id = p.platform_account_id
		 WHERE (p.state = 'scheduled' AND p.scheduled_for <= $1)
		    OR (p.state = 'retry_pending' AND p.next_attempt_at <= $1)
		    OR p.state = 'due'
		 ORDER BY COALESCE(p.next_attempt_at, p.scheduled_for, p.updated_at) ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ディスパッチ対象投稿の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var candidates []model.DispatchCandidate
	for rows.Next() {
		var c model.DispatchCandidate
		if err := rows.Scan(&c.PostID, &c.PlatformAccountID, &c.Platform, &c.State, &c.AccountActive); err != nil {
			return nil, fmt.Errorf("ディスパッチ対象投稿の読み取りに失敗しました: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ディスパッチ対象投稿の走査に失敗しました: %w", err)
	}
	return candidates, nil
}

// MarkDue はfrom状態の投稿をdueに遷移させる。
func (r *PostgresPostRepo) MarkDue(ctx context.Context, id string, from model.PostState, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE posts SET state = 'due', updated_at = $3
		 WHERE id = $1 AND state = $2`,
		id, from, now,
	)
	if err != nil {
		return false, fmt.Errorf("投稿のdue遷移に失敗しました: %w", err)
	}
	return affectedOne(result)
}

// FailInactive はアカウント無効のため投稿をfailedにする。
func (r *PostgresPostRepo) FailInactive(ctx context.Context, id string, from model.PostState, reason string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE posts SET state = 'failed', last_error = $3, last_error_class = $4,
		                  next_attempt_at = NULL, updated_at = $5
		 WHERE id = $1 AND state = $2`,
		id, from, reason, model.ErrorClassCredentialUnavailable, now,
	)
	if err != nil {
		return false, fmt.Errorf("投稿の失敗遷移に失敗しました: %w", err)
	}
	return affectedOne(result)
}

// Claim はdueの投稿をpublishingに遷移させ、遷移後の投稿を返す。
// 条件付きUPDATEのため、同じ投稿を同時に取得できるワーカーは1つだけ。
func (r *PostgresPostRepo) Claim(ctx context.Context, id string, now time.Time) (*model.Post, error) {
	p, err := scanPost(r.db.QueryRowContext(ctx,
		`UPDATE posts SET state = 'publishing', claimed_at = $2, updated_at = $2
		 WHERE id = $1 AND state = 'due'
		 RETURNING `+postColumns,
		id, now,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投稿の取得（claim）に失敗しました: %w", err)
	}
	return p, nil
}

// Complete はディスパッチ結果の状態遷移とPublishAttemptを同一トランザクションで書き込む。
func (r *PostgresPostRepo) Complete(ctx context.Context, tr *model.PostTransition) error {
	if tr.AttemptIncrement < 0 {
		return fmt.Errorf("attempt increment must not be negative: %d", tr.AttemptIncrement)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE posts SET state = $2,
		                  attempt_count = attempt_count + $3,
		                  next_attempt_at = $4,
		                  last_error = $5,
		                  last_error_class = $6,
		                  external_post_id = $7,
		                  external_url = $8,
		                  published_at = $9,
		                  claimed_at = NULL,
		                  updated_at = now()
		 WHERE id = $1 AND state = 'publishing'`,
		tr.PostID, tr.To, tr.AttemptIncrement, nullTime(tr.NextAttemptAt),
		nullString(tr.LastError), nullString(string(tr.LastErrorClass)),
		nullString(tr.ExternalPostID), nullString(tr.ExternalURL), nullTime(tr.PublishedAt),
	)
	if err != nil {
		return fmt.Errorf("投稿状態の更新に失敗しました: %w", err)
	}
	ok, err := affectedOne(result)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTransitionConflict
	}

	if a := tr.Attempt; a != nil {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO publish_attempts (id, post_id, attempted_at, outcome, error_class,
			                               error_message, response_digest, duration_ms)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			a.ID, tr.PostID, a.AttemptedAt, a.Outcome, nullString(string(a.ErrorClass)),
			nullString(a.ErrorMessage), nullString(a.ResponseDigest), a.DurationMs,
		)
		if err != nil {
			return fmt.Errorf("投稿試行履歴の保存に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListStale はclaimed_atがbeforeより古いpublishing状態の投稿を返す。
func (r *PostgresPostRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE state = 'publishing' AND claimed_at < $1
		 ORDER BY claimed_at ASC
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("停滞投稿の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var posts []*model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("停滞投稿の読み取りに失敗しました: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("停滞投稿の走査に失敗しました: %w", err)
	}
	return posts, nil
}

// affectedOne は更新件数が1件以上かどうかを返す。
func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
