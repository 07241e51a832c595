package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/postcaster/internal/model"
)

// PostgresWebsiteRepo はPostgreSQLを使用したWebサイトリポジトリ。
type PostgresWebsiteRepo struct {
	db *sql.DB
}

// NewPostgresWebsiteRepo はPostgresWebsiteRepoを生成する。
func NewPostgresWebsiteRepo(db *sql.DB) *PostgresWebsiteRepo {
	return &PostgresWebsiteRepo{db: db}
}

const websiteColumns = `id, user_id, url, name, tone, crawl_frequency_minutes, last_crawled_at,
		is_active, created_at, updated_at`

func scanWebsite(row rowScanner) (*model.BusinessWebsite, error) {
	w := &model.BusinessWebsite{}
	var lastCrawledAt sql.NullTime
	if err := row.Scan(&w.ID, &w.UserID, &w.URL, &w.Name, &w.Tone, &w.CrawlFrequencyMinutes,
		&lastCrawledAt, &w.IsActive, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.LastCrawledAt = nullTimeValue(lastCrawledAt)
	return w, nil
}

// Create はWebサイトを登録する。
func (r *PostgresWebsiteRepo) Create(ctx context.Context, w *model.BusinessWebsite) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO business_websites (id, user_id, url, name, tone, crawl_frequency_minutes,
		                                is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.ID, w.UserID, w.URL, w.Name, w.Tone, w.CrawlFrequencyMinutes, w.IsActive, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Webサイトの登録に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのWebサイトを取得する。見つからない場合はnilを返す。
func (r *PostgresWebsiteRepo) FindByID(ctx context.Context, id string) (*model.BusinessWebsite, error) {
	w, err := scanWebsite(r.db.QueryRowContext(ctx,
		`SELECT `+websiteColumns+` FROM business_websites WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Webサイトの取得に失敗しました: %w", err)
	}
	return w, nil
}

// ListByUserID はユーザーのWebサイト一覧を登録順に返す。
func (r *PostgresWebsiteRepo) ListByUserID(ctx context.Context, userID string) ([]*model.BusinessWebsite, error) {
	return r.list(ctx,
		`SELECT `+websiteColumns+` FROM business_websites
		 WHERE user_id = $1
		 ORDER BY created_at ASC`,
		userID,
	)
}

// ListDueForCrawl は再クロール時期を迎えたWebサイトを古い順に返す。
// 一度もクロールしていないサイトを優先する。
func (r *PostgresWebsiteRepo) ListDueForCrawl(ctx context.Context, now time.Time, limit int) ([]*model.BusinessWebsite, error) {
	return r.list(ctx,
		`SELECT `+websiteColumns+` FROM business_websites
		 WHERE is_active = true
		   AND (last_crawled_at IS NULL
		        OR last_crawled_at + make_interval(mins => crawl_frequency_minutes) <= $1)
		 ORDER BY last_crawled_at ASC NULLS FIRST
		 LIMIT $2`,
		now, limit,
	)
}

func (r *PostgresWebsiteRepo) list(ctx context.Context, query string, args ...any) ([]*model.BusinessWebsite, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Webサイト一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var websites []*model.BusinessWebsite
	for rows.Next() {
		w, err := scanWebsite(rows)
		if err != nil {
			return nil, fmt.Errorf("Webサイトの読み取りに失敗しました: %w", err)
		}
		websites = append(websites, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Webサイト一覧の走査に失敗しました: %w", err)
	}
	return websites, nil
}

// MarkCrawled は最終クロール日時を更新する。
func (r *PostgresWebsiteRepo) MarkCrawled(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE business_websites SET last_crawled_at = $2, updated_at = now() WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("クロール日時の更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ WebsiteRepository = (*PostgresWebsiteRepo)(nil)
