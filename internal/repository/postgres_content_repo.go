package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/postcaster/internal/model"
)

// PostgresPageRepo はPostgreSQLを使用したクロール結果ページリポジトリ。
type PostgresPageRepo struct {
	db *sql.DB
}

// NewPostgresPageRepo はPostgresPageRepoを生成する。
func NewPostgresPageRepo(db *sql.DB) *PostgresPageRepo {
	return &PostgresPageRepo{db: db}
}

// SaveAll はページを(website_id, url)単位でUPSERTする。
// 同一URLの再クロールは上書きされ、履歴は保持しない。
func (r *PostgresPageRepo) SaveAll(ctx context.Context, websiteID string, pages []model.CrawledPage) error {
	if len(pages) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO crawled_pages (id, website_id, url, title, text, markdown, crawled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (website_id, url) DO UPDATE SET
		     title = EXCLUDED.title,
		     text = EXCLUDED.text,
		     markdown = EXCLUDED.markdown,
		     crawled_at = EXCLUDED.crawled_at`,
	)
	if err != nil {
		return fmt.Errorf("ページ保存文の準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	for _, p := range pages {
		if _, err := stmt.ExecContext(ctx,
			uuid.New().String(), websiteID, p.URL, p.Title, p.Text, p.Markdown, p.CrawledAt,
		); err != nil {
			return fmt.Errorf("ページ %s の保存に失敗しました: %w", p.URL, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// PostgresContextRepo はPostgreSQLを使用したBusinessContextリポジトリ。
type PostgresContextRepo struct {
	db *sql.DB
}

// NewPostgresContextRepo はPostgresContextRepoを生成する。
func NewPostgresContextRepo(db *sql.DB) *PostgresContextRepo {
	return &PostgresContextRepo{db: db}
}

// CreateNextVersion はWebサイトの最新バージョン+1として保存する。
// 同時実行で同じバージョンを採番した場合は(website_id, version)のユニーク制約で失敗する。
func (r *PostgresContextRepo) CreateNextVersion(ctx context.Context, bc *model.BusinessContext) error {
	if bc.ID == "" {
		bc.ID = uuid.New().String()
	}
	facts := bc.Facts
	if facts == nil {
		facts = []string{}
	}
	keywords := bc.Keywords
	if keywords == nil {
		keywords = []string{}
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO business_contexts (id, user_id, website_id, version, facts, keywords,
		                                tone, summary, source_url, extracted_at)
		 SELECT $1::uuid, $2::uuid, $3::uuid, COALESCE(MAX(version), 0) + 1, $4::text[], $5::text[],
		        $6::varchar, $7::text, $8::text, $9::timestamptz
		 FROM business_contexts WHERE website_id = $3::uuid
		 RETURNING version`,
		bc.ID, bc.UserID, bc.WebsiteID, pq.Array(facts), pq.Array(keywords),
		bc.Tone, bc.Summary, bc.SourceURL, bc.ExtractedAt,
	).Scan(&bc.Version)
	if err != nil {
		return fmt.Errorf("BusinessContextの保存に失敗しました: %w", err)
	}
	return nil
}

// ListByWebsiteID はWebサイトのBusinessContextをバージョン降順で返す。
func (r *PostgresContextRepo) ListByWebsiteID(ctx context.Context, websiteID string) ([]*model.BusinessContext, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, website_id, version, facts, keywords, tone, summary, source_url, extracted_at
		 FROM business_contexts
		 WHERE website_id = $1
		 ORDER BY version DESC`,
		websiteID,
	)
	if err != nil {
		return nil, fmt.Errorf("BusinessContext一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var contexts []*model.BusinessContext
	for rows.Next() {
		bc := &model.BusinessContext{}
		if err := rows.Scan(&bc.ID, &bc.UserID, &bc.WebsiteID, &bc.Version,
			pq.Array(&bc.Facts), pq.Array(&bc.Keywords), &bc.Tone, &bc.Summary,
			&bc.SourceURL, &bc.ExtractedAt); err != nil {
			return nil, fmt.Errorf("BusinessContextの読み取りに失敗しました: %w", err)
		}
		contexts = append(contexts, bc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("BusinessContext一覧の走査に失敗しました: %w", err)
	}
	return contexts, nil
}

// compile-time interface check
var (
	_ PageRepository    = (*PostgresPageRepo)(nil)
	_ ContextRepository = (*PostgresContextRepo)(nil)
)
