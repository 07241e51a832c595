package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/postcaster/internal/model"
)

// PostgresOAuthStateRepo はPostgreSQLを使用した認可stateリポジトリ。
type PostgresOAuthStateRepo struct {
	db *sql.DB
}

// NewPostgresOAuthStateRepo はPostgresOAuthStateRepoを生成する。
func NewPostgresOAuthStateRepo(db *sql.DB) *PostgresOAuthStateRepo {
	return &PostgresOAuthStateRepo{db: db}
}

// Create はstateを保存する。
func (r *PostgresOAuthStateRepo) Create(ctx context.Context, st *model.OAuthState) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO oauth_states (state, user_id, platform, code_verifier, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		st.State, st.UserID, st.Platform, st.CodeVerifier, st.ExpiresAt, st.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("認可stateの保存に失敗しました: %w", err)
	}
	return nil
}

// Consume はstateを削除して返す。DELETE ... RETURNINGで消費するため、
// 同じstateで2回コールバックされても成功するのは1回だけ。
func (r *PostgresOAuthStateRepo) Consume(ctx context.Context, state, userID string, platform model.Platform, now time.Time) (*model.OAuthState, error) {
	st := &model.OAuthState{}
	err := r.db.QueryRowContext(ctx,
		`DELETE FROM oauth_states
		 WHERE state = $1 AND user_id = $2 AND platform = $3 AND expires_at > $4
		 RETURNING state, user_id, platform, code_verifier, expires_at, created_at`,
		state, userID, platform, now,
	).Scan(&st.State, &st.UserID, &st.Platform, &st.CodeVerifier, &st.ExpiresAt, &st.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("認可stateの消費に失敗しました: %w", err)
	}
	return st, nil
}

// compile-time interface check
var _ OAuthStateRepository = (*PostgresOAuthStateRepo)(nil)
