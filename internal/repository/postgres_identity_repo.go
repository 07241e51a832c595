package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/postcaster/internal/model"
)

// PostgresIdentityRepo はサインイン用IdPの紐付けを引くリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// FindUserByIdentity はIdPのsubjectに紐付くユーザーを返す。未登録ならnil。
func (r *PostgresIdentityRepo) FindUserByIdentity(ctx context.Context, provider, subject string) (*model.User, error) {
	user := &model.User{}
	err := r.db.QueryRowContext(ctx,
		`SELECT u.id, u.email, u.name, u.created_at, u.updated_at
		 FROM identities i
		 JOIN users u ON u.id = i.user_id
		 WHERE i.provider = $1 AND i.provider_user_id = $2`,
		provider, subject,
	).Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by identity: %w", err)
	}
	return user, nil
}

var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
