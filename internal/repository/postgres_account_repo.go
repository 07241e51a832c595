package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/postcaster/internal/model"
)

// CredentialSealer は認証情報の暗号化・復号を行う。
type CredentialSealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// PostgresAccountRepo はPostgreSQLを使用した連携アカウントリポジトリ。
// credentialsカラムにはCredentialSealerで暗号化したJSONを保存する。
type PostgresAccountRepo struct {
	db     *sql.DB
	sealer CredentialSealer
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB, sealer CredentialSealer) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db, sealer: sealer}
}

const accountColumns = `id, user_id, platform, username, external_id, credentials,
		is_active, deactivated_reason, created_at, updated_at`

func (r *PostgresAccountRepo) scanAccount(row rowScanner) (*model.PlatformAccount, error) {
	a := &model.PlatformAccount{}
	var sealed []byte
	var reason sql.NullString

	if err := row.Scan(&a.ID, &a.UserID, &a.Platform, &a.Username, &a.ExternalID, &sealed,
		&a.IsActive, &reason, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.DeactivatedReason = nullStringValue(reason)

	creds, err := r.openCredentials(sealed)
	if err != nil {
		return nil, fmt.Errorf("アカウント %s の認証情報の復号に失敗しました: %w", a.ID, err)
	}
	a.Credentials = creds
	return a, nil
}

func (r *PostgresAccountRepo) sealCredentials(creds *model.Credentials) ([]byte, error) {
	if creds == nil {
		creds = &model.Credentials{}
	}
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("認証情報のシリアライズに失敗しました: %w", err)
	}
	sealed, err := r.sealer.Seal(plain)
	if err != nil {
		return nil, fmt.Errorf("認証情報の暗号化に失敗しました: %w", err)
	}
	return sealed, nil
}

func (r *PostgresAccountRepo) openCredentials(sealed []byte) (*model.Credentials, error) {
	plain, err := r.sealer.Open(sealed)
	if err != nil {
		return nil, err
	}
	creds := &model.Credentials{}
	if err := json.Unmarshal(plain, creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.PlatformAccount, error) {
	a, err := r.scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM platform_accounts WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	return a, nil
}

// ListByUserID はユーザーの連携アカウント一覧を返す。
func (r *PostgresAccountRepo) ListByUserID(ctx context.Context, userID string) ([]*model.PlatformAccount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM platform_accounts
		 WHERE user_id = $1
		 ORDER BY platform ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("アカウント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var accounts []*model.PlatformAccount
	for rows.Next() {
		a, err := r.scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("アカウントの読み取りに失敗しました: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アカウント一覧の走査に失敗しました: %w", err)
	}
	return accounts, nil
}

// Upsert は(user_id, platform)単位でアカウントを作成または更新し、有効化する。
// 再連携時は既存レコードを再利用するため、投稿の参照先IDは変わらない。
func (r *PostgresAccountRepo) Upsert(ctx context.Context, account *model.PlatformAccount) error {
	sealed, err := r.sealCredentials(account.Credentials)
	if err != nil {
		return err
	}
	if account.ID == "" {
		account.ID = uuid.New().String()
	}

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO platform_accounts (id, user_id, platform, username, external_id, credentials,
		                                is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, true, now(), now())
		 ON CONFLICT (user_id, platform) DO UPDATE SET
		     username = EXCLUDED.username,
		     external_id = EXCLUDED.external_id,
		     credentials = EXCLUDED.credentials,
		     is_active = true,
		     deactivated_reason = NULL,
		     updated_at = now()
		 RETURNING id, created_at, updated_at`,
		account.ID, account.UserID, account.Platform, account.Username, account.ExternalID, sealed,
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("アカウントの保存に失敗しました: %w", err)
	}

	account.IsActive = true
	account.DeactivatedReason = ""
	return nil
}

// UpdateCredentials はトークン更新後の認証情報を保存する。
func (r *PostgresAccountRepo) UpdateCredentials(ctx context.Context, id string, creds *model.Credentials) error {
	sealed, err := r.sealCredentials(creds)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE platform_accounts SET credentials = $2, updated_at = now() WHERE id = $1`,
		id, sealed,
	)
	if err != nil {
		return fmt.Errorf("認証情報の更新に失敗しました: %w", err)
	}
	return nil
}

// Deactivate はアカウントを無効化する。
func (r *PostgresAccountRepo) Deactivate(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE platform_accounts SET is_active = false, deactivated_reason = $2, updated_at = now()
		 WHERE id = $1`,
		id, nullString(reason),
	)
	if err != nil {
		return fmt.Errorf("アカウントの無効化に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
