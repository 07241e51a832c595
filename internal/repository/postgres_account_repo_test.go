package repository

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hitoshi/postcaster/internal/model"
)

// prefixSealer はテスト用の可逆な「暗号化」。
type prefixSealer struct{}

var sealPrefix = []byte("sealed:")

func (prefixSealer) Seal(plaintext []byte) ([]byte, error) {
	return append(append([]byte{}, sealPrefix...), plaintext...), nil
}

func (prefixSealer) Open(ciphertext []byte) ([]byte, error) {
	if !bytes.HasPrefix(ciphertext, sealPrefix) {
		return nil, errors.New("not sealed")
	}
	return ciphertext[len(sealPrefix):], nil
}

var accountRowColumns = []string{
	"id", "user_id", "platform", "username", "external_id", "credentials",
	"is_active", "deactivated_reason", "created_at", "updated_at",
}

func TestPostgresAccountRepo_FindByID_DecryptsCredentials(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresAccountRepo(db, prefixSealer{})
	now := time.Now()

	blob := []byte(`sealed:{"access_token":"at-1","refresh_token":"rt-1","extra":{"did":"did:plc:abc"}}`)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM platform_accounts WHERE id = $1`)).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows(accountRowColumns).
			AddRow("acct-1", "user-1", "bluesky", "alice.bsky.social", "did:plc:abc", blob, true, nil, now, now))

	acct, err := repo.FindByID(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("FindByID() がエラーを返した: %v", err)
	}
	if acct.Credentials.AccessToken != "at-1" || acct.Credentials.RefreshToken != "rt-1" {
		t.Errorf("Credentials = %+v", acct.Credentials)
	}
	if acct.Credentials.ExtraValue(model.CredentialExtraDID) != "did:plc:abc" {
		t.Errorf("did = %q, want did:plc:abc", acct.Credentials.ExtraValue(model.CredentialExtraDID))
	}
	if acct.Platform != model.PlatformBluesky {
		t.Errorf("Platform = %q, want bluesky", acct.Platform)
	}
}

func TestPostgresAccountRepo_FindByID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresAccountRepo(db, prefixSealer{})

	mock.ExpectQuery(regexp.QuoteMeta(`FROM platform_accounts WHERE id = $1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(accountRowColumns))

	acct, err := repo.FindByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("FindByID() がエラーを返した: %v", err)
	}
	if acct != nil {
		t.Errorf("FindByID() = %+v, want nil", acct)
	}
}

func TestPostgresAccountRepo_Upsert_SealsAndReactivates(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresAccountRepo(db, prefixSealer{})
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (user_id, platform) DO UPDATE SET`)).
		WithArgs(sqlmock.AnyArg(), "user-1", model.PlatformTwitter, "alice", "42",
			[]byte(`sealed:{"access_token":"at"}`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow("existing-acct", created, created))

	acct := &model.PlatformAccount{
		UserID:            "user-1",
		Platform:          model.PlatformTwitter,
		Username:          "alice",
		ExternalID:        "42",
		Credentials:       &model.Credentials{AccessToken: "at"},
		DeactivatedReason: "token revoked",
	}
	if err := repo.Upsert(context.Background(), acct); err != nil {
		t.Fatalf("Upsert() がエラーを返した: %v", err)
	}
	if acct.ID != "existing-acct" {
		t.Errorf("ID = %q, want existing-acct（既存レコードを再利用）", acct.ID)
	}
	if !acct.IsActive || acct.DeactivatedReason != "" {
		t.Errorf("再連携後は有効化されるべき: IsActive=%v reason=%q", acct.IsActive, acct.DeactivatedReason)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestPostgresAccountRepo_Deactivate_KeepsRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresAccountRepo(db, prefixSealer{})

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE platform_accounts SET is_active = false`)).
		WithArgs("acct-1", "revoked by user").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Deactivate(context.Background(), "acct-1", "revoked by user"); err != nil {
		t.Fatalf("Deactivate() がエラーを返した: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestPostgresOAuthStateRepo_Consume_ExpiredOrMismatchedReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresOAuthStateRepo(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`DELETE FROM oauth_states`)).
		WithArgs("state-1", "user-2", model.PlatformLinkedIn, now).
		WillReturnRows(sqlmock.NewRows([]string{"state", "user_id", "platform", "code_verifier", "expires_at", "created_at"}))

	st, err := repo.Consume(context.Background(), "state-1", "user-2", model.PlatformLinkedIn, now)
	if err != nil {
		t.Fatalf("Consume() がエラーを返した: %v", err)
	}
	if st != nil {
		t.Errorf("Consume() = %+v, want nil", st)
	}
}

func TestPostgresOAuthStateRepo_Consume_ReturnsVerifier(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresOAuthStateRepo(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`RETURNING state, user_id, platform, code_verifier`)).
		WithArgs("state-1", "user-1", model.PlatformTwitter, now).
		WillReturnRows(sqlmock.NewRows([]string{"state", "user_id", "platform", "code_verifier", "expires_at", "created_at"}).
			AddRow("state-1", "user-1", "twitter", "verifier-xyz", now.Add(5*time.Minute), now.Add(-5*time.Minute)))

	st, err := repo.Consume(context.Background(), "state-1", "user-1", model.PlatformTwitter, now)
	if err != nil {
		t.Fatalf("Consume() がエラーを返した: %v", err)
	}
	if st == nil || st.CodeVerifier != "verifier-xyz" {
		t.Errorf("Consume() = %+v, want verifier-xyz", st)
	}
}
