package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hitoshi/postcaster/internal/model"
)

func TestPostgresUserRepo_CreateWithIdentity_SingleTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresUserRepo(db)
	now := time.Now()

	user := &model.User{ID: "user-1", Email: "test@example.com", Name: "Test User", CreatedAt: now, UpdatedAt: now}
	identity := &model.Identity{ID: "identity-1", UserID: "user-1", Provider: "google", ProviderUserID: "google-123", CreatedAt: now}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users`)).
		WithArgs("user-1", "test@example.com", "Test User", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO identities`)).
		WithArgs("identity-1", "user-1", "google", "google-123", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.CreateWithIdentity(context.Background(), user, identity); err != nil {
		t.Fatalf("CreateWithIdentity() がエラーを返した: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestPostgresSessionRepo_FindByID_ExpiredReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE id = $1 AND expires_at > now()`)).
		WithArgs("expired-session").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "expires_at", "created_at"}))

	session, err := repo.FindByID(context.Background(), "expired-session")
	if err != nil {
		t.Fatalf("FindByID() がエラーを返した: %v", err)
	}
	if session != nil {
		t.Errorf("期限切れセッションが返された: %+v", session)
	}
}

func TestPostgresIdentityRepo_FindUserByIdentity(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresIdentityRepo(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`JOIN users u ON u.id = i.user_id`)).
		WithArgs("google", "google-123").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "created_at", "updated_at"}).
			AddRow("user-1", "test@example.com", "Test User", now, now))

	user, err := repo.FindUserByIdentity(context.Background(), "google", "google-123")
	if err != nil {
		t.Fatalf("FindUserByIdentity() がエラーを返した: %v", err)
	}
	if user == nil || user.ID != "user-1" || user.Email != "test@example.com" {
		t.Errorf("user = %+v, want user-1", user)
	}
}

func TestPostgresIdentityRepo_FindUserByIdentity_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresIdentityRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM identities`)).
		WithArgs("google", "unknown").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "created_at", "updated_at"}))

	user, err := repo.FindUserByIdentity(context.Background(), "google", "unknown")
	if err != nil {
		t.Fatalf("FindUserByIdentity() がエラーを返した: %v", err)
	}
	if user != nil {
		t.Errorf("未登録のidentityでユーザーが返された: %+v", user)
	}
}

func TestPostgresUserRepo_UpdateProfile(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresUserRepo(db)
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET email = $2, name = $3, updated_at = $4 WHERE id = $1`)).
		WithArgs("user-1", "new@example.com", "New Name", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateProfile(context.Background(), "user-1", "new@example.com", "New Name", now); err != nil {
		t.Fatalf("UpdateProfile() がエラーを返した: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestPostgresSessionRepo_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresSessionRepo(db)
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO sessions (id, user_id, expires_at, created_at)`)).
		WithArgs("sess-1", "user-1", now.Add(time.Hour), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	session := &model.Session{ID: "sess-1", UserID: "user-1", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	if err := repo.Create(context.Background(), session); err != nil {
		t.Fatalf("Create() がエラーを返した: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}
