package credential

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/postcaster/internal/model"
	"github.com/hitoshi/postcaster/internal/platform"
	"github.com/hitoshi/postcaster/internal/security"
)

// --- モック定義 ---

type mockAccountRepo struct {
	mu                  sync.Mutex
	findByIDFn          func(ctx context.Context, id string) (*model.PlatformAccount, error)
	upsertFn            func(ctx context.Context, a *model.PlatformAccount) error
	updateCredentialsFn func(ctx context.Context, id string, creds *model.Credentials) error
	deactivated         map[string]string
}

func (m *mockAccountRepo) FindByID(ctx context.Context, id string) (*model.PlatformAccount, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockAccountRepo) ListByUserID(_ context.Context, _ string) ([]*model.PlatformAccount, error) {
	return nil, nil
}

func (m *mockAccountRepo) Upsert(ctx context.Context, a *model.PlatformAccount) error {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, a)
	}
	a.ID = "acct-new"
	a.IsActive = true
	return nil
}

func (m *mockAccountRepo) UpdateCredentials(ctx context.Context, id string, creds *model.Credentials) error {
	if m.updateCredentialsFn != nil {
		return m.updateCredentialsFn(ctx, id, creds)
	}
	return nil
}

func (m *mockAccountRepo) Deactivate(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deactivated == nil {
		m.deactivated = make(map[string]string)
	}
	m.deactivated[id] = reason
	return nil
}

// memoryStateRepo はOAuthStateRepositoryのインメモリ実装。
type memoryStateRepo struct {
	mu     sync.Mutex
	states map[string]*model.OAuthState
}

func newMemoryStateRepo() *memoryStateRepo {
	return &memoryStateRepo{states: make(map[string]*model.OAuthState)}
}

func (m *memoryStateRepo) Create(_ context.Context, st *model.OAuthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.State] = st
	return nil
}

func (m *memoryStateRepo) Consume(_ context.Context, state, userID string, p model.Platform, now time.Time) (*model.OAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[state]
	if !ok || st.UserID != userID || st.Platform != p || !now.Before(st.ExpiresAt) {
		return nil, nil
	}
	delete(m.states, state)
	return st, nil
}

type mockOAuthProvider struct {
	platform   model.Platform
	exchangeFn func(ctx context.Context, code, verifier string) (*model.Credentials, *platform.Profile, error)
	refreshFn  func(ctx context.Context, creds *model.Credentials) (*model.Credentials, error)
}

func (m *mockOAuthProvider) Platform() model.Platform { return m.platform }

func (m *mockOAuthProvider) AuthCodeURL(state, verifier string) string {
	return "https://auth.example.com/authorize?state=" + url.QueryEscape(state) + "&verifier=" + url.QueryEscape(verifier)
}

func (m *mockOAuthProvider) Exchange(ctx context.Context, code, verifier string) (*model.Credentials, *platform.Profile, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, code, verifier)
	}
	return &model.Credentials{AccessToken: "at"}, &platform.Profile{ExternalID: "ext-1", Username: "acme"}, nil
}

func (m *mockOAuthProvider) Refresh(ctx context.Context, creds *model.Credentials) (*model.Credentials, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, creds)
	}
	return creds, nil
}

type mockPasswordProvider struct {
	loginFn func(ctx context.Context, identifier, password string) (*model.Credentials, *platform.Profile, error)
}

func (m *mockPasswordProvider) Platform() model.Platform { return model.PlatformBluesky }

func (m *mockPasswordProvider) Login(ctx context.Context, identifier, password string) (*model.Credentials, *platform.Profile, error) {
	return m.loginFn(ctx, identifier, password)
}

func (m *mockPasswordProvider) Refresh(_ context.Context, creds *model.Credentials) (*model.Credentials, error) {
	return creds, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestStore(accounts *mockAccountRepo, states *memoryStateRepo) *Store {
	var buf bytes.Buffer
	return NewStore(accounts, states, newTestLogger(&buf))
}

// --- BeginAuthorization / LinkAccount ---

func TestStore_BeginAuthorization_PersistsStateWithTTL(t *testing.T) {
	states := newMemoryStateRepo()
	s := newTestStore(&mockAccountRepo{}, states)
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.RegisterOAuth(&mockOAuthProvider{platform: model.PlatformTwitter})

	req, err := s.BeginAuthorization(context.Background(), "user-1", model.PlatformTwitter)
	if err != nil {
		t.Fatalf("BeginAuthorization() がエラーを返した: %v", err)
	}
	if req.State == "" || req.URL == "" {
		t.Fatalf("AuthRequest = %+v", req)
	}

	st := states.states[req.State]
	if st == nil {
		t.Fatal("stateが保存されていない")
	}
	if st.UserID != "user-1" || st.Platform != model.PlatformTwitter {
		t.Errorf("state = %+v", st)
	}
	if !st.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, want now+10m", st.ExpiresAt)
	}
	if len(st.CodeVerifier) < 43 {
		t.Errorf("CodeVerifier = %q, PKCEの最小長未満", st.CodeVerifier)
	}
}

func TestStore_BeginAuthorization_UnsupportedPlatform(t *testing.T) {
	s := newTestStore(&mockAccountRepo{}, newMemoryStateRepo())

	_, err := s.BeginAuthorization(context.Background(), "user-1", model.PlatformBluesky)
	if !errors.Is(err, ErrUnsupportedPlatform) {
		t.Errorf("error = %v, want ErrUnsupportedPlatform", err)
	}
}

func TestStore_LinkAccount_UsesStoredVerifier(t *testing.T) {
	states := newMemoryStateRepo()
	var gotVerifier string
	s := newTestStore(&mockAccountRepo{}, states)
	s.RegisterOAuth(&mockOAuthProvider{
		platform: model.PlatformTwitter,
		exchangeFn: func(_ context.Context, code, verifier string) (*model.Credentials, *platform.Profile, error) {
			gotVerifier = verifier
			return &model.Credentials{AccessToken: "at-1", RefreshToken: "rt-1"}, &platform.Profile{ExternalID: "42", Username: "acme"}, nil
		},
	})

	req, _ := s.BeginAuthorization(context.Background(), "user-1", model.PlatformTwitter)
	acct, err := s.LinkAccount(context.Background(), "user-1", model.PlatformTwitter, "code-1", req.State)
	if err != nil {
		t.Fatalf("LinkAccount() がエラーを返した: %v", err)
	}
	if gotVerifier == "" {
		t.Error("保存したverifierがExchangeに渡されていない")
	}
	if acct.ExternalID != "42" || acct.Username != "acme" || !acct.IsActive {
		t.Errorf("account = %+v", acct)
	}
	if acct.Credentials.AccessToken != "at-1" {
		t.Errorf("AccessToken = %q", acct.Credentials.AccessToken)
	}
}

func TestStore_LinkAccount_StateCannotBeReused(t *testing.T) {
	states := newMemoryStateRepo()
	s := newTestStore(&mockAccountRepo{}, states)
	s.RegisterOAuth(&mockOAuthProvider{platform: model.PlatformTwitter})

	req, _ := s.BeginAuthorization(context.Background(), "user-1", model.PlatformTwitter)
	if _, err := s.LinkAccount(context.Background(), "user-1", model.PlatformTwitter, "code", req.State); err != nil {
		t.Fatalf("1回目のLinkAccount() がエラーを返した: %v", err)
	}
	if _, err := s.LinkAccount(context.Background(), "user-1", model.PlatformTwitter, "code", req.State); !errors.Is(err, ErrInvalidState) {
		t.Errorf("2回目 error = %v, want ErrInvalidState", err)
	}
}

func TestStore_LinkAccount_RejectsInvalidStates(t *testing.T) {
	states := newMemoryStateRepo()
	s := newTestStore(&mockAccountRepo{}, states)
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.RegisterOAuth(&mockOAuthProvider{platform: model.PlatformTwitter})
	s.RegisterOAuth(&mockOAuthProvider{platform: model.PlatformLinkedIn})

	tests := []struct {
		name     string
		user     string
		platform model.Platform
		advance  time.Duration
	}{
		{"別ユーザーのstate", "user-2", model.PlatformTwitter, 0},
		{"別プラットフォームのstate", "user-1", model.PlatformLinkedIn, 0},
		{"期限切れのstate", "user-1", model.PlatformTwitter, 11 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.now = func() time.Time { return now }
			req, _ := s.BeginAuthorization(context.Background(), "user-1", model.PlatformTwitter)

			s.now = func() time.Time { return now.Add(tt.advance) }
			_, err := s.LinkAccount(context.Background(), tt.user, tt.platform, "code", req.State)
			if !errors.Is(err, ErrInvalidState) {
				t.Errorf("error = %v, want ErrInvalidState", err)
			}
		})
	}

	if _, err := s.LinkAccount(context.Background(), "user-1", model.PlatformTwitter, "code", "unknown"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("未知のstate error = %v, want ErrInvalidState", err)
	}
}

func TestStore_LinkAccount_ExchangeFailure(t *testing.T) {
	states := newMemoryStateRepo()
	s := newTestStore(&mockAccountRepo{}, states)
	s.RegisterOAuth(&mockOAuthProvider{
		platform: model.PlatformTwitter,
		exchangeFn: func(context.Context, string, string) (*model.Credentials, *platform.Profile, error) {
			return nil, nil, &platform.Error{Platform: model.PlatformTwitter, Class: model.ErrorClassCredentialUnavailable, Message: "invalid_grant"}
		},
	})

	req, _ := s.BeginAuthorization(context.Background(), "user-1", model.PlatformTwitter)
	_, err := s.LinkAccount(context.Background(), "user-1", model.PlatformTwitter, "code", req.State)
	if !errors.Is(err, ErrLinkFailed) {
		t.Errorf("error = %v, want ErrLinkFailed", err)
	}
}

func TestStore_LinkWithPassword(t *testing.T) {
	s := newTestStore(&mockAccountRepo{}, newMemoryStateRepo())
	s.RegisterPassword(&mockPasswordProvider{
		loginFn: func(_ context.Context, identifier, password string) (*model.Credentials, *platform.Profile, error) {
			if password != "app-pass" {
				return nil, nil, &platform.Error{Class: model.ErrorClassCredentialUnavailable, Message: "bad password"}
			}
			return &model.Credentials{AccessToken: "jwt"}, &platform.Profile{ExternalID: "did:plc:abc", Username: identifier}, nil
		},
	})

	acct, err := s.LinkWithPassword(context.Background(), "user-1", model.PlatformBluesky, "acme.bsky.social", "app-pass")
	if err != nil {
		t.Fatalf("LinkWithPassword() がエラーを返した: %v", err)
	}
	if acct.Platform != model.PlatformBluesky || acct.ExternalID != "did:plc:abc" {
		t.Errorf("account = %+v", acct)
	}

	if _, err := s.LinkWithPassword(context.Background(), "user-1", model.PlatformBluesky, "acme.bsky.social", "wrong"); !errors.Is(err, ErrLinkFailed) {
		t.Errorf("error = %v, want ErrLinkFailed", err)
	}
	if _, err := s.LinkWithPassword(context.Background(), "user-1", model.PlatformTwitter, "x", "y"); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Errorf("error = %v, want ErrUnsupportedPlatform", err)
	}
}

// --- GetCredentials ---

func activeAccount(expiry time.Time) *model.PlatformAccount {
	return &model.PlatformAccount{
		ID:       "acct-1",
		UserID:   "user-1",
		Platform: model.PlatformTwitter,
		IsActive: true,
		Credentials: &model.Credentials{
			AccessToken:  "old-at",
			RefreshToken: "rt",
			Expiry:       expiry,
		},
	}
}

func TestStore_GetCredentials_FreshTokenIsReturnedAsIs(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	accounts := &mockAccountRepo{
		findByIDFn: func(context.Context, string) (*model.PlatformAccount, error) {
			return activeAccount(now.Add(time.Hour)), nil
		},
	}
	s := newTestStore(accounts, newMemoryStateRepo())
	s.now = func() time.Time { return now }
	s.RegisterOAuth(&mockOAuthProvider{
		platform: model.PlatformTwitter,
		refreshFn: func(context.Context, *model.Credentials) (*model.Credentials, error) {
			t.Error("有効なトークンでRefreshが呼ばれた")
			return nil, nil
		},
	})

	creds, err := s.GetCredentials(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("GetCredentials() がエラーを返した: %v", err)
	}
	if creds.AccessToken != "old-at" {
		t.Errorf("AccessToken = %q", creds.AccessToken)
	}
}

func TestStore_GetCredentials_RefreshesNearExpiry(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	var saved *model.Credentials
	accounts := &mockAccountRepo{
		findByIDFn: func(context.Context, string) (*model.PlatformAccount, error) {
			return activeAccount(now.Add(4 * time.Minute)), nil
		},
		updateCredentialsFn: func(_ context.Context, id string, creds *model.Credentials) error {
			saved = creds
			return nil
		},
	}
	s := newTestStore(accounts, newMemoryStateRepo())
	s.now = func() time.Time { return now }
	s.RegisterOAuth(&mockOAuthProvider{
		platform: model.PlatformTwitter,
		refreshFn: func(_ context.Context, c *model.Credentials) (*model.Credentials, error) {
			return &model.Credentials{AccessToken: "new-at", RefreshToken: c.RefreshToken, Expiry: now.Add(2 * time.Hour)}, nil
		},
	})

	creds, err := s.GetCredentials(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("GetCredentials() がエラーを返した: %v", err)
	}
	if creds.AccessToken != "new-at" {
		t.Errorf("AccessToken = %q, want new-at", creds.AccessToken)
	}
	if saved == nil || saved.AccessToken != "new-at" {
		t.Error("更新した認証情報が保存されていない")
	}
}

func TestStore_GetCredentials_ConcurrentRefreshRunsOnce(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	accounts := &mockAccountRepo{
		findByIDFn: func(context.Context, string) (*model.PlatformAccount, error) {
			return activeAccount(now.Add(time.Minute)), nil
		},
	}
	var refreshCalls int32
	release := make(chan struct{})
	s := newTestStore(accounts, newMemoryStateRepo())
	s.now = func() time.Time { return now }
	s.RegisterOAuth(&mockOAuthProvider{
		platform: model.PlatformTwitter,
		refreshFn: func(context.Context, *model.Credentials) (*model.Credentials, error) {
			atomic.AddInt32(&refreshCalls, 1)
			<-release
			return &model.Credentials{AccessToken: "new-at", Expiry: now.Add(time.Hour)}, nil
		},
	})

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			creds, err := s.GetCredentials(context.Background(), "acct-1")
			if err == nil && creds.AccessToken != "new-at" {
				err = fmt.Errorf("AccessToken = %q", creds.AccessToken)
			}
			errs <- err
		}()
	}

	// 全員がsingleflightに入るまで待ってから解放する
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("GetCredentials() がエラーを返した: %v", err)
		}
	}
	if got := atomic.LoadInt32(&refreshCalls); got != 1 {
		t.Errorf("Refresh呼び出し回数 = %d, want 1", got)
	}
}

func TestStore_GetCredentials_IrrecoverableRefreshDeactivates(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	accounts := &mockAccountRepo{
		findByIDFn: func(context.Context, string) (*model.PlatformAccount, error) {
			return activeAccount(now.Add(-time.Minute)), nil
		},
	}
	s := newTestStore(accounts, newMemoryStateRepo())
	s.now = func() time.Time { return now }
	s.RegisterOAuth(&mockOAuthProvider{
		platform: model.PlatformTwitter,
		refreshFn: func(context.Context, *model.Credentials) (*model.Credentials, error) {
			return nil, &platform.Error{Platform: model.PlatformTwitter, Class: model.ErrorClassCredentialUnavailable, Message: "invalid_grant"}
		},
	})

	_, err := s.GetCredentials(context.Background(), "acct-1")
	if !errors.Is(err, ErrCredentialUnavailable) {
		t.Fatalf("error = %v, want ErrCredentialUnavailable", err)
	}
	if _, ok := accounts.deactivated["acct-1"]; !ok {
		t.Error("アカウントが無効化されていない")
	}
}

func TestStore_GetCredentials_TransientRefreshKeepsAccount(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	accounts := &mockAccountRepo{
		findByIDFn: func(context.Context, string) (*model.PlatformAccount, error) {
			return activeAccount(now.Add(time.Minute)), nil
		},
	}
	s := newTestStore(accounts, newMemoryStateRepo())
	s.now = func() time.Time { return now }
	s.RegisterOAuth(&mockOAuthProvider{
		platform: model.PlatformTwitter,
		refreshFn: func(context.Context, *model.Credentials) (*model.Credentials, error) {
			return nil, &platform.Error{Platform: model.PlatformTwitter, Class: model.ErrorClassTransient, Message: "connection reset"}
		},
	})

	_, err := s.GetCredentials(context.Background(), "acct-1")
	if err == nil || errors.Is(err, ErrCredentialUnavailable) {
		t.Fatalf("error = %v, want transient error", err)
	}
	if platform.ClassOf(err) != model.ErrorClassTransient {
		t.Errorf("ClassOf() = %q, want transient", platform.ClassOf(err))
	}
	if len(accounts.deactivated) != 0 {
		t.Error("一時的な失敗でアカウントが無効化された")
	}
}

func TestStore_GetCredentials_InactiveAccount(t *testing.T) {
	accounts := &mockAccountRepo{
		findByIDFn: func(context.Context, string) (*model.PlatformAccount, error) {
			a := activeAccount(time.Time{})
			a.IsActive = false
			return a, nil
		},
	}
	s := newTestStore(accounts, newMemoryStateRepo())

	if _, err := s.GetCredentials(context.Background(), "acct-1"); !errors.Is(err, ErrCredentialUnavailable) {
		t.Errorf("error = %v, want ErrCredentialUnavailable", err)
	}
}

func TestStore_GetCredentials_UndecryptableDeactivates(t *testing.T) {
	accounts := &mockAccountRepo{
		findByIDFn: func(context.Context, string) (*model.PlatformAccount, error) {
			return nil, fmt.Errorf("復号に失敗: %w", security.ErrCredentialDecrypt)
		},
	}
	s := newTestStore(accounts, newMemoryStateRepo())

	if _, err := s.GetCredentials(context.Background(), "acct-1"); !errors.Is(err, ErrCredentialUnavailable) {
		t.Errorf("error = %v, want ErrCredentialUnavailable", err)
	}
	if _, ok := accounts.deactivated["acct-1"]; !ok {
		t.Error("復号できないアカウントが無効化されていない")
	}
}

func TestStore_GetCredentials_NotFound(t *testing.T) {
	s := newTestStore(&mockAccountRepo{}, newMemoryStateRepo())

	if _, err := s.GetCredentials(context.Background(), "missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("error = %v, want ErrAccountNotFound", err)
	}
}

// --- RevokeAccount ---

func TestStore_RevokeAccount(t *testing.T) {
	accounts := &mockAccountRepo{
		findByIDFn: func(context.Context, string) (*model.PlatformAccount, error) {
			return activeAccount(time.Time{}), nil
		},
	}
	s := newTestStore(accounts, newMemoryStateRepo())

	if err := s.RevokeAccount(context.Background(), "user-2", "acct-1"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("他人のアカウント error = %v, want ErrAccountNotFound", err)
	}
	if len(accounts.deactivated) != 0 {
		t.Fatal("他人のアカウントが無効化された")
	}

	if err := s.RevokeAccount(context.Background(), "user-1", "acct-1"); err != nil {
		t.Fatalf("RevokeAccount() がエラーを返した: %v", err)
	}
	if accounts.deactivated["acct-1"] != "revoked by user" {
		t.Errorf("reason = %q", accounts.deactivated["acct-1"])
	}
}
