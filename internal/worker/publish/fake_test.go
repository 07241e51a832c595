package publish

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/postcaster/internal/model"
	"github.com/hitoshi/postcaster/internal/platform"
	"github.com/hitoshi/postcaster/internal/queue"
	"github.com/hitoshi/postcaster/internal/repository"
)

// --- テスト用の実装 ---

// memPostRepo はPostRepositoryのインメモリ実装。
// 状態遷移の条件付き更新をmutexで再現する。
type memPostRepo struct {
	mu       sync.Mutex
	posts    map[string]*model.Post
	active   map[string]bool
	attempts map[string][]*model.PublishAttempt
	seq      int

	completeErr error
}

var _ repository.PostRepository = (*memPostRepo)(nil)

func newMemPostRepo() *memPostRepo {
	return &memPostRepo{
		posts:    make(map[string]*model.Post),
		active:   make(map[string]bool),
		attempts: make(map[string][]*model.PublishAttempt),
	}
}

// addScheduled はscheduled状態の投稿を追加する。
func (r *memPostRepo) addScheduled(id, accountID string, p model.Platform, at time.Time) *model.Post {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[accountID]; !ok {
		r.active[accountID] = true
	}
	post := &model.Post{
		ID:                id,
		UserID:            "user-1",
		PlatformAccountID: accountID,
		Platform:          p,
		Body:              "本文 " + id,
		State:             model.PostStateScheduled,
		ScheduledFor:      &at,
		CreatedAt:         at.Add(-time.Hour),
	}
	r.posts[id] = post
	return post
}

func (r *memPostRepo) setActive(accountID string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[accountID] = active
}

// get は投稿のコピーを返す。
func (r *memPostRepo) get(id string) model.Post {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.posts[id]
}

func (r *memPostRepo) attemptsOf(id string) []*model.PublishAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.PublishAttempt(nil), r.attempts[id]...)
}

func (r *memPostRepo) Create(_ context.Context, post *model.Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *post
	r.posts[post.ID] = &cp
	return nil
}

func (r *memPostRepo) FindByID(_ context.Context, id string) (*model.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *memPostRepo) ListByUserID(_ context.Context, userID string, state model.PostState, limit int) ([]*model.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Post
	for _, p := range r.posts {
		if p.UserID == userID && (state == "" || p.State == state) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memPostRepo) ListAttempts(_ context.Context, postID string) ([]*model.PublishAttempt, error) {
	return r.attemptsOf(postID), nil
}

func (r *memPostRepo) UpdateDraft(context.Context, string, string, []string) (bool, error) {
	return false, nil
}

func (r *memPostRepo) Schedule(context.Context, string, time.Time) (bool, error) {
	return false, nil
}

func (r *memPostRepo) Requeue(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok || p.State != model.PostStateFailed {
		return false, nil
	}
	p.State = model.PostStateScheduled
	p.ScheduledFor = &at
	p.NextAttemptAt = nil
	return true, nil
}

func (r *memPostRepo) ListEligible(_ context.Context, now time.Time, limit int) ([]model.DispatchCandidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var eligible []*model.Post
	for _, p := range r.posts {
		switch p.State {
		case model.PostStateScheduled:
			if p.ScheduledFor != nil && !p.ScheduledFor.After(now) {
				eligible = append(eligible, p)
			}
		case model.PostStateRetryPending:
			if p.NextAttemptAt != nil && !p.NextAttemptAt.After(now) {
				eligible = append(eligible, p)
			}
		case model.PostStateDue:
			eligible = append(eligible, p)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]model.DispatchCandidate, 0, len(eligible))
	for _, p := range eligible {
		out = append(out, model.DispatchCandidate{
			PostID:            p.ID,
			PlatformAccountID: p.PlatformAccountID,
			Platform:          p.Platform,
			State:             p.State,
			AccountActive:     r.active[p.PlatformAccountID],
		})
	}
	return out, nil
}

func (r *memPostRepo) MarkDue(_ context.Context, id string, from model.PostState, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok || p.State != from || !model.CanTransition(from, model.PostStateDue) {
		return false, nil
	}
	p.State = model.PostStateDue
	p.UpdatedAt = now
	return true, nil
}

func (r *memPostRepo) FailInactive(_ context.Context, id string, from model.PostState, reason string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok || p.State != from || !model.CanTransition(from, model.PostStateFailed) {
		return false, nil
	}
	p.State = model.PostStateFailed
	p.LastError = reason
	p.LastErrorClass = model.ErrorClassCredentialUnavailable
	p.UpdatedAt = now
	return true, nil
}

func (r *memPostRepo) Claim(_ context.Context, id string, now time.Time) (*model.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok || p.State != model.PostStateDue {
		return nil, nil
	}
	p.State = model.PostStatePublishing
	p.ClaimedAt = &now
	cp := *p
	return &cp, nil
}

func (r *memPostRepo) Complete(_ context.Context, tr *model.PostTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completeErr != nil {
		return r.completeErr
	}
	p, ok := r.posts[tr.PostID]
	if !ok || p.State != model.PostStatePublishing {
		return repository.ErrTransitionConflict
	}
	if !model.CanTransition(p.State, tr.To) {
		return fmt.Errorf("invalid transition %s -> %s", p.State, tr.To)
	}
	p.State = tr.To
	p.AttemptCount += tr.AttemptIncrement
	p.NextAttemptAt = tr.NextAttemptAt
	p.LastError = tr.LastError
	p.LastErrorClass = tr.LastErrorClass
	p.ClaimedAt = nil
	if tr.To == model.PostStatePublished {
		p.ExternalPostID = tr.ExternalPostID
		p.ExternalURL = tr.ExternalURL
		p.PublishedAt = tr.PublishedAt
	}
	if tr.Attempt != nil {
		r.seq++
		a := *tr.Attempt
		a.ID = fmt.Sprintf("attempt-%d", r.seq)
		r.attempts[tr.PostID] = append(r.attempts[tr.PostID], &a)
	}
	return nil
}

func (r *memPostRepo) ListStale(_ context.Context, before time.Time, limit int) ([]*model.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Post
	for _, p := range r.posts {
		if p.State == model.PostStatePublishing && p.ClaimedAt != nil && p.ClaimedAt.Before(before) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// mockCreds はCredentialSourceのテスト用モック。
type mockCreds struct {
	mu          sync.Mutex
	getFunc     func(ctx context.Context, accountID string) (*model.Credentials, error)
	deactivated []string
}

func (m *mockCreds) GetCredentials(ctx context.Context, accountID string) (*model.Credentials, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, accountID)
	}
	return &model.Credentials{AccessToken: "token-" + accountID, TokenType: "Bearer"}, nil
}

func (m *mockCreds) Deactivate(_ context.Context, accountID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivated = append(m.deactivated, accountID)
	return nil
}

// mockAdapter はplatform.Adapterのテスト用モック。
type mockAdapter struct {
	platform    model.Platform
	publishFunc func(ctx context.Context, post *model.Post, creds *model.Credentials) (*platform.Result, error)
	calls       int
	mu          sync.Mutex
}

var _ platform.Adapter = (*mockAdapter)(nil)

func (m *mockAdapter) Platform() model.Platform { return m.platform }

func (m *mockAdapter) Publish(ctx context.Context, post *model.Post, creds *model.Credentials) (*platform.Result, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.publishFunc != nil {
		return m.publishFunc(ctx, post, creds)
	}
	return &platform.Result{ExternalID: "ext-" + post.ID, URL: "https://example.com/" + post.ID}, nil
}

func (m *mockAdapter) ClassifyError(err error) model.ErrorClass {
	return platform.ClassOf(err)
}

func (m *mockAdapter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// recordingQueue はEnqueueされた投稿IDを記録する。
type recordingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
	cap int
}

func (q *recordingQueue) Enqueue(_ context.Context, postID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if q.cap > 0 && len(q.ids) >= q.cap {
		return queue.ErrQueueFull
	}
	q.ids = append(q.ids, postID)
	return nil
}

// fixedClock はテスト用の進められる時計。
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// newTestLogger はテスト用のJSONロガーを生成する。
func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// noJitter はジッターなしのRetryPolicyを返す。
func noJitter(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   30 * time.Second,
		MaxDelay:    time.Hour,
		Jitter:      func() float64 { return 0 },
	}
}
