package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"social-post-scheduler/internal/models"
	"social-post-scheduler/internal/publisher"
	"social-post-scheduler/internal/token"
)

type fakeStore struct {
	mu    sync.Mutex
	posts map[string]*models.ScheduledPost
}

func newFakeStore(posts ...models.ScheduledPost) *fakeStore {
	s := &fakeStore{posts: make(map[string]*models.ScheduledPost)}
	for i := range posts {
		p := posts[i]
		s.posts[p.ID] = &p
	}
	return s
}

func (s *fakeStore) get(id string) models.ScheduledPost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.posts[id]
}

func (s *fakeStore) SelectDue(_ context.Context, now time.Time, limit int) ([]models.ScheduledPost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.ScheduledPost
	for _, p := range s.posts {
		if p.Status == models.StatusScheduled && !p.NextAttemptAt.After(now) {
			due = append(due, *p)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledTime.Before(due[j].ScheduledTime) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *fakeStore) Claim(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok || p.Status != models.StatusScheduled {
		return false, nil
	}
	p.Status = models.StatusPublishing
	return true, nil
}

func (s *fakeStore) MarkPublished(_ context.Context, id, externalPostID string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.posts[id]
	p.Status = models.StatusPublished
	p.ExternalPostID = &externalPostID
	p.AttemptCount = attempts
	p.LastError = nil
	p.AuthWaitSince = nil
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id string, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.posts[id]
	p.Status = models.StatusFailed
	p.AttemptCount = attempts
	p.LastError = &lastError
	return nil
}

func (s *fakeStore) RequeueRetry(_ context.Context, id string, attempts int, nextAttempt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.posts[id]
	p.Status = models.StatusScheduled
	p.AttemptCount = attempts
	p.NextAttemptAt = nextAttempt
	p.LastError = &lastError
	p.AuthWaitSince = nil
	return nil
}

func (s *fakeStore) RequeueAuthWait(_ context.Context, id string, waitSince time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.posts[id]
	p.Status = models.StatusScheduled
	if p.AuthWaitSince == nil {
		p.AuthWaitSince = &waitSince
	}
	p.LastError = &lastError
	return nil
}

type fakeTokens struct {
	tok   string
	err   error
	calls int32
}

func (f *fakeTokens) ValidToken(context.Context, string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.tok, f.err
}

type fakePublisher struct {
	res   publisher.Result
	calls int32
}

func (f *fakePublisher) Publish(context.Context, models.ScheduledPost, string) publisher.Result {
	atomic.AddInt32(&f.calls, 1)
	return f.res
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, float64, error) { return false, 0, nil }

func duePost(id string, attempts, maxAttempts int) models.ScheduledPost {
	past := time.Now().Add(-time.Minute)
	return models.ScheduledPost{
		ID:            id,
		OwnerID:       "owner-1",
		Content:       "hello world",
		MediaRef:      "owner-1_x_clip.mp4",
		ScheduledTime: past,
		NextAttemptAt: past,
		Status:        models.StatusScheduled,
		AttemptCount:  attempts,
		MaxAttempts:   maxAttempts,
	}
}

func newTestLoop(st *fakeStore, tokens TokenSource, pub Publisher) *Loop {
	return New(st, tokens, pub, nil, Options{
		BatchSize:      10,
		Concurrency:    4,
		MaxAttempts:    3,
		BackoffInitial: time.Minute,
		BackoffMax:     time.Hour,
		ReauthWaitMax:  time.Hour,
	})
}

func TestSuccessPublishesPost(t *testing.T) {
	st := newFakeStore(duePost("p1", 0, 3))
	pub := &fakePublisher{res: publisher.Result{Kind: publisher.KindSuccess, ExternalPostID: "ext123"}}
	loop := newTestLoop(st, &fakeTokens{tok: "tok"}, pub)

	loop.RunCycle(context.Background())

	got := st.get("p1")
	if got.Status != models.StatusPublished {
		t.Fatalf("expected published, got %s", got.Status)
	}
	if got.ExternalPostID == nil || *got.ExternalPostID != "ext123" {
		t.Fatalf("expected external post id ext123, got %v", got.ExternalPostID)
	}
	if got.LastError != nil {
		t.Fatalf("expected last_error cleared, got %q", *got.LastError)
	}
}

func TestConcurrentWorkersClaimOnce(t *testing.T) {
	st := newFakeStore(duePost("p1", 0, 3))
	pub := &fakePublisher{res: publisher.Result{Kind: publisher.KindSuccess, ExternalPostID: "ext123"}}

	const workers = 4
	loops := make([]*Loop, workers)
	for i := range loops {
		loops[i] = newTestLoop(st, &fakeTokens{tok: "tok"}, pub)
	}

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			l.RunCycle(context.Background())
		}(l)
	}
	wg.Wait()

	if n := atomic.LoadInt32(&pub.calls); n != 1 {
		t.Fatalf("expected exactly one publish call across %d workers, got %d", workers, n)
	}
	if got := st.get("p1"); got.Status != models.StatusPublished {
		t.Fatalf("expected published, got %s", got.Status)
	}
}

func TestTransientRequeuesWithBackoff(t *testing.T) {
	st := newFakeStore(duePost("p1", 0, 3))
	pub := &fakePublisher{res: publisher.Result{Kind: publisher.KindTransient, Reason: "status 503"}}
	loop := newTestLoop(st, &fakeTokens{tok: "tok"}, pub)

	before := time.Now()
	loop.RunCycle(context.Background())

	got := st.get("p1")
	if got.Status != models.StatusScheduled {
		t.Fatalf("expected scheduled, got %s", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected attempt_count 1, got %d", got.AttemptCount)
	}
	if !got.NextAttemptAt.After(before) {
		t.Fatalf("expected next attempt after now, got %s", got.NextAttemptAt)
	}
	if got.LastError == nil || *got.LastError != "status 503" {
		t.Fatalf("expected last_error recorded, got %v", got.LastError)
	}
}

func TestTransientOnFinalAttemptFails(t *testing.T) {
	st := newFakeStore(duePost("p1", 2, 3))
	pub := &fakePublisher{res: publisher.Result{Kind: publisher.KindTransient, Reason: "timeout"}}
	loop := newTestLoop(st, &fakeTokens{tok: "tok"}, pub)

	loop.RunCycle(context.Background())

	got := st.get("p1")
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Fatalf("expected attempt_count 3, got %d", got.AttemptCount)
	}
	if got.LastError == nil || *got.LastError != "timeout" {
		t.Fatalf("expected last_error timeout, got %v", got.LastError)
	}
}

func TestRejectedFailsImmediately(t *testing.T) {
	st := newFakeStore(duePost("p1", 0, 5))
	pub := &fakePublisher{res: publisher.Result{Kind: publisher.KindRejected, Reason: "policy_violation"}}
	loop := newTestLoop(st, &fakeTokens{tok: "tok"}, pub)

	loop.RunCycle(context.Background())

	got := st.get("p1")
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed regardless of remaining attempts, got %s", got.Status)
	}
	if got.LastError == nil || *got.LastError != "policy_violation" {
		t.Fatalf("expected policy_violation, got %v", got.LastError)
	}
}

func TestUnauthenticatedRequeuesWithoutBurningAttempts(t *testing.T) {
	st := newFakeStore(duePost("p1", 1, 5))
	pub := &fakePublisher{}
	tokens := &fakeTokens{err: fmt.Errorf("no credential: %w", token.ErrUnauthenticated)}
	loop := newTestLoop(st, tokens, pub)

	loop.RunCycle(context.Background())
	first := st.get("p1")
	if first.Status != models.StatusScheduled {
		t.Fatalf("expected scheduled, got %s", first.Status)
	}
	if first.AttemptCount != 1 {
		t.Fatalf("expected attempt_count unchanged at 1, got %d", first.AttemptCount)
	}
	if first.AuthWaitSince == nil {
		t.Fatalf("expected auth_wait_since to be stamped")
	}

	// Second cycle without reconnection: same outcome, no attempt growth.
	loop.RunCycle(context.Background())
	second := st.get("p1")
	if second.AttemptCount != 1 || second.Status != models.StatusScheduled {
		t.Fatalf("expected unchanged post, got status=%s attempts=%d", second.Status, second.AttemptCount)
	}
	if !second.AuthWaitSince.Equal(*first.AuthWaitSince) {
		t.Fatalf("expected auth_wait_since to keep its first stamp")
	}
	if atomic.LoadInt32(&pub.calls) != 0 {
		t.Fatalf("expected no publish calls without a token")
	}
}

func TestAuthWaitWindowElapsedFailsPost(t *testing.T) {
	post := duePost("p1", 1, 5)
	since := time.Now().Add(-2 * time.Hour)
	post.AuthWaitSince = &since
	st := newFakeStore(post)
	tokens := &fakeTokens{err: fmt.Errorf("revoked: %w", token.ErrUnauthenticated)}
	loop := newTestLoop(st, tokens, &fakePublisher{}) // ReauthWaitMax is one hour

	loop.RunCycle(context.Background())

	got := st.get("p1")
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.LastError == nil || *got.LastError != "authentication expired" {
		t.Fatalf("expected authentication expired, got %v", got.LastError)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected attempt_count untouched, got %d", got.AttemptCount)
	}
}

func TestTokenTransientFailureConsumesAttempt(t *testing.T) {
	st := newFakeStore(duePost("p1", 0, 3))
	tokens := &fakeTokens{err: errors.New("refresh token endpoint: connection refused")}
	pub := &fakePublisher{}
	loop := newTestLoop(st, tokens, pub)

	loop.RunCycle(context.Background())

	got := st.get("p1")
	if got.Status != models.StatusScheduled {
		t.Fatalf("expected scheduled, got %s", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected attempt_count 1, got %d", got.AttemptCount)
	}
	if atomic.LoadInt32(&pub.calls) != 0 {
		t.Fatalf("expected no publish call")
	}
}

func TestRateLimitedRequeuesWithoutAttempt(t *testing.T) {
	st := newFakeStore(duePost("p1", 2, 5))
	pub := &fakePublisher{res: publisher.Result{Kind: publisher.KindSuccess}}
	loop := New(st, &fakeTokens{tok: "tok"}, pub, denyLimiter{}, Options{
		BatchSize:      10,
		MaxAttempts:    5,
		BackoffInitial: time.Minute,
		BackoffMax:     time.Hour,
	})

	loop.RunCycle(context.Background())

	got := st.get("p1")
	if got.Status != models.StatusScheduled {
		t.Fatalf("expected scheduled, got %s", got.Status)
	}
	if got.AttemptCount != 2 {
		t.Fatalf("expected attempt_count unchanged at 2, got %d", got.AttemptCount)
	}
	if atomic.LoadInt32(&pub.calls) != 0 {
		t.Fatalf("expected no publish call while rate limited")
	}
}

func TestOnePostFailureDoesNotBlockOthers(t *testing.T) {
	bad := duePost("bad", 0, 3)
	bad.ScheduledTime = time.Now().Add(-2 * time.Minute)
	bad.NextAttemptAt = bad.ScheduledTime
	good := duePost("good", 0, 3)
	st := newFakeStore(bad, good)

	pub := &perPostPublisher{results: map[string]publisher.Result{
		"bad":  {Kind: publisher.KindRejected, Reason: "policy_violation"},
		"good": {Kind: publisher.KindSuccess, ExternalPostID: "ext9"},
	}}
	loop := newTestLoop(st, &fakeTokens{tok: "tok"}, pub)

	loop.RunCycle(context.Background())

	if got := st.get("bad"); got.Status != models.StatusFailed {
		t.Fatalf("expected bad post failed, got %s", got.Status)
	}
	if got := st.get("good"); got.Status != models.StatusPublished {
		t.Fatalf("expected good post published, got %s", got.Status)
	}
}

type perPostPublisher struct {
	mu      sync.Mutex
	results map[string]publisher.Result
}

func (p *perPostPublisher) Publish(_ context.Context, post models.ScheduledPost, _ string) publisher.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results[post.ID]
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	for attempt := 1; attempt < 20; attempt++ {
		if b := backoffWithJitter(base, max, attempt); b <= 0 || b > max {
			t.Fatalf("attempt %d produced backoff %s", attempt, b)
		}
	}
}
