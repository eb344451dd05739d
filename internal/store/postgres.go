package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"social-post-scheduler/internal/models"
)

// ErrPostNotFound is returned when a post id does not exist.
var ErrPostNotFound = errors.New("post not found")

// ErrNotCancellable is returned when cancellation is requested for a post
// that already left the scheduled state.
var ErrNotCancellable = errors.New("post is not in a cancellable state")

// Store wraps pgxpool for Postgres persistence of posts and credentials.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreatePostParams collects inputs required to insert a post.
type CreatePostParams struct {
	OwnerID       string
	Content       string
	MediaRef      string
	ScheduledTime time.Time
	MaxAttempts   int
}

// CreatePost inserts a post row in the scheduled state. next_attempt_at
// starts at the scheduled time so the due query can order on a single column.
func (s *Store) CreatePost(ctx context.Context, p CreatePostParams) (models.ScheduledPost, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO posts (id, owner_id, content, media_ref, scheduled_time, status, attempt_count, max_attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $5, $8, $8)
	`, id, p.OwnerID, p.Content, p.MediaRef, p.ScheduledTime, models.StatusScheduled, p.MaxAttempts, now)
	if err != nil {
		return models.ScheduledPost{}, fmt.Errorf("insert post: %w", err)
	}

	return models.ScheduledPost{
		ID:            id,
		OwnerID:       p.OwnerID,
		Content:       p.Content,
		MediaRef:      p.MediaRef,
		ScheduledTime: p.ScheduledTime,
		Status:        models.StatusScheduled,
		MaxAttempts:   p.MaxAttempts,
		NextAttemptAt: p.ScheduledTime,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

const postColumns = `id, owner_id, content, media_ref, scheduled_time, status, attempt_count, max_attempts, next_attempt_at, last_error, external_post_id, auth_wait_since, created_at, updated_at`

// GetPost fetches a post by id.
func (s *Store) GetPost(ctx context.Context, id string) (models.ScheduledPost, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id)
	post, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScheduledPost{}, ErrPostNotFound
	}
	if err != nil {
		return models.ScheduledPost{}, fmt.Errorf("scan post: %w", err)
	}
	return post, nil
}

// ListPostsByOwner returns an owner's posts, newest first.
func (s *Store) ListPostsByOwner(ctx context.Context, ownerID string, limit int) ([]models.ScheduledPost, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+` FROM posts
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	var posts []models.ScheduledPost
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// SelectDue returns publishable posts whose eligible time has elapsed,
// earliest scheduled first, bounded by limit. next_attempt_at starts at the
// scheduled time and only moves (backoff pushes it out, publish-now pulls it
// in), so it alone decides eligibility.
func (s *Store) SelectDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduledPost, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postColumns+` FROM posts
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY scheduled_time ASC
		LIMIT $3
	`, models.StatusScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due posts: %w", err)
	}
	defer rows.Close()

	var posts []models.ScheduledPost
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due post: %w", err)
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// Claim attempts the scheduled -> publishing transition. The update is
// conditioned on the current status, so of N concurrent workers exactly one
// sees true; the rest must leave the post alone.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusPublishing, models.StatusScheduled)
	if err != nil {
		return false, fmt.Errorf("claim post: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPublished finalizes a successful publish.
func (s *Store) MarkPublished(ctx context.Context, id, externalPostID string, attempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE posts
		SET status = $2, external_post_id = $3, attempt_count = $4, last_error = NULL, auth_wait_since = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusPublished, externalPostID, attempts)
	return err
}

// MarkFailed moves a post to its terminal failed state.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE posts
		SET status = $2, attempt_count = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, attempts, lastError)
	return err
}

// RequeueRetry returns a post to scheduled with updated retry metadata and a
// pushed-forward eligible time.
func (s *Store) RequeueRetry(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE posts
		SET status = $2, attempt_count = $3, next_attempt_at = $4, last_error = $5, auth_wait_since = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusScheduled, attempts, nextAttempt, lastError)
	return err
}

// RequeueAuthWait returns a post to scheduled untouched except for the
// auth-wait stamp. Attempts are deliberately not incremented: no publish
// attempt happened.
func (s *Store) RequeueAuthWait(ctx context.Context, id string, waitSince time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE posts
		SET status = $2, auth_wait_since = COALESCE(auth_wait_since, $3), last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusScheduled, waitSince, lastError)
	return err
}

// Cancel withdraws a post. Only scheduled posts may be cancelled; anything
// already claimed or terminal reports ErrNotCancellable.
func (s *Store) Cancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusCancelled, models.StatusScheduled)
	if err != nil {
		return fmt.Errorf("cancel post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetPost(ctx, id); err != nil {
			return err
		}
		return ErrNotCancellable
	}
	return nil
}

// RequeueNow pulls a scheduled post's eligible time to now, for the manual
// publish-now endpoint. scheduled_time stays untouched; the loop still
// performs the actual publish.
func (s *Store) RequeueNow(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posts SET next_attempt_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, now, models.StatusScheduled)
	if err != nil {
		return fmt.Errorf("requeue post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetPost(ctx, id); err != nil {
			return err
		}
		return ErrNotCancellable
	}
	return nil
}

func scanPost(row pgx.Row) (models.ScheduledPost, error) {
	var post models.ScheduledPost
	var lastErr, externalID pgtype.Text
	var authWait pgtype.Timestamptz

	if err := row.Scan(
		&post.ID, &post.OwnerID, &post.Content, &post.MediaRef, &post.ScheduledTime,
		&post.Status, &post.AttemptCount, &post.MaxAttempts, &post.NextAttemptAt,
		&lastErr, &externalID, &authWait, &post.CreatedAt, &post.UpdatedAt,
	); err != nil {
		return models.ScheduledPost{}, err
	}

	post.LastError = textPtr(lastErr)
	post.ExternalPostID = textPtr(externalID)
	if authWait.Valid {
		t := authWait.Time
		post.AuthWaitSince = &t
	}
	return post, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
