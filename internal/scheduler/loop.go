package scheduler

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"social-post-scheduler/internal/logger"
	"social-post-scheduler/internal/models"
	"social-post-scheduler/internal/publisher"
	"social-post-scheduler/internal/telemetry"
	"social-post-scheduler/internal/token"
)

// PostStore is the slice of the repository the loop drives.
type PostStore interface {
	SelectDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduledPost, error)
	Claim(ctx context.Context, id string) (bool, error)
	MarkPublished(ctx context.Context, id, externalPostID string, attempts int) error
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
	RequeueRetry(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastError string) error
	RequeueAuthWait(ctx context.Context, id string, waitSince time.Time, lastError string) error
}

// TokenSource yields a valid access token for an owner.
type TokenSource interface {
	ValidToken(ctx context.Context, ownerID string) (string, error)
}

// Publisher attempts one publication against the provider.
type Publisher interface {
	Publish(ctx context.Context, post models.ScheduledPost, accessToken string) publisher.Result
}

// Limiter gates publish attempts per owner. Optional.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Options tune the loop.
type Options struct {
	PollInterval   time.Duration
	BatchSize      int
	Concurrency    int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	ReauthWaitMax  time.Duration
}

// Loop periodically selects due posts and drives each through
// claim -> token -> publish -> status update. Retries happen across cycles,
// never within one.
type Loop struct {
	store   PostStore
	tokens  TokenSource
	pub     Publisher
	limiter Limiter
	opts    Options
	now     func() time.Time
}

// New builds a loop. limiter may be nil to disable per-owner throttling.
func New(store PostStore, tokens TokenSource, pub Publisher, limiter Limiter, opts Options) *Loop {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Minute
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 2 * time.Hour
	}
	if opts.ReauthWaitMax <= 0 {
		opts.ReauthWaitMax = 72 * time.Hour
	}
	return &Loop{
		store:   store,
		tokens:  tokens,
		pub:     pub,
		limiter: limiter,
		opts:    opts,
		now:     time.Now,
	}
}

// Run ticks until context cancellation. The first cycle fires immediately.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		l.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle processes one batch of due posts. Posts are handled independently
// with bounded concurrency; a failure in one pipeline never aborts the rest.
func (l *Loop) RunCycle(ctx context.Context) {
	now := l.now()
	posts, err := l.store.SelectDue(ctx, now, l.opts.BatchSize)
	if err != nil {
		logger.L().WithError(err).Error("select due posts")
		return
	}
	if len(posts) == 0 {
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(l.opts.Concurrency)
	for _, post := range posts {
		post := post
		g.Go(func() error {
			l.process(ctx, post)
			return nil
		})
	}
	_ = g.Wait()
}

// process drives a single post through one publish attempt.
func (l *Loop) process(ctx context.Context, post models.ScheduledPost) {
	plog := logger.With(log.Fields{"post_id": post.ID, "owner_id": post.OwnerID, "attempts": post.AttemptCount})

	claimed, err := l.store.Claim(ctx, post.ID)
	if err != nil {
		plog.WithError(err).Error("claim post")
		return
	}
	if !claimed {
		// Another worker won the race; this one must leave the post alone.
		telemetry.ClaimLosses.Inc()
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if l.limiter != nil {
		allowed, _, err := l.limiter.Allow(ctx, "publish:"+post.OwnerID)
		if err != nil {
			// Limiter outage must not stall publication; proceed unthrottled.
			plog.WithError(err).Warn("rate limiter unavailable")
		} else if !allowed {
			telemetry.RateLimitBounces.Inc()
			// No external call was made, so the retry budget is untouched.
			if err := l.store.RequeueRetry(ctx, post.ID, post.AttemptCount, l.now().Add(l.opts.BackoffInitial), "publish rate limited"); err != nil {
				plog.WithError(err).Error("requeue rate-limited post")
			}
			return
		}
	}

	accessToken, err := l.tokens.ValidToken(ctx, post.OwnerID)
	if err != nil {
		if errors.Is(err, token.ErrUnauthenticated) {
			l.authWait(ctx, post, "account connection expired")
			return
		}
		l.retryTransient(ctx, post, plog, "obtain access token: "+err.Error())
		return
	}

	res := l.pub.Publish(ctx, post, accessToken)
	switch res.Kind {
	case publisher.KindSuccess:
		if err := l.store.MarkPublished(ctx, post.ID, res.ExternalPostID, post.AttemptCount+1); err != nil {
			plog.WithError(err).Error("mark published")
			return
		}
		telemetry.PostsPublished.Inc()
		plog.WithField("external_post_id", res.ExternalPostID).Info("post published")
	case publisher.KindRejected:
		if err := l.store.MarkFailed(ctx, post.ID, post.AttemptCount+1, res.Reason); err != nil {
			plog.WithError(err).Error("mark rejected")
			return
		}
		telemetry.PostsRejected.Inc()
		telemetry.PostsFailed.Inc()
		plog.WithField("reason", res.Reason).Warn("post rejected by provider")
	case publisher.KindUnauthenticated:
		l.authWait(ctx, post, res.Reason)
	default:
		l.retryTransient(ctx, post, plog, res.Reason)
	}
}

// retryTransient requeues with backoff, or fails the post once the retry
// budget is exhausted.
func (l *Loop) retryTransient(ctx context.Context, post models.ScheduledPost, plog *log.Entry, reason string) {
	attempts := post.AttemptCount + 1
	maxAttempts := post.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = l.opts.MaxAttempts
	}

	if attempts >= maxAttempts {
		if err := l.store.MarkFailed(ctx, post.ID, attempts, reason); err != nil {
			plog.WithError(err).Error("mark failed")
			return
		}
		telemetry.PostsFailed.Inc()
		plog.WithField("reason", reason).Warn("post failed after exhausting attempts")
		return
	}

	next := l.now().Add(backoffWithJitter(l.opts.BackoffInitial, l.opts.BackoffMax, attempts))
	if err := l.store.RequeueRetry(ctx, post.ID, attempts, next, reason); err != nil {
		plog.WithError(err).Error("requeue post")
		return
	}
	telemetry.TransientRetries.Inc()
	plog.WithField("next_attempt_at", next.UTC().Format(time.RFC3339)).Info("post requeued after transient failure")
}

// authWait parks the post behind the re-auth window without consuming the
// retry budget, failing it once the window closes.
func (l *Loop) authWait(ctx context.Context, post models.ScheduledPost, reason string) {
	plog := logger.With(log.Fields{"post_id": post.ID, "owner_id": post.OwnerID})
	now := l.now()

	if post.AuthWaitSince != nil && now.Sub(*post.AuthWaitSince) > l.opts.ReauthWaitMax {
		if err := l.store.MarkFailed(ctx, post.ID, post.AttemptCount, "authentication expired"); err != nil {
			plog.WithError(err).Error("mark auth-expired post failed")
			return
		}
		telemetry.PostsFailed.Inc()
		plog.Warn("post failed: re-auth window elapsed")
		return
	}

	if err := l.store.RequeueAuthWait(ctx, post.ID, now, reason); err != nil {
		plog.WithError(err).Error("requeue auth-wait post")
		return
	}
	telemetry.AuthWaitBounces.Inc()
	plog.Info("post waiting for account reconnection")
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
