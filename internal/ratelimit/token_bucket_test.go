package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucketPerOwner(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 0.1, time.Hour)

	allowed, _, err := bucket.Allow(ctx, "publish:owner-1")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "publish:owner-1")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "publish:owner-1")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// A different owner has an independent bucket.
	allowed, _, _ = bucket.Allow(ctx, "publish:owner-2")
	if !allowed {
		t.Fatalf("expected fresh owner to be allowed")
	}
}
