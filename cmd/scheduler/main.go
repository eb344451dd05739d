package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"social-post-scheduler/internal/config"
	"social-post-scheduler/internal/media"
	"social-post-scheduler/internal/publisher"
	"social-post-scheduler/internal/ratelimit"
	"social-post-scheduler/internal/scheduler"
	"social-post-scheduler/internal/store"
	"social-post-scheduler/internal/telemetry"
	"social-post-scheduler/internal/token"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	mediaStore, err := media.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init media store: %v", err)
	}

	provider := token.NewProvider(token.ProviderConfig{
		ClientKey:    cfg.TikTokClientKey,
		ClientSecret: cfg.TikTokClientSecret,
		BaseURL:      cfg.TikTokBaseURL,
		AuthURL:      cfg.TikTokAuthURL,
		RedirectURL:  cfg.TikTokRedirectURL,
		Timeout:      cfg.RefreshTimeout,
	})
	tokens := token.NewManager(st, provider, cfg.TokenSkew)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, 24*time.Hour)

	pub := publisher.New(cfg.TikTokBaseURL, cfg.PublishTimeout, mediaStore)

	loop := scheduler.New(st, tokens, pub, limiter, scheduler.Options{
		PollInterval:   cfg.PollInterval,
		BatchSize:      cfg.BatchSize,
		Concurrency:    cfg.Concurrency,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		ReauthWaitMax:  cfg.ReauthWaitMax,
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("scheduler started with poll=%s batch=%d max_attempts=%d", cfg.PollInterval, cfg.BatchSize, cfg.MaxAttempts)
	if err := loop.Run(ctx); err != nil {
		log.Printf("scheduler stopped: %v", err)
	}
}
