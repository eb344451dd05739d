package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"social-post-scheduler/internal/api"
	"social-post-scheduler/internal/config"
	"social-post-scheduler/internal/media"
	"social-post-scheduler/internal/store"
	"social-post-scheduler/internal/token"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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

	server := api.New(cfg, st, mediaStore, provider)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
