package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"social-post-scheduler/internal/config"
	"social-post-scheduler/internal/logger"
	"social-post-scheduler/internal/media"
	"social-post-scheduler/internal/models"
	"social-post-scheduler/internal/store"
	"social-post-scheduler/internal/telemetry"
	"social-post-scheduler/internal/token"
)

// Server wires HTTP handlers for the producer API. Authentication proper is
// an upstream concern; the owner arrives as the X-User-ID header.
type Server struct {
	cfg      config.Config
	store    *store.Store
	media    media.Store
	provider *token.Provider
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, mediaStore media.Store, provider *token.Provider) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		media:    mediaStore,
		provider: provider,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/media", s.handleUploadMedia)
	r.Post("/posts", s.handleCreatePost)
	r.Get("/posts", s.handleListPosts)
	r.Get("/posts/{id}", s.handleGetPost)
	r.Post("/posts/{id}/cancel", s.handleCancelPost)
	r.Post("/posts/{id}/publish", s.handlePublishNow)

	r.Get("/auth/tiktok/connect", s.handleConnect)
	r.Get("/auth/tiktok/callback", s.handleCallback)

	return r
}

type createPostRequest struct {
	Content       string     `json:"content"`
	MediaRef      string     `json:"media_ref"`
	ScheduledTime *time.Time `json:"scheduled_time"`
	MaxAttempts   int        `json:"max_attempts"`
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromRequest(r)
	if ownerID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Content == "" && req.MediaRef == "" {
		http.Error(w, "content or media_ref is required", http.StatusBadRequest)
		return
	}
	if req.ScheduledTime == nil {
		http.Error(w, "scheduled_time is required", http.StatusBadRequest)
		return
	}
	if req.ScheduledTime.Before(time.Now()) {
		http.Error(w, "scheduled_time must be in the future", http.StatusBadRequest)
		return
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}

	// Posting without a connected account would just park the post behind
	// the re-auth window, so reject it up front.
	if _, err := s.store.GetCredential(r.Context(), ownerID); err != nil {
		if errors.Is(err, store.ErrCredentialNotFound) {
			http.Error(w, "account not connected", http.StatusBadRequest)
			return
		}
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	post, err := s.store.CreatePost(r.Context(), store.CreatePostParams{
		OwnerID:       ownerID,
		Content:       req.Content,
		MediaRef:      req.MediaRef,
		ScheduledTime: req.ScheduledTime.UTC(),
		MaxAttempts:   req.MaxAttempts,
	})
	if err != nil {
		logger.L().WithError(err).Error("create post")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, post)
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	post, ok := s.ownedPost(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromRequest(r)
	if ownerID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}
	posts, err := s.store.ListPostsByOwner(r.Context(), ownerID, 100)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if posts == nil {
		posts = []models.ScheduledPost{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": posts})
}

func (s *Server) handleCancelPost(w http.ResponseWriter, r *http.Request) {
	post, ok := s.ownedPost(w, r)
	if !ok {
		return
	}
	if err := s.store.Cancel(r.Context(), post.ID); err != nil {
		if errors.Is(err, store.ErrNotCancellable) {
			http.Error(w, "post is not in a cancellable state", http.StatusConflict)
			return
		}
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCancelled})
}

// handlePublishNow makes a scheduled post immediately eligible. The scheduler
// loop remains the only component that talks to the provider.
func (s *Server) handlePublishNow(w http.ResponseWriter, r *http.Request) {
	post, ok := s.ownedPost(w, r)
	if !ok {
		return
	}
	if err := s.store.RequeueNow(r.Context(), post.ID, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotCancellable) {
			http.Error(w, "post is not in a publishable state", http.StatusConflict)
			return
		}
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromRequest(r)
	if ownerID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ref, err := s.media.Save(r.Context(), ownerID, header.Filename, file)
	if err != nil {
		logger.L().WithError(err).Error("save media")
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"media_ref": ref})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		http.Error(w, "state is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"authorization_url": s.provider.AuthorizationURL(state),
	})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromRequest(r)
	if ownerID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}

	tok, err := s.provider.Exchange(r.Context(), code)
	if err != nil {
		logger.L().WithError(err).Error("exchange authorization code")
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}

	cred := models.OAuthCredential{
		OwnerID:      ownerID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Status:       models.CredentialActive,
	}
	if openID, ok := tok.Extra("open_id").(string); ok {
		cred.ProviderAccountID = openID
	}
	if err := s.store.SaveCredential(r.Context(), cred); err != nil {
		logger.L().WithError(err).Error("save credential")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":              "connected",
		"provider_account_id": cred.ProviderAccountID,
	})
}

// ownedPost loads the post in the path and enforces ownership, writing the
// error response itself when the post is unavailable.
func (s *Server) ownedPost(w http.ResponseWriter, r *http.Request) (models.ScheduledPost, bool) {
	ownerID := ownerFromRequest(r)
	if ownerID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return models.ScheduledPost{}, false
	}
	id := chi.URLParam(r, "id")
	post, err := s.store.GetPost(r.Context(), id)
	if errors.Is(err, store.ErrPostNotFound) || (err == nil && post.OwnerID != ownerID) {
		http.Error(w, "post not found", http.StatusNotFound)
		return models.ScheduledPost{}, false
	}
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return models.ScheduledPost{}, false
	}
	return post, true
}

func ownerFromRequest(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
