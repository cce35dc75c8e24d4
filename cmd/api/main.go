package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"quarry/api/internal/app"
	"quarry/api/internal/auth"
	"quarry/api/internal/blob"
	"quarry/api/internal/config"
	"quarry/api/internal/docrepo"
	"quarry/api/internal/resolve"
	"quarry/api/internal/search"
	"quarry/api/internal/session"
	"quarry/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.DocsDir, 0o755); err != nil {
		log.Fatalf("failed to create docs dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	revisions := docrepo.New(cfg.DocsDir)

	var redisStore *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Printf("WARNING: redis unavailable, falling back to PostgreSQL sessions: %v", err)
			redisStore = nil
		}
	}

	var sessions auth.SessionStore = dataStore
	resolver := resolve.New(dataStore, nil)
	if redisStore != nil {
		log.Printf("Using Redis for refresh token storage")
		defer redisStore.Close()
		sessions = redisStore
		resolver = resolve.New(dataStore, redisStore.Client())
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
	}

	authService := auth.NewService(dataStore, sessions, cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL)

	var blobs *blob.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobs, err = blob.New(blob.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		if err := blobs.EnsureBucket(ctx); err != nil {
			log.Fatalf("minio bucket setup failed: %v", err)
		}
	}

	var service *app.Service
	if blobs != nil {
		service = app.NewService(cfg, dataStore, nil, resolver, revisions, blobs, authService)
	} else {
		service = app.NewService(cfg, dataStore, nil, resolver, revisions, nil, authService)
	}

	pgSearch := search.NewPgSearch(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgSearch, service)
	service.SetSearch(searchService)
	go searchService.ReindexAllFromPG(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Quarry API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	// Flush any debounced autosaves before exiting.
	service.Shutdown()
}
