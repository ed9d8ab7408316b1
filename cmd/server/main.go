package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voicetutor-backend/internal/config"
	"voicetutor-backend/internal/database"
	"voicetutor-backend/internal/handlers"
	"voicetutor-backend/internal/middleware"
	"voicetutor-backend/internal/repository"
	"voicetutor-backend/internal/router"
	"voicetutor-backend/internal/services"
	"voicetutor-backend/internal/voice"
	"voicetutor-backend/internal/worker"
)

func main() {
	log.Println("🚀 Starting VoiceTutor Backend...")

	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()
	log.Println("✓ Environment variables loaded")

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	pool, err := database.NewPostgresPool(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("✗ PostgreSQL connection failed: %v", err)
	}
	defer pool.Close()
	log.Println("✓ PostgreSQL connected")

	// ──── Step 3: Initialize Redis Clients ────
	redisClients, err := database.NewRedisClients(cfg.RedisURL)
	if err != nil {
		log.Fatalf("✗ Redis connection failed: %v", err)
	}
	defer redisClients.Close()
	log.Println("✓ Redis connected")

	// ──── Step 4: Run Database Migrations ────
	if err := database.RunMigrations(pool, "migrations"); err != nil {
		log.Fatalf("✗ Database migration failed: %v", err)
	}
	log.Println("✓ Database migrations applied")

	// ──── Initialize Repositories ────
	sessionRepo := repository.NewSessionRepo(pool)

	// ──── Initialize Services ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	omnidimService := services.NewOmnidimService(
		cfg.OmnidimAPIKey,
		cfg.OmnidimAPIURL,
		cfg.OmnidimWSURL,
		time.Duration(cfg.UpstreamConnectTimeoutSecs)*time.Second,
	)
	insightsService, err := services.NewInsightsService(cfg.GeminiAPIKey, cfg.GeminiConcurrentReqs)
	if err != nil {
		log.Fatalf("✗ Gemini client initialization failed: %v", err)
	}
	defer insightsService.Close()
	log.Println("✓ Gemini Flash client initialized")

	// ──── Step 5: Start Job Worker Pool ────
	queue := worker.NewQueue(redisClients.Queue, redisClients.PubSub)
	workerPool := worker.NewPool(
		redisClients.Queue,
		queue,
		insightsService,
		sessionRepo,
		3,
	)
	workerPool.Start()
	log.Println("✓ Worker pool started (3 goroutines)")

	// ──── Step 6: Voice Stream Bridge ────
	registry := voice.NewRegistry()
	streamHandler := voice.NewStreamHandler(
		registry,
		sessionRepo,
		omnidimService,
		jwtAuth,
		queue,
		time.Duration(cfg.SessionIdleTimeoutSecs)*time.Second,
	)
	log.Println("✓ Voice stream bridge ready")

	// ──── Initialize Handlers ────
	voiceSessionHandler := handlers.NewVoiceSessionHandler(sessionRepo, omnidimService, registry, queue)

	// ──── Step 7: Start HTTP Server ────
	r := router.New(
		jwtAuth,
		voiceSessionHandler,
		streamHandler,
		cfg.FrontendURL,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down...")

		// End live voice sessions first so their rows are finalized instead
		// of staying active with no reconcile job.
		registry.Drain(10 * time.Second)
		workerPool.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("✓ VoiceTutor Backend ready on http://localhost:%s", cfg.Port)
	log.Printf("  API: http://localhost:%s/api/v1", cfg.Port)
	log.Printf("  WS:  ws://localhost:%s/api/v1/ws/voice/{sessionID}", cfg.Port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
