package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/uedu/exam-gateway/internal/client"
	"github.com/uedu/exam-gateway/internal/config"
	"github.com/uedu/exam-gateway/internal/database"
	"github.com/uedu/exam-gateway/internal/handler"
	"github.com/uedu/exam-gateway/internal/logger"
	"github.com/uedu/exam-gateway/internal/model"
	"github.com/uedu/exam-gateway/internal/repository"
	"github.com/uedu/exam-gateway/internal/router"
	"github.com/uedu/exam-gateway/internal/service"
	"github.com/uedu/exam-gateway/internal/validator"
	"github.com/uedu/exam-gateway/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("catalog", cfg.CatalogBaseURL).
		Str("grading", cfg.GradingBaseURL).
		Msg("Starting exam gateway")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories & Clients ────────────────────────────
	cacheRepo := repository.NewSessionCacheRepository(rdb, cfg.SessionRetention)
	attemptRepo := repository.NewAttemptRepository(pool)

	catalog := client.NewCatalog(cfg.CatalogBaseURL, cfg.HTTPClientTimeout)
	grading := client.NewGrading(cfg.GradingBaseURL, cfg.HTTPClientTimeout)

	// ─── Initialize Services ──────────────────────────────────────────
	sessionService := service.NewSessionService(catalog, grading, cacheRepo, service.SessionOptionsFromConfig(cfg), log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	participant := model.Identity{StudentID: cfg.StudentID, Name: cfg.StudentName}
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService, participant, cfg.MaxAudioUploadBytes, log),
		Stream:  handler.NewStreamHandler(sessionService, log, cfg.AllowedOrigins, cfg.MaxAudioUploadBytes),
		Attempt: handler.NewAttemptHandler(attemptRepo, log),
		Monitor: handler.NewMonitorHandler(sessionService, cacheRepo, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	for _, w := range []interface{ Start(context.Context) }{
		worker.NewAnswerWorker(pool, rdb, log),
		worker.NewIntegrityWorker(pool, rdb, log),
		worker.NewAttemptWorker(pool, rdb, log),
	} {
		workers.Add(1)
		go func() {
			defer workers.Done()
			w.Start(workerCtx)
		}()
	}

	// Completed and failed sessions are reaped once idle past retention.
	go sessionService.Run(ctx, time.Minute)

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(handlers, cfg, log, ctx.Done())

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Close live sessions so their last hooks reach the queues.
	sessionService.Shutdown()
	cancel()

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
