package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/uedu/exam-gateway/internal/config"
	"github.com/uedu/exam-gateway/internal/handler"
	"github.com/uedu/exam-gateway/internal/middleware"
	"github.com/uedu/exam-gateway/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	Stream  *handler.StreamHandler
	Attempt *handler.AttemptHandler
	Monitor *handler.MonitorHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// Rate limiter buckets are evicted until done is closed.
func SetupRouter(handlers *Handlers, cfg *config.Config, log zerolog.Logger, done <-chan struct{}) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.RequestLogger(log))

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// Per-session limits: audio uploads are heavy, integrity events are chatty.
	uploadLimiter := middleware.NewRateLimiter(10, time.Minute, middleware.ByParam("session_id"))
	integrityLimiter := middleware.NewRateLimiter(120, time.Minute, middleware.ByParam("session_id"))
	go uploadLimiter.Run(done)
	go integrityLimiter.Run(done)

	// ─── 1. Session API ────────────────────────────────────────────────
	api := router.Group("/api/v1")
	api.Use(middleware.Brotli(), middleware.NoStore())
	if handlers.Session != nil {
		sessions := api.Group("/sessions")
		{
			sessions.POST("", handlers.Session.StartSession)
			sessions.GET("/:session_id", handlers.Session.GetSession)
			sessions.DELETE("/:session_id", handlers.Session.Abandon)
			sessions.PUT("/:session_id/answers/:question_id", handlers.Session.SaveAnswer)
			sessions.POST("/:session_id/answers/:question_id/audio", uploadLimiter.Middleware(), handlers.Session.UploadAudio)
			sessions.POST("/:session_id/integrity", integrityLimiter.Middleware(), handlers.Session.ReportIntegrity)
			sessions.POST("/:session_id/submit", handlers.Session.Submit)
			sessions.POST("/:session_id/retry", handlers.Session.Retry)
		}
	}

	// ─── 2. Exam views ─────────────────────────────────────────────────
	exams := api.Group("/exams")
	{
		if handlers.Attempt != nil {
			exams.GET("/:exam_id/attempts", handlers.Attempt.ListAttempts)
		}
		if handlers.Monitor != nil {
			exams.GET("/:exam_id/monitor", handlers.Monitor.MonitorExamSSE)
		}
	}

	// ─── 3. WebSocket ──────────────────────────────────────────────────
	if handlers.Stream != nil {
		ws := router.Group("/ws/v1")
		{
			ws.GET("/sessions/:session_id/stream", handlers.Stream.SessionStream)
		}
	}

	return router
}
