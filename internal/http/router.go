package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/spotforge/spotforge-backend/internal/http/handlers"
	"github.com/spotforge/spotforge-backend/internal/http/middleware"
	"github.com/spotforge/spotforge-backend/internal/observability"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	AuthMiddleware *middleware.AuthMiddleware
	Metrics        *observability.Metrics

	HealthHandler     *handlers.HealthHandler
	VideoHandler      *handlers.VideoHandler
	CheckpointHandler *handlers.CheckpointHandler
	EditHandler       *handlers.EditHandler
	StreamHandler     *handlers.StreamHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// otelgin opens the request span; AttachTraceContext reads its trace id.
	r.Use(otelgin.Middleware("spotforge"))
	r.Use(middleware.AttachTraceContext())
	r.Use(middleware.CORS())
	if cfg.Log != nil {
		r.Use(middleware.RequestLogger(cfg.Log))
	}
	r.Use(middleware.Metrics(cfg.Metrics))

	// Health (public)
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		if cfg.AuthMiddleware != nil {
			api.Use(cfg.AuthMiddleware.RequireAuth())
		}

		// Generation
		if cfg.VideoHandler != nil {
			api.POST("/generate", cfg.VideoHandler.StartVideo)
			api.GET("/status/:id", cfg.VideoHandler.GetStatus)
			api.GET("/video/:id", cfg.VideoHandler.GetVideo)
			api.DELETE("/video/:id", cfg.VideoHandler.DeleteVideo)
			api.POST("/video/:id/continue", cfg.VideoHandler.ContinueVideo)
		}

		// Realtime (SSE)
		if cfg.StreamHandler != nil {
			api.GET("/status/:id/stream", cfg.StreamHandler.Stream)
		}

		// Checkpoints
		if cfg.CheckpointHandler != nil {
			api.GET("/video/:id/checkpoints", cfg.CheckpointHandler.ListCheckpoints)
			api.GET("/video/:id/checkpoints/current", cfg.CheckpointHandler.CurrentCheckpoint)
			api.GET("/video/:id/checkpoints/tree", cfg.CheckpointHandler.CheckpointTree)
			api.GET("/video/:id/checkpoints/:cp", cfg.CheckpointHandler.CheckpointDetail)
			api.GET("/video/:id/branches", cfg.CheckpointHandler.ListBranches)
		}

		// Edits
		if cfg.EditHandler != nil {
			api.PATCH("/video/:id/checkpoints/:cp/spec", cfg.EditHandler.EditSpec)
			api.POST("/video/:id/checkpoints/:cp/upload-image", cfg.EditHandler.UploadBeatImage)
			api.POST("/video/:id/checkpoints/:cp/regenerate-beat", cfg.EditHandler.RegenerateBeat)
			api.POST("/video/:id/checkpoints/:cp/regenerate-chunk", cfg.EditHandler.RegenerateChunk)
		}
	}

	return r
}
