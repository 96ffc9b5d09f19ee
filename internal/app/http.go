package app

import (
	"github.com/spotforge/spotforge-backend/internal/http"
	"github.com/spotforge/spotforge-backend/internal/http/handlers"
	"github.com/spotforge/spotforge-backend/internal/http/middleware"
	"github.com/spotforge/spotforge-backend/internal/observability"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/realtime"
)

type Middleware struct {
	Auth *middleware.AuthMiddleware
}

type Handlers struct {
	Health     *handlers.HealthHandler
	Video      *handlers.VideoHandler
	Checkpoint *handlers.CheckpointHandler
	Edit       *handlers.EditHandler
	Stream     *handlers.StreamHandler
}

func wireHandlers(log *logger.Logger, clients Clients, repos Repos, services Services, hub *realtime.SSEHub) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:     handlers.NewHealthHandler(),
		Video:      handlers.NewVideoHandler(log, services.Orchestrator, repos.Videos, services.Store, services.Tracker, clients.Bucket),
		Checkpoint: handlers.NewCheckpointHandler(log, repos.Videos, services.Store),
		Edit:       handlers.NewEditHandler(log, services.Edits),
		Stream:     handlers.NewStreamHandler(log, repos.Videos, services.Tracker, hub),
	}
}

func wireMiddleware(log *logger.Logger, cfg Config) Middleware {
	log.Info("Wiring middleware...")
	return Middleware{
		Auth: middleware.NewAuthMiddleware(log, cfg.JWTSecretKey),
	}
}

func wireServer(log *logger.Logger, h Handlers, mw Middleware) *http.Server {
	return http.NewServer(http.RouterConfig{
		Log:            log,
		AuthMiddleware: mw.Auth,
		Metrics:        observability.Current(),

		HealthHandler:     h.Health,
		VideoHandler:      h.Video,
		CheckpointHandler: h.Checkpoint,
		EditHandler:       h.Edit,
		StreamHandler:     h.Stream,
	})
}
