package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/spotforge/spotforge-backend/internal/db"
	"github.com/spotforge/spotforge-backend/internal/http"
	"github.com/spotforge/spotforge-backend/internal/observability"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/realtime"
)

const otelShutdownTimeout = 5 * time.Second

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Server   *http.Server
	Cfg      Config
	Clients  Clients
	Repos    Repos
	Services Services
	SSEHub   *realtime.SSEHub

	cancel       context.CancelFunc
	otelShutdown func(context.Context) error
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	observability.Init(log)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	hub := realtime.NewSSEHub(log)

	clients, err := wireClients(log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	reposet := wireRepos(theDB, log)

	serviceset, err := wireServices(theDB, log, clients, reposet)
	if err != nil {
		clients.Close()
		log.Sync()
		return nil, err
	}

	handlerset := wireHandlers(log, clients, reposet, serviceset, hub)
	mw := wireMiddleware(log, cfg)
	server := wireServer(log, handlerset, mw)

	return &App{
		Log:      log,
		DB:       theDB,
		Server:   server,
		Cfg:      cfg,
		Clients:  clients,
		Repos:    reposet,
		Services: serviceset,
		SSEHub:   hub,
	}, nil
}

// Start launches the background machinery: the stage worker pool, the
// bus-to-hub forwarder, the blob sweeper, tracing, and the metrics surface.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.otelShutdown = observability.InitOTel(ctx, a.Log, observability.OtelConfig{
		ServiceName: "spotforge",
		Environment: a.Cfg.Environment,
		Version:     a.Cfg.Version,
	})

	if a.Services.Worker != nil {
		a.Services.Worker.Start(ctx)
	}
	if a.Clients.EventBus != nil && a.SSEHub != nil {
		if err := a.Clients.EventBus.StartForwarder(ctx, a.SSEHub.Broadcast); err != nil {
			a.Log.Warn("Event bus forwarder failed to start", "error", err)
		}
	}
	if a.Services.Sweeper != nil {
		a.Services.Sweeper.Start(ctx)
	}

	if m := observability.Current(); m != nil {
		m.StartServer(ctx, a.Log, a.Cfg.MetricsAddr)
		m.StartPostgresCollector(ctx, a.Log, a.DB)
		m.StartJobQueueCollector(ctx, a.Log, a.DB)
		if addr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); addr != "" {
			m.StartRedisCollector(ctx, a.Log, addr)
		}
	}
}

// Run serves the API until ctx is canceled, then drains and returns.
func (a *App) Run(ctx context.Context, addr string) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Server.Run(ctx, addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Services.Worker != nil {
		a.Services.Worker.Wait()
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
		_ = a.otelShutdown(ctx)
		cancel()
		a.otelShutdown = nil
	}
	a.Clients.Close()
	if a.Log != nil {
		a.Log.Sync()
	}
}
