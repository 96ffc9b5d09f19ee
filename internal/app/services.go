package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/spotforge/spotforge-backend/internal/checkpoint"
	"github.com/spotforge/spotforge-backend/internal/edits"
	"github.com/spotforge/spotforge-backend/internal/gc"
	pipelines "github.com/spotforge/spotforge-backend/internal/jobs/pipeline"
	"github.com/spotforge/spotforge-backend/internal/jobs/runtime"
	"github.com/spotforge/spotforge-backend/internal/jobs/worker"
	"github.com/spotforge/spotforge-backend/internal/orchestrator"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/progress"
)

type Services struct {
	Tracker      progress.Tracker
	Store        checkpoint.Service
	Orchestrator orchestrator.Service
	Edits        edits.Service
	Worker       *worker.Worker
	Sweeper      *gc.Sweeper
}

func wireServices(db *gorm.DB, log *logger.Logger, clients Clients, repos Repos) (Services, error) {
	log.Info("Wiring services...")

	tracker, err := progress.NewTracker(log, clients.Redis, repos.Videos, clients.EventBus)
	if err != nil {
		return Services{}, fmt.Errorf("init progress tracker: %w", err)
	}

	store := checkpoint.NewService(log, db, repos.Checkpoints, repos.Artifacts, clients.Bucket)

	orch := orchestrator.NewService(
		log, db,
		repos.Videos, repos.Runs, repos.Checkpoints, repos.Artifacts,
		store, tracker, clients.Bucket,
	)

	editService := edits.NewService(log, repos.Videos, store, clients.Providers, clients.Tools, tracker)

	registry := runtime.NewRegistry()
	err = pipelines.Register(registry, pipelines.Env{
		Log:       log,
		DB:        db,
		Videos:    repos.Videos,
		Store:     store,
		Tracker:   tracker,
		Providers: clients.Providers,
		Tools:     clients.Tools,
		Advance:   orch,
	})
	if err != nil {
		return Services{}, fmt.Errorf("register stage pipelines: %w", err)
	}

	return Services{
		Tracker:      tracker,
		Store:        store,
		Orchestrator: orch,
		Edits:        editService,
		Worker:       worker.NewWorker(db, log, repos.Runs, registry),
		Sweeper:      gc.NewSweeper(log, repos.Videos, repos.Artifacts, clients.Bucket),
	}, nil
}
