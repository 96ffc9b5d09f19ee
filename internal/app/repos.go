package app

import (
	"gorm.io/gorm"

	"github.com/spotforge/spotforge-backend/internal/data/repos/checkpoints"
	"github.com/spotforge/spotforge-backend/internal/data/repos/jobs"
	"github.com/spotforge/spotforge-backend/internal/data/repos/videos"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
)

type Repos struct {
	Videos      videos.VideoJobRepo
	Runs        jobs.JobRunRepo
	Checkpoints checkpoints.CheckpointRepo
	Artifacts   checkpoints.ArtifactRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Videos:      videos.NewVideoJobRepo(db, log),
		Runs:        jobs.NewJobRunRepo(db, log),
		Checkpoints: checkpoints.NewCheckpointRepo(db, log),
		Artifacts:   checkpoints.NewArtifactRepo(db, log),
	}
}
