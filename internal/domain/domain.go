package domain

import (
	"github.com/spotforge/spotforge-backend/internal/domain/jobs"
	"github.com/spotforge/spotforge-backend/internal/domain/videos"
)

type VideoJob = videos.VideoJob
type Checkpoint = videos.Checkpoint
type Artifact = videos.Artifact
type JobRun = jobs.JobRun

// AllModels lists every table in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&videos.VideoJob{},
		&videos.Checkpoint{},
		&videos.Artifact{},
		&jobs.JobRun{},
	}
}
