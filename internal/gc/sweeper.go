// Package gc reclaims blob storage behind dead jobs. Stage bodies abandon
// partial uploads on failure or cancel, so a job can own objects no artifact
// row points at. The sweeper walks terminal jobs that have sat idle past the
// TTL, diffs the bucket prefix against the artifact rows, and deletes the
// orphans. Rows and referenced blobs stay until the user deletes the job.
package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spotforge/spotforge-backend/internal/data/repos/checkpoints"
	"github.com/spotforge/spotforge-backend/internal/data/repos/videos"
	domvideos "github.com/spotforge/spotforge-backend/internal/domain/videos"
	"github.com/spotforge/spotforge-backend/internal/pkg/dbctx"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/platform/blobpath"
	"github.com/spotforge/spotforge-backend/internal/platform/gcs"
	"github.com/spotforge/spotforge-backend/internal/utils"
)

type Sweeper struct {
	log    *logger.Logger
	videos videos.VideoJobRepo
	arts   checkpoints.ArtifactRepo
	bucket gcs.BucketService

	interval time.Duration
	idleTTL  time.Duration
}

func NewSweeper(baseLog *logger.Logger, videoRepo videos.VideoJobRepo, arts checkpoints.ArtifactRepo, bucket gcs.BucketService) *Sweeper {
	log := baseLog.With("component", "BlobSweeper")
	return &Sweeper{
		log:      log,
		videos:   videoRepo,
		arts:     arts,
		bucket:   bucket,
		interval: time.Duration(utils.GetEnvAsInt("GC_SWEEP_INTERVAL_S", 600, log)) * time.Second,
		idleTTL:  time.Duration(utils.GetEnvAsInt("GC_IDLE_TTL_S", 3600, log)) * time.Second,
	}
}

// Start launches the sweep loop. It runs until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.log.Info("Blob sweeper stopped")
				return
			case <-ticker.C:
				if n, err := s.SweepOnce(ctx); err != nil {
					s.log.Warn("Sweep failed", "error", err)
				} else if n > 0 {
					s.log.Info("Sweep reclaimed orphan blobs", "deleted", n)
				}
			}
		}
	}()
}

// SweepOnce scans every eligible job and returns how many blobs it deleted.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.idleTTL)
	statuses := []string{domvideos.StatusFailed, domvideos.StatusCanceled}
	jobs, err := s.videos.ListByStatusOlderThan(dbctx.New(ctx, nil), statuses, cutoff)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}
		n, err := s.sweepJob(ctx, job.OwnerUserID, job.ID)
		if err != nil {
			s.log.Warn("Sweeping job failed", "video_id", job.ID, "error", err)
			continue
		}
		deleted += n
	}
	return deleted, nil
}

// sweepJob deletes the blobs under one job's prefix that no artifact row
// references.
func (s *Sweeper) sweepJob(ctx context.Context, ownerID, videoID uuid.UUID) (int, error) {
	prefix := blobpath.VideoPrefix(ownerID, videoID)
	keys, err := s.bucket.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	paths, err := s.arts.ListStoragePathsByJob(dbctx.New(ctx, nil), videoID)
	if err != nil {
		return 0, fmt.Errorf("list artifact paths: %w", err)
	}
	referenced := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		referenced[p] = struct{}{}
	}

	deleted := 0
	for _, key := range keys {
		if _, ok := referenced[key]; ok {
			continue
		}
		if err := s.bucket.Delete(ctx, key); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", key, err)
		}
		deleted++
	}
	return deleted, nil
}
