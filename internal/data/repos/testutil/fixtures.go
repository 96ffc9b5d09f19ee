package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/spotforge/spotforge-backend/internal/domain"
	"github.com/spotforge/spotforge-backend/internal/domain/videos"
)

func SeedVideoJob(tb testing.TB, ctx context.Context, tx *gorm.DB, ownerID uuid.UUID) *types.VideoJob {
	tb.Helper()
	job := &types.VideoJob{
		ID:                 uuid.New(),
		OwnerUserID:        ownerID,
		Prompt:             "a 30 second ad for a running shoe",
		ModelTag:           "hailuo_fast",
		Status:             videos.StatusQueued,
		RequestedDurationS: 30,
		CurrentBranch:      videos.DefaultBranch,
	}
	if err := tx.WithContext(ctx).Create(job).Error; err != nil {
		tb.Fatalf("seed video job: %v", err)
	}
	return job
}

func SeedCheckpoint(tb testing.TB, ctx context.Context, tx *gorm.DB, jobID uuid.UUID, branch string, phase, version int, status string) *types.Checkpoint {
	tb.Helper()
	cp := &types.Checkpoint{
		ID:         uuid.New(),
		VideoJobID: jobID,
		Branch:     branch,
		Phase:      phase,
		Version:    version,
		Status:     status,
	}
	if err := tx.WithContext(ctx).Create(cp).Error; err != nil {
		tb.Fatalf("seed checkpoint: %v", err)
	}
	return cp
}

func SeedArtifact(tb testing.TB, ctx context.Context, tx *gorm.DB, checkpointID uuid.UUID, kind, key, storagePath string) *types.Artifact {
	tb.Helper()
	a := &types.Artifact{
		ID:           uuid.New(),
		CheckpointID: checkpointID,
		Kind:         kind,
		Key:          key,
		Version:      1,
		StoragePath:  storagePath,
	}
	if err := tx.WithContext(ctx).Create(a).Error; err != nil {
		tb.Fatalf("seed artifact: %v", err)
	}
	return a
}

func PtrUUID(v uuid.UUID) *uuid.UUID { return &v }

func PtrTime(v time.Time) *time.Time { return &v }

func PtrString(v string) *string { return &v }

func PtrInt(v int) *int { return &v }
