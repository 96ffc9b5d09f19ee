package checkpoints

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	types "github.com/spotforge/spotforge-backend/internal/domain"
	"github.com/spotforge/spotforge-backend/internal/pkg/dbctx"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
)

// ErrDuplicateSlot is returned when an insert collides with a unique slot:
// (checkpoint_id, kind, key) for artifacts, (job, branch, phase, version)
// for checkpoints. Callers that meant to edit should go through UpdateFields
// with the existing row instead.
var ErrDuplicateSlot = errors.New("versioned slot already occupied")

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return errors.Join(ErrDuplicateSlot, err)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.Join(ErrDuplicateSlot, err)
	}
	return err
}

type ArtifactRepo interface {
	Create(dbc dbctx.Context, row *types.Artifact) (*types.Artifact, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Artifact, error)
	Get(dbc dbctx.Context, checkpointID uuid.UUID, kind, key string) (*types.Artifact, error)
	ListByCheckpoint(dbc dbctx.Context, checkpointID uuid.UUID) ([]*types.Artifact, error)
	ListByCheckpoints(dbc dbctx.Context, checkpointIDs []uuid.UUID) ([]*types.Artifact, error)
	ListStoragePathsByJob(dbc dbctx.Context, jobID uuid.UUID) ([]string, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	AnyEdited(dbc dbctx.Context, checkpointID uuid.UUID) (bool, error)
	FullDeleteByJob(dbc dbctx.Context, jobID uuid.UUID) (int64, error)
}

type artifactRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewArtifactRepo(db *gorm.DB, baseLog *logger.Logger) ArtifactRepo {
	return &artifactRepo{db: db, log: baseLog.With("repo", "ArtifactRepo")}
}

func (r *artifactRepo) Create(dbc dbctx.Context, row *types.Artifact) (*types.Artifact, error) {
	if row == nil {
		return nil, nil
	}
	if row.Version < 1 {
		row.Version = 1
	}
	if err := dbc.Handle(r.db).Create(row).Error; err != nil {
		return nil, mapPgError(err)
	}
	return row, nil
}

func (r *artifactRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Artifact, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var row types.Artifact
	err := dbc.Handle(r.db).Where("id = ?", id).Limit(1).Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *artifactRepo) Get(dbc dbctx.Context, checkpointID uuid.UUID, kind, key string) (*types.Artifact, error) {
	if checkpointID == uuid.Nil || kind == "" || key == "" {
		return nil, nil
	}
	var row types.Artifact
	err := dbc.Handle(r.db).
		Where("checkpoint_id = ? AND kind = ? AND key = ?", checkpointID, kind, key).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *artifactRepo) ListByCheckpoint(dbc dbctx.Context, checkpointID uuid.UUID) ([]*types.Artifact, error) {
	if checkpointID == uuid.Nil {
		return nil, nil
	}
	return r.ListByCheckpoints(dbc, []uuid.UUID{checkpointID})
}

func (r *artifactRepo) ListByCheckpoints(dbc dbctx.Context, checkpointIDs []uuid.UUID) ([]*types.Artifact, error) {
	var out []*types.Artifact
	if len(checkpointIDs) == 0 {
		return out, nil
	}
	err := dbc.Handle(r.db).
		Where("checkpoint_id IN ?", checkpointIDs).
		Order("checkpoint_id ASC, kind ASC, key ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListStoragePathsByJob collects every blob path referenced by any artifact
// of the job, across all branches and checkpoints. The blob sweeper diffs
// bucket contents against this set.
func (r *artifactRepo) ListStoragePathsByJob(dbc dbctx.Context, jobID uuid.UUID) ([]string, error) {
	var paths []string
	if jobID == uuid.Nil {
		return paths, nil
	}
	err := dbc.Handle(r.db).
		Model(&types.Artifact{}).
		Joins(`JOIN "checkpoint" ON "checkpoint"."id" = "artifact"."checkpoint_id"`).
		Where(`"checkpoint"."video_job_id" = ? AND "artifact"."storage_path" <> ''`, jobID).
		Pluck(`"artifact"."storage_path"`, &paths).Error
	if err != nil {
		return nil, err
	}
	return paths, nil
}

func (r *artifactRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return dbc.Handle(r.db).
		Model(&types.Artifact{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// AnyEdited reports whether any artifact of the checkpoint has been replaced
// since generation. Version 1 is the generated original; anything higher
// means a user edit, which forces a branch fork on continue.
func (r *artifactRepo) AnyEdited(dbc dbctx.Context, checkpointID uuid.UUID) (bool, error) {
	if checkpointID == uuid.Nil {
		return false, nil
	}
	var count int64
	err := dbc.Handle(r.db).
		Model(&types.Artifact{}).
		Where("checkpoint_id = ? AND version > 1", checkpointID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// FullDeleteByJob removes every artifact row under any checkpoint of the job.
func (r *artifactRepo) FullDeleteByJob(dbc dbctx.Context, jobID uuid.UUID) (int64, error) {
	if jobID == uuid.Nil {
		return 0, nil
	}
	sub := dbc.Handle(r.db).
		Model(&types.Checkpoint{}).
		Select("id").
		Where("video_job_id = ?", jobID)
	res := dbc.Handle(r.db).Where("checkpoint_id IN (?)", sub).Delete(&types.Artifact{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
