package checkpoints

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/spotforge/spotforge-backend/internal/domain"
	domvideos "github.com/spotforge/spotforge-backend/internal/domain/videos"
	"github.com/spotforge/spotforge-backend/internal/pkg/dbctx"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
)

type CheckpointRepo interface {
	Create(dbc dbctx.Context, row *types.Checkpoint) (*types.Checkpoint, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Checkpoint, error)
	ListByJob(dbc dbctx.Context, jobID uuid.UUID, branch string) ([]*types.Checkpoint, error)
	ListChildren(dbc dbctx.Context, parentID uuid.UUID) ([]*types.Checkpoint, error)
	ListBranchNames(dbc dbctx.Context, jobID uuid.UUID) ([]string, error)
	FindLive(dbc dbctx.Context, jobID uuid.UUID, branch string, phase int) (*types.Checkpoint, error)
	LatestOnBranch(dbc dbctx.Context, jobID uuid.UUID, branch string) (*types.Checkpoint, error)
	NextVersion(dbc dbctx.Context, jobID uuid.UUID, branch string, phase int) (int, error)
	MarkApproved(dbc dbctx.Context, id uuid.UUID) error
	SupersedeOthers(dbc dbctx.Context, jobID uuid.UUID, branch string, phase int, keepID uuid.UUID) (int64, error)
	FullDeleteByJob(dbc dbctx.Context, jobID uuid.UUID) (int64, error)
}

type checkpointRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCheckpointRepo(db *gorm.DB, baseLog *logger.Logger) CheckpointRepo {
	return &checkpointRepo{db: db, log: baseLog.With("repo", "CheckpointRepo")}
}

func (r *checkpointRepo) Create(dbc dbctx.Context, row *types.Checkpoint) (*types.Checkpoint, error) {
	if row == nil {
		return nil, nil
	}
	if row.Status == "" {
		row.Status = domvideos.CheckpointPending
	}
	if row.Version < 1 {
		row.Version = 1
	}
	if err := dbc.Handle(r.db).Create(row).Error; err != nil {
		return nil, mapPgError(err)
	}
	return row, nil
}

func (r *checkpointRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Checkpoint, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var row types.Checkpoint
	err := dbc.Handle(r.db).Where("id = ?", id).Limit(1).Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *checkpointRepo) ListByJob(dbc dbctx.Context, jobID uuid.UUID, branch string) ([]*types.Checkpoint, error) {
	var out []*types.Checkpoint
	if jobID == uuid.Nil {
		return out, nil
	}
	q := dbc.Handle(r.db).Where("video_job_id = ?", jobID)
	if branch != "" {
		q = q.Where("branch = ?", branch)
	}
	if err := q.Order("phase ASC, created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *checkpointRepo) ListChildren(dbc dbctx.Context, parentID uuid.UUID) ([]*types.Checkpoint, error) {
	var out []*types.Checkpoint
	if parentID == uuid.Nil {
		return out, nil
	}
	err := dbc.Handle(r.db).
		Where("parent_id = ?", parentID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *checkpointRepo) ListBranchNames(dbc dbctx.Context, jobID uuid.UUID) ([]string, error) {
	var names []string
	if jobID == uuid.Nil {
		return names, nil
	}
	err := dbc.Handle(r.db).
		Model(&types.Checkpoint{}).
		Distinct("branch").
		Where("video_job_id = ?", jobID).
		Order("branch ASC").
		Pluck("branch", &names).Error
	if err != nil {
		return nil, err
	}
	return names, nil
}

// FindLive returns the single non-superseded checkpoint of the slot, nil if
// the slot has never been filled or every version was superseded.
func (r *checkpointRepo) FindLive(dbc dbctx.Context, jobID uuid.UUID, branch string, phase int) (*types.Checkpoint, error) {
	if jobID == uuid.Nil || branch == "" || phase < 1 {
		return nil, nil
	}
	var row types.Checkpoint
	err := dbc.Handle(r.db).
		Where("video_job_id = ? AND branch = ? AND phase = ? AND status <> ?",
			jobID, branch, phase, domvideos.CheckpointSuperseded).
		Order("version DESC").
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

func (r *checkpointRepo) LatestOnBranch(dbc dbctx.Context, jobID uuid.UUID, branch string) (*types.Checkpoint, error) {
	if jobID == uuid.Nil || branch == "" {
		return nil, nil
	}
	var row types.Checkpoint
	err := dbc.Handle(r.db).
		Where("video_job_id = ? AND branch = ? AND status <> ?",
			jobID, branch, domvideos.CheckpointSuperseded).
		Order("phase DESC, version DESC").
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

func (r *checkpointRepo) NextVersion(dbc dbctx.Context, jobID uuid.UUID, branch string, phase int) (int, error) {
	if jobID == uuid.Nil || branch == "" || phase < 1 {
		return 1, nil
	}
	var max int
	err := dbc.Handle(r.db).
		Model(&types.Checkpoint{}).
		Select("COALESCE(MAX(version), 0)").
		Where("video_job_id = ? AND branch = ? AND phase = ?", jobID, branch, phase).
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (r *checkpointRepo) MarkApproved(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return dbc.Handle(r.db).
		Model(&types.Checkpoint{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      domvideos.CheckpointApproved,
			"approved_at": now,
		}).Error
}

// SupersedeOthers demotes every other non-superseded checkpoint in the slot,
// keeping the given one live. Returns the number of demoted rows.
func (r *checkpointRepo) SupersedeOthers(dbc dbctx.Context, jobID uuid.UUID, branch string, phase int, keepID uuid.UUID) (int64, error) {
	if jobID == uuid.Nil || branch == "" || phase < 1 {
		return 0, nil
	}
	q := dbc.Handle(r.db).
		Model(&types.Checkpoint{}).
		Where("video_job_id = ? AND branch = ? AND phase = ? AND status <> ?",
			jobID, branch, phase, domvideos.CheckpointSuperseded)
	if keepID != uuid.Nil {
		q = q.Where("id <> ?", keepID)
	}
	res := q.Update("status", domvideos.CheckpointSuperseded)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// FullDeleteByJob removes every checkpoint row of the job. Callers delete
// artifact rows first so the cascade leaves no orphans.
func (r *checkpointRepo) FullDeleteByJob(dbc dbctx.Context, jobID uuid.UUID) (int64, error) {
	if jobID == uuid.Nil {
		return 0, nil
	}
	res := dbc.Handle(r.db).Where("video_job_id = ?", jobID).Delete(&types.Checkpoint{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
