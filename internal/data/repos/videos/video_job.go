package videos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/spotforge/spotforge-backend/internal/domain"
	"github.com/spotforge/spotforge-backend/internal/pkg/dbctx"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
)

type VideoJobRepo interface {
	Create(dbc dbctx.Context, row *types.VideoJob) (*types.VideoJob, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.VideoJob, error)
	GetOwned(dbc dbctx.Context, ownerUserID, id uuid.UUID) (*types.VideoJob, error)
	ListByOwner(dbc dbctx.Context, ownerUserID uuid.UUID, limit int) ([]*types.VideoJob, error)
	ListByStatusOlderThan(dbc dbctx.Context, statuses []string, cutoff time.Time) ([]*types.VideoJob, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	AddCost(dbc dbctx.Context, id uuid.UUID, deltaUSD float64) error
	AddDuration(dbc dbctx.Context, id uuid.UUID, deltaS float64) error
	SoftDelete(dbc dbctx.Context, id uuid.UUID) error
	FullDelete(dbc dbctx.Context, id uuid.UUID) error
}

type videoJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewVideoJobRepo(db *gorm.DB, baseLog *logger.Logger) VideoJobRepo {
	return &videoJobRepo{db: db, log: baseLog.With("repo", "VideoJobRepo")}
}

func (r *videoJobRepo) Create(dbc dbctx.Context, row *types.VideoJob) (*types.VideoJob, error) {
	if row == nil {
		return nil, nil
	}
	if err := dbc.Handle(r.db).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *videoJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.VideoJob, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var row types.VideoJob
	err := dbc.Handle(r.db).Where("id = ?", id).Limit(1).Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *videoJobRepo) GetOwned(dbc dbctx.Context, ownerUserID, id uuid.UUID) (*types.VideoJob, error) {
	if ownerUserID == uuid.Nil || id == uuid.Nil {
		return nil, nil
	}
	var row types.VideoJob
	err := dbc.Handle(r.db).
		Where("id = ? AND owner_user_id = ?", id, ownerUserID).
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

func (r *videoJobRepo) ListByOwner(dbc dbctx.Context, ownerUserID uuid.UUID, limit int) ([]*types.VideoJob, error) {
	var out []*types.VideoJob
	if ownerUserID == uuid.Nil {
		return out, nil
	}
	q := dbc.Handle(r.db).
		Where("owner_user_id = ?", ownerUserID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *videoJobRepo) ListByStatusOlderThan(dbc dbctx.Context, statuses []string, cutoff time.Time) ([]*types.VideoJob, error) {
	var out []*types.VideoJob
	if len(statuses) == 0 {
		return out, nil
	}
	err := dbc.Handle(r.db).
		Where("status IN ? AND updated_at < ?", statuses, cutoff).
		Order("updated_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *videoJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.VideoJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// UpdateFieldsUnlessStatus applies updates only while the job is not in one
// of the disallowed statuses. Late stage workers use this so a canceled or
// failed job is never resurrected by an in-flight progress write.
func (r *videoJobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := dbc.Handle(r.db).
		Model(&types.VideoJob{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *videoJobRepo) AddCost(dbc dbctx.Context, id uuid.UUID, deltaUSD float64) error {
	if id == uuid.Nil || deltaUSD == 0 {
		return nil
	}
	return dbc.Handle(r.db).
		Model(&types.VideoJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"cost_usd":   gorm.Expr("cost_usd + ?", deltaUSD),
			"updated_at": time.Now(),
		}).Error
}

func (r *videoJobRepo) AddDuration(dbc dbctx.Context, id uuid.UUID, deltaS float64) error {
	if id == uuid.Nil || deltaS == 0 {
		return nil
	}
	return dbc.Handle(r.db).
		Model(&types.VideoJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"duration_s": gorm.Expr("duration_s + ?", deltaS),
			"updated_at": time.Now(),
		}).Error
}

func (r *videoJobRepo) SoftDelete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	return dbc.Handle(r.db).Where("id = ?", id).Delete(&types.VideoJob{}).Error
}

func (r *videoJobRepo) FullDelete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	return dbc.Handle(r.db).Unscoped().Where("id = ?", id).Delete(&types.VideoJob{}).Error
}
