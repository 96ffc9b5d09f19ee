package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/spotforge/spotforge-backend/internal/domain"
	domjobs "github.com/spotforge/spotforge-backend/internal/domain/jobs"
	"github.com/spotforge/spotforge-backend/internal/pkg/dbctx"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
)

type JobRunRepo interface {
	Create(dbc dbctx.Context, run *types.JobRun) (*types.JobRun, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error)
	ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay time.Duration, staleRunning time.Duration) (*types.JobRun, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	HasActiveForEntity(dbc dbctx.Context, entityType string, entityID uuid.UUID) (bool, error)
	RevokeActiveByEntity(dbc dbctx.Context, entityType string, entityID uuid.UUID, reason string) (int64, error)
	DeleteByEntity(dbc dbctx.Context, entityType string, entityID uuid.UUID) (int64, error)
}

type jobRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRunRepo(db *gorm.DB, baseLog *logger.Logger) JobRunRepo {
	return &jobRunRepo{
		db:  db,
		log: baseLog.With("repo", "JobRunRepo"),
	}
}

func (r *jobRunRepo) Create(dbc dbctx.Context, run *types.JobRun) (*types.JobRun, error) {
	if run == nil {
		return nil, nil
	}
	if run.Status == "" {
		run.Status = domjobs.RunQueued
	}
	if err := dbc.Handle(r.db).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (r *jobRunRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var run types.JobRun
	err := dbc.Handle(r.db).Where("id = ?", id).Limit(1).Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}

// ClaimNextRunnable atomically claims the oldest runnable task. Runnable is:
// queued, or failed with attempts left after the retry delay, or running with
// a heartbeat older than the stale cutoff (its worker died mid-flight).
func (r *jobRunRepo) ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay time.Duration, staleRunning time.Duration) (*types.JobRun, error) {
	now := time.Now()
	retryCutoff := now.Add(-retryDelay)
	staleCutoff := now.Add(-staleRunning)
	var claimed *types.JobRun
	err := dbc.Handle(r.db).Transaction(func(txx *gorm.DB) error {
		var run types.JobRun
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
        (
          status = ?
          OR (
            status = ?
            AND attempts < ?
            AND (last_error_at IS NULL OR last_error_at < ?)
          )
          OR (
            status = ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
          )
        )
      `, domjobs.RunQueued, domjobs.RunFailed, maxAttempts, retryCutoff, domjobs.RunRunning, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&run).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&types.JobRun{}).
			Where("id = ?", run.ID).
			Updates(map[string]interface{}{
				"status":       domjobs.RunRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		run.Status = domjobs.RunRunning
		run.Attempts++
		claimed = &run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *jobRunRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.JobRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *jobRunRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
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
		Model(&types.JobRun{}).
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

func (r *jobRunRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return dbc.Handle(r.db).
		Model(&types.JobRun{}).
		Where("id = ? AND status = ?", id, domjobs.RunRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

// HasActiveForEntity reports whether any queued or running task exists for
// the entity, regardless of job type. Used to keep at most one stage task
// in flight per video.
func (r *jobRunRepo) HasActiveForEntity(dbc dbctx.Context, entityType string, entityID uuid.UUID) (bool, error) {
	if entityType == "" || entityID == uuid.Nil {
		return false, nil
	}
	var count int64
	err := dbc.Handle(r.db).
		Model(&types.JobRun{}).
		Where("entity_type = ? AND entity_id = ? AND status IN ?",
			entityType, entityID, []string{domjobs.RunQueued, domjobs.RunRunning},
		).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RevokeActiveByEntity flips every queued or running task of the entity to
// canceled. Running workers notice through UpdateFieldsUnlessStatus guards.
func (r *jobRunRepo) RevokeActiveByEntity(dbc dbctx.Context, entityType string, entityID uuid.UUID, reason string) (int64, error) {
	if entityType == "" || entityID == uuid.Nil {
		return 0, nil
	}
	now := time.Now()
	res := dbc.Handle(r.db).
		Model(&types.JobRun{}).
		Where("entity_type = ? AND entity_id = ? AND status IN ?",
			entityType, entityID, []string{domjobs.RunQueued, domjobs.RunRunning},
		).
		Updates(map[string]interface{}{
			"status":     domjobs.RunCanceled,
			"error":      reason,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// DeleteByEntity removes every queue row of the entity, terminal or not.
// Callers revoke first so running workers have already been signaled.
func (r *jobRunRepo) DeleteByEntity(dbc dbctx.Context, entityType string, entityID uuid.UUID) (int64, error) {
	if entityType == "" || entityID == uuid.Nil {
		return 0, nil
	}
	res := dbc.Handle(r.db).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Delete(&types.JobRun{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
