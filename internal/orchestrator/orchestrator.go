// Package orchestrator drives the video job state machine. It creates jobs
// and dispatches their first stage, approves checkpoints on continue (forking
// a child branch when the checkpoint was edited), finalizes jobs at the last
// phase, and tears everything down on cancel and delete. Stage workers call
// back into it for auto-continue.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/spotforge/spotforge-backend/internal/checkpoint"
	"github.com/spotforge/spotforge-backend/internal/data/repos/checkpoints"
	jobrepos "github.com/spotforge/spotforge-backend/internal/data/repos/jobs"
	videorepos "github.com/spotforge/spotforge-backend/internal/data/repos/videos"
	types "github.com/spotforge/spotforge-backend/internal/domain"
	domjobs "github.com/spotforge/spotforge-backend/internal/domain/jobs"
	domvideos "github.com/spotforge/spotforge-backend/internal/domain/videos"
	"github.com/spotforge/spotforge-backend/internal/pkg/dbctx"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/platform/blobpath"
	"github.com/spotforge/spotforge-backend/internal/platform/gcs"
	"github.com/spotforge/spotforge-backend/internal/progress"
	"github.com/spotforge/spotforge-backend/internal/providers"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound covers both a missing video and a missing checkpoint.
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("video job belongs to another user")
	// ErrCheckpointSuperseded rejects continues from checkpoints a newer
	// version or an approved sibling has replaced.
	ErrCheckpointSuperseded = errors.New("checkpoint has been superseded")
	// ErrWrongPause rejects continues whose checkpoint does not match the
	// job's current pause phase.
	ErrWrongPause = errors.New("checkpoint does not match the job's current pause")
	// ErrStageInFlight enforces at most one queued or running stage per job.
	ErrStageInFlight = errors.New("a stage task is already in flight for this video")
	// ErrTerminal rejects continues on complete, failed, or canceled jobs.
	ErrTerminal = errors.New("video job is in a terminal state")
)

// StartInput is everything needed to create a video job. DurationS is the
// requested ad length in seconds; 0 lets the planner use its default.
type StartInput struct {
	OwnerUserID       uuid.UUID
	Prompt            string
	Title             string
	ModelTag          string
	DurationS         int
	ReferenceAssetIDs []string
	AutoContinue      bool
}

// maxRequestedDurationS caps the ad length a single job may ask for.
const maxRequestedDurationS = 180

// ContinueResult reports what a continue did. NextPhase is 0 when the
// checkpoint was the last phase and the continue finalized the job instead
// of dispatching more work.
type ContinueResult struct {
	NextPhase        int    `json:"next_phase"`
	Branch           string `json:"branch_name"`
	CreatedNewBranch bool   `json:"created_new_branch"`
}

type Service interface {
	// Start creates the job row queued on the main branch and enqueues
	// phase 1.
	Start(ctx context.Context, in StartInput) (*types.VideoJob, error)
	// Continue approves the checkpoint and dispatches the next phase from it,
	// forking a child branch when the checkpoint carries edited artifacts.
	Continue(ctx context.Context, userID, videoID, checkpointID uuid.UUID) (*ContinueResult, error)
	// Cancel is idempotent: it revokes queued and running stage tasks and
	// flips the job to canceled. Already terminal jobs are left untouched.
	Cancel(ctx context.Context, userID, videoID uuid.UUID) error
	// Delete cancels, removes every blob under the job's prefix, and drops
	// all rows.
	Delete(ctx context.Context, userID, videoID uuid.UUID) error
	// AutoAdvance is the worker-side continue: same semantics, no ownership
	// gate, called by a stage that just parked its checkpoint.
	AutoAdvance(ctx context.Context, videoID, checkpointID uuid.UUID) error
}

type service struct {
	log     *logger.Logger
	db      *gorm.DB
	videos  videorepos.VideoJobRepo
	runs    jobrepos.JobRunRepo
	cps     checkpoints.CheckpointRepo
	arts    checkpoints.ArtifactRepo
	store   checkpoint.Service
	tracker progress.Tracker
	bucket  gcs.BucketService
}

func NewService(
	log *logger.Logger,
	db *gorm.DB,
	videos videorepos.VideoJobRepo,
	runs jobrepos.JobRunRepo,
	cps checkpoints.CheckpointRepo,
	arts checkpoints.ArtifactRepo,
	store checkpoint.Service,
	tracker progress.Tracker,
	bucket gcs.BucketService,
) Service {
	return &service{
		log:     log.With("service", "Orchestrator"),
		db:      db,
		videos:  videos,
		runs:    runs,
		cps:     cps,
		arts:    arts,
		store:   store,
		tracker: tracker,
		bucket:  bucket,
	}
}

func (s *service) Start(ctx context.Context, in StartInput) (*types.VideoJob, error) {
	if in.OwnerUserID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner required", ErrInvalidInput)
	}
	if in.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt required", ErrInvalidInput)
	}
	if in.DurationS < 0 || in.DurationS > maxRequestedDurationS {
		return nil, fmt.Errorf("%w: duration_s must be in 0..%d", ErrInvalidInput, maxRequestedDurationS)
	}
	model, err := providers.LookupVideoModel(in.ModelTag)
	if err != nil {
		return nil, err
	}

	row := &types.VideoJob{
		ID:                 uuid.New(),
		OwnerUserID:        in.OwnerUserID,
		Prompt:             in.Prompt,
		Title:              in.Title,
		ModelTag:           model.Tag,
		RequestedDurationS: in.DurationS,
		AutoContinue:       in.AutoContinue,
		Status:             domvideos.StatusQueued,
		CurrentBranch:      domvideos.DefaultBranch,
	}
	if len(in.ReferenceAssetIDs) > 0 {
		raw, err := json.Marshal(in.ReferenceAssetIDs)
		if err != nil {
			return nil, fmt.Errorf("encode reference assets: %w", err)
		}
		row.ReferenceAssetIDs = raw
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.New(ctx, tx)
		if _, err := s.videos.Create(dbc, row); err != nil {
			return fmt.Errorf("create video job: %w", err)
		}
		return s.enqueue(dbc, row, domvideos.PhasePlan, domvideos.DefaultBranch, nil)
	})
	if err != nil {
		return nil, err
	}

	queued := domvideos.StatusQueued
	zero := 0
	branch := domvideos.DefaultBranch
	msg := "Video job created"
	if err := s.tracker.Update(ctx, row.ID, progress.Delta{
		Status:   &queued,
		Progress: &zero,
		Branch:   &branch,
		Message:  &msg,
	}); err != nil {
		s.log.Warn("Seeding progress cache failed", "video_id", row.ID, "error", err)
	}

	s.log.Info("Video job started",
		"video_id", row.ID, "owner", row.OwnerUserID, "model", row.ModelTag,
		"auto_continue", row.AutoContinue)
	return row, nil
}

func (s *service) Continue(ctx context.Context, userID, videoID, checkpointID uuid.UUID) (*ContinueResult, error) {
	video, err := s.owned(ctx, userID, videoID)
	if err != nil {
		return nil, err
	}
	return s.advance(ctx, video, checkpointID)
}

func (s *service) AutoAdvance(ctx context.Context, videoID, checkpointID uuid.UUID) error {
	video, err := s.videos.GetByID(dbctx.New(ctx, nil), videoID)
	if err != nil {
		return fmt.Errorf("load video %s: %w", videoID, err)
	}
	if video == nil {
		return ErrNotFound
	}
	res, err := s.advance(ctx, video, checkpointID)
	if err != nil {
		return err
	}
	if res.NextPhase == 0 {
		s.log.Info("Auto-continue finalized video", "video_id", videoID)
	} else {
		s.log.Info("Auto-continue dispatched next phase",
			"video_id", videoID, "next_phase", res.NextPhase, "branch", res.Branch)
	}
	return nil
}

/*
advance is the shared continue core. It validates the checkpoint against the
job's current pause, approves it, decides whether the continuation forks a
branch, then either enqueues the next phase or, at the last phase, finalizes
the job to complete. An approved checkpoint that still matches the current
pause is allowed through again: that re-dispatches work lost between approve
and enqueue instead of wedging the job.
*/
func (s *service) advance(ctx context.Context, video *types.VideoJob, checkpointID uuid.UUID) (*ContinueResult, error) {
	if domvideos.IsTerminalStatus(video.Status) {
		return nil, fmt.Errorf("%w: status %s", ErrTerminal, video.Status)
	}

	cp, err := s.store.Get(ctx, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil || cp.VideoJobID != video.ID {
		return nil, fmt.Errorf("%w: checkpoint %s", ErrNotFound, checkpointID)
	}
	if cp.Status == domvideos.CheckpointSuperseded {
		return nil, ErrCheckpointSuperseded
	}
	if !domvideos.IsPausedStatus(video.Status) || domvideos.PhaseOfStatus(video.Status) != cp.Phase {
		return nil, fmt.Errorf("%w: job is %s, checkpoint is phase %d",
			ErrWrongPause, video.Status, cp.Phase)
	}

	dbc := dbctx.New(ctx, nil)
	active, err := s.runs.HasActiveForEntity(dbc, domjobs.EntityVideoJob, video.ID)
	if err != nil {
		return nil, fmt.Errorf("check active stage: %w", err)
	}
	if active {
		return nil, ErrStageInFlight
	}

	branch := cp.Branch
	forked := false
	if cp.Phase < domvideos.PhaseCount {
		edited, err := s.store.HasBeenEdited(ctx, cp.ID)
		if err != nil {
			return nil, fmt.Errorf("check checkpoint edits: %w", err)
		}
		if edited {
			branch, err = s.store.NextChildBranch(ctx, video.ID, cp)
			if err != nil {
				return nil, fmt.Errorf("allocate child branch: %w", err)
			}
			forked = true
		}
	}

	if err := s.store.Approve(ctx, cp.ID); err != nil {
		return nil, fmt.Errorf("approve checkpoint: %w", err)
	}

	if cp.Phase == domvideos.PhaseCount {
		return s.finalize(ctx, video, cp)
	}

	next := cp.Phase + 1
	if err := s.enqueue(dbc, video, next, branch, &cp.ID); err != nil {
		return nil, err
	}

	running := domvideos.StatusRunningPhase(next)
	label := domvideos.PhaseLabel(next)
	cpID := cp.ID
	msg := fmt.Sprintf("Phase %d (%s) dispatched", next, domvideos.PhaseName(next))
	if err := s.tracker.Update(ctx, video.ID, progress.Delta{
		Status:       &running,
		Phase:        &label,
		Branch:       &branch,
		CheckpointID: &cpID,
		Message:      &msg,
	}); err != nil {
		s.log.Warn("Recording continue failed", "video_id", video.ID, "error", err)
	}

	s.log.Info("Continue dispatched",
		"video_id", video.ID, "checkpoint_id", cp.ID, "next_phase", next,
		"branch", branch, "forked", forked)
	return &ContinueResult{NextPhase: next, Branch: branch, CreatedNewBranch: forked}, nil
}

// finalize lands a phase-4 continue: no further work, the job is complete.
func (s *service) finalize(ctx context.Context, video *types.VideoJob, cp *types.Checkpoint) (*ContinueResult, error) {
	complete := domvideos.StatusComplete
	full := 100
	cpID := cp.ID
	msg := "Final video ready"
	if err := s.tracker.Update(ctx, video.ID, progress.Delta{
		Status:       &complete,
		Progress:     &full,
		CheckpointID: &cpID,
		Message:      &msg,
	}); err != nil {
		s.log.Warn("Recording completion failed", "video_id", video.ID, "error", err)
	}
	s.log.Info("Video complete", "video_id", video.ID, "checkpoint_id", cp.ID)
	return &ContinueResult{NextPhase: 0, Branch: cp.Branch, CreatedNewBranch: false}, nil
}

func (s *service) Cancel(ctx context.Context, userID, videoID uuid.UUID) error {
	video, err := s.owned(ctx, userID, videoID)
	if err != nil {
		return err
	}

	revoked, err := s.runs.RevokeActiveByEntity(
		dbctx.New(ctx, nil), domjobs.EntityVideoJob, video.ID, "canceled by user")
	if err != nil {
		return fmt.Errorf("revoke stage tasks: %w", err)
	}
	if domvideos.IsTerminalStatus(video.Status) {
		return nil
	}

	canceled := domvideos.StatusCanceled
	msg := "Canceled by user"
	// Force: cancel is a user-intent transition and must win over whatever a
	// late worker wrote into the cache.
	if err := s.tracker.Update(ctx, video.ID, progress.Delta{
		Status:  &canceled,
		Message: &msg,
		Force:   true,
	}); err != nil {
		return fmt.Errorf("record cancel: %w", err)
	}

	s.log.Info("Video canceled", "video_id", video.ID, "revoked_tasks", revoked)
	return nil
}

func (s *service) Delete(ctx context.Context, userID, videoID uuid.UUID) error {
	video, err := s.owned(ctx, userID, videoID)
	if err != nil {
		return err
	}

	if _, err := s.runs.RevokeActiveByEntity(
		dbctx.New(ctx, nil), domjobs.EntityVideoJob, video.ID, "video deleted"); err != nil {
		return fmt.Errorf("revoke stage tasks: %w", err)
	}

	// Blobs before rows: a partial failure leaves the rows in place so a
	// retried delete still knows the prefix to sweep.
	prefix := blobpath.VideoPrefix(video.OwnerUserID, video.ID)
	if _, err := s.bucket.DeletePrefix(ctx, prefix); err != nil {
		return fmt.Errorf("delete blobs under %s: %w", prefix, err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.New(ctx, tx)
		if _, err := s.arts.FullDeleteByJob(dbc, video.ID); err != nil {
			return fmt.Errorf("delete artifact rows: %w", err)
		}
		if _, err := s.cps.FullDeleteByJob(dbc, video.ID); err != nil {
			return fmt.Errorf("delete checkpoint rows: %w", err)
		}
		if _, err := s.runs.DeleteByEntity(dbc, domjobs.EntityVideoJob, video.ID); err != nil {
			return fmt.Errorf("delete queue rows: %w", err)
		}
		if err := s.videos.FullDelete(dbc, video.ID); err != nil {
			return fmt.Errorf("delete video row: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.tracker.Forget(ctx, video.ID); err != nil {
		s.log.Warn("Dropping progress cache failed", "video_id", video.ID, "error", err)
	}

	s.log.Info("Video deleted", "video_id", video.ID)
	return nil
}

// enqueue creates the queue row for one stage, guarded so at most one stage
// task per video is queued or running.
func (s *service) enqueue(dbc dbctx.Context, video *types.VideoJob, phase int, branch string, sourceID *uuid.UUID) error {
	active, err := s.runs.HasActiveForEntity(dbc, domjobs.EntityVideoJob, video.ID)
	if err != nil {
		return fmt.Errorf("check active stage: %w", err)
	}
	if active {
		return ErrStageInFlight
	}

	payload := domjobs.StagePayload{
		VideoID:            video.ID,
		Phase:              phase,
		Branch:             branch,
		SourceCheckpointID: sourceID,
		AutoContinue:       video.AutoContinue,
	}
	raw, err := payload.JSON()
	if err != nil {
		return err
	}

	if _, err := s.runs.Create(dbc, &types.JobRun{
		ID:          uuid.New(),
		OwnerUserID: video.OwnerUserID,
		JobType:     domjobs.JobTypeForPhase(phase),
		EntityType:  domjobs.EntityVideoJob,
		EntityID:    &video.ID,
		Status:      domjobs.RunQueued,
		Stage:       "queued",
		Payload:     raw,
	}); err != nil {
		return fmt.Errorf("enqueue phase %d: %w", phase, err)
	}
	return nil
}

// owned loads the video and enforces ownership. Missing and foreign rows are
// distinguished so the API can answer 404 vs 403.
func (s *service) owned(ctx context.Context, userID, videoID uuid.UUID) (*types.VideoJob, error) {
	video, err := s.videos.GetByID(dbctx.New(ctx, nil), videoID)
	if err != nil {
		return nil, fmt.Errorf("load video %s: %w", videoID, err)
	}
	if video == nil {
		return nil, fmt.Errorf("%w: video %s", ErrNotFound, videoID)
	}
	if video.OwnerUserID != userID {
		return nil, ErrForbidden
	}
	return video, nil
}
