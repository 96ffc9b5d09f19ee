// Package pipelines holds the four stage workers of the generation pipeline.
// Each one turns a claimed queue row into a checkpoint full of artifacts:
// plan writes the ad spec, storyboard the beat keyframes, chunks the motion
// clips and the rough cut, refine the music and the final video. All four
// share one lifecycle: resolve inputs, ensure the working checkpoint, run the
// stage body under its wall-clock budget, then pause the video at the new
// checkpoint for review (or hand it to the orchestrator when auto-continue
// is on).
package pipelines

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/spotforge/spotforge-backend/internal/checkpoint"
	videorepos "github.com/spotforge/spotforge-backend/internal/data/repos/videos"
	types "github.com/spotforge/spotforge-backend/internal/domain"
	domjobs "github.com/spotforge/spotforge-backend/internal/domain/jobs"
	domvideos "github.com/spotforge/spotforge-backend/internal/domain/videos"
	"github.com/spotforge/spotforge-backend/internal/jobs/runtime"
	"github.com/spotforge/spotforge-backend/internal/media"
	"github.com/spotforge/spotforge-backend/internal/pkg/dbctx"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/progress"
	"github.com/spotforge/spotforge-backend/internal/providers"
	"github.com/spotforge/spotforge-backend/internal/realtime"
)

// Advancer approves a fresh checkpoint and dispatches the next phase. The
// orchestrator implements it; stages call it only for auto-continue jobs.
type Advancer interface {
	AutoAdvance(ctx context.Context, videoID, checkpointID uuid.UUID) error
}

// Env bundles everything a stage body needs. One Env is shared by all four
// pipelines.
type Env struct {
	Log       *logger.Logger
	DB        *gorm.DB
	Videos    videorepos.VideoJobRepo
	Store     checkpoint.Service
	Tracker   progress.Tracker
	Providers providers.Set
	Tools     media.ToolsService
	Advance   Advancer
}

// Register wires the four stage pipelines into the worker registry.
func Register(reg *runtime.Registry, env Env) error {
	for _, h := range []runtime.Handler{
		NewPlanPipeline(env),
		NewStoryboardPipeline(env),
		NewChunksPipeline(env),
		NewRefinePipeline(env),
	} {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

/*
StagePipeline runs one generative phase. The shared Run owns the lifecycle
every phase repeats: decode the payload, load and gate the video, resolve the
source checkpoint, ensure the working checkpoint, execute the body under the
phase budget, and land the video on paused_at_{k} with a checkpoint event.
The bodies only do phase-specific work through the stageRun handle.
*/
type StagePipeline struct {
	env   Env
	log   *logger.Logger
	phase int
	body  func(r *stageRun) error
}

func NewPlanPipeline(env Env) *StagePipeline {
	return newStagePipeline(env, domvideos.PhasePlan, runPlan)
}

func NewStoryboardPipeline(env Env) *StagePipeline {
	return newStagePipeline(env, domvideos.PhaseStoryboard, runStoryboard)
}

func NewChunksPipeline(env Env) *StagePipeline {
	return newStagePipeline(env, domvideos.PhaseChunks, runChunks)
}

func NewRefinePipeline(env Env) *StagePipeline {
	return newStagePipeline(env, domvideos.PhaseRefine, runRefine)
}

func newStagePipeline(env Env, phase int, body func(r *stageRun) error) *StagePipeline {
	return &StagePipeline{
		env:   env,
		log:   env.Log.With("job", domjobs.JobTypeForPhase(phase)),
		phase: phase,
		body:  body,
	}
}

func (p *StagePipeline) Type() string { return domjobs.JobTypeForPhase(p.phase) }

func (p *StagePipeline) Run(jc *runtime.Context) error {
	if jc.Job == nil {
		return nil
	}
	payload, err := jc.StagePayload()
	if err != nil {
		return err
	}
	if payload.Phase != p.phase {
		return fmt.Errorf("payload phase %d on a %s row", payload.Phase, p.Type())
	}
	stage := domvideos.PhaseName(p.phase)
	jc.Progress(stage, 0)

	ctx, cancel := context.WithTimeout(jc.Ctx, stageBudget(p.phase))
	defer cancel()

	video, err := p.env.Videos.GetByID(dbctx.New(ctx, nil), payload.VideoID)
	if err != nil {
		return fmt.Errorf("load video %s: %w", payload.VideoID, err)
	}
	if video == nil {
		return fmt.Errorf("video %s not found", payload.VideoID)
	}
	// A redelivered row for a video the user already canceled, or that
	// failed terminally, must not spend provider money.
	if domvideos.IsTerminalStatus(video.Status) {
		p.log.Info("Skipping stage for terminal video",
			"video_id", video.ID, "video_status", video.Status)
		jc.Succeed(stage, map[string]any{"skipped": true, "video_status": video.Status})
		return nil
	}

	var source *types.Checkpoint
	if p.phase > domvideos.PhasePlan {
		if payload.SourceCheckpointID == nil {
			return fmt.Errorf("phase %d requires a source checkpoint", p.phase)
		}
		source, err = p.env.Store.Get(ctx, *payload.SourceCheckpointID)
		if err != nil {
			return fmt.Errorf("load source checkpoint: %w", err)
		}
		if source == nil || source.VideoJobID != video.ID {
			return fmt.Errorf("source checkpoint %s does not belong to video %s",
				*payload.SourceCheckpointID, video.ID)
		}
	}

	r := &stageRun{
		env:     p.env,
		log:     p.log.With("video_id", video.ID),
		jc:      jc,
		ctx:     ctx,
		payload: payload,
		video:   video,
		source:  source,
		phase:   p.phase,
		stage:   stage,
		window:  phaseWindows[p.phase],
		started: time.Now(),
	}

	running := domvideos.StatusRunningPhase(p.phase)
	label := domvideos.PhaseLabel(p.phase)
	start := r.window.start
	msg := fmt.Sprintf("Phase %d (%s) started", p.phase, stage)
	r.track(progress.Delta{
		Status:   &running,
		Phase:    &label,
		Progress: &start,
		Branch:   &payload.Branch,
		Message:  &msg,
	})

	cp, err := p.env.Store.EnsureCheckpoint(ctx, video, payload.Branch, p.phase, payload.SourceCheckpointID)
	if err != nil {
		err = fmt.Errorf("ensure checkpoint: %w", err)
		r.fail(err)
		return err
	}
	r.cp = cp

	if err := p.body(r); err != nil {
		r.fail(err)
		return err
	}

	p.finish(r)
	return nil
}

/*
finish lands a successful run: the checkpoint event, the paused status, the
queue row's terminal success, and (for auto-continue jobs) the dispatch of
the next phase. Succeed comes before AutoAdvance so the next enqueue's
single-flight check does not see this row as still running.
*/
func (p *StagePipeline) finish(r *stageRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cpID := r.cp.ID
	if err := r.env.Tracker.Update(ctx, r.video.ID, progress.Delta{
		CheckpointID: &cpID,
		Event:        realtime.SSEEventCheckpointCreated,
		EventData: realtime.CheckpointCreatedData{
			CheckpointID: r.cp.ID,
			Phase:        r.cp.Phase,
			Branch:       r.cp.Branch,
		},
	}); err != nil {
		r.log.Warn("Publishing checkpoint event failed", "checkpoint_id", cpID, "error", err)
	}

	paused := domvideos.StatusPausedAtPhase(p.phase)
	end := r.window.end
	msg := fmt.Sprintf("Phase %d (%s) complete; awaiting continue", p.phase, r.stage)
	if r.payload.AutoContinue {
		msg = fmt.Sprintf("Phase %d (%s) complete", p.phase, r.stage)
	}
	if err := r.env.Tracker.Update(ctx, r.video.ID, progress.Delta{
		Status:       &paused,
		Progress:     &end,
		Message:      &msg,
		CheckpointID: &cpID,
		AddDurationS: time.Since(r.started).Seconds(),
	}); err != nil {
		r.log.Warn("Recording pause failed", "checkpoint_id", cpID, "error", err)
	}

	r.jc.Succeed(r.stage, map[string]any{
		"video_id":      r.video.ID.String(),
		"checkpoint_id": r.cp.ID.String(),
		"phase":         p.phase,
		"branch":        r.cp.Branch,
		"cost_usd":      r.cost(),
	})

	if r.payload.AutoContinue && p.env.Advance != nil {
		actx, acancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer acancel()
		if err := p.env.Advance.AutoAdvance(actx, r.video.ID, r.cp.ID); err != nil {
			r.log.Warn("Auto-continue dispatch failed; video stays paused",
				"checkpoint_id", r.cp.ID, "error", err)
		}
	}
}

// stageRun is the per-execution state handed to stage bodies.
type stageRun struct {
	env     Env
	log     *logger.Logger
	jc      *runtime.Context
	ctx     context.Context
	payload domjobs.StagePayload
	video   *types.VideoJob
	source  *types.Checkpoint // nil for phase 1
	cp      *types.Checkpoint
	phase   int
	stage   string
	window  progressWindow
	started time.Time

	mu      sync.Mutex
	costUSD float64
}

// step reports stage-relative progress (0..100) on both the queue row and
// the user-facing tracker, mapped into the phase's slice of the overall bar.
func (r *stageRun) step(pct int, msg string) {
	r.jc.Progress(r.stage, pct)
	overall := r.window.at(pct)
	d := progress.Delta{Progress: &overall}
	if msg != "" {
		d.Message = &msg
	}
	r.track(d)
}

func (r *stageRun) track(d progress.Delta) {
	if err := r.env.Tracker.Update(r.ctx, r.video.ID, d); err != nil {
		r.log.Warn("Progress update failed", "error", err)
	}
}

// fail flips the user-facing status to failed. Detached from the run context
// so a timed-out stage can still record why it died; when the video was
// canceled first, the tracker's terminal lock rejects the status write but
// the time spent still accumulates.
func (r *stageRun) fail(stageErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	failed := domvideos.StatusFailed
	msg := stageErr.Error()
	if err := r.env.Tracker.Update(ctx, r.video.ID, progress.Delta{
		Status:       &failed,
		Error:        &msg,
		AddDurationS: time.Since(r.started).Seconds(),
	}); err != nil {
		r.log.Warn("Recording stage failure failed", "error", err)
	}
}

// addCost books provider spend immediately, on a detached context: money
// already spent must land even when the stage is about to fail or time out.
func (r *stageRun) addCost(u providers.Usage) {
	if u.CostUSD == 0 {
		return
	}
	r.mu.Lock()
	r.costUSD += u.CostUSD
	r.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.env.Tracker.Update(ctx, r.video.ID, progress.Delta{
		AddCostUSD:     u.CostUSD,
		PhaseCostPhase: domvideos.PhaseLabel(r.phase),
		PhaseCostUSD:   u.CostUSD,
	}); err != nil {
		r.log.Warn("Cost update failed", "cost_usd", u.CostUSD, "error", err)
	}
}

func (r *stageRun) cost() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.costUSD
}

// upsert writes an artifact slot, retrying as an update when an idempotent
// re-run collides with its own earlier write.
func (r *stageRun) upsert(in checkpoint.ArtifactInput) (*types.Artifact, error) {
	a, err := r.env.Store.AddArtifact(r.ctx, r.video, r.cp, in)
	if err != nil && errors.Is(err, checkpoint.ErrSlotOccupied) && !in.Update {
		in.Update = true
		return r.env.Store.AddArtifact(r.ctx, r.video, r.cp, in)
	}
	return a, err
}

// artifactBlob downloads one blob-backed artifact from any checkpoint.
func (r *stageRun) artifactBlob(cpID uuid.UUID, kind, key string) ([]byte, error) {
	row, err := r.env.Store.Artifact(r.ctx, cpID, kind, key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("checkpoint %s has no %s/%s artifact", cpID, kind, key)
	}
	rc, err := r.env.Store.OpenBlob(r.ctx, row)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// canceled reports whether the stage should stop doing paid work. Bodies
// check it between provider calls; the budget context covers everything else.
func (r *stageRun) canceled() bool {
	return r.ctx.Err() != nil || r.jc.Canceled()
}

// progressWindow maps a stage's internal 0..100 onto its slice of the job's
// overall progress bar.
type progressWindow struct{ start, end int }

func (w progressWindow) at(stagePct int) int {
	if stagePct < 0 {
		stagePct = 0
	}
	if stagePct > 100 {
		stagePct = 100
	}
	return w.start + (w.end-w.start)*stagePct/100
}

var phaseWindows = map[int]progressWindow{
	domvideos.PhasePlan:       {start: 0, end: 12},
	domvideos.PhaseStoryboard: {start: 12, end: 38},
	domvideos.PhaseChunks:     {start: 38, end: 85},
	domvideos.PhaseRefine:     {start: 85, end: 98},
}

// stageBudget is the wall-clock allowance per phase. Chunks dominates: tens
// of provider calls at tens of seconds each.
func stageBudget(phase int) time.Duration {
	switch phase {
	case domvideos.PhasePlan:
		return 2 * time.Minute
	case domvideos.PhaseChunks:
		return 30 * time.Minute
	default:
		return 10 * time.Minute
	}
}
