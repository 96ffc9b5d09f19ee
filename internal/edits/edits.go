// Package edits applies synchronous user mutations to a pending checkpoint:
// spec patches, storyboard image replacement or regeneration, and chunk
// regeneration. Every mutation lands through the artifact slot update path,
// so the slot version bumps in place and the next continue from the
// checkpoint forks a branch.
package edits

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spotforge/spotforge-backend/internal/adspec"
	"github.com/spotforge/spotforge-backend/internal/checkpoint"
	"github.com/spotforge/spotforge-backend/internal/data/repos/videos"
	types "github.com/spotforge/spotforge-backend/internal/domain"
	domvideos "github.com/spotforge/spotforge-backend/internal/domain/videos"
	"github.com/spotforge/spotforge-backend/internal/media"
	"github.com/spotforge/spotforge-backend/internal/pkg/dbctx"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/progress"
	"github.com/spotforge/spotforge-backend/internal/providers"
)

var (
	ErrInvalidInput = errors.New("invalid edit input")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("edit forbidden")
	// ErrNotEditable covers both conflict shapes: the checkpoint is no longer
	// pending, or its phase does not match the endpoint.
	ErrNotEditable = errors.New("checkpoint not editable")
)

// SpecPatch is a partial update of the phase-1 spec. Present fields replace
// the stored block wholesale; duration and archetype are pinned at plan time
// and cannot be edited.
type SpecPatch struct {
	Beats   *[]adspec.Beat  `json:"beats,omitempty"`
	Style   *adspec.Style   `json:"style,omitempty"`
	Product *adspec.Product `json:"product,omitempty"`
	Audio   *adspec.Audio   `json:"audio,omitempty"`
}

func (p SpecPatch) empty() bool {
	return p.Beats == nil && p.Style == nil && p.Product == nil && p.Audio == nil
}

// UploadImageInput replaces one storyboard keyframe with user-provided bytes.
type UploadImageInput struct {
	BeatIndex   int
	Image       []byte
	ContentType string
}

// RegenerateBeatInput re-renders one storyboard keyframe, seeding the image
// model with the current frame.
type RegenerateBeatInput struct {
	BeatIndex      int    `json:"beat_index"`
	PromptOverride string `json:"prompt_override,omitempty"`
}

// RegenerateChunkInput re-generates one motion chunk. ModelOverride may pick
// any registry model whose chunk length matches the job's plan.
type RegenerateChunkInput struct {
	ChunkIndex    int    `json:"chunk_index"`
	ModelOverride string `json:"model_override,omitempty"`
}

// Result identifies the artifact slot an edit touched. URL is a signed
// download link for blob-backed slots and empty for inline ones.
type Result struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	URL        string    `json:"s3_url,omitempty"`
	Version    int       `json:"version"`
}

type Service interface {
	// EditSpec patches the ad spec on a pending phase-1 checkpoint. The
	// merged spec is re-normalized, so beat durations are validated and
	// overflowing beats are truncated exactly as planner output would be.
	EditSpec(ctx context.Context, userID, videoID, cpID uuid.UUID, patch SpecPatch) (*Result, error)
	UploadBeatImage(ctx context.Context, userID, videoID, cpID uuid.UUID, in UploadImageInput) (*Result, error)
	RegenerateBeat(ctx context.Context, userID, videoID, cpID uuid.UUID, in RegenerateBeatInput) (*Result, error)
	RegenerateChunk(ctx context.Context, userID, videoID, cpID uuid.UUID, in RegenerateChunkInput) (*Result, error)
}

type service struct {
	log     *logger.Logger
	videos  videos.VideoJobRepo
	store   checkpoint.Service
	prov    providers.Set
	tools   media.ToolsService
	tracker progress.Tracker
}

func NewService(log *logger.Logger, videoRepo videos.VideoJobRepo, store checkpoint.Service, prov providers.Set, tools media.ToolsService, tracker progress.Tracker) Service {
	return &service{
		log:     log.With("service", "EditService"),
		videos:  videoRepo,
		store:   store,
		prov:    prov,
		tools:   tools,
		tracker: tracker,
	}
}

func (s *service) EditSpec(ctx context.Context, userID, videoID, cpID uuid.UUID, patch SpecPatch) (*Result, error) {
	if patch.empty() {
		return nil, fmt.Errorf("%w: patch has no fields", ErrInvalidInput)
	}
	video, cp, err := s.gate(ctx, userID, videoID, cpID, domvideos.PhasePlan)
	if err != nil {
		return nil, err
	}
	spec, _, err := s.store.Spec(ctx, cp.ID)
	if err != nil {
		return nil, err
	}

	if patch.Beats != nil {
		spec.Beats = *patch.Beats
	}
	if patch.Style != nil {
		spec.Style = *patch.Style
	}
	if patch.Product != nil {
		spec.Product = *patch.Product
	}
	if patch.Audio != nil {
		spec.Audio = *patch.Audio
	}

	res, err := spec.Normalize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if res.TruncatedBeats > 0 {
		s.log.Info("Spec edit truncated overflowing beats",
			"video_id", video.ID, "truncated", res.TruncatedBeats, "covered_s", res.ClampedAt)
	}

	raw, err := spec.Marshal()
	if err != nil {
		return nil, err
	}
	row, err := s.store.AddArtifact(ctx, video, cp, checkpoint.ArtifactInput{
		Kind:    domvideos.ArtifactSpec,
		Key:     domvideos.KeySpec,
		Payload: raw,
		Update:  true,
	})
	if err != nil {
		return nil, err
	}

	s.ping(ctx, video.ID, "Spec updated")
	return &Result{ArtifactID: row.ID, Version: row.Version}, nil
}

func (s *service) UploadBeatImage(ctx context.Context, userID, videoID, cpID uuid.UUID, in UploadImageInput) (*Result, error) {
	if len(in.Image) == 0 {
		return nil, fmt.Errorf("%w: empty image upload", ErrInvalidInput)
	}
	video, cp, err := s.gate(ctx, userID, videoID, cpID, domvideos.PhaseStoryboard)
	if err != nil {
		return nil, err
	}
	spec, _, err := s.store.Spec(ctx, cp.ID)
	if err != nil {
		return nil, err
	}
	if in.BeatIndex < 0 || in.BeatIndex >= len(spec.Beats) {
		return nil, fmt.Errorf("%w: beat index %d out of range (spec has %d beats)",
			ErrInvalidInput, in.BeatIndex, len(spec.Beats))
	}

	contentType := in.ContentType
	if contentType == "" {
		contentType = "image/png"
	}
	row, err := s.store.AddArtifact(ctx, video, cp, checkpoint.ArtifactInput{
		Kind:        domvideos.ArtifactBeatImage,
		Key:         domvideos.BeatKey(in.BeatIndex),
		Blob:        in.Image,
		ContentType: contentType,
		Update:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := s.rewriteImageURL(ctx, video, cp, spec, in.BeatIndex, row.StoragePath); err != nil {
		return nil, err
	}

	s.ping(ctx, video.ID, fmt.Sprintf("Beat %d image replaced", in.BeatIndex))
	return &Result{ArtifactID: row.ID, URL: s.signed(row), Version: row.Version}, nil
}

func (s *service) RegenerateBeat(ctx context.Context, userID, videoID, cpID uuid.UUID, in RegenerateBeatInput) (*Result, error) {
	video, cp, err := s.gate(ctx, userID, videoID, cpID, domvideos.PhaseStoryboard)
	if err != nil {
		return nil, err
	}
	spec, _, err := s.store.Spec(ctx, cp.ID)
	if err != nil {
		return nil, err
	}
	if in.BeatIndex < 0 || in.BeatIndex >= len(spec.Beats) {
		return nil, fmt.Errorf("%w: beat index %d out of range (spec has %d beats)",
			ErrInvalidInput, in.BeatIndex, len(spec.Beats))
	}

	prompt := spec.Beats[in.BeatIndex].Prompt
	if strings.TrimSpace(in.PromptOverride) != "" {
		prompt = in.PromptOverride
	}
	current, err := s.artifactBlob(ctx, cp.ID, domvideos.ArtifactBeatImage, domvideos.BeatKey(in.BeatIndex))
	if err != nil {
		return nil, err
	}

	png, usage, err := s.prov.Image.GenerateImage(ctx, providers.ImageRequest{
		Prompt:    prompt,
		StyleNote: spec.StyleNote(),
		InitImage: current,
	})
	s.bookCost(video.ID, cp.Phase, usage)
	if err != nil {
		return nil, fmt.Errorf("regenerate beat %d keyframe: %w", in.BeatIndex, err)
	}

	row, err := s.store.AddArtifact(ctx, video, cp, checkpoint.ArtifactInput{
		Kind:        domvideos.ArtifactBeatImage,
		Key:         domvideos.BeatKey(in.BeatIndex),
		Blob:        png,
		ContentType: "image/png",
		CostUSD:     usage.CostUSD,
		Update:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := s.rewriteImageURL(ctx, video, cp, spec, in.BeatIndex, row.StoragePath); err != nil {
		return nil, err
	}

	s.ping(ctx, video.ID, fmt.Sprintf("Beat %d image regenerated", in.BeatIndex))
	return &Result{ArtifactID: row.ID, URL: s.signed(row), Version: row.Version}, nil
}

func (s *service) RegenerateChunk(ctx context.Context, userID, videoID, cpID uuid.UUID, in RegenerateChunkInput) (*Result, error) {
	video, cp, err := s.gate(ctx, userID, videoID, cpID, domvideos.PhaseChunks)
	if err != nil {
		return nil, err
	}
	spec, _, err := s.store.Spec(ctx, cp.ID)
	if err != nil {
		return nil, err
	}

	// The plan is rebuilt with the job model's chunk length regardless of any
	// override: chunk boundaries were fixed when phase 3 ran.
	jobModel, err := providers.LookupVideoModel(video.ModelTag)
	if err != nil {
		return nil, err
	}
	genModel := jobModel
	if in.ModelOverride != "" {
		genModel, err = providers.LookupVideoModel(in.ModelOverride)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if genModel.ChunkDurationS != jobModel.ChunkDurationS {
			return nil, fmt.Errorf("%w: model %s generates %ds chunks, job was planned at %ds",
				ErrInvalidInput, genModel.Tag, genModel.ChunkDurationS, jobModel.ChunkDurationS)
		}
	}

	plan, err := adspec.BuildChunkPlan(spec, float64(jobModel.ChunkDurationS))
	if err != nil {
		return nil, err
	}
	if in.ChunkIndex < 0 || in.ChunkIndex >= plan.TotalChunks {
		return nil, fmt.Errorf("%w: chunk index %d out of range (plan has %d chunks)",
			ErrInvalidInput, in.ChunkIndex, plan.TotalChunks)
	}
	c := plan.Chunks[in.ChunkIndex]

	firstFrame, err := s.chunkSeed(ctx, cp, c)
	if err != nil {
		return nil, err
	}

	mp4, usage, err := s.prov.Video.GenerateChunk(ctx, providers.VideoRequest{
		ModelTag:   genModel.Tag,
		Prompt:     c.Prompt,
		FirstFrame: firstFrame,
		DurationS:  c.DurationS,
	})
	s.bookCost(video.ID, cp.Phase, usage)
	if err != nil {
		return nil, fmt.Errorf("regenerate chunk %d: %w", c.Index, err)
	}

	row, err := s.store.AddArtifact(ctx, video, cp, checkpoint.ArtifactInput{
		Kind:        domvideos.ArtifactChunk,
		Key:         domvideos.ChunkKey(c.Index),
		Blob:        mp4,
		ContentType: "video/mp4",
		ProviderTag: genModel.Tag,
		CostUSD:     usage.CostUSD,
		Update:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := s.refreshChunkDerived(ctx, video, cp, plan, c, mp4, jobModel.Tag); err != nil {
		return nil, err
	}

	s.ping(ctx, video.ID, fmt.Sprintf("Chunk %d regenerated (%s)", c.Index, genModel.Tag))
	return &Result{ArtifactID: row.ID, URL: s.signed(row), Version: row.Version}, nil
}

// gate loads the job and checkpoint and verifies the edit is allowed: the
// caller owns the job, the checkpoint belongs to it and is still pending,
// and its phase matches the endpoint.
func (s *service) gate(ctx context.Context, userID, videoID, cpID uuid.UUID, phase int) (*types.VideoJob, *types.Checkpoint, error) {
	video, err := s.videos.GetByID(dbctx.Context{Ctx: ctx}, videoID)
	if err != nil {
		return nil, nil, err
	}
	if video == nil {
		return nil, nil, fmt.Errorf("%w: video %s", ErrNotFound, videoID)
	}
	if video.OwnerUserID != userID {
		return nil, nil, fmt.Errorf("%w: video %s belongs to another user", ErrForbidden, videoID)
	}
	cp, err := s.store.Get(ctx, cpID)
	if err != nil {
		return nil, nil, err
	}
	if cp == nil || cp.VideoJobID != video.ID {
		return nil, nil, fmt.Errorf("%w: checkpoint %s", ErrNotFound, cpID)
	}
	if cp.Status != domvideos.CheckpointPending {
		return nil, nil, fmt.Errorf("%w: checkpoint %s is %s", ErrNotEditable, cp.ID, cp.Status)
	}
	if cp.Phase != phase {
		return nil, nil, fmt.Errorf("%w: checkpoint %s holds phase %d output, this edit applies to phase %d",
			ErrNotEditable, cp.ID, cp.Phase, phase)
	}
	return video, cp, nil
}

// chunkSeed loads the frame a regenerated chunk is conditioned on: the
// storyboard keyframe for reference chunks, the stored last frame of the
// predecessor for continuations.
func (s *service) chunkSeed(ctx context.Context, cp *types.Checkpoint, c adspec.ChunkSpec) ([]byte, error) {
	if c.Reference {
		if cp.ParentID == nil {
			return nil, fmt.Errorf("checkpoint %s has no parent storyboard checkpoint", cp.ID)
		}
		return s.artifactBlob(ctx, *cp.ParentID, domvideos.ArtifactBeatImage, domvideos.BeatKey(c.BeatIndex))
	}
	return s.artifactBlob(ctx, cp.ID, domvideos.ArtifactBeatLastFrame, domvideos.ChunkKey(c.Index-1))
}

// refreshChunkDerived rebuilds what a new chunk invalidates: the stored last
// frame that seeds the next continuation, and the stitched rough cut. Later
// chunks in the group keep their old content; regenerating them is the
// user's call.
func (s *service) refreshChunkDerived(ctx context.Context, video *types.VideoJob, cp *types.Checkpoint, plan *adspec.ChunkPlan, c adspec.ChunkSpec, mp4 []byte, stitchTag string) error {
	dir, cleanup, err := s.tools.WorkDir(ctx, "regen-chunk")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer cleanup()

	chunkPaths := make([]string, plan.TotalChunks)
	for i := range chunkPaths {
		data := mp4
		if i != c.Index {
			data, err = s.artifactBlob(ctx, cp.ID, domvideos.ArtifactChunk, domvideos.ChunkKey(i))
			if err != nil {
				return err
			}
		}
		path := filepath.Join(dir, domvideos.ChunkKey(i)+".mp4")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write chunk scratch file: %w", err)
		}
		chunkPaths[i] = path
	}

	frameRow, err := s.store.Artifact(ctx, cp.ID, domvideos.ArtifactBeatLastFrame, domvideos.ChunkKey(c.Index))
	if err != nil {
		return err
	}
	if frameRow != nil {
		png, err := s.tools.LastFrame(ctx, chunkPaths[c.Index])
		if err != nil {
			return fmt.Errorf("extract last frame: %w", err)
		}
		if _, err := s.store.AddArtifact(ctx, video, cp, checkpoint.ArtifactInput{
			Kind:        domvideos.ArtifactBeatLastFrame,
			Key:         domvideos.ChunkKey(c.Index),
			Blob:        png,
			ContentType: "image/png",
			Update:      true,
		}); err != nil {
			return fmt.Errorf("store last frame artifact: %w", err)
		}
	}

	outPath := filepath.Join(dir, "stitched.mp4")
	if _, err := s.tools.StitchChunks(ctx, chunkPaths, outPath); err != nil {
		return fmt.Errorf("stitch chunks: %w", err)
	}
	stitched, err := os.ReadFile(outPath)
	if err != nil {
		return fmt.Errorf("read stitched output: %w", err)
	}
	if _, err := s.store.AddArtifact(ctx, video, cp, checkpoint.ArtifactInput{
		Kind:        domvideos.ArtifactStitchedVideo,
		Key:         domvideos.KeyStitched,
		Blob:        stitched,
		ContentType: "video/mp4",
		ProviderTag: stitchTag,
		Update:      true,
	}); err != nil {
		return fmt.Errorf("store stitched artifact: %w", err)
	}
	return nil
}

// rewriteImageURL repoints the spec at the new keyframe version. Versioned
// storage paths change on every bump, so the stored spec must follow or
// phase 3 would seed from a stale frame.
func (s *service) rewriteImageURL(ctx context.Context, video *types.VideoJob, cp *types.Checkpoint, spec *adspec.Spec, beatIndex int, path string) error {
	spec.Beats[beatIndex].ImageURL = path
	raw, err := spec.Marshal()
	if err != nil {
		return err
	}
	_, err = s.store.AddArtifact(ctx, video, cp, checkpoint.ArtifactInput{
		Kind:    domvideos.ArtifactSpec,
		Key:     domvideos.KeySpec,
		Payload: raw,
		Update:  true,
	})
	return err
}

// artifactBlob downloads one blob-backed artifact from any checkpoint.
func (s *service) artifactBlob(ctx context.Context, cpID uuid.UUID, kind, key string) ([]byte, error) {
	row, err := s.store.Artifact(ctx, cpID, kind, key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("checkpoint %s has no %s/%s artifact", cpID, kind, key)
	}
	rc, err := s.store.OpenBlob(ctx, row)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// bookCost lands provider spend on the job immediately, before any error
// handling: money spent on a failed edit is still spent.
func (s *service) bookCost(videoID uuid.UUID, phase int, u providers.Usage) {
	if u.CostUSD == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.tracker.Update(ctx, videoID, progress.Delta{
		AddCostUSD:     u.CostUSD,
		PhaseCostPhase: domvideos.PhaseLabel(phase),
		PhaseCostUSD:   u.CostUSD,
	}); err != nil {
		s.log.Warn("Edit cost update failed", "video_id", videoID, "cost_usd", u.CostUSD, "error", err)
	}
}

// ping nudges the live snapshot so streaming clients re-read checkpoint
// state after an edit.
func (s *service) ping(ctx context.Context, videoID uuid.UUID, msg string) {
	if err := s.tracker.Update(ctx, videoID, progress.Delta{Message: &msg}); err != nil {
		s.log.Warn("Edit progress ping failed", "video_id", videoID, "error", err)
	}
}

func (s *service) signed(a *types.Artifact) string {
	url, err := s.store.SignedURL(a)
	if err != nil {
		s.log.Warn("Signing edited artifact URL failed", "artifact_id", a.ID, "error", err)
		return ""
	}
	return url
}
