package pipelines

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/spotforge/spotforge-backend/internal/adspec"
	"github.com/spotforge/spotforge-backend/internal/checkpoint"
	domvideos "github.com/spotforge/spotforge-backend/internal/domain/videos"
	"github.com/spotforge/spotforge-backend/internal/jobs/pipeline/chunksched"
	"github.com/spotforge/spotforge-backend/internal/providers"
)

/*
runChunks generates the motion clips. The storyboard spec is sliced into
model-length chunks, chunks are grouped by the storyboard image they descend
from, and the groups run in parallel while each group's chunks run in order
(a continuation needs its predecessor's last frame). Every chunk lands as an
artifact the moment it is generated, so a failed run leaves the survivors
inspectable on the checkpoint. The stage only succeeds when the full 0..N-1
set exists and the rough cut is stitched.
*/
func runChunks(r *stageRun) error {
	spec, specRow, err := r.env.Store.Spec(r.ctx, r.source.ID)
	if err != nil {
		return fmt.Errorf("load source spec: %w", err)
	}
	if err := spec.Check(); err != nil {
		return err
	}
	if err := spec.RequireImages(); err != nil {
		return err
	}

	model, err := providers.LookupVideoModel(r.video.ModelTag)
	if err != nil {
		return err
	}
	plan, err := adspec.BuildChunkPlan(spec, float64(model.ChunkDurationS))
	if err != nil {
		return err
	}
	groups := chunksched.BuildGroups(plan)

	// Chunks with a successor in their group must leave a last frame behind
	// for the continuation to seed from.
	needsFrame := map[int]bool{}
	for _, g := range groups {
		for i := 0; i+1 < len(g.Chunks); i++ {
			needsFrame[g.Chunks[i].Index] = true
		}
	}

	dir, cleanup, err := r.env.Tools.WorkDir(r.ctx, "chunks")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer cleanup()

	total := plan.TotalChunks
	r.step(5, fmt.Sprintf("Generating %d chunks in %d groups (%s)", total, len(groups), model.Tag))

	// mu serializes completion accounting across groups: the progress bar
	// stays monotonic and chunkPaths sees no concurrent writes.
	var mu sync.Mutex
	done := 0
	chunkPaths := make([]string, total)

	step := func(ctx context.Context, prev *chunksched.StepResult, c adspec.ChunkSpec) (chunksched.StepResult, error) {
		if r.canceled() {
			return chunksched.StepResult{}, context.Canceled
		}

		var firstFrame []byte
		if prev != nil {
			firstFrame = prev.Carry
		} else {
			frame, err := r.artifactBlob(r.source.ID, domvideos.ArtifactBeatImage, domvideos.BeatKey(c.BeatIndex))
			if err != nil {
				return chunksched.StepResult{}, fmt.Errorf("load beat %d keyframe: %w", c.BeatIndex, err)
			}
			firstFrame = frame
		}

		mp4, usage, err := r.env.Providers.Video.GenerateChunk(ctx, providers.VideoRequest{
			ModelTag:   model.Tag,
			Prompt:     c.Prompt,
			FirstFrame: firstFrame,
			DurationS:  c.DurationS,
		})
		r.addCost(usage)
		if err != nil {
			return chunksched.StepResult{}, fmt.Errorf("generate: %w", err)
		}

		if _, err := r.upsert(checkpoint.ArtifactInput{
			Kind:        domvideos.ArtifactChunk,
			Key:         domvideos.ChunkKey(c.Index),
			Blob:        mp4,
			ContentType: "video/mp4",
			ProviderTag: model.Tag,
			CostUSD:     usage.CostUSD,
		}); err != nil {
			return chunksched.StepResult{}, fmt.Errorf("store chunk artifact: %w", err)
		}

		path := filepath.Join(dir, domvideos.ChunkKey(c.Index)+".mp4")
		if err := os.WriteFile(path, mp4, 0o644); err != nil {
			return chunksched.StepResult{}, fmt.Errorf("write chunk scratch file: %w", err)
		}

		res := chunksched.StepResult{CostUSD: usage.CostUSD}
		if needsFrame[c.Index] {
			png, err := r.env.Tools.LastFrame(ctx, path)
			if err != nil {
				return chunksched.StepResult{}, fmt.Errorf("extract last frame: %w", err)
			}
			if _, err := r.upsert(checkpoint.ArtifactInput{
				Kind:        domvideos.ArtifactBeatLastFrame,
				Key:         domvideos.ChunkKey(c.Index),
				Blob:        png,
				ContentType: "image/png",
			}); err != nil {
				return chunksched.StepResult{}, fmt.Errorf("store last frame artifact: %w", err)
			}
			res.Carry = png
		}

		mu.Lock()
		chunkPaths[c.Index] = path
		done++
		r.step(5+done*83/total, fmt.Sprintf("Chunk %d/%d done", done, total))
		mu.Unlock()
		return res, nil
	}

	sched := chunksched.Scheduler{Cap: chunksched.DefaultGroupCap}
	results, err := sched.Run(r.ctx, groups, step)
	if err != nil {
		return fmt.Errorf("chunk generation: %w", err)
	}
	if len(results) != total {
		return fmt.Errorf("chunk set has gaps: %d of %d generated", len(results), total)
	}
	for i, res := range results {
		if res.Index != i {
			return fmt.Errorf("chunk set has gaps: missing chunk %d", i)
		}
	}

	r.step(90, "Stitching rough cut")
	outPath := filepath.Join(dir, "stitched.mp4")
	if _, err := r.env.Tools.StitchChunks(r.ctx, chunkPaths, outPath); err != nil {
		return fmt.Errorf("stitch chunks: %w", err)
	}

	covered := float64(spec.TotalBeatSeconds())
	if dur, err := r.env.Tools.ProbeDuration(r.ctx, outPath); err != nil {
		r.log.Warn("Probing stitched duration failed", "error", err)
	} else if math.Abs(dur-covered) > 1.0 {
		r.log.Warn("Stitched duration drifts from planned coverage",
			"stitched_s", dur, "planned_s", covered)
	}

	stitched, err := os.ReadFile(outPath)
	if err != nil {
		return fmt.Errorf("read stitched output: %w", err)
	}
	if _, err := r.upsert(checkpoint.ArtifactInput{
		Kind:        domvideos.ArtifactStitchedVideo,
		Key:         domvideos.KeyStitched,
		Blob:        stitched,
		ContentType: "video/mp4",
		ProviderTag: model.Tag,
	}); err != nil {
		return fmt.Errorf("store stitched artifact: %w", err)
	}

	// Carry the spec forward so this checkpoint resumes without walking
	// parents.
	if _, err := r.upsert(checkpoint.ArtifactInput{
		Kind:    domvideos.ArtifactSpec,
		Key:     domvideos.KeySpec,
		Payload: specRow.Payload,
	}); err != nil {
		return fmt.Errorf("store spec artifact: %w", err)
	}

	r.step(100, fmt.Sprintf("Rough cut ready (%d chunks, %.0fs)", total, covered))
	return nil
}
