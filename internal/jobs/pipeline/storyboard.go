package pipelines

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/spotforge/spotforge-backend/internal/checkpoint"
	domvideos "github.com/spotforge/spotforge-backend/internal/domain/videos"
	"github.com/spotforge/spotforge-backend/internal/providers"
)

// maxImageFanout caps how many keyframes render at once.
const maxImageFanout = 8

// runStoryboard renders one keyframe per beat of the source spec, fanned out
// under a concurrency cap, then rewrites the spec onto this checkpoint with
// each beat's image_url pointing at its keyframe blob. Any missing frame is
// fatal: phase 3 seeds every reference chunk from one of these images.
func runStoryboard(r *stageRun) error {
	spec, _, err := r.env.Store.Spec(r.ctx, r.source.ID)
	if err != nil {
		return fmt.Errorf("load source spec: %w", err)
	}
	if err := spec.Check(); err != nil {
		return err
	}

	total := len(spec.Beats)
	r.step(2, fmt.Sprintf("Rendering %d storyboard frames", total))

	note := spec.StyleNote()
	paths := make([]string, total)

	// done serializes completion accounting so the reported progress never
	// moves backwards even though frames finish out of order.
	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(r.ctx)
	limit := total
	if limit > maxImageFanout {
		limit = maxImageFanout
	}
	g.SetLimit(limit)

	for i := range spec.Beats {
		beat := spec.Beats[i]
		g.Go(func() error {
			png, usage, err := r.env.Providers.Image.GenerateImage(gctx, providers.ImageRequest{
				Prompt:    beat.Prompt,
				StyleNote: note,
			})
			r.addCost(usage)
			if err != nil {
				return fmt.Errorf("beat %d keyframe: %w", beat.Index, err)
			}
			a, err := r.upsert(checkpoint.ArtifactInput{
				Kind:        domvideos.ArtifactBeatImage,
				Key:         domvideos.BeatKey(beat.Index),
				Blob:        png,
				ContentType: "image/png",
				CostUSD:     usage.CostUSD,
			})
			if err != nil {
				return fmt.Errorf("store beat %d keyframe: %w", beat.Index, err)
			}

			mu.Lock()
			paths[beat.Index] = a.StoragePath
			done++
			r.step(2+done*90/total, fmt.Sprintf("Storyboard %d/%d", done, total))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, p := range paths {
		if p == "" {
			return fmt.Errorf("beat %d produced no keyframe", i)
		}
	}

	for i := range spec.Beats {
		spec.Beats[i].ImageURL = paths[i]
	}
	raw, err := spec.Marshal()
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}
	if _, err := r.upsert(checkpoint.ArtifactInput{
		Kind:    domvideos.ArtifactSpec,
		Key:     domvideos.KeySpec,
		Payload: raw,
	}); err != nil {
		return fmt.Errorf("store spec artifact: %w", err)
	}

	r.step(100, fmt.Sprintf("Storyboard complete (%d frames)", total))
	return nil
}
