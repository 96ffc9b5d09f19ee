package pipelines

import (
	"encoding/json"
	"fmt"

	"github.com/spotforge/spotforge-backend/internal/adspec"
	"github.com/spotforge/spotforge-backend/internal/checkpoint"
	domvideos "github.com/spotforge/spotforge-backend/internal/domain/videos"
	"github.com/spotforge/spotforge-backend/internal/providers"
)

// defaultAdDurationS is used when a job arrives without a requested length.
const defaultAdDurationS = 30

// runPlan turns the job's prompt into a validated ad spec and stores it as
// the phase-1 checkpoint's inline artifact. The planner call is the only
// provider spend; validation failures after it are fatal, not retried,
// because rerunning the same prompt yields the same broken plan.
func runPlan(r *stageRun) error {
	lib, err := adspec.LoadLibrary()
	if err != nil {
		return fmt.Errorf("load archetype library: %w", err)
	}

	durationS := r.video.RequestedDurationS
	if durationS <= 0 {
		durationS = defaultAdDurationS
	}

	r.step(10, "Drafting ad plan")
	spec, usage, err := r.env.Providers.Planner.GeneratePlan(r.ctx, providers.PlanRequest{
		Prompt:         r.video.Prompt,
		Title:          r.video.Title,
		DurationS:      durationS,
		ReferenceNotes: referenceNotes(r),
		LibraryDigest:  lib.PlannerDigest(),
	})
	r.addCost(usage)
	if err != nil {
		return fmt.Errorf("generate plan: %w", err)
	}

	r.step(70, "Validating ad plan")
	norm, err := spec.Normalize()
	if err != nil {
		return err
	}
	if norm.TruncatedBeats > 0 {
		r.log.Warn("Planner overshot the requested duration; tail beats dropped",
			"dropped_beats", norm.TruncatedBeats,
			"covered_s", norm.ClampedAt,
			"duration_s", spec.DurationS)
	}
	if !lib.HasArchetype(spec.Archetype) {
		r.log.Warn("Planner chose an archetype outside the library", "archetype", spec.Archetype)
	}

	raw, err := spec.Marshal()
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}
	if _, err := r.upsert(checkpoint.ArtifactInput{
		Kind:    domvideos.ArtifactSpec,
		Key:     domvideos.KeySpec,
		Payload: raw,
		CostUSD: usage.CostUSD,
	}); err != nil {
		return fmt.Errorf("store spec artifact: %w", err)
	}

	r.step(100, fmt.Sprintf("Planned %d beats over %ds (%s)",
		len(spec.Beats), spec.DurationS, spec.Archetype))
	return nil
}

// referenceNotes decodes the job's reference asset list into planner hints.
// Malformed entries are dropped rather than failing the stage; references
// only steer the plan, they never gate it.
func referenceNotes(r *stageRun) []string {
	if len(r.video.ReferenceAssetIDs) == 0 {
		return nil
	}
	var notes []string
	if err := json.Unmarshal(r.video.ReferenceAssetIDs, &notes); err != nil {
		r.log.Warn("Reference asset list is not a string array; ignoring", "error", err)
		return nil
	}
	return notes
}
