package adspec

import (
	"errors"
	"fmt"
)

// ErrInvalidSpec marks planner output the pipeline must reject outright.
// It is never retried; the stage fails with a validation error.
var ErrInvalidSpec = errors.New("invalid ad spec")

// NormalizeResult reports what Normalize changed.
type NormalizeResult struct {
	TruncatedBeats int // beats dropped from the tail to fit duration_s
	ClampedAt      int // seconds covered after truncation
}

// Normalize validates planner output and coerces it into a spec the rest of
// the pipeline can trust. Rules:
//
//   - every beat duration must be one of AllowedBeatDurations (fatal);
//   - beats whose cumulative duration overflows duration_s are dropped from
//     the tail (reported, not fatal);
//   - start times are recomputed so beats are contiguous from zero;
//   - indexes are renumbered 0..N-1.
//
// After Normalize, sum(duration) <= duration_s and every invariant the later
// phases rely on holds.
func (s *Spec) Normalize() (NormalizeResult, error) {
	var res NormalizeResult

	if s.DurationS <= 0 {
		return res, fmt.Errorf("%w: duration_s must be positive, got %d", ErrInvalidSpec, s.DurationS)
	}
	if len(s.Beats) == 0 {
		return res, fmt.Errorf("%w: no beats", ErrInvalidSpec)
	}
	if s.Archetype == "" {
		return res, fmt.Errorf("%w: missing archetype", ErrInvalidSpec)
	}

	for i, b := range s.Beats {
		if !allowedDuration(b.DurationS) {
			return res, fmt.Errorf("%w: beat %d duration %ds not in %v",
				ErrInvalidSpec, i, b.DurationS, AllowedBeatDurations)
		}
		if b.Prompt == "" {
			return res, fmt.Errorf("%w: beat %d has empty prompt", ErrInvalidSpec, i)
		}
	}

	kept := make([]Beat, 0, len(s.Beats))
	elapsed := 0
	for _, b := range s.Beats {
		if elapsed+b.DurationS > s.DurationS {
			break
		}
		b.Index = len(kept)
		b.StartS = float64(elapsed)
		kept = append(kept, b)
		elapsed += b.DurationS
	}
	if len(kept) == 0 {
		return res, fmt.Errorf("%w: first beat (%ds) longer than total duration (%ds)",
			ErrInvalidSpec, s.Beats[0].DurationS, s.DurationS)
	}

	res.TruncatedBeats = len(s.Beats) - len(kept)
	res.ClampedAt = elapsed
	s.Beats = kept
	return res, nil
}

// Check verifies the invariants Normalize establishes. Used before handing a
// stored spec to a stage body, since edits can arrive between phases.
func (s *Spec) Check() error {
	if s.DurationS <= 0 {
		return fmt.Errorf("%w: duration_s must be positive", ErrInvalidSpec)
	}
	if len(s.Beats) == 0 {
		return fmt.Errorf("%w: no beats", ErrInvalidSpec)
	}
	elapsed := 0.0
	for i, b := range s.Beats {
		if b.Index != i {
			return fmt.Errorf("%w: beat %d has index %d", ErrInvalidSpec, i, b.Index)
		}
		if !allowedDuration(b.DurationS) {
			return fmt.Errorf("%w: beat %d duration %ds not in %v",
				ErrInvalidSpec, i, b.DurationS, AllowedBeatDurations)
		}
		if b.StartS != elapsed {
			return fmt.Errorf("%w: beat %d starts at %.1fs, want %.1fs (contiguity)",
				ErrInvalidSpec, i, b.StartS, elapsed)
		}
		elapsed += float64(b.DurationS)
	}
	if int(elapsed) > s.DurationS {
		return fmt.Errorf("%w: beats cover %.0fs, exceeding duration_s=%d",
			ErrInvalidSpec, elapsed, s.DurationS)
	}
	return nil
}

// RequireImages verifies every beat carries a storyboard image URL. Phase 3
// refuses to start without them.
func (s *Spec) RequireImages() error {
	for i, b := range s.Beats {
		if b.ImageURL == "" {
			return fmt.Errorf("%w: beat %d missing image_url", ErrInvalidSpec, i)
		}
	}
	return nil
}
