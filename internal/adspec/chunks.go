package adspec

import (
	"fmt"
	"math"
)

// boundarySnapS is how close a chunk start must be to a beat start to count
// as landing on the beat boundary and seed from the storyboard image.
const boundarySnapS = 0.5

// ChunkSpec is one planned video chunk.
type ChunkSpec struct {
	Index     int
	StartS    float64
	DurationS float64
	BeatIndex int
	// Reference chunks seed from the beat's storyboard image. Non-reference
	// (continuation) chunks seed from the last frame of the previous chunk.
	Reference bool
	Prompt    string
}

// ChunkPlan is the ephemeral schedule for phase 3, derived from the spec and
// the video model's fixed clip length. Never persisted.
type ChunkPlan struct {
	ChunkDurationS float64
	TotalChunks    int
	Chunks         []ChunkSpec
	// BeatToChunk maps reference chunk index to the beat it starts.
	BeatToChunk map[int]int
}

// BuildChunkPlan slices the covered timeline into model-sized chunks and
// classifies each as reference or continuation. Chunk 0 is always reference.
// A chunk belongs to the beat of the nearest reference chunk at or before it,
// so every continuation chunk has a same-beat reference predecessor.
func BuildChunkPlan(s *Spec, chunkDurationS float64) (*ChunkPlan, error) {
	if chunkDurationS <= 0 {
		return nil, fmt.Errorf("adspec: chunk duration must be positive, got %v", chunkDurationS)
	}
	if err := s.Check(); err != nil {
		return nil, err
	}

	covered := float64(s.TotalBeatSeconds())
	total := int(math.Ceil(covered / chunkDurationS))
	if total == 0 {
		return nil, fmt.Errorf("adspec: zero chunks for %vs of beats", covered)
	}

	starts := make([]float64, len(s.Beats))
	for i, b := range s.Beats {
		starts[i] = b.StartS
	}

	plan := &ChunkPlan{
		ChunkDurationS: chunkDurationS,
		TotalChunks:    total,
		Chunks:         make([]ChunkSpec, 0, total),
		BeatToChunk:    make(map[int]int),
	}

	currentBeat := 0
	for i := 0; i < total; i++ {
		start := float64(i) * chunkDurationS
		dur := chunkDurationS
		if rem := covered - start; rem < dur {
			dur = rem
		}

		beatAtBoundary, onBoundary := beatStartingAt(starts, start)
		isRef := i == 0 || onBoundary
		if isRef {
			if onBoundary {
				currentBeat = beatAtBoundary
			}
			plan.BeatToChunk[i] = currentBeat
		}

		plan.Chunks = append(plan.Chunks, ChunkSpec{
			Index:     i,
			StartS:    start,
			DurationS: dur,
			BeatIndex: currentBeat,
			Reference: isRef,
			Prompt:    s.Beats[currentBeat].Prompt,
		})
	}
	return plan, nil
}

func beatStartingAt(beatStarts []float64, t float64) (int, bool) {
	for i, bs := range beatStarts {
		if math.Abs(bs-t) <= boundarySnapS {
			return i, true
		}
	}
	return 0, false
}

// ReferenceImageURL returns the storyboard image the chunk seeds from.
// Only meaningful for reference chunks.
func (p *ChunkPlan) ReferenceImageURL(s *Spec, chunkIndex int) (string, error) {
	if chunkIndex < 0 || chunkIndex >= len(p.Chunks) {
		return "", fmt.Errorf("adspec: chunk index %d out of range", chunkIndex)
	}
	c := p.Chunks[chunkIndex]
	if !c.Reference {
		return "", fmt.Errorf("adspec: chunk %d is a continuation chunk", chunkIndex)
	}
	if c.BeatIndex < 0 || c.BeatIndex >= len(s.Beats) {
		return "", fmt.Errorf("adspec: chunk %d references beat %d out of range", chunkIndex, c.BeatIndex)
	}
	url := s.Beats[c.BeatIndex].ImageURL
	if url == "" {
		return "", fmt.Errorf("adspec: beat %d has no storyboard image", c.BeatIndex)
	}
	return url, nil
}
