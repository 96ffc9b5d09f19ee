package providers

import (
	"context"
	"time"

	"github.com/spotforge/spotforge-backend/internal/adspec"
)

// Usage accompanies every successful adapter call. Cost is what the call
// spent in USD, Duration is wall time inside the provider.
type Usage struct {
	CostUSD  float64
	Duration time.Duration
}

func (u Usage) Add(other Usage) Usage {
	return Usage{CostUSD: u.CostUSD + other.CostUSD, Duration: u.Duration + other.Duration}
}

// PlanRequest carries everything the plan stage knows about the ad.
type PlanRequest struct {
	Prompt         string
	Title          string
	DurationS      int
	ReferenceNotes []string
	LibraryDigest  string
}

// Planner turns a user prompt into a structured ad spec.
type Planner interface {
	GeneratePlan(ctx context.Context, req PlanRequest) (*adspec.Spec, Usage, error)
}

// ImageRequest describes one storyboard frame.
type ImageRequest struct {
	Prompt    string
	StyleNote string
	// InitImage, when set, seeds an image-to-image edit (user uploaded
	// reference or a regenerate with the previous frame).
	InitImage []byte
}

// ImageGenerator renders a single PNG keyframe.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) ([]byte, Usage, error)
}

// VideoRequest describes one chunk of motion.
type VideoRequest struct {
	ModelTag string
	Prompt   string
	// FirstFrame seeds the chunk: the beat keyframe for reference chunks,
	// the previous chunk's last frame for continuations.
	FirstFrame []byte
	DurationS  float64
}

// VideoGenerator produces an MP4 chunk from a first frame and a prompt.
type VideoGenerator interface {
	GenerateChunk(ctx context.Context, req VideoRequest) ([]byte, Usage, error)
}

// MusicRequest describes the backing track for the whole ad.
type MusicRequest struct {
	Prompt    string
	DurationS int
}

// MusicGenerator produces an MP3 the length of the ad.
type MusicGenerator interface {
	GenerateMusic(ctx context.Context, req MusicRequest) ([]byte, Usage, error)
}

// Set bundles the four capabilities the pipeline consumes. Construction
// picks real or local implementations from the environment.
type Set struct {
	Planner Planner
	Image   ImageGenerator
	Video   VideoGenerator
	Music   MusicGenerator
}
