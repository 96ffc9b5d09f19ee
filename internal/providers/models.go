package providers

import (
	"fmt"
	"sort"
)

// VideoModel describes one entry in the video model registry. ChunkDurationS
// fixes the sub-chunk length the whole chunk plan is built around, so a
// model swap mid-job would invalidate every chunk boundary. The orchestrator
// pins the tag at job creation.
type VideoModel struct {
	Tag               string
	Provider          string
	UpstreamModel     string
	ChunkDurationS    int
	CostPerChunkUSD   float64
	PollInterval      string
	SupportsLastFrame bool
}

var videoModels = map[string]VideoModel{
	"hailuo_fast": {
		Tag:               "hailuo_fast",
		Provider:          "minimax",
		UpstreamModel:     "T2V-01-Director",
		ChunkDurationS:    5,
		CostPerChunkUSD:   0.12,
		PollInterval:      "3s",
		SupportsLastFrame: true,
	},
	"hailuo": {
		Tag:               "hailuo",
		Provider:          "minimax",
		UpstreamModel:     "I2V-01-live",
		ChunkDurationS:    5,
		CostPerChunkUSD:   0.28,
		PollInterval:      "5s",
		SupportsLastFrame: true,
	},
	"veo": {
		Tag:               "veo",
		Provider:          "google",
		UpstreamModel:     "veo-2.0-generate-001",
		ChunkDurationS:    5,
		CostPerChunkUSD:   0.55,
		PollInterval:      "10s",
		SupportsLastFrame: true,
	},
}

// DefaultVideoModelTag is used when a job arrives without an explicit tag.
const DefaultVideoModelTag = "hailuo_fast"

// LookupVideoModel resolves a registry tag. Unknown tags are a validation
// error, callers reject them before any money is spent.
func LookupVideoModel(tag string) (VideoModel, error) {
	if tag == "" {
		tag = DefaultVideoModelTag
	}
	m, ok := videoModels[tag]
	if !ok {
		return VideoModel{}, newError("registry", CategoryValidation, 0,
			fmt.Sprintf("unknown video model tag %q", tag), nil)
	}
	return m, nil
}

// VideoModelTags lists the registry in stable order for API surfaces.
func VideoModelTags() []string {
	tags := make([]string, 0, len(videoModels))
	for tag := range videoModels {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
