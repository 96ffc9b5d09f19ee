package providers

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/utils"
)

const musicCostPerSecondUSD = 0.002

type restMusic struct {
	core  *restCore
	model string
}

// NewRESTMusic builds the backing-track adapter. The music endpoint is
// synchronous; long tracks just hold the request open, so the core timeout
// is the effective budget.
func NewRESTMusic(log *logger.Logger) MusicGenerator {
	baseURL := utils.GetEnv("MUSIC_API_BASE_URL", "https://api.minimax.io", log)
	apiKey := utils.GetEnv("MUSIC_API_KEY", "", log)
	model := utils.GetEnv("MUSIC_API_MODEL", "music-1.5", log)
	rps := utils.GetEnvAsFloat("MUSIC_API_RPS", 1, log)
	conc := utils.GetEnvAsInt("MUSIC_API_CONCURRENCY", 2, log)
	return &restMusic{
		core:  newRESTCore(log, "music", baseURL, apiKey, rps, conc),
		model: model,
	}
}

type musicRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	DurationS int    `json:"duration_s"`
	Format    string `json:"format"`
}

type musicResponse struct {
	AudioB64 string `json:"audio_b64,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
	BaseResp struct {
		StatusCode int    `json:"status_code"`
		StatusMsg  string `json:"status_msg"`
	} `json:"base_resp"`
}

func (m *restMusic) GenerateMusic(ctx context.Context, req MusicRequest) ([]byte, Usage, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, Usage{}, newError("music", CategoryValidation, 0, "empty prompt", nil)
	}
	if req.DurationS <= 0 {
		return nil, Usage{}, newError("music", CategoryValidation, 0, "duration must be positive", nil)
	}

	started := time.Now()
	var resp musicResponse
	if err := m.core.postJSON(ctx, "/v1/music_generation", musicRequest{
		Model:     m.model,
		Prompt:    req.Prompt,
		DurationS: req.DurationS,
		Format:    "mp3",
	}, &resp); err != nil {
		return nil, Usage{Duration: time.Since(started)}, err
	}
	usage := Usage{
		CostUSD:  musicCostPerSecondUSD * float64(req.DurationS),
		Duration: time.Since(started),
	}
	if resp.BaseResp.StatusCode != 0 {
		return nil, Usage{Duration: usage.Duration},
			newError("music", CategoryFatal, 0, resp.BaseResp.StatusMsg, nil)
	}

	switch {
	case resp.AudioB64 != "":
		mp3, err := base64.StdEncoding.DecodeString(resp.AudioB64)
		if err != nil {
			return nil, usage, newError("music", CategoryFatal, 0, "decode audio: "+err.Error(), err)
		}
		return mp3, usage, nil
	case resp.AudioURL != "":
		mp3, err := m.core.downloadURL(ctx, resp.AudioURL)
		if err != nil {
			return nil, usage, err
		}
		return mp3, usage, nil
	default:
		return nil, usage, newError("music", CategoryFatal, 0, "no audio in response", nil)
	}
}
