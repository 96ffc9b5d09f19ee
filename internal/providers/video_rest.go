package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/utils"
)

// restVideo speaks the submit/poll/retrieve protocol of the video gateway.
// The registry tag picks the upstream model; the wire shape is the same for
// every tag.
type restVideo struct {
	log         *logger.Logger
	core        *restCore
	pollTimeout time.Duration
}

func NewRESTVideo(log *logger.Logger) VideoGenerator {
	baseURL := utils.GetEnv("VIDEO_API_BASE_URL", "https://api.minimax.io", log)
	apiKey := utils.GetEnv("VIDEO_API_KEY", "", log)
	rps := utils.GetEnvAsFloat("VIDEO_API_RPS", 2, log)
	conc := utils.GetEnvAsInt("VIDEO_API_CONCURRENCY", 4, log)
	pollTimeout := utils.GetEnvAsInt("VIDEO_POLL_TIMEOUT_S", 600, log)
	return &restVideo{
		log:         log.With("adapter", "video"),
		core:        newRESTCore(log, "video", baseURL, apiKey, rps, conc),
		pollTimeout: time.Duration(pollTimeout) * time.Second,
	}
}

type videoSubmitRequest struct {
	Model           string `json:"model"`
	Prompt          string `json:"prompt"`
	FirstFrameImage string `json:"first_frame_image,omitempty"`
	Duration        int    `json:"duration,omitempty"`
}

type videoSubmitResponse struct {
	TaskID   string `json:"task_id"`
	BaseResp struct {
		StatusCode int    `json:"status_code"`
		StatusMsg  string `json:"status_msg"`
	} `json:"base_resp"`
}

type videoQueryResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	FileID string `json:"file_id"`
	Reason string `json:"reason,omitempty"`
}

type videoFileResponse struct {
	File struct {
		DownloadURL string `json:"download_url"`
	} `json:"file"`
}

func (v *restVideo) GenerateChunk(ctx context.Context, req VideoRequest) ([]byte, Usage, error) {
	model, err := LookupVideoModel(req.ModelTag)
	if err != nil {
		return nil, Usage{}, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, Usage{}, newError("video", CategoryValidation, 0, "empty prompt", nil)
	}

	started := time.Now()
	usage := func() Usage {
		return Usage{CostUSD: model.CostPerChunkUSD, Duration: time.Since(started)}
	}

	submit := videoSubmitRequest{
		Model:    model.UpstreamModel,
		Prompt:   req.Prompt,
		Duration: int(req.DurationS),
	}
	if len(req.FirstFrame) > 0 {
		submit.FirstFrameImage = "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.FirstFrame)
	}

	var sub videoSubmitResponse
	if err := v.core.postJSON(ctx, "/v1/video_generation", submit, &sub); err != nil {
		return nil, Usage{Duration: time.Since(started)}, err
	}
	if sub.BaseResp.StatusCode != 0 {
		// The gateway reports errors in-band: 1002 is its own rate limit,
		// everything else (balance, moderation, bad input) is not worth
		// retrying.
		category := CategoryFatal
		if sub.BaseResp.StatusCode == 1002 {
			category = CategoryTransient
		}
		return nil, Usage{Duration: time.Since(started)},
			newError("video", category, 0, fmt.Sprintf("submit rejected (%d): %s", sub.BaseResp.StatusCode, sub.BaseResp.StatusMsg), nil)
	}
	if sub.TaskID == "" {
		return nil, Usage{Duration: time.Since(started)}, newError("video", CategoryFatal, 0, "submit returned no task id", nil)
	}

	fileID, err := v.poll(ctx, model, sub.TaskID)
	if err != nil {
		return nil, Usage{Duration: time.Since(started)}, err
	}

	var file videoFileResponse
	if err := v.core.getJSON(ctx, "/v1/files/retrieve?file_id="+url.QueryEscape(fileID), &file); err != nil {
		return nil, usage(), err
	}
	if file.File.DownloadURL == "" {
		return nil, usage(), newError("video", CategoryFatal, 0, "file retrieve returned no url", nil)
	}
	mp4, err := v.core.downloadURL(ctx, file.File.DownloadURL)
	if err != nil {
		return nil, usage(), err
	}
	return mp4, usage(), nil
}

// poll waits for the task to settle. The per-chunk timeout keeps one stuck
// task from eating the whole stage budget.
func (v *restVideo) poll(ctx context.Context, model VideoModel, taskID string) (string, error) {
	interval, err := time.ParseDuration(model.PollInterval)
	if err != nil || interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(v.pollTimeout)
	path := "/v1/query/video_generation?task_id=" + url.QueryEscape(taskID)

	for {
		var q videoQueryResponse
		if err := v.core.getJSON(ctx, path, &q); err != nil {
			return "", err
		}
		switch strings.ToLower(q.Status) {
		case "success":
			if q.FileID == "" {
				return "", newError("video", CategoryFatal, 0, "task succeeded without file id", nil)
			}
			return q.FileID, nil
		case "fail", "failed":
			return "", newError("video", CategoryFatal, 0, "task failed: "+q.Reason, nil)
		case "queueing", "preparing", "processing", "queued", "running", "":
		default:
			v.log.Warn("unknown video task status", "task_id", taskID, "status", q.Status)
		}

		if time.Now().After(deadline) {
			return "", newError("video", CategoryFatal, 0,
				fmt.Sprintf("task %s did not finish within %s", taskID, v.pollTimeout), nil)
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return "", newError("video", CategoryCanceled, 0, "canceled while polling", ctx.Err())
		}
	}
}
