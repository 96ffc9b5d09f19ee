package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"mime/multipart"
	"strings"
	"time"

	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/utils"
)

const imageCostUSD = 0.04

type openAIImage struct {
	core  *restCore
	model string
	size  string
}

// NewOpenAIImage builds the storyboard keyframe adapter on the OpenAI images
// API. Text-to-image goes through generations; when a seed frame is supplied
// the call switches to the multipart edits endpoint.
func NewOpenAIImage(log *logger.Logger) ImageGenerator {
	baseURL := utils.GetEnv("OPENAI_BASE_URL", "https://api.openai.com", log)
	apiKey := utils.GetEnv("OPENAI_API_KEY", "", log)
	model := utils.GetEnv("OPENAI_IMAGE_MODEL", "gpt-image-1", log)
	size := utils.GetEnv("OPENAI_IMAGE_SIZE", "1024x1024", log)
	rps := utils.GetEnvAsFloat("OPENAI_IMAGE_RPS", 1, log)
	conc := utils.GetEnvAsInt("OPENAI_IMAGE_CONCURRENCY", 8, log)
	return &openAIImage{
		core:  newRESTCore(log, "openai-image", baseURL, apiKey, rps, conc),
		model: model,
		size:  size,
	}
}

type imageGenRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type imageGenResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

func (g *openAIImage) GenerateImage(ctx context.Context, req ImageRequest) ([]byte, Usage, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, Usage{}, newError("openai-image", CategoryValidation, 0, "empty prompt", nil)
	}
	if req.StyleNote != "" {
		prompt = prompt + "\nStyle: " + req.StyleNote
	}

	started := time.Now()
	var resp imageGenResponse
	var err error
	if len(req.InitImage) > 0 {
		err = g.edit(ctx, prompt, req.InitImage, &resp)
	} else {
		err = g.core.postJSON(ctx, "/v1/images/generations", imageGenRequest{
			Model:  g.model,
			Prompt: prompt,
			N:      1,
			Size:   g.size,
		}, &resp)
	}
	usage := Usage{CostUSD: imageCostUSD, Duration: time.Since(started)}
	if err != nil {
		return nil, Usage{Duration: usage.Duration}, err
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, usage, newError("openai-image", CategoryFatal, 0, "no image in response", nil)
	}
	png, decErr := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if decErr != nil {
		return nil, usage, newError("openai-image", CategoryFatal, 0, "decode image: "+decErr.Error(), decErr)
	}
	return png, usage, nil
}

func (g *openAIImage) edit(ctx context.Context, prompt string, seed []byte, out *imageGenResponse) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("image", "seed.png")
	if err != nil {
		return newError("openai-image", CategoryFatal, 0, err.Error(), err)
	}
	if _, err := fw.Write(seed); err != nil {
		return newError("openai-image", CategoryFatal, 0, err.Error(), err)
	}
	for k, v := range map[string]string{
		"model":  g.model,
		"prompt": prompt,
		"n":      "1",
		"size":   g.size,
	} {
		if err := w.WriteField(k, v); err != nil {
			return newError("openai-image", CategoryFatal, 0, err.Error(), err)
		}
	}
	if err := w.Close(); err != nil {
		return newError("openai-image", CategoryFatal, 0, err.Error(), err)
	}
	raw, err := g.core.doBody(ctx, "POST", "/v1/images/edits", buf.Bytes(), w.FormDataContentType())
	if err != nil {
		return err
	}
	return decodeJSON("openai-image", raw, out)
}
