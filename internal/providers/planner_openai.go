package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spotforge/spotforge-backend/internal/adspec"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/utils"
)

// Token prices in USD per million, overridable for contract changes.
const (
	plannerInputPricePerM  = 2.50
	plannerOutputPricePerM = 10.0
)

type openAIPlanner struct {
	core  *restCore
	model string
}

// NewOpenAIPlanner builds the plan-stage adapter on the OpenAI Responses API
// with structured outputs, so the model cannot hand back free-form prose.
func NewOpenAIPlanner(log *logger.Logger) Planner {
	baseURL := utils.GetEnv("OPENAI_BASE_URL", "https://api.openai.com", log)
	apiKey := utils.GetEnv("OPENAI_API_KEY", "", log)
	model := utils.GetEnv("OPENAI_PLANNER_MODEL", "gpt-4o-2024-08-06", log)
	rps := utils.GetEnvAsFloat("OPENAI_RPS", 2, log)
	conc := utils.GetEnvAsInt("OPENAI_CONCURRENCY", 4, log)
	return &openAIPlanner{
		core:  newRESTCore(log, "openai", baseURL, apiKey, rps, conc),
		model: model,
	}
}

type responsesRequest struct {
	Model string `json:"model"`
	Input []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"input"`
	Text struct {
		Format map[string]interface{} `json:"format"`
	} `json:"text"`
	Temperature float64 `json:"temperature,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
	Refusal string `json:"refusal,omitempty"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *openAIPlanner) GeneratePlan(ctx context.Context, req PlanRequest) (*adspec.Spec, Usage, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, Usage{}, newError("openai", CategoryValidation, 0, "empty prompt", nil)
	}
	if req.DurationS <= 0 {
		return nil, Usage{}, newError("openai", CategoryValidation, 0, "duration must be positive", nil)
	}

	body := responsesRequest{
		Model: p.model,
		Input: []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{
			{Role: "system", Content: plannerSystemPrompt(req)},
			{Role: "user", Content: plannerUserPrompt(req)},
		},
		Temperature: 0.2,
	}
	body.Text.Format = map[string]interface{}{
		"type":   "json_schema",
		"name":   "ad_plan",
		"schema": planSchema(),
		"strict": true,
	}

	started := time.Now()
	var resp responsesResponse
	if err := p.core.postJSON(ctx, "/v1/responses", body, &resp); err != nil {
		return nil, Usage{}, err
	}
	usage := Usage{
		CostUSD: float64(resp.Usage.InputTokens)*plannerInputPricePerM/1e6 +
			float64(resp.Usage.OutputTokens)*plannerOutputPricePerM/1e6,
		Duration: time.Since(started),
	}

	if resp.Refusal != "" {
		return nil, usage, newError("openai", CategoryFatal, 0, "model refused: "+resp.Refusal, nil)
	}

	var jsonText string
	for _, item := range resp.Output {
		if item.Type == "message" && item.Role == "assistant" {
			for _, c := range item.Content {
				if c.Type == "output_text" && c.Text != "" {
					jsonText += c.Text
				}
			}
		}
	}
	if jsonText == "" {
		return nil, usage, newError("openai", CategoryFatal, 0, "no output_text in response", nil)
	}

	spec, err := adspec.Parse([]byte(jsonText))
	if err != nil {
		return nil, usage, newError("openai", CategoryFatal, 0, "plan did not parse: "+err.Error(), err)
	}
	spec.DurationS = req.DurationS
	return spec, usage, nil
}

func plannerSystemPrompt(req PlanRequest) string {
	var b strings.Builder
	b.WriteString("You are an advertisement director. Plan a short-form video ad as a beat sheet.\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Every beat duration_s must be exactly 5, 10, or 15.\n")
	fmt.Fprintf(&b, "- Beat durations must sum to at most %d seconds and should cover most of it.\n", req.DurationS)
	b.WriteString("- Each beat prompt must be a self-contained visual description a video model can render.\n")
	b.WriteString("- Pick exactly one archetype from the library below.\n\n")
	b.WriteString("Archetype library:\n")
	b.WriteString(req.LibraryDigest)
	return b.String()
}

func plannerUserPrompt(req PlanRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ad length: %d seconds.\n", req.DurationS)
	if req.Title != "" {
		fmt.Fprintf(&b, "Working title: %s\n", req.Title)
	}
	fmt.Fprintf(&b, "Brief: %s\n", req.Prompt)
	if len(req.ReferenceNotes) > 0 {
		b.WriteString("Reference material:\n")
		for _, n := range req.ReferenceNotes {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	}
	return b.String()
}

// planSchema is the strict structured-output schema for the ad spec. Strict
// mode requires every property listed under required with
// additionalProperties false at each level.
func planSchema() map[string]interface{} {
	durationEnum := make([]interface{}, 0, len(adspec.AllowedBeatDurations))
	for _, d := range adspec.AllowedBeatDurations {
		durationEnum = append(durationEnum, d)
	}
	str := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "string", "description": desc}
	}
	beat := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"index", "start_s", "duration_s", "shot_type", "action", "prompt"},
		"properties": map[string]interface{}{
			"index":      map[string]interface{}{"type": "integer"},
			"start_s":    map[string]interface{}{"type": "number"},
			"duration_s": map[string]interface{}{"type": "integer", "enum": durationEnum},
			"shot_type":  str("camera framing, e.g. close-up, wide"),
			"action":     str("what happens on screen"),
			"prompt":     str("full visual prompt for the video model"),
		},
	}
	return map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"duration_s", "archetype", "beats", "style", "product", "audio"},
		"properties": map[string]interface{}{
			"duration_s": map[string]interface{}{"type": "integer"},
			"archetype":  str("archetype name from the library"),
			"beats":      map[string]interface{}{"type": "array", "items": beat},
			"style": map[string]interface{}{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"palette", "mood", "camera_feel", "lighting"},
				"properties": map[string]interface{}{
					"palette":     str("color palette"),
					"mood":        str("emotional tone"),
					"camera_feel": str("handheld, locked off, drone"),
					"lighting":    str("lighting treatment"),
				},
			},
			"product": map[string]interface{}{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"name", "category", "tagline", "key_features"},
				"properties": map[string]interface{}{
					"name":         str("product name"),
					"category":     str("product category"),
					"tagline":      str("one-line tagline"),
					"key_features": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				},
			},
			"audio": map[string]interface{}{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"music_prompt", "tempo", "genre"},
				"properties": map[string]interface{}{
					"music_prompt": str("prompt for the music model"),
					"tempo":        str("slow, mid, fast"),
					"genre":        str("music genre"),
				},
			},
		},
	}
}
