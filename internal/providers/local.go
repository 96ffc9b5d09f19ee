package providers

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image/color"
	"os"
	"strings"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"

	"github.com/spotforge/spotforge-backend/internal/adspec"
	"github.com/spotforge/spotforge-backend/internal/media"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/utils"
)

// Local providers cost nothing and talk to nothing. PROVIDER_MODE=local
// swaps them in so the whole pipeline, storage and stitching included, runs
// on a laptop without provider keys. Outputs are deterministic per prompt.

const (
	cardWidth  = 1280
	cardHeight = 720
)

var cardColors = []color.NRGBA{
	{R: 0x1B, G: 0x26, B: 0x3B, A: 0xFF},
	{R: 0x3D, G: 0x1E, B: 0x2E, A: 0xFF},
	{R: 0x10, G: 0x35, B: 0x2A, A: 0xFF},
	{R: 0x3A, G: 0x2E, B: 0x12, A: 0xFF},
	{R: 0x25, G: 0x1A, B: 0x3D, A: 0xFF},
	{R: 0x0E, G: 0x2F, B: 0x3A, A: 0xFF},
}

type localPlanner struct {
	log *logger.Logger
}

func NewLocalPlanner(log *logger.Logger) Planner {
	return &localPlanner{log: log.With("adapter", "local-planner")}
}

func (p *localPlanner) GeneratePlan(ctx context.Context, req PlanRequest) (*adspec.Spec, Usage, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, Usage{}, newError("local", CategoryValidation, 0, "empty prompt", nil)
	}
	if req.DurationS <= 0 {
		return nil, Usage{}, newError("local", CategoryValidation, 0, "duration must be positive", nil)
	}
	lib, err := adspec.LoadLibrary()
	if err != nil {
		return nil, Usage{}, newError("local", CategoryFatal, 0, err.Error(), err)
	}

	started := time.Now()
	seed := hashString(req.Prompt)
	archetype := lib.Archetypes[seed%uint32(len(lib.Archetypes))]

	// Fill the timeline from the template list, cycling from a seeded
	// offset, until no template fits the remaining time.
	var beats []adspec.Beat
	remaining := req.DurationS
	start := 0.0
	offset := int(seed)
	maxIter := len(lib.Beats)*4 + 12
	for i := 0; i < maxIter && remaining >= minBeatDuration() && len(beats) < 12; i++ {
		tmpl := lib.Beats[(offset+i)%len(lib.Beats)]
		if tmpl.DurationS > remaining {
			continue
		}
		beats = append(beats, adspec.Beat{
			Index:     len(beats),
			StartS:    start,
			DurationS: tmpl.DurationS,
			ShotType:  tmpl.ShotType,
			Action:    tmpl.Action,
			Prompt:    fmt.Sprintf("%s. %s: %s", req.Prompt, tmpl.ShotType, tmpl.Action),
		})
		start += float64(tmpl.DurationS)
		remaining -= tmpl.DurationS
	}
	if len(beats) == 0 {
		return nil, Usage{}, newError("local", CategoryValidation, 0,
			fmt.Sprintf("duration %ds cannot fit any beat template", req.DurationS), nil)
	}

	spec := &adspec.Spec{
		DurationS: req.DurationS,
		Archetype: archetype.Name,
		Beats:     beats,
		Style: adspec.Style{
			Palette:    "deep studio tones",
			Mood:       "confident",
			CameraFeel: "locked off",
			Lighting:   "soft key",
		},
		Product: adspec.Product{
			Name:    firstWords(req.Prompt, 4),
			Tagline: firstWords(req.Prompt, 8),
		},
		Audio: adspec.Audio{
			MusicPrompt: "minimal electronic pulse, " + archetype.Name,
			Tempo:       "mid",
			Genre:       "electronic",
		},
	}
	return spec, Usage{Duration: time.Since(started)}, nil
}

type localImage struct {
	log      *logger.Logger
	fontFace font.Face
}

func NewLocalImage(log *logger.Logger) ImageGenerator {
	slog := log.With("adapter", "local-image")
	var face font.Face
	if path := utils.GetEnv("LOCAL_CARD_FONT", "", log); path != "" {
		loaded, err := loadFontFace(path, 56)
		if err != nil {
			slog.Warn("could not load card font, using builtin", "path", path, "error", err)
		} else {
			face = loaded
		}
	}
	return &localImage{log: slog, fontFace: face}
}

func (g *localImage) GenerateImage(ctx context.Context, req ImageRequest) ([]byte, Usage, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, Usage{}, newError("local", CategoryValidation, 0, "empty prompt", nil)
	}
	started := time.Now()
	png, err := renderCard(req.Prompt, req.StyleNote, g.fontFace)
	if err != nil {
		return nil, Usage{}, newError("local", CategoryFatal, 0, err.Error(), err)
	}
	return png, Usage{Duration: time.Since(started)}, nil
}

// renderCard draws a flat beat card: seeded background color, wrapped prompt
// text, style note footer.
func renderCard(prompt, styleNote string, face font.Face) ([]byte, error) {
	dc := gg.NewContext(cardWidth, cardHeight)

	bg := cardColors[hashString(prompt)%uint32(len(cardColors))]
	dc.SetColor(bg)
	dc.DrawRectangle(0, 0, cardWidth, cardHeight)
	dc.Fill()

	if face != nil {
		dc.SetFontFace(face)
	}
	dc.SetColor(color.White)
	text := prompt
	if len(text) > 300 {
		text = text[:300]
	}
	dc.DrawStringWrapped(text, cardWidth/2, cardHeight/2, 0.5, 0.5, cardWidth-160, 1.4, gg.AlignCenter)

	if styleNote != "" {
		dc.SetColor(color.NRGBA{R: 0xC9, G: 0xC9, B: 0xC9, A: 0xFF})
		dc.DrawStringAnchored(firstWords(styleNote, 10), cardWidth/2, cardHeight-48, 0.5, 0.5)
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

type localVideo struct {
	log   *logger.Logger
	tools media.ToolsService
	image ImageGenerator
}

func NewLocalVideo(log *logger.Logger, tools media.ToolsService) VideoGenerator {
	return &localVideo{
		log:   log.With("adapter", "local-video"),
		tools: tools,
		image: NewLocalImage(log),
	}
}

func (v *localVideo) GenerateChunk(ctx context.Context, req VideoRequest) ([]byte, Usage, error) {
	if req.DurationS <= 0 {
		return nil, Usage{}, newError("local", CategoryValidation, 0, "duration must be positive", nil)
	}
	started := time.Now()
	frame := req.FirstFrame
	if len(frame) == 0 {
		rendered, _, err := v.image.GenerateImage(ctx, ImageRequest{Prompt: req.Prompt})
		if err != nil {
			return nil, Usage{}, err
		}
		frame = rendered
	}
	mp4, err := v.tools.StillClip(ctx, frame, req.DurationS)
	if err != nil {
		return nil, Usage{}, newError("local", CategoryFatal, 0, err.Error(), err)
	}
	return mp4, Usage{Duration: time.Since(started)}, nil
}

type localMusic struct {
	log   *logger.Logger
	tools media.ToolsService
}

func NewLocalMusic(log *logger.Logger, tools media.ToolsService) MusicGenerator {
	return &localMusic{log: log.With("adapter", "local-music"), tools: tools}
}

func (m *localMusic) GenerateMusic(ctx context.Context, req MusicRequest) ([]byte, Usage, error) {
	if req.DurationS <= 0 {
		return nil, Usage{}, newError("local", CategoryValidation, 0, "duration must be positive", nil)
	}
	started := time.Now()
	mp3, err := m.tools.SilentTrack(ctx, req.DurationS)
	if err != nil {
		return nil, Usage{}, newError("local", CategoryFatal, 0, err.Error(), err)
	}
	return mp3, Usage{Duration: time.Since(started)}, nil
}

// NewSetFromEnv wires the capability set. PROVIDER_MODE=local picks the
// offline implementations, anything else the real ones.
func NewSetFromEnv(log *logger.Logger, tools media.ToolsService) Set {
	mode := utils.GetEnv("PROVIDER_MODE", "live", log)
	if strings.EqualFold(mode, "local") {
		log.Info("providers running in local mode, no external calls will be made")
		return Set{
			Planner: NewLocalPlanner(log),
			Image:   NewLocalImage(log),
			Video:   NewLocalVideo(log, tools),
			Music:   NewLocalMusic(log, tools),
		}
	}
	return Set{
		Planner: NewOpenAIPlanner(log),
		Image:   NewOpenAIImage(log),
		Video:   NewRESTVideo(log),
		Music:   NewRESTMusic(log),
	}
}

func hashString(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

func minBeatDuration() int {
	min := adspec.AllowedBeatDurations[0]
	for _, d := range adspec.AllowedBeatDurations {
		if d < min {
			min = d
		}
	}
	return min
}

func loadFontFace(fontPath string, size float64) (font.Face, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read font file: %w", err)
	}
	parsedFont, err := truetype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TTF: %w", err)
	}
	return truetype.NewFace(parsedFont, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	}), nil
}
