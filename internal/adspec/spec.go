// Package adspec models the advertisement specification produced by the
// planning phase and consumed by every later phase. JSON is the wire and
// storage form; everything in process is typed.
package adspec

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Allowed beat durations in seconds.
var AllowedBeatDurations = []int{5, 10, 15}

type Beat struct {
	Index     int     `json:"index"`
	StartS    float64 `json:"start_s"`
	DurationS int     `json:"duration_s"`
	ShotType  string  `json:"shot_type,omitempty"`
	Action    string  `json:"action,omitempty"`
	Prompt    string  `json:"prompt"`
	ImageURL  string  `json:"image_url,omitempty"`
}

type Style struct {
	Palette    string `json:"palette,omitempty"`
	Mood       string `json:"mood,omitempty"`
	CameraFeel string `json:"camera_feel,omitempty"`
	Lighting   string `json:"lighting,omitempty"`
}

type Product struct {
	Name        string   `json:"name,omitempty"`
	Category    string   `json:"category,omitempty"`
	Tagline     string   `json:"tagline,omitempty"`
	KeyFeatures []string `json:"key_features,omitempty"`
}

type Audio struct {
	MusicPrompt string `json:"music_prompt,omitempty"`
	Tempo       string `json:"tempo,omitempty"`
	Genre       string `json:"genre,omitempty"`
}

type Spec struct {
	DurationS int     `json:"duration_s"`
	Archetype string  `json:"archetype"`
	Beats     []Beat  `json:"beats"`
	Style     Style   `json:"style"`
	Product   Product `json:"product"`
	Audio     Audio   `json:"audio"`
}

func Parse(raw []byte) (*Spec, error) {
	var s Spec
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("adspec: decode: %w", err)
	}
	return &s, nil
}

func (s *Spec) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// StyleNote flattens the style block into the short hint every keyframe
// render shares.
func (s *Spec) StyleNote() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{s.Style.Palette, s.Style.Mood, s.Style.CameraFeel, s.Style.Lighting} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, strings.TrimSpace(p))
		}
	}
	return strings.Join(parts, ", ")
}

// TotalBeatSeconds sums the declared beat durations.
func (s *Spec) TotalBeatSeconds() int {
	total := 0
	for _, b := range s.Beats {
		total += b.DurationS
	}
	return total
}

func allowedDuration(d int) bool {
	for _, a := range AllowedBeatDurations {
		if d == a {
			return true
		}
	}
	return false
}
