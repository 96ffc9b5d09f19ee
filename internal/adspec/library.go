package adspec

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const libraryEnv = "ADSPEC_LIBRARY_YAML"

//go:embed library.yaml
var libraryFS embed.FS

type Archetype struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type BeatTemplate struct {
	Name      string `yaml:"name"`
	DurationS int    `yaml:"duration_s"`
	ShotType  string `yaml:"shot_type"`
	Action    string `yaml:"action"`
}

type Library struct {
	Version    int            `yaml:"version"`
	Archetypes []Archetype    `yaml:"archetypes"`
	Beats      []BeatTemplate `yaml:"beats"`
}

var (
	libOnce sync.Once
	lib     *Library
	libErr  error
)

// LoadLibrary returns the archetype and beat template library. An operator
// can point ADSPEC_LIBRARY_YAML at a replacement file; otherwise the
// embedded copy is used. Loaded once per process.
func LoadLibrary() (*Library, error) {
	libOnce.Do(func() {
		data, err := readLibraryBytes()
		if err != nil {
			libErr = err
			return
		}
		var l Library
		if err := yaml.Unmarshal(data, &l); err != nil {
			libErr = fmt.Errorf("adspec: parse library yaml: %w", err)
			return
		}
		if err := validateLibrary(&l); err != nil {
			libErr = err
			return
		}
		lib = &l
	})
	return lib, libErr
}

func readLibraryBytes() ([]byte, error) {
	if path := strings.TrimSpace(os.Getenv(libraryEnv)); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("adspec: read %s: %w", libraryEnv, err)
		}
		return data, nil
	}
	return libraryFS.ReadFile("library.yaml")
}

func validateLibrary(l *Library) error {
	if len(l.Archetypes) == 0 {
		return fmt.Errorf("adspec: library has no archetypes")
	}
	if len(l.Beats) == 0 {
		return fmt.Errorf("adspec: library has no beat templates")
	}
	seen := map[string]bool{}
	for _, a := range l.Archetypes {
		if a.Name == "" {
			return fmt.Errorf("adspec: archetype with empty name")
		}
		if seen[a.Name] {
			return fmt.Errorf("adspec: duplicate archetype %q", a.Name)
		}
		seen[a.Name] = true
	}
	for _, b := range l.Beats {
		if b.Name == "" {
			return fmt.Errorf("adspec: beat template with empty name")
		}
		if !allowedDuration(b.DurationS) {
			return fmt.Errorf("adspec: beat template %q duration %ds not in %v",
				b.Name, b.DurationS, AllowedBeatDurations)
		}
	}
	return nil
}

// HasArchetype reports whether name belongs to the closed archetype set.
func (l *Library) HasArchetype(name string) bool {
	for _, a := range l.Archetypes {
		if a.Name == name {
			return true
		}
	}
	return false
}

// PlannerDigest renders the closed sets as compact text for the planner
// prompt. One line per entry keeps token usage predictable.
func (l *Library) PlannerDigest() string {
	var sb strings.Builder
	sb.WriteString("Archetypes (pick exactly one):\n")
	for _, a := range l.Archetypes {
		fmt.Fprintf(&sb, "- %s: %s\n", a.Name, strings.TrimSpace(a.Description))
	}
	sb.WriteString("\nBeat templates (compose the timeline from these; duration_s is fixed per template):\n")
	for _, b := range l.Beats {
		fmt.Fprintf(&sb, "- %s (%ds, %s): %s\n", b.Name, b.DurationS, b.ShotType, b.Action)
	}
	return sb.String()
}
