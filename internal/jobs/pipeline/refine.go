package pipelines

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spotforge/spotforge-backend/internal/checkpoint"
	domvideos "github.com/spotforge/spotforge-backend/internal/domain/videos"
	"github.com/spotforge/spotforge-backend/internal/progress"
	"github.com/spotforge/spotforge-backend/internal/providers"
)

/*
runRefine finishes the ad: a backing track the length of the covered
timeline, muxed under the phase-3 rough cut. The soundtrack is the one
best-effort step of the whole pipeline. A failed music render or mux ships
the silent rough cut as the final video with a warning instead of failing a
job whose visuals are already paid for.
*/
func runRefine(r *stageRun) error {
	spec, specRow, err := r.env.Store.Spec(r.ctx, r.source.ID)
	if err != nil {
		return fmt.Errorf("load source spec: %w", err)
	}

	stitched, err := r.artifactBlob(r.source.ID, domvideos.ArtifactStitchedVideo, domvideos.KeyStitched)
	if err != nil {
		return fmt.Errorf("load rough cut: %w", err)
	}

	dir, cleanup, err := r.env.Tools.WorkDir(r.ctx, "refine")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer cleanup()

	r.step(10, "Composing soundtrack")
	musicPrompt := strings.TrimSpace(spec.Audio.MusicPrompt)
	if musicPrompt == "" {
		musicPrompt = strings.TrimSpace(spec.Style.Mood + " instrumental ad soundtrack")
	}
	trackLen := spec.TotalBeatSeconds()

	final := stitched
	mp3, usage, err := r.env.Providers.Music.GenerateMusic(r.ctx, providers.MusicRequest{
		Prompt:    musicPrompt,
		DurationS: trackLen,
	})
	r.addCost(usage)
	switch {
	case err != nil:
		r.log.Warn("Music generation failed; shipping the silent cut", "error", err)
	default:
		if _, err := r.upsert(checkpoint.ArtifactInput{
			Kind:        domvideos.ArtifactMusic,
			Key:         domvideos.KeyMusic,
			Blob:        mp3,
			ContentType: "audio/mpeg",
			CostUSD:     usage.CostUSD,
		}); err != nil {
			return fmt.Errorf("store music artifact: %w", err)
		}
		r.step(55, "Mixing audio")
		if muxed, err := muxFinal(r, dir, stitched, mp3); err != nil {
			r.log.Warn("Audio mux failed; shipping the silent cut", "error", err)
		} else {
			final = muxed
		}
	}

	r.step(85, "Publishing final video")
	finalRow, err := r.upsert(checkpoint.ArtifactInput{
		Kind:        domvideos.ArtifactFinalVideo,
		Key:         domvideos.KeyFinal,
		Blob:        final,
		ContentType: "video/mp4",
	})
	if err != nil {
		return fmt.Errorf("store final artifact: %w", err)
	}

	if _, err := r.upsert(checkpoint.ArtifactInput{
		Kind:    domvideos.ArtifactSpec,
		Key:     domvideos.KeySpec,
		Payload: specRow.Payload,
	}); err != nil {
		return fmt.Errorf("store spec artifact: %w", err)
	}

	r.track(progress.Delta{FinalVideoPath: &finalRow.StoragePath})
	r.step(100, fmt.Sprintf("Final video ready (%ds)", trackLen))
	return nil
}

func muxFinal(r *stageRun, dir string, video, audio []byte) ([]byte, error) {
	videoPath := filepath.Join(dir, "rough.mp4")
	audioPath := filepath.Join(dir, "track.mp3")
	outPath := filepath.Join(dir, "final.mp4")
	if err := os.WriteFile(videoPath, video, 0o644); err != nil {
		return nil, fmt.Errorf("write rough cut scratch file: %w", err)
	}
	if err := os.WriteFile(audioPath, audio, 0o644); err != nil {
		return nil, fmt.Errorf("write track scratch file: %w", err)
	}
	if _, err := r.env.Tools.MuxAudio(r.ctx, videoPath, audioPath, outPath); err != nil {
		return nil, err
	}
	return os.ReadFile(outPath)
}
