// Package media wraps the ffmpeg binaries the chunk pipeline leans on for
// stitching, muxing, frame extraction, and probing. Everything here is
// synchronous and should run inside worker jobs, never request handlers.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ToolsService is the glue around the ffmpeg/ffprobe binaries.
//
// REQUIRED BINARIES in worker runtime:
// - ffmpeg for chunk stitching, audio mux, still-clip rendering
// - ffprobe for duration probing
type ToolsService interface {
	AssertReady(ctx context.Context) error

	// StitchChunks concatenates same-codec MP4 chunks without re-encoding.
	// Order of inputs is the playback order.
	StitchChunks(ctx context.Context, chunkPaths []string, outPath string) (string, error)

	// MuxAudio lays an audio track under a video. The output is cut to the
	// shorter of the two streams.
	MuxAudio(ctx context.Context, videoPath, audioPath, outPath string) (string, error)

	// LastFrame extracts the final frame of a video as PNG bytes. Chunk
	// continuations seed the next generation call with it.
	LastFrame(ctx context.Context, videoPath string) ([]byte, error)

	// ProbeDuration reports the container duration in seconds.
	ProbeDuration(ctx context.Context, path string) (float64, error)

	// StillClip renders a PNG into an MP4 of the given length. Local
	// provider mode uses it in place of a video model.
	StillClip(ctx context.Context, png []byte, durationS float64) ([]byte, error)

	// SilentTrack renders a silent MP3 of the given length. Local provider
	// mode uses it in place of a music model.
	SilentTrack(ctx context.Context, durationS int) ([]byte, error)

	// WriteTempFile drops bytes into the work root under a content-addressed
	// name. The cleanup removes the file.
	WriteTempFile(ctx context.Context, data []byte, suffix string) (string, func(), error)

	// WorkDir creates a fresh scratch directory under the work root.
	WorkDir(ctx context.Context, label string) (string, func(), error)
}

type toolsService struct {
	ffmpegPath  string
	ffprobePath string

	workRoot string

	defaultTimeout time.Duration
}

func NewToolsService() ToolsService {
	return &toolsService{
		ffmpegPath:     "ffmpeg",
		ffprobePath:    "ffprobe",
		workRoot:       "/tmp/spotforge-media",
		defaultTimeout: 10 * time.Minute,
	}
}

func (m *toolsService) AssertReady(ctx context.Context) error {
	for _, bin := range []string{m.ffmpegPath, m.ffprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("missing required binary %q in PATH: %w", bin, err)
		}
	}
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return fmt.Errorf("create workRoot: %w", err)
	}
	return nil
}

func (m *toolsService) WriteTempFile(ctx context.Context, data []byte, suffix string) (string, func(), error) {
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return "", func() {}, fmt.Errorf("mkdir workRoot: %w", err)
	}
	h := sha256.Sum256(data)
	base := hex.EncodeToString(h[:])[:16]
	if suffix != "" && !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	path := filepath.Join(m.workRoot, fmt.Sprintf("%s%s", base, suffix))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", func() {}, fmt.Errorf("write temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(path) }
	return path, cleanup, nil
}

func (m *toolsService) WorkDir(ctx context.Context, label string) (string, func(), error) {
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return "", func() {}, fmt.Errorf("mkdir workRoot: %w", err)
	}
	dir, err := os.MkdirTemp(m.workRoot, label+"-*")
	if err != nil {
		return "", func() {}, fmt.Errorf("mkdir scratch: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	return dir, cleanup, nil
}

func (m *toolsService) StitchChunks(ctx context.Context, chunkPaths []string, outPath string) (string, error) {
	ctx = defaultCtx(ctx)
	if len(chunkPaths) == 0 {
		return "", fmt.Errorf("chunkPaths required")
	}
	if outPath == "" {
		return "", fmt.Errorf("outPath required")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("mkdir outPath dir: %w", err)
	}

	listPath := outPath + ".list.txt"
	if err := os.WriteFile(listPath, []byte(concatList(chunkPaths)), 0o644); err != nil {
		return "", fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath, stitchArgs(listPath, outPath)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffmpeg concat failed: %w; out=%s", err, string(out))
	}
	if _, err := os.Stat(outPath); err != nil {
		return "", fmt.Errorf("stitched output missing at %s", outPath)
	}
	return outPath, nil
}

func (m *toolsService) MuxAudio(ctx context.Context, videoPath, audioPath, outPath string) (string, error) {
	ctx = defaultCtx(ctx)
	if videoPath == "" || audioPath == "" {
		return "", fmt.Errorf("videoPath and audioPath required")
	}
	if outPath == "" {
		return "", fmt.Errorf("outPath required")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("mkdir outPath dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath, muxArgs(videoPath, audioPath, outPath)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffmpeg mux failed: %w; out=%s", err, string(out))
	}
	if _, err := os.Stat(outPath); err != nil {
		return "", fmt.Errorf("muxed output missing at %s", outPath)
	}
	return outPath, nil
}

func (m *toolsService) LastFrame(ctx context.Context, videoPath string) ([]byte, error) {
	ctx = defaultCtx(ctx)
	if videoPath == "" {
		return nil, fmt.Errorf("videoPath required")
	}

	outPath := videoPath + ".last.png"
	defer os.Remove(outPath)

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath, lastFrameArgs(videoPath, outPath)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg last frame failed: %w; out=%s", err, string(out))
	}
	png, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read last frame: %w", err)
	}
	return png, nil
}

func (m *toolsService) ProbeDuration(ctx context.Context, path string) (float64, error) {
	ctx = defaultCtx(ctx)
	if path == "" {
		return 0, fmt.Errorf("path required")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffprobePath, probeArgs(path)...)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return dur, nil
}

func (m *toolsService) StillClip(ctx context.Context, png []byte, durationS float64) ([]byte, error) {
	ctx = defaultCtx(ctx)
	if len(png) == 0 {
		return nil, fmt.Errorf("png required")
	}
	if durationS <= 0 {
		return nil, fmt.Errorf("durationS must be positive")
	}

	pngPath, cleanupPNG, err := m.WriteTempFile(ctx, png, ".png")
	if err != nil {
		return nil, err
	}
	defer cleanupPNG()
	outPath := pngPath + ".mp4"
	defer os.Remove(outPath)

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath, stillClipArgs(pngPath, durationS, outPath)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg still clip failed: %w; out=%s", err, string(out))
	}
	return os.ReadFile(outPath)
}

func (m *toolsService) SilentTrack(ctx context.Context, durationS int) ([]byte, error) {
	ctx = defaultCtx(ctx)
	if durationS <= 0 {
		return nil, fmt.Errorf("durationS must be positive")
	}
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir workRoot: %w", err)
	}
	outPath := filepath.Join(m.workRoot, fmt.Sprintf("silence_%d.mp3", durationS))
	defer os.Remove(outPath)

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath, silenceArgs(durationS, outPath)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg silence failed: %w; out=%s", err, string(out))
	}
	return os.ReadFile(outPath)
}

// ---------- argument builders ----------

// concatList renders the ffmpeg concat demuxer input. Single quotes in paths
// are escaped the ffmpeg way: close quote, escaped quote, reopen.
func concatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		escaped := strings.ReplaceAll(p, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", escaped)
	}
	return b.String()
}

func stitchArgs(listPath, outPath string) []string {
	// Chunks come from the same model with identical codec parameters, so a
	// stream copy is safe and fast.
	return []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath,
	}
}

func muxArgs(videoPath, audioPath, outPath string) []string {
	return []string{
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		outPath,
	}
}

func lastFrameArgs(videoPath, outPath string) []string {
	// -sseof seeks from the end; one frame duration back lands on the final
	// frame without decoding the whole file.
	return []string{
		"-y",
		"-sseof", "-0.04",
		"-i", videoPath,
		"-frames:v", "1",
		"-update", "1",
		outPath,
	}
}

func probeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
}

func stillClipArgs(pngPath string, durationS float64, outPath string) []string {
	return []string{
		"-y",
		"-loop", "1",
		"-i", pngPath,
		"-t", strconv.FormatFloat(durationS, 'f', 2, 64),
		"-vf", "format=yuv420p",
		"-r", "24",
		outPath,
	}
}

func silenceArgs(durationS int, outPath string) []string {
	return []string{
		"-y",
		"-f", "lavfi",
		"-i", "anullsrc=r=44100:cl=stereo",
		"-t", strconv.Itoa(durationS),
		"-q:a", "9",
		outPath,
	}
}

func defaultCtx(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
