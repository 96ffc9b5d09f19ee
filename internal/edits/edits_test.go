package edits

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/spotforge/spotforge-backend/internal/adspec"
	"github.com/spotforge/spotforge-backend/internal/checkpoint"
	"github.com/spotforge/spotforge-backend/internal/data/repos/checkpoints"
	"github.com/spotforge/spotforge-backend/internal/data/repos/testutil"
	videorepos "github.com/spotforge/spotforge-backend/internal/data/repos/videos"
	types "github.com/spotforge/spotforge-backend/internal/domain"
	domvideos "github.com/spotforge/spotforge-backend/internal/domain/videos"
	"github.com/spotforge/spotforge-backend/internal/progress"
	"github.com/spotforge/spotforge-backend/internal/providers"
)

// ---------- fakes ----------

type memBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBucket() *memBucket { return &memBucket{objects: map[string][]byte{}} }

func (m *memBucket) Upload(_ context.Context, key string, r io.Reader, _ string) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return int64(len(data)), nil
}

func (m *memBucket) Download(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBucket) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memBucket) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
			n++
		}
	}
	return n, nil
}

func (m *memBucket) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memBucket) SignedURL(key string, _ time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

type recorderTracker struct {
	mu         sync.Mutex
	costUSD    float64
	phaseCosts map[string]float64
	messages   []string
}

func newRecorderTracker() *recorderTracker {
	return &recorderTracker{phaseCosts: map[string]float64{}}
}

func (r *recorderTracker) Update(_ context.Context, _ uuid.UUID, d progress.Delta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.costUSD += d.AddCostUSD
	if d.PhaseCostPhase != "" {
		r.phaseCosts[d.PhaseCostPhase] += d.PhaseCostUSD
	}
	if d.Message != nil {
		r.messages = append(r.messages, *d.Message)
	}
	return nil
}

func (r *recorderTracker) Snapshot(_ context.Context, videoID uuid.UUID) (*progress.Snapshot, error) {
	return &progress.Snapshot{VideoID: videoID}, nil
}

func (r *recorderTracker) Forget(context.Context, uuid.UUID) error { return nil }

func (r *recorderTracker) cost() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.costUSD
}

func (r *recorderTracker) phaseCost(label string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phaseCosts[label]
}

// fakeTools mirrors the ffmpeg wrapper with byte concatenation, so the
// reseeded continuation chain and the re-stitched cut are exact strings.
type fakeTools struct{}

func (f *fakeTools) AssertReady(context.Context) error { return nil }

func (f *fakeTools) StitchChunks(_ context.Context, chunkPaths []string, outPath string) (string, error) {
	var buf bytes.Buffer
	for _, p := range chunkPaths {
		b, err := os.ReadFile(p)
		if err != nil {
			return "", err
		}
		buf.Write(b)
	}
	if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return outPath, nil
}

func (f *fakeTools) MuxAudio(_ context.Context, videoPath, audioPath, outPath string) (string, error) {
	v, err := os.ReadFile(videoPath)
	if err != nil {
		return "", err
	}
	a, err := os.ReadFile(audioPath)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(outPath, append(v, a...), 0o644); err != nil {
		return "", err
	}
	return outPath, nil
}

func (f *fakeTools) LastFrame(_ context.Context, videoPath string) ([]byte, error) {
	b, err := os.ReadFile(videoPath)
	if err != nil {
		return nil, err
	}
	return []byte("LF:" + string(b)), nil
}

func (f *fakeTools) ProbeDuration(context.Context, string) (float64, error) { return 30, nil }

func (f *fakeTools) StillClip(_ context.Context, png []byte, _ float64) ([]byte, error) {
	return append([]byte("STILL:"), png...), nil
}

func (f *fakeTools) SilentTrack(context.Context, int) ([]byte, error) {
	return []byte("SILENCE"), nil
}

func (f *fakeTools) WriteTempFile(_ context.Context, data []byte, suffix string) (string, func(), error) {
	fh, err := os.CreateTemp("", "edit-test-*"+suffix)
	if err != nil {
		return "", func() {}, err
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		return "", func() {}, err
	}
	fh.Close()
	return fh.Name(), func() { _ = os.Remove(fh.Name()) }, nil
}

func (f *fakeTools) WorkDir(_ context.Context, label string) (string, func(), error) {
	dir, err := os.MkdirTemp("", label+"-*")
	if err != nil {
		return "", func() {}, err
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

type fakeImage struct {
	mu    sync.Mutex
	calls []providers.ImageRequest
}

func (g *fakeImage) GenerateImage(_ context.Context, req providers.ImageRequest) ([]byte, providers.Usage, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	return []byte("IMG:" + req.Prompt), providers.Usage{CostUSD: 0.04}, nil
}

func (g *fakeImage) requests() []providers.ImageRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]providers.ImageRequest(nil), g.calls...)
}

type fakeVideo struct {
	mu    sync.Mutex
	calls []providers.VideoRequest
}

func (g *fakeVideo) GenerateChunk(_ context.Context, req providers.VideoRequest) ([]byte, providers.Usage, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	return []byte("MP4(" + string(req.FirstFrame) + ")"), providers.Usage{CostUSD: 0.12}, nil
}

func (g *fakeVideo) requests() []providers.VideoRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]providers.VideoRequest(nil), g.calls...)
}

// ---------- fixture ----------

type editFixture struct {
	db      *gorm.DB
	bucket  *memBucket
	store   checkpoint.Service
	tracker *recorderTracker
	image   *fakeImage
	videoGn *fakeVideo
	svc     Service
	video   *types.VideoJob
}

func newEditFixture(t *testing.T) *editFixture {
	t.Helper()
	db := testutil.AnyDB(t)
	log := testutil.Logger(t)
	bucket := newMemBucket()
	cps := checkpoints.NewCheckpointRepo(db, log)
	arts := checkpoints.NewArtifactRepo(db, log)
	store := checkpoint.NewService(log, db, cps, arts, bucket)
	videosRepo := videorepos.NewVideoJobRepo(db, log)
	tracker := newRecorderTracker()

	f := &editFixture{
		db:      db,
		bucket:  bucket,
		store:   store,
		tracker: tracker,
		image:   &fakeImage{},
		videoGn: &fakeVideo{},
		video:   testutil.SeedVideoJob(t, context.Background(), db, uuid.New()),
	}
	f.svc = NewService(log, videosRepo, store,
		providers.Set{Image: f.image, Video: f.videoGn},
		&fakeTools{}, tracker)
	return f
}

func twoBeatSpec() *adspec.Spec {
	return &adspec.Spec{
		DurationS: 30,
		Archetype: "problem_solution",
		Beats: []adspec.Beat{
			{Index: 0, StartS: 0, DurationS: 15, Prompt: "problem shot"},
			{Index: 1, StartS: 15, DurationS: 15, Prompt: "solution shot"},
		},
		Style: adspec.Style{Palette: "warm", Mood: "confident"},
		Audio: adspec.Audio{MusicPrompt: "minimal electronic pulse"},
	}
}

// seedPlan creates a pending phase-1 checkpoint carrying the spec.
func (f *editFixture) seedPlan(t *testing.T, spec *adspec.Spec) *types.Checkpoint {
	t.Helper()
	ctx := context.Background()
	cp, err := f.store.EnsureCheckpoint(ctx, f.video, domvideos.DefaultBranch, domvideos.PhasePlan, nil)
	if err != nil {
		t.Fatalf("seed plan checkpoint: %v", err)
	}
	raw, err := spec.Marshal()
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	if _, err := f.store.AddArtifact(ctx, f.video, cp, checkpoint.ArtifactInput{
		Kind:    domvideos.ArtifactSpec,
		Key:     domvideos.KeySpec,
		Payload: raw,
	}); err != nil {
		t.Fatalf("seed spec artifact: %v", err)
	}
	return cp
}

// seedStoryboard builds the approved phase-1 ancestor plus a pending phase-2
// checkpoint with keyframes PNG0/PNG1 and the spec pointing at them.
func (f *editFixture) seedStoryboard(t *testing.T) (*types.Checkpoint, *adspec.Spec) {
	t.Helper()
	ctx := context.Background()
	spec := twoBeatSpec()
	cp1 := f.seedPlan(t, spec)
	if err := f.store.Approve(ctx, cp1.ID); err != nil {
		t.Fatalf("approve plan checkpoint: %v", err)
	}
	cp2, err := f.store.EnsureCheckpoint(ctx, f.video, domvideos.DefaultBranch, domvideos.PhaseStoryboard, &cp1.ID)
	if err != nil {
		t.Fatalf("seed storyboard checkpoint: %v", err)
	}
	for i, png := range []string{"PNG0", "PNG1"} {
		a, err := f.store.AddArtifact(ctx, f.video, cp2, checkpoint.ArtifactInput{
			Kind:        domvideos.ArtifactBeatImage,
			Key:         domvideos.BeatKey(i),
			Blob:        []byte(png),
			ContentType: "image/png",
		})
		if err != nil {
			t.Fatalf("seed beat image %d: %v", i, err)
		}
		spec.Beats[i].ImageURL = a.StoragePath
	}
	raw, err := spec.Marshal()
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	if _, err := f.store.AddArtifact(ctx, f.video, cp2, checkpoint.ArtifactInput{
		Kind:    domvideos.ArtifactSpec,
		Key:     domvideos.KeySpec,
		Payload: raw,
	}); err != nil {
		t.Fatalf("seed spec artifact: %v", err)
	}
	return cp2, spec
}

// seedChunks extends seedStoryboard with a pending phase-3 checkpoint holding
// six chunks C0..C5, last frames F0/F1/F3/F4 for the chunks with successors,
// the stitched cut, and the carried spec.
func (f *editFixture) seedChunks(t *testing.T) *types.Checkpoint {
	t.Helper()
	ctx := context.Background()
	cp2, spec := f.seedStoryboard(t)
	if err := f.store.Approve(ctx, cp2.ID); err != nil {
		t.Fatalf("approve storyboard checkpoint: %v", err)
	}
	cp3, err := f.store.EnsureCheckpoint(ctx, f.video, domvideos.DefaultBranch, domvideos.PhaseChunks, &cp2.ID)
	if err != nil {
		t.Fatalf("seed chunks checkpoint: %v", err)
	}

	var stitched bytes.Buffer
	for i := 0; i < 6; i++ {
		clip := []byte(fmt.Sprintf("C%d", i))
		stitched.Write(clip)
		if _, err := f.store.AddArtifact(ctx, f.video, cp3, checkpoint.ArtifactInput{
			Kind:        domvideos.ArtifactChunk,
			Key:         domvideos.ChunkKey(i),
			Blob:        clip,
			ContentType: "video/mp4",
			ProviderTag: "hailuo_fast",
		}); err != nil {
			t.Fatalf("seed chunk %d: %v", i, err)
		}
	}
	for _, i := range []int{0, 1, 3, 4} {
		if _, err := f.store.AddArtifact(ctx, f.video, cp3, checkpoint.ArtifactInput{
			Kind:        domvideos.ArtifactBeatLastFrame,
			Key:         domvideos.ChunkKey(i),
			Blob:        []byte(fmt.Sprintf("F%d", i)),
			ContentType: "image/png",
		}); err != nil {
			t.Fatalf("seed last frame %d: %v", i, err)
		}
	}
	if _, err := f.store.AddArtifact(ctx, f.video, cp3, checkpoint.ArtifactInput{
		Kind:        domvideos.ArtifactStitchedVideo,
		Key:         domvideos.KeyStitched,
		Blob:        stitched.Bytes(),
		ContentType: "video/mp4",
		ProviderTag: "hailuo_fast",
	}); err != nil {
		t.Fatalf("seed stitched cut: %v", err)
	}
	raw, err := spec.Marshal()
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	if _, err := f.store.AddArtifact(ctx, f.video, cp3, checkpoint.ArtifactInput{
		Kind:    domvideos.ArtifactSpec,
		Key:     domvideos.KeySpec,
		Payload: raw,
	}); err != nil {
		t.Fatalf("seed spec artifact: %v", err)
	}
	return cp3
}

func (f *editFixture) artifact(t *testing.T, cpID uuid.UUID, kind, key string) *types.Artifact {
	t.Helper()
	row, err := f.store.Artifact(context.Background(), cpID, kind, key)
	if err != nil {
		t.Fatalf("artifact %s/%s: %v", kind, key, err)
	}
	if row == nil {
		t.Fatalf("artifact %s/%s missing", kind, key)
	}
	return row
}

func (f *editFixture) blob(t *testing.T, a *types.Artifact) string {
	t.Helper()
	rc, err := f.store.OpenBlob(context.Background(), a)
	if err != nil {
		t.Fatalf("open blob %s/%s: %v", a.Kind, a.Key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read blob %s/%s: %v", a.Kind, a.Key, err)
	}
	return string(data)
}

func (f *editFixture) specOf(t *testing.T, cpID uuid.UUID) *adspec.Spec {
	t.Helper()
	spec, _, err := f.store.Spec(context.Background(), cpID)
	if err != nil {
		t.Fatalf("load spec: %v", err)
	}
	return spec
}

func (f *editFixture) edited(t *testing.T, cpID uuid.UUID) bool {
	t.Helper()
	got, err := f.store.HasBeenEdited(context.Background(), cpID)
	if err != nil {
		t.Fatalf("HasBeenEdited: %v", err)
	}
	return got
}

// ---------- spec edits ----------

func TestEditSpecBumpsVersionAndNormalizes(t *testing.T) {
	f := newEditFixture(t)
	ctx := context.Background()
	cp := f.seedPlan(t, twoBeatSpec())

	newBeats := []adspec.Beat{
		{DurationS: 15, Prompt: "open on the runner"},
		{DurationS: 10, Prompt: "shoe macro"},
		{DurationS: 5, Prompt: "logo card"},
	}
	res, err := f.svc.EditSpec(ctx, f.video.OwnerUserID, f.video.ID, cp.ID, SpecPatch{Beats: &newBeats})
	if err != nil {
		t.Fatalf("EditSpec: %v", err)
	}
	if res.Version != 2 {
		t.Fatalf("version = %d, want 2", res.Version)
	}
	if res.URL != "" {
		t.Fatalf("inline spec edit got URL %q", res.URL)
	}

	spec, row, err := f.store.Spec(ctx, cp.ID)
	if err != nil {
		t.Fatalf("reload spec: %v", err)
	}
	if row.ID != res.ArtifactID || row.Version != 2 {
		t.Fatalf("spec row = (%s, v%d), want (%s, v2)", row.ID, row.Version, res.ArtifactID)
	}
	if len(spec.Beats) != 3 {
		t.Fatalf("beats = %d, want 3", len(spec.Beats))
	}
	for i, want := range []float64{0, 15, 25} {
		if spec.Beats[i].Index != i || spec.Beats[i].StartS != want {
			t.Fatalf("beat %d = (index %d, start %.0f), want (index %d, start %.0f)",
				i, spec.Beats[i].Index, spec.Beats[i].StartS, i, want)
		}
	}
	if !f.edited(t, cp.ID) {
		t.Fatal("checkpoint not marked edited after spec patch")
	}

	style := adspec.Style{Palette: "neon", Mood: "frantic"}
	res2, err := f.svc.EditSpec(ctx, f.video.OwnerUserID, f.video.ID, cp.ID, SpecPatch{Style: &style})
	if err != nil {
		t.Fatalf("EditSpec (style): %v", err)
	}
	if res2.Version != 3 {
		t.Fatalf("second edit version = %d, want 3", res2.Version)
	}
	spec2 := f.specOf(t, cp.ID)
	if spec2.Style.Palette != "neon" || spec2.Style.Mood != "frantic" {
		t.Fatalf("style not replaced: %+v", spec2.Style)
	}
	if len(spec2.Beats) != 3 {
		t.Fatalf("style-only patch disturbed beats: %d", len(spec2.Beats))
	}
}

func TestEditSpecRejectsInvalidPatch(t *testing.T) {
	f := newEditFixture(t)
	ctx := context.Background()
	cp := f.seedPlan(t, twoBeatSpec())

	if _, err := f.svc.EditSpec(ctx, f.video.OwnerUserID, f.video.ID, cp.ID, SpecPatch{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty patch err = %v, want ErrInvalidInput", err)
	}

	badBeats := []adspec.Beat{{DurationS: 7, Prompt: "offbeat"}}
	_, err := f.svc.EditSpec(ctx, f.video.OwnerUserID, f.video.ID, cp.ID, SpecPatch{Beats: &badBeats})
	if !errors.Is(err, ErrInvalidInput) || !strings.Contains(err.Error(), "not in") {
		t.Fatalf("bad duration err = %v, want ErrInvalidInput naming allowed durations", err)
	}

	spec, row, err := f.store.Spec(ctx, cp.ID)
	if err != nil {
		t.Fatalf("reload spec: %v", err)
	}
	if row.Version != 1 || len(spec.Beats) != 2 {
		t.Fatalf("rejected edit still landed: v%d, %d beats", row.Version, len(spec.Beats))
	}
	if f.edited(t, cp.ID) {
		t.Fatal("rejected edit marked checkpoint edited")
	}
}

func TestEditGates(t *testing.T) {
	f := newEditFixture(t)
	ctx := context.Background()
	cp1 := f.seedPlan(t, twoBeatSpec())
	style := adspec.Style{Palette: "noir"}
	patch := SpecPatch{Style: &style}

	if _, err := f.svc.EditSpec(ctx, uuid.New(), f.video.ID, cp1.ID, patch); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign user err = %v, want ErrForbidden", err)
	}
	if _, err := f.svc.EditSpec(ctx, f.video.OwnerUserID, uuid.New(), cp1.ID, patch); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown video err = %v, want ErrNotFound", err)
	}
	if _, err := f.svc.EditSpec(ctx, f.video.OwnerUserID, f.video.ID, uuid.New(), patch); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown checkpoint err = %v, want ErrNotFound", err)
	}

	other := testutil.SeedVideoJob(t, ctx, f.db, f.video.OwnerUserID)
	foreign, err := f.store.EnsureCheckpoint(ctx, other, domvideos.DefaultBranch, domvideos.PhasePlan, nil)
	if err != nil {
		t.Fatalf("seed foreign checkpoint: %v", err)
	}
	if _, err := f.svc.EditSpec(ctx, f.video.OwnerUserID, f.video.ID, foreign.ID, patch); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign checkpoint err = %v, want ErrNotFound", err)
	}

	// Phase mismatch: an image edit against the phase-1 checkpoint.
	_, err = f.svc.UploadBeatImage(ctx, f.video.OwnerUserID, f.video.ID, cp1.ID,
		UploadImageInput{BeatIndex: 0, Image: []byte("X")})
	if !errors.Is(err, ErrNotEditable) {
		t.Fatalf("phase mismatch err = %v, want ErrNotEditable", err)
	}

	if err := f.store.Approve(ctx, cp1.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.svc.EditSpec(ctx, f.video.OwnerUserID, f.video.ID, cp1.ID, patch); !errors.Is(err, ErrNotEditable) {
		t.Fatalf("approved checkpoint err = %v, want ErrNotEditable", err)
	}
}

// ---------- storyboard edits ----------

func TestUploadBeatImageRewritesSpec(t *testing.T) {
	f := newEditFixture(t)
	ctx := context.Background()
	cp2, _ := f.seedStoryboard(t)

	res, err := f.svc.UploadBeatImage(ctx, f.video.OwnerUserID, f.video.ID, cp2.ID,
		UploadImageInput{BeatIndex: 1, Image: []byte("USERPNG"), ContentType: "image/jpeg"})
	if err != nil {
		t.Fatalf("UploadBeatImage: %v", err)
	}
	if res.Version != 2 {
		t.Fatalf("version = %d, want 2", res.Version)
	}

	row := f.artifact(t, cp2.ID, domvideos.ArtifactBeatImage, domvideos.BeatKey(1))
	if row.ID != res.ArtifactID || row.Version != 2 {
		t.Fatalf("beat image row = (%s, v%d), want (%s, v2)", row.ID, row.Version, res.ArtifactID)
	}
	if !strings.Contains(row.StoragePath, "_v2") {
		t.Fatalf("storage path %q missing version suffix", row.StoragePath)
	}
	if row.ContentType != "image/jpeg" {
		t.Fatalf("content type = %q, want image/jpeg", row.ContentType)
	}
	if got := f.blob(t, row); got != "USERPNG" {
		t.Fatalf("blob = %q, want USERPNG", got)
	}
	if want := "https://signed.example/" + row.StoragePath; res.URL != want {
		t.Fatalf("URL = %q, want %q", res.URL, want)
	}

	spec := f.specOf(t, cp2.ID)
	if spec.Beats[1].ImageURL != row.StoragePath {
		t.Fatalf("spec image_url = %q, want %q", spec.Beats[1].ImageURL, row.StoragePath)
	}
	if !f.edited(t, cp2.ID) {
		t.Fatal("checkpoint not marked edited after upload")
	}

	if _, err := f.svc.UploadBeatImage(ctx, f.video.OwnerUserID, f.video.ID, cp2.ID,
		UploadImageInput{BeatIndex: 7, Image: []byte("X")}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("out-of-range err = %v, want ErrInvalidInput", err)
	}
	if _, err := f.svc.UploadBeatImage(ctx, f.video.OwnerUserID, f.video.ID, cp2.ID,
		UploadImageInput{BeatIndex: 0}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty image err = %v, want ErrInvalidInput", err)
	}
}

func TestRegenerateBeatSeedsFromCurrentFrame(t *testing.T) {
	f := newEditFixture(t)
	ctx := context.Background()
	cp2, _ := f.seedStoryboard(t)

	res, err := f.svc.RegenerateBeat(ctx, f.video.OwnerUserID, f.video.ID, cp2.ID,
		RegenerateBeatInput{BeatIndex: 0, PromptOverride: "hero close-up"})
	if err != nil {
		t.Fatalf("RegenerateBeat: %v", err)
	}
	if res.Version != 2 {
		t.Fatalf("version = %d, want 2", res.Version)
	}

	reqs := f.image.requests()
	if len(reqs) != 1 {
		t.Fatalf("image calls = %d, want 1", len(reqs))
	}
	if reqs[0].Prompt != "hero close-up" {
		t.Fatalf("prompt = %q, want override", reqs[0].Prompt)
	}
	if reqs[0].StyleNote != "warm, confident" {
		t.Fatalf("style note = %q", reqs[0].StyleNote)
	}
	if string(reqs[0].InitImage) != "PNG0" {
		t.Fatalf("init image = %q, want current frame PNG0", reqs[0].InitImage)
	}

	row := f.artifact(t, cp2.ID, domvideos.ArtifactBeatImage, domvideos.BeatKey(0))
	if got := f.blob(t, row); got != "IMG:hero close-up" {
		t.Fatalf("blob = %q", got)
	}
	if row.CostUSD != 0.04 {
		t.Fatalf("artifact cost = %v, want 0.04", row.CostUSD)
	}
	if math.Abs(f.tracker.cost()-0.04) > 1e-9 {
		t.Fatalf("tracked cost = %v, want 0.04", f.tracker.cost())
	}
	if math.Abs(f.tracker.phaseCost("phase2_storyboard")-0.04) > 1e-9 {
		t.Fatalf("phase cost = %v, want 0.04", f.tracker.phaseCost("phase2_storyboard"))
	}
	spec := f.specOf(t, cp2.ID)
	if spec.Beats[0].ImageURL != row.StoragePath {
		t.Fatalf("spec image_url = %q, want %q", spec.Beats[0].ImageURL, row.StoragePath)
	}

	// Without an override the beat's own prompt drives the render.
	if _, err := f.svc.RegenerateBeat(ctx, f.video.OwnerUserID, f.video.ID, cp2.ID,
		RegenerateBeatInput{BeatIndex: 1}); err != nil {
		t.Fatalf("RegenerateBeat (no override): %v", err)
	}
	reqs = f.image.requests()
	if reqs[1].Prompt != "solution shot" {
		t.Fatalf("prompt = %q, want beat prompt", reqs[1].Prompt)
	}
}

// ---------- chunk edits ----------

func TestRegenerateChunkContinuation(t *testing.T) {
	f := newEditFixture(t)
	ctx := context.Background()
	cp3 := f.seedChunks(t)

	res, err := f.svc.RegenerateChunk(ctx, f.video.OwnerUserID, f.video.ID, cp3.ID,
		RegenerateChunkInput{ChunkIndex: 4})
	if err != nil {
		t.Fatalf("RegenerateChunk: %v", err)
	}
	if res.Version != 2 {
		t.Fatalf("version = %d, want 2", res.Version)
	}

	reqs := f.videoGn.requests()
	if len(reqs) != 1 {
		t.Fatalf("video calls = %d, want 1", len(reqs))
	}
	want := providers.VideoRequest{
		ModelTag:   "hailuo_fast",
		Prompt:     "solution shot",
		FirstFrame: []byte("F3"),
		DurationS:  5,
	}
	if reqs[0].ModelTag != want.ModelTag || reqs[0].Prompt != want.Prompt ||
		string(reqs[0].FirstFrame) != string(want.FirstFrame) || reqs[0].DurationS != want.DurationS {
		t.Fatalf("request = %+v, want %+v", reqs[0], want)
	}

	chunk := f.artifact(t, cp3.ID, domvideos.ArtifactChunk, domvideos.ChunkKey(4))
	if got := f.blob(t, chunk); got != "MP4(F3)" {
		t.Fatalf("chunk blob = %q, want MP4(F3)", got)
	}
	if chunk.ProviderTag != "hailuo_fast" || chunk.Version != 2 {
		t.Fatalf("chunk row = (tag %q, v%d)", chunk.ProviderTag, chunk.Version)
	}

	// Chunk 4 has a successor, so its stored last frame is re-extracted.
	frame := f.artifact(t, cp3.ID, domvideos.ArtifactBeatLastFrame, domvideos.ChunkKey(4))
	if got := f.blob(t, frame); got != "LF:MP4(F3)" {
		t.Fatalf("last frame = %q, want LF:MP4(F3)", got)
	}
	if frame.Version != 2 {
		t.Fatalf("last frame version = %d, want 2", frame.Version)
	}

	stitched := f.artifact(t, cp3.ID, domvideos.ArtifactStitchedVideo, domvideos.KeyStitched)
	if got := f.blob(t, stitched); got != "C0C1C2C3MP4(F3)C5" {
		t.Fatalf("stitched = %q", got)
	}
	if stitched.Version != 2 {
		t.Fatalf("stitched version = %d, want 2", stitched.Version)
	}

	// Neighbors keep their content: the predecessor frame and later chunks.
	if got := f.blob(t, f.artifact(t, cp3.ID, domvideos.ArtifactBeatLastFrame, domvideos.ChunkKey(3))); got != "F3" {
		t.Fatalf("predecessor frame = %q, want F3", got)
	}
	if got := f.blob(t, f.artifact(t, cp3.ID, domvideos.ArtifactChunk, domvideos.ChunkKey(5))); got != "C5" {
		t.Fatalf("chunk 5 = %q, want C5", got)
	}

	if !f.edited(t, cp3.ID) {
		t.Fatal("checkpoint not marked edited after chunk regeneration")
	}
	if math.Abs(f.tracker.phaseCost("phase3_chunks")-0.12) > 1e-9 {
		t.Fatalf("phase cost = %v, want 0.12", f.tracker.phaseCost("phase3_chunks"))
	}
}

func TestRegenerateChunkReferenceWithOverride(t *testing.T) {
	f := newEditFixture(t)
	ctx := context.Background()
	cp3 := f.seedChunks(t)

	res, err := f.svc.RegenerateChunk(ctx, f.video.OwnerUserID, f.video.ID, cp3.ID,
		RegenerateChunkInput{ChunkIndex: 3, ModelOverride: "veo"})
	if err != nil {
		t.Fatalf("RegenerateChunk: %v", err)
	}

	reqs := f.videoGn.requests()
	if len(reqs) != 1 || reqs[0].ModelTag != "veo" {
		t.Fatalf("requests = %+v, want one veo call", reqs)
	}
	// Chunk 3 opens beat 1, so it reseeds from that beat's storyboard frame.
	if string(reqs[0].FirstFrame) != "PNG1" {
		t.Fatalf("first frame = %q, want PNG1", reqs[0].FirstFrame)
	}

	chunk := f.artifact(t, cp3.ID, domvideos.ArtifactChunk, domvideos.ChunkKey(3))
	if chunk.ID != res.ArtifactID || chunk.Version != 2 || chunk.ProviderTag != "veo" {
		t.Fatalf("chunk row = (%s, v%d, tag %q)", chunk.ID, chunk.Version, chunk.ProviderTag)
	}
	if !strings.Contains(chunk.StoragePath, "_v2") {
		t.Fatalf("storage path %q missing version suffix", chunk.StoragePath)
	}
	if got := f.blob(t, f.artifact(t, cp3.ID, domvideos.ArtifactBeatLastFrame, domvideos.ChunkKey(3))); got != "LF:MP4(PNG1)" {
		t.Fatalf("last frame = %q, want LF:MP4(PNG1)", got)
	}
	if got := f.blob(t, f.artifact(t, cp3.ID, domvideos.ArtifactStitchedVideo, domvideos.KeyStitched)); got != "C0C1C2MP4(PNG1)C4C5" {
		t.Fatalf("stitched = %q", got)
	}
	if !f.edited(t, cp3.ID) {
		t.Fatal("checkpoint not marked edited")
	}
}

func TestRegenerateChunkTailHasNoFrameToRefresh(t *testing.T) {
	f := newEditFixture(t)
	ctx := context.Background()
	cp3 := f.seedChunks(t)

	if _, err := f.svc.RegenerateChunk(ctx, f.video.OwnerUserID, f.video.ID, cp3.ID,
		RegenerateChunkInput{ChunkIndex: 5}); err != nil {
		t.Fatalf("RegenerateChunk: %v", err)
	}

	reqs := f.videoGn.requests()
	if len(reqs) != 1 || string(reqs[0].FirstFrame) != "F4" {
		t.Fatalf("requests = %+v, want one call seeded from F4", reqs)
	}
	// The last chunk of its group never had a stored frame, and the
	// regeneration must not invent one.
	frame, err := f.store.Artifact(ctx, cp3.ID, domvideos.ArtifactBeatLastFrame, domvideos.ChunkKey(5))
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if frame != nil {
		t.Fatalf("tail chunk grew a last frame: %+v", frame)
	}
	if got := f.blob(t, f.artifact(t, cp3.ID, domvideos.ArtifactStitchedVideo, domvideos.KeyStitched)); got != "C0C1C2C3C4MP4(F4)" {
		t.Fatalf("stitched = %q", got)
	}
}

func TestRegenerateChunkRejectsBadInput(t *testing.T) {
	f := newEditFixture(t)
	ctx := context.Background()
	cp3 := f.seedChunks(t)

	_, err := f.svc.RegenerateChunk(ctx, f.video.OwnerUserID, f.video.ID, cp3.ID,
		RegenerateChunkInput{ChunkIndex: 3, ModelOverride: "warpdrive"})
	if !errors.Is(err, ErrInvalidInput) || !strings.Contains(err.Error(), "warpdrive") {
		t.Fatalf("unknown model err = %v, want ErrInvalidInput naming the tag", err)
	}

	_, err = f.svc.RegenerateChunk(ctx, f.video.OwnerUserID, f.video.ID, cp3.ID,
		RegenerateChunkInput{ChunkIndex: 9})
	if !errors.Is(err, ErrInvalidInput) || !strings.Contains(err.Error(), "out of range") {
		t.Fatalf("out-of-range err = %v, want ErrInvalidInput", err)
	}

	if got := f.videoGn.requests(); len(got) != 0 {
		t.Fatalf("rejected edits still called the provider: %+v", got)
	}
	if chunk := f.artifact(t, cp3.ID, domvideos.ArtifactChunk, domvideos.ChunkKey(3)); chunk.Version != 1 {
		t.Fatalf("chunk version = %d, want untouched v1", chunk.Version)
	}
	if f.edited(t, cp3.ID) {
		t.Fatal("rejected edits marked checkpoint edited")
	}
}
