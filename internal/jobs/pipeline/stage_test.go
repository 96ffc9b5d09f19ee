package pipelines

import (
	"bytes"
	"context"
	"fmt"
	"io"
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
	jobrepos "github.com/spotforge/spotforge-backend/internal/data/repos/jobs"
	"github.com/spotforge/spotforge-backend/internal/data/repos/testutil"
	videorepos "github.com/spotforge/spotforge-backend/internal/data/repos/videos"
	types "github.com/spotforge/spotforge-backend/internal/domain"
	domjobs "github.com/spotforge/spotforge-backend/internal/domain/jobs"
	domvideos "github.com/spotforge/spotforge-backend/internal/domain/videos"
	"github.com/spotforge/spotforge-backend/internal/jobs/runtime"
	"github.com/spotforge/spotforge-backend/internal/pkg/dbctx"
	"github.com/spotforge/spotforge-backend/internal/progress"
	"github.com/spotforge/spotforge-backend/internal/providers"
	"github.com/spotforge/spotforge-backend/internal/realtime"
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

// recorderTracker captures every delta so tests can assert the progress
// narrative a stage produced.
type recorderTracker struct {
	mu           sync.Mutex
	status       string
	progressVals []int
	costUSD      float64
	phaseCosts   map[string]float64
	checkpointID *uuid.UUID
	finalPath    string
	errMsg       string
	durationS    float64
	events       []realtime.SSEEvent
}

func newRecorderTracker() *recorderTracker {
	return &recorderTracker{phaseCosts: map[string]float64{}}
}

func (r *recorderTracker) Update(_ context.Context, _ uuid.UUID, d progress.Delta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.Status != nil {
		r.status = *d.Status
	}
	if d.Progress != nil {
		r.progressVals = append(r.progressVals, *d.Progress)
	}
	if d.CheckpointID != nil {
		id := *d.CheckpointID
		r.checkpointID = &id
	}
	if d.FinalVideoPath != nil {
		r.finalPath = *d.FinalVideoPath
	}
	if d.Error != nil {
		r.errMsg = *d.Error
	}
	r.costUSD += d.AddCostUSD
	r.durationS += d.AddDurationS
	if d.PhaseCostPhase != "" {
		r.phaseCosts[d.PhaseCostPhase] += d.PhaseCostUSD
	}
	if d.Event != "" {
		r.events = append(r.events, d.Event)
	}
	return nil
}

func (r *recorderTracker) Snapshot(_ context.Context, videoID uuid.UUID) (*progress.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &progress.Snapshot{VideoID: videoID, Status: r.status, CostUSD: r.costUSD}, nil
}

func (r *recorderTracker) Forget(context.Context, uuid.UUID) error { return nil }

func (r *recorderTracker) lastStatus() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *recorderTracker) sawEvent(e realtime.SSEEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.events {
		if got == e {
			return true
		}
	}
	return false
}

func (r *recorderTracker) wallClockS() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.durationS
}

func (r *recorderTracker) progressMonotone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 1; i < len(r.progressVals); i++ {
		if r.progressVals[i] < r.progressVals[i-1] {
			return false
		}
	}
	return true
}

// fakeTools stands in for the ffmpeg wrapper. Stitch and mux concatenate
// bytes, last frame derives deterministically from the clip contents, so
// tests can assert exact seeding chains.
type fakeTools struct {
	probeS    float64
	muxErr    error
	lastErr   error
	stitchErr error
}

func (f *fakeTools) AssertReady(context.Context) error { return nil }

func (f *fakeTools) StitchChunks(_ context.Context, chunkPaths []string, outPath string) (string, error) {
	if f.stitchErr != nil {
		return "", f.stitchErr
	}
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
	if f.muxErr != nil {
		return "", f.muxErr
	}
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
	if f.lastErr != nil {
		return nil, f.lastErr
	}
	b, err := os.ReadFile(videoPath)
	if err != nil {
		return nil, err
	}
	return []byte("LF:" + string(b)), nil
}

func (f *fakeTools) ProbeDuration(context.Context, string) (float64, error) {
	if f.probeS > 0 {
		return f.probeS, nil
	}
	return 30, nil
}

func (f *fakeTools) StillClip(_ context.Context, png []byte, _ float64) ([]byte, error) {
	return append([]byte("STILL:"), png...), nil
}

func (f *fakeTools) SilentTrack(context.Context, int) ([]byte, error) {
	return []byte("SILENCE"), nil
}

func (f *fakeTools) WriteTempFile(_ context.Context, data []byte, suffix string) (string, func(), error) {
	fh, err := os.CreateTemp("", "stage-test-*"+suffix)
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

type fakePlanner struct {
	mu      sync.Mutex
	spec    *adspec.Spec
	usage   providers.Usage
	err     error
	lastReq providers.PlanRequest
}

func (p *fakePlanner) GeneratePlan(_ context.Context, req providers.PlanRequest) (*adspec.Spec, providers.Usage, error) {
	p.mu.Lock()
	p.lastReq = req
	p.mu.Unlock()
	if p.err != nil {
		return nil, providers.Usage{}, p.err
	}
	cp := *p.spec
	cp.Beats = append([]adspec.Beat(nil), p.spec.Beats...)
	return &cp, p.usage, nil
}

func (p *fakePlanner) request() providers.PlanRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

type fakeImage struct {
	mu    sync.Mutex
	calls []providers.ImageRequest
	fn    func(providers.ImageRequest) ([]byte, providers.Usage, error)
}

func (g *fakeImage) GenerateImage(_ context.Context, req providers.ImageRequest) ([]byte, providers.Usage, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	if g.fn != nil {
		return g.fn(req)
	}
	return []byte("IMG:" + req.Prompt), providers.Usage{CostUSD: 0.04}, nil
}

type fakeVideo struct {
	mu    sync.Mutex
	calls []providers.VideoRequest
	fn    func(providers.VideoRequest) ([]byte, providers.Usage, error)
}

func (g *fakeVideo) GenerateChunk(_ context.Context, req providers.VideoRequest) ([]byte, providers.Usage, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	if g.fn != nil {
		return g.fn(req)
	}
	return []byte("MP4(" + string(req.FirstFrame) + ")"), providers.Usage{CostUSD: 0.12}, nil
}

func (g *fakeVideo) requests() []providers.VideoRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]providers.VideoRequest(nil), g.calls...)
}

type fakeMusic struct {
	mu    sync.Mutex
	calls []providers.MusicRequest
	err   error
	track []byte
}

func (g *fakeMusic) GenerateMusic(_ context.Context, req providers.MusicRequest) ([]byte, providers.Usage, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	if g.err != nil {
		return nil, providers.Usage{}, g.err
	}
	track := g.track
	if track == nil {
		track = []byte("MP3")
	}
	return track, providers.Usage{CostUSD: 0.08}, nil
}

type fakeAdvancer struct {
	mu    sync.Mutex
	calls [][2]uuid.UUID
	err   error
}

func (a *fakeAdvancer) AutoAdvance(_ context.Context, videoID, checkpointID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, [2]uuid.UUID{videoID, checkpointID})
	return a.err
}

func dbc() dbctx.Context { return dbctx.New(context.Background(), nil) }

// ---------- fixture ----------

type stageFixture struct {
	db      *gorm.DB
	env     Env
	bucket  *memBucket
	tracker *recorderTracker
	store   checkpoint.Service
	cps     checkpoints.CheckpointRepo
	runs    jobrepos.JobRunRepo
	video   *types.VideoJob

	planner *fakePlanner
	image   *fakeImage
	videoGn *fakeVideo
	music   *fakeMusic
	advance *fakeAdvancer
}

func newStageFixture(t *testing.T) *stageFixture {
	t.Helper()
	db := testutil.AnyDB(t)
	log := testutil.Logger(t)
	bucket := newMemBucket()
	cps := checkpoints.NewCheckpointRepo(db, log)
	arts := checkpoints.NewArtifactRepo(db, log)
	store := checkpoint.NewService(log, db, cps, arts, bucket)
	videosRepo := videorepos.NewVideoJobRepo(db, log)
	runs := jobrepos.NewJobRunRepo(db, log)
	tracker := newRecorderTracker()

	f := &stageFixture{
		db:      db,
		bucket:  bucket,
		tracker: tracker,
		store:   store,
		cps:     cps,
		runs:    runs,
		video:   testutil.SeedVideoJob(t, context.Background(), db, uuid.New()),
		planner: &fakePlanner{},
		image:   &fakeImage{},
		videoGn: &fakeVideo{},
		music:   &fakeMusic{},
		advance: &fakeAdvancer{},
	}
	f.env = Env{
		Log:       log,
		DB:        db,
		Videos:    videosRepo,
		Store:     store,
		Tracker:   tracker,
		Providers: providers.Set{Planner: f.planner, Image: f.image, Video: f.videoGn, Music: f.music},
		Tools:     &fakeTools{},
		Advance:   f.advance,
	}
	return f
}

// runStage seeds a claimed queue row carrying the payload and executes the
// pipeline for its phase, the same entry the worker uses.
func (f *stageFixture) runStage(t *testing.T, payload domjobs.StagePayload) (*runtime.Context, error) {
	t.Helper()
	raw, err := payload.JSON()
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	now := time.Now()
	row := &types.JobRun{
		ID:          uuid.New(),
		OwnerUserID: f.video.OwnerUserID,
		JobType:     domjobs.JobTypeForPhase(payload.Phase),
		EntityType:  domjobs.EntityVideoJob,
		EntityID:    &payload.VideoID,
		Status:      domjobs.RunRunning,
		Stage:       "claimed",
		Attempts:    1,
		LockedAt:    &now,
		HeartbeatAt: &now,
		Payload:     raw,
	}
	if err := f.db.Create(row).Error; err != nil {
		t.Fatalf("seed job run: %v", err)
	}
	jc := runtime.NewContext(context.Background(), f.db, row, f.runs)

	var p *StagePipeline
	switch payload.Phase {
	case domvideos.PhasePlan:
		p = NewPlanPipeline(f.env)
	case domvideos.PhaseStoryboard:
		p = NewStoryboardPipeline(f.env)
	case domvideos.PhaseChunks:
		p = NewChunksPipeline(f.env)
	case domvideos.PhaseRefine:
		p = NewRefinePipeline(f.env)
	default:
		t.Fatalf("no pipeline for phase %d", payload.Phase)
	}
	return jc, p.Run(jc)
}

// seedSpecCheckpoint creates an approved checkpoint carrying the given spec,
// standing in for the output of an earlier phase.
func (f *stageFixture) seedSpecCheckpoint(t *testing.T, phase int, spec *adspec.Spec) *types.Checkpoint {
	t.Helper()
	ctx := context.Background()
	cp, err := f.store.EnsureCheckpoint(ctx, f.video, domvideos.DefaultBranch, phase, nil)
	if err != nil {
		t.Fatalf("seed checkpoint: %v", err)
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

func (f *stageFixture) liveCheckpoint(t *testing.T, phase int) *types.Checkpoint {
	t.Helper()
	cp, err := f.cps.FindLive(dbc(), f.video.ID, domvideos.DefaultBranch, phase)
	if err != nil {
		t.Fatalf("find live checkpoint: %v", err)
	}
	if cp == nil {
		t.Fatalf("no live checkpoint at phase %d", phase)
	}
	return cp
}

func (f *stageFixture) artifactBlob(t *testing.T, cpID uuid.UUID, kind, key string) []byte {
	t.Helper()
	row, err := f.store.Artifact(context.Background(), cpID, kind, key)
	if err != nil {
		t.Fatalf("artifact %s/%s: %v", kind, key, err)
	}
	if row == nil {
		t.Fatalf("artifact %s/%s missing", kind, key)
	}
	rc, err := f.store.OpenBlob(context.Background(), row)
	if err != nil {
		t.Fatalf("open blob %s/%s: %v", kind, key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read blob %s/%s: %v", kind, key, err)
	}
	return data
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

// ---------- shared lifecycle ----------

func TestStageSkipsTerminalVideo(t *testing.T) {
	f := newStageFixture(t)
	if err := f.db.Model(&types.VideoJob{}).Where("id = ?", f.video.ID).
		Update("status", domvideos.StatusCanceled).Error; err != nil {
		t.Fatalf("cancel video: %v", err)
	}

	jc, err := f.runStage(t, domjobs.StagePayload{
		VideoID: f.video.ID,
		Phase:   domvideos.PhasePlan,
		Branch:  domvideos.DefaultBranch,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if jc.Job.Status != domjobs.RunSucceeded {
		t.Fatalf("run status = %q, want succeeded", jc.Job.Status)
	}
	cp, err := f.cps.FindLive(dbc(), f.video.ID, domvideos.DefaultBranch, domvideos.PhasePlan)
	if err != nil {
		t.Fatalf("FindLive: %v", err)
	}
	if cp != nil {
		t.Fatalf("terminal video still got a checkpoint: %+v", cp)
	}
}

func TestStageRejectsForeignSourceCheckpoint(t *testing.T) {
	f := newStageFixture(t)
	other := testutil.SeedVideoJob(t, context.Background(), f.db, uuid.New())
	foreign, err := f.store.EnsureCheckpoint(context.Background(), other, domvideos.DefaultBranch, 1, nil)
	if err != nil {
		t.Fatalf("seed foreign checkpoint: %v", err)
	}

	_, err = f.runStage(t, domjobs.StagePayload{
		VideoID:            f.video.ID,
		Phase:              domvideos.PhaseStoryboard,
		Branch:             domvideos.DefaultBranch,
		SourceCheckpointID: &foreign.ID,
	})
	if err == nil || !strings.Contains(err.Error(), "does not belong") {
		t.Fatalf("err = %v, want ownership rejection", err)
	}
}

func TestStageAutoContinueDispatches(t *testing.T) {
	f := newStageFixture(t)
	f.planner.spec = twoBeatSpec()

	_, err := f.runStage(t, domjobs.StagePayload{
		VideoID:      f.video.ID,
		Phase:        domvideos.PhasePlan,
		Branch:       domvideos.DefaultBranch,
		AutoContinue: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	cp := f.liveCheckpoint(t, domvideos.PhasePlan)
	f.advance.mu.Lock()
	defer f.advance.mu.Unlock()
	if len(f.advance.calls) != 1 {
		t.Fatalf("auto-advance calls = %d, want 1", len(f.advance.calls))
	}
	if f.advance.calls[0] != [2]uuid.UUID{f.video.ID, cp.ID} {
		t.Fatalf("auto-advance args = %v", f.advance.calls[0])
	}
}
