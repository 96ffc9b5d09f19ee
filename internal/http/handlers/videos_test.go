package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"

	types "github.com/spotforge/spotforge-backend/internal/domain"
	domjobs "github.com/spotforge/spotforge-backend/internal/domain/jobs"
	domvideos "github.com/spotforge/spotforge-backend/internal/domain/videos"
	"github.com/spotforge/spotforge-backend/internal/platform/blobpath"
)

func TestStartVideoQueuesPlanPhase(t *testing.T) {
	f := newHTTPFixture(t)

	rec := f.do(t, http.MethodPost, "/api/generate", f.token, map[string]any{
		"prompt":     "a 30 second ad for a smart water bottle",
		"title":      "Hydra launch",
		"duration_s": 45,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		VideoID uuid.UUID `json:"video_id"`
		Status  string    `json:"status"`
	}
	decodeBody(t, rec, &body)
	if body.VideoID == uuid.Nil {
		t.Fatal("video_id missing from response")
	}
	if body.Status != domvideos.StatusQueued {
		t.Fatalf("status = %q, want %q", body.Status, domvideos.StatusQueued)
	}

	rows := f.queueRows(t, body.VideoID)
	if len(rows) != 1 {
		t.Fatalf("queue rows = %d, want 1", len(rows))
	}
	if rows[0].JobType != domjobs.JobTypePlan {
		t.Fatalf("job type = %q, want %q", rows[0].JobType, domjobs.JobTypePlan)
	}

	video := f.reload(t, body.VideoID)
	if video == nil || video.OwnerUserID != f.userID {
		t.Fatalf("video row not created for owner")
	}
	if video.ModelTag == "" {
		t.Fatal("model tag should default when omitted")
	}
	if video.RequestedDurationS != 45 {
		t.Fatalf("requested duration = %d, want 45", video.RequestedDurationS)
	}
}

func TestStartVideoRejectsBadInput(t *testing.T) {
	f := newHTTPFixture(t)

	rec := f.do(t, http.MethodPost, "/api/generate", f.token, map[string]any{"prompt": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty prompt: status = %d, want 400", rec.Code)
	}
	if code := errCode(t, rec); code != "invalid_input" {
		t.Fatalf("empty prompt: code = %q, want invalid_input", code)
	}

	rec = f.do(t, http.MethodPost, "/api/generate", f.token, map[string]any{
		"prompt": "an ad", "model": "no_such_model",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown model: status = %d, want 400", rec.Code)
	}
	if code := errCode(t, rec); code != "invalid_input" {
		t.Fatalf("unknown model: code = %q, want invalid_input", code)
	}

	rec = f.do(t, http.MethodPost, "/api/generate", f.token, map[string]any{
		"prompt": "an ad", "duration_s": -5,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative duration: status = %d, want 400", rec.Code)
	}
	if code := errCode(t, rec); code != "invalid_input" {
		t.Fatalf("negative duration: code = %q, want invalid_input", code)
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	f := newHTTPFixture(t)
	video := f.seedVideo(t)

	rec := f.do(t, http.MethodGet, "/api/status/"+video.ID.String(), "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/status/"+video.ID.String(), "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", rec.Code)
	}
}

func TestGetStatusOwnershipAndLookup(t *testing.T) {
	f := newHTTPFixture(t)
	video := f.seedVideo(t)

	stranger := mintToken(t, uuid.New())
	rec := f.do(t, http.MethodGet, "/api/status/"+video.ID.String(), stranger, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign video: status = %d, want 403", rec.Code)
	}
	if code := errCode(t, rec); code != "forbidden" {
		t.Fatalf("foreign video: code = %q, want forbidden", code)
	}

	rec = f.do(t, http.MethodGet, "/api/status/"+uuid.NewString(), f.token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown video: status = %d, want 404", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/status/not-a-uuid", f.token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed id: status = %d, want 400", rec.Code)
	}
	if code := errCode(t, rec); code != "invalid_video_id" {
		t.Fatalf("malformed id: code = %q, want invalid_video_id", code)
	}
}

func TestGetStatusEnvelopeCarriesCheckpointState(t *testing.T) {
	f := newHTTPFixture(t)
	video := f.seedVideo(t)
	_, cp2 := f.seedStoryboard(t, video)
	f.setStatus(t, video.ID, domvideos.StatusPausedAtPhase(domvideos.PhaseStoryboard))
	f.setCurrentCheckpoint(t, video.ID, cp2.ID)

	rec := f.do(t, http.MethodGet, "/api/status/"+video.ID.String(), f.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	var env StatusEnvelope
	decodeBody(t, rec, &env)
	if env.VideoID != video.ID {
		t.Fatalf("video_id = %s, want %s", env.VideoID, video.ID)
	}
	if env.Status != domvideos.StatusPausedAtPhase(domvideos.PhaseStoryboard) {
		t.Fatalf("status = %q, want paused at storyboard", env.Status)
	}
	if len(env.StoryboardURLs) != 2 {
		t.Fatalf("storyboard_urls = %d entries, want 2", len(env.StoryboardURLs))
	}
	for i, u := range env.StoryboardURLs {
		if u == "" {
			t.Fatalf("storyboard url %d is empty", i)
		}
	}
	if env.CurrentCheckpoint == nil {
		t.Fatal("current_checkpoint missing")
	}
	if env.CurrentCheckpoint.ID != cp2.ID || env.CurrentCheckpoint.Phase != domvideos.PhaseStoryboard {
		t.Fatalf("current_checkpoint = %s phase %d, want %s phase 2",
			env.CurrentCheckpoint.ID, env.CurrentCheckpoint.Phase, cp2.ID)
	}
	if len(env.CheckpointTree) == 0 {
		t.Fatal("checkpoint_tree missing")
	}
	if len(env.ActiveBranches) != 1 || env.ActiveBranches[0].Name != domvideos.DefaultBranch {
		t.Fatalf("active_branches = %+v, want single main branch", env.ActiveBranches)
	}
	if env.CurrentBranch != domvideos.DefaultBranch {
		t.Fatalf("current_branch = %q, want %q", env.CurrentBranch, domvideos.DefaultBranch)
	}
}

func TestGetVideoSignsFinalPath(t *testing.T) {
	f := newHTTPFixture(t)
	video := f.seedVideo(t)
	finalKey := "some/final/video_v1.mp4"
	if err := f.db.Model(&types.VideoJob{}).Where("id = ?", video.ID).
		Update("final_video_path", finalKey).Error; err != nil {
		t.Fatalf("set final path: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/video/"+video.ID.String(), f.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		FinalVideoURL string `json:"final_video_url"`
	}
	decodeBody(t, rec, &body)
	if body.FinalVideoURL != "https://signed.example/"+finalKey {
		t.Fatalf("final_video_url = %q, want signed url for %q", body.FinalVideoURL, finalKey)
	}
}

func TestContinueAdvancesToNextPhase(t *testing.T) {
	f := newHTTPFixture(t)
	video, cp := f.seedPaused(t, domvideos.PhasePlan)

	rec := f.do(t, http.MethodPost, "/api/video/"+video.ID.String()+"/continue", f.token,
		map[string]any{"checkpoint_id": cp.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	var res struct {
		NextPhase        int    `json:"next_phase"`
		Branch           string `json:"branch_name"`
		CreatedNewBranch bool   `json:"created_new_branch"`
	}
	decodeBody(t, rec, &res)
	if res.NextPhase != domvideos.PhaseStoryboard {
		t.Fatalf("next_phase = %d, want 2", res.NextPhase)
	}
	if res.Branch != domvideos.DefaultBranch || res.CreatedNewBranch {
		t.Fatalf("branch = %q new=%v, want main without fork", res.Branch, res.CreatedNewBranch)
	}

	reloaded := f.reload(t, video.ID)
	if reloaded.Status != domvideos.StatusRunningPhase(domvideos.PhaseStoryboard) {
		t.Fatalf("video status = %q, want running phase 2", reloaded.Status)
	}
	rows := f.queueRows(t, video.ID)
	if len(rows) != 1 || rows[0].JobType != domjobs.JobTypeStoryboard {
		t.Fatalf("queue rows = %+v, want single storyboard job", rows)
	}
}

func TestContinueRequiresCheckpointID(t *testing.T) {
	f := newHTTPFixture(t)
	video, _ := f.seedPaused(t, domvideos.PhasePlan)

	rec := f.do(t, http.MethodPost, "/api/video/"+video.ID.String()+"/continue", f.token,
		map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errCode(t, rec); code != "invalid_body" {
		t.Fatalf("code = %q, want invalid_body", code)
	}
}

func TestContinueConflicts(t *testing.T) {
	t.Run("terminal job", func(t *testing.T) {
		f := newHTTPFixture(t)
		video, cp := f.seedPaused(t, domvideos.PhasePlan)
		f.setStatus(t, video.ID, domvideos.StatusComplete)

		rec := f.do(t, http.MethodPost, "/api/video/"+video.ID.String()+"/continue", f.token,
			map[string]any{"checkpoint_id": cp.ID})
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
		if code := errCode(t, rec); code != "terminal_state" {
			t.Fatalf("code = %q, want terminal_state", code)
		}
	})

	t.Run("superseded checkpoint", func(t *testing.T) {
		f := newHTTPFixture(t)
		video, cp := f.seedPaused(t, domvideos.PhasePlan)
		if err := f.db.Model(&types.Checkpoint{}).Where("id = ?", cp.ID).
			Update("status", domvideos.CheckpointSuperseded).Error; err != nil {
			t.Fatalf("supersede checkpoint: %v", err)
		}

		rec := f.do(t, http.MethodPost, "/api/video/"+video.ID.String()+"/continue", f.token,
			map[string]any{"checkpoint_id": cp.ID})
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
		if code := errCode(t, rec); code != "checkpoint_superseded" {
			t.Fatalf("code = %q, want checkpoint_superseded", code)
		}
	})

	t.Run("checkpoint from another pause point", func(t *testing.T) {
		f := newHTTPFixture(t)
		video, _ := f.seedPaused(t, domvideos.PhaseStoryboard)
		views, err := f.store.ListViews(context.Background(), video.ID, domvideos.DefaultBranch)
		if err != nil || len(views) < 2 {
			t.Fatalf("list views: %v (%d views)", err, len(views))
		}
		planCP := views[0].ID

		rec := f.do(t, http.MethodPost, "/api/video/"+video.ID.String()+"/continue", f.token,
			map[string]any{"checkpoint_id": planCP})
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
		if code := errCode(t, rec); code != "wrong_pause" {
			t.Fatalf("code = %q, want wrong_pause", code)
		}
	})
}

func TestDeleteVideoRemovesRowsAndBlobs(t *testing.T) {
	f := newHTTPFixture(t)
	video := f.seedVideo(t)
	f.seedStoryboard(t, video)

	prefix := blobpath.VideoPrefix(f.userID, video.ID)
	if f.bucket.count(prefix) == 0 {
		t.Fatal("fixture should have uploaded keyframe blobs")
	}

	rec := f.do(t, http.MethodDelete, "/api/video/"+video.ID.String(), f.token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204 (body %s)", rec.Code, rec.Body.String())
	}
	if n := f.bucket.count(prefix); n != 0 {
		t.Fatalf("blobs remaining after delete = %d, want 0", n)
	}
	if f.reload(t, video.ID) != nil {
		t.Fatal("video row should be gone")
	}

	rec = f.do(t, http.MethodDelete, "/api/video/"+video.ID.String(), f.token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: status = %d, want 404", rec.Code)
	}
}
