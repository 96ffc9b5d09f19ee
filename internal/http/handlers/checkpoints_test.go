package handlers

import (
	"net/http"
	"testing"

	"github.com/google/uuid"

	"github.com/spotforge/spotforge-backend/internal/checkpoint"
	domvideos "github.com/spotforge/spotforge-backend/internal/domain/videos"
)

func TestListCheckpointsReturnsViewsAndTree(t *testing.T) {
	f := newHTTPFixture(t)
	video := f.seedVideo(t)
	cp1, cp2 := f.seedStoryboard(t, video)

	rec := f.do(t, http.MethodGet, "/api/video/"+video.ID.String()+"/checkpoints", f.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Checkpoints []checkpoint.View      `json:"checkpoints"`
		Tree        []*checkpoint.TreeNode `json:"tree"`
	}
	decodeBody(t, rec, &body)
	if len(body.Checkpoints) != 2 {
		t.Fatalf("checkpoints = %d, want 2", len(body.Checkpoints))
	}
	if body.Checkpoints[0].ID != cp1.ID || body.Checkpoints[1].ID != cp2.ID {
		t.Fatalf("checkpoint order = %s, %s; want plan then storyboard",
			body.Checkpoints[0].ID, body.Checkpoints[1].ID)
	}
	if len(body.Tree) != 1 {
		t.Fatalf("tree roots = %d, want 1", len(body.Tree))
	}
	root := body.Tree[0]
	if root.Checkpoint.ID != cp1.ID {
		t.Fatalf("tree root = %s, want plan checkpoint %s", root.Checkpoint.ID, cp1.ID)
	}
	if len(root.Children) != 1 || root.Children[0].Checkpoint.ID != cp2.ID {
		t.Fatalf("tree child missing storyboard checkpoint")
	}
}

func TestCurrentCheckpoint(t *testing.T) {
	f := newHTTPFixture(t)
	video := f.seedVideo(t)

	rec := f.do(t, http.MethodGet, "/api/video/"+video.ID.String()+"/checkpoints/current", f.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var empty struct {
		Checkpoint *checkpoint.View `json:"checkpoint"`
	}
	decodeBody(t, rec, &empty)
	if empty.Checkpoint != nil {
		t.Fatalf("checkpoint = %+v, want null before any phase ran", empty.Checkpoint)
	}

	_, cp2 := f.seedStoryboard(t, video)
	f.setCurrentCheckpoint(t, video.ID, cp2.ID)

	rec = f.do(t, http.MethodGet, "/api/video/"+video.ID.String()+"/checkpoints/current", f.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Checkpoint *checkpoint.View `json:"checkpoint"`
	}
	decodeBody(t, rec, &body)
	if body.Checkpoint == nil || body.Checkpoint.ID != cp2.ID {
		t.Fatalf("checkpoint = %+v, want storyboard view %s", body.Checkpoint, cp2.ID)
	}
}

func TestCheckpointDetailReturnsArtifacts(t *testing.T) {
	f := newHTTPFixture(t)
	video := f.seedVideo(t)
	_, cp2 := f.seedStoryboard(t, video)

	rec := f.do(t, http.MethodGet,
		"/api/video/"+video.ID.String()+"/checkpoints/"+cp2.ID.String(), f.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Checkpoint *checkpoint.View          `json:"checkpoint"`
		Artifacts  []checkpoint.ArtifactView `json:"artifacts"`
	}
	decodeBody(t, rec, &body)
	if body.Checkpoint == nil || body.Checkpoint.ID != cp2.ID {
		t.Fatal("checkpoint view missing")
	}
	if len(body.Artifacts) != 3 {
		t.Fatalf("artifacts = %d, want 2 keyframes plus spec", len(body.Artifacts))
	}
	var signed, inline int
	for _, a := range body.Artifacts {
		switch a.Kind {
		case domvideos.ArtifactBeatImage:
			if a.URL == "" {
				t.Fatalf("keyframe %s has no signed url", a.Key)
			}
			signed++
		case domvideos.ArtifactSpec:
			if len(a.Payload) == 0 {
				t.Fatal("spec artifact lost its inline payload")
			}
			inline++
		}
	}
	if signed != 2 || inline != 1 {
		t.Fatalf("artifact mix = %d signed, %d inline; want 2 and 1", signed, inline)
	}
}

func TestCheckpointDetailGuards(t *testing.T) {
	f := newHTTPFixture(t)
	video := f.seedVideo(t)
	other := f.seedVideo(t)
	_, otherCP := f.seedStoryboard(t, other)

	rec := f.do(t, http.MethodGet,
		"/api/video/"+video.ID.String()+"/checkpoints/"+otherCP.ID.String(), f.token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cross-video checkpoint: status = %d, want 404", rec.Code)
	}

	rec = f.do(t, http.MethodGet,
		"/api/video/"+video.ID.String()+"/checkpoints/"+uuid.NewString(), f.token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown checkpoint: status = %d, want 404", rec.Code)
	}

	rec = f.do(t, http.MethodGet,
		"/api/video/"+video.ID.String()+"/checkpoints/garbage", f.token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed checkpoint id: status = %d, want 400", rec.Code)
	}
	if code := errCode(t, rec); code != "invalid_checkpoint_id" {
		t.Fatalf("code = %q, want invalid_checkpoint_id", code)
	}
}

func TestListBranches(t *testing.T) {
	f := newHTTPFixture(t)
	video := f.seedVideo(t)
	_, cp2 := f.seedStoryboard(t, video)

	rec := f.do(t, http.MethodGet, "/api/video/"+video.ID.String()+"/branches", f.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Branches []checkpoint.BranchInfo `json:"branches"`
	}
	decodeBody(t, rec, &body)
	if len(body.Branches) != 1 {
		t.Fatalf("branches = %d, want 1", len(body.Branches))
	}
	b := body.Branches[0]
	if b.Name != domvideos.DefaultBranch || b.LatestCheckpointID != cp2.ID {
		t.Fatalf("branch = %+v, want main tipped at storyboard", b)
	}
	if b.Phase != domvideos.PhaseStoryboard || !b.CanContinue {
		t.Fatalf("branch = %+v, want continuable phase 2", b)
	}
}
