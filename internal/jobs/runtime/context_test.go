package runtime

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	jobrepos "github.com/spotforge/spotforge-backend/internal/data/repos/jobs"
	"github.com/spotforge/spotforge-backend/internal/data/repos/testutil"
	types "github.com/spotforge/spotforge-backend/internal/domain"
	domjobs "github.com/spotforge/spotforge-backend/internal/domain/jobs"
	"github.com/spotforge/spotforge-backend/internal/pkg/dbctx"
)

func runFixture(t *testing.T) (*gorm.DB, jobrepos.JobRunRepo) {
	t.Helper()
	db := testutil.AnyDB(t)
	tx := testutil.Tx(t, db)
	return tx, jobrepos.NewJobRunRepo(tx, testutil.Logger(t))
}

func seedRunningRow(t *testing.T, runs jobrepos.JobRunRepo, payload domjobs.StagePayload) *types.JobRun {
	t.Helper()
	ctx := context.Background()
	raw, err := payload.JSON()
	if err != nil {
		t.Fatalf("payload json: %v", err)
	}
	videoID := payload.VideoID
	row, err := runs.Create(dbctx.New(ctx, nil), &types.JobRun{
		OwnerUserID: uuid.New(),
		JobType:     domjobs.JobTypeForPhase(payload.Phase),
		EntityType:  domjobs.EntityVideoJob,
		EntityID:    &videoID,
		Status:      domjobs.RunRunning,
		Attempts:    1,
		Payload:     raw,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return row
}

func TestContextPayloadDecoding(t *testing.T) {
	tx, runs := runFixture(t)

	videoID := uuid.New()
	cpID := uuid.New()
	row := seedRunningRow(t, runs, domjobs.StagePayload{
		VideoID:            videoID,
		Phase:              2,
		Branch:             "main-1",
		SourceCheckpointID: &cpID,
	})

	jc := NewContext(context.Background(), tx, row, runs)

	got, err := jc.StagePayload()
	if err != nil {
		t.Fatalf("stage payload: %v", err)
	}
	if got.VideoID != videoID || got.Phase != 2 || got.Branch != "main-1" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if got.SourceCheckpointID == nil || *got.SourceCheckpointID != cpID {
		t.Fatalf("source checkpoint not carried: %+v", got.SourceCheckpointID)
	}

	if id, ok := jc.PayloadUUID("video_id"); !ok || id != videoID {
		t.Fatalf("PayloadUUID video_id = %v %v", id, ok)
	}
	if _, ok := jc.PayloadUUID("missing"); ok {
		t.Fatalf("PayloadUUID should miss on absent key")
	}

	// Defaulted branch and phase validation.
	if _, err := domjobs.DecodeStagePayload(nil); err == nil {
		t.Fatalf("empty payload should not decode")
	}
	bad, _ := domjobs.StagePayload{VideoID: videoID, Phase: 9}.JSON()
	if _, err := domjobs.DecodeStagePayload(bad); err == nil {
		t.Fatalf("phase 9 should not decode")
	}
	noBranch, _ := domjobs.StagePayload{VideoID: videoID, Phase: 1}.JSON()
	p, err := domjobs.DecodeStagePayload(noBranch)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Branch != "main" {
		t.Fatalf("branch should default to main, got %q", p.Branch)
	}
}

func TestContextLifecycleWrites(t *testing.T) {
	tx, runs := runFixture(t)
	row := seedRunningRow(t, runs, domjobs.StagePayload{VideoID: uuid.New(), Phase: 1, Branch: "main"})
	jc := NewContext(context.Background(), tx, row, runs)

	jc.Progress("plan", 25)
	fresh, err := runs.GetByID(dbctx.New(context.Background(), nil), row.ID)
	if err != nil || fresh == nil {
		t.Fatalf("reload: %v", err)
	}
	if fresh.Stage != "plan" || fresh.Progress != 25 || fresh.HeartbeatAt == nil {
		t.Fatalf("progress not persisted: stage=%q pct=%d hb=%v", fresh.Stage, fresh.Progress, fresh.HeartbeatAt)
	}
	if jc.Job.Stage != "plan" || jc.Job.Progress != 25 {
		t.Fatalf("in-memory row not synced: %+v", jc.Job)
	}

	jc.Succeed("plan", map[string]any{"checkpoint_id": uuid.New().String()})
	fresh, _ = runs.GetByID(dbctx.New(context.Background(), nil), row.ID)
	if fresh.Status != domjobs.RunSucceeded || fresh.Progress != 100 {
		t.Fatalf("succeed not persisted: %+v", fresh)
	}
	if fresh.LockedAt != nil {
		t.Fatalf("succeed should release the claim")
	}
	if len(fresh.Result) == 0 || !strings.Contains(string(fresh.Result), "checkpoint_id") {
		t.Fatalf("result not stored: %s", fresh.Result)
	}

	// First terminal write wins: a late safety-net Fail must not clobber it.
	jc.Fail("plan", context.DeadlineExceeded)
	fresh, _ = runs.GetByID(dbctx.New(context.Background(), nil), row.ID)
	if fresh.Status != domjobs.RunSucceeded || fresh.Error != "" {
		t.Fatalf("fail overwrote succeeded row: %+v", fresh)
	}
}

func TestContextFailAndGuards(t *testing.T) {
	tx, runs := runFixture(t)
	row := seedRunningRow(t, runs, domjobs.StagePayload{VideoID: uuid.New(), Phase: 3, Branch: "main"})
	jc := NewContext(context.Background(), tx, row, runs)

	jc.Fail("chunks", context.DeadlineExceeded)
	fresh, _ := runs.GetByID(dbctx.New(context.Background(), nil), row.ID)
	if fresh.Status != domjobs.RunFailed || fresh.Stage != "chunks" {
		t.Fatalf("fail not persisted: %+v", fresh)
	}
	if fresh.Error == "" || fresh.LastErrorAt == nil || fresh.LockedAt != nil {
		t.Fatalf("fail bookkeeping wrong: %+v", fresh)
	}

	jc.Succeed("chunks", nil)
	fresh, _ = runs.GetByID(dbctx.New(context.Background(), nil), row.ID)
	if fresh.Status != domjobs.RunFailed {
		t.Fatalf("succeed overwrote failed row: %+v", fresh)
	}
}

func TestContextCanceledRowRejectsWrites(t *testing.T) {
	tx, runs := runFixture(t)
	row := seedRunningRow(t, runs, domjobs.StagePayload{VideoID: uuid.New(), Phase: 2, Branch: "main"})
	jc := NewContext(context.Background(), tx, row, runs)

	if jc.Canceled() {
		t.Fatalf("running row should not report canceled")
	}
	if err := runs.UpdateFields(dbctx.New(context.Background(), nil), row.ID, map[string]interface{}{
		"status": domjobs.RunCanceled,
		"error":  "canceled by user",
	}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !jc.Canceled() {
		t.Fatalf("revoked row should report canceled")
	}

	jc.Progress("storyboard", 50)
	jc.Fail("storyboard", context.DeadlineExceeded)
	jc.Succeed("storyboard", nil)

	fresh, _ := runs.GetByID(dbctx.New(context.Background(), nil), row.ID)
	if fresh.Status != domjobs.RunCanceled || fresh.Error != "canceled by user" {
		t.Fatalf("canceled row was overwritten: %+v", fresh)
	}
	if fresh.Stage == "storyboard" || fresh.Progress == 50 {
		t.Fatalf("guarded progress leaked through: %+v", fresh)
	}

	if err := jc.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	fresh, _ = runs.GetByID(dbctx.New(context.Background(), nil), row.ID)
	if fresh.Status != domjobs.RunCanceled {
		t.Fatalf("heartbeat must not resurrect a canceled row")
	}
}
