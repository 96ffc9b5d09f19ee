package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	jobrepos "github.com/spotforge/spotforge-backend/internal/data/repos/jobs"
	types "github.com/spotforge/spotforge-backend/internal/domain"
	domjobs "github.com/spotforge/spotforge-backend/internal/domain/jobs"
	"github.com/spotforge/spotforge-backend/internal/pkg/dbctx"
)

/*
Context is the execution handle for a single claimed queue row. It carries
the claim's context, the shared DB handle, the row itself, and the only
sanctioned ways to report progress or terminate the run. Handlers never
write job_run directly.

Every lifecycle write goes through UpdateFieldsUnlessStatus so a row that
was revoked (canceled) while the handler ran cannot be resurrected: the
guard rejects the write and the handler's result is discarded. User-facing
progress is not reported here; the row is queue bookkeeping and the progress
tracker owns what users see.
*/
type Context struct {
	Ctx  context.Context
	DB   *gorm.DB
	Job  *types.JobRun
	Runs jobrepos.JobRunRepo

	payload map[string]any
}

// NewContext builds the handle for a claimed row and eagerly decodes its
// payload. A malformed payload is not fatal here; handlers validate the
// fields they need.
func NewContext(ctx context.Context, db *gorm.DB, job *types.JobRun, runs jobrepos.JobRunRepo) *Context {
	c := &Context{
		Ctx:  ctx,
		DB:   db,
		Job:  job,
		Runs: runs,
	}
	c.decodePayload()
	return c
}

func (c *Context) decodePayload() {
	c.payload = map[string]any{}
	if c.Job == nil || len(c.Job.Payload) == 0 {
		return
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err == nil {
		c.payload = m
	}
}

// Payload returns the decoded payload object. Never nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

// PayloadUUID reads a payload field and parses it as a UUID.
func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(fmt.Sprint(v))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// StagePayload decodes the row's payload as a typed video stage payload.
func (c *Context) StagePayload() (domjobs.StagePayload, error) {
	if c.Job == nil {
		return domjobs.StagePayload{}, fmt.Errorf("no job row bound to context")
	}
	return domjobs.DecodeStagePayload(c.Job.Payload)
}

// Update applies raw field updates to the row, guarded against canceled.
// Prefer Progress/Fail/Succeed for lifecycle transitions.
func (c *Context) Update(updates map[string]any) error {
	if c.Job == nil || c.Job.ID == uuid.Nil {
		return nil
	}
	_, err := c.Runs.UpdateFieldsUnlessStatus(dbctx.New(c.ctx(), nil), c.Job.ID, []string{domjobs.RunCanceled}, updates)
	return err
}

// Progress records a non-terminal stage/percent pair and refreshes the
// heartbeat. Rejected silently when the row went canceled under us.
func (c *Context) Progress(stage string, pct int) {
	if c == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return
	}
	now := time.Now()
	ok, _ := c.Runs.UpdateFieldsUnlessStatus(dbctx.New(c.ctx(), nil), c.Job.ID, []string{domjobs.RunCanceled}, map[string]interface{}{
		"stage":        stage,
		"progress":     pct,
		"heartbeat_at": now,
	})
	if !ok {
		return
	}
	c.Job.Stage = stage
	c.Job.Progress = pct
	c.Job.HeartbeatAt = &now
	c.Job.UpdatedAt = now
}

// Heartbeat extends the claim without touching stage or progress.
func (c *Context) Heartbeat() error {
	if c == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return nil
	}
	return c.Runs.Heartbeat(dbctx.New(c.ctx(), nil), c.Job.ID)
}

// Canceled re-reads the row and reports whether it was revoked. Handlers
// check this at loop boundaries so long stages stop doing paid work early;
// a read error reports false and the terminal-status guards still hold.
func (c *Context) Canceled() bool {
	if c == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return false
	}
	row, err := c.Runs.GetByID(dbctx.New(c.ctx(), nil), c.Job.ID)
	if err != nil {
		return false
	}
	if row == nil {
		return true
	}
	return row.Status == domjobs.RunCanceled
}

/*
Fail marks the run terminally failed: status=failed, stage, error text,
last_error_at, and locked_at cleared so the claim sweep does not count it as
in-progress. Guarded against canceled and succeeded, so a late safety-net
Fail cannot clobber either.
*/
func (c *Context) Fail(stage string, err error) {
	if c == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return
	}
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	ctx, cancel := c.terminalCtx()
	defer cancel()
	ok, _ := c.Runs.UpdateFieldsUnlessStatus(dbctx.New(ctx, nil), c.Job.ID,
		[]string{domjobs.RunCanceled, domjobs.RunSucceeded},
		map[string]interface{}{
			"status":        domjobs.RunFailed,
			"stage":         stage,
			"error":         msg,
			"last_error_at": now,
			"locked_at":     nil,
		})
	if !ok {
		return
	}
	c.Job.Status = domjobs.RunFailed
	c.Job.Stage = stage
	c.Job.Error = msg
	c.Job.LastErrorAt = &now
	c.Job.LockedAt = nil
	c.Job.UpdatedAt = now
}

/*
Succeed marks the run terminally succeeded, stores the serialized result,
and releases the claim. Guarded against canceled and failed.
*/
func (c *Context) Succeed(finalStage string, result any) {
	if c == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return
	}
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		if b, err := json.Marshal(result); err == nil {
			res = datatypes.JSON(b)
		}
	}
	ctx, cancel := c.terminalCtx()
	defer cancel()
	ok, _ := c.Runs.UpdateFieldsUnlessStatus(dbctx.New(ctx, nil), c.Job.ID,
		[]string{domjobs.RunCanceled, domjobs.RunFailed},
		map[string]interface{}{
			"status":       domjobs.RunSucceeded,
			"stage":        finalStage,
			"progress":     100,
			"error":        "",
			"result":       res,
			"locked_at":    nil,
			"heartbeat_at": now,
		})
	if !ok {
		return
	}
	c.Job.Status = domjobs.RunSucceeded
	c.Job.Stage = finalStage
	c.Job.Progress = 100
	c.Job.Error = ""
	c.Job.Result = res
	c.Job.LockedAt = nil
	c.Job.HeartbeatAt = &now
	c.Job.UpdatedAt = now
}

func (c *Context) ctx() context.Context {
	if c.Ctx == nil {
		return context.Background()
	}
	return c.Ctx
}

// terminalCtx detaches from the run context so Fail and Succeed can record
// their outcome even when the run was canceled or timed out.
func (c *Context) terminalCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
