// Package progress is the dual-sink progress channel. Every update merges
// into the redis snapshot (the live view SSE and polling read), is written
// behind to Postgres best-effort, and is published to the event bus. Redis
// holds the authoritative live state; the DB row is the durable fallback.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/spotforge/spotforge-backend/internal/data/repos/videos"
	types "github.com/spotforge/spotforge-backend/internal/domain"
	domvideos "github.com/spotforge/spotforge-backend/internal/domain/videos"
	"github.com/spotforge/spotforge-backend/internal/observability"
	"github.com/spotforge/spotforge-backend/internal/pkg/dbctx"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/realtime"
	"github.com/spotforge/spotforge-backend/internal/realtime/bus"
)

const (
	snapshotTTL     = time.Hour
	snapshotKeyPref = "video:progress:"
	lockStripes     = 64
)

// Snapshot is the merged live state of one video job.
type Snapshot struct {
	VideoID             uuid.UUID          `json:"video_id"`
	Status              string             `json:"status"`
	Progress            int                `json:"progress"`
	CurrentPhase        string             `json:"current_phase,omitempty"`
	Message             string             `json:"message,omitempty"`
	Error               string             `json:"error,omitempty"`
	CostUSD             float64            `json:"cost_usd"`
	PhaseCosts          map[string]float64 `json:"phase_costs,omitempty"`
	DurationS           float64            `json:"duration_s,omitempty"`
	CurrentCheckpointID *uuid.UUID         `json:"current_checkpoint_id,omitempty"`
	CurrentBranch       string             `json:"current_branch,omitempty"`
	FinalVideoPath      string             `json:"final_video_path,omitempty"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// Delta is one progress update. Nil pointer fields are left untouched by the
// merge; costs accumulate instead of overwriting.
type Delta struct {
	Status         *string
	Progress       *int
	Phase          *string
	Message        *string
	Error          *string
	Branch         *string
	FinalVideoPath *string
	CheckpointID   *uuid.UUID
	AddCostUSD     float64
	PhaseCostPhase string
	PhaseCostUSD   float64
	// AddDurationS accumulates stage wall-clock seconds, like costs.
	AddDurationS float64
	// Event overrides the published event name; empty means status.
	Event realtime.SSEEvent
	// EventData overrides the published payload; nil means the merged
	// snapshot. Checkpoint events carry bare identifiers instead.
	EventData any
	// Force applies field updates even when the job is already terminal.
	// Reserved for user-intent transitions (resume from a checkpoint of a
	// finished job); worker updates leave it false so a loser finishing
	// late cannot flip canceled back to failed or running.
	Force bool
}

type Tracker interface {
	Update(ctx context.Context, videoID uuid.UUID, d Delta) error
	// Snapshot returns the live state, falling back to the DB row (and
	// backfilling the cache) when redis has no entry.
	Snapshot(ctx context.Context, videoID uuid.UUID) (*Snapshot, error)
	// Forget drops the cache entry. Used on delete.
	Forget(ctx context.Context, videoID uuid.UUID) error
}

type tracker struct {
	log   *logger.Logger
	rdb   *goredis.Client
	repo  videos.VideoJobRepo
	bus   bus.Bus
	locks [lockStripes]sync.Mutex
}

func NewTracker(log *logger.Logger, rdb *goredis.Client, repo videos.VideoJobRepo, eventBus bus.Bus) (Tracker, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if repo == nil {
		return nil, fmt.Errorf("video repo required")
	}
	return &tracker{
		log:  log.With("service", "ProgressTracker"),
		rdb:  rdb,
		repo: repo,
		bus:  eventBus,
	}, nil
}

func snapshotKey(id uuid.UUID) string { return snapshotKeyPref + id.String() }

func (t *tracker) lockFor(id uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return &t.locks[h.Sum32()%lockStripes]
}

// Update runs the whole delta under the per-job lock: merge, write-behind,
// and publish. Releasing before the sinks would let a delta merged earlier
// be published (or land in the DB) after a later one, and the SSE stream
// would show progress moving backwards.
func (t *tracker) Update(ctx context.Context, videoID uuid.UUID, d Delta) error {
	if videoID == uuid.Nil {
		return fmt.Errorf("videoID required")
	}
	mu := t.lockFor(videoID)
	mu.Lock()
	defer mu.Unlock()
	snap, err := t.merge(ctx, videoID, d)
	if err != nil {
		return err
	}

	observability.Current().AddJobCost(d.PhaseCostPhase, d.AddCostUSD)
	t.writeBehind(ctx, videoID, d, snap)
	t.publish(ctx, videoID, d, snap)
	return nil
}

// merge applies the delta to the cached snapshot, serializing concurrent
// updates to the same job into one total order.
func (t *tracker) merge(ctx context.Context, videoID uuid.UUID, d Delta) (*Snapshot, error) {
	key := snapshotKey(videoID)
	snap := &Snapshot{VideoID: videoID}
	raw, err := t.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if unmarshalErr := json.Unmarshal(raw, snap); unmarshalErr != nil {
			t.log.Warn("corrupt progress snapshot, rebuilding", "video_id", videoID, "error", unmarshalErr)
			snap = &Snapshot{VideoID: videoID}
		}
	case err == goredis.Nil:
	default:
		return nil, fmt.Errorf("progress cache read: %w", err)
	}

	locked := domvideos.IsTerminalStatus(snap.Status) && !d.Force
	if !locked {
		if d.Status != nil {
			snap.Status = *d.Status
		}
		if d.Progress != nil {
			p := *d.Progress
			if p < 0 {
				p = 0
			}
			if p > 100 {
				p = 100
			}
			snap.Progress = p
		}
		if d.Phase != nil {
			snap.CurrentPhase = *d.Phase
		}
		if d.Message != nil {
			snap.Message = *d.Message
		}
		if d.Error != nil {
			snap.Error = *d.Error
		}
		if d.Branch != nil {
			snap.CurrentBranch = *d.Branch
		}
		if d.FinalVideoPath != nil {
			snap.FinalVideoPath = *d.FinalVideoPath
		}
		if d.CheckpointID != nil {
			snap.CurrentCheckpointID = d.CheckpointID
		}
	}
	if d.AddCostUSD != 0 {
		snap.CostUSD += d.AddCostUSD
	}
	if d.PhaseCostPhase != "" && d.PhaseCostUSD != 0 {
		if snap.PhaseCosts == nil {
			snap.PhaseCosts = map[string]float64{}
		}
		snap.PhaseCosts[d.PhaseCostPhase] += d.PhaseCostUSD
	}
	if d.AddDurationS != 0 {
		snap.DurationS += d.AddDurationS
	}
	snap.UpdatedAt = time.Now().UTC()

	out, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := t.rdb.Set(ctx, key, out, snapshotTTL).Err(); err != nil {
		return nil, fmt.Errorf("progress cache write: %w", err)
	}
	return snap, nil
}

// writeBehind mirrors the delta onto the job row. Failures are logged, not
// returned. Terminal rows are never resurrected: a late update from a loser
// worker cannot flip canceled back to running.
func (t *tracker) writeBehind(ctx context.Context, videoID uuid.UUID, d Delta, snap *Snapshot) {
	dbc := dbctx.Context{Ctx: ctx}

	updates := map[string]interface{}{}
	if d.Status != nil {
		updates["status"] = *d.Status
	}
	if d.Progress != nil {
		updates["progress"] = snap.Progress
	}
	if d.Phase != nil {
		updates["current_phase"] = *d.Phase
	}
	if d.Error != nil {
		updates["error"] = *d.Error
	}
	if d.Branch != nil {
		updates["current_branch"] = *d.Branch
	}
	if d.FinalVideoPath != nil {
		updates["final_video_path"] = *d.FinalVideoPath
	}
	if d.CheckpointID != nil {
		updates["current_checkpoint_id"] = *d.CheckpointID
	}
	if d.PhaseCostPhase != "" && len(snap.PhaseCosts) > 0 {
		if raw, err := json.Marshal(snap.PhaseCosts); err == nil {
			updates["phase_costs"] = raw
		}
	}

	if len(updates) > 0 {
		var err error
		if d.Force {
			err = t.repo.UpdateFields(dbc, videoID, updates)
		} else {
			terminal := []string{domvideos.StatusComplete, domvideos.StatusFailed, domvideos.StatusCanceled}
			_, err = t.repo.UpdateFieldsUnlessStatus(dbc, videoID, terminal, updates)
		}
		if err != nil {
			t.log.Warn("progress write-behind failed", "video_id", videoID, "error", err)
		}
	}
	// Cost is money already spent; it lands even on canceled jobs. Same for
	// wall-clock time.
	if d.AddCostUSD != 0 {
		if err := t.repo.AddCost(dbc, videoID, d.AddCostUSD); err != nil {
			t.log.Warn("cost write-behind failed", "video_id", videoID, "error", err)
		}
	}
	if d.AddDurationS != 0 {
		if err := t.repo.AddDuration(dbc, videoID, d.AddDurationS); err != nil {
			t.log.Warn("duration write-behind failed", "video_id", videoID, "error", err)
		}
	}
}

func (t *tracker) publish(ctx context.Context, videoID uuid.UUID, d Delta, snap *Snapshot) {
	if t.bus == nil {
		return
	}
	event := d.Event
	if event == "" {
		event = realtime.SSEEventStatus
	}
	data := any(snap)
	if d.EventData != nil {
		data = d.EventData
	}
	msg := realtime.SSEMessage{
		Channel: realtime.VideoChannel(videoID),
		Event:   event,
		Data:    data,
	}
	if err := t.bus.Publish(ctx, msg); err != nil {
		t.log.Warn("progress publish failed", "video_id", videoID, "error", err)
	}
}

func (t *tracker) Snapshot(ctx context.Context, videoID uuid.UUID) (*Snapshot, error) {
	if videoID == uuid.Nil {
		return nil, nil
	}
	raw, err := t.rdb.Get(ctx, snapshotKey(videoID)).Bytes()
	if err == nil {
		var snap Snapshot
		if unmarshalErr := json.Unmarshal(raw, &snap); unmarshalErr == nil {
			return &snap, nil
		}
		t.log.Warn("corrupt progress snapshot, falling back to DB", "video_id", videoID)
	} else if err != goredis.Nil {
		t.log.Warn("progress cache read failed, falling back to DB", "video_id", videoID, "error", err)
	}

	row, err := t.repo.GetByID(dbctx.Context{Ctx: ctx}, videoID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	snap := snapshotFromRow(row)

	if out, marshalErr := json.Marshal(snap); marshalErr == nil {
		if setErr := t.rdb.Set(ctx, snapshotKey(videoID), out, snapshotTTL).Err(); setErr != nil {
			t.log.Warn("progress cache backfill failed", "video_id", videoID, "error", setErr)
		}
	}
	return snap, nil
}

func (t *tracker) Forget(ctx context.Context, videoID uuid.UUID) error {
	if videoID == uuid.Nil {
		return nil
	}
	return t.rdb.Del(ctx, snapshotKey(videoID)).Err()
}

func snapshotFromRow(row *types.VideoJob) *Snapshot {
	snap := &Snapshot{
		VideoID:             row.ID,
		Status:              row.Status,
		Progress:            row.Progress,
		CurrentPhase:        row.CurrentPhase,
		Error:               row.Error,
		CostUSD:             row.CostUSD,
		DurationS:           row.DurationS,
		CurrentCheckpointID: row.CurrentCheckpointID,
		CurrentBranch:       row.CurrentBranch,
		FinalVideoPath:      row.FinalVideoPath,
		UpdatedAt:           row.UpdatedAt,
	}
	if len(row.PhaseCosts) > 0 {
		var costs map[string]float64
		if err := json.Unmarshal(row.PhaseCosts, &costs); err == nil {
			snap.PhaseCosts = costs
		}
	}
	return snap
}
