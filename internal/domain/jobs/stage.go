package jobs

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	domvideos "github.com/spotforge/spotforge-backend/internal/domain/videos"
)

// EntityVideoJob is the entity_type stamped on every queue row that belongs
// to a video job, so cancel and single-flight checks can address them all.
const EntityVideoJob = "video_job"

// One job type per generative phase. The registry dispatches on these.
const (
	JobTypePlan       = "video.plan"
	JobTypeStoryboard = "video.storyboard"
	JobTypeChunks     = "video.chunks"
	JobTypeRefine     = "video.refine"
)

// JobTypeForPhase maps a phase number to its queue job type, or "" when the
// phase is out of range.
func JobTypeForPhase(phase int) string {
	switch phase {
	case domvideos.PhasePlan:
		return JobTypePlan
	case domvideos.PhaseStoryboard:
		return JobTypeStoryboard
	case domvideos.PhaseChunks:
		return JobTypeChunks
	case domvideos.PhaseRefine:
		return JobTypeRefine
	default:
		return ""
	}
}

// StagePayload is the body of a video stage queue row. The orchestrator
// writes it at enqueue time; stage handlers decode it back. SourceCheckpointID
// is nil only for phase 1, which reads its inputs from the job row instead of
// a prior checkpoint.
type StagePayload struct {
	VideoID            uuid.UUID  `json:"video_id"`
	Phase              int        `json:"phase"`
	Branch             string     `json:"branch"`
	SourceCheckpointID *uuid.UUID `json:"source_checkpoint_id,omitempty"`
	AutoContinue       bool       `json:"auto_continue,omitempty"`
}

func (p StagePayload) JSON() (datatypes.JSON, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal stage payload: %w", err)
	}
	return datatypes.JSON(b), nil
}

// DecodeStagePayload parses and validates a stage payload from a queue row.
func DecodeStagePayload(raw datatypes.JSON) (StagePayload, error) {
	var p StagePayload
	if len(raw) == 0 {
		return p, errors.New("empty stage payload")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode stage payload: %w", err)
	}
	if p.VideoID == uuid.Nil {
		return p, errors.New("stage payload missing video_id")
	}
	if p.Phase < domvideos.PhasePlan || p.Phase > domvideos.PhaseCount {
		return p, fmt.Errorf("stage payload phase %d out of range", p.Phase)
	}
	if p.Branch == "" {
		p.Branch = domvideos.DefaultBranch
	}
	return p, nil
}
