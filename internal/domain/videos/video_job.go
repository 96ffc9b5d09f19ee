package videos

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Video job lifecycle states. Phase-bearing states are encoded with the
// phase number suffixed (running_phase_2, paused_at_phase_3) so the column
// stays a plain string and ORDER BY / WHERE stay trivial.
const (
	StatusQueued   = "queued"
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"

	runningPrefix = "running_phase_"
	pausedPrefix  = "paused_at_phase_"
)

const (
	PhasePlan       = 1
	PhaseStoryboard = 2
	PhaseChunks     = 3
	PhaseRefine     = 4

	PhaseCount = 4
)

// PhaseName returns the human-facing name of a pipeline phase.
func PhaseName(phase int) string {
	switch phase {
	case PhasePlan:
		return "plan"
	case PhaseStoryboard:
		return "storyboard"
	case PhaseChunks:
		return "chunks"
	case PhaseRefine:
		return "refine"
	default:
		return fmt.Sprintf("phase_%d", phase)
	}
}

// PhaseLabel is the phase identifier used in the job record and status
// envelope, e.g. "phase2_storyboard".
func PhaseLabel(phase int) string {
	return fmt.Sprintf("phase%d_%s", phase, PhaseName(phase))
}

func StatusRunningPhase(phase int) string { return runningPrefix + strconv.Itoa(phase) }
func StatusPausedAtPhase(phase int) string {
	return pausedPrefix + strconv.Itoa(phase)
}

// PhaseOfStatus extracts the phase from a running/paused status string.
// Returns 0 for non phase-bearing statuses.
func PhaseOfStatus(status string) int {
	var raw string
	switch {
	case strings.HasPrefix(status, runningPrefix):
		raw = strings.TrimPrefix(status, runningPrefix)
	case strings.HasPrefix(status, pausedPrefix):
		raw = strings.TrimPrefix(status, pausedPrefix)
	default:
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > PhaseCount {
		return 0
	}
	return n
}

func IsTerminalStatus(status string) bool {
	return status == StatusComplete || status == StatusFailed || status == StatusCanceled
}

func IsPausedStatus(status string) bool { return strings.HasPrefix(status, pausedPrefix) }

func IsRunningStatus(status string) bool { return strings.HasPrefix(status, runningPrefix) }

// DefaultBranch is the branch every job starts on.
const DefaultBranch = "main"

type VideoJob struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`

	Prompt            string         `gorm:"column:prompt;not null" json:"prompt"`
	Title             string         `gorm:"column:title" json:"title,omitempty"`
	ModelTag          string         `gorm:"column:model_tag;not null" json:"model_tag"`
	ReferenceAssetIDs datatypes.JSON `gorm:"column:reference_asset_ids;type:jsonb" json:"reference_asset_ids,omitempty"`
	// RequestedDurationS is the ad length the user asked for; 0 means the
	// planner default.
	RequestedDurationS int  `gorm:"column:requested_duration_s;not null;default:0" json:"requested_duration_s"`
	AutoContinue       bool `gorm:"column:auto_continue;not null;default:false" json:"auto_continue"`

	Status       string `gorm:"column:status;not null;index" json:"status"`
	Progress     int    `gorm:"column:progress;not null;default:0" json:"progress"`
	CurrentPhase string `gorm:"column:current_phase" json:"current_phase,omitempty"`
	Error        string `gorm:"column:error" json:"error,omitempty"`

	CostUSD    float64        `gorm:"column:cost_usd;not null;default:0" json:"cost_usd"`
	PhaseCosts datatypes.JSON `gorm:"column:phase_costs;type:jsonb" json:"phase_costs,omitempty"`
	// DurationS accumulates stage wall-clock seconds, parallel to CostUSD.
	DurationS float64 `gorm:"column:duration_s;not null;default:0" json:"duration_s"`

	CurrentCheckpointID *uuid.UUID `gorm:"type:uuid;column:current_checkpoint_id;index" json:"current_checkpoint_id,omitempty"`
	CurrentBranch       string     `gorm:"column:current_branch;not null;default:'main'" json:"current_branch"`
	FinalVideoPath      string     `gorm:"column:final_video_path" json:"final_video_path,omitempty"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (VideoJob) TableName() string { return "video_job" }

// BeforeCreate assigns the id app-side so inserts work on every dialect.
func (j *VideoJob) BeforeCreate(*gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}
