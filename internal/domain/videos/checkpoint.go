package videos

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Checkpoint states. A checkpoint is born pending, becomes approved when the
// user (or auto-continue) resumes from it, and superseded when a retry or a
// sibling replaces it as the live checkpoint of its (job, branch, phase) slot.
const (
	CheckpointPending    = "pending"
	CheckpointApproved   = "approved"
	CheckpointSuperseded = "superseded"
)

type Checkpoint struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	VideoJobID uuid.UUID  `gorm:"type:uuid;not null;index;uniqueIndex:uq_checkpoint_slot,priority:1" json:"video_job_id"`
	ParentID   *uuid.UUID `gorm:"type:uuid;column:parent_id;index" json:"parent_id,omitempty"`

	Branch  string `gorm:"column:branch;not null;uniqueIndex:uq_checkpoint_slot,priority:2" json:"branch"`
	Phase   int    `gorm:"column:phase;not null;uniqueIndex:uq_checkpoint_slot,priority:3" json:"phase"`
	Version int    `gorm:"column:version;not null;default:1;uniqueIndex:uq_checkpoint_slot,priority:4" json:"version"`

	Status string `gorm:"column:status;not null;index" json:"status"`

	CreatedAt  time.Time  `gorm:"not null;index" json:"created_at"`
	ApprovedAt *time.Time `gorm:"column:approved_at" json:"approved_at,omitempty"`
}

func (Checkpoint) TableName() string { return "checkpoint" }

// BeforeCreate assigns the id app-side so inserts work on every dialect.
func (c *Checkpoint) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// Artifact kinds. Keys within a kind are stable identifiers scoped to the
// checkpoint: "spec", "beat_03", "chunk_07", "stitched", "music", "final".
const (
	ArtifactSpec          = "spec"
	ArtifactBeatImage     = "beat-image"
	ArtifactBeatLastFrame = "beat-last-frame"
	ArtifactChunk         = "chunk"
	ArtifactStitchedVideo = "stitched-video"
	ArtifactMusic         = "music"
	ArtifactFinalVideo    = "final-video"
)

type Artifact struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CheckpointID uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:uq_artifact_slot,priority:1" json:"checkpoint_id"`

	Kind    string `gorm:"column:kind;not null;uniqueIndex:uq_artifact_slot,priority:2" json:"kind"`
	Key     string `gorm:"column:key;not null;uniqueIndex:uq_artifact_slot,priority:3" json:"key"`
	Version int    `gorm:"column:version;not null;default:1" json:"version"`

	// Exactly one of Payload / StoragePath is set: structured artifacts (the
	// ad spec) live inline as JSONB, binary artifacts live in the bucket.
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload,omitempty"`
	StoragePath string         `gorm:"column:storage_path" json:"storage_path,omitempty"`
	ContentType string         `gorm:"column:content_type" json:"content_type,omitempty"`
	SizeBytes   int64          `gorm:"column:size_bytes;not null;default:0" json:"size_bytes"`

	ProviderTag string  `gorm:"column:provider_tag" json:"provider_tag,omitempty"`
	CostUSD     float64 `gorm:"column:cost_usd;not null;default:0" json:"cost_usd"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Artifact) TableName() string { return "artifact" }

func (a *Artifact) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Fixed keys for single-instance artifact kinds.
const (
	KeySpec     = "spec"
	KeyStitched = "stitched"
	KeyMusic    = "music"
	KeyFinal    = "final"
)

// BeatKey / ChunkKey build the canonical zero-padded artifact keys so
// lexicographic order matches index order.
func BeatKey(index int) string  { return fmt.Sprintf("beat_%02d", index) }
func ChunkKey(index int) string { return fmt.Sprintf("chunk_%02d", index) }
