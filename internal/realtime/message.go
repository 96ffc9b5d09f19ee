package realtime

import (
	"github.com/google/uuid"
)

type SSEEvent string

// Wire events. Status carries the merged progress snapshot; checkpoint
// events fire once per checkpoint row and carry its identifiers.
const (
	SSEEventStatus            SSEEvent = "status"
	SSEEventCheckpointCreated SSEEvent = "checkpoint_created"
)

type SSEMessage struct {
	Channel string   `json:"channel"`
	Event   SSEEvent `json:"event"`
	Data    any      `json:"data,omitempty"`
}

// VideoChannel is the hub channel a job's watchers subscribe to.
func VideoChannel(videoID uuid.UUID) string {
	return "video:" + videoID.String()
}

// CheckpointCreatedData is the payload of a checkpoint_created event. It
// carries identifiers only; watchers fetch the checkpoint view themselves.
type CheckpointCreatedData struct {
	CheckpointID uuid.UUID `json:"checkpoint_id"`
	Phase        int       `json:"phase"`
	Branch       string    `json:"branch"`
}
