package bus

import (
	"context"

	"github.com/spotforge/spotforge-backend/internal/realtime"
)

// Bus fans SSE messages out across processes. Every API instance runs a
// forwarder feeding its local hub, so a watcher connected anywhere sees
// events from workers running anywhere.
type Bus interface {
	Publish(ctx context.Context, msg realtime.SSEMessage) error
	StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error
	Close() error
}
