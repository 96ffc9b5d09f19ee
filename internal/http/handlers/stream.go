package handlers

import (
	"github.com/gin-gonic/gin"

	videorepos "github.com/spotforge/spotforge-backend/internal/data/repos/videos"
	"github.com/spotforge/spotforge-backend/internal/observability"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/progress"
	"github.com/spotforge/spotforge-backend/internal/realtime"
)

// StreamHandler serves the per-video SSE feed. The hub relays status and
// checkpoint_created frames published by the pipeline; this handler only
// gates ownership and seeds the stream with the current snapshot so a
// late subscriber does not wait for the next update.
type StreamHandler struct {
	log     *logger.Logger
	videos  videorepos.VideoJobRepo
	tracker progress.Tracker
	hub     *realtime.SSEHub
}

func NewStreamHandler(log *logger.Logger, videoRepo videorepos.VideoJobRepo, tracker progress.Tracker, hub *realtime.SSEHub) *StreamHandler {
	return &StreamHandler{
		log:     log.With("handler", "StreamHandler"),
		videos:  videoRepo,
		tracker: tracker,
		hub:     hub,
	}
}

// GET /api/status/:id/stream
func (h *StreamHandler) Stream(c *gin.Context) {
	video, ok := fetchOwned(c, h.videos)
	if !ok {
		return
	}

	client := h.hub.NewSSEClient(currentUser(c))
	channel := realtime.VideoChannel(video.ID)
	h.hub.AddChannel(client, channel)

	observability.Current().SSEClientsInc()
	defer observability.Current().SSEClientsDec()

	// Seed with the live snapshot so the client renders immediately.
	if snap, err := h.tracker.Snapshot(c.Request.Context(), video.ID); err == nil && snap != nil {
		select {
		case client.Outbound <- realtime.SSEMessage{
			Channel: channel,
			Event:   realtime.SSEEventStatus,
			Data:    snap,
		}:
		default:
		}
	} else if err != nil {
		h.log.Warn("Seeding SSE stream failed", "video_id", video.ID, "error", err)
	}

	h.hub.ServeHTTP(c.Writer, c.Request, client)
	h.hub.CloseClient(client)
}
