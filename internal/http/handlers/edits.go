package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/spotforge/spotforge-backend/internal/edits"
	"github.com/spotforge/spotforge-backend/internal/http/response"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
)

// maxImageBytes caps user keyframe uploads.
const maxImageBytes = 10 << 20

// EditHandler exposes the synchronous edit surface. Every route targets one
// pending checkpoint; phase and ownership gating live in the edits service.
type EditHandler struct {
	log   *logger.Logger
	edits edits.Service
}

func NewEditHandler(log *logger.Logger, editService edits.Service) *EditHandler {
	return &EditHandler{
		log:   log.With("handler", "EditHandler"),
		edits: editService,
	}
}

// editTarget pulls the video and checkpoint ids off the route.
func editTarget(c *gin.Context) (videoID, cpID uuid.UUID, ok bool) {
	videoID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_video_id", err)
		return uuid.Nil, uuid.Nil, false
	}
	cpID, err = uuid.Parse(c.Param("cp"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_checkpoint_id", err)
		return uuid.Nil, uuid.Nil, false
	}
	return videoID, cpID, true
}

// PATCH /api/video/:id/checkpoints/:cp/spec
func (h *EditHandler) EditSpec(c *gin.Context) {
	videoID, cpID, ok := editTarget(c)
	if !ok {
		return
	}
	var patch edits.SpecPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	res, err := h.edits.EditSpec(c.Request.Context(), currentUser(c), videoID, cpID, patch)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.RespondOK(c, res)
}

// POST /api/video/:id/checkpoints/:cp/upload-image (multipart/form-data)
// fields: "beat_index", "image"
func (h *EditHandler) UploadBeatImage(c *gin.Context) {
	videoID, cpID, ok := editTarget(c)
	if !ok {
		return
	}
	beatIndex, err := strconv.Atoi(c.PostForm("beat_index"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_beat_index", err)
		return
	}
	fh, err := c.FormFile("image")
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "missing_image", err)
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "open_image_failed", err)
		return
	}
	defer f.Close()
	raw, err := io.ReadAll(io.LimitReader(f, maxImageBytes+1))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "read_image_failed", err)
		return
	}
	if len(raw) > maxImageBytes {
		response.RespondError(c, http.StatusBadRequest, "image_too_large",
			errors.New("image exceeds 10MB limit"))
		return
	}
	res, err := h.edits.UploadBeatImage(c.Request.Context(), currentUser(c), videoID, cpID, edits.UploadImageInput{
		BeatIndex:   beatIndex,
		Image:       raw,
		ContentType: fh.Header.Get("Content-Type"),
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.RespondOK(c, res)
}

// POST /api/video/:id/checkpoints/:cp/regenerate-beat
func (h *EditHandler) RegenerateBeat(c *gin.Context) {
	videoID, cpID, ok := editTarget(c)
	if !ok {
		return
	}
	var in edits.RegenerateBeatInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	res, err := h.edits.RegenerateBeat(c.Request.Context(), currentUser(c), videoID, cpID, in)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.RespondOK(c, res)
}

// POST /api/video/:id/checkpoints/:cp/regenerate-chunk
func (h *EditHandler) RegenerateChunk(c *gin.Context) {
	videoID, cpID, ok := editTarget(c)
	if !ok {
		return
	}
	var in edits.RegenerateChunkInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	res, err := h.edits.RegenerateChunk(c.Request.Context(), currentUser(c), videoID, cpID, in)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.RespondOK(c, res)
}
