package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/spotforge/spotforge-backend/internal/checkpoint"
	videorepos "github.com/spotforge/spotforge-backend/internal/data/repos/videos"
	"github.com/spotforge/spotforge-backend/internal/http/response"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
)

// CheckpointHandler serves the checkpoint read surface: flat lists, the
// fork tree, branch summaries, and single-checkpoint detail with artifacts.
type CheckpointHandler struct {
	log    *logger.Logger
	videos videorepos.VideoJobRepo
	store  checkpoint.Service
}

func NewCheckpointHandler(log *logger.Logger, videoRepo videorepos.VideoJobRepo, store checkpoint.Service) *CheckpointHandler {
	return &CheckpointHandler{
		log:    log.With("handler", "CheckpointHandler"),
		videos: videoRepo,
		store:  store,
	}
}

// GET /api/video/:id/checkpoints
func (h *CheckpointHandler) ListCheckpoints(c *gin.Context) {
	video, ok := fetchOwned(c, h.videos)
	if !ok {
		return
	}
	branch := c.Query("branch")
	views, err := h.store.ListViews(c.Request.Context(), video.ID, branch)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "internal", err)
		return
	}
	tree, err := h.store.Tree(c.Request.Context(), video.ID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "internal", err)
		return
	}
	response.RespondOK(c, gin.H{"checkpoints": views, "tree": tree})
}

// GET /api/video/:id/checkpoints/current
func (h *CheckpointHandler) CurrentCheckpoint(c *gin.Context) {
	video, ok := fetchOwned(c, h.videos)
	if !ok {
		return
	}
	if video.CurrentCheckpointID == nil {
		response.RespondOK(c, gin.H{"checkpoint": nil})
		return
	}
	cp, err := h.store.Get(c.Request.Context(), *video.CurrentCheckpointID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "internal", err)
		return
	}
	view, err := h.store.GetView(c.Request.Context(), cp)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "internal", err)
		return
	}
	response.RespondOK(c, gin.H{"checkpoint": view})
}

// GET /api/video/:id/checkpoints/tree
func (h *CheckpointHandler) CheckpointTree(c *gin.Context) {
	video, ok := fetchOwned(c, h.videos)
	if !ok {
		return
	}
	tree, err := h.store.Tree(c.Request.Context(), video.ID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "internal", err)
		return
	}
	response.RespondOK(c, gin.H{"tree": tree})
}

// GET /api/video/:id/checkpoints/:cp
func (h *CheckpointHandler) CheckpointDetail(c *gin.Context) {
	video, ok := fetchOwned(c, h.videos)
	if !ok {
		return
	}
	cpID, err := uuid.Parse(c.Param("cp"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_checkpoint_id", err)
		return
	}
	cp, err := h.store.Get(c.Request.Context(), cpID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "internal", err)
		return
	}
	if cp == nil || cp.VideoJobID != video.ID {
		response.RespondError(c, http.StatusNotFound, "not_found", errors.New("checkpoint not found"))
		return
	}
	view, err := h.store.GetView(c.Request.Context(), cp)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "internal", err)
		return
	}
	response.RespondOK(c, gin.H{"checkpoint": view, "artifacts": view.Artifacts})
}

// GET /api/video/:id/branches
func (h *CheckpointHandler) ListBranches(c *gin.Context) {
	video, ok := fetchOwned(c, h.videos)
	if !ok {
		return
	}
	branches, err := h.store.Branches(c.Request.Context(), video.ID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "internal", err)
		return
	}
	response.RespondOK(c, gin.H{"branches": branches})
}
