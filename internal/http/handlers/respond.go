package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/spotforge/spotforge-backend/internal/data/repos/videos"
	types "github.com/spotforge/spotforge-backend/internal/domain"
	"github.com/spotforge/spotforge-backend/internal/edits"
	"github.com/spotforge/spotforge-backend/internal/http/response"
	"github.com/spotforge/spotforge-backend/internal/orchestrator"
	"github.com/spotforge/spotforge-backend/internal/pkg/ctxutil"
	"github.com/spotforge/spotforge-backend/internal/pkg/dbctx"
	"github.com/spotforge/spotforge-backend/internal/providers"
)

// currentUser reads the user the auth middleware stamped onto the request.
func currentUser(c *gin.Context) uuid.UUID {
	return ctxutil.UserID(c.Request.Context())
}

// fetchOwned loads the :id video and enforces ownership. A missing video is
// a 404; someone else's video is a 403. Returns false after responding.
func fetchOwned(c *gin.Context, repo videos.VideoJobRepo) (*types.VideoJob, bool) {
	videoID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_video_id", err)
		return nil, false
	}
	video, err := repo.GetByID(dbctx.New(c.Request.Context(), nil), videoID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "internal", err)
		return nil, false
	}
	if video == nil {
		response.RespondError(c, http.StatusNotFound, "not_found", errors.New("video job not found"))
		return nil, false
	}
	if video.OwnerUserID != currentUser(c) {
		response.RespondError(c, http.StatusForbidden, "forbidden", errors.New("video job belongs to another user"))
		return nil, false
	}
	return video, true
}

// respondServiceError translates service sentinels into HTTP statuses. The
// fallthrough is a 500 so unexpected failures never masquerade as client
// errors.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound) || errors.Is(err, edits.ErrNotFound):
		response.RespondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, orchestrator.ErrForbidden) || errors.Is(err, edits.ErrForbidden):
		response.RespondError(c, http.StatusForbidden, "forbidden", err)
	case errors.Is(err, orchestrator.ErrInvalidInput) || errors.Is(err, edits.ErrInvalidInput):
		response.RespondError(c, http.StatusBadRequest, "invalid_input", err)
	case errors.Is(err, orchestrator.ErrCheckpointSuperseded):
		response.RespondError(c, http.StatusConflict, "checkpoint_superseded", err)
	case errors.Is(err, orchestrator.ErrWrongPause):
		response.RespondError(c, http.StatusConflict, "wrong_pause", err)
	case errors.Is(err, orchestrator.ErrStageInFlight):
		response.RespondError(c, http.StatusConflict, "stage_in_flight", err)
	case errors.Is(err, orchestrator.ErrTerminal):
		response.RespondError(c, http.StatusConflict, "terminal_state", err)
	case errors.Is(err, edits.ErrNotEditable):
		response.RespondError(c, http.StatusConflict, "not_editable", err)
	default:
		var pe *providers.Error
		if errors.As(err, &pe) {
			if pe.Category == providers.CategoryValidation {
				response.RespondError(c, http.StatusBadRequest, "invalid_input", err)
				return
			}
			response.RespondError(c, http.StatusInternalServerError, "provider_error", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "internal", err)
	}
}
