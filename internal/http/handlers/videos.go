package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/spotforge/spotforge-backend/internal/checkpoint"
	videorepos "github.com/spotforge/spotforge-backend/internal/data/repos/videos"
	types "github.com/spotforge/spotforge-backend/internal/domain"
	domvideos "github.com/spotforge/spotforge-backend/internal/domain/videos"
	"github.com/spotforge/spotforge-backend/internal/http/response"
	"github.com/spotforge/spotforge-backend/internal/orchestrator"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/platform/gcs"
	"github.com/spotforge/spotforge-backend/internal/progress"
)

type VideoHandler struct {
	log     *logger.Logger
	orch    orchestrator.Service
	videos  videorepos.VideoJobRepo
	store   checkpoint.Service
	tracker progress.Tracker
	bucket  gcs.BucketService
}

func NewVideoHandler(
	log *logger.Logger,
	orch orchestrator.Service,
	videoRepo videorepos.VideoJobRepo,
	store checkpoint.Service,
	tracker progress.Tracker,
	bucket gcs.BucketService,
) *VideoHandler {
	return &VideoHandler{
		log:     log.With("handler", "VideoHandler"),
		orch:    orch,
		videos:  videoRepo,
		store:   store,
		tracker: tracker,
		bucket:  bucket,
	}
}

// StatusEnvelope is the read-side contract: the merged live snapshot plus
// signed URLs for everything the current branch has rendered so far.
type StatusEnvelope struct {
	VideoID           uuid.UUID               `json:"video_id"`
	Status            string                  `json:"status"`
	Progress          int                     `json:"progress"`
	CurrentPhase      string                  `json:"current_phase,omitempty"`
	Message           string                  `json:"message,omitempty"`
	Error             string                  `json:"error,omitempty"`
	StoryboardURLs    []string                `json:"storyboard_urls,omitempty"`
	ChunkURLs         []string                `json:"chunk_urls,omitempty"`
	StitchedVideoURL  string                  `json:"stitched_video_url,omitempty"`
	FinalVideoURL     string                  `json:"final_video_url,omitempty"`
	CostUSD           float64                 `json:"cost_usd"`
	CostBreakdown     map[string]float64      `json:"cost_breakdown,omitempty"`
	CurrentBranch     string                  `json:"current_branch,omitempty"`
	CurrentCheckpoint *checkpoint.View        `json:"current_checkpoint,omitempty"`
	CheckpointTree    []*checkpoint.TreeNode  `json:"checkpoint_tree,omitempty"`
	ActiveBranches    []checkpoint.BranchInfo `json:"active_branches,omitempty"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

// POST /api/generate
func (h *VideoHandler) StartVideo(c *gin.Context) {
	var req struct {
		Prompt          string   `json:"prompt"`
		Title           string   `json:"title"`
		Model           string   `json:"model"`
		DurationS       int      `json:"duration_s"`
		ReferenceAssets []string `json:"reference_assets"`
		AutoContinue    bool     `json:"auto_continue"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	video, err := h.orch.Start(c.Request.Context(), orchestrator.StartInput{
		OwnerUserID:       currentUser(c),
		Prompt:            req.Prompt,
		Title:             req.Title,
		ModelTag:          req.Model,
		DurationS:         req.DurationS,
		ReferenceAssetIDs: req.ReferenceAssets,
		AutoContinue:      req.AutoContinue,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.RespondAccepted(c, gin.H{"video_id": video.ID, "status": video.Status})
}

// GET /api/status/:id
func (h *VideoHandler) GetStatus(c *gin.Context) {
	video, ok := fetchOwned(c, h.videos)
	if !ok {
		return
	}
	env, err := h.assembleStatus(c.Request.Context(), video)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.RespondOK(c, env)
}

// GET /api/video/:id
func (h *VideoHandler) GetVideo(c *gin.Context) {
	video, ok := fetchOwned(c, h.videos)
	if !ok {
		return
	}
	payload := gin.H{"video": video}
	if video.FinalVideoPath != "" {
		if u, err := h.bucket.SignedURL(video.FinalVideoPath, gcs.SignedURLTTL); err == nil {
			payload["final_video_url"] = u
		} else {
			h.log.Warn("Signing final video failed", "video_id", video.ID, "error", err)
		}
	}
	response.RespondOK(c, payload)
}

// DELETE /api/video/:id
func (h *VideoHandler) DeleteVideo(c *gin.Context) {
	videoID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_video_id", err)
		return
	}
	if err := h.orch.Delete(c.Request.Context(), currentUser(c), videoID); err != nil {
		respondServiceError(c, err)
		return
	}
	response.RespondNoContent(c)
}

// POST /api/video/:id/continue
func (h *VideoHandler) ContinueVideo(c *gin.Context) {
	videoID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_video_id", err)
		return
	}
	var req struct {
		CheckpointID uuid.UUID `json:"checkpoint_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if req.CheckpointID == uuid.Nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", errors.New("checkpoint_id required"))
		return
	}
	res, err := h.orch.Continue(c.Request.Context(), currentUser(c), videoID, req.CheckpointID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.RespondOK(c, res)
}

// assembleStatus builds the envelope: live snapshot, then the current
// branch's artifacts, then checkpoint summary, tree, and branches.
func (h *VideoHandler) assembleStatus(ctx context.Context, video *types.VideoJob) (*StatusEnvelope, error) {
	snap, err := h.tracker.Snapshot(ctx, video.ID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		snap = &progress.Snapshot{
			VideoID:       video.ID,
			Status:        video.Status,
			Progress:      video.Progress,
			CurrentPhase:  video.CurrentPhase,
			CurrentBranch: video.CurrentBranch,
			CostUSD:       video.CostUSD,
			UpdatedAt:     video.UpdatedAt,
		}
	}

	env := &StatusEnvelope{
		VideoID:       video.ID,
		Status:        snap.Status,
		Progress:      snap.Progress,
		CurrentPhase:  snap.CurrentPhase,
		Message:       snap.Message,
		Error:         snap.Error,
		CostUSD:       snap.CostUSD,
		CostBreakdown: snap.PhaseCosts,
		CurrentBranch: snap.CurrentBranch,
		UpdatedAt:     snap.UpdatedAt,
	}

	branch := snap.CurrentBranch
	if branch == "" {
		branch = video.CurrentBranch
	}
	views, err := h.store.ListViews(ctx, video.ID, branch)
	if err != nil {
		return nil, err
	}
	for i := range views {
		foldArtifactURLs(env, &views[i])
	}

	if snap.CurrentCheckpointID != nil {
		cp, cpErr := h.store.Get(ctx, *snap.CurrentCheckpointID)
		if cpErr == nil && cp != nil && cp.VideoJobID == video.ID {
			if view, viewErr := h.store.GetView(ctx, cp); viewErr == nil {
				env.CurrentCheckpoint = view
			} else {
				h.log.Warn("Building checkpoint view failed",
					"checkpoint_id", cp.ID, "error", viewErr)
			}
		}
	}

	tree, err := h.store.Tree(ctx, video.ID)
	if err != nil {
		return nil, err
	}
	env.CheckpointTree = tree

	branches, err := h.store.Branches(ctx, video.ID)
	if err != nil {
		return nil, err
	}
	env.ActiveBranches = branches

	if env.FinalVideoURL == "" && snap.FinalVideoPath != "" {
		if u, signErr := h.bucket.SignedURL(snap.FinalVideoPath, gcs.SignedURLTTL); signErr == nil {
			env.FinalVideoURL = u
		}
	}
	return env, nil
}

// foldArtifactURLs merges one checkpoint's signed URLs into the envelope.
// Views arrive ordered (phase, created_at), so a later checkpoint replaces
// an earlier one's set and the envelope ends up with the branch's newest
// render of each phase. Superseded checkpoints are skipped.
func foldArtifactURLs(env *StatusEnvelope, v *checkpoint.View) {
	if v.Status == domvideos.CheckpointSuperseded {
		return
	}
	var beats, chunks map[string]string
	for _, a := range v.Artifacts {
		if a.URL == "" {
			continue
		}
		switch a.Kind {
		case domvideos.ArtifactBeatImage:
			if beats == nil {
				beats = map[string]string{}
			}
			beats[a.Key] = a.URL
		case domvideos.ArtifactChunk:
			if chunks == nil {
				chunks = map[string]string{}
			}
			chunks[a.Key] = a.URL
		case domvideos.ArtifactStitchedVideo:
			env.StitchedVideoURL = a.URL
		case domvideos.ArtifactFinalVideo:
			env.FinalVideoURL = a.URL
		}
	}
	if beats != nil {
		env.StoryboardURLs = sortedByKey(beats)
	}
	if chunks != nil {
		env.ChunkURLs = sortedByKey(chunks)
	}
}

// sortedByKey flattens key→url to a slice ordered by key. Keys are
// zero-padded (beat_00, chunk_03), so string order is index order.
func sortedByKey(byKey map[string]string) []string {
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	urls := make([]string, 0, len(keys))
	for _, k := range keys {
		urls = append(urls, byKey[k])
	}
	return urls
}
