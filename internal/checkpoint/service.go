// Package checkpoint is the versioned artifact store. Stage workers write
// their outputs here as (checkpoint, kind, key) slots; user edits bump slot
// versions in place; the orchestrator reads edit state to decide whether a
// continue forks a branch. Blob content goes to the bucket under canonical
// version-suffixed keys, structured content stays inline on the row.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/spotforge/spotforge-backend/internal/adspec"
	"github.com/spotforge/spotforge-backend/internal/data/repos/checkpoints"
	types "github.com/spotforge/spotforge-backend/internal/domain"
	domvideos "github.com/spotforge/spotforge-backend/internal/domain/videos"
	"github.com/spotforge/spotforge-backend/internal/pkg/dbctx"
	"github.com/spotforge/spotforge-backend/internal/pkg/logger"
	"github.com/spotforge/spotforge-backend/internal/platform/blobpath"
	"github.com/spotforge/spotforge-backend/internal/platform/gcs"
)

var (
	// ErrSlotOccupied is returned by AddArtifact when the slot exists and the
	// caller did not ask for an update.
	ErrSlotOccupied = errors.New("artifact slot occupied; pass update to replace")
	// ErrNotPending is returned when approving a checkpoint that was already
	// superseded by a sibling.
	ErrNotPending = errors.New("checkpoint is superseded")
)

// ArtifactInput describes one artifact write. Exactly one of Payload and
// Blob must be set. Update replaces an occupied slot, bumping its version
// and re-uploading the blob under the new version suffix.
type ArtifactInput struct {
	Kind        string
	Key         string
	Payload     []byte
	Blob        []byte
	ContentType string
	ProviderTag string
	CostUSD     float64
	Update      bool
}

// ArtifactView is an artifact row prepared for API responses: blob-backed
// artifacts carry a signed URL, inline artifacts carry their payload.
type ArtifactView struct {
	ID          uuid.UUID       `json:"id"`
	Kind        string          `json:"kind"`
	Key         string          `json:"key"`
	Version     int             `json:"version"`
	URL         string          `json:"url,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	SizeBytes   int64           `json:"size_bytes,omitempty"`
	ProviderTag string          `json:"provider_tag,omitempty"`
	CostUSD     float64         `json:"cost_usd"`
	CreatedAt   time.Time       `json:"created_at"`
}

type View struct {
	ID         uuid.UUID      `json:"id"`
	ParentID   *uuid.UUID     `json:"parent_id,omitempty"`
	Branch     string         `json:"branch"`
	Phase      int            `json:"phase"`
	Version    int            `json:"version"`
	Status     string         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ApprovedAt *time.Time     `json:"approved_at,omitempty"`
	Artifacts  []ArtifactView `json:"artifacts"`
}

// TreeNode is one node of the checkpoint forest, children ordered by
// creation time.
type TreeNode struct {
	Checkpoint View        `json:"checkpoint"`
	Children   []*TreeNode `json:"children"`
}

type Service interface {
	// EnsureCheckpoint returns the checkpoint a stage run should write into.
	// A live checkpoint on the slot with the same parent is reused, so a
	// redelivered task lands on its own earlier row; anything else creates
	// the next version and supersedes prior versions.
	EnsureCheckpoint(ctx context.Context, job *types.VideoJob, branch string, phase int, parentID *uuid.UUID) (*types.Checkpoint, error)
	AddArtifact(ctx context.Context, job *types.VideoJob, cp *types.Checkpoint, in ArtifactInput) (*types.Artifact, error)
	// Approve marks the checkpoint approved and supersedes its pending
	// siblings on the slot. Approving an already approved checkpoint is a
	// no-op; approving a superseded one fails.
	Approve(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*types.Checkpoint, error)
	GetView(ctx context.Context, cp *types.Checkpoint) (*View, error)
	ListViews(ctx context.Context, jobID uuid.UUID, branch string) ([]View, error)
	Tree(ctx context.Context, jobID uuid.UUID) ([]*TreeNode, error)
	Branches(ctx context.Context, jobID uuid.UUID) ([]BranchInfo, error)
	HasBeenEdited(ctx context.Context, checkpointID uuid.UUID) (bool, error)
	NextChildBranch(ctx context.Context, jobID uuid.UUID, from *types.Checkpoint) (string, error)
	// Artifact returns the row in one slot, nil when empty.
	Artifact(ctx context.Context, checkpointID uuid.UUID, kind, key string) (*types.Artifact, error)
	ListArtifacts(ctx context.Context, checkpointID uuid.UUID) ([]*types.Artifact, error)
	// Spec loads and parses the inline ad spec artifact of the checkpoint.
	Spec(ctx context.Context, checkpointID uuid.UUID) (*adspec.Spec, *types.Artifact, error)
	OpenBlob(ctx context.Context, a *types.Artifact) (io.ReadCloser, error)
	SignedURL(a *types.Artifact) (string, error)
}

type BranchInfo struct {
	Name               string    `json:"name"`
	LatestCheckpointID uuid.UUID `json:"latest_checkpoint_id"`
	Phase              int       `json:"phase"`
	CanContinue        bool      `json:"can_continue"`
}

type service struct {
	log       *logger.Logger
	db        *gorm.DB
	cps       checkpoints.CheckpointRepo
	artifacts checkpoints.ArtifactRepo
	bucket    gcs.BucketService
}

func NewService(log *logger.Logger, db *gorm.DB, cps checkpoints.CheckpointRepo, artifacts checkpoints.ArtifactRepo, bucket gcs.BucketService) Service {
	return &service{
		log:       log.With("service", "CheckpointService"),
		db:        db,
		cps:       cps,
		artifacts: artifacts,
		bucket:    bucket,
	}
}

func (s *service) EnsureCheckpoint(ctx context.Context, job *types.VideoJob, branch string, phase int, parentID *uuid.UUID) (*types.Checkpoint, error) {
	if job == nil {
		return nil, fmt.Errorf("job required")
	}
	if branch == "" || phase < 1 || phase > domvideos.PhaseCount {
		return nil, fmt.Errorf("invalid slot branch=%q phase=%d", branch, phase)
	}

	var out *types.Checkpoint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}

		live, err := s.cps.FindLive(dbc, job.ID, branch, phase)
		if err != nil {
			return err
		}
		if live != nil && sameParent(live.ParentID, parentID) {
			out = live
			return nil
		}

		version, err := s.cps.NextVersion(dbc, job.ID, branch, phase)
		if err != nil {
			return err
		}
		row := &types.Checkpoint{
			ID:         uuid.New(),
			VideoJobID: job.ID,
			ParentID:   parentID,
			Branch:     branch,
			Phase:      phase,
			Version:    version,
			Status:     domvideos.CheckpointPending,
		}
		created, err := s.cps.Create(dbc, row)
		if err != nil {
			return err
		}
		if _, err := s.cps.SupersedeOthers(dbc, job.ID, branch, phase, created.ID); err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sameParent(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *service) AddArtifact(ctx context.Context, job *types.VideoJob, cp *types.Checkpoint, in ArtifactInput) (*types.Artifact, error) {
	if job == nil || cp == nil {
		return nil, fmt.Errorf("job and checkpoint required")
	}
	if in.Kind == "" || in.Key == "" {
		return nil, fmt.Errorf("artifact kind and key required")
	}
	if (in.Payload == nil) == (in.Blob == nil) {
		return nil, fmt.Errorf("artifact %s/%s: exactly one of payload and blob must be set", in.Kind, in.Key)
	}
	dbc := dbctx.Context{Ctx: ctx}

	existing, err := s.artifacts.Get(dbc, cp.ID, in.Kind, in.Key)
	if err != nil {
		return nil, err
	}
	if existing != nil && !in.Update {
		return nil, fmt.Errorf("%w: %s/%s on checkpoint %s", ErrSlotOccupied, in.Kind, in.Key, cp.ID)
	}

	version := 1
	if existing != nil {
		version = existing.Version + 1
	}

	var storagePath string
	var sizeBytes int64
	contentType := in.ContentType
	if in.Blob != nil {
		storagePath = blobpath.Build(blobpath.Ref{
			UserID:       job.OwnerUserID,
			VideoID:      job.ID,
			Branch:       cp.Branch,
			CheckpointID: cp.ID,
			Kind:         in.Kind,
			Key:          in.Key,
			Version:      version,
		})
		if contentType == "" {
			contentType = gcs.ContentTypeForKey(storagePath)
		}
		n, err := s.bucket.Upload(ctx, storagePath, bytes.NewReader(in.Blob), contentType)
		if err != nil {
			return nil, fmt.Errorf("upload artifact blob %s: %w", storagePath, err)
		}
		sizeBytes = n
	}

	if existing == nil {
		row := &types.Artifact{
			ID:           uuid.New(),
			CheckpointID: cp.ID,
			Kind:         in.Kind,
			Key:          in.Key,
			Version:      version,
			StoragePath:  storagePath,
			ContentType:  contentType,
			SizeBytes:    sizeBytes,
			ProviderTag:  in.ProviderTag,
			CostUSD:      in.CostUSD,
		}
		if in.Payload != nil {
			row.Payload = datatypes.JSON(in.Payload)
		}
		created, err := s.artifacts.Create(dbc, row)
		if err != nil {
			if errors.Is(err, checkpoints.ErrDuplicateSlot) {
				// Lost a create race on the slot; the caller holds the losing
				// side of an idempotent re-run and should retry with Update.
				return nil, fmt.Errorf("%w: %s/%s on checkpoint %s", ErrSlotOccupied, in.Kind, in.Key, cp.ID)
			}
			return nil, err
		}
		return created, nil
	}

	updates := map[string]interface{}{
		"version":      version,
		"provider_tag": in.ProviderTag,
		"cost_usd":     in.CostUSD,
	}
	if in.Blob != nil {
		updates["storage_path"] = storagePath
		updates["content_type"] = contentType
		updates["size_bytes"] = sizeBytes
		updates["payload"] = nil
	} else {
		updates["payload"] = datatypes.JSON(in.Payload)
		updates["storage_path"] = ""
		updates["content_type"] = ""
		updates["size_bytes"] = 0
	}
	if err := s.artifacts.UpdateFields(dbc, existing.ID, updates); err != nil {
		return nil, err
	}
	return s.artifacts.GetByID(dbc, existing.ID)
}

func (s *service) Approve(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		cp, err := s.cps.GetByID(dbc, id)
		if err != nil {
			return err
		}
		if cp == nil {
			return fmt.Errorf("checkpoint %s not found", id)
		}
		if cp.Status == domvideos.CheckpointSuperseded {
			return fmt.Errorf("%w: %s", ErrNotPending, id)
		}
		if cp.Status != domvideos.CheckpointApproved {
			if err := s.cps.MarkApproved(dbc, cp.ID); err != nil {
				return err
			}
		}
		_, err = s.cps.SupersedeOthers(dbc, cp.VideoJobID, cp.Branch, cp.Phase, cp.ID)
		return err
	})
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*types.Checkpoint, error) {
	return s.cps.GetByID(dbctx.Context{Ctx: ctx}, id)
}

func (s *service) GetView(ctx context.Context, cp *types.Checkpoint) (*View, error) {
	if cp == nil {
		return nil, nil
	}
	rows, err := s.artifacts.ListByCheckpoint(dbctx.Context{Ctx: ctx}, cp.ID)
	if err != nil {
		return nil, err
	}
	v := s.view(cp, rows)
	return &v, nil
}

func (s *service) ListViews(ctx context.Context, jobID uuid.UUID, branch string) ([]View, error) {
	dbc := dbctx.Context{Ctx: ctx}
	cps, err := s.cps.ListByJob(dbc, jobID, branch)
	if err != nil {
		return nil, err
	}
	return s.assembleViews(dbc, cps)
}

func (s *service) assembleViews(dbc dbctx.Context, cps []*types.Checkpoint) ([]View, error) {
	views := make([]View, 0, len(cps))
	if len(cps) == 0 {
		return views, nil
	}
	ids := make([]uuid.UUID, 0, len(cps))
	for _, cp := range cps {
		ids = append(ids, cp.ID)
	}
	rows, err := s.artifacts.ListByCheckpoints(dbc, ids)
	if err != nil {
		return nil, err
	}
	byCP := map[uuid.UUID][]*types.Artifact{}
	for _, row := range rows {
		byCP[row.CheckpointID] = append(byCP[row.CheckpointID], row)
	}
	for _, cp := range cps {
		views = append(views, s.view(cp, byCP[cp.ID]))
	}
	return views, nil
}

func (s *service) view(cp *types.Checkpoint, artifacts []*types.Artifact) View {
	v := View{
		ID:         cp.ID,
		ParentID:   cp.ParentID,
		Branch:     cp.Branch,
		Phase:      cp.Phase,
		Version:    cp.Version,
		Status:     cp.Status,
		CreatedAt:  cp.CreatedAt,
		ApprovedAt: cp.ApprovedAt,
		Artifacts:  make([]ArtifactView, 0, len(artifacts)),
	}
	for _, a := range artifacts {
		av := ArtifactView{
			ID:          a.ID,
			Kind:        a.Kind,
			Key:         a.Key,
			Version:     a.Version,
			ContentType: a.ContentType,
			SizeBytes:   a.SizeBytes,
			ProviderTag: a.ProviderTag,
			CostUSD:     a.CostUSD,
			CreatedAt:   a.CreatedAt,
		}
		if len(a.Payload) > 0 {
			av.Payload = json.RawMessage(a.Payload)
		}
		if a.StoragePath != "" {
			url, err := s.bucket.SignedURL(a.StoragePath, gcs.SignedURLTTL)
			if err != nil {
				s.log.Warn("signing artifact URL failed", "artifact_id", a.ID, "error", err)
			} else {
				av.URL = url
			}
		}
		v.Artifacts = append(v.Artifacts, av)
	}
	return v
}

// Tree assembles the checkpoint forest of the job from parent links. Roots
// are checkpoints without parents (phase-1 checkpoints of the main branch)
// plus any checkpoint whose parent row was removed.
func (s *service) Tree(ctx context.Context, jobID uuid.UUID) ([]*TreeNode, error) {
	dbc := dbctx.Context{Ctx: ctx}
	cps, err := s.cps.ListByJob(dbc, jobID, "")
	if err != nil {
		return nil, err
	}
	views, err := s.assembleViews(dbc, cps)
	if err != nil {
		return nil, err
	}

	nodes := make(map[uuid.UUID]*TreeNode, len(views))
	for i := range views {
		nodes[views[i].ID] = &TreeNode{Checkpoint: views[i], Children: []*TreeNode{}}
	}
	var roots []*TreeNode
	for i := range views {
		node := nodes[views[i].ID]
		if views[i].ParentID != nil {
			if parent, ok := nodes[*views[i].ParentID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}
	byCreation := func(a, b *TreeNode) bool {
		if a.Checkpoint.CreatedAt.Equal(b.Checkpoint.CreatedAt) {
			return a.Checkpoint.ID.String() < b.Checkpoint.ID.String()
		}
		return a.Checkpoint.CreatedAt.Before(b.Checkpoint.CreatedAt)
	}
	sort.Slice(roots, func(i, j int) bool { return byCreation(roots[i], roots[j]) })
	for _, n := range nodes {
		sort.Slice(n.Children, func(i, j int) bool { return byCreation(n.Children[i], n.Children[j]) })
	}
	return roots, nil
}

// Branches summarizes each branch by its latest live checkpoint. A branch
// can continue while its tip is pending and not the final phase.
func (s *service) Branches(ctx context.Context, jobID uuid.UUID) ([]BranchInfo, error) {
	dbc := dbctx.Context{Ctx: ctx}
	names, err := s.cps.ListBranchNames(dbc, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]BranchInfo, 0, len(names))
	for _, name := range names {
		tip, err := s.cps.LatestOnBranch(dbc, jobID, name)
		if err != nil {
			return nil, err
		}
		if tip == nil {
			continue
		}
		out = append(out, BranchInfo{
			Name:               name,
			LatestCheckpointID: tip.ID,
			Phase:              tip.Phase,
			CanContinue:        tip.Status == domvideos.CheckpointPending,
		})
	}
	return out, nil
}

func (s *service) HasBeenEdited(ctx context.Context, checkpointID uuid.UUID) (bool, error) {
	return s.artifacts.AnyEdited(dbctx.Context{Ctx: ctx}, checkpointID)
}

// NextChildBranch allocates "{branch}-{n}" with the smallest n unused among
// the checkpoint's existing children. Every branch name already present on
// the job is also excluded, so a fork can never shadow an unrelated branch.
func (s *service) NextChildBranch(ctx context.Context, jobID uuid.UUID, from *types.Checkpoint) (string, error) {
	if from == nil {
		return "", fmt.Errorf("source checkpoint required")
	}
	dbc := dbctx.Context{Ctx: ctx}
	used := map[string]bool{}
	kids, err := s.cps.ListChildren(dbc, from.ID)
	if err != nil {
		return "", err
	}
	for _, kid := range kids {
		used[kid.Branch] = true
	}
	names, err := s.cps.ListBranchNames(dbc, jobID)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		used[name] = true
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s-%d", from.Branch, n)
		if !used[candidate] {
			return candidate, nil
		}
	}
}

func (s *service) Artifact(ctx context.Context, checkpointID uuid.UUID, kind, key string) (*types.Artifact, error) {
	return s.artifacts.Get(dbctx.Context{Ctx: ctx}, checkpointID, kind, key)
}

func (s *service) ListArtifacts(ctx context.Context, checkpointID uuid.UUID) ([]*types.Artifact, error) {
	return s.artifacts.ListByCheckpoint(dbctx.Context{Ctx: ctx}, checkpointID)
}

func (s *service) Spec(ctx context.Context, checkpointID uuid.UUID) (*adspec.Spec, *types.Artifact, error) {
	row, err := s.artifacts.Get(dbctx.Context{Ctx: ctx}, checkpointID, domvideos.ArtifactSpec, domvideos.KeySpec)
	if err != nil {
		return nil, nil, err
	}
	if row == nil {
		return nil, nil, fmt.Errorf("checkpoint %s has no spec artifact", checkpointID)
	}
	if len(row.Payload) == 0 {
		return nil, nil, fmt.Errorf("spec artifact %s has no inline payload", row.ID)
	}
	spec, err := adspec.Parse(row.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("parse spec artifact %s: %w", row.ID, err)
	}
	return spec, row, nil
}

func (s *service) OpenBlob(ctx context.Context, a *types.Artifact) (io.ReadCloser, error) {
	if a == nil || a.StoragePath == "" {
		return nil, fmt.Errorf("artifact has no blob")
	}
	return s.bucket.Download(ctx, a.StoragePath)
}

func (s *service) SignedURL(a *types.Artifact) (string, error) {
	if a == nil || a.StoragePath == "" {
		return "", fmt.Errorf("artifact has no blob")
	}
	return s.bucket.SignedURL(a.StoragePath, gcs.SignedURLTTL)
}
