package adspec

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func plannedSpec(t *testing.T, duration int, beatDurations ...int) *Spec {
	t.Helper()
	s := specWith(duration, beatDurations...)
	if _, err := s.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	for i := range s.Beats {
		s.Beats[i].ImageURL = "img_" + s.Beats[i].Prompt
	}
	return s
}

func TestBuildChunkPlanAligned(t *testing.T) {
	// 30s of beats at 5/10/15, 5s chunks: 6 chunks, references at beat starts
	// (0s, 5s, 15s) and continuations inside the 10s and 15s beats.
	s := plannedSpec(t, 30, 5, 10, 15)
	plan, err := BuildChunkPlan(s, 5)
	if err != nil {
		t.Fatalf("BuildChunkPlan: %v", err)
	}
	if plan.TotalChunks != 6 {
		t.Fatalf("total chunks = %d, want 6", plan.TotalChunks)
	}

	wantRef := map[int]bool{0: true, 1: true, 2: false, 3: true, 4: false, 5: false}
	wantBeat := map[int]int{0: 0, 1: 1, 2: 1, 3: 2, 4: 2, 5: 2}
	for _, c := range plan.Chunks {
		if c.Reference != wantRef[c.Index] {
			t.Fatalf("chunk %d reference=%v, want %v", c.Index, c.Reference, wantRef[c.Index])
		}
		if c.BeatIndex != wantBeat[c.Index] {
			t.Fatalf("chunk %d beat=%d, want %d", c.Index, c.BeatIndex, wantBeat[c.Index])
		}
	}

	wantMap := map[int]int{0: 0, 1: 1, 3: 2}
	if diff := cmp.Diff(wantMap, plan.BeatToChunk); diff != "" {
		t.Fatalf("BeatToChunk mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildChunkPlanChunkZeroAlwaysReference(t *testing.T) {
	s := plannedSpec(t, 15, 15)
	plan, err := BuildChunkPlan(s, 5)
	if err != nil {
		t.Fatalf("BuildChunkPlan: %v", err)
	}
	if !plan.Chunks[0].Reference {
		t.Fatalf("chunk 0 must be a reference chunk")
	}
	if plan.Chunks[1].Reference || plan.Chunks[2].Reference {
		t.Fatalf("chunks inside a single beat must be continuations")
	}
}

func TestBuildChunkPlanContinuationPredecessors(t *testing.T) {
	s := plannedSpec(t, 45, 15, 10, 5, 15)
	plan, err := BuildChunkPlan(s, 5)
	if err != nil {
		t.Fatalf("BuildChunkPlan: %v", err)
	}
	for _, c := range plan.Chunks {
		if c.Reference {
			continue
		}
		if c.Index == 0 {
			t.Fatalf("chunk 0 cannot be a continuation")
		}
		prev := plan.Chunks[c.Index-1]
		if prev.BeatIndex != c.BeatIndex {
			t.Fatalf("continuation chunk %d in beat %d follows chunk in beat %d",
				c.Index, c.BeatIndex, prev.BeatIndex)
		}
	}
}

func TestBuildChunkPlanShortTail(t *testing.T) {
	// 15s of beats with 4s chunks: ceil(15/4)=4 chunks, last one 3s.
	s := plannedSpec(t, 15, 15)
	plan, err := BuildChunkPlan(s, 4)
	if err != nil {
		t.Fatalf("BuildChunkPlan: %v", err)
	}
	if plan.TotalChunks != 4 {
		t.Fatalf("total = %d, want 4", plan.TotalChunks)
	}
	last := plan.Chunks[3]
	if last.DurationS != 3 {
		t.Fatalf("tail chunk duration = %v, want 3", last.DurationS)
	}
}

func TestBuildChunkPlanBoundarySnap(t *testing.T) {
	// 4s chunks against beats at 0/5/15: chunk 1 starts at 4s, within 0.5s of
	// nothing; chunk 4 starts at 16s, also off-boundary. No snap beyond 0.5s.
	s := plannedSpec(t, 20, 5, 10, 5)
	plan, err := BuildChunkPlan(s, 4)
	if err != nil {
		t.Fatalf("BuildChunkPlan: %v", err)
	}
	for _, c := range plan.Chunks[1:] {
		if c.Reference {
			t.Fatalf("chunk %d (start %vs) snapped to a beat boundary it is not within 0.5s of", c.Index, c.StartS)
		}
	}
}

func TestReferenceImageURL(t *testing.T) {
	s := plannedSpec(t, 30, 5, 10, 15)
	plan, err := BuildChunkPlan(s, 5)
	if err != nil {
		t.Fatalf("BuildChunkPlan: %v", err)
	}
	url, err := plan.ReferenceImageURL(s, 3)
	if err != nil {
		t.Fatalf("ReferenceImageURL: %v", err)
	}
	if url != s.Beats[2].ImageURL {
		t.Fatalf("chunk 3 image = %q, want beat 2 image %q", url, s.Beats[2].ImageURL)
	}
	if _, err := plan.ReferenceImageURL(s, 2); err == nil {
		t.Fatalf("continuation chunk must not resolve a reference image")
	}
}

func TestBuildChunkPlanRejectsBadInput(t *testing.T) {
	s := plannedSpec(t, 30, 5, 10, 15)
	if _, err := BuildChunkPlan(s, 0); err == nil {
		t.Fatalf("want error for zero chunk duration")
	}
	s.Beats[1].StartS = 99
	if _, err := BuildChunkPlan(s, 5); err == nil {
		t.Fatalf("want error for non-contiguous spec")
	}
}
