// Package chunksched partitions a chunk plan into continuation groups and
// runs them with bounded parallelism. A group is one reference chunk plus
// the continuations seeded from it, so chunks inside a group are strictly
// ordered while the groups themselves are independent.
package chunksched

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/spotforge/spotforge-backend/internal/adspec"
)

// DefaultGroupCap bounds how many groups generate concurrently.
const DefaultGroupCap = 4

// Group is a reference chunk and its continuations in timeline order.
type Group struct {
	Chunks []adspec.ChunkSpec
}

// StepResult is what one chunk's step hands to its successor. Carry holds
// the extracted last frame when the group has a next chunk. Index is stamped
// by the scheduler.
type StepResult struct {
	Index   int
	CostUSD float64
	Carry   []byte
}

// StepFunc generates one chunk. prev is nil for the first chunk of a group.
type StepFunc func(ctx context.Context, prev *StepResult, c adspec.ChunkSpec) (StepResult, error)

// BuildGroups partitions the plan: each reference chunk opens a group and
// its continuations follow in order. Deterministic over the same plan.
func BuildGroups(plan *adspec.ChunkPlan) []Group {
	var groups []Group
	for _, c := range plan.Chunks {
		if c.Reference || len(groups) == 0 {
			groups = append(groups, Group{})
		}
		g := &groups[len(groups)-1]
		g.Chunks = append(g.Chunks, c)
	}
	return groups
}

// Scheduler runs groups in parallel under Cap while each group's chunks run
// sequentially. A failed chunk halts its own group only; the other groups
// run to completion and Run reports the first error after all settle.
type Scheduler struct {
	Cap int
}

// Run executes step for every chunk and returns the results ordered by chunk
// index. The caller verifies the set is gapless; a partial set survives as
// checkpoint artifacts even when Run returns an error.
func (s Scheduler) Run(ctx context.Context, groups []Group, step StepFunc) ([]StepResult, error) {
	if len(groups) == 0 {
		return nil, nil
	}

	limit := s.Cap
	if limit <= 0 {
		limit = DefaultGroupCap
	}
	if limit > len(groups) {
		limit = len(groups)
	}

	total := 0
	for _, g := range groups {
		total += len(g.Chunks)
	}

	var mu sync.Mutex
	results := make([]StepResult, 0, total)

	var eg errgroup.Group
	eg.SetLimit(limit)
	for _, g := range groups {
		group := g
		eg.Go(func() error {
			var prev *StepResult
			for _, c := range group.Chunks {
				if err := ctx.Err(); err != nil {
					return err
				}
				res, err := step(ctx, prev, c)
				if err != nil {
					return fmt.Errorf("chunk %d: %w", c.Index, err)
				}
				res.Index = c.Index
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				prev = &res
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results, nil
}
