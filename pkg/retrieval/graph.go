package retrieval

import (
	"context"
	"sort"

	"github.com/awarenet/relmem-go/pkg/storage"
)

// expand is stage 2: breadth-first expansion from the stage-1
// candidates over relation edges, in either direction.
//
// The traversal is iterative with an explicit visited set, so it
// terminates on cyclic graphs and never visits a node twice. It stops
// at the configured depth, and the total candidate count (direct plus
// expanded) is hard-capped regardless of branching factor; hitting the
// cap truncates the result rather than failing the call.
//
// Expanded rows are re-checked for visibility: an edge may point at a
// memory in a pool the caller cannot read.
func (r *Retriever) expand(ctx context.Context, direct []*storage.MemoryRecord, opts *Options) ([]*Match, bool, error) {
	maxDepth := r.config.MaxDepth
	if opts.MaxDepth > 0 && opts.MaxDepth < maxDepth {
		maxDepth = opts.MaxDepth
	}

	visited := make(map[int64]bool, len(direct))
	frontier := make([]int64, 0, len(direct))
	for _, mem := range direct {
		visited[mem.ID] = true
		frontier = append(frontier, mem.ID)
	}

	budget := r.config.MaxCandidates - len(direct)
	if budget <= 0 {
		return nil, true, nil
	}

	var matches []*Match
	truncated := false

	for depth := 1; depth <= maxDepth && len(frontier) > 0 && !truncated; depth++ {
		relations, err := r.store.RelationsFor(ctx, frontier)
		if err != nil {
			return nil, false, err
		}

		inFrontier := make(map[int64]bool, len(frontier))
		for _, id := range frontier {
			inFrontier[id] = true
		}

		// Collect the next hop deterministically.
		var discovered []int64
		for _, rel := range relations {
			for _, id := range []int64{rel.SourceID, rel.TargetID} {
				if visited[id] {
					continue
				}
				if !inFrontier[rel.SourceID] && !inFrontier[rel.TargetID] {
					continue
				}
				visited[id] = true
				discovered = append(discovered, id)
			}
		}
		sort.Slice(discovered, func(i, j int) bool { return discovered[i] < discovered[j] })

		if len(discovered) > budget {
			discovered = discovered[:budget]
			truncated = true
		}
		budget -= len(discovered)

		rows, err := r.store.GetMemories(ctx, discovered)
		if err != nil {
			return nil, false, err
		}

		var next []int64
		for _, row := range rows {
			next = append(next, row.ID)
			if !row.IsLatest || row.Superseded || !r.visible(row, opts) {
				continue
			}
			matches = append(matches, &Match{Memory: row, Depth: depth})
		}
		frontier = next
	}

	// Graph-ranked: current score descending, ID ascending for
	// determinism.
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Memory.CurrentScore != matches[j].Memory.CurrentScore {
			return matches[i].Memory.CurrentScore > matches[j].Memory.CurrentScore
		}
		return matches[i].Memory.ID < matches[j].Memory.ID
	})
	return matches, truncated, nil
}
