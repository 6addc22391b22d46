package retrieval

import (
	"context"
	"sort"

	"github.com/awarenet/relmem-go/pkg/storage"
)

// infer is stage 3: derive causal chains, contradiction flags, and
// corroboration chains from the merged candidate set.
//
// Only edges whose both endpoints are candidates participate, so the
// stage adds no storage reads beyond one batched relation fetch. The
// heuristics are deterministic; results are ordered by memory ID.
func (r *Retriever) infer(ctx context.Context, all []*storage.MemoryRecord, result *Result) error {
	byID := make(map[int64]*storage.MemoryRecord, len(all))
	ids := make([]int64, 0, len(all))
	for _, mem := range all {
		if _, dup := byID[mem.ID]; dup {
			continue
		}
		byID[mem.ID] = mem
		ids = append(ids, mem.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	relations, err := r.store.RelationsFor(ctx, ids)
	if err != nil {
		return err
	}

	causes := make(map[int64][]int64)
	supports := make(map[int64][]int64)
	hasIncomingCause := make(map[int64]bool)
	hasIncomingSupport := make(map[int64]bool)

	for _, rel := range relations {
		if byID[rel.SourceID] == nil || byID[rel.TargetID] == nil {
			continue
		}
		switch rel.Type {
		case storage.RelationCauses:
			causes[rel.SourceID] = append(causes[rel.SourceID], rel.TargetID)
			hasIncomingCause[rel.TargetID] = true
		case storage.RelationSupports:
			supports[rel.SourceID] = append(supports[rel.SourceID], rel.TargetID)
			hasIncomingSupport[rel.TargetID] = true
		case storage.RelationContradicts:
			result.Contradictions = append(result.Contradictions, ContradictionFlag{
				MemoryA: rel.SourceID,
				MemoryB: rel.TargetID,
				Reason:  "contradicts_edge",
			})
		}
	}

	result.Contradictions = append(result.Contradictions, claimMismatches(ids, byID)...)

	causal, cut := chase(ids, causes, hasIncomingCause, r.config.MaxChainLength, r.config.MaxChains)
	result.CausalChains = causal
	result.Truncated = result.Truncated || cut

	support, cut := chase(ids, supports, hasIncomingSupport, r.config.MaxChainLength, r.config.MaxChains)
	result.SupportChains = support
	result.Truncated = result.Truncated || cut
	return nil
}

// claimMismatches flags candidate pairs sharing a claim key with
// different values, independent of any stored edge.
func claimMismatches(ids []int64, byID map[int64]*storage.MemoryRecord) []ContradictionFlag {
	byClaim := make(map[string][]int64)
	for _, id := range ids {
		mem := byID[id]
		if mem.ClaimKey != "" {
			byClaim[mem.ClaimKey] = append(byClaim[mem.ClaimKey], id)
		}
	}

	var flags []ContradictionFlag
	keys := make([]string, 0, len(byClaim))
	for key := range byClaim {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		members := byClaim[key]
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				if byID[members[i]].ClaimValue != byID[members[j]].ClaimValue {
					flags = append(flags, ContradictionFlag{
						MemoryA: members[i],
						MemoryB: members[j],
						Reason:  "claim_mismatch",
					})
				}
			}
		}
	}
	return flags
}

// chase follows one edge type transitively, producing maximal paths
// that start at chain roots (nodes with no incoming edge of the type).
// Each path stops at the length bound or on revisiting a node, so
// cycles terminate. The second return reports whether maxChains cut
// the enumeration short; path count grows exponentially with layered
// branching, so the cap is load-bearing.
func chase(ids []int64, edges map[int64][]int64, hasIncoming map[int64]bool, maxLen, maxChains int) ([][]int64, bool) {
	var chains [][]int64
	truncated := false
	for _, root := range ids {
		if hasIncoming[root] || len(edges[root]) == 0 {
			continue
		}
		if len(chains) >= maxChains {
			truncated = true
			break
		}
		grown, cut := extend([]int64{root}, edges, maxLen, maxChains-len(chains))
		chains = append(chains, grown...)
		truncated = truncated || cut
	}
	return chains, truncated
}

// extend grows a path along every outgoing edge of its tail, branching
// where the graph branches, emitting at most budget paths.
func extend(path []int64, edges map[int64][]int64, maxLen, budget int) ([][]int64, bool) {
	tail := path[len(path)-1]
	nexts := edges[tail]
	if len(path) >= maxLen || len(nexts) == 0 {
		return [][]int64{path}, false
	}

	onPath := make(map[int64]bool, len(path))
	for _, id := range path {
		onPath[id] = true
	}

	var out [][]int64
	truncated := false
	sorted := append([]int64(nil), nexts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	extended := false
	for _, next := range sorted {
		if onPath[next] {
			continue
		}
		if len(out) >= budget {
			truncated = true
			break
		}
		grown := append(append([]int64(nil), path...), next)
		sub, cut := extend(grown, edges, maxLen, budget-len(out))
		out = append(out, sub...)
		truncated = truncated || cut
		extended = true
	}
	if !extended {
		return [][]int64{path}, truncated
	}
	return out, truncated
}
