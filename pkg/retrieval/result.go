// Package retrieval implements the hybrid three-stage query pipeline:
// vector search, bounded graph traversal, and inference over the merged
// candidate set.
//
// Each stage is budget-bounded. Exceeding the traversal budget
// truncates the result instead of failing; a missing embedding degrades
// stage 1 to lexical ranking instead of failing. Given a fixed snapshot
// of scores and relations the pipeline is deterministic.
package retrieval

import "github.com/awarenet/relmem-go/pkg/storage"

// Match is one retrieved memory.
type Match struct {
	// Memory is the matched row. Its Similarity field carries the
	// vector score for direct matches.
	Memory *storage.MemoryRecord

	// Depth is the number of graph hops from a direct match
	// (0 for direct matches).
	Depth int

	// Disputed marks memories involved in an unresolved conflict.
	// Callers choose whether to use or exclude them.
	Disputed bool
}

// ContradictionFlag marks two candidates that disagree.
type ContradictionFlag struct {
	// MemoryA and MemoryB are the disagreeing memories.
	MemoryA int64
	MemoryB int64

	// Reason is "contradicts_edge" or "claim_mismatch".
	Reason string
}

// Result is the output of one retrieval call.
type Result struct {
	// DirectMatches are stage-1 hits, ranked by vector similarity.
	DirectMatches []*Match

	// ExpandedContext are stage-2 graph neighbors, ranked by current
	// score.
	ExpandedContext []*Match

	// Contradictions are stage-3 disagreement flags over the merged
	// candidate set.
	Contradictions []ContradictionFlag

	// CausalChains are stage-3 transitive CAUSES paths (memory IDs,
	// cause first).
	CausalChains [][]int64

	// SupportChains are stage-3 transitive SUPPORTS paths.
	SupportChains [][]int64

	// Truncated is set when the traversal budget cut the expansion
	// short.
	Truncated bool

	// Degraded is set when a provider failure forced a fallback
	// (lexical-only ranking).
	Degraded bool
}
