package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/awarenet/relmem-go/pkg/storage"
)

// ErrDimensionMismatch indicates a query embedding whose dimension does
// not match the deployment's embedding dimension. Validation error,
// never retried.
var ErrDimensionMismatch = errors.New("query embedding dimension mismatch")

// Config bounds the pipeline.
type Config struct {
	// Dimensions is the deployment's embedding dimension. Zero disables
	// the check (useful with the embedded test store).
	Dimensions int

	// TopN caps stage-1 vector candidates.
	TopN int

	// MinSimilarity is the stage-1 similarity threshold.
	MinSimilarity float64

	// MaxDepth caps stage-2 BFS hops.
	MaxDepth int

	// MaxCandidates hard-caps the total candidates considered across
	// stages 1 and 2, regardless of branching factor.
	MaxCandidates int

	// MaxChainLength bounds stage-3 chain following.
	MaxChainLength int

	// MaxChains caps the total stage-3 chains per edge type. A layered
	// DAG can hold exponentially many root-to-leaf paths even inside
	// the candidate cap, so enumeration needs its own budget.
	MaxChains int
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() *Config {
	return &Config{
		TopN:           50,
		MinSimilarity:  0.7,
		MaxDepth:       2,
		MaxCandidates:  200,
		MaxChainLength: 10,
		MaxChains:      200,
	}
}

// Options scope one retrieval call to a caller's visibility.
type Options struct {
	// OrgID is the caller's organization. Required.
	OrgID string

	// AgentID scopes private-pool reads.
	AgentID string

	// Department scopes domain-pool reads.
	Department string

	// Pools is the caller's read order (Private -> Domain -> Global).
	// Empty means all three.
	Pools []storage.Pool

	// MaxDepth overrides the configured BFS depth when positive.
	MaxDepth int

	// ExcludeDisputed drops memories under unresolved conflict instead
	// of returning them flagged.
	ExcludeDisputed bool
}

// Retriever orchestrates the three-stage pipeline over a Store.
type Retriever struct {
	store  storage.Store
	config *Config
	log    zerolog.Logger
}

// NewRetriever creates a retriever.
func NewRetriever(store storage.Store, config *Config, log zerolog.Logger) *Retriever {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxChains <= 0 {
		config.MaxChains = DefaultConfig().MaxChains
	}
	return &Retriever{store: store, config: config, log: log}
}

// Retrieve runs the pipeline.
//
// Stage 1 ranks by vector similarity inside the caller's visible pools;
// when embedding is nil (embedding provider down) it degrades to
// lexical ranking of queryText and sets Degraded. Stage 2 expands the
// candidates over relation edges with bounded BFS. Stage 3 derives
// causal chains, contradiction flags, and corroboration chains from the
// merged set. An empty corpus yields an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, queryText string, embedding []float64, opts *Options) (*Result, error) {
	if opts == nil {
		opts = &Options{}
	}

	result := &Result{}

	var direct []*storage.MemoryRecord
	var err error
	if embedding == nil {
		direct, err = r.lexicalStage(ctx, queryText, opts)
		result.Degraded = true
	} else {
		if r.config.Dimensions > 0 && len(embedding) != r.config.Dimensions {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), r.config.Dimensions)
		}
		direct, err = r.store.Search(ctx, embedding, &storage.SearchOptions{
			OrgID:         opts.OrgID,
			Pools:         opts.Pools,
			Department:    opts.Department,
			AgentID:       opts.AgentID,
			Limit:         r.config.TopN,
			MinSimilarity: r.config.MinSimilarity,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("stage 1: %w", err)
	}
	if len(direct) == 0 {
		return result, nil
	}

	expanded, truncated, err := r.expand(ctx, direct, opts)
	if err != nil {
		return nil, fmt.Errorf("stage 2: %w", err)
	}
	result.Truncated = truncated

	all := make([]*storage.MemoryRecord, 0, len(direct)+len(expanded))
	all = append(all, direct...)
	for _, m := range expanded {
		all = append(all, m.Memory)
	}

	if err := r.infer(ctx, all, result); err != nil {
		return nil, fmt.Errorf("stage 3: %w", err)
	}

	disputed, err := r.disputedSet(ctx, all)
	if err != nil {
		return nil, fmt.Errorf("conflict check: %w", err)
	}

	for _, mem := range direct {
		m := &Match{Memory: mem, Disputed: disputed[mem.ID]}
		if m.Disputed && opts.ExcludeDisputed {
			continue
		}
		result.DirectMatches = append(result.DirectMatches, m)
	}
	for _, m := range expanded {
		m.Disputed = disputed[m.Memory.ID]
		if m.Disputed && opts.ExcludeDisputed {
			continue
		}
		result.ExpandedContext = append(result.ExpandedContext, m)
	}

	return result, nil
}

// lexicalScanBudget caps how many latest rows the degraded path scans
// while paging through an org's listing.
const lexicalScanBudget = 10000

// lexicalStage is the embedding-unavailable fallback: latest visible
// rows ranked by query-term overlap. It pages through the org listing
// up to lexicalScanBudget rows, so a corpus larger than one page still
// surfaces matches.
func (r *Retriever) lexicalStage(ctx context.Context, queryText string, opts *Options) ([]*storage.MemoryRecord, error) {
	terms := strings.Fields(strings.ToLower(queryText))
	if len(terms) == 0 {
		return nil, nil
	}

	pools := opts.Pools
	if len(pools) == 0 {
		pools = []storage.Pool{storage.PoolPrivate, storage.PoolDomain, storage.PoolGlobal}
	}
	allowed := make(map[storage.Pool]bool, len(pools))
	for _, p := range pools {
		allowed[p] = true
	}

	var matches []*storage.MemoryRecord
	pageSize := r.config.MaxCandidates
	for offset := 0; offset < lexicalScanBudget; offset += pageSize {
		rows, err := r.store.ListLatest(ctx, &storage.ListOptions{
			OrgID:  opts.OrgID,
			Limit:  pageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if row.Superseded || !allowed[row.Pool] || !r.visible(row, opts) {
				continue
			}
			content := strings.ToLower(row.Content)
			hits := 0
			for _, term := range terms {
				if strings.Contains(content, term) {
					hits++
				}
			}
			if hits == 0 {
				continue
			}
			row.Similarity = float64(hits) / float64(len(terms))
			matches = append(matches, row)
		}

		if len(rows) < pageSize {
			break
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > r.config.TopN {
		matches = matches[:r.config.TopN]
	}
	return matches, nil
}

// visible applies per-pool scoping to a graph-reached or lexical row.
func (r *Retriever) visible(mem *storage.MemoryRecord, opts *Options) bool {
	switch mem.Pool {
	case storage.PoolPrivate:
		return opts.AgentID != "" && mem.AgentID == opts.AgentID
	case storage.PoolDomain:
		return opts.Department == "" || mem.Department == opts.Department
	default:
		return true
	}
}

// disputedSet returns the IDs of candidates involved in an unresolved
// conflict. Conflict status is read synchronously on the request path.
func (r *Retriever) disputedSet(ctx context.Context, all []*storage.MemoryRecord) (map[int64]bool, error) {
	ids := make([]int64, len(all))
	for i, m := range all {
		ids[i] = m.ID
	}
	conflicts, err := r.store.OpenConflictsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	disputed := make(map[int64]bool, len(conflicts)*2)
	for _, c := range conflicts {
		disputed[c.MemoryA] = true
		disputed[c.MemoryB] = true
	}
	return disputed, nil
}
