package retrieval_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awarenet/relmem-go/pkg/retrieval"
	"github.com/awarenet/relmem-go/pkg/storage"
	"github.com/awarenet/relmem-go/pkg/storage/memory"
)

func testConfig() *retrieval.Config {
	return &retrieval.Config{
		Dimensions:     3,
		TopN:           50,
		MinSimilarity:  0.5,
		MaxDepth:       2,
		MaxCandidates:  200,
		MaxChainLength: 10,
	}
}

func insert(t *testing.T, store storage.Store, mem *storage.MemoryRecord) {
	t.Helper()
	if mem.ChainID == "" {
		mem.ChainID = "chain"
	}
	mem.IsLatest = true
	require.NoError(t, store.InsertMemory(context.Background(), mem))
}

func relate(t *testing.T, store storage.Store, id, source, target int64, typ storage.RelationType) {
	t.Helper()
	_, err := store.InsertRelation(context.Background(), &storage.Relation{
		ID: id, SourceID: source, TargetID: target, Type: typ, Strength: 0.7,
	})
	require.NoError(t, err)
}

func TestRetrieveDirectMatches(t *testing.T) {
	store := memory.New()
	r := retrieval.NewRetriever(store, testConfig(), zerolog.Nop())

	insert(t, store, &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c1",
		Content: "postgres is the primary database", Embedding: []float64{1, 0, 0},
	})
	insert(t, store, &storage.MemoryRecord{
		ID: 2, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c2",
		Content: "lunch is at noon", Embedding: []float64{0, 0, 1},
	})

	result, err := r.Retrieve(context.Background(), "primary database",
		[]float64{1, 0, 0}, &retrieval.Options{OrgID: "acme"})
	require.NoError(t, err)
	require.Len(t, result.DirectMatches, 1)
	assert.Equal(t, int64(1), result.DirectMatches[0].Memory.ID)
	assert.False(t, result.Degraded)
}

func TestRetrieveExpandsOverRelations(t *testing.T) {
	store := memory.New()
	r := retrieval.NewRetriever(store, testConfig(), zerolog.Nop())

	insert(t, store, &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c1",
		Content: "the importer failed overnight", Embedding: []float64{1, 0, 0},
	})
	// Dissimilar to the query, only reachable through the graph.
	insert(t, store, &storage.MemoryRecord{
		ID: 2, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c2",
		Content: "disk quota exceeded on the batch host", Embedding: []float64{0, 1, 0},
		CurrentScore: 0.9,
	})
	relate(t, store, 10, 2, 1, storage.RelationCauses)

	result, err := r.Retrieve(context.Background(), "importer failure",
		[]float64{1, 0, 0}, &retrieval.Options{OrgID: "acme"})
	require.NoError(t, err)

	require.Len(t, result.DirectMatches, 1)
	require.Len(t, result.ExpandedContext, 1)
	assert.Equal(t, int64(2), result.ExpandedContext[0].Memory.ID)
	assert.Equal(t, 1, result.ExpandedContext[0].Depth)
}

func TestRetrieveTerminatesOnCyclicGraph(t *testing.T) {
	store := memory.New()
	r := retrieval.NewRetriever(store, testConfig(), zerolog.Nop())

	insert(t, store, &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c1",
		Content: "a", Embedding: []float64{1, 0, 0},
	})
	insert(t, store, &storage.MemoryRecord{
		ID: 2, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c2",
		Content: "b", Embedding: []float64{0, 1, 0},
	})
	relate(t, store, 10, 1, 2, storage.RelationBuildsOn)
	relate(t, store, 11, 2, 1, storage.RelationBuildsOn)

	result, err := r.Retrieve(context.Background(), "a",
		[]float64{1, 0, 0}, &retrieval.Options{OrgID: "acme"})
	require.NoError(t, err)
	assert.Len(t, result.ExpandedContext, 1, "a node is visited once even on a cycle")
}

func TestRetrieveTruncatesAtCandidateBudget(t *testing.T) {
	store := memory.New()
	config := testConfig()
	config.MaxCandidates = 3
	r := retrieval.NewRetriever(store, config, zerolog.Nop())

	insert(t, store, &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c1",
		Content: "hub", Embedding: []float64{1, 0, 0},
	})
	for i := int64(2); i <= 7; i++ {
		insert(t, store, &storage.MemoryRecord{
			ID: i, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "spoke",
			Content: "spoke", Embedding: []float64{0, 1, 0},
		})
		relate(t, store, 100+i, i, 1, storage.RelationBuildsOn)
	}

	result, err := r.Retrieve(context.Background(), "hub",
		[]float64{1, 0, 0}, &retrieval.Options{OrgID: "acme"})
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.Len(t, result.ExpandedContext, 2, "one direct match leaves budget for two neighbors")
}

func TestRetrieveHonorsPoolVisibility(t *testing.T) {
	store := memory.New()
	r := retrieval.NewRetriever(store, testConfig(), zerolog.Nop())

	insert(t, store, &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolPrivate, AgentID: "a1", ChainID: "c1",
		Content: "my private note", Embedding: []float64{1, 0, 0},
	})
	insert(t, store, &storage.MemoryRecord{
		ID: 2, OrgID: "acme", Pool: storage.PoolPrivate, AgentID: "a2", ChainID: "c2",
		Content: "someone else's note", Embedding: []float64{1, 0, 0},
	})

	result, err := r.Retrieve(context.Background(), "note",
		[]float64{1, 0, 0}, &retrieval.Options{
			OrgID: "acme", AgentID: "a1",
			Pools: []storage.Pool{storage.PoolPrivate},
		})
	require.NoError(t, err)
	require.Len(t, result.DirectMatches, 1)
	assert.Equal(t, int64(1), result.DirectMatches[0].Memory.ID,
		"another agent's private pool is invisible")
}

func TestRetrieveGraphEdgeCannotLeakPrivateMemory(t *testing.T) {
	store := memory.New()
	r := retrieval.NewRetriever(store, testConfig(), zerolog.Nop())

	insert(t, store, &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c1",
		Content: "shared fact", Embedding: []float64{1, 0, 0},
	})
	insert(t, store, &storage.MemoryRecord{
		ID: 2, OrgID: "acme", Pool: storage.PoolPrivate, AgentID: "a2", ChainID: "c2",
		Content: "private observation", Embedding: []float64{0, 1, 0},
	})
	relate(t, store, 10, 2, 1, storage.RelationBuildsOn)

	result, err := r.Retrieve(context.Background(), "shared fact",
		[]float64{1, 0, 0}, &retrieval.Options{OrgID: "acme", AgentID: "a1"})
	require.NoError(t, err)
	assert.Empty(t, result.ExpandedContext,
		"expansion re-checks visibility on every reached row")
}

func TestRetrieveDimensionMismatch(t *testing.T) {
	store := memory.New()
	r := retrieval.NewRetriever(store, testConfig(), zerolog.Nop())

	_, err := r.Retrieve(context.Background(), "q",
		[]float64{1, 0}, &retrieval.Options{OrgID: "acme"})
	assert.ErrorIs(t, err, retrieval.ErrDimensionMismatch)
}

func TestRetrieveEmptyCorpus(t *testing.T) {
	store := memory.New()
	r := retrieval.NewRetriever(store, testConfig(), zerolog.Nop())

	result, err := r.Retrieve(context.Background(), "anything",
		[]float64{1, 0, 0}, &retrieval.Options{OrgID: "acme"})
	require.NoError(t, err)
	assert.Empty(t, result.DirectMatches)
	assert.Empty(t, result.ExpandedContext)
}

func TestRetrieveDegradesToLexicalRanking(t *testing.T) {
	store := memory.New()
	r := retrieval.NewRetriever(store, testConfig(), zerolog.Nop())

	insert(t, store, &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c1",
		Content: "the importer failed overnight", Embedding: []float64{1, 0, 0},
	})
	insert(t, store, &storage.MemoryRecord{
		ID: 2, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c2",
		Content: "lunch menu for tuesday", Embedding: []float64{0, 1, 0},
	})

	result, err := r.Retrieve(context.Background(), "importer failed",
		nil, &retrieval.Options{OrgID: "acme"})
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	require.Len(t, result.DirectMatches, 1)
	assert.Equal(t, int64(1), result.DirectMatches[0].Memory.ID)
}

func TestLexicalFallbackPagesThroughLargeCorpus(t *testing.T) {
	store := memory.New()
	config := testConfig()
	config.MaxCandidates = 5
	r := retrieval.NewRetriever(store, config, zerolog.Nop())

	// The matching row sits past the first listing page.
	for i := int64(1); i <= 12; i++ {
		content := "routine operational note"
		if i == 12 {
			content = "the importer failed overnight"
		}
		insert(t, store, &storage.MemoryRecord{
			ID: i, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "shared",
			Content: content, Embedding: []float64{0, 1, 0},
		})
	}

	result, err := r.Retrieve(context.Background(), "importer failed",
		nil, &retrieval.Options{OrgID: "acme"})
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	require.Len(t, result.DirectMatches, 1)
	assert.Equal(t, int64(12), result.DirectMatches[0].Memory.ID)
}

func TestRetrieveFlagsDisputedMemories(t *testing.T) {
	store := memory.New()
	r := retrieval.NewRetriever(store, testConfig(), zerolog.Nop())
	ctx := context.Background()

	insert(t, store, &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c1",
		Content: "primary db is postgres", Embedding: []float64{1, 0, 0},
	})
	require.NoError(t, store.InsertConflict(ctx, &storage.Conflict{
		ID: 100, MemoryA: 1, MemoryB: 2,
		Type: storage.ConflictClaimMismatch, Severity: storage.SeverityMedium,
		Status: storage.StatusPending,
	}))

	result, err := r.Retrieve(ctx, "primary db",
		[]float64{1, 0, 0}, &retrieval.Options{OrgID: "acme"})
	require.NoError(t, err)
	require.Len(t, result.DirectMatches, 1)
	assert.True(t, result.DirectMatches[0].Disputed)

	excluded, err := r.Retrieve(ctx, "primary db",
		[]float64{1, 0, 0}, &retrieval.Options{OrgID: "acme", ExcludeDisputed: true})
	require.NoError(t, err)
	assert.Empty(t, excluded.DirectMatches)
}

func TestRetrieveDerivesCausalChains(t *testing.T) {
	store := memory.New()
	r := retrieval.NewRetriever(store, testConfig(), zerolog.Nop())

	for i := int64(1); i <= 3; i++ {
		insert(t, store, &storage.MemoryRecord{
			ID: i, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "shared",
			Content: "incident", Embedding: []float64{1, 0, 0},
		})
	}
	relate(t, store, 10, 1, 2, storage.RelationCauses)
	relate(t, store, 11, 2, 3, storage.RelationCauses)

	result, err := r.Retrieve(context.Background(), "incident",
		[]float64{1, 0, 0}, &retrieval.Options{OrgID: "acme"})
	require.NoError(t, err)
	require.Len(t, result.CausalChains, 1)
	assert.Equal(t, []int64{1, 2, 3}, result.CausalChains[0], "cause first")
	assert.False(t, result.Truncated)
}

func TestRetrieveCapsChainEnumeration(t *testing.T) {
	store := memory.New()
	config := testConfig()
	config.MaxChains = 8
	r := retrieval.NewRetriever(store, config, zerolog.Nop())

	// Five layers of four nodes with complete bipartite CAUSES edges
	// between adjacent layers hold 4*4^4 root-to-leaf paths while
	// staying far under the candidate cap.
	const layers, width = 5, 4
	relID := int64(1000)
	for layer := 0; layer < layers; layer++ {
		for n := 0; n < width; n++ {
			id := int64(layer*width + n + 1)
			insert(t, store, &storage.MemoryRecord{
				ID: id, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "shared",
				Content: "incident", Embedding: []float64{1, 0, 0},
			})
			if layer == 0 {
				continue
			}
			for p := 0; p < width; p++ {
				parent := int64((layer-1)*width + p + 1)
				relate(t, store, relID, parent, id, storage.RelationCauses)
				relID++
			}
		}
	}

	result, err := r.Retrieve(context.Background(), "incident",
		[]float64{1, 0, 0}, &retrieval.Options{OrgID: "acme"})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.CausalChains), 8)
	assert.NotEmpty(t, result.CausalChains)
	assert.True(t, result.Truncated)
	for _, chain := range result.CausalChains {
		assert.LessOrEqual(t, int(chain[0]), width, "chains start at a root layer node")
	}
}

func TestRetrieveFlagsClaimMismatchesAmongCandidates(t *testing.T) {
	store := memory.New()
	r := retrieval.NewRetriever(store, testConfig(), zerolog.Nop())

	insert(t, store, &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c1",
		Content: "primary db is postgres", Embedding: []float64{1, 0, 0},
		ClaimKey: "primary_db", ClaimValue: "postgres",
	})
	insert(t, store, &storage.MemoryRecord{
		ID: 2, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c2",
		Content: "primary db is mysql", Embedding: []float64{1, 0, 0},
		ClaimKey: "primary_db", ClaimValue: "mysql",
	})

	result, err := r.Retrieve(context.Background(), "primary db",
		[]float64{1, 0, 0}, &retrieval.Options{OrgID: "acme"})
	require.NoError(t, err)
	require.Len(t, result.Contradictions, 1)
	assert.Equal(t, "claim_mismatch", result.Contradictions[0].Reason)
}

func TestRetrieveIsDeterministic(t *testing.T) {
	store := memory.New()
	r := retrieval.NewRetriever(store, testConfig(), zerolog.Nop())

	for i := int64(1); i <= 5; i++ {
		insert(t, store, &storage.MemoryRecord{
			ID: i, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "shared",
			Content: "same topic", Embedding: []float64{1, 0, 0},
		})
	}

	first, err := r.Retrieve(context.Background(), "same topic",
		[]float64{1, 0, 0}, &retrieval.Options{OrgID: "acme"})
	require.NoError(t, err)

	for trial := 0; trial < 3; trial++ {
		again, err := r.Retrieve(context.Background(), "same topic",
			[]float64{1, 0, 0}, &retrieval.Options{OrgID: "acme"})
		require.NoError(t, err)
		require.Len(t, again.DirectMatches, len(first.DirectMatches))
		for i := range first.DirectMatches {
			assert.Equal(t, first.DirectMatches[i].Memory.ID, again.DirectMatches[i].Memory.ID)
		}
	}
}

func TestRetrieveSkipsSupersededMemories(t *testing.T) {
	store := memory.New()
	r := retrieval.NewRetriever(store, testConfig(), zerolog.Nop())
	ctx := context.Background()

	mem := &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c1",
		Content: "rejected claim", Embedding: []float64{1, 0, 0},
	}
	insert(t, store, mem)

	stored, err := store.GetMemory(ctx, 1)
	require.NoError(t, err)
	stored.Superseded = true
	require.NoError(t, store.UpdateMemory(ctx, stored))

	result, err := r.Retrieve(ctx, "rejected claim",
		[]float64{1, 0, 0}, &retrieval.Options{OrgID: "acme"})
	require.NoError(t, err)
	assert.Empty(t, result.DirectMatches)
}
