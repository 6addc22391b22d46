package governance_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awarenet/relmem-go/pkg/governance"
	"github.com/awarenet/relmem-go/pkg/storage"
	"github.com/awarenet/relmem-go/pkg/storage/memory"
)

// seqID returns a deterministic ID generator for tests.
func seqID(start int64) func() int64 {
	next := start
	return func() int64 {
		next++
		return next
	}
}

func seedMemory(t *testing.T, store storage.Store, mem *storage.MemoryRecord, entityNames ...string) {
	t.Helper()
	if mem.ChainID == "" {
		mem.ChainID = "chain-" + mem.Content
	}
	mem.IsLatest = true
	require.NoError(t, store.InsertMemory(context.Background(), mem))

	tags := make([]storage.EntityTag, len(entityNames))
	for i, name := range entityNames {
		tags[i] = storage.EntityTag{
			MemoryID:       mem.ID,
			EntityText:     name,
			NormalizedName: governance.NormalizeEntity(name),
			Type:           "proper",
			Confidence:     0.6,
		}
	}
	if len(tags) > 0 {
		require.NoError(t, store.InsertEntityTags(context.Background(), tags))
	}
}

func TestBuildRelationsSupportsOnMatchingClaim(t *testing.T) {
	store := memory.New()
	builder := governance.NewRelationBuilder(store, nil, seqID(1000))

	existing := &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolDomain,
		Content:  "primary db is postgres",
		ClaimKey: "primary_db", ClaimValue: "postgres",
	}
	seedMemory(t, store, existing)

	mem := &storage.MemoryRecord{
		ID: 2, OrgID: "acme", Pool: storage.PoolDomain, ChainID: "c2",
		Content:  "confirmed the primary db is postgres",
		ClaimKey: "primary_db", ClaimValue: "postgres",
	}
	created, err := builder.BuildRelations(context.Background(), mem, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	rels, err := store.RelationsFor(context.Background(), []int64{2})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, storage.RelationSupports, rels[0].Type)
	assert.Equal(t, int64(2), rels[0].SourceID)
	assert.Equal(t, int64(1), rels[0].TargetID)
}

func TestBuildRelationsContradictsOnClaimMismatch(t *testing.T) {
	store := memory.New()
	builder := governance.NewRelationBuilder(store, nil, seqID(1000))

	existing := &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolDomain,
		Content:  "primary db is postgres",
		ClaimKey: "primary_db", ClaimValue: "postgres",
	}
	seedMemory(t, store, existing)

	mem := &storage.MemoryRecord{
		ID: 2, OrgID: "acme", Pool: storage.PoolDomain, ChainID: "c2",
		Content:  "primary db is mysql",
		ClaimKey: "primary_db", ClaimValue: "mysql",
	}
	created, err := builder.BuildRelations(context.Background(), mem, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	rels, err := store.RelationsFor(context.Background(), []int64{2})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, storage.RelationContradicts, rels[0].Type)
}

func TestBuildRelationsCausalMarker(t *testing.T) {
	store := memory.New()
	builder := governance.NewRelationBuilder(store, nil, seqID(1000))

	existing := &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolDomain,
		Content: "the billing cluster was undersized",
	}
	seedMemory(t, store, existing, "billing cluster")

	mem := &storage.MemoryRecord{
		ID: 2, OrgID: "acme", Pool: storage.PoolDomain, ChainID: "c2",
		Content: "checkout latency spiked because the Billing Cluster was undersized",
	}
	entities := []governance.Entity{{EntityText: "Billing Cluster", NormalizedName: "billing cluster"}}

	created, err := builder.BuildRelations(context.Background(), mem, entities)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	rels, err := store.RelationsFor(context.Background(), []int64{2})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, storage.RelationCauses, rels[0].Type)
	assert.Equal(t, int64(1), rels[0].SourceID, "the earlier memory is the cause")
	assert.Equal(t, int64(2), rels[0].TargetID)
}

func TestBuildRelationsBuildsOnEntityOverlap(t *testing.T) {
	store := memory.New()
	builder := governance.NewRelationBuilder(store, nil, seqID(1000))

	existing := &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolDomain,
		Content: "payments team owns the checkout flow",
	}
	seedMemory(t, store, existing, "payments team")

	mem := &storage.MemoryRecord{
		ID: 2, OrgID: "acme", Pool: storage.PoolDomain, ChainID: "c2",
		Content: "the payments team rotates on-call weekly",
	}
	entities := []governance.Entity{{EntityText: "payments team", NormalizedName: "payments team"}}

	created, err := builder.BuildRelations(context.Background(), mem, entities)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	rels, err := store.RelationsFor(context.Background(), []int64{2})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, storage.RelationBuildsOn, rels[0].Type)
	assert.Greater(t, rels[0].Strength, 0.0)
}

func TestBuildRelationsIsIdempotent(t *testing.T) {
	store := memory.New()
	builder := governance.NewRelationBuilder(store, nil, seqID(1000))

	existing := &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolDomain,
		Content:  "primary db is postgres",
		ClaimKey: "primary_db", ClaimValue: "postgres",
	}
	seedMemory(t, store, existing)

	mem := &storage.MemoryRecord{
		ID: 2, OrgID: "acme", Pool: storage.PoolDomain, ChainID: "c2",
		Content:  "primary db is postgres",
		ClaimKey: "primary_db", ClaimValue: "postgres",
	}

	created, err := builder.BuildRelations(context.Background(), mem, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	// Re-running produces the same (source, target, type) triple, which
	// the store deduplicates.
	created, err = builder.BuildRelations(context.Background(), mem, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func TestBuildRelationsSkipsOwnChain(t *testing.T) {
	store := memory.New()
	builder := governance.NewRelationBuilder(store, nil, seqID(1000))

	previous := &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolDomain, ChainID: "shared",
		Content:  "primary db is postgres",
		ClaimKey: "primary_db", ClaimValue: "postgres",
	}
	seedMemory(t, store, previous)

	mem := &storage.MemoryRecord{
		ID: 2, OrgID: "acme", Pool: storage.PoolDomain, ChainID: "shared",
		Content:  "primary db is postgres, rechecked",
		ClaimKey: "primary_db", ClaimValue: "postgres",
	}
	created, err := builder.BuildRelations(context.Background(), mem, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, created, "versions of the same memory never relate to each other")
}

func TestBuildRelationsUsesClassifierVerdict(t *testing.T) {
	store := memory.New()
	provider := &fakeLLM{response: `{"relation_type": "ASSUMES", "strength": 0.85}`}
	builder := governance.NewRelationBuilder(store, provider, seqID(1000))

	existing := &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolDomain,
		Content: "the cache layer fronts every read",
	}
	seedMemory(t, store, existing, "cache layer")

	mem := &storage.MemoryRecord{
		ID: 2, OrgID: "acme", Pool: storage.PoolDomain, ChainID: "c2",
		Content: "read latency stays under 5ms thanks to the cache layer",
	}
	entities := []governance.Entity{{EntityText: "cache layer", NormalizedName: "cache layer"}}

	created, err := builder.BuildRelations(context.Background(), mem, entities)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	rels, err := store.RelationsFor(context.Background(), []int64{2})
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, storage.RelationAssumes, rels[0].Type)
	assert.InDelta(t, 0.85, rels[0].Strength, 1e-9)
}
