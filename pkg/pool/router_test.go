package pool_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awarenet/relmem-go/pkg/pool"
	"github.com/awarenet/relmem-go/pkg/storage"
	"github.com/awarenet/relmem-go/pkg/storage/memory"
)

func newRouter(store storage.Store) *pool.Router {
	next := int64(9000)
	return pool.NewRouter(store, nil, func() int64 {
		next++
		return next
	})
}

func eligibleMemory() *storage.MemoryRecord {
	return &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolPrivate, AgentID: "a1",
		Department: "eng", Content: "retries need jitter",
		ChainID: "c1", IsLatest: true,
		ValidatedCount: 3, CurrentScore: 0.8, BaseScore: 0.7,
		Embedding: []float64{1, 0, 0},
	}
}

func TestVisiblePoolsReadOrder(t *testing.T) {
	r := newRouter(memory.New())

	withDept := r.VisiblePools(&pool.Caller{OrgID: "acme", AgentID: "a1", Department: "eng"})
	assert.Equal(t, []storage.Pool{storage.PoolPrivate, storage.PoolDomain, storage.PoolGlobal}, withDept)

	noDept := r.VisiblePools(&pool.Caller{OrgID: "acme", AgentID: "a1"})
	assert.Equal(t, []storage.Pool{storage.PoolPrivate, storage.PoolGlobal}, noDept,
		"without a department the domain pool is invisible")
}

func TestCanWrite(t *testing.T) {
	r := newRouter(memory.New())
	member := &pool.Caller{OrgID: "acme", AgentID: "a1", Department: "eng"}
	outsider := &pool.Caller{OrgID: "acme", AgentID: "a2"}

	assert.True(t, r.CanWrite(member, storage.PoolPrivate))
	assert.True(t, r.CanWrite(member, storage.PoolDomain))
	assert.False(t, r.CanWrite(outsider, storage.PoolDomain))
	assert.False(t, r.CanWrite(member, storage.PoolGlobal),
		"global is reached only through promotion")
}

func TestPromoteCreatesWiderPointer(t *testing.T) {
	store := memory.New()
	r := newRouter(store)
	ctx := context.Background()

	mem := eligibleMemory()
	require.NoError(t, store.InsertMemory(ctx, mem))

	pointerID, err := r.Promote(ctx, mem.ID)
	require.NoError(t, err)

	pointer, err := store.GetMemory(ctx, pointerID)
	require.NoError(t, err)
	assert.Equal(t, storage.PoolDomain, pointer.Pool, "private promotes into domain")
	assert.Equal(t, mem.ID, pointer.PromotedFrom)
	assert.Equal(t, mem.Content, pointer.Content)
	assert.NotEqual(t, mem.ChainID, pointer.ChainID, "the pointer starts its own chain")
	assert.True(t, pointer.IsLatest)

	original, err := store.GetMemory(ctx, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PoolPrivate, original.Pool, "the original row is untouched")
	assert.True(t, original.Promoted)
}

func TestPromoteIsIdempotent(t *testing.T) {
	store := memory.New()
	r := newRouter(store)
	ctx := context.Background()

	mem := eligibleMemory()
	require.NoError(t, store.InsertMemory(ctx, mem))

	_, err := r.Promote(ctx, mem.ID)
	require.NoError(t, err)

	_, err = r.Promote(ctx, mem.ID)
	assert.ErrorIs(t, err, storage.ErrAlreadyPromoted,
		"a second promoter loses the compare-and-swap")
}

func TestPromoteRequiresValidationThreshold(t *testing.T) {
	store := memory.New()
	r := newRouter(store)
	ctx := context.Background()

	mem := eligibleMemory()
	mem.ValidatedCount = 2
	require.NoError(t, store.InsertMemory(ctx, mem))

	_, err := r.Promote(ctx, mem.ID)
	assert.ErrorIs(t, err, pool.ErrNotEligible)
}

func TestPromoteRequiresScoreFloor(t *testing.T) {
	store := memory.New()
	r := newRouter(store)
	ctx := context.Background()

	mem := eligibleMemory()
	mem.CurrentScore = 0.5
	require.NoError(t, store.InsertMemory(ctx, mem))

	_, err := r.Promote(ctx, mem.ID)
	assert.ErrorIs(t, err, pool.ErrNotEligible)
}

func TestPromoteRejectsGlobalAndDeadRows(t *testing.T) {
	store := memory.New()
	r := newRouter(store)
	ctx := context.Background()

	global := eligibleMemory()
	global.Pool = storage.PoolGlobal
	require.NoError(t, store.InsertMemory(ctx, global))
	_, err := r.Promote(ctx, global.ID)
	assert.ErrorIs(t, err, pool.ErrNotEligible, "global has no wider pool")

	superseded := eligibleMemory()
	superseded.ID = 2
	superseded.ChainID = "c2"
	superseded.Superseded = true
	require.NoError(t, store.InsertMemory(ctx, superseded))
	_, err = r.Promote(ctx, superseded.ID)
	assert.ErrorIs(t, err, pool.ErrNotEligible)
}

func TestEligible(t *testing.T) {
	r := newRouter(memory.New())

	mem := eligibleMemory()
	assert.True(t, r.Eligible(mem))

	promoted := eligibleMemory()
	promoted.Promoted = true
	assert.False(t, r.Eligible(promoted), "the sweep skips already promoted rows")

	stale := eligibleMemory()
	stale.IsLatest = false
	assert.False(t, r.Eligible(stale))
}
