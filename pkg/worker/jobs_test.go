package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awarenet/relmem-go/pkg/governance"
	"github.com/awarenet/relmem-go/pkg/pool"
	"github.com/awarenet/relmem-go/pkg/storage"
	"github.com/awarenet/relmem-go/pkg/storage/memory"
	"github.com/awarenet/relmem-go/pkg/worker"
)

func TestDecayJobRecomputesScores(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	mem := &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c1", IsLatest: true,
		MemoryType: storage.TypeEpisodic, BaseScore: 0.8, CurrentScore: 0.8,
		CreatedAt: now.Add(-10 * 24 * time.Hour),
	}
	require.NoError(t, store.InsertMemory(ctx, mem))

	scoring := governance.NewScoringEngine(nil, nil)
	job := worker.NewDecayJob(store, scoring, zerolog.Nop(), func() time.Time { return now })
	require.NoError(t, job.Run(ctx))

	got, err := store.GetMemory(ctx, 1)
	require.NoError(t, err)
	assert.Less(t, got.CurrentScore, 0.8, "ten idle days should lower the score")
	assert.Equal(t, 0, got.ArchiveStrikes)
}

func TestDecayJobTracksArchiveStrikes(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now()

	faded := &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c1", IsLatest: true,
		MemoryType: storage.TypeEpisodic, BaseScore: 0.3, CurrentScore: 0.05,
		CreatedAt: now.Add(-365 * 24 * time.Hour),
	}
	require.NoError(t, store.InsertMemory(ctx, faded))

	scoring := governance.NewScoringEngine(nil, nil)
	job := worker.NewDecayJob(store, scoring, zerolog.Nop(), func() time.Time { return now })

	for cycle := 1; cycle <= 2; cycle++ {
		require.NoError(t, job.Run(ctx))
		got, err := store.GetMemory(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, cycle, got.ArchiveStrikes, "strikes accumulate per cycle below the floor")
	}
}

func TestDecayJobResetsStrikesOnRecovery(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now()

	recovered := &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c1", IsLatest: true,
		MemoryType: storage.TypeProcedural, BaseScore: 0.8, CurrentScore: 0.05,
		ArchiveStrikes: 2, CreatedAt: now.Add(-time.Hour),
	}
	require.NoError(t, store.InsertMemory(ctx, recovered))

	scoring := governance.NewScoringEngine(nil, nil)
	job := worker.NewDecayJob(store, scoring, zerolog.Nop(), func() time.Time { return now })
	require.NoError(t, job.Run(ctx))

	got, err := store.GetMemory(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ArchiveStrikes)
	assert.Greater(t, got.CurrentScore, 0.1)
}

func TestArchiveSweepSupersedesAtStrikeBudget(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	hit := &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c1", IsLatest: true,
		ArchiveStrikes: 3,
	}
	spared := &storage.MemoryRecord{
		ID: 2, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c2", IsLatest: true,
		ArchiveStrikes: 2,
	}
	require.NoError(t, store.InsertMemory(ctx, hit))
	require.NoError(t, store.InsertMemory(ctx, spared))

	scoring := governance.NewScoringEngine(nil, nil)
	job := worker.NewArchiveSweep(store, scoring, zerolog.Nop())
	require.NoError(t, job.Run(ctx))

	archived, err := store.GetMemory(ctx, 1)
	require.NoError(t, err)
	assert.True(t, archived.Superseded)

	kept, err := store.GetMemory(ctx, 2)
	require.NoError(t, err)
	assert.False(t, kept.Superseded)
}

func TestPromotionSweepPromotesEligibleRows(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	eligible := &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolPrivate, AgentID: "a1", Department: "eng",
		Content: "eligible", ChainID: "c1", IsLatest: true,
		ValidatedCount: 3, CurrentScore: 0.8, Embedding: []float64{1, 0, 0},
	}
	ineligible := &storage.MemoryRecord{
		ID: 2, OrgID: "acme", Pool: storage.PoolPrivate, AgentID: "a1",
		Content: "not yet", ChainID: "c2", IsLatest: true,
		ValidatedCount: 1, CurrentScore: 0.8, Embedding: []float64{0, 1, 0},
	}
	require.NoError(t, store.InsertMemory(ctx, eligible))
	require.NoError(t, store.InsertMemory(ctx, ineligible))

	next := int64(9000)
	router := pool.NewRouter(store, nil, func() int64 { next++; return next })
	job := worker.NewPromotionSweep(store, router, zerolog.Nop())
	require.NoError(t, job.Run(ctx))

	domain, err := store.ListLatest(ctx, &storage.ListOptions{Pool: storage.PoolDomain})
	require.NoError(t, err)
	require.Len(t, domain, 1)
	assert.Equal(t, int64(1), domain[0].PromotedFrom)

	// Running again must not mint a second pointer.
	require.NoError(t, job.Run(ctx))
	domain, err = store.ListLatest(ctx, &storage.ListOptions{Pool: storage.PoolDomain})
	require.NoError(t, err)
	assert.Len(t, domain, 1)
}

func TestArbitrationDispatchRoutesBySeverity(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	a := &storage.MemoryRecord{
		ID: 1, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c1", IsLatest: true,
		ValidatedCount: 2,
	}
	b := &storage.MemoryRecord{
		ID: 2, OrgID: "acme", Pool: storage.PoolGlobal, ChainID: "c2", IsLatest: true,
		ValidatedCount: 0,
	}
	require.NoError(t, store.InsertMemory(ctx, a))
	require.NoError(t, store.InsertMemory(ctx, b))

	low := &storage.Conflict{
		ID: 100, MemoryA: 1, MemoryB: 2,
		Type: storage.ConflictSemanticContradiction,
		Severity: storage.SeverityLow, Status: storage.StatusPending,
	}
	high := &storage.Conflict{
		ID: 101, MemoryA: 1, MemoryB: 2,
		Type: storage.ConflictClaimMismatch,
		Severity: storage.SeverityHigh, Status: storage.StatusPending,
	}
	require.NoError(t, store.InsertConflict(ctx, low))
	require.NoError(t, store.InsertConflict(ctx, high))

	config := governance.DefaultResolverConfig()
	config.MaxArbitrationAttempts = 1
	resolver := governance.NewConflictResolver(store, nil, config, zerolog.Nop())
	job := worker.NewArbitrationDispatch(store, resolver, zerolog.Nop())
	require.NoError(t, job.Run(ctx))

	resolved, err := store.GetConflict(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusAutoResolved, resolved.Status)

	// No arbitrator is configured, so the high-severity conflict
	// escalates after its single attempt.
	escalated, err := store.GetConflict(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusEscalated, escalated.Status)
}
