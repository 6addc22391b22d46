package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awarenet/relmem-go/pkg/core"
	"github.com/awarenet/relmem-go/pkg/governance"
	"github.com/awarenet/relmem-go/pkg/storage"
	"github.com/awarenet/relmem-go/pkg/storage/memory"
)

// stubEmbedder returns fixed three-dimensional vectors: texts mapped in
// vectors get their vector, everything else gets the default.
type stubEmbedder struct {
	vectors map[string][]float64
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if vec, ok := s.vectors[text]; ok {
		return vec, nil
	}
	return []float64{1, 0, 0}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		out[i], _ = s.Embed(ctx, text)
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return 3 }
func (s *stubEmbedder) Close() error    { return nil }

// flakyEmbedder fails the first failures calls, then serves a fixed
// vector.
type flakyEmbedder struct {
	failures int
	calls    int
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("upstream timeout")
	}
	return []float64{1, 0, 0}, nil
}

func (f *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		vec, err := f.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *flakyEmbedder) Dimensions() int { return 3 }
func (f *flakyEmbedder) Close() error    { return nil }

func newTestClient(t *testing.T, opts ...core.Option) *core.Client {
	t.Helper()
	config := &core.Config{Storage: core.StorageConfig{Provider: "memory"}}
	base := []core.Option{
		core.WithEmbedder(&stubEmbedder{}),
		core.WithLogger(zerolog.Nop()),
	}
	client, err := core.NewClient(config, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return client
}

var (
	alice = &core.Caller{OrgID: "acme", AgentID: "alice", Department: "eng"}
	bob   = &core.Caller{OrgID: "acme", AgentID: "bob", Department: "eng"}
	carol = &core.Caller{OrgID: "acme", AgentID: "carol", Department: "eng"}
)

func TestStoreAndRetrieveRoundTrip(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	stored, err := client.StoreMemory(ctx, alice, &core.StoreRequest{
		Content: "the checkout service talks to postgres",
		Pool:    storage.PoolDomain,
	})
	require.NoError(t, err)
	require.NotNil(t, stored.Memory)
	assert.Equal(t, storage.PoolDomain, stored.Memory.Pool)
	assert.Equal(t, storage.TypeSemantic, stored.Memory.MemoryType, "semantic is the default type")
	assert.Equal(t, 0.5, stored.Memory.BaseScore)
	assert.True(t, stored.Memory.IsLatest)
	assert.NotEmpty(t, stored.Memory.ChainID)

	result, err := client.Retrieve(ctx, alice, &core.RetrieveRequest{Query: "checkout service"})
	require.NoError(t, err)
	require.Len(t, result.DirectMatches, 1)
	assert.Equal(t, stored.Memory.ID, result.DirectMatches[0].Memory.ID)
	assert.False(t, result.Degraded)
}

func TestStoreMemoryValidation(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.StoreMemory(ctx, alice, &core.StoreRequest{})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = client.StoreMemory(ctx, alice, &core.StoreRequest{
		Content: "x", ClaimValue: "postgres",
	})
	assert.ErrorIs(t, err, core.ErrClaimValueWithoutKey)

	_, err = client.StoreMemory(ctx, alice, &core.StoreRequest{
		Content: "x", Pool: storage.PoolGlobal,
	})
	assert.ErrorIs(t, err, core.ErrPoolAccess, "global is write-protected; promotion is the only path in")

	noDept := &core.Caller{OrgID: "acme", AgentID: "dave"}
	_, err = client.StoreMemory(ctx, noDept, &core.StoreRequest{
		Content: "x", Pool: storage.PoolDomain,
	})
	assert.ErrorIs(t, err, core.ErrPoolAccess)

	_, err = client.StoreMemory(ctx, alice, &core.StoreRequest{
		Content: "x", BaseScore: 1.5,
	})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = client.StoreMemory(ctx, nil, &core.StoreRequest{Content: "x"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestStoreMemoryExtractsEntities(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	stored, err := client.StoreMemory(ctx, alice, &core.StoreRequest{
		Content: "Payments Team migrated the ledger to Postgres",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Entities, "rule extraction runs on every write")
}

func TestStoreMemoryDetectsClaimConflict(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, err := client.StoreMemory(ctx, alice, &core.StoreRequest{
		Content: "primary db is postgres", Pool: storage.PoolDomain,
		ClaimKey: "primary_db", ClaimValue: "postgres",
	})
	require.NoError(t, err)

	second, err := client.StoreMemory(ctx, bob, &core.StoreRequest{
		Content: "primary db is mysql", Pool: storage.PoolDomain,
		ClaimKey: "primary_db", ClaimValue: "mysql",
	})
	require.NoError(t, err, "a conflicting write is accepted and flagged, not rejected")
	require.Len(t, second.Conflicts, 1)
	assert.Equal(t, storage.ConflictClaimMismatch, second.Conflicts[0].Type)
	assert.Equal(t, storage.StatusPending, second.Conflicts[0].Status)

	// Both sides now surface as disputed.
	result, err := client.Retrieve(ctx, alice, &core.RetrieveRequest{Query: "primary db"})
	require.NoError(t, err)
	require.NotEmpty(t, result.DirectMatches)
	assert.True(t, result.DirectMatches[0].Disputed)
}

func TestRetrieveRetriesEmbeddingBeforeDegrading(t *testing.T) {
	flaky := &flakyEmbedder{failures: 2}
	client := newTestClient(t, core.WithEmbedder(flaky))
	ctx := context.Background()

	_, err := client.StoreMemory(ctx, alice, &core.StoreRequest{
		Content: "the gateway fronts the api", Pool: storage.PoolDomain,
		Embedding: []float64{1, 0, 0},
	})
	require.NoError(t, err)

	result, err := client.Retrieve(ctx, alice, &core.RetrieveRequest{Query: "gateway"})
	require.NoError(t, err)
	assert.False(t, result.Degraded, "a transient embed failure recovers within the retry budget")
	assert.Equal(t, 3, flaky.calls)
	require.NotEmpty(t, result.DirectMatches)
}

func TestStoreMemoryFailsWhenEmbedRetriesExhaust(t *testing.T) {
	flaky := &flakyEmbedder{failures: 100}
	client := newTestClient(t, core.WithEmbedder(flaky))

	_, err := client.StoreMemory(context.Background(), alice, &core.StoreRequest{
		Content: "the gateway fronts the api", Pool: storage.PoolDomain,
	})
	require.Error(t, err)
	assert.Equal(t, 3, flaky.calls, "writes stop after the bounded retry loop")
}

func TestResolveConflictManualDecision(t *testing.T) {
	recorder := core.NewRingRecorder(10)
	client := newTestClient(t, core.WithAuditRecorder(recorder))
	ctx := context.Background()

	first, err := client.StoreMemory(ctx, alice, &core.StoreRequest{
		Content: "billing runs in us-east-1", Pool: storage.PoolDomain,
		ClaimKey: "billing_region", ClaimValue: "us-east-1",
	})
	require.NoError(t, err)

	second, err := client.StoreMemory(ctx, bob, &core.StoreRequest{
		Content: "billing runs in eu-west-1", Pool: storage.PoolDomain,
		ClaimKey: "billing_region", ClaimValue: "eu-west-1",
	})
	require.NoError(t, err)
	require.Len(t, second.Conflicts, 1)
	conflict := second.Conflicts[0]

	// A manual decision lands directly on a pending conflict.
	err = client.ResolveConflict(ctx, carol, conflict.ID, &governance.ArbitrationDecision{
		WinnerID:  first.Memory.ID,
		Rationale: "checked the deployment manifest",
	})
	require.NoError(t, err)

	loser, err := client.GetMemory(ctx, bob, second.Memory.ID)
	require.NoError(t, err)
	assert.True(t, loser.Superseded)

	open, err := client.Conflicts(ctx, alice, first.Memory.ID)
	require.NoError(t, err)
	assert.Empty(t, open, "an arbitrated conflict is no longer open")

	events := recorder.Events()
	require.NotEmpty(t, events)
	resolve := events[len(events)-1]
	assert.Equal(t, core.AuditResolve, resolve.Action)
	assert.Equal(t, first.Memory.ID, resolve.MemoryID)
	assert.Equal(t, conflict.ID, resolve.ConflictID)
}

func TestRetrieveRespectsPrivatePools(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	mine, err := client.StoreMemory(ctx, alice, &core.StoreRequest{
		Content: "alice private note",
	})
	require.NoError(t, err)
	_, err = client.StoreMemory(ctx, bob, &core.StoreRequest{
		Content: "bob private note",
	})
	require.NoError(t, err)

	result, err := client.Retrieve(ctx, alice, &core.RetrieveRequest{Query: "note"})
	require.NoError(t, err)
	require.Len(t, result.DirectMatches, 1)
	assert.Equal(t, mine.Memory.ID, result.DirectMatches[0].Memory.ID)
}

func TestEditMemoryAppendsVersion(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	stored, err := client.StoreMemory(ctx, alice, &core.StoreRequest{
		Content: "retry budget is 3", Pool: storage.PoolDomain,
	})
	require.NoError(t, err)

	edited, err := client.EditMemory(ctx, alice, &core.EditRequest{
		MemoryID: stored.Memory.ID,
		Content:  "retry budget is 5",
	})
	require.NoError(t, err)
	assert.NotEqual(t, stored.Memory.ID, edited.ID, "an edit is a new row, not an overwrite")
	assert.Equal(t, stored.Memory.ChainID, edited.ChainID)
	assert.Equal(t, stored.Memory.Version+1, edited.Version)
	assert.Equal(t, stored.Memory.ID, edited.ParentVersionID)
	assert.True(t, edited.IsLatest)

	old, err := client.GetMemory(ctx, alice, stored.Memory.ID)
	require.NoError(t, err)
	assert.False(t, old.IsLatest, "the previous head is retired but kept")

	history, err := client.History(ctx, alice, edited.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, edited.ID, history[0].ID, "newest first")
}

func TestEditMemoryOnlyLatestVersion(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	stored, err := client.StoreMemory(ctx, alice, &core.StoreRequest{
		Content: "v1", Pool: storage.PoolDomain,
	})
	require.NoError(t, err)
	_, err = client.EditMemory(ctx, alice, &core.EditRequest{
		MemoryID: stored.Memory.ID, Content: "v2",
	})
	require.NoError(t, err)

	_, err = client.EditMemory(ctx, alice, &core.EditRequest{
		MemoryID: stored.Memory.ID, Content: "v3",
	})
	assert.ErrorIs(t, err, core.ErrInvalidInput, "editing a retired version is rejected")
}

func TestEditMemoryEnforcesOwnership(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	private, err := client.StoreMemory(ctx, alice, &core.StoreRequest{
		Content: "my own note",
	})
	require.NoError(t, err)

	_, err = client.EditMemory(ctx, bob, &core.EditRequest{
		MemoryID: private.Memory.ID, Content: "rewritten",
	})
	assert.ErrorIs(t, err, core.ErrPoolAccess, "another agent cannot edit a private memory")
}

// insertFailingStore fails the next InsertMemory call, passing
// everything else through.
type insertFailingStore struct {
	storage.Store
	failNext bool
}

func (s *insertFailingStore) InsertMemory(ctx context.Context, mem *storage.MemoryRecord) error {
	if s.failNext {
		s.failNext = false
		return errors.New("disk full")
	}
	return s.Store.InsertMemory(ctx, mem)
}

func TestEditMemoryKeepsHeadOnInsertFailure(t *testing.T) {
	wrapped := &insertFailingStore{Store: memory.New()}
	client := newTestClient(t, core.WithStore(wrapped))
	ctx := context.Background()

	stored, err := client.StoreMemory(ctx, alice, &core.StoreRequest{Content: "v1"})
	require.NoError(t, err)

	wrapped.failNext = true
	_, err = client.EditMemory(ctx, alice, &core.EditRequest{
		MemoryID: stored.Memory.ID, Content: "v2",
	})
	require.Error(t, err)

	head, err := client.GetMemory(ctx, alice, stored.Memory.ID)
	require.NoError(t, err)
	assert.True(t, head.IsLatest, "the chain keeps its head when the new row cannot be written")

	// The chain stays editable afterwards.
	next, err := client.EditMemory(ctx, alice, &core.EditRequest{
		MemoryID: stored.Memory.ID, Content: "v2 again",
	})
	require.NoError(t, err)
	assert.True(t, next.IsLatest)
}

func TestValidateMemory(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	stored, err := client.StoreMemory(ctx, alice, &core.StoreRequest{
		Content: "jitter prevents thundering herds", Pool: storage.PoolDomain,
	})
	require.NoError(t, err)

	_, err = client.ValidateMemory(ctx, alice, stored.Memory.ID)
	assert.ErrorIs(t, err, core.ErrInvalidInput, "self-validation does not count")

	validated, err := client.ValidateMemory(ctx, bob, stored.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, validated.ValidatedCount)
	assert.Greater(t, validated.BaseScore, 0.5, "validation reinforces the base score")
}

func TestPromotionAfterValidations(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	stored, err := client.StoreMemory(ctx, alice, &core.StoreRequest{
		Content: "always drain connections before restarts",
	})
	require.NoError(t, err)

	for _, validator := range []*core.Caller{bob, carol, {OrgID: "acme", AgentID: "dan"}} {
		_, err = client.ValidateMemory(ctx, validator, stored.Memory.ID)
		require.NoError(t, err)
	}

	pointer, err := client.Promote(ctx, alice, stored.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PoolDomain, pointer.Pool)
	assert.Equal(t, stored.Memory.ID, pointer.PromotedFrom)

	_, err = client.Promote(ctx, alice, stored.Memory.ID)
	assert.Error(t, err, "a memory is promoted at most once")
}

func TestGetMemoryHidesForeignRows(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	private, err := client.StoreMemory(ctx, alice, &core.StoreRequest{
		Content: "alice only",
	})
	require.NoError(t, err)

	_, err = client.GetMemory(ctx, bob, private.Memory.ID)
	assert.ErrorIs(t, err, core.ErrNotFound, "invisible rows are indistinguishable from missing ones")

	outsider := &core.Caller{OrgID: "globex", AgentID: "eve"}
	_, err = client.GetMemory(ctx, outsider, private.Memory.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestAuditTrail(t *testing.T) {
	recorder := core.NewRingRecorder(10)
	client := newTestClient(t, core.WithAuditRecorder(recorder))
	ctx := context.Background()

	stored, err := client.StoreMemory(ctx, alice, &core.StoreRequest{Content: "audited fact"})
	require.NoError(t, err)
	_, err = client.Retrieve(ctx, alice, &core.RetrieveRequest{Query: "audited"})
	require.NoError(t, err)

	events := recorder.Events()
	require.Len(t, events, 2)
	assert.Equal(t, core.AuditStore, events[0].Action)
	assert.Equal(t, stored.Memory.ID, events[0].MemoryID)
	assert.Equal(t, core.AuditRetrieve, events[1].Action)
	assert.Equal(t, "alice", events[1].Caller.AgentID)
}

func TestRetrieveTouchesAccessTime(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	client := newTestClient(t, core.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	stored, err := client.StoreMemory(ctx, alice, &core.StoreRequest{Content: "recently used"})
	require.NoError(t, err)

	_, err = client.Retrieve(ctx, alice, &core.RetrieveRequest{Query: "recently used"})
	require.NoError(t, err)

	got, err := client.GetMemory(ctx, alice, stored.Memory.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastAccessedAt)
	assert.Equal(t, now, got.LastAccessedAt.UTC())
}

func TestNewClientRejectsBadConfig(t *testing.T) {
	_, err := core.NewClient(nil)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	_, err = core.NewClient(&core.Config{Storage: core.StorageConfig{Provider: "cassandra"}})
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}
