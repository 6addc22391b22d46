// Package memory provides an embedded, in-process Store backed by
// chromem-go for vector similarity and native maps for the relational
// side (entities, relations, conflicts).
//
// It is the default backend for tests and local development; it holds
// everything in memory and is safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/awarenet/relmem-go/pkg/storage"
)

// Store implements storage.Store in process memory.
//
// chromem-go keeps one collection per (org, pool) pair, mirroring the
// Private/Domain/Global tier split, and serves cosine ranking. The
// authoritative record state lives in maps so that flag mutations
// (isLatest, superseded, promotion) never have to rewrite the index.
type Store struct {
	mu sync.RWMutex

	db          *chromem.DB
	collections map[string]*chromem.Collection

	memories  map[int64]*storage.MemoryRecord
	chains    map[string][]int64
	entities  map[int64][]storage.EntityTag
	byEntity  map[string][]int64 // orgID|normalizedName -> memory IDs
	byClaim   map[string][]int64 // orgID|claimKey -> memory IDs
	relations map[int64]*storage.Relation
	relKeys   map[string]int64 // source|target|type -> relation ID
	conflicts map[int64]*storage.Conflict

	insertOrder []int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		memories:    make(map[int64]*storage.MemoryRecord),
		chains:      make(map[string][]int64),
		entities:    make(map[int64][]storage.EntityTag),
		byEntity:    make(map[string][]int64),
		byClaim:     make(map[string][]int64),
		relations:   make(map[int64]*storage.Relation),
		relKeys:     make(map[string]int64),
		conflicts:   make(map[int64]*storage.Conflict),
	}
}

func collectionKey(orgID string, pool storage.Pool) string {
	return orgID + "|" + string(pool)
}

func relationKey(source, target int64, typ storage.RelationType) string {
	return strconv.FormatInt(source, 10) + "|" + strconv.FormatInt(target, 10) + "|" + string(typ)
}

// collection returns the chromem collection for one (org, pool) pair,
// creating it on first use. Caller must hold mu.
func (s *Store) collection(orgID string, pool storage.Pool) (*chromem.Collection, error) {
	key := collectionKey(orgID, pool)
	if col, ok := s.collections[key]; ok {
		return col, nil
	}
	col, err := s.db.CreateCollection("mem_"+key, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[key] = col
	return col, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

func copyRecord(m *storage.MemoryRecord) *storage.MemoryRecord {
	c := *m
	c.Embedding = append([]float64(nil), m.Embedding...)
	c.Tags = append([]string(nil), m.Tags...)
	if m.LastAccessedAt != nil {
		t := *m.LastAccessedAt
		c.LastAccessedAt = &t
	}
	return &c
}

// InsertMemory inserts a memory row and indexes its embedding.
func (s *Store) InsertMemory(ctx context.Context, mem *storage.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.memories[mem.ID]; exists {
		return fmt.Errorf("InsertMemory: duplicate id %d", mem.ID)
	}

	rec := copyRecord(mem)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.Version == 0 {
		rec.Version = 1
	}

	col, err := s.collection(rec.OrgID, rec.Pool)
	if err != nil {
		return fmt.Errorf("InsertMemory: %w", err)
	}
	if len(rec.Embedding) > 0 {
		doc := chromem.Document{
			ID:        strconv.FormatInt(rec.ID, 10),
			Content:   rec.Content,
			Embedding: toFloat32(rec.Embedding),
			Metadata:  map[string]string{"chain_id": rec.ChainID},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("InsertMemory: %w", err)
		}
	}

	s.memories[rec.ID] = rec
	s.chains[rec.ChainID] = append(s.chains[rec.ChainID], rec.ID)
	if rec.ClaimKey != "" {
		ck := rec.OrgID + "|" + rec.ClaimKey
		s.byClaim[ck] = append(s.byClaim[ck], rec.ID)
	}
	s.insertOrder = append(s.insertOrder, rec.ID)
	return nil
}

// GetMemory retrieves a memory row by ID.
func (s *Store) GetMemory(ctx context.Context, id int64) (*storage.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.memories[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyRecord(rec), nil
}

// GetMemories retrieves a batch of rows; missing IDs are skipped.
func (s *Store) GetMemories(ctx context.Context, ids []int64) ([]*storage.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.MemoryRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.memories[id]; ok {
			out = append(out, copyRecord(rec))
		}
	}
	return out, nil
}

// UpdateMemory writes a row under an optimistic version check.
func (s *Store) UpdateMemory(ctx context.Context, mem *storage.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.memories[mem.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if stored.Version != mem.Version {
		return storage.ErrVersionConflict
	}

	rec := copyRecord(mem)
	rec.Version = stored.Version + 1
	rec.UpdatedAt = time.Now()
	rec.CreatedAt = stored.CreatedAt
	rec.Promoted = stored.Promoted // promotion flag moves only through MarkPromoted
	s.memories[mem.ID] = rec
	mem.Version = rec.Version
	return nil
}

// DeleteMemory removes a row and its index entry.
func (s *Store) DeleteMemory(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.memories[id]
	if !ok {
		return storage.ErrNotFound
	}
	if col, ok := s.collections[collectionKey(rec.OrgID, rec.Pool)]; ok {
		_ = col.Delete(ctx, nil, nil, strconv.FormatInt(id, 10))
	}
	delete(s.memories, id)
	delete(s.entities, id)
	return nil
}

// Search ranks latest, non-superseded rows in the visible pools by
// cosine similarity against the query embedding.
func (s *Store) Search(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.MemoryRecord, error) {
	if opts == nil {
		opts = &storage.SearchOptions{}
	}
	pools := opts.Pools
	if len(pools) == 0 {
		pools = []storage.Pool{storage.PoolPrivate, storage.PoolDomain, storage.PoolGlobal}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := toFloat32(embedding)
	var matches []*storage.MemoryRecord

	for _, pool := range pools {
		col, ok := s.collections[collectionKey(opts.OrgID, pool)]
		if !ok {
			continue
		}
		n := col.Count()
		if n == 0 {
			continue
		}
		results, err := col.QueryEmbedding(ctx, query, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("Search: %w", err)
		}
		for _, res := range results {
			id, err := strconv.ParseInt(res.ID, 10, 64)
			if err != nil {
				continue
			}
			rec, ok := s.memories[id]
			if !ok || !rec.IsLatest || rec.Superseded {
				continue
			}
			if !visibleTo(rec, pool, opts) {
				continue
			}
			if float64(res.Similarity) < opts.MinSimilarity {
				continue
			}
			out := copyRecord(rec)
			out.Similarity = float64(res.Similarity)
			matches = append(matches, out)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if opts.Limit > 0 && len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return matches, nil
}

// visibleTo applies the per-pool scoping rules: private rows belong to
// one agent, domain rows to one department.
func visibleTo(rec *storage.MemoryRecord, pool storage.Pool, opts *storage.SearchOptions) bool {
	switch pool {
	case storage.PoolPrivate:
		return opts.AgentID == "" || rec.AgentID == opts.AgentID
	case storage.PoolDomain:
		return opts.Department == "" || rec.Department == opts.Department
	default:
		return true
	}
}

// ListLatest pages through latest-version rows in insertion order.
func (s *Store) ListLatest(ctx context.Context, opts *storage.ListOptions) ([]*storage.MemoryRecord, error) {
	if opts == nil {
		opts = &storage.ListOptions{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.MemoryRecord
	skipped := 0
	for _, id := range s.insertOrder {
		rec, ok := s.memories[id]
		if !ok || !rec.IsLatest {
			continue
		}
		if opts.OrgID != "" && rec.OrgID != opts.OrgID {
			continue
		}
		if opts.Pool != "" && rec.Pool != opts.Pool {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, copyRecord(rec))
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// ChainVersions returns all rows of a version chain, newest first.
func (s *Store) ChainVersions(ctx context.Context, chainID string) ([]*storage.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.chains[chainID]
	out := make([]*storage.MemoryRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.memories[id]; ok {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// InsertEntityTags attaches extracted entities to a memory.
func (s *Store) InsertEntityTags(ctx context.Context, tags []storage.EntityTag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tag := range tags {
		rec, ok := s.memories[tag.MemoryID]
		if !ok {
			return storage.ErrNotFound
		}
		s.entities[tag.MemoryID] = append(s.entities[tag.MemoryID], tag)
		key := rec.OrgID + "|" + tag.NormalizedName
		s.byEntity[key] = append(s.byEntity[key], tag.MemoryID)
	}
	return nil
}

// EntitiesFor returns the entity tags of a memory.
func (s *Store) EntitiesFor(ctx context.Context, memoryID int64) ([]storage.EntityTag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.EntityTag(nil), s.entities[memoryID]...), nil
}

// MemoriesByEntity reverse-looks-up latest memories mentioning an entity.
func (s *Store) MemoriesByEntity(ctx context.Context, orgID, normalizedName string, limit int) ([]*storage.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLatest(s.byEntity[orgID+"|"+normalizedName], limit), nil
}

// MemoriesByClaimKey returns latest memories carrying the claim key.
func (s *Store) MemoriesByClaimKey(ctx context.Context, orgID, claimKey string, limit int) ([]*storage.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLatest(s.byClaim[orgID+"|"+claimKey], limit), nil
}

// collectLatest filters an ID list down to live rows. Caller holds mu.
func (s *Store) collectLatest(ids []int64, limit int) []*storage.MemoryRecord {
	var out []*storage.MemoryRecord
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		rec, ok := s.memories[id]
		if !ok || !rec.IsLatest || rec.Superseded {
			continue
		}
		out = append(out, copyRecord(rec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// InsertRelation inserts a typed edge, deduplicating on the
// (source, target, type) triple.
func (s *Store) InsertRelation(ctx context.Context, rel *storage.Relation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := relationKey(rel.SourceID, rel.TargetID, rel.Type)
	if _, dup := s.relKeys[key]; dup {
		return false, nil
	}
	stored := *rel
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.relations[rel.ID] = &stored
	s.relKeys[key] = rel.ID
	return true, nil
}

// RelationsFor returns edges touching any given ID, in either direction.
func (s *Store) RelationsFor(ctx context.Context, ids []int64) ([]*storage.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*storage.Relation
	for _, rel := range s.relations {
		if want[rel.SourceID] || want[rel.TargetID] {
			r := *rel
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InsertConflict records a detected conflict.
func (s *Store) InsertConflict(ctx context.Context, c *storage.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *c
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = stored.CreatedAt
	s.conflicts[c.ID] = &stored
	return nil
}

// GetConflict retrieves a conflict by ID.
func (s *Store) GetConflict(ctx context.Context, id int64) (*storage.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conflicts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *c
	return &out, nil
}

// UpdateConflict writes a conflict's status, resolution and attempts.
func (s *Store) UpdateConflict(ctx context.Context, c *storage.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conflicts[c.ID]; !ok {
		return storage.ErrNotFound
	}
	stored := *c
	stored.UpdatedAt = time.Now()
	s.conflicts[c.ID] = &stored
	return nil
}

// OpenConflictsFor returns unresolved conflicts touching the given IDs.
func (s *Store) OpenConflictsFor(ctx context.Context, ids []int64) ([]*storage.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*storage.Conflict
	for _, c := range s.conflicts {
		if c.Status != storage.StatusPending && c.Status != storage.StatusArbitrationRequested {
			continue
		}
		if want[c.MemoryA] || want[c.MemoryB] {
			cc := *c
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ConflictsByStatus lists conflicts in one workflow state.
func (s *Store) ConflictsByStatus(ctx context.Context, status storage.ConflictStatus, limit int) ([]*storage.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Conflict
	for _, c := range s.conflicts {
		if c.Status == status {
			cc := *c
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateScores applies a batch of decay-recomputed scores.
func (s *Store) UpdateScores(ctx context.Context, updates []storage.ScoreUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, u := range updates {
		if rec, ok := s.memories[u.MemoryID]; ok {
			rec.CurrentScore = u.Score
			rec.ArchiveStrikes = u.ArchiveStrikes
			rec.UpdatedAt = now
		}
	}
	return nil
}

// MarkPromoted sets the promotion flag exactly once.
func (s *Store) MarkPromoted(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.memories[id]
	if !ok {
		return storage.ErrNotFound
	}
	if rec.Promoted {
		return storage.ErrAlreadyPromoted
	}
	rec.Promoted = true
	rec.UpdatedAt = time.Now()
	return nil
}

// Close releases nothing; chromem-go keeps everything in memory.
func (s *Store) Close() error {
	return nil
}
