package governance

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/awarenet/relmem-go/pkg/llm"
	"github.com/awarenet/relmem-go/pkg/storage"
)

// IDFunc supplies unique IDs for new rows (snowflake in production).
type IDFunc func() int64

// RelationBuilder links a new memory to existing memories that share an
// entity or a claim key, inserting typed, deduplicated edges.
//
// Relation types come from a co-occurrence heuristic, optionally
// refined by a classifier capability. Re-running the builder for the
// same memory inserts nothing new: edge identity is the
// (source, target, type) triple, enforced by the store.
type RelationBuilder struct {
	store     storage.Store
	llm       llm.Provider // optional classifier, may be nil
	nextID    IDFunc
	batchSize int
}

// NewRelationBuilder creates a relation builder.
//
// Parameters:
//   - store: Persistence backend
//   - provider: Optional classifier for relation-type judgment (nil
//     keeps the deterministic heuristic)
//   - nextID: ID generator for new edges
func NewRelationBuilder(store storage.Store, provider llm.Provider, nextID IDFunc) *RelationBuilder {
	return &RelationBuilder{
		store:     store,
		llm:       provider,
		nextID:    nextID,
		batchSize: 50,
	}
}

// causalMarkers signal a cause/effect statement in the new memory.
var causalMarkers = []string{
	"because", "caused", "causes", "led to", "leads to",
	"resulted in", "results in", "due to", "therefore",
}

// BuildRelations connects mem to overlapping existing memories and
// returns the number of edges actually created. Safe to re-run.
func (b *RelationBuilder) BuildRelations(ctx context.Context, mem *storage.MemoryRecord, entities []Entity) (int, error) {
	candidates, err := b.collectCandidates(ctx, mem, entities)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	entitySet := make(map[string]bool, len(entities))
	for _, ent := range entities {
		entitySet[ent.NormalizedName] = true
	}

	created := 0
	for _, cand := range candidates {
		rel := b.inferRelation(ctx, mem, cand, entitySet)
		if rel == nil {
			continue
		}
		inserted, err := b.store.InsertRelation(ctx, rel)
		if err != nil {
			return created, err
		}
		if inserted {
			created++
		}
	}
	return created, nil
}

// collectCandidates unions entity-overlap and claim-key-overlap
// lookups, excluding the memory itself and its own version chain.
func (b *RelationBuilder) collectCandidates(ctx context.Context, mem *storage.MemoryRecord, entities []Entity) ([]*storage.MemoryRecord, error) {
	seen := make(map[int64]bool)
	var out []*storage.MemoryRecord

	add := func(recs []*storage.MemoryRecord) {
		for _, rec := range recs {
			if rec.ID == mem.ID || rec.ChainID == mem.ChainID || seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			out = append(out, rec)
		}
	}

	for _, ent := range entities {
		recs, err := b.store.MemoriesByEntity(ctx, mem.OrgID, ent.NormalizedName, b.batchSize)
		if err != nil {
			return nil, err
		}
		add(recs)
	}
	if mem.ClaimKey != "" {
		recs, err := b.store.MemoriesByClaimKey(ctx, mem.OrgID, mem.ClaimKey, b.batchSize)
		if err != nil {
			return nil, err
		}
		add(recs)
	}
	return out, nil
}

// inferRelation decides the edge between the new memory and one
// candidate. Claim comparison dominates; causal markers in the new
// content produce a CAUSES edge from the earlier memory to the newer
// one; bare entity overlap yields BUILDS_ON weighted by overlap.
func (b *RelationBuilder) inferRelation(ctx context.Context, mem, cand *storage.MemoryRecord, entitySet map[string]bool) *storage.Relation {
	// Claim rules first: they are exact.
	if mem.ClaimKey != "" && mem.ClaimKey == cand.ClaimKey {
		typ := storage.RelationSupports
		if mem.ClaimValue != cand.ClaimValue {
			typ = storage.RelationContradicts
		}
		return &storage.Relation{
			ID:       b.nextID(),
			SourceID: mem.ID,
			TargetID: cand.ID,
			Type:     typ,
			Strength: 0.9,
		}
	}

	if typ, strength, ok := b.classifyRelation(ctx, mem, cand); ok {
		return &storage.Relation{
			ID:       b.nextID(),
			SourceID: mem.ID,
			TargetID: cand.ID,
			Type:     typ,
			Strength: strength,
		}
	}

	lower := strings.ToLower(mem.Content)
	for _, marker := range causalMarkers {
		if strings.Contains(lower, marker) {
			return &storage.Relation{
				ID:       b.nextID(),
				SourceID: cand.ID,
				TargetID: mem.ID,
				Type:     storage.RelationCauses,
				Strength: 0.7,
			}
		}
	}

	overlap := entityOverlap(entitySet, cand)
	if overlap == 0 {
		return nil
	}
	return &storage.Relation{
		ID:       b.nextID(),
		SourceID: mem.ID,
		TargetID: cand.ID,
		Type:     storage.RelationBuildsOn,
		Strength: overlap,
	}
}

// entityOverlap estimates edge strength from shared vocabulary between
// the new memory's entity set and the candidate content.
func entityOverlap(entitySet map[string]bool, cand *storage.MemoryRecord) float64 {
	if len(entitySet) == 0 {
		return 0
	}
	content := NormalizeEntity(cand.Content)
	shared := 0
	for name := range entitySet {
		if strings.Contains(content, name) {
			shared++
		}
	}
	if shared == 0 {
		return 0
	}
	strength := 0.3 + 0.1*float64(shared)
	if strength > 0.6 {
		strength = 0.6
	}
	return strength
}

const relationPrompt = `Two memories from the same knowledge base are given.
Decide how memory A relates to memory B.
Respond with ONLY a JSON object: {"relation_type": "...", "strength": 0.0-1.0}
relation_type must be one of: CAUSES, SUPPORTS, CONTRADICTS, ASSUMES, BUILDS_ON, NONE.

Memory A: %A%
Memory B: %B%`

// classifyRelation asks the optional classifier for a judgment.
// Malformed or out-of-enum output falls back to the heuristic.
func (b *RelationBuilder) classifyRelation(ctx context.Context, mem, cand *storage.MemoryRecord) (storage.RelationType, float64, bool) {
	if b.llm == nil {
		return "", 0, false
	}

	prompt := strings.NewReplacer("%A%", mem.Content, "%B%", cand.Content).Replace(relationPrompt)
	raw, err := b.llm.Generate(ctx, prompt, llm.WithTemperature(0))
	if err != nil {
		return "", 0, false
	}

	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return "", 0, false
	}

	var parsed struct {
		RelationType string  `json:"relation_type"`
		Strength     float64 `json:"strength"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return "", 0, false
	}

	switch storage.RelationType(parsed.RelationType) {
	case storage.RelationCauses, storage.RelationSupports, storage.RelationContradicts,
		storage.RelationAssumes, storage.RelationBuildsOn:
	default:
		return "", 0, false
	}
	if parsed.Strength <= 0 || parsed.Strength > 1 {
		return "", 0, false
	}
	return storage.RelationType(parsed.RelationType), parsed.Strength, true
}
