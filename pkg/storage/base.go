// Package storage defines the persistence contract for the relational
// memory core.
//
// It declares the Store interface that all backends must satisfy, along
// with the record types shared by every layer: memory entries, entity
// tags, typed relations between memories, and conflicts. Backends are
// provided for SQLite, PostgreSQL (pgvector), MySQL, and an embedded
// in-process store backed by chromem-go.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound indicates that a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict indicates that an optimistic version check
	// failed: another writer updated the row since it was read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrAlreadyPromoted indicates that the promotion flag was already
	// set by a concurrent worker.
	ErrAlreadyPromoted = errors.New("memory already promoted")
)

// Pool is a visibility tier controlling which agents may read a memory.
//
// Reads resolve in Private -> Domain -> Global order.
type Pool string

const (
	// PoolPrivate makes the memory visible only to the owning agent.
	PoolPrivate Pool = "private"

	// PoolDomain makes the memory visible to all agents in the owning
	// department.
	PoolDomain Pool = "domain"

	// PoolGlobal makes the memory visible to every agent in the org.
	PoolGlobal Pool = "global"
)

// MemoryType classifies a memory and fixes its decay rate.
type MemoryType string

const (
	// TypeEpisodic is a record of a specific event. Fastest decay.
	TypeEpisodic MemoryType = "episodic"

	// TypeSemantic is a general fact or claim about the world.
	TypeSemantic MemoryType = "semantic"

	// TypeStrategic is a plan or decision rationale.
	TypeStrategic MemoryType = "strategic"

	// TypeProcedural is a how-to. Slowest decay.
	TypeProcedural MemoryType = "procedural"
)

// RelationType is the type of a directed edge between two memories.
type RelationType string

const (
	// RelationCauses marks the source as a cause of the target.
	RelationCauses RelationType = "CAUSES"

	// RelationSupports marks the source as corroborating the target.
	RelationSupports RelationType = "SUPPORTS"

	// RelationContradicts marks the source as disagreeing with the target.
	RelationContradicts RelationType = "CONTRADICTS"

	// RelationAssumes marks the source as depending on the target being true.
	RelationAssumes RelationType = "ASSUMES"

	// RelationBuildsOn marks the source as extending the target.
	RelationBuildsOn RelationType = "BUILDS_ON"
)

// ConflictType classifies how two memories disagree.
type ConflictType string

const (
	// ConflictClaimMismatch means both memories carry the same claimKey
	// with different claimValues.
	ConflictClaimMismatch ConflictType = "claim_value_mismatch"

	// ConflictSemanticContradiction means the memories are topically
	// similar but polarity-opposed.
	ConflictSemanticContradiction ConflictType = "semantic_contradiction"
)

// Severity grades a conflict. Severity gates which resolution paths are
// legal: only low-severity conflicts may be auto-resolved.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ConflictStatus is the workflow state of a conflict.
type ConflictStatus string

const (
	// StatusPending means the conflict is detected but unresolved.
	StatusPending ConflictStatus = "pending"

	// StatusAutoResolved means a deterministic policy resolved it.
	StatusAutoResolved ConflictStatus = "auto_resolved"

	// StatusArbitrationRequested means the conflict was dispatched to
	// an external arbitration capability.
	StatusArbitrationRequested ConflictStatus = "arbitration_requested"

	// StatusArbitrated means arbitration returned a decision.
	StatusArbitrated ConflictStatus = "arbitrated"

	// StatusEscalated means arbitration failed and the conflict was
	// handed to a human-review queue.
	StatusEscalated ConflictStatus = "escalated"
)

// MemoryRecord is a single versioned memory row.
//
// Version chains: all versions of one logical memory share a ChainID,
// and exactly one row per chain has IsLatest=true. CurrentScore is
// recomputed by the scoring engine; agents never write it directly.
type MemoryRecord struct {
	// ID is the unique identifier of this row (snowflake).
	ID int64

	// OrgID identifies the organization that owns the memory.
	OrgID string

	// Pool is the visibility tier of the memory.
	Pool Pool

	// Department scopes PoolDomain visibility.
	Department string

	// AgentID identifies the agent that wrote the memory.
	AgentID string

	// Content is the text content of the memory.
	Content string

	// Embedding is the vector representation for similarity search.
	Embedding []float64

	// MemoryType classifies the memory and fixes its decay rate.
	MemoryType MemoryType

	// ClaimKey and ClaimValue carry an optional structured claim.
	// ClaimValue without ClaimKey is a validation error upstream.
	ClaimKey   string
	ClaimValue string

	// Tags are free-form labels attached by the writer.
	Tags []string

	// BaseScore is the writer-assigned initial relevance.
	BaseScore float64

	// CurrentScore is the decayed score, maintained by the decay worker.
	CurrentScore float64

	// ValidatedCount is the number of independent validations.
	ValidatedCount int

	// Version is the optimistic concurrency counter for this row.
	Version int

	// ChainID groups all versions of one logical memory.
	ChainID string

	// ParentVersionID is the row this version was edited from (0 for v1).
	ParentVersionID int64

	// IsLatest marks the live row of the version chain.
	IsLatest bool

	// Promoted is set at most once when the memory gains a wider-pool
	// pointer. Guarded by compare-and-swap in the store.
	Promoted bool

	// PromotedFrom is the source row ID when this row is a pool-scoped
	// promotion pointer (0 otherwise).
	PromotedFrom int64

	// Superseded is set when conflict resolution rejected this memory.
	Superseded bool

	// NeedsRevalidation is set by impact propagation when a memory this
	// one depends on was overturned.
	NeedsRevalidation bool

	// ArchiveStrikes counts consecutive decay cycles the score stayed
	// below the archive floor. Reset to zero when the score recovers.
	ArchiveStrikes int

	// CreatedAt is when the row was created.
	CreatedAt time.Time

	// UpdatedAt is when the row was last written.
	UpdatedAt time.Time

	// LastAccessedAt is when the memory last served a read (nil if never).
	LastAccessedAt *time.Time

	// Similarity is the query similarity filled in by Search.
	// Not persisted.
	Similarity float64
}

// EntityTag links an extracted entity to a memory for reverse lookup.
type EntityTag struct {
	// MemoryID is the tagged memory.
	MemoryID int64

	// EntityText is the surface form as it appeared in the content.
	EntityText string

	// NormalizedName is the canonical lookup key.
	NormalizedName string

	// Type is the entity class (person, system, component, value, ...).
	Type string

	// Confidence is the extractor's confidence in [0,1].
	Confidence float64
}

// Relation is a typed directed edge between two memories.
//
// The (SourceID, TargetID, Type) triple is unique; inserting a
// duplicate is a no-op.
type Relation struct {
	// ID is the unique identifier of the edge (snowflake).
	ID int64

	// SourceID and TargetID are the connected memory rows.
	SourceID int64
	TargetID int64

	// Type is the relation type.
	Type RelationType

	// Strength is the edge weight in [0,1].
	Strength float64

	// CreatedAt is when the edge was inserted.
	CreatedAt time.Time
}

// Conflict is a detected disagreement between two memories.
type Conflict struct {
	// ID is the unique identifier of the conflict (snowflake).
	ID int64

	// MemoryA and MemoryB are the disagreeing memory rows.
	MemoryA int64
	MemoryB int64

	// Type classifies the disagreement.
	Type ConflictType

	// Severity grades the conflict and gates resolution paths.
	Severity Severity

	// Status is the workflow state.
	Status ConflictStatus

	// Resolution records the outcome (winning memory ID or decision).
	Resolution string

	// Explanation is a human-readable account of the disagreement.
	Explanation string

	// Attempts counts arbitration dispatch attempts.
	Attempts int

	// CreatedAt and UpdatedAt bracket the conflict lifecycle.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScoreUpdate is one entry of a batched decay write.
type ScoreUpdate struct {
	// MemoryID is the row to update.
	MemoryID int64

	// Score is the recomputed current score.
	Score float64

	// ArchiveStrikes is the updated below-floor cycle count.
	ArchiveStrikes int
}

// SearchOptions narrows a vector similarity search.
//
// Search only considers rows with IsLatest=true and Superseded=false.
type SearchOptions struct {
	// OrgID restricts the search to one organization. Required.
	OrgID string

	// Pools restricts results to the given visibility tiers, in the
	// caller's read order. Empty means all pools.
	Pools []Pool

	// Department scopes PoolDomain rows.
	Department string

	// AgentID scopes PoolPrivate rows.
	AgentID string

	// Limit caps the number of results.
	Limit int

	// MinSimilarity drops results below the threshold.
	MinSimilarity float64
}

// ListOptions pages through latest-version rows for batch jobs.
type ListOptions struct {
	// OrgID restricts the listing to one organization. Empty means all.
	OrgID string

	// Pool restricts the listing to one tier. Empty means all pools.
	Pool Pool

	// Limit and Offset page the listing in insertion order.
	Limit  int
	Offset int
}

// Store is the persistence contract for the relational memory core.
//
// All implementations must preserve the data-model invariants: one
// IsLatest=true row per chain, no duplicate relation triples, and
// CAS semantics for version updates and promotion flags.
type Store interface {
	// InsertMemory inserts a new memory row.
	InsertMemory(ctx context.Context, mem *MemoryRecord) error

	// GetMemory retrieves a memory row by ID.
	// Returns ErrNotFound if no such row exists.
	GetMemory(ctx context.Context, id int64) (*MemoryRecord, error)

	// GetMemories retrieves a batch of memory rows by ID. Missing IDs
	// are skipped, not errors.
	GetMemories(ctx context.Context, ids []int64) ([]*MemoryRecord, error)

	// UpdateMemory writes a memory row guarded by an optimistic version
	// check: the write succeeds only if the stored Version equals
	// mem.Version, and increments it. Returns ErrVersionConflict when
	// a concurrent writer got there first.
	UpdateMemory(ctx context.Context, mem *MemoryRecord) error

	// DeleteMemory removes a memory row (archival).
	DeleteMemory(ctx context.Context, id int64) error

	// Search performs a vector similarity search over the latest,
	// non-superseded rows visible under opts.
	Search(ctx context.Context, embedding []float64, opts *SearchOptions) ([]*MemoryRecord, error)

	// ListLatest pages through latest-version rows for batch workers.
	ListLatest(ctx context.Context, opts *ListOptions) ([]*MemoryRecord, error)

	// ChainVersions returns all rows of a version chain, newest first.
	ChainVersions(ctx context.Context, chainID string) ([]*MemoryRecord, error)

	// InsertEntityTags attaches extracted entities to a memory.
	InsertEntityTags(ctx context.Context, tags []EntityTag) error

	// EntitiesFor returns the entity tags of a memory.
	EntitiesFor(ctx context.Context, memoryID int64) ([]EntityTag, error)

	// MemoriesByEntity reverse-looks-up latest memories mentioning the
	// normalized entity within one org.
	MemoriesByEntity(ctx context.Context, orgID, normalizedName string, limit int) ([]*MemoryRecord, error)

	// MemoriesByClaimKey returns latest memories carrying the claim key
	// within one org.
	MemoriesByClaimKey(ctx context.Context, orgID, claimKey string, limit int) ([]*MemoryRecord, error)

	// InsertRelation inserts a typed edge. Returns false if the
	// (source, target, type) triple already exists.
	InsertRelation(ctx context.Context, rel *Relation) (bool, error)

	// RelationsFor returns all edges touching any of the given memory
	// IDs, in either direction. Batched to support bounded BFS.
	RelationsFor(ctx context.Context, ids []int64) ([]*Relation, error)

	// InsertConflict records a detected conflict.
	InsertConflict(ctx context.Context, c *Conflict) error

	// GetConflict retrieves a conflict by ID.
	// Returns ErrNotFound if no such conflict exists.
	GetConflict(ctx context.Context, id int64) (*Conflict, error)

	// UpdateConflict writes a conflict's status, resolution and attempts.
	UpdateConflict(ctx context.Context, c *Conflict) error

	// OpenConflictsFor returns unresolved conflicts (pending or
	// arbitration_requested) touching any of the given memory IDs.
	OpenConflictsFor(ctx context.Context, ids []int64) ([]*Conflict, error)

	// ConflictsByStatus lists conflicts in one workflow state.
	ConflictsByStatus(ctx context.Context, status ConflictStatus, limit int) ([]*Conflict, error)

	// UpdateScores applies a batch of decay-recomputed scores.
	// A missing row is skipped, not an error.
	UpdateScores(ctx context.Context, updates []ScoreUpdate) error

	// MarkPromoted sets the promotion flag if and only if it is unset.
	// Returns ErrAlreadyPromoted when the flag was already set, which
	// makes promotion at-most-once under concurrent workers.
	MarkPromoted(ctx context.Context, id int64) error

	// Close releases backend resources.
	Close() error
}
