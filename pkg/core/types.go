package core

import (
	"time"

	"github.com/awarenet/relmem-go/pkg/storage"
)

// Caller identifies the agent issuing an operation.
type Caller struct {
	// OrgID is the caller's organization. Required.
	OrgID string `json:"org_id"`

	// AgentID is the caller's agent identity. Required.
	AgentID string `json:"agent_id"`

	// Department scopes domain-pool access. Optional.
	Department string `json:"department,omitempty"`
}

// StoreRequest is a governed memory write.
type StoreRequest struct {
	// Content is the memory text. Required.
	Content string `json:"content"`

	// Pool is the target visibility tier. Defaults to private.
	// Global cannot be written directly; it is reached by promotion.
	Pool storage.Pool `json:"pool,omitempty"`

	// MemoryType classifies the memory. Defaults to semantic.
	MemoryType storage.MemoryType `json:"memory_type,omitempty"`

	// ClaimKey and ClaimValue carry an optional structured claim.
	ClaimKey   string `json:"claim_key,omitempty"`
	ClaimValue string `json:"claim_value,omitempty"`

	// Tags are free-form labels.
	Tags []string `json:"tags,omitempty"`

	// BaseScore is the initial relevance in [0,1]. Defaults to 0.5.
	BaseScore float64 `json:"base_score,omitempty"`

	// Embedding optionally supplies a precomputed vector, skipping the
	// embedding provider.
	Embedding []float64 `json:"embedding,omitempty"`
}

// StoreResult reports the outcome of a governed write.
type StoreResult struct {
	// Memory is the persisted row.
	Memory *storage.MemoryRecord `json:"memory"`

	// Entities are the extracted entity tags.
	Entities []storage.EntityTag `json:"entities,omitempty"`

	// RelationsCreated counts the graph edges inferred for this write.
	RelationsCreated int `json:"relations_created"`

	// Conflicts are the disagreements detected against existing
	// memories, already persisted in pending state.
	Conflicts []*storage.Conflict `json:"conflicts,omitempty"`
}

// RetrieveRequest is a hybrid retrieval query.
type RetrieveRequest struct {
	// Query is the query text. Required.
	Query string `json:"query"`

	// Pools restricts the search to specific tiers. Empty means the
	// caller's full read order.
	Pools []storage.Pool `json:"pools,omitempty"`

	// MaxDepth overrides the graph expansion depth (default 2).
	MaxDepth int `json:"max_depth,omitempty"`

	// ExcludeDisputed drops memories with open conflicts instead of
	// flagging them.
	ExcludeDisputed bool `json:"exclude_disputed,omitempty"`
}

// EditRequest creates a new version of an existing memory.
type EditRequest struct {
	// MemoryID is the row to edit. Required.
	MemoryID int64 `json:"memory_id"`

	// Content is the replacement text. Required.
	Content string `json:"content"`

	// ClaimValue optionally updates the structured claim.
	ClaimValue string `json:"claim_value,omitempty"`

	// Tags optionally replaces the labels.
	Tags []string `json:"tags,omitempty"`
}

// AuditAction names an audited operation.
type AuditAction string

const (
	AuditStore    AuditAction = "store"
	AuditRetrieve AuditAction = "retrieve"
	AuditEdit     AuditAction = "edit"
	AuditValidate AuditAction = "validate"
	AuditPromote  AuditAction = "promote"
	AuditResolve  AuditAction = "resolve"
)

// AuditEvent is one entry of the operation audit trail.
type AuditEvent struct {
	// Action is the operation kind.
	Action AuditAction `json:"action"`

	// Caller is the agent that issued the operation.
	Caller Caller `json:"caller"`

	// MemoryID is the affected row, when one applies.
	MemoryID int64 `json:"memory_id,omitempty"`

	// ConflictID is the resolved conflict on resolve events. External
	// ledger recorders consume it structurally.
	ConflictID int64 `json:"conflict_id,omitempty"`

	// Detail is a short free-form description.
	Detail string `json:"detail,omitempty"`

	// At is when the operation completed.
	At time.Time `json:"at"`
}
