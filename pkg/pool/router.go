// Package pool enforces the Private -> Domain -> Global visibility
// tiers: read-order resolution per caller, write-access checks, and
// validated-memory promotion into wider pools.
package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/awarenet/relmem-go/pkg/storage"
)

// ErrNotEligible indicates a promotion attempt on a memory that does
// not meet the validation or score requirements.
var ErrNotEligible = errors.New("memory not eligible for promotion")

// Caller identifies the agent issuing a read or write.
type Caller struct {
	// OrgID is the caller's organization. Required.
	OrgID string

	// AgentID is the caller's agent identity.
	AgentID string

	// Department is the caller's department, scoping Domain-pool
	// access. Empty means no department membership.
	Department string
}

// Config tunes promotion eligibility.
type Config struct {
	// ValidationThreshold is the minimum validated count.
	ValidationThreshold int

	// ScoreFloor is the minimum current score.
	ScoreFloor float64
}

// DefaultConfig returns the promotion defaults.
func DefaultConfig() *Config {
	return &Config{
		ValidationThreshold: 3,
		ScoreFloor:          0.6,
	}
}

// Router enforces pool visibility and drives promotion.
type Router struct {
	store  storage.Store
	config *Config
	nextID func() int64
}

// NewRouter creates a pool router.
func NewRouter(store storage.Store, config *Config, nextID func() int64) *Router {
	if config == nil {
		config = DefaultConfig()
	}
	return &Router{store: store, config: config, nextID: nextID}
}

// VisiblePools returns the caller's read order. Private always comes
// first and Global last; Domain requires department membership.
func (r *Router) VisiblePools(caller *Caller) []storage.Pool {
	pools := []storage.Pool{storage.PoolPrivate}
	if caller.Department != "" {
		pools = append(pools, storage.PoolDomain)
	}
	return append(pools, storage.PoolGlobal)
}

// CanWrite reports whether the caller may write into a pool. Private is
// always writable; Domain requires department membership; Global is
// reached only through promotion, never by direct writes.
func (r *Router) CanWrite(caller *Caller, pool storage.Pool) bool {
	switch pool {
	case storage.PoolPrivate:
		return true
	case storage.PoolDomain:
		return caller.Department != ""
	default:
		return false
	}
}

// widerPool maps each tier to the next one up.
func widerPool(p storage.Pool) (storage.Pool, bool) {
	switch p {
	case storage.PoolPrivate:
		return storage.PoolDomain, true
	case storage.PoolDomain:
		return storage.PoolGlobal, true
	default:
		return "", false
	}
}

// Promote widens a memory's visibility by one tier.
//
// Eligibility: validatedCount at or above the threshold and current
// score at or above the floor. The original row is untouched; promotion
// appends a new pool-scoped pointer row carrying PromotedFrom for
// provenance. The promotion flag is set by compare-and-swap before the
// pointer is written, so concurrent workers promote at most once: the
// loser gets storage.ErrAlreadyPromoted and no second pointer appears.
func (r *Router) Promote(ctx context.Context, memoryID int64) (int64, error) {
	mem, err := r.store.GetMemory(ctx, memoryID)
	if err != nil {
		return 0, err
	}

	if !mem.IsLatest || mem.Superseded {
		return 0, fmt.Errorf("%w: not a live memory", ErrNotEligible)
	}
	target, ok := widerPool(mem.Pool)
	if !ok {
		return 0, fmt.Errorf("%w: already global", ErrNotEligible)
	}
	if mem.ValidatedCount < r.config.ValidationThreshold {
		return 0, fmt.Errorf("%w: validated %d < %d", ErrNotEligible, mem.ValidatedCount, r.config.ValidationThreshold)
	}
	if mem.CurrentScore < r.config.ScoreFloor {
		return 0, fmt.Errorf("%w: score %.3f < %.3f", ErrNotEligible, mem.CurrentScore, r.config.ScoreFloor)
	}

	// CAS first: whoever flips the flag owns pointer creation.
	if err := r.store.MarkPromoted(ctx, memoryID); err != nil {
		return 0, err
	}

	pointer := &storage.MemoryRecord{
		ID:             r.nextID(),
		OrgID:          mem.OrgID,
		Pool:           target,
		Department:     mem.Department,
		AgentID:        mem.AgentID,
		Content:        mem.Content,
		Embedding:      mem.Embedding,
		MemoryType:     mem.MemoryType,
		ClaimKey:       mem.ClaimKey,
		ClaimValue:     mem.ClaimValue,
		Tags:           mem.Tags,
		BaseScore:      mem.BaseScore,
		CurrentScore:   mem.CurrentScore,
		ValidatedCount: mem.ValidatedCount,
		Version:        1,
		ChainID:        uuid.NewString(),
		IsLatest:       true,
		PromotedFrom:   mem.ID,
	}
	if err := r.store.InsertMemory(ctx, pointer); err != nil {
		return 0, err
	}
	return pointer.ID, nil
}

// Eligible reports whether a memory currently meets the promotion
// requirements, without promoting it. Used by the promotion sweep.
func (r *Router) Eligible(mem *storage.MemoryRecord) bool {
	if !mem.IsLatest || mem.Superseded || mem.Promoted {
		return false
	}
	if _, ok := widerPool(mem.Pool); !ok {
		return false
	}
	return mem.ValidatedCount >= r.config.ValidationThreshold &&
		mem.CurrentScore >= r.config.ScoreFloor
}
