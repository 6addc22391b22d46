package governance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/awarenet/relmem-go/pkg/storage"
)

// Resolver errors.
var (
	// ErrIllegalTransition indicates a conflict status change the
	// workflow table does not allow.
	ErrIllegalTransition = errors.New("illegal conflict transition")

	// ErrAutoResolveForbidden indicates an auto-resolution attempt on a
	// conflict whose severity requires arbitration.
	ErrAutoResolveForbidden = errors.New("auto-resolution forbidden for this severity")
)

// transitions is the workflow table. A status change is legal only if
// it appears here; everything else is rejected with
// ErrIllegalTransition, so a critical conflict can never slip straight
// into auto_resolved.
var transitions = map[storage.ConflictStatus][]storage.ConflictStatus{
	storage.StatusPending: {
		storage.StatusAutoResolved,
		storage.StatusArbitrationRequested,
	},
	storage.StatusArbitrationRequested: {
		storage.StatusArbitrated,
		storage.StatusEscalated,
	},
}

// ValidateTransition checks a status change against the workflow table
// and the severity gate.
func ValidateTransition(c *storage.Conflict, to storage.ConflictStatus) error {
	if to == storage.StatusAutoResolved && c.Severity != storage.SeverityLow {
		return ErrAutoResolveForbidden
	}
	for _, allowed := range transitions[c.Status] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, c.Status, to)
}

// ArbitrationDecision is the outcome of external arbitration.
type ArbitrationDecision struct {
	// WinnerID is the memory whose claim stands.
	WinnerID int64

	// Rationale explains the decision.
	Rationale string
}

// Arbitrator is the external adjudication capability (an LLM judge or a
// human review queue). Implementations must respect ctx deadlines.
type Arbitrator interface {
	Arbitrate(ctx context.Context, conflict *storage.Conflict, a, b *storage.MemoryRecord) (*ArbitrationDecision, error)
}

// ResolverConfig tunes the conflict resolver.
type ResolverConfig struct {
	// MaxArbitrationAttempts bounds dispatch retries before escalation.
	MaxArbitrationAttempts int

	// ArbitrationTimeout is the per-attempt deadline.
	ArbitrationTimeout time.Duration

	// RetryBackoff is the base backoff, doubled per attempt.
	RetryBackoff time.Duration

	// ImpactFactor scales the score reduction applied to dependents of
	// an overturned memory, proportional to edge strength.
	ImpactFactor float64

	// MaxDepth and MaxNodes bound impact propagation. They share the
	// retrieval traversal budget.
	MaxDepth int
	MaxNodes int

	// UpdateRetries bounds optimistic-concurrency retries per row.
	UpdateRetries int
}

// DefaultResolverConfig returns the resolver defaults.
func DefaultResolverConfig() *ResolverConfig {
	return &ResolverConfig{
		MaxArbitrationAttempts: 3,
		ArbitrationTimeout:     30 * time.Second,
		RetryBackoff:           2 * time.Second,
		ImpactFactor:           0.5,
		MaxDepth:               2,
		MaxNodes:               200,
		UpdateRetries:          3,
	}
}

// ConflictResolver drives the conflict workflow:
//
//	pending -> auto_resolved                   (severity low only)
//	pending -> arbitration_requested -> arbitrated
//	pending -> arbitration_requested -> escalated
//
// Resolution marks the losing memory superseded (never deleted) and
// propagates impact to dependents.
type ConflictResolver struct {
	store      storage.Store
	arbitrator Arbitrator // may be nil: arbitration then always escalates
	config     *ResolverConfig
	log        zerolog.Logger
}

// NewConflictResolver creates a resolver.
func NewConflictResolver(store storage.Store, arbitrator Arbitrator, config *ResolverConfig, log zerolog.Logger) *ConflictResolver {
	if config == nil {
		config = DefaultResolverConfig()
	}
	return &ConflictResolver{store: store, arbitrator: arbitrator, config: config, log: log}
}

// AutoResolve applies the deterministic low-severity policy: the memory
// with the higher validation count wins; on a tie the most recently
// updated one wins. The loser is marked superseded.
func (r *ConflictResolver) AutoResolve(ctx context.Context, conflict *storage.Conflict) error {
	if err := ValidateTransition(conflict, storage.StatusAutoResolved); err != nil {
		return err
	}

	a, b, err := r.loadPair(ctx, conflict)
	if err != nil {
		return err
	}

	winner, loser := pickWinner(a, b)
	if err := r.supersede(ctx, loser.ID); err != nil {
		return err
	}

	conflict.Status = storage.StatusAutoResolved
	conflict.Resolution = strconv.FormatInt(winner.ID, 10)
	if err := r.store.UpdateConflict(ctx, conflict); err != nil {
		return err
	}

	r.log.Info().
		Int64("conflict_id", conflict.ID).
		Int64("winner", winner.ID).
		Int64("loser", loser.ID).
		Msg("conflict auto-resolved")

	return r.PropagateImpact(ctx, loser.ID)
}

// pickWinner implements the auto-resolution policy.
func pickWinner(a, b *storage.MemoryRecord) (winner, loser *storage.MemoryRecord) {
	switch {
	case a.ValidatedCount > b.ValidatedCount:
		return a, b
	case b.ValidatedCount > a.ValidatedCount:
		return b, a
	case a.UpdatedAt.After(b.UpdatedAt):
		return a, b
	default:
		return b, a
	}
}

// RequestArbitration dispatches the conflict to the external
// arbitration capability. Timeouts are retried with exponential
// backoff; after MaxArbitrationAttempts the conflict escalates to the
// human-review queue.
func (r *ConflictResolver) RequestArbitration(ctx context.Context, conflict *storage.Conflict) error {
	if err := ValidateTransition(conflict, storage.StatusArbitrationRequested); err != nil {
		return err
	}

	conflict.Status = storage.StatusArbitrationRequested
	if err := r.store.UpdateConflict(ctx, conflict); err != nil {
		return err
	}

	a, b, err := r.loadPair(ctx, conflict)
	if err != nil {
		return err
	}

	backoff := r.config.RetryBackoff
	for attempt := 1; attempt <= r.config.MaxArbitrationAttempts; attempt++ {
		conflict.Attempts++

		decision, err := r.arbitrateOnce(ctx, conflict, a, b)
		if err == nil {
			return r.applyDecision(ctx, conflict, decision)
		}

		r.log.Warn().
			Int64("conflict_id", conflict.ID).
			Int("attempt", attempt).
			Err(err).
			Msg("arbitration attempt failed")

		if attempt < r.config.MaxArbitrationAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}

	return r.escalate(ctx, conflict)
}

func (r *ConflictResolver) arbitrateOnce(ctx context.Context, conflict *storage.Conflict, a, b *storage.MemoryRecord) (*ArbitrationDecision, error) {
	if r.arbitrator == nil {
		return nil, errors.New("no arbitrator configured")
	}
	attemptCtx, cancel := context.WithTimeout(ctx, r.config.ArbitrationTimeout)
	defer cancel()
	return r.arbitrator.Arbitrate(attemptCtx, conflict, a, b)
}

// ApplyDecision records an externally supplied arbitration outcome
// (e.g. a human reviewer answering through the surrounding app).
func (r *ConflictResolver) ApplyDecision(ctx context.Context, conflictID int64, decision *ArbitrationDecision) error {
	conflict, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	return r.applyDecision(ctx, conflict, decision)
}

func (r *ConflictResolver) applyDecision(ctx context.Context, conflict *storage.Conflict, decision *ArbitrationDecision) error {
	if err := ValidateTransition(conflict, storage.StatusArbitrated); err != nil {
		return err
	}
	if decision.WinnerID != conflict.MemoryA && decision.WinnerID != conflict.MemoryB {
		return fmt.Errorf("decision winner %d is not part of conflict %d", decision.WinnerID, conflict.ID)
	}

	loserID := conflict.MemoryA
	if loserID == decision.WinnerID {
		loserID = conflict.MemoryB
	}
	if err := r.supersede(ctx, loserID); err != nil {
		return err
	}

	conflict.Status = storage.StatusArbitrated
	conflict.Resolution = strconv.FormatInt(decision.WinnerID, 10)
	if decision.Rationale != "" {
		conflict.Explanation = decision.Rationale
	}
	if err := r.store.UpdateConflict(ctx, conflict); err != nil {
		return err
	}

	r.log.Info().
		Int64("conflict_id", conflict.ID).
		Int64("winner", decision.WinnerID).
		Msg("conflict arbitrated")

	return r.PropagateImpact(ctx, loserID)
}

// escalate hands the conflict to the human-review queue. Fatal for this
// layer: nothing further happens until a decision comes back.
func (r *ConflictResolver) escalate(ctx context.Context, conflict *storage.Conflict) error {
	if err := ValidateTransition(conflict, storage.StatusEscalated); err != nil {
		return err
	}
	conflict.Status = storage.StatusEscalated
	if err := r.store.UpdateConflict(ctx, conflict); err != nil {
		return err
	}
	r.log.Error().
		Int64("conflict_id", conflict.ID).
		Int("attempts", conflict.Attempts).
		Msg("conflict escalated to human review")
	return nil
}

// supersede marks a memory rejected, retrying through version
// conflicts. The row is kept for provenance.
func (r *ConflictResolver) supersede(ctx context.Context, id int64) error {
	return r.updateWithRetry(ctx, id, func(mem *storage.MemoryRecord) {
		mem.Superseded = true
	})
}

// PropagateImpact walks ASSUMES/BUILDS_ON dependents of a resolved
// memory, marks each NeedsRevalidation, and reduces its score in
// proportion to the connecting edge strength.
func (r *ConflictResolver) PropagateImpact(ctx context.Context, memoryID int64) error {
	strengths, err := r.dependentStrengths(ctx, memoryID)
	if err != nil {
		return err
	}

	for depID, strength := range strengths {
		factor := 1.0 - r.config.ImpactFactor*strength
		err := r.updateWithRetry(ctx, depID, func(mem *storage.MemoryRecord) {
			mem.NeedsRevalidation = true
			mem.CurrentScore *= factor
		})
		if err != nil {
			// Partial-failure semantics: one bad dependent must not
			// block the rest.
			r.log.Warn().Int64("memory_id", depID).Err(err).Msg("impact propagation skipped dependent")
		}
	}
	return nil
}

// dependentStrengths BFS-walks dependents under the shared traversal
// budget, remembering the strongest edge that connected each dependent.
func (r *ConflictResolver) dependentStrengths(ctx context.Context, rootID int64) (map[int64]float64, error) {
	visited := map[int64]bool{rootID: true}
	strengths := make(map[int64]float64)
	frontier := []int64{rootID}

	for depth := 0; depth < r.config.MaxDepth && len(frontier) > 0; depth++ {
		relations, err := r.store.RelationsFor(ctx, frontier)
		if err != nil {
			return nil, err
		}
		targets := make(map[int64]bool, len(frontier))
		for _, id := range frontier {
			targets[id] = true
		}

		var next []int64
		for _, rel := range relations {
			if rel.Type != storage.RelationAssumes && rel.Type != storage.RelationBuildsOn {
				continue
			}
			if !targets[rel.TargetID] {
				continue
			}
			if s, seen := strengths[rel.SourceID]; !seen || rel.Strength > s {
				strengths[rel.SourceID] = rel.Strength
			}
			if visited[rel.SourceID] {
				continue
			}
			visited[rel.SourceID] = true
			next = append(next, rel.SourceID)
			if len(strengths) >= r.config.MaxNodes {
				return strengths, nil
			}
		}
		frontier = next
	}
	return strengths, nil
}

// updateWithRetry applies a mutation under the optimistic version
// check, re-reading and retrying on ErrVersionConflict.
func (r *ConflictResolver) updateWithRetry(ctx context.Context, id int64, mutate func(*storage.MemoryRecord)) error {
	var lastErr error
	for attempt := 0; attempt <= r.config.UpdateRetries; attempt++ {
		mem, err := r.store.GetMemory(ctx, id)
		if err != nil {
			return err
		}
		mutate(mem)
		err = r.store.UpdateMemory(ctx, mem)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// loadPair fetches both sides of a conflict.
func (r *ConflictResolver) loadPair(ctx context.Context, conflict *storage.Conflict) (*storage.MemoryRecord, *storage.MemoryRecord, error) {
	a, err := r.store.GetMemory(ctx, conflict.MemoryA)
	if err != nil {
		return nil, nil, fmt.Errorf("load conflict side A: %w", err)
	}
	b, err := r.store.GetMemory(ctx, conflict.MemoryB)
	if err != nil {
		return nil, nil, fmt.Errorf("load conflict side B: %w", err)
	}
	return a, b, nil
}
