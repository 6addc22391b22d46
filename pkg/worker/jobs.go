package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/awarenet/relmem-go/pkg/governance"
	"github.com/awarenet/relmem-go/pkg/pool"
	"github.com/awarenet/relmem-go/pkg/storage"
)

// decayBatchSize pages latest rows during a decay cycle.
const decayBatchSize = 500

// DecayJob recomputes current scores with the per-type decay profiles
// and tracks archive strikes for rows below the floor.
type DecayJob struct {
	store   storage.Store
	scoring *governance.ScoringEngine
	logger  zerolog.Logger
	now     func() time.Time
}

// NewDecayJob creates a decay job. A nil now defaults to time.Now.
func NewDecayJob(store storage.Store, scoring *governance.ScoringEngine, logger zerolog.Logger, now func() time.Time) *DecayJob {
	if now == nil {
		now = time.Now
	}
	return &DecayJob{store: store, scoring: scoring, logger: logger, now: now}
}

// Run executes one decay cycle over every latest row, in batches. A
// failed batch write is logged and the cycle moves on; the next cycle
// recomputes from the stored base scores, so a skipped batch never
// compounds.
func (j *DecayJob) Run(ctx context.Context) error {
	now := j.now()
	var failed int

	for offset := 0; ; offset += decayBatchSize {
		rows, err := j.store.ListLatest(ctx, &storage.ListOptions{Limit: decayBatchSize, Offset: offset})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		updates := make([]storage.ScoreUpdate, 0, len(rows))
		for _, mem := range rows {
			if mem.Superseded {
				continue
			}
			score := j.scoring.Score(mem, now)
			strikes := mem.ArchiveStrikes
			if j.scoring.BelowArchiveFloor(score) {
				strikes++
			} else {
				strikes = 0
			}
			updates = append(updates, storage.ScoreUpdate{
				MemoryID:       mem.ID,
				Score:          score,
				ArchiveStrikes: strikes,
			})
		}

		if err := j.store.UpdateScores(ctx, updates); err != nil {
			failed += len(updates)
			j.logger.Warn().Err(err).Int("offset", offset).Msg("decay batch write failed")
		}
		if len(rows) < decayBatchSize {
			break
		}
	}

	if failed > 0 {
		j.logger.Warn().Int("failed", failed).Msg("decay cycle finished with skipped rows")
	}
	return nil
}

// PromotionSweep promotes every eligible memory one tier up.
type PromotionSweep struct {
	store  storage.Store
	router *pool.Router
	logger zerolog.Logger
}

// NewPromotionSweep creates a promotion sweep job.
func NewPromotionSweep(store storage.Store, router *pool.Router, logger zerolog.Logger) *PromotionSweep {
	return &PromotionSweep{store: store, router: router, logger: logger}
}

// Run scans latest rows and promotes the eligible ones. Losing the
// promotion race to another worker is not an error.
func (j *PromotionSweep) Run(ctx context.Context) error {
	for offset := 0; ; offset += decayBatchSize {
		rows, err := j.store.ListLatest(ctx, &storage.ListOptions{Limit: decayBatchSize, Offset: offset})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		for _, mem := range rows {
			if !j.router.Eligible(mem) {
				continue
			}
			pointerID, err := j.router.Promote(ctx, mem.ID)
			switch {
			case err == nil:
				j.logger.Info().Int64("memory_id", mem.ID).Int64("pointer_id", pointerID).
					Str("pool", string(mem.Pool)).Msg("memory promoted")
			case errors.Is(err, storage.ErrAlreadyPromoted) || errors.Is(err, pool.ErrNotEligible):
				// Lost the race or a concurrent edit changed eligibility.
			default:
				j.logger.Warn().Err(err).Int64("memory_id", mem.ID).Msg("promotion failed")
			}
		}
		if len(rows) < decayBatchSize {
			break
		}
	}
	return nil
}

// ArbitrationDispatch advances pending conflicts through the workflow:
// low severity is auto-resolved, everything else goes to arbitration.
type ArbitrationDispatch struct {
	store    storage.Store
	resolver *governance.ConflictResolver
	logger   zerolog.Logger
	limit    int
}

// NewArbitrationDispatch creates the conflict dispatch job.
func NewArbitrationDispatch(store storage.Store, resolver *governance.ConflictResolver, logger zerolog.Logger) *ArbitrationDispatch {
	return &ArbitrationDispatch{store: store, resolver: resolver, logger: logger, limit: 100}
}

// Run drains up to the batch limit of pending conflicts.
func (j *ArbitrationDispatch) Run(ctx context.Context) error {
	pending, err := j.store.ConflictsByStatus(ctx, storage.StatusPending, j.limit)
	if err != nil {
		return err
	}

	for _, c := range pending {
		var err error
		if c.Severity == storage.SeverityLow {
			err = j.resolver.AutoResolve(ctx, c)
		} else {
			err = j.resolver.RequestArbitration(ctx, c)
		}
		if err != nil {
			j.logger.Warn().Err(err).Int64("conflict_id", c.ID).
				Str("severity", string(c.Severity)).Msg("conflict dispatch failed")
		}
	}
	return nil
}

// ArchiveSweep supersedes memories that stayed below the archive floor
// for the configured number of consecutive decay cycles.
type ArchiveSweep struct {
	store   storage.Store
	scoring *governance.ScoringEngine
	logger  zerolog.Logger
}

// NewArchiveSweep creates an archive sweep job.
func NewArchiveSweep(store storage.Store, scoring *governance.ScoringEngine, logger zerolog.Logger) *ArchiveSweep {
	return &ArchiveSweep{store: store, scoring: scoring, logger: logger}
}

// Run archives rows whose strike count reached the cycle budget.
// Archived rows keep their chain history; only the superseded flag
// changes, so they drop out of retrieval but stay auditable.
func (j *ArchiveSweep) Run(ctx context.Context) error {
	cycles := j.scoring.ArchiveCycles()

	for offset := 0; ; offset += decayBatchSize {
		rows, err := j.store.ListLatest(ctx, &storage.ListOptions{Limit: decayBatchSize, Offset: offset})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		for _, mem := range rows {
			if mem.Superseded || mem.ArchiveStrikes < cycles {
				continue
			}
			mem.Superseded = true
			if err := j.store.UpdateMemory(ctx, mem); err != nil {
				if errors.Is(err, storage.ErrVersionConflict) {
					continue
				}
				j.logger.Warn().Err(err).Int64("memory_id", mem.ID).Msg("archive write failed")
				continue
			}
			j.logger.Info().Int64("memory_id", mem.ID).Msg("memory archived")
		}
		if len(rows) < decayBatchSize {
			break
		}
	}
	return nil
}
