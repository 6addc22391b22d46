// Package governance implements the memory governance layer: relevance
// scoring with per-type decay, entity extraction, relation building,
// and conflict detection/resolution.
package governance

import (
	"math"
	"time"

	"github.com/awarenet/relmem-go/pkg/storage"
)

// QualityTier buckets a score for ranking and display.
type QualityTier string

const (
	TierPlatinum QualityTier = "platinum"
	TierGold     QualityTier = "gold"
	TierSilver   QualityTier = "silver"
	TierBronze   QualityTier = "bronze"
)

// DecayProfile fixes the decay behavior of one memory type.
type DecayProfile struct {
	// Lambda is the exponential decay rate per day.
	Lambda float64

	// DefaultPool is the tier a memory of this type lands in when the
	// writer does not pick one.
	DefaultPool storage.Pool
}

// defaultDecayTable maps each memory type to its decay profile.
// Episodic memories fade fastest, procedural slowest.
var defaultDecayTable = map[storage.MemoryType]DecayProfile{
	storage.TypeEpisodic:   {Lambda: 0.05, DefaultPool: storage.PoolPrivate},
	storage.TypeSemantic:   {Lambda: 0.02, DefaultPool: storage.PoolDomain},
	storage.TypeStrategic:  {Lambda: 0.01, DefaultPool: storage.PoolDomain},
	storage.TypeProcedural: {Lambda: 0.005, DefaultPool: storage.PoolGlobal},
}

// ScoringConfig contains configuration for the scoring engine.
type ScoringConfig struct {
	// DecayTable overrides per-type decay profiles (nil uses defaults).
	DecayTable map[storage.MemoryType]DecayProfile

	// UsageBonusFactor scales the logarithmic validation bonus.
	UsageBonusFactor float64

	// UsageBonusCap bounds the validation bonus.
	UsageBonusCap float64

	// ReinforcementFactor determines how much a memory's base score is
	// strengthened when the memory is validated.
	ReinforcementFactor float64

	// PlatinumThreshold, GoldThreshold and SilverThreshold map scores
	// to quality tiers; anything below silver is bronze.
	PlatinumThreshold float64
	GoldThreshold     float64
	SilverThreshold   float64

	// ArchiveFloor is the score below which a memory becomes an
	// archive candidate.
	ArchiveFloor float64

	// ArchiveCycles is how many consecutive decay cycles a memory must
	// stay below the floor before it is archived.
	ArchiveCycles int
}

// DefaultScoringConfig returns the scoring defaults.
func DefaultScoringConfig() *ScoringConfig {
	return &ScoringConfig{
		UsageBonusFactor:    0.05,
		UsageBonusCap:       0.3,
		ReinforcementFactor: 0.3,
		PlatinumThreshold:   0.9,
		GoldThreshold:       0.7,
		SilverThreshold:     0.5,
		ArchiveFloor:        0.1,
		ArchiveCycles:       3,
	}
}

// ReputationFunc supplies a per-agent reputation weight added to the
// score. The default returns 0 for every agent.
type ReputationFunc func(agentID string) float64

// ScoringEngine computes a memory's current relevance score.
//
// Score is a pure function of the memory and the clock:
//
//	score = baseScore * e^(-lambda * days) + usageBonus + reputation
//
// where days is time elapsed since last access (or creation), lambda
// is fixed per memory type, and usageBonus grows logarithmically with
// the validation count. The decay worker persists the recomputed value;
// nothing here has side effects.
type ScoringEngine struct {
	config     *ScoringConfig
	decayTable map[storage.MemoryType]DecayProfile
	reputation ReputationFunc
}

// NewScoringEngine creates a scoring engine.
//
// Parameters:
//   - config: Scoring configuration (nil uses defaults)
//   - reputation: Per-agent reputation lookup (nil means no weight)
func NewScoringEngine(config *ScoringConfig, reputation ReputationFunc) *ScoringEngine {
	if config == nil {
		config = DefaultScoringConfig()
	}
	table := config.DecayTable
	if table == nil {
		table = defaultDecayTable
	}
	if reputation == nil {
		reputation = func(string) float64 { return 0 }
	}
	return &ScoringEngine{config: config, decayTable: table, reputation: reputation}
}

// Profile returns the decay profile for a memory type. Unknown types
// fall back to the semantic profile.
func (e *ScoringEngine) Profile(t storage.MemoryType) DecayProfile {
	if p, ok := e.decayTable[t]; ok {
		return p
	}
	return e.decayTable[storage.TypeSemantic]
}

// Score computes the current relevance score of a memory at the given
// instant. Deterministic for a fixed (memory, now) pair.
func (e *ScoringEngine) Score(mem *storage.MemoryRecord, now time.Time) float64 {
	anchor := mem.CreatedAt
	if mem.LastAccessedAt != nil && mem.LastAccessedAt.After(anchor) {
		anchor = *mem.LastAccessedAt
	}
	days := now.Sub(anchor).Hours() / 24.0
	if days < 0 {
		days = 0
	}

	lambda := e.Profile(mem.MemoryType).Lambda
	decayed := mem.BaseScore * math.Exp(-lambda*days)

	return decayed + e.UsageBonus(mem.ValidatedCount) + e.reputation(mem.AgentID)
}

// UsageBonus is the capped logarithmic bonus for validations.
func (e *ScoringEngine) UsageBonus(validatedCount int) float64 {
	if validatedCount <= 0 {
		return 0
	}
	bonus := e.config.UsageBonusFactor * math.Log1p(float64(validatedCount))
	if bonus > e.config.UsageBonusCap {
		return e.config.UsageBonusCap
	}
	return bonus
}

// Reinforce strengthens a base score when the memory is validated.
// Weak memories gain more than strong ones; the result is capped at 1.
func (e *ScoringEngine) Reinforce(baseScore float64) float64 {
	reinforced := baseScore + e.config.ReinforcementFactor*(1.0-baseScore)
	if reinforced > 1.0 {
		return 1.0
	}
	return reinforced
}

// ClassifyQualityTier maps a score to a quality tier.
func (e *ScoringEngine) ClassifyQualityTier(score float64) QualityTier {
	switch {
	case score >= e.config.PlatinumThreshold:
		return TierPlatinum
	case score >= e.config.GoldThreshold:
		return TierGold
	case score >= e.config.SilverThreshold:
		return TierSilver
	default:
		return TierBronze
	}
}

// BelowArchiveFloor reports whether a score is under the archive floor.
func (e *ScoringEngine) BelowArchiveFloor(score float64) bool {
	return score < e.config.ArchiveFloor
}

// ArchiveCycles returns the configured number of consecutive
// below-floor decay cycles required before archival.
func (e *ScoringEngine) ArchiveCycles() int {
	return e.config.ArchiveCycles
}
