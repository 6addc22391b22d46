package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/awarenet/relmem-go/pkg/llm"
	"github.com/awarenet/relmem-go/pkg/storage"
)

// DetectorConfig tunes conflict detection.
type DetectorConfig struct {
	// TopicThreshold is the minimum similarity for two memories to be
	// considered topically overlapping.
	TopicThreshold float64

	// HighValidationFloor is the validation count at which both sides
	// being well-validated raises severity.
	HighValidationFloor int

	// CriticalFanout is the dependent count at which a conflict is
	// graded critical.
	CriticalFanout int

	// MaxDepth and MaxNodes bound the dependent scan. They share the
	// retrieval traversal budget.
	MaxDepth int
	MaxNodes int
}

// DefaultDetectorConfig returns the detection defaults.
func DefaultDetectorConfig() *DetectorConfig {
	return &DetectorConfig{
		TopicThreshold:      0.75,
		HighValidationFloor: 3,
		CriticalFanout:      5,
		MaxDepth:            2,
		MaxNodes:            200,
	}
}

// ConflictDetector compares a new memory against overlapping-scope
// candidates and flags claim mismatches and semantic contradictions.
type ConflictDetector struct {
	store  storage.Store
	llm    llm.Provider // optional, may be nil
	config *DetectorConfig
	nextID IDFunc
}

// NewConflictDetector creates a detector.
func NewConflictDetector(store storage.Store, provider llm.Provider, config *DetectorConfig, nextID IDFunc) *ConflictDetector {
	if config == nil {
		config = DefaultDetectorConfig()
	}
	return &ConflictDetector{store: store, llm: provider, config: config, nextID: nextID}
}

// Detect flags conflicts between mem and the candidate set. Candidates
// typically come from the same similarity search that feeds the
// relation builder; their Similarity field is used for the topical
// test. Returned conflicts are not yet persisted.
func (d *ConflictDetector) Detect(ctx context.Context, mem *storage.MemoryRecord, candidates []*storage.MemoryRecord) ([]*storage.Conflict, error) {
	var out []*storage.Conflict
	for _, cand := range candidates {
		if cand.ID == mem.ID || cand.ChainID == mem.ChainID {
			continue
		}
		if !scopeOverlaps(mem, cand) {
			continue
		}

		if mem.ClaimKey != "" && mem.ClaimKey == cand.ClaimKey && mem.ClaimValue != cand.ClaimValue {
			severity, err := d.severity(ctx, mem, cand, storage.ConflictClaimMismatch)
			if err != nil {
				return nil, err
			}
			out = append(out, &storage.Conflict{
				ID:       d.nextID(),
				MemoryA:  mem.ID,
				MemoryB:  cand.ID,
				Type:     storage.ConflictClaimMismatch,
				Severity: severity,
				Status:   storage.StatusPending,
				Explanation: fmt.Sprintf("claim %q: %q vs %q",
					mem.ClaimKey, mem.ClaimValue, cand.ClaimValue),
			})
			continue
		}

		if d.semanticContradiction(ctx, mem, cand) {
			severity, err := d.severity(ctx, mem, cand, storage.ConflictSemanticContradiction)
			if err != nil {
				return nil, err
			}
			out = append(out, &storage.Conflict{
				ID:          d.nextID(),
				MemoryA:     mem.ID,
				MemoryB:     cand.ID,
				Type:        storage.ConflictSemanticContradiction,
				Severity:    severity,
				Status:      storage.StatusPending,
				Explanation: "topically similar statements with opposed polarity",
			})
		}
	}
	return out, nil
}

// scopeOverlaps reports whether two memories can disagree: they must
// share an org, and their visibility tiers must intersect.
func scopeOverlaps(a, b *storage.MemoryRecord) bool {
	if a.OrgID != b.OrgID {
		return false
	}
	switch {
	case a.Pool == storage.PoolGlobal || b.Pool == storage.PoolGlobal:
		return true
	case a.Pool == storage.PoolDomain && b.Pool == storage.PoolDomain:
		return a.Department == b.Department
	case a.Pool == storage.PoolPrivate && b.Pool == storage.PoolPrivate:
		return a.AgentID == b.AgentID
	default:
		// Private vs Domain overlap when the agent works in that department.
		return a.Department == b.Department
	}
}

// negationTokens drive the lexical polarity heuristic.
var negationTokens = []string{
	"not ", "no ", "never ", "isn't", "aren't", "doesn't", "don't",
	"won't", "cannot", "can't", "failed", "stopped", "deprecated",
	"no longer",
}

// semanticContradiction applies the topical-similarity + polarity test.
// The classifier, when configured, overrides the lexical heuristic.
func (d *ConflictDetector) semanticContradiction(ctx context.Context, mem, cand *storage.MemoryRecord) bool {
	if cand.Similarity < d.config.TopicThreshold {
		return false
	}

	if verdict, ok := d.classifyContradiction(ctx, mem, cand); ok {
		return verdict
	}

	return hasNegation(mem.Content) != hasNegation(cand.Content)
}

func hasNegation(text string) bool {
	lower := " " + strings.ToLower(text) + " "
	for _, tok := range negationTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

const contradictionPrompt = `Do these two statements contradict each other?
Respond with ONLY a JSON object: {"contradicts": true|false}

Statement A: %A%
Statement B: %B%`

// classifyContradiction asks the optional classifier for a judgment.
// Malformed output is rejected, keeping the lexical heuristic in charge.
func (d *ConflictDetector) classifyContradiction(ctx context.Context, mem, cand *storage.MemoryRecord) (bool, bool) {
	if d.llm == nil {
		return false, false
	}
	prompt := strings.NewReplacer("%A%", mem.Content, "%B%", cand.Content).Replace(contradictionPrompt)
	raw, err := d.llm.Generate(ctx, prompt, llm.WithTemperature(0))
	if err != nil {
		return false, false
	}
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return false, false
	}
	var parsed struct {
		Contradicts *bool `json:"contradicts"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil || parsed.Contradicts == nil {
		return false, false
	}
	return *parsed.Contradicts, true
}

// severity grades a conflict from validation counts, memory types, and
// dependent fan-out:
//
//   - claim mismatches start medium, semantic contradictions low
//   - a strategic or procedural participant raises severity one step
//   - both sides well-validated raises severity one step
//   - dependent fan-out at or above the critical threshold makes the
//     conflict critical outright
func (d *ConflictDetector) severity(ctx context.Context, mem, cand *storage.MemoryRecord, typ storage.ConflictType) (storage.Severity, error) {
	sev := storage.SeverityLow
	if typ == storage.ConflictClaimMismatch {
		sev = storage.SeverityMedium
	}

	if isLoadBearing(mem.MemoryType) || isLoadBearing(cand.MemoryType) {
		sev = bumpSeverity(sev)
	}
	if min(mem.ValidatedCount, cand.ValidatedCount) >= d.config.HighValidationFloor {
		sev = bumpSeverity(sev)
	}

	fanout, err := d.dependentCount(ctx, mem.ID, cand.ID)
	if err != nil {
		return "", err
	}
	if fanout >= d.config.CriticalFanout {
		sev = storage.SeverityCritical
	}
	return sev, nil
}

func isLoadBearing(t storage.MemoryType) bool {
	return t == storage.TypeStrategic || t == storage.TypeProcedural
}

func bumpSeverity(s storage.Severity) storage.Severity {
	switch s {
	case storage.SeverityLow:
		return storage.SeverityMedium
	case storage.SeverityMedium:
		return storage.SeverityHigh
	default:
		return storage.SeverityCritical
	}
}

// dependentCount counts distinct memories that transitively depend on
// either side of the conflict, under the shared traversal budget.
func (d *ConflictDetector) dependentCount(ctx context.Context, ids ...int64) (int, error) {
	deps, err := Dependents(ctx, d.store, ids, d.config.MaxDepth, d.config.MaxNodes)
	if err != nil {
		return 0, err
	}
	return len(deps), nil
}

// Dependents walks ASSUMES and BUILDS_ON edges backwards from the given
// roots: a memory depends on X when it carries an ASSUMES/BUILDS_ON
// edge pointing at X. Iterative BFS with a visited set; traversal stops
// at maxDepth hops or maxNodes distinct dependents, whichever first.
func Dependents(ctx context.Context, store storage.Store, roots []int64, maxDepth, maxNodes int) ([]int64, error) {
	visited := make(map[int64]bool, len(roots))
	for _, id := range roots {
		visited[id] = true
	}

	frontier := append([]int64(nil), roots...)
	var out []int64

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		relations, err := store.RelationsFor(ctx, frontier)
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
			if !targets[rel.TargetID] || visited[rel.SourceID] {
				continue
			}
			visited[rel.SourceID] = true
			out = append(out, rel.SourceID)
			next = append(next, rel.SourceID)
			if len(out) >= maxNodes {
				return out, nil
			}
		}
		frontier = next
	}
	return out, nil
}
