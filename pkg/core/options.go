package core

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/awarenet/relmem-go/pkg/embedder"
	"github.com/awarenet/relmem-go/pkg/governance"
	"github.com/awarenet/relmem-go/pkg/llm"
	"github.com/awarenet/relmem-go/pkg/storage"
)

// Option configures a Client beyond what Config expresses, mainly for
// injecting prebuilt components in tests and embedded deployments.
type Option func(*clientOptions)

type clientOptions struct {
	store      storage.Store
	embedder   embedder.Provider
	llm        llm.Provider
	extractor  governance.Extractor
	arbitrator governance.Arbitrator
	audit      AuditRecorder
	logger     *zerolog.Logger
	scoring    *governance.ScoringConfig
	reputation governance.ReputationFunc
	nodeID     int64
	now        func() time.Time
}

// WithStore injects a prebuilt storage backend, overriding the
// Storage section of the config.
func WithStore(store storage.Store) Option {
	return func(o *clientOptions) { o.store = store }
}

// WithEmbedder injects a prebuilt embedding provider.
func WithEmbedder(provider embedder.Provider) Option {
	return func(o *clientOptions) { o.embedder = provider }
}

// WithLLM injects a prebuilt language-model provider.
func WithLLM(provider llm.Provider) Option {
	return func(o *clientOptions) { o.llm = provider }
}

// WithExtractor overrides the entity extractor.
func WithExtractor(extractor governance.Extractor) Option {
	return func(o *clientOptions) { o.extractor = extractor }
}

// WithArbitrator wires an external arbitration capability. Without
// one, medium-and-above conflicts escalate after dispatch attempts.
func WithArbitrator(arbitrator governance.Arbitrator) Option {
	return func(o *clientOptions) { o.arbitrator = arbitrator }
}

// WithAuditRecorder sets the audit sink. Defaults to log-based.
func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(o *clientOptions) { o.audit = recorder }
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *clientOptions) { o.logger = &logger }
}

// WithScoringConfig overrides the decay and tier thresholds.
func WithScoringConfig(config *governance.ScoringConfig) Option {
	return func(o *clientOptions) { o.scoring = config }
}

// WithReputation wires an agent reputation source into scoring.
func WithReputation(fn governance.ReputationFunc) Option {
	return func(o *clientOptions) { o.reputation = fn }
}

// WithNodeID sets the snowflake node identity. Each process writing to
// a shared backend needs a distinct node ID.
func WithNodeID(id int64) Option {
	return func(o *clientOptions) { o.nodeID = id }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) { o.now = now }
}
