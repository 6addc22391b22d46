package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/awarenet/relmem-go/pkg/embedder"
	"github.com/awarenet/relmem-go/pkg/embedder/cached"
	embopenai "github.com/awarenet/relmem-go/pkg/embedder/openai"
	"github.com/awarenet/relmem-go/pkg/governance"
	"github.com/awarenet/relmem-go/pkg/llm"
	llmanthropic "github.com/awarenet/relmem-go/pkg/llm/anthropic"
	llmollama "github.com/awarenet/relmem-go/pkg/llm/ollama"
	llmopenai "github.com/awarenet/relmem-go/pkg/llm/openai"
	"github.com/awarenet/relmem-go/pkg/pool"
	"github.com/awarenet/relmem-go/pkg/retrieval"
	"github.com/awarenet/relmem-go/pkg/storage"
	"github.com/awarenet/relmem-go/pkg/storage/memory"
	"github.com/awarenet/relmem-go/pkg/storage/mysql"
	"github.com/awarenet/relmem-go/pkg/storage/postgres"
	"github.com/awarenet/relmem-go/pkg/storage/sqlite"
	"github.com/awarenet/relmem-go/pkg/worker"
)

// conflictCandidateLimit caps the similarity candidates fed to the
// conflict detector on each write.
const conflictCandidateLimit = 50

// updateRetries bounds re-reads after an optimistic version conflict.
const updateRetries = 3

// embedRetries and embedBackoff bound the embedding retry loop. The
// backoff doubles per attempt; after the last attempt reads degrade to
// lexical ranking and writes fail.
const (
	embedRetries = 3
	embedBackoff = 200 * time.Millisecond
)

// Client is the relational memory client.
//
// It orchestrates the full write pipeline (validation, embedding,
// entity extraction, relation inference, conflict detection), the
// three-stage retrieval pipeline, version-chain edits, validation,
// promotion, conflict resolution and the background workers.
type Client struct {
	config *Config
	logger zerolog.Logger
	audit  AuditRecorder
	now    func() time.Time

	store    storage.Store
	embedder embedder.Provider
	llm      llm.Provider

	node      *snowflake.Node
	scoring   *governance.ScoringEngine
	extractor governance.Extractor
	relations *governance.RelationBuilder
	detector  *governance.ConflictDetector
	resolver  *governance.ConflictResolver
	router    *pool.Router
	retriever *retrieval.Retriever
	scheduler *worker.Scheduler
}

// NewClient builds a client from config, applying any options.
func NewClient(config *Config, opts ...Option) (*Client, error) {
	if config == nil {
		return nil, wrapErr("NewClient", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "relmem").Logger()
	if o.logger != nil {
		logger = *o.logger
	}

	nodeID := o.nodeID
	if nodeID == 0 {
		nodeID = 1
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, wrapErr("NewClient", err)
	}

	store := o.store
	if store == nil {
		store, err = buildStore(config)
		if err != nil {
			return nil, wrapErr("NewClient", err)
		}
	}

	emb := o.embedder
	if emb == nil {
		emb, err = buildEmbedder(config)
		if err != nil {
			return nil, wrapErr("NewClient", err)
		}
	}

	provider := o.llm
	if provider == nil {
		provider, err = buildLLM(config)
		if err != nil {
			return nil, wrapErr("NewClient", err)
		}
	}

	now := o.now
	if now == nil {
		now = time.Now
	}

	audit := o.audit
	if audit == nil {
		audit = NewLogRecorder(logger)
	}

	extractor := o.extractor
	if extractor == nil {
		if provider != nil {
			extractor = governance.NewLLMExtractor(provider)
		} else {
			extractor = governance.NewRuleExtractor()
		}
	}

	scoring := governance.NewScoringEngine(o.scoring, o.reputation)
	nextID := func() int64 { return node.Generate().Int64() }

	detectorConfig := governance.DefaultDetectorConfig()
	if config.Governance.TopicThreshold > 0 {
		detectorConfig.TopicThreshold = config.Governance.TopicThreshold
	}

	routerConfig := pool.DefaultConfig()
	if config.Governance.PromotionThreshold > 0 {
		routerConfig.ValidationThreshold = config.Governance.PromotionThreshold
	}
	if config.Governance.PromotionScoreFloor > 0 {
		routerConfig.ScoreFloor = config.Governance.PromotionScoreFloor
	}

	retrievalConfig := retrieval.DefaultConfig()
	if emb != nil {
		retrievalConfig.Dimensions = emb.Dimensions()
	}

	c := &Client{
		config:    config,
		logger:    logger,
		audit:     audit,
		now:       now,
		store:     store,
		embedder:  emb,
		llm:       provider,
		node:      node,
		scoring:   scoring,
		extractor: extractor,
		relations: governance.NewRelationBuilder(store, provider, nextID),
		detector:  governance.NewConflictDetector(store, provider, detectorConfig, nextID),
		resolver:  governance.NewConflictResolver(store, o.arbitrator, nil, logger),
		router:    pool.NewRouter(store, routerConfig, nextID),
		retriever: retrieval.NewRetriever(store, retrievalConfig, logger),
		scheduler: worker.NewScheduler(logger),
	}
	c.registerJobs()
	return c, nil
}

func buildStore(config *Config) (storage.Store, error) {
	switch config.Storage.Provider {
	case "sqlite":
		return sqlite.NewClient(&sqlite.Config{DBPath: config.Storage.DBPath})
	case "postgres":
		return postgres.NewClient(&postgres.Config{
			Host:       config.Storage.Host,
			Port:       config.Storage.Port,
			User:       config.Storage.User,
			Password:   config.Storage.Password,
			DBName:     config.Storage.DBName,
			SSLMode:    config.Storage.SSLMode,
			Dimensions: config.Embedder.Dimensions,
		})
	case "mysql":
		return mysql.NewClient(&mysql.Config{
			Host:     config.Storage.Host,
			Port:     config.Storage.Port,
			User:     config.Storage.User,
			Password: config.Storage.Password,
			DBName:   config.Storage.DBName,
		})
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("%w: unknown storage provider %q", ErrInvalidConfig, config.Storage.Provider)
	}
}

func buildEmbedder(config *Config) (embedder.Provider, error) {
	switch config.Embedder.Provider {
	case "":
		return nil, nil
	case "openai":
		client, err := embopenai.NewClient(&embopenai.Config{
			APIKey:     config.Embedder.APIKey,
			Model:      config.Embedder.Model,
			BaseURL:    config.Embedder.BaseURL,
			Dimensions: config.Embedder.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		if config.Embedder.CacheSize < 0 {
			return client, nil
		}
		return cached.New(client, config.Embedder.CacheSize)
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", ErrInvalidConfig, config.Embedder.Provider)
	}
}

func buildLLM(config *Config) (llm.Provider, error) {
	switch config.LLM.Provider {
	case "":
		return nil, nil
	case "openai":
		return llmopenai.NewClient(&llmopenai.Config{
			APIKey:  config.LLM.APIKey,
			Model:   config.LLM.Model,
			BaseURL: config.LLM.BaseURL,
		})
	case "anthropic":
		return llmanthropic.NewClient(&llmanthropic.Config{
			APIKey: config.LLM.APIKey,
			Model:  config.LLM.Model,
		})
	case "ollama":
		return llmollama.NewClient(&llmollama.Config{
			APIKey:  config.LLM.APIKey,
			Model:   config.LLM.Model,
			BaseURL: config.LLM.BaseURL,
		})
	default:
		return nil, fmt.Errorf("%w: unknown llm provider %q", ErrInvalidConfig, config.LLM.Provider)
	}
}

func (c *Client) registerJobs() {
	intervals := c.config.Workers
	if intervals.DecayInterval <= 0 {
		intervals.DecayInterval = time.Hour
	}
	if intervals.PromotionInterval <= 0 {
		intervals.PromotionInterval = 30 * time.Minute
	}
	if intervals.ArbitrationInterval <= 0 {
		intervals.ArbitrationInterval = 5 * time.Minute
	}
	if intervals.ArchiveInterval <= 0 {
		intervals.ArchiveInterval = 6 * time.Hour
	}

	decay := worker.NewDecayJob(c.store, c.scoring, c.logger, c.now)
	promotion := worker.NewPromotionSweep(c.store, c.router, c.logger)
	dispatch := worker.NewArbitrationDispatch(c.store, c.resolver, c.logger)
	archive := worker.NewArchiveSweep(c.store, c.scoring, c.logger)

	c.scheduler.Register(worker.Job{Name: "decay", Interval: intervals.DecayInterval, Run: decay.Run})
	c.scheduler.Register(worker.Job{Name: "promotion", Interval: intervals.PromotionInterval, Run: promotion.Run})
	c.scheduler.Register(worker.Job{Name: "arbitration", Interval: intervals.ArbitrationInterval, Run: dispatch.Run})
	c.scheduler.Register(worker.Job{Name: "archive", Interval: intervals.ArchiveInterval, Run: archive.Run})
}

// StartWorkers launches the background maintenance jobs.
func (c *Client) StartWorkers() {
	c.scheduler.Start()
}

// Close drains the workers and releases every backend resource.
func (c *Client) Close(ctx context.Context) error {
	var firstErr error
	if err := c.scheduler.Drain(ctx); err != nil {
		firstErr = err
	}
	if c.embedder != nil {
		if err := c.embedder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.llm != nil {
		if err := c.llm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return wrapErr("Close", firstErr)
}

// StoreMemory runs the governed write pipeline: validation, embedding,
// persistence, entity extraction, relation inference and conflict
// detection. Detected conflicts are persisted in pending state and
// returned; the write itself never blocks on resolution.
func (c *Client) StoreMemory(ctx context.Context, caller *Caller, req *StoreRequest) (*StoreResult, error) {
	const op = "StoreMemory"

	mem, err := c.validateStore(caller, req)
	if err != nil {
		return nil, err
	}

	mem.Embedding = req.Embedding
	if mem.Embedding == nil {
		if c.embedder == nil {
			return nil, wrapErr(op, ErrEmbeddingUnavailable)
		}
		vec, err := c.embed(ctx, req.Content)
		if err != nil {
			return nil, wrapErr(op, err)
		}
		mem.Embedding = vec
	}
	if c.embedder != nil && len(mem.Embedding) != c.embedder.Dimensions() {
		return nil, wrapErr(op, fmt.Errorf("%w: got %d, want %d",
			ErrDimensionMismatch, len(mem.Embedding), c.embedder.Dimensions()))
	}

	if err := c.store.InsertMemory(ctx, mem); err != nil {
		return nil, wrapErr(op, fmt.Errorf("%w: %v", ErrStorageOperation, err))
	}

	result := &StoreResult{Memory: mem}

	// Governance stages are best-effort: extraction or inference
	// failure downgrades the write, it does not reject it.
	entities, err := c.extractor.Extract(ctx, mem.Content)
	if err != nil {
		c.logger.Warn().Err(err).Int64("memory_id", mem.ID).Msg("entity extraction failed")
	}
	if len(entities) > 0 {
		tags := make([]storage.EntityTag, len(entities))
		for i, e := range entities {
			tags[i] = storage.EntityTag{
				MemoryID:       mem.ID,
				EntityText:     e.EntityText,
				NormalizedName: e.NormalizedName,
				Type:           e.Type,
				Confidence:     e.Confidence,
			}
		}
		if err := c.store.InsertEntityTags(ctx, tags); err != nil {
			c.logger.Warn().Err(err).Int64("memory_id", mem.ID).Msg("entity tagging failed")
		} else {
			result.Entities = tags
		}
	}

	// Claim-key overlap alone can produce edges, so inference runs even
	// without extracted entities.
	created, err := c.relations.BuildRelations(ctx, mem, entities)
	if err != nil {
		c.logger.Warn().Err(err).Int64("memory_id", mem.ID).Msg("relation inference failed")
	}
	result.RelationsCreated = created

	conflicts, err := c.detectConflicts(ctx, mem)
	if err != nil {
		c.logger.Warn().Err(err).Int64("memory_id", mem.ID).Msg("conflict detection failed")
	}
	result.Conflicts = conflicts

	c.audit.Record(AuditEvent{
		Action: AuditStore, Caller: *caller, MemoryID: mem.ID,
		Detail: string(mem.Pool), At: c.now(),
	})
	return result, nil
}

func (c *Client) validateStore(caller *Caller, req *StoreRequest) (*storage.MemoryRecord, error) {
	const op = "StoreMemory"

	if caller == nil || caller.OrgID == "" || caller.AgentID == "" {
		return nil, wrapErr(op, fmt.Errorf("%w: caller org and agent are required", ErrInvalidInput))
	}
	if req == nil || req.Content == "" {
		return nil, wrapErr(op, fmt.Errorf("%w: content is required", ErrInvalidInput))
	}
	if req.ClaimValue != "" && req.ClaimKey == "" {
		return nil, wrapErr(op, ErrClaimValueWithoutKey)
	}

	targetPool := req.Pool
	if targetPool == "" {
		targetPool = storage.PoolPrivate
	}
	routerCaller := &pool.Caller{OrgID: caller.OrgID, AgentID: caller.AgentID, Department: caller.Department}
	if !c.router.CanWrite(routerCaller, targetPool) {
		return nil, wrapErr(op, fmt.Errorf("%w: pool %q", ErrPoolAccess, targetPool))
	}

	memType := req.MemoryType
	if memType == "" {
		memType = storage.TypeSemantic
	}
	switch memType {
	case storage.TypeEpisodic, storage.TypeSemantic, storage.TypeStrategic, storage.TypeProcedural:
	default:
		return nil, wrapErr(op, fmt.Errorf("%w: unknown memory type %q", ErrInvalidInput, memType))
	}

	baseScore := req.BaseScore
	if baseScore == 0 {
		baseScore = 0.5
	}
	if baseScore < 0 || baseScore > 1 {
		return nil, wrapErr(op, fmt.Errorf("%w: base score %v outside [0,1]", ErrInvalidInput, baseScore))
	}

	now := c.now().UTC()
	return &storage.MemoryRecord{
		ID:           c.node.Generate().Int64(),
		OrgID:        caller.OrgID,
		Pool:         targetPool,
		Department:   caller.Department,
		AgentID:      caller.AgentID,
		Content:      req.Content,
		MemoryType:   memType,
		ClaimKey:     req.ClaimKey,
		ClaimValue:   req.ClaimValue,
		Tags:         req.Tags,
		BaseScore:    baseScore,
		CurrentScore: baseScore,
		Version:      1,
		ChainID:      uuid.NewString(),
		IsLatest:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// detectConflicts gathers candidates by similarity and claim key,
// runs the detector and persists whatever it flags.
func (c *Client) detectConflicts(ctx context.Context, mem *storage.MemoryRecord) ([]*storage.Conflict, error) {
	candidates, err := c.store.Search(ctx, mem.Embedding, &storage.SearchOptions{
		OrgID: mem.OrgID,
		Limit: conflictCandidateLimit,
	})
	if err != nil {
		return nil, err
	}
	if mem.ClaimKey != "" {
		claimants, err := c.store.MemoriesByClaimKey(ctx, mem.OrgID, mem.ClaimKey, conflictCandidateLimit)
		if err != nil {
			return nil, err
		}
		seen := make(map[int64]bool, len(candidates))
		for _, cand := range candidates {
			seen[cand.ID] = true
		}
		for _, cand := range claimants {
			if !seen[cand.ID] {
				candidates = append(candidates, cand)
			}
		}
	}

	conflicts, err := c.detector.Detect(ctx, mem, candidates)
	if err != nil {
		return nil, err
	}
	for _, conflict := range conflicts {
		if err := c.store.InsertConflict(ctx, conflict); err != nil {
			return conflicts, err
		}
	}
	return conflicts, nil
}

// Retrieve runs the three-stage pipeline under the caller's pool
// visibility and reinforces the direct matches' access timestamps.
func (c *Client) Retrieve(ctx context.Context, caller *Caller, req *RetrieveRequest) (*retrieval.Result, error) {
	const op = "Retrieve"

	if caller == nil || caller.OrgID == "" {
		return nil, wrapErr(op, fmt.Errorf("%w: caller org is required", ErrInvalidInput))
	}
	if req == nil || req.Query == "" {
		return nil, wrapErr(op, fmt.Errorf("%w: query is required", ErrInvalidInput))
	}

	var embedding []float64
	if c.embedder != nil {
		vec, err := c.embed(ctx, req.Query)
		if err != nil {
			// Degrade to lexical ranking rather than failing the read.
			c.logger.Warn().Err(err).Msg("query embedding failed")
		} else {
			embedding = vec
		}
	}

	pools := req.Pools
	if len(pools) == 0 {
		routerCaller := &pool.Caller{OrgID: caller.OrgID, AgentID: caller.AgentID, Department: caller.Department}
		pools = c.router.VisiblePools(routerCaller)
	}

	result, err := c.retriever.Retrieve(ctx, req.Query, embedding, &retrieval.Options{
		OrgID:           caller.OrgID,
		AgentID:         caller.AgentID,
		Department:      caller.Department,
		Pools:           pools,
		MaxDepth:        req.MaxDepth,
		ExcludeDisputed: req.ExcludeDisputed,
	})
	if err != nil {
		return nil, wrapErr(op, err)
	}

	c.touchMatches(ctx, result.DirectMatches)

	c.audit.Record(AuditEvent{
		Action: AuditRetrieve, Caller: *caller,
		Detail: fmt.Sprintf("direct=%d expanded=%d", len(result.DirectMatches), len(result.ExpandedContext)),
		At:     c.now(),
	})
	return result, nil
}

// embed wraps the embedding provider with bounded exponential-backoff
// retries. Context cancellation stops the loop immediately.
func (c *Client) embed(ctx context.Context, text string) ([]float64, error) {
	backoff := embedBackoff
	var lastErr error
	for attempt := 1; attempt <= embedRetries; attempt++ {
		vec, err := c.embedder.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err

		c.logger.Warn().
			Int("attempt", attempt).
			Err(err).
			Msg("embedding attempt failed")

		if attempt < embedRetries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}

// touchMatches stamps LastAccessedAt on served memories. Best effort:
// a version conflict means someone else just wrote the row, and the
// access signal is not worth a retry war.
func (c *Client) touchMatches(ctx context.Context, matches []*retrieval.Match) {
	now := c.now().UTC()
	for _, match := range matches {
		mem, err := c.store.GetMemory(ctx, match.Memory.ID)
		if err != nil {
			continue
		}
		mem.LastAccessedAt = &now
		if err := c.store.UpdateMemory(ctx, mem); err != nil && !errors.Is(err, storage.ErrVersionConflict) {
			c.logger.Debug().Err(err).Int64("memory_id", mem.ID).Msg("access stamp failed")
		}
	}
}

// EditMemory appends a new version to the memory's chain. The old row
// is kept for audit; its IsLatest flag moves to the new row.
func (c *Client) EditMemory(ctx context.Context, caller *Caller, req *EditRequest) (*storage.MemoryRecord, error) {
	const op = "EditMemory"

	if req == nil || req.MemoryID == 0 || req.Content == "" {
		return nil, wrapErr(op, fmt.Errorf("%w: memory id and content are required", ErrInvalidInput))
	}

	for attempt := 0; attempt < updateRetries; attempt++ {
		prev, err := c.store.GetMemory(ctx, req.MemoryID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, wrapErr(op, ErrNotFound)
			}
			return nil, wrapErr(op, err)
		}
		if !prev.IsLatest {
			return nil, wrapErr(op, fmt.Errorf("%w: not the latest version", ErrInvalidInput))
		}
		if prev.OrgID != caller.OrgID {
			return nil, wrapErr(op, ErrPoolAccess)
		}
		if prev.Pool == storage.PoolPrivate && prev.AgentID != caller.AgentID {
			return nil, wrapErr(op, ErrPoolAccess)
		}

		var vec []float64
		if c.embedder != nil {
			vec, err = c.embed(ctx, req.Content)
			if err != nil {
				return nil, wrapErr(op, err)
			}
		} else {
			vec = prev.Embedding
		}

		claimValue := prev.ClaimValue
		if req.ClaimValue != "" {
			claimValue = req.ClaimValue
		}
		tags := prev.Tags
		if req.Tags != nil {
			tags = req.Tags
		}

		now := c.now().UTC()
		next := &storage.MemoryRecord{
			ID:              c.node.Generate().Int64(),
			OrgID:           prev.OrgID,
			Pool:            prev.Pool,
			Department:      prev.Department,
			AgentID:         caller.AgentID,
			Content:         req.Content,
			Embedding:       vec,
			MemoryType:      prev.MemoryType,
			ClaimKey:        prev.ClaimKey,
			ClaimValue:      claimValue,
			Tags:            tags,
			BaseScore:       prev.BaseScore,
			CurrentScore:    prev.CurrentScore,
			ValidatedCount:  prev.ValidatedCount,
			Version:         prev.Version + 1,
			ChainID:         prev.ChainID,
			ParentVersionID: prev.ID,
			IsLatest:        true,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		// Retire the old head first; losing the CAS means another edit
		// landed, so re-read and try again against the new head.
		prev.IsLatest = false
		if err := c.store.UpdateMemory(ctx, prev); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				continue
			}
			return nil, wrapErr(op, err)
		}
		if err := c.store.InsertMemory(ctx, next); err != nil {
			// Restore the head so the chain is never left without one.
			// We hold the current version after winning the CAS.
			prev.IsLatest = true
			if restoreErr := c.store.UpdateMemory(ctx, prev); restoreErr != nil {
				c.logger.Error().
					Err(restoreErr).
					Str("chain_id", prev.ChainID).
					Msg("chain head restore failed after insert error")
			}
			return nil, wrapErr(op, fmt.Errorf("%w: %v", ErrStorageOperation, err))
		}

		c.audit.Record(AuditEvent{
			Action: AuditEdit, Caller: *caller, MemoryID: next.ID,
			Detail: fmt.Sprintf("chain=%s parent=%d", next.ChainID, prev.ID), At: c.now(),
		})
		return next, nil
	}
	return nil, wrapErr(op, storage.ErrVersionConflict)
}

// ValidateMemory records an independent validation: the count rises
// and the base score is reinforced with diminishing returns.
func (c *Client) ValidateMemory(ctx context.Context, caller *Caller, memoryID int64) (*storage.MemoryRecord, error) {
	const op = "ValidateMemory"

	for attempt := 0; attempt < updateRetries; attempt++ {
		mem, err := c.store.GetMemory(ctx, memoryID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, wrapErr(op, ErrNotFound)
			}
			return nil, wrapErr(op, err)
		}
		if mem.AgentID == caller.AgentID {
			return nil, wrapErr(op, fmt.Errorf("%w: self-validation is not counted", ErrInvalidInput))
		}

		mem.ValidatedCount++
		mem.BaseScore = c.scoring.Reinforce(mem.BaseScore)
		mem.CurrentScore = c.scoring.Score(mem, c.now())

		if err := c.store.UpdateMemory(ctx, mem); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				continue
			}
			return nil, wrapErr(op, err)
		}

		c.audit.Record(AuditEvent{
			Action: AuditValidate, Caller: *caller, MemoryID: memoryID,
			Detail: fmt.Sprintf("validated_count=%d", mem.ValidatedCount), At: c.now(),
		})
		return mem, nil
	}
	return nil, wrapErr(op, storage.ErrVersionConflict)
}

// Promote widens an eligible memory's visibility by one tier and
// returns the new pool-scoped pointer row.
func (c *Client) Promote(ctx context.Context, caller *Caller, memoryID int64) (*storage.MemoryRecord, error) {
	const op = "Promote"

	pointerID, err := c.router.Promote(ctx, memoryID)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	pointer, err := c.store.GetMemory(ctx, pointerID)
	if err != nil {
		return nil, wrapErr(op, err)
	}

	c.audit.Record(AuditEvent{
		Action: AuditPromote, Caller: *caller, MemoryID: memoryID,
		Detail: fmt.Sprintf("pointer=%d pool=%s", pointer.ID, pointer.Pool), At: c.now(),
	})
	return pointer, nil
}

// ResolveConflict applies an external arbitration decision to a
// conflict in the arbitration_requested state.
func (c *Client) ResolveConflict(ctx context.Context, caller *Caller, conflictID int64, decision *governance.ArbitrationDecision) error {
	const op = "ResolveConflict"

	if decision == nil || decision.WinnerID == 0 {
		return wrapErr(op, fmt.Errorf("%w: decision with winner is required", ErrInvalidInput))
	}

	// A manual decision is an arbitration. Pending conflicts step
	// through arbitration_requested so the workflow table holds.
	conflict, err := c.store.GetConflict(ctx, conflictID)
	if err != nil {
		return wrapErr(op, err)
	}
	if conflict.Status == storage.StatusPending {
		if err := governance.ValidateTransition(conflict, storage.StatusArbitrationRequested); err != nil {
			return wrapErr(op, err)
		}
		conflict.Status = storage.StatusArbitrationRequested
		if err := c.store.UpdateConflict(ctx, conflict); err != nil {
			return wrapErr(op, err)
		}
	}
	if err := c.resolver.ApplyDecision(ctx, conflictID, decision); err != nil {
		return wrapErr(op, err)
	}

	c.audit.Record(AuditEvent{
		Action: AuditResolve, Caller: *caller, MemoryID: decision.WinnerID,
		ConflictID: conflictID, At: c.now(),
	})
	return nil
}

// GetMemory returns one memory row, enforcing pool visibility.
func (c *Client) GetMemory(ctx context.Context, caller *Caller, memoryID int64) (*storage.MemoryRecord, error) {
	const op = "GetMemory"

	mem, err := c.store.GetMemory(ctx, memoryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, wrapErr(op, ErrNotFound)
		}
		return nil, wrapErr(op, err)
	}
	if !c.visibleTo(caller, mem) {
		return nil, wrapErr(op, ErrNotFound)
	}
	return mem, nil
}

// History returns the full version chain of a memory, newest first.
func (c *Client) History(ctx context.Context, caller *Caller, memoryID int64) ([]*storage.MemoryRecord, error) {
	const op = "History"

	mem, err := c.GetMemory(ctx, caller, memoryID)
	if err != nil {
		return nil, err
	}
	chain, err := c.store.ChainVersions(ctx, mem.ChainID)
	if err != nil {
		return nil, wrapErr(op, err)
	}

	// A chain must have exactly one head. Duplicates indicate a torn
	// concurrent edit; the newest row wins and the rest get demoted in
	// the returned view so readers see a consistent chain.
	var heads int
	for _, version := range chain {
		if !version.IsLatest {
			continue
		}
		heads++
		if heads > 1 {
			version.IsLatest = false
		}
	}
	if heads > 1 {
		c.logger.Error().
			Str("chain_id", mem.ChainID).
			Int("heads", heads).
			Msg("version chain has multiple latest rows")
	}
	return chain, nil
}

// Conflicts lists open conflicts touching a memory.
func (c *Client) Conflicts(ctx context.Context, caller *Caller, memoryID int64) ([]*storage.Conflict, error) {
	const op = "Conflicts"

	if _, err := c.GetMemory(ctx, caller, memoryID); err != nil {
		return nil, err
	}
	conflicts, err := c.store.OpenConflictsFor(ctx, []int64{memoryID})
	if err != nil {
		return nil, wrapErr(op, err)
	}
	return conflicts, nil
}

func (c *Client) visibleTo(caller *Caller, mem *storage.MemoryRecord) bool {
	if caller == nil || mem.OrgID != caller.OrgID {
		return false
	}
	switch mem.Pool {
	case storage.PoolPrivate:
		return mem.AgentID == caller.AgentID
	case storage.PoolDomain:
		return mem.Department == "" || mem.Department == caller.Department
	default:
		return true
	}
}
