// Package postgres implements the storage.Store contract on
// PostgreSQL with the pgvector extension.
//
// This is the shared-deployment backend: similarity search runs inside
// the database with the cosine-distance operator instead of scanning
// rows into memory.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/awarenet/relmem-go/pkg/storage"
)

// Config configures the PostgreSQL backend.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string

	// SSLMode defaults to "disable".
	SSLMode string

	// Dimensions is the width of the vector column. Required.
	Dimensions int
}

// Client implements storage.Store on PostgreSQL + pgvector.
type Client struct {
	db         *sql.DB
	dimensions int
}

// NewClient connects, enables pgvector and creates the schema.
func NewClient(cfg *Config) (*Client, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClient: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewClient: %w", err)
	}

	client := &Client{db: db, dimensions: cfg.Dimensions}
	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Client) initTables(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("initTables: create extension: %w", err)
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id BIGINT PRIMARY KEY,
			org_id VARCHAR(255) NOT NULL,
			pool VARCHAR(16) NOT NULL,
			department VARCHAR(255),
			agent_id VARCHAR(255) NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			memory_type VARCHAR(16) NOT NULL,
			claim_key VARCHAR(255),
			claim_value TEXT,
			tags JSONB,
			base_score DOUBLE PRECISION NOT NULL,
			current_score DOUBLE PRECISION NOT NULL,
			validated_count INTEGER DEFAULT 0,
			version INTEGER DEFAULT 1,
			chain_id VARCHAR(64) NOT NULL,
			parent_version_id BIGINT DEFAULT 0,
			is_latest BOOLEAN DEFAULT TRUE,
			promoted BOOLEAN DEFAULT FALSE,
			promoted_from BIGINT DEFAULT 0,
			superseded BOOLEAN DEFAULT FALSE,
			needs_revalidation BOOLEAN DEFAULT FALSE,
			archive_strikes INTEGER DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_accessed_at TIMESTAMP
		)`, c.dimensions),
		`CREATE INDEX IF NOT EXISTS idx_memories_org_pool ON memories(org_id, pool)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_chain ON memories(chain_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_claim ON memories(org_id, claim_key)`,
		`CREATE TABLE IF NOT EXISTS entities (
			memory_id BIGINT NOT NULL,
			entity_text TEXT NOT NULL,
			normalized_name VARCHAR(255) NOT NULL,
			type VARCHAR(64),
			confidence DOUBLE PRECISION,
			PRIMARY KEY (memory_id, normalized_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(normalized_name)`,
		`CREATE TABLE IF NOT EXISTS relations (
			id BIGINT PRIMARY KEY,
			source_id BIGINT NOT NULL,
			target_id BIGINT NOT NULL,
			type VARCHAR(16) NOT NULL,
			strength DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (source_id, target_id, type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target_id)`,
		`CREATE TABLE IF NOT EXISTS conflicts (
			id BIGINT PRIMARY KEY,
			memory_a BIGINT NOT NULL,
			memory_b BIGINT NOT NULL,
			type VARCHAR(32) NOT NULL,
			severity VARCHAR(16) NOT NULL,
			status VARCHAR(32) NOT NULL,
			resolution TEXT,
			explanation TEXT,
			attempts INTEGER DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status)`,
	}

	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}
	return nil
}

// memoryColumns is the SELECT column list scanMemory expects.
const memoryColumns = `id, org_id, pool, department, agent_id, content, embedding,
	memory_type, claim_key, claim_value, tags, base_score, current_score,
	validated_count, version, chain_id, parent_version_id, is_latest,
	promoted, promoted_from, superseded, needs_revalidation, archive_strikes,
	created_at, updated_at, last_accessed_at`

// InsertMemory inserts a new memory row.
func (c *Client) InsertMemory(ctx context.Context, mem *storage.MemoryRecord) error {
	tagsJSON, err := encodeTags(mem.Tags)
	if err != nil {
		return fmt.Errorf("InsertMemory: %w", err)
	}

	now := time.Now().UTC()
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}
	mem.UpdatedAt = now
	if mem.Version == 0 {
		mem.Version = 1
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
		mem.ID, mem.OrgID, string(mem.Pool), mem.Department, mem.AgentID,
		mem.Content, pgvector.NewVector(toFloat32(mem.Embedding)),
		string(mem.MemoryType), mem.ClaimKey, mem.ClaimValue, tagsJSON,
		mem.BaseScore, mem.CurrentScore, mem.ValidatedCount, mem.Version,
		mem.ChainID, mem.ParentVersionID, mem.IsLatest, mem.Promoted,
		mem.PromotedFrom, mem.Superseded, mem.NeedsRevalidation,
		mem.ArchiveStrikes, mem.CreatedAt, mem.UpdatedAt,
		nullableTime(mem.LastAccessedAt),
	)
	if err != nil {
		return fmt.Errorf("InsertMemory: %w", err)
	}
	return nil
}

// GetMemory retrieves a memory row by ID.
func (c *Client) GetMemory(ctx context.Context, id int64) (*storage.MemoryRecord, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)

	mem, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetMemory: %w", err)
	}
	return mem, nil
}

// GetMemories retrieves a batch of memory rows. Missing IDs are skipped.
func (c *Client) GetMemories(ctx context.Context, ids []int64) ([]*storage.MemoryRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ANY($1)`, int64Array(ids))
	if err != nil {
		return nil, fmt.Errorf("GetMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectMemories(rows)
}

// UpdateMemory writes a row guarded by the optimistic version check.
func (c *Client) UpdateMemory(ctx context.Context, mem *storage.MemoryRecord) error {
	tagsJSON, err := encodeTags(mem.Tags)
	if err != nil {
		return fmt.Errorf("UpdateMemory: %w", err)
	}

	result, err := c.db.ExecContext(ctx, `
		UPDATE memories SET
			content = $1, embedding = $2, memory_type = $3, claim_key = $4,
			claim_value = $5, tags = $6, base_score = $7, current_score = $8,
			validated_count = $9, version = version + 1, is_latest = $10,
			superseded = $11, needs_revalidation = $12, archive_strikes = $13,
			updated_at = $14, last_accessed_at = $15
		WHERE id = $16 AND version = $17`,
		mem.Content, pgvector.NewVector(toFloat32(mem.Embedding)),
		string(mem.MemoryType), mem.ClaimKey, mem.ClaimValue, tagsJSON,
		mem.BaseScore, mem.CurrentScore, mem.ValidatedCount, mem.IsLatest,
		mem.Superseded, mem.NeedsRevalidation, mem.ArchiveStrikes,
		time.Now().UTC(), nullableTime(mem.LastAccessedAt),
		mem.ID, mem.Version,
	)
	if err != nil {
		return fmt.Errorf("UpdateMemory: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateMemory: %w", err)
	}
	if affected == 0 {
		if _, err := c.GetMemory(ctx, mem.ID); err != nil {
			return err
		}
		return storage.ErrVersionConflict
	}
	mem.Version++
	return nil
}

// DeleteMemory removes a memory row and its entity tags.
func (c *Client) DeleteMemory(ctx context.Context, id int64) error {
	result, err := c.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("DeleteMemory: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("DeleteMemory: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM entities WHERE memory_id = $1`, id); err != nil {
		return fmt.Errorf("DeleteMemory: %w", err)
	}
	return nil
}

// Search ranks live rows with the pgvector cosine-distance operator,
// entirely inside the database.
func (c *Client) Search(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.MemoryRecord, error) {
	whereClause, args := buildSearchWhere(opts)

	vec := pgvector.NewVector(toFloat32(embedding))
	args = append(args, vec)
	vecArg := len(args)

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	limitArg := len(args)

	query := fmt.Sprintf(`
		SELECT `+memoryColumns+`, 1 - (embedding <=> $%d) AS similarity
		FROM memories
		%s
		ORDER BY embedding <=> $%d, id
		LIMIT $%d`, vecArg, whereClause, vecArg, limitArg)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []*storage.MemoryRecord
	for rows.Next() {
		mem, err := scanMemoryWithSimilarity(rows)
		if err != nil {
			return nil, fmt.Errorf("Search: %w", err)
		}
		if mem.Similarity < opts.MinSimilarity {
			continue
		}
		matches = append(matches, mem)
	}
	return matches, rows.Err()
}

// ListLatest pages latest-version rows in insertion order.
func (c *Client) ListLatest(ctx context.Context, opts *storage.ListOptions) ([]*storage.MemoryRecord, error) {
	whereClause := "WHERE is_latest = TRUE"
	var args []interface{}
	if opts.OrgID != "" {
		args = append(args, opts.OrgID)
		whereClause += fmt.Sprintf(" AND org_id = $%d", len(args))
	}
	if opts.Pool != "" {
		args = append(args, string(opts.Pool))
		whereClause += fmt.Sprintf(" AND pool = $%d", len(args))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit, opts.Offset)

	query := fmt.Sprintf(`SELECT `+memoryColumns+` FROM memories %s ORDER BY id LIMIT $%d OFFSET $%d`,
		whereClause, len(args)-1, len(args))

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListLatest: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectMemories(rows)
}

// ChainVersions returns all rows of a version chain, newest first.
func (c *Client) ChainVersions(ctx context.Context, chainID string) ([]*storage.MemoryRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE chain_id = $1 ORDER BY version DESC`, chainID)
	if err != nil {
		return nil, fmt.Errorf("ChainVersions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectMemories(rows)
}

// InsertEntityTags attaches extracted entities, skipping duplicates.
func (c *Client) InsertEntityTags(ctx context.Context, tags []storage.EntityTag) error {
	for _, tag := range tags {
		_, err := c.db.ExecContext(ctx, `
			INSERT INTO entities (memory_id, entity_text, normalized_name, type, confidence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (memory_id, normalized_name) DO NOTHING`,
			tag.MemoryID, tag.EntityText, tag.NormalizedName, tag.Type, tag.Confidence)
		if err != nil {
			return fmt.Errorf("InsertEntityTags: %w", err)
		}
	}
	return nil
}

// EntitiesFor returns the entity tags of a memory.
func (c *Client) EntitiesFor(ctx context.Context, memoryID int64) ([]storage.EntityTag, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT memory_id, entity_text, normalized_name, type, confidence
		FROM entities WHERE memory_id = $1 ORDER BY normalized_name`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("EntitiesFor: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tags []storage.EntityTag
	for rows.Next() {
		var tag storage.EntityTag
		if err := rows.Scan(&tag.MemoryID, &tag.EntityText, &tag.NormalizedName, &tag.Type, &tag.Confidence); err != nil {
			return nil, fmt.Errorf("EntitiesFor: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// MemoriesByEntity reverse-looks-up latest memories mentioning an entity.
func (c *Client) MemoriesByEntity(ctx context.Context, orgID, normalizedName string, limit int) ([]*storage.MemoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+prefixColumns("m")+`
		FROM memories m
		JOIN entities e ON e.memory_id = m.id
		WHERE m.org_id = $1 AND e.normalized_name = $2 AND m.is_latest = TRUE
		ORDER BY m.id LIMIT $3`,
		orgID, normalizedName, limit)
	if err != nil {
		return nil, fmt.Errorf("MemoriesByEntity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectMemories(rows)
}

// MemoriesByClaimKey returns latest memories carrying a claim key.
func (c *Client) MemoriesByClaimKey(ctx context.Context, orgID, claimKey string, limit int) ([]*storage.MemoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE org_id = $1 AND claim_key = $2 AND is_latest = TRUE
		ORDER BY id LIMIT $3`,
		orgID, claimKey, limit)
	if err != nil {
		return nil, fmt.Errorf("MemoriesByClaimKey: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectMemories(rows)
}

// InsertRelation inserts a typed edge, reporting whether it was new.
func (c *Client) InsertRelation(ctx context.Context, rel *storage.Relation) (bool, error) {
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}
	result, err := c.db.ExecContext(ctx, `
		INSERT INTO relations (id, source_id, target_id, type, strength, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_id, target_id, type) DO NOTHING`,
		rel.ID, rel.SourceID, rel.TargetID, string(rel.Type), rel.Strength, rel.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("InsertRelation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("InsertRelation: %w", err)
	}
	return affected > 0, nil
}

// RelationsFor returns all edges touching any of the given IDs.
func (c *Client) RelationsFor(ctx context.Context, ids []int64) ([]*storage.Relation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, type, strength, created_at
		FROM relations
		WHERE source_id = ANY($1) OR target_id = ANY($1)
		ORDER BY id`, int64Array(ids))
	if err != nil {
		return nil, fmt.Errorf("RelationsFor: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var relations []*storage.Relation
	for rows.Next() {
		var rel storage.Relation
		var relType string
		if err := rows.Scan(&rel.ID, &rel.SourceID, &rel.TargetID, &relType, &rel.Strength, &rel.CreatedAt); err != nil {
			return nil, fmt.Errorf("RelationsFor: %w", err)
		}
		rel.Type = storage.RelationType(relType)
		relations = append(relations, &rel)
	}
	return relations, rows.Err()
}

// InsertConflict records a detected conflict.
func (c *Client) InsertConflict(ctx context.Context, conflict *storage.Conflict) error {
	now := time.Now().UTC()
	if conflict.CreatedAt.IsZero() {
		conflict.CreatedAt = now
	}
	conflict.UpdatedAt = now

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO conflicts
		(id, memory_a, memory_b, type, severity, status, resolution, explanation, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		conflict.ID, conflict.MemoryA, conflict.MemoryB, string(conflict.Type),
		string(conflict.Severity), string(conflict.Status), conflict.Resolution,
		conflict.Explanation, conflict.Attempts, conflict.CreatedAt, conflict.UpdatedAt)
	if err != nil {
		return fmt.Errorf("InsertConflict: %w", err)
	}
	return nil
}

// GetConflict retrieves a conflict by ID.
func (c *Client) GetConflict(ctx context.Context, id int64) (*storage.Conflict, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, memory_a, memory_b, type, severity, status, resolution, explanation, attempts, created_at, updated_at
		FROM conflicts WHERE id = $1`, id)

	conflict, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetConflict: %w", err)
	}
	return conflict, nil
}

// UpdateConflict writes a conflict's workflow state.
func (c *Client) UpdateConflict(ctx context.Context, conflict *storage.Conflict) error {
	conflict.UpdatedAt = time.Now().UTC()
	result, err := c.db.ExecContext(ctx, `
		UPDATE conflicts SET status = $1, resolution = $2, explanation = $3, attempts = $4, updated_at = $5
		WHERE id = $6`,
		string(conflict.Status), conflict.Resolution, conflict.Explanation,
		conflict.Attempts, conflict.UpdatedAt, conflict.ID)
	if err != nil {
		return fmt.Errorf("UpdateConflict: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateConflict: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// OpenConflictsFor returns unresolved conflicts touching the given IDs.
func (c *Client) OpenConflictsFor(ctx context.Context, ids []int64) ([]*storage.Conflict, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, memory_a, memory_b, type, severity, status, resolution, explanation, attempts, created_at, updated_at
		FROM conflicts
		WHERE status IN ('pending', 'arbitration_requested')
		  AND (memory_a = ANY($1) OR memory_b = ANY($1))
		ORDER BY id`, int64Array(ids))
	if err != nil {
		return nil, fmt.Errorf("OpenConflictsFor: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectConflicts(rows)
}

// ConflictsByStatus lists conflicts in one workflow state.
func (c *Client) ConflictsByStatus(ctx context.Context, status storage.ConflictStatus, limit int) ([]*storage.Conflict, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, memory_a, memory_b, type, severity, status, resolution, explanation, attempts, created_at, updated_at
		FROM conflicts WHERE status = $1 ORDER BY id LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("ConflictsByStatus: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectConflicts(rows)
}

// UpdateScores applies a batch of decay writes in one transaction.
func (c *Client) UpdateScores(ctx context.Context, updates []storage.ScoreUpdate) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("UpdateScores: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE memories SET current_score = $1, archive_strikes = $2, updated_at = $3 WHERE id = $4`)
	if err != nil {
		return fmt.Errorf("UpdateScores: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.Score, u.ArchiveStrikes, now, u.MemoryID); err != nil {
			return fmt.Errorf("UpdateScores: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("UpdateScores: %w", err)
	}
	return nil
}

// MarkPromoted flips the promotion flag with compare-and-swap.
func (c *Client) MarkPromoted(ctx context.Context, id int64) error {
	result, err := c.db.ExecContext(ctx,
		`UPDATE memories SET promoted = TRUE, updated_at = $1 WHERE id = $2 AND promoted = FALSE`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("MarkPromoted: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("MarkPromoted: %w", err)
	}
	if affected == 0 {
		if _, err := c.GetMemory(ctx, id); err != nil {
			return err
		}
		return storage.ErrAlreadyPromoted
	}
	return nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
