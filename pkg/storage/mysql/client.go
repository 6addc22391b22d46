// Package mysql implements the storage.Store contract on MySQL and
// MySQL-protocol databases.
//
// MySQL has no native vector type, so vectors are stored as JSON and
// similarity search ranks candidates with in-memory cosine similarity,
// the same strategy the SQLite backend uses.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/awarenet/relmem-go/pkg/storage"
)

// Config configures the MySQL backend.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// Client implements storage.Store on MySQL.
type Client struct {
	db *sql.DB
}

// NewClient connects and creates the schema if needed.
func NewClient(cfg *Config) (*Client, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClient: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewClient: %w", err)
	}

	client := &Client{db: db}
	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Client) initTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id BIGINT PRIMARY KEY,
			org_id VARCHAR(255) NOT NULL,
			pool VARCHAR(16) NOT NULL,
			department VARCHAR(255),
			agent_id VARCHAR(255) NOT NULL,
			content TEXT NOT NULL,
			embedding JSON NOT NULL,
			memory_type VARCHAR(16) NOT NULL,
			claim_key VARCHAR(255),
			claim_value TEXT,
			tags JSON,
			base_score DOUBLE NOT NULL,
			current_score DOUBLE NOT NULL,
			validated_count INT DEFAULT 0,
			version INT DEFAULT 1,
			chain_id VARCHAR(64) NOT NULL,
			parent_version_id BIGINT DEFAULT 0,
			is_latest TINYINT(1) DEFAULT 1,
			promoted TINYINT(1) DEFAULT 0,
			promoted_from BIGINT DEFAULT 0,
			superseded TINYINT(1) DEFAULT 0,
			needs_revalidation TINYINT(1) DEFAULT 0,
			archive_strikes INT DEFAULT 0,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			last_accessed_at DATETIME(6),
			INDEX idx_memories_org_pool (org_id, pool),
			INDEX idx_memories_chain (chain_id),
			INDEX idx_memories_claim (org_id, claim_key)
		)`,
		`CREATE TABLE IF NOT EXISTS entities (
			memory_id BIGINT NOT NULL,
			entity_text TEXT NOT NULL,
			normalized_name VARCHAR(255) NOT NULL,
			type VARCHAR(64),
			confidence DOUBLE,
			PRIMARY KEY (memory_id, normalized_name),
			INDEX idx_entities_name (normalized_name)
		)`,
		`CREATE TABLE IF NOT EXISTS relations (
			id BIGINT PRIMARY KEY,
			source_id BIGINT NOT NULL,
			target_id BIGINT NOT NULL,
			type VARCHAR(16) NOT NULL,
			strength DOUBLE NOT NULL,
			created_at DATETIME(6) NOT NULL,
			UNIQUE KEY uq_relations_triple (source_id, target_id, type),
			INDEX idx_relations_source (source_id),
			INDEX idx_relations_target (target_id)
		)`,
		`CREATE TABLE IF NOT EXISTS conflicts (
			id BIGINT PRIMARY KEY,
			memory_a BIGINT NOT NULL,
			memory_b BIGINT NOT NULL,
			type VARCHAR(32) NOT NULL,
			severity VARCHAR(16) NOT NULL,
			status VARCHAR(32) NOT NULL,
			resolution TEXT,
			explanation TEXT,
			attempts INT DEFAULT 0,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			INDEX idx_conflicts_status (status)
		)`,
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
	embeddingJSON, tagsJSON, err := encodeVectorAndTags(mem.Embedding, mem.Tags)
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mem.ID, mem.OrgID, string(mem.Pool), mem.Department, mem.AgentID,
		mem.Content, embeddingJSON, string(mem.MemoryType), mem.ClaimKey,
		mem.ClaimValue, tagsJSON, mem.BaseScore, mem.CurrentScore,
		mem.ValidatedCount, mem.Version, mem.ChainID, mem.ParentVersionID,
		mem.IsLatest, mem.Promoted, mem.PromotedFrom, mem.Superseded,
		mem.NeedsRevalidation, mem.ArchiveStrikes, mem.CreatedAt,
		mem.UpdatedAt, nullableTime(mem.LastAccessedAt),
	)
	if err != nil {
		return fmt.Errorf("InsertMemory: %w", err)
	}
	return nil
}

// GetMemory retrieves a memory row by ID.
func (c *Client) GetMemory(ctx context.Context, id int64) (*storage.MemoryRecord, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)

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

	placeholders, args := idList(ids)
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("GetMemories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectMemories(rows)
}

// UpdateMemory writes a row guarded by the optimistic version check.
func (c *Client) UpdateMemory(ctx context.Context, mem *storage.MemoryRecord) error {
	embeddingJSON, tagsJSON, err := encodeVectorAndTags(mem.Embedding, mem.Tags)
	if err != nil {
		return fmt.Errorf("UpdateMemory: %w", err)
	}

	result, err := c.db.ExecContext(ctx, `
		UPDATE memories SET
			content = ?, embedding = ?, memory_type = ?, claim_key = ?,
			claim_value = ?, tags = ?, base_score = ?, current_score = ?,
			validated_count = ?, version = version + 1, is_latest = ?,
			superseded = ?, needs_revalidation = ?, archive_strikes = ?,
			updated_at = ?, last_accessed_at = ?
		WHERE id = ? AND version = ?`,
		mem.Content, embeddingJSON, string(mem.MemoryType), mem.ClaimKey,
		mem.ClaimValue, tagsJSON, mem.BaseScore, mem.CurrentScore,
		mem.ValidatedCount, mem.IsLatest, mem.Superseded,
		mem.NeedsRevalidation, mem.ArchiveStrikes, time.Now().UTC(),
		nullableTime(mem.LastAccessedAt), mem.ID, mem.Version,
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
	result, err := c.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
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
	if _, err := c.db.ExecContext(ctx, `DELETE FROM entities WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("DeleteMemory: %w", err)
	}
	return nil
}

// Search ranks live rows by in-memory cosine similarity.
func (c *Client) Search(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.MemoryRecord, error) {
	whereClause, args := buildSearchWhere(opts)

	rows, err := c.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories `+whereClause+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []*storage.MemoryRecord
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("Search: %w", err)
		}
		score := cosineSimilarity(embedding, mem.Embedding)
		if score < opts.MinSimilarity {
			continue
		}
		mem.Similarity = score
		matches = append(matches, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Search: %w", err)
	}

	return sortBySimilarity(matches, opts.Limit), nil
}

// ListLatest pages latest-version rows in insertion order.
func (c *Client) ListLatest(ctx context.Context, opts *storage.ListOptions) ([]*storage.MemoryRecord, error) {
	whereClause := "WHERE is_latest = 1"
	var args []interface{}
	if opts.OrgID != "" {
		whereClause += " AND org_id = ?"
		args = append(args, opts.OrgID)
	}
	if opts.Pool != "" {
		whereClause += " AND pool = ?"
		args = append(args, string(opts.Pool))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit, opts.Offset)

	rows, err := c.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories `+whereClause+` ORDER BY id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("ListLatest: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectMemories(rows)
}

// ChainVersions returns all rows of a version chain, newest first.
func (c *Client) ChainVersions(ctx context.Context, chainID string) ([]*storage.MemoryRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE chain_id = ? ORDER BY version DESC`, chainID)
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
			INSERT IGNORE INTO entities
			(memory_id, entity_text, normalized_name, type, confidence)
			VALUES (?, ?, ?, ?, ?)`,
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
		FROM entities WHERE memory_id = ? ORDER BY normalized_name`, memoryID)
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
		WHERE m.org_id = ? AND e.normalized_name = ? AND m.is_latest = 1
		ORDER BY m.id LIMIT ?`,
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
		WHERE org_id = ? AND claim_key = ? AND is_latest = 1
		ORDER BY id LIMIT ?`,
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
		INSERT IGNORE INTO relations (id, source_id, target_id, type, strength, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
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

	placeholders, args := idList(ids)
	args = append(args, args...)
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, type, strength, created_at
		FROM relations
		WHERE source_id IN (`+placeholders+`) OR target_id IN (`+placeholders+`)
		ORDER BY id`, args...)
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
		FROM conflicts WHERE id = ?`, id)

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
		UPDATE conflicts SET status = ?, resolution = ?, explanation = ?, attempts = ?, updated_at = ?
		WHERE id = ?`,
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

	placeholders, args := idList(ids)
	args = append(args, args...)
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, memory_a, memory_b, type, severity, status, resolution, explanation, attempts, created_at, updated_at
		FROM conflicts
		WHERE status IN ('pending', 'arbitration_requested')
		  AND (memory_a IN (`+placeholders+`) OR memory_b IN (`+placeholders+`))
		ORDER BY id`, args...)
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
		FROM conflicts WHERE status = ? ORDER BY id LIMIT ?`,
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
		`UPDATE memories SET current_score = ?, archive_strikes = ?, updated_at = ? WHERE id = ?`)
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
		`UPDATE memories SET promoted = 1, updated_at = ? WHERE id = ? AND promoted = 0`,
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
