package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/awarenet/relmem-go/pkg/storage"
)

// buildSearchWhere narrows a similarity scan to live rows the caller
// may see. Pool scoping mirrors the read rules: private rows need the
// caller's agent ID, domain rows the caller's department.
func buildSearchWhere(opts *storage.SearchOptions) (string, []interface{}) {
	conditions := []string{"is_latest = 1", "superseded = 0", "org_id = ?"}
	args := []interface{}{opts.OrgID}

	if len(opts.Pools) > 0 {
		var poolClauses []string
		for _, pool := range opts.Pools {
			switch pool {
			case storage.PoolPrivate:
				if opts.AgentID == "" {
					continue
				}
				poolClauses = append(poolClauses, "(pool = 'private' AND agent_id = ?)")
				args = append(args, opts.AgentID)
			case storage.PoolDomain:
				if opts.Department != "" {
					poolClauses = append(poolClauses, "(pool = 'domain' AND department = ?)")
					args = append(args, opts.Department)
				} else {
					poolClauses = append(poolClauses, "pool = 'domain'")
				}
			case storage.PoolGlobal:
				poolClauses = append(poolClauses, "pool = 'global'")
			}
		}
		if len(poolClauses) > 0 {
			conditions = append(conditions, "("+strings.Join(poolClauses, " OR ")+")")
		}
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

// idList expands a batch of IDs into placeholders and args.
func idList(ids []int64) (string, []interface{}) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}

// prefixColumns qualifies the memory column list with a table alias.
func prefixColumns(alias string) string {
	cols := strings.Split(memoryColumns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}

// encodeVectorAndTags serializes the JSON-typed columns.
func encodeVectorAndTags(embedding []float64, tags []string) (string, string, error) {
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return "", "", err
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", "", err
	}
	return string(embeddingJSON), string(tagsJSON), nil
}

// nullableTime converts an optional timestamp for binding.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanMemory reads one row in memoryColumns order.
func scanMemory(scanner rowScanner) (*storage.MemoryRecord, error) {
	var mem storage.MemoryRecord
	var pool, memType string
	var claimKey, claimValue, department sql.NullString
	var embeddingStr, tagsStr sql.NullString
	var lastAccessedAt sql.NullTime

	err := scanner.Scan(
		&mem.ID, &mem.OrgID, &pool, &department, &mem.AgentID, &mem.Content,
		&embeddingStr, &memType, &claimKey, &claimValue, &tagsStr,
		&mem.BaseScore, &mem.CurrentScore, &mem.ValidatedCount, &mem.Version,
		&mem.ChainID, &mem.ParentVersionID, &mem.IsLatest, &mem.Promoted,
		&mem.PromotedFrom, &mem.Superseded, &mem.NeedsRevalidation,
		&mem.ArchiveStrikes, &mem.CreatedAt, &mem.UpdatedAt, &lastAccessedAt,
	)
	if err != nil {
		return nil, err
	}

	mem.Pool = storage.Pool(pool)
	mem.MemoryType = storage.MemoryType(memType)
	mem.Department = department.String
	mem.ClaimKey = claimKey.String
	mem.ClaimValue = claimValue.String
	if lastAccessedAt.Valid {
		t := lastAccessedAt.Time
		mem.LastAccessedAt = &t
	}

	if embeddingStr.Valid && embeddingStr.String != "" {
		if err := json.Unmarshal([]byte(embeddingStr.String), &mem.Embedding); err != nil {
			return nil, fmt.Errorf("parse embedding: %w", err)
		}
	}
	if tagsStr.Valid && tagsStr.String != "" {
		if err := json.Unmarshal([]byte(tagsStr.String), &mem.Tags); err != nil {
			return nil, fmt.Errorf("parse tags: %w", err)
		}
	}
	return &mem, nil
}

// collectMemories drains a result set through scanMemory.
func collectMemories(rows *sql.Rows) ([]*storage.MemoryRecord, error) {
	var memories []*storage.MemoryRecord
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, mem)
	}
	return memories, rows.Err()
}

// scanConflict reads one conflict row.
func scanConflict(scanner rowScanner) (*storage.Conflict, error) {
	var c storage.Conflict
	var cType, severity, status string
	var resolution, explanation sql.NullString

	err := scanner.Scan(
		&c.ID, &c.MemoryA, &c.MemoryB, &cType, &severity, &status,
		&resolution, &explanation, &c.Attempts, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Type = storage.ConflictType(cType)
	c.Severity = storage.Severity(severity)
	c.Status = storage.ConflictStatus(status)
	c.Resolution = resolution.String
	c.Explanation = explanation.String
	return &c, nil
}

// collectConflicts drains a conflict result set.
func collectConflicts(rows *sql.Rows) ([]*storage.Conflict, error) {
	var conflicts []*storage.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// cosineSimilarity computes the cosine of the angle between two vectors.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// sortBySimilarity orders matches best-first with ID as tie-break and
// applies the limit.
func sortBySimilarity(memories []*storage.MemoryRecord, limit int) []*storage.MemoryRecord {
	sort.SliceStable(memories, func(i, j int) bool {
		if memories[i].Similarity != memories[j].Similarity {
			return memories[i].Similarity > memories[j].Similarity
		}
		return memories[i].ID < memories[j].ID
	})
	if limit > 0 && len(memories) > limit {
		return memories[:limit]
	}
	return memories
}
