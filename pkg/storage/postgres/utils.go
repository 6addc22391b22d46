package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/awarenet/relmem-go/pkg/storage"
)

// buildSearchWhere narrows a similarity scan to live rows the caller
// may see, mirroring the pool read rules.
func buildSearchWhere(opts *storage.SearchOptions) (string, []interface{}) {
	conditions := []string{"is_latest = TRUE", "superseded = FALSE"}
	args := []interface{}{opts.OrgID}
	conditions = append(conditions, fmt.Sprintf("org_id = $%d", len(args)))

	if len(opts.Pools) > 0 {
		var poolClauses []string
		for _, pool := range opts.Pools {
			switch pool {
			case storage.PoolPrivate:
				if opts.AgentID == "" {
					continue
				}
				args = append(args, opts.AgentID)
				poolClauses = append(poolClauses, fmt.Sprintf("(pool = 'private' AND agent_id = $%d)", len(args)))
			case storage.PoolDomain:
				if opts.Department != "" {
					args = append(args, opts.Department)
					poolClauses = append(poolClauses, fmt.Sprintf("(pool = 'domain' AND department = $%d)", len(args)))
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

// int64Array adapts an ID batch for ANY($n) binding.
func int64Array(ids []int64) pq.Int64Array {
	return pq.Int64Array(ids)
}

// prefixColumns qualifies the memory column list with a table alias.
func prefixColumns(alias string) string {
	cols := strings.Split(memoryColumns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}

// encodeTags serializes tags for the JSONB column.
func encodeTags(tags []string) (string, error) {
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(tagsJSON), nil
}

// nullableTime converts an optional timestamp for binding.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// toFloat32 narrows a stored vector for the pgvector wire format.
func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanMemory reads one row in memoryColumns order.
func scanMemory(scanner rowScanner) (*storage.MemoryRecord, error) {
	mem, _, err := scanMemoryInto(scanner, false)
	return mem, err
}

// scanMemoryWithSimilarity reads one row with a trailing similarity
// column, as produced by Search.
func scanMemoryWithSimilarity(scanner rowScanner) (*storage.MemoryRecord, error) {
	mem, sim, err := scanMemoryInto(scanner, true)
	if err != nil {
		return nil, err
	}
	mem.Similarity = sim
	return mem, nil
}

func scanMemoryInto(scanner rowScanner, withSimilarity bool) (*storage.MemoryRecord, float64, error) {
	var mem storage.MemoryRecord
	var pool, memType string
	var claimKey, claimValue, department sql.NullString
	var tagsStr sql.NullString
	var vec pgvector.Vector
	var lastAccessedAt sql.NullTime
	var similarity float64

	dest := []interface{}{
		&mem.ID, &mem.OrgID, &pool, &department, &mem.AgentID, &mem.Content,
		&vec, &memType, &claimKey, &claimValue, &tagsStr,
		&mem.BaseScore, &mem.CurrentScore, &mem.ValidatedCount, &mem.Version,
		&mem.ChainID, &mem.ParentVersionID, &mem.IsLatest, &mem.Promoted,
		&mem.PromotedFrom, &mem.Superseded, &mem.NeedsRevalidation,
		&mem.ArchiveStrikes, &mem.CreatedAt, &mem.UpdatedAt, &lastAccessedAt,
	}
	if withSimilarity {
		dest = append(dest, &similarity)
	}

	if err := scanner.Scan(dest...); err != nil {
		return nil, 0, err
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

	slice := vec.Slice()
	mem.Embedding = make([]float64, len(slice))
	for i, v := range slice {
		mem.Embedding[i] = float64(v)
	}

	if tagsStr.Valid && tagsStr.String != "" {
		if err := json.Unmarshal([]byte(tagsStr.String), &mem.Tags); err != nil {
			return nil, 0, fmt.Errorf("parse tags: %w", err)
		}
	}
	return &mem, similarity, nil
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
