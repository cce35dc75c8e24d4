package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgSearch implements Searcher against PostgreSQL as a fallback when
// Meilisearch is not available. Candidates are re-ranked by the fuzzy
// matcher in the mention layer, so ordering here only needs to be sane.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

func (p *PgSearch) Search(q Query) ([]Candidate, error) {
	return p.SearchContext(context.Background(), q)
}

func (p *PgSearch) SearchContext(ctx context.Context, q Query) ([]Candidate, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.TrimSpace(q.Text)) + "%"

	records, err := p.searchRecords(ctx, pattern, q.ExcludeID, limit)
	if err != nil {
		return nil, err
	}
	nodes, err := p.searchNodes(ctx, pattern, q.ProjectID, q.ExcludeID, limit)
	if err != nil {
		return nil, err
	}

	candidates := append(records, nodes...)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (p *PgSearch) searchRecords(ctx context.Context, pattern, excludeID string, limit int) ([]Candidate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT r.id, r.unique_name, r.definition_id, d.name
		FROM records r
		JOIN definitions d ON d.id = r.definition_id
		WHERE (r.unique_name ILIKE $1 OR d.name ILIKE $1) AND r.id <> $2
		ORDER BY POSITION(LOWER(TRIM(BOTH '%' FROM $1)) IN LOWER(r.unique_name)), LENGTH(r.unique_name)
		LIMIT $3
	`, pattern, excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		c := Candidate{Type: CandidateRecord}
		if err := rows.Scan(&c.ID, &c.Name, &c.DefinitionID, &c.DefinitionName); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func (p *PgSearch) searchNodes(ctx context.Context, pattern, projectID, excludeID string, limit int) ([]Candidate, error) {
	// The recursive walk builds each node's "Project / Process / ... / Task"
	// breadcrumb path for display.
	query := `
		WITH RECURSIVE node_paths AS (
			SELECT n.id, n.project_id, n.kind, n.name,
				(p.name || ' / ' || n.name)::text AS path
			FROM workflow_nodes n
			JOIN projects p ON p.id = n.project_id
			WHERE n.parent_id IS NULL
			UNION ALL
			SELECT n.id, n.project_id, n.kind, n.name,
				np.path || ' / ' || n.name
			FROM workflow_nodes n
			JOIN node_paths np ON np.id = n.parent_id
		)
		SELECT id, name, kind, path
		FROM node_paths
		WHERE name ILIKE $1 AND id <> $2
	`
	args := []any{pattern, excludeID}
	if projectID != "" {
		query += ` AND project_id = $3`
		args = append(args, projectID)
	}
	query += fmt.Sprintf(` ORDER BY LENGTH(name) LIMIT %d`, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search nodes: %w", err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		c := Candidate{Type: CandidateNode}
		if err := rows.Scan(&c.ID, &c.Name, &c.NodeType, &c.Path); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// LoadAllEntries reads every record and node for bulk reindexing into
// Meilisearch.
func (p *PgSearch) LoadAllEntries(ctx context.Context) ([]RecordEntry, []NodeEntry, error) {
	recordRows, err := p.db.QueryContext(ctx, `
		SELECT r.id, r.unique_name, r.definition_id, d.name
		FROM records r
		JOIN definitions d ON d.id = r.definition_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load records: %w", err)
	}
	defer recordRows.Close()

	var records []RecordEntry
	for recordRows.Next() {
		var r RecordEntry
		if err := recordRows.Scan(&r.ID, &r.UniqueName, &r.DefinitionID, &r.DefinitionName); err != nil {
			return nil, nil, err
		}
		records = append(records, r)
	}
	if err := recordRows.Err(); err != nil {
		return nil, nil, err
	}

	nodeRows, err := p.db.QueryContext(ctx, `
		WITH RECURSIVE node_paths AS (
			SELECT n.id, n.project_id, n.kind, n.name,
				(p.name || ' / ' || n.name)::text AS path
			FROM workflow_nodes n
			JOIN projects p ON p.id = n.project_id
			WHERE n.parent_id IS NULL
			UNION ALL
			SELECT n.id, n.project_id, n.kind, n.name,
				np.path || ' / ' || n.name
			FROM workflow_nodes n
			JOIN node_paths np ON np.id = n.parent_id
		)
		SELECT id, name, kind, project_id, path FROM node_paths
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load nodes: %w", err)
	}
	defer nodeRows.Close()

	var nodes []NodeEntry
	for nodeRows.Next() {
		var n NodeEntry
		if err := nodeRows.Scan(&n.ID, &n.Name, &n.Kind, &n.ProjectID, &n.Path); err != nil {
			return nil, nil, err
		}
		nodes = append(nodes, n)
	}
	return records, nodes, nodeRows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
