package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL query over matters (reference/client name via
// the stored fts column) and stage record notes (tsvector built on the
// fly; the fallback path does not need an index for this volume).
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultMatter {
		where := "m.fts @@ plainto_tsquery('english', $1)"
		if q.FilterTenant != "" {
			where += fmt.Sprintf(" AND m.tenant = $%d", argN)
			args = append(args, q.FilterTenant)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'matter'::text AS type, m.id, m.id AS matter_id, m.tenant,
				m.reference AS title,
				ts_headline('english', coalesce(m.client_name, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
				0 AS stage,
				ts_rank(m.fts, plainto_tsquery('english', $1)) AS rank
			FROM matters m
			WHERE %s
		`, where))
	}

	if q.FilterType == "" || q.FilterType == ResultNote {
		where := "to_tsvector('english', sr.data::text) @@ plainto_tsquery('english', $1)"
		if q.FilterTenant != "" {
			where += fmt.Sprintf(" AND m.tenant = $%d", argN)
			args = append(args, q.FilterTenant)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'note'::text AS type, m.id || '-' || sr.stage::text AS id, m.id AS matter_id, m.tenant,
				'Stage ' || sr.stage::text AS title,
				ts_headline('english', sr.data::text, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
				sr.stage,
				ts_rank(to_tsvector('english', sr.data::text), plainto_tsquery('english', $1)) AS rank
			FROM stage_records sr
			JOIN matters m ON m.id = sr.matter_id
			WHERE %s
		`, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	query := fmt.Sprintf(`
		SELECT type, id, matter_id, tenant, title, snippet, stage
		FROM (%s) hits
		ORDER BY rank DESC
		LIMIT %d OFFSET %d
	`, strings.Join(subQueries, " UNION ALL "), limit, offset)

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var rtyp string
		if err := rows.Scan(&rtyp, &r.ID, &r.MatterID, &r.Tenant, &r.Title, &r.Snippet, &r.Stage); err != nil {
			return nil, 0, fmt.Errorf("scan search hit: %w", err)
		}
		r.Type = ResultType(rtyp)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search hits: %w", err)
	}
	return results, len(results), nil
}
