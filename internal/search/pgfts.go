package search

import (
	"context"
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

// Healthy always returns true: the shared store is Postgres itself.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches public annotations with plainto_tsquery and ranks them with
// ts_rank, using ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	where, args := pgftsWhere(q)

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM shared_annotations a WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT a.id, a.document_id, a.kind,
			ts_headline('simple', a.text, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			a.comment,
			CASE WHEN a.visibility = 'public-anonymous' THEN '' ELSE r.display_name END AS author_name,
			a.visibility, a.page_index
		FROM shared_annotations a
		JOIN readers r ON r.id = a.author_id
		WHERE %s
		ORDER BY ts_rank(a.search_vector, plainto_tsquery('simple', $1)) DESC, a.created_at DESC
		LIMIT %d OFFSET %d`, where, limitOf(q), offsetOf(q))

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var (
			r    Result
			page sql.NullInt32
		)
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Kind, &r.Snippet, &r.Comment, &r.AuthorName, &r.Visibility, &page); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		if page.Valid {
			value := int(page.Int32)
			r.PageIndex = &value
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

func pgftsWhere(q Query) (string, []any) {
	where := "a.search_vector @@ plainto_tsquery('simple', $1) AND a.visibility <> 'private'"
	args := []any{q.Text}
	if q.DocumentID != "" {
		where += " AND a.document_id = $2"
		args = append(args, q.DocumentID)
	}
	return where, args
}

// LoadAllRecords returns every public annotation for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]AnnotationRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT a.id, a.document_id, a.kind, a.text, a.comment,
			CASE WHEN a.visibility = 'public-anonymous' THEN '' ELSE r.display_name END,
			a.visibility, a.page_index, EXTRACT(EPOCH FROM a.created_at)::bigint
		FROM shared_annotations a
		JOIN readers r ON r.id = a.author_id
		WHERE a.visibility <> 'private'
	`)
	if err != nil {
		return nil, fmt.Errorf("load annotations: %w", err)
	}
	defer rows.Close()

	records := make([]AnnotationRecord, 0)
	for rows.Next() {
		var (
			rec  AnnotationRecord
			page sql.NullInt32
		)
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.Kind, &rec.Text, &rec.Comment, &rec.AuthorName,
			&rec.Visibility, &page, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		if page.Valid {
			value := int(page.Int32)
			rec.PageIndex = &value
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return records, nil
}
