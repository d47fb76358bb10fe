// Package search indexes public annotations and answers full-text queries
// over them, preferring Meilisearch and falling back to Postgres FTS.
package search

import (
	"context"

	"marginalia/internal/annotation"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Kind       string `json:"kind"`
	Snippet    string `json:"snippet"`
	Comment    string `json:"comment,omitempty"`
	AuthorName string `json:"authorName,omitempty"`
	Visibility string `json:"visibility"`
	PageIndex  *int   `json:"pageIndex,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	DocumentID string // empty = every document
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// AnnotationRecord is the data we index for a public annotation. The author
// name is left empty for anonymous annotations.
type AnnotationRecord struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Kind       string `json:"kind"`
	Text       string `json:"text"`
	Comment    string `json:"comment"`
	AuthorName string `json:"authorName"`
	Visibility string `json:"visibility"`
	PageIndex  *int   `json:"pageIndex,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

// RecordFromAnnotation builds the index entry for a shared record.
func RecordFromAnnotation(rec annotation.Record) AnnotationRecord {
	out := AnnotationRecord{
		ID:         rec.RemoteID,
		DocumentID: rec.DocumentID,
		Kind:       string(rec.Kind),
		Text:       rec.Text,
		Comment:    rec.Comment,
		AuthorName: rec.AuthorName,
		Visibility: string(rec.Visibility),
		CreatedAt:  rec.CreatedAt.Unix(),
	}
	if rec.PageIndex != nil {
		page := *rec.PageIndex
		out.PageIndex = &page
	}
	if rec.Visibility == annotation.PublicAnonymous {
		out.AuthorName = ""
	}
	return out
}

func RecordFromRemote(remote annotation.Remote) AnnotationRecord {
	rec := remote.Record()
	return RecordFromAnnotation(rec)
}

func limitOf(q Query) int {
	if q.Limit <= 0 {
		return 20
	}
	if q.Limit > 100 {
		return 100
	}
	return q.Limit
}

func offsetOf(q Query) int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}
