package search

import (
	"context"
	"strings"

	"marginalia/internal/annotation"
	"marginalia/internal/platform/logger"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
// Either backend may be nil.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	log   *logger.Logger
}

func NewService(meili *Meili, pgfts *PgFTS, log *logger.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, log: logger.Or(log)}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: sanitizeResults(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to pgfts", "error", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		s.log.Error("pgfts search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: sanitizeResults(results), Total: total, Query: q.Text}
}

// IndexAnnotation indexes a shared record (fire-and-forget to Meilisearch).
// Private or unshared records are ignored.
func (s *Service) IndexAnnotation(rec annotation.Record) {
	if rec.RemoteID == "" || !rec.Visibility.IsPublic() {
		return
	}
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	doc := RecordFromAnnotation(rec)
	go func() {
		if err := s.meili.IndexAnnotation(doc); err != nil {
			s.log.Warn("index annotation failed", "annotation_id", doc.ID, "error", err)
		}
	}()
}

// RemoveAnnotation removes an annotation from the search index (fire-and-forget).
func (s *Service) RemoveAnnotation(remoteID string) {
	if remoteID == "" || s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteAnnotation(remoteID); err != nil {
			s.log.Warn("delete annotation from index failed", "annotation_id", remoteID, "error", err)
		}
	}()
}

// ReindexAllFromPG pushes every public annotation from PostgreSQL into
// Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error("search reindex load failed", "error", err)
		return
	}
	if err := s.meili.IndexAnnotations(records); err != nil {
		s.log.Error("search reindex failed", "count", len(records), "error", err)
		return
	}
	s.log.Info("search reindexed", "count", len(records))
}

// sanitizeResults drops private hits and hides anonymous authors whatever the
// backend returned.
func sanitizeResults(results []Result) []Result {
	filtered := make([]Result, 0, len(results))
	for _, result := range results {
		if result.Visibility == string(annotation.Private) {
			continue
		}
		if result.Visibility == string(annotation.PublicAnonymous) {
			result.AuthorName = ""
		}
		filtered = append(filtered, result)
	}
	return filtered
}
