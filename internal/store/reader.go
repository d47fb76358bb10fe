package store

import (
	"context"

	"marginalia/internal/annotation"
)

// ReaderStore is the shared store as seen by one reader: lookups and
// mutations are scoped to that reader's own annotations.
type ReaderStore struct {
	store  *PostgresStore
	reader Reader
}

func (s *PostgresStore) ForReader(reader Reader) *ReaderStore {
	return &ReaderStore{store: s, reader: reader}
}

func (r *ReaderStore) Reader() Reader {
	return r.reader
}

func (r *ReaderStore) FindByFingerprints(ctx context.Context, documentID string, fingerprints []string) (map[string]annotation.Remote, error) {
	return r.store.FindByFingerprints(ctx, r.reader.ID, documentID, fingerprints)
}

func (r *ReaderStore) ListShared(ctx context.Context, documentID string) ([]annotation.Remote, error) {
	return r.store.ListShared(ctx, r.reader.ID, documentID)
}

func (r *ReaderStore) GetRecord(ctx context.Context, remoteID string) (annotation.Remote, error) {
	return r.store.GetRecord(ctx, remoteID)
}

func (r *ReaderStore) CreateRecord(ctx context.Context, rec annotation.Remote) (annotation.Remote, error) {
	return r.store.CreateRecord(ctx, r.reader.ID, r.reader.DisplayName, rec)
}

func (r *ReaderStore) UpdateVisibility(ctx context.Context, remoteID string, visibility annotation.Visibility) (annotation.Remote, error) {
	return r.store.UpdateVisibility(ctx, r.reader.ID, remoteID, visibility)
}

func (r *ReaderStore) Retract(ctx context.Context, remoteID string) (annotation.Remote, error) {
	return r.store.Retract(ctx, r.reader.ID, remoteID)
}

func (r *ReaderStore) BatchCheckLikes(ctx context.Context, remoteIDs []string) (map[string]bool, error) {
	return r.store.BatchCheckLikes(ctx, r.reader.ID, remoteIDs)
}

func (r *ReaderStore) Like(ctx context.Context, remoteID string) (annotation.Remote, error) {
	return r.store.Like(ctx, r.reader.ID, r.reader.DisplayName, remoteID)
}

func (r *ReaderStore) Unlike(ctx context.Context, remoteID string) (annotation.Remote, error) {
	return r.store.Unlike(ctx, r.reader.ID, remoteID)
}

// AddComment posts input as this reader.
func (r *ReaderStore) AddComment(ctx context.Context, input annotation.CommentNode) (annotation.CommentNode, error) {
	input.AuthorID = r.reader.ID
	return r.store.AddComment(ctx, r.reader.DisplayName, input)
}

func (r *ReaderStore) ListComments(ctx context.Context, ownerType annotation.OwnerType, ownerID string) ([]annotation.CommentNode, error) {
	return r.store.ListComments(ctx, ownerType, ownerID)
}

func (r *ReaderStore) Ping(ctx context.Context) error {
	return r.store.db.PingContext(ctx)
}
