package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"marginalia/internal/annotation"
	"marginalia/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const annotationColumns = `
	a.id, a.document_id, a.local_key, a.fingerprint, a.kind, a.text, a.comment, a.color,
	a.page_index, a.page_label, a.rects, a.visibility, a.author_id, r.display_name,
	(SELECT COUNT(*) FROM annotation_likes l WHERE l.annotation_id = a.id),
	(SELECT COUNT(*) FROM annotation_comments c WHERE c.owner_type = 'annotation' AND c.owner_id = a.id),
	a.quality_score, a.created_at, a.updated_at
`

const annotationFrom = `
	FROM shared_annotations a
	JOIN readers r ON r.id = a.author_id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(row rowScanner) (annotation.Remote, error) {
	var (
		item     annotation.Remote
		kind     string
		vis      string
		page     sql.NullInt32
		rects    []byte
		likes    int64
		comments int64
		quality  sql.NullFloat64
	)
	if err := row.Scan(
		&item.ID, &item.DocumentID, &item.LocalKey, &item.Fingerprint, &kind, &item.Text, &item.Comment, &item.Color,
		&page, &item.PageLabel, &rects, &vis, &item.AuthorID, &item.AuthorName,
		&likes, &comments,
		&quality, &item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return annotation.Remote{}, err
	}
	item.Kind = annotation.Kind(kind)
	item.Visibility = annotation.Visibility(vis)
	if page.Valid {
		value := int(page.Int32)
		item.PageIndex = &value
	}
	if quality.Valid {
		value := quality.Float64
		item.QualityScore = &value
	}
	item.LikesCount = uint(likes)
	item.CommentsCount = uint(comments)
	item.Rects = []annotation.Rect{}
	if len(rects) > 0 {
		if err := json.Unmarshal(rects, &item.Rects); err != nil {
			return annotation.Remote{}, fmt.Errorf("decode rects: %w", err)
		}
	}
	return item, nil
}

func (s *PostgresStore) EnsureReader(ctx context.Context, id, displayName string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO readers (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, updated_at = NOW()
	`, id, displayName); err != nil {
		return fmt.Errorf("upsert reader: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByFingerprints(ctx context.Context, authorID, documentID string, fingerprints []string) (map[string]annotation.Remote, error) {
	found := make(map[string]annotation.Remote, len(fingerprints))
	if len(fingerprints) == 0 {
		return found, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+annotationColumns+annotationFrom+`
		WHERE a.document_id = $1 AND a.author_id = $2 AND a.fingerprint = ANY($3)
	`, documentID, authorID, fingerprints)
	if err != nil {
		return nil, fmt.Errorf("find annotations by fingerprint: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		found[item.Fingerprint] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return found, nil
}

// ListShared returns the public annotations other readers made on a
// document. Anonymous rows come back without an author name.
func (s *PostgresStore) ListShared(ctx context.Context, readerID, documentID string) ([]annotation.Remote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+annotationColumns+annotationFrom+`
		WHERE a.document_id = $1 AND a.author_id <> $2 AND a.visibility <> 'private'
		ORDER BY a.created_at ASC, a.id ASC
	`, documentID, readerID)
	if err != nil {
		return nil, fmt.Errorf("list shared annotations: %w", err)
	}
	defer rows.Close()

	items := make([]annotation.Remote, 0)
	for rows.Next() {
		item, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		if item.Visibility == annotation.PublicAnonymous {
			item.AuthorName = ""
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

// ListPublic returns every public annotation, for rebuilding the search index.
func (s *PostgresStore) ListPublic(ctx context.Context) ([]annotation.Remote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+annotationColumns+annotationFrom+`
		WHERE a.visibility <> 'private'
		ORDER BY a.document_id ASC, a.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list public annotations: %w", err)
	}
	defer rows.Close()

	items := make([]annotation.Remote, 0)
	for rows.Next() {
		item, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (annotation.Remote, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+annotationColumns+annotationFrom+` WHERE a.id = $1`, id)
	item, err := scanAnnotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return annotation.Remote{}, annotation.NotFoundError("store.get", "annotation "+id+" not found")
	}
	if err != nil {
		return annotation.Remote{}, fmt.Errorf("get annotation: %w", err)
	}
	return item, nil
}

// CreateRecord publishes rec for authorID. A second publish of the same
// fingerprint updates the existing row instead of adding a duplicate.
func (s *PostgresStore) CreateRecord(ctx context.Context, authorID, authorName string, rec annotation.Remote) (annotation.Remote, error) {
	if strings.TrimSpace(rec.DocumentID) == "" || strings.TrimSpace(rec.Fingerprint) == "" {
		return annotation.Remote{}, annotation.ValidationError("store.create", "document id and fingerprint are required")
	}
	if !rec.Visibility.Valid() {
		return annotation.Remote{}, annotation.ValidationError("store.create", "invalid visibility "+string(rec.Visibility))
	}
	if err := s.EnsureReader(ctx, authorID, authorName); err != nil {
		return annotation.Remote{}, err
	}

	rects := rec.Rects
	if rects == nil {
		rects = []annotation.Rect{}
	}
	rectsJSON, err := json.Marshal(rects)
	if err != nil {
		return annotation.Remote{}, fmt.Errorf("encode rects: %w", err)
	}
	var page any
	if rec.PageIndex != nil {
		page = *rec.PageIndex
	}
	var quality any
	if rec.QualityScore != nil {
		quality = *rec.QualityScore
	}
	kind := rec.Kind
	if kind == "" {
		kind = annotation.KindHighlight
	}

	var id string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO shared_annotations (
			id, document_id, author_id, local_key, fingerprint, kind, text, comment, color,
			page_index, page_label, rects, visibility, quality_score
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $14)
		ON CONFLICT (document_id, author_id, fingerprint)
		DO UPDATE SET visibility = EXCLUDED.visibility, local_key = EXCLUDED.local_key, updated_at = NOW()
		RETURNING id
	`, util.NewID("ann"), rec.DocumentID, authorID, rec.LocalKey, rec.Fingerprint, string(kind), rec.Text, rec.Comment, rec.Color,
		page, rec.PageLabel, string(rectsJSON), string(rec.Visibility), quality).Scan(&id)
	if err != nil {
		return annotation.Remote{}, fmt.Errorf("insert annotation: %w", err)
	}
	return s.GetRecord(ctx, id)
}

func (s *PostgresStore) UpdateVisibility(ctx context.Context, authorID, id string, visibility annotation.Visibility) (annotation.Remote, error) {
	if !visibility.Valid() {
		return annotation.Remote{}, annotation.ValidationError("store.visibility", "invalid visibility "+string(visibility))
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE shared_annotations
		SET visibility=$3, updated_at=NOW()
		WHERE id=$1 AND author_id=$2
	`, id, authorID, string(visibility))
	if err != nil {
		return annotation.Remote{}, fmt.Errorf("update annotation visibility: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return annotation.Remote{}, fmt.Errorf("update annotation visibility rows: %w", err)
	}
	if affected == 0 {
		return annotation.Remote{}, annotation.NotFoundError("store.visibility", "annotation "+id+" not found")
	}
	return s.GetRecord(ctx, id)
}

// Retract makes an annotation owned by authorID private and deletes its likes
// and comments in one transaction. The row is locked first, so a like or
// comment racing with the retraction either lands before it and is deleted or
// sees the private row and is refused.
func (s *PostgresStore) Retract(ctx context.Context, authorID, id string) (annotation.Remote, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return annotation.Remote{}, fmt.Errorf("begin retract tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM shared_annotations WHERE id=$1 AND author_id=$2 FOR UPDATE
	`, id, authorID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return annotation.Remote{}, annotation.NotFoundError("store.retract", "annotation "+id+" not found")
	}
	if err != nil {
		return annotation.Remote{}, fmt.Errorf("lock annotation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE shared_annotations SET visibility=$2, updated_at=NOW() WHERE id=$1
	`, id, string(annotation.Private)); err != nil {
		return annotation.Remote{}, fmt.Errorf("retract annotation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM annotation_likes WHERE annotation_id=$1`, id); err != nil {
		return annotation.Remote{}, fmt.Errorf("delete annotation likes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM annotation_comments WHERE owner_type='annotation' AND owner_id=$1
	`, id); err != nil {
		return annotation.Remote{}, fmt.Errorf("delete annotation comments: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return annotation.Remote{}, fmt.Errorf("commit retract tx: %w", err)
	}
	return s.GetRecord(ctx, id)
}

func (s *PostgresStore) BatchCheckLikes(ctx context.Context, readerID string, ids []string) (map[string]bool, error) {
	liked := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return liked, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT annotation_id FROM annotation_likes
		WHERE reader_id = $1 AND annotation_id = ANY($2)
	`, readerID, ids)
	if err != nil {
		return nil, fmt.Errorf("check likes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan like: %w", err)
		}
		liked[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate likes: %w", err)
	}
	return liked, nil
}

// Like records readerID's like. Liking twice is a no-op; private
// annotations cannot be liked.
func (s *PostgresStore) Like(ctx context.Context, readerID, readerName, id string) (annotation.Remote, error) {
	if err := s.EnsureReader(ctx, readerID, readerName); err != nil {
		return annotation.Remote{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return annotation.Remote{}, fmt.Errorf("begin like tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockPublic(ctx, tx, "store.like", id); err != nil {
		return annotation.Remote{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO annotation_likes (annotation_id, reader_id)
		VALUES ($1, $2)
		ON CONFLICT (annotation_id, reader_id) DO NOTHING
	`, id, readerID); err != nil {
		return annotation.Remote{}, fmt.Errorf("insert like: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return annotation.Remote{}, fmt.Errorf("commit like tx: %w", err)
	}
	return s.GetRecord(ctx, id)
}

func (s *PostgresStore) Unlike(ctx context.Context, readerID, id string) (annotation.Remote, error) {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM annotation_likes WHERE annotation_id=$1 AND reader_id=$2
	`, id, readerID); err != nil {
		return annotation.Remote{}, fmt.Errorf("delete like: %w", err)
	}
	return s.GetRecord(ctx, id)
}

// lockPublic holds a share lock on a public annotation until tx ends, which
// keeps Retract from running in between the check and the caller's insert.
func lockPublic(ctx context.Context, tx *sql.Tx, op, id string) error {
	var visibility string
	err := tx.QueryRowContext(ctx, `
		SELECT visibility FROM shared_annotations WHERE id=$1 FOR SHARE
	`, id).Scan(&visibility)
	if errors.Is(err, sql.ErrNoRows) {
		return annotation.NotFoundError(op, "annotation "+id+" not found")
	}
	if err != nil {
		return fmt.Errorf("lock annotation: %w", err)
	}
	if !annotation.Visibility(visibility).IsPublic() {
		return annotation.ValidationError(op, "annotation "+id+" is private")
	}
	return nil
}

// AddComment stores a comment on a public annotation or on a document.
// A reply must belong to the same owner as its parent.
func (s *PostgresStore) AddComment(ctx context.Context, readerName string, input annotation.CommentNode) (annotation.CommentNode, error) {
	input.Content = strings.TrimSpace(input.Content)
	if input.Content == "" {
		return annotation.CommentNode{}, annotation.ValidationError("store.comment", "content is required")
	}
	if strings.TrimSpace(input.OwnerID) == "" || strings.TrimSpace(input.AuthorID) == "" {
		return annotation.CommentNode{}, annotation.ValidationError("store.comment", "owner and author are required")
	}
	if input.OwnerType != annotation.OwnerAnnotation && input.OwnerType != annotation.OwnerDocument {
		return annotation.CommentNode{}, annotation.ValidationError("store.comment", "invalid owner type "+string(input.OwnerType))
	}
	if err := s.EnsureReader(ctx, input.AuthorID, readerName); err != nil {
		return annotation.CommentNode{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return annotation.CommentNode{}, fmt.Errorf("begin comment tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if input.OwnerType == annotation.OwnerAnnotation {
		if err := lockPublic(ctx, tx, "store.comment", input.OwnerID); err != nil {
			return annotation.CommentNode{}, err
		}
	}

	var parent any
	if input.ParentID != "" {
		var sameOwner bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM annotation_comments WHERE id=$1 AND owner_type=$2 AND owner_id=$3)
		`, input.ParentID, string(input.OwnerType), input.OwnerID).Scan(&sameOwner); err != nil {
			return annotation.CommentNode{}, fmt.Errorf("check parent comment: %w", err)
		}
		if !sameOwner {
			return annotation.CommentNode{}, annotation.NotFoundError("store.comment", "parent comment "+input.ParentID+" not found")
		}
		parent = input.ParentID
	}

	input.ID = util.NewID("cmt")
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO annotation_comments (id, owner_type, owner_id, parent_id, author_id, is_anonymous, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, input.ID, string(input.OwnerType), input.OwnerID, parent, input.AuthorID, input.IsAnonymous, input.Content).Scan(&input.CreatedAt); err != nil {
		return annotation.CommentNode{}, fmt.Errorf("insert comment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return annotation.CommentNode{}, fmt.Errorf("commit comment tx: %w", err)
	}
	input.AuthorName = readerName
	if input.IsAnonymous {
		input.AuthorName = ""
	}
	input.Children = nil
	return input, nil
}

// ListComments returns the flat comment list of an owner, oldest first.
func (s *PostgresStore) ListComments(ctx context.Context, ownerType annotation.OwnerType, ownerID string) ([]annotation.CommentNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.owner_type, c.owner_id, COALESCE(c.parent_id, ''), c.author_id, r.display_name,
		       c.is_anonymous, c.content, c.created_at
		FROM annotation_comments c
		JOIN readers r ON r.id = c.author_id
		WHERE c.owner_type=$1 AND c.owner_id=$2
		ORDER BY c.created_at ASC, c.id ASC
	`, string(ownerType), ownerID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]annotation.CommentNode, 0)
	for rows.Next() {
		var (
			item  annotation.CommentNode
			owner string
		)
		if err := rows.Scan(&item.ID, &owner, &item.OwnerID, &item.ParentID, &item.AuthorID, &item.AuthorName,
			&item.IsAnonymous, &item.Content, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		item.OwnerType = annotation.OwnerType(owner)
		if item.IsAnonymous {
			item.AuthorID = ""
			item.AuthorName = ""
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}
