package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marginalia/internal/annotation"
	"marginalia/internal/config"
	"marginalia/internal/extract"
	"marginalia/internal/host"
	"marginalia/internal/platform/logger"
	"marginalia/internal/reconcile"
	"marginalia/internal/search"
	"marginalia/internal/spatial"
	"marginalia/internal/visibility"
)

// sharedStore is the reader-scoped shared annotation store.
type sharedStore interface {
	reconcile.RemoteFinder
	visibility.Remote
	BatchCheckLikes(ctx context.Context, remoteIDs []string) (map[string]bool, error)
	Like(ctx context.Context, remoteID string) (annotation.Remote, error)
	Unlike(ctx context.Context, remoteID string) (annotation.Remote, error)
	AddComment(ctx context.Context, input annotation.CommentNode) (annotation.CommentNode, error)
	ListComments(ctx context.Context, ownerType annotation.OwnerType, ownerID string) ([]annotation.CommentNode, error)
	Ping(ctx context.Context) error
}

// documentSource resolves a document to the local attachments showing it.
type documentSource interface {
	AttachmentsForDocument(ctx context.Context, documentID string) ([]host.AttachmentRef, error)
}

type searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type Deps struct {
	Store       sharedStore
	Documents   documentSource
	Extractor   *extract.Extractor
	Reconciler  *reconcile.Reconciler
	Machine     *visibility.Machine
	Highlighter *spatial.Highlighter
	Search      searcher
	Log         *logger.Logger
	Now         func() time.Time
}

type Service struct {
	cfg         config.Config
	store       sharedStore
	documents   documentSource
	extractor   *extract.Extractor
	reconciler  *reconcile.Reconciler
	machine     *visibility.Machine
	highlighter *spatial.Highlighter
	search      searcher
	log         *logger.Logger
	now         func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		cfg:         cfg,
		store:       deps.Store,
		documents:   deps.Documents,
		extractor:   deps.Extractor,
		reconciler:  deps.Reconciler,
		machine:     deps.Machine,
		highlighter: deps.Highlighter,
		search:      deps.Search,
		log:         logger.Or(deps.Log),
		now:         now,
	}
}

// AnnotationView is a record as the host UI shows it.
type AnnotationView struct {
	annotation.Record
	LikedByMe bool `json:"likedByMe"`
}

type AnnotationList struct {
	Records []AnnotationView `json:"records"`
	Partial bool             `json:"partial"`
	Cached  bool             `json:"cached"`
}

type HighlightInput struct {
	Filter         string `json:"filter"`
	ScrollIntoView bool   `json:"scrollIntoView"`
}

type HighlightResult struct {
	spatial.Summary
	// Stale is set when another document became active while highlighting.
	Stale bool `json:"stale"`
}

type CommentInput struct {
	Content     string `json:"content"`
	ParentID    string `json:"parentId"`
	IsAnonymous bool   `json:"isAnonymous"`
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Sync reconciles the document's local markup with the shared store. Without
// reload a cached snapshot is served when one exists.
func (s *Service) Sync(ctx context.Context, documentID string, reload bool) (reconcile.Result, error) {
	if err := requireID("documentId", documentID); err != nil {
		return reconcile.Result{}, err
	}
	res, err := s.reconciler.Load(ctx, documentID, s.localRecords(documentID), reload)
	if err != nil {
		return reconcile.Result{}, err
	}
	if res.Partial {
		s.log.Warn("reconcile incomplete", "document_id", documentID, "failures", len(res.Failures))
	}
	return res, nil
}

// Annotations lists the document's records passing filter, flagged with
// whether the reader liked them.
func (s *Service) Annotations(ctx context.Context, documentID, filter string) (AnnotationList, error) {
	parsed, err := spatial.ParseFilter(filter)
	if err != nil {
		return AnnotationList{}, err
	}
	res, err := s.Sync(ctx, documentID, false)
	if err != nil {
		return AnnotationList{}, err
	}
	records := spatial.Select(res.Records, parsed, s.now())

	remoteIDs := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.Shared() && rec.Visibility.IsPublic() {
			remoteIDs = append(remoteIDs, rec.RemoteID)
		}
	}
	liked := map[string]bool{}
	if len(remoteIDs) > 0 {
		liked, err = s.store.BatchCheckLikes(ctx, remoteIDs)
		if err != nil {
			s.log.Warn("like lookup failed", "document_id", documentID, "error", err)
			liked = map[string]bool{}
		}
	}

	views := make([]AnnotationView, 0, len(records))
	for _, rec := range records {
		views = append(views, AnnotationView{Record: rec, LikedByMe: liked[rec.RemoteID]})
	}
	return AnnotationList{Records: views, Partial: res.Partial, Cached: res.Cached}, nil
}

// SetVisibility moves one of the reader's records to target. Making a public
// record private needs confirm; without it the impact is reported as a
// conflict and nothing changes.
func (s *Service) SetVisibility(ctx context.Context, documentID, localKey string, target annotation.Visibility, confirm bool) (annotation.Record, error) {
	if !target.Valid() {
		return annotation.Record{}, validationError("visibility must be private, public-named or public-anonymous")
	}
	records, err := s.ownRecords(ctx, documentID, []string{localKey})
	if err != nil {
		return annotation.Record{}, err
	}
	return s.machine.Transition(ctx, records[0], target, confirmWith(confirm))
}

// SetVisibilityBatch moves several records to target under one confirmation.
// Keys that are unknown or belong to another reader fail on their own and
// are reported in Failed next to the machine's failures, in request order.
func (s *Service) SetVisibilityBatch(ctx context.Context, documentID string, localKeys []string, target annotation.Visibility, confirm bool) (visibility.BatchResult, error) {
	if !target.Valid() {
		return visibility.BatchResult{}, validationError("visibility must be private, public-named or public-anonymous")
	}
	if len(localKeys) == 0 {
		return visibility.BatchResult{}, validationError("localKeys is required")
	}
	res, err := s.Sync(ctx, documentID, false)
	if err != nil {
		return visibility.BatchResult{}, err
	}

	keys := make([]string, 0, len(localKeys))
	seen := make(map[string]struct{}, len(localKeys))
	rejected := make(map[string]visibility.Failure)
	records := make([]annotation.Record, 0, len(localKeys))
	for _, key := range localKeys {
		key = strings.TrimSpace(key)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
		if annotation.IsRemoteOnly(key) {
			rejected[key] = unresolved(documentID, key, annotation.ValidationError("app.visibility", "annotation "+key+" belongs to another reader"))
			continue
		}
		rec, ok := findRecord(res.Records, key)
		if !ok {
			rejected[key] = unresolved(documentID, key, annotation.NotFoundError("app.visibility", "annotation "+key+" not found"))
			continue
		}
		records = append(records, rec)
	}

	out := visibility.BatchResult{Succeeded: []annotation.Record{}, Failed: []visibility.Failure{}}
	if len(records) > 0 {
		out, err = s.machine.TransitionBatch(ctx, records, target, confirmWith(confirm))
		if err != nil {
			return out, err
		}
	}
	if len(rejected) == 0 {
		return out, nil
	}
	byKey := make(map[string]visibility.Failure, len(out.Failed))
	for _, failure := range out.Failed {
		byKey[failure.Record.LocalKey] = failure
	}
	failed := make([]visibility.Failure, 0, len(out.Failed)+len(rejected))
	for _, key := range keys {
		if failure, ok := rejected[key]; ok {
			failed = append(failed, failure)
		} else if failure, ok := byKey[key]; ok {
			failed = append(failed, failure)
		}
	}
	out.Failed = failed
	return out, nil
}

func unresolved(documentID, key string, err error) visibility.Failure {
	return visibility.Failure{Record: annotation.Record{LocalKey: key, DocumentID: documentID}, Err: err}
}

// Highlight makes the document active, waits for its view and draws its
// records.
func (s *Service) Highlight(ctx context.Context, documentID string, input HighlightInput) (HighlightResult, error) {
	filter, err := spatial.ParseFilter(input.Filter)
	if err != nil {
		return HighlightResult{}, err
	}
	res, err := s.Sync(ctx, documentID, false)
	if err != nil {
		return HighlightResult{}, err
	}
	attachment, err := s.attachmentFor(ctx, documentID)
	if err != nil {
		return HighlightResult{}, err
	}

	summary, current, err := s.highlighter.HighlightDocument(ctx, attachment, res.Records, filter)
	if !current {
		return HighlightResult{Stale: true}, nil
	}
	if err != nil {
		return HighlightResult{}, err
	}

	if input.ScrollIntoView {
		for _, rec := range spatial.Select(res.Records, filter, s.now()) {
			if !rec.HasPosition() {
				continue
			}
			view, err := s.highlighter.FindOpenView(ctx, documentID)
			if err != nil {
				s.log.Warn("view gone before scrolling", "document_id", documentID, "error", err)
				break
			}
			if _, err := s.highlighter.HighlightOne(ctx, view, rec, spatial.Options{ScrollIntoView: true}); err != nil {
				s.log.Warn("scroll into view failed", "document_id", documentID, "error", err)
			}
			break
		}
	}
	return HighlightResult{Summary: summary}, nil
}

// Focus highlights one record, scrolls to it and opens its detail popover.
func (s *Service) Focus(ctx context.Context, documentID, localKey string) (bool, error) {
	res, err := s.Sync(ctx, documentID, false)
	if err != nil {
		return false, err
	}
	rec, ok := findRecord(res.Records, localKey)
	if !ok {
		return false, annotation.NotFoundError("app.focus", "annotation "+localKey+" not found")
	}
	view, err := s.openView(ctx, documentID)
	if err != nil {
		return false, err
	}
	return s.highlighter.HighlightOne(ctx, view, rec, spatial.Options{ScrollIntoView: true, ShowDetail: true})
}

// SetNativeLayer hides or shows the host's own markup on the document's
// view, opening the view first when it is not open yet.
func (s *Service) SetNativeLayer(ctx context.Context, documentID string, hidden bool) (bool, error) {
	if err := requireID("documentId", documentID); err != nil {
		return false, err
	}
	view, err := s.openView(ctx, documentID)
	if err != nil {
		return false, err
	}
	return s.highlighter.ToggleNativeLayer(ctx, view, hidden), nil
}

func (s *Service) openView(ctx context.Context, documentID string) (host.View, error) {
	attachment, err := s.attachmentFor(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return s.highlighter.EnsureOpenView(ctx, attachment)
}

func (s *Service) ClearHighlights(ctx context.Context) int {
	return s.highlighter.ClearAll(ctx)
}

// Activate records the document the reader switched to.
func (s *Service) Activate(ctx context.Context, documentID string) error {
	if err := requireID("documentId", documentID); err != nil {
		return err
	}
	s.highlighter.SetActiveDocument(ctx, documentID)
	return nil
}

// Comments returns the comment tree of an annotation or a document.
func (s *Service) Comments(ctx context.Context, ownerType annotation.OwnerType, ownerID string) ([]*annotation.CommentNode, error) {
	if err := requireID("ownerId", ownerID); err != nil {
		return nil, err
	}
	flat, err := s.store.ListComments(ctx, ownerType, ownerID)
	if err != nil {
		return nil, err
	}
	return annotation.BuildCommentTree(flat), nil
}

func (s *Service) AddComment(ctx context.Context, ownerType annotation.OwnerType, ownerID string, input CommentInput) (annotation.CommentNode, error) {
	if err := requireID("ownerId", ownerID); err != nil {
		return annotation.CommentNode{}, err
	}
	if strings.TrimSpace(input.Content) == "" {
		return annotation.CommentNode{}, validationError("content is required")
	}
	comment, err := s.store.AddComment(ctx, annotation.CommentNode{
		OwnerType:   ownerType,
		OwnerID:     ownerID,
		ParentID:    strings.TrimSpace(input.ParentID),
		IsAnonymous: input.IsAnonymous,
		Content:     input.Content,
	})
	if err != nil {
		return annotation.CommentNode{}, err
	}
	if ownerType == annotation.OwnerAnnotation {
		s.refreshCounters(ctx, ownerID)
	}
	return comment, nil
}

// Like toggles the reader's like on a public annotation and returns the
// fresh record.
func (s *Service) Like(ctx context.Context, remoteID string, liked bool) (annotation.Record, error) {
	if err := requireID("annotationId", remoteID); err != nil {
		return annotation.Record{}, err
	}
	var (
		remote annotation.Remote
		err    error
	)
	if liked {
		remote, err = s.store.Like(ctx, remoteID)
	} else {
		remote, err = s.store.Unlike(ctx, remoteID)
	}
	if err != nil {
		return annotation.Record{}, err
	}
	s.invalidate(ctx, remote.DocumentID)
	return remote.Record(), nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

// refreshCounters drops the cached snapshot of the annotation's document so
// the next load picks up new counters.
func (s *Service) refreshCounters(ctx context.Context, remoteID string) {
	remote, err := s.store.GetRecord(ctx, remoteID)
	if err != nil {
		s.log.Warn("counter refresh lookup failed", "annotation_id", remoteID, "error", err)
		return
	}
	s.invalidate(ctx, remote.DocumentID)
}

func (s *Service) invalidate(ctx context.Context, documentID string) {
	if documentID == "" {
		return
	}
	if err := s.reconciler.Invalidate(ctx, documentID); err != nil {
		s.log.Warn("snapshot invalidate failed", "document_id", documentID, "error", err)
	}
}

func (s *Service) localRecords(documentID string) reconcile.LocalFunc {
	return func(ctx context.Context) []annotation.Record {
		attachments, err := s.documents.AttachmentsForDocument(ctx, documentID)
		if err != nil {
			if !errors.Is(err, annotation.ErrNotFound) {
				s.log.Warn("list document attachments failed", "document_id", documentID, "error", err)
			}
			return nil
		}
		var records []annotation.Record
		for _, attachment := range attachments {
			records = append(records, s.extractor.ExtractAttachment(ctx, attachment)...)
		}
		return records
	}
}

// attachmentFor picks the attachment a view is opened for. A document with
// no local attachment can still be highlighted if a view is already open.
func (s *Service) attachmentFor(ctx context.Context, documentID string) (host.AttachmentRef, error) {
	attachments, err := s.documents.AttachmentsForDocument(ctx, documentID)
	if errors.Is(err, annotation.ErrNotFound) || (err == nil && len(attachments) == 0) {
		return host.AttachmentRef{DocumentID: documentID}, nil
	}
	if err != nil {
		return host.AttachmentRef{}, fmt.Errorf("list attachments: %w", err)
	}
	return attachments[0], nil
}

// ownRecords resolves local keys against the document's current records.
// Records of other readers cannot change visibility.
func (s *Service) ownRecords(ctx context.Context, documentID string, localKeys []string) ([]annotation.Record, error) {
	res, err := s.Sync(ctx, documentID, false)
	if err != nil {
		return nil, err
	}
	out := make([]annotation.Record, 0, len(localKeys))
	for _, key := range localKeys {
		key = strings.TrimSpace(key)
		if annotation.IsRemoteOnly(key) {
			return nil, validationError("annotation %s belongs to another reader", key)
		}
		rec, ok := findRecord(res.Records, key)
		if !ok {
			return nil, annotation.NotFoundError("app.visibility", "annotation "+key+" not found")
		}
		out = append(out, rec)
	}
	return out, nil
}

func findRecord(records []annotation.Record, localKey string) (annotation.Record, bool) {
	for _, rec := range records {
		if rec.LocalKey == localKey {
			return rec, true
		}
	}
	return annotation.Record{}, false
}

func confirmWith(confirm bool) visibility.ConfirmFunc {
	return func(context.Context, visibility.Impact) bool { return confirm }
}

func requireID(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return validationError("%s is required", field)
	}
	return nil
}
