package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"marginalia/internal/annotation"
	"marginalia/internal/cache"
	"marginalia/internal/config"
	"marginalia/internal/extract"
	"marginalia/internal/host"
	"marginalia/internal/hostview"
	"marginalia/internal/library"
	"marginalia/internal/reconcile"
	"marginalia/internal/search"
	"marginalia/internal/spatial"
	"marginalia/internal/visibility"
)

const testReaderID = "reader-me"

// fakeStore is an in-memory shared store scoped to testReaderID. The Fn
// fields override individual calls.
type fakeStore struct {
	mu       sync.Mutex
	records  map[string]annotation.Remote
	likes    map[string]map[string]bool
	comments []annotation.CommentNode
	nextID   int

	pingFn    func(context.Context) error
	findFn    func(ctx context.Context, documentID string, fps []string) (map[string]annotation.Remote, error)
	retractFn func(ctx context.Context, id string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]annotation.Remote),
		likes:   make(map[string]map[string]bool),
	}
}

// withCounters fills the social counters the way the SQL store derives them.
func (f *fakeStore) withCounters(rec annotation.Remote) annotation.Remote {
	rec.LikesCount = uint(len(f.likes[rec.ID]))
	rec.CommentsCount = 0
	for _, c := range f.comments {
		if c.OwnerType == annotation.OwnerAnnotation && c.OwnerID == rec.ID {
			rec.CommentsCount++
		}
	}
	return rec
}

func (f *fakeStore) FindByFingerprints(ctx context.Context, documentID string, fps []string) (map[string]annotation.Remote, error) {
	if f.findFn != nil {
		return f.findFn(ctx, documentID, fps)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[string]bool, len(fps))
	for _, fp := range fps {
		wanted[fp] = true
	}
	out := make(map[string]annotation.Remote)
	for _, rec := range f.records {
		if rec.DocumentID == documentID && rec.AuthorID == testReaderID && wanted[rec.Fingerprint] {
			out[rec.Fingerprint] = f.withCounters(rec)
		}
	}
	return out, nil
}

func (f *fakeStore) ListShared(_ context.Context, documentID string) ([]annotation.Remote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []annotation.Remote
	for _, rec := range f.records {
		if rec.DocumentID == documentID && rec.AuthorID != testReaderID && rec.Visibility.IsPublic() {
			out = append(out, f.withCounters(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetRecord(_ context.Context, id string) (annotation.Remote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return annotation.Remote{}, annotation.NotFoundError("fake.get", "annotation "+id+" not found")
	}
	return f.withCounters(rec), nil
}

func (f *fakeStore) CreateRecord(_ context.Context, rec annotation.Remote) (annotation.Remote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rec.ID = fmt.Sprintf("r%d", f.nextID)
	rec.AuthorID = testReaderID
	rec.AuthorName = "Me"
	f.records[rec.ID] = rec
	return f.withCounters(rec), nil
}

func (f *fakeStore) UpdateVisibility(_ context.Context, id string, v annotation.Visibility) (annotation.Remote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok || rec.AuthorID != testReaderID {
		return annotation.Remote{}, annotation.NotFoundError("fake.update", "annotation "+id+" not found")
	}
	rec.Visibility = v
	f.records[id] = rec
	return f.withCounters(rec), nil
}

// Retract applies all of its changes or none, like the SQL transaction.
func (f *fakeStore) Retract(ctx context.Context, id string) (annotation.Remote, error) {
	if f.retractFn != nil {
		if err := f.retractFn(ctx, id); err != nil {
			return annotation.Remote{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok || rec.AuthorID != testReaderID {
		return annotation.Remote{}, annotation.NotFoundError("fake.retract", "annotation "+id+" not found")
	}
	rec.Visibility = annotation.Private
	f.records[id] = rec
	delete(f.likes, id)
	kept := f.comments[:0]
	for _, c := range f.comments {
		if !(c.OwnerType == annotation.OwnerAnnotation && c.OwnerID == id) {
			kept = append(kept, c)
		}
	}
	f.comments = kept
	return f.withCounters(rec), nil
}

func (f *fakeStore) BatchCheckLikes(_ context.Context, ids []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = f.likes[id][testReaderID]
	}
	return out, nil
}

func (f *fakeStore) Like(_ context.Context, id string) (annotation.Remote, error) {
	return f.setLike(id, true)
}

func (f *fakeStore) Unlike(_ context.Context, id string) (annotation.Remote, error) {
	return f.setLike(id, false)
}

func (f *fakeStore) setLike(id string, liked bool) (annotation.Remote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok || !rec.Visibility.IsPublic() {
		return annotation.Remote{}, annotation.NotFoundError("fake.like", "annotation "+id+" not found")
	}
	if liked {
		if f.likes[id] == nil {
			f.likes[id] = make(map[string]bool)
		}
		f.likes[id][testReaderID] = true
	} else {
		delete(f.likes[id], testReaderID)
	}
	return f.withCounters(rec), nil
}

func (f *fakeStore) AddComment(_ context.Context, input annotation.CommentNode) (annotation.CommentNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if input.OwnerType == annotation.OwnerAnnotation {
		if _, ok := f.records[input.OwnerID]; !ok {
			return annotation.CommentNode{}, annotation.NotFoundError("fake.comment", "annotation "+input.OwnerID+" not found")
		}
	}
	input.ID = fmt.Sprintf("c%d", len(f.comments)+1)
	input.AuthorID = testReaderID
	if !input.IsAnonymous {
		input.AuthorName = "Me"
	}
	f.comments = append(f.comments, input)
	return input, nil
}

func (f *fakeStore) ListComments(_ context.Context, ownerType annotation.OwnerType, ownerID string) ([]annotation.CommentNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []annotation.CommentNode
	for _, c := range f.comments {
		if c.OwnerType == ownerType && c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeSearch struct {
	searchFn func(context.Context, search.Query) search.Response
}

func (f *fakeSearch) Search(ctx context.Context, q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

// seededLibrary holds one document with a positioned highlight and a note.
func seededLibrary(t *testing.T) *library.Library {
	t.Helper()
	lib, err := library.Open(filepath.Join(t.TempDir(), "library.sqlite"))
	if err != nil {
		t.Fatalf("open library: %v", err)
	}
	t.Cleanup(func() { _ = lib.Close() })

	ctx := context.Background()
	page := 2
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	if err := lib.SaveItem(ctx, library.Item{ID: "item-1", Title: "Middlemarch"}); err != nil {
		t.Fatalf("save item: %v", err)
	}
	if err := lib.SaveAttachment(ctx, library.Attachment{ID: "att-1", ItemID: "item-1", DocumentID: "doc-1", Title: "middlemarch.pdf", CreatedAt: now}); err != nil {
		t.Fatalf("save attachment: %v", err)
	}
	if err := lib.SaveMarkup(ctx, library.Markup{ID: "m-1", AttachmentID: "att-1", Type: "highlight", Text: "the growing good of the world", PageIndex: &page, CreatedAt: now}, []annotation.Rect{{X: 40, Y: 100, W: 220, H: 14}}); err != nil {
		t.Fatalf("save markup: %v", err)
	}
	if err := lib.SaveMarkup(ctx, library.Markup{ID: "m-2", AttachmentID: "att-1", Type: "note", Comment: "compare ch. 20", CreatedAt: now.Add(time.Minute)}, nil); err != nil {
		t.Fatalf("save markup: %v", err)
	}
	return lib
}

type testHarness struct {
	svc   *Service
	store *fakeStore
	cache *cache.Memory
	ids   *annotation.Identities
}

func newTestService(t *testing.T, fs *fakeStore) *testHarness {
	t.Helper()
	return newTestServiceWithViews(t, fs, hostview.Offline{})
}

func newTestServiceWithViews(t *testing.T, fs *fakeStore, registry host.Registry) *testHarness {
	t.Helper()
	lib := seededLibrary(t)
	snapshots := cache.NewMemory()
	ids := annotation.NewIdentities()
	svc := New(config.Config{}, Deps{
		Store:       fs,
		Documents:   lib,
		Extractor:   extract.New(lib, nil),
		Reconciler:  reconcile.New(fs, snapshots, ids, nil, reconcile.Options{IncludeShared: true}),
		Machine:     visibility.New(fs, snapshots, ids, nil, nil),
		Highlighter: spatial.NewHighlighter(registry, nil, spatial.Config{PollInterval: 5 * time.Millisecond, OpenTimeout: time.Second}),
		Search:      &fakeSearch{},
		Now:         func() time.Time { return time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC) },
	})
	return &testHarness{svc: svc, store: fs, cache: snapshots, ids: ids}
}

var highlightKey = extract.LocalKey("att-1", "m-1")

func TestSyncExtractsAndMissesRemote(t *testing.T) {
	h := newTestService(t, newFakeStore())

	res, err := h.svc.Sync(context.Background(), "doc-1", false)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	for _, rec := range res.Records {
		if rec.Shared() || rec.Visibility != annotation.Private {
			t.Errorf("expected private local record, got %+v", rec)
		}
	}
	if res.Partial || res.Cached {
		t.Errorf("unexpected flags partial=%v cached=%v", res.Partial, res.Cached)
	}

	again, err := h.svc.Sync(context.Background(), "doc-1", false)
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if !again.Cached {
		t.Error("second sync should be served from the snapshot")
	}
}

func TestShareLikeAndResync(t *testing.T) {
	h := newTestService(t, newFakeStore())
	ctx := context.Background()

	if _, err := h.svc.Sync(ctx, "doc-1", false); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	shared, err := h.svc.SetVisibility(ctx, "doc-1", highlightKey, annotation.PublicAnonymous, false)
	if err != nil {
		t.Fatalf("SetVisibility() error = %v", err)
	}
	if shared.RemoteID != "r1" || shared.Visibility != annotation.PublicAnonymous {
		t.Fatalf("unexpected shared record %+v", shared)
	}
	if id, ok := h.ids.Lookup(highlightKey); !ok || id != "r1" {
		t.Fatalf("identity not remembered: %q, %v", id, ok)
	}

	liked, err := h.svc.Like(ctx, "r1", true)
	if err != nil {
		t.Fatalf("Like() error = %v", err)
	}
	if liked.LikesCount != 1 {
		t.Fatalf("expected 1 like, got %d", liked.LikesCount)
	}

	// Drop the identity cache so the record is found again by fingerprint.
	h.ids.Forget(highlightKey)
	res, err := h.svc.Sync(ctx, "doc-1", false)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.Cached {
		t.Fatal("like must invalidate the snapshot")
	}
	rec, ok := findRecord(res.Records, highlightKey)
	if !ok {
		t.Fatal("highlight missing after resync")
	}
	if rec.RemoteID != "r1" || rec.LikesCount != 1 || rec.Visibility != annotation.PublicAnonymous {
		t.Fatalf("unexpected reconciled record %+v", rec)
	}
	if len(res.Records) != 2 {
		t.Fatalf("own shared record must not be appended twice, got %d records", len(res.Records))
	}

	list, err := h.svc.Annotations(ctx, "doc-1", "recent")
	if err != nil {
		t.Fatalf("Annotations() error = %v", err)
	}
	if len(list.Records) != 2 {
		t.Fatalf("expected 2 recent records, got %d", len(list.Records))
	}
	for _, view := range list.Records {
		if view.LikedByMe != (view.LocalKey == highlightKey) {
			t.Errorf("unexpected likedByMe=%v for %s", view.LikedByMe, view.LocalKey)
		}
	}
}

func TestMakingPrivateNeedsConfirmation(t *testing.T) {
	h := newTestService(t, newFakeStore())
	ctx := context.Background()

	if _, err := h.svc.SetVisibility(ctx, "doc-1", highlightKey, annotation.PublicNamed, false); err != nil {
		t.Fatalf("share: %v", err)
	}
	if _, err := h.svc.Like(ctx, "r1", true); err != nil {
		t.Fatalf("like: %v", err)
	}

	_, err := h.svc.SetVisibility(ctx, "doc-1", highlightKey, annotation.Private, false)
	kind, ok := annotation.KindOf(err)
	if !ok || kind != annotation.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := h.store.records["r1"].Visibility; got != annotation.PublicNamed {
		t.Fatalf("declined transition changed the store: %s", got)
	}

	rec, err := h.svc.SetVisibility(ctx, "doc-1", highlightKey, annotation.Private, true)
	if err != nil {
		t.Fatalf("confirmed SetVisibility() error = %v", err)
	}
	if rec.Visibility != annotation.Private || rec.LikesCount != 0 {
		t.Fatalf("unexpected private record %+v", rec)
	}
	if len(h.store.likes["r1"]) != 0 {
		t.Fatal("likes should be deleted")
	}
}

func TestFailedRetractKeepsRecordPublic(t *testing.T) {
	fs := newFakeStore()
	fs.retractFn = func(context.Context, string) error { return errors.New("connection reset by peer") }
	h := newTestService(t, fs)
	ctx := context.Background()

	if _, err := h.svc.SetVisibility(ctx, "doc-1", highlightKey, annotation.PublicNamed, false); err != nil {
		t.Fatalf("share: %v", err)
	}
	if _, err := h.svc.Like(ctx, "r1", true); err != nil {
		t.Fatalf("like: %v", err)
	}
	if _, err := h.svc.AddComment(ctx, annotation.OwnerAnnotation, "r1", CommentInput{Content: "keep"}); err != nil {
		t.Fatalf("comment: %v", err)
	}

	_, err := h.svc.SetVisibility(ctx, "doc-1", highlightKey, annotation.Private, true)
	if kind, _ := annotation.KindOf(err); kind != annotation.KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
	current, err := fs.GetRecord(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if current.Visibility != annotation.PublicNamed || current.LikesCount != 1 || current.CommentsCount != 1 {
		t.Fatalf("failed retraction changed the record: %+v", current)
	}

	res, err := h.svc.Sync(ctx, "doc-1", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	rec, _ := findRecord(res.Records, highlightKey)
	if rec.Visibility != annotation.PublicNamed || rec.LikesCount != 1 {
		t.Fatalf("reader sees a record that is no longer stored: %+v", rec)
	}
}

func TestSetVisibilityRejectsOtherReadersRecords(t *testing.T) {
	fs := newFakeStore()
	fs.records["r9"] = annotation.Remote{
		ID: "r9", DocumentID: "doc-1", AuthorID: "reader-other", AuthorName: "Dorothea",
		Text: "a passage", Fingerprint: "fp-other", Visibility: annotation.PublicNamed,
	}
	h := newTestService(t, fs)

	res, err := h.svc.Sync(context.Background(), "doc-1", false)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(res.Records) != 3 {
		t.Fatalf("expected the other reader's record appended, got %d", len(res.Records))
	}

	_, err = h.svc.SetVisibility(context.Background(), "doc-1", annotation.RemoteLocalKey("r9"), annotation.Private, true)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = h.svc.SetVisibility(context.Background(), "doc-1", "missing", annotation.PublicNamed, false)
	if kind, _ := annotation.KindOf(err); kind != annotation.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBatchVisibilityReportsEachRecord(t *testing.T) {
	h := newTestService(t, newFakeStore())
	ctx := context.Background()

	keys := []string{"missing", highlightKey, annotation.RemoteLocalKey("r9"), extract.LocalKey("att-1", "m-2")}
	result, err := h.svc.SetVisibilityBatch(ctx, "doc-1", keys, annotation.PublicNamed, false)
	if err != nil {
		t.Fatalf("SetVisibilityBatch() error = %v", err)
	}
	if len(result.Succeeded) != 2 || len(result.Failed) != 2 {
		t.Fatalf("unexpected batch result %+v", result)
	}
	if len(h.store.records) != 2 {
		t.Fatalf("expected 2 remote rows, got %d", len(h.store.records))
	}
	wantFailures := []struct {
		key  string
		kind annotation.ErrorKind
	}{
		{"missing", annotation.KindNotFound},
		{annotation.RemoteLocalKey("r9"), annotation.KindValidation},
	}
	for i, want := range wantFailures {
		got := result.Failed[i]
		if got.Record.LocalKey != want.key || got.Record.DocumentID != "doc-1" {
			t.Errorf("failure %d: unexpected record %+v", i, got.Record)
		}
		if kind, _ := annotation.KindOf(got.Err); kind != want.kind {
			t.Errorf("failure %d: expected %s, got %v", i, want.kind, got.Err)
		}
	}

	onlyUnknown, err := h.svc.SetVisibilityBatch(ctx, "doc-1", []string{"gone"}, annotation.Private, false)
	if err != nil {
		t.Fatalf("all-unknown batch must not fail the call: %v", err)
	}
	if len(onlyUnknown.Succeeded) != 0 || len(onlyUnknown.Failed) != 1 {
		t.Fatalf("unexpected batch result %+v", onlyUnknown)
	}

	if _, err := h.svc.SetVisibilityBatch(ctx, "doc-1", nil, annotation.PublicNamed, false); err == nil {
		t.Fatal("expected error for empty key list")
	}
}

func TestCommentsBuildTreeAndInvalidate(t *testing.T) {
	h := newTestService(t, newFakeStore())
	ctx := context.Background()

	if _, err := h.svc.SetVisibility(ctx, "doc-1", highlightKey, annotation.PublicNamed, false); err != nil {
		t.Fatalf("share: %v", err)
	}
	if _, err := h.svc.Sync(ctx, "doc-1", false); err != nil {
		t.Fatalf("sync: %v", err)
	}

	root, err := h.svc.AddComment(ctx, annotation.OwnerAnnotation, "r1", CommentInput{Content: "agreed"})
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	if _, err := h.svc.AddComment(ctx, annotation.OwnerAnnotation, "r1", CommentInput{Content: "why?", ParentID: root.ID, IsAnonymous: true}); err != nil {
		t.Fatalf("reply error = %v", err)
	}

	tree, err := h.svc.Comments(ctx, annotation.OwnerAnnotation, "r1")
	if err != nil {
		t.Fatalf("Comments() error = %v", err)
	}
	if len(tree) != 1 || len(tree[0].Children) != 1 {
		t.Fatalf("unexpected tree %+v", tree)
	}
	if tree[0].Children[0].AuthorName != "" {
		t.Error("anonymous reply must not carry an author name")
	}

	res, err := h.svc.Sync(ctx, "doc-1", false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Cached {
		t.Fatal("comment must invalidate the snapshot")
	}
	rec, _ := findRecord(res.Records, highlightKey)
	if rec.CommentsCount != 2 {
		t.Fatalf("expected 2 comments counted, got %d", rec.CommentsCount)
	}

	if _, err := h.svc.AddComment(ctx, annotation.OwnerDocument, "doc-1", CommentInput{Content: "  "}); err == nil {
		t.Fatal("expected validation error for blank content")
	}
}

func TestHighlightWithoutBrowserIsUnavailable(t *testing.T) {
	h := newTestService(t, newFakeStore())

	_, err := h.svc.Highlight(context.Background(), "doc-1", HighlightInput{})
	if kind, _ := annotation.KindOf(err); kind != annotation.KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
	if _, err := h.svc.Highlight(context.Background(), "doc-1", HighlightInput{Filter: "everything"}); err == nil {
		t.Fatal("expected validation error for unknown filter")
	}
}

type fakeSurface struct {
	mu          sync.Mutex
	placed      []string
	details     []host.Detail
	layerHidden bool
}

func (s *fakeSurface) PlaceMarker(_ context.Context, m host.Marker) error {
	s.mu.Lock()
	s.placed = append(s.placed, m.ID)
	s.mu.Unlock()
	return nil
}

func (s *fakeSurface) RemoveMarker(context.Context, string) error { return nil }

func (s *fakeSurface) ScrollTo(context.Context, int, annotation.Rect) error { return nil }

func (s *fakeSurface) ShowDetail(_ context.Context, d host.Detail) error {
	s.mu.Lock()
	s.details = append(s.details, d)
	s.mu.Unlock()
	return nil
}

func (s *fakeSurface) SetNativeLayerHidden(_ context.Context, hidden bool) error {
	s.mu.Lock()
	s.layerHidden = hidden
	s.mu.Unlock()
	return nil
}

type fakeView struct {
	documentID string
	surface    *fakeSurface
}

func (v *fakeView) ID() string         { return "view-" + v.documentID }
func (v *fakeView) DocumentID() string { return v.documentID }
func (v *fakeView) Transform(context.Context) (host.Transform, error) {
	return host.Transform{Zoom: 1}, nil
}
func (v *fakeView) Surface() host.Surface { return v.surface }

// lazyRegistry opens views asynchronously: OpenView returns no view and the
// view shows up in ListOpenViews shortly after.
type lazyRegistry struct {
	mu     sync.Mutex
	views  []host.View
	opened []host.AttachmentRef
}

func (r *lazyRegistry) ListOpenViews(context.Context) ([]host.View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]host.View(nil), r.views...), nil
}

func (r *lazyRegistry) OpenView(_ context.Context, attachment host.AttachmentRef) (host.View, error) {
	r.mu.Lock()
	r.opened = append(r.opened, attachment)
	r.mu.Unlock()
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.mu.Lock()
		r.views = append(r.views, &fakeView{documentID: attachment.DocumentID, surface: &fakeSurface{}})
		r.mu.Unlock()
	}()
	return nil, nil
}

func (r *lazyRegistry) surface(documentID string) *fakeSurface {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, view := range r.views {
		if view.DocumentID() == documentID {
			return view.Surface().(*fakeSurface)
		}
	}
	return nil
}

func TestFocusOpensViewOfClosedDocument(t *testing.T) {
	registry := &lazyRegistry{}
	h := newTestServiceWithViews(t, newFakeStore(), registry)
	ctx := context.Background()

	ok, err := h.svc.Focus(ctx, "doc-1", highlightKey)
	if err != nil {
		t.Fatalf("Focus() error = %v", err)
	}
	if !ok {
		t.Fatal("expected the highlight to be focused")
	}
	if len(registry.opened) != 1 || registry.opened[0].Key != "att-1" {
		t.Fatalf("expected att-1 to be opened once, got %+v", registry.opened)
	}
	surface := registry.surface("doc-1")
	if surface == nil {
		t.Fatal("view never opened")
	}
	surface.mu.Lock()
	placed, details := len(surface.placed), len(surface.details)
	surface.mu.Unlock()
	if placed != 1 || details != 1 {
		t.Fatalf("expected one marker and one detail, got %d/%d", placed, details)
	}
}

func TestSetNativeLayerOpensViewOfClosedDocument(t *testing.T) {
	registry := &lazyRegistry{}
	h := newTestServiceWithViews(t, newFakeStore(), registry)

	ok, err := h.svc.SetNativeLayer(context.Background(), "doc-1", true)
	if err != nil {
		t.Fatalf("SetNativeLayer() error = %v", err)
	}
	if !ok {
		t.Fatal("expected the native layer to be toggled")
	}
	surface := registry.surface("doc-1")
	if surface == nil {
		t.Fatal("view never opened")
	}
	surface.mu.Lock()
	defer surface.mu.Unlock()
	if !surface.layerHidden {
		t.Fatal("native layer should be hidden")
	}
}
