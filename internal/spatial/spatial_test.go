package spatial

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginalia/internal/annotation"
	"marginalia/internal/host"
)

type fakeSurface struct {
	mu          sync.Mutex
	placed      map[string]host.Marker
	removed     []string
	scrolled    int
	details     []host.Detail
	layerHidden bool
	placeErr    error
	layerErr    error
	onPlace     func(host.Marker)
}

func newFakeSurface() *fakeSurface { return &fakeSurface{placed: map[string]host.Marker{}} }

func (s *fakeSurface) PlaceMarker(_ context.Context, m host.Marker) error {
	s.mu.Lock()
	if s.placeErr != nil {
		s.mu.Unlock()
		return s.placeErr
	}
	s.placed[m.ID] = m
	s.mu.Unlock()
	if s.onPlace != nil {
		s.onPlace(m)
	}
	return nil
}

func (s *fakeSurface) RemoveMarker(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.placed, id)
	s.removed = append(s.removed, id)
	return nil
}

func (s *fakeSurface) ScrollTo(context.Context, int, annotation.Rect) error {
	s.mu.Lock()
	s.scrolled++
	s.mu.Unlock()
	return nil
}

func (s *fakeSurface) ShowDetail(_ context.Context, d host.Detail) error {
	s.mu.Lock()
	s.details = append(s.details, d)
	s.mu.Unlock()
	return nil
}

func (s *fakeSurface) SetNativeLayerHidden(_ context.Context, hidden bool) error {
	if s.layerErr != nil {
		return s.layerErr
	}
	s.layerHidden = hidden
	return nil
}

type fakeView struct {
	id        string
	document  string
	transform host.Transform
	surface   *fakeSurface
}

func (v *fakeView) ID() string                                        { return v.id }
func (v *fakeView) DocumentID() string                                { return v.document }
func (v *fakeView) Transform(context.Context) (host.Transform, error) { return v.transform, nil }
func (v *fakeView) Surface() host.Surface                             { return v.surface }

type fakeRegistry struct {
	mu       sync.Mutex
	views    []host.View
	openFn   func(context.Context, host.AttachmentRef) (host.View, error)
	listErr  error
	lists    atomic.Int32
	opened   atomic.Int32
	onListFn func(call int32)
}

func (r *fakeRegistry) ListOpenViews(context.Context) ([]host.View, error) {
	call := r.lists.Add(1)
	if r.onListFn != nil {
		r.onListFn(call)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	return append([]host.View(nil), r.views...), nil
}

func (r *fakeRegistry) OpenView(ctx context.Context, a host.AttachmentRef) (host.View, error) {
	r.opened.Add(1)
	if r.openFn != nil {
		return r.openFn(ctx, a)
	}
	return nil, nil
}

func (r *fakeRegistry) add(v host.View) {
	r.mu.Lock()
	r.views = append(r.views, v)
	r.mu.Unlock()
}

func intPtr(v int) *int { return &v }

func positioned(key string, page int) annotation.Record {
	return annotation.Record{
		LocalKey:   key,
		DocumentID: "doc-1",
		Text:       "text " + key,
		PageIndex:  intPtr(page),
		Rects:      []annotation.Rect{{X: 10, Y: 20, W: 100, H: 20}},
		Visibility: annotation.Private,
	}
}

func newView(id, doc string) *fakeView {
	return &fakeView{id: id, document: doc, transform: host.Transform{Zoom: 1}, surface: newFakeSurface()}
}

func TestToOverlayScalesWithZoom(t *testing.T) {
	rect := annotation.Rect{X: 10, Y: 20, W: 100, H: 20}

	got := ToOverlay(rect, 0, host.Transform{Zoom: 2})
	assert.Equal(t, annotation.Rect{X: 20, Y: 40, W: 200, H: 40}, got)

	got = ToOverlay(rect, 0, host.Transform{Zoom: 1})
	assert.Equal(t, rect, got)
}

func TestToOverlayAppliesPageOriginAndScroll(t *testing.T) {
	tr := host.Transform{Zoom: 1.5, ScrollX: 5, ScrollY: 300, PageOrigins: []host.Point{{X: 0, Y: 0}, {X: 12, Y: 820}}}
	rect := annotation.Rect{X: 10, Y: 20, W: 40, H: 8}

	got := ToOverlay(rect, 1, tr)
	assert.InDelta(t, 10*1.5+12-5, got.X, 1e-9)
	assert.InDelta(t, 20*1.5+820-300, got.Y, 1e-9)

	back := FromOverlay(got, 1, tr)
	assert.InDelta(t, rect.X, back.X, 1e-9)
	assert.InDelta(t, rect.Y, back.Y, 1e-9)
	assert.InDelta(t, rect.W, back.W, 1e-9)
	assert.InDelta(t, rect.H, back.H, 1e-9)
}

func TestSelectFilters(t *testing.T) {
	now := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	score := 4.2
	low := 1.0
	records := []annotation.Record{
		{LocalKey: "liked", LikesCount: 1, CreatedAt: now.Add(-30 * 24 * time.Hour)},
		{LocalKey: "commented", CommentsCount: 2},
		{LocalKey: "scored", QualityScore: &score, CreatedAt: now.Add(-time.Hour)},
		{LocalKey: "plain", QualityScore: &low, CreatedAt: now.Add(-8 * 24 * time.Hour)},
	}

	keys := func(recs []annotation.Record) []string {
		out := []string{}
		for _, r := range recs {
			out = append(out, r.LocalKey)
		}
		return out
	}
	assert.Equal(t, []string{"liked", "commented", "scored", "plain"}, keys(Select(records, FilterAll, now)))
	assert.Equal(t, []string{"liked", "commented", "scored"}, keys(Select(records, FilterQuality, now)))
	assert.Equal(t, []string{"scored"}, keys(Select(records, FilterRecent, now)))
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("")
	require.NoError(t, err)
	assert.Equal(t, FilterAll, f)
	f, err = ParseFilter("Quality")
	require.NoError(t, err)
	assert.Equal(t, FilterQuality, f)
	_, err = ParseFilter("popular")
	assert.ErrorIs(t, err, annotation.ErrValidation)
}

func TestFindOpenView(t *testing.T) {
	registry := &fakeRegistry{}
	view := newView("v1", "doc-1")
	registry.add(view)
	h := NewHighlighter(registry, nil, Config{})

	got, err := h.FindOpenView(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.ID())
	assert.Equal(t, StateLocated, h.State("v1"))

	_, err = h.FindOpenView(context.Background(), "doc-2")
	assert.ErrorIs(t, err, annotation.ErrNotFound)
}

func TestEnsureOpenViewPollsUntilViewAppears(t *testing.T) {
	registry := &fakeRegistry{}
	view := newView("v1", "doc-1")
	registry.onListFn = func(call int32) {
		if call == 4 {
			registry.add(view)
		}
	}
	h := NewHighlighter(registry, nil, Config{PollInterval: 5 * time.Millisecond, OpenTimeout: time.Second})

	got, err := h.EnsureOpenView(context.Background(), host.AttachmentRef{Key: "a1", DocumentID: "doc-1"})

	require.NoError(t, err)
	assert.Equal(t, "v1", got.ID())
	assert.EqualValues(t, 1, registry.opened.Load())
}

func TestEnsureOpenViewTimesOut(t *testing.T) {
	registry := &fakeRegistry{}
	h := NewHighlighter(registry, nil, Config{PollInterval: 5 * time.Millisecond, OpenTimeout: 40 * time.Millisecond})

	started := time.Now()
	_, err := h.EnsureOpenView(context.Background(), host.AttachmentRef{DocumentID: "doc-1"})

	assert.ErrorIs(t, err, annotation.ErrNotFound)
	assert.Less(t, time.Since(started), time.Second)
}

func TestEnsureOpenViewUsesSynchronousOpen(t *testing.T) {
	view := newView("v9", "doc-1")
	registry := &fakeRegistry{openFn: func(context.Context, host.AttachmentRef) (host.View, error) { return view, nil }}
	h := NewHighlighter(registry, nil, Config{})

	got, err := h.EnsureOpenView(context.Background(), host.AttachmentRef{DocumentID: "doc-1"})

	require.NoError(t, err)
	assert.Equal(t, "v9", got.ID())
}

func TestEnsureOpenViewPropagatesRegistryFailure(t *testing.T) {
	registry := &fakeRegistry{listErr: errors.New("devtools gone")}
	h := NewHighlighter(registry, nil, Config{})

	_, err := h.EnsureOpenView(context.Background(), host.AttachmentRef{DocumentID: "doc-1"})

	require.Error(t, err)
	assert.NotErrorIs(t, err, annotation.ErrNotFound)
	assert.EqualValues(t, 0, registry.opened.Load())
}

func TestHighlightOnePlacesAndReusesMarker(t *testing.T) {
	view := newView("v1", "doc-1")
	view.transform = host.Transform{Zoom: 2}
	h := NewHighlighter(&fakeRegistry{}, nil, Config{})
	rec := positioned("k1", 0)

	ok, err := h.HighlightOne(context.Background(), view, rec, Options{ScrollIntoView: true, ShowDetail: true})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = h.HighlightOne(context.Background(), view, rec, Options{})
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, view.surface.placed, 1)
	marker := view.surface.placed[MarkerID(rec)]
	assert.Equal(t, []annotation.Rect{{X: 20, Y: 40, W: 200, H: 40}}, marker.Rects)
	assert.Equal(t, "#ffd400", marker.Color)
	assert.Equal(t, 1, view.surface.scrolled)
	require.Len(t, view.surface.details, 1)
	assert.Equal(t, 1, h.MarkerCount("v1"))
	assert.Equal(t, StateHighlighted, h.State("v1"))
}

func TestHighlightOneWithoutPosition(t *testing.T) {
	view := newView("v1", "doc-1")
	h := NewHighlighter(&fakeRegistry{}, nil, Config{})
	rec := positioned("k1", 0)
	rec.PageIndex = nil

	ok, err := h.HighlightOne(context.Background(), view, rec, Options{})

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, view.surface.placed)
}

func TestHighlightManyCountsOutcomes(t *testing.T) {
	view := newView("v1", "doc-1")
	h := NewHighlighter(&fakeRegistry{}, nil, Config{})
	noPos := positioned("k3", 0)
	noPos.Rects = nil
	records := []annotation.Record{positioned("k1", 0), positioned("k2", 1), noPos}

	summary := h.HighlightMany(context.Background(), view, records, FilterAll)

	assert.Equal(t, Summary{Success: 2, Failed: 1}, summary)
	assert.Len(t, view.surface.placed, 2)
}

func TestToggleNativeLayerIsPerView(t *testing.T) {
	v1 := newView("v1", "doc-1")
	v2 := newView("v2", "doc-1")
	h := NewHighlighter(&fakeRegistry{}, nil, Config{})

	assert.True(t, h.ToggleNativeLayer(context.Background(), v1, true))
	assert.True(t, h.NativeLayerHidden("v1"))
	assert.False(t, h.NativeLayerHidden("v2"))
	assert.True(t, v1.surface.layerHidden)

	v2.surface.layerErr = errors.New("detached")
	assert.False(t, h.ToggleNativeLayer(context.Background(), v2, true))
	assert.False(t, h.NativeLayerHidden("v2"))

	h.ViewClosed("v1")
	assert.False(t, h.NativeLayerHidden("v1"))
	assert.Equal(t, StateClosed, h.State("v1"))
}

func TestClearAllRemovesAcrossViews(t *testing.T) {
	v1 := newView("v1", "doc-1")
	v2 := newView("v2", "doc-2")
	h := NewHighlighter(&fakeRegistry{}, nil, Config{})
	_, _ = h.HighlightOne(context.Background(), v1, positioned("k1", 0), Options{})
	_, _ = h.HighlightOne(context.Background(), v2, positioned("k2", 0), Options{})

	removed := h.ClearAll(context.Background())

	assert.Equal(t, 2, removed)
	assert.Empty(t, v1.surface.placed)
	assert.Empty(t, v2.surface.placed)
	assert.Equal(t, StateCleared, h.State("v1"))
	assert.Equal(t, 0, h.ClearAll(context.Background()))
}

func TestHighlightDocument(t *testing.T) {
	registry := &fakeRegistry{}
	view := newView("v1", "doc-1")
	registry.add(view)
	h := NewHighlighter(registry, nil, Config{})

	summary, current, err := h.HighlightDocument(context.Background(), host.AttachmentRef{DocumentID: "doc-1"}, []annotation.Record{positioned("k1", 0)}, FilterAll)

	require.NoError(t, err)
	assert.True(t, current)
	assert.Equal(t, Summary{Success: 1}, summary)
	assert.Equal(t, "doc-1", h.ActiveDocument())
}

func TestDocumentSwitchCancelsPendingWait(t *testing.T) {
	registry := &fakeRegistry{}
	h := NewHighlighter(registry, nil, Config{PollInterval: 5 * time.Millisecond, OpenTimeout: 5 * time.Second})

	type outcome struct {
		current bool
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		_, current, err := h.HighlightDocument(context.Background(), host.AttachmentRef{DocumentID: "doc-1"}, []annotation.Record{positioned("k1", 0)}, FilterAll)
		done <- outcome{current, err}
	}()

	require.Eventually(t, func() bool { return registry.opened.Load() == 1 }, time.Second, time.Millisecond)
	h.SetActiveDocument(context.Background(), "doc-2")

	select {
	case got := <-done:
		assert.False(t, got.current)
		assert.NoError(t, got.err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending wait was not cancelled by the document switch")
	}
}

func TestDocumentSwitchClearsMarkers(t *testing.T) {
	registry := &fakeRegistry{}
	view := newView("v1", "doc-1")
	registry.add(view)
	h := NewHighlighter(registry, nil, Config{})
	_, _, err := h.HighlightDocument(context.Background(), host.AttachmentRef{DocumentID: "doc-1"}, []annotation.Record{positioned("k1", 0)}, FilterAll)
	require.NoError(t, err)
	require.Len(t, view.surface.placed, 1)

	h.SetActiveDocument(context.Background(), "doc-2")

	assert.Empty(t, view.surface.placed)
}

func TestDocumentSwitchDuringPlacementLeavesNoMarker(t *testing.T) {
	registry := &fakeRegistry{}
	view := newView("v1", "doc-1")
	registry.add(view)
	h := NewHighlighter(registry, nil, Config{})
	var switched atomic.Bool
	view.surface.onPlace = func(host.Marker) {
		if switched.CompareAndSwap(false, true) {
			h.SetActiveDocument(context.Background(), "doc-2")
		}
	}

	records := []annotation.Record{positioned("k1", 0), positioned("k2", 1)}
	_, current, err := h.HighlightDocument(context.Background(), host.AttachmentRef{DocumentID: "doc-1"}, records, FilterAll)

	require.NoError(t, err)
	assert.False(t, current)
	assert.Empty(t, view.surface.placed)
	assert.Contains(t, view.surface.removed, MarkerID(records[0]))
	assert.Zero(t, h.MarkerCount("v1"))
	assert.Equal(t, "doc-2", h.ActiveDocument())
}

func TestMarkerIDIsStable(t *testing.T) {
	a := positioned("k1", 0)
	b := positioned("k1", 5)
	assert.Equal(t, MarkerID(a), MarkerID(b))
	assert.NotEqual(t, MarkerID(a), MarkerID(positioned("k2", 0)))
	assert.Regexp(t, `^mk_[0-9a-f]{12}$`, MarkerID(a))
}
