package spatial

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"marginalia/internal/annotation"
	"marginalia/internal/host"
	"marginalia/internal/platform/logger"
)

type ViewState string

const (
	StateIdle        ViewState = "idle"
	StateLocated     ViewState = "located"
	StateHighlighted ViewState = "highlighted"
	StateCleared     ViewState = "cleared"
	StateClosed      ViewState = "closed"
)

type Options struct {
	ScrollIntoView bool
	ShowDetail     bool
}

type Summary struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

type Config struct {
	PollInterval time.Duration
	OpenTimeout  time.Duration
	Now          func() time.Time
}

var defaultColors = map[annotation.Visibility]string{
	annotation.Private:         "#ffd400",
	annotation.PublicNamed:     "#5fb236",
	annotation.PublicAnonymous: "#2ea8e5",
}

type viewMarkers struct {
	view    host.View
	markers map[string]struct{}
}

type Highlighter struct {
	registry host.Registry
	log      *logger.Logger
	cfg      Config

	mu         sync.Mutex
	placed     map[string]*viewMarkers
	hidden     map[string]bool
	states     map[string]ViewState
	active     string
	generation uint64
	waits      map[*waitEntry]struct{}
}

type waitEntry struct {
	documentID string
	cancel     context.CancelFunc
}

func NewHighlighter(registry host.Registry, log *logger.Logger, cfg Config) *Highlighter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 1500 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Highlighter{
		registry: registry,
		log:      logger.Or(log),
		cfg:      cfg,
		placed:   make(map[string]*viewMarkers),
		hidden:   make(map[string]bool),
		states:   make(map[string]ViewState),
		waits:    make(map[*waitEntry]struct{}),
	}
}

// FindOpenView returns an open view of documentID, or a not-found error.
func (h *Highlighter) FindOpenView(ctx context.Context, documentID string) (host.View, error) {
	views, err := h.registry.ListOpenViews(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open views: %w", err)
	}
	for _, view := range views {
		if view.DocumentID() == documentID {
			h.setState(view.ID(), StateLocated)
			return view, nil
		}
	}
	return nil, annotation.NotFoundError("spatial.find_view", "no open view for document "+documentID)
}

// EnsureOpenView returns an open view of the attachment, asking the host to
// open one when needed and polling until it appears or OpenTimeout passes.
// Switching the active document to another one cancels the wait.
func (h *Highlighter) EnsureOpenView(ctx context.Context, attachment host.AttachmentRef) (host.View, error) {
	view, err := h.FindOpenView(ctx, attachment.DocumentID)
	if err == nil {
		return view, nil
	}
	if !errors.Is(err, annotation.ErrNotFound) {
		return nil, err
	}

	ctx, done := h.trackWait(ctx, attachment.DocumentID)
	defer done()

	view, err = h.registry.OpenView(ctx, attachment)
	if err != nil {
		return nil, fmt.Errorf("open view: %w", err)
	}
	if view != nil {
		h.setState(view.ID(), StateLocated)
		return view, nil
	}

	poll := func() (host.View, error) {
		v, err := h.FindOpenView(ctx, attachment.DocumentID)
		if err != nil && !errors.Is(err, annotation.ErrNotFound) {
			return nil, backoff.Permanent(err)
		}
		return v, err
	}
	view, err = backoff.Retry(ctx, poll,
		backoff.WithBackOff(backoff.NewConstantBackOff(h.cfg.PollInterval)),
		backoff.WithMaxElapsedTime(h.cfg.OpenTimeout),
	)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		if errors.Is(err, annotation.ErrNotFound) {
			return nil, annotation.NotFoundError("spatial.ensure_view", fmt.Sprintf("view for %s did not open within %s", attachment.DocumentID, h.cfg.OpenTimeout))
		}
		return nil, err
	}
	return view, nil
}

// HighlightOne draws rec on view. It reports false without an error when
// the record has no position data.
func (h *Highlighter) HighlightOne(ctx context.Context, view host.View, rec annotation.Record, opts Options) (bool, error) {
	if !rec.HasPosition() {
		h.log.Warn("annotation has no position, not highlighting", "local_key", rec.LocalKey, "document_id", rec.DocumentID)
		return false, nil
	}
	t, err := view.Transform(ctx)
	if err != nil {
		return false, fmt.Errorf("read view transform: %w", err)
	}

	page := *rec.PageIndex
	rects := make([]annotation.Rect, 0, len(rec.Rects))
	for _, r := range rec.Rects {
		rects = append(rects, ToOverlay(r, page, t))
	}
	marker := host.Marker{
		ID:        MarkerID(rec),
		PageIndex: page,
		Rects:     rects,
		Color:     markerColor(rec),
		Label:     rec.AuthorName,
	}
	surface := view.Surface()
	if err := surface.PlaceMarker(ctx, marker); err != nil {
		return false, fmt.Errorf("place marker: %w", err)
	}
	h.remember(view, marker.ID)

	if opts.ScrollIntoView {
		if err := surface.ScrollTo(ctx, page, rec.Rects[0]); err != nil {
			h.log.Warn("scroll to annotation failed", "local_key", rec.LocalKey, "error", err)
		}
	}
	if opts.ShowDetail {
		detail := host.Detail{
			MarkerID:      marker.ID,
			Text:          rec.Text,
			Comment:       rec.Comment,
			AuthorName:    rec.AuthorName,
			LikesCount:    rec.LikesCount,
			CommentsCount: rec.CommentsCount,
		}
		if err := surface.ShowDetail(ctx, detail); err != nil {
			h.log.Warn("show annotation detail failed", "local_key", rec.LocalKey, "error", err)
		}
	}
	return true, nil
}

// HighlightMany draws every record passing filter.
func (h *Highlighter) HighlightMany(ctx context.Context, view host.View, records []annotation.Record, filter Filter) Summary {
	return h.highlightMany(ctx, view, records, filter, func() bool { return true })
}

func (h *Highlighter) highlightMany(ctx context.Context, view host.View, records []annotation.Record, filter Filter, current func() bool) Summary {
	var summary Summary
	for _, rec := range Select(records, filter, h.cfg.Now()) {
		if ctx.Err() != nil || !current() {
			break
		}
		ok, err := h.HighlightOne(ctx, view, rec, Options{})
		if err != nil {
			h.log.Warn("highlight failed", "local_key", rec.LocalKey, "view", view.ID(), "error", err)
		}
		// A switch during placement may have cleared before this marker was
		// remembered, leaving it on the old document.
		if ok && !current() {
			h.unplace(ctx, view, MarkerID(rec))
			break
		}
		if ok {
			summary.Success++
		} else {
			summary.Failed++
		}
	}
	return summary
}

// HighlightDocument makes the attachment's document active, waits for its
// view and highlights records on it. The returned bool is false when the
// active document changed meanwhile; such results are dropped without error.
func (h *Highlighter) HighlightDocument(ctx context.Context, attachment host.AttachmentRef, records []annotation.Record, filter Filter) (Summary, bool, error) {
	gen := h.SetActiveDocument(ctx, attachment.DocumentID)
	current := func() bool { return h.isCurrent(gen) }

	view, err := h.EnsureOpenView(ctx, attachment)
	if !current() {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, true, err
	}
	summary := h.highlightMany(ctx, view, records, filter, current)
	if !current() {
		return Summary{}, false, nil
	}
	return summary, true, nil
}

// SetActiveDocument switches the document the reader is looking at. On a
// change it clears all markers and cancels view waits for other documents.
// It returns the generation the caller's work belongs to.
func (h *Highlighter) SetActiveDocument(ctx context.Context, documentID string) uint64 {
	h.mu.Lock()
	if h.active == documentID {
		gen := h.generation
		h.mu.Unlock()
		return gen
	}
	h.active = documentID
	h.generation++
	gen := h.generation
	for wait := range h.waits {
		if wait.documentID != documentID {
			wait.cancel()
		}
	}
	h.mu.Unlock()

	h.ClearAll(ctx)
	return gen
}

func (h *Highlighter) ActiveDocument() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// ToggleNativeLayer hides or shows the host's own markup layer on view.
func (h *Highlighter) ToggleNativeLayer(ctx context.Context, view host.View, hidden bool) bool {
	if err := view.Surface().SetNativeLayerHidden(ctx, hidden); err != nil {
		h.log.Warn("toggle native layer failed", "view", view.ID(), "error", err)
		return false
	}
	h.mu.Lock()
	h.hidden[view.ID()] = hidden
	h.mu.Unlock()
	return true
}

func (h *Highlighter) NativeLayerHidden(viewID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hidden[viewID]
}

// ClearAll removes every marker placed by the highlighter, across views,
// and returns how many were removed.
func (h *Highlighter) ClearAll(ctx context.Context) int {
	h.mu.Lock()
	placed := h.placed
	h.placed = make(map[string]*viewMarkers)
	for viewID := range placed {
		if h.states[viewID] != StateClosed {
			h.states[viewID] = StateCleared
		}
	}
	h.mu.Unlock()

	removed := 0
	for viewID, vm := range placed {
		surface := vm.view.Surface()
		for markerID := range vm.markers {
			if err := surface.RemoveMarker(ctx, markerID); err != nil {
				h.log.Warn("remove marker failed", "view", viewID, "marker", markerID, "error", err)
				continue
			}
			removed++
		}
	}
	return removed
}

// ViewClosed forgets everything tracked for a view the host closed.
func (h *Highlighter) ViewClosed(viewID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.placed, viewID)
	delete(h.hidden, viewID)
	h.states[viewID] = StateClosed
}

func (h *Highlighter) State(viewID string) ViewState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if state, ok := h.states[viewID]; ok {
		return state
	}
	return StateIdle
}

// MarkerCount returns the number of markers currently placed on a view.
func (h *Highlighter) MarkerCount(viewID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if vm, ok := h.placed[viewID]; ok {
		return len(vm.markers)
	}
	return 0
}

// MarkerID is stable per document and local key so re-highlighting reuses
// the marker.
func MarkerID(rec annotation.Record) string {
	sum := sha1.Sum([]byte(rec.DocumentID + "/" + rec.LocalKey))
	return "mk_" + hex.EncodeToString(sum[:])[:12]
}

func markerColor(rec annotation.Record) string {
	if rec.Color != "" {
		return rec.Color
	}
	if color, ok := defaultColors[rec.Visibility]; ok {
		return color
	}
	return defaultColors[annotation.Private]
}

func (h *Highlighter) remember(view host.View, markerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	vm, ok := h.placed[view.ID()]
	if !ok {
		vm = &viewMarkers{view: view, markers: make(map[string]struct{})}
		h.placed[view.ID()] = vm
	}
	vm.markers[markerID] = struct{}{}
	h.states[view.ID()] = StateHighlighted
}

func (h *Highlighter) unplace(ctx context.Context, view host.View, markerID string) {
	h.mu.Lock()
	if vm, ok := h.placed[view.ID()]; ok {
		delete(vm.markers, markerID)
		if len(vm.markers) == 0 {
			delete(h.placed, view.ID())
		}
	}
	h.mu.Unlock()
	if err := view.Surface().RemoveMarker(ctx, markerID); err != nil {
		h.log.Warn("remove stale marker failed", "view", view.ID(), "marker", markerID, "error", err)
	}
}

func (h *Highlighter) setState(viewID string, state ViewState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.states[viewID] == StateHighlighted && state == StateLocated {
		return
	}
	h.states[viewID] = state
}

func (h *Highlighter) isCurrent(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation == gen
}

func (h *Highlighter) trackWait(ctx context.Context, documentID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	entry := &waitEntry{documentID: documentID, cancel: cancel}
	h.mu.Lock()
	h.waits[entry] = struct{}{}
	h.mu.Unlock()
	return ctx, func() {
		h.mu.Lock()
		delete(h.waits, entry)
		h.mu.Unlock()
		cancel()
	}
}
