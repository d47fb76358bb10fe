// Package hostview drives pdf.js viewer tabs in a Chromium instance over the
// DevTools protocol, exposing them as host views that highlights are drawn on.
package hostview

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"marginalia/internal/annotation"
	"marginalia/internal/host"
	"marginalia/internal/platform/logger"
)

type Config struct {
	// DebugURL is the browser's DevTools endpoint, e.g. ws://127.0.0.1:9222.
	// Empty launches a headless browser instead.
	DebugURL string
	// ViewerURL is a template with two %s verbs: document id and file path.
	ViewerURL string
	// CallTimeout bounds every script evaluation in a tab.
	CallTimeout time.Duration
}

// Registry implements host.Registry over the browser's page targets.
type Registry struct {
	cfg Config
	log *logger.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu    sync.Mutex
	views map[target.ID]*View
}

// New connects to the browser and returns a registry of its viewer tabs.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Registry, error) {
	if strings.Count(cfg.ViewerURL, "%s") != 2 {
		return nil, fmt.Errorf("viewer url must contain two %%s verbs: %q", cfg.ViewerURL)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.DebugURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.DebugURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run binds the browser's lifetime to its context, so it must
	// not be a deadline-bound child.
	if err := ctx.Err(); err != nil {
		browserCancel()
		allocCancel()
		return nil, err
	}
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	return &Registry{
		cfg:           cfg,
		log:           logger.Or(log),
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		views:         make(map[target.ID]*View),
	}, nil
}

// Close releases the browser connection.
func (r *Registry) Close() {
	r.mu.Lock()
	r.views = make(map[target.ID]*View)
	r.mu.Unlock()
	r.browserCancel()
	r.allocCancel()
}

// ListOpenViews returns the viewer tabs currently open in the browser,
// attaching to tabs it has not seen before and forgetting closed ones.
func (r *Registry) ListOpenViews(ctx context.Context) ([]host.View, error) {
	listCtx, cancel := r.callContext(ctx, r.browserCtx)
	defer cancel()

	infos, err := chromedp.Targets(listCtx)
	if err != nil {
		return nil, annotation.NetworkError("hostview.list", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[target.ID]bool, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		documentID, ok := DocumentIDFromURL(info.URL)
		if !ok {
			continue
		}
		seen[info.TargetID] = true
		if view, ok := r.views[info.TargetID]; ok {
			view.setDocumentID(documentID)
			continue
		}
		tabCtx, tabCancel := chromedp.NewContext(r.browserCtx, chromedp.WithTargetID(info.TargetID))
		r.views[info.TargetID] = newView(r, info.TargetID, documentID, tabCtx, tabCancel)
	}
	for id, view := range r.views {
		if !seen[id] {
			view.cancel()
			delete(r.views, id)
		}
	}

	views := make([]host.View, 0, len(r.views))
	for _, view := range r.views {
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID() < views[j].ID() })
	return views, nil
}

// OpenView creates a tab loading the attachment in the viewer and returns a
// nil view: the tab is picked up by ListOpenViews while the viewer loads.
func (r *Registry) OpenView(ctx context.Context, attachment host.AttachmentRef) (host.View, error) {
	if strings.TrimSpace(attachment.DocumentID) == "" {
		return nil, annotation.ValidationError("hostview.open", "attachment has no document id")
	}
	c := chromedp.FromContext(r.browserCtx)
	if c == nil || c.Browser == nil {
		return nil, annotation.NetworkError("hostview.open", fmt.Errorf("browser not connected"))
	}

	callCtx, cancel := r.callContext(ctx, r.browserCtx)
	defer cancel()
	id, err := target.CreateTarget(ViewerURL(r.cfg.ViewerURL, attachment)).Do(cdp.WithExecutor(callCtx, c.Browser))
	if err != nil {
		return nil, annotation.NetworkError("hostview.open", err)
	}
	r.log.Debug("viewer tab created", "document_id", attachment.DocumentID, "target_id", string(id))
	return nil, nil
}

// callContext derives a bounded context for a DevTools call on base that is
// also cancelled with the caller's ctx.
func (r *Registry) callContext(ctx, base context.Context) (context.Context, context.CancelFunc) {
	callCtx, cancel := context.WithTimeout(base, r.cfg.CallTimeout)
	stop := context.AfterFunc(ctx, cancel)
	return callCtx, func() {
		stop()
		cancel()
	}
}

// ViewerURL fills the viewer template for an attachment.
func ViewerURL(template string, attachment host.AttachmentRef) string {
	return fmt.Sprintf(template, url.QueryEscape(attachment.DocumentID), url.QueryEscape(attachment.Path))
}

// DocumentIDFromURL extracts the document id a viewer tab was opened for.
func DocumentIDFromURL(raw string) (string, bool) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	documentID := strings.TrimSpace(parsed.Query().Get("doc"))
	if documentID == "" {
		return "", false
	}
	return documentID, true
}
