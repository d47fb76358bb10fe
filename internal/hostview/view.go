package hostview

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"marginalia/internal/annotation"
	"marginalia/internal/host"
)

// View is an attached viewer tab. It is its own Surface.
type View struct {
	registry *Registry
	targetID target.ID
	ctx      context.Context
	cancel   context.CancelFunc

	mu         sync.RWMutex
	documentID string
}

func newView(registry *Registry, id target.ID, documentID string, ctx context.Context, cancel context.CancelFunc) *View {
	return &View{registry: registry, targetID: id, documentID: documentID, ctx: ctx, cancel: cancel}
}

func (v *View) ID() string {
	return string(v.targetID)
}

func (v *View) DocumentID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.documentID
}

// setDocumentID follows in-tab navigation to another document.
func (v *View) setDocumentID(documentID string) {
	v.mu.Lock()
	v.documentID = documentID
	v.mu.Unlock()
}

func (v *View) Surface() host.Surface {
	return v
}

func (v *View) Transform(ctx context.Context) (host.Transform, error) {
	var t host.Transform
	if err := v.eval(ctx, "hostview.transform", transformScript, &t); err != nil {
		return host.Transform{}, err
	}
	return t, nil
}

func (v *View) PlaceMarker(ctx context.Context, marker host.Marker) error {
	script, err := placeMarkerScript(marker)
	if err != nil {
		return err
	}
	return v.eval(ctx, "hostview.place_marker", script, nil)
}

func (v *View) RemoveMarker(ctx context.Context, markerID string) error {
	script, err := removeMarkerScript(markerID)
	if err != nil {
		return err
	}
	return v.eval(ctx, "hostview.remove_marker", script, nil)
}

func (v *View) ScrollTo(ctx context.Context, pageIndex int, rect annotation.Rect) error {
	script, err := scrollToScript(pageIndex, rect)
	if err != nil {
		return err
	}
	return v.eval(ctx, "hostview.scroll", script, nil)
}

func (v *View) ShowDetail(ctx context.Context, detail host.Detail) error {
	script, err := showDetailScript(detail)
	if err != nil {
		return err
	}
	return v.eval(ctx, "hostview.detail", script, nil)
}

func (v *View) SetNativeLayerHidden(ctx context.Context, hidden bool) error {
	return v.eval(ctx, "hostview.native_layer", nativeLayerScript(hidden), nil)
}

func (v *View) eval(ctx context.Context, op, script string, res any) error {
	callCtx, cancel := v.registry.callContext(ctx, v.ctx)
	defer cancel()
	if err := chromedp.Run(callCtx, chromedp.Evaluate(script, res)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return annotation.NetworkError(op, err)
	}
	return nil
}
