package hostview

import (
	"encoding/json"
	"fmt"

	"marginalia/internal/annotation"
	"marginalia/internal/host"
)

// transformScript reads zoom, scroll and page offsets from the pdf.js viewer.
const transformScript = `(() => {
  const app = window.PDFViewerApplication;
  const viewer = app && app.pdfViewer;
  const container = document.getElementById("viewerContainer");
  const pages = (viewer && viewer._pages) || [];
  return {
    zoom: viewer ? viewer.currentScale : 1,
    scrollX: container ? container.scrollLeft : 0,
    scrollY: container ? container.scrollTop : 0,
    pageOrigins: pages.map((p) => ({ x: p.div.offsetLeft, y: p.div.offsetTop })),
  };
})()`

// overlayBootstrap installs window.__marginalia once per page: an absolutely
// positioned layer inside the viewer container that holds marker elements.
const overlayBootstrap = `(() => {
  if (window.__marginalia) return;
  const container = document.getElementById("viewerContainer") || document.body;
  const layer = document.createElement("div");
  layer.id = "marginalia-overlay";
  layer.style.cssText = "position:absolute;left:0;top:0;pointer-events:none;z-index:10";
  container.appendChild(layer);
  const popover = document.createElement("div");
  popover.id = "marginalia-detail";
  popover.style.cssText = "position:absolute;display:none;max-width:320px;padding:8px;background:#fff;border:1px solid #ccc;z-index:11";
  container.appendChild(popover);
  const markers = new Map();
  window.__marginalia = {
    place(marker) {
      this.remove(marker.id);
      const group = document.createElement("div");
      group.dataset.marker = marker.id;
      group.title = marker.label || "";
      for (const r of marker.rects) {
        const box = document.createElement("div");
        box.style.cssText = "position:absolute;opacity:0.35;mix-blend-mode:multiply";
        box.style.left = (r.x + container.scrollLeft) + "px";
        box.style.top = (r.y + container.scrollTop) + "px";
        box.style.width = r.w + "px";
        box.style.height = r.h + "px";
        box.style.background = marker.color || "#ffd400";
        group.appendChild(box);
      }
      layer.appendChild(group);
      markers.set(marker.id, group);
    },
    remove(id) {
      const group = markers.get(id);
      if (group) {
        group.remove();
        markers.delete(id);
      }
      if (popover.dataset.marker === id) popover.style.display = "none";
    },
    detail(d) {
      const group = markers.get(d.markerId);
      const anchor = group && group.firstChild;
      popover.dataset.marker = d.markerId;
      popover.textContent = "";
      const text = document.createElement("p");
      text.textContent = d.text;
      popover.appendChild(text);
      if (d.comment) {
        const comment = document.createElement("p");
        comment.textContent = d.comment;
        popover.appendChild(comment);
      }
      const meta = document.createElement("small");
      meta.textContent = (d.authorName ? d.authorName + " · " : "") + d.likesCount + " likes · " + d.commentsCount + " comments";
      popover.appendChild(meta);
      if (anchor) {
        popover.style.left = anchor.style.left;
        popover.style.top = (parseFloat(anchor.style.top) + parseFloat(anchor.style.height) + 4) + "px";
      }
      popover.style.display = "block";
    },
    nativeLayer(hidden) {
      for (const el of document.querySelectorAll(".annotationLayer, .annotationEditorLayer")) {
        el.style.visibility = hidden ? "hidden" : "";
      }
    },
  };
})();`

func placeMarkerScript(marker host.Marker) (string, error) {
	if marker.Rects == nil {
		marker.Rects = []annotation.Rect{}
	}
	payload, err := json.Marshal(marker)
	if err != nil {
		return "", fmt.Errorf("encode marker: %w", err)
	}
	return overlayBootstrap + "window.__marginalia.place(" + string(payload) + ");", nil
}

func removeMarkerScript(markerID string) (string, error) {
	payload, err := json.Marshal(markerID)
	if err != nil {
		return "", fmt.Errorf("encode marker id: %w", err)
	}
	return overlayBootstrap + "window.__marginalia.remove(" + string(payload) + ");", nil
}

func showDetailScript(detail host.Detail) (string, error) {
	payload, err := json.Marshal(detail)
	if err != nil {
		return "", fmt.Errorf("encode detail: %w", err)
	}
	return overlayBootstrap + "window.__marginalia.detail(" + string(payload) + ");", nil
}

func nativeLayerScript(hidden bool) string {
	return fmt.Sprintf("%swindow.__marginalia.nativeLayer(%t);", overlayBootstrap, hidden)
}

// scrollToScript asks pdf.js to bring a page-space point into view. pdf.js
// pages are 1-based.
func scrollToScript(pageIndex int, rect annotation.Rect) (string, error) {
	if pageIndex < 0 {
		return "", annotation.ValidationError("hostview.scroll", "negative page index")
	}
	dest, err := json.Marshal([]any{nil, map[string]string{"name": "XYZ"}, rect.X, rect.Y, nil})
	if err != nil {
		return "", fmt.Errorf("encode destination: %w", err)
	}
	return fmt.Sprintf(`(() => {
  const viewer = window.PDFViewerApplication && window.PDFViewerApplication.pdfViewer;
  if (!viewer) return false;
  viewer.scrollPageIntoView({ pageNumber: %d, destArray: %s });
  return true;
})()`, pageIndex+1, dest), nil
}
