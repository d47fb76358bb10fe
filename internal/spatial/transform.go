// Package spatial locates annotations inside open document views and draws
// highlight markers over them.
package spatial

import (
	"marginalia/internal/annotation"
	"marginalia/internal/host"
)

// ToOverlay maps a page-space rect on pageIndex to view overlay pixels.
// Pages the transform has no origin for are placed at (0,0).
func ToOverlay(rect annotation.Rect, pageIndex int, t host.Transform) annotation.Rect {
	zoom := zoomOf(t)
	origin := originOf(t, pageIndex)
	return annotation.Rect{
		X: rect.X*zoom + origin.X - t.ScrollX,
		Y: rect.Y*zoom + origin.Y - t.ScrollY,
		W: rect.W * zoom,
		H: rect.H * zoom,
	}
}

// FromOverlay is the inverse of ToOverlay.
func FromOverlay(rect annotation.Rect, pageIndex int, t host.Transform) annotation.Rect {
	zoom := zoomOf(t)
	origin := originOf(t, pageIndex)
	return annotation.Rect{
		X: (rect.X + t.ScrollX - origin.X) / zoom,
		Y: (rect.Y + t.ScrollY - origin.Y) / zoom,
		W: rect.W / zoom,
		H: rect.H / zoom,
	}
}

func zoomOf(t host.Transform) float64 {
	if t.Zoom <= 0 {
		return 1
	}
	return t.Zoom
}

func originOf(t host.Transform, pageIndex int) host.Point {
	if pageIndex < 0 || pageIndex >= len(t.PageOrigins) {
		return host.Point{}
	}
	return t.PageOrigins[pageIndex]
}
