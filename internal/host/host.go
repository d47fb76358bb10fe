// Package host describes what marginalia needs from the application that
// displays documents: a source of raw markup and a registry of open views
// onto which highlights are drawn.
package host

import (
	"context"
	"time"

	"marginalia/internal/annotation"
)

// Item is a library entry that owns one or more document attachments.
type Item struct {
	Key   string `json:"key"`
	Title string `json:"title"`
}

// AttachmentRef points at a single document file.
type AttachmentRef struct {
	Key        string `json:"key"`
	ItemKey    string `json:"itemKey"`
	DocumentID string `json:"documentId"`
	Title      string `json:"title,omitempty"`
	Path       string `json:"path,omitempty"`
}

// RawMarkup is markup as the host stores it, before normalization.
type RawMarkup struct {
	Key        string
	Type       string
	Text       string
	Comment    string
	Color      string
	PageIndex  *int
	PageLabel  string
	Rects      []annotation.Rect
	AuthorID   string
	AuthorName string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type MarkupSource interface {
	ListAttachments(ctx context.Context, item Item) ([]AttachmentRef, error)
	ListMarkup(ctx context.Context, attachment AttachmentRef) ([]RawMarkup, error)
}

// Registry enumerates and opens document views. OpenView may return a nil
// View with a nil error when the view opens asynchronously.
type Registry interface {
	ListOpenViews(ctx context.Context) ([]View, error)
	OpenView(ctx context.Context, attachment AttachmentRef) (View, error)
}

type View interface {
	ID() string
	DocumentID() string
	Transform(ctx context.Context) (Transform, error)
	Surface() Surface
}

// Point is a position in view pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Transform is the view's current mapping from page space to the overlay.
// PageOrigins holds the top-left of each rendered page in unscrolled view
// pixels, indexed by page.
type Transform struct {
	Zoom        float64 `json:"zoom"`
	ScrollX     float64 `json:"scrollX"`
	ScrollY     float64 `json:"scrollY"`
	PageOrigins []Point `json:"pageOrigins"`
}

// Marker is a drawable highlight on a view's overlay.
type Marker struct {
	ID        string            `json:"id"`
	PageIndex int               `json:"pageIndex"`
	Rects     []annotation.Rect `json:"rects"`
	Color     string            `json:"color,omitempty"`
	Label     string            `json:"label,omitempty"`
}

// Detail is the popover shown next to a focused marker.
type Detail struct {
	MarkerID      string `json:"markerId"`
	Text          string `json:"text"`
	Comment       string `json:"comment,omitempty"`
	AuthorName    string `json:"authorName,omitempty"`
	LikesCount    uint   `json:"likesCount"`
	CommentsCount uint   `json:"commentsCount"`
}

type Surface interface {
	PlaceMarker(ctx context.Context, marker Marker) error
	RemoveMarker(ctx context.Context, markerID string) error
	ScrollTo(ctx context.Context, pageIndex int, rect annotation.Rect) error
	ShowDetail(ctx context.Context, detail Detail) error
	SetNativeLayerHidden(ctx context.Context, hidden bool) error
}
