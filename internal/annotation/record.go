// Package annotation holds the canonical annotation model shared by every
// stage of the pipeline: extraction, reconciliation, visibility changes and
// on-screen highlighting.
package annotation

import (
	"strings"
	"time"
)

type Kind string

const (
	KindHighlight Kind = "highlight"
	KindNote      Kind = "note"
	KindUnderline Kind = "underline"
	KindImage     Kind = "image"
	KindInk       Kind = "ink"
)

// ParseKind maps a host markup type onto a Kind. Unknown types are treated
// as highlights.
func ParseKind(raw string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindNote:
		return KindNote
	case KindUnderline:
		return KindUnderline
	case KindImage:
		return KindImage
	case KindInk:
		return KindInk
	default:
		return KindHighlight
	}
}

type Visibility string

const (
	Private         Visibility = "private"
	PublicNamed     Visibility = "public-named"
	PublicAnonymous Visibility = "public-anonymous"
)

func (v Visibility) Valid() bool {
	switch v {
	case Private, PublicNamed, PublicAnonymous:
		return true
	default:
		return false
	}
}

func (v Visibility) IsPublic() bool {
	return v == PublicNamed || v == PublicAnonymous
}

// Rect is an axis-aligned box in page space.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Record is the canonical annotation as seen by the reader.
type Record struct {
	LocalKey      string     `json:"localKey"`
	RemoteID      string     `json:"remoteId,omitempty"`
	DocumentID    string     `json:"documentId"`
	Kind          Kind       `json:"kind"`
	Text          string     `json:"text"`
	Comment       string     `json:"comment,omitempty"`
	Color         string     `json:"color,omitempty"`
	PageIndex     *int       `json:"pageIndex,omitempty"`
	PageLabel     string     `json:"pageLabel,omitempty"`
	Rects         []Rect     `json:"rects"`
	Fingerprint   string     `json:"fingerprint"`
	Visibility    Visibility `json:"visibility"`
	AuthorID      string     `json:"authorId,omitempty"`
	AuthorName    string     `json:"authorName,omitempty"`
	LikesCount    uint       `json:"likesCount"`
	CommentsCount uint       `json:"commentsCount"`
	QualityScore  *float64   `json:"qualityScore,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Clone returns a copy that shares no memory with r.
func (r Record) Clone() Record {
	out := r
	if r.PageIndex != nil {
		page := *r.PageIndex
		out.PageIndex = &page
	}
	if r.QualityScore != nil {
		score := *r.QualityScore
		out.QualityScore = &score
	}
	if r.Rects != nil {
		out.Rects = make([]Rect, len(r.Rects))
		copy(out.Rects, r.Rects)
	}
	return out
}

// HasPosition reports whether the record can be located on a page.
func (r Record) HasPosition() bool {
	return r.PageIndex != nil && len(r.Rects) > 0
}

func (r Record) Shared() bool {
	return r.RemoteID != ""
}

// CloneAll deep-copies a slice of records.
func CloneAll(records []Record) []Record {
	if records == nil {
		return nil
	}
	out := make([]Record, len(records))
	for i, rec := range records {
		out[i] = rec.Clone()
	}
	return out
}

const remoteKeyPrefix = "remote:"

// RemoteLocalKey is the local key given to shared records that have no
// counterpart in the reader's library.
func RemoteLocalKey(remoteID string) string {
	return remoteKeyPrefix + remoteID
}

func IsRemoteOnly(localKey string) bool {
	return strings.HasPrefix(localKey, remoteKeyPrefix)
}

// Remote is a row of the shared annotation store.
type Remote struct {
	ID            string     `json:"id"`
	DocumentID    string     `json:"documentId"`
	LocalKey      string     `json:"localKey"`
	Fingerprint   string     `json:"fingerprint"`
	Kind          Kind       `json:"kind"`
	Text          string     `json:"text"`
	Comment       string     `json:"comment,omitempty"`
	Color         string     `json:"color,omitempty"`
	PageIndex     *int       `json:"pageIndex,omitempty"`
	PageLabel     string     `json:"pageLabel,omitempty"`
	Rects         []Rect     `json:"rects"`
	Visibility    Visibility `json:"visibility"`
	AuthorID      string     `json:"authorId"`
	AuthorName    string     `json:"authorName,omitempty"`
	LikesCount    uint       `json:"likesCount"`
	CommentsCount uint       `json:"commentsCount"`
	QualityScore  *float64   `json:"qualityScore,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Record converts a shared row that has no local counterpart.
func (r Remote) Record() Record {
	rec := Record{
		LocalKey:      RemoteLocalKey(r.ID),
		RemoteID:      r.ID,
		DocumentID:    r.DocumentID,
		Kind:          r.Kind,
		Text:          r.Text,
		Comment:       r.Comment,
		Color:         r.Color,
		PageIndex:     r.PageIndex,
		PageLabel:     r.PageLabel,
		Rects:         r.Rects,
		Fingerprint:   r.Fingerprint,
		Visibility:    r.Visibility,
		AuthorID:      r.AuthorID,
		AuthorName:    r.AuthorName,
		LikesCount:    r.LikesCount,
		CommentsCount: r.CommentsCount,
		QualityScore:  r.QualityScore,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.Visibility == PublicAnonymous {
		rec.AuthorName = ""
	}
	return rec.Clone()
}

// ToRemote builds the row that publishing rec would create.
func ToRemote(rec Record) Remote {
	fp := rec.Fingerprint
	if fp == "" {
		fp = Fingerprint(rec)
	}
	c := rec.Clone()
	return Remote{
		ID:            c.RemoteID,
		DocumentID:    c.DocumentID,
		LocalKey:      c.LocalKey,
		Fingerprint:   fp,
		Kind:          c.Kind,
		Text:          c.Text,
		Comment:       c.Comment,
		Color:         c.Color,
		PageIndex:     c.PageIndex,
		PageLabel:     c.PageLabel,
		Rects:         c.Rects,
		Visibility:    c.Visibility,
		AuthorID:      c.AuthorID,
		AuthorName:    c.AuthorName,
		LikesCount:    c.LikesCount,
		CommentsCount: c.CommentsCount,
		QualityScore:  c.QualityScore,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}
