// Package extract turns the host's raw markup into canonical annotation
// records.
package extract

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"marginalia/internal/annotation"
	"marginalia/internal/host"
	"marginalia/internal/platform/logger"
)

// keySpace namespaces local keys so they stay stable across restarts.
var keySpace = uuid.MustParse("5b8d3a1c-7f0e-4f43-9a5e-2c1d6b7e9f10")

type Extractor struct {
	source host.MarkupSource
	log    *logger.Logger
}

func New(source host.MarkupSource, log *logger.Logger) *Extractor {
	return &Extractor{source: source, log: logger.Or(log)}
}

// Extract returns every annotation attached to item. Attachments whose
// markup cannot be read are skipped.
func (e *Extractor) Extract(ctx context.Context, item host.Item) []annotation.Record {
	attachments, err := e.source.ListAttachments(ctx, item)
	if err != nil {
		e.log.Error("list attachments failed", "item", item.Key, "error", err)
		return []annotation.Record{}
	}

	out := make([]annotation.Record, 0)
	for _, attachment := range attachments {
		out = append(out, e.ExtractAttachment(ctx, attachment)...)
	}
	return out
}

// ExtractAttachment reads the markup of a single attachment.
func (e *Extractor) ExtractAttachment(ctx context.Context, attachment host.AttachmentRef) []annotation.Record {
	markup, err := e.source.ListMarkup(ctx, attachment)
	if err != nil {
		e.log.Warn("skipping unreadable attachment", "attachment", attachment.Key, "document_id", attachment.DocumentID, "error", err)
		return []annotation.Record{}
	}
	out := make([]annotation.Record, 0, len(markup))
	for _, raw := range markup {
		out = append(out, Normalize(attachment, raw))
	}
	return out
}

// Normalize converts one raw markup entry.
func Normalize(attachment host.AttachmentRef, raw host.RawMarkup) annotation.Record {
	pageIndex := raw.PageIndex
	if pageIndex == nil {
		pageIndex = PageIndexFromLabel(raw.PageLabel)
	} else {
		page := *pageIndex
		pageIndex = &page
	}
	var rects []annotation.Rect
	if len(raw.Rects) > 0 {
		rects = append([]annotation.Rect(nil), raw.Rects...)
	}

	rec := annotation.Record{
		LocalKey:   LocalKey(attachment.Key, raw.Key),
		DocumentID: attachment.DocumentID,
		Kind:       annotation.ParseKind(raw.Type),
		Text:       strings.TrimSpace(raw.Text),
		Comment:    strings.TrimSpace(raw.Comment),
		Color:      raw.Color,
		PageIndex:  pageIndex,
		PageLabel:  strings.TrimSpace(raw.PageLabel),
		Rects:      rects,
		Visibility: annotation.Private,
		AuthorID:   raw.AuthorID,
		AuthorName: raw.AuthorName,
		CreatedAt:  raw.CreatedAt,
		UpdatedAt:  raw.UpdatedAt,
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	rec.Fingerprint = annotation.Fingerprint(rec)
	return rec
}

// LocalKey derives a stable key from the attachment and markup keys.
func LocalKey(attachmentKey, markupKey string) string {
	return uuid.NewSHA1(keySpace, []byte(attachmentKey+"/"+markupKey)).String()
}

// PageIndexFromLabel reads the first run of digits in a 1-based page label.
// Labels without digits, such as roman numerals, yield nil.
func PageIndexFromLabel(label string) *int {
	start := strings.IndexFunc(label, isDigit)
	if start < 0 {
		return nil
	}
	end := start
	for end < len(label) && isDigit(rune(label[end])) {
		end++
	}
	n, err := strconv.Atoi(label[start:end])
	if err != nil || n < 1 {
		return nil
	}
	idx := n - 1
	return &idx
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }
