package spatial

import (
	"strings"
	"time"

	"marginalia/internal/annotation"
)

type Filter string

const (
	FilterAll     Filter = "all"
	FilterQuality Filter = "quality"
	FilterRecent  Filter = "recent"
)

const (
	qualityThreshold = 4.0
	recentWindow     = 7 * 24 * time.Hour
)

// ParseFilter accepts the filter names case-insensitively; empty means all.
func ParseFilter(raw string) (Filter, error) {
	switch Filter(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterQuality:
		return FilterQuality, nil
	case FilterRecent:
		return FilterRecent, nil
	default:
		return "", annotation.ValidationError("spatial.filter", "unknown filter "+raw)
	}
}

// Select keeps the records matching filter, in input order.
func Select(records []annotation.Record, filter Filter, now time.Time) []annotation.Record {
	out := make([]annotation.Record, 0, len(records))
	for _, rec := range records {
		if matches(rec, filter, now) {
			out = append(out, rec)
		}
	}
	return out
}

func matches(rec annotation.Record, filter Filter, now time.Time) bool {
	switch filter {
	case FilterQuality:
		return rec.LikesCount > 0 || rec.CommentsCount > 0 ||
			(rec.QualityScore != nil && *rec.QualityScore >= qualityThreshold)
	case FilterRecent:
		return !rec.CreatedAt.IsZero() && now.Sub(rec.CreatedAt) <= recentWindow
	default:
		return true
	}
}
