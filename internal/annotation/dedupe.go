package annotation

import (
	"sort"
	"strings"
)

// Dedupe collapses records sharing a fingerprint into one representative.
//
// The representative is chosen by, in order: having a remote id, the number
// of filled optional fields (comment, quality score), the latest UpdatedAt,
// and finally the earliest input position. Fields missing on the
// representative are filled from the other members and social counters take
// the maximum across the group. Output keeps the input order of the
// representatives.
func Dedupe(records []Record) []Record {
	type group struct {
		fingerprint string
		best        int
		members     []int
	}

	groups := make(map[string]*group, len(records))
	ordered := make([]*group, 0, len(records))
	for i, rec := range records {
		fp := rec.Fingerprint
		if fp == "" {
			fp = Fingerprint(rec)
		}
		g, ok := groups[fp]
		if !ok {
			g = &group{fingerprint: fp, best: i}
			groups[fp] = g
			ordered = append(ordered, g)
		}
		g.members = append(g.members, i)
		if better(rec, records[g.best]) {
			g.best = i
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].best < ordered[j].best })

	out := make([]Record, 0, len(ordered))
	for _, g := range ordered {
		merged := records[g.best].Clone()
		merged.Fingerprint = g.fingerprint
		for _, idx := range g.members {
			if idx == g.best {
				continue
			}
			absorb(&merged, records[idx])
		}
		if merged.Visibility == Private {
			merged.LikesCount = 0
			merged.CommentsCount = 0
		}
		out = append(out, merged)
	}
	return out
}

func completeness(r Record) int {
	score := 0
	if strings.TrimSpace(r.Comment) != "" {
		score++
	}
	if r.QualityScore != nil && *r.QualityScore != 0 {
		score++
	}
	return score
}

// better reports whether a should replace b as representative. Ties keep b.
func better(a, b Record) bool {
	if a.Shared() != b.Shared() {
		return a.Shared()
	}
	if ca, cb := completeness(a), completeness(b); ca != cb {
		return ca > cb
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

func absorb(dst *Record, src Record) {
	if dst.RemoteID == "" && src.RemoteID != "" {
		dst.RemoteID = src.RemoteID
	}
	if strings.TrimSpace(dst.Comment) == "" && strings.TrimSpace(src.Comment) != "" {
		dst.Comment = src.Comment
	}
	if (dst.QualityScore == nil || *dst.QualityScore == 0) && src.QualityScore != nil && *src.QualityScore != 0 {
		score := *src.QualityScore
		dst.QualityScore = &score
	}
	if dst.PageIndex == nil && src.PageIndex != nil {
		page := *src.PageIndex
		dst.PageIndex = &page
	}
	if dst.PageLabel == "" {
		dst.PageLabel = src.PageLabel
	}
	if len(dst.Rects) == 0 && len(src.Rects) > 0 {
		dst.Rects = append([]Rect(nil), src.Rects...)
	}
	dst.LikesCount = max(dst.LikesCount, src.LikesCount)
	dst.CommentsCount = max(dst.CommentsCount, src.CommentsCount)
}
