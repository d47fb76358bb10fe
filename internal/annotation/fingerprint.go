package annotation

import (
	"crypto/sha1"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
)

// NormalizeText lower-cases s, collapses whitespace runs and trims the ends.
func NormalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Fingerprint identifies an annotation independently of any store id. Two
// records with the same normalized text on the same page whose first rect
// starts within rounding distance share a fingerprint.
func Fingerprint(rec Record) string {
	sum := sha1.Sum([]byte(NormalizeText(rec.Text)))
	page := "-"
	if rec.PageIndex != nil {
		page = strconv.Itoa(*rec.PageIndex)
	}
	origin := "-"
	if len(rec.Rects) > 0 {
		first := rec.Rects[0]
		origin = strconv.FormatInt(roundUnit(first.X), 10) + "," + strconv.FormatInt(roundUnit(first.Y), 10)
	}
	return hex.EncodeToString(sum[:])[:16] + ":" + page + ":" + origin
}

func roundUnit(v float64) int64 {
	return int64(math.Round(v))
}
