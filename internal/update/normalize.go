// Package update implements the feed update run: fetching and parsing
// feeds with bounded concurrency, serializing writes into the single-writer
// store, and tracking run progress with cooperative cancellation.
package update

import (
	"time"

	"github.com/araddon/dateparse"
)

// Feeds in the wild carry years like 1 or 9999 that break downstream date
// handling. Anything outside this window is treated as garbage.
const (
	MinYear = 1970
	MaxYear = 2100
)

// CanonicalTime converts a feed-supplied timestamp into one that is always
// safe to store and compare. parsed is the library-parsed value (may be
// nil), raw the original string from the document. When the value is
// missing, unparseable or has an out-of-range year, the ingestion time is
// substituted. The bool reports whether that fallback was used; the
// function never fails.
func CanonicalTime(parsed *time.Time, raw string, now time.Time) (time.Time, bool) {
	if parsed != nil {
		if y := parsed.Year(); y >= MinYear && y <= MaxYear {
			return parsed.UTC(), false
		}
		// Clamping to the boundary year could still produce an invalid
		// date, so the ingestion time stands in instead.
		return now.UTC(), true
	}
	if raw != "" {
		if t, err := dateparse.ParseAny(raw); err == nil {
			if y := t.Year(); y >= MinYear && y <= MaxYear {
				return t.UTC(), false
			}
		}
	}
	return now.UTC(), true
}
