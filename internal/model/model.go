// Package model defines shared data structures.
package model

import "time"

// Feed represents an RSS/Atom feed subscription.
type Feed struct {
	ID           int64
	URL          string
	Title        string
	ETag         string
	LastModified string
	LastFetch    time.Time // last attempt, success or not
	LastOK       time.Time // last successful fetch
	FailCount    int
	NextFetch    time.Time
	MonthCount   int // entries within the retention window, drives polling interval
	LastError    string
}

// Entry represents a single article belonging to a feed.
// GUID is stable per feed: the item's guid, its link, or a content hash.
type Entry struct {
	ID          int64
	FeedID      int64
	GUID        string
	Title       string
	Link        string
	Published   time.Time // canonical, never raw/invalid
	ContentHTML string
	ReadAt      *time.Time // nil while unread
	Bookmarked  bool
	CreatedAt   time.Time
}

// Batch is one feed's parsed result, applied to storage as a single
// transaction by the write serializer.
type Batch struct {
	FeedID       int64
	FeedURL      string
	Title        string
	ETag         string
	LastModified string
	FetchedAt    time.Time
	Entries      []Entry // in parse order
}

// RunState is the lifecycle state of an update run.
type RunState string

const (
	RunPending    RunState = "pending"
	RunRunning    RunState = "running"
	RunCancelling RunState = "cancelling"
	RunCancelled  RunState = "cancelled"
	RunCompleted  RunState = "completed"
	RunFailed     RunState = "failed"
)

// Terminal reports whether the state is final for a run.
func (s RunState) Terminal() bool {
	return s == RunCancelled || s == RunCompleted || s == RunFailed
}

// FeedError records one feed's failure within a run.
type FeedError struct {
	FeedID  int64  `json:"feed_id"`
	FeedURL string `json:"feed_url"`
	Message string `json:"message"`
}

// RunSnapshot is an immutable copy of the current update run, safe to hand
// to any number of readers.
type RunSnapshot struct {
	ID            string      `json:"id"`
	State         RunState    `json:"state"`
	Total         int         `json:"total"`
	Completed     int         `json:"completed"`
	NewEntries    int         `json:"new_entries"`
	DateFallbacks int         `json:"date_fallbacks"`
	SkippedItems  int         `json:"skipped_items"`
	Errors        []FeedError `json:"errors"`
	Err           string      `json:"error,omitempty"` // run-level failure
	Progress      float64     `json:"progress"`
	StartedAt     time.Time   `json:"started_at"`
	EndedAt       time.Time   `json:"ended_at,omitempty"`
}

// Stats summarizes the store for the UI.
type Stats struct {
	Feeds      int `json:"feeds"`
	Unread     int `json:"unread"`
	Bookmarked int `json:"bookmarked"`
}
