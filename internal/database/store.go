// Package database provides SQLite storage for the RSS reader.
package database

import (
	"time"

	"github.com/bryan-buckman/localrss/internal/model"
)

// EntryFilter selects entries for listing.
type EntryFilter struct {
	FeedID *int64 // nil for all feeds
	Mode   string // "unread" (default), "read", "bookmarked", "all"
	Limit  int
}

// Store defines the storage operations the rest of the app depends on.
// The production implementation is the SQLite DB; tests substitute fakes.
type Store interface {
	Close() error

	// Feed operations
	GetAllFeeds() ([]model.Feed, error)
	GetDueFeeds(now time.Time) ([]model.Feed, error)
	GetFeedByID(feedID int64) (*model.Feed, error)
	GetFeedByURL(url string) (*model.Feed, error)
	SearchFeeds(q string, limit int) ([]model.Feed, error)
	CreateFeed(url, title string) (int64, error)
	UpdateFeed(feedID int64, url, title string) error
	DeleteFeed(feedID int64) error

	// Run write operations. During an update run these are called only by
	// the write serializer. Each batch is applied as one transaction.
	ApplyBatch(batch *model.Batch) (added int, err error)
	MarkFeedError(feedID int64, msg string, now time.Time) error
	MarkFeedUnchanged(feedID int64, now time.Time) error
	PruneEntries(now time.Time) (int64, error)

	// Entry operations
	GetEntries(f EntryFilter) ([]model.Entry, error)
	MarkEntryRead(entryID int64, at time.Time) error
	ToggleBookmark(entryID int64) (bool, error)

	Stats() (model.Stats, error)
}
