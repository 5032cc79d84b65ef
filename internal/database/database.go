package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/localrss/internal/model"
	_ "modernc.org/sqlite"
)

// Options tunes retention and the adaptive polling policy.
type Options struct {
	Retention    time.Duration // entries older than this are prunable
	IntervalLow  time.Duration // next_fetch delay for quiet feeds
	IntervalMed  time.Duration
	IntervalHigh time.Duration
}

func (o *Options) applyDefaults() {
	if o.Retention == 0 {
		o.Retention = 30 * 24 * time.Hour
	}
	if o.IntervalLow == 0 {
		o.IntervalLow = 20 * time.Minute
	}
	if o.IntervalMed == 0 {
		o.IntervalMed = time.Hour
	}
	if o.IntervalHigh == 0 {
		o.IntervalHigh = 2 * time.Hour
	}
}

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	opts Options
}

// New opens or creates an SQLite database at the given path.
func New(path string, opts Options) (*DB, error) {
	opts.applyDefaults()
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	// One connection: SQLite allows a single writer, and the write
	// serializer already funnels run writes through one goroutine.
	conn.SetMaxOpenConns(1)
	db := &DB{conn: conn, opts: opts}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS feeds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		etag TEXT NOT NULL DEFAULT '',
		last_modified TEXT NOT NULL DEFAULT '',
		last_fetch INTEGER NOT NULL DEFAULT 0,
		last_ok INTEGER NOT NULL DEFAULT 0,
		fail_count INTEGER NOT NULL DEFAULT 0,
		next_fetch INTEGER NOT NULL DEFAULT 0,
		month_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		guid TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		link TEXT NOT NULL DEFAULT '',
		published INTEGER NOT NULL,
		content_html TEXT NOT NULL DEFAULT '',
		read_at INTEGER,
		bookmarked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE(feed_id, guid)
	);
	CREATE INDEX IF NOT EXISTS idx_entries_unread ON entries(read_at);
	CREATE INDEX IF NOT EXISTS idx_entries_bookmarked ON entries(bookmarked);
	CREATE INDEX IF NOT EXISTS idx_entries_feed_pub ON entries(feed_id, published);
	`
	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) cutoff(now time.Time) int64 {
	return now.Add(-db.opts.Retention).Unix()
}

// chooseInterval picks the polling interval from recent activity: quiet
// feeds are checked often, busy feeds less so.
func (db *DB) chooseInterval(monthCount int) time.Duration {
	switch {
	case monthCount <= 10:
		return db.opts.IntervalLow
	case monthCount <= 200:
		return db.opts.IntervalMed
	default:
		return db.opts.IntervalHigh
	}
}

// backoffDelay doubles per consecutive failure, capped at six hours.
func backoffDelay(failCount int) time.Duration {
	if failCount > 8 {
		failCount = 8
	}
	d := time.Duration(1<<uint(failCount)) * time.Minute
	if d > 6*time.Hour {
		d = 6 * time.Hour
	}
	return d
}

func tsOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeFromTS(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

// --- Feed Methods ---

const feedColumns = "id, url, title, etag, last_modified, last_fetch, last_ok, fail_count, next_fetch, month_count, last_error"

func scanFeed(row interface{ Scan(...any) error }) (model.Feed, error) {
	var f model.Feed
	var lastFetch, lastOK, nextFetch int64
	err := row.Scan(&f.ID, &f.URL, &f.Title, &f.ETag, &f.LastModified,
		&lastFetch, &lastOK, &f.FailCount, &nextFetch, &f.MonthCount, &f.LastError)
	if err != nil {
		return model.Feed{}, err
	}
	f.LastFetch = timeFromTS(lastFetch)
	f.LastOK = timeFromTS(lastOK)
	f.NextFetch = timeFromTS(nextFetch)
	return f, nil
}

func (db *DB) queryFeeds(query string, args ...any) ([]model.Feed, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// GetAllFeeds returns every feed ordered by display title.
func (db *DB) GetAllFeeds() ([]model.Feed, error) {
	return db.queryFeeds("SELECT " + feedColumns + " FROM feeds ORDER BY COALESCE(NULLIF(title, ''), url)")
}

// GetDueFeeds returns feeds whose next_fetch has passed.
func (db *DB) GetDueFeeds(now time.Time) ([]model.Feed, error) {
	return db.queryFeeds("SELECT "+feedColumns+" FROM feeds WHERE next_fetch <= ?", now.Unix())
}

// GetFeedByID returns a single feed or nil if it does not exist.
func (db *DB) GetFeedByID(feedID int64) (*model.Feed, error) {
	f, err := scanFeed(db.conn.QueryRow("SELECT "+feedColumns+" FROM feeds WHERE id = ?", feedID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFeedByURL returns the feed with the given URL or nil.
func (db *DB) GetFeedByURL(url string) (*model.Feed, error) {
	f, err := scanFeed(db.conn.QueryRow("SELECT "+feedColumns+" FROM feeds WHERE url = ?", url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// SearchFeeds returns feeds whose URL or title matches q.
func (db *DB) SearchFeeds(q string, limit int) ([]model.Feed, error) {
	if limit < 1 {
		limit = 200
	}
	if q == "" {
		return db.queryFeeds("SELECT "+feedColumns+" FROM feeds ORDER BY COALESCE(NULLIF(title, ''), url) LIMIT ?", limit)
	}
	like := "%" + q + "%"
	return db.queryFeeds("SELECT "+feedColumns+" FROM feeds WHERE url LIKE ? OR title LIKE ? ORDER BY COALESCE(NULLIF(title, ''), url) LIMIT ?", like, like, limit)
}

// CreateFeed adds a new feed due for immediate fetch. Returns the ID.
func (db *DB) CreateFeed(url, title string) (int64, error) {
	res, err := db.conn.Exec("INSERT INTO feeds (url, title, next_fetch) VALUES (?, ?, 0)", url, title)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateFeed changes a feed's URL and title. A URL change resets the
// conditional-GET state and schedules an immediate refetch.
func (db *DB) UpdateFeed(feedID int64, url, title string) error {
	existing, err := db.GetFeedByID(feedID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("feed %d not found", feedID)
	}
	if url != existing.URL {
		_, err = db.conn.Exec(
			"UPDATE feeds SET url = ?, title = ?, etag = '', last_modified = '', fail_count = 0, next_fetch = 0, last_error = '' WHERE id = ?",
			url, title, feedID)
	} else {
		_, err = db.conn.Exec("UPDATE feeds SET title = ? WHERE id = ?", title, feedID)
	}
	return err
}

// DeleteFeed removes a feed and all its entries.
func (db *DB) DeleteFeed(feedID int64) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM entries WHERE feed_id = ?", feedID); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec("DELETE FROM feeds WHERE id = ?", feedID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- Run Write Methods ---

// ApplyBatch commits one feed's fetch result as a single transaction:
// feed metadata, entry upserts, recomputed month_count and next_fetch.
// Upserts refresh content fields but never touch read_at or bookmarked.
// Returns the number of newly inserted entries.
func (db *DB) ApplyBatch(batch *model.Batch) (int, error) {
	now := batch.FetchedAt
	cutoff := db.cutoff(now)

	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var before int
	if err := tx.QueryRow("SELECT COUNT(*) FROM entries WHERE feed_id = ?", batch.FeedID).Scan(&before); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`
		UPDATE feeds SET
			title = CASE WHEN ? != '' THEN ? ELSE title END,
			etag = ?, last_modified = ?,
			last_fetch = ?, last_ok = ?, fail_count = 0, last_error = ''
		WHERE id = ?`,
		batch.Title, batch.Title, batch.ETag, batch.LastModified,
		now.Unix(), now.Unix(), batch.FeedID); err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO entries (feed_id, guid, title, link, published, content_html, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(feed_id, guid) DO UPDATE SET
			title = excluded.title,
			link = excluded.link,
			published = excluded.published,
			content_html = excluded.content_html`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, e := range batch.Entries {
		if _, err := stmt.Exec(batch.FeedID, e.GUID, e.Title, e.Link,
			e.Published.Unix(), e.ContentHTML, now.Unix()); err != nil {
			return 0, err
		}
	}

	var after, monthCount int
	if err := tx.QueryRow("SELECT COUNT(*) FROM entries WHERE feed_id = ?", batch.FeedID).Scan(&after); err != nil {
		return 0, err
	}
	if err := tx.QueryRow("SELECT COUNT(*) FROM entries WHERE feed_id = ? AND published >= ?", batch.FeedID, cutoff).Scan(&monthCount); err != nil {
		return 0, err
	}
	next := now.Add(db.chooseInterval(monthCount)).Unix()
	if _, err := tx.Exec("UPDATE feeds SET month_count = ?, next_fetch = ? WHERE id = ?",
		monthCount, next, batch.FeedID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return after - before, nil
}

// MarkFeedError records a feed-level failure and backs off its next fetch.
func (db *DB) MarkFeedError(feedID int64, msg string, now time.Time) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var failCount int
	if err := tx.QueryRow("SELECT fail_count FROM feeds WHERE id = ?", feedID).Scan(&failCount); err != nil {
		return err
	}
	failCount++
	next := now.Add(backoffDelay(failCount)).Unix()
	if _, err := tx.Exec(
		"UPDATE feeds SET last_fetch = ?, fail_count = ?, next_fetch = ?, last_error = ? WHERE id = ?",
		now.Unix(), failCount, next, msg, feedID); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkFeedUnchanged records a 304 response: the attempt succeeded but
// produced nothing to ingest.
func (db *DB) MarkFeedUnchanged(feedID int64, now time.Time) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var monthCount int
	if err := tx.QueryRow("SELECT month_count FROM feeds WHERE id = ?", feedID).Scan(&monthCount); err != nil {
		return err
	}
	next := now.Add(db.chooseInterval(monthCount)).Unix()
	if _, err := tx.Exec(
		"UPDATE feeds SET last_fetch = ?, last_ok = ?, fail_count = 0, next_fetch = ?, last_error = '' WHERE id = ?",
		now.Unix(), now.Unix(), next, feedID); err != nil {
		return err
	}
	return tx.Commit()
}

// PruneEntries deletes entries that fell out of the retention window,
// keeping bookmarked ones.
func (db *DB) PruneEntries(now time.Time) (int64, error) {
	res, err := db.conn.Exec("DELETE FROM entries WHERE published < ? AND bookmarked = 0", db.cutoff(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Entry Methods ---

const entryColumns = "id, feed_id, guid, title, link, published, content_html, read_at, bookmarked, created_at"

// GetEntries returns entries for display, newest first. Insertion order
// breaks ties between equal publication times.
func (db *DB) GetEntries(f EntryFilter) ([]model.Entry, error) {
	if f.Limit < 1 {
		f.Limit = 1600
	}
	cutoff := db.cutoff(time.Now())

	where := "read_at IS NULL AND published >= ?"
	args := []any{cutoff}
	switch f.Mode {
	case "read":
		where = "read_at IS NOT NULL AND published >= ?"
	case "bookmarked":
		where = "bookmarked = 1"
		args = nil
	case "all":
		where = "published >= ?"
	}
	if f.FeedID != nil {
		where += " AND feed_id = ?"
		args = append(args, *f.FeedID)
	}
	args = append(args, f.Limit)

	rows, err := db.conn.Query(
		"SELECT "+entryColumns+" FROM entries WHERE "+where+" ORDER BY published DESC, id DESC LIMIT ?", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]model.Entry, error) {
	var entries []model.Entry
	for rows.Next() {
		var e model.Entry
		var published, createdAt int64
		var readAt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.FeedID, &e.GUID, &e.Title, &e.Link,
			&published, &e.ContentHTML, &readAt, &e.Bookmarked, &createdAt); err != nil {
			return nil, err
		}
		e.Published = timeFromTS(published)
		e.CreatedAt = timeFromTS(createdAt)
		if readAt.Valid {
			t := timeFromTS(readAt.Int64)
			e.ReadAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkEntryRead records when an entry was read.
func (db *DB) MarkEntryRead(entryID int64, at time.Time) error {
	_, err := db.conn.Exec("UPDATE entries SET read_at = ? WHERE id = ?", at.Unix(), entryID)
	return err
}

// ToggleBookmark flips an entry's bookmark flag and returns the new value.
func (db *DB) ToggleBookmark(entryID int64) (bool, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var bookmarked bool
	if err := tx.QueryRow("SELECT bookmarked FROM entries WHERE id = ?", entryID).Scan(&bookmarked); err != nil {
		return false, err
	}
	if _, err := tx.Exec("UPDATE entries SET bookmarked = ? WHERE id = ?", !bookmarked, entryID); err != nil {
		return false, err
	}
	return !bookmarked, tx.Commit()
}

// Stats summarizes the store for the UI.
func (db *DB) Stats() (model.Stats, error) {
	var s model.Stats
	cutoff := db.cutoff(time.Now())
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM feeds").Scan(&s.Feeds); err != nil {
		return s, err
	}
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM entries WHERE read_at IS NULL AND published >= ?", cutoff).Scan(&s.Unread); err != nil {
		return s, err
	}
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM entries WHERE bookmarked = 1").Scan(&s.Bookmarked); err != nil {
		return s, err
	}
	return s, nil
}
