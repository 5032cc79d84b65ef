package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bryan-buckman/localrss/internal/model"
	"github.com/mmcdole/gofeed"
)

const acceptHeader = "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html;q=0.9, */*;q=0.8"

// hostRequestGap is the minimum spacing between successive requests to the
// same host, on top of the concurrency bound.
const hostRequestGap = 500 * time.Millisecond

// hostLimiter bounds concurrent requests per host. Many subscriptions often
// live on one aggregator host; the global worker pool alone would let every
// worker hit it at once.
type hostLimiter struct {
	limit int

	mu    sync.Mutex
	slots map[string]chan struct{}
	last  map[string]time.Time
}

func newHostLimiter(limit int) *hostLimiter {
	if limit < 1 {
		limit = 1
	}
	return &hostLimiter{
		limit: limit,
		slots: make(map[string]chan struct{}),
		last:  make(map[string]time.Time),
	}
}

// acquire takes a slot for the host, then waits out the inter-request gap.
// Blocks until a slot frees or ctx is done.
func (l *hostLimiter) acquire(ctx context.Context, host string) error {
	l.mu.Lock()
	sem, ok := l.slots[host]
	if !ok {
		sem = make(chan struct{}, l.limit)
		l.slots[host] = sem
	}
	l.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	last := l.last[host]
	l.mu.Unlock()
	if wait := hostRequestGap - time.Since(last); !last.IsZero() && wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			<-sem
			return ctx.Err()
		}
	}
	return nil
}

// release frees the host's slot and stamps the request time for the gap.
func (l *hostLimiter) release(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last[host] = time.Now()
	if sem, ok := l.slots[host]; ok {
		<-sem
	}
}

// feedHost extracts the host a feed URL points at; an unparseable URL is its
// own bucket.
func feedHost(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return feedURL
	}
	return u.Host
}

// Fetcher retrieves and parses a single feed. Transport and parse failures
// are returned as feed-scoped errors; malformed items within an otherwise
// good document are skipped and counted, never fatal.
type Fetcher struct {
	client    *http.Client
	parser    *gofeed.Parser
	userAgent string
	hosts     *hostLimiter
	now       func() time.Time
}

// NewFetcher creates a fetcher with the given per-request timeout and
// per-host concurrency bound.
func NewFetcher(timeout time.Duration, userAgent string, limitPerHost int) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		parser:    gofeed.NewParser(),
		userAgent: userAgent,
		hosts:     newHostLimiter(limitPerHost),
		now:       time.Now,
	}
}

// Result is one feed's fetch outcome.
type Result struct {
	Batch         *model.Batch // nil when NotModified
	NotModified   bool
	SkippedItems  int // items without a usable identity
	DateFallbacks int // items whose timestamp had to be substituted
}

// Fetch retrieves one feed document and decodes it into a write batch.
// Entries older than cutoff are dropped (retention), conditional-GET
// headers short-circuit unchanged feeds.
func (f *Fetcher) Fetch(ctx context.Context, feed model.Feed, cutoff time.Time) (*Result, error) {
	host := feedHost(feed.URL)
	if err := f.hosts.acquire(ctx, host); err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", feed.URL, err)
	}
	defer f.hosts.release(host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", feed.URL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", acceptHeader)
	if feed.ETag != "" {
		req.Header.Set("If-None-Match", feed.ETag)
	}
	if feed.LastModified != "" {
		req.Header.Set("If-Modified-Since", feed.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", feed.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Result{NotModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", feed.URL, resp.StatusCode)
	}

	parsed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", feed.URL, err)
	}

	now := f.now()
	batch := &model.Batch{
		FeedID:       feed.ID,
		FeedURL:      feed.URL,
		Title:        strings.TrimSpace(parsed.Title),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FetchedAt:    now,
	}
	res := &Result{Batch: batch}

	for _, item := range parsed.Items {
		if item == nil {
			res.SkippedItems++
			continue
		}
		guid := stableGUID(item)
		if guid == "" {
			res.SkippedItems++
			continue
		}
		ts, raw := itemTimestamp(item)
		published, fallback := CanonicalTime(ts, raw, now)
		if fallback {
			res.DateFallbacks++
		}
		if published.Before(cutoff) {
			continue // aged out, not an error
		}
		content := item.Content
		if content == "" {
			content = item.Description
		}
		batch.Entries = append(batch.Entries, model.Entry{
			FeedID:      feed.ID,
			GUID:        guid,
			Title:       strings.TrimSpace(item.Title),
			Link:        item.Link,
			Published:   published,
			ContentHTML: content,
		})
	}

	return res, nil
}

// itemTimestamp picks the item's best timestamp: published, then updated.
func itemTimestamp(item *gofeed.Item) (*time.Time, string) {
	if item.PublishedParsed != nil || item.Published != "" {
		return item.PublishedParsed, item.Published
	}
	return item.UpdatedParsed, item.Updated
}

// stableGUID derives the identifier entries are deduplicated by: the item
// guid, its link, or a hash of whatever identifying fields exist. Empty
// means the item has no usable identity at all.
func stableGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	if item.Link != "" {
		return item.Link
	}
	if item.Title == "" && item.Published == "" && item.Updated == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(item.Link + "\n" + item.Title + "\n" + item.Published + item.Updated))
	return hex.EncodeToString(sum[:])
}
