package update_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bryan-buckman/localrss/internal/database"
	"github.com/bryan-buckman/localrss/internal/model"
	"github.com/bryan-buckman/localrss/internal/update"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "rss.db"), database.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type harness struct {
	store *database.DB
	ser   *update.Serializer
	orch  *update.Orchestrator
}

func newHarness(t *testing.T, workers int, timeout time.Duration) *harness {
	t.Helper()
	store := newStore(t)
	ser := update.NewSerializer(store, discardLogger())
	ser.Start()
	t.Cleanup(ser.Stop)
	fetcher := update.NewFetcher(timeout, "localrss-test", 4)
	orch := update.NewOrchestrator(store, fetcher, ser, workers, 30*24*time.Hour, discardLogger())
	return &harness{store: store, ser: ser, orch: orch}
}

// rssDoc builds a feed document with n recent items.
func rssDoc(title string, n int) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>` + title + `</title>`)
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b,
			`<item><guid>%s-%d</guid><title>Item %d</title><link>http://example.com/%s/%d</link><pubDate>%s</pubDate></item>`,
			title, i, i, title, i, time.Now().Add(-time.Duration(i)*time.Hour).Format(time.RFC1123Z))
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

func feedServer(t *testing.T, doc string, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(doc))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitForRun(t *testing.T, orch *update.Orchestrator) model.RunSnapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return orch.Status().State.Terminal()
	}, 10*time.Second, 10*time.Millisecond, "run did not finish")
	return orch.Status()
}

func entryCount(t *testing.T, store *database.DB, feedID int64) int {
	t.Helper()
	entries, err := store.GetEntries(database.EntryFilter{Mode: "all", FeedID: &feedID})
	require.NoError(t, err)
	return len(entries)
}

func TestOrchestrator_StatusBeforeAnyRun(t *testing.T) {
	h := newHarness(t, 2, time.Second)
	snap := h.orch.Status()
	assert.Equal(t, model.RunPending, snap.State)
	assert.Zero(t, snap.Total)
}

// Five feeds, one of them hanging past the network timeout, pool size two:
// the run terminates with exactly one feed-level error and everything else
// persisted.
func TestOrchestrator_PartialFailureRun(t *testing.T) {
	h := newHarness(t, 2, 150*time.Millisecond)

	var feedIDs []int64
	var badID int64
	for i := 1; i <= 5; i++ {
		var srv *httptest.Server
		if i == 3 {
			srv = feedServer(t, rssDoc("slow", 2), 2*time.Second)
		} else {
			srv = feedServer(t, rssDoc(fmt.Sprintf("feed%d", i), 2), 0)
		}
		id, err := h.store.CreateFeed(srv.URL, "")
		require.NoError(t, err)
		feedIDs = append(feedIDs, id)
		if i == 3 {
			badID = id
		}
	}

	_, err := h.orch.Start(context.Background(), false)
	require.NoError(t, err)
	snap := waitForRun(t, h.orch)

	assert.Equal(t, model.RunCompleted, snap.State)
	assert.Equal(t, 5, snap.Total)
	assert.Equal(t, 5, snap.Completed)
	assert.Equal(t, 1.0, snap.Progress)
	require.Len(t, snap.Errors, 1)
	assert.Equal(t, badID, snap.Errors[0].FeedID)
	assert.Equal(t, 8, snap.NewEntries)

	for _, id := range feedIDs {
		if id == badID {
			assert.Zero(t, entryCount(t, h.store, id))
			continue
		}
		assert.Equal(t, 2, entryCount(t, h.store, id))
	}

	// The failing feed carries its error and backoff in the store.
	bad, err := h.store.GetFeedByID(badID)
	require.NoError(t, err)
	assert.NotEmpty(t, bad.LastError)
	assert.Equal(t, 1, bad.FailCount)
}

func TestOrchestrator_RerunIsIdempotent(t *testing.T) {
	h := newHarness(t, 2, time.Second)
	srv := feedServer(t, rssDoc("stable", 3), 0)
	id, err := h.store.CreateFeed(srv.URL, "")
	require.NoError(t, err)

	_, err = h.orch.Start(context.Background(), false)
	require.NoError(t, err)
	first := waitForRun(t, h.orch)
	assert.Equal(t, 3, first.NewEntries)

	// Read one entry between runs; a re-fetch must not disturb it.
	entries, err := h.store.GetEntries(database.EntryFilter{Mode: "all", FeedID: &id})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.NoError(t, h.store.MarkEntryRead(entries[0].ID, time.Now()))
	_, err = h.store.ToggleBookmark(entries[1].ID)
	require.NoError(t, err)

	_, err = h.orch.Start(context.Background(), false)
	require.NoError(t, err)
	second := waitForRun(t, h.orch)

	assert.Equal(t, model.RunCompleted, second.State)
	assert.Zero(t, second.NewEntries)
	assert.Equal(t, 3, entryCount(t, h.store, id))

	read, err := h.store.GetEntries(database.EntryFilter{Mode: "read", FeedID: &id})
	require.NoError(t, err)
	assert.Len(t, read, 1)
	marked, err := h.store.GetEntries(database.EntryFilter{Mode: "bookmarked", FeedID: &id})
	require.NoError(t, err)
	assert.Len(t, marked, 1)
}

func TestOrchestrator_RejectsSecondRun(t *testing.T) {
	h := newHarness(t, 1, time.Second)
	srv := feedServer(t, rssDoc("slow", 1), 300*time.Millisecond)
	_, err := h.store.CreateFeed(srv.URL, "")
	require.NoError(t, err)

	_, err = h.orch.Start(context.Background(), false)
	require.NoError(t, err)

	_, err = h.orch.Start(context.Background(), false)
	assert.ErrorIs(t, err, update.ErrAlreadyRunning)

	waitForRun(t, h.orch)

	// A run can start again once the previous one is terminal.
	_, err = h.orch.Start(context.Background(), false)
	assert.NoError(t, err)
	waitForRun(t, h.orch)
}

func TestOrchestrator_CancelDrainsInFlight(t *testing.T) {
	h := newHarness(t, 1, 2*time.Second)
	var ids []int64
	for i := 0; i < 4; i++ {
		srv := feedServer(t, rssDoc(fmt.Sprintf("f%d", i), 2), 150*time.Millisecond)
		id, err := h.store.CreateFeed(srv.URL, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	_, err := h.orch.Start(context.Background(), false)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	assert.True(t, h.orch.Cancel())

	snap := waitForRun(t, h.orch)
	assert.Equal(t, model.RunCancelled, snap.State)
	assert.Less(t, snap.Completed, snap.Total)

	// Batches are all-or-nothing: a feed has either all its entries or none.
	for _, id := range ids {
		n := entryCount(t, h.store, id)
		assert.Contains(t, []int{0, 2}, n, "feed %d has a partial batch", id)
	}
}

func TestOrchestrator_CancelWithoutRun(t *testing.T) {
	h := newHarness(t, 1, time.Second)
	assert.False(t, h.orch.Cancel())
}

func TestOrchestrator_AllFeedsFailed(t *testing.T) {
	h := newHarness(t, 2, 500*time.Millisecond)

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	for i := 0; i < 2; i++ {
		_, err := h.store.CreateFeed(fmt.Sprintf("%s/feed%d", deadURL, i), "")
		require.NoError(t, err)
	}

	_, err := h.orch.Start(context.Background(), false)
	require.NoError(t, err)
	snap := waitForRun(t, h.orch)

	assert.Equal(t, model.RunFailed, snap.State)
	assert.Equal(t, 2, snap.Completed)
	assert.Len(t, snap.Errors, 2)
}

func TestOrchestrator_RefreshFeed(t *testing.T) {
	h := newHarness(t, 2, time.Second)

	t.Run("should fetch and persist one feed outside a run", func(t *testing.T) {
		srv := feedServer(t, rssDoc("fresh", 2), 0)
		id, err := h.store.CreateFeed(srv.URL, "")
		require.NoError(t, err)
		feed, err := h.store.GetFeedByID(id)
		require.NoError(t, err)

		require.NoError(t, h.orch.RefreshFeed(context.Background(), *feed))
		assert.Equal(t, 2, entryCount(t, h.store, id))

		// No run was involved; status still reports pending.
		assert.Equal(t, model.RunPending, h.orch.Status().State)
	})

	t.Run("should record a failed refresh on the feed", func(t *testing.T) {
		dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		deadURL := dead.URL
		dead.Close()

		id, err := h.store.CreateFeed(deadURL+"/gone", "")
		require.NoError(t, err)
		feed, err := h.store.GetFeedByID(id)
		require.NoError(t, err)

		assert.Error(t, h.orch.RefreshFeed(context.Background(), *feed))
		after, err := h.store.GetFeedByID(id)
		require.NoError(t, err)
		assert.NotEmpty(t, after.LastError)
		assert.Equal(t, 1, after.FailCount)
	})
}

func TestOrchestrator_EmptyFeedList(t *testing.T) {
	h := newHarness(t, 4, time.Second)

	_, err := h.orch.Start(context.Background(), false)
	require.NoError(t, err)
	snap := waitForRun(t, h.orch)

	assert.Equal(t, model.RunCompleted, snap.State)
	assert.Zero(t, snap.Total)
	assert.Zero(t, snap.Completed)
}
