package update

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/bryan-buckman/localrss/internal/model"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyRunning is returned by Start while a run is active. Runs are
// never interleaved or queued.
var ErrAlreadyRunning = errors.New("an update run is already active")

// RunStore is the read side the orchestrator needs; all writes go through
// the serializer.
type RunStore interface {
	GetAllFeeds() ([]model.Feed, error)
	GetDueFeeds(now time.Time) ([]model.Feed, error)
}

// FetchUnit fetches and parses one feed.
type FetchUnit interface {
	Fetch(ctx context.Context, feed model.Feed, cutoff time.Time) (*Result, error)
}

// run is the mutable state of one orchestrator pass. The orchestrator is
// its sole writer; readers only ever see snapshot copies.
type run struct {
	id            string
	state         model.RunState
	total         int
	completed     int
	newEntries    int
	dateFallbacks int
	skippedItems  int
	errs          map[int64]model.FeedError
	runErr        string
	startedAt     time.Time
	endedAt       time.Time
	cancelled     atomic.Bool
}

// Orchestrator drives update runs: it fans fetch units out over the feed
// list with a bounded worker pool, hands results to the write serializer,
// and maintains the status snapshot the UI polls.
type Orchestrator struct {
	store      RunStore
	fetcher    FetchUnit
	serializer *Serializer
	workers    int
	retention  time.Duration
	logger     *slog.Logger

	mu  sync.Mutex
	cur *run
}

// NewOrchestrator wires the orchestrator. workers bounds concurrent
// fetches; retention sets the entry cutoff window.
func NewOrchestrator(store RunStore, fetcher FetchUnit, serializer *Serializer, workers int, retention time.Duration, logger *slog.Logger) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		store:      store,
		fetcher:    fetcher,
		serializer: serializer,
		workers:    workers,
		retention:  retention,
		logger:     logger,
	}
}

// Start begins a run over all feeds (or only due ones) and returns its id.
// Fails with ErrAlreadyRunning if a run is active; the rejected call has no
// effect on the active run.
func (o *Orchestrator) Start(ctx context.Context, onlyDue bool) (string, error) {
	o.mu.Lock()
	if o.cur != nil && !o.cur.state.Terminal() {
		o.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	r := &run{
		id:        uuid.NewString(),
		state:     model.RunRunning,
		errs:      make(map[int64]model.FeedError),
		startedAt: time.Now(),
	}
	o.cur = r
	o.mu.Unlock()

	go o.execute(ctx, r, onlyDue)
	return r.id, nil
}

// Cancel requests cooperative cancellation of the active run: no new units
// are dispatched, in-flight ones finish, then the run settles as cancelled.
// Returns false if no run is active.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil || o.cur.state.Terminal() {
		return false
	}
	o.cur.cancelled.Store(true)
	o.cur.state = model.RunCancelling
	return true
}

// Status returns a consistent snapshot of the current (or last) run.
// Before any run it reports the pending state.
func (o *Orchestrator) Status() model.RunSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		return model.RunSnapshot{State: model.RunPending}
	}
	r := o.cur
	snap := model.RunSnapshot{
		ID:            r.id,
		State:         r.state,
		Total:         r.total,
		Completed:     r.completed,
		NewEntries:    r.newEntries,
		DateFallbacks: r.dateFallbacks,
		SkippedItems:  r.skippedItems,
		Errors:        lo.Values(r.errs),
		Err:           r.runErr,
		StartedAt:     r.startedAt,
		EndedAt:       r.endedAt,
	}
	if r.total > 0 {
		snap.Progress = float64(r.completed) / float64(r.total)
	}
	return snap
}

// RefreshFeed fetches a single feed outside a run and applies the result,
// so a newly added or re-pointed feed shows entries right away instead of
// waiting for the next scheduler tick. Outcomes are recorded on the feed
// exactly as a run would record them.
func (o *Orchestrator) RefreshFeed(ctx context.Context, feed model.Feed) error {
	cutoff := time.Now().Add(-o.retention)
	res, err := o.fetcher.Fetch(ctx, feed, cutoff)
	if err != nil {
		msg := truncate(err.Error(), 200)
		if serr := o.serializer.RecordError(ctx, feed.ID, msg, time.Now()); serr != nil {
			return serr
		}
		return err
	}
	if res.NotModified {
		return o.serializer.RecordUnchanged(ctx, feed.ID, time.Now())
	}
	_, err = o.serializer.Apply(ctx, res.Batch)
	return err
}

func (o *Orchestrator) execute(ctx context.Context, r *run, onlyDue bool) {
	feeds, err := o.loadFeeds(onlyDue)
	if err != nil {
		o.failRun(r, err)
		return
	}

	o.mu.Lock()
	r.total = len(feeds)
	o.mu.Unlock()

	cutoff := time.Now().Add(-o.retention)

	g := new(errgroup.Group)
	g.SetLimit(o.workers)
	for _, feed := range feeds {
		if r.cancelled.Load() {
			break // stop dispatching, let in-flight units drain
		}
		feed := feed
		g.Go(func() error {
			if r.cancelled.Load() {
				return nil
			}
			o.processFeed(ctx, r, feed, cutoff)
			return nil
		})
	}
	g.Wait()

	if !r.cancelled.Load() {
		if removed, err := o.serializer.Prune(ctx, time.Now()); err != nil {
			o.logger.Warn("retention prune failed", "error", err)
		} else if removed > 0 {
			o.logger.Info("pruned old entries", "removed", removed)
		}
	}

	o.finalize(r)
}

func (o *Orchestrator) loadFeeds(onlyDue bool) ([]model.Feed, error) {
	if onlyDue {
		return o.store.GetDueFeeds(time.Now())
	}
	return o.store.GetAllFeeds()
}

// processFeed runs one fetch unit and records its outcome. Feed-level
// failures are converted to records here; they never propagate.
func (o *Orchestrator) processFeed(ctx context.Context, r *run, feed model.Feed, cutoff time.Time) {
	res, err := o.fetcher.Fetch(ctx, feed, cutoff)
	switch {
	case err != nil:
		o.recordFailure(ctx, r, feed, err)
	case res.NotModified:
		if err := o.serializer.RecordUnchanged(ctx, feed.ID, time.Now()); err != nil {
			o.noteWriteFailure(ctx, r, feed, err)
			return
		}
		o.noteSuccess(r, feed, 0, res)
	default:
		added, err := o.serializer.Apply(ctx, res.Batch)
		if err != nil {
			o.noteWriteFailure(ctx, r, feed, err)
			return
		}
		o.noteSuccess(r, feed, added, res)
	}
}

func (o *Orchestrator) recordFailure(ctx context.Context, r *run, feed model.Feed, err error) {
	msg := truncate(err.Error(), 200)
	o.logger.Warn("feed failed", "url", feed.URL, "error", msg)
	if serr := o.serializer.RecordError(ctx, feed.ID, msg, time.Now()); serr != nil {
		if errors.Is(serr, ErrSerializerClosed) {
			o.abortRun(r, serr)
			return
		}
		o.logger.Error("could not record feed error", "url", feed.URL, "error", serr)
	}

	o.mu.Lock()
	r.errs[feed.ID] = model.FeedError{FeedID: feed.ID, FeedURL: feed.URL, Message: msg}
	r.completed++
	o.mu.Unlock()
}

// noteWriteFailure handles a serializer error for a feed that fetched
// fine. A closed serializer means storage is gone: the whole run aborts.
func (o *Orchestrator) noteWriteFailure(ctx context.Context, r *run, feed model.Feed, err error) {
	if errors.Is(err, ErrSerializerClosed) {
		o.abortRun(r, err)
		return
	}
	o.recordFailure(ctx, r, feed, err)
}

func (o *Orchestrator) noteSuccess(r *run, feed model.Feed, added int, res *Result) {
	o.mu.Lock()
	r.completed++
	r.newEntries += added
	r.dateFallbacks += res.DateFallbacks
	r.skippedItems += res.SkippedItems
	o.mu.Unlock()
	o.logger.Debug("feed updated", "url", feed.URL, "new", added)
}

// abortRun is the run-level failure path: stop dispatching and surface a
// single top-level error.
func (o *Orchestrator) abortRun(r *run, err error) {
	r.cancelled.Store(true)
	o.mu.Lock()
	if r.runErr == "" {
		r.runErr = err.Error()
	}
	o.mu.Unlock()
}

func (o *Orchestrator) failRun(r *run, err error) {
	o.mu.Lock()
	r.runErr = err.Error()
	r.state = model.RunFailed
	r.endedAt = time.Now()
	o.mu.Unlock()
	o.logger.Error("update run failed", "run", r.id, "error", err)
}

func (o *Orchestrator) finalize(r *run) {
	o.mu.Lock()
	switch {
	case r.runErr != "":
		r.state = model.RunFailed
	case r.state == model.RunCancelling:
		r.state = model.RunCancelled
	case r.total > 0 && len(r.errs) == r.total:
		// Every feed errored: report the run as failed, but it still
		// terminated cleanly.
		r.state = model.RunFailed
	default:
		r.state = model.RunCompleted
	}
	r.endedAt = time.Now()
	state, completed, total, errs := r.state, r.completed, r.total, len(r.errs)
	o.mu.Unlock()

	o.logger.Info("update run finished",
		"run", r.id, "state", string(state),
		"completed", completed, "total", total, "errors", errs)
}

// truncate caps s at n bytes without splitting a multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
