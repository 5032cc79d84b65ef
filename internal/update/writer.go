package update

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bryan-buckman/localrss/internal/model"
)

// ErrSerializerClosed is returned for writes submitted after Stop.
var ErrSerializerClosed = errors.New("write serializer closed")

// WriteStore is the subset of storage the serializer drives. Every method
// must apply its changes atomically.
type WriteStore interface {
	ApplyBatch(batch *model.Batch) (added int, err error)
	MarkFeedError(feedID int64, msg string, now time.Time) error
	MarkFeedUnchanged(feedID int64, now time.Time) error
	PruneEntries(now time.Time) (int64, error)
}

type writeRequest struct {
	fn    func() error
	retry bool // one immediate retry, for transient lock contention
	done  chan error
}

// Serializer is the sole writer to the store during an update run. Any
// number of fetch workers may submit batches concurrently; requests are
// drained strictly one at a time by a single goroutine, which is what keeps
// an embedded single-writer database from ever seeing two writers.
type Serializer struct {
	store  WriteStore
	logger *slog.Logger

	mu     sync.Mutex
	reqs   chan writeRequest
	closed bool
	drain  sync.WaitGroup
}

// NewSerializer creates a serializer; call Start before submitting writes.
func NewSerializer(store WriteStore, logger *slog.Logger) *Serializer {
	return &Serializer{
		store:  store,
		logger: logger,
		reqs:   make(chan writeRequest),
	}
}

// Start launches the drain goroutine.
func (s *Serializer) Start() {
	s.drain.Add(1)
	go s.run()
}

// Stop rejects further writes and waits for queued ones to finish. A write
// in flight is never interrupted.
func (s *Serializer) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.reqs)
	s.mu.Unlock()
	s.drain.Wait()
}

func (s *Serializer) run() {
	defer s.drain.Done()
	for req := range s.reqs {
		err := req.fn()
		if err != nil && req.retry {
			s.logger.Warn("write failed, retrying once", "error", err)
			err = req.fn()
		}
		req.done <- err
	}
}

// submit enqueues fn and waits for it to complete. Enqueueing respects ctx;
// once accepted, the write always runs to completion.
func (s *Serializer) submit(ctx context.Context, retry bool, fn func() error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSerializerClosed
	}
	req := writeRequest{fn: fn, retry: retry, done: make(chan error, 1)}
	select {
	case s.reqs <- req:
		s.mu.Unlock()
	case <-ctx.Done():
		s.mu.Unlock()
		return ctx.Err()
	}
	return <-req.done
}

// Apply commits one feed's batch. Storage failures get one immediate retry
// before surfacing as the feed's error.
func (s *Serializer) Apply(ctx context.Context, batch *model.Batch) (int, error) {
	var added int
	err := s.submit(ctx, true, func() error {
		var applyErr error
		added, applyErr = s.store.ApplyBatch(batch)
		return applyErr
	})
	return added, err
}

// RecordError persists a feed-level failure.
func (s *Serializer) RecordError(ctx context.Context, feedID int64, msg string, now time.Time) error {
	return s.submit(ctx, false, func() error {
		return s.store.MarkFeedError(feedID, msg, now)
	})
}

// RecordUnchanged persists a 304 outcome.
func (s *Serializer) RecordUnchanged(ctx context.Context, feedID int64, now time.Time) error {
	return s.submit(ctx, false, func() error {
		return s.store.MarkFeedUnchanged(feedID, now)
	})
}

// Prune removes entries outside the retention window.
func (s *Serializer) Prune(ctx context.Context, now time.Time) (int64, error) {
	var removed int64
	err := s.submit(ctx, false, func() error {
		var pruneErr error
		removed, pruneErr = s.store.PruneEntries(now)
		return pruneErr
	})
	return removed, err
}
