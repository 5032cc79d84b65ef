package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryan-buckman/localrss/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// lockedStore mimics an embedded single-writer database: any overlapping
// write fails with a lock error.
type lockedStore struct {
	writers atomic.Int32

	mu        sync.Mutex
	batches   []*model.Batch
	failFirst int // fail this many ApplyBatch calls before succeeding
	applies   int
	errored   map[int64]string
	unchanged []int64
	pruned    int
}

var errLocked = errors.New("database is locked")

func (s *lockedStore) enter() error {
	if s.writers.Add(1) > 1 {
		s.writers.Add(-1)
		return errLocked
	}
	return nil
}

func (s *lockedStore) leave() { s.writers.Add(-1) }

func (s *lockedStore) ApplyBatch(batch *model.Batch) (int, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()
	time.Sleep(time.Millisecond) // widen the race window

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applies++
	if s.applies <= s.failFirst {
		return 0, errors.New("disk I/O error")
	}
	s.batches = append(s.batches, batch)
	return len(batch.Entries), nil
}

func (s *lockedStore) MarkFeedError(feedID int64, msg string, now time.Time) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errored == nil {
		s.errored = make(map[int64]string)
	}
	s.errored[feedID] = msg
	return nil
}

func (s *lockedStore) MarkFeedUnchanged(feedID int64, now time.Time) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unchanged = append(s.unchanged, feedID)
	return nil
}

func (s *lockedStore) PruneEntries(now time.Time) (int64, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned++
	return 3, nil
}

func TestSerializer_AbsorbsConcurrentWriters(t *testing.T) {
	store := &lockedStore{}
	ser := NewSerializer(store, testLogger())
	ser.Start()
	defer ser.Stop()

	const feeds = 16
	var wg sync.WaitGroup
	errs := make([]error, feeds)
	for i := 0; i < feeds; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			batch := &model.Batch{
				FeedID:    int64(i),
				FetchedAt: time.Now(),
				Entries:   []model.Entry{{GUID: fmt.Sprintf("g-%d", i)}},
			}
			_, errs[i] = ser.Apply(context.Background(), batch)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "batch %d", i)
	}
	assert.Len(t, store.batches, feeds)
}

func TestSerializer_RetriesOnce(t *testing.T) {
	t.Run("should absorb one transient failure", func(t *testing.T) {
		store := &lockedStore{failFirst: 1}
		ser := NewSerializer(store, testLogger())
		ser.Start()
		defer ser.Stop()

		added, err := ser.Apply(context.Background(), &model.Batch{
			FeedID:  1,
			Entries: []model.Entry{{GUID: "a"}, {GUID: "b"}},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, added)
		assert.Equal(t, 2, store.applies)
	})

	t.Run("should surface a persistent failure after the retry", func(t *testing.T) {
		store := &lockedStore{failFirst: 2}
		ser := NewSerializer(store, testLogger())
		ser.Start()
		defer ser.Stop()

		_, err := ser.Apply(context.Background(), &model.Batch{FeedID: 1})
		assert.ErrorContains(t, err, "disk I/O error")
		assert.Equal(t, 2, store.applies)
	})

	t.Run("should not retry error and unchanged records", func(t *testing.T) {
		store := &lockedStore{}
		ser := NewSerializer(store, testLogger())
		ser.Start()
		defer ser.Stop()

		require.NoError(t, ser.RecordError(context.Background(), 4, "boom", time.Now()))
		require.NoError(t, ser.RecordUnchanged(context.Background(), 5, time.Now()))
		assert.Equal(t, "boom", store.errored[4])
		assert.Equal(t, []int64{5}, store.unchanged)
	})
}

func TestSerializer_Stop(t *testing.T) {
	store := &lockedStore{}
	ser := NewSerializer(store, testLogger())
	ser.Start()
	ser.Stop()

	_, err := ser.Apply(context.Background(), &model.Batch{FeedID: 1})
	assert.ErrorIs(t, err, ErrSerializerClosed)

	// Stop is idempotent.
	ser.Stop()
}

func TestSerializer_Prune(t *testing.T) {
	store := &lockedStore{}
	ser := NewSerializer(store, testLogger())
	ser.Start()
	defer ser.Stop()

	removed, err := ser.Prune(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
	assert.Equal(t, 1, store.pruned)
}
