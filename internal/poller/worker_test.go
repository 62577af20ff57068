package poller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"disasterrelay.example.org/gateway/internal/errs"
)

type fakeEntry struct {
	id      string
	retries int
}

func (f fakeEntry) EntryID() string { return f.id }
func (f fakeEntry) Retries() int    { return f.retries }

type fakeStore struct {
	mu       sync.Mutex
	pending  []fakeEntry
	inFlight map[string]bool
	success  map[string]bool
	failed   map[string]bool
	retried  map[string]int
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{
		inFlight: map[string]bool{},
		success:  map[string]bool{},
		failed:   map[string]bool{},
		retried:  map[string]int{},
	}
	for _, id := range ids {
		s.pending = append(s.pending, fakeEntry{id: id})
	}
	return s
}

func (s *fakeStore) FetchPending(ctx context.Context, limit int) ([]fakeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	n := limit
	if n > len(s.pending) {
		n = len(s.pending)
	}
	batch := s.pending[:n]
	s.pending = s.pending[n:]
	return batch, nil
}

func (s *fakeStore) MarkInProgress(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.inFlight[id] = true
	}
	return nil
}

func (s *fakeStore) MarkSuccess(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.success[id] = true
	delete(s.inFlight, id)
	return nil
}

func (s *fakeStore) MarkFailedOrRetry(ctx context.Context, id string, retryCount, maxRetries int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if retryCount >= maxRetries {
		s.failed[id] = true
	} else {
		s.retried[id]++
		s.pending = append(s.pending, fakeEntry{id: id, retries: retryCount + 1})
	}
	delete(s.inFlight, id)
	return nil
}

func (s *fakeStore) FetchStuck(ctx context.Context, olderThan time.Duration) ([]fakeEntry, error) {
	return nil, nil
}

func (s *fakeStore) ResetStuck(ctx context.Context, ids []string) error {
	return nil
}

func TestWorkerDispatchesAndMarksSuccess(t *testing.T) {
	store := newFakeStore("a", "b", "c")
	cfg := DefaultConfig("test")
	cfg.Period = 10 * time.Millisecond

	var dispatched sync.Map
	w := New(cfg, store, func(ctx context.Context, item fakeEntry) error {
		dispatched.Store(item.id, true)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		done := len(store.success) == 3
		store.mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.success) != 3 {
		t.Fatalf("expected all 3 items marked success, got %d", len(store.success))
	}
}

func TestWorkerRetriesThenFails(t *testing.T) {
	store := newFakeStore("x")
	cfg := DefaultConfig("retry-test")
	cfg.Period = 10 * time.Millisecond
	cfg.MaxRetries = 2

	w := New(cfg, store, func(ctx context.Context, item fakeEntry) error {
		return fmt.Errorf("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		done := store.failed["x"]
		store.mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if !store.failed["x"] {
		t.Fatalf("expected item to reach terminal failed state after exhausting retries")
	}
	if store.retried["x"] != cfg.MaxRetries {
		t.Fatalf("expected %d retries, got %d", cfg.MaxRetries, store.retried["x"])
	}
}

func TestWorkerTreatsDuplicateAsSuccess(t *testing.T) {
	store := newFakeStore("dup")
	cfg := DefaultConfig("dup-test")
	cfg.Period = 10 * time.Millisecond

	w := New(cfg, store, func(ctx context.Context, item fakeEntry) error {
		return &errs.DuplicateMessage{Key: "dup"}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		done := store.success["dup"]
		store.mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if !store.success["dup"] {
		t.Fatalf("expected duplicate dispatch error to be treated as success")
	}
}
