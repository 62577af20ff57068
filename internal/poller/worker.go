// Package poller implements the fixed-period, bounded-concurrency workers
// that drive every outbound log table to its terminal state (spec §4.7).
// It generalizes the teacher's single-poller outbox architecture — fetch
// pending rows, mark them in-progress before dispatch, recover stuck rows
// on startup and periodically — across the gateway's per-entity log tables
// instead of one generic payload table.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"disasterrelay.example.org/gateway/internal/common/metrics"
	"disasterrelay.example.org/gateway/internal/errs"
)

// Entry is any row a Worker can poll, dispatch, and resolve.
type Entry interface {
	EntryID() string
	Retries() int
}

// Store is the persistence surface a Worker needs. Implementations live in
// internal/store, one per log table, wrapped with
// internal/common/repository.Instrument.
type Store[T Entry] interface {
	FetchPending(ctx context.Context, limit int) ([]T, error)
	MarkInProgress(ctx context.Context, ids []string) error
	MarkSuccess(ctx context.Context, id string) error
	MarkFailedOrRetry(ctx context.Context, id string, retryCount, maxRetries int, errMsg string) error
	FetchStuck(ctx context.Context, olderThan time.Duration) ([]T, error)
	ResetStuck(ctx context.Context, ids []string) error
}

// DispatchFunc delivers one entry to its destination (broker publish, CAS
// send, or WebSocket emit). A non-nil error causes a retry (or terminal
// failure once MaxRetries is exhausted); returning an errs.DuplicateMessage
// is treated as success since the effect already happened.
type DispatchFunc[T Entry] func(ctx context.Context, item T) error

// Config controls a Worker's tick cadence and concurrency bound.
type Config struct {
	Name             string
	Period           time.Duration
	BatchSize        int
	MaxConcurrency   int
	MaxRetries       int
	RecoveryInterval time.Duration
	StuckAfter       time.Duration
	// RateLimit caps dispatch calls per second; zero disables limiting.
	RateLimit rate.Limit
}

// DefaultConfig returns the spec's standard 5-second-period, bounded-5
// worker configuration (spec §4.7).
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		Period:           5 * time.Second,
		BatchSize:        100,
		MaxConcurrency:   5,
		MaxRetries:       3,
		RecoveryInterval: 60 * time.Second,
		StuckAfter:       5 * time.Minute,
	}
}

// Worker polls one Store on a fixed period, dispatching fetched entries
// with bounded concurrency and non-overlapping ticks.
type Worker[T Entry] struct {
	cfg      Config
	store    Store[T]
	dispatch DispatchFunc[T]
	limiter  *rate.Limiter

	// isPrimary gates ticks when leader election says this replica should
	// not drive the poller (ES pollers must not double-drive; spec §4.7).
	isPrimary atomic.Bool

	pollMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Worker. isPrimary defaults to true: single-instance
// deployments never call SetPrimary and the worker runs unconditionally.
func New[T Entry](cfg Config, store Store[T], dispatch DispatchFunc[T]) *Worker[T] {
	w := &Worker[T]{cfg: cfg, store: store, dispatch: dispatch}
	w.isPrimary.Store(true)
	if cfg.RateLimit > 0 {
		w.limiter = rate.NewLimiter(cfg.RateLimit, cfg.BatchSize)
	}
	return w
}

// SetPrimary flips whether this replica is allowed to tick. Wired to the
// leader election callback in cmd/*.
func (w *Worker[T]) SetPrimary(primary bool) {
	w.isPrimary.Store(primary)
}

// Start launches the recovery and poll loops. Call Stop to shut down.
func (w *Worker[T]) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.runCrashRecovery(ctx)

	w.wg.Add(2)
	go w.runPoller(ctx)
	go w.runPeriodicRecovery(ctx)
}

// Stop cancels both loops and waits for them to exit.
func (w *Worker[T]) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker[T]) runCrashRecovery(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stuck, err := w.store.FetchStuck(rctx, 0)
	if err != nil {
		slog.Error("poller crash recovery fetch failed", "worker", w.cfg.Name, "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}
	ids := entryIDs(stuck)
	if err := w.store.ResetStuck(rctx, ids); err != nil {
		slog.Error("poller crash recovery reset failed", "worker", w.cfg.Name, "error", err, "count", len(ids))
		return
	}
	slog.Info("poller crash recovery reset stuck rows", "worker", w.cfg.Name, "count", len(ids))
}

func (w *Worker[T]) runPeriodicRecovery(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.isPrimary.Load() {
				continue
			}
			w.doPeriodicRecovery(ctx)
		}
	}
}

func (w *Worker[T]) doPeriodicRecovery(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stuck, err := w.store.FetchStuck(rctx, w.cfg.StuckAfter)
	if err != nil {
		slog.Error("poller periodic recovery fetch failed", "worker", w.cfg.Name, "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}
	ids := entryIDs(stuck)
	if err := w.store.ResetStuck(rctx, ids); err != nil {
		slog.Error("poller periodic recovery reset failed", "worker", w.cfg.Name, "error", err, "count", len(ids))
		return
	}
	slog.Info("poller periodic recovery reset rows stuck past deadline", "worker", w.cfg.Name, "count", len(ids))
}

func (w *Worker[T]) runPoller(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.isPrimary.Load() {
				continue
			}
			w.tick(ctx)
		}
	}
}

// tick performs one non-overlapping poll-dispatch cycle.
func (w *Worker[T]) tick(ctx context.Context) {
	if !w.pollMu.TryLock() {
		return
	}
	defer w.pollMu.Unlock()

	start := time.Now()
	defer func() {
		metrics.PollerTickDuration.WithLabelValues(w.cfg.Name).Observe(time.Since(start).Seconds())
	}()

	tctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	items, err := w.store.FetchPending(tctx, w.cfg.BatchSize)
	if err != nil {
		slog.Error("poller fetch pending failed", "worker", w.cfg.Name, "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	ids := entryIDs(items)
	if err := w.store.MarkInProgress(tctx, ids); err != nil {
		slog.Error("poller mark in-progress failed", "worker", w.cfg.Name, "error", err, "count", len(ids))
		return
	}

	metrics.PollerInflightDeliveries.WithLabelValues(w.cfg.Name).Add(float64(len(items)))
	defer metrics.PollerInflightDeliveries.WithLabelValues(w.cfg.Name).Sub(float64(len(items)))

	sem := make(chan struct{}, w.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for _, item := range items {
		item := item
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.dispatchOne(ctx, item)
		}()
	}
	wg.Wait()
}

func (w *Worker[T]) dispatchOne(ctx context.Context, item T) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
	}

	dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	err := w.dispatch(dctx, item)

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()

	if err == nil {
		if merr := w.store.MarkSuccess(sctx, item.EntryID()); merr != nil {
			slog.Error("poller mark success failed", "worker", w.cfg.Name, "id", item.EntryID(), "error", merr)
		}
		return
	}

	var dup *errs.DuplicateMessage
	if errors.As(err, &dup) {
		if merr := w.store.MarkSuccess(sctx, item.EntryID()); merr != nil {
			slog.Error("poller mark success (dedup) failed", "worker", w.cfg.Name, "id", item.EntryID(), "error", merr)
		}
		return
	}

	var noSession *errs.NoActiveSession
	if errors.As(err, &noSession) {
		// Downgrade the row back to PENDING without charging a retry
		// attempt; the same mechanism crash/periodic recovery uses to
		// reclaim stale SENT rows.
		if merr := w.store.ResetStuck(sctx, []string{item.EntryID()}); merr != nil {
			slog.Error("poller reset no-session row failed", "worker", w.cfg.Name, "id", item.EntryID(), "error", merr)
		}
		return
	}

	var terminal *errs.TerminalFailure
	if errors.As(err, &terminal) {
		if merr := w.store.MarkFailedOrRetry(sctx, item.EntryID(), w.cfg.MaxRetries, w.cfg.MaxRetries, err.Error()); merr != nil {
			slog.Error("poller mark terminal failed", "worker", w.cfg.Name, "id", item.EntryID(), "error", merr)
		}
		return
	}

	if merr := w.store.MarkFailedOrRetry(sctx, item.EntryID(), item.Retries(), w.cfg.MaxRetries, err.Error()); merr != nil {
		slog.Error("poller mark failed/retry failed", "worker", w.cfg.Name, "id", item.EntryID(), "error", merr)
	}
}

func entryIDs[T Entry](items []T) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.EntryID()
	}
	return ids
}
