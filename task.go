package refresher

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// task is one refresh attempt. It fetches from the provider on a worker goroutine and hands the resulting snapshot
// to the consumer's executor exactly once.
type task[K comparable, P any] struct {
	provider Provider[K, P]
	consumer Consumer[P]
	registry Registry[K]
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	progressDone  atomic.Int64
	progressTotal atomic.Int64

	mu     sync.Mutex
	record TaskRecord[K]
	err    error
}

func newTask[K comparable, P any](parent context.Context, rec TaskRecord[K], c *Coordinator[K, P]) *task[K, P] {
	ctx, cancel := context.WithCancel(parent)
	return &task[K, P]{
		provider: c.provider,
		consumer: c.consumer,
		registry: c.registry,
		log: c.log.With().
			Str("family", rec.Family).
			Str("task_id", rec.ID).
			Interface("strategy", rec.Key).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		record: rec,
	}
}

func (t *task[K, P]) state() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record.State
}

// transition moves the task to next if the state machine allows it and reports whether it did.
func (t *task[K, P]) transition(next State, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.record.State.canTransition(next) {
		return false
	}
	t.record.State = next
	if err != nil {
		t.err = err
	}
	return true
}

// execute waits for a worker slot, runs the fetch and delivers the outcome. The record is removed from the
// registry on every path before done is closed.
func (t *task[K, P]) execute(workers *semaphore.Weighted) {
	defer t.finish()

	if err := workers.Acquire(t.ctx, 1); err != nil {
		t.transition(StateCancelled, nil)
		t.log.Trace().Msg("refresh cancelled while waiting for a worker")
		return
	}
	defer workers.Release(1)

	if !t.transition(StateRunning, nil) {
		return
	}
	t.publishState()

	snapshot, err := t.run(t.ctx)
	if err == nil {
		err = t.deliver(t.ctx, snapshot)
	}

	switch {
	case err == nil:
		t.transition(StateCompleted, nil)
		t.log.Debug().
			Int("projects", snapshot.Len()).
			Bool("failed", snapshot.Failed()).
			Msg("refresh delivered")
	case t.ctx.Err() != nil:
		t.transition(StateCancelled, nil)
		t.log.Trace().Msg("refresh cancelled")
	default:
		t.transition(StateFailed, err)
		t.log.Error().Err(err).Msg("refresh failed")
	}
}

// run fetches from the provider and builds the snapshot. A connection failure becomes a failed snapshot, any other
// error, including cancellation, means no snapshot is produced.
func (t *task[K, P]) run(ctx context.Context) (Snapshot[P], error) {
	if err := ctx.Err(); err != nil {
		return Snapshot[P]{}, err
	}

	results, err := t.provider.Fetch(ctx, t.record.Key, t.progress)

	// Cancellation wins over whatever the provider returned.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Snapshot[P]{}, ctxErr
	}

	if err != nil {
		if IsConnectionError(err) {
			t.log.Warn().Err(err).Msg("provider unreachable")
			return FailedSnapshot[P](err), nil
		}
		return Snapshot[P]{}, err
	}

	projects, dropped := partition(results)
	if dropped > 0 {
		t.log.Debug().Int("dropped", dropped).Msg("dropped projects that failed to load")
	}
	return NewSnapshot(projects), nil
}

// deliver hands the snapshot to the consumer and waits until the consumer's executor has applied it.
func (t *task[K, P]) deliver(ctx context.Context, snapshot Snapshot[P]) error {
	return t.consumer.ExecutionContext().Sync(ctx, func() {
		t.consumer.SetContent(snapshot)
		t.consumer.Rerender()
	})
}

func (t *task[K, P]) progress(done, total int) {
	t.progressDone.Store(int64(done))
	t.progressTotal.Store(int64(total))
}

func (t *task[K, P]) publishState() {
	t.mu.Lock()
	rec := t.record
	t.mu.Unlock()

	if err := t.registry.Update(context.WithoutCancel(t.ctx), rec); err != nil {
		t.log.Warn().Err(err).Msg("failed to publish task state")
	}
}

func (t *task[K, P]) finish() {
	t.mu.Lock()
	rec := t.record
	t.mu.Unlock()

	if err := t.registry.Remove(context.WithoutCancel(t.ctx), rec); err != nil {
		t.log.Warn().Err(err).Msg("failed to remove task record")
	}
	t.cancel()
	close(t.done)
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Handle observes a submitted refresh. A handle returned for a suppressed submission is not scheduled, is already
// done, and stays in StateCreated.
type Handle[K comparable, P any] struct {
	key  K
	task *task[K, P]
}

// ID returns the task id, empty for a suppressed submission.
func (h *Handle[K, P]) ID() string {
	if h.task == nil {
		return ""
	}
	return h.task.record.ID
}

// Key method returns the strategy key the handle was submitted with.
// Suppressed handles keep the key too, so callers can tell which submission was dropped.
func (h *Handle[K, P]) Key() K { return h.key }

// Scheduled reports whether the submission started a new task.
func (h *Handle[K, P]) Scheduled() bool { return h.task != nil }

// State method returns the current state of the task. A suppressed handle always reports StateCreated,
// since no task was started for it.
func (h *Handle[K, P]) State() State {
	if h.task == nil {
		return StateCreated
	}
	return h.task.state()
}

// Done is closed once the task reached a terminal state and its record was removed.
func (h *Handle[K, P]) Done() <-chan struct{} {
	if h.task == nil {
		return closedChan
	}
	return h.task.done
}

// Wait blocks until the task is done or ctx expires, and returns the final state and failure.
func (h *Handle[K, P]) Wait(ctx context.Context) (State, error) {
	select {
	case <-h.Done():
		return h.State(), h.Err()
	case <-ctx.Done():
		return h.State(), ctx.Err()
	}
}

// Cancel aborts the task. A task cancelled before its snapshot is built delivers nothing.
func (h *Handle[K, P]) Cancel() {
	if h.task != nil {
		h.task.cancel()
	}
}

// Err returns the failure of a task that ended in StateFailed.
func (h *Handle[K, P]) Err() error {
	if h.task == nil {
		return nil
	}
	h.task.mu.Lock()
	defer h.task.mu.Unlock()
	return h.task.err
}

// Progress returns the last progress reported by the provider.
func (h *Handle[K, P]) Progress() (done, total int) {
	if h.task == nil {
		return 0, 0
	}
	return int(h.task.progressDone.Load()), int(h.task.progressTotal.Load())
}
