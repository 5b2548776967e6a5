package refresher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultFamily is the job family of coordinators configured without one.
	DefaultFamily = "project-refresh"

	defaultWorkers = 4
)

// ShouldSchedule decides whether a refresh for newKey has to run given the outstanding records.
// Records of other families and records already in a terminal state are ignored. A same family record whose key
// equals newKey means the request is already being served; a family with only different keys, or no records at
// all, does not block the new request.
func ShouldSchedule[K comparable](family string, newKey K, outstanding []TaskRecord[K]) bool {
	for _, rec := range outstanding {
		if rec.Family != family || rec.State.IsTerminal() {
			continue
		}
		if rec.Key == newKey {
			return false
		}
	}
	return true
}

// Coordinator submits refresh tasks for one job family, suppressing a submission whose key is already queued or
// running in the family. Completed refreshes are delivered to a single consumer.
type Coordinator[K comparable, P any] struct {
	family     string
	provider   Provider[K, P]
	consumer   Consumer[P]
	registry   Registry[K]
	workers    *semaphore.Weighted
	maxWorkers int
	log        zerolog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	tasks  map[string]*task[K, P]
}

type coordinatorOptions[K comparable, P any] func(c *Coordinator[K, P])

// WithProvider sets the data source the refresh tasks fetch from. It is mandatory.
func WithProvider[K comparable, P any](p Provider[K, P]) coordinatorOptions[K, P] {
	return func(c *Coordinator[K, P]) {
		c.provider = p
	}
}

// WithConsumer sets the consumer receiving the snapshots. It is mandatory.
func WithConsumer[K comparable, P any](consumer Consumer[P]) coordinatorOptions[K, P] {
	return func(c *Coordinator[K, P]) {
		c.consumer = consumer
	}
}

// WithRegistry replaces the in-memory registry, e.g. with a RedisRegistry shared between processes.
func WithRegistry[K comparable, P any](r Registry[K]) coordinatorOptions[K, P] {
	return func(c *Coordinator[K, P]) {
		c.registry = r
	}
}

// WithFamily sets the job family used for deduplication.
func WithFamily[K comparable, P any](family string) coordinatorOptions[K, P] {
	return func(c *Coordinator[K, P]) {
		c.family = family
	}
}

// WithWorkers bounds the number of fetches running at the same time.
func WithWorkers[K comparable, P any](n int) coordinatorOptions[K, P] {
	return func(c *Coordinator[K, P]) {
		c.maxWorkers = n
	}
}

// WithLogger sets the logger. Coordinators log nothing by default.
func WithLogger[K comparable, P any](log zerolog.Logger) coordinatorOptions[K, P] {
	return func(c *Coordinator[K, P]) {
		c.log = log
	}
}

// NewCoordinator builds a coordinator. Provider and consumer are required, everything else has a default.
func NewCoordinator[K comparable, P any](opts ...coordinatorOptions[K, P]) (*Coordinator[K, P], error) {
	c := &Coordinator[K, P]{
		log:   zerolog.Nop(),
		now:   time.Now,
		tasks: make(map[string]*task[K, P]),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.provider == nil {
		return nil, ErrEmptyProvider
	}
	if c.consumer == nil {
		return nil, ErrEmptyConsumer
	}
	if c.registry == nil {
		c.registry = NewMemoryRegistry[K]()
	}
	if c.family == "" {
		c.family = DefaultFamily
	}
	if c.maxWorkers <= 0 {
		c.maxWorkers = defaultWorkers
	}

	c.workers = semaphore.NewWeighted(int64(c.maxWorkers))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Family returns the job family the coordinator deduplicates in.
func (c *Coordinator[K, P]) Family() string { return c.family }

// ShouldSchedule applies the package level ShouldSchedule to the coordinator's family.
func (c *Coordinator[K, P]) ShouldSchedule(newKey K, outstanding []TaskRecord[K]) bool {
	return ShouldSchedule(c.family, newKey, outstanding)
}

// Outstanding lists the family's queued and running records.
func (c *Coordinator[K, P]) Outstanding(ctx context.Context) ([]TaskRecord[K], error) {
	return c.registry.ListOutstanding(ctx, c.family)
}

// Submit requests a refresh for key. If a refresh with an equal key is already outstanding in the family the
// returned handle is not scheduled and nothing else happens. Otherwise a task is registered and started.
// ctx only covers the registry calls, the task itself runs until it finishes, is cancelled, or Close is called.
func (c *Coordinator[K, P]) Submit(ctx context.Context, key K) (*Handle[K, P], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCoordinatorClosed
	}

	outstanding, err := c.registry.ListOutstanding(ctx, c.family)
	if err != nil {
		return nil, fmt.Errorf("submit refresh: %w", err)
	}

	if !c.ShouldSchedule(key, outstanding) {
		return c.suppressed(key), nil
	}

	rec := TaskRecord[K]{
		ID:        uuid.NewString(),
		Family:    c.family,
		Key:       key,
		State:     StateCreated,
		CreatedAt: c.now(),
	}
	// Another process sharing the registry may have claimed the key since the listing above.
	added, err := c.registry.RegisterIfAbsent(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("submit refresh: %w", err)
	}
	if !added {
		return c.suppressed(key), nil
	}

	t := newTask(c.ctx, rec, c)
	c.tasks[rec.ID] = t
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		t.execute(c.workers)

		c.mu.Lock()
		delete(c.tasks, rec.ID)
		c.mu.Unlock()
	}()

	t.log.Debug().Msg("refresh scheduled")
	return &Handle[K, P]{key: key, task: t}, nil
}

func (c *Coordinator[K, P]) suppressed(key K) *Handle[K, P] {
	c.log.Debug().
		Str("family", c.family).
		Interface("strategy", key).
		Msg("refresh already outstanding, submission suppressed")
	return &Handle[K, P]{key: key}
}

// Running returns the number of tasks started by this coordinator that have not finished yet.
func (c *Coordinator[K, P]) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Close rejects further submissions, cancels every task still in flight and waits for them to finish.
func (c *Coordinator[K, P]) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
