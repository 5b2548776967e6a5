package refresher

import (
	"context"
	"sync"
)

const defaultDeliveryQueue = 16

// Executor is a serialized execution context. Everything submitted to one executor runs on the same goroutine in
// submission order, so state confined to it needs no locking.
type Executor interface {
	// Sync runs fn on the executor and returns once fn has completed. The context only bounds the wait for a
	// queue slot; once fn is queued Sync waits for it to run.
	Sync(ctx context.Context, fn func()) error
	// Post queues fn and returns without waiting for it.
	Post(fn func()) error
}

// Dispatcher is an Executor backed by a single goroutine draining a queue of functions.
// Functions run by the dispatcher must not call Sync on the same dispatcher, that would wait on itself forever.
type Dispatcher struct {
	queue     chan func()
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// mu orders sends on queue before Close: senders hold the read lock, Close takes the write lock to set closed.
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts the dispatcher goroutine. A non-positive queue size selects the default.
func NewDispatcher(queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultDeliveryQueue
	}

	d := &Dispatcher{
		queue:   make(chan func(), queueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)

	for {
		select {
		case fn := <-d.queue:
			fn()
		case <-d.closing:
			// Work queued before Close still runs.
			for {
				select {
				case fn := <-d.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Sync method queues fn and blocks until the dispatcher goroutine has run it.
// ctx bounds the wait for a free queue slot only. Once fn is accepted Sync waits for it, because the dispatcher
// runs everything it accepted, even while closing. ErrDispatcherClosed is returned when fn was not accepted.
func (d *Dispatcher) Sync(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		defer close(ran)
		fn()
	}

	if err := d.enqueue(ctx, wrapped); err != nil {
		return err
	}

	select {
	case <-ran:
		return nil
	case <-d.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrDispatcherClosed
		}
	}
}

// Post method queues fn without waiting for it to run. A nil error means fn is guaranteed to run,
// a Close racing with Post either lets fn in before it or makes Post return ErrDispatcherClosed.
func (d *Dispatcher) Post(fn func()) error {
	return d.enqueue(context.Background(), fn)
}

// enqueue sends fn under the read lock. Close cannot mark the dispatcher closed while a send is in flight,
// so everything that made it into the queue is seen by the drain in loop.
func (d *Dispatcher) enqueue(ctx context.Context, fn func()) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, runs what is already queued and waits for the dispatcher goroutine to exit.
// A function running on the dispatcher must not call Close, and must not Post to a full queue while Close is pending.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.closing)
		d.mu.Unlock()
	})
	<-d.done
}
