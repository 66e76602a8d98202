package db

import (
	"context"
	"sync"
	"time"
)

// DefaultQueueCapacity is the buffer size of an AsyncWriter.
const DefaultQueueCapacity = 100

// AsyncWriter hands items to a handler on a background goroutine so callers
// never wait on the database. When the queue is full, items are dropped.
type AsyncWriter[T any] struct {
	queue   chan T
	handler func(T) error
	onError func(T, error)

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	dropped int64
}

// NewAsyncWriter returns a writer with the given queue capacity. onError
// may be nil.
func NewAsyncWriter[T any](capacity int, handler func(T) error, onError func(T, error)) *AsyncWriter[T] {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncWriter[T]{
		queue:   make(chan T, capacity),
		handler: handler,
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the background goroutine. Calling it twice is a no-op.
func (w *AsyncWriter[T]) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.run()
}

func (w *AsyncWriter[T]) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case item := <-w.queue:
			w.handle(item)
		}
	}
}

func (w *AsyncWriter[T]) drain() {
	for {
		select {
		case item := <-w.queue:
			w.handle(item)
		default:
			return
		}
	}
}

func (w *AsyncWriter[T]) handle(item T) {
	if err := w.handler(item); err != nil && w.onError != nil {
		w.onError(item, err)
	}
}

// Write queues item without blocking. It returns false if the queue is full
// or the writer has been stopped.
func (w *AsyncWriter[T]) Write(item T) bool {
	if w.ctx.Err() != nil {
		return false
	}
	select {
	case w.queue <- item:
		return true
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		return false
	}
}

// Pending is the number of queued items.
func (w *AsyncWriter[T]) Pending() int {
	return len(w.queue)
}

// Dropped is the number of items rejected because the queue was full.
func (w *AsyncWriter[T]) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Stop drains the queue and waits up to timeout for the goroutine to exit.
// It reports whether the drain finished in time.
func (w *AsyncWriter[T]) Stop(timeout time.Duration) bool {
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
