package pipe

import (
	"context"
	"iter"
	"sync"
	"time"

	"feedpipe.com/pkg/xerr"
)

var (
	ErrEndOfStream      = xerr.New(xerr.EndOfStream, "pipe: end of stream")
	ErrCapacityExceeded = xerr.New(xerr.CapacityExceeded, "pipe: capacity exceeded")
	ErrStopped          = xerr.New(xerr.InvalidState, "pipe: put on stopped pipe")
)

const DefaultCapacity = 1000

// RetryPolicy bounds how long Put waits on a full pipe. The first wait is
// WaitTime; every retry doubles it, capped at MaxWaitPerRetry.
// The zero value tries exactly once.
type RetryPolicy struct {
	WaitTime        time.Duration
	MaxRetries      int
	MaxWaitPerRetry time.Duration
}

// DefaultRetryPolicy is used by connectors when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		WaitTime:        100 * time.Millisecond,
		MaxRetries:      3,
		MaxWaitPerRetry: time.Second,
	}
}

// NoWait fails immediately on a full pipe.
func NoWait() RetryPolicy { return RetryPolicy{} }

func (p RetryPolicy) next(wait time.Duration) time.Duration {
	wait *= 2
	if p.MaxWaitPerRetry > 0 && wait > p.MaxWaitPerRetry {
		wait = p.MaxWaitPerRetry
	}
	return wait
}

// Getter is the consuming side of a pipe.
type Getter[T any] interface {
	Get(ctx context.Context) (T, error)
	Snapshot() []T
}

// Putter is the producing side of a pipe.
type Putter[T any] interface {
	Put(ctx context.Context, item T, policy RetryPolicy) error
	Stop()
}

// Pipe is a bounded FIFO with an explicit end-of-stream marker.
//
// Stop appends the marker after whatever is buffered; the marker does not
// take a capacity slot, so Stop never blocks. Get hands out the buffered
// items in order, then ErrEndOfStream.
type Pipe[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int
	capacity int
	stopped  bool

	notEmpty chan struct{} // cap 1, edge signal
	notFull  chan struct{} // cap 1, edge signal
	stopCh   chan struct{} // closed by Stop
}

// New allocates a pipe; capacity <= 0 selects DefaultCapacity.
func New[T any](capacity int) *Pipe[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pipe[T]{
		items:    make([]T, 0, min(capacity, 1024)),
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

func (p *Pipe[T]) Cap() int { return p.capacity }

func (p *Pipe[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items) - p.head
}

func (p *Pipe[T]) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// TryPut enqueues without waiting. ok is false when the pipe is full.
func (p *Pipe[T]) TryPut(item T) (ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false, ErrStopped
	}
	if len(p.items)-p.head >= p.capacity {
		return false, nil
	}
	if p.head > 0 && len(p.items) == cap(p.items) {
		p.compact()
	}
	p.items = append(p.items, item)
	signal(p.notEmpty)
	return true, nil
}

// Put enqueues item, making 1+MaxRetries attempts. Every retry waits up to
// its full wait for room and takes a slot as soon as one frees up. It
// returns ErrCapacityExceeded once the budget is spent, ErrStopped after
// Stop, or ctx.Err() when ctx ends while waiting.
func (p *Pipe[T]) Put(ctx context.Context, item T, policy RetryPolicy) error {
	wait := policy.WaitTime
	for attempt := 0; ; attempt++ {
		ok, err := p.TryPut(item)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if attempt >= policy.MaxRetries {
			return ErrCapacityExceeded
		}
		if wait > 0 {
			ok, err := p.putWithin(ctx, item, wait)
			if err != nil || ok {
				return err
			}
			wait = policy.next(wait)
		}
	}
}

// putWithin retries item on every notFull signal until d elapses. A signal
// left over from an earlier Get finds the pipe still full and the wait goes
// on.
func (p *Pipe[T]) putWithin(ctx context.Context, item T, d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-p.stopCh:
			return false, ErrStopped
		case <-timer.C:
			return false, nil
		case <-p.notFull:
		}
		ok, err := p.TryPut(item)
		if err != nil || ok {
			return ok, err
		}
	}
}

// Get blocks until an item or the end-of-stream marker is available.
func (p *Pipe[T]) Get(ctx context.Context) (T, error) {
	var zero T
	for {
		p.mu.Lock()
		if len(p.items) > p.head {
			item := p.items[p.head]
			p.items[p.head] = zero
			p.head++
			if p.head == len(p.items) {
				p.items = p.items[:0]
				p.head = 0
			}
			more := len(p.items) > p.head
			p.mu.Unlock()
			signal(p.notFull)
			if more {
				signal(p.notEmpty)
			}
			return item, nil
		}
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			return zero, ErrEndOfStream
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-p.notEmpty:
		case <-p.stopCh:
		}
	}
}

// Stop marks the end of the stream. Calling it again is a no-op.
func (p *Pipe[T]) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stopCh)
}

// Snapshot removes and returns everything currently buffered, without
// waiting and without touching the end-of-stream marker. Connectors use it
// to flush upstream items when they are cancelled.
func (p *Pipe[T]) Snapshot() []T {
	p.mu.Lock()
	out := make([]T, len(p.items)-p.head)
	copy(out, p.items[p.head:])
	clear(p.items)
	p.items = p.items[:0]
	p.head = 0
	p.mu.Unlock()
	if len(out) > 0 {
		signal(p.notFull)
	}
	return out
}

// All iterates items until end of stream or ctx cancellation. Any other
// error is yielded once and ends the iteration.
func (p *Pipe[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			item, err := p.Get(ctx)
			if err != nil {
				if xerr.Is(err, xerr.EndOfStream) || ctx.Err() != nil {
					return
				}
				var zero T
				yield(zero, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (p *Pipe[T]) compact() {
	n := copy(p.items, p.items[p.head:])
	clear(p.items[n:])
	p.items = p.items[:n]
	p.head = 0
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

var (
	_ Getter[int] = (*Pipe[int])(nil)
	_ Putter[int] = (*Pipe[int])(nil)
)
