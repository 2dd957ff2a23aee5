package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"feedpipe.com/internal/pipe"
	"feedpipe.com/pkg/xerr"
)

// ErrHandler matches every error raised by a stage handler. Handler errors
// are fatal to the stage that runs them.
var ErrHandler = xerr.New(xerr.Fatal, "pipeline: handler failed")

// HandlerKind is the shape a handler was built with.
type HandlerKind uint8

const (
	// KindPassThrough forwards items unchanged. It is the zero value.
	KindPassThrough HandlerKind = iota
	// KindFunc maps one item to one item.
	KindFunc
	// KindAsync maps one item to one item and may block on ctx.
	KindAsync
	// KindSeq lazily expands one item to zero or more items.
	KindSeq
	// KindAsyncSeq expands one item through an emit callback and may block on ctx.
	KindAsyncSeq
)

func (k HandlerKind) String() string {
	switch k {
	case KindPassThrough:
		return "pass_through"
	case KindFunc:
		return "func"
	case KindAsync:
		return "async"
	case KindSeq:
		return "seq"
	case KindAsyncSeq:
		return "async_seq"
	default:
		return "unknown"
	}
}

// Handler transforms From items into To items. Build it with one of the
// constructors below; the zero value is a pass-through.
type Handler[From, To any] struct {
	kind     HandlerKind
	fn       func(From) (To, error)
	async    func(context.Context, From) (To, error)
	seq      func(From) iter.Seq2[To, error]
	asyncSeq func(context.Context, From, func(To) error) error
}

func (h Handler[From, To]) Kind() HandlerKind { return h.kind }

func PassThrough[T any]() Handler[T, T] { return Handler[T, T]{} }

func Func[From, To any](fn func(From) (To, error)) Handler[From, To] {
	return Handler[From, To]{kind: KindFunc, fn: fn}
}

func Async[From, To any](fn func(context.Context, From) (To, error)) Handler[From, To] {
	return Handler[From, To]{kind: KindAsync, async: fn}
}

func Seq[From, To any](fn func(From) iter.Seq2[To, error]) Handler[From, To] {
	return Handler[From, To]{kind: KindSeq, seq: fn}
}

// AsyncSeq wraps a producer that calls emit for every output item. A result
// dropped on a full pipe is counted and emit returns nil; any other enqueue
// error ends the item, and the producer should stop and return it.
func AsyncSeq[From, To any](fn func(ctx context.Context, in From, emit func(To) error) error) Handler[From, To] {
	return Handler[From, To]{kind: KindAsyncSeq, asyncSeq: fn}
}

// putOp applies the handler to one item and enqueues every result in order.
//
// Results that find the destination full are skipped and reported together
// as a *lostError. When ctx ends while a result waits for room, the rest of
// that item is still enqueued under the same retry budget and the op then
// returns ctx.Err(), so the item is never handled twice.
type putOp[From any] func(ctx context.Context, m From, policy pipe.RetryPolicy) error

// errAbandoned marks an item whose handler gave up part way through because
// ctx ended.
var errAbandoned = errors.New("pipeline: handler abandoned item on cancellation")

// lostError counts the results of one item dropped on a full destination.
type lostError struct{ n int }

func (e *lostError) Error() string {
	return fmt.Sprintf("pipeline: %d results dropped on a full destination", e.n)
}

func (e *lostError) Unwrap() error { return pipe.ErrCapacityExceeded }

// lostCount is the number of results err reports as dropped.
func lostCount(err error) int {
	var le *lostError
	if errors.As(err, &le) {
		return le.n
	}
	return 1
}

// emitter enqueues the results of one item.
type emitter[To any] struct {
	parent    context.Context
	ctx       context.Context
	dst       pipe.Putter[To]
	policy    pipe.RetryPolicy
	emitted   int
	lost      int
	cancelled bool
}

func newEmitter[To any](ctx context.Context, dst pipe.Putter[To], policy pipe.RetryPolicy) *emitter[To] {
	return &emitter[To]{parent: ctx, ctx: ctx, dst: dst, policy: policy}
}

// detach moves the rest of the item off the caller's ctx.
func (e *emitter[To]) detach() {
	e.cancelled = true
	e.ctx = context.WithoutCancel(e.parent)
}

func (e *emitter[To]) put(v To) error {
	e.emitted++
	err := e.dst.Put(e.ctx, v, e.policy)
	if err != nil && !e.cancelled && isCancellation(e.parent, err) {
		e.detach()
		err = e.dst.Put(e.ctx, v, e.policy)
	}
	if errors.Is(err, pipe.ErrCapacityExceeded) {
		e.lost++
		return nil
	}
	return err
}

func (e *emitter[To]) done() error {
	if e.lost > 0 {
		return &lostError{n: e.lost}
	}
	if e.cancelled {
		return e.parent.Err()
	}
	return nil
}

func compile[From, To any](h Handler[From, To], dst pipe.Putter[To]) putOp[From] {
	one := func(e *emitter[To], v To) error {
		if err := e.put(v); err != nil {
			return err
		}
		return e.done()
	}
	switch h.kind {
	case KindFunc:
		return func(ctx context.Context, m From, policy pipe.RetryPolicy) error {
			v, err := h.fn(m)
			if err != nil {
				return handlerError(ctx, err)
			}
			return one(newEmitter(ctx, dst, policy), v)
		}
	case KindAsync:
		return func(ctx context.Context, m From, policy pipe.RetryPolicy) error {
			e := newEmitter(ctx, dst, policy)
			v, err := h.async(ctx, m)
			if err != nil && isCancellation(ctx, err) {
				// it produced nothing; run it once more off the cancelled ctx
				e.detach()
				v, err = h.async(e.ctx, m)
			}
			if err != nil {
				return handlerError(e.ctx, err)
			}
			return one(e, v)
		}
	case KindSeq:
		return func(ctx context.Context, m From, policy pipe.RetryPolicy) error {
			e := newEmitter(ctx, dst, policy)
			for v, err := range h.seq(m) {
				if err != nil {
					return handlerError(ctx, err)
				}
				if err := e.put(v); err != nil {
					return err
				}
			}
			return e.done()
		}
	case KindAsyncSeq:
		return func(ctx context.Context, m From, policy pipe.RetryPolicy) error {
			e := newEmitter(ctx, dst, policy)
			var putErr error
			emit := func(v To) error {
				if err := e.put(v); err != nil {
					putErr = err
					return err
				}
				return nil
			}
			err := h.asyncSeq(ctx, m, emit)
			if err != nil && putErr == nil && isCancellation(ctx, err) {
				if e.emitted > 0 {
					return fmt.Errorf("%w after %d results: %w", errAbandoned, e.emitted, err)
				}
				e.detach()
				err = h.asyncSeq(e.ctx, m, emit)
			}
			if putErr != nil {
				return putErr
			}
			if err != nil {
				return handlerError(e.ctx, err)
			}
			return e.done()
		}
	default:
		return func(ctx context.Context, m From, policy pipe.RetryPolicy) error {
			v, ok := any(m).(To)
			if !ok {
				return xerr.Wrap(xerr.Fatal, fmt.Errorf("pass-through cannot convert %T", m), ErrHandler.Error())
			}
			return one(newEmitter(ctx, dst, policy), v)
		}
	}
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func handlerError(ctx context.Context, err error) error {
	if isCancellation(ctx, err) {
		return err
	}
	return xerr.Wrap(xerr.Fatal, err, ErrHandler.Error())
}
