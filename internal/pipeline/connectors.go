package pipeline

import (
	"context"
	"errors"
	"iter"
	"time"

	"feedpipe.com/internal/pipe"
	"feedpipe.com/pkg/logger"
	"feedpipe.com/pkg/metrics"
	"feedpipe.com/pkg/xerr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrTransportClosed reports that a message stream ended because the peer
// or the transport closed it. Reconnecting connectors reconnect at once.
var ErrTransportClosed = xerr.New(xerr.TransportClosed, "pipeline: transport closed")

// Options configure a connector. The zero value is usable.
type Options struct {
	// Name labels log records and metrics.
	Name string
	// Retry is used for every enqueue; zero selects pipe.DefaultRetryPolicy.
	Retry pipe.RetryPolicy
	// OverflowRetry is the second attempt a stream connector makes for an
	// item that hit a full pipe; zero selects OverflowRetryPolicy.
	OverflowRetry pipe.RetryPolicy
	// StopOnError stops the destination when a stream connector fails with
	// anything other than cancellation.
	StopOnError bool
	Logger      *zap.Logger
}

func (o Options) retry() pipe.RetryPolicy {
	if o.Retry == (pipe.RetryPolicy{}) {
		return pipe.DefaultRetryPolicy()
	}
	return o.Retry
}

// OverflowRetryPolicy is one short wait.
func OverflowRetryPolicy() pipe.RetryPolicy {
	return pipe.RetryPolicy{WaitTime: 10 * time.Millisecond, MaxRetries: 1}
}

func (o Options) overflowRetry() pipe.RetryPolicy {
	if o.OverflowRetry == (pipe.RetryPolicy{}) {
		return OverflowRetryPolicy()
	}
	return o.OverflowRetry
}

func (o Options) name() string {
	if o.Name == "" {
		return "pipeline"
	}
	return o.Name
}

func (o Options) logger() *zap.Logger {
	return logger.OrNop(o.Logger).With(zap.String("stage", o.name()))
}

// MessageIterator is a message source such as a websocket transport.
// Iteration ends when the transport closes or ctx ends.
type MessageIterator[T any] interface {
	IterMessages(ctx context.Context) iter.Seq2[T, error]
}

// PipeToPipe moves items from src to dst through h until src ends, then
// stops dst. On cancellation it flushes whatever src still buffers into dst
// on a best-effort basis, stops dst and returns ctx.Err(). A handler error
// is fatal and returned as is.
func PipeToPipe[From, To any](ctx context.Context, src pipe.Getter[From], h Handler[From, To], dst pipe.Putter[To], opts Options) error {
	return runPipe(ctx, src, compile(h, dst), dst, opts, true)
}

// MultiPipeToPipe merges srcs into dst, one goroutine per source. dst is
// stopped once, after every source has ended or failed.
func MultiPipeToPipe[From, To any](ctx context.Context, srcs []pipe.Getter[From], h Handler[From, To], dst pipe.Putter[To], opts Options) error {
	if len(srcs) == 0 {
		dst.Stop()
		return xerr.New(xerr.InvalidConfig, "pipeline: no sources")
	}
	put := compile(h, dst)
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range srcs {
		g.Go(func() error {
			return runPipe(gctx, src, put, dst, opts, false)
		})
	}
	err := g.Wait()
	dst.Stop()
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// PipeToMultiPipe broadcasts every item of src to all dsts. handlers holds
// either one handler shared by every destination or one per destination.
// A full destination loses the item without holding back the others.
func PipeToMultiPipe[From, To any](ctx context.Context, src pipe.Getter[From], handlers []Handler[From, To], dsts []pipe.Putter[To], opts Options) error {
	if len(dsts) == 0 {
		return xerr.New(xerr.InvalidConfig, "pipeline: no destinations")
	}
	if len(handlers) != 1 && len(handlers) != len(dsts) {
		return xerr.Newf(xerr.InvalidConfig, "pipeline: %d handlers for %d destinations", len(handlers), len(dsts))
	}
	puts := make([]putOp[From], len(dsts))
	for i, dst := range dsts {
		h := handlers[0]
		if len(handlers) > 1 {
			h = handlers[i]
		}
		puts[i] = compile(h, dst)
	}
	stopAll := func() {
		for _, dst := range dsts {
			dst.Stop()
		}
	}

	log := opts.logger()
	retry := opts.retry()
	broadcast := func(ctx context.Context, m From) error {
		var g errgroup.Group
		for i, put := range puts {
			g.Go(func() error {
				err := put(ctx, m, retry)
				switch {
				case errors.Is(err, pipe.ErrCapacityExceeded):
					n := lostCount(err)
					log.Error("data loss: destination full, item dropped",
						zap.Int("destination", i), zap.Int("lost", n),
						zap.Duration("wait_time", retry.WaitTime), zap.Int("max_retries", retry.MaxRetries))
					metrics.ItemsLostTotal.WithLabelValues(opts.name(), "capacity").Add(float64(n))
					return nil
				case errors.Is(err, errAbandoned):
					logAbandoned(log, opts, err)
				}
				return err
			})
		}
		return g.Wait()
	}

	cancelled := func() error {
		log.Warn("cancelled, flushing buffered items to destinations")
		flushCtx := context.WithoutCancel(ctx)
		items := src.Snapshot()
		for i, m := range items {
			if err := broadcast(flushCtx, m); err != nil {
				lost := len(items) - i
				log.Error("data loss: flush aborted", zap.Int("lost", lost), zap.Error(err))
				metrics.ItemsLostTotal.WithLabelValues(opts.name(), "cancel_flush").Add(float64(lost))
				break
			}
		}
		stopAll()
		return ctx.Err()
	}

	for {
		if ctx.Err() != nil {
			return cancelled()
		}
		m, err := src.Get(ctx)
		if err != nil {
			if errors.Is(err, pipe.ErrEndOfStream) {
				stopAll()
				return nil
			}
			if ctx.Err() != nil {
				return cancelled()
			}
			stopAll()
			return err
		}
		// every destination finishes m itself, even across a cancel
		if err := broadcast(ctx, m); err != nil {
			if ctx.Err() != nil {
				return cancelled()
			}
			log.Error("broadcast failed", zap.Error(err))
			stopAll()
			return err
		}
		metrics.ItemsForwardedTotal.WithLabelValues(opts.name()).Inc()
	}
}

// StreamToPipe drains a message iterator into dst through h.
//
// It returns ErrTransportClosed (or the iterator's own TransportClosed
// error) when the stream ends, the iterator's error when it fails, and
// ctx.Err() after stopping dst on cancellation. An item that still finds dst
// full after the overflow retry is logged as lost and skipped.
func StreamToPipe[From, To any](ctx context.Context, src MessageIterator[From], h Handler[From, To], dst pipe.Putter[To], opts Options) error {
	log := opts.logger()
	warn := &rate.Sometimes{Interval: time.Second}
	put := compile(h, overflowPutter[To]{
		dst:      dst,
		fallback: opts.overflowRetry(),
		warn: func() {
			warn.Do(func() { log.Warn("destination full, retrying item") })
		},
	})
	retry := opts.retry()

	var iterErr error
loop:
	for m, err := range src.IterMessages(ctx) {
		if err != nil {
			iterErr = err
			break
		}
		perr := put(ctx, m, retry)
		switch {
		case perr == nil:
			metrics.ItemsForwardedTotal.WithLabelValues(opts.name()).Inc()
		case errors.Is(perr, pipe.ErrCapacityExceeded):
			logLost(log, opts, retry, lostCount(perr))
		case ctx.Err() != nil:
			if errors.Is(perr, errAbandoned) {
				logAbandoned(log, opts, perr)
			}
			break loop
		default:
			log.Error("enqueue failed", zap.Error(perr))
			if opts.StopOnError {
				dst.Stop()
			}
			return perr
		}
	}

	if ctx.Err() != nil {
		log.Warn("cancelled, stopping destination")
		dst.Stop()
		return ctx.Err()
	}
	switch {
	case iterErr == nil:
		log.Warn("message stream ended")
		return ErrTransportClosed
	case xerr.Is(iterErr, xerr.TransportClosed):
		log.Warn("transport closed", zap.Error(iterErr))
		return iterErr
	default:
		log.Error("message stream failed", zap.Error(iterErr))
		if opts.StopOnError {
			dst.Stop()
		}
		return iterErr
	}
}

// Reconnector opens and closes the transport behind a MessageIterator.
type Reconnector struct {
	Connect    func(ctx context.Context) error
	Disconnect func(ctx context.Context) error
	// Interval is the pause after a failure before connecting again.
	Interval time.Duration
}

// ReconnectingStreamToPipe keeps StreamToPipe running across transport
// failures. It connects first; a closed transport is reconnected at once,
// any other stream error after rc.Interval. It returns on cancellation
// (after disconnecting and stopping dst) and on fatal handler errors.
func ReconnectingStreamToPipe[From, To any](ctx context.Context, src MessageIterator[From], h Handler[From, To], dst pipe.Putter[To], rc Reconnector, opts Options) error {
	log := opts.logger()
	streamOpts := opts
	streamOpts.StopOnError = false

	disconnect := func(ctx context.Context) {
		if rc.Disconnect == nil {
			return
		}
		if err := rc.Disconnect(ctx); err != nil {
			log.Warn("disconnect failed", zap.Error(err))
		}
	}
	stop := func() error {
		disconnect(context.WithoutCancel(ctx))
		dst.Stop()
		return ctx.Err()
	}
	connect := func() error {
		for {
			err := rc.Connect(ctx)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("connect failed, retrying", zap.Duration("interval", rc.Interval), zap.Error(err))
			if err := sleepCtx(ctx, rc.Interval); err != nil {
				return err
			}
		}
	}

	if err := connect(); err != nil {
		return stop()
	}
	for {
		err := StreamToPipe(ctx, src, h, dst, streamOpts)
		switch {
		case ctx.Err() != nil:
			log.Warn("cancelled, disconnecting")
			return stop()
		case xerr.Is(err, xerr.TransportClosed):
			log.Warn("transport closed, reconnecting", zap.Error(err))
			metrics.ReconnectsTotal.WithLabelValues(opts.name(), "closed").Inc()
			disconnect(ctx)
		case errors.Is(err, ErrHandler), xerr.Is(err, xerr.InvalidState):
			log.Error("stream stage failed", zap.Error(err))
			disconnect(context.WithoutCancel(ctx))
			dst.Stop()
			return err
		default:
			log.Error("stream failed, reconnecting", zap.Duration("interval", rc.Interval), zap.Error(err))
			metrics.ReconnectsTotal.WithLabelValues(opts.name(), "error").Inc()
			disconnect(ctx)
			if sleepCtx(ctx, rc.Interval) != nil {
				return stop()
			}
		}
		if err := connect(); err != nil {
			return stop()
		}
	}
}

// runPipe is the one-to-one loop shared by PipeToPipe and MultiPipeToPipe.
func runPipe[From, To any](ctx context.Context, src pipe.Getter[From], put putOp[From], dst pipe.Putter[To], opts Options, stopOnEnd bool) error {
	log := opts.logger()
	retry := opts.retry()
	finish := func() {
		if stopOnEnd {
			dst.Stop()
		}
	}
	cancelled := func() error {
		flushOnCancel(ctx, src, put, opts)
		finish()
		return ctx.Err()
	}

	for {
		if ctx.Err() != nil {
			return cancelled()
		}
		m, err := src.Get(ctx)
		if err != nil {
			if errors.Is(err, pipe.ErrEndOfStream) {
				finish()
				return nil
			}
			if ctx.Err() != nil {
				return cancelled()
			}
			finish()
			return err
		}

		// put finishes m even when ctx ends on the way; only the rest of src
		// is left to flush
		err = put(ctx, m, retry)
		switch {
		case err == nil:
			metrics.ItemsForwardedTotal.WithLabelValues(opts.name()).Inc()
		case errors.Is(err, pipe.ErrCapacityExceeded):
			logLost(log, opts, retry, lostCount(err))
		case ctx.Err() != nil:
			if errors.Is(err, errAbandoned) {
				logAbandoned(log, opts, err)
			}
			return cancelled()
		default:
			log.Error("stage failed", zap.Error(err))
			finish()
			return err
		}
	}
}

func logLost(log *zap.Logger, opts Options, retry pipe.RetryPolicy, n int) {
	log.Error("data loss: destination full after retries, item dropped",
		zap.Int("lost", n), zap.Duration("wait_time", retry.WaitTime), zap.Int("max_retries", retry.MaxRetries))
	metrics.ItemsLostTotal.WithLabelValues(opts.name(), "capacity").Add(float64(n))
}

func logAbandoned(log *zap.Logger, opts Options, err error) {
	log.Error("data loss: handler abandoned item on cancellation", zap.Error(err))
	metrics.ItemsLostTotal.WithLabelValues(opts.name(), "cancelled").Inc()
}

// flushOnCancel pushes everything src still buffers into the destination,
// ignoring cancellation, and logs whatever could not be moved.
func flushOnCancel[From any](ctx context.Context, src pipe.Getter[From], put putOp[From], opts Options) {
	log := opts.logger()
	items := src.Snapshot()
	log.Warn("cancelled, flushing buffered items", zap.Int("items", len(items)))
	if len(items) == 0 {
		return
	}
	flushCtx := context.WithoutCancel(ctx)
	retry := opts.retry()
	for i, m := range items {
		err := put(flushCtx, m, retry)
		if err == nil {
			continue
		}
		if errors.Is(err, pipe.ErrCapacityExceeded) {
			lost := lostCount(err) + len(items) - i - 1
			log.Error("data loss: destination full during flush",
				zap.Int("lost", lost), zap.Duration("wait_time", retry.WaitTime), zap.Int("max_retries", retry.MaxRetries))
			metrics.ItemsLostTotal.WithLabelValues(opts.name(), "cancel_flush").Add(float64(lost))
			return
		}
		lost := len(items) - i
		log.Error("data loss: flush aborted", zap.Int("lost", lost), zap.Error(err))
		metrics.ItemsLostTotal.WithLabelValues(opts.name(), "cancel_flush").Add(float64(lost))
		return
	}
}

// overflowPutter gives every item that finds the pipe full one more
// attempt with a fallback policy.
type overflowPutter[T any] struct {
	dst      pipe.Putter[T]
	fallback pipe.RetryPolicy
	warn     func()
}

func (o overflowPutter[T]) Put(ctx context.Context, item T, policy pipe.RetryPolicy) error {
	err := o.dst.Put(ctx, item, policy)
	if !errors.Is(err, pipe.ErrCapacityExceeded) {
		return err
	}
	o.warn()
	return o.dst.Put(ctx, item, o.fallback)
}

func (o overflowPutter[T]) Stop() { o.dst.Stop() }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
