package sink

import (
	"context"
	"errors"
	"time"

	"feedpipe.com/internal/pipe"
	"feedpipe.com/pkg/logger"
	"feedpipe.com/pkg/metrics"
	"github.com/segmentio/encoding/json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ForwarderOptions struct {
	// Name labels metrics and logs, e.g. the broker kind.
	Name           string
	PublishTimeout time.Duration
	Breaker        BreakerRule
	Logger         *zap.Logger
}

// Forwarder publishes every item of a pipe to a broker as JSON, behind a
// circuit breaker. Publish failures are counted and logged, never fatal.
type Forwarder[T any] struct {
	name    string
	broker  Broker
	topic   func(T) string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[struct{}]
	log     *zap.Logger
	warn    rate.Sometimes
}

func NewForwarder[T any](broker Broker, topic func(T) string, opts ForwarderOptions) *Forwarder[T] {
	if opts.Name == "" {
		opts.Name = "broker"
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	return &Forwarder[T]{
		name:    opts.Name,
		broker:  broker,
		topic:   topic,
		timeout: opts.PublishTimeout,
		cb:      newBreaker("sink:"+opts.Name, opts.Breaker),
		log:     logger.OrNop(opts.Logger).With(zap.String("sink", opts.Name)),
		warn:    rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Forward publishes one item.
func (f *Forwarder[T]) Forward(ctx context.Context, v T) error {
	payload, err := json.Marshal(v)
	if err != nil {
		metrics.SinkPublishTotal.WithLabelValues(f.name, "error").Inc()
		return err
	}
	topic := f.topic(v)
	_, err = f.cb.Execute(func() (struct{}, error) {
		pctx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		return struct{}{}, f.broker.Publish(pctx, topic, payload)
	})
	switch {
	case err == nil:
		metrics.SinkPublishTotal.WithLabelValues(f.name, "ok").Inc()
	case isRejected(err):
		metrics.SinkPublishTotal.WithLabelValues(f.name, "rejected").Inc()
	default:
		metrics.SinkPublishTotal.WithLabelValues(f.name, "error").Inc()
	}
	return err
}

// Run forwards src until it ends (nil) or ctx is cancelled (ctx.Err()).
func (f *Forwarder[T]) Run(ctx context.Context, src pipe.Getter[T]) error {
	for {
		v, err := src.Get(ctx)
		if err != nil {
			if errors.Is(err, pipe.ErrEndOfStream) {
				f.log.Info("source ended")
				return nil
			}
			return err
		}
		if err := f.Forward(ctx, v); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.warn.Do(func() {
				f.log.Warn("publish failed", zap.Error(err), zap.String("breaker", f.cb.State().String()))
			})
		}
	}
}

// BreakerState is the breaker state name: closed, half-open or open.
func (f *Forwarder[T]) BreakerState() string { return f.cb.State().String() }
