package app

import (
	"context"
	"errors"
	"net/http"

	"feedpipe.com/internal/config"
	"feedpipe.com/internal/feeds/coinbase"
	"feedpipe.com/internal/pipe"
	"feedpipe.com/internal/pipeline"
	"feedpipe.com/internal/sink"
	"feedpipe.com/internal/sink/influxsink"
	"feedpipe.com/internal/status"
	"feedpipe.com/pkg/logger"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type consumer struct {
	name string
	in   *pipe.Pipe[coinbase.CumulativeUpdate]
	run  func(ctx context.Context, src pipe.Getter[coinbase.CumulativeUpdate]) error
}

// App wires the Coinbase user stream to its sinks and the status server.
type App struct {
	cfg    config.Cfg
	log    *zap.Logger
	stream *coinbase.UserStream
	broker sink.Broker
	influx *influxsink.Sink
}

func New(ctx context.Context, cfg config.Cfg, log *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = logger.OrNop(log)
	us, err := coinbase.NewUserStream(coinbase.UserStreamConfig{
		URL:               cfg.Feed.URL,
		Channels:          cfg.Feed.Channels,
		Pairs:             cfg.Feed.Pairs,
		HeartbeatChannel:  cfg.Feed.HeartbeatChannel,
		Heartbeat:         cfg.Stream.Heartbeat,
		ReconnectInterval: cfg.Stream.ReconnectInterval,
		Capacity:          cfg.Pipe.Capacity,
		Retry:             cfg.Pipe.Retry.Policy(),
	}, coinbase.SameSymbol, coinbase.SameSymbol, log)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, stream: us}

	if a.broker, err = newBroker(ctx, cfg.Sinks, log); err != nil {
		return nil, err
	}
	if cfg.Sinks.Influx.Enabled {
		a.influx = influxsink.New(influxsink.Config{
			URL:           cfg.Sinks.Influx.URL,
			Token:         cfg.Sinks.Influx.Token,
			Org:           cfg.Sinks.Influx.Org,
			Bucket:        cfg.Sinks.Influx.Bucket,
			BatchSize:     cfg.Sinks.Influx.BatchSize,
			FlushInterval: cfg.Sinks.Influx.FlushInterval,
		}, log)
	}
	return a, nil
}

func newBroker(ctx context.Context, cfg config.SinksConfig, log *zap.Logger) (sink.Broker, error) {
	switch cfg.Broker {
	case "mem":
		return sink.NewMemBroker(0), nil
	case "nats":
		return sink.NewNatsBroker(cfg.NatsURL,
			nats.Name("feedpipe"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn("nats disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
			}),
		)
	case "redis":
		return sink.NewRedisBroker(ctx, sink.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	default:
		return nil, nil
	}
}

// Stream exposes the user stream for status reporting.
func (a *App) Stream() *coinbase.UserStream { return a.stream }

func (a *App) consumers() []consumer {
	var out []consumer
	capacity := a.cfg.Pipe.Capacity
	if a.broker != nil {
		fw := sink.NewForwarder(a.broker, func(u coinbase.CumulativeUpdate) string {
			return sink.UserStreamTopic(u.TradingPair)
		}, sink.ForwarderOptions{
			Name: a.cfg.Sinks.Broker,
			Breaker: sink.BreakerRule{
				TripConsecutiveFailures: a.cfg.Sinks.Breaker.ConsecutiveFailures,
				Timeout:                 a.cfg.Sinks.Breaker.Timeout,
			},
			Logger: a.log.Named("forwarder"),
		})
		out = append(out, consumer{name: "broker", in: pipe.New[coinbase.CumulativeUpdate](capacity), run: fw.Run})
	}
	if a.influx != nil {
		out = append(out, consumer{name: "influx", in: pipe.New[coinbase.CumulativeUpdate](capacity), run: a.influx.Run})
	}
	if a.cfg.Sinks.Tail || len(out) == 0 {
		out = append(out, consumer{name: "tail", in: pipe.New[coinbase.CumulativeUpdate](capacity), run: a.tail})
	}
	return out
}

func (a *App) tail(ctx context.Context, src pipe.Getter[coinbase.CumulativeUpdate]) error {
	log := a.log.Named("tail")
	for {
		u, err := src.Get(ctx)
		if err != nil {
			if errors.Is(err, pipe.ErrEndOfStream) {
				return nil
			}
			return err
		}
		log.Info("order update",
			zap.String("pair", u.TradingPair),
			zap.String("exchange_order_id", u.ExchangeOrderID),
			zap.String("client_order_id", u.ClientOrderID),
			zap.String("status", u.Status),
			zap.Stringer("average_price", u.AveragePrice),
			zap.Stringer("cumulative_base_amount", u.CumulativeBaseAmount),
			zap.Stringer("remainder_base_amount", u.RemainderBaseAmount),
			zap.Stringer("cumulative_fee", u.CumulativeFee),
		)
	}
}

// Run streams until ctx ends or the user stream fails. Listen drains the
// stream into updates before stopping it, and the distributor and consumers
// run until end of stream, so their context outlives ctx.
func (a *App) Run(ctx context.Context, srv *http.Server) error {
	updates := pipe.New[coinbase.CumulativeUpdate](a.cfg.Pipe.Capacity)
	consumers := a.consumers()
	dsts := make([]pipe.Putter[coinbase.CumulativeUpdate], len(consumers))
	names := make([]string, len(consumers))
	for i, c := range consumers {
		dsts[i] = c.in
		names[i] = c.name
	}
	a.log.Info("starting", zap.Strings("sinks", names), zap.Strings("pairs", a.cfg.Feed.Pairs))

	g, gctx := errgroup.WithContext(ctx)
	drainCtx := context.WithoutCancel(ctx)
	g.Go(func() error {
		return a.stream.Listen(gctx, updates)
	})
	g.Go(func() error {
		return pipeline.PipeToMultiPipe(drainCtx, updates,
			[]pipeline.Handler[coinbase.CumulativeUpdate, coinbase.CumulativeUpdate]{pipeline.PassThrough[coinbase.CumulativeUpdate]()},
			dsts, pipeline.Options{Name: "distributor", Retry: a.cfg.Pipe.Retry.Policy(), Logger: a.log})
	})
	for _, c := range consumers {
		g.Go(func() error {
			err := c.run(drainCtx, c.in)
			if err != nil {
				a.log.Error("sink failed", zap.String("sink", c.name), zap.Error(err))
			}
			return err
		})
	}
	if srv != nil {
		g.Go(func() error {
			return status.Serve(gctx, srv, a.log)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases the sinks. Call it after Run returns.
func (a *App) Close() {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.log.Warn("close broker", zap.Error(err))
		}
	}
	if a.influx != nil {
		a.influx.Close()
	}
}
