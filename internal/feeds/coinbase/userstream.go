package coinbase

import (
	"context"
	"net/http"
	"sync"
	"time"

	"feedpipe.com/internal/pipe"
	"feedpipe.com/internal/pipeline"
	"feedpipe.com/internal/stream"
	"feedpipe.com/internal/transport/wsconn"
	"feedpipe.com/pkg/logger"
	"go.uber.org/zap"
)

type UserStreamConfig struct {
	URL    string
	Header http.Header

	Channels          []string
	Pairs             []string
	HeartbeatChannel  string
	Heartbeat         time.Duration
	ReconnectInterval time.Duration
	Capacity          int
	Retry             pipe.RetryPolicy

	// ShutdownTimeout bounds unsubscribe and close once Listen returns.
	ShutdownTimeout time.Duration
}

func (c *UserStreamConfig) setDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if len(c.Channels) == 0 {
		c.Channels = []string{UserChannel}
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}

// UserStream listens to the order updates of a Coinbase account over one
// websocket per (channel, pair).
type UserStream struct {
	cfg   UserStreamConfig
	log   *zap.Logger
	multi *stream.MultiStreamDataSource[Message, CumulativeUpdate]
}

// NewUserStream dials cfg.URL through wsconn for every stream.
func NewUserStream(cfg UserStreamConfig, pairToSymbol PairToSymbol, symbolToPair SymbolToPair, log *zap.Logger) (*UserStream, error) {
	cfg.setDefaults()
	newTransport := func(channel, pair string) (stream.Transport[Message], error) {
		wc := wsconn.DefaultConfig(cfg.URL)
		wc.Header = cfg.Header
		return wsconn.New[Message](wc, wsconn.JSON[Message](), logger.OrNop(log).Named("ws").With(zap.String("key", stream.Key(channel, pair)))), nil
	}
	return NewUserStreamWithTransport(cfg, newTransport, pairToSymbol, symbolToPair, log)
}

func NewUserStreamWithTransport(cfg UserStreamConfig, newTransport stream.TransportFactory[Message], pairToSymbol PairToSymbol, symbolToPair SymbolToPair, log *zap.Logger) (*UserStream, error) {
	cfg.setDefaults()
	log = logger.OrNop(log).Named("coinbase")
	multi, err := stream.NewMultiStreamDataSource[Message, CumulativeUpdate](stream.MultiConfig{
		Channels:          cfg.Channels,
		Pairs:             cfg.Pairs,
		HeartbeatChannel:  cfg.HeartbeatChannel,
		Heartbeat:         cfg.Heartbeat,
		ReconnectInterval: cfg.ReconnectInterval,
		Capacity:          cfg.Capacity,
		Retry:             cfg.Retry,
	}, newTransport, NewFeed(pairToSymbol, symbolToPair), log)
	if err != nil {
		return nil, err
	}
	return &UserStream{cfg: cfg, log: log, multi: multi}, nil
}

// Listen opens, starts and subscribes every stream, then forwards updates
// into out until the streams end or ctx is cancelled. The stream tasks run
// until that teardown, not until ctx ends. On cancellation the streams are
// unsubscribed and stopped first; whatever they still hold reaches out
// before out is stopped and the connections are closed.
func (u *UserStream) Listen(ctx context.Context, out pipe.Putter[CumulativeUpdate]) error {
	if err := u.multi.Open(ctx); err != nil {
		out.Stop()
		return err
	}
	if err := u.multi.StartStream(context.WithoutCancel(ctx)); err != nil {
		u.halt()
		u.close()
		out.Stop()
		return err
	}
	if err := u.multi.Subscribe(ctx); err != nil {
		u.halt()
		u.close()
		out.Stop()
		return err
	}
	u.log.Info("listening", zap.Strings("streams", u.multi.Keys()))

	halt := sync.OnceFunc(u.halt)
	drained := make(chan struct{})
	watcher := make(chan struct{})
	go func() {
		defer close(watcher)
		select {
		case <-ctx.Done():
			halt()
		case <-drained:
		}
	}()

	// runs until the queue ends, which halt brings about on cancellation
	err := pipeline.PipeToPipe(context.WithoutCancel(ctx), u.multi.Queue(), pipeline.PassThrough[CumulativeUpdate](), out,
		pipeline.Options{Name: "userstream", Retry: u.cfg.Retry, Logger: u.log})
	close(drained)
	<-watcher
	halt()
	u.close()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// halt unsubscribes and stops every stream. Stopping propagates end of
// stream through the stages into the queue.
func (u *UserStream) halt() {
	ctx, cancel := context.WithTimeout(context.Background(), u.cfg.ShutdownTimeout)
	defer cancel()
	u.multi.Unsubscribe(ctx)
	u.multi.StopStream(ctx)
}

func (u *UserStream) close() {
	ctx, cancel := context.WithTimeout(context.Background(), u.cfg.ShutdownTimeout)
	defer cancel()
	u.multi.Close(ctx)
	u.log.Info("user stream stopped")
}

// LastRecvTime is the oldest receive time over the active streams.
func (u *UserStream) LastRecvTime() time.Time { return u.multi.LastRecvTime() }

func (u *UserStream) States() []stream.StreamStatus { return u.multi.States() }

func (u *UserStream) Sequences() *stream.SequenceRegistry { return u.multi.Sequences() }
