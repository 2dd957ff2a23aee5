package stream

import (
	"context"
	"iter"
	"sync"
	"time"

	"feedpipe.com/internal/pipe"
	"feedpipe.com/internal/pipeline"
	"feedpipe.com/pkg/logger"
	"feedpipe.com/pkg/metrics"
	"feedpipe.com/pkg/xerr"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeat         = 30 * time.Second
	DefaultReconnectInterval = 5 * time.Second
)

// SourceConfig carries the tunables of one StreamDataSource.
type SourceConfig struct {
	Channel string
	Pair    string
	// HeartbeatChannel, when set, is subscribed next to Channel so the
	// exchange keeps pushing frames on quiet streams.
	HeartbeatChannel string
	// Heartbeat is the idle time after the last outbound send that triggers
	// a ping. Negative disables pings; zero selects DefaultHeartbeat.
	Heartbeat         time.Duration
	ReconnectInterval time.Duration
	Capacity          int
	Retry             pipe.RetryPolicy
}

func (c *SourceConfig) setDefaults() {
	if c.Heartbeat == 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
}

// StreamDataSource owns one (channel, pair) subscription over a transport
// and publishes every inbound frame on its own destination pipe.
type StreamDataSource[T any] struct {
	cfg       SourceConfig
	key       string
	transport Transport[T]
	builder   SubscriptionBuilder
	log       *zap.Logger

	destination *pipe.Pipe[T]
	*pipeline.TaskManager

	mu         sync.Mutex
	state      StreamState
	subscribed bool // resubscribe after a reconnect
	lastSend   time.Time
}

func NewStreamDataSource[T any](cfg SourceConfig, transport Transport[T], builder SubscriptionBuilder, log *zap.Logger) *StreamDataSource[T] {
	cfg.setDefaults()
	key := Key(cfg.Channel, cfg.Pair)
	s := &StreamDataSource[T]{
		cfg:         cfg,
		key:         key,
		transport:   transport,
		builder:     builder,
		log:         logger.OrNop(log).With(zap.String("key", key)),
		destination: pipe.New[T](cfg.Capacity),
	}
	opts := pipeline.Options{Name: key, Retry: cfg.Retry, Logger: s.log}
	s.TaskManager = pipeline.NewTaskManager("source "+key, func(ctx context.Context) error {
		return pipeline.ReconnectingStreamToPipe(ctx, s, pipeline.PassThrough[T](), s.destination, pipeline.Reconnector{
			Connect:    s.reconnect,
			Disconnect: s.drop,
			Interval:   cfg.ReconnectInterval,
		}, opts)
	}, s.log)
	metrics.StreamState.WithLabelValues(key).Set(float64(StateClosed))
	return s
}

func (s *StreamDataSource[T]) Key() string     { return s.key }
func (s *StreamDataSource[T]) Channel() string { return s.cfg.Channel }
func (s *StreamDataSource[T]) Pair() string    { return s.cfg.Pair }

func (s *StreamDataSource[T]) Destination() *pipe.Pipe[T] { return s.destination }

func (s *StreamDataSource[T]) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StreamDataSource[T]) LastRecvTime() time.Time { return s.transport.LastRecvTime() }

func (s *StreamDataSource[T]) setState(st StreamState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	metrics.StreamState.WithLabelValues(s.key).Set(float64(st))
}

// OpenConnection connects the transport. A failure closes the connection
// and is returned; the caller decides what to do with the stream.
func (s *StreamDataSource[T]) OpenConnection(ctx context.Context) error {
	if st := s.State(); st != StateClosed {
		return nil
	}
	if err := s.transport.Connect(ctx); err != nil {
		s.log.Warn("open connection failed", zap.Error(err))
		s.CloseConnection(ctx)
		return xerr.Wrap(xerr.TransportClosed, err, "stream: open "+s.key)
	}
	s.touch()
	s.setState(StateOpened)
	s.log.Debug("connection opened")
	return nil
}

// Subscribe sends the subscription for the stream channel, and for the
// heartbeat channel when configured.
func (s *StreamDataSource[T]) Subscribe(ctx context.Context) error {
	switch st := s.State(); st {
	case StateSubscribed:
		return nil
	case StateOpened, StateUnsubscribed:
	default:
		s.CloseConnection(ctx)
		return xerr.Newf(xerr.InvalidState, "stream: subscribe %s in state %s", s.key, st)
	}
	if err := s.send(ctx, Subscribe); err != nil {
		s.log.Warn("subscribe failed", zap.Error(err))
		s.CloseConnection(ctx)
		return err
	}
	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()
	s.setState(StateSubscribed)
	s.log.Info("subscribed")
	return nil
}

func (s *StreamDataSource[T]) Unsubscribe(ctx context.Context) error {
	if st := s.State(); st != StateSubscribed {
		s.CloseConnection(ctx)
		return xerr.Newf(xerr.InvalidState, "stream: unsubscribe %s in state %s", s.key, st)
	}
	s.mu.Lock()
	s.subscribed = false
	s.mu.Unlock()
	if err := s.send(ctx, Unsubscribe); err != nil {
		s.log.Warn("unsubscribe failed", zap.Error(err))
		s.CloseConnection(ctx)
		return err
	}
	s.setState(StateUnsubscribed)
	s.log.Info("unsubscribed")
	return nil
}

// CloseConnection disconnects the transport and forgets the subscription.
func (s *StreamDataSource[T]) CloseConnection(ctx context.Context) {
	s.mu.Lock()
	s.subscribed = false
	s.mu.Unlock()
	s.drop(ctx)
}

func (s *StreamDataSource[T]) send(ctx context.Context, action Action) error {
	channels := []string{s.cfg.Channel}
	if s.cfg.HeartbeatChannel != "" && s.cfg.HeartbeatChannel != s.cfg.Channel {
		channels = append(channels, s.cfg.HeartbeatChannel)
	}
	for _, ch := range channels {
		payload, err := s.builder(ctx, action, ch, s.cfg.Pair)
		if err != nil {
			return xerr.Wrap(xerr.InvalidConfig, err, "stream: build "+action.String()+" payload")
		}
		if err := s.transport.Send(ctx, payload); err != nil {
			return xerr.Wrap(xerr.TransportClosed, err, "stream: send "+action.String())
		}
		s.touch()
	}
	return nil
}

func (s *StreamDataSource[T]) touch() {
	s.mu.Lock()
	s.lastSend = time.Now()
	s.mu.Unlock()
}

func (s *StreamDataSource[T]) sinceSend() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSend)
}

// reconnect restores a dropped connection and its subscription. It is a
// no-op while the stream is connected.
func (s *StreamDataSource[T]) reconnect(ctx context.Context) error {
	if s.State() != StateClosed {
		return nil
	}
	if err := s.transport.Connect(ctx); err != nil {
		return err
	}
	s.touch()
	s.setState(StateOpened)

	s.mu.Lock()
	resubscribe := s.subscribed
	s.mu.Unlock()
	if !resubscribe {
		return nil
	}
	if err := s.send(ctx, Subscribe); err != nil {
		_ = s.transport.Disconnect(ctx)
		s.setState(StateClosed)
		return err
	}
	s.setState(StateSubscribed)
	s.log.Info("resubscribed after reconnect")
	return nil
}

func (s *StreamDataSource[T]) drop(ctx context.Context) error {
	err := s.transport.Disconnect(ctx)
	if err != nil {
		s.log.Debug("disconnect", zap.Error(err))
	}
	s.setState(StateClosed)
	return err
}

type frame[T any] struct {
	msg T
	err error
}

// IterMessages yields transport frames and pings the transport whenever
// nothing was sent for the heartbeat interval. The deadline only triggers
// a ping; detecting a dead connection is left to the transport.
func (s *StreamDataSource[T]) IterMessages(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		readCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		frames := make(chan frame[T])
		go func() {
			defer close(frames)
			for m, err := range s.transport.IterMessages(readCtx) {
				select {
				case frames <- frame[T]{msg: m, err: err}:
				case <-readCtx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()

		var timer *time.Timer
		if s.cfg.Heartbeat > 0 {
			timer = time.NewTimer(s.untilHeartbeat())
			defer timer.Stop()
		}
		var zero T
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-frames:
				if !ok {
					return
				}
				if !yield(f.msg, f.err) || f.err != nil {
					return
				}
			case <-timerC(timer):
				if s.sinceSend() >= s.cfg.Heartbeat {
					if err := s.transport.Ping(ctx); err != nil {
						yield(zero, xerr.Wrap(xerr.TransportClosed, err, "stream: heartbeat"))
						return
					}
					s.touch()
					metrics.HeartbeatsTotal.WithLabelValues(s.key).Inc()
					s.log.Debug("heartbeat sent")
				}
				timer.Reset(s.untilHeartbeat())
			}
		}
	}
}

func (s *StreamDataSource[T]) untilHeartbeat() time.Duration {
	d := s.cfg.Heartbeat - s.sinceSend()
	if d < 0 {
		return 0
	}
	return d
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

var _ pipeline.MessageIterator[int] = (*StreamDataSource[int])(nil)
