package stream

import (
	"context"
	"iter"
	"sync"
	"time"

	"feedpipe.com/internal/pipe"
	"feedpipe.com/internal/pipeline"
	"feedpipe.com/pkg/logger"
	"feedpipe.com/pkg/xerr"
	"go.uber.org/zap"
)

// NoSequence tells the orchestrator a frame carries no sequence number.
const NoSequence int64 = -1

// Feed adapts one exchange's frames to the orchestrator.
type Feed[T any] struct {
	Builder SubscriptionBuilder
	// Normalize rewrites a raw frame in place of the original. keep=false
	// drops the frame; seq is checked by the stream's sequencer unless it
	// is NoSequence.
	Normalize func(msg T) (out T, seq int64, keep bool, err error)
	// Map emits the events carried by a normalized frame.
	Map func(ctx context.Context, msg T, emit func(Event) error) error
}

// MultiConfig configures every stream of a MultiStreamDataSource.
type MultiConfig struct {
	Channels          []string
	Pairs             []string
	HeartbeatChannel  string
	Heartbeat         time.Duration
	ReconnectInterval time.Duration
	Capacity          int
	Retry             pipe.RetryPolicy
}

// TransportFactory builds a fresh transport for one (channel, pair).
type TransportFactory[T any] func(channel, pair string) (Transport[T], error)

type chain[T any] struct {
	source    *StreamDataSource[T]
	normalize *pipeline.PipeBlock[T, T]
	mapper    *pipeline.PipeBlock[T, Event]
}

// retire ends every pipe of the chain so the collector stops waiting on it.
func (c *chain[T]) retire() {
	c.source.Destination().Stop()
	c.normalize.Destination().Stop()
	c.mapper.Destination().Stop()
}

// StreamStatus is a point-in-time view of one stream.
type StreamStatus struct {
	Key      string    `json:"key"`
	Channel  string    `json:"channel"`
	Pair     string    `json:"pair"`
	Stream   string    `json:"stream_state"`
	Task     string    `json:"task_state"`
	LastRecv time.Time `json:"last_recv_time"`
}

// MultiStreamDataSource runs one stream per (channel, pair), each with a
// normalize and a map stage, and merges their events of type E into one
// queue.
type MultiStreamDataSource[T any, E Event] struct {
	log       *zap.Logger
	sequences *SequenceRegistry
	collector *pipeline.Collector[Event, E]

	mu     sync.Mutex
	keys   []string
	chains map[string]*chain[T]
}

func NewMultiStreamDataSource[T any, E Event](cfg MultiConfig, newTransport TransportFactory[T], feed Feed[T], log *zap.Logger) (*MultiStreamDataSource[T, E], error) {
	if len(cfg.Channels) == 0 || len(cfg.Pairs) == 0 {
		return nil, xerr.New(xerr.InvalidConfig, "stream: channels and pairs are required")
	}
	if newTransport == nil || feed.Builder == nil || feed.Normalize == nil || feed.Map == nil {
		return nil, xerr.New(xerr.InvalidConfig, "stream: transport factory and feed functions are required")
	}

	log = logger.OrNop(log)
	m := &MultiStreamDataSource[T, E]{
		log:       log,
		sequences: NewSequenceRegistry(log.Named("sequence")),
		chains:    make(map[string]*chain[T]),
	}

	var outputs []pipe.Getter[Event]
	for _, channel := range cfg.Channels {
		for _, pair := range cfg.Pairs {
			key := Key(channel, pair)
			if _, dup := m.chains[key]; dup {
				continue
			}
			transport, err := newTransport(channel, pair)
			if err != nil {
				return nil, xerr.Wrap(xerr.InvalidConfig, err, "stream: transport for "+key)
			}
			source := NewStreamDataSource(SourceConfig{
				Channel:           channel,
				Pair:              pair,
				HeartbeatChannel:  cfg.HeartbeatChannel,
				Heartbeat:         cfg.Heartbeat,
				ReconnectInterval: cfg.ReconnectInterval,
				Capacity:          cfg.Capacity,
				Retry:             cfg.Retry,
			}, transport, feed.Builder, log.Named("source"))

			stageLog := log.Named("stage").With(zap.String("key", key))
			normalize := pipeline.NewPipeBlock(source.Destination(),
				normalizeHandler(feed.Normalize, m.sequences.Sequencer(key)), cfg.Capacity,
				pipeline.Options{Name: key + "/normalize", Retry: cfg.Retry, Logger: stageLog})
			mapper := pipeline.NewPipeBlock[T, Event](normalize.Destination(),
				pipeline.AsyncSeq(feed.Map), cfg.Capacity,
				pipeline.Options{Name: key + "/map", Retry: cfg.Retry, Logger: stageLog})

			m.keys = append(m.keys, key)
			m.chains[key] = &chain[T]{source: source, normalize: normalize, mapper: mapper}
			outputs = append(outputs, mapper.Destination())
		}
	}
	m.collector = pipeline.NewCollector[Event, E](outputs, cfg.Capacity,
		pipeline.Options{Name: "collector", Retry: cfg.Retry, Logger: log.Named("collector")})
	return m, nil
}

func normalizeHandler[T any](normalize func(T) (T, int64, bool, error), seq *Sequencer) pipeline.Handler[T, T] {
	return pipeline.Seq(func(msg T) iter.Seq2[T, error] {
		return func(yield func(T, error) bool) {
			out, n, keep, err := normalize(msg)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !keep {
				return
			}
			if n != NoSequence {
				seq.Observe(n)
			}
			yield(out, nil)
		}
	})
}

// Queue is the merged event output.
func (m *MultiStreamDataSource[T, E]) Queue() *pipe.Pipe[E] { return m.collector.Destination() }

func (m *MultiStreamDataSource[T, E]) Sequences() *SequenceRegistry { return m.sequences }

// Keys lists the active streams in construction order.
func (m *MultiStreamDataSource[T, E]) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}

func (m *MultiStreamDataSource[T, E]) active() []*chain[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*chain[T], 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, m.chains[k])
	}
	return out
}

func (m *MultiStreamDataSource[T, E]) remove(c *chain[T]) {
	key := c.source.Key()
	m.mu.Lock()
	delete(m.chains, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	c.retire()
}

// Open connects every stream in turn. A stream that fails is closed and
// removed; the others carry on. It fails only when no stream is left.
func (m *MultiStreamDataSource[T, E]) Open(ctx context.Context) error {
	for _, c := range m.active() {
		err := c.source.OpenConnection(ctx)
		if err == nil && c.source.State() != StateOpened {
			err = xerr.Newf(xerr.InvalidState, "stream: %s is %s after open", c.source.Key(), c.source.State())
		}
		if err != nil {
			m.log.Warn("stream failed to open, removing it", zap.String("key", c.source.Key()), zap.Error(err))
			c.source.CloseConnection(ctx)
			m.remove(c)
		}
	}
	return m.requireActive()
}

// Subscribe subscribes every stream in turn, removing the ones that fail.
func (m *MultiStreamDataSource[T, E]) Subscribe(ctx context.Context) error {
	for _, c := range m.active() {
		err := c.source.Subscribe(ctx)
		if err == nil && c.source.State() != StateSubscribed {
			err = xerr.Newf(xerr.InvalidState, "stream: %s is %s after subscribe", c.source.Key(), c.source.State())
		}
		if err != nil {
			m.log.Warn("stream failed to subscribe, removing it", zap.String("key", c.source.Key()), zap.Error(err))
			c.source.CloseConnection(ctx)
			m.remove(c)
			continue
		}
		m.log.Info("stream subscribed", zap.String("key", c.source.Key()))
	}
	return m.requireActive()
}

// Unsubscribe unsubscribes every stream; a failing one is closed but kept.
func (m *MultiStreamDataSource[T, E]) Unsubscribe(ctx context.Context) {
	for _, c := range m.active() {
		if err := c.source.Unsubscribe(ctx); err != nil {
			m.log.Warn("stream failed to unsubscribe", zap.String("key", c.source.Key()), zap.Error(err))
			c.source.CloseConnection(ctx)
		}
	}
}

func (m *MultiStreamDataSource[T, E]) Close(ctx context.Context) {
	for _, c := range m.active() {
		c.source.CloseConnection(ctx)
	}
}

// StartStream starts the collector, then for each stream its stages from
// the consumer end inward, and finally the source itself.
func (m *MultiStreamDataSource[T, E]) StartStream(ctx context.Context) error {
	if err := m.collector.StartTask(ctx); err != nil {
		return err
	}
	for _, c := range m.active() {
		if err := c.mapper.StartTask(ctx); err != nil {
			return err
		}
		if err := c.normalize.StartTask(ctx); err != nil {
			return err
		}
		if err := c.source.OpenConnection(ctx); err != nil {
			m.log.Warn("stream failed to open on start, removing it", zap.String("key", c.source.Key()), zap.Error(err))
			c.mapper.StopTask()
			c.normalize.StopTask()
			m.remove(c)
			continue
		}
		if err := c.source.StartTask(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopStream stops every source and its stages, then the collector. Each
// stop propagates end of stream, so the queue ends after what was in flight.
func (m *MultiStreamDataSource[T, E]) StopStream(ctx context.Context) {
	for _, c := range m.active() {
		c.source.StopTask()
		c.source.CloseConnection(ctx)
		c.normalize.StopTask()
		c.mapper.StopTask()
	}
	m.collector.StopTask()
}

// States reports every active stream in construction order.
func (m *MultiStreamDataSource[T, E]) States() []StreamStatus {
	chains := m.active()
	out := make([]StreamStatus, 0, len(chains))
	for _, c := range chains {
		out = append(out, StreamStatus{
			Key:      c.source.Key(),
			Channel:  c.source.Channel(),
			Pair:     c.source.Pair(),
			Stream:   c.source.State().String(),
			Task:     c.source.TaskManager.State().String(),
			LastRecv: c.source.LastRecvTime(),
		})
	}
	return out
}

// LastRecvTime is the oldest last-receive time over the active streams.
func (m *MultiStreamDataSource[T, E]) LastRecvTime() time.Time {
	var oldest time.Time
	for i, c := range m.active() {
		t := c.source.LastRecvTime()
		if i == 0 || t.Before(oldest) {
			oldest = t
		}
	}
	return oldest
}

// CollectorState reports the merged-queue task.
func (m *MultiStreamDataSource[T, E]) CollectorState() pipeline.TaskState { return m.collector.State() }

func (m *MultiStreamDataSource[T, E]) requireActive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.keys) == 0 {
		return xerr.New(xerr.InvalidState, "stream: no active streams")
	}
	return nil
}
