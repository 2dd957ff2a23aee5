package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"feedpipe.com/internal/pipe"
	"feedpipe.com/pkg/xerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type transports struct {
	mu  sync.Mutex
	byK map[string]*fakeTransport
}

func (ts *transports) factory(broken ...string) TransportFactory[msg] {
	ts.byK = make(map[string]*fakeTransport)
	return func(channel, pair string) (Transport[msg], error) {
		tr := newFakeTransport()
		for _, b := range broken {
			if b == Key(channel, pair) {
				tr.connectErr = errors.New("dial refused")
			}
		}
		ts.mu.Lock()
		ts.byK[Key(channel, pair)] = tr
		ts.mu.Unlock()
		return tr, nil
	}
}

func (ts *transports) get(key string) *fakeTransport {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.byK[key]
}

func testFeed() Feed[msg] {
	return Feed[msg]{
		Builder: recordingBuilder,
		Normalize: func(m msg) (msg, int64, bool, error) {
			if m.Channel != "user" {
				return m, NoSequence, false, nil
			}
			m.Body = "n:" + m.Body
			return m, m.Seq, true, nil
		},
		Map: func(ctx context.Context, m msg, emit func(Event) error) error {
			if m.Body == "n:other" {
				return emit(other{})
			}
			return emit(note{Key: fmt.Sprint(m.Seq), Body: m.Body})
		},
	}
}

func testConfig(pairs ...string) MultiConfig {
	return MultiConfig{
		Channels:          []string{"user"},
		Pairs:             pairs,
		Heartbeat:         -1,
		ReconnectInterval: 10 * time.Millisecond,
		Capacity:          16,
	}
}

func getNotes(t *testing.T, p *pipe.Pipe[note], n int) []note {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []note
	for len(out) < n {
		v, err := p.Get(ctx)
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func TestNewMultiStreamDataSource_Validates(t *testing.T) {
	var ts transports
	_, err := NewMultiStreamDataSource[msg, note](MultiConfig{Pairs: []string{"BTC-USD"}}, ts.factory(), testFeed(), nil)
	assert.True(t, xerr.Is(err, xerr.InvalidConfig))

	_, err = NewMultiStreamDataSource[msg, note](testConfig("BTC-USD"), ts.factory(), Feed[msg]{}, nil)
	assert.True(t, xerr.Is(err, xerr.InvalidConfig))
}

func TestMultiStreamDataSource_CartesianProduct(t *testing.T) {
	var ts transports
	cfg := testConfig("BTC-USD", "ETH-USD")
	cfg.Channels = []string{"user", "level2"}
	m, err := NewMultiStreamDataSource[msg, note](cfg, ts.factory(), testFeed(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"user:BTC-USD", "user:ETH-USD", "level2:BTC-USD", "level2:ETH-USD"}, m.Keys())
	assert.Equal(t, []string{"level2:BTC-USD", "level2:ETH-USD", "user:BTC-USD", "user:ETH-USD"}, m.Sequences().Keys())
}

func TestMultiStreamDataSource_EndToEnd(t *testing.T) {
	var ts transports
	m, err := NewMultiStreamDataSource[msg, note](testConfig("BTC-USD", "ETH-USD"), ts.factory(), testFeed(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Open(ctx))
	require.NoError(t, m.StartStream(ctx))
	require.NoError(t, m.Subscribe(ctx))

	btc := ts.get("user:BTC-USD")
	btc.frames <- fakeFrame{m: msg{Channel: "user", Seq: 1, Body: "a"}}
	btc.frames <- fakeFrame{m: msg{Channel: "heartbeats", Seq: 9, Body: "skip"}}
	btc.frames <- fakeFrame{m: msg{Channel: "user", Seq: 2, Body: "other"}}
	btc.frames <- fakeFrame{m: msg{Channel: "user", Seq: 3, Body: "b"}}

	got := getNotes(t, m.Queue(), 2)
	assert.Equal(t, []note{{Key: "1", Body: "n:a"}, {Key: "3", Body: "n:b"}}, got)

	for _, st := range m.States() {
		assert.Equal(t, "SUBSCRIBED", st.Stream)
		assert.Equal(t, "STARTED", st.Task)
	}
	seqs := m.Sequences().Snapshot()
	assert.Equal(t, int64(3), seqs["user:BTC-USD"])

	m.Unsubscribe(ctx)
	m.StopStream(ctx)
	_, err = m.Queue().Get(ctx)
	assert.ErrorIs(t, err, pipe.ErrEndOfStream)
	for _, st := range m.States() {
		assert.Equal(t, "CLOSED", st.Stream)
		assert.Equal(t, "STOPPED", st.Task)
	}
}

func TestMultiStreamDataSource_FailedOpenRemovesOnlyThatStream(t *testing.T) {
	var ts transports
	core, logs := observer.New(zap.WarnLevel)
	m, err := NewMultiStreamDataSource[msg, note](testConfig("BTC-USD", "ETH-USD"),
		ts.factory("user:ETH-USD"), testFeed(), zap.New(core))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Open(ctx))
	assert.Equal(t, []string{"user:BTC-USD"}, m.Keys())
	assert.Equal(t, 1, logs.FilterMessage("stream failed to open, removing it").Len())

	require.NoError(t, m.StartStream(ctx))
	require.NoError(t, m.Subscribe(ctx))
	ts.get("user:BTC-USD").frames <- fakeFrame{m: msg{Channel: "user", Seq: 1, Body: "x"}}
	assert.Equal(t, []note{{Key: "1", Body: "n:x"}}, getNotes(t, m.Queue(), 1))

	m.StopStream(ctx)
	_, err = m.Queue().Get(ctx)
	assert.ErrorIs(t, err, pipe.ErrEndOfStream)
}

func TestMultiStreamDataSource_AllFailToOpen(t *testing.T) {
	var ts transports
	m, err := NewMultiStreamDataSource[msg, note](testConfig("BTC-USD"), ts.factory("user:BTC-USD"), testFeed(), nil)
	require.NoError(t, err)

	err = m.Open(context.Background())
	assert.True(t, xerr.Is(err, xerr.InvalidState))
	assert.Empty(t, m.Keys())
}

func TestMultiStreamDataSource_SequenceGapIsLoggedNotFatal(t *testing.T) {
	var ts transports
	core, logs := observer.New(zap.WarnLevel)
	m, err := NewMultiStreamDataSource[msg, note](testConfig("BTC-USD"), ts.factory(), testFeed(), zap.New(core))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, m.Open(ctx))
	require.NoError(t, m.StartStream(ctx))
	require.NoError(t, m.Subscribe(ctx))
	defer m.StopStream(ctx)

	tr := ts.get("user:BTC-USD")
	for _, seq := range []int64{1, 2, 4, 5} {
		tr.frames <- fakeFrame{m: msg{Channel: "user", Seq: seq}}
	}
	got := getNotes(t, m.Queue(), 4)
	assert.Len(t, got, 4)
	assert.Equal(t, 1, logs.FilterMessage("sequence anomaly, resynchronizing").Len())
}

func TestMultiStreamDataSource_LastRecvTimeIsOldest(t *testing.T) {
	var ts transports
	m, err := NewMultiStreamDataSource[msg, note](testConfig("BTC-USD", "ETH-USD"), ts.factory(), testFeed(), nil)
	require.NoError(t, err)

	old := time.Now().Add(-time.Minute)
	ts.get("user:BTC-USD").lastRecv = old
	ts.get("user:ETH-USD").lastRecv = time.Now()
	assert.Equal(t, old, m.LastRecvTime())
}
