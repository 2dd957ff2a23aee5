package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"feedpipe.com/internal/pipe"
	"feedpipe.com/internal/pipeline"
	"feedpipe.com/pkg/xerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSource(tr *fakeTransport, cfg SourceConfig) *StreamDataSource[msg] {
	if cfg.Channel == "" {
		cfg.Channel = "user"
	}
	if cfg.Pair == "" {
		cfg.Pair = "BTC-USD"
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = -1
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 10 * time.Millisecond
	}
	return NewStreamDataSource[msg](cfg, tr, recordingBuilder, nil)
}

func getMsgs(t *testing.T, p *pipe.Pipe[msg], n int) []msg {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []msg
	for len(out) < n {
		m, err := p.Get(ctx)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestStreamDataSource_Lifecycle(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSource(tr, SourceConfig{})
	ctx := context.Background()
	assert.Equal(t, StateClosed, s.State())

	require.NoError(t, s.OpenConnection(ctx))
	assert.Equal(t, StateOpened, s.State())
	require.NoError(t, s.Subscribe(ctx))
	assert.Equal(t, StateSubscribed, s.State())
	require.NoError(t, s.Unsubscribe(ctx))
	assert.Equal(t, StateUnsubscribed, s.State())
	s.CloseConnection(ctx)
	assert.Equal(t, StateClosed, s.State())

	assert.Equal(t, []any{
		subMsg{Action: "subscribe", Channel: "user", Pair: "BTC-USD"},
		subMsg{Action: "unsubscribe", Channel: "user", Pair: "BTC-USD"},
	}, tr.payloads())
	assert.Equal(t, "user:BTC-USD", s.Key())
}

func TestStreamDataSource_HeartbeatChannelSubscription(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSource(tr, SourceConfig{HeartbeatChannel: "heartbeats"})
	ctx := context.Background()

	require.NoError(t, s.OpenConnection(ctx))
	require.NoError(t, s.Subscribe(ctx))
	assert.Equal(t, []any{
		subMsg{Action: "subscribe", Channel: "user", Pair: "BTC-USD"},
		subMsg{Action: "subscribe", Channel: "heartbeats", Pair: "BTC-USD"},
	}, tr.payloads())
}

func TestStreamDataSource_OpenFailureCloses(t *testing.T) {
	tr := newFakeTransport()
	tr.connectErr = errors.New("dial refused")
	s := newTestSource(tr, SourceConfig{})

	err := s.OpenConnection(context.Background())
	require.Error(t, err)
	assert.True(t, xerr.Is(err, xerr.TransportClosed))
	assert.Equal(t, StateClosed, s.State())
	_, disconnects, _ := tr.counts()
	assert.Equal(t, 1, disconnects)
}

func TestStreamDataSource_SubscribeRequiresOpen(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSource(tr, SourceConfig{})

	err := s.Subscribe(context.Background())
	assert.True(t, xerr.Is(err, xerr.InvalidState))
	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, tr.payloads())
}

func TestStreamDataSource_SubscribeSendFailureCloses(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSource(tr, SourceConfig{})
	require.NoError(t, s.OpenConnection(context.Background()))
	tr.mu.Lock()
	tr.sendErr = errors.New("broken pipe")
	tr.mu.Unlock()

	err := s.Subscribe(context.Background())
	assert.True(t, xerr.Is(err, xerr.TransportClosed))
	assert.Equal(t, StateClosed, s.State())
}

func TestStreamDataSource_PublishesFrames(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSource(tr, SourceConfig{})
	ctx := context.Background()
	require.NoError(t, s.OpenConnection(ctx))
	require.NoError(t, s.StartTask(ctx))
	require.NoError(t, s.Subscribe(ctx))

	tr.frames <- fakeFrame{m: msg{Channel: "user", Seq: 1}}
	tr.frames <- fakeFrame{m: msg{Channel: "user", Seq: 2}}
	got := getMsgs(t, s.Destination(), 2)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, int64(2), got[1].Seq)
	assert.False(t, s.LastRecvTime().IsZero())

	s.StopTask()
	assert.Equal(t, pipeline.TaskStopped, s.TaskManager.State())
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, s.Destination().Stopped())
}

func TestStreamDataSource_ReconnectResubscribes(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSource(tr, SourceConfig{})
	ctx := context.Background()
	require.NoError(t, s.OpenConnection(ctx))
	require.NoError(t, s.Subscribe(ctx))
	require.NoError(t, s.StartTask(ctx))
	defer s.StopTask()

	tr.frames <- fakeFrame{m: msg{Seq: 1}}
	tr.frames <- fakeFrame{err: xerr.New(xerr.TransportClosed, "peer closed")}
	tr.frames <- fakeFrame{m: msg{Seq: 2}}

	got := getMsgs(t, s.Destination(), 2)
	assert.Equal(t, int64(2), got[1].Seq)
	connects, disconnects, _ := tr.counts()
	assert.Equal(t, 2, connects)
	assert.Equal(t, 1, disconnects)
	assert.Len(t, tr.payloads(), 2)
	assert.Equal(t, StateSubscribed, s.State())
}

func TestStreamDataSource_HeartbeatPingsIdleStream(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSource(tr, SourceConfig{Heartbeat: 20 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, s.OpenConnection(ctx))
	require.NoError(t, s.StartTask(ctx))
	defer s.StopTask()

	assert.Eventually(t, func() bool {
		_, _, pings := tr.counts()
		return pings >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestStreamDataSource_NoHeartbeatWhenDisabled(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSource(tr, SourceConfig{Heartbeat: -1})
	ctx := context.Background()
	require.NoError(t, s.OpenConnection(ctx))
	require.NoError(t, s.StartTask(ctx))

	time.Sleep(50 * time.Millisecond)
	s.StopTask()
	_, _, pings := tr.counts()
	assert.Zero(t, pings)
}
