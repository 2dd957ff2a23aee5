package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSequencer_GapResyncs(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	reg := NewSequenceRegistry(zap.New(core))
	s := reg.Sequencer("user:BTC-USD")

	assert.True(t, s.Observe(1))
	assert.True(t, s.Observe(2))
	assert.False(t, s.Observe(4))
	assert.True(t, s.Observe(5))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "gap", fields["kind"])
	assert.Equal(t, int64(3), fields["expected"])
	assert.Equal(t, int64(4), fields["received"])
	assert.Equal(t, "user:BTC-USD", fields["key"])

	last, ok := s.Last()
	assert.True(t, ok)
	assert.Equal(t, int64(5), last)
}

func TestSequencer_RegressionResyncs(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := NewSequenceRegistry(zap.New(core)).Sequencer("k")

	assert.True(t, s.Observe(10))
	assert.False(t, s.Observe(7))
	assert.True(t, s.Observe(8))
	assert.False(t, s.Observe(8))

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "regression", logs.All()[0].ContextMap()["kind"])
	assert.Equal(t, "regression", logs.All()[1].ContextMap()["kind"])
}

func TestSequencer_FirstObservationIsSilent(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := NewSequenceRegistry(zap.New(core)).Sequencer("k")

	_, ok := s.Last()
	assert.False(t, ok)
	assert.True(t, s.Observe(42))
	assert.Equal(t, 0, logs.Len())
}

func TestSequenceRegistry_OneSequencerPerKey(t *testing.T) {
	reg := NewSequenceRegistry(nil)
	a := reg.Sequencer("a")
	assert.Same(t, a, reg.Sequencer("a"))
	b := reg.Sequencer("b")
	a.Observe(3)

	assert.Equal(t, map[string]int64{"a": 3}, reg.Snapshot())
	assert.Equal(t, []string{"a", "b"}, reg.Keys())
	assert.Equal(t, "b", b.Key())
}
