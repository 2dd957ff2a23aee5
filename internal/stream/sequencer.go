package stream

import (
	"sort"
	"sync"
	"sync/atomic"

	"feedpipe.com/pkg/logger"
	"feedpipe.com/pkg/metrics"
	"go.uber.org/zap"
)

// Sequencer checks that the sequence numbers of one stream key increase by
// one. It has exactly one writer: the normalizing stage of its stream.
type Sequencer struct {
	key  string
	last atomic.Int64
	seen atomic.Bool
	log  *zap.Logger
}

// Observe records seq and reports whether it was the expected successor.
// The first number seen is accepted as is. On a gap or a regression the
// anomaly is logged and the counter resyncs to seq.
func (s *Sequencer) Observe(seq int64) bool {
	if !s.seen.Load() {
		s.last.Store(seq)
		s.seen.Store(true)
		return true
	}
	last := s.last.Load()
	s.last.Store(seq)
	if seq == last+1 {
		return true
	}

	kind := "gap"
	if seq <= last {
		kind = "regression"
	}
	s.log.Warn("sequence anomaly, resynchronizing",
		zap.String("kind", kind),
		zap.Int64("expected", last+1),
		zap.Int64("received", seq))
	metrics.SequenceAnomaliesTotal.WithLabelValues(s.key, kind).Inc()
	return false
}

// Last is the last accepted number; ok is false before the first one.
func (s *Sequencer) Last() (seq int64, ok bool) {
	return s.last.Load(), s.seen.Load()
}

func (s *Sequencer) Key() string { return s.key }

// SequenceRegistry owns the sequencers of one orchestrator.
type SequenceRegistry struct {
	mu   sync.Mutex
	seqs map[string]*Sequencer
	log  *zap.Logger
}

func NewSequenceRegistry(log *zap.Logger) *SequenceRegistry {
	return &SequenceRegistry{
		seqs: make(map[string]*Sequencer),
		log:  logger.OrNop(log),
	}
}

// Sequencer returns the sequencer for key, creating it on first use.
func (r *SequenceRegistry) Sequencer(key string) *Sequencer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.seqs[key]; ok {
		return s
	}
	s := &Sequencer{key: key, log: r.log.With(zap.String("key", key))}
	r.seqs[key] = s
	return s
}

// Snapshot returns the last accepted number per key, for keys that have
// seen at least one.
func (r *SequenceRegistry) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.seqs))
	for k, s := range r.seqs {
		if last, ok := s.Last(); ok {
			out[k] = last
		}
	}
	return out
}

func (r *SequenceRegistry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.seqs))
	for k := range r.seqs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
