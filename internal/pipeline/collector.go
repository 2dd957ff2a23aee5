package pipeline

import (
	"context"
	"fmt"
	"iter"
	"time"

	"feedpipe.com/internal/pipe"
	"feedpipe.com/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Collector merges several pipes into one and keeps only the items whose
// dynamic type is To; everything else is dropped, counted as filtered and
// logged at most once a second.
type Collector[From, To any] struct {
	sources     []pipe.Getter[From]
	destination *pipe.Pipe[To]
	*TaskManager
}

func NewCollector[From, To any](sources []pipe.Getter[From], capacity int, opts Options) *Collector[From, To] {
	c := &Collector[From, To]{
		sources:     sources,
		destination: pipe.New[To](capacity),
	}
	log := opts.logger()
	warn := &rate.Sometimes{Interval: time.Second}
	keep := Seq(func(m From) iter.Seq2[To, error] {
		return func(yield func(To, error) bool) {
			v, ok := any(m).(To)
			if !ok {
				metrics.ItemsLostTotal.WithLabelValues(opts.name(), "filtered").Inc()
				warn.Do(func() {
					log.Warn("dropping item of unexpected type", zap.String("type", fmt.Sprintf("%T", m)))
				})
				return
			}
			yield(v, nil)
		}
	})
	c.TaskManager = NewTaskManager(opts.name(), func(ctx context.Context) error {
		return MultiPipeToPipe(ctx, c.sources, keep, c.destination, opts)
	}, opts.Logger)
	return c
}

func (c *Collector[From, To]) Sources() []pipe.Getter[From] { return c.sources }

func (c *Collector[From, To]) Destination() *pipe.Pipe[To] { return c.destination }
