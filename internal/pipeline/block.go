package pipeline

import (
	"context"

	"feedpipe.com/internal/pipe"
)

// PipeBlock is one processing stage: it reads an upstream pipe, applies a
// handler and owns the pipe it writes to.
type PipeBlock[From, To any] struct {
	source      pipe.Getter[From]
	destination *pipe.Pipe[To]
	*TaskManager
}

// NewPipeBlock builds a stage over source. capacity <= 0 selects
// pipe.DefaultCapacity.
func NewPipeBlock[From, To any](source pipe.Getter[From], h Handler[From, To], capacity int, opts Options) *PipeBlock[From, To] {
	b := &PipeBlock[From, To]{
		source:      source,
		destination: pipe.New[To](capacity),
	}
	b.TaskManager = NewTaskManager(opts.name(), func(ctx context.Context) error {
		return PipeToPipe(ctx, b.source, h, b.destination, opts)
	}, opts.Logger)
	return b
}

func (b *PipeBlock[From, To]) Source() pipe.Getter[From] { return b.source }

func (b *PipeBlock[From, To]) Destination() *pipe.Pipe[To] { return b.destination }
