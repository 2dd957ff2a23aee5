package pipeline

import (
	"context"
	"errors"
	"sync"

	"feedpipe.com/pkg/logger"
	"feedpipe.com/pkg/safe"
	"feedpipe.com/pkg/xerr"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type TaskState uint8

const (
	TaskCreated TaskState = iota
	TaskStarted
	TaskStopped
	TaskErrored
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "CREATED"
	case TaskStarted:
		return "STARTED"
	case TaskStopped:
		return "STOPPED"
	case TaskErrored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

// TaskManager runs one long-lived function on its own goroutine and tracks
// its lifecycle. A stopped or errored task can be started again.
type TaskManager struct {
	name string
	run  func(ctx context.Context) error
	log  *zap.Logger

	mu     sync.Mutex
	state  TaskState
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewTaskManager(name string, run func(ctx context.Context) error, log *zap.Logger) *TaskManager {
	done := make(chan struct{})
	close(done)
	return &TaskManager{
		name: name,
		run:  run,
		log:  logger.OrNop(log).With(zap.String("task", name)),
		done: done,
	}
}

func (t *TaskManager) Name() string { return t.name }

// StartTask launches the function. Starting a running task is a no-op.
// The task stops when ctx ends or StopTask is called.
func (t *TaskManager) StartTask(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TaskStarted {
		return nil
	}
	if t.run == nil {
		return xerr.New(xerr.InvalidConfig, "pipeline: task "+t.name+" has no function")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.state = TaskStarted
	t.runID = uuid.NewString()
	t.cancel = cancel
	t.done = done
	t.err = nil

	log := t.log.With(zap.String("run_id", t.runID))
	log.Debug("task started")
	go func() {
		err := safe.Run(runCtx, t.run)
		cancel()

		t.mu.Lock()
		switch {
		case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			t.state = TaskStopped
			log.Debug("task stopped")
		default:
			t.state = TaskErrored
			t.err = err
			log.Error("task failed", zap.Error(err))
		}
		t.mu.Unlock()
		close(done)
	}()
	return nil
}

// StopTask cancels the running function and waits for it to return.
func (t *TaskManager) StopTask() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-done
}

func (t *TaskManager) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err is the error the last run ended with; nil unless State is TaskErrored.
func (t *TaskManager) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the current run returns.
func (t *TaskManager) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *TaskManager) RunID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runID
}

// Wait blocks until the current run returns or ctx ends.
func (t *TaskManager) Wait(ctx context.Context) error {
	select {
	case <-t.Done():
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
