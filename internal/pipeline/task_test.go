package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"feedpipe.com/pkg/xerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, tm *TaskManager) {
	t.Helper()
	select {
	case <-tm.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("task %s did not finish", tm.Name())
	}
}

func TestTaskManager_Lifecycle(t *testing.T) {
	tm := NewTaskManager("idle", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	assert.Equal(t, TaskCreated, tm.State())

	require.NoError(t, tm.StartTask(context.Background()))
	assert.Equal(t, TaskStarted, tm.State())
	assert.NotEmpty(t, tm.RunID())

	tm.StopTask()
	assert.Equal(t, TaskStopped, tm.State())
	assert.NoError(t, tm.Err())
}

func TestTaskManager_StartTwiceIsNoop(t *testing.T) {
	starts := 0
	tm := NewTaskManager("once", func(ctx context.Context) error {
		starts++
		<-ctx.Done()
		return nil
	}, nil)
	require.NoError(t, tm.StartTask(context.Background()))
	id := tm.RunID()
	require.NoError(t, tm.StartTask(context.Background()))
	assert.Equal(t, id, tm.RunID())
	tm.StopTask()
	assert.Equal(t, 1, starts)
}

func TestTaskManager_ErrorMarksErrored(t *testing.T) {
	boom := errors.New("boom")
	tm := NewTaskManager("failing", func(context.Context) error { return boom }, nil)
	require.NoError(t, tm.StartTask(context.Background()))
	waitDone(t, tm)

	assert.Equal(t, TaskErrored, tm.State())
	assert.ErrorIs(t, tm.Err(), boom)
}

func TestTaskManager_PanicBecomesFatal(t *testing.T) {
	tm := NewTaskManager("panicky", func(context.Context) error { panic("bad state") }, nil)
	require.NoError(t, tm.StartTask(context.Background()))
	waitDone(t, tm)

	assert.Equal(t, TaskErrored, tm.State())
	assert.True(t, xerr.Is(tm.Err(), xerr.Fatal))
}

func TestTaskManager_ParentCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tm := NewTaskManager("child", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	require.NoError(t, tm.StartTask(ctx))
	cancel()
	waitDone(t, tm)
	assert.Equal(t, TaskStopped, tm.State())
}

func TestTaskManager_Restart(t *testing.T) {
	tm := NewTaskManager("again", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}, nil)
	require.NoError(t, tm.StartTask(context.Background()))
	first := tm.RunID()
	tm.StopTask()

	require.NoError(t, tm.StartTask(context.Background()))
	assert.Equal(t, TaskStarted, tm.State())
	assert.NotEqual(t, first, tm.RunID())
	tm.StopTask()
}

func TestTaskManager_StopBeforeStart(t *testing.T) {
	tm := NewTaskManager("never", func(context.Context) error { return nil }, nil)
	tm.StopTask()
	assert.Equal(t, TaskCreated, tm.State())
}

func TestTaskManager_NoFunction(t *testing.T) {
	tm := NewTaskManager("empty", nil, nil)
	err := tm.StartTask(context.Background())
	assert.True(t, xerr.Is(err, xerr.InvalidConfig))
}
