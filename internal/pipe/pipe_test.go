package pipe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe_FIFOThenEndOfStream(t *testing.T) {
	p := New[int](16)
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		require.NoError(t, p.Put(ctx, i, NoWait()))
	}
	p.Stop()

	var got []int
	for {
		v, err := p.Get(ctx)
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
}

func TestPipe_StopIsIdempotent(t *testing.T) {
	p := New[string](2)
	require.NoError(t, p.Put(context.Background(), "a", NoWait()))
	p.Stop()
	p.Stop()

	assert.True(t, p.Stopped())
	v, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	_, err = p.Get(context.Background())
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestPipe_PutAfterStop(t *testing.T) {
	p := New[int](2)
	p.Stop()
	err := p.Put(context.Background(), 1, DefaultRetryPolicy())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestPipe_CapacityExceededAfterRetries(t *testing.T) {
	p := New[int](1)
	ctx := context.Background()
	require.NoError(t, p.Put(ctx, 1, NoWait()))

	start := time.Now()
	err := p.Put(ctx, 2, RetryPolicy{WaitTime: 10 * time.Millisecond, MaxRetries: 2, MaxWaitPerRetry: 20 * time.Millisecond})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 1, p.Len())
}

func TestPipe_PutWaitsForRoom(t *testing.T) {
	p := New[int](1)
	ctx := context.Background()
	require.NoError(t, p.Put(ctx, 1, NoWait()))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = p.Get(ctx)
	}()

	err := p.Put(ctx, 2, RetryPolicy{WaitTime: 50 * time.Millisecond, MaxRetries: 5, MaxWaitPerRetry: 100 * time.Millisecond})
	require.NoError(t, err)
	v, err := p.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestPipe_PutWaitsFullWaitAfterEarlierGet(t *testing.T) {
	p := New[int](1)
	ctx := context.Background()
	require.NoError(t, p.Put(ctx, 1, NoWait()))
	_, err := p.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, 2, NoWait()))

	start := time.Now()
	err = p.Put(ctx, 3, RetryPolicy{WaitTime: 100 * time.Millisecond, MaxRetries: 1})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, 1, p.Len())
}

func TestPipe_PutStopsWaitingOnStop(t *testing.T) {
	p := New[int](1)
	require.NoError(t, p.Put(context.Background(), 1, NoWait()))
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Stop()
	}()

	err := p.Put(context.Background(), 2, RetryPolicy{WaitTime: time.Second, MaxRetries: 1})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestPipe_GetBlocksUntilItem(t *testing.T) {
	p := New[int](4)
	got := make(chan int, 1)
	go func() {
		v, err := p.Get(context.Background())
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Put(context.Background(), 7, NoWait()))

	select {
	case v := <-got:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("Get did not wake up")
	}
}

func TestPipe_GetWakesOnStop(t *testing.T) {
	p := New[int](4)
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Get(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrEndOfStream)
	case <-time.After(time.Second):
		t.Fatal("Get did not observe stop")
	}
}

func TestPipe_GetHonorsContext(t *testing.T) {
	p := New[int](4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipe_SnapshotDrainsBuffered(t *testing.T) {
	p := New[int](8)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Put(ctx, i, NoWait()))
	}
	_, err := p.Get(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4}, p.Snapshot())
	assert.Equal(t, 0, p.Len())
	assert.Empty(t, p.Snapshot())
	assert.False(t, p.Stopped())
}

func TestPipe_WrapAroundKeepsOrder(t *testing.T) {
	p := New[int](3)
	ctx := context.Background()
	var got []int
	for i := 0; i < 30; i++ {
		require.NoError(t, p.Put(ctx, i, NoWait()))
		if i%2 == 1 {
			for j := 0; j < 2; j++ {
				v, err := p.Get(ctx)
				require.NoError(t, err)
				got = append(got, v)
			}
		}
	}
	want := make([]int, 30)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestPipe_All(t *testing.T) {
	p := New[string](4)
	ctx := context.Background()
	require.NoError(t, p.Put(ctx, "x", NoWait()))
	require.NoError(t, p.Put(ctx, "y", NoWait()))
	p.Stop()

	var got []string
	for v, err := range p.All(ctx) {
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []string{"x", "y"}, got)
}

func TestPipe_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New[int](0).Cap())
}
