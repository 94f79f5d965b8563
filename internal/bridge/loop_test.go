package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T, config Config) *Loop {
	t.Helper()
	l := NewLoop(config)
	l.Start(context.Background())
	t.Cleanup(l.Stop)
	return l
}

func TestLoop_SubmitAndWait_ReturnsTaskResult(t *testing.T) {
	l := startLoop(t, NewConfig())

	err := l.SubmitAndWait(context.Background(), "telegram:1", func(ctx context.Context) error {
		return nil
	}, time.Second)
	assert.NoError(t, err)

	want := errors.New("send failed")
	err = l.SubmitAndWait(context.Background(), "telegram:1", func(ctx context.Context) error {
		return want
	}, time.Second)
	assert.ErrorIs(t, err, want)

	stats := l.Stats()
	assert.Equal(t, int64(2), stats.Submitted)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestLoop_TimeoutDoesNotCancelTask(t *testing.T) {
	l := startLoop(t, NewConfig())

	release := make(chan struct{})
	finished := make(chan error, 1)

	err := l.SubmitAndWait(context.Background(), "telegram:1", func(ctx context.Context) error {
		<-release
		finished <- ctx.Err()
		return nil
	}, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)

	close(release)
	select {
	case ctxErr := <-finished:
		assert.NoError(t, ctxErr, "task context must outlive the abandoned wait")
	case <-time.After(time.Second):
		t.Fatal("task did not finish after the wait timed out")
	}
	assert.Equal(t, int64(1), l.Stats().TimedOut)
}

func TestLoop_CallerContextEndsWait(t *testing.T) {
	l := startLoop(t, NewConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	release := make(chan struct{})
	defer close(release)
	err := l.SubmitAndWait(ctx, "telegram:1", func(context.Context) error {
		<-release
		return nil
	}, time.Minute)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoop_SameKeyRunsSerially(t *testing.T) {
	l := startLoop(t, Config{Workers: 8, QueueSize: 64, Timeout: time.Second})

	var active, maxActive atomic.Int32
	var mu sync.Mutex
	var order []int

	var dones []<-chan error
	for i := 0; i < 20; i++ {
		i := i
		done, err := l.Submit("telegram:42", func(context.Context) error {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			active.Add(-1)
			return nil
		})
		require.NoError(t, err)
		dones = append(dones, done)
	}
	for _, done := range dones {
		require.NoError(t, <-done)
	}

	assert.Equal(t, int32(1), maxActive.Load())
	for i := range order {
		assert.Equal(t, i, order[i])
	}
}

func TestLoop_DifferentKeysRunInParallel(t *testing.T) {
	l := NewLoop(Config{Workers: 16, QueueSize: 4, Timeout: time.Second})

	// find two keys on different shards
	keyA, keyB := "telegram:a", ""
	for i := 0; i < 100 && keyB == ""; i++ {
		k := fmt.Sprintf("telegram:%d", i)
		if l.shardFor(k) != l.shardFor(keyA) {
			keyB = k
		}
	}
	require.NotEmpty(t, keyB)

	l.Start(context.Background())
	defer l.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	doneA, err := l.Submit(keyA, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	err = l.SubmitAndWait(context.Background(), keyB, func(context.Context) error { return nil }, time.Second)
	assert.NoError(t, err, "a slow task must not block other shards")

	close(release)
	assert.NoError(t, <-doneA)
}

func TestLoop_PanicIsRecovered(t *testing.T) {
	l := startLoop(t, Config{Workers: 1, QueueSize: 4, Timeout: time.Second})

	err := l.SubmitAndWait(context.Background(), "telegram:1", func(context.Context) error {
		panic("boom")
	}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// the shard keeps serving
	err = l.SubmitAndWait(context.Background(), "telegram:1", func(context.Context) error { return nil }, time.Second)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), l.Stats().Panicked)
}

func TestLoop_QueueOverflow(t *testing.T) {
	l := startLoop(t, Config{Workers: 1, QueueSize: 1, Timeout: time.Second})

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	_, err := l.Submit("k", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	_, err = l.Submit("k", func(context.Context) error { return nil })
	require.NoError(t, err)

	_, err = l.Submit("k", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueOverflow)
	assert.Equal(t, int64(1), l.Stats().Rejected)
}

func TestLoop_SubmitBeforeStartOrAfterStop(t *testing.T) {
	l := NewLoop(NewConfig())

	_, err := l.Submit("k", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrLoopStopped)

	l.Start(context.Background())
	l.Stop()

	err = l.SubmitAndWait(context.Background(), "k", func(context.Context) error { return nil }, time.Second)
	assert.ErrorIs(t, err, ErrLoopStopped)

	// a second Stop is harmless
	l.Stop()
}

func TestLoop_StopFailsQueuedTasks(t *testing.T) {
	l := NewLoop(Config{Workers: 1, QueueSize: 4, Timeout: time.Second})
	l.Start(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	running, err := l.Submit("k", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	queued, err := l.Submit("k", func(context.Context) error { return nil })
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()

	// release the running task only once Stop has cancelled the loop
	assert.Eventually(t, func() bool {
		_, err := l.Submit("other", func(context.Context) error { return nil })
		return errors.Is(err, ErrLoopStopped)
	}, time.Second, time.Millisecond)

	close(release)
	<-stopped

	assert.NoError(t, <-running)
	assert.ErrorIs(t, <-queued, ErrLoopStopped)
}

func TestLoop_StartIsIdempotent(t *testing.T) {
	l := NewLoop(Config{Workers: 2, QueueSize: 1})
	l.Start(context.Background())
	l.Start(context.Background())
	defer l.Stop()

	assert.Equal(t, 2, l.Stats().Workers)
	assert.Equal(t, NewConfig().Timeout, l.Timeout())
}

func TestLoop_ParentContextCancelStopsAccepting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLoop(NewConfig())
	l.Start(ctx)
	defer l.Stop()

	cancel()
	assert.Eventually(t, func() bool {
		_, err := l.Submit("k", func(context.Context) error { return nil })
		return errors.Is(err, ErrLoopStopped)
	}, time.Second, 5*time.Millisecond)
}
