package runloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func startLoop(t *testing.T, opts ...Option) (*Loop, context.CancelFunc) {
	t.Helper()
	l := New(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	require.Eventually(t, l.Running, time.Second, time.Millisecond)
	return l, cancel
}

func TestPostRunsInOrder(t *testing.T) {
	l, _ := startLoop(t, WithQueueSize(4))

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, l.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, l.Do(context.Background(), func() {}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestTasksRunOnOneGoroutine(t *testing.T) {
	l, _ := startLoop(t)

	// Tasks never overlap
	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = l.Post(func() {
					mu.Lock()
					active++
					if active > maxActive {
						maxActive = active
					}
					mu.Unlock()
					time.Sleep(10 * time.Microsecond)
					mu.Lock()
					active--
					mu.Unlock()
				})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.Equal(t, 1, maxActive)
	assert.Eventually(t, func() bool { return l.Stats().Executed == 401 }, time.Second, time.Millisecond)
}

func TestPostFromLoopDoesNotDeadlock(t *testing.T) {
	l, _ := startLoop(t, WithQueueSize(1))

	done := make(chan struct{})
	require.NoError(t, l.Post(func() {
		for i := 0; i < 10; i++ {
			_ = l.Post(func() {})
		}
		_ = l.Post(func() { close(done) })
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested posts never ran")
	}
}

func TestPanicIsRecovered(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	l, _ := startLoop(t, WithLogger(zap.New(core)))

	require.NoError(t, l.Post(func() { panic("boom") }))

	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
	assert.Equal(t, uint64(1), l.Stats().Panics)
	assert.Equal(t, 1, logs.FilterMessage("run loop task panicked").Len())
}

func TestPostAfterCloseFails(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()
	require.Eventually(t, l.Running, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	<-l.Done()

	assert.ErrorIs(t, l.Post(func() {}), ErrLoopClosed)
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrLoopClosed)
	assert.ErrorIs(t, l.Run(context.Background()), ErrLoopClosed)
}

func TestQueuedTasksDrainOnShutdown(t *testing.T) {
	l := New()

	ran := 0
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Post(func() { ran++ }))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = l.Run(ctx)

	// A cancelled Run may stop before or after the wake; either way the
	// queue is drained before Done closes.
	<-l.Done()
	assert.Equal(t, 5, ran)
}

func TestSecondRunRejected(t *testing.T) {
	l, _ := startLoop(t)
	assert.ErrorIs(t, l.Run(context.Background()), ErrLoopRunning)
}

func TestDoHonoursContext(t *testing.T) {
	l, _ := startLoop(t)

	block := make(chan struct{})
	require.NoError(t, l.Post(func() { <-block }))
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Do(ctx, func() {}), context.DeadlineExceeded)
}
