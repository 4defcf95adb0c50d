package threading

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"sync"
	"testing"
	"time"
)

func TestThreadPool_PanicIsIsolated(t *testing.T) {
	pool := NewThreadPool(PoolConfig{Name: "panic", MaxWorkers: 1})
	defer pool.Stop()

	done := make(chan struct{})
	require.NoError(t, pool.Submit(func() { panic("task failure") }))
	require.NoError(t, pool.Submit(func() { close(done) }))
	waitFor(t, done, 2*time.Second)

	require.Eventually(t, func() bool {
		return pool.Stats().Executed == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), pool.Stats().Panicked)
}

func TestThreadPool_NeverExceedsMaxWorkers(t *testing.T) {
	const maxWorkers = 4
	pool := NewThreadPool(PoolConfig{Name: "bounded", MaxWorkers: maxWorkers})
	defer pool.Stop()

	running := atomic.NewInt32(0)
	peak := atomic.NewInt32(0)
	var wg sync.WaitGroup
	const tasks = 64
	wg.Add(tasks)
	for i := 0; i < tasks; i++ {
		require.NoError(t, pool.Submit(func() {
			defer wg.Done()
			n := running.Inc()
			for {
				p := peak.Load()
				if n <= p || peak.CAS(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Dec()
		}))
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(maxWorkers))
	assert.LessOrEqual(t, pool.Stats().Workers, maxWorkers)
}

func TestThreadPool_ReusesIdleWorkers(t *testing.T) {
	pool := NewThreadPool(PoolConfig{Name: "reuse", MaxWorkers: 8})
	defer pool.Stop()

	for i := 0; i < 20; i++ {
		done := make(chan struct{})
		require.NoError(t, pool.Submit(func() { close(done) }))
		waitFor(t, done, time.Second)
		require.Eventually(t, func() bool {
			return pool.Stats().Idle == 1
		}, time.Second, time.Millisecond)
	}
	assert.Equal(t, 1, pool.Stats().Workers)
}

func TestThreadPool_IdleWorkersExit(t *testing.T) {
	pool := NewThreadPool(PoolConfig{Name: "shrink", MaxWorkers: 4, IdleTimeoutSec: 1})
	defer pool.Stop()

	var wg sync.WaitGroup
	wg.Add(4)
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(func() {
			defer wg.Done()
			time.Sleep(50 * time.Millisecond)
		}))
	}
	wg.Wait()
	require.Eventually(t, func() bool {
		return pool.Stats().Workers == 0
	}, 3*time.Second, 50*time.Millisecond)

	done := make(chan struct{})
	require.NoError(t, pool.Submit(func() { close(done) }))
	waitFor(t, done, time.Second)
}

func TestThreadPool_StopDrainsBacklogAndRejects(t *testing.T) {
	pool := NewThreadPool(PoolConfig{Name: "stop", MaxWorkers: 1})

	executed := atomic.NewInt32(0)
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(func() {
			time.Sleep(time.Millisecond)
			executed.Inc()
		}))
	}
	pool.Stop()
	assert.Equal(t, int32(10), executed.Load())
	assert.ErrorIs(t, pool.Submit(func() {}), ErrPoolStopped)
	assert.Equal(t, 0, pool.Stats().Workers)

	// stopping twice is harmless
	pool.Stop()
}
