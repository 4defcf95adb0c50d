package threading

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, maxWorkers int) *Registry {
	registry := NewRegistry(NewThreadPool(PoolConfig{Name: t.Name(), MaxWorkers: maxWorkers}))
	t.Cleanup(registry.Close)
	return registry
}

func waitFor(t *testing.T, done <-chan struct{}, timeout time.Duration) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("timed out after %s", timeout)
	}
}

func TestSerialQueue_ExecutesInSubmissionOrder(t *testing.T) {
	registry := newTestRegistry(t, 8)
	q := registry.GetQueue("serial", Serial)

	const tasks = 200
	var order []int
	running := atomic.NewInt32(0)
	overlap := atomic.NewBool(false)
	done := make(chan struct{})
	for i := 0; i < tasks; i++ {
		i := i
		q.Dispatch(func() {
			if running.Inc() > 1 {
				overlap.Store(true)
			}
			order = append(order, i)
			running.Dec()
			if i == tasks-1 {
				close(done)
			}
		})
	}
	waitFor(t, done, 5*time.Second)

	require.False(t, overlap.Load(), "two serial tasks overlapped")
	require.Len(t, order, tasks)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestSerialQueue_ChainedState(t *testing.T) {
	registry := newTestRegistry(t, 4)
	q := registry.GetQueue("serial", Serial)

	t1 := 0
	var failures []string
	done := make(chan struct{})
	q.Dispatch(func() {
		if t1 != 0 {
			failures = append(failures, "first task saw a later state")
		}
		t1 = 1
	})
	q.Dispatch(func() {
		if t1 != 1 {
			failures = append(failures, "second task ran out of order")
		}
		t1 = 2
	})
	q.Dispatch(func() {
		if t1 != 2 {
			failures = append(failures, "third task ran out of order")
		}
		t1 = 3
		close(done)
	})
	waitFor(t, done, 2*time.Second)
	assert.Empty(t, failures)
	assert.Equal(t, 3, t1)
}

func TestSerialQueue_SurvivesPanic(t *testing.T) {
	registry := newTestRegistry(t, 2)
	q := registry.GetQueue("serial", Serial)

	done := make(chan struct{})
	q.Dispatch(func() { panic("boom") })
	q.Dispatch(func() { close(done) })
	waitFor(t, done, 2*time.Second)
}

func TestConcurrentQueue_RunsTasksInParallel(t *testing.T) {
	const tasks = 3
	registry := newTestRegistry(t, tasks)
	q := registry.GetQueue("concurrent", Concurrent)

	// every task blocks until all of them started, which only completes
	// when the pool runs them side by side
	var started sync.WaitGroup
	started.Add(tasks)
	release := make(chan struct{})
	var finished sync.WaitGroup
	finished.Add(tasks)
	for i := 0; i < tasks; i++ {
		q.Dispatch(func() {
			defer finished.Done()
			started.Done()
			<-release
		})
	}
	allStarted := make(chan struct{})
	go func() {
		started.Wait()
		close(allStarted)
	}()
	waitFor(t, allStarted, 2*time.Second)
	assert.Equal(t, tasks, q.Active())
	close(release)
	finished.Wait()
}

func TestConcurrentQueue_CompletesWithinCapacityBound(t *testing.T) {
	const tasks = 16
	const taskTime = 200 * time.Millisecond
	registry := newTestRegistry(t, tasks)
	q := registry.GetQueue("concurrent", Concurrent)

	var wg sync.WaitGroup
	wg.Add(tasks)
	start := time.Now()
	for i := 0; i < tasks; i++ {
		q.Dispatch(func() {
			defer wg.Done()
			Sleep(taskTime)
		})
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	waitFor(t, done, tasks*taskTime)
	assert.Less(t, int64(time.Since(start)), int64(tasks*taskTime/2))
}

func TestQueue_DispatchAfter(t *testing.T) {
	registry := newTestRegistry(t, 2)
	for _, kind := range []Kind{Serial, Concurrent} {
		q := registry.GetQueue("delayed-"+kind.String(), kind)
		start := time.Now()
		done := make(chan struct{})
		q.DispatchAfter(100*time.Millisecond, func() { close(done) })
		waitFor(t, done, 2*time.Second)
		assert.GreaterOrEqual(t, int64(time.Since(start)), int64(100*time.Millisecond))
	}
}

func TestRegistry_SameNameSameQueue(t *testing.T) {
	registry := newTestRegistry(t, 2)

	q1 := registry.GetQueue("shared", Serial)
	q2 := registry.GetQueue("shared", Serial)
	require.Same(t, q1, q2)

	// the first registration decides the kind
	q3 := registry.GetQueue("shared", Concurrent)
	require.Same(t, q1, q3)
	assert.Equal(t, Serial, q3.Kind())

	assert.Equal(t, Concurrent, registry.Default().Kind())
	assert.NotSame(t, q1, registry.GetQueue("other", Serial))
}

func TestRegistry_ConcurrentLookups(t *testing.T) {
	registry := newTestRegistry(t, 2)

	const lookups = 64
	queues := make([]Queue, lookups)
	var wg sync.WaitGroup
	wg.Add(lookups)
	for i := 0; i < lookups; i++ {
		i := i
		go func() {
			defer wg.Done()
			queues[i] = registry.GetQueue("race", Serial)
		}()
	}
	wg.Wait()
	for _, q := range queues {
		require.Same(t, queues[0], q)
	}
}

func TestQueue_RejectsAfterPoolStop(t *testing.T) {
	registry := NewRegistry(NewThreadPool(PoolConfig{Name: t.Name(), MaxWorkers: 2}))
	serial := registry.GetQueue("serial", Serial)
	concurrent := registry.GetQueue("concurrent", Concurrent)
	registry.Close()

	ran := atomic.NewBool(false)
	assert.ErrorIs(t, serial.Dispatch(func() { ran.Store(true) }), ErrPoolStopped)
	assert.ErrorIs(t, concurrent.Dispatch(func() { ran.Store(true) }), ErrPoolStopped)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load())
	assert.Equal(t, 0, serial.Pending())
	assert.Equal(t, 0, concurrent.Pending())
}

func TestSerialQueue_DrainsQueuedTasksAfterPoolStop(t *testing.T) {
	pool := NewThreadPool(PoolConfig{Name: t.Name(), MaxWorkers: 1})
	q := NewRegistry(pool).GetQueue("serial", Serial)

	release := make(chan struct{})
	require.NoError(t, q.Dispatch(func() { <-release }))
	const tasks = 5
	var order []int
	done := make(chan struct{})
	for i := 0; i < tasks; i++ {
		i := i
		require.NoError(t, q.Dispatch(func() {
			order = append(order, i)
			if i == tasks-1 {
				close(done)
			}
		}))
	}

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()
	require.Eventually(t, pool.IsStopped, time.Second, time.Millisecond)
	close(release)

	waitFor(t, done, 2*time.Second)
	waitFor(t, stopped, 2*time.Second)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}
