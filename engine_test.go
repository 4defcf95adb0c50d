package netevent

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
	"netevent/threading"
	"sync"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, loops int) *Engine {
	registry := threading.NewRegistry(threading.NewThreadPool(threading.PoolConfig{Name: t.Name(), MaxWorkers: 16}))
	engine := NewEngine(EngineConfig{Name: t.Name(), Loops: loops}, registry.Default())
	require.NoError(t, engine.Initialize())
	t.Cleanup(func() {
		engine.Close()
		registry.Close()
	})
	return engine
}

func newTestPipe(t *testing.T) (int, int) {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func waitErr(t *testing.T, ch <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		t.Fatalf("callback did not run within %s", timeout)
	}
	return nil
}

func TestEngine_ReadableFiresOnce(t *testing.T) {
	engine := newTestEngine(t, 1)
	r, w := newTestPipe(t)

	calls := atomic.NewInt32(0)
	done := make(chan error, 2)
	require.NoError(t, engine.Register(r, Readable, NoTimeout, func(err error) {
		calls.Inc()
		done <- err
	}))
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, waitErr(t, done, 2*time.Second))
	// the data is still unread, a level triggered watch would fire again
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	stats := engine.Stats()
	assert.Equal(t, uint64(1), stats.Registered)
	assert.Equal(t, uint64(1), stats.Fired)
	assert.Equal(t, 0, stats.Pending)
}

func TestEngine_WritableFiresImmediately(t *testing.T) {
	engine := newTestEngine(t, 1)
	_, w := newTestPipe(t)

	done := make(chan error, 1)
	require.NoError(t, engine.Register(w, Writable, time.Second, func(err error) {
		done <- err
	}))
	require.NoError(t, waitErr(t, done, time.Second))
}

func TestEngine_TimeoutFires(t *testing.T) {
	engine := newTestEngine(t, 1)
	r, _ := newTestPipe(t)

	done := make(chan error, 1)
	start := time.Now()
	require.NoError(t, engine.Register(r, Readable, 100*time.Millisecond, func(err error) {
		done <- err
	}))
	err := waitErr(t, done, 2*time.Second)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTimeout(err))
	assert.GreaterOrEqual(t, int64(elapsed), int64(100*time.Millisecond))
	assert.Less(t, int64(elapsed), int64(time.Second))
	assert.Equal(t, uint64(1), engine.Stats().TimedOut)
}

func TestEngine_EarlierDeadlineWakesWaiter(t *testing.T) {
	engine := newTestEngine(t, 1)
	r1, _ := newTestPipe(t)
	r2, _ := newTestPipe(t)

	order := make(chan int, 2)
	require.NoError(t, engine.Register(r1, Readable, 500*time.Millisecond, func(err error) {
		order <- r1
	}))
	start := time.Now()
	require.NoError(t, engine.Register(r2, Readable, 50*time.Millisecond, func(err error) {
		order <- r2
	}))

	select {
	case fd := <-order:
		assert.Equal(t, r2, fd)
		assert.Less(t, int64(time.Since(start)), int64(400*time.Millisecond))
	case <-time.After(2 * time.Second):
		t.Fatal("no registration expired")
	}
}

func TestEngine_UnregisterFiresClosed(t *testing.T) {
	engine := newTestEngine(t, 1)
	r, w := newTestPipe(t)

	done := make(chan error, 2)
	require.NoError(t, engine.Register(r, Readable, NoTimeout, func(err error) {
		done <- err
	}))
	require.NoError(t, engine.Register(w, Readable, NoTimeout, func(err error) {
		done <- err
	}))
	engine.Unregister(r)
	require.ErrorIs(t, waitErr(t, done, time.Second), ErrClosed)

	// unregistering an unknown fd is a no-op
	engine.Unregister(r)
	engine.Unregister(12345)
	assert.Equal(t, uint64(1), engine.Stats().Cancelled)
	assert.Equal(t, 1, engine.Stats().Pending)
}

func TestEngine_SupersededCallbackIsDropped(t *testing.T) {
	engine := newTestEngine(t, 1)
	r, w := newTestPipe(t)

	first := atomic.NewInt32(0)
	done := make(chan error, 1)
	require.NoError(t, engine.Register(r, Readable, NoTimeout, func(err error) {
		first.Inc()
	}))
	require.NoError(t, engine.Register(r, Readable, time.Second, func(err error) {
		done <- err
	}))
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, waitErr(t, done, 2*time.Second))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, uint64(1), engine.Stats().Superseded)
}

func TestEngine_ReadAndWriteAreIndependent(t *testing.T) {
	engine := newTestEngine(t, 1)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	readable := make(chan error, 1)
	writable := make(chan error, 1)
	require.NoError(t, engine.Register(fds[0], Readable, NoTimeout, func(err error) {
		readable <- err
	}))
	require.NoError(t, engine.Register(fds[0], Writable, NoTimeout, func(err error) {
		writable <- err
	}))
	require.NoError(t, waitErr(t, writable, time.Second))
	assert.Equal(t, 1, engine.Stats().Pending)

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)
	require.NoError(t, waitErr(t, readable, time.Second))
	assert.Equal(t, uint64(0), engine.Stats().Superseded)
}

func TestEngine_CloseFailsPending(t *testing.T) {
	engine := newTestEngine(t, 2)
	r, _ := newTestPipe(t)

	done := make(chan error, 1)
	require.NoError(t, engine.Register(r, Readable, NoTimeout, func(err error) {
		done <- err
	}))
	engine.Close()
	require.ErrorIs(t, waitErr(t, done, time.Second), ErrEngineClosed)

	called := atomic.NewBool(false)
	err := engine.Register(r, Readable, NoTimeout, func(err error) {
		called.Store(true)
	})
	require.ErrorIs(t, err, ErrEngineClosed)
	assert.ErrorIs(t, engine.Initialize(), ErrEngineClosed)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, called.Load())

	// closing twice is harmless
	engine.Close()
}

func TestEngine_RejectsInvalidRegistration(t *testing.T) {
	engine := newTestEngine(t, 1)
	r, _ := newTestPipe(t)

	called := atomic.NewBool(false)
	callback := func(err error) {
		called.Store(true)
	}
	assert.Error(t, engine.Register(r, Readable|Writable, NoTimeout, callback))
	assert.Error(t, engine.Register(r, 0, NoTimeout, callback))
	assert.ErrorIs(t, engine.Register(-1, Readable, NoTimeout, callback), ErrClosed)
	assert.Error(t, engine.Register(999999, Readable, NoTimeout, callback))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, called.Load())
	assert.Equal(t, 0, engine.Stats().Pending)
}

func TestEngine_InitializesOnce(t *testing.T) {
	registry := threading.NewRegistry(threading.NewThreadPool(threading.PoolConfig{MaxWorkers: 2}))
	defer registry.Close()
	engine := NewEngine(EngineConfig{Loops: 3}, registry.Default())
	defer engine.Close()

	var wg sync.WaitGroup
	wg.Add(8)
	for i := 0; i < 8; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, engine.Initialize())
		}()
	}
	wg.Wait()
	assert.Len(t, engine.loops, 3)
}

func TestEngine_ManyDescriptorsAcrossLoops(t *testing.T) {
	engine := newTestEngine(t, 4)

	const pipes = 32
	var wg sync.WaitGroup
	wg.Add(pipes)
	failures := atomic.NewInt32(0)
	writers := make([]int, 0, pipes)
	for i := 0; i < pipes; i++ {
		r, w := newTestPipe(t)
		writers = append(writers, w)
		require.NoError(t, engine.Register(r, Readable, 2*time.Second, func(err error) {
			if err != nil {
				failures.Inc()
			}
			wg.Done()
		}))
	}
	for _, w := range writers {
		_, err := unix.Write(w, []byte("x"))
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, int32(0), failures.Load())
	assert.Equal(t, uint64(pipes), engine.Stats().Fired)
}

func TestEngine_FiresAfterCallbackPoolStops(t *testing.T) {
	registry := threading.NewRegistry(threading.NewThreadPool(threading.PoolConfig{Name: t.Name(), MaxWorkers: 2}))
	engine := NewEngine(EngineConfig{Name: t.Name()}, registry.Default())
	defer engine.Close()
	r, _ := newTestPipe(t)

	done := make(chan error, 1)
	require.NoError(t, engine.Register(r, Readable, 50*time.Millisecond, func(err error) {
		done <- err
	}))
	registry.Close()
	assert.ErrorIs(t, waitErr(t, done, 2*time.Second), ErrTimeout)
	assert.Error(t, engine.Dispatch(func() {}))
}
