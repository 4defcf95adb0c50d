// Package netevent multiplexes descriptors with epoll and completes socket,
// named pipe and descriptor passing operations through callbacks that run on
// a threading.Queue.
package netevent

import (
	"fmt"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"netevent/threading"
	"sync"
	"time"
)

const defEngineName = "engine"

type EngineConfig struct {
	Name            string         `yaml:"name" toml:"name"`
	Loops           int            `yaml:"loops" toml:"loops"`
	EventBufferSize int            `yaml:"event_buffer_size" toml:"event_buffer_size"`
	LockOsThread    bool           `yaml:"lock_os_thread" toml:"lock_os_thread"`
	CallbackQueue   string         `yaml:"callback_queue" toml:"callback_queue"`
	Socket          SocketConfig   `yaml:"socket" toml:"socket"`
	Resolver        ResolverConfig `yaml:"resolver" toml:"resolver"`
}

// Engine owns the event loops. Register arms one-shot readiness watches whose
// callbacks are handed to the dispatcher queue, never run on a waiter.
type Engine struct {
	config      EngineConfig
	dispatcher  threading.Queue
	once        sync.Once
	initErr     error
	initialized *atomic.Bool
	closed      *atomic.Bool
	loops       []*eventLoop
	stats       *engineStats
	resolver    *resolver
}

func NewEngine(config EngineConfig, dispatcher threading.Queue) *Engine {
	if config.Name == "" {
		config.Name = defEngineName
	}
	if config.Loops <= 0 {
		config.Loops = 1
	}
	return &Engine{
		config:      config,
		dispatcher:  dispatcher,
		initialized: atomic.NewBool(false),
		closed:      atomic.NewBool(false),
		stats:       newEngineStats(),
	}
}

func (e *Engine) Name() string {
	return e.config.Name
}

// Initialize opens the pollers and starts the waiters. Only the first call
// does the work; later and concurrent calls return its result.
func (e *Engine) Initialize() error {
	e.once.Do(func() {
		e.initErr = e.init()
		if e.initErr == nil {
			e.initialized.Store(true)
		}
	})
	return e.initErr
}

func (e *Engine) init() error {
	resolver, err := newResolver(e.config.Resolver)
	if err != nil {
		return fmt.Errorf("init resolver: %w", err)
	}
	loops := make([]*eventLoop, 0, e.config.Loops)
	for i := 0; i < e.config.Loops; i++ {
		loop, err := newEventLoop(eventLoopConfig{
			Name:            fmt.Sprintf("%s-%d", e.config.Name, i),
			LockOsThread:    e.config.LockOsThread,
			EventBufferSize: e.config.EventBufferSize,
		}, e.dispatchOr, e.stats)
		if err != nil {
			for _, started := range loops {
				started.stop()
			}
			resolver.close()
			return err
		}
		loop.start()
		loops = append(loops, loop)
	}
	e.loops = loops
	e.resolver = resolver
	return nil
}

func (e *Engine) loopFor(fd int) *eventLoop {
	return e.loops[JumpHash(uint64(fd), len(e.loops))]
}

// Register arms a one-shot watch of fd for interest. The callback runs exactly
// once: with nil when fd is ready, ErrTimeout once timeout elapses, ErrClosed
// when fd is unregistered, ErrEngineClosed when the engine shuts down.
// Registering the same fd and interest again drops the earlier callback.
// When Register returns an error the callback never runs.
func (e *Engine) Register(fd int, interest Interest, timeout time.Duration, callback Callback) error {
	if interest != Readable && interest != Writable {
		return fmt.Errorf("register fd %d: invalid interest %s", fd, interest)
	}
	if fd < 0 {
		return newNetError("register", fd, ErrClosed)
	}
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := e.Initialize(); err != nil {
		return err
	}
	return e.loopFor(fd).register(fd, interest, timeout, callback)
}

// Unregister removes every interest of fd. Pending callbacks fire with ErrClosed.
func (e *Engine) Unregister(fd int) {
	if fd < 0 || !e.initialized.Load() {
		return
	}
	e.loopFor(fd).unregister(fd)
}

// Dispatch runs task on the callback queue. It fails once the queue's pool is
// stopped, and task does not run then.
func (e *Engine) Dispatch(task func()) error {
	return e.dispatcher.Dispatch(task)
}

// dispatchOr runs task on the callback queue. When the queue rejects it,
// fallback runs on its own goroutine with an error wrapping ErrEngineClosed, so
// a completion is never lost.
func (e *Engine) dispatchOr(task func(), fallback func(err error)) {
	err := e.dispatcher.Dispatch(task)
	if err == nil {
		return
	}
	log.Warn().Msgf("[%s] got error while dispatching callback: %+v", e.config.Name, err)
	err = fmt.Errorf("%w: %v", ErrEngineClosed, err)
	go fallback(err)
}

// deliver hands a finished outcome to the callback queue, or to its own
// goroutine when the queue is gone.
func (e *Engine) deliver(task func()) {
	e.dispatchOr(task, func(error) {
		task()
	})
}

func (e *Engine) Stats() EngineStats {
	pending := 0
	if e.initialized.Load() {
		for _, loop := range e.loops {
			pending += loop.pending()
		}
	}
	return EngineStats{
		Name:       e.config.Name,
		Pending:    pending,
		Registered: e.stats.registered.Load(),
		Fired:      e.stats.fired.Load(),
		TimedOut:   e.stats.timedOut.Load(),
		Cancelled:  e.stats.cancelled.Load(),
		Superseded: e.stats.superseded.Load(),
	}
}

// Close stops the waiters. Registrations still pending fire with ErrEngineClosed.
func (e *Engine) Close() {
	if !e.closed.CAS(false, true) {
		return
	}
	// waits for an initialization in progress and prevents a later one
	e.once.Do(func() {
		e.initErr = ErrEngineClosed
	})
	if !e.initialized.Load() {
		return
	}
	for _, loop := range e.loops {
		loop.stop()
	}
	e.resolver.close()
	log.Info().Msgf("event engine %s closed", e.config.Name)
}
