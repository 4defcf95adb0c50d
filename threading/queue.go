package threading

import (
	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"sync"
	"time"
)

type Kind int8

const (
	Serial = Kind(iota)
	Concurrent
)

func (k Kind) String() string {
	switch k {
	case Serial:
		return "serial"
	case Concurrent:
		return "concurrent"
	}
	return "unknown"
}

// Queue accepts tasks for execution on a ThreadPool. Serial queues run their
// tasks one at a time in submission order, concurrent queues give no ordering.
type Queue interface {
	Name() string
	Kind() Kind
	// Dispatch fails with ErrPoolStopped once the pool no longer accepts work;
	// the task is not run then.
	Dispatch(task func()) error
	// DispatchAfter drops the task with an error log when the pool is stopped
	// by the time the delay elapses.
	DispatchAfter(delay time.Duration, task func())
	// Pending is the number of submitted tasks that have not started yet.
	Pending() int
	// Active is the number of tasks executing right now.
	Active() int
}

type serialQueue struct {
	name    string
	pool    *ThreadPool
	lock    sync.Mutex
	pending *queue.Queue
	running bool
	active  *atomic.Int32
}

func newSerialQueue(name string, pool *ThreadPool) *serialQueue {
	return &serialQueue{
		name:    name,
		pool:    pool,
		pending: queue.New(),
		active:  atomic.NewInt32(0),
	}
}

func (q *serialQueue) Name() string {
	return q.name
}

func (q *serialQueue) Kind() Kind {
	return Serial
}

func (q *serialQueue) Dispatch(task func()) error {
	if q.pool.IsStopped() {
		return ErrPoolStopped
	}
	q.lock.Lock()
	q.pending.Add(task)
	if q.running {
		q.lock.Unlock()
		return nil
	}
	q.running = true
	q.lock.Unlock()
	q.schedule()
	return nil
}

func (q *serialQueue) DispatchAfter(delay time.Duration, task func()) {
	time.AfterFunc(delay, func() {
		if err := q.Dispatch(task); err != nil {
			log.Error().Msgf("[%s] got error while dispatching delayed task: %+v", q.name, err)
		}
	})
}

func (q *serialQueue) Pending() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.pending.Length()
}

func (q *serialQueue) Active() int {
	return int(q.active.Load())
}

// schedule posts the drain to the pool. Once the pool is stopped the drain
// moves to its own goroutine so tasks already queued still run in order.
func (q *serialQueue) schedule() {
	err := q.pool.Submit(q.drainOne)
	if err != nil {
		log.Warn().Msgf("[%s] got error while scheduling serial queue, draining outside the pool: %+v", q.name, err)
		go q.drainOne()
	}
}

// drainOne runs the head task and reposts itself while tasks remain, so a busy
// serial queue yields its worker between tasks.
func (q *serialQueue) drainOne() {
	q.lock.Lock()
	if q.pending.Length() == 0 {
		q.running = false
		q.lock.Unlock()
		return
	}
	task := q.pending.Remove().(func())
	q.lock.Unlock()

	if n := q.active.Inc(); n > 1 {
		log.Error().Msgf("[%s] serial queue runs %d tasks at once", q.name, n)
	}
	func() {
		defer q.active.Dec()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Msgf("[%s] got panic while executing task: %v", q.name, r)
			}
		}()
		task()
	}()

	q.lock.Lock()
	if q.pending.Length() == 0 {
		q.running = false
		q.lock.Unlock()
		return
	}
	q.lock.Unlock()
	q.schedule()
}

type concurrentQueue struct {
	name    string
	pool    *ThreadPool
	pending *atomic.Int32
	active  *atomic.Int32
}

func newConcurrentQueue(name string, pool *ThreadPool) *concurrentQueue {
	return &concurrentQueue{
		name:    name,
		pool:    pool,
		pending: atomic.NewInt32(0),
		active:  atomic.NewInt32(0),
	}
}

func (q *concurrentQueue) Name() string {
	return q.name
}

func (q *concurrentQueue) Kind() Kind {
	return Concurrent
}

func (q *concurrentQueue) Dispatch(task func()) error {
	q.pending.Inc()
	err := q.pool.Submit(func() {
		q.pending.Dec()
		q.active.Inc()
		defer q.active.Dec()
		task()
	})
	if err != nil {
		q.pending.Dec()
		return err
	}
	return nil
}

func (q *concurrentQueue) DispatchAfter(delay time.Duration, task func()) {
	time.AfterFunc(delay, func() {
		if err := q.Dispatch(task); err != nil {
			log.Error().Msgf("[%s] got error while dispatching delayed task: %+v", q.name, err)
		}
	})
}

func (q *concurrentQueue) Pending() int {
	return int(q.pending.Load())
}

func (q *concurrentQueue) Active() int {
	return int(q.active.Load())
}
