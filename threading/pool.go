package threading

import (
	"errors"
	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defMaxWorkers  = 256
	defIdleTimeout = 10 * time.Second
)

var ErrPoolStopped = errors.New("thread pool is stopped")

type PoolConfig struct {
	Name           string `yaml:"name" toml:"name"`
	MaxWorkers     int    `yaml:"max_workers" toml:"max_workers"`
	IdleTimeoutSec int    `yaml:"idle_timeout_sec" toml:"idle_timeout_sec"`
}

// ThreadPool is an elastic set of worker goroutines. Workers are started on
// demand up to MaxWorkers and exit after staying idle for IdleTimeout.
type ThreadPool struct {
	name        string
	maxWorkers  int
	idleTimeout time.Duration

	lock    sync.Mutex
	backlog *queue.Queue
	workers int
	idle    int
	stopped bool
	// one token per idle worker reserved by submit
	wake chan struct{}
	wg   sync.WaitGroup

	executed *atomic.Uint64
	panicked *atomic.Uint64
}

func NewThreadPool(config PoolConfig) *ThreadPool {
	maxWorkers := config.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = defMaxWorkers
	}
	idleTimeout := time.Duration(config.IdleTimeoutSec) * time.Second
	if idleTimeout <= 0 {
		idleTimeout = defIdleTimeout
	}
	name := config.Name
	if name == "" {
		name = "default"
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("init thread pool:%s max workers:%d idle timeout:%s", name, maxWorkers, idleTimeout)
	}
	return &ThreadPool{
		name:        name,
		maxWorkers:  maxWorkers,
		idleTimeout: idleTimeout,
		backlog:     queue.New(),
		wake:        make(chan struct{}, maxWorkers),
		executed:    atomic.NewUint64(0),
		panicked:    atomic.NewUint64(0),
	}
}

func (p *ThreadPool) Name() string {
	return p.name
}

func (p *ThreadPool) MaxWorkers() int {
	return p.maxWorkers
}

func (p *ThreadPool) IsStopped() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.stopped
}

// Submit schedules task on the pool. It never blocks on task execution.
func (p *ThreadPool) Submit(task func()) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	p.backlog.Add(task)
	if p.idle > 0 {
		p.idle--
		p.wake <- struct{}{}
		return nil
	}
	if p.workers < p.maxWorkers {
		p.workers++
		p.wg.Add(1)
		go p.workerLoop()
	}
	return nil
}

func (p *ThreadPool) workerLoop() {
	defer p.wg.Done()
	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()
	for {
		p.lock.Lock()
		for p.backlog.Length() == 0 {
			if p.stopped {
				p.workers--
				p.lock.Unlock()
				return
			}
			p.idle++
			p.lock.Unlock()

			resetTimer(timer, p.idleTimeout)
			select {
			case <-p.wake:
				p.lock.Lock()
			case <-timer.C:
				p.lock.Lock()
				select {
				case <-p.wake:
					// reserved while the timer fired, keep going
				default:
					p.idle--
					if p.backlog.Length() == 0 {
						p.workers--
						p.lock.Unlock()
						if log.Debug().Enabled() {
							log.Debug().Msgf("[%s] idle worker exits", p.name)
						}
						return
					}
				}
			}
		}
		task := p.backlog.Remove().(func())
		p.lock.Unlock()
		p.run(task)
	}
}

func (p *ThreadPool) run(task func()) {
	defer func() {
		p.executed.Inc()
		if r := recover(); r != nil {
			p.panicked.Inc()
			log.Error().Msgf("[%s] got panic while executing task: %v\n%s", p.name, r, debug.Stack())
		}
	}()
	task()
}

// Stop rejects new tasks, lets workers finish the backlog and waits for them.
func (p *ThreadPool) Stop() {
	p.lock.Lock()
	if p.stopped {
		p.lock.Unlock()
		return
	}
	p.stopped = true
	for ; p.idle > 0; p.idle-- {
		p.wake <- struct{}{}
	}
	p.lock.Unlock()
	p.wg.Wait()
	log.Info().Msgf("thread pool %s stopped", p.name)
}

func (p *ThreadPool) Stats() PoolStats {
	p.lock.Lock()
	defer p.lock.Unlock()
	return PoolStats{
		Name:     p.name,
		Workers:  p.workers,
		Idle:     p.idle,
		Backlog:  p.backlog.Length(),
		Executed: p.executed.Load(),
		Panicked: p.panicked.Load(),
	}
}

type PoolStats struct {
	Name     string
	Workers  int
	Idle     int
	Backlog  int
	Executed uint64
	Panicked uint64
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
