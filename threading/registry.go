package threading

import (
	"github.com/rs/zerolog/log"
	"sync"
	"time"
)

const DefaultQueueName = "default"

// Registry maps process-wide queue names to queues sharing one ThreadPool.
// Looking a name up twice yields the same serialization domain.
type Registry struct {
	pool   *ThreadPool
	lock   sync.RWMutex
	queues map[string]Queue
}

func NewRegistry(pool *ThreadPool) *Registry {
	return &Registry{
		pool:   pool,
		queues: make(map[string]Queue),
	}
}

// GetQueue returns the queue registered under name or creates it with kind.
// An existing queue keeps its original kind.
func (r *Registry) GetQueue(name string, kind Kind) Queue {
	r.lock.RLock()
	q, ok := r.queues[name]
	r.lock.RUnlock()
	if !ok {
		r.lock.Lock()
		q, ok = r.queues[name]
		if !ok {
			q = r.newQueue(name, kind)
			r.queues[name] = q
		}
		r.lock.Unlock()
	}
	if ok && q.Kind() != kind {
		log.Warn().Msgf("queue %s is %s, requested as %s", name, q.Kind(), kind)
	}
	return q
}

func (r *Registry) newQueue(name string, kind Kind) Queue {
	if log.Debug().Enabled() {
		log.Debug().Msgf("create %s queue: %s", kind, name)
	}
	if kind == Serial {
		return newSerialQueue(name, r.pool)
	}
	return newConcurrentQueue(name, r.pool)
}

// Default is the shared concurrent queue.
func (r *Registry) Default() Queue {
	return r.GetQueue(DefaultQueueName, Concurrent)
}

func (r *Registry) Pool() *ThreadPool {
	return r.pool
}

func (r *Registry) Close() {
	r.pool.Stop()
}

func Sleep(d time.Duration) {
	time.Sleep(d)
}
