package netevent

import (
	"github.com/rs/zerolog/log"
	"netevent/threading"
)

// Runtime ties the queue registry and the event engine built from one Config.
// Engine callbacks run on the queue named by Engine.CallbackQueue.
type Runtime struct {
	Registry *threading.Registry
	Engine   *Engine
}

func NewRuntime(config *Config) (*Runtime, error) {
	registry := threading.NewRegistry(threading.NewThreadPool(config.Pool))
	callbacks := registry.GetQueue(config.Engine.CallbackQueue, threading.Concurrent)
	engine := NewEngine(config.Engine, callbacks)
	if err := engine.Initialize(); err != nil {
		registry.Close()
		return nil, err
	}
	log.Info().Msgf("runtime started: engine %s, %d loop(s), callbacks on %s", engine.Name(),
		len(engine.loops), callbacks.Name())
	return &Runtime{Registry: registry, Engine: engine}, nil
}

// Close shuts the engine down first so its final callbacks still find workers.
func (r *Runtime) Close() {
	r.Engine.Close()
	r.Registry.Close()
}
