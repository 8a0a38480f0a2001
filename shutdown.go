package serve

import (
	"sync"

	"github.com/One-com/gone/log"
)

// Registrar accepts shutdown hooks. The Supervisor registers one hook per
// listener closing it.
type Registrar interface {
	Register(name string, hook func())
}

type hook struct {
	name string
	once sync.Once
	f    func()
}

// ShutdownRegistry runs registered hooks once when the process is stopping.
// Hooks registered after Run are run immediately.
type ShutdownRegistry struct {
	mu    sync.Mutex
	hooks []*hook
	ran   bool
	once  sync.Once
}

// NewShutdownRegistry returns an empty registry.
func NewShutdownRegistry() *ShutdownRegistry {
	return &ShutdownRegistry{}
}

// Register adds a hook. It is called at most once however many times Run is called.
func (r *ShutdownRegistry) Register(name string, f func()) {
	h := &hook{name: name, f: f}

	r.mu.Lock()
	ran := r.ran
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()

	if ran {
		r.call(h)
	}
}

// Run calls all registered hooks concurrently and waits for them to return.
// Only the first call has any effect.
func (r *ShutdownRegistry) Run() {
	r.once.Do(func() {
		r.mu.Lock()
		r.ran = true
		hooks := append([]*hook(nil), r.hooks...)
		r.mu.Unlock()

		var wg sync.WaitGroup
		for _, h := range hooks {
			wg.Add(1)
			go func(h *hook) {
				defer wg.Done()
				r.call(h)
			}(h)
		}
		wg.Wait()
	})
}

func (r *ShutdownRegistry) call(h *hook) {
	h.once.Do(func() {
		log.DEBUG("Running shutdown hook", "name", h.name)
		h.f()
	})
}

// Len returns the number of registered hooks.
func (r *ShutdownRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hooks)
}
