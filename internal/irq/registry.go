package irq

import "sync"

// Handler services one acknowledged interrupt. It runs with the line active
// and the core's running priority raised, so it must not block.
type Handler func(ack Ack) error

// Func adapts a plain callback, such as a timer tick, to a Handler.
func Func(fn func()) Handler {
	return func(Ack) error {
		fn()
		return nil
	}
}

// Registry maps interrupt ids to handlers. The last registration for an id
// wins; an id without a handler is valid and is ignored at dispatch.
type Registry struct {
	mu       sync.RWMutex
	handlers map[ID]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[ID]Handler)}
}

// Register installs h for id, replacing any previous handler. A nil h
// removes the registration.
func (r *Registry) Register(id ID, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, id)
		return
	}
	r.handlers[id] = h
}

// Unregister removes the handler for id.
func (r *Registry) Unregister(id ID) {
	r.Register(id, nil)
}

// Lookup returns the handler for id.
func (r *Registry) Lookup(id ID) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// Len returns the number of registered ids.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// RegisterTimer binds fn to both the physical and the virtual timer PPIs.
func RegisterTimer(r *Registry, fn func()) {
	h := Func(fn)
	r.Register(PhysicalTimer, h)
	r.Register(VirtualTimer, h)
}
