package runtime

import (
	"fmt"
	"sort"
	"sync"
)

// Handler executes one kind of queue task. Run returns an error to fail the
// run; terminal bookkeeping is the worker's job.
type Handler interface {
	Type() string
	Run(c *Context) error
}

// HandlerFunc adapts a bare function into a Handler.
type HandlerFunc struct {
	JobType string
	Fn      func(c *Context) error
}

func (h HandlerFunc) Type() string         { return h.JobType }
func (h HandlerFunc) Run(c *Context) error { return h.Fn(c) }

// Registry maps job types to handlers. Registration happens at startup;
// lookups happen on every claim.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types lists the registered job types, sorted. Used for startup logging.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
