package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry keeps endpoints in process. It serves single-host setups and tests;
// TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	groups   map[string]map[string]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		groups:   make(map[string]map[string]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, group string, ep Endpoint, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups[group] == nil {
		r.groups[group] = make(map[string]Endpoint)
	}
	r.groups[group][ep.Addr] = ep
	r.notify(group)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, group string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups[group], addr)
	r.notify(group)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, group string) ([]Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(group), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, group string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	r.mu.Lock()
	r.watchers[group] = append(r.watchers[group], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[group]
		for i, w := range ws {
			if w == ch {
				r.watchers[group] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// list returns the group sorted by address. Caller holds mu.
func (r *MemoryRegistry) list(group string) []Endpoint {
	out := make([]Endpoint, 0, len(r.groups[group]))
	for _, ep := range r.groups[group] {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// notify hands watchers the latest list, replacing any list they have not read yet.
// Caller holds mu.
func (r *MemoryRegistry) notify(group string) {
	list := r.list(group)
	for _, w := range r.watchers[group] {
		select {
		case <-w:
		default:
		}
		w <- list
	}
}
