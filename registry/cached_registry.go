package registry

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// CachedRegistry answers Discover from an LRU cache that a per-group watch keeps fresh,
// so resolving a sidecar does not cost a registry round trip per invocation.
type CachedRegistry struct {
	Registry
	cache  *lru.Cache // group → []Endpoint
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	watching map[string]*groupWatch
}

type groupWatch struct {
	cancel context.CancelFunc
}

// NewCachedRegistry caches up to size groups of inner.
func NewCachedRegistry(inner Registry, size int, logger *zap.Logger) (*CachedRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &CachedRegistry{
		Registry: inner,
		logger:   logger,
		watching: make(map[string]*groupWatch),
	}
	cache, err := lru.NewWithEvict(size, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("registry cache: %w", err)
	}
	r.cache = cache
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

func (r *CachedRegistry) Discover(ctx context.Context, group string) ([]Endpoint, error) {
	if v, ok := r.cache.Get(group); ok {
		return v.([]Endpoint), nil
	}
	endpoints, err := r.Registry.Discover(ctx, group)
	if err != nil {
		return nil, err
	}
	r.cache.Add(group, endpoints)
	r.watch(group)
	return endpoints, nil
}

// Invalidate drops the cached list of group; the next Discover reads through.
func (r *CachedRegistry) Invalidate(group string) {
	r.cache.Remove(group)
}

func (r *CachedRegistry) watch(group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.watching[group]; ok {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	w := &groupWatch{cancel: cancel}
	r.watching[group] = w

	go r.follow(ctx, group, w, r.Registry.Watch(ctx, group))
}

// follow caches every list ch delivers while w is live. When ch closes on its own the
// group is dropped, so the next Discover reads through and starts a new watch.
func (r *CachedRegistry) follow(ctx context.Context, group string, w *groupWatch, ch <-chan []Endpoint) {
	defer w.cancel()
	for endpoints := range ch {
		if ctx.Err() != nil {
			continue
		}
		r.logger.Debug("endpoints changed", zap.String("group", group), zap.Int("count", len(endpoints)))
		r.cache.Add(group, endpoints)
		// evicted while adding
		if ctx.Err() != nil {
			r.cache.Remove(group)
		}
	}

	r.mu.Lock()
	if r.watching[group] == w {
		delete(r.watching, group)
	}
	r.mu.Unlock()
	if ctx.Err() == nil {
		r.logger.Warn("endpoint watch ended", zap.String("group", group))
		r.cache.Remove(group)
	}
}

// onEvict stops the watch of a group that fell out of the cache.
func (r *CachedRegistry) onEvict(key, _ interface{}) {
	group := key.(string)
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.watching[group]; ok {
		w.cancel()
		delete(r.watching, group)
	}
}

// Close stops all watches. It does not close the wrapped registry.
func (r *CachedRegistry) Close() error {
	r.cancel()
	r.cache.Purge()
	return nil
}
