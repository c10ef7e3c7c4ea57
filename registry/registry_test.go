package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var (
	epA = Endpoint{Addr: "127.0.0.1:3500", Protocol: "http", Weight: 10}
	epB = Endpoint{Addr: "127.0.0.1:3600", Protocol: "http", Weight: 5}
)

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	reg.Register(ctx, "zone-a", epB, 10)
	reg.Register(ctx, "zone-a", epA, 10)
	reg.Register(ctx, "zone-b", epA, 10)

	endpoints, _ := reg.Discover(ctx, "zone-a")
	if len(endpoints) != 2 || endpoints[0] != epA || endpoints[1] != epB {
		t.Fatalf("expect [%v %v] sorted by addr, got %v", epA, epB, endpoints)
	}

	reg.Deregister(ctx, "zone-a", epA.Addr)
	endpoints, _ = reg.Discover(ctx, "zone-a")
	if len(endpoints) != 1 || endpoints[0] != epB {
		t.Fatalf("expect [%v], got %v", epB, endpoints)
	}

	// other groups are untouched
	endpoints, _ = reg.Discover(ctx, "zone-b")
	if len(endpoints) != 1 {
		t.Fatalf("expect zone-b to keep its endpoint, got %v", endpoints)
	}
}

func TestMemoryRegistryWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewMemoryRegistry()

	ch := reg.Watch(ctx, "zone-a")
	reg.Register(context.Background(), "zone-a", epA, 10)
	reg.Register(context.Background(), "zone-a", epB, 10)

	// unread updates are coalesced into the latest list
	select {
	case endpoints := <-ch:
		if len(endpoints) != 2 {
			t.Fatalf("expect latest list of 2, got %v", endpoints)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expect channel closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}

// countingRegistry counts read-through Discover calls.
type countingRegistry struct {
	*MemoryRegistry
	discovers atomic.Int32
	fail      error
}

func (r *countingRegistry) Discover(ctx context.Context, group string) ([]Endpoint, error) {
	r.discovers.Add(1)
	if r.fail != nil {
		return nil, r.fail
	}
	return r.MemoryRegistry.Discover(ctx, group)
}

func TestCachedRegistryServesFromCache(t *testing.T) {
	inner := &countingRegistry{MemoryRegistry: NewMemoryRegistry()}
	inner.Register(context.Background(), "zone-a", epA, 10)

	reg, err := NewCachedRegistry(inner, 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	for i := 0; i < 5; i++ {
		endpoints, err := reg.Discover(context.Background(), "zone-a")
		if err != nil {
			t.Fatal(err)
		}
		if len(endpoints) != 1 {
			t.Fatalf("expect 1 endpoint, got %v", endpoints)
		}
	}
	if n := inner.discovers.Load(); n != 1 {
		t.Fatalf("expect a single read-through, got %d", n)
	}

	reg.Invalidate("zone-a")
	reg.Discover(context.Background(), "zone-a")
	if n := inner.discovers.Load(); n != 2 {
		t.Fatalf("expect a read-through after invalidate, got %d", n)
	}
}

func TestCachedRegistryFollowsWatch(t *testing.T) {
	inner := &countingRegistry{MemoryRegistry: NewMemoryRegistry()}
	inner.Register(context.Background(), "zone-a", epA, 10)

	reg, err := NewCachedRegistry(inner, 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	reg.Discover(context.Background(), "zone-a")
	inner.Register(context.Background(), "zone-a", epB, 10)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		endpoints, _ := reg.Discover(context.Background(), "zone-a")
		if len(endpoints) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("cache never picked up the new endpoint")
}

func TestCachedRegistryDoesNotCacheErrors(t *testing.T) {
	inner := &countingRegistry{MemoryRegistry: NewMemoryRegistry(), fail: errors.New("etcd down")}
	reg, err := NewCachedRegistry(inner, 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	for i := 0; i < 2; i++ {
		if _, err := reg.Discover(context.Background(), "zone-a"); err == nil {
			t.Fatal("expect error")
		}
	}
	if n := inner.discovers.Load(); n != 2 {
		t.Fatalf("expect every failed lookup to read through, got %d", n)
	}
}

// manualWatchRegistry hands out watch channels the test feeds and closes.
type manualWatchRegistry struct {
	countingRegistry
	watches chan chan []Endpoint
}

func newManualWatchRegistry() *manualWatchRegistry {
	return &manualWatchRegistry{
		countingRegistry: countingRegistry{MemoryRegistry: NewMemoryRegistry()},
		watches:          make(chan chan []Endpoint, 8),
	}
}

func (r *manualWatchRegistry) Watch(ctx context.Context, group string) <-chan []Endpoint {
	ch := make(chan []Endpoint)
	r.watches <- ch
	return ch
}

func (r *manualWatchRegistry) nextWatch(t *testing.T) chan []Endpoint {
	t.Helper()
	select {
	case ch := <-r.watches:
		return ch
	case <-time.After(time.Second):
		t.Fatal("no watch started")
		return nil
	}
}

func TestCachedRegistryIgnoresUpdatesAfterEviction(t *testing.T) {
	inner := newManualWatchRegistry()
	reg, err := NewCachedRegistry(inner, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	reg.Discover(context.Background(), "zone-a")
	watchA := inner.nextWatch(t)
	defer close(watchA)
	reg.Discover(context.Background(), "zone-b") // evicts zone-a
	defer close(inner.nextWatch(t))

	watchA <- []Endpoint{epA}
	time.Sleep(20 * time.Millisecond)
	if reg.cache.Contains("zone-a") {
		t.Fatal("an update after eviction must not re-cache the group")
	}
}

func TestCachedRegistryDropsGroupWhenWatchEnds(t *testing.T) {
	inner := newManualWatchRegistry()
	inner.Register(context.Background(), "zone-a", epA, 10)
	reg, err := NewCachedRegistry(inner, 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	reg.Discover(context.Background(), "zone-a")
	close(inner.nextWatch(t))

	deadline := time.Now().Add(time.Second)
	for reg.cache.Contains("zone-a") {
		if time.Now().After(deadline) {
			t.Fatal("group still cached after its watch ended")
		}
		time.Sleep(5 * time.Millisecond)
	}

	reg.Discover(context.Background(), "zone-a")
	if n := inner.discovers.Load(); n != 2 {
		t.Fatalf("expect a read-through after the watch ended, got %d", n)
	}
	close(inner.nextWatch(t))
}
