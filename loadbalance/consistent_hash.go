package loadbalance

import (
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync"

	"sidecar-sdk/registry"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps app ids onto a hash ring of endpoints, so calls to one app
// keep going to the same sidecar while the endpoint set is stable. Each endpoint is placed
// on the ring as replicas virtual nodes to even out the spread.
//
//	             0
//	           ╱   ╲
//	      B ●         ● A
//	        │  key ◆──►│   (clockwise to the nearest node → A)
//	      C ●         ● A'
//	           ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.RWMutex
	ring  []uint32
	nodes map[uint32]registry.Endpoint
	set   string // sorted addrs the ring was built from
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: defaultReplicas,
		nodes:    make(map[uint32]registry.Endpoint),
	}
}

// Pick returns the endpoint owning key. The ring is rebuilt whenever endpoints differ
// from the set it was last built from.
func (b *ConsistentHashBalancer) Pick(key string, endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	set := addrSet(endpoints)

	b.mu.RLock()
	if b.set != set {
		b.mu.RUnlock()
		b.rebuild(set, endpoints)
		b.mu.RLock()
	}
	defer b.mu.RUnlock()

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	ep := b.nodes[b.ring[idx]]
	return &ep, nil
}

func (b *ConsistentHashBalancer) rebuild(set string, endpoints []registry.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.set == set {
		return
	}
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.Endpoint, len(endpoints)*b.replicas)
	for _, ep := range endpoints {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(ep.Addr + "#" + strconv.Itoa(i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = ep
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
	b.set = set
}

func addrSet(endpoints []registry.Endpoint) string {
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
