// Package loadbalance chooses which sidecar endpoint serves an invocation when a client
// discovers several through the registry.
//
//   - RoundRobin:      equal-capacity sidecars
//   - WeightedRandom:  sidecars with different capacity
//   - ConsistentHash:  the same app id always goes to the same sidecar
package loadbalance

import (
	"errors"
	"fmt"
	"strings"

	"sidecar-sdk/registry"
)

var ErrNoEndpoints = registry.ErrNoEndpoints

// Balancer picks one endpoint. key is the target app id; strategies without affinity
// ignore it. Pick is called per invocation and must be safe for concurrent use.
type Balancer interface {
	Pick(key string, endpoints []registry.Endpoint) (*registry.Endpoint, error)
	Name() string
}

// New returns the balancer called name: round_robin, weighted_random or consistent_hash.
func New(name string) (Balancer, error) {
	switch strings.ToLower(name) {
	case "", "round_robin", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random", "weightedrandom":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash", "consistenthash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}

var errNoWeight = errors.New("loadbalance: endpoints have no positive weight")
