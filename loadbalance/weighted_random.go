package loadbalance

import (
	"math/rand/v2"

	"sidecar-sdk/registry"
)

// WeightedRandomBalancer picks an endpoint with probability proportional to its weight.
// Endpoints with weight <= 0 are never picked.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(_ string, endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	total := 0
	for _, ep := range endpoints {
		if ep.Weight > 0 {
			total += ep.Weight
		}
	}
	if total == 0 {
		return nil, errNoWeight
	}

	r := rand.IntN(total)
	for i := range endpoints {
		if endpoints[i].Weight <= 0 {
			continue
		}
		r -= endpoints[i].Weight
		if r < 0 {
			return &endpoints[i], nil
		}
	}
	return nil, errNoWeight
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
