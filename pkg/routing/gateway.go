package routing

import (
	"sync"

	"github.com/meshrtr/meshrtr/pkg/wire"
)

// GatewaySet tracks which known nodes advertised I_AM_GATEWAY in their
// most recent broadcast, plus a derived "closest gateway" cache: the
// gateway with the smallest current route hop count.
type GatewaySet struct {
	mu      sync.RWMutex
	routes  *RouteTable
	members map[wire.NodeID]struct{}
	closest wire.NodeID
	hasGW   bool
}

// NewGatewaySet creates a gateway set whose closest-gateway cache is
// derived from routes.
func NewGatewaySet(routes *RouteTable) *GatewaySet {
	return &GatewaySet{
		routes:  routes,
		members: make(map[wire.NodeID]struct{}),
	}
}

// Mark records that node last advertised itself as a gateway (online=true)
// or not (online=false), then recomputes the closest-gateway cache.
func (g *GatewaySet) Mark(node wire.NodeID, online bool) {
	g.mu.Lock()
	if online {
		g.members[node] = struct{}{}
	} else {
		delete(g.members, node)
	}
	g.mu.Unlock()
	g.recompute()
}

// Remove drops node from the gateway set unconditionally (e.g. after
// RouteTable invalidation removed its route) and recomputes the cache.
func (g *GatewaySet) Remove(node wire.NodeID) {
	g.mu.Lock()
	_, existed := g.members[node]
	delete(g.members, node)
	g.mu.Unlock()
	if existed {
		g.recompute()
	}
}

// RemoveIfGateway recomputes the closest-gateway cache if any of the given
// node ids were gateways; used after RouteTable.Invalidate.
func (g *GatewaySet) RemoveIfGateway(nodes []wire.NodeID) {
	g.mu.Lock()
	touched := false
	for _, n := range nodes {
		if _, ok := g.members[n]; ok {
			touched = true
		}
	}
	g.mu.Unlock()
	if touched {
		g.recompute()
	}
}

func (g *GatewaySet) recompute() {
	g.mu.RLock()
	members := make([]wire.NodeID, 0, len(g.members))
	for n := range g.members {
		members = append(members, n)
	}
	g.mu.RUnlock()

	var best wire.NodeID
	var bestHops uint8
	found := false
	for _, n := range members {
		e, ok := g.routes.Get(n)
		if !ok {
			continue
		}
		if !found || e.HopCount < bestHops {
			best, bestHops, found = n, e.HopCount, true
		}
	}

	g.mu.Lock()
	g.closest, g.hasGW = best, found
	g.mu.Unlock()
}

// Closest returns the closest reachable gateway, if any.
func (g *GatewaySet) Closest() (wire.NodeID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closest, g.hasGW
}

// IsGateway reports whether node is a known gateway.
func (g *GatewaySet) IsGateway(node wire.NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.members[node]
	return ok
}

// Len returns the number of known gateways, for metrics.
func (g *GatewaySet) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}
