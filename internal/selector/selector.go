// Package selector implements the Candidate Selector: the per-call
// construction of a deduplicated, weighted-random candidate pool drawn
// from the Worker Relay, Oracle topology, and Node Registry (SPEC_FULL.md
// §4.5).
//
// Selection itself has no teacher precedent (the teacher routes by a fixed
// shard-to-node assignment, not a weighted pool), so this is grounded
// directly in the spec's own weight formula and built in the registry
// package's style: plain exported functions operating over the types
// internal/registry and internal/oracle already define, with
// golang.org/x/exp/slices used for the same kind of slice bookkeeping the
// teacher's cmd/coordinator/main.go reaches for.
package selector

import (
	"math/rand"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/mikusnuz/plumise-inference-api/internal/oracle"
	"github.com/mikusnuz/plumise-inference-api/internal/registry"
	"github.com/mikusnuz/plumise-inference-api/internal/relay"
)

// MinWeight is the floor applied to every candidate's weight, so a
// fully-loaded node is still selectable rather than starved to zero
// probability.
const MinWeight = 0.1

// Candidate is one entry in a selection pool: an address/URL pair plus the
// capacity and in-flight counters needed to compute its weight.
type Candidate struct {
	// Address is the candidate's wallet address, used for dedup and, for
	// Relay candidates, for dispatch via internal/relay.
	Address string
	// URL is the HTTP endpoint, empty for Relay candidates (dispatch goes
	// through the Worker Relay instead).
	URL string

	Type     registry.Type
	Capacity float64
	InFlight int
}

// weight computes max(capacity / (1 + in_flight), MinWeight), the formula
// from SPEC_FULL.md §4.5.
func (c Candidate) weight() float64 {
	w := c.Capacity / float64(1+c.InFlight)
	if w < MinWeight {
		return MinWeight
	}
	return w
}

// Pool builds the deduplicated candidate pool for one call: relay workers
// first, then topology entry-nodes not already represented by a relay
// worker, then remaining eligible registry nodes not already represented —
// excluding any address/URL present in excluded.
func Pool(reg *registry.Registry, rel *relay.Relay, topo oracle.Topology, excluded map[string]struct{}) []Candidate {
	now := time.Now()
	seen := make(map[string]struct{}) // lowercased wallet address
	var pool []Candidate

	for _, w := range rel.Snapshot() {
		addr := strings.ToLower(w.Address)
		if _, skip := excluded[addr]; skip {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		pool = append(pool, Candidate{
			Address:  addr,
			Type:     registry.TypeRelay,
			Capacity: registry.DefaultCapacity,
		})
	}

	for _, tn := range topo.Nodes {
		if !tn.IsEntryNode {
			continue
		}
		addr := strings.ToLower(tn.Address)
		if _, dup := seen[addr]; dup {
			continue
		}
		if _, skip := excluded[addr]; skip {
			continue
		}
		node := reg.FindByAddress(addr)
		if node == nil || !node.Eligible(now) {
			continue
		}
		if _, skip := excluded[node.URL]; skip {
			continue
		}
		seen[addr] = struct{}{}
		pool = append(pool, Candidate{
			Address:  addr,
			URL:      node.URL,
			Type:     node.Type,
			Capacity: node.Capacity,
			InFlight: node.InFlight,
		})
	}

	for _, node := range reg.SnapshotAll() {
		if !node.Eligible(now) {
			continue
		}
		if _, skip := excluded[node.URL]; skip {
			continue
		}
		addr := strings.ToLower(node.WalletAddress)
		if addr != "" {
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
		}
		pool = append(pool, Candidate{
			Address:  addr,
			URL:      node.URL,
			Type:     node.Type,
			Capacity: node.Capacity,
			InFlight: node.InFlight,
		})
	}

	// Sort for deterministic iteration order (map iteration over
	// reg.SnapshotAll() is randomized by Go itself); Pick's weighting is
	// unaffected by order, but deterministic order keeps tests and trace
	// logs reproducible.
	slices.SortFunc(pool, func(a, b Candidate) int {
		if a.URL != b.URL {
			return strings.Compare(a.URL, b.URL)
		}
		return strings.Compare(a.Address, b.Address)
	})

	return pool
}

// Pick draws one candidate from pool with probability proportional to its
// weight. An empty pool returns (Candidate{}, false); a single-candidate
// pool always returns that candidate.
func Pick(pool []Candidate) (Candidate, bool) {
	if len(pool) == 0 {
		return Candidate{}, false
	}
	if len(pool) == 1 {
		return pool[0], true
	}

	total := 0.0
	weights := make([]float64, len(pool))
	for i, c := range pool {
		w := c.weight()
		weights[i] = w
		total += w
	}

	r := rand.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return pool[i], true
		}
	}
	// Floating-point rounding can leave r slightly positive; fall back to
	// the last candidate.
	return pool[len(pool)-1], true
}

// ExcludeSet builds an excluded-identity set in the form Pool accepts,
// keyed by both URL and lowercased address so a relay candidate and its
// HTTP counterpart are excluded together once either has failed. The Retry
// Coordinator does not use it: it calls Pool with a nil set and filters
// failed candidates itself.
func ExcludeSet(identities ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		if id == "" {
			continue
		}
		out[id] = struct{}{}
		out[strings.ToLower(id)] = struct{}{}
	}
	return out
}
