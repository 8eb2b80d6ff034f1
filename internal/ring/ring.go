// Package ring implements the weighted consistent-hash ring (C1): a pure,
// immutable data structure mapping recipients to the socket node that owns
// them. It uses hierarchical weighted rendezvous hashing ("skeleton HRW")
// rather than a virtual-node table, giving O(n) selection with O(1) memory
// per node and a minimal-disruption guarantee on single-node churn.
package ring

import (
	"errors"
	"hash/maphash"
	"sort"
)

// ErrNoNodes is returned by Select when the ring has no members.
var ErrNoNodes = errors.New("ring: no nodes")

// MinWeight is the smallest legal weight for a node. Enforced by New.
const MinWeight = 10

// NodeDescriptor describes one socket node's membership in the ring.
type NodeDescriptor struct {
	NodeID        string
	Weight        int
	PublicAddress string
	JoinedAt      int64 // unix millis
}

// seed is the single hash seed used by every Ring for the life of the
// process. Select's scoring must be reproducible across independently
// constructed Ring values holding the same membership — the control plane
// builds its own Ring and every socket node reconstructs one from the same
// RingUpdate wire message — so the seed cannot be minted per New call; a
// fresh maphash.Seed per Ring would give each holder an unrelated hash
// function and two nodes would disagree on who owns a recipient.
var seed = maphash.MakeSeed()

// Ring is an immutable snapshot of the weighted consistent-hash assignment.
// A *Ring is safe for concurrent reads by any number of goroutines; there is
// no mutation after construction, so no locking is needed on the read path.
type Ring struct {
	version uint64
	nodes   []NodeDescriptor
}

// New builds an immutable ring snapshot at the given version. Nodes with
// Weight < MinWeight are rejected, not silently clamped, because weight
// floors are enforced upstream by the scaling controller; New only guards
// the invariant.
func New(nodes []NodeDescriptor, version uint64) (*Ring, error) {
	cp := make([]NodeDescriptor, len(nodes))
	copy(cp, nodes)
	for _, n := range cp {
		if n.Weight < MinWeight {
			return nil, errors.New("ring: weight below MinWeight")
		}
	}
	sort.Slice(cp, func(i, j int) bool { return cp[i].NodeID < cp[j].NodeID })
	return &Ring{version: version, nodes: cp}, nil
}

// Version returns the ring's monotonically increasing version.
func (r *Ring) Version() uint64 { return r.version }

// Nodes returns a copy of the ring's current membership.
func (r *Ring) Nodes() []NodeDescriptor {
	cp := make([]NodeDescriptor, len(r.nodes))
	copy(cp, r.nodes)
	return cp
}

// Len returns the number of member nodes.
func (r *Ring) Len() int { return len(r.nodes) }

// Select is total and deterministic for a fixed snapshot: it scores every
// node with h(recipient||nodeID) * weight and returns the maximum, breaking
// ties on lexicographic NodeID order (guaranteed here by iterating nodes in
// the sorted order established at New time).
func (r *Ring) Select(recipientID string) (string, error) {
	if len(r.nodes) == 0 {
		return "", ErrNoNodes
	}
	var best string
	var bestScore float64
	for _, n := range r.nodes {
		score := score(seed, recipientID, n.NodeID) * float64(n.Weight)
		if best == "" || score > bestScore {
			best = n.NodeID
			bestScore = score
		}
	}
	return best, nil
}

// score computes a deterministic pseudo-random value in [0,1) for the pair.
func score(seed maphash.Seed, recipientID, nodeID string) float64 {
	var h maphash.Hash
	h.SetSeed(seed)
	_, _ = h.WriteString(recipientID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(nodeID)
	sum := h.Sum64()
	// Map the 64-bit hash into [0,1) losslessly enough for tie-free ranking.
	return float64(sum>>11) / float64(1<<53)
}

// Diff reports nodes present in `next` but not `r` (joined) and nodes present
// in `r` but not `next` (removed). Used by the control plane's decision cycle
// to detect topology changes and pick which removed nodes to forward for.
func Diff(prev, next *Ring) (joined, removed []string) {
	prevSet := map[string]struct{}{}
	if prev != nil {
		for _, n := range prev.nodes {
			prevSet[n.NodeID] = struct{}{}
		}
	}
	nextSet := map[string]struct{}{}
	for _, n := range next.nodes {
		nextSet[n.NodeID] = struct{}{}
	}
	for id := range nextSet {
		if _, ok := prevSet[id]; !ok {
			joined = append(joined, id)
		}
	}
	for id := range prevSet {
		if _, ok := nextSet[id]; !ok {
			removed = append(removed, id)
		}
	}
	return joined, removed
}
