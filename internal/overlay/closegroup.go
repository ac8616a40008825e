package overlay

import (
	"bytes"
	"sort"
	"sync"
)

// ChurnKind distinguishes the two membership events the Data Manager
// reacts to (§4.4.9).
type ChurnKind int

const (
	NodeAdded ChurnKind = iota
	NodeLost
)

// ChurnEvent is delivered to the Data Manager engine whenever the overlay
// membership known to this node changes.
type ChurnEvent struct {
	Kind ChurnKind
	Name PeerID
}

func xorDistanceLess(target, a, b [32]byte) bool {
	var da, db [32]byte
	for i := range target {
		da[i] = target[i] ^ a[i]
		db[i] = target[i] ^ b[i]
	}
	return bytes.Compare(da[:], db[:]) < 0
}

// Membership tracks the overlay node set this node currently believes in
// and answers close-group queries by XOR distance. This generalises the
// teacher's consistent-hash Ring (internal/cluster/ring.go): instead of
// hashing nodes onto a ring of virtual positions, nodes are ordered
// directly by XOR distance to the target name, the metric the GLOSSARY's
// "Close group" entry specifies.
type Membership struct {
	mu    sync.RWMutex
	self  PeerID
	nodes map[PeerID]struct{}
}

// NewMembership seeds membership with self and an initial peer set.
func NewMembership(self PeerID, initial []PeerID) *Membership {
	m := &Membership{self: self, nodes: make(map[PeerID]struct{}, len(initial)+1)}
	m.nodes[self] = struct{}{}
	for _, p := range initial {
		m.nodes[p] = struct{}{}
	}
	return m
}

// Self returns this node's own name.
func (m *Membership) Self() PeerID { return m.self }

// Join admits a node into the known membership and returns the churn
// event to feed into the Data Manager's NodeAdded handler.
func (m *Membership) Join(peer PeerID) ChurnEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[peer] = struct{}{}
	return ChurnEvent{Kind: NodeAdded, Name: peer}
}

// Leave removes a node from the known membership and returns the churn
// event to feed into the Data Manager's NodeLost handler.
func (m *Membership) Leave(peer PeerID) ChurnEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, peer)
	return ChurnEvent{Kind: NodeLost, Name: peer}
}

// All returns every node this node currently believes is a member,
// including self.
func (m *Membership) All() []PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerID, 0, len(m.nodes))
	for p := range m.nodes {
		out = append(out, p)
	}
	return out
}

// CloseGroup returns up to size nodes ordered by ascending XOR distance
// to name, and whether self is among them. A nil slice with ok=false
// means this node is not in the close group for name.
func (m *Membership) CloseGroup(name [32]byte, size int) (group []PeerID, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]PeerID, 0, len(m.nodes))
	for p := range m.nodes {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		return xorDistanceLess(name, all[i], all[j])
	})
	if size > len(all) {
		size = len(all)
	}
	group = all[:size]
	for _, p := range group {
		if p == m.self {
			return group, true
		}
	}
	return group, false
}

// SelfClose reports whether this node is within its own close group of
// size size for name — used by Cache's prune passes.
func (m *Membership) SelfClose(name [32]byte, size int) bool {
	_, ok := m.CloseGroup(name, size)
	return ok
}

// GroupContains reports whether peer is within the close group of size
// size for name.
func (m *Membership) GroupContains(name [32]byte, size int, peer PeerID) bool {
	group, _ := m.CloseGroup(name, size)
	for _, p := range group {
		if p == peer {
			return true
		}
	}
	return false
}

// OuterMember returns the (size)-th closest node to name, excluding
// self — the other peer that would be pulled into the close group if
// one member were lost. ok is false if fewer than size other nodes are
// known.
func (m *Membership) OuterMember(name [32]byte, size int) (peer PeerID, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]PeerID, 0, len(m.nodes))
	for p := range m.nodes {
		if p == m.self {
			continue
		}
		all = append(all, p)
	}
	if len(all) < size {
		return PeerID{}, false
	}
	sort.Slice(all, func(i, j int) bool {
		return xorDistanceLess(name, all[i], all[j])
	})
	return all[size-1], true
}

// CloserThan reports whether a is strictly closer to name than b.
func CloserThan(name, a, b [32]byte) bool {
	return xorDistanceLess(name, a, b)
}
