// Package accumulator implements the bounded-TTL quorum vote counter of
// §4.2: a group of nodes refreshing their view of a chunk vote under a
// shared key, and once a quorum of distinct voters has been seen the
// accumulated set is handed back to the caller. It is grounded on the
// teacher's internal/cluster/replicator.go quorum-counting loop
// (tracking acks per request until a threshold is reached) generalised
// from a single in-flight request to a durable, TTL-reaped table keyed
// by arbitrary comparable keys.
package accumulator

import (
	"sync"
	"time"

	"vaultd/internal/overlay"
)

// DefaultTTL is the 180s accumulator entry lifetime from the original
// persona's ACCUMULATOR_TIMEOUT_SECS constant.
const DefaultTTL = 180 * time.Second

type entry struct {
	voters    map[overlay.PeerID]struct{}
	createdAt time.Time
}

// Accumulator counts distinct voters per key K until a quorum is
// reached, after which Add returns the accumulated voter set and
// forgets the key. Entries older than ttl are reaped lazily on access,
// matching the teacher's replicator which never runs a background GC
// goroutine for its own in-flight table.
type Accumulator[K comparable] struct {
	mu      sync.Mutex
	clock   overlay.Clock
	ttl     time.Duration
	entries map[K]*entry
}

// New builds an Accumulator reaping entries older than ttl. The quorum
// threshold is supplied per Add call rather than fixed at construction,
// since group size — and therefore quorum — can shift under churn
// between one vote and the next (§4.4.9).
func New[K comparable](clock overlay.Clock, ttl time.Duration) *Accumulator[K] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Accumulator[K]{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[K]*entry),
	}
}

// Quorum computes ⌊groupSize/2⌋+1, the majority threshold used
// throughout the persona for both accumulator and pending-write quorum
// checks.
func Quorum(groupSize int) int {
	return groupSize/2 + 1
}

func (a *Accumulator[K]) reapLocked(now time.Time) {
	for k, e := range a.entries {
		if now.Sub(e.createdAt) > a.ttl {
			delete(a.entries, k)
		}
	}
}

// Add records a vote from voter under key. Once the distinct voter
// count for key reaches quorum, Add returns the accumulated set (and
// removes the key so a later matching refresh starts a fresh round);
// until then it returns (nil, false).
func (a *Accumulator[K]) Add(key K, voter overlay.PeerID, quorum int) ([]overlay.PeerID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if quorum < 1 {
		quorum = 1
	}

	now := a.clock.Now()
	a.reapLocked(now)

	e, ok := a.entries[key]
	if !ok {
		e = &entry{voters: make(map[overlay.PeerID]struct{}), createdAt: now}
		a.entries[key] = e
	}
	e.voters[voter] = struct{}{}

	if len(e.voters) < quorum {
		return nil, false
	}

	voters := make([]overlay.PeerID, 0, len(e.voters))
	for p := range e.voters {
		voters = append(voters, p)
	}
	delete(a.entries, key)
	return voters, true
}

// Delete forgets key without regard to its vote count, used when the
// chunk it concerns has been independently resolved.
func (a *Accumulator[K]) Delete(key K) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, key)
}

// Len reports the number of in-flight keys, after reaping expired ones.
func (a *Accumulator[K]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reapLocked(a.clock.Now())
	return len(a.entries)
}
