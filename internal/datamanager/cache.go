// Package datamanager is the Data Manager protocol engine and its
// supporting in-memory cache: the core translating inbound client
// requests and peer responses into chunk-store mutations, pending
// writes, refresh messages, and outbound Gets (§4.3, §4.4). It is
// grounded on the teacher's internal/cluster package — a node owning
// exclusive, lock-free access to its own replication bookkeeping,
// mutated only from the single goroutine driving its event loop — but
// every method here is pure state manipulation: it returns what the
// caller (the Engine) should do next rather than acting on the world
// itself (§9 "Cycles between Cache and Engine").
package datamanager

import (
	"time"

	"vaultd/internal/overlay"
)

// PendingWriteTimeout and OngoingGetTimeout are both 60s per §5, kept as
// distinct named constants since the spec calls them out as separate
// concerns even though the original persona gives them the same value.
const (
	PendingWriteTimeout = 60 * time.Second
	OngoingGetTimeout   = 60 * time.Second
)

// PendingWrite is a mutation candidate awaiting group consensus (§3).
type PendingWrite struct {
	Hash      uint64
	Data      overlay.Data
	CreatedAt time.Time
	Src, Dst  overlay.Authority
	MsgID     overlay.MessageID
	Kind      overlay.MutationKind
	Rejected  bool
}

type ongoingGet struct {
	issuedAt time.Time
	idv      overlay.IdAndVersion
}

// PeerDataNeed is one (idle peer, wanted snapshot) pairing returned by
// NeededData for the caller to turn into an outbound Get.
type PeerDataNeed struct {
	Peer         overlay.PeerID
	IdAndVersion overlay.IdAndVersion
}

// GroupView is the subset of overlay.Membership the cache's prune
// methods need: whether this node is still close to a name, and whether
// a given peer still is. Declared as an interface (rather than
// depending on *overlay.Membership directly) so Cache has no compile
// dependency on the routing adapter, matching §9's "Cache holds no
// reference to the Engine" isolation.
type GroupView interface {
	SelfClose(name [32]byte, groupSize int) bool
	GroupContains(name [32]byte, groupSize int, peer overlay.PeerID) bool
}

// Cache holds the Data Manager's in-memory state: the unneeded-chunks
// queue, the data-holder map, the outstanding-Get tracker, and the
// pending-write ledger (§3). It is not safe for concurrent use — the
// single-threaded cooperative model of §5 means the Engine is its only
// caller, always from the same goroutine.
type Cache struct {
	unneededChunks []overlay.DataId
	dataHolders    map[overlay.PeerID]map[overlay.IdAndVersion]struct{}
	ongoingGets    map[overlay.PeerID]ongoingGet
	pendingWrites  map[overlay.DataId][]PendingWrite
}

// NewCache builds an empty Cache.
func NewCache() *Cache {
	return &Cache{
		dataHolders:   make(map[overlay.PeerID]map[overlay.IdAndVersion]struct{}),
		ongoingGets:   make(map[overlay.PeerID]ongoingGet),
		pendingWrites: make(map[overlay.DataId][]PendingWrite),
	}
}

// InsertPendingWrite records a mutation candidate and reports whether it
// triggers a group refresh (§4.3): a refresh is due exactly when this
// write is not rejected and every previously pending write for the same
// id was rejected — i.e. this is the first viable candidate.
func (c *Cache) InsertPendingWrite(data overlay.Data, kind overlay.MutationKind, src, dst overlay.Authority, msgID overlay.MessageID, rejected bool, now time.Time) (overlay.RefreshData, bool) {
	id := data.ID()
	prior := c.pendingWrites[id]

	allPriorRejected := true
	for _, w := range prior {
		if !w.Rejected {
			allPriorRejected = false
			break
		}
	}

	pw := PendingWrite{
		Hash:      overlay.StableHash(data, kind),
		Data:      data,
		CreatedAt: now,
		Src:       src,
		Dst:       dst,
		MsgID:     msgID,
		Kind:      kind,
		Rejected:  rejected,
	}
	c.pendingWrites[id] = append([]PendingWrite{pw}, prior...)

	if !rejected && allPriorRejected {
		return overlay.RefreshData{IdAndVersion: data.IdAndVersion(), Hash: pw.Hash}, true
	}
	return overlay.RefreshData{}, false
}

// TakePendingWrites returns and removes every pending write for id.
func (c *Cache) TakePendingWrites(id overlay.DataId) []PendingWrite {
	writes := c.pendingWrites[id]
	delete(c.pendingWrites, id)
	return writes
}

// RemoveExpiredWrites purges writes older than PendingWriteTimeout,
// returning them for failure notification (§4.4.6 step (i)).
func (c *Cache) RemoveExpiredWrites(now time.Time) []PendingWrite {
	var expired []PendingWrite
	for id, writes := range c.pendingWrites {
		var kept []PendingWrite
		for _, w := range writes {
			if now.Sub(w.CreatedAt) > PendingWriteTimeout {
				expired = append(expired, w)
			} else {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(c.pendingWrites, id)
		} else {
			c.pendingWrites[id] = kept
		}
	}
	return expired
}

// HandleGetSuccess clears the matching outstanding Get for src (if its
// id matches) and removes (id, version) from every peer's holder set,
// since nobody needs polling for data that has already arrived.
func (c *Cache) HandleGetSuccess(src overlay.PeerID, id overlay.DataId, version overlay.Version) {
	if og, ok := c.ongoingGets[src]; ok && og.idv.Id == id {
		delete(c.ongoingGets, src)
	}
	idv := overlay.IdAndVersion{Id: id, Version: version}
	for peer, holds := range c.dataHolders {
		delete(holds, idv)
		if len(holds) == 0 {
			delete(c.dataHolders, peer)
		}
	}
}

// HandleGetFailure reports whether there was an outstanding Get from src
// for exactly id, removing it if so. A mismatched failure leaves state
// untouched and returns false.
func (c *Cache) HandleGetFailure(src overlay.PeerID, id overlay.DataId) bool {
	og, ok := c.ongoingGets[src]
	if !ok || og.idv.Id != id {
		return false
	}
	delete(c.ongoingGets, src)
	return true
}

// RegisterDataWithHolder records src as an additional holder of idv only
// if some other peer is already known to hold it, guarding against a
// single peer's unverified claim seeding state (§4.3).
func (c *Cache) RegisterDataWithHolder(src overlay.PeerID, idv overlay.IdAndVersion) bool {
	found := false
	for peer, holds := range c.dataHolders {
		if peer == src {
			continue
		}
		if _, ok := holds[idv]; ok {
			found = true
			break
		}
	}
	if found {
		if c.dataHolders[src] == nil {
			c.dataHolders[src] = make(map[overlay.IdAndVersion]struct{})
		}
		c.dataHolders[src][idv] = struct{}{}
	}
	return found
}

// AddRecords unconditionally registers every peer in holders as a holder
// of idv, used once accumulator quorum has been reached.
func (c *Cache) AddRecords(idv overlay.IdAndVersion, holders []overlay.PeerID) {
	for _, h := range holders {
		if c.dataHolders[h] == nil {
			c.dataHolders[h] = make(map[overlay.IdAndVersion]struct{})
		}
		c.dataHolders[h][idv] = struct{}{}
	}
}

// NeededData reaps stale bookkeeping and returns at most one
// (idle peer, IdAndVersion) pairing per peer without an outstanding Get,
// achieving per-peer pipelining with at most one outstanding fetch per
// id globally (§4.3). The caller must follow up with
// InsertIntoOngoingGets for every pair it actually issues a Get for.
func (c *Cache) NeededData(now time.Time) []PeerDataNeed {
	for peer, holds := range c.dataHolders {
		if len(holds) == 0 {
			delete(c.dataHolders, peer)
		}
	}
	for peer, og := range c.ongoingGets {
		if now.Sub(og.issuedAt) > OngoingGetTimeout {
			delete(c.ongoingGets, peer)
		}
	}

	fetching := make(map[overlay.DataId]struct{}, len(c.ongoingGets))
	for _, og := range c.ongoingGets {
		fetching[og.idv.Id] = struct{}{}
	}

	var needs []PeerDataNeed
	for peer, holds := range c.dataHolders {
		if _, busy := c.ongoingGets[peer]; busy {
			continue
		}
		for idv := range holds {
			if _, already := fetching[idv.Id]; already {
				continue
			}
			delete(holds, idv)
			if len(holds) == 0 {
				delete(c.dataHolders, peer)
			}
			fetching[idv.Id] = struct{}{}
			needs = append(needs, PeerDataNeed{Peer: peer, IdAndVersion: idv})
			break
		}
	}
	return needs
}

// InsertIntoOngoingGets records an outstanding Get to peer for idv,
// issued at now. Called by the caller immediately after it dispatches a
// Get chosen from NeededData or from a fresh refresh-quorum seed.
func (c *Cache) InsertIntoOngoingGets(peer overlay.PeerID, idv overlay.IdAndVersion, now time.Time) {
	c.ongoingGets[peer] = ongoingGet{issuedAt: now, idv: idv}
}

// PruneDataHolders removes holder entries for ids this node is no
// longer close to, or whose recorded peer is no longer in that id's
// close group (§4.3, churn).
func (c *Cache) PruneDataHolders(gv GroupView, groupSize int) {
	for peer, holds := range c.dataHolders {
		for idv := range holds {
			if !gv.SelfClose(idv.Id.Name, groupSize) || !gv.GroupContains(idv.Id.Name, groupSize, peer) {
				delete(holds, idv)
			}
		}
		if len(holds) == 0 {
			delete(c.dataHolders, peer)
		}
	}
}

// PruneOngoingGets removes outstanding Gets whose id or peer has left
// this node's close group, reporting whether anything was removed so
// the caller knows to reissue.
func (c *Cache) PruneOngoingGets(gv GroupView, groupSize int) bool {
	removed := false
	for peer, og := range c.ongoingGets {
		if !gv.SelfClose(og.idv.Id.Name, groupSize) || !gv.GroupContains(og.idv.Id.Name, groupSize, peer) {
			delete(c.ongoingGets, peer)
			removed = true
		}
	}
	return removed
}

// EnqueueUnneeded appends id to the unneeded-chunks queue, used when
// churn removes this node from id's close group but the chunk is still
// on disk.
func (c *Cache) EnqueueUnneeded(id overlay.DataId) {
	c.unneededChunks = append(c.unneededChunks, id)
}

// PopUnneeded removes and returns the oldest unneeded chunk id, used by
// clean_chunk_store (§4.4.2) while reclaiming capacity.
func (c *Cache) PopUnneeded() (overlay.DataId, bool) {
	if len(c.unneededChunks) == 0 {
		return overlay.DataId{}, false
	}
	id := c.unneededChunks[0]
	c.unneededChunks = c.unneededChunks[1:]
	return id, true
}

// PruneUnneededChunks reclaims chunks whose id has re-entered this
// node's close group, returning the count reclaimed so the caller can
// increment its stored-chunk counter.
func (c *Cache) PruneUnneededChunks(gv GroupView, groupSize int) int {
	kept := c.unneededChunks[:0]
	reclaimed := 0
	for _, id := range c.unneededChunks {
		if gv.SelfClose(id.Name, groupSize) {
			reclaimed++
			continue
		}
		kept = append(kept, id)
	}
	c.unneededChunks = kept
	return reclaimed
}

// ChainRecordsInCache yields the union of all holder entries, all
// outstanding Gets, and localIDs, minus everything presently marked
// unneeded — the churn-broadcast payload (§4.3).
func (c *Cache) ChainRecordsInCache(localIDs []overlay.IdAndVersion) []overlay.IdAndVersion {
	unneeded := make(map[overlay.DataId]struct{}, len(c.unneededChunks))
	for _, id := range c.unneededChunks {
		unneeded[id] = struct{}{}
	}

	seen := make(map[overlay.IdAndVersion]struct{})
	add := func(idv overlay.IdAndVersion) {
		if _, skip := unneeded[idv.Id]; skip {
			return
		}
		seen[idv] = struct{}{}
	}

	for _, holds := range c.dataHolders {
		for idv := range holds {
			add(idv)
		}
	}
	for _, og := range c.ongoingGets {
		add(og.idv)
	}
	for _, idv := range localIDs {
		add(idv)
	}

	out := make([]overlay.IdAndVersion, 0, len(seen))
	for idv := range seen {
		out = append(out, idv)
	}
	return out
}
