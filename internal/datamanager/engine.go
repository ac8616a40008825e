package datamanager

import (
	"errors"
	"log"

	"vaultd/internal/accumulator"
	"vaultd/internal/chunkstore"
	"vaultd/internal/overlay"
)

// maxFullPercent is the §3 "full" threshold: a node reports itself full
// once used bytes exceed this fraction of max bytes, matching the
// original persona's MAX_FULL_PERCENT constant.
const maxFullPercent = 50

// successorErrorKind maps an overlay.ReplaceWithOther/DeleteIfValidSuccessor
// error to the mutation error it should be reported as: already-deleted
// chunks are an invalid operation, everything else is a genuine
// version/owner mismatch against a live successor.
func successorErrorKind(err error) overlay.MutationErrorKind {
	if errors.Is(err, overlay.ErrInvalidOperation) {
		return overlay.MutationErrorInvalidOperation
	}
	return overlay.MutationErrorInvalidSuccessor
}

// Topology is the subset of overlay.Membership the engine needs beyond
// GroupView: close-group membership with ordering, and the outer-member
// query used by the NodeLost handler (§4.4.9).
type Topology interface {
	GroupView
	CloseGroup(name [32]byte, size int) ([]overlay.PeerID, bool)
	OuterMember(name [32]byte, size int) (overlay.PeerID, bool)
}

// Engine is the DataManager Protocol Engine (§4.4): the single-threaded,
// cooperative state machine translating inbound requests and peer
// responses into chunk-store mutations, pending writes, refreshes, and
// outbound Gets. Every public method here is one of the event-loop entry
// points of §5 and must be invoked serially by the caller.
type Engine struct {
	self      overlay.PeerID
	groupSize int

	store    chunkstore.Store
	cache    *Cache
	accum    *accumulator.Accumulator[overlay.IdAndVersion]
	routing  overlay.RoutingAdapter
	topology Topology
	clock    overlay.Clock
	counters *Counters
	logger   *log.Logger
}

// NewEngine builds an Engine. groupSize is G in the quorum formula
// ⌊G/2⌋+1 (§3).
func NewEngine(self overlay.PeerID, store chunkstore.Store, routing overlay.RoutingAdapter, topology Topology, clock overlay.Clock, logger *log.Logger, groupSize int) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	now := clock.Now()
	return &Engine{
		self:      self,
		groupSize: groupSize,
		store:     store,
		cache:     NewCache(),
		accum:     accumulator.New[overlay.IdAndVersion](clock, accumulator.DefaultTTL),
		routing:   routing,
		topology:  topology,
		clock:     clock,
		counters:  NewCounters(now),
		logger:    logger,
	}
}

func (e *Engine) quorum() int {
	return accumulator.Quorum(e.groupSize)
}

func (e *Engine) naeManager(name [32]byte) overlay.Authority {
	return overlay.NaeManagerAuthority(name)
}

// --- 4.4.1 Get ---------------------------------------------------------

// HandleGet serves a read from the local chunk store. Get is strictly
// read-only and never triggers a refresh.
func (e *Engine) HandleGet(src overlay.Authority, id overlay.DataId, msgID overlay.MessageID) {
	if src.Kind == overlay.AuthorityClient {
		e.counters.IncrementClientGet()
		e.logStatus()
	}

	self := overlay.NodeAuthority(e.self)
	data, err := e.store.Get(id)
	if err != nil {
		e.routing.SendGetFailure(self, src, id, overlay.GetError{Kind: overlay.GetErrorNoSuchData}, msgID)
		return
	}
	e.routing.SendGetSuccess(self, src, data, msgID)
}

func (e *Engine) logStatus() {
	e.counters.CheckStatusLog(e.clock.Now(), e.logger, e.store.UsedSpace(), e.store.MaxSpace())
}

// --- capacity accounting ------------------------------------------------

func (e *Engine) isFull() bool {
	if e.store.MaxSpace() == 0 {
		return false
	}
	return e.store.UsedSpace()*100 > e.store.MaxSpace()*maxFullPercent
}

// cleanChunkStore pops from the unneeded-chunks queue and deletes until
// the store is below the full threshold, per §4.4.2.
func (e *Engine) cleanChunkStore() {
	for e.isFull() {
		id, ok := e.cache.PopUnneeded()
		if !ok {
			return
		}
		if data, err := e.store.Get(id); err == nil {
			_ = e.store.Delete(id)
			e.counters.DecrementStored(data.Kind)
		}
	}
}

// --- 4.4.2 Put -----------------------------------------------------------

// HandlePut validates and, on success, enqueues a Put as a pending write
// awaiting group consensus (§4.4.2, §4.4.6).
func (e *Engine) HandlePut(src, dst overlay.Authority, data overlay.Data, msgID overlay.MessageID) {
	self := overlay.NodeAuthority(e.self)

	existing, err := e.store.Get(data.ID())
	exists := err == nil

	switch data.Kind {
	case overlay.KindImmutable:
		if exists {
			e.routing.SendMutationSuccess(overlay.MutationPut, self, src, data.IdAndVersion(), msgID)
			return
		}
	default:
		if exists {
			validSuccessor := existing.Deleted && data.Version == existing.Version+1
			if !validSuccessor {
				e.updatePendingWrites(data, overlay.MutationPut, src, dst, msgID, true)
				e.routing.SendMutationFailure(overlay.MutationPut, self, src, data.ID(), overlay.MutationError{Kind: overlay.MutationErrorDataExists}, msgID)
				return
			}
		}
	}

	e.cleanChunkStore()
	if e.isFull() {
		e.routing.SendMutationFailure(overlay.MutationPut, self, src, data.ID(), overlay.MutationError{Kind: overlay.MutationErrorNetworkFull}, msgID)
		e.logger.Printf("datamanager: chunk store full, rejecting put for %s", data.ID())
		return
	}

	e.updatePendingWrites(data, overlay.MutationPut, src, dst, msgID, false)
}

// --- 4.4.3 Post ------------------------------------------------------------

// HandlePost validates a structured or appendable Post against the
// stored predecessor and, on success, enqueues it as a pending write.
func (e *Engine) HandlePost(src, dst overlay.Authority, data overlay.Data, msgID overlay.MessageID) {
	self := overlay.NodeAuthority(e.self)

	if data.Size() > overlay.MaxDataSize {
		e.routing.SendMutationFailure(overlay.MutationPost, self, src, data.ID(), overlay.MutationError{Kind: overlay.MutationErrorDataTooLarge}, msgID)
		return
	}

	existing, err := e.store.Get(data.ID())
	exists := err == nil

	switch data.Kind {
	case overlay.KindStructured:
		if !exists {
			e.updatePendingWrites(data, overlay.MutationPost, src, dst, msgID, true)
			e.routing.SendMutationFailure(overlay.MutationPost, self, src, data.ID(), overlay.MutationError{Kind: overlay.MutationErrorNoSuchData}, msgID)
			return
		}
		next, rerr := overlay.ReplaceWithOther(existing, data)
		if rerr != nil {
			e.routing.SendMutationFailure(overlay.MutationPost, self, src, data.ID(), overlay.MutationError{Kind: successorErrorKind(rerr)}, msgID)
			return
		}
		e.updatePendingWrites(next, overlay.MutationPost, src, dst, msgID, false)

	case overlay.KindPubAppendable, overlay.KindPrivAppendable:
		if !exists {
			e.routing.SendMutationFailure(overlay.MutationPost, self, src, data.ID(), overlay.MutationError{Kind: overlay.MutationErrorNoSuchData}, msgID)
			return
		}
		next, rerr := overlay.UpdateWithOther(existing, data)
		if rerr != nil {
			e.routing.SendMutationFailure(overlay.MutationPost, self, src, data.ID(), overlay.MutationError{Kind: overlay.MutationErrorInvalidSuccessor}, msgID)
			return
		}
		e.updatePendingWrites(next, overlay.MutationPost, src, dst, msgID, false)

	default:
		e.routing.SendMutationFailure(overlay.MutationPost, self, src, data.ID(), overlay.MutationError{Kind: overlay.MutationErrorInvalidOperation}, msgID)
	}
}

// --- 4.4.4 Delete (structured only) ---------------------------------------

// HandleDelete validates a structured Delete, producing a tombstone
// pending write on success.
func (e *Engine) HandleDelete(src, dst overlay.Authority, next overlay.Data, msgID overlay.MessageID) {
	self := overlay.NodeAuthority(e.self)

	if next.Kind != overlay.KindStructured {
		e.routing.SendMutationFailure(overlay.MutationDelete, self, src, next.ID(), overlay.MutationError{Kind: overlay.MutationErrorInvalidOperation}, msgID)
		return
	}

	existing, err := e.store.Get(next.ID())
	if err != nil {
		e.routing.SendMutationFailure(overlay.MutationDelete, self, src, next.ID(), overlay.MutationError{Kind: overlay.MutationErrorNoSuchData}, msgID)
		return
	}

	tombstone, terr := overlay.DeleteIfValidSuccessor(existing, next)
	if terr != nil {
		e.updatePendingWrites(next, overlay.MutationDelete, src, dst, msgID, true)
		e.routing.SendMutationFailure(overlay.MutationDelete, self, src, next.ID(), overlay.MutationError{Kind: successorErrorKind(terr)}, msgID)
		return
	}

	e.updatePendingWrites(tombstone, overlay.MutationDelete, src, dst, msgID, false)
}

// --- 4.4.5 Append ----------------------------------------------------------

// HandleAppend validates an Append against the target's current item
// set, size-guarding the resulting chunk.
func (e *Engine) HandleAppend(src, dst overlay.Authority, id overlay.DataId, wrapper overlay.AppendWrapper, msgID overlay.MessageID) {
	self := overlay.NodeAuthority(e.self)

	existing, err := e.store.Get(id)
	if err != nil {
		e.routing.SendMutationFailure(overlay.MutationAppend, self, src, id, overlay.MutationError{Kind: overlay.MutationErrorNoSuchData}, msgID)
		return
	}

	next, aerr := overlay.ApplyWrapper(existing, wrapper)
	if aerr != nil {
		e.routing.SendMutationFailure(overlay.MutationAppend, self, src, id, overlay.MutationError{Kind: overlay.MutationErrorInvalidSuccessor}, msgID)
		return
	}

	if next.Size() > overlay.MaxDataSize {
		e.routing.SendMutationFailure(overlay.MutationAppend, self, src, id, overlay.MutationError{Kind: overlay.MutationErrorDataTooLarge}, msgID)
		return
	}

	e.updatePendingWrites(next, overlay.MutationAppend, src, dst, msgID, false)
}

// --- 4.4.6 Pending-write pipeline -------------------------------------------

// updatePendingWrites is the single funnel every mutation passes
// through: it first reaps and fails expired pending writes, then
// inserts the new candidate, and if insertion triggers a refresh,
// broadcasts it to the data's own NaeManager authority (§4.4.6).
func (e *Engine) updatePendingWrites(data overlay.Data, kind overlay.MutationKind, src, dst overlay.Authority, msgID overlay.MessageID, rejected bool) {
	now := e.clock.Now()
	self := overlay.NodeAuthority(e.self)

	for _, expired := range e.cache.RemoveExpiredWrites(now) {
		e.routing.SendMutationFailure(expired.Kind, self, expired.Src, expired.Data.ID(), overlay.NetworkOther("Request expired."), expired.MsgID)
	}

	refresh, due := e.cache.InsertPendingWrite(data, kind, src, dst, msgID, rejected, now)
	if !due {
		return
	}

	group := e.naeManager(data.ID().Name)
	payload, merr := encodeRefreshData(refresh)
	if merr != nil {
		e.logger.Printf("datamanager: encode group refresh for %s: %v", refresh.IdAndVersion.Id, merr)
		return
	}
	e.routing.SendRefreshRequest(self, group, payload, overlay.NewMessageID())
}

// --- group refresh (commit path) --------------------------------------------

// HandleGroupRefresh processes a group-refresh payload addressed to this
// node's own NaeManager authority: the approval token for a pending
// write (§4.4.6). Every token is acted on as it arrives: pending writes
// whose hash matches commit on the first such token, and how many group
// members sent the same token is not counted.
func (e *Engine) HandleGroupRefresh(refresh overlay.RefreshData) {
	self := overlay.NodeAuthority(e.self)
	id := refresh.IdAndVersion.Id
	writes := e.cache.TakePendingWrites(id)

	committed := false
	for _, w := range writes {
		if w.Hash != refresh.Hash {
			if !w.Rejected {
				e.routing.SendMutationFailure(w.Kind, self, w.Src, id, overlay.NetworkOther("Concurrent modification."), w.MsgID)
			}
			continue
		}
		if w.Rejected {
			continue
		}

		existed := e.store.Has(id)
		if err := e.store.Put(id, w.Data); err != nil {
			e.routing.SendMutationFailure(w.Kind, self, w.Src, id, overlay.NetworkOther("Failed to store chunk: "+err.Error()), w.MsgID)
			continue
		}
		committed = true
		if !existed {
			e.counters.IncrementStored(w.Data.Kind)
		}
		e.routing.SendMutationSuccess(w.Kind, self, w.Src, w.Data.IdAndVersion(), w.MsgID)

		nonConsensual := overlay.RefreshData{IdAndVersion: w.Data.IdAndVersion(), Hash: w.Hash}
		if payload, merr := encodeRefreshData(nonConsensual); merr == nil {
			e.routing.SendRefreshRequest(self, e.naeManager(id.Name), payload, overlay.NewMessageID())
		}
	}

	if !committed {
		e.seedFetchFromCloseGroup(id)
	}
}

// seedFetchFromCloseGroup interrogates the close group for id, seeding
// every member as a holder and kicking off a fetch — used when no
// pending write committed, so the node's view of id may be stale.
func (e *Engine) seedFetchFromCloseGroup(id overlay.DataId) {
	group, ok := e.topology.CloseGroup(id.Name, e.groupSize)
	if !ok || len(group) == 0 {
		return
	}
	idv := overlay.IdAndVersion{Id: id}
	e.cache.AddRecords(idv, group)
	e.dispatchNeededGets()
}

// --- 4.4.7 peer-to-peer refresh ---------------------------------------------

// HandleRefresh processes an advisory refresh from a peer announcing its
// holdings, voting each claim into the refresh accumulator (§4.4.7).
func (e *Engine) HandleRefresh(src overlay.PeerID, list overlay.RefreshDataList) {
	for _, idv := range list.Records {
		if e.cache.RegisterDataWithHolder(src, idv) {
			continue
		}
		voters, ok := e.accum.Add(idv, src, e.quorum())
		if !ok {
			continue
		}
		if e.dataNeeded(idv) {
			e.cache.AddRecords(idv, voters)
			e.dispatchNeededGets()
		}
	}
}

// dataNeeded decides, per §4.4.7, whether idv is worth fetching: missing
// entirely (immutable), stored at a strictly older version (structured),
// or stored at the same or an older version (appendable — note the
// deliberate boundary divergence from the Get-success handler, which
// merges rather than re-fetches on equal version; §9 Open Question (i)).
func (e *Engine) dataNeeded(idv overlay.IdAndVersion) bool {
	existing, err := e.store.Get(idv.Id)
	if err != nil {
		return true
	}
	switch idv.Id.Kind {
	case overlay.KindStructured:
		return existing.Version < idv.Version
	case overlay.KindPubAppendable, overlay.KindPrivAppendable:
		return existing.Version <= idv.Version
	default:
		return false
	}
}

func (e *Engine) dispatchNeededGets() {
	now := e.clock.Now()
	self := overlay.NodeAuthority(e.self)
	for _, need := range e.cache.NeededData(now) {
		e.cache.InsertIntoOngoingGets(need.Peer, need.IdAndVersion, now)
		dst := overlay.NodeAuthority(need.Peer)
		e.routing.SendGetRequest(self, dst, need.IdAndVersion.Id, overlay.NewMessageID())
	}
}

// --- 4.4.8 Get-success / Get-failure -----------------------------------------

// HandleGetSuccess applies a peer's fetch reply: it clears the
// outstanding Get, schedules further Gets, and applies the per-kind
// store-acceptance rule (§4.4.8).
func (e *Engine) HandleGetSuccess(src overlay.PeerID, data overlay.Data) {
	id := data.ID()
	e.cache.HandleGetSuccess(src, id, data.Version)
	defer e.dispatchNeededGets()

	if !e.topology.SelfClose(id.Name, e.groupSize) {
		return
	}

	existing, err := e.store.Get(id)
	exists := err == nil

	switch data.Kind {
	case overlay.KindImmutable:
		if exists {
			return
		}
		if perr := e.store.Put(id, data); perr == nil {
			e.counters.IncrementStored(data.Kind)
		}

	case overlay.KindStructured:
		if exists && existing.Version >= data.Version {
			return
		}
		if perr := e.store.Put(id, data); perr == nil {
			if !exists {
				e.counters.IncrementStored(data.Kind)
			}
		}

	case overlay.KindPubAppendable, overlay.KindPrivAppendable:
		if exists && existing.Version > data.Version {
			return
		}
		toStore := data
		if exists && existing.Version == data.Version {
			toStore = overlay.MergeOnEqualVersion(data, existing)
		}
		if perr := e.store.Put(id, toStore); perr == nil {
			if !exists {
				e.counters.IncrementStored(data.Kind)
			}
		}
	}
}

// HandleGetFailure processes a peer's inability to supply data: expected
// failures are rescheduled, unexpected ones logged as protocol errors.
func (e *Engine) HandleGetFailure(src overlay.PeerID, id overlay.DataId) {
	if !e.cache.HandleGetFailure(src, id) {
		e.logger.Printf("datamanager: unexpected get-failure from %x for %s", src, id)
		return
	}
	e.dispatchNeededGets()
}

// --- 4.4.9 Churn -------------------------------------------------------------

// HandleNodeAdded reacts to a new peer joining the close group view: it
// prunes stale bookkeeping, then for every id this node no longer
// belongs to the close group for, either retires it to the unneeded
// queue (immutable) or deletes it outright, and for ids the new node now
// belongs to, sends it a refresh (§4.4.9).
func (e *Engine) HandleNodeAdded(newNode overlay.PeerID) {
	e.cache.PruneDataHolders(e.topology, e.groupSize)
	if e.cache.PruneOngoingGets(e.topology, e.groupSize) {
		e.dispatchNeededGets()
	}

	localIDVs := e.localIDsAndVersions()
	refreshTo := make([]overlay.IdAndVersion, 0)

	for _, idv := range e.unionOfKnownIDs(localIDVs) {
		if e.topology.SelfClose(idv.Id.Name, e.groupSize) {
			if e.topology.GroupContains(idv.Id.Name, e.groupSize, newNode) {
				refreshTo = append(refreshTo, idv)
			}
			continue
		}
		data, err := e.store.Get(idv.Id)
		if err != nil {
			continue
		}
		if data.Kind == overlay.KindImmutable {
			e.cache.EnqueueUnneeded(idv.Id)
		} else if derr := e.store.Delete(idv.Id); derr == nil {
			e.counters.DecrementStored(data.Kind)
		}
	}

	if len(refreshTo) > 0 {
		e.sendRefreshList(overlay.NodeAuthority(newNode), refreshTo)
	}
}

// HandleNodeLost reacts to a peer leaving: it reclaims any unneeded
// chunks pulled back into the close group, prunes stale bookkeeping, and
// for ids where the lost node was strictly closer than the new outer
// group boundary, refreshes that outer member (§4.4.9).
func (e *Engine) HandleNodeLost(lostNode overlay.PeerID) {
	if e.cache.PruneUnneededChunks(e.topology, e.groupSize) > 0 {
		// stored-chunk counters are left as they are: queueing a chunk
		// as unneeded does not subtract it from them (only
		// cleanChunkStore does, when it deletes one), so a reclaimed
		// chunk is still counted as stored.
	}
	e.cache.PruneDataHolders(e.topology, e.groupSize)
	if e.cache.PruneOngoingGets(e.topology, e.groupSize) {
		e.dispatchNeededGets()
	}

	byOuter := make(map[overlay.PeerID][]overlay.IdAndVersion)
	for _, idv := range e.unionOfKnownIDs(e.localIDsAndVersions()) {
		outer, ok := e.topology.OuterMember(idv.Id.Name, e.groupSize)
		if !ok {
			continue
		}
		if overlay.CloserThan(idv.Id.Name, lostNode, outer) {
			byOuter[outer] = append(byOuter[outer], idv)
		}
	}
	for outer, idvs := range byOuter {
		e.sendRefreshList(overlay.NodeAuthority(outer), idvs)
	}
}

func (e *Engine) localIDsAndVersions() []overlay.IdAndVersion {
	ids := e.store.Keys()
	out := make([]overlay.IdAndVersion, 0, len(ids))
	for _, id := range ids {
		if data, err := e.store.Get(id); err == nil {
			out = append(out, data.IdAndVersion())
		}
	}
	return out
}

func (e *Engine) unionOfKnownIDs(localIDVs []overlay.IdAndVersion) []overlay.IdAndVersion {
	return e.cache.ChainRecordsInCache(localIDVs)
}

func (e *Engine) sendRefreshList(dst overlay.Authority, idvs []overlay.IdAndVersion) {
	self := overlay.NodeAuthority(e.self)
	payload, err := encodeRefreshDataList(overlay.RefreshDataList{Records: idvs})
	if err != nil {
		e.logger.Printf("datamanager: encode refresh list: %v", err)
		return
	}
	e.routing.SendRefreshRequest(self, dst, payload, overlay.NewMessageID())
}

// CheckTimeouts fails expired pending writes without requiring a new
// mutation to trigger the sweep, and logs the periodic status line. The
// engine and EventLoop never call it on their own; cmd/vaultd submits it
// to the event loop every 30 seconds, so when no new mutation arrives an
// expired pending write is failed up to that long after it expires.
func (e *Engine) CheckTimeouts() {
	self := overlay.NodeAuthority(e.self)
	now := e.clock.Now()
	for _, expired := range e.cache.RemoveExpiredWrites(now) {
		e.routing.SendMutationFailure(expired.Kind, self, expired.Src, expired.Data.ID(), overlay.NetworkOther("Request expired."), expired.MsgID)
	}
	e.logStatus()
}

// Counters exposes the engine's counters for external status reporting
// (e.g. the metrics package).
func (e *Engine) Counters() *Counters { return e.counters }

// Clock exposes the injected clock, for callers scheduling background
// ticks against the same time source as the engine.
func (e *Engine) Clock() overlay.Clock { return e.clock }
