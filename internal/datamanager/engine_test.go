package datamanager

import (
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultd/internal/chunkstore"
	"vaultd/internal/overlay"
)

type mutationOutcome struct {
	kind overlay.MutationKind
	idv  overlay.IdAndVersion
	id   overlay.DataId
	err  overlay.MutationError
	ok   bool
}

type fakeRouting struct {
	self      overlay.PeerID
	group     []overlay.PeerID
	groupOK   bool
	getReqs   []overlay.DataId
	mutations []mutationOutcome
	refreshes [][]byte
}

func (f *fakeRouting) OwnName() overlay.PeerID { return f.self }
func (f *fakeRouting) CloseGroup(name [32]byte, groupSize int) ([]overlay.PeerID, bool) {
	return f.group, f.groupOK
}
func (f *fakeRouting) SendGetRequest(src, dst overlay.Authority, id overlay.DataId, msgID overlay.MessageID) {
	f.getReqs = append(f.getReqs, id)
}
func (f *fakeRouting) SendGetSuccess(src, dst overlay.Authority, data overlay.Data, msgID overlay.MessageID) {
}
func (f *fakeRouting) SendGetFailure(src, dst overlay.Authority, id overlay.DataId, err overlay.GetError, msgID overlay.MessageID) {
}
func (f *fakeRouting) SendMutationSuccess(kind overlay.MutationKind, src, dst overlay.Authority, idv overlay.IdAndVersion, msgID overlay.MessageID) {
	f.mutations = append(f.mutations, mutationOutcome{kind: kind, idv: idv, ok: true})
}
func (f *fakeRouting) SendMutationFailure(kind overlay.MutationKind, src, dst overlay.Authority, id overlay.DataId, err overlay.MutationError, msgID overlay.MessageID) {
	f.mutations = append(f.mutations, mutationOutcome{kind: kind, id: id, err: err, ok: false})
}
func (f *fakeRouting) SendRefreshRequest(src, dst overlay.Authority, payload []byte, msgID overlay.MessageID) {
	f.refreshes = append(f.refreshes, payload)
}

type fakeTopology struct {
	selfClose     bool
	groupContains bool
	group         []overlay.PeerID
	groupOK       bool
	outer         overlay.PeerID
	outerOK       bool
}

func (f *fakeTopology) SelfClose(name [32]byte, groupSize int) bool { return f.selfClose }
func (f *fakeTopology) GroupContains(name [32]byte, groupSize int, peer overlay.PeerID) bool {
	return f.groupContains
}
func (f *fakeTopology) CloseGroup(name [32]byte, size int) ([]overlay.PeerID, bool) {
	return f.group, f.groupOK
}
func (f *fakeTopology) OuterMember(name [32]byte, size int) (overlay.PeerID, bool) {
	return f.outer, f.outerOK
}

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func newTestEngine(t *testing.T) (*Engine, *fakeRouting, chunkstore.Store) {
	t.Helper()
	store, err := chunkstore.New(t.TempDir(), chunkstore.DefaultMaxCapacity)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	routing := &fakeRouting{self: peerID(0), groupOK: true}
	topo := &fakeTopology{selfClose: true, groupContains: true, groupOK: true}
	clock := &fixedClock{now: time.Unix(1000, 0)}
	logger := log.New(testWriter{t}, "", 0)

	e := NewEngine(peerID(0), store, routing, topo, clock, logger, 5)
	return e, routing, store
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func engineName(b byte) [32]byte { return dataName(b) }

func TestHandlePutImmutableIdempotent(t *testing.T) {
	e, routing, _ := newTestEngine(t)
	d := overlay.NewImmutable(engineName(1), []byte("payload"))
	client := overlay.ClientAuthority(peerID(9))
	group := overlay.NaeManagerAuthority(engineName(1))

	e.HandlePut(client, group, d, overlay.MessageID{1})
	require.Len(t, routing.refreshes, 1, "expected 1 group refresh broadcast")

	refreshGroup, _, err := DecodeRefreshPayload(routing.refreshes[0])
	require.NoError(t, err)
	require.NotNil(t, refreshGroup, "expected a group refresh token")
	e.HandleGroupRefresh(*refreshGroup)

	// A second Put of the same immutable chunk must short-circuit as
	// idempotent, without another pending-write/refresh round.
	e.HandlePut(client, group, d, overlay.MessageID{2})

	successes := 0
	for _, m := range routing.mutations {
		if m.ok {
			successes++
		}
	}
	assert.Equal(t, 2, successes, "expected exactly 2 PutSuccess responses for idempotent immutable put")
}

func TestHandlePutDoesNotGuardOnSize(t *testing.T) {
	e, routing, _ := newTestEngine(t)
	client := overlay.ClientAuthority(peerID(9))
	group := overlay.NaeManagerAuthority(engineName(10))

	oversized := overlay.NewImmutable(engineName(10), make([]byte, overlay.MaxDataSize+1))
	e.HandlePut(client, group, oversized, overlay.MessageID{1})

	for _, m := range routing.mutations {
		assert.NotEqual(t, overlay.MutationErrorDataTooLarge, m.err.Kind, "Put must not reject on size")
	}
	require.Len(t, routing.refreshes, 1, "expected the oversized immutable put to proceed to a group refresh")
}

func TestStructuredPostMonotonicVersion(t *testing.T) {
	e, routing, store := newTestEngine(t)
	client := overlay.ClientAuthority(peerID(9))
	group := overlay.NaeManagerAuthority(engineName(2))

	base := overlay.NewStructured(engineName(2), 100000, 0, "owner", []byte("v0"))
	require.NoError(t, store.Put(base.ID(), base))

	next := overlay.NewStructured(engineName(2), 100000, 1, "owner", []byte("v1"))
	e.HandlePost(client, group, next, overlay.MessageID{1})

	require.Len(t, routing.refreshes, 1, "expected a group refresh")
	refreshGroup, _, err := DecodeRefreshPayload(routing.refreshes[0])
	require.NoError(t, err)
	e.HandleGroupRefresh(*refreshGroup)

	stored, err := store.Get(next.ID())
	require.NoError(t, err, "expected stored data after commit")
	assert.Equal(t, overlay.Version(1), stored.Version)
}

func TestPostAgainstDeletedDataIsInvalidOperation(t *testing.T) {
	e, routing, store := newTestEngine(t)
	client := overlay.ClientAuthority(peerID(9))
	group := overlay.NaeManagerAuthority(engineName(11))

	tombstone := overlay.NewStructured(engineName(11), 100000, 1, "owner", nil)
	tombstone.Deleted = true
	require.NoError(t, store.Put(tombstone.ID(), tombstone))

	next := overlay.NewStructured(engineName(11), 100000, 2, "owner", []byte("v2"))
	e.HandlePost(client, group, next, overlay.MessageID{1})

	require.Len(t, routing.mutations, 1)
	m := routing.mutations[0]
	assert.False(t, m.ok)
	assert.Equal(t, overlay.MutationErrorInvalidOperation, m.err.Kind, "posting to a deleted chunk must be InvalidOperation, not InvalidSuccessor")
}

func TestDeleteAgainstDeletedDataIsInvalidOperation(t *testing.T) {
	e, routing, store := newTestEngine(t)
	client := overlay.ClientAuthority(peerID(9))
	group := overlay.NaeManagerAuthority(engineName(12))

	tombstone := overlay.NewStructured(engineName(12), 100000, 1, "owner", nil)
	tombstone.Deleted = true
	require.NoError(t, store.Put(tombstone.ID(), tombstone))

	next := tombstone
	next.Version = 2
	next.Deleted = true
	e.HandleDelete(client, group, next, overlay.MessageID{1})

	require.Len(t, routing.mutations, 1)
	m := routing.mutations[0]
	assert.False(t, m.ok)
	assert.Equal(t, overlay.MutationErrorInvalidOperation, m.err.Kind, "deleting an already-deleted chunk must be InvalidOperation, not InvalidSuccessor")
}

func TestDeleteAgainstMissingDataDoesNotLeavePendingWrite(t *testing.T) {
	e, routing, _ := newTestEngine(t)
	client := overlay.ClientAuthority(peerID(9))
	group := overlay.NaeManagerAuthority(engineName(13))

	missing := overlay.NewStructured(engineName(13), 100000, 1, "owner", nil)
	missing.Deleted = true
	e.HandleDelete(client, group, missing, overlay.MessageID{1})

	require.Len(t, routing.mutations, 1)
	assert.Equal(t, overlay.MutationErrorNoSuchData, routing.mutations[0].err.Kind)
	assert.Empty(t, routing.refreshes, "a delete of nonexistent data must not enqueue a pending write or refresh")

	// Advancing past the pending-write timeout and running CheckTimeouts
	// must not produce a second, spurious failure for this delete.
	routing.mutations = nil
	e.clock.(*fixedClock).now = e.clock.(*fixedClock).now.Add(PendingWriteTimeout + time.Second)
	e.CheckTimeouts()
	assert.Empty(t, routing.mutations, "expected no spurious timeout failure for a delete that was rejected synchronously")
}

func TestDeleteThenReputScenario(t *testing.T) {
	e, routing, store := newTestEngine(t)
	client := overlay.ClientAuthority(peerID(9))
	group := overlay.NaeManagerAuthority(engineName(3))

	base := overlay.NewStructured(engineName(3), 100000, 0, "owner-a", []byte("v0"))
	require.NoError(t, store.Put(base.ID(), base))

	tombstoneCandidate := base
	tombstoneCandidate.Version = 1
	tombstoneCandidate.Deleted = true
	e.HandleDelete(client, group, tombstoneCandidate, overlay.MessageID{1})
	commitRefresh(t, e, routing)

	stored, err := store.Get(base.ID())
	require.NoError(t, err)
	assert.True(t, stored.Deleted, "expected tombstone after delete")

	routing.mutations = nil
	routing.refreshes = nil
	reputSameVersion := overlay.NewStructured(engineName(3), 100000, 0, "owner-a", []byte("v0-again"))
	e.HandlePut(client, group, reputSameVersion, overlay.MessageID{2})
	foundDataExists := false
	for _, m := range routing.mutations {
		if !m.ok && m.err.Kind == overlay.MutationErrorDataExists {
			foundDataExists = true
		}
	}
	assert.True(t, foundDataExists, "expected Put at stale version against a tombstone to fail DataExists")

	routing.mutations = nil
	routing.refreshes = nil
	reputNextVersion := overlay.NewStructured(engineName(3), 100000, 2, "owner-b", []byte("v2"))
	e.HandlePut(client, group, reputNextVersion, overlay.MessageID{3})
	commitRefresh(t, e, routing)

	stored, err = store.Get(base.ID())
	require.NoError(t, err)
	assert.False(t, stored.Deleted)
	assert.Equal(t, "owner-b", stored.Owner, "expected successful reput by new owner")
}

func commitRefresh(t *testing.T, e *Engine, routing *fakeRouting) {
	t.Helper()
	require.NotEmpty(t, routing.refreshes, "expected a pending group refresh to commit")
	group, _, err := DecodeRefreshPayload(routing.refreshes[len(routing.refreshes)-1])
	require.NoError(t, err)
	require.NotNil(t, group, "expected group refresh token")
	e.HandleGroupRefresh(*group)
}

func TestOversizedAppendRejected(t *testing.T) {
	e, routing, store := newTestEngine(t)
	client := overlay.ClientAuthority(peerID(9))
	group := overlay.NaeManagerAuthority(engineName(4))

	items := map[[32]byte]overlay.AppendItem{}
	big := overlay.NewAppendable(overlay.KindPubAppendable, engineName(4), 0, "owner", items)
	for i := 0; i < 2500; i++ {
		var ptr [32]byte
		ptr[0] = byte(i % 256)
		ptr[1] = byte(i / 256)
		big.Items[ptr] = overlay.AppendItem{Pointer: ptr, SignedBy: "owner-of-this-item-xxxxxxxxxxxxx"}
	}
	require.NoError(t, store.Put(big.ID(), big))

	var extra [32]byte
	extra[0] = 0xFF
	wrapper := overlay.AppendWrapper{Items: []overlay.AppendItem{{Pointer: extra, SignedBy: "owner"}}, SignedBy: "owner"}
	e.HandleAppend(client, group, big.ID(), wrapper, overlay.MessageID{1})

	found := false
	for _, m := range routing.mutations {
		if !m.ok && m.err.Kind == overlay.MutationErrorDataTooLarge {
			found = true
		}
	}
	assert.True(t, found, "expected oversized append to fail DataTooLarge")
}

func TestHandleGetSuccessAppendableMergesOnEqualVersion(t *testing.T) {
	e, _, store := newTestEngine(t)

	var ptrA, ptrB [32]byte
	ptrA[0] = 1
	ptrB[0] = 2
	stored := overlay.NewAppendable(overlay.KindPubAppendable, engineName(5), 3, "owner", map[[32]byte]overlay.AppendItem{
		ptrA: {Pointer: ptrA, SignedBy: "alice"},
	})
	require.NoError(t, store.Put(stored.ID(), stored))

	received := overlay.NewAppendable(overlay.KindPubAppendable, engineName(5), 3, "owner", map[[32]byte]overlay.AppendItem{
		ptrB: {Pointer: ptrB, SignedBy: "bob"},
	})
	e.HandleGetSuccess(peerID(7), received)

	merged, err := store.Get(stored.ID())
	require.NoError(t, err, "expected merged data stored")
	assert.Len(t, merged.Items, 2, "expected union of 2 items after equal-version merge")
}

func TestCheckTimeoutsFailsExpiredPendingWrites(t *testing.T) {
	e, routing, _ := newTestEngine(t)
	client := overlay.ClientAuthority(peerID(9))
	group := overlay.NaeManagerAuthority(engineName(6))

	d := overlay.NewImmutable(engineName(6), []byte("v"))
	e.HandlePut(client, group, d, overlay.MessageID{1})
	routing.mutations = nil

	e.clock.(*fixedClock).now = e.clock.(*fixedClock).now.Add(PendingWriteTimeout + time.Second)
	e.CheckTimeouts()

	found := false
	for _, m := range routing.mutations {
		if !m.ok && m.err.Kind == overlay.MutationErrorNetworkOther {
			found = true
		}
	}
	assert.True(t, found, "expected expired pending write to fail with NetworkOther on CheckTimeouts")
}
