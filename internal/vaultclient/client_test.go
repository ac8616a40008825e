package vaultclient_test

import (
	"context"
	"log"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultd/internal/chunkstore"
	"vaultd/internal/datamanager"
	"vaultd/internal/overlay"
	"vaultd/internal/transport"
	"vaultd/internal/vaultclient"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// loopbackRouting mirrors transport's own test double: a group refresh
// addressed to a close group of size one is applied directly to the one
// engine under test, standing in for the peer HTTP round trip.
type loopbackRouting struct {
	self   overlay.PeerID
	engine *datamanager.Engine
}

func (l *loopbackRouting) OwnName() overlay.PeerID { return l.self }
func (l *loopbackRouting) CloseGroup(name [32]byte, groupSize int) ([]overlay.PeerID, bool) {
	return []overlay.PeerID{l.self}, true
}
func (l *loopbackRouting) SendGetRequest(src, dst overlay.Authority, id overlay.DataId, msgID overlay.MessageID) {
}
func (l *loopbackRouting) SendGetSuccess(src, dst overlay.Authority, data overlay.Data, msgID overlay.MessageID) {
}
func (l *loopbackRouting) SendGetFailure(src, dst overlay.Authority, id overlay.DataId, err overlay.GetError, msgID overlay.MessageID) {
}
func (l *loopbackRouting) SendMutationSuccess(kind overlay.MutationKind, src, dst overlay.Authority, idv overlay.IdAndVersion, msgID overlay.MessageID) {
}
func (l *loopbackRouting) SendMutationFailure(kind overlay.MutationKind, src, dst overlay.Authority, id overlay.DataId, err overlay.MutationError, msgID overlay.MessageID) {
}
func (l *loopbackRouting) SendRefreshRequest(src, dst overlay.Authority, payload []byte, msgID overlay.MessageID) {
	group, list, err := datamanager.DecodeRefreshPayload(payload)
	if err != nil {
		return
	}
	if group != nil {
		l.engine.HandleGroupRefresh(*group)
	}
	if list != nil {
		l.engine.HandleRefresh(src.Name, *list)
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var self overlay.PeerID
	self[0] = 0x01
	store, err := chunkstore.New(t.TempDir(), chunkstore.DefaultMaxCapacity)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	members := overlay.NewMembership(self, nil)
	waiter := transport.NewClientWaiter()
	loopback := &loopbackRouting{self: self}
	routing := transport.WrapClientRouting(loopback, waiter)

	logger := log.New(discardWriter{}, "", 0)
	engine := datamanager.NewEngine(self, store, routing, members, overlay.SystemClock{}, logger, 1)
	loopback.engine = engine

	loop := datamanager.NewEventLoop(16)
	go loop.Run()
	t.Cleanup(loop.Stop)

	handler := transport.NewHandler(engine, loop, members, self, 1, waiter)
	router := gin.New()
	handler.Register(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientPutGetRoundTripOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	c := vaultclient.New(srv.URL, 0)
	ctx := context.Background()

	var name [32]byte
	name[0] = 0xAA
	data := overlay.NewImmutable(name, []byte("through the wire"))

	_, err := c.Put(ctx, data)
	require.NoError(t, err)

	got, err := c.Get(ctx, overlay.ImmutableId(name))
	require.NoError(t, err)
	assert.Equal(t, "through the wire", string(got.Payload))
}

func TestClientGetMissingReturnsErrNotFound(t *testing.T) {
	srv := newTestServer(t)
	c := vaultclient.New(srv.URL, 0)

	var name [32]byte
	name[0] = 0xBB
	_, err := c.Get(context.Background(), overlay.ImmutableId(name))
	assert.Equal(t, vaultclient.ErrNotFound, err)
}

func TestClusterJoinAndNodes(t *testing.T) {
	srv := newTestServer(t)
	c := vaultclient.New(srv.URL, 0)

	var peer overlay.PeerID
	peer[0] = 0x02
	require.NoError(t, c.JoinCluster(context.Background(), peer))

	raw, err := c.ClusterNodes(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, raw, "expected a non-empty node list")
}
