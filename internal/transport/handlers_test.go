package transport

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultd/internal/chunkstore"
	"vaultd/internal/datamanager"
	"vaultd/internal/overlay"
)

func discardLogger() *log.Logger {
	return log.New(discardWriter{}, "", 0)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// loopbackRouting simulates single-hop network delivery in-process: a
// group refresh addressed to the NaeManager is applied directly against
// the one engine under test, standing in for what would otherwise be an
// HTTP round trip to every close-group member (this test only exercises
// a close group of size one, so "every member" is just self).
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

func testPeer(b byte) overlay.PeerID {
	var p overlay.PeerID
	p[0] = b
	return p
}

func newTestHandler(t *testing.T) (*gin.Engine, *datamanager.EventLoop) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	self := testPeer(1)
	store, err := chunkstore.New(t.TempDir(), chunkstore.DefaultMaxCapacity)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	members := overlay.NewMembership(self, nil)
	waiter := newClientWaiter()
	loopback := &loopbackRouting{self: self}
	routing := newBridgingRouting(loopback, waiter)

	engine := datamanager.NewEngine(self, store, routing, members, overlay.SystemClock{}, discardLogger(), 1)
	loopback.engine = engine

	loop := datamanager.NewEventLoop(16)
	go loop.Run()
	t.Cleanup(loop.Stop)

	handler := NewHandler(engine, loop, members, self, 1, waiter)
	router := gin.New()
	handler.Register(router)
	return router, loop
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestClientPutThenGetRoundTrip(t *testing.T) {
	router, _ := newTestHandler(t)

	var name [32]byte
	name[0] = 0xAA
	data := overlay.NewImmutable(name, []byte("hello vault"))

	rec := doJSON(t, router, http.MethodPost, "/client/put", data)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodPost, "/client/get", map[string]overlay.DataId{"id": overlay.ImmutableId(name)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got overlay.Data
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "hello vault", string(got.Payload))
}

func TestClientGetMissingReturns404(t *testing.T) {
	router, _ := newTestHandler(t)

	var name [32]byte
	name[0] = 0xBB
	rec := doJSON(t, router, http.MethodPost, "/client/get", map[string]overlay.DataId{"id": overlay.ImmutableId(name)})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClientPutOversizedIsAccepted(t *testing.T) {
	router, _ := newTestHandler(t)

	var name [32]byte
	name[0] = 0xCC
	data := overlay.NewImmutable(name, make([]byte, overlay.MaxDataSize+1))

	// Put carries no size guard (only Post and Append do), so an oversized
	// immutable chunk goes through consensus and commits like any other.
	rec := doJSON(t, router, http.MethodPost, "/client/put", data)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestClusterJoinLeaveAndList(t *testing.T) {
	router, loop := newTestHandler(t)
	peer := testPeer(2)

	rec := doJSON(t, router, http.MethodPost, "/cluster/join", map[string]overlay.PeerID{"id": peer})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// drain the event loop before listing, so HandleNodeAdded has run.
	loop.SubmitWait(func() {})

	req := httptest.NewRequest(http.MethodGet, "/cluster/nodes", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"nodes"`)

	rec = doJSON(t, router, http.MethodPost, "/cluster/leave", map[string]overlay.PeerID{"id": peer})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestPeerGetAccepted(t *testing.T) {
	router, loop := newTestHandler(t)

	body := map[string]any{
		"msg_id": overlay.NewMessageID(),
		"src":    overlay.NodeAuthority(testPeer(3)),
		"id":     overlay.ImmutableId([32]byte{0xDD}),
	}
	rec := doJSON(t, router, http.MethodPost, "/peer/get", body)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	loop.SubmitWait(func() {})
}

func TestClientPostAgainstMissingDataReturns404(t *testing.T) {
	router, _ := newTestHandler(t)

	var name [32]byte
	name[0] = 0xEE
	rec := doJSON(t, router, http.MethodPost, "/client/post", overlay.NewStructured(name, 1, 1, "owner", []byte("v1")))
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}
