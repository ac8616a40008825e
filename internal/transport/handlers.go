package transport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"vaultd/internal/datamanager"
	"vaultd/internal/overlay"
)

// Handler holds every dependency the HTTP surface needs, the same shape
// as the teacher's api.Handler holding its store/replicator/membership.
type Handler struct {
	engine    *datamanager.Engine
	loop      *datamanager.EventLoop
	members   *overlay.Membership
	self      overlay.PeerID
	groupSize int
	waiter    *clientWaiter

	clientTimeout time.Duration
}

// NewHandler builds a Handler. engine's routing adapter must already be
// wrapped so client-addressed Sends are delivered back through waiter —
// see WrapClientRouting.
func NewHandler(engine *datamanager.Engine, loop *datamanager.EventLoop, members *overlay.Membership, self overlay.PeerID, groupSize int, waiter *clientWaiter) *Handler {
	return &Handler{
		engine:        engine,
		loop:          loop,
		members:       members,
		self:          self,
		groupSize:     groupSize,
		waiter:        waiter,
		clientTimeout: 10 * time.Second,
	}
}

// NewClientWaiter and WrapClientRouting are exported so cmd/vaultd can
// build the bridging routing adapter before constructing the Engine, and
// hand the same waiter back here.
func NewClientWaiter() *clientWaiter { return newClientWaiter() }

// WrapClientRouting wraps inner so Sends addressed to a client authority
// resolve the waiter this Handler was built with, instead of being
// dispatched over the wire.
func WrapClientRouting(inner overlay.RoutingAdapter, waiter *clientWaiter) overlay.RoutingAdapter {
	return newBridgingRouting(inner, waiter)
}

// Register mounts every route on r.
func (h *Handler) Register(r *gin.Engine) {
	client := r.Group("/client")
	client.POST("/get", h.clientGet)
	client.POST("/put", h.clientPut)
	client.POST("/post", h.clientPost)
	client.POST("/delete", h.clientDelete)
	client.POST("/append", h.clientAppend)

	peer := r.Group("/peer")
	peer.POST("/get", h.peerGet)
	peer.POST("/get-success", h.peerGetSuccess)
	peer.POST("/get-failure", h.peerGetFailure)
	peer.POST("/put-success", h.peerMutationSuccess)
	peer.POST("/put-failure", h.peerMutationFailure)
	peer.POST("/post-success", h.peerMutationSuccess)
	peer.POST("/post-failure", h.peerMutationFailure)
	peer.POST("/delete-success", h.peerMutationSuccess)
	peer.POST("/delete-failure", h.peerMutationFailure)
	peer.POST("/append-success", h.peerMutationSuccess)
	peer.POST("/append-failure", h.peerMutationFailure)
	peer.POST("/refresh", h.peerRefresh)

	cluster := r.Group("/cluster")
	cluster.POST("/join", h.clusterJoin)
	cluster.POST("/leave", h.clusterLeave)
	cluster.GET("/nodes", h.clusterNodes)
}

// ─── client-facing handlers ──────────────────────────────────────────────

// clientAuthority builds the client authority for a /client/* request:
// the caller supplies no overlay identity, so the handler mints one
// scoped to this request's MessageID.
func (h *Handler) clientAuthority(msgID overlay.MessageID) overlay.Authority {
	var name overlay.PeerID
	copy(name[:], msgID[:])
	return overlay.ClientAuthority(name)
}

func (h *Handler) awaitClient(c *gin.Context, msgID overlay.MessageID, submit func()) {
	ch := h.waiter.register(msgID)
	h.loop.Submit(submit)

	select {
	case result := <-ch:
		writeClientResult(c, result)
	case <-time.After(h.clientTimeout):
		h.waiter.forget(msgID)
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timed out waiting for group consensus"})
	}
}

func writeClientResult(c *gin.Context, result clientResult) {
	switch {
	case result.data != nil:
		c.JSON(http.StatusOK, result.data)
	case result.getErr != nil:
		c.JSON(http.StatusNotFound, gin.H{"error": result.getErr.Error()})
	case result.mutation != nil:
		c.JSON(http.StatusOK, result.mutation)
	case result.mutErr != nil:
		c.JSON(mutationStatus(result.mutErr.Kind), gin.H{"error": result.mutErr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no response produced"})
	}
}

func mutationStatus(kind overlay.MutationErrorKind) int {
	switch kind {
	case overlay.MutationErrorNoSuchData:
		return http.StatusNotFound
	case overlay.MutationErrorDataExists, overlay.MutationErrorInvalidSuccessor:
		return http.StatusConflict
	case overlay.MutationErrorDataTooLarge:
		return http.StatusRequestEntityTooLarge
	case overlay.MutationErrorInvalidOperation:
		return http.StatusBadRequest
	case overlay.MutationErrorNetworkFull:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) clientGet(c *gin.Context) {
	var req struct {
		Id overlay.DataId `json:"id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msgID := overlay.NewMessageID()
	src := h.clientAuthority(msgID)
	h.awaitClient(c, msgID, func() { h.engine.HandleGet(src, req.Id, msgID) })
}

func (h *Handler) clientPut(c *gin.Context) {
	var data overlay.Data
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msgID := overlay.NewMessageID()
	src := h.clientAuthority(msgID)
	dst := overlay.NaeManagerAuthority(data.ID().Name)
	h.awaitClient(c, msgID, func() { h.engine.HandlePut(src, dst, data, msgID) })
}

func (h *Handler) clientPost(c *gin.Context) {
	var data overlay.Data
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msgID := overlay.NewMessageID()
	src := h.clientAuthority(msgID)
	dst := overlay.NaeManagerAuthority(data.ID().Name)
	h.awaitClient(c, msgID, func() { h.engine.HandlePost(src, dst, data, msgID) })
}

func (h *Handler) clientDelete(c *gin.Context) {
	var data overlay.Data
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msgID := overlay.NewMessageID()
	src := h.clientAuthority(msgID)
	dst := overlay.NaeManagerAuthority(data.ID().Name)
	h.awaitClient(c, msgID, func() { h.engine.HandleDelete(src, dst, data, msgID) })
}

func (h *Handler) clientAppend(c *gin.Context) {
	var req struct {
		Id      overlay.DataId        `json:"id"`
		Wrapper overlay.AppendWrapper `json:"wrapper"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msgID := overlay.NewMessageID()
	src := h.clientAuthority(msgID)
	dst := overlay.NaeManagerAuthority(req.Id.Name)
	h.awaitClient(c, msgID, func() { h.engine.HandleAppend(src, dst, req.Id, req.Wrapper, msgID) })
}

// ─── peer-facing handlers ────────────────────────────────────────────────
//
// Every peer body shares the wire envelope (msg_id/src/dst) the routing
// adapter sends; these handlers bind only the fields the engine needs,
// since the envelope's msg_id/dst round-trip only matters for the
// client-response bridge above, not for peer-to-peer traffic.

func (h *Handler) peerGet(c *gin.Context) {
	var body struct {
		MsgID overlay.MessageID `json:"msg_id"`
		Src   overlay.Authority `json:"src"`
		Id    overlay.DataId    `json:"id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.loop.Submit(func() { h.engine.HandleGet(body.Src, body.Id, body.MsgID) })
	c.Status(http.StatusAccepted)
}

func (h *Handler) peerGetSuccess(c *gin.Context) {
	var body struct {
		Src  overlay.Authority `json:"src"`
		Data overlay.Data      `json:"data"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.loop.Submit(func() { h.engine.HandleGetSuccess(body.Src.Name, body.Data) })
	c.Status(http.StatusAccepted)
}

func (h *Handler) peerGetFailure(c *gin.Context) {
	var body struct {
		Src overlay.Authority `json:"src"`
		Id  overlay.DataId    `json:"id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.loop.Submit(func() { h.engine.HandleGetFailure(body.Src.Name, body.Id) })
	c.Status(http.StatusAccepted)
}

// peerMutationSuccess and peerMutationFailure back every /peer/{put,post,
// delete,append}-{success,failure} route: a node only ever receives these
// when it is itself the original client authority bridged through
// another node's routing layer, which does not arise in the single
// bridging-adapter topology this transport builds, so they answer 202
// and otherwise ignore the body (nothing is applied or logged) — kept so
// a future multi-hop routing adapter has somewhere to wire them.
func (h *Handler) peerMutationSuccess(c *gin.Context) {
	c.Status(http.StatusAccepted)
}

func (h *Handler) peerMutationFailure(c *gin.Context) {
	c.Status(http.StatusAccepted)
}

func (h *Handler) peerRefresh(c *gin.Context) {
	var body struct {
		Src     overlay.Authority `json:"src"`
		Payload []byte            `json:"payload"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	group, list, err := datamanager.DecodeRefreshPayload(body.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch {
	case group != nil:
		h.loop.Submit(func() { h.engine.HandleGroupRefresh(*group) })
	case list != nil:
		h.loop.Submit(func() { h.engine.HandleRefresh(body.Src.Name, *list) })
	}
	c.Status(http.StatusAccepted)
}

// ─── cluster management ──────────────────────────────────────────────────

func (h *Handler) clusterJoin(c *gin.Context) {
	var body struct {
		Id overlay.PeerID `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	event := h.members.Join(body.Id)
	h.loop.Submit(func() { h.engine.HandleNodeAdded(event.Name) })
	c.JSON(http.StatusOK, gin.H{"joined": body.Id})
}

func (h *Handler) clusterLeave(c *gin.Context) {
	var body struct {
		Id overlay.PeerID `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	event := h.members.Leave(body.Id)
	h.loop.Submit(func() { h.engine.HandleNodeLost(event.Name) })
	c.JSON(http.StatusOK, gin.H{"left": body.Id})
}

func (h *Handler) clusterNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": h.members.All(), "self": h.self})
}
