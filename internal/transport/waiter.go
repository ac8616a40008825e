package transport

import (
	"sync"

	"vaultd/internal/overlay"
)

// clientResult is whatever the engine eventually hands back to a client
// authority: either a successful Get/mutation payload or an error.
type clientResult struct {
	data     *overlay.Data
	getErr   *overlay.GetError
	mutation *overlay.IdAndVersion
	mutErr   *overlay.MutationError
}

// clientWaiter bridges the engine's fire-and-forget Send* calls (§5) back
// to a blocking HTTP handler. The engine never returns a value to its
// caller — every response is itself an outbound message addressed to a
// client authority — so a client-facing HTTP request registers a waiter
// keyed by its own MessageID, and the routing adapter used for client
// traffic delivers into that waiter instead of dialling out over the
// network.
type clientWaiter struct {
	mu      sync.Mutex
	pending map[overlay.MessageID]chan clientResult
}

func newClientWaiter() *clientWaiter {
	return &clientWaiter{pending: make(map[overlay.MessageID]chan clientResult)}
}

func (w *clientWaiter) register(msgID overlay.MessageID) chan clientResult {
	ch := make(chan clientResult, 1)
	w.mu.Lock()
	w.pending[msgID] = ch
	w.mu.Unlock()
	return ch
}

func (w *clientWaiter) forget(msgID overlay.MessageID) {
	w.mu.Lock()
	delete(w.pending, msgID)
	w.mu.Unlock()
}

func (w *clientWaiter) deliver(msgID overlay.MessageID, result clientResult) bool {
	w.mu.Lock()
	ch, ok := w.pending[msgID]
	if ok {
		delete(w.pending, msgID)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- result
	return true
}

// bridgingRouting wraps a real overlay.RoutingAdapter, intercepting the
// four Send* calls that can be addressed to a client authority and
// delivering them into the waiter instead of dispatching over the wire.
// Every other call (peer Gets, mutation fan-out, group refreshes) is
// delegated unchanged to the wrapped adapter.
type bridgingRouting struct {
	overlay.RoutingAdapter
	waiter *clientWaiter
}

func newBridgingRouting(inner overlay.RoutingAdapter, waiter *clientWaiter) *bridgingRouting {
	return &bridgingRouting{RoutingAdapter: inner, waiter: waiter}
}

func (b *bridgingRouting) SendGetSuccess(src, dst overlay.Authority, data overlay.Data, msgID overlay.MessageID) {
	if dst.Kind == overlay.AuthorityClient && b.waiter.deliver(msgID, clientResult{data: &data}) {
		return
	}
	b.RoutingAdapter.SendGetSuccess(src, dst, data, msgID)
}

func (b *bridgingRouting) SendGetFailure(src, dst overlay.Authority, id overlay.DataId, err overlay.GetError, msgID overlay.MessageID) {
	if dst.Kind == overlay.AuthorityClient && b.waiter.deliver(msgID, clientResult{getErr: &err}) {
		return
	}
	b.RoutingAdapter.SendGetFailure(src, dst, id, err, msgID)
}

func (b *bridgingRouting) SendMutationSuccess(kind overlay.MutationKind, src, dst overlay.Authority, idv overlay.IdAndVersion, msgID overlay.MessageID) {
	if dst.Kind == overlay.AuthorityClient && b.waiter.deliver(msgID, clientResult{mutation: &idv}) {
		return
	}
	b.RoutingAdapter.SendMutationSuccess(kind, src, dst, idv, msgID)
}

func (b *bridgingRouting) SendMutationFailure(kind overlay.MutationKind, src, dst overlay.Authority, id overlay.DataId, err overlay.MutationError, msgID overlay.MessageID) {
	if dst.Kind == overlay.AuthorityClient && b.waiter.deliver(msgID, clientResult{mutErr: &err}) {
		return
	}
	b.RoutingAdapter.SendMutationFailure(kind, src, dst, id, err, msgID)
}
