package overlay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"
)

// RoutingAdapter is the outbound capability the Data Manager engine
// depends on abstractly (§4.5). The per-mutation-kind send methods named
// in the spec (send_put_success, send_post_failure, ...) are collapsed
// into SendMutationSuccess/SendMutationFailure parameterised by
// MutationKind — the eight methods are otherwise identical in shape, and
// Go favours one parameterised method over eight copies.
//
// Every Send* call is fire-and-forget (§5): the engine never blocks on
// delivery, and the routing layer is responsible for retrying
// undelivered messages.
type RoutingAdapter interface {
	OwnName() PeerID
	CloseGroup(name [32]byte, groupSize int) (group []PeerID, ok bool)

	SendGetRequest(src, dst Authority, id DataId, msgID MessageID)
	SendGetSuccess(src, dst Authority, data Data, msgID MessageID)
	SendGetFailure(src, dst Authority, id DataId, err GetError, msgID MessageID)

	SendMutationSuccess(kind MutationKind, src, dst Authority, idv IdAndVersion, msgID MessageID)
	SendMutationFailure(kind MutationKind, src, dst Authority, id DataId, err MutationError, msgID MessageID)

	SendRefreshRequest(src, dst Authority, payload []byte, msgID MessageID)
}

// AddressBook resolves a peer name to a reachable network address. In
// production this is backed by the overlay's own routing table; tests
// substitute a static map.
type AddressBook interface {
	Address(peer PeerID) (string, bool)
}

// StaticAddressBook is a fixed peer->address map, the shape the teacher
// uses for its --peers flag (cmd/server/main.go).
type StaticAddressBook struct {
	addrs map[PeerID]string
}

// NewStaticAddressBook builds an AddressBook from a fixed map.
func NewStaticAddressBook(addrs map[PeerID]string) *StaticAddressBook {
	return &StaticAddressBook{addrs: addrs}
}

// Address implements AddressBook.
func (b *StaticAddressBook) Address(peer PeerID) (string, bool) {
	a, ok := b.addrs[peer]
	return a, ok
}

// Set records or updates a peer's address.
func (b *StaticAddressBook) Set(peer PeerID, addr string) {
	b.addrs[peer] = addr
}

// HTTPRoutingAdapter implements RoutingAdapter over plain HTTP, grounded
// on the teacher's cluster.Replicator: a shared *http.Client with a fixed
// timeout, exponential-backoff retries for transient failures, and
// JSON-encoded request bodies (internal/cluster/replicator.go,
// sendReplicateRequest/doHTTPReplicate).
type HTTPRoutingAdapter struct {
	self      PeerID
	members   *Membership
	book      AddressBook
	client    *http.Client
	logger    *log.Logger
	groupSize int
}

// NewHTTPRoutingAdapter builds a RoutingAdapter backed by HTTP peer
// messaging. groupSize is used only to resolve NaeManager ("the group
// addressing itself") destinations into a concrete peer fan-out.
func NewHTTPRoutingAdapter(self PeerID, members *Membership, book AddressBook, groupSize int, logger *log.Logger) *HTTPRoutingAdapter {
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPRoutingAdapter{
		self:      self,
		members:   members,
		book:      book,
		client:    &http.Client{Timeout: 5 * time.Second},
		logger:    logger,
		groupSize: groupSize,
	}
}

// OwnName implements RoutingAdapter.
func (a *HTTPRoutingAdapter) OwnName() PeerID { return a.self }

// CloseGroup implements RoutingAdapter.
func (a *HTTPRoutingAdapter) CloseGroup(name [32]byte, groupSize int) ([]PeerID, bool) {
	return a.members.CloseGroup(name, groupSize)
}

// post dispatches body to path. A NaeManager destination names a data
// id, not a peer: the message is fanned out to every current member of
// that id's close group, including self (self is dispatched over HTTP
// too, to its own listening address, so group refreshes reach this
// node's own handler the same way they reach every other member's).
func (a *HTTPRoutingAdapter) post(dst Authority, path string, body any) {
	if dst.Kind == AuthorityNaeManager {
		group, ok := a.members.CloseGroup(dst.Name, a.groupSize)
		if !ok || len(group) == 0 {
			a.logger.Printf("datamanager: not in close group for %x, dropping group message to %s", dst.Name, path)
			return
		}
		for _, peer := range group {
			a.postToPeer(peer, path, body)
		}
		return
	}
	a.postToPeer(dst.Name, path, body)
}

func (a *HTTPRoutingAdapter) postToPeer(peer PeerID, path string, body any) {
	addr, ok := a.book.Address(peer)
	if !ok {
		a.logger.Printf("datamanager: no address for peer %x, dropping message to %s", peer, path)
		return
	}
	go a.postWithRetry(addr, path, body)
}

// postWithRetry mirrors the teacher's sendReplicateRequest: up to three
// attempts with exponential backoff, best-effort (errors are logged, not
// surfaced, matching the fire-and-forget contract of §5).
func (a *HTTPRoutingAdapter) postWithRetry(addr, path string, body any) {
	const maxRetries = 3
	data, err := json.Marshal(body)
	if err != nil {
		a.logger.Printf("datamanager: marshal %s: %v", path, err)
		return
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))*100) * time.Millisecond
			time.Sleep(delay)
		}
		if a.doPost(addr, path, data) {
			return
		}
	}
	a.logger.Printf("datamanager: giving up delivering %s to %s after %d attempts", path, addr, maxRetries)
}

func (a *HTTPRoutingAdapter) doPost(addr, path string, data []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}

// SendGetRequest implements RoutingAdapter.
func (a *HTTPRoutingAdapter) SendGetRequest(src, dst Authority, id DataId, msgID MessageID) {
	a.post(dst, "/peer/get", getRequestMsg{wireEnvelope: wireEnvelope{MsgID: msgID, Src: src, Dst: dst}, Id: id})
}

// SendGetSuccess implements RoutingAdapter.
func (a *HTTPRoutingAdapter) SendGetSuccess(src, dst Authority, data Data, msgID MessageID) {
	a.post(dst, "/peer/get-success", getSuccessMsg{wireEnvelope: wireEnvelope{MsgID: msgID, Src: src, Dst: dst}, Data: data})
}

// SendGetFailure implements RoutingAdapter.
func (a *HTTPRoutingAdapter) SendGetFailure(src, dst Authority, id DataId, err GetError, msgID MessageID) {
	a.post(dst, "/peer/get-failure", getFailureMsg{wireEnvelope: wireEnvelope{MsgID: msgID, Src: src, Dst: dst}, Id: id, Error: err})
}

// SendMutationSuccess implements RoutingAdapter.
func (a *HTTPRoutingAdapter) SendMutationSuccess(kind MutationKind, src, dst Authority, idv IdAndVersion, msgID MessageID) {
	a.post(dst, mutationPath(kind, true), mutationSuccessMsg{wireEnvelope: wireEnvelope{MsgID: msgID, Src: src, Dst: dst}, IdAndVersion: idv})
}

// SendMutationFailure implements RoutingAdapter.
func (a *HTTPRoutingAdapter) SendMutationFailure(kind MutationKind, src, dst Authority, id DataId, err MutationError, msgID MessageID) {
	a.post(dst, mutationPath(kind, false), mutationFailureMsg{wireEnvelope: wireEnvelope{MsgID: msgID, Src: src, Dst: dst}, Id: id, Error: err})
}

// SendRefreshRequest implements RoutingAdapter.
func (a *HTTPRoutingAdapter) SendRefreshRequest(src, dst Authority, payload []byte, msgID MessageID) {
	a.post(dst, "/peer/refresh", refreshRequestMsg{wireEnvelope: wireEnvelope{MsgID: msgID, Src: src, Dst: dst}, Payload: payload})
}

func mutationPath(kind MutationKind, success bool) string {
	suffix := "failure"
	if success {
		suffix = "success"
	}
	switch kind {
	case MutationPut:
		return "/peer/put-" + suffix
	case MutationPost:
		return "/peer/post-" + suffix
	case MutationDelete:
		return "/peer/delete-" + suffix
	case MutationAppend:
		return "/peer/append-" + suffix
	default:
		return "/peer/mutation-" + suffix
	}
}
