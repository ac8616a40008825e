package overlay

import "github.com/google/uuid"

// NewMessageID mints a fresh correlation id for an outbound request. Using
// a real UUID generator (rather than a counter) matches how the broader
// retrieval pack's distributed systems mint correlation ids for
// cross-node requests (e.g. cuemby-warren's use of github.com/google/uuid
// throughout its manager/worker RPCs).
func NewMessageID() MessageID {
	return MessageID(uuid.New())
}
