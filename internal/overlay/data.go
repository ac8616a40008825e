package overlay

import (
	"encoding/hex"
	"encoding/json"
	"errors"
)

// MaxDataSize is the DataTooLarge limit on Data.Size() that Post and
// Append enforce. Put does not check it.
const MaxDataSize = 102400

// Sentinel errors returned by the per-kind mutation rules below. The
// DataManager engine maps these onto the MutationError taxonomy of §6/§7.
var (
	ErrInvalidSuccessor = errors.New("invalid successor")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrDataTooLarge     = errors.New("data too large")
)

// AppendItem is one entry in an appendable data's item set. Pointer is a
// content-addressed reference to the appended chunk; SignedBy records
// whose append this is, enough to support the owner/signer checks in the
// Post error taxonomy (§8 scenario 6) without modelling full public-key
// cryptography, which is explicitly out of scope (§1 Non-goals).
type AppendItem struct {
	Pointer  [32]byte
	SignedBy string
}

func (a AppendItem) size() int { return len(a.Pointer) + len(a.SignedBy) }

// Data is the tagged-variant payload type matching DataId. Only the
// fields relevant to its Kind are meaningful; this mirrors §9's
// "Polymorphism over Data kinds" design note.
type Data struct {
	Kind    DataKind
	Name    [32]byte
	Tag     uint64 // Structured only
	Version Version
	Owner   string
	Deleted bool // Structured tombstone marker
	Payload []byte
	Items   map[[32]byte]AppendItem // PubAppendable / PrivAppendable item set
}

// dataJSON mirrors Data but with Items keyed by hex string, since
// encoding/json refuses non-string map keys and [32]byte arrays don't
// implement TextMarshaler.
type dataJSON struct {
	Kind    DataKind                `json:"kind"`
	Name    [32]byte                `json:"name"`
	Tag     uint64                  `json:"tag,omitempty"`
	Version Version                 `json:"version"`
	Owner   string                  `json:"owner,omitempty"`
	Deleted bool                    `json:"deleted,omitempty"`
	Payload []byte                `json:"payload,omitempty"`
	Items   map[string]AppendItem `json:"items,omitempty"`
}

// MarshalJSON implements json.Marshaler, re-keying Items by hex string so
// the write-ahead log chunkstore uses can round-trip appendable chunks.
func (d Data) MarshalJSON() ([]byte, error) {
	aux := dataJSON{
		Kind: d.Kind, Name: d.Name, Tag: d.Tag, Version: d.Version,
		Owner: d.Owner, Deleted: d.Deleted, Payload: d.Payload,
	}
	if len(d.Items) > 0 {
		aux.Items = make(map[string]AppendItem, len(d.Items))
		for k, v := range d.Items {
			aux.Items[hex.EncodeToString(k[:])] = v
		}
	}
	return json.Marshal(aux)
}

// UnmarshalJSON implements json.Unmarshaler, the inverse of MarshalJSON.
func (d *Data) UnmarshalJSON(b []byte) error {
	var aux dataJSON
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*d = Data{
		Kind: aux.Kind, Name: aux.Name, Tag: aux.Tag, Version: aux.Version,
		Owner: aux.Owner, Deleted: aux.Deleted, Payload: aux.Payload,
	}
	if len(aux.Items) > 0 {
		d.Items = make(map[[32]byte]AppendItem, len(aux.Items))
		for k, v := range aux.Items {
			raw, err := hex.DecodeString(k)
			if err != nil || len(raw) != 32 {
				return errors.New("overlay: invalid item key in data json")
			}
			var key [32]byte
			copy(key[:], raw)
			d.Items[key] = v
		}
	}
	return nil
}

// NewImmutable builds an immutable chunk. Version is always 0.
func NewImmutable(name [32]byte, payload []byte) Data {
	return Data{Kind: KindImmutable, Name: name, Payload: payload}
}

// NewStructured builds a structured chunk at the given version.
func NewStructured(name [32]byte, tag uint64, version Version, owner string, payload []byte) Data {
	return Data{Kind: KindStructured, Name: name, Tag: tag, Version: version, Owner: owner, Payload: payload}
}

// NewAppendable builds a Pub/PrivAppendable chunk; kind must be
// KindPubAppendable or KindPrivAppendable.
func NewAppendable(kind DataKind, name [32]byte, version Version, owner string, items map[[32]byte]AppendItem) Data {
	if items == nil {
		items = map[[32]byte]AppendItem{}
	}
	return Data{Kind: kind, Name: name, Version: version, Owner: owner, Items: items}
}

// ID returns the DataId this Data was constructed from.
func (d Data) ID() DataId {
	if d.Kind == KindStructured {
		return StructuredId(d.Name, d.Tag)
	}
	return DataId{Kind: d.Kind, Name: d.Name}
}

// IdAndVersion returns the canonical (DataId, Version) identity.
func (d Data) IdAndVersion() IdAndVersion {
	return IdAndVersion{Id: d.ID(), Version: d.Version}
}

// Size returns the size used for the DataTooLarge guard: the payload
// length for immutable and structured data, and the summed pointer and
// signer lengths of the items for appendable data. It is not the size of
// the serialised encoding.
func (d Data) Size() int {
	switch d.Kind {
	case KindImmutable, KindStructured:
		return len(d.Payload)
	case KindPubAppendable, KindPrivAppendable:
		total := 0
		for _, it := range d.Items {
			total += it.size()
		}
		return total
	default:
		return 0
	}
}

// cloneItems returns a shallow copy of an item set, safe to mutate
// independently of the source Data.
func cloneItems(src map[[32]byte]AppendItem) map[[32]byte]AppendItem {
	out := make(map[[32]byte]AppendItem, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// ReplaceWithOther validates a structured Post: the existing chunk must
// not be deleted, and next must be exactly one version ahead with a
// matching owner. Posting against an already-deleted chunk is reported
// as ErrInvalidOperation, reserving ErrInvalidSuccessor for genuine
// version/owner mismatches against a live chunk.
func ReplaceWithOther(existing, next Data) (Data, error) {
	if existing.Kind != KindStructured || next.Kind != KindStructured {
		return Data{}, ErrInvalidOperation
	}
	if existing.Deleted {
		return Data{}, ErrInvalidOperation
	}
	if next.Version != existing.Version+1 {
		return Data{}, ErrInvalidSuccessor
	}
	if next.Owner != existing.Owner {
		return Data{}, ErrInvalidSuccessor
	}
	return next, nil
}

// DeleteIfValidSuccessor validates a structured Delete: next must be one
// version ahead, existing must not already be deleted, and next must
// carry Deleted=true. Returns the tombstone to be stored. Deleting an
// already-deleted chunk is reported as ErrInvalidOperation, reserving
// ErrInvalidSuccessor for genuine version mismatches against a live chunk.
func DeleteIfValidSuccessor(existing, next Data) (Data, error) {
	if existing.Kind != KindStructured {
		return Data{}, ErrInvalidOperation
	}
	if existing.Deleted {
		return Data{}, ErrInvalidOperation
	}
	if next.Version != existing.Version+1 || !next.Deleted {
		return Data{}, ErrInvalidSuccessor
	}
	tombstone := next
	tombstone.Payload = nil
	tombstone.Deleted = true
	return tombstone, nil
}

// UpdateWithOther validates an appendable Post: next must be one version
// ahead of existing with the same owner. The stored item set is carried
// forward unioned with next's, so a Post can both bump metadata and add
// items in one step.
func UpdateWithOther(existing, next Data) (Data, error) {
	if (existing.Kind != KindPubAppendable && existing.Kind != KindPrivAppendable) || existing.Kind != next.Kind {
		return Data{}, ErrInvalidOperation
	}
	if next.Version != existing.Version+1 {
		return Data{}, ErrInvalidSuccessor
	}
	if next.Owner != existing.Owner {
		return Data{}, ErrInvalidSuccessor
	}
	merged := next
	merged.Items = cloneItems(next.Items)
	for k, v := range existing.Items {
		if _, ok := merged.Items[k]; !ok {
			merged.Items[k] = v
		}
	}
	return merged, nil
}

// AppendWrapper is the payload of an Append request: the items to add and
// the identity performing the append.
type AppendWrapper struct {
	Items    []AppendItem
	SignedBy string
}

// ApplyWrapper applies an AppendWrapper to an existing appendable chunk,
// producing the next version with the wrapper's items unioned in.
func ApplyWrapper(existing Data, wrapper AppendWrapper) (Data, error) {
	if existing.Kind != KindPubAppendable && existing.Kind != KindPrivAppendable {
		return Data{}, ErrInvalidOperation
	}
	next := existing
	next.Items = cloneItems(existing.Items)
	for _, it := range wrapper.Items {
		next.Items[it.Pointer] = it
	}
	next.Version = existing.Version + 1
	return next, nil
}

// MergeOnEqualVersion implements the append-idempotence rule of §4.4.8:
// when a Get-success arrives for an appendable chunk at exactly the
// locally stored version, the received payload's item set is extended
// with the stored set's contents rather than overwritten. This lets
// divergent append sets re-converge across group members (§9 Open
// Question (i)).
func MergeOnEqualVersion(received, stored Data) Data {
	merged := received
	merged.Items = cloneItems(received.Items)
	for k, v := range stored.Items {
		if _, ok := merged.Items[k]; !ok {
			merged.Items[k] = v
		}
	}
	return merged
}
