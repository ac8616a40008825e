package overlay

import "fmt"

// DataKind discriminates the four data variants the vault understands.
// Replacing trait-object inheritance, every operation that needs to know
// "what kind of thing is this" switches on Kind.
type DataKind int

const (
	KindImmutable DataKind = iota
	KindStructured
	KindPubAppendable
	KindPrivAppendable
)

func (k DataKind) String() string {
	switch k {
	case KindImmutable:
		return "Immutable"
	case KindStructured:
		return "Structured"
	case KindPubAppendable:
		return "PubAppendable"
	case KindPrivAppendable:
		return "PrivAppendable"
	default:
		return "Unknown"
	}
}

// Version is a monotonic counter for mutable data. Immutable data is
// fixed at version 0.
type Version uint64

// DataId is the discriminated identifier described in §3: Immutable(name),
// Structured(name, tag), PubAppendable(name), PrivAppendable(name). Tag is
// only meaningful for Structured identifiers.
type DataId struct {
	Kind DataKind
	Name [32]byte
	Tag  uint64
}

// ImmutableId builds an identifier for immutable data.
func ImmutableId(name [32]byte) DataId { return DataId{Kind: KindImmutable, Name: name} }

// StructuredId builds an identifier for structured data with the given tag.
func StructuredId(name [32]byte, tag uint64) DataId {
	return DataId{Kind: KindStructured, Name: name, Tag: tag}
}

// PubAppendableId builds an identifier for publicly appendable data.
func PubAppendableId(name [32]byte) DataId { return DataId{Kind: KindPubAppendable, Name: name} }

// PrivAppendableId builds an identifier for privately appendable data.
func PrivAppendableId(name [32]byte) DataId { return DataId{Kind: KindPrivAppendable, Name: name} }

func (id DataId) String() string {
	if id.Kind == KindStructured {
		return fmt.Sprintf("%s(%x, tag=%d)", id.Kind, id.Name, id.Tag)
	}
	return fmt.Sprintf("%s(%x)", id.Kind, id.Name)
}

// IdAndVersion is the canonical identity of a mutable snapshot: the pair
// (DataId, Version).
type IdAndVersion struct {
	Id      DataId
	Version Version
}

func (iv IdAndVersion) String() string {
	return fmt.Sprintf("%s@%d", iv.Id, iv.Version)
}
