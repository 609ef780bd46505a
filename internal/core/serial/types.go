package serial

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
)

// HashSize is the length of every content digest on the wire.
const HashSize = 20

// TagSize is the encoded length of a Tag.
const TagSize = 4

// Namespaces of the tags registered by this module.
const (
	NamespaceBuiltin uint16 = iota
	NamespaceMath
	NamespaceScene
	NamespaceTerrain
	NamespaceSync
)

// Tag identifies a codec on the wire: (namespace, type id), big-endian.
type Tag struct {
	Namespace uint16
	ID        uint16
}

// RefTag precedes a 20-byte hash in place of a separable value's content.
var RefTag = Tag{Namespace: NamespaceBuiltin, ID: 1}

func (t Tag) String() string {
	return fmt.Sprintf("(%d,%d)", t.Namespace, t.ID)
}

func (t Tag) append(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, t.Namespace)
	return binary.BigEndian.AppendUint16(dst, t.ID)
}

func tagFrom(b []byte) Tag {
	return Tag{
		Namespace: binary.BigEndian.Uint16(b[0:2]),
		ID:        binary.BigEndian.Uint16(b[2:4]),
	}
}

// Hash is the content digest of a blob.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes the 40-character hex form produced by Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("invalid hash length %d", len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid hash: %w", err)
	}
	return h, nil
}

// HashFromBytes copies b into a Hash. b must be HashSize bytes long.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Handle is a process-local identity for a value, used to key the dependency
// index. Two values with equal content still have different handles.
type Handle uint64

var handleSeq atomic.Uint64

// NextHandle returns a fresh handle. Handles are never reused.
func NextHandle() Handle {
	return Handle(handleSeq.Add(1))
}

// Tracked is implemented by values whose dependencies are recorded by handle.
type Tracked interface {
	SerialHandle() Handle
}

// Identity can be embedded in a struct to make it Tracked. The handle is
// assigned on first use, so the zero value is ready to use. Structs
// embedding Identity must be used by pointer.
type Identity struct {
	handle atomic.Uint64
}

func (i *Identity) SerialHandle() Handle {
	if h := i.handle.Load(); h != 0 {
		return Handle(h)
	}
	i.handle.CompareAndSwap(0, uint64(NextHandle()))
	return Handle(i.handle.Load())
}

// Tuple is a fixed-arity heterogeneous sequence. It encodes like a list but
// under its own tag so the distinction survives a round trip.
type Tuple []any
