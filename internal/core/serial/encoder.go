package serial

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sync"
)

// Encoder writes values in the tagged wire format. Separable values met
// while encoding are stored as blobs and replaced by hash references; the
// hashes each value transitively depends on are recorded by handle and by
// hash. An Encoder is safe for concurrent use.
type Encoder struct {
	registry *Registry
	blobs    BlobStore
	digest   Digest

	mu       sync.RWMutex
	byHandle map[Handle][]Hash
	byHash   map[Hash][]Hash
}

type EncoderOption func(*Encoder)

// WithBlobStore sets where stored blobs go. Defaults to a MapStore.
func WithBlobStore(store BlobStore) EncoderOption {
	return func(e *Encoder) { e.blobs = store }
}

// WithDigest sets the content digest. Defaults to SHA1.
func WithDigest(digest Digest) EncoderOption {
	return func(e *Encoder) { e.digest = digest }
}

func NewEncoder(registry *Registry, opts ...EncoderOption) *Encoder {
	e := &Encoder{
		registry: registry,
		digest:   SHA1,
		byHandle: make(map[Handle][]Hash),
		byHash:   make(map[Hash][]Hash),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.blobs == nil {
		e.blobs = NewMapStore()
	}
	return e
}

func (e *Encoder) Registry() *Registry {
	return e.registry
}

func (e *Encoder) BlobStore() BlobStore {
	return e.blobs
}

// Encode returns v's encoding. A separable v is stored and written as a reference.
func (e *Encoder) Encode(v any) ([]byte, error) {
	data, _, err := e.encode(nil, v, false, nil)
	return data, err
}

// EncodeTopLevel returns v's encoding with v itself inlined even if it is
// separable. Nested separable values are still referenced.
func (e *Encoder) EncodeTopLevel(v any) ([]byte, error) {
	data, _, err := e.encode(nil, v, true, nil)
	return data, err
}

// Store encodes v top-level, puts the bytes into the blob store under their
// digest and records v's dependencies. Storing equal content twice yields the
// same hash.
func (e *Encoder) Store(v any) (Hash, error) {
	h, _, err := e.store(v, nil)
	return h, err
}

// StoreHeld is Store with hold called for every blob of v, nested ones
// included, before the blob is put. A store that evicts can pin in hold so
// no part of v is dropped before the caller holds all of it. hold runs once
// per put, so a blob referenced twice is held twice.
func (e *Encoder) StoreHeld(v any, hold func(Hash)) (Hash, error) {
	h, _, err := e.store(v, hold)
	return h, err
}

func (e *Encoder) store(v any, hold func(Hash)) (Hash, []Hash, error) {
	data, deps, err := e.encode(nil, v, true, hold)
	if err != nil {
		return Hash{}, nil, err
	}
	h := e.digest(data)
	deps = without(deps, h)

	if hold != nil {
		hold(h)
	}

	if err = e.blobs.Put(h, data); err != nil {
		return Hash{}, nil, fmt.Errorf("store %s: %w", h, err)
	}

	e.mu.Lock()
	e.byHash[h] = deps
	if t, ok := v.(Tracked); ok {
		e.byHandle[t.SerialHandle()] = deps
	}
	e.mu.Unlock()

	return h, deps, nil
}

// Dependencies lists the blob hashes v transitively references, in first-seen
// order, without duplicates and without v's own hash. Values that were never
// stored are walked to find them.
func (e *Encoder) Dependencies(v any) ([]Hash, error) {
	if t, ok := v.(Tracked); ok {
		e.mu.RLock()
		deps, found := e.byHandle[t.SerialHandle()]
		e.mu.RUnlock()
		if found {
			return append([]Hash(nil), deps...), nil
		}
	}
	codec, err := e.registry.LookupType(v)
	if err != nil {
		return nil, err
	}
	if codec.Separable {
		_, deps, err := e.store(v, nil)
		return append([]Hash(nil), deps...), err
	}
	_, deps, err := e.encode(nil, v, true, nil)
	return deps, err
}

// DependenciesOf lists the dependencies recorded for a stored hash.
func (e *Encoder) DependenciesOf(h Hash) ([]Hash, bool) {
	e.mu.RLock()
	deps, ok := e.byHash[h]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return append([]Hash(nil), deps...), true
}

// Blob returns the bytes stored under h.
func (e *Encoder) Blob(h Hash) ([]byte, bool) {
	return e.blobs.Get(h)
}

func (e *Encoder) encode(dst []byte, v any, topLevel bool, hold func(Hash)) ([]byte, []Hash, error) {
	codec, err := e.registry.LookupType(v)
	if err != nil {
		return dst, nil, err
	}

	if codec.Separable && !topLevel {
		h, deps, err := e.store(v, hold)
		if err != nil {
			return dst, nil, err
		}
		dst = RefTag.append(dst)
		dst = append(dst, h[:]...)
		return dst, appendUnique(slices.Clone(deps), h), nil
	}

	dst = codec.Tag.append(dst)

	switch codec.Shape {
	case ShapeFixed:
		dst, err = codec.appendFixed(dst, v)
		return dst, nil, err

	case ShapeRaw:
		raw, err := codec.marshal(v)
		if err != nil {
			return dst, nil, err
		}
		if uint64(len(raw)) > math.MaxUint32 {
			return dst, nil, fmt.Errorf("%s: raw content too large (%d bytes)", codec.Name(), len(raw))
		}
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(raw)))
		return append(dst, raw...), nil, nil

	case ShapeRecursive:
		items, err := codec.split(v)
		if err != nil {
			return dst, nil, err
		}
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(items)))
		var deps []Hash
		for _, item := range items {
			var itemDeps []Hash
			dst, itemDeps, err = e.encode(dst, item, false, hold)
			if err != nil {
				return dst, nil, err
			}
			deps = appendUnique(deps, itemDeps...)
		}
		return dst, deps, nil
	}

	return dst, nil, fmt.Errorf("%w: %s", ErrInvalidCodec, codec)
}

func appendUnique(dst []Hash, hashes ...Hash) []Hash {
next:
	for _, h := range hashes {
		for _, seen := range dst {
			if seen == h {
				continue next
			}
		}
		dst = append(dst, h)
	}
	return dst
}

func without(hashes []Hash, h Hash) []Hash {
	out := hashes[:0]
	for _, x := range hashes {
		if x != h {
			out = append(out, x)
		}
	}
	return out
}
