package serial

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Decoder rebuilds values from the wire format, resolving hash references
// through its blob store. Loaded blobs are memoized. Decoding is
// all-or-nothing: a failed decode memoizes nothing, so it can be retried once
// the missing blob has been added. A Decoder is safe for concurrent use.
type Decoder struct {
	registry *Registry
	blobs    BlobStore

	mu     sync.RWMutex
	loaded map[Hash]any
	group  singleflight.Group
}

func NewDecoder(registry *Registry, blobs BlobStore) *Decoder {
	if blobs == nil {
		blobs = NewMapStore()
	}
	return &Decoder{
		registry: registry,
		blobs:    blobs,
		loaded:   make(map[Hash]any),
	}
}

func (d *Decoder) BlobStore() BlobStore {
	return d.blobs
}

// Add inserts raw blob bytes without decoding them.
func (d *Decoder) Add(h Hash, data []byte) error {
	return d.blobs.Put(h, data)
}

// Has reports whether the bytes for h are available.
func (d *Decoder) Has(h Hash) bool {
	_, ok := d.blobs.Get(h)
	return ok
}

// Missing filters hashes down to those not yet added, keeping order.
func (d *Decoder) Missing(hashes []Hash) []Hash {
	var out []Hash
	for _, h := range hashes {
		if !d.Has(h) {
			out = appendUnique(out, h)
		}
	}
	return out
}

// Load returns the value stored under h, decoding it on first use.
// Concurrent loads of the same hash share one decode.
func (d *Decoder) Load(h Hash) (any, error) {
	if v, ok := d.memo(h); ok {
		return v, nil
	}
	v, err, _ := d.group.Do(string(h[:]), func() (any, error) {
		s := d.session()
		v, err := s.load(h)
		if err != nil {
			return nil, err
		}
		s.commit()
		return v, nil
	})
	return v, err
}

// Decode reads exactly one value from b. Trailing bytes are an error.
func (d *Decoder) Decode(b []byte) (any, error) {
	s := d.session()
	v, err := s.decodeAll(b)
	if err != nil {
		return nil, err
	}
	s.commit()
	return v, nil
}

// DecodeFrom reads one value from r, leaving r positioned after it.
func (d *Decoder) DecodeFrom(r io.Reader) (any, error) {
	s := d.session()
	v, err := s.decode(&streamSource{r: r})
	if err != nil {
		return nil, err
	}
	s.commit()
	return v, nil
}

// Forget drops memoized values. Blob bytes stay in the store.
func (d *Decoder) Forget(hashes ...Hash) {
	d.mu.Lock()
	for _, h := range hashes {
		delete(d.loaded, h)
	}
	d.mu.Unlock()
}

func (d *Decoder) memo(h Hash) (any, bool) {
	d.mu.RLock()
	v, ok := d.loaded[h]
	d.mu.RUnlock()
	return v, ok
}

func (d *Decoder) session() *decodeSession {
	return &decodeSession{decoder: d}
}

// decodeSession holds the blobs loaded by one top-level decode until it
// succeeds as a whole.
type decodeSession struct {
	decoder *Decoder
	pending map[Hash]any
}

func (s *decodeSession) commit() {
	if len(s.pending) == 0 {
		return
	}
	s.decoder.mu.Lock()
	for h, v := range s.pending {
		s.decoder.loaded[h] = v
	}
	s.decoder.mu.Unlock()
}

func (s *decodeSession) load(h Hash) (any, error) {
	if v, ok := s.pending[h]; ok {
		return v, nil
	}
	if v, ok := s.decoder.memo(h); ok {
		return v, nil
	}
	data, ok := s.decoder.blobs.Get(h)
	if !ok {
		return nil, &ObjectNotAddedError{Hash: h}
	}
	v, err := s.decodeAll(data)
	if err != nil {
		return nil, err
	}
	if s.pending == nil {
		s.pending = make(map[Hash]any)
	}
	s.pending[h] = v
	return v, nil
}

func (s *decodeSession) decodeAll(b []byte) (any, error) {
	src := &sliceSource{buf: b}
	v, err := s.decode(src)
	if err != nil {
		return nil, err
	}
	if rest := len(src.buf) - src.off; rest != 0 {
		return nil, malformed("%d trailing bytes", rest)
	}
	return v, nil
}

func (s *decodeSession) decode(src source) (any, error) {
	b, err := src.next(TagSize)
	if err != nil {
		return nil, err
	}
	tag := tagFrom(b)

	if tag == RefTag {
		b, err = src.next(HashSize)
		if err != nil {
			return nil, err
		}
		return s.load(Hash(b))
	}

	codec, ok := s.decoder.registry.LookupTag(tag)
	if !ok {
		return nil, malformed("unknown tag %s", tag)
	}

	switch codec.Shape {
	case ShapeFixed:
		b, err = src.next(codec.size)
		if err != nil {
			return nil, err
		}
		return asMalformed(codec.readFixed(b))

	case ShapeRaw:
		n, err := src.uint32()
		if err != nil {
			return nil, err
		}
		b, err = src.next(int(n))
		if err != nil {
			return nil, err
		}
		return asMalformed(codec.unmarshal(b))

	case ShapeRecursive:
		n, err := src.uint32()
		if err != nil {
			return nil, err
		}
		if !src.canHold(int(n)) {
			return nil, malformed("%s: count %d exceeds input", codec.Name(), n)
		}
		items := make([]any, 0, min(int(n), 1024))
		for range n {
			item, err := s.decode(src)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return asMalformed(codec.join(items))
	}

	return nil, fmt.Errorf("%w: %s", ErrInvalidCodec, codec)
}

// Reconstruction failures other than missing blobs mean the content did
// not match the codec.
func asMalformed(v any, err error) (any, error) {
	if err == nil {
		return v, nil
	}
	var notAdded *ObjectNotAddedError
	if errors.Is(err, ErrMalformedStream) || errors.As(err, &notAdded) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", ErrMalformedStream, err)
}

type source interface {
	next(n int) ([]byte, error)
	uint32() (uint32, error)
	// canHold reports whether n encoded values could possibly follow.
	canHold(n int) bool
}

type sliceSource struct {
	buf []byte
	off int
}

func (s *sliceSource) next(n int) ([]byte, error) {
	if n < 0 || len(s.buf)-s.off < n {
		return nil, malformed("need %d bytes at offset %d, have %d: %v", n, s.off, len(s.buf)-s.off, io.ErrUnexpectedEOF)
	}
	b := s.buf[s.off : s.off+n]
	s.off += n
	return b, nil
}

func (s *sliceSource) uint32() (uint32, error) {
	b, err := s.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (s *sliceSource) canHold(n int) bool {
	return n <= (len(s.buf)-s.off)/TagSize
}

// maxStreamRead bounds a single length-prefixed read from an io.Reader,
// which has no length of its own to check against.
const maxStreamRead = 256 << 20

type streamSource struct {
	r io.Reader
}

func (s *streamSource) next(n int) ([]byte, error) {
	if n < 0 || n > maxStreamRead {
		return nil, malformed("length %d out of range", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(s.r, b); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, malformed("need %d bytes: %v", n, io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return b, nil
}

func (s *streamSource) uint32() (uint32, error) {
	b, err := s.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (s *streamSource) canHold(int) bool {
	return true
}
