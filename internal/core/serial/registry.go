package serial

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
)

// Registry maps tags and Go types to codecs. Populate it at startup, then
// Freeze it; encoders and decoders only read from it.
type Registry struct {
	mu     sync.RWMutex
	byTag  map[Tag]*Codec
	byType map[reflect.Type]*Codec
	frozen atomic.Bool
}

// NewRegistry returns a registry holding the builtin codecs.
func NewRegistry() *Registry {
	r := &Registry{
		byTag:  make(map[Tag]*Codec),
		byType: make(map[reflect.Type]*Codec),
	}
	r.MustRegister(builtinCodecs()...)
	return r
}

func (r *Registry) Register(c *Codec) error {
	if r.frozen.Load() {
		return ErrRegistryFrozen
	}
	if err := c.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byTag[c.Tag]; ok {
		return fmt.Errorf("%w: tag %s used by %s and %s", ErrIDCollision, c.Tag, existing.Name(), c.Name())
	}
	if existing, ok := r.byType[c.Type]; ok {
		return fmt.Errorf("%w: type %s already has tag %s", ErrIDCollision, c.Name(), existing.Tag)
	}
	r.byTag[c.Tag] = c
	r.byType[c.Type] = c
	return nil
}

// MustRegister registers every codec and panics on the first failure.
func (r *Registry) MustRegister(codecs ...*Codec) {
	for _, c := range codecs {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// LookupType returns the codec for v's dynamic type. A nil interface maps to
// the none codec.
func (r *Registry) LookupType(v any) (*Codec, error) {
	typ := reflect.TypeOf(v)
	r.mu.RLock()
	c, ok := r.byType[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, &TypeNotRegisteredError{Type: typ}
	}
	return c, nil
}

func (r *Registry) LookupTag(tag Tag) (*Codec, bool) {
	r.mu.RLock()
	c, ok := r.byTag[tag]
	r.mu.RUnlock()
	return c, ok
}

// Codecs lists the registered codecs ordered by tag.
func (r *Registry) Codecs() []*Codec {
	r.mu.RLock()
	out := make([]*Codec, 0, len(r.byTag))
	for _, c := range r.byTag {
		out = append(out, c)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Codec) int {
		if a.Tag.Namespace != b.Tag.Namespace {
			return int(a.Tag.Namespace) - int(b.Tag.Namespace)
		}
		return int(a.Tag.ID) - int(b.Tag.ID)
	})
	return out
}
